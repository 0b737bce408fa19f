// Package webhook validates inbound Ghost webhook payloads and exposes the
// typed payload structure the rest of the pipeline consumes.
package webhook

import (
	"encoding/json"
	"fmt"

	"github.com/xeipuuv/gojsonschema"
)

// postSchema is the fixed Draft-7 schema every inbound payload must satisfy.
// Extra fields are ignored; only post.current with its required identity
// fields is enforced.
const postSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["post"],
  "properties": {
    "post": {
      "type": "object",
      "required": ["current"],
      "properties": {
        "current": {
          "type": "object",
          "required": ["id", "uuid", "title", "slug", "status", "url", "created_at", "updated_at"],
          "properties": {
            "id": {"type": "string", "minLength": 1},
            "uuid": {"type": "string", "minLength": 1},
            "title": {"type": "string"},
            "slug": {"type": "string"},
            "status": {"type": "string"},
            "url": {"type": "string"},
            "created_at": {"type": "string"},
            "updated_at": {"type": "string"}
          }
        },
        "previous": {"type": "object"}
      }
    }
  }
}`

var compiledSchema = gojsonschema.NewStringLoader(postSchema)

// ValidationError describes a schema violation with the dotted path of the
// offending field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("webhook validation failed at %s: %s", e.Field, e.Reason)
}

// Tag is one Ghost tag attached to a post.
type Tag struct {
	Name string `json:"name"`
	Slug string `json:"slug"`
}

// Post is the Ghost post object inside a webhook payload. Only the fields
// the pipeline uses are decoded; everything else passes through untouched.
type Post struct {
	ID              string `json:"id"`
	UUID            string `json:"uuid"`
	Title           string `json:"title"`
	Slug            string `json:"slug"`
	Status          string `json:"status"`
	URL             string `json:"url"`
	HTML            string `json:"html"`
	CustomExcerpt   string `json:"custom_excerpt"`
	FeatureImage    string `json:"feature_image"`
	FeatureImageAlt string `json:"feature_image_alt"`
	Tags            []Tag  `json:"tags"`
	CreatedAt       string `json:"created_at"`
	UpdatedAt       string `json:"updated_at"`
}

// Payload is the CMS's nested webhook envelope.
type Payload struct {
	Post struct {
		Current  Post  `json:"current"`
		Previous *Post `json:"previous"`
	} `json:"post"`
}

// Decode unmarshals raw without schema validation. Deletion webhooks
// carry the post only under post.previous, which the publish schema
// rejects, so the delete path decodes leniently.
func Decode(raw []byte) (*Payload, error) {
	var payload Payload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, &ValidationError{Field: "(root)", Reason: err.Error()}
	}
	if payload.Post.Current.ID == "" && payload.Post.Previous == nil {
		return nil, &ValidationError{Field: "post", Reason: "neither current nor previous post present"}
	}
	return &payload, nil
}

// Parse validates raw against the post schema and decodes it. The first
// schema violation is returned as a *ValidationError.
func Parse(raw []byte) (*Payload, error) {
	result, err := gojsonschema.Validate(compiledSchema, gojsonschema.NewBytesLoader(raw))
	if err != nil {
		return nil, &ValidationError{Field: "(root)", Reason: err.Error()}
	}
	if !result.Valid() {
		first := result.Errors()[0]
		field := first.Field()
		if field == "" || field == "(root)" {
			field = first.Context().String()
		}
		return nil, &ValidationError{Field: field, Reason: first.Description()}
	}

	var payload Payload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, &ValidationError{Field: "(root)", Reason: err.Error()}
	}
	return &payload, nil
}
