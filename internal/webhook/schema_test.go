package webhook

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const validPayload = `{
  "post": {
    "current": {
      "id": "65f1c0ffee0000000000abcd",
      "uuid": "2b4a9c1e-0000-4000-8000-000000000000",
      "title": "Hello",
      "slug": "hello",
      "status": "published",
      "url": "https://blog.example.com/hello/",
      "created_at": "2026-01-02T03:04:05.000Z",
      "updated_at": "2026-01-02T03:04:05.000Z",
      "tags": [{"name": "Tech", "slug": "tech"}],
      "unknown_field": 42
    }
  }
}`

func TestParseValid(t *testing.T) {
	payload, err := Parse([]byte(validPayload))
	require.NoError(t, err)

	assert.Equal(t, "65f1c0ffee0000000000abcd", payload.Post.Current.ID)
	assert.Equal(t, "published", payload.Post.Current.Status)
	require.Len(t, payload.Post.Current.Tags, 1)
	assert.Equal(t, "tech", payload.Post.Current.Tags[0].Slug)
	assert.Nil(t, payload.Post.Previous)
}

func TestParseMissingRequiredField(t *testing.T) {
	raw := `{"post": {"current": {"id": "abc", "uuid": "u", "title": "t", "slug": "s", "status": "published", "url": "https://x/", "created_at": "now"}}}`

	_, err := Parse([]byte(raw))
	require.Error(t, err)

	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Contains(t, verr.Error(), "updated_at")
}

func TestParseMissingCurrent(t *testing.T) {
	_, err := Parse([]byte(`{"post": {}}`))
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
}

func TestParseMalformedJSON(t *testing.T) {
	_, err := Parse([]byte(`{not json`))
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
}

func TestDecodePreviousOnly(t *testing.T) {
	raw := `{"post": {"previous": {"id": "65f1c0ffee0000000000abcd", "url": "https://blog.example.com/hello/"}}}`

	payload, err := Decode([]byte(raw))
	require.NoError(t, err)
	require.NotNil(t, payload.Post.Previous)
	assert.Equal(t, "65f1c0ffee0000000000abcd", payload.Post.Previous.ID)
	assert.Empty(t, payload.Post.Current.ID)
}

func TestDecodeEmptyEnvelope(t *testing.T) {
	_, err := Decode([]byte(`{"post": {}}`))
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
}

func TestParseWrongType(t *testing.T) {
	raw := `{"post": {"current": {"id": 123, "uuid": "u", "title": "t", "slug": "s", "status": "p", "url": "u", "created_at": "c", "updated_at": "u"}}}`

	_, err := Parse([]byte(raw))
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Contains(t, verr.Field, "id")
}
