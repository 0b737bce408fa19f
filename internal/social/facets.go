package social

import (
	"regexp"
	"strings"
)

const (
	facetLinkType = "app.bsky.richtext.facet#link"
	facetTagType  = "app.bsky.richtext.facet#tag"
)

var (
	urlRegex     = regexp.MustCompile(`https?://[^\s<>"{}|\\^` + "`" + `\[\]]+`)
	hashtagRegex = regexp.MustCompile(`(?:^|[^\w#])#([a-zA-Z][a-zA-Z0-9_]*)`)
)

// bskyFacet describes a rich-text annotation over a byte range.
type bskyFacet struct {
	Index    bskyByteSlice      `json:"index"`
	Features []bskyFacetFeature `json:"features"`
}

// bskyByteSlice marks the byte range of a facet within the UTF-8 text.
type bskyByteSlice struct {
	ByteStart int `json:"byteStart"`
	ByteEnd   int `json:"byteEnd"`
}

// bskyFacetFeature is one annotation; $type selects link or tag.
type bskyFacetFeature struct {
	Type string `json:"$type"`
	URI  string `json:"uri,omitempty"`
	Tag  string `json:"tag,omitempty"`
}

// buildFacets scans text for http(s) URLs and #hashtags and returns
// rich-text facets over their byte-offset ranges. Trailing punctuation on
// URLs is excluded from the facet.
func buildFacets(text string) []bskyFacet {
	var facets []bskyFacet

	for _, loc := range urlRegex.FindAllStringIndex(text, -1) {
		start, end := loc[0], loc[1]
		end = start + len(strings.TrimRight(text[start:end], ".,;!?)"))
		if end <= start {
			continue
		}
		facets = append(facets, bskyFacet{
			Index: bskyByteSlice{ByteStart: start, ByteEnd: end},
			Features: []bskyFacetFeature{{
				Type: facetLinkType,
				URI:  text[start:end],
			}},
		})
	}

	for _, loc := range hashtagRegex.FindAllStringSubmatchIndex(text, -1) {
		if len(loc) < 4 {
			continue
		}
		// loc[2]:loc[3] is the tag name; the '#' sits one byte before it.
		hashStart := loc[2] - 1
		if hashStart < 0 || text[hashStart] != '#' {
			continue
		}
		if insideFacet(facets, hashStart) {
			continue
		}
		facets = append(facets, bskyFacet{
			Index: bskyByteSlice{ByteStart: hashStart, ByteEnd: loc[3]},
			Features: []bskyFacetFeature{{
				Type: facetTagType,
				Tag:  text[loc[2]:loc[3]],
			}},
		})
	}

	return facets
}

// insideFacet reports whether pos falls inside an existing facet range,
// which happens for '#' fragments inside URLs.
func insideFacet(facets []bskyFacet, pos int) bool {
	for _, f := range facets {
		if pos >= f.Index.ByteStart && pos < f.Index.ByteEnd {
			return true
		}
	}
	return false
}
