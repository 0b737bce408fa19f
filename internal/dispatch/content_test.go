package dispatch

import (
	"strings"
	"testing"

	"github.com/rivo/uniseg"
	"github.com/stretchr/testify/assert"

	"github.com/perjens/posse/internal/ghost"
	"github.com/perjens/posse/internal/webhook"
)

func TestFormatContentUsesExcerptAndAppendsLink(t *testing.T) {
	post := &ghost.ExtractedPost{
		Title:   "Title",
		Excerpt: "A short excerpt.",
		URL:     "https://blog.example/post/",
		Tags:    []webhook.Tag{{Name: "Home Automation", Slug: "home-automation"}},
	}
	got := formatContent(post, 500, "")
	assert.True(t, strings.HasPrefix(got, "A short excerpt.\n"))
	assert.Contains(t, got, "#homeautomation #posse")
	assert.True(t, strings.HasSuffix(got, "🔗 https://blog.example/post/"))
}

func TestFormatContentFallsBackToTitle(t *testing.T) {
	post := &ghost.ExtractedPost{Title: "Just a title", URL: "https://blog.example/p/"}
	got := formatContent(post, 500, "")
	assert.True(t, strings.HasPrefix(got, "Just a title\n"))
}

func TestFormatContentFitsBudget(t *testing.T) {
	post := &ghost.ExtractedPost{
		Title:   "t",
		Excerpt: strings.Repeat("word ", 200),
		URL:     "https://blog.example/very/long/post/url/",
		Tags:    []webhook.Tag{{Slug: "tag-one"}, {Slug: "tag-two"}},
	}
	got := formatContent(post, 300, "")
	assert.LessOrEqual(t, uniseg.GraphemeClusterCount(got), 300)
	assert.Contains(t, got, "...")
	// The suffix must survive trimming intact.
	assert.True(t, strings.HasSuffix(got, "🔗 https://blog.example/very/long/post/url/"))
}

func TestFormatContentSplitCounter(t *testing.T) {
	post := &ghost.ExtractedPost{Excerpt: "pics", URL: "https://blog.example/p/"}
	got := formatContent(post, 300, splitCounter(1, 3))
	assert.True(t, strings.HasSuffix(got, "(2/3)"))
}

func TestTrimToWordBoundary(t *testing.T) {
	assert.Equal(t, "short", trimToWordBoundary("short", 100))
	assert.Equal(t, "one two...", trimToWordBoundary("one two three four", 13))
	assert.Equal(t, "", trimToWordBoundary("anything", 3))
}

func TestTrimToWordBoundaryGraphemes(t *testing.T) {
	// Flag emoji are multi-rune single clusters; trimming must not split
	// them.
	text := "🇸🇪🇸🇪🇸🇪 🇸🇪🇸🇪🇸🇪 🇸🇪🇸🇪🇸🇪"
	got := trimToWordBoundary(text, 9)
	assert.LessOrEqual(t, uniseg.GraphemeClusterCount(got), 9)
	assert.True(t, strings.HasSuffix(got, "..."))
}

func TestHashtagFromSlug(t *testing.T) {
	assert.Equal(t, "#homeautomation", hashtagFromSlug("home-automation"))
	assert.Equal(t, "#foo", hashtagFromSlug("foo"))
	assert.Equal(t, "", hashtagFromSlug("---"))
}
