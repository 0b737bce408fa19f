package dispatch

import (
	"fmt"
	"strings"

	"github.com/rivo/uniseg"

	"github.com/perjens/posse/internal/ghost"
)

// posseTag is appended to every syndicated post.
const posseTag = "#posse"

// splitCounter renders the "(i/n)" marker on split posts, 1-based.
func splitCounter(index, total int) string {
	return fmt.Sprintf("(%d/%d)", index+1, total)
}

// formatContent builds the post body for one platform: the excerpt (or
// title when no excerpt is set), trimmed to fit the platform budget, then
// the hashtag line and the link back to the blog. counter is empty for
// unsplit posts.
func formatContent(post *ghost.ExtractedPost, maxLength int, counter string) string {
	body := post.Excerpt
	if strings.TrimSpace(body) == "" {
		body = post.Title
	}
	body = strings.TrimSpace(body)

	suffix := "\n" + hashtagLine(post) + "\n\n🔗 " + post.URL
	if counter != "" {
		suffix += " " + counter
	}

	budget := maxLength - uniseg.GraphemeClusterCount(suffix)
	if budget < 0 {
		budget = 0
	}
	return trimToWordBoundary(body, budget) + suffix
}

// hashtagLine derives hashtags from the post's tag slugs plus the
// syndication marker tag.
func hashtagLine(post *ghost.ExtractedPost) string {
	tags := make([]string, 0, len(post.Tags)+1)
	for _, slug := range post.TagSlugs() {
		if tag := hashtagFromSlug(slug); tag != "" {
			tags = append(tags, tag)
		}
	}
	tags = append(tags, posseTag)
	return strings.Join(tags, " ")
}

// hashtagFromSlug turns a tag slug into a hashtag, dropping separators:
// "home-automation" becomes "#homeautomation".
func hashtagFromSlug(slug string) string {
	var b strings.Builder
	for _, r := range slug {
		if r == '-' || r == '_' || r == ' ' {
			continue
		}
		b.WriteRune(r)
	}
	if b.Len() == 0 {
		return ""
	}
	return "#" + b.String()
}

// trimToWordBoundary shortens text to at most budget grapheme clusters,
// backing up to the previous word boundary and appending an ellipsis.
// Grapheme clusters keep emoji and combining sequences intact.
func trimToWordBoundary(text string, budget int) string {
	if uniseg.GraphemeClusterCount(text) <= budget {
		return text
	}
	if budget <= 3 {
		return ""
	}

	// Reserve three clusters for the ellipsis.
	keep := budget - 3
	var b strings.Builder
	state := -1
	rest := text
	for n := 0; n < keep && len(rest) > 0; n++ {
		var cluster string
		cluster, rest, _, state = uniseg.FirstGraphemeClusterInString(rest, state)
		b.WriteString(cluster)
	}
	cut := b.String()

	if idx := strings.LastIndexAny(cut, " \t\n"); idx > 0 {
		cut = cut[:idx]
	}
	return strings.TrimRight(cut, " \t\n.,;:") + "..."
}
