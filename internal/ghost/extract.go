// Package ghost extracts the dispatchable fields from Ghost posts and talks
// to the Ghost Content API.
package ghost

import (
	"net/url"
	"sort"
	"strings"

	"golang.org/x/net/html"

	"github.com/perjens/posse/internal/webhook"
)

// nosplitTag suppresses multi-image split posting when present on a post.
const nosplitTag = "#nosplit"

// ExtractedPost holds the derived fields used for dispatch. ImageURLs and
// AltTexts are parallel; the feature image, when kept, is index 0.
type ExtractedPost struct {
	ID      string
	URL     string
	Title   string
	Excerpt string
	Status  string

	// Tags with the #nosplit control tag already stripped.
	Tags []webhook.Tag

	ImageURLs []string
	AltTexts  []string

	SuppressSplit bool
}

// TagSlugs returns the post's lowercase tag slugs.
func (p *ExtractedPost) TagSlugs() []string {
	slugs := make([]string, 0, len(p.Tags))
	for _, t := range p.Tags {
		slugs = append(slugs, strings.ToLower(t.Slug))
	}
	return slugs
}

// Extract derives the dispatch fields from a webhook post.
func Extract(post *webhook.Post) *ExtractedPost {
	ep := &ExtractedPost{
		ID:     post.ID,
		URL:    post.URL,
		Title:  post.Title,
		Status: post.Status,
	}
	if post.CustomExcerpt != "" {
		ep.Excerpt = post.CustomExcerpt
	}

	for _, tag := range post.Tags {
		if strings.EqualFold(tag.Name, nosplitTag) {
			ep.SuppressSplit = true
			continue
		}
		ep.Tags = append(ep.Tags, tag)
	}

	ep.ImageURLs, ep.AltTexts = extractImages(post)
	return ep
}

// image pairs a URL with its alt text during extraction.
type image struct {
	url string
	alt string
}

// extractImages collects images from the post HTML plus the feature image,
// dedupes by URL, drops images hosted off the post's own host, and orders
// the feature image first with the remainder URL-sorted.
func extractImages(post *webhook.Post) ([]string, []string) {
	byURL := make(map[string]image)
	var order []string

	add := func(u, alt string) {
		if u == "" {
			return
		}
		if _, seen := byURL[u]; seen {
			// First occurrence wins, but backfill a missing alt.
			if existing := byURL[u]; existing.alt == "" && alt != "" {
				existing.alt = alt
				byURL[u] = existing
			}
			return
		}
		byURL[u] = image{url: u, alt: alt}
		order = append(order, u)
	}

	add(post.FeatureImage, post.FeatureImageAlt)
	for _, img := range parseHTMLImages(post.HTML) {
		add(img.url, img.alt)
	}

	postHost := hostOf(post.URL)
	var kept []image
	var featureKept bool
	for _, u := range order {
		img := byURL[u]
		// No determinable post host keeps everything (backward compat).
		if postHost != "" && hostOf(img.url) != postHost {
			continue
		}
		if u == post.FeatureImage {
			featureKept = true
			continue
		}
		kept = append(kept, img)
	}

	sort.Slice(kept, func(i, j int) bool { return kept[i].url < kept[j].url })
	if featureKept {
		kept = append([]image{byURL[post.FeatureImage]}, kept...)
	}

	urls := make([]string, len(kept))
	alts := make([]string, len(kept))
	for i, img := range kept {
		urls[i] = img.url
		alts[i] = img.alt
	}
	return urls, alts
}

// parseHTMLImages walks the post HTML and returns every <img> with its src
// and alt. Parse errors yield no images; Ghost HTML is parser-tolerant.
func parseHTMLImages(rawHTML string) []image {
	if rawHTML == "" {
		return nil
	}
	doc, err := html.Parse(strings.NewReader(rawHTML))
	if err != nil {
		return nil
	}

	var images []image
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && n.Data == "img" {
			var src, alt string
			for _, attr := range n.Attr {
				switch attr.Key {
				case "src":
					src = attr.Val
				case "alt":
					alt = attr.Val
				}
			}
			if src != "" {
				images = append(images, image{url: src, alt: alt})
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)
	return images
}

// hostOf returns the netloc (host including port) of a URL, or "".
func hostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return u.Host
}
