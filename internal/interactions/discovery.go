package interactions

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"regexp"
	"strings"

	"golang.org/x/net/html"

	"github.com/perjens/posse/internal/social"
	"github.com/perjens/posse/internal/store"
)

// discoveryFetchLimit is how far back in each account's timeline the
// search looks.
const discoveryFetchLimit = 50

var urlPattern = regexp.MustCompile(`https?://[^\s<>"')\]]+`)

// DiscoveryStore is the slice of the store discovery reads and writes.
type DiscoveryStore interface {
	GetMapping(ctx context.Context, ghostPostID string) (*store.Mapping, error)
	PutMappingEntry(ctx context.Context, ghostPostID, ghostPostURL, platform, account string, entry store.MappingEntry) error
}

// Discoverer reconstructs missing syndication mappings by searching each
// account's recent posts for links back to the blog post. It covers posts
// published before the mapping store existed, or whose webhook was lost.
type Discoverer struct {
	clients []social.Client
	store   DiscoveryStore
	log     *slog.Logger
}

// NewDiscoverer builds a discoverer over the given clients.
func NewDiscoverer(clients []social.Client, st DiscoveryStore, log *slog.Logger) *Discoverer {
	if log == nil {
		log = slog.Default()
	}
	return &Discoverer{clients: clients, store: st, log: log}
}

// Discover searches every enabled account that has no mapping for the
// post yet and records any matches found. It returns the number of new
// entries recorded.
func (d *Discoverer) Discover(ctx context.Context, ghostPostID, postURL string) (int, error) {
	want := normalizeURL(postURL)
	if want == "" {
		return 0, fmt.Errorf("discover %s: unparseable post url %q", ghostPostID, postURL)
	}

	existing, err := d.store.GetMapping(ctx, ghostPostID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return 0, fmt.Errorf("discover %s: %w", ghostPostID, err)
	}

	found := 0
	for _, client := range d.clients {
		if !client.Enabled() {
			continue
		}
		if existing.Get(string(client.Platform()), client.AccountName()) != nil {
			continue
		}

		recent, err := client.FetchRecentPosts(ctx, discoveryFetchLimit)
		if err != nil {
			d.log.Warn("discovery fetch failed",
				"platform", client.Platform(), "account", client.AccountName(), "error", err)
			continue
		}

		for _, rp := range recent {
			if !mentionsURL(client.Platform(), rp.Content, want) {
				continue
			}
			entry := store.MappingEntry{PostURL: rp.URL}
			if client.Platform() == social.PlatformBluesky {
				entry.PostURI = rp.ID
			} else {
				entry.StatusID = rp.ID
			}
			err := d.store.PutMappingEntry(ctx, ghostPostID, postURL,
				string(client.Platform()), client.AccountName(), entry)
			if err != nil {
				d.log.Warn("discovery record failed",
					"platform", client.Platform(), "account", client.AccountName(), "error", err)
				break
			}
			d.log.Info("discovered syndicated copy",
				"ghost_post_id", ghostPostID,
				"platform", client.Platform(), "account", client.AccountName(), "url", rp.URL)
			found++
			break
		}
	}
	return found, nil
}

// mentionsURL reports whether the status content links to the wanted URL.
// Mastodon content is HTML, so anchor hrefs are checked alongside
// plaintext URLs; Bluesky text carries bare URLs.
func mentionsURL(platform social.Platform, content, want string) bool {
	for _, candidate := range urlPattern.FindAllString(content, -1) {
		if normalizeURL(candidate) == want {
			return true
		}
	}
	if platform != social.PlatformMastodon {
		return false
	}
	for _, href := range anchorHrefs(content) {
		if normalizeURL(href) == want {
			return true
		}
	}
	return false
}

func anchorHrefs(rawHTML string) []string {
	node, err := html.Parse(strings.NewReader(rawHTML))
	if err != nil {
		return nil
	}
	var hrefs []string
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && n.Data == "a" {
			for _, attr := range n.Attr {
				if attr.Key == "href" {
					hrefs = append(hrefs, attr.Val)
				}
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(node)
	return hrefs
}

// normalizeURL canonicalizes for exact comparison: lowercase host, no
// query, no fragment, no trailing slash. Matching is deliberately exact
// beyond that; a link to a different path is a different post.
func normalizeURL(raw string) string {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || u.Host == "" {
		return ""
	}
	u.Fragment = ""
	u.RawQuery = ""
	u.Host = strings.ToLower(u.Host)
	u.Path = strings.TrimRight(u.Path, "/")
	return u.String()
}
