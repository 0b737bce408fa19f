// Package social implements the platform clients that syndicate posts to
// Mastodon and Bluesky and poll them for interactions. Both variants
// satisfy the Client capability interface; shared helpers (image cache,
// notifier) are passed in at construction.
package social

import (
	"context"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/perjens/posse/internal/imagecache"
)

// Platform identifies a supported social network.
type Platform string

// Supported platforms.
const (
	PlatformMastodon Platform = "mastodon"
	PlatformBluesky  Platform = "bluesky"
)

// Per-platform hard caps on images per post.
const (
	mastodonMaxMedia = 4
	blueskyMaxMedia  = 4
)

// PostResult is the outcome of a successful post: the platform-native
// identifier plus a browser-navigable URL.
type PostResult struct {
	// StatusID is the Mastodon status id or the Bluesky AT URI.
	StatusID string `json:"status_id"`
	PostURL  string `json:"post_url"`
}

// RecentPost is one entry from an account's own recent original posts.
type RecentPost struct {
	// ID is the status id or AT URI.
	ID        string
	URL       string
	Content   string // plain text or HTML, platform-dependent
	CreatedAt time.Time
}

// ReplyPreview is a trimmed rendering of one direct reply.
type ReplyPreview struct {
	AuthorHandle string    `json:"author_handle"`
	AuthorURL    string    `json:"author_url"`
	AuthorAvatar string    `json:"author_avatar,omitempty"`
	Content      string    `json:"content"`
	CreatedAt    time.Time `json:"created_at"`
	URL          string    `json:"url"`

	// Set by the sync service when the parent is a split post.
	SplitIndex   *int   `json:"split_index,omitempty"`
	SplitPostURL string `json:"split_post_url,omitempty"`
}

// Interactions aggregates the counts and reply previews for one status.
type Interactions struct {
	Favorites     int            `json:"favorites"`
	Reblogs       int            `json:"reblogs"`
	Replies       int            `json:"replies"`
	ReplyPreviews []ReplyPreview `json:"reply_previews,omitempty"`
}

// Notifier is the subset of the push notifier the clients use.
type Notifier interface {
	Notify(ctx context.Context, title, message string)
}

// Client is the capability set shared by all platform variants.
type Client interface {
	Platform() Platform
	AccountName() string
	// Enabled reports whether the client may be dispatched to. A client
	// disables itself on an auth failure.
	Enabled() bool
	MaxPostLength() int
	SplitMultiImagePosts() bool
	// Tags is the account's tag-slug allowlist; empty matches all posts.
	Tags() []string

	// Post publishes content with optional media. mediaURLs and altTexts
	// are parallel; media that fails to download is skipped, not fatal.
	Post(ctx context.Context, content string, mediaURLs, altTexts []string) (*PostResult, error)
	VerifyCredentials(ctx context.Context) error
	// FetchRecentPosts returns the account's own recent original posts,
	// excluding reblogs/reposts, newest first.
	FetchRecentPosts(ctx context.Context, limit int) ([]RecentPost, error)
	// FetchStatusInteractions aggregates interactions for one status
	// identified by its platform-native identifier.
	FetchStatusInteractions(ctx context.Context, identifier string) (*Interactions, error)
}

// mediaItem is one downloaded attachment ready for upload.
type mediaItem struct {
	url  string
	path string
	alt  string
}

// fetchMedia resolves media URLs through the image cache, skipping items
// that fail to download. maxItems caps the result per platform rules.
func fetchMedia(cache *imagecache.Cache, platform Platform, account string, mediaURLs, altTexts []string, maxItems int) []mediaItem {
	var items []mediaItem
	for i, u := range mediaURLs {
		if len(items) >= maxItems {
			slog.Warn("media limit reached, dropping attachment",
				"platform", platform, "account", account, "url", u, "limit", maxItems)
			break
		}
		path, err := cache.Fetch(u)
		if err != nil {
			slog.Warn("media download failed, skipping attachment",
				"platform", platform, "account", account, "url", u, "error", err)
			continue
		}
		alt := ""
		if i < len(altTexts) {
			alt = altTexts[i]
		}
		items = append(items, mediaItem{url: u, path: path, alt: alt})
	}
	return items
}

var (
	htmlTagRe    = regexp.MustCompile(`<[^>]*>`)
	brRe         = regexp.MustCompile(`(?i)<br\s*/?>|</p>`)
	multiSpaceRe = regexp.MustCompile(`\n{3,}`)
)

// StripHTML reduces an HTML fragment to plain text: paragraph and line
// breaks become newlines, all other tags are removed, and entities are
// decoded by the caller-visible text already being entity-free in practice.
func StripHTML(s string) string {
	s = brRe.ReplaceAllString(s, "\n")
	s = htmlTagRe.ReplaceAllString(s, "")
	s = strings.ReplaceAll(s, "&amp;", "&")
	s = strings.ReplaceAll(s, "&lt;", "<")
	s = strings.ReplaceAll(s, "&gt;", ">")
	s = strings.ReplaceAll(s, "&quot;", `"`)
	s = strings.ReplaceAll(s, "&#39;", "'")
	s = multiSpaceRe.ReplaceAllString(s, "\n\n")
	return strings.TrimSpace(s)
}
