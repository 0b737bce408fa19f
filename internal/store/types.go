package store

import (
	"bytes"
	"encoding/json"
	"time"

	"github.com/perjens/posse/internal/social"
)

// MappingEntry records one syndicated post on one platform/account. For
// Mastodon StatusID is set; for Bluesky PostURI carries the AT URI.
type MappingEntry struct {
	PostURL  string `json:"post_url"`
	StatusID string `json:"status_id,omitempty"`
	PostURI  string `json:"post_uri,omitempty"`

	IsSplit     bool   `json:"is_split,omitempty"`
	SplitIndex  int    `json:"split_index,omitempty"`
	TotalSplits int    `json:"total_splits,omitempty"`
	ImageURL    string `json:"image_url,omitempty"`
}

// Identifier returns the platform-native status identifier.
func (e MappingEntry) Identifier() string {
	if e.StatusID != "" {
		return e.StatusID
	}
	return e.PostURI
}

// AccountEntries is the value stored per (platform, account): either a
// single entry or a non-empty ordered list of split entries. It marshals
// as a bare object in the single case and as an array otherwise, matching
// the on-disk document format.
type AccountEntries struct {
	Entries []MappingEntry
	// List forces array form even with one element, set once a split
	// entry has been appended.
	List bool
}

// Single reports whether the value is a plain, non-split entry.
func (a *AccountEntries) Single() bool {
	return !a.List && len(a.Entries) == 1
}

// MarshalJSON renders a single entry as an object and splits as an array.
func (a AccountEntries) MarshalJSON() ([]byte, error) {
	if a.Single() {
		return json.Marshal(a.Entries[0])
	}
	return json.Marshal(a.Entries)
}

// UnmarshalJSON accepts either an object (single) or an array (splits).
func (a *AccountEntries) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		a.List = true
		return json.Unmarshal(data, &a.Entries)
	}
	var entry MappingEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		return err
	}
	a.List = false
	a.Entries = []MappingEntry{entry}
	return nil
}

// Mapping is the per-post record linking a Ghost post to its syndicated
// copies, keyed platforms[platform][account].
type Mapping struct {
	GhostPostID  string                                 `json:"ghost_post_id"`
	GhostPostURL string                                 `json:"ghost_post_url"`
	SyndicatedAt time.Time                              `json:"syndicated_at"`
	Platforms    map[string]map[string]*AccountEntries `json:"platforms"`
}

// Get returns the entries recorded for (platform, account), or nil.
func (m *Mapping) Get(platform, account string) *AccountEntries {
	if m == nil || m.Platforms == nil {
		return nil
	}
	return m.Platforms[platform][account]
}

// SyndicationLink is a pointer to the syndicated copy: a single URL, or a
// list of URLs for split posts. Marshals as a bare string in the single
// case.
type SyndicationLink struct {
	URLs []string
	List bool
}

// MarshalJSON renders one URL as a string and splits as an array.
func (l SyndicationLink) MarshalJSON() ([]byte, error) {
	if !l.List && len(l.URLs) == 1 {
		return json.Marshal(l.URLs[0])
	}
	return json.Marshal(l.URLs)
}

// UnmarshalJSON accepts a string or an array of strings.
func (l *SyndicationLink) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		l.List = true
		return json.Unmarshal(data, &l.URLs)
	}
	var single string
	if err := json.Unmarshal(data, &single); err != nil {
		return err
	}
	l.List = false
	l.URLs = []string{single}
	return nil
}

// InteractionRecord is the per-post aggregate the blog front-end reads.
type InteractionRecord struct {
	GhostPostID      string                                      `json:"ghost_post_id"`
	UpdatedAt        time.Time                                   `json:"updated_at"`
	SyndicationLinks map[string]map[string]SyndicationLink       `json:"syndication_links"`
	Platforms        map[string]map[string]*social.Interactions  `json:"platforms"`
}

// NewInteractionRecord returns an empty record skeleton for id.
func NewInteractionRecord(id string) *InteractionRecord {
	return &InteractionRecord{
		GhostPostID:      id,
		SyndicationLinks: make(map[string]map[string]SyndicationLink),
		Platforms:        make(map[string]map[string]*social.Interactions),
	}
}

// SetLink records the syndication link for (platform, account).
func (r *InteractionRecord) SetLink(platform, account string, link SyndicationLink) {
	if r.SyndicationLinks == nil {
		r.SyndicationLinks = make(map[string]map[string]SyndicationLink)
	}
	if r.SyndicationLinks[platform] == nil {
		r.SyndicationLinks[platform] = make(map[string]SyndicationLink)
	}
	r.SyndicationLinks[platform][account] = link
}

// SetInteractions records the aggregate for (platform, account).
func (r *InteractionRecord) SetInteractions(platform, account string, in *social.Interactions) {
	if r.Platforms == nil {
		r.Platforms = make(map[string]map[string]*social.Interactions)
	}
	if r.Platforms[platform] == nil {
		r.Platforms[platform] = make(map[string]*social.Interactions)
	}
	r.Platforms[platform][account] = in
}

// Webmention status values.
const (
	WebmentionPending  = "pending"
	WebmentionVerified = "verified"
	WebmentionRejected = "rejected"
)

// Webmention mention types.
const (
	MentionTypeMention  = "mention"
	MentionTypeReply    = "reply"
	MentionTypeLike     = "like"
	MentionTypeRepost   = "repost"
	MentionTypeBookmark = "bookmark"
)

// Webmention is a received webmention, uniquely keyed by (source, target).
type Webmention struct {
	Source      string     `json:"source"`
	Target      string     `json:"target"`
	Status      string     `json:"status"`
	MentionType string     `json:"mention_type,omitempty"`
	AuthorName  string     `json:"author_name,omitempty"`
	AuthorURL   string     `json:"author_url,omitempty"`
	AuthorPhoto string     `json:"author_photo,omitempty"`
	ContentHTML string     `json:"content_html,omitempty"`
	ContentText string     `json:"content_text,omitempty"`
	ReceivedAt  time.Time  `json:"received_at"`
	VerifiedAt  *time.Time `json:"verified_at,omitempty"`
}

// Reply is a comment submitted through the reply form, rendered as an
// h-entry and used as the source of a self-dispatched webmention.
type Reply struct {
	ID         string    `json:"id"`
	AuthorName string    `json:"author_name"`
	AuthorURL  string    `json:"author_url,omitempty"`
	Content    string    `json:"content"`
	Target     string    `json:"target"`
	IPHash     string    `json:"ip_hash"`
	CreatedAt  time.Time `json:"created_at"`
}
