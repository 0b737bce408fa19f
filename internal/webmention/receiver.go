package webmention

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"willnorris.com/go/microformats"

	"github.com/perjens/posse/internal/store"
)

// Stored field bounds.
const (
	maxAuthorName  = 200
	maxURLLen      = 2048
	maxContentHTML = 10000
	maxContentText = 10000
)

// ValidationError is a request problem the caller reports as a 400.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string { return e.Reason }

// ReceiverStore is the slice of the store the receiver writes.
type ReceiverStore interface {
	UpsertWebmention(ctx context.Context, w *store.Webmention) error
	GetWebmention(ctx context.Context, source, target string) (*store.Webmention, error)
	DeleteWebmention(ctx context.Context, source, target string) error
	ListWebmentionsForTarget(ctx context.Context, target string) ([]*store.Webmention, error)
}

// Receiver accepts inbound webmentions and verifies them against the
// source page.
type Receiver struct {
	store   ReceiverStore
	blogURL string
	http    *http.Client
	log     *slog.Logger

	// inlineVerify runs verification synchronously instead of in a
	// goroutine. Tests and small deployments use it.
	inlineVerify bool

	// lookupIP is swapped in tests.
	lookupIP func(ctx context.Context, host string) ([]net.IP, error)
}

// NewReceiver builds a receiver for mentions targeting blogURL.
func NewReceiver(st ReceiverStore, blogURL string, log *slog.Logger) *Receiver {
	if log == nil {
		log = slog.Default()
	}
	return &Receiver{
		store:   st,
		blogURL: strings.TrimRight(blogURL, "/"),
		http:    &http.Client{Timeout: 30 * time.Second},
		log:     log,
		lookupIP: func(ctx context.Context, host string) ([]net.IP, error) {
			addrs, err := net.DefaultResolver.LookupIPAddr(ctx, host)
			if err != nil {
				return nil, err
			}
			ips := make([]net.IP, len(addrs))
			for i, a := range addrs {
				ips[i] = a.IP
			}
			return ips, nil
		},
	}
}

// Receive validates and stores a pending mention, then verifies it
// asynchronously. The returned record reflects the pending state.
func (r *Receiver) Receive(ctx context.Context, source, target string) (*store.Webmention, error) {
	if err := validateMentionURL(source, "source"); err != nil {
		return nil, err
	}
	if err := validateMentionURL(target, "target"); err != nil {
		return nil, err
	}
	if strings.TrimRight(source, "/") == strings.TrimRight(target, "/") {
		return nil, &ValidationError{Reason: "source and target are the same URL"}
	}
	if !r.targetsBlog(target) {
		return nil, &ValidationError{Reason: "target is not a post on this site"}
	}

	w := &store.Webmention{
		Source:     source,
		Target:     target,
		Status:     store.WebmentionPending,
		ReceivedAt: time.Now().UTC(),
	}
	if err := r.store.UpsertWebmention(ctx, w); err != nil {
		return nil, err
	}

	if r.inlineVerify {
		r.verify(ctx, source, target)
	} else {
		go func() {
			vctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
			defer cancel()
			r.verify(vctx, source, target)
		}()
	}
	return w, nil
}

// ListForTarget returns the verified mentions for one blog URL.
func (r *Receiver) ListForTarget(ctx context.Context, target string) ([]*store.Webmention, error) {
	return r.store.ListWebmentionsForTarget(ctx, target)
}

func validateMentionURL(raw, field string) error {
	if raw == "" {
		return &ValidationError{Reason: field + " is required"}
	}
	if len(raw) > maxURLLen {
		return &ValidationError{Reason: field + " is too long"}
	}
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return &ValidationError{Reason: field + " must be an http(s) URL"}
	}
	return nil
}

// targetsBlog requires the target to live under the blog URL with a path
// beyond the root, so mentions of the front page are rejected.
func (r *Receiver) targetsBlog(target string) bool {
	if !strings.HasPrefix(strings.ToLower(target), strings.ToLower(r.blogURL)) {
		return false
	}
	rest := strings.TrimRight(target[len(r.blogURL):], "/")
	return rest != "" && rest != "/"
}

// verify fetches the source and either confirms the mention, rejects it,
// or deletes it when the source is gone.
func (r *Receiver) verify(ctx context.Context, source, target string) {
	log := r.log.With("source", source, "target", target)

	if err := r.guardSource(ctx, source); err != nil {
		log.Warn("webmention source refused", "error", err)
		r.markRejected(ctx, source, target)
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, source, nil)
	if err != nil {
		r.markRejected(ctx, source, target)
		return
	}
	req.Header.Set("Accept", "text/html")
	resp, err := r.http.Do(req)
	if err != nil {
		log.Warn("webmention source fetch failed", "error", err)
		r.markRejected(ctx, source, target)
		return
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		// The source is gone; so is the mention.
		if err := r.store.DeleteWebmention(ctx, source, target); err != nil {
			log.Warn("webmention delete failed", "error", err)
		}
		log.Info("webmention deleted, source gone", "status", resp.StatusCode)
		return
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		log.Warn("webmention source returned error", "status", resp.StatusCode)
		r.markRejected(ctx, source, target)
		return
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxParseBytes))
	if err != nil {
		r.markRejected(ctx, source, target)
		return
	}
	if !mentionsTarget(string(body), target) {
		log.Info("webmention rejected, source does not link target")
		r.markRejected(ctx, source, target)
		return
	}

	w := &store.Webmention{
		Source:      source,
		Target:      target,
		Status:      store.WebmentionVerified,
		MentionType: store.MentionTypeMention,
		ReceivedAt:  time.Now().UTC(),
	}
	if prev, err := r.store.GetWebmention(ctx, source, target); err == nil {
		w.ReceivedAt = prev.ReceivedAt
	}
	now := time.Now().UTC()
	w.VerifiedAt = &now

	if u, err := url.Parse(source); err == nil {
		enrichFromMicroformats(w, microformats.Parse(strings.NewReader(string(body)), u), target)
	}

	if err := r.store.UpsertWebmention(ctx, w); err != nil {
		log.Warn("webmention store failed", "error", err)
		return
	}
	log.Info("webmention verified", "type", w.MentionType)
}

func (r *Receiver) markRejected(ctx context.Context, source, target string) {
	w, err := r.store.GetWebmention(ctx, source, target)
	if err != nil {
		return
	}
	w.Status = store.WebmentionRejected
	if err := r.store.UpsertWebmention(ctx, w); err != nil {
		r.log.Warn("webmention reject update failed", "error", err)
	}
}

// guardSource refuses sources that resolve to private or loopback
// addresses.
func (r *Receiver) guardSource(ctx context.Context, source string) error {
	u, err := url.Parse(source)
	if err != nil {
		return err
	}
	host := u.Hostname()
	if strings.EqualFold(host, "localhost") {
		return fmt.Errorf("loopback host")
	}
	ips, err := r.lookupIP(ctx, host)
	if err != nil {
		return fmt.Errorf("resolve %s: %w", host, err)
	}
	for _, ip := range ips {
		if ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() || ip.IsUnspecified() {
			return fmt.Errorf("source resolves to non-public address %s", ip)
		}
	}
	return nil
}

// mentionsTarget regex-searches the raw body for an href to the target,
// with or without a trailing slash, quote-agnostic and case-insensitive.
func mentionsTarget(body, target string) bool {
	pattern := `(?i)href\s*=\s*["']?` + regexp.QuoteMeta(strings.TrimRight(target, "/")) + `/?["'\s>]`
	re, err := regexp.Compile(pattern)
	if err != nil {
		return false
	}
	return re.MatchString(body)
}

// enrichFromMicroformats pulls author, content and mention type from the
// first h-entry on the source page.
func enrichFromMicroformats(w *store.Webmention, data *microformats.Data, target string) {
	entry := findHEntry(data.Items)
	if entry == nil {
		return
	}

	if authors, ok := entry.Properties["author"]; ok && len(authors) > 0 {
		if card, ok := authors[0].(*microformats.Microformat); ok {
			w.AuthorName = clip(firstString(card.Properties["name"]), maxAuthorName)
			w.AuthorURL = clip(firstString(card.Properties["url"]), maxURLLen)
			w.AuthorPhoto = clip(firstString(card.Properties["photo"]), maxURLLen)
		} else if name, ok := authors[0].(string); ok {
			w.AuthorName = clip(name, maxAuthorName)
		}
	}

	if contents, ok := entry.Properties["content"]; ok && len(contents) > 0 {
		switch c := contents[0].(type) {
		case map[string]string:
			w.ContentHTML = clip(c["html"], maxContentHTML)
			w.ContentText = clip(c["value"], maxContentText)
		case string:
			w.ContentText = clip(c, maxContentText)
		}
	}

	w.MentionType = mentionType(entry, target)
}

// mentionType maps the first h-entry property naming the target to a
// mention type, defaulting to plain mention.
func mentionType(entry *microformats.Microformat, target string) string {
	checks := []struct {
		prop string
		typ  string
	}{
		{"in-reply-to", store.MentionTypeReply},
		{"like-of", store.MentionTypeLike},
		{"repost-of", store.MentionTypeRepost},
		{"bookmark-of", store.MentionTypeBookmark},
	}
	normTarget := strings.TrimRight(target, "/")
	for _, c := range checks {
		for _, v := range entry.Properties[c.prop] {
			if propertyMatchesURL(v, normTarget) {
				return c.typ
			}
		}
	}
	return store.MentionTypeMention
}

func propertyMatchesURL(v any, normTarget string) bool {
	switch val := v.(type) {
	case string:
		return strings.TrimRight(val, "/") == normTarget
	case *microformats.Microformat:
		if strings.TrimRight(val.Value, "/") == normTarget {
			return true
		}
		for _, u := range val.Properties["url"] {
			if s, ok := u.(string); ok && strings.TrimRight(s, "/") == normTarget {
				return true
			}
		}
	}
	return false
}

// findHEntry locates the first h-entry, descending into containers like
// h-feed.
func findHEntry(items []*microformats.Microformat) *microformats.Microformat {
	for _, item := range items {
		for _, typ := range item.Type {
			if typ == "h-entry" {
				return item
			}
		}
		if found := findHEntry(item.Children); found != nil {
			return found
		}
	}
	return nil
}

func firstString(values []any) string {
	for _, v := range values {
		switch val := v.(type) {
		case string:
			return val
		case map[string]string:
			if s, ok := val["value"]; ok {
				return s
			}
		case *microformats.Microformat:
			if val.Value != "" {
				return val.Value
			}
		}
	}
	return ""
}

func clip(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}
