// Package webmention implements the three webmention roles: sending
// notifications for outbound links, receiving and verifying inbound
// mentions, and hosting the reply form that turns comments into
// self-sourced mentions.
package webmention

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"golang.org/x/net/html"

	"github.com/perjens/posse/internal/config"
)

// maxParseBytes caps how much HTML the sender and receiver will parse.
const maxParseBytes = 5 << 20

// Sender delivers webmentions: to statically configured endpoints (tag
// gated, e.g. Bridgy Fed) and to discovered endpoints of linked pages.
type Sender struct {
	targets []config.WebmentionTarget
	http    *http.Client
	log     *slog.Logger
}

// NewSender builds a sender for the configured static targets.
func NewSender(targets []config.WebmentionTarget, log *slog.Logger) *Sender {
	if log == nil {
		log = slog.Default()
	}
	return &Sender{
		targets: targets,
		http:    &http.Client{Timeout: 30 * time.Second},
		log:     log,
	}
}

// NotifyConfigured sends source=postURL&target={cfg.target} to every
// configured endpoint whose tag gate admits the post. An empty tag admits
// every post.
func (s *Sender) NotifyConfigured(ctx context.Context, postURL string, tagSlugs []string) {
	for _, t := range s.targets {
		if t.Tag != "" && !containsFold(tagSlugs, t.Tag) {
			continue
		}
		if err := s.Mention(ctx, t.Endpoint, postURL, t.Target); err != nil {
			s.log.Warn("webmention send failed", "endpoint", t.Endpoint, "target", t.Target, "error", err)
			continue
		}
		s.log.Info("webmention sent", "endpoint", t.Endpoint, "target", t.Target)
	}
}

// NotifyLinks discovers each linked page's webmention endpoint and sends
// source=postURL&target=link. Pages without an endpoint are skipped.
func (s *Sender) NotifyLinks(ctx context.Context, postURL string, links []string) {
	for _, link := range links {
		endpoint, err := s.discoverEndpoint(ctx, link)
		if err != nil {
			s.log.Debug("webmention endpoint discovery failed", "target", link, "error", err)
			continue
		}
		if endpoint == "" {
			continue
		}
		if err := s.Mention(ctx, endpoint, postURL, link); err != nil {
			s.log.Warn("webmention send failed", "endpoint", endpoint, "target", link, "error", err)
			continue
		}
		s.log.Info("webmention sent", "endpoint", endpoint, "target", link)
	}
}

// Mention POSTs one webmention form. Non-2xx responses are errors; a JSON
// error body is surfaced, anything else falls back to the status line.
func (s *Sender) Mention(ctx context.Context, endpoint, source, target string) error {
	form := url.Values{"source": {source}, "target": {target}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint,
		strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("build webmention: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := s.http.Do(req)
	if err != nil {
		return fmt.Errorf("post webmention: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	var apiErr struct {
		Error       string `json:"error"`
		Description string `json:"error_description"`
	}
	if json.Unmarshal(body, &apiErr) == nil && apiErr.Error != "" {
		if apiErr.Description != "" {
			return fmt.Errorf("webmention rejected: %s: %s", apiErr.Error, apiErr.Description)
		}
		return fmt.Errorf("webmention rejected: %s", apiErr.Error)
	}
	return fmt.Errorf("webmention status %d %s", resp.StatusCode, http.StatusText(resp.StatusCode))
}

// UpdateTargets computes who must be notified after an edit: every
// currently linked URL plus every URL that was linked before and no
// longer is.
func UpdateTargets(current, previous []string) []string {
	seen := make(map[string]struct{}, len(current)+len(previous))
	var out []string
	add := func(u string) {
		if _, ok := seen[u]; !ok {
			seen[u] = struct{}{}
			out = append(out, u)
		}
	}
	for _, u := range current {
		add(u)
	}
	for _, u := range previous {
		add(u)
	}
	return out
}

// ExtractLinks collects outbound anchor targets from post HTML, dropping
// non-http(s) schemes, fragment-only links and links back to the post's
// own origin. Parsing is capped; oversize content is truncated with a
// warning.
func ExtractLinks(rawHTML, postURL string, log *slog.Logger) []string {
	if log == nil {
		log = slog.Default()
	}
	if len(rawHTML) > maxParseBytes {
		log.Warn("post html exceeds parse cap, truncating", "bytes", len(rawHTML))
		rawHTML = rawHTML[:maxParseBytes]
	}
	ownOrigin := originOf(postURL)

	node, err := html.Parse(strings.NewReader(rawHTML))
	if err != nil {
		return nil
	}
	seen := make(map[string]struct{})
	var links []string
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && n.Data == "a" {
			for _, attr := range n.Attr {
				if attr.Key != "href" {
					continue
				}
				if link, ok := normalizeLink(attr.Val, ownOrigin); ok {
					if _, dup := seen[link]; !dup {
						seen[link] = struct{}{}
						links = append(links, link)
					}
				}
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(node)
	return links
}

// normalizeLink validates one href and canonicalizes it to
// scheme+host+path+query with no fragment.
func normalizeLink(href, ownOrigin string) (string, bool) {
	href = strings.TrimSpace(href)
	if href == "" || strings.HasPrefix(href, "#") {
		return "", false
	}
	u, err := url.Parse(href)
	if err != nil {
		return "", false
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", false
	}
	if u.Host == "" {
		return "", false
	}
	if ownOrigin != "" && originOf(u.String()) == ownOrigin {
		return "", false
	}
	u.Fragment = ""
	return u.String(), true
}

// originOf returns scheme://host lower-cased, trailing slash stripped.
func originOf(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return ""
	}
	return strings.ToLower(u.Scheme + "://" + u.Host)
}

var relWebmention = regexp.MustCompile(`(?:^|\s)webmention(?:\s|$)`)

// discoverEndpoint fetches the target and looks for a webmention endpoint
// in the Link header, then in <link>/<a> rel attributes. Relative
// endpoints resolve against the final request URL.
func (s *Sender) discoverEndpoint(ctx context.Context, target string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return "", err
	}
	resp, err := s.http.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	base := resp.Request.URL

	for _, header := range resp.Header.Values("Link") {
		if endpoint := parseLinkHeader(header); endpoint != "" {
			return resolveRef(base, endpoint), nil
		}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("discovery status %d", resp.StatusCode)
	}
	node, err := html.Parse(io.LimitReader(resp.Body, maxParseBytes))
	if err != nil {
		return "", err
	}
	var endpoint string
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if endpoint != "" {
			return
		}
		if n.Type == html.ElementNode && (n.Data == "link" || n.Data == "a") {
			var rel, href string
			hasHref := false
			for _, attr := range n.Attr {
				switch attr.Key {
				case "rel":
					rel = attr.Val
				case "href":
					href = attr.Val
					hasHref = true
				}
			}
			if hasHref && relWebmention.MatchString(rel) {
				endpoint = resolveRef(base, href)
				return
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(node)
	return endpoint, nil
}

// parseLinkHeader extracts the URI from a Link header value carrying
// rel="webmention".
func parseLinkHeader(header string) string {
	for _, part := range strings.Split(header, ",") {
		fields := strings.Split(part, ";")
		if len(fields) < 2 {
			continue
		}
		uri := strings.Trim(strings.TrimSpace(fields[0]), "<>")
		for _, param := range fields[1:] {
			param = strings.TrimSpace(param)
			if !strings.HasPrefix(param, "rel=") {
				continue
			}
			rel := strings.Trim(strings.TrimPrefix(param, "rel="), `"`)
			if relWebmention.MatchString(rel) {
				return uri
			}
		}
	}
	return ""
}

func resolveRef(base *url.URL, ref string) string {
	u, err := url.Parse(ref)
	if err != nil {
		return ref
	}
	if base == nil {
		return u.String()
	}
	return base.ResolveReference(u).String()
}

func containsFold(haystack []string, needle string) bool {
	for _, s := range haystack {
		if strings.EqualFold(s, needle) {
			return true
		}
	}
	return false
}
