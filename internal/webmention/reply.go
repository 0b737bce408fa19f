package webmention

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/perjens/posse/internal/config"
	"github.com/perjens/posse/internal/store"
)

const turnstileVerifyURL = "https://challenges.cloudflare.com/turnstile/v0/siteverify"

const (
	maxReplyAuthor  = 100
	minReplyContent = 2
	maxReplyContent = 2000
	replyIDLen      = 16
)

// ErrRateLimited is returned when an IP exceeds its reply budget.
var ErrRateLimited = errors.New("too many replies from this address")

// ReplyStore is the slice of the store the reply service uses.
type ReplyStore interface {
	PutReply(ctx context.Context, r *store.Reply) error
	GetReply(ctx context.Context, id string) (*store.Reply, error)
}

// MentionAcceptor receives the self-sourced webmention fired after a
// reply is stored.
type MentionAcceptor interface {
	Receive(ctx context.Context, source, target string) (*store.Webmention, error)
}

// Notifier pushes an operator notification when a reply is stored.
type Notifier interface {
	Notify(ctx context.Context, title, message string)
}

// Submission is one reply form post. Website is the honeypot field.
type Submission struct {
	AuthorName     string `json:"author_name"`
	AuthorURL      string `json:"author_url"`
	Content        string `json:"content"`
	Target         string `json:"target"`
	Website        string `json:"website"`
	TurnstileToken string `json:"turnstile_token"`
}

// ReplyService validates, stores and publishes reply-form comments. Each
// stored reply gets a stable h-entry page that doubles as a webmention
// source.
type ReplyService struct {
	store    ReplyStore
	cfg      config.WebmentionReplyConfig
	baseURL  string
	acceptor MentionAcceptor
	notifier Notifier
	loc      *time.Location
	http     *http.Client
	log      *slog.Logger

	turnstileURL string

	mu     sync.Mutex
	byIP   map[string][]time.Time
	window time.Duration
	limit  int
}

// NewReplyService builds the service. baseURL is the public base of this
// server, used to construct /reply/{id} source URLs. acceptor and
// notifier may be nil; loc drives timestamp rendering and defaults to
// UTC.
func NewReplyService(st ReplyStore, cfg config.WebmentionReplyConfig, baseURL string, acceptor MentionAcceptor, notifier Notifier, loc *time.Location, log *slog.Logger) *ReplyService {
	if log == nil {
		log = slog.Default()
	}
	if loc == nil {
		loc = time.UTC
	}
	limit := cfg.RateLimit
	if limit <= 0 {
		limit = 5
	}
	window := time.Duration(cfg.RateLimitWindowSeconds) * time.Second
	if window <= 0 {
		window = time.Hour
	}
	return &ReplyService{
		store:        st,
		cfg:          cfg,
		baseURL:      strings.TrimRight(baseURL, "/"),
		acceptor:     acceptor,
		notifier:     notifier,
		loc:          loc,
		http:         &http.Client{Timeout: 10 * time.Second},
		log:          log,
		turnstileURL: turnstileVerifyURL,
		byIP:         make(map[string][]time.Time),
		window:       window,
		limit:        limit,
	}
}

// Submit handles one form post. A filled honeypot returns (nil, nil): the
// caller responds 200 without storing anything.
func (s *ReplyService) Submit(ctx context.Context, sub Submission, ip string) (*store.Reply, error) {
	if strings.TrimSpace(sub.Website) != "" {
		s.log.Info("reply honeypot tripped", "ip_hash", s.hashIP(ip))
		return nil, nil
	}

	if err := s.validate(sub); err != nil {
		return nil, err
	}
	if s.cfg.TurnstileSecretKey != "" {
		if err := s.verifyTurnstile(ctx, sub.TurnstileToken, ip); err != nil {
			return nil, err
		}
	}
	if !s.allow(ip) {
		return nil, ErrRateLimited
	}

	id, err := newReplyID()
	if err != nil {
		return nil, fmt.Errorf("generate reply id: %w", err)
	}
	reply := &store.Reply{
		ID:         id,
		AuthorName: strings.TrimSpace(sub.AuthorName),
		AuthorURL:  strings.TrimSpace(sub.AuthorURL),
		Content:    strings.TrimSpace(sub.Content),
		Target:     sub.Target,
		IPHash:     s.hashIP(ip),
		CreatedAt:  time.Now().UTC(),
	}
	if err := s.store.PutReply(ctx, reply); err != nil {
		return nil, err
	}
	s.log.Info("reply stored", "reply_id", id, "target", sub.Target)

	if s.notifier != nil {
		s.notifier.Notify(ctx, "New reply",
			fmt.Sprintf("%s replied to %s", reply.AuthorName, sub.Target))
	}

	if s.acceptor != nil {
		source := s.baseURL + "/reply/" + id
		if _, err := s.acceptor.Receive(ctx, source, sub.Target); err != nil {
			s.log.Warn("self webmention failed", "reply_id", id, "error", err)
		}
	}
	return reply, nil
}

// Get returns a stored reply by id.
func (s *ReplyService) Get(ctx context.Context, id string) (*store.Reply, error) {
	return s.store.GetReply(ctx, id)
}

func (s *ReplyService) validate(sub Submission) error {
	name := strings.TrimSpace(sub.AuthorName)
	if name == "" {
		return &ValidationError{Reason: "author_name is required"}
	}
	if len(name) > maxReplyAuthor {
		return &ValidationError{Reason: "author_name is too long"}
	}

	content := strings.TrimSpace(sub.Content)
	if len(content) < minReplyContent || len(content) > maxReplyContent {
		return &ValidationError{Reason: fmt.Sprintf("content must be %d-%d characters", minReplyContent, maxReplyContent)}
	}

	if sub.Target == "" {
		return &ValidationError{Reason: "target is required"}
	}
	if !containsFold(s.cfg.AllowedTargetOrigins, originOf(sub.Target)) {
		return &ValidationError{Reason: "target is not an allowed site"}
	}

	if u := strings.TrimSpace(sub.AuthorURL); u != "" {
		parsed, err := url.Parse(u)
		if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") || parsed.Host == "" {
			return &ValidationError{Reason: "author_url must be an http(s) URL"}
		}
	}
	return nil
}

func (s *ReplyService) verifyTurnstile(ctx context.Context, token, ip string) error {
	form := url.Values{
		"secret":   {s.cfg.TurnstileSecretKey},
		"response": {token},
		"remoteip": {ip},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.turnstileURL,
		strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := s.http.Do(req)
	if err != nil {
		return fmt.Errorf("turnstile verify: %w", err)
	}
	defer resp.Body.Close()

	var out struct {
		Success bool `json:"success"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return fmt.Errorf("turnstile verify: %w", err)
	}
	if !out.Success {
		return &ValidationError{Reason: "captcha verification failed"}
	}
	return nil
}

// allow applies the sliding-window per-IP limit.
func (s *ReplyService) allow(ip string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	cutoff := now.Add(-s.window)
	kept := s.byIP[ip][:0]
	for _, t := range s.byIP[ip] {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	if len(kept) >= s.limit {
		s.byIP[ip] = kept
		return false
	}
	s.byIP[ip] = append(kept, now)
	return true
}

func (s *ReplyService) hashIP(ip string) string {
	sum := sha256.Sum256([]byte(ip + ":" + s.cfg.IPHashSalt))
	return hex.EncodeToString(sum[:])[:16]
}

const replyIDAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

func newReplyID() (string, error) {
	buf := make([]byte, replyIDLen)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	for i, b := range buf {
		buf[i] = replyIDAlphabet[int(b)%len(replyIDAlphabet)]
	}
	return string(buf), nil
}

var replyPage = template.Must(template.New("reply").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<meta name="robots" content="noindex">
<title>Reply by {{.AuthorName}} — {{.BlogName}}</title>
<style>
body { font-family: system-ui, sans-serif; max-width: 40rem; margin: 2rem auto; padding: 0 1rem; }
.h-entry { border: 1px solid #ddd; border-radius: 8px; padding: 1rem 1.5rem; }
.meta { color: #666; font-size: 0.9rem; }
</style>
</head>
<body>
<article class="h-entry">
  <p class="p-name meta">Reply by
    <span class="p-author h-card">{{if .AuthorURL}}<a class="u-url p-name" href="{{.AuthorURL}}">{{.AuthorName}}</a>{{else}}<span class="p-name">{{.AuthorName}}</span>{{end}}</span>
    on <a class="u-in-reply-to" href="{{.Target}}">{{.Target}}</a>
  </p>
  <div class="e-content"><p>{{.Content}}</p></div>
  <p class="meta"><time class="dt-published" datetime="{{.Published}}">{{.PublishedHuman}}</time></p>
</article>
</body>
</html>
`))

// RenderHTML renders the stored reply as a self-contained h-entry page.
func (s *ReplyService) RenderHTML(reply *store.Reply) ([]byte, error) {
	var buf bytes.Buffer
	err := replyPage.Execute(&buf, map[string]string{
		"AuthorName":     reply.AuthorName,
		"AuthorURL":      reply.AuthorURL,
		"Content":        reply.Content,
		"Target":         reply.Target,
		"BlogName":       s.cfg.BlogName,
		"Published":      reply.CreatedAt.In(s.loc).Format(time.RFC3339),
		"PublishedHuman": reply.CreatedAt.In(s.loc).Format("January 2, 2006 15:04 MST"),
	})
	if err != nil {
		return nil, fmt.Errorf("render reply %s: %w", reply.ID, err)
	}
	return buf.Bytes(), nil
}
