// Package notify sends operator-facing push notifications via Pushover.
package notify

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const pushoverAPI = "https://api.pushover.net/1/messages.json"

// Pushover delivers messages through the Pushover message API. The zero
// value is unusable; use New.
type Pushover struct {
	token    string
	userKey  string
	endpoint string
	http     *http.Client
	log      *slog.Logger
}

// New returns a Pushover notifier. Token and userKey must be non-empty.
func New(token, userKey string, log *slog.Logger) *Pushover {
	if log == nil {
		log = slog.Default()
	}
	return &Pushover{
		token:    token,
		userKey:  userKey,
		endpoint: pushoverAPI,
		http:     &http.Client{Timeout: 10 * time.Second},
		log:      log,
	}
}

// Notify sends one message. Failures are returned, not retried; callers
// treat notification delivery as best-effort.
func (p *Pushover) Notify(ctx context.Context, title, message string) error {
	form := url.Values{
		"token":   {p.token},
		"user":    {p.userKey},
		"title":   {title},
		"message": {message},
	}
	return p.send(ctx, form)
}

// Ping sends a low-priority test message, used at startup to verify the
// credentials work before anything needs them.
func (p *Pushover) Ping(ctx context.Context) error {
	form := url.Values{
		"token":    {p.token},
		"user":     {p.userKey},
		"title":    {"posse"},
		"message":  {"notification channel online"},
		"priority": {"-2"},
	}
	return p.send(ctx, form)
}

func (p *Pushover) send(ctx context.Context, form url.Values) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint,
		strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("build pushover request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := p.http.Do(req)
	if err != nil {
		return fmt.Errorf("pushover: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("pushover status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}
