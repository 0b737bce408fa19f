package server

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"time"

	"github.com/perjens/posse/internal/dispatch"
	"github.com/perjens/posse/internal/ghost"
	"github.com/perjens/posse/internal/social"
	"github.com/perjens/posse/internal/store"
	"github.com/perjens/posse/internal/webhook"
	"github.com/perjens/posse/internal/webmention"
)

// checkWebhookSecret enforces X-Webhook-Secret. With no secret configured
// the default is to allow, unless fail-closed is explicitly requested.
func (s *Server) checkWebhookSecret(r *http.Request) bool {
	secret := s.cfg.Security.WebhookSecret
	if secret == "" {
		return !s.cfg.Security.RequireWebhookSecret
	}
	given := r.Header.Get("X-Webhook-Secret")
	return subtle.ConstantTimeCompare([]byte(given), []byte(secret)) == 1
}

func (s *Server) handleWebhookPublish(w http.ResponseWriter, r *http.Request) {
	if !s.checkWebhookSecret(r) {
		writeError(w, http.StatusUnauthorized, "invalid webhook secret")
		return
	}

	payload, err := parsePayload(r)
	if err != nil {
		var verr *webhook.ValidationError
		if errors.As(err, &verr) {
			writeError(w, http.StatusBadRequest, verr.Error())
			return
		}
		writeError(w, http.StatusBadRequest, "unreadable payload")
		return
	}

	ev := dispatch.NewEvent(payload)
	if err := s.deps.Dispatcher.Enqueue(ev); err != nil {
		s.log.Error("webhook enqueue failed", "error", err)
		writeError(w, http.StatusServiceUnavailable, "dispatch queue full")
		return
	}

	s.notifyWebmentionTargets(payload)

	writeJSON(w, http.StatusOK, map[string]string{
		"status":   "queued",
		"event_id": ev.ID,
	})
}

// notifyWebmentionTargets fires outbound webmentions for a freshly
// published post in the background.
func (s *Server) notifyWebmentionTargets(payload *webhook.Payload) {
	if s.deps.Sender == nil {
		return
	}
	post := ghost.Extract(&payload.Post.Current)
	if post.Status != "published" {
		return
	}
	links := webmention.ExtractLinks(payload.Post.Current.HTML, post.URL, s.log)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()
		s.deps.Sender.NotifyConfigured(ctx, post.URL, post.TagSlugs())
		s.deps.Sender.NotifyLinks(ctx, post.URL, links)
	}()
}

func (s *Server) handleWebhookUpdate(w http.ResponseWriter, r *http.Request) {
	if !s.checkWebhookSecret(r) {
		writeError(w, http.StatusUnauthorized, "invalid webhook secret")
		return
	}

	payload, err := parsePayload(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid payload")
		return
	}

	post := ghost.Extract(&payload.Post.Current)
	if post.Status != "published" {
		writeJSON(w, http.StatusOK, map[string]string{"status": "skipped", "reason": "not published"})
		return
	}

	missing := s.missingAccounts(r.Context(), post)
	if len(missing) == 0 {
		s.notifyUpdatedLinks(payload, post)
		writeJSON(w, http.StatusOK, map[string]string{"status": "already fully syndicated"})
		return
	}

	ev := dispatch.NewEvent(payload)
	ev.TargetAccounts = missing
	if err := s.deps.Dispatcher.Enqueue(ev); err != nil {
		writeError(w, http.StatusServiceUnavailable, "dispatch queue full")
		return
	}
	s.notifyUpdatedLinks(payload, post)

	writeJSON(w, http.StatusOK, map[string]any{
		"status":          "queued",
		"event_id":        ev.ID,
		"target_accounts": missing,
	})
}

// notifyUpdatedLinks re-notifies every currently linked URL plus every
// link the edit removed.
func (s *Server) notifyUpdatedLinks(payload *webhook.Payload, post *ghost.ExtractedPost) {
	if s.deps.Sender == nil {
		return
	}
	current := webmention.ExtractLinks(payload.Post.Current.HTML, post.URL, s.log)
	var previous []string
	if payload.Post.Previous != nil {
		previous = webmention.ExtractLinks(payload.Post.Previous.HTML, post.URL, s.log)
	}
	targets := webmention.UpdateTargets(current, previous)
	if len(targets) == 0 {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()
		s.deps.Sender.NotifyLinks(ctx, post.URL, targets)
	}()
}

func (s *Server) handleWebhookDelete(w http.ResponseWriter, r *http.Request) {
	if !s.checkWebhookSecret(r) {
		writeError(w, http.StatusUnauthorized, "invalid webhook secret")
		return
	}

	payload, err := parseDeletePayload(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid payload")
		return
	}

	// Deletion webhooks carry the post under previous; fall back to it
	// when current is empty.
	source := &payload.Post.Current
	if source.ID == "" && payload.Post.Previous != nil {
		source = payload.Post.Previous
	}
	post := ghost.Extract(source)
	if s.deps.Sender != nil {
		// Deleting notifies everything the post ever linked so receivers
		// can drop their mention of it.
		links := webmention.ExtractLinks(source.HTML, post.URL, s.log)
		if prev := payload.Post.Previous; prev != nil && source != prev {
			links = webmention.UpdateTargets(links,
				webmention.ExtractLinks(prev.HTML, post.URL, s.log))
		}
		if len(links) > 0 {
			go func() {
				ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
				defer cancel()
				s.deps.Sender.NotifyLinks(ctx, post.URL, links)
			}()
		}
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "acknowledged"})
}

// missingAccounts returns the "platform/account" pairs that the post's
// tags admit but the stored mapping does not cover yet.
func (s *Server) missingAccounts(ctx context.Context, post *ghost.ExtractedPost) []string {
	var mapping *store.Mapping
	if m, err := s.deps.Store.GetMapping(ctx, post.ID); err == nil {
		mapping = m
	}

	slugs := post.TagSlugs()
	var missing []string
	for _, c := range s.deps.Clients {
		if !c.Enabled() || !clientAdmits(c, slugs) {
			continue
		}
		if mapping.Get(string(c.Platform()), c.AccountName()) != nil {
			continue
		}
		missing = append(missing, string(c.Platform())+"/"+c.AccountName())
	}
	return missing
}

func clientAdmits(c social.Client, slugs []string) bool {
	allow := c.Tags()
	if len(allow) == 0 {
		return true
	}
	for _, want := range allow {
		if containsFold(slugs, want) {
			return true
		}
	}
	return false
}

// ─── Health ───

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

// checkInternalToken guards operator endpoints. Fails closed when no
// token is configured.
func (s *Server) checkInternalToken(w http.ResponseWriter, r *http.Request) bool {
	token := s.cfg.Security.InternalAPIToken
	if token == "" {
		writeError(w, http.StatusServiceUnavailable, "internal API token not configured")
		return false
	}
	given := r.Header.Get("X-Internal-Token")
	if subtle.ConstantTimeCompare([]byte(given), []byte(token)) != 1 {
		writeError(w, http.StatusUnauthorized, "invalid token")
		return false
	}
	return true
}

func (s *Server) handleHealthcheck(w http.ResponseWriter, r *http.Request) {
	if !s.checkInternalToken(w, r) {
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
	defer cancel()

	services := make(map[string]string)
	healthy := true
	for _, c := range s.deps.Clients {
		if !c.Enabled() {
			continue
		}
		key := string(c.Platform()) + "/" + c.AccountName()
		if err := c.VerifyCredentials(ctx); err != nil {
			services[key] = sanitizeError(err)
			healthy = false
			continue
		}
		services[key] = "healthy"
	}
	if s.deps.Notifier != nil {
		if err := s.deps.Notifier.Ping(ctx); err != nil {
			services["notifier"] = sanitizeError(err)
			healthy = false
		} else {
			services["notifier"] = "healthy"
		}
	}

	status := "healthy"
	code := http.StatusOK
	if !healthy {
		status = "degraded"
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]any{
		"status":   status,
		"services": services,
	})
}
