package server

import (
	"errors"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/perjens/posse/internal/store"
	"github.com/perjens/posse/internal/webmention"
)

var ghostPostIDPattern = regexp.MustCompile(`^[0-9a-f]{24}$`)

// checkAPIAccess applies ID validation, the per-IP rate limit and the
// optional referrer allow-list. It writes the error response itself.
func (s *Server) checkAPIAccess(w http.ResponseWriter, r *http.Request, id string) bool {
	if !ghostPostIDPattern.MatchString(id) {
		writeError(w, http.StatusBadRequest, "invalid post id")
		return false
	}
	if !s.apiLimit.Allow(clientIP(r)) {
		writeError(w, http.StatusTooManyRequests, "rate limited")
		return false
	}
	if allowed := s.cfg.Security.AllowedReferrers; len(allowed) > 0 {
		referrer := r.Header.Get("Referer")
		ok := false
		for _, prefix := range allowed {
			if referrer != "" && strings.HasPrefix(strings.ToLower(referrer), strings.ToLower(prefix)) {
				ok = true
				break
			}
		}
		if !ok {
			writeError(w, http.StatusForbidden, "referrer not allowed")
			return false
		}
	}
	return true
}

func (s *Server) handleGetInteractions(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !s.checkAPIAccess(w, r, id) {
		return
	}
	ctx := r.Context()

	if rec, err := s.deps.Store.GetInteractions(ctx, id); err == nil {
		writeJSON(w, http.StatusOK, rec)
		return
	}

	// No cached aggregate yet: a mapping alone still yields links.
	if m, err := s.deps.Store.GetMapping(ctx, id); err == nil {
		rec := store.NewInteractionRecord(id)
		for platform, accounts := range m.Platforms {
			for account, entries := range accounts {
				if entries == nil || len(entries.Entries) == 0 {
					continue
				}
				urls := make([]string, 0, len(entries.Entries))
				for _, e := range entries.Entries {
					urls = append(urls, e.PostURL)
				}
				rec.SetLink(platform, account, store.SyndicationLink{URLs: urls, List: entries.List})
			}
		}
		s.deps.Scheduler.RequestSync(id)
		writeJSON(w, http.StatusOK, rec)
		return
	}

	if rec := s.tryDiscovery(r, id); rec != nil {
		writeJSON(w, http.StatusOK, rec)
		return
	}

	writeJSON(w, http.StatusNotFound, store.NewInteractionRecord(id))
}

// tryDiscovery runs the discovery-then-sync path for an unmapped post,
// subject to the per-post cooldown and the global discovery rate limit.
func (s *Server) tryDiscovery(r *http.Request, id string) *store.InteractionRecord {
	if s.deps.Discovery == nil || s.deps.Resolver == nil {
		return nil
	}
	cooldown := time.Duration(s.cfg.Security.DiscoveryCooldownSeconds) * time.Second

	s.discMu.Lock()
	last, seen := s.lastDiscovery[id]
	if seen && time.Since(last) < cooldown {
		s.discMu.Unlock()
		return nil
	}
	s.lastDiscovery[id] = time.Now()
	s.discMu.Unlock()

	if !s.discLimit.Allow("global") {
		s.log.Info("discovery skipped, global rate limit", "ghost_post_id", id)
		return nil
	}

	ctx := r.Context()
	post, err := s.deps.Resolver.Post(ctx, id)
	if err != nil {
		s.log.Warn("discovery could not resolve post", "ghost_post_id", id, "error", err)
		return nil
	}

	found, err := s.deps.Discovery.Discover(ctx, id, post.URL)
	if err != nil || found == 0 {
		if err != nil {
			s.log.Warn("discovery failed", "ghost_post_id", id, "error", err)
		}
		return nil
	}

	rec, err := s.deps.Scheduler.SyncNow(ctx, id)
	if err != nil {
		s.log.Warn("post-discovery sync failed", "ghost_post_id", id, "error", err)
		return nil
	}
	return rec
}

func (s *Server) handleManualSync(w http.ResponseWriter, r *http.Request) {
	if !s.checkInternalToken(w, r) {
		return
	}
	id := chi.URLParam(r, "id")
	if !ghostPostIDPattern.MatchString(id) {
		writeError(w, http.StatusBadRequest, "invalid post id")
		return
	}
	s.deps.Scheduler.RequestSync(id)
	writeJSON(w, http.StatusOK, map[string]string{"status": "sync queued", "ghost_post_id": id})
}

// ─── Webmentions ───

func (s *Server) handleWebmentionReceive(w http.ResponseWriter, r *http.Request) {
	if s.deps.Receiver == nil {
		writeError(w, http.StatusNotFound, "webmention receiving is disabled")
		return
	}

	source, target, err := readSourceTarget(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "unreadable request body")
		return
	}

	mention, err := s.deps.Receiver.Receive(r.Context(), source, target)
	if err != nil {
		var verr *webmention.ValidationError
		if errors.As(err, &verr) {
			writeError(w, http.StatusBadRequest, verr.Reason)
			return
		}
		s.log.Error("webmention accept failed", "error", err)
		writeError(w, http.StatusInternalServerError, "could not store webmention")
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]any{
		"source":   mention.Source,
		"target":   mention.Target,
		"verified": false,
	})
}

// readSourceTarget accepts both form-encoded and JSON bodies.
func readSourceTarget(r *http.Request) (string, string, error) {
	if strings.HasPrefix(r.Header.Get("Content-Type"), "application/json") {
		var body struct {
			Source string `json:"source"`
			Target string `json:"target"`
		}
		if err := decodeJSONBody(r, &body); err != nil {
			return "", "", err
		}
		return body.Source, body.Target, nil
	}
	if err := r.ParseForm(); err != nil {
		return "", "", err
	}
	return r.PostFormValue("source"), r.PostFormValue("target"), nil
}

func (s *Server) handleWebmentionInfo(w http.ResponseWriter, r *http.Request) {
	if target := r.URL.Query().Get("target"); target != "" && s.deps.Receiver != nil {
		mentions, err := s.deps.Receiver.ListForTarget(r.Context(), target)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "lookup failed")
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"target": target, "webmentions": orEmpty(mentions)})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"name":  "webmention endpoint",
		"usage": "POST source=<url>&target=<url>",
	})
}

func (s *Server) handleListWebmentions(w http.ResponseWriter, r *http.Request) {
	if s.deps.Receiver == nil {
		writeError(w, http.StatusNotFound, "webmention receiving is disabled")
		return
	}
	path := strings.Trim(chi.URLParam(r, "*"), "/")
	if path == "" {
		writeError(w, http.StatusBadRequest, "missing post path")
		return
	}

	base := strings.TrimRight(s.cfg.BlogURL, "/")
	target := base + "/" + path
	mentions, err := s.deps.Receiver.ListForTarget(r.Context(), target)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "lookup failed")
		return
	}
	// Blog URLs carry a trailing slash in Ghost; accept either form.
	if more, err := s.deps.Receiver.ListForTarget(r.Context(), target+"/"); err == nil {
		mentions = append(mentions, more...)
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"target":      target,
		"webmentions": orEmpty(mentions),
	})
}

func orEmpty(mentions []*store.Webmention) []*store.Webmention {
	if mentions == nil {
		return []*store.Webmention{}
	}
	return mentions
}

// ─── Reply form ───

func (s *Server) handleReplySubmit(w http.ResponseWriter, r *http.Request) {
	if s.deps.Replies == nil {
		writeError(w, http.StatusNotFound, "replies are disabled")
		return
	}

	sub, err := readSubmission(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "unreadable request body")
		return
	}

	reply, err := s.deps.Replies.Submit(r.Context(), sub, clientIP(r))
	switch {
	case errors.Is(err, webmention.ErrRateLimited):
		writeError(w, http.StatusTooManyRequests, "too many replies, try again later")
		return
	case err != nil:
		var verr *webmention.ValidationError
		if errors.As(err, &verr) {
			writeError(w, http.StatusBadRequest, verr.Reason)
			return
		}
		s.log.Error("reply submit failed", "error", err)
		writeError(w, http.StatusInternalServerError, "could not store reply")
		return
	case reply == nil:
		// Honeypot: pretend success.
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}

	writeJSON(w, http.StatusCreated, map[string]string{
		"status": "created",
		"id":     reply.ID,
		"url":    "/reply/" + reply.ID,
	})
}

func readSubmission(r *http.Request) (webmention.Submission, error) {
	var sub webmention.Submission
	if strings.HasPrefix(r.Header.Get("Content-Type"), "application/json") {
		err := decodeJSONBody(r, &sub)
		return sub, err
	}
	if err := r.ParseForm(); err != nil {
		return sub, err
	}
	sub.AuthorName = r.PostFormValue("author_name")
	sub.AuthorURL = r.PostFormValue("author_url")
	sub.Content = r.PostFormValue("content")
	sub.Target = r.PostFormValue("target")
	sub.Website = r.PostFormValue("website")
	sub.TurnstileToken = r.PostFormValue("turnstile_token")
	return sub, nil
}

func (s *Server) handleReplyPage(w http.ResponseWriter, r *http.Request) {
	if s.deps.Replies == nil {
		http.NotFound(w, r)
		return
	}
	id := chi.URLParam(r, "id")
	reply, err := s.deps.Replies.Get(r.Context(), id)
	if err != nil {
		http.NotFound(w, r)
		return
	}
	page, err := s.deps.Replies.RenderHTML(reply)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "render failed")
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write(page)
}
