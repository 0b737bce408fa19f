// Package server exposes the HTTP surface: webhook ingest, the
// interactions API, webmention receiving and the reply form.
package server

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/perjens/posse/internal/config"
	"github.com/perjens/posse/internal/dispatch"
	"github.com/perjens/posse/internal/ghost"
	"github.com/perjens/posse/internal/social"
	"github.com/perjens/posse/internal/store"
	"github.com/perjens/posse/internal/webhook"
	"github.com/perjens/posse/internal/webmention"
)

// Enqueuer accepts dispatch events from the webhook handlers.
type Enqueuer interface {
	Enqueue(ev dispatch.Event) error
}

// InteractionReader is the store slice the API handlers read.
type InteractionReader interface {
	GetMapping(ctx context.Context, ghostPostID string) (*store.Mapping, error)
	GetInteractions(ctx context.Context, ghostPostID string) (*store.InteractionRecord, error)
}

// SyncScheduler triggers interaction syncs.
type SyncScheduler interface {
	RequestSync(ghostPostID string)
	SyncNow(ctx context.Context, ghostPostID string) (*store.InteractionRecord, error)
}

// Discoverer searches account timelines for unmapped syndicated copies.
type Discoverer interface {
	Discover(ctx context.Context, ghostPostID, postURL string) (int, error)
}

// MentionReceiver accepts and lists inbound webmentions.
type MentionReceiver interface {
	Receive(ctx context.Context, source, target string) (*store.Webmention, error)
	ListForTarget(ctx context.Context, target string) ([]*store.Webmention, error)
}

// ReplyService handles the public reply form.
type ReplyService interface {
	Submit(ctx context.Context, sub webmention.Submission, ip string) (*store.Reply, error)
	Get(ctx context.Context, id string) (*store.Reply, error)
	RenderHTML(r *store.Reply) ([]byte, error)
}

// Pinger verifies the notification channel during health checks.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PostResolver resolves a Ghost post id to its post object, used when
// discovery needs the canonical post URL.
type PostResolver interface {
	Post(ctx context.Context, id string) (*ghost.ContentPost, error)
}

// Deps wires the server to the rest of the system. Optional fields may be
// nil; the matching endpoints then respond 404 or degrade gracefully.
type Deps struct {
	Config     *config.Config
	Dispatcher Enqueuer
	Clients    []social.Client
	Store      InteractionReader
	Scheduler  SyncScheduler
	Discovery  Discoverer
	Resolver   PostResolver
	Sender     *webmention.Sender
	Receiver   MentionReceiver
	Replies    ReplyService
	Notifier   Pinger
	Log        *slog.Logger
}

// Server is the HTTP surface.
type Server struct {
	cfg       *config.Config
	deps      Deps
	log       *slog.Logger
	apiLimit  *RateLimiter
	discLimit *RateLimiter

	// lastDiscovery enforces the per-post discovery cooldown.
	discMu        sync.Mutex
	lastDiscovery map[string]time.Time
}

// New builds a server around deps.
func New(deps Deps) *Server {
	log := deps.Log
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		cfg:           deps.Config,
		deps:          deps,
		log:           log,
		apiLimit:      NewRateLimiter(deps.Config.Security.RateLimitPerMinute),
		discLimit:     NewRateLimiter(deps.Config.Security.DiscoveryRateLimitPerMinute),
		lastDiscovery: make(map[string]time.Time),
	}
}

// Handler assembles the router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(s.logRequests)
	r.Use(middleware.Recoverer)
	r.Use(s.corsHeaders)
	r.Use(webmentionAdvertise)

	r.Post("/webhook/ghost", s.handleWebhookPublish)
	r.Post("/webhook/ghost/post-updated", s.handleWebhookUpdate)
	r.Post("/webhook/ghost/post-deleted", s.handleWebhookDelete)

	r.Get("/health", s.handleHealth)
	r.Post("/healthcheck", s.handleHealthcheck)

	r.Route("/api", func(r chi.Router) {
		r.Use(noStore)
		r.Get("/interactions/{id}", s.handleGetInteractions)
		r.Post("/interactions/{id}/sync", s.handleManualSync)
		r.Get("/webmentions/*", s.handleListWebmentions)
		r.Post("/webmention/reply", s.handleReplySubmit)
	})

	r.Post("/webmention", s.handleWebmentionReceive)
	r.Get("/webmention", s.handleWebmentionInfo)
	r.Get("/reply/{id}", s.handleReplyPage)

	return r
}

// ─── Middleware ───

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.log.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration_ms", time.Since(start).Milliseconds(),
			"remote", clientIP(r))
	})
}

func (s *Server) corsHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.CORS.Enabled {
			origin := r.Header.Get("Origin")
			if origin != "" && (len(s.cfg.CORS.Origins) == 0 || containsFold(s.cfg.CORS.Origins, origin)) {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
				w.Header().Set("Vary", "Origin")
			}
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

// webmentionAdvertise adds the discovery header to every response.
func webmentionAdvertise(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Add("Link", `</webmention>; rel="webmention"`)
		next.ServeHTTP(w, r)
	})
}

func noStore(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Cache-Control", "no-store")
		w.Header().Set("Pragma", "no-cache")
		next.ServeHTTP(w, r)
	})
}

// ─── Shared helpers ───

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func containsFold(haystack []string, needle string) bool {
	for _, s := range haystack {
		if strings.EqualFold(s, needle) {
			return true
		}
	}
	return false
}

func decodeJSONBody(r *http.Request, v any) error {
	defer r.Body.Close()
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<20))
	return dec.Decode(v)
}

// parsePayload reads and validates a webhook body.
func parsePayload(r *http.Request) (*webhook.Payload, error) {
	defer r.Body.Close()
	raw, err := io.ReadAll(http.MaxBytesReader(nil, r.Body, 5<<20))
	if err != nil {
		return nil, err
	}
	return webhook.Parse(raw)
}

// parseDeletePayload decodes a deletion webhook, which may carry the
// post only under post.previous.
func parseDeletePayload(r *http.Request) (*webhook.Payload, error) {
	defer r.Body.Close()
	raw, err := io.ReadAll(http.MaxBytesReader(nil, r.Body, 5<<20))
	if err != nil {
		return nil, err
	}
	return webhook.Decode(raw)
}
