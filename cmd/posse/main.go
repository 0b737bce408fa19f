// posse syndicates a Ghost blog's posts to Mastodon and Bluesky, keeps
// per-post interaction counts in sync, and sends and receives webmentions.
// It runs as a single binary with SQLite by default.
//
// Usage:
//
//	./posse -config config.yaml
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/perjens/posse/internal/config"
	"github.com/perjens/posse/internal/dispatch"
	"github.com/perjens/posse/internal/ghost"
	"github.com/perjens/posse/internal/imagecache"
	"github.com/perjens/posse/internal/interactions"
	"github.com/perjens/posse/internal/llm"
	"github.com/perjens/posse/internal/notify"
	"github.com/perjens/posse/internal/server"
	"github.com/perjens/posse/internal/social"
	"github.com/perjens/posse/internal/store"
	"github.com/perjens/posse/internal/webmention"
)

// pushNotifier adapts the Pushover client to the fire-and-forget notifier
// the pipeline expects; delivery failures are logged, never propagated.
type pushNotifier struct {
	p   *notify.Pushover
	log *slog.Logger
}

func (n pushNotifier) Notify(ctx context.Context, title, message string) {
	if err := n.p.Notify(ctx, title, message); err != nil {
		n.log.Warn("push notification failed", "title", title, "error", err)
	}
}

func main() {
	configPath := flag.String("config", "config.yaml", "path to the YAML config file")
	flag.Parse()

	// ─── Configuration ───
	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "path", *configPath, "error", err)
		os.Exit(1)
	}

	logLevel := slog.LevelInfo
	if cfg.LogLevel == "debug" {
		logLevel = slog.LevelDebug
	}
	log := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel}))
	slog.SetDefault(log)

	log.Info("starting posse server",
		"blog_url", cfg.BlogURL,
		"port", cfg.Port,
		"database", cfg.Storage.DatabaseURL,
		"timezone", cfg.Location().String())

	ctx, cancel := signal.NotifyContext(context.Background(),
		syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// ─── Storage ───
	st, err := store.Open(cfg.Storage.DatabaseURL, cfg.Storage.Root, log)
	if err != nil {
		log.Error("failed to open database", "error", err, "url", cfg.Storage.DatabaseURL)
		os.Exit(1)
	}
	defer st.Close()

	if err := st.Migrate(ctx); err != nil {
		log.Error("database migration failed", "error", err)
		os.Exit(1)
	}

	cacheDir := cfg.Interactions.CacheDirectory
	if cacheDir == "" {
		cacheDir = imagecache.DefaultRoot()
	}
	cache := imagecache.New(cacheDir)

	// ─── Notifications ───
	var pushover *notify.Pushover
	var notifier social.Notifier
	if cfg.Pushover.Enabled {
		pushover = notify.New(cfg.Pushover.AppToken, cfg.Pushover.UserKey, log)
		notifier = pushNotifier{p: pushover, log: log}
		if err := pushover.Ping(ctx); err != nil {
			log.Warn("pushover ping failed, notifications may not arrive", "error", err)
		}
	}

	// ─── Alt text ───
	var altText dispatch.AltTexter
	if cfg.LLM.Enabled {
		vision := llm.New(cfg.LLMBaseURL(), time.Duration(cfg.LLM.TimeoutSeconds)*time.Second)
		if !vision.Healthy(ctx) {
			log.Warn("vision server not reachable, alt text will be skipped for now",
				"url", cfg.LLMBaseURL())
		}
		altText = vision
	}

	// ─── Platform clients ───
	var clients []social.Client
	for _, acct := range cfg.Mastodon.Accounts {
		clients = append(clients, social.NewMastodon(acct, cache, notifier))
	}
	for _, acct := range cfg.Bluesky.Accounts {
		clients = append(clients, social.NewBluesky(acct, cache, notifier))
	}
	log.Info("platform clients configured",
		"mastodon", len(cfg.Mastodon.Accounts),
		"bluesky", len(cfg.Bluesky.Accounts))

	// ─── Interaction sync ───
	// A zero interval keeps the workers running for on-demand syncs but
	// skips the periodic heartbeat.
	var syncInterval time.Duration
	if cfg.Interactions.Enabled {
		syncInterval = time.Duration(cfg.Interactions.SyncIntervalMinutes) * time.Minute
		if syncInterval <= 0 {
			syncInterval = 30 * time.Minute
		}
	}
	maxPostAge := time.Duration(cfg.Interactions.MaxPostAgeDays) * 24 * time.Hour

	syncer := interactions.NewSyncer(clients, st, notifier, log)
	scheduler := interactions.NewScheduler(syncer, st, syncInterval, maxPostAge, log)

	var discoverer *interactions.Discoverer
	var resolver server.PostResolver
	if cfg.Ghost.ContentAPI.URL != "" && cfg.Ghost.ContentAPI.Key != "" {
		discoverer = interactions.NewDiscoverer(clients, st, log)
		resolver = ghost.NewContentClient(
			cfg.Ghost.ContentAPI.URL,
			cfg.Ghost.ContentAPI.Key,
			cfg.Ghost.ContentAPI.Version,
			time.Duration(cfg.Ghost.ContentAPI.TimeoutSeconds)*time.Second)
	}

	// ─── Webmentions ───
	sender := webmention.NewSender(cfg.Webmention.Targets, log)

	var receiver *webmention.Receiver
	if cfg.Webmention.ReceiverEnabled {
		receiver = webmention.NewReceiver(st, cfg.BlogURL, log)
	}

	var replies *webmention.ReplyService
	if cfg.WebmentionReply.Enabled && receiver != nil {
		replies = webmention.NewReplyService(st, cfg.WebmentionReply, cfg.BlogURL, receiver, notifier, cfg.Location(), log)
	}

	// ─── Dispatcher ───
	dispatcher := dispatch.New(dispatch.Deps{
		Clients:  clients,
		Store:    st,
		Cache:    cache,
		AltText:  altText,
		Sync:     scheduler,
		Notifier: notifier,
		Log:      log,
	})
	go dispatcher.Run(ctx)

	if !cfg.Interactions.Enabled {
		log.Info("interaction heartbeat disabled, syncs run on demand only")
	}
	go scheduler.Run(ctx)

	// ─── HTTP server ───
	deps := server.Deps{
		Config:     cfg,
		Dispatcher: dispatcher,
		Clients:    clients,
		Store:      st,
		Scheduler:  scheduler,
		Resolver:   resolver,
		Sender:     sender,
		Log:        log,
	}
	if discoverer != nil {
		deps.Discovery = discoverer
	}
	if receiver != nil {
		deps.Receiver = receiver
	}
	if replies != nil {
		deps.Replies = replies
	}
	if pushover != nil {
		deps.Notifier = pushover
	}

	httpSrv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           server.New(deps).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Info("http server listening", "addr", httpSrv.Addr)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("http server failed", "error", err)
			cancel()
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.Warn("http shutdown incomplete", "error", err)
	}

	log.Info("posse server stopped")
}
