// Package dispatch fans published Ghost posts out to the configured
// social accounts and records the resulting syndication mappings.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/perjens/posse/internal/ghost"
	"github.com/perjens/posse/internal/imagecache"
	"github.com/perjens/posse/internal/social"
	"github.com/perjens/posse/internal/store"
	"github.com/perjens/posse/internal/webhook"
)

const (
	// defaultQueueSize bounds the webhook ingest queue; the webhook
	// handler acks before dispatch, so the queue absorbs bursts.
	defaultQueueSize = 64

	// eventTimeout caps the fan-out for one post across all accounts.
	eventTimeout = 60 * time.Second

	// maxConcurrentDispatches bounds parallel platform calls per event.
	maxConcurrentDispatches = 10
)

// Event is one queued syndication job.
type Event struct {
	ID      string
	Payload *webhook.Payload

	// TargetAccounts restricts fan-out to the named "platform/account"
	// pairs. Empty means every eligible account. Used by the post-update
	// path to reach only accounts that missed the original publish.
	TargetAccounts []string
}

// NewEvent wraps a parsed webhook payload in a queue event.
func NewEvent(payload *webhook.Payload) Event {
	return Event{ID: uuid.NewString(), Payload: payload}
}

// MappingStore is the slice of the store the dispatcher writes to.
type MappingStore interface {
	PutMappingEntry(ctx context.Context, ghostPostID, ghostPostURL, platform, account string, entry store.MappingEntry) error
}

// SyncRequester triggers an interaction sync after a successful dispatch.
type SyncRequester interface {
	RequestSync(ghostPostID string)
}

// AltTexter generates alt text for a local image file.
type AltTexter interface {
	AltText(ctx context.Context, path string) (string, error)
}

// Deps carries the dispatcher's collaborators. AltText, Sync and Notifier
// are optional.
type Deps struct {
	Clients  []social.Client
	Store    MappingStore
	Cache    *imagecache.Cache
	AltText  AltTexter
	Sync     SyncRequester
	Notifier social.Notifier
	Log      *slog.Logger

	QueueSize int
}

// Dispatcher consumes the event queue and posts to each eligible client.
type Dispatcher struct {
	clients  []social.Client
	store    MappingStore
	cache    *imagecache.Cache
	alt      AltTexter
	sync     SyncRequester
	notifier social.Notifier
	log      *slog.Logger

	queue chan Event
}

// New builds a dispatcher; Run must be started for events to drain.
func New(deps Deps) *Dispatcher {
	size := deps.QueueSize
	if size <= 0 {
		size = defaultQueueSize
	}
	log := deps.Log
	if log == nil {
		log = slog.Default()
	}
	return &Dispatcher{
		clients:  deps.Clients,
		store:    deps.Store,
		cache:    deps.Cache,
		alt:      deps.AltText,
		sync:     deps.Sync,
		notifier: deps.Notifier,
		log:      log,
		queue:    make(chan Event, size),
	}
}

// Enqueue adds an event without blocking. A full queue is an error so the
// webhook handler can report backpressure instead of hanging Ghost.
func (d *Dispatcher) Enqueue(ev Event) error {
	select {
	case d.queue <- ev:
		return nil
	default:
		return fmt.Errorf("dispatch queue full (%d pending)", cap(d.queue))
	}
}

// Run drains the queue until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-d.queue:
			d.process(ctx, ev)
		}
	}
}

func (d *Dispatcher) process(ctx context.Context, ev Event) {
	post := ghost.Extract(&ev.Payload.Post.Current)
	log := d.log.With("event_id", ev.ID, "ghost_post_id", post.ID)

	if post.Status != "published" {
		log.Info("skipping unpublished post", "status", post.Status)
		return
	}

	targets := d.eligibleClients(post, ev.TargetAccounts)
	if len(targets) == 0 {
		log.Info("no eligible accounts for post")
		return
	}

	d.backfillAltText(ctx, post, log)

	ctx, cancel := context.WithTimeout(ctx, eventTimeout)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrentDispatches)
	for _, client := range targets {
		client := client
		g.Go(func() error {
			if err := d.dispatchTo(gctx, client, post); err != nil {
				log.Error("dispatch failed",
					"platform", client.Platform(), "account", client.AccountName(), "error", err)
				d.notify(gctx, "Syndication failed",
					fmt.Sprintf("%s/%s: %q: %v", client.Platform(), client.AccountName(), post.Title, err))
				// One account failing must not cancel the siblings.
				return nil
			}
			log.Info("dispatched post",
				"platform", client.Platform(), "account", client.AccountName())
			return nil
		})
	}
	g.Wait()

	d.cache.Release(post.ImageURLs)

	if d.sync != nil {
		d.sync.RequestSync(post.ID)
	}
}

// eligibleClients filters by enablement, tag allowlist and the optional
// explicit target list.
func (d *Dispatcher) eligibleClients(post *ghost.ExtractedPost, only []string) []social.Client {
	var out []social.Client
	for _, c := range d.clients {
		if !c.Enabled() {
			continue
		}
		if !tagsMatch(c.Tags(), post.TagSlugs()) {
			continue
		}
		if len(only) > 0 && !containsFold(only, accountKey(c)) {
			continue
		}
		out = append(out, c)
	}
	return out
}

// accountKey names a client as "platform/account".
func accountKey(c social.Client) string {
	return string(c.Platform()) + "/" + c.AccountName()
}

// tagsMatch reports whether the account allowlist admits the post. An
// empty allowlist admits every post.
func tagsMatch(allow, postSlugs []string) bool {
	if len(allow) == 0 {
		return true
	}
	for _, want := range allow {
		if containsFold(postSlugs, want) {
			return true
		}
	}
	return false
}

func containsFold(haystack []string, needle string) bool {
	for _, s := range haystack {
		if strings.EqualFold(s, needle) {
			return true
		}
	}
	return false
}

// backfillAltText fills only the empty alt-text slots; author-provided
// descriptions are never overwritten. Generation failures leave the slot
// empty.
func (d *Dispatcher) backfillAltText(ctx context.Context, post *ghost.ExtractedPost, log *slog.Logger) {
	if d.alt == nil {
		return
	}
	for i, alt := range post.AltTexts {
		if strings.TrimSpace(alt) != "" {
			continue
		}
		path, err := d.cache.Fetch(post.ImageURLs[i])
		if err != nil {
			log.Warn("alt text skipped, image fetch failed", "url", post.ImageURLs[i], "error", err)
			continue
		}
		text, err := d.alt.AltText(ctx, path)
		if err != nil {
			log.Warn("alt text generation failed", "url", post.ImageURLs[i], "error", err)
			continue
		}
		post.AltTexts[i] = text
	}
}

func (d *Dispatcher) dispatchTo(ctx context.Context, client social.Client, post *ghost.ExtractedPost) error {
	if client.SplitMultiImagePosts() && len(post.ImageURLs) > 1 && !post.SuppressSplit {
		return d.dispatchSplit(ctx, client, post)
	}

	content := formatContent(post, client.MaxPostLength(), "")
	res, err := client.Post(ctx, content, post.ImageURLs, post.AltTexts)
	if err != nil {
		return err
	}
	return d.record(ctx, client, post, res, store.MappingEntry{})
}

// dispatchSplit posts one status per image, each carrying a (i/n) counter.
// Entries are recorded as they succeed so a mid-sequence failure keeps the
// posts that made it out.
func (d *Dispatcher) dispatchSplit(ctx context.Context, client social.Client, post *ghost.ExtractedPost) error {
	total := len(post.ImageURLs)
	for i, img := range post.ImageURLs {
		content := formatContent(post, client.MaxPostLength(), splitCounter(i, total))
		res, err := client.Post(ctx, content, []string{img}, []string{post.AltTexts[i]})
		if err != nil {
			return fmt.Errorf("split %d/%d: %w", i+1, total, err)
		}
		err = d.record(ctx, client, post, res, store.MappingEntry{
			IsSplit:     true,
			SplitIndex:  i,
			TotalSplits: total,
			ImageURL:    img,
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func (d *Dispatcher) record(ctx context.Context, client social.Client, post *ghost.ExtractedPost, res *social.PostResult, entry store.MappingEntry) error {
	entry.PostURL = res.PostURL
	switch client.Platform() {
	case social.PlatformBluesky:
		entry.PostURI = res.StatusID
	default:
		entry.StatusID = res.StatusID
	}
	err := d.store.PutMappingEntry(ctx, post.ID, post.URL,
		string(client.Platform()), client.AccountName(), entry)
	if err != nil {
		return fmt.Errorf("record mapping: %w", err)
	}
	return nil
}

func (d *Dispatcher) notify(ctx context.Context, title, message string) {
	if d.notifier == nil {
		return
	}
	d.notifier.Notify(ctx, title, message)
}
