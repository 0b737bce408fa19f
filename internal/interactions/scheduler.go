package interactions

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/perjens/posse/internal/store"
)

const (
	numWorkers = 2

	// workerPoll bounds how long an idle worker sleeps between queue
	// checks.
	workerPoll = time.Second

	// heartbeatDelay holds the first full scan back so startup isn't
	// dominated by a sync burst.
	heartbeatDelay = 60 * time.Second

	// drainTimeout caps the wait for in-flight syncs on shutdown;
	// heartbeatJoinTimeout caps the wait for the heartbeat goroutine.
	drainTimeout         = 30 * time.Second
	heartbeatJoinTimeout = 5 * time.Second

	queueDepth = 256
)

// SchedulerStore is the slice of the store the heartbeat scans.
type SchedulerStore interface {
	ListMappings(ctx context.Context) ([]*store.Mapping, error)
}

type syncRequest struct {
	ghostPostID string
}

// Scheduler runs periodic interaction syncs with two priority lanes:
// fresh dispatches and manual requests jump the heartbeat's backlog.
type Scheduler struct {
	syncer   *Syncer
	store    SchedulerStore
	interval time.Duration
	maxAge   time.Duration
	log      *slog.Logger

	high   chan syncRequest
	normal chan syncRequest

	// now is swapped in tests to pin the tier clock.
	now func() time.Time
}

// NewScheduler builds a scheduler; Run must be started for syncs to
// happen. An interval of zero or less disables the heartbeat, leaving
// only on-demand syncs.
func NewScheduler(syncer *Syncer, st SchedulerStore, interval, maxPostAge time.Duration, log *slog.Logger) *Scheduler {
	if log == nil {
		log = slog.Default()
	}
	return &Scheduler{
		syncer:   syncer,
		store:    st,
		interval: interval,
		maxAge:   maxPostAge,
		log:      log,
		high:     make(chan syncRequest, queueDepth),
		normal:   make(chan syncRequest, queueDepth),
		now:      time.Now,
	}
}

// RequestSync queues a high-priority sync without blocking. Queued
// requests run regardless of the post's age tier. A full lane drops the
// request; the next heartbeat will cover the post anyway.
func (s *Scheduler) RequestSync(ghostPostID string) {
	select {
	case s.high <- syncRequest{ghostPostID: ghostPostID}:
	default:
		s.log.Warn("high-priority sync lane full, dropping request", "ghost_post_id", ghostPostID)
	}
}

// SyncNow runs one sync synchronously, bypassing the queue. Used by the
// manual-sync API.
func (s *Scheduler) SyncNow(ctx context.Context, ghostPostID string) (*store.InteractionRecord, error) {
	return s.syncer.SyncPost(ctx, ghostPostID)
}

// Run starts the workers and the heartbeat and blocks until ctx is
// cancelled, then drains in-flight syncs.
func (s *Scheduler) Run(ctx context.Context) {
	var workers sync.WaitGroup
	for i := 0; i < numWorkers; i++ {
		workers.Add(1)
		go func(id int) {
			defer workers.Done()
			s.worker(ctx, id)
		}(i)
	}

	// interval <= 0 disables the periodic scan; the workers still drain
	// on-demand requests.
	var heartbeat sync.WaitGroup
	if s.interval > 0 {
		heartbeat.Add(1)
		go func() {
			defer heartbeat.Done()
			s.heartbeat(ctx)
		}()
	}

	<-ctx.Done()
	s.log.Info("interaction scheduler shutting down")
	waitTimeout(&workers, drainTimeout, s.log, "sync workers")
	waitTimeout(&heartbeat, heartbeatJoinTimeout, s.log, "heartbeat")
}

func waitTimeout(wg *sync.WaitGroup, d time.Duration, log *slog.Logger, what string) {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(d):
		log.Warn("shutdown timeout waiting for " + what)
	}
}

func (s *Scheduler) worker(ctx context.Context, id int) {
	for {
		// Drain the priority lane before considering the backlog.
		select {
		case req := <-s.high:
			s.handle(ctx, req)
			continue
		default:
		}

		select {
		case <-ctx.Done():
			return
		case req := <-s.high:
			s.handle(ctx, req)
		case req := <-s.normal:
			s.handle(ctx, req)
		case <-time.After(workerPoll):
		}
	}
}

func (s *Scheduler) handle(ctx context.Context, req syncRequest) {
	if _, err := s.syncer.SyncPost(ctx, req.ghostPostID); err != nil {
		s.log.Warn("scheduled sync failed", "ghost_post_id", req.ghostPostID, "error", err)
	}
}

func (s *Scheduler) heartbeat(ctx context.Context) {
	select {
	case <-ctx.Done():
		return
	case <-time.After(heartbeatDelay):
	}

	s.scan(ctx)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.scan(ctx)
		}
	}
}

// scan enqueues every mapping whose age tier is due this hour.
func (s *Scheduler) scan(ctx context.Context) {
	mappings, err := s.store.ListMappings(ctx)
	if err != nil {
		s.log.Warn("heartbeat scan failed", "error", err)
		return
	}
	now := s.now().UTC()
	queued := 0
	for _, m := range mappings {
		if !s.eligible(m.SyndicatedAt, now) {
			continue
		}
		select {
		case s.normal <- syncRequest{ghostPostID: m.GhostPostID}:
			queued++
		default:
			s.log.Warn("sync backlog full, heartbeat truncated", "queued", queued)
			return
		}
	}
	s.log.Info("heartbeat scan queued syncs", "total", len(mappings), "queued", queued)
}

// eligible applies the age tiers: under two days every pass, under a week
// on even hours, up to the age cap every fourth hour, then never.
func (s *Scheduler) eligible(syndicatedAt, now time.Time) bool {
	age := now.Sub(syndicatedAt)
	switch {
	case age < 48*time.Hour:
		return true
	case age < 7*24*time.Hour:
		return now.Hour()%2 == 0
	case age <= s.maxAge:
		return now.Hour()%4 == 0
	default:
		return false
	}
}
