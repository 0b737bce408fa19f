package interactions

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/perjens/posse/internal/social"
	"github.com/perjens/posse/internal/store"
)

func testScheduler(st *memStore, clients ...social.Client) *Scheduler {
	syncer := NewSyncer(clients, st, nil, nil)
	return NewScheduler(syncer, st, time.Hour, 30*24*time.Hour, nil)
}

func TestEligibleAgeTiers(t *testing.T) {
	s := testScheduler(newMemStore())
	evenHour := time.Date(2026, 3, 10, 14, 0, 0, 0, time.UTC)
	oddHour := time.Date(2026, 3, 10, 15, 0, 0, 0, time.UTC)
	fourthHour := time.Date(2026, 3, 10, 16, 0, 0, 0, time.UTC)

	fresh := evenHour.Add(-time.Hour)
	assert.True(t, s.eligible(fresh, evenHour))
	assert.True(t, s.eligible(fresh, oddHour), "posts under two days sync every pass")

	threeDays := evenHour.Add(-3 * 24 * time.Hour)
	assert.True(t, s.eligible(threeDays, evenHour))
	assert.False(t, s.eligible(threeDays, oddHour), "2-7 day posts sync on even hours only")

	twoWeeks := fourthHour.Add(-14 * 24 * time.Hour)
	assert.True(t, s.eligible(twoWeeks, fourthHour))
	assert.False(t, s.eligible(twoWeeks, evenHour), "older posts sync every fourth hour")

	ancient := evenHour.Add(-60 * 24 * time.Hour)
	assert.False(t, s.eligible(ancient, evenHour), "past the age cap never syncs")
}

func TestScanQueuesEligibleMappings(t *testing.T) {
	st := newMemStore()
	now := time.Date(2026, 3, 10, 15, 0, 0, 0, time.UTC) // odd hour
	st.mappings["fresh"] = &store.Mapping{GhostPostID: "fresh", SyndicatedAt: now.Add(-time.Hour)}
	st.mappings["old"] = &store.Mapping{GhostPostID: "old", SyndicatedAt: now.Add(-3 * 24 * time.Hour)}

	s := testScheduler(st)
	s.now = func() time.Time { return now }
	s.scan(context.Background())

	require.Len(t, s.normal, 1)
	req := <-s.normal
	assert.Equal(t, "fresh", req.ghostPostID)
}

func TestRequestSyncDropsWhenLaneFull(t *testing.T) {
	s := testScheduler(newMemStore())
	for i := 0; i < queueDepth; i++ {
		s.RequestSync("post")
	}
	// One more must not block.
	done := make(chan struct{})
	go func() {
		s.RequestSync("overflow")
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("RequestSync blocked on a full lane")
	}
}

func TestWorkerPrefersHighPriorityLane(t *testing.T) {
	st := newMemStore()
	st.mappings["urgent"] = singleMapping("urgent", "mastodon", "main", "1", "https://m.example/1")
	client := &stubClient{platform: social.PlatformMastodon, account: "main", enabled: true,
		interactions: map[string]*social.Interactions{"1": {Favorites: 1}}}

	s := testScheduler(st, client)
	s.RequestSync("urgent")

	ctx, cancel := context.WithCancel(context.Background())
	go s.worker(ctx, 0)
	require.Eventually(t, func() bool {
		st.mu.Lock()
		defer st.mu.Unlock()
		_, ok := st.interactions["urgent"]
		return ok
	}, 2*time.Second, 10*time.Millisecond)
	cancel()
}

func TestRunDrainsRequestsWithoutHeartbeat(t *testing.T) {
	st := newMemStore()
	st.mappings["p"] = singleMapping("p", "mastodon", "main", "9", "https://m.example/9")
	client := &stubClient{platform: social.PlatformMastodon, account: "main", enabled: true,
		interactions: map[string]*social.Interactions{"9": {Favorites: 3}}}

	syncer := NewSyncer([]social.Client{client}, st, nil, nil)
	s := NewScheduler(syncer, st, 0, 30*24*time.Hour, nil)
	s.RequestSync("p")

	ctx, cancel := context.WithCancel(context.Background())
	go s.Run(ctx)
	require.Eventually(t, func() bool {
		st.mu.Lock()
		defer st.mu.Unlock()
		_, ok := st.interactions["p"]
		return ok
	}, 2*time.Second, 10*time.Millisecond)
	cancel()
}

func TestSyncNowReturnsRecord(t *testing.T) {
	st := newMemStore()
	st.mappings["p"] = singleMapping("p", "mastodon", "main", "5", "https://m.example/5")
	client := &stubClient{platform: social.PlatformMastodon, account: "main", enabled: true,
		interactions: map[string]*social.Interactions{"5": {Favorites: 2}}}

	s := testScheduler(st, client)
	rec, err := s.SyncNow(context.Background(), "p")
	require.NoError(t, err)
	assert.Equal(t, 2, rec.Platforms["mastodon"]["main"].Favorites)
}
