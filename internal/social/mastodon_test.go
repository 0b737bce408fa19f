package social

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/perjens/posse/internal/config"
	"github.com/perjens/posse/internal/imagecache"
)

type recordingNotifier struct {
	titles []string
}

func (n *recordingNotifier) Notify(_ context.Context, title, _ string) {
	n.titles = append(n.titles, title)
}

// newMastodonServer returns an httptest server speaking just enough of the
// Mastodon REST API for the client tests.
func newMastodonServer(t *testing.T, verifyOK bool) *httptest.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/accounts/verify_credentials", func(w http.ResponseWriter, r *http.Request) {
		if !verifyOK {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		json.NewEncoder(w).Encode(map[string]string{"id": "42", "acct": "blog"})
	})
	mux.HandleFunc("/api/v1/statuses", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		json.NewEncoder(w).Encode(map[string]string{
			"id":  "1001",
			"url": "https://mastodon.test/@blog/1001",
		})
	})
	mux.HandleFunc("/api/v1/accounts/42/statuses", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode([]map[string]interface{}{
			{"id": "1", "url": "https://mastodon.test/@blog/1", "content": "<p>hi https://blog.example.com/a/</p>", "created_at": "2026-08-01T10:00:00Z"},
			{"id": "2", "url": "https://mastodon.test/@blog/2", "content": "<p>boosted</p>", "created_at": "2026-08-02T10:00:00Z",
				"reblog": map[string]string{"id": "9"}},
		})
	})
	mux.HandleFunc("/api/v1/statuses/1001", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{
			"id": "1001", "url": "https://mastodon.test/@blog/1001",
			"favourites_count": 3, "reblogs_count": 2, "replies_count": 1,
		})
	})
	mux.HandleFunc("/api/v1/statuses/1001/favourited_by", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "80", r.URL.Query().Get("limit"))
		json.NewEncoder(w).Encode([]map[string]string{{"id": "a"}, {"id": "b"}, {"id": "c"}, {"id": "d"}})
	})
	mux.HandleFunc("/api/v1/statuses/1001/reblogged_by", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode([]map[string]string{{"id": "a"}})
	})
	mux.HandleFunc("/api/v1/statuses/1001/context", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{
			"descendants": []map[string]interface{}{
				{
					"id": "2001", "url": "https://mastodon.test/@carol/2001",
					"content":        "<p>nice post!</p>",
					"created_at":     "2026-08-03T10:00:00Z",
					"in_reply_to_id": "1001",
					"account": map[string]string{
						"acct": "carol@mastodon.test",
						"url":  "https://mastodon.test/@carol",
					},
				},
				{
					"id": "2002", "url": "https://mastodon.test/@dave/2002",
					"content":        "<p>nested reply</p>",
					"created_at":     "2026-08-03T11:00:00Z",
					"in_reply_to_id": "2001",
					"account":        map[string]string{"acct": "dave"},
				},
			},
		})
	})
	return httptest.NewServer(mux)
}

func newTestMastodon(t *testing.T, srv *httptest.Server, notifier Notifier) *Mastodon {
	t.Helper()
	return NewMastodon(config.AccountConfig{
		Name:          "main",
		InstanceURL:   srv.URL,
		AccessToken:   "token",
		Tags:          []string{"Tech"},
		MaxPostLength: 500,
	}, imagecache.New(t.TempDir()), notifier)
}

func TestMastodonVerifyOnConstruction(t *testing.T) {
	srv := newMastodonServer(t, true)
	defer srv.Close()

	m := newTestMastodon(t, srv, nil)
	assert.True(t, m.Enabled())
	assert.Equal(t, []string{"tech"}, m.Tags())
	assert.Equal(t, PlatformMastodon, m.Platform())
}

func TestMastodonDisablesOnAuthFailure(t *testing.T) {
	srv := newMastodonServer(t, false)
	defer srv.Close()

	notifier := &recordingNotifier{}
	m := newTestMastodon(t, srv, notifier)

	assert.False(t, m.Enabled())
	require.Len(t, notifier.titles, 1)
	assert.Contains(t, notifier.titles[0], "disabled")
}

func TestMastodonPost(t *testing.T) {
	srv := newMastodonServer(t, true)
	defer srv.Close()

	m := newTestMastodon(t, srv, nil)
	result, err := m.Post(context.Background(), "hello #posse", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "1001", result.StatusID)
	assert.Equal(t, "https://mastodon.test/@blog/1001", result.PostURL)
}

func TestMastodonFetchRecentPostsExcludesReblogs(t *testing.T) {
	srv := newMastodonServer(t, true)
	defer srv.Close()

	m := newTestMastodon(t, srv, nil)
	posts, err := m.FetchRecentPosts(context.Background(), 50)
	require.NoError(t, err)

	require.Len(t, posts, 1)
	assert.Equal(t, "1", posts[0].ID)
	assert.Contains(t, posts[0].Content, "https://blog.example.com/a/")
}

func TestMastodonConcurrentVerifyAndFetch(t *testing.T) {
	srv := newMastodonServer(t, true)
	defer srv.Close()

	m := newTestMastodon(t, srv, nil)

	// Healthchecks re-verify while discovery reads the cached account id;
	// both must be safe to run at once.
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, m.VerifyCredentials(context.Background()))
		}()
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := m.FetchRecentPosts(context.Background(), 10)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
}

func TestMastodonFetchStatusInteractions(t *testing.T) {
	srv := newMastodonServer(t, true)
	defer srv.Close()

	m := newTestMastodon(t, srv, nil)
	in, err := m.FetchStatusInteractions(context.Background(), "1001")
	require.NoError(t, err)

	// favourited_by returned 4 accounts, more than the status count of 3.
	assert.Equal(t, 4, in.Favorites)
	assert.Equal(t, 2, in.Reblogs)
	assert.Equal(t, 1, in.Replies)

	// Only the direct descendant becomes a preview.
	require.Len(t, in.ReplyPreviews, 1)
	preview := in.ReplyPreviews[0]
	assert.Equal(t, "@carol@mastodon.test", preview.AuthorHandle)
	assert.Equal(t, "nice post!", preview.Content)
	assert.Equal(t, "https://mastodon.test/@carol/2001", preview.URL)
}

func TestStripHTML(t *testing.T) {
	assert.Equal(t, "hello\nworld", StripHTML("<p>hello</p><p>world</p>"))
	assert.Equal(t, "a & b", StripHTML("a &amp; b"))
	assert.Equal(t, "plain", StripHTML("plain"))
}
