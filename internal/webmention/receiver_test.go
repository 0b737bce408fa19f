package webmention

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/perjens/posse/internal/store"
)

// memStore is an in-memory ReceiverStore and ReplyStore.
type memStore struct {
	mu       sync.Mutex
	mentions map[string]*store.Webmention
	replies  map[string]*store.Reply
}

func newMemStore() *memStore {
	return &memStore{
		mentions: make(map[string]*store.Webmention),
		replies:  make(map[string]*store.Reply),
	}
}

func pairKey(source, target string) string { return source + "\x00" + target }

func (m *memStore) UpsertWebmention(ctx context.Context, w *store.Webmention) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	clone := *w
	m.mentions[pairKey(w.Source, w.Target)] = &clone
	return nil
}

func (m *memStore) GetWebmention(ctx context.Context, source, target string) (*store.Webmention, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if w, ok := m.mentions[pairKey(source, target)]; ok {
		clone := *w
		return &clone, nil
	}
	return nil, store.ErrNotFound
}

func (m *memStore) DeleteWebmention(ctx context.Context, source, target string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.mentions, pairKey(source, target))
	return nil
}

func (m *memStore) ListWebmentionsForTarget(ctx context.Context, target string) ([]*store.Webmention, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*store.Webmention
	for _, w := range m.mentions {
		if w.Target == target && w.Status == store.WebmentionVerified {
			clone := *w
			out = append(out, &clone)
		}
	}
	return out, nil
}

func (m *memStore) PutReply(ctx context.Context, r *store.Reply) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	clone := *r
	m.replies[r.ID] = &clone
	return nil
}

func (m *memStore) GetReply(ctx context.Context, id string) (*store.Reply, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.replies[id]; ok {
		clone := *r
		return &clone, nil
	}
	return nil, store.ErrNotFound
}

func newTestReceiver(st *memStore, blogURL string) *Receiver {
	r := NewReceiver(st, blogURL, nil)
	r.inlineVerify = true
	r.lookupIP = func(ctx context.Context, host string) ([]net.IP, error) {
		return []net.IP{net.ParseIP("93.184.216.34")}, nil
	}
	return r
}

const blogURL = "https://blog.example"

func TestReceiveValidation(t *testing.T) {
	r := newTestReceiver(newMemStore(), blogURL)
	ctx := context.Background()

	cases := []struct {
		name           string
		source, target string
	}{
		{"missing source", "", blogURL + "/post/"},
		{"bad scheme", "ftp://a.example/x", blogURL + "/post/"},
		{"overlong source", "https://a.example/" + strings.Repeat("x", 2048), blogURL + "/post/"},
		{"same url", blogURL + "/post/", blogURL + "/post"},
		{"foreign target", "https://a.example/x", "https://other.example/post/"},
		{"root target", "https://a.example/x", blogURL + "/"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := r.Receive(ctx, tc.source, tc.target)
			var verr *ValidationError
			assert.ErrorAs(t, err, &verr)
		})
	}
}

func TestReceiveVerifiesLinkingSource(t *testing.T) {
	target := blogURL + "/my-post/"
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`<html><body>
			<article class="h-entry">
				<p class="p-author h-card"><img class="u-photo" src="https://a.example/me.jpg"><a class="p-name u-url" href="https://a.example/">Alice</a></p>
				<p class="e-content">Great write-up!</p>
				<a class="u-in-reply-to" href="` + target + `">the post</a>
			</article>
		</body></html>`))
	}))
	defer srv.Close()

	st := newMemStore()
	r := newTestReceiver(st, blogURL)
	w, err := r.Receive(context.Background(), srv.URL+"/note", target)
	require.NoError(t, err)
	assert.Equal(t, store.WebmentionPending, w.Status, "the immediate response reports pending")

	stored, err := st.GetWebmention(context.Background(), srv.URL+"/note", target)
	require.NoError(t, err)
	assert.Equal(t, store.WebmentionVerified, stored.Status)
	assert.Equal(t, store.MentionTypeReply, stored.MentionType)
	assert.Equal(t, "Alice", stored.AuthorName)
	assert.Equal(t, "https://a.example/", stored.AuthorURL)
	assert.NotNil(t, stored.VerifiedAt)
	assert.Contains(t, stored.ContentText, "Great write-up!")
}

func TestReceiveRejectsNonLinkingSource(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`<html><body>no links here</body></html>`))
	}))
	defer srv.Close()

	st := newMemStore()
	r := newTestReceiver(st, blogURL)
	target := blogURL + "/my-post/"
	_, err := r.Receive(context.Background(), srv.URL+"/note", target)
	require.NoError(t, err)

	stored, err := st.GetWebmention(context.Background(), srv.URL+"/note", target)
	require.NoError(t, err)
	assert.Equal(t, store.WebmentionRejected, stored.Status)
}

func TestReceiveDeletesOnGoneSource(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusGone)
	}))
	defer srv.Close()

	st := newMemStore()
	r := newTestReceiver(st, blogURL)
	target := blogURL + "/my-post/"
	_, err := r.Receive(context.Background(), srv.URL+"/note", target)
	require.NoError(t, err)

	_, err = st.GetWebmention(context.Background(), srv.URL+"/note", target)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestReceiveRefusesPrivateSource(t *testing.T) {
	st := newMemStore()
	r := newTestReceiver(st, blogURL)
	r.lookupIP = func(ctx context.Context, host string) ([]net.IP, error) {
		return []net.IP{net.ParseIP("10.0.0.5")}, nil
	}

	source := "https://internal.example/x"
	target := blogURL + "/my-post/"
	_, err := r.Receive(context.Background(), source, target)
	require.NoError(t, err, "acceptance succeeds; verification rejects")

	stored, err := st.GetWebmention(context.Background(), source, target)
	require.NoError(t, err)
	assert.Equal(t, store.WebmentionRejected, stored.Status)
}

func TestMentionsTarget(t *testing.T) {
	target := "https://blog.example/post"
	assert.True(t, mentionsTarget(`<a href="https://blog.example/post">x</a>`, target))
	assert.True(t, mentionsTarget(`<a href='https://blog.example/post/'>x</a>`, target))
	assert.True(t, mentionsTarget(`<a HREF="HTTPS://BLOG.EXAMPLE/POST">x</a>`, target))
	assert.False(t, mentionsTarget(`<a href="https://blog.example/other">x</a>`, target))
	assert.False(t, mentionsTarget(`https://blog.example/post without an href`, target))
}

func TestMentionTypeDefaultsToMention(t *testing.T) {
	target := blogURL + "/my-post/"
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`<html><body>
			<div class="h-entry"><p class="e-content">mentioning <a href="` + target + `">this</a></p></div>
		</body></html>`))
	}))
	defer srv.Close()

	st := newMemStore()
	r := newTestReceiver(st, blogURL)
	_, err := r.Receive(context.Background(), srv.URL+"/note", target)
	require.NoError(t, err)

	stored, err := st.GetWebmention(context.Background(), srv.URL+"/note", target)
	require.NoError(t, err)
	assert.Equal(t, store.WebmentionVerified, stored.Status)
	assert.Equal(t, store.MentionTypeMention, stored.MentionType)
}
