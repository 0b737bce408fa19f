package webmention

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/perjens/posse/internal/config"
)

func TestExtractLinksFiltering(t *testing.T) {
	rawHTML := `<p>
		<a href="https://other.example/article">good</a>
		<a href="https://blog.example/self-link/">same origin</a>
		<a href="#footnote">fragment</a>
		<a href="mailto:me@example.com">mail</a>
		<a href="/relative">relative</a>
		<a href="https://other.example/article#section">dup after fragment strip</a>
		<a href="https://third.example/page?id=2">keeps query</a>
	</p>`
	links := ExtractLinks(rawHTML, "https://blog.example/post/", nil)
	assert.Equal(t, []string{
		"https://other.example/article",
		"https://third.example/page?id=2",
	}, links)
}

func TestUpdateTargets(t *testing.T) {
	current := []string{"https://a.example/1", "https://b.example/2"}
	previous := []string{"https://b.example/2", "https://c.example/3"}
	got := UpdateTargets(current, previous)
	// Every current link plus the removed one, no duplicates.
	assert.ElementsMatch(t, []string{
		"https://a.example/1", "https://b.example/2", "https://c.example/3",
	}, got)
}

func TestMentionSuccessAndJSONError(t *testing.T) {
	var form map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		form = map[string]string{
			"source": r.PostFormValue("source"),
			"target": r.PostFormValue("target"),
		}
		if r.URL.Path == "/reject" {
			w.WriteHeader(http.StatusBadRequest)
			w.Write([]byte(`{"error":"no_link_found","error_description":"source does not link target"}`))
			return
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	s := NewSender(nil, nil)
	require.NoError(t, s.Mention(context.Background(), srv.URL+"/accept",
		"https://blog.example/post/", "https://other.example/"))
	assert.Equal(t, "https://blog.example/post/", form["source"])

	err := s.Mention(context.Background(), srv.URL+"/reject",
		"https://blog.example/post/", "https://other.example/")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no_link_found")
	assert.Contains(t, err.Error(), "source does not link target")
}

func TestMentionNonJSONErrorFallsBackToStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "<html>teapot</html>", http.StatusTeapot)
	}))
	defer srv.Close()

	err := NewSender(nil, nil).Mention(context.Background(), srv.URL, "s", "t")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "418")
}

func TestNotifyConfiguredTagGate(t *testing.T) {
	var hits []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.ParseForm()
		hits = append(hits, r.URL.Path+"|"+r.PostFormValue("target"))
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	s := NewSender([]config.WebmentionTarget{
		{Name: "fed", Endpoint: srv.URL + "/fed", Target: "https://fed.brid.gy/"},
		{Name: "tagged", Endpoint: srv.URL + "/tagged", Target: "https://tagged.example/", Tag: "photos"},
	}, nil)

	s.NotifyConfigured(context.Background(), "https://blog.example/post/", []string{"tech"})
	assert.Equal(t, []string{"/fed|https://fed.brid.gy/"}, hits,
		"untagged targets fire for every post; tag-gated ones need a match")

	hits = nil
	s.NotifyConfigured(context.Background(), "https://blog.example/post/", []string{"photos"})
	assert.Len(t, hits, 2)
}

func TestDiscoverEndpointLinkHeader(t *testing.T) {
	mux := http.NewServeMux()
	srv := httptest.NewServer(mux)
	defer srv.Close()
	mux.HandleFunc("/page", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Link", `</wm-endpoint>; rel="webmention"`)
		w.Write([]byte("<html></html>"))
	})

	s := NewSender(nil, nil)
	endpoint, err := s.discoverEndpoint(context.Background(), srv.URL+"/page")
	require.NoError(t, err)
	assert.Equal(t, srv.URL+"/wm-endpoint", endpoint)
}

func TestDiscoverEndpointHTMLRel(t *testing.T) {
	mux := http.NewServeMux()
	srv := httptest.NewServer(mux)
	defer srv.Close()
	mux.HandleFunc("/page", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`<html><head><link rel="webmention" href="https://wm.example/endpoint"></head></html>`))
	})

	s := NewSender(nil, nil)
	endpoint, err := s.discoverEndpoint(context.Background(), srv.URL+"/page")
	require.NoError(t, err)
	assert.Equal(t, "https://wm.example/endpoint", endpoint)
}

func TestParseLinkHeader(t *testing.T) {
	assert.Equal(t, "https://wm.example/ep",
		parseLinkHeader(`<https://wm.example/ep>; rel="webmention"`))
	assert.Equal(t, "/ep",
		parseLinkHeader(`</other>; rel="preload", </ep>; rel="webmention somethingelse"`))
	assert.Equal(t, "", parseLinkHeader(`</style.css>; rel="stylesheet"`))
}
