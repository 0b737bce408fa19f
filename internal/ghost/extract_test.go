package ghost

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/perjens/posse/internal/webhook"
)

func basePost() *webhook.Post {
	return &webhook.Post{
		ID:     "65f1c0ffee0000000000abcd",
		Title:  "A Post",
		Status: "published",
		URL:    "https://blog.example.com/a-post/",
	}
}

func TestExtractFeatureImageFirst(t *testing.T) {
	post := basePost()
	post.FeatureImage = "https://blog.example.com/content/images/feature.jpg"
	post.FeatureImageAlt = "the feature"
	post.HTML = `
		<p>hi</p>
		<img src="https://blog.example.com/content/images/zz.jpg" alt="zz">
		<a href="x"><img src="https://blog.example.com/content/images/aa.jpg" alt="aa"></a>`

	ep := Extract(post)

	require.Equal(t, []string{
		"https://blog.example.com/content/images/feature.jpg",
		"https://blog.example.com/content/images/aa.jpg",
		"https://blog.example.com/content/images/zz.jpg",
	}, ep.ImageURLs)
	require.Equal(t, []string{"the feature", "aa", "zz"}, ep.AltTexts)
}

func TestExtractDropsExternalImages(t *testing.T) {
	post := basePost()
	post.HTML = `
		<img src="https://blog.example.com/content/images/local.jpg" alt="local">
		<img src="https://cdn.other.net/remote.jpg" alt="remote">
		<img src="https://blog.example.com:8443/ported.jpg" alt="ported">`

	ep := Extract(post)

	assert.Equal(t, []string{"https://blog.example.com/content/images/local.jpg"}, ep.ImageURLs)
}

func TestExtractKeepsAllWhenNoPostHost(t *testing.T) {
	post := basePost()
	post.URL = ""
	post.HTML = `<img src="https://anywhere.example/a.jpg">`

	ep := Extract(post)
	assert.Len(t, ep.ImageURLs, 1)
}

func TestExtractDedupesByURL(t *testing.T) {
	post := basePost()
	post.FeatureImage = "https://blog.example.com/img/one.jpg"
	post.HTML = `<img src="https://blog.example.com/img/one.jpg" alt="dupe">`

	ep := Extract(post)
	require.Len(t, ep.ImageURLs, 1)
	// Feature image came first with no alt; the in-body alt backfills it.
	assert.Equal(t, "dupe", ep.AltTexts[0])
}

func TestExtractNosplitTag(t *testing.T) {
	post := basePost()
	post.Tags = []webhook.Tag{
		{Name: "Tech", Slug: "tech"},
		{Name: "#NoSplit", Slug: "hash-nosplit"},
	}

	ep := Extract(post)
	assert.True(t, ep.SuppressSplit)
	require.Len(t, ep.Tags, 1)
	assert.Equal(t, "tech", ep.Tags[0].Slug)
	assert.Equal(t, []string{"tech"}, ep.TagSlugs())
}

func TestExtractExcerpt(t *testing.T) {
	post := basePost()
	assert.Empty(t, Extract(post).Excerpt)

	post.CustomExcerpt = "the short version"
	assert.Equal(t, "the short version", Extract(post).Excerpt)
}

func TestContentClientPost(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/ghost/api/content/posts/abc123/", r.URL.Path)
		assert.Equal(t, "content-key", r.URL.Query().Get("key"))
		w.Write([]byte(`{"posts": [{"id": "abc123", "url": "https://blog.example.com/found/", "title": "Found"}]}`))
	}))
	defer srv.Close()

	client := NewContentClient(srv.URL, "content-key", "v5.0", 5*time.Second)
	post, err := client.Post(context.Background(), "abc123")
	require.NoError(t, err)
	assert.Equal(t, "https://blog.example.com/found/", post.URL)
}

func TestContentClientNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"errors": [{"message": "Resource not found"}]}`))
	}))
	defer srv.Close()

	client := NewContentClient(srv.URL, "k", "v5.0", 5*time.Second)
	_, err := client.Post(context.Background(), "missing")
	require.Error(t, err)
}
