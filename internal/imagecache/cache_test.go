package imagecache

import (
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFetchDownloadsOnce(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Write([]byte("image-bytes"))
	}))
	defer srv.Close()

	cache := New(t.TempDir())
	url := srv.URL + "/photo.png"

	p1, err := cache.Fetch(url)
	require.NoError(t, err)
	p2, err := cache.Fetch(url)
	require.NoError(t, err)

	assert.Equal(t, p1, p2)
	assert.Equal(t, int32(1), hits.Load())

	data, err := os.ReadFile(p1)
	require.NoError(t, err)
	assert.Equal(t, "image-bytes", string(data))
}

func TestDefaultRootUnderTempDir(t *testing.T) {
	root := DefaultRoot()
	assert.Equal(t, filepath.Join(os.TempDir(), "posse_image_cache"), root)
}

func TestPathUsesURLExtension(t *testing.T) {
	cache := New(t.TempDir())

	assert.Regexp(t, `[0-9a-f]{64}\.png$`, cache.Path("https://x.example/a.png"))
	assert.Regexp(t, `[0-9a-f]{64}\.jpg$`, cache.Path("https://x.example/no-ext"))
}

func TestConcurrentFetchTolerated(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("payload"))
	}))
	defer srv.Close()

	cache := New(t.TempDir())
	url := srv.URL + "/img.jpg"

	var wg sync.WaitGroup
	paths := make([]string, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			p, err := cache.Fetch(url)
			require.NoError(t, err)
			paths[i] = p
		}(i)
	}
	wg.Wait()

	for _, p := range paths[1:] {
		assert.Equal(t, paths[0], p)
	}
}

func TestFetchFailureLeavesNoFile(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	cache := New(t.TempDir())
	url := srv.URL + "/missing.jpg"

	_, err := cache.Fetch(url)
	require.Error(t, err)

	_, statErr := os.Stat(cache.Path(url))
	assert.True(t, os.IsNotExist(statErr))
}

func TestReleaseIgnoresMissing(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("x"))
	}))
	defer srv.Close()

	cache := New(t.TempDir())
	url := srv.URL + "/a.jpg"
	p, err := cache.Fetch(url)
	require.NoError(t, err)

	cache.Release([]string{url, "https://never-fetched.example/b.jpg"})

	_, statErr := os.Stat(p)
	assert.True(t, os.IsNotExist(statErr))
}
