// Package imagecache provides a content-addressed on-disk cache for
// downloaded images, shared by all platform clients. Files are named by the
// SHA-256 of their source URL so concurrent clients converge on one file,
// and written with O_EXCL so only the first writer downloads.
package imagecache

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"time"
)

const downloadTimeout = 30 * time.Second

// Cache downloads and stores images under a single root directory.
type Cache struct {
	root string
	http *http.Client
}

// New creates a cache rooted at dir. The directory is created lazily on the
// first Fetch.
func New(dir string) *Cache {
	return &Cache{
		root: dir,
		http: &http.Client{Timeout: downloadTimeout},
	}
}

// DefaultRoot returns the shared cache location under the OS temp dir.
func DefaultRoot() string {
	return filepath.Join(os.TempDir(), "posse_image_cache")
}

// Root returns the cache directory.
func (c *Cache) Root() string { return c.root }

// Path returns the content-addressed local path for a URL without touching
// the network or the filesystem.
func (c *Cache) Path(rawURL string) string {
	sum := sha256.Sum256([]byte(rawURL))
	return filepath.Join(c.root, hex.EncodeToString(sum[:])+extension(rawURL))
}

// Fetch returns a local path holding the image at rawURL, downloading it on
// first access. A concurrent Fetch for the same URL may observe a file
// still being written by its peer; that race is tolerated by contract.
func (c *Cache) Fetch(rawURL string) (string, error) {
	dest := c.Path(rawURL)

	if _, err := os.Stat(dest); err == nil {
		return dest, nil
	}

	if err := os.MkdirAll(c.root, 0o700); err != nil {
		return "", fmt.Errorf("create cache dir: %w", err)
	}

	f, err := os.OpenFile(dest, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			// A peer won the exclusive create and is (or was) downloading.
			return dest, nil
		}
		return "", fmt.Errorf("create cache file: %w", err)
	}

	if err := c.download(rawURL, f); err != nil {
		f.Close()
		if rmErr := os.Remove(dest); rmErr != nil {
			slog.Warn("failed to remove partial cache file", "path", dest, "error", rmErr)
		}
		return "", err
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("close cache file: %w", err)
	}
	return dest, nil
}

func (c *Cache) download(rawURL string, w io.Writer) error {
	resp, err := c.http.Get(rawURL)
	if err != nil {
		return fmt.Errorf("download %s: %w", rawURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("download %s: HTTP %d", rawURL, resp.StatusCode)
	}
	if _, err := io.Copy(w, resp.Body); err != nil {
		return fmt.Errorf("write image data: %w", err)
	}
	return nil
}

// Release unlinks the cached files for the given URLs. Missing files are
// ignored; other unlink errors are logged and skipped.
func (c *Cache) Release(urls []string) {
	for _, u := range urls {
		dest := c.Path(u)
		if err := os.Remove(dest); err != nil && !errors.Is(err, os.ErrNotExist) {
			slog.Warn("failed to release cached image", "path", dest, "error", err)
		}
	}
}

// extension returns the URL path's file extension, defaulting to ".jpg".
func extension(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ".jpg"
	}
	if ext := path.Ext(u.Path); ext != "" {
		return ext
	}
	return ".jpg"
}
