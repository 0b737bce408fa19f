package ghost

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// ContentClient is a thin client for the Ghost Content API. Only the
// single-post lookup used by the discovery path is implemented.
type ContentClient struct {
	baseURL string
	key     string
	version string
	http    *http.Client
}

// NewContentClient creates a Content API client. baseURL is the Ghost
// instance root (e.g. https://blog.example.com).
func NewContentClient(baseURL, key, version string, timeout time.Duration) *ContentClient {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &ContentClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		key:     key,
		version: version,
		http:    &http.Client{Timeout: timeout},
	}
}

// ContentPost is the subset of the Content API post object discovery needs.
type ContentPost struct {
	ID    string `json:"id"`
	URL   string `json:"url"`
	Title string `json:"title"`
	HTML  string `json:"html"`
}

type contentResponse struct {
	Posts []ContentPost `json:"posts"`
}

// Post resolves a Ghost post id to its post object.
func (c *ContentClient) Post(ctx context.Context, id string) (*ContentPost, error) {
	endpoint := fmt.Sprintf("%s/ghost/api/content/posts/%s/?key=%s",
		c.baseURL, url.PathEscape(id), url.QueryEscape(c.key))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("create content request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.version != "" {
		req.Header.Set("Accept-Version", c.version)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("content api: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read content response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("content api: HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var decoded contentResponse
	if err := json.Unmarshal(body, &decoded); err != nil {
		return nil, fmt.Errorf("decode content response: %w", err)
	}
	if len(decoded.Posts) == 0 {
		return nil, fmt.Errorf("content api: post %s not found", id)
	}
	return &decoded.Posts[0], nil
}
