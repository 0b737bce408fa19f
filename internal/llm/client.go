// Package llm talks to a local vision inference server that generates
// image alt text.
package llm

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"
)

const altTextPrompt = "Describe this image concisely for use as alt text. " +
	"One or two sentences, no preamble."

// Client calls the inference server's /health and /infer endpoints.
type Client struct {
	baseURL string
	http    *http.Client
}

// New returns a client for the server at baseURL (scheme://host:port).
func New(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
	}
}

// Healthy reports whether the server answers its health check.
func (c *Client) Healthy(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return false
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

type inferRequest struct {
	Image  string `json:"image"`
	Prompt string `json:"prompt"`
}

type inferResponse struct {
	Text string `json:"text"`
}

// AltText reads the image at path and asks the server to describe it.
// The returned text is trimmed; an empty result is an error so callers
// never store blank alt text.
func (c *Client) AltText(ctx context.Context, path string) (string, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read image: %w", err)
	}

	body, err := json.Marshal(inferRequest{
		Image:  base64.StdEncoding.EncodeToString(raw),
		Prompt: altTextPrompt,
	})
	if err != nil {
		return "", fmt.Errorf("encode infer request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/infer",
		bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build infer request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("infer: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("infer status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	var out inferResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode infer response: %w", err)
	}
	text := strings.TrimSpace(out.Text)
	if text == "" {
		return "", fmt.Errorf("infer returned empty text")
	}
	return text, nil
}
