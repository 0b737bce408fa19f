package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, 60, cfg.Security.RateLimitPerMinute)
	assert.Equal(t, 30, cfg.Interactions.MaxPostAgeDays)
	assert.Equal(t, time.UTC, cfg.Location())
}

func TestLoadFileBackedSecrets(t *testing.T) {
	dir := t.TempDir()
	secretPath := writeFile(t, dir, "webhook.secret", "s3cret\n")
	tokenPath := writeFile(t, dir, "masto.token", "tok-abc \n\n")

	cfgPath := writeFile(t, dir, "config.yaml", `
blog_url: https://blog.example.com
security:
  webhook_secret_file: `+secretPath+`
mastodon:
  accounts:
    - name: main
      instance_url: https://mastodon.example
      access_token_file: `+tokenPath+`
      tags: [tech]
`)

	cfg, err := Load(cfgPath)
	require.NoError(t, err)

	assert.Equal(t, "s3cret", cfg.Security.WebhookSecret)
	require.Len(t, cfg.Mastodon.Accounts, 1)
	assert.Equal(t, "tok-abc", cfg.Mastodon.Accounts[0].AccessToken)
	assert.Equal(t, 500, cfg.Mastodon.Accounts[0].MaxPostLength)
	assert.Equal(t, "blog.example.com", cfg.BlogHost())
}

func TestLoadInlineSecretWinsOverFile(t *testing.T) {
	dir := t.TempDir()
	secretPath := writeFile(t, dir, "token", "from-file")
	cfgPath := writeFile(t, dir, "config.yaml", `
security:
  internal_api_token: inline
  internal_api_token_file: `+secretPath+`
`)

	cfg, err := Load(cfgPath)
	require.NoError(t, err)
	assert.Equal(t, "inline", cfg.Security.InternalAPIToken)
}

func TestInvalidTimezoneFallsBackToUTC(t *testing.T) {
	dir := t.TempDir()
	cfgPath := writeFile(t, dir, "config.yaml", "timezone: Mars/Olympus\n")

	cfg, err := Load(cfgPath)
	require.NoError(t, err)
	assert.Equal(t, time.UTC, cfg.Location())
}

func TestValidTimezone(t *testing.T) {
	dir := t.TempDir()
	cfgPath := writeFile(t, dir, "config.yaml", "timezone: Europe/Stockholm\n")

	cfg, err := Load(cfgPath)
	require.NoError(t, err)
	assert.Equal(t, "Europe/Stockholm", cfg.Location().String())
}

func TestBlueskyDefaults(t *testing.T) {
	dir := t.TempDir()
	cfgPath := writeFile(t, dir, "config.yaml", `
bluesky:
  accounts:
    - name: bsky
      handle: blog.example.com
      app_password: xxxx-yyyy
      split_multi_image_posts: true
`)

	cfg, err := Load(cfgPath)
	require.NoError(t, err)
	require.Len(t, cfg.Bluesky.Accounts, 1)
	assert.Equal(t, 300, cfg.Bluesky.Accounts[0].MaxPostLength)
	assert.True(t, cfg.Bluesky.Accounts[0].SplitMultiImagePosts)
}

func TestLLMBaseURL(t *testing.T) {
	cfg := &Config{LLM: LLMConfig{URL: "http://vision.local/", Port: 9090}}
	assert.Equal(t, "http://vision.local:9090", cfg.LLMBaseURL())

	cfg = &Config{LLM: LLMConfig{URL: "http://vision.local"}}
	assert.Equal(t, "http://vision.local", cfg.LLMBaseURL())
}
