// Package config loads the posse server configuration from a single YAML
// document. Secrets are file-backed: any key of the form foo_file names a
// file whose trimmed content is used as the secret value, so tokens never
// live in the config file itself.
package config

import (
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all runtime configuration. Missing values fall back to
// defaults; a missing config file is not fatal.
type Config struct {
	Timezone string `yaml:"timezone"`
	LogLevel string `yaml:"log_level"`
	Port     string `yaml:"port"`
	BlogURL  string `yaml:"blog_url"`

	Storage         StorageConfig         `yaml:"storage"`
	CORS            CORSConfig            `yaml:"cors"`
	Security        SecurityConfig        `yaml:"security"`
	Pushover        PushoverConfig        `yaml:"pushover"`
	Mastodon        PlatformConfig        `yaml:"mastodon"`
	Bluesky         PlatformConfig        `yaml:"bluesky"`
	LLM             LLMConfig             `yaml:"llm"`
	Interactions    InteractionsConfig    `yaml:"interactions"`
	Webmention      WebmentionConfig      `yaml:"webmention"`
	WebmentionReply WebmentionReplyConfig `yaml:"webmention_reply"`
	Ghost           GhostConfig           `yaml:"ghost"`

	location *time.Location
}

// StorageConfig selects where persistent state lives.
type StorageConfig struct {
	Root string `yaml:"root"`
	// DatabaseURL accepts a bare path or sqlite:// URL for SQLite, or a
	// postgres:// DSN. Empty means {root}/interactions.db.
	DatabaseURL string `yaml:"database_url"`
}

// CORSConfig controls cross-origin headers on the HTTP surface.
type CORSConfig struct {
	Enabled bool     `yaml:"enabled"`
	Origins []string `yaml:"origins"`
}

// SecurityConfig carries auth secrets and rate-limit knobs.
type SecurityConfig struct {
	WebhookSecret        string `yaml:"webhook_secret"`
	WebhookSecretFile    string `yaml:"webhook_secret_file"`
	RequireWebhookSecret bool   `yaml:"require_webhook_secret"`

	InternalAPIToken     string `yaml:"internal_api_token"`
	InternalAPITokenFile string `yaml:"internal_api_token_file"`

	AllowedReferrers []string `yaml:"allowed_referrers"`

	RateLimitPerMinute          int `yaml:"rate_limit_per_minute"`
	DiscoveryRateLimitPerMinute int `yaml:"discovery_rate_limit_per_minute"`
	DiscoveryCooldownSeconds    int `yaml:"discovery_cooldown_seconds"`
}

// PushoverConfig configures the push notifier.
type PushoverConfig struct {
	Enabled      bool   `yaml:"enabled"`
	AppToken     string `yaml:"app_token"`
	AppTokenFile string `yaml:"app_token_file"`
	UserKey      string `yaml:"user_key"`
	UserKeyFile  string `yaml:"user_key_file"`
}

// PlatformConfig wraps the account list for one platform.
type PlatformConfig struct {
	Accounts []AccountConfig `yaml:"accounts"`
}

// AccountConfig describes one social account.
type AccountConfig struct {
	Name            string `yaml:"name"`
	InstanceURL     string `yaml:"instance_url"`
	AccessToken     string `yaml:"access_token"`
	AccessTokenFile string `yaml:"access_token_file"`

	// Bluesky only.
	Handle          string `yaml:"handle"`
	AppPassword     string `yaml:"app_password"`
	AppPasswordFile string `yaml:"app_password_file"`

	Tags                 []string `yaml:"tags"`
	MaxPostLength        int      `yaml:"max_post_length"`
	SplitMultiImagePosts bool     `yaml:"split_multi_image_posts"`
	Disabled             bool     `yaml:"disabled"`
}

// LLMConfig points at the vision inference server used for alt text.
type LLMConfig struct {
	Enabled        bool   `yaml:"enabled"`
	URL            string `yaml:"url"`
	Port           int    `yaml:"port"`
	TimeoutSeconds int    `yaml:"timeout"`
}

// InteractionsConfig controls the interaction sync scheduler.
type InteractionsConfig struct {
	Enabled             bool   `yaml:"enabled"`
	SyncIntervalMinutes int    `yaml:"sync_interval_minutes"`
	MaxPostAgeDays      int    `yaml:"max_post_age_days"`
	CacheDirectory      string `yaml:"cache_directory"`
}

// WebmentionConfig configures sending and receiving webmentions.
type WebmentionConfig struct {
	ReceiverEnabled bool               `yaml:"receiver_enabled"`
	Targets         []WebmentionTarget `yaml:"targets"`
}

// WebmentionTarget is one configured outbound webmention destination.
type WebmentionTarget struct {
	Name           string `yaml:"name"`
	Endpoint       string `yaml:"endpoint"`
	Target         string `yaml:"target"`
	Tag            string `yaml:"tag"`
	TimeoutSeconds int    `yaml:"timeout"`
}

// WebmentionReplyConfig configures the public reply form.
type WebmentionReplyConfig struct {
	Enabled                bool     `yaml:"enabled"`
	BlogName               string   `yaml:"blog_name"`
	AllowedTargetOrigins   []string `yaml:"allowed_target_origins"`
	RateLimit              int      `yaml:"rate_limit"`
	RateLimitWindowSeconds int      `yaml:"rate_limit_window_seconds"`
	TurnstileSiteKey       string   `yaml:"turnstile_site_key"`
	TurnstileSecretKey     string   `yaml:"turnstile_secret_key"`
	TurnstileSecretKeyFile string   `yaml:"turnstile_secret_key_file"`
	IPHashSalt             string   `yaml:"ip_hash_salt"`
}

// GhostConfig configures the Ghost Content API used by discovery.
type GhostConfig struct {
	ContentAPI GhostContentAPIConfig `yaml:"content_api"`
}

// GhostContentAPIConfig carries Content API connection details.
type GhostContentAPIConfig struct {
	URL            string `yaml:"url"`
	Key            string `yaml:"key"`
	KeyFile        string `yaml:"key_file"`
	Version        string `yaml:"version"`
	TimeoutSeconds int    `yaml:"timeout"`
}

// Load reads the YAML config at path. A missing file yields a default
// config with a warning; a malformed file is an error.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	case os.IsNotExist(err):
		slog.Warn("config file not found, using defaults", "path", path)
	default:
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	cfg.applyDefaults()
	if err := cfg.resolveSecrets(); err != nil {
		return nil, err
	}
	cfg.resolveTimezone()
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Port == "" {
		c.Port = "8080"
	}
	if c.Storage.Root == "" {
		c.Storage.Root = "data"
	}
	if c.Storage.DatabaseURL == "" {
		c.Storage.DatabaseURL = filepath.Join(c.Storage.Root, "interactions.db")
	}
	if c.Security.RateLimitPerMinute <= 0 {
		c.Security.RateLimitPerMinute = 60
	}
	if c.Security.DiscoveryRateLimitPerMinute <= 0 {
		c.Security.DiscoveryRateLimitPerMinute = 10
	}
	if c.Security.DiscoveryCooldownSeconds <= 0 {
		c.Security.DiscoveryCooldownSeconds = 300
	}
	if c.Interactions.MaxPostAgeDays <= 0 {
		c.Interactions.MaxPostAgeDays = 30
	}
	if c.LLM.TimeoutSeconds <= 0 {
		c.LLM.TimeoutSeconds = 60
	}
	if c.WebmentionReply.RateLimit <= 0 {
		c.WebmentionReply.RateLimit = 5
	}
	if c.WebmentionReply.RateLimitWindowSeconds <= 0 {
		c.WebmentionReply.RateLimitWindowSeconds = 3600
	}
	if c.Ghost.ContentAPI.Version == "" {
		c.Ghost.ContentAPI.Version = "v5.0"
	}
	if c.Ghost.ContentAPI.TimeoutSeconds <= 0 {
		c.Ghost.ContentAPI.TimeoutSeconds = 10
	}
	for i := range c.Mastodon.Accounts {
		if c.Mastodon.Accounts[i].MaxPostLength <= 0 {
			c.Mastodon.Accounts[i].MaxPostLength = 500
		}
	}
	for i := range c.Bluesky.Accounts {
		if c.Bluesky.Accounts[i].MaxPostLength <= 0 {
			c.Bluesky.Accounts[i].MaxPostLength = 300
		}
	}
}

// resolveSecrets loads every *_file secret into its sibling field. A value
// set directly in YAML wins over the file variant.
func (c *Config) resolveSecrets() error {
	pairs := []struct {
		dst  *string
		file string
		name string
	}{
		{&c.Security.WebhookSecret, c.Security.WebhookSecretFile, "security.webhook_secret_file"},
		{&c.Security.InternalAPIToken, c.Security.InternalAPITokenFile, "security.internal_api_token_file"},
		{&c.Pushover.AppToken, c.Pushover.AppTokenFile, "pushover.app_token_file"},
		{&c.Pushover.UserKey, c.Pushover.UserKeyFile, "pushover.user_key_file"},
		{&c.WebmentionReply.TurnstileSecretKey, c.WebmentionReply.TurnstileSecretKeyFile, "webmention_reply.turnstile_secret_key_file"},
		{&c.Ghost.ContentAPI.Key, c.Ghost.ContentAPI.KeyFile, "ghost.content_api.key_file"},
	}
	for _, p := range pairs {
		if err := loadSecret(p.dst, p.file, p.name); err != nil {
			return err
		}
	}
	for i := range c.Mastodon.Accounts {
		a := &c.Mastodon.Accounts[i]
		if err := loadSecret(&a.AccessToken, a.AccessTokenFile, "mastodon account "+a.Name); err != nil {
			return err
		}
	}
	for i := range c.Bluesky.Accounts {
		a := &c.Bluesky.Accounts[i]
		if err := loadSecret(&a.AppPassword, a.AppPasswordFile, "bluesky account "+a.Name); err != nil {
			return err
		}
		if err := loadSecret(&a.AccessToken, a.AccessTokenFile, "bluesky account "+a.Name); err != nil {
			return err
		}
	}
	return nil
}

func loadSecret(dst *string, file, name string) error {
	if *dst != "" || file == "" {
		return nil
	}
	data, err := os.ReadFile(file)
	if err != nil {
		return fmt.Errorf("read secret for %s: %w", name, err)
	}
	*dst = strings.TrimRight(string(data), " \t\r\n")
	return nil
}

// resolveTimezone validates the configured zone against the OS TZ database
// and falls back to UTC with a warning.
func (c *Config) resolveTimezone() {
	if c.Timezone == "" {
		c.location = time.UTC
		return
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		slog.Warn("invalid timezone, falling back to UTC", "timezone", c.Timezone, "error", err)
		c.location = time.UTC
		return
	}
	c.location = loc
}

// Location returns the validated timezone, never nil.
func (c *Config) Location() *time.Location {
	if c.location == nil {
		return time.UTC
	}
	return c.location
}

// LLMBaseURL joins the llm url and port into a base URL.
func (c *Config) LLMBaseURL() string {
	u := strings.TrimRight(c.LLM.URL, "/")
	if c.LLM.Port > 0 {
		return fmt.Sprintf("%s:%d", u, c.LLM.Port)
	}
	return u
}

// BlogHost returns the hostname of the configured blog URL, or "".
func (c *Config) BlogHost() string {
	u, err := url.Parse(c.BlogURL)
	if err != nil {
		return ""
	}
	return u.Host
}
