package social

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/perjens/posse/internal/config"
	"github.com/perjens/posse/internal/imagecache"
)

const (
	mastodonRecentLimit      = 40
	mastodonInteractionLimit = 80
	mastodonReplyPreviews    = 10
)

// Mastodon is a REST client for one Mastodon account.
type Mastodon struct {
	name          string
	instanceURL   string
	accessToken   string
	tags          []string
	maxPostLength int
	splitPosts    bool

	mu        sync.Mutex
	accountID string // resolved by VerifyCredentials, guarded by mu
	enabled   atomic.Bool

	cache    *imagecache.Cache
	notifier Notifier
	http     *http.Client
}

// NewMastodon creates a Mastodon client and verifies its credentials
// immediately. A failed verification disables the client and notifies,
// but does not fail construction.
func NewMastodon(acct config.AccountConfig, cache *imagecache.Cache, notifier Notifier) *Mastodon {
	m := &Mastodon{
		name:          acct.Name,
		instanceURL:   strings.TrimRight(acct.InstanceURL, "/"),
		accessToken:   acct.AccessToken,
		tags:          lowerAll(acct.Tags),
		maxPostLength: acct.MaxPostLength,
		splitPosts:    acct.SplitMultiImagePosts,
		cache:         cache,
		notifier:      notifier,
		http:          &http.Client{Timeout: 30 * time.Second},
	}
	m.enabled.Store(!acct.Disabled)

	if m.Enabled() {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := m.VerifyCredentials(ctx); err != nil {
			slog.Error("mastodon credential verification failed, disabling account",
				"account", m.name, "error", err)
			m.disable(context.Background(), err)
		}
	}
	return m
}

func (m *Mastodon) Platform() Platform          { return PlatformMastodon }
func (m *Mastodon) AccountName() string         { return m.name }
func (m *Mastodon) Enabled() bool               { return m.enabled.Load() }
func (m *Mastodon) MaxPostLength() int          { return m.maxPostLength }
func (m *Mastodon) SplitMultiImagePosts() bool  { return m.splitPosts }
func (m *Mastodon) Tags() []string              { return m.tags }

// disable takes the client out of dispatch and tells the notifier. Other
// accounts are unaffected.
func (m *Mastodon) disable(ctx context.Context, cause error) {
	if !m.enabled.Swap(false) {
		return
	}
	if m.notifier != nil {
		m.notifier.Notify(ctx, "Mastodon account disabled",
			fmt.Sprintf("Account %q failed authentication and was disabled", m.name))
	}
	slog.Warn("mastodon account disabled", "account", m.name, "error", cause)
}

// ─── API types ────────────────────────────────────────────────────────────────

type mastodonAccount struct {
	ID          string `json:"id"`
	Acct        string `json:"acct"`
	DisplayName string `json:"display_name"`
	URL         string `json:"url"`
	Avatar      string `json:"avatar"`
}

type mastodonStatus struct {
	ID              string          `json:"id"`
	URL             string          `json:"url"`
	URI             string          `json:"uri"`
	Content         string          `json:"content"`
	CreatedAt       time.Time       `json:"created_at"`
	InReplyToID     *string         `json:"in_reply_to_id"`
	Account         mastodonAccount `json:"account"`
	Reblog          *json.RawMessage `json:"reblog"`
	FavouritesCount int             `json:"favourites_count"`
	ReblogsCount    int             `json:"reblogs_count"`
	RepliesCount    int             `json:"replies_count"`
}

type mastodonContext struct {
	Descendants []mastodonStatus `json:"descendants"`
}

type mastodonMedia struct {
	ID string `json:"id"`
}

// ─── Capability implementation ────────────────────────────────────────────────

// VerifyCredentials calls accounts/verify_credentials and caches the
// account id used by FetchRecentPosts.
func (m *Mastodon) VerifyCredentials(ctx context.Context) error {
	var acct mastodonAccount
	if err := m.get(ctx, "/api/v1/accounts/verify_credentials", nil, &acct); err != nil {
		return fmt.Errorf("mastodon verify credentials: %w", err)
	}
	m.mu.Lock()
	m.accountID = acct.ID
	m.mu.Unlock()
	return nil
}

func (m *Mastodon) resolvedAccountID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.accountID
}

// Post uploads media and creates a status. Media failures skip the item;
// the status create is retried with exponential backoff.
func (m *Mastodon) Post(ctx context.Context, content string, mediaURLs, altTexts []string) (*PostResult, error) {
	if !m.Enabled() {
		return nil, fmt.Errorf("mastodon account %s is disabled", m.name)
	}

	media := fetchMedia(m.cache, PlatformMastodon, m.name, mediaURLs, altTexts, mastodonMaxMedia)
	var mediaIDs []string
	for _, item := range media {
		id, err := m.uploadMedia(ctx, item)
		if err != nil {
			slog.Warn("mastodon media upload failed, skipping attachment",
				"account", m.name, "url", item.url, "error", err)
			continue
		}
		mediaIDs = append(mediaIDs, id)
	}

	form := url.Values{}
	form.Set("status", content)
	for _, id := range mediaIDs {
		form.Add("media_ids[]", id)
	}

	var status mastodonStatus
	op := func() error {
		return m.postForm(ctx, "/api/v1/statuses", form, &status)
	}
	bo := backoff.WithContext(postBackoff(), ctx)
	if err := backoff.Retry(op, bo); err != nil {
		if isAuthStatus(err) {
			m.disable(ctx, err)
		}
		return nil, fmt.Errorf("mastodon post: %w", err)
	}

	return &PostResult{StatusID: status.ID, PostURL: status.URL}, nil
}

// FetchRecentPosts returns the account's own recent original statuses,
// excluding reblogs. The platform caps at 40 per call.
func (m *Mastodon) FetchRecentPosts(ctx context.Context, limit int) ([]RecentPost, error) {
	accountID := m.resolvedAccountID()
	if accountID == "" {
		if err := m.VerifyCredentials(ctx); err != nil {
			return nil, err
		}
		accountID = m.resolvedAccountID()
	}
	if limit <= 0 || limit > mastodonRecentLimit {
		limit = mastodonRecentLimit
	}

	params := url.Values{}
	params.Set("limit", strconv.Itoa(limit))
	params.Set("exclude_reblogs", "true")
	params.Set("exclude_replies", "false")

	var statuses []mastodonStatus
	if err := m.get(ctx, "/api/v1/accounts/"+accountID+"/statuses", params, &statuses); err != nil {
		return nil, fmt.Errorf("mastodon recent posts: %w", err)
	}

	posts := make([]RecentPost, 0, len(statuses))
	for _, st := range statuses {
		if st.Reblog != nil {
			continue
		}
		posts = append(posts, RecentPost{
			ID:        st.ID,
			URL:       st.URL,
			Content:   st.Content,
			CreatedAt: st.CreatedAt,
		})
	}
	return posts, nil
}

// FetchStatusInteractions aggregates counts and reply previews for one
// status. The favourited_by/reblogged_by calls are timeout-tolerant: their
// failure degrades to the counts carried on the status itself.
func (m *Mastodon) FetchStatusInteractions(ctx context.Context, identifier string) (*Interactions, error) {
	var status mastodonStatus
	if err := m.get(ctx, "/api/v1/statuses/"+identifier, nil, &status); err != nil {
		return nil, fmt.Errorf("mastodon status %s: %w", identifier, err)
	}

	result := &Interactions{
		Favorites: status.FavouritesCount,
		Reblogs:   status.ReblogsCount,
		Replies:   status.RepliesCount,
	}

	limitParams := url.Values{}
	limitParams.Set("limit", strconv.Itoa(mastodonInteractionLimit))

	var favs []mastodonAccount
	if err := m.get(ctx, "/api/v1/statuses/"+identifier+"/favourited_by", limitParams, &favs); err != nil {
		slog.Warn("mastodon favourited_by failed, using status count",
			"account", m.name, "status", identifier, "error", err)
	} else if len(favs) > result.Favorites {
		result.Favorites = len(favs)
	}

	var reblogs []mastodonAccount
	if err := m.get(ctx, "/api/v1/statuses/"+identifier+"/reblogged_by", limitParams, &reblogs); err != nil {
		slog.Warn("mastodon reblogged_by failed, using status count",
			"account", m.name, "status", identifier, "error", err)
	} else if len(reblogs) > result.Reblogs {
		result.Reblogs = len(reblogs)
	}

	var thread mastodonContext
	if err := m.get(ctx, "/api/v1/statuses/"+identifier+"/context", nil, &thread); err != nil {
		slog.Warn("mastodon context failed, omitting reply previews",
			"account", m.name, "status", identifier, "error", err)
		return result, nil
	}

	for _, desc := range thread.Descendants {
		if desc.InReplyToID == nil || *desc.InReplyToID != identifier {
			continue
		}
		result.ReplyPreviews = append(result.ReplyPreviews, ReplyPreview{
			AuthorHandle: "@" + desc.Account.Acct,
			AuthorURL:    desc.Account.URL,
			AuthorAvatar: desc.Account.Avatar,
			Content:      StripHTML(desc.Content),
			CreatedAt:    desc.CreatedAt,
			URL:          desc.URL,
		})
		if len(result.ReplyPreviews) >= mastodonReplyPreviews {
			break
		}
	}
	return result, nil
}

// ─── Transport ────────────────────────────────────────────────────────────────

// uploadMedia posts one attachment to the v2 media endpoint.
func (m *Mastodon) uploadMedia(ctx context.Context, item mediaItem) (string, error) {
	file, err := os.Open(item.path)
	if err != nil {
		return "", fmt.Errorf("open media: %w", err)
	}
	defer file.Close()

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", filepath.Base(item.path))
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(part, file); err != nil {
		return "", fmt.Errorf("read media: %w", err)
	}
	if item.alt != "" {
		if err := mw.WriteField("description", item.alt); err != nil {
			return "", err
		}
	}
	if err := mw.Close(); err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.instanceURL+"/api/v2/media", &buf)
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+m.accessToken)

	var media mastodonMedia
	if err := m.do(req, &media); err != nil {
		return "", err
	}
	return media.ID, nil
}

func (m *Mastodon) get(ctx context.Context, path string, params url.Values, out interface{}) error {
	endpoint := m.instanceURL + path
	if len(params) > 0 {
		endpoint += "?" + params.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+m.accessToken)
	return m.do(req, out)
}

func (m *Mastodon) postForm(ctx context.Context, path string, form url.Values, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.instanceURL+path,
		strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+m.accessToken)
	return m.do(req, out)
}

func (m *Mastodon) do(req *http.Request, out interface{}) error {
	resp, err := m.http.Do(req)
	if err != nil {
		return fmt.Errorf("http %s %s: %w", req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return fmt.Errorf("read response body: %w", err)
	}
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return backoff.Permanent(&statusError{code: resp.StatusCode, body: string(body)})
	}
	if resp.StatusCode >= 400 {
		err := &statusError{code: resp.StatusCode, body: string(body)}
		if resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
			return backoff.Permanent(err)
		}
		return err
	}
	if out != nil && len(body) > 0 {
		if err := json.Unmarshal(body, out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

// ─── Shared helpers ───────────────────────────────────────────────────────────

// statusError carries an HTTP error status from a platform API.
type statusError struct {
	code int
	body string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.code, strings.TrimSpace(e.body))
}

// isAuthStatus reports whether err wraps a 401/403 platform response.
func isAuthStatus(err error) bool {
	for err != nil {
		if se, ok := err.(*statusError); ok {
			return se.code == http.StatusUnauthorized || se.code == http.StatusForbidden
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

// postBackoff returns the retry policy for outbound post calls.
func postBackoff() backoff.BackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Second
	bo.MaxElapsedTime = 30 * time.Second
	return bo
}

func lowerAll(in []string) []string {
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = strings.ToLower(s)
	}
	return out
}
