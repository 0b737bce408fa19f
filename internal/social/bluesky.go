package social

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
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
	defaultPDSURL = "https://bsky.social"

	blueskyRecentLimit      = 100
	blueskyInteractionLimit = 100
	blueskyReplyPreviews    = 10

	feedPostType   = "app.bsky.feed.post"
	imagesEmbedType = "app.bsky.embed.images"
)

// Bluesky is a thin XRPC client for one Bluesky account. A fresh session
// is created before every post so app-password rotation takes effect
// without a restart.
type Bluesky struct {
	name          string
	pdsURL        string
	handle        string
	appPassword   string
	tags          []string
	maxPostLength int
	splitPosts    bool

	enabled atomic.Bool

	mu      sync.Mutex
	session *bskySession

	cache    *imagecache.Cache
	notifier Notifier
	http     *http.Client
}

// NewBluesky creates a Bluesky client. Authentication is deferred to the
// first operation; Bluesky re-authenticates per post by contract.
func NewBluesky(acct config.AccountConfig, cache *imagecache.Cache, notifier Notifier) *Bluesky {
	pds := strings.TrimRight(acct.InstanceURL, "/")
	if pds == "" {
		pds = defaultPDSURL
	}
	b := &Bluesky{
		name:          acct.Name,
		pdsURL:        pds,
		handle:        acct.Handle,
		appPassword:   acct.AppPassword,
		tags:          lowerAll(acct.Tags),
		maxPostLength: acct.MaxPostLength,
		splitPosts:    acct.SplitMultiImagePosts,
		cache:         cache,
		notifier:      notifier,
		http:          &http.Client{Timeout: 30 * time.Second},
	}
	b.enabled.Store(!acct.Disabled)
	return b
}

func (b *Bluesky) Platform() Platform         { return PlatformBluesky }
func (b *Bluesky) AccountName() string        { return b.name }
func (b *Bluesky) Enabled() bool              { return b.enabled.Load() }
func (b *Bluesky) MaxPostLength() int         { return b.maxPostLength }
func (b *Bluesky) SplitMultiImagePosts() bool { return b.splitPosts }
func (b *Bluesky) Tags() []string             { return b.tags }

func (b *Bluesky) disable(ctx context.Context, cause error) {
	if !b.enabled.Swap(false) {
		return
	}
	if b.notifier != nil {
		b.notifier.Notify(ctx, "Bluesky account disabled",
			fmt.Sprintf("Account %q failed authentication and was disabled", b.name))
	}
	slog.Warn("bluesky account disabled", "account", b.name, "error", cause)
}

// ─── API types ────────────────────────────────────────────────────────────────

type bskySession struct {
	DID       string `json:"did"`
	Handle    string `json:"handle"`
	AccessJwt string `json:"accessJwt"`
}

type bskyCreateRecordRequest struct {
	Repo       string      `json:"repo"`
	Collection string      `json:"collection"`
	Record     interface{} `json:"record"`
}

type bskyCreateRecordResponse struct {
	URI string `json:"uri"`
	CID string `json:"cid"`
}

type bskyUploadBlobResponse struct {
	Blob json.RawMessage `json:"blob"`
}

// bskyFeedPost is the app.bsky.feed.post lexicon record.
type bskyFeedPost struct {
	Type      string          `json:"$type"`
	Text      string          `json:"text"`
	CreatedAt string          `json:"createdAt"`
	Facets    []bskyFacet     `json:"facets,omitempty"`
	Embed     *bskyImageEmbed `json:"embed,omitempty"`
	Langs     []string        `json:"langs,omitempty"`
}

type bskyImageEmbed struct {
	Type   string      `json:"$type"`
	Images []bskyImage `json:"images"`
}

type bskyImage struct {
	Image json.RawMessage `json:"image"`
	Alt   string          `json:"alt"`
}

type bskyAuthor struct {
	DID         string `json:"did"`
	Handle      string `json:"handle"`
	DisplayName string `json:"displayName"`
	Avatar      string `json:"avatar"`
}

type bskyPostView struct {
	URI         string          `json:"uri"`
	CID         string          `json:"cid"`
	Author      bskyAuthor      `json:"author"`
	Record      json.RawMessage `json:"record"`
	LikeCount   int             `json:"likeCount"`
	RepostCount int             `json:"repostCount"`
	ReplyCount  int             `json:"replyCount"`
	IndexedAt   time.Time       `json:"indexedAt"`
}

type bskyFeedItem struct {
	Post   bskyPostView    `json:"post"`
	Reason json.RawMessage `json:"reason"`
}

type bskyAuthorFeedResponse struct {
	Feed []bskyFeedItem `json:"feed"`
}

type bskyThreadView struct {
	Post    bskyPostView     `json:"post"`
	Replies []bskyThreadView `json:"replies"`
}

type bskyThreadResponse struct {
	Thread bskyThreadView `json:"thread"`
}

type bskyLikesResponse struct {
	Likes []struct {
		Actor bskyAuthor `json:"actor"`
	} `json:"likes"`
}

type bskyRepostedByResponse struct {
	RepostedBy []bskyAuthor `json:"repostedBy"`
}

// bskyRecordText is the subset of a post record needed for text extraction.
type bskyRecordText struct {
	Text      string `json:"text"`
	CreatedAt string `json:"createdAt"`
}

// ─── Capability implementation ────────────────────────────────────────────────

// VerifyCredentials performs a fresh login.
func (b *Bluesky) VerifyCredentials(ctx context.Context) error {
	return b.authenticate(ctx)
}

// authenticate creates a new session via com.atproto.server.createSession.
func (b *Bluesky) authenticate(ctx context.Context) error {
	input := map[string]string{
		"identifier": b.handle,
		"password":   b.appPassword,
	}
	var session bskySession
	if err := b.xrpcPost(ctx, "com.atproto.server.createSession", input, &session, ""); err != nil {
		return fmt.Errorf("bluesky authenticate: %w", err)
	}
	b.mu.Lock()
	b.session = &session
	b.mu.Unlock()
	slog.Debug("bluesky authenticated", "account", b.name, "did", session.DID)
	return nil
}

// Post re-authenticates, uploads compressed media, and creates a feed post
// with link and tag facets over the text.
func (b *Bluesky) Post(ctx context.Context, content string, mediaURLs, altTexts []string) (*PostResult, error) {
	if !b.Enabled() {
		return nil, fmt.Errorf("bluesky account %s is disabled", b.name)
	}

	// Fresh session per post.
	if err := b.authenticate(ctx); err != nil {
		if isAuthStatus(err) {
			b.disable(ctx, err)
		}
		return nil, err
	}

	media := fetchMedia(b.cache, PlatformBluesky, b.name, mediaURLs, altTexts, blueskyMaxMedia)
	var images []bskyImage
	for _, item := range media {
		blob, err := b.uploadImage(ctx, item)
		if err != nil {
			slog.Warn("bluesky blob upload failed, skipping attachment",
				"account", b.name, "url", item.url, "error", err)
			continue
		}
		images = append(images, bskyImage{Image: blob, Alt: item.alt})
	}

	record := bskyFeedPost{
		Type:      feedPostType,
		Text:      content,
		CreatedAt: time.Now().UTC().Format(time.RFC3339),
		Facets:    buildFacets(content),
	}
	if len(images) > 0 {
		record.Embed = &bskyImageEmbed{Type: imagesEmbedType, Images: images}
	}

	req := bskyCreateRecordRequest{
		Repo:       b.did(),
		Collection: feedPostType,
		Record:     record,
	}
	var resp bskyCreateRecordResponse
	op := func() error {
		return b.xrpcPost(ctx, "com.atproto.repo.createRecord", req, &resp, b.authHeader())
	}
	bo := backoff.WithContext(postBackoff(), ctx)
	if err := backoff.Retry(op, bo); err != nil {
		return nil, fmt.Errorf("bluesky post: %w", err)
	}

	return &PostResult{StatusID: resp.URI, PostURL: b.postURL(resp.URI)}, nil
}

// uploadImage compresses and uploads one blob.
func (b *Bluesky) uploadImage(ctx context.Context, item mediaItem) (json.RawMessage, error) {
	data, contentType, err := compressImage(item.path)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		b.pdsURL+"/xrpc/com.atproto.repo.uploadBlob", bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Authorization", b.authHeader())

	var out bskyUploadBlobResponse
	if err := b.do(req, &out); err != nil {
		return nil, err
	}
	return out.Blob, nil
}

// FetchRecentPosts returns the account's own recent original posts from its
// author feed, excluding reposts.
func (b *Bluesky) FetchRecentPosts(ctx context.Context, limit int) ([]RecentPost, error) {
	if err := b.ensureSession(ctx); err != nil {
		return nil, err
	}
	if limit <= 0 || limit > blueskyRecentLimit {
		limit = blueskyRecentLimit
	}

	params := url.Values{}
	params.Set("actor", b.did())
	params.Set("limit", strconv.Itoa(limit))

	var resp bskyAuthorFeedResponse
	if err := b.xrpcGet(ctx, "app.bsky.feed.getAuthorFeed", params, &resp); err != nil {
		return nil, fmt.Errorf("bluesky author feed: %w", err)
	}

	posts := make([]RecentPost, 0, len(resp.Feed))
	for _, item := range resp.Feed {
		// A non-null reason marks a repost surfaced in the feed.
		if len(item.Reason) > 0 && string(item.Reason) != "null" {
			continue
		}
		if item.Post.Author.DID != b.did() {
			continue
		}
		var rec bskyRecordText
		if err := json.Unmarshal(item.Post.Record, &rec); err != nil {
			continue
		}
		createdAt, _ := time.Parse(time.RFC3339, rec.CreatedAt)
		if createdAt.IsZero() {
			createdAt = item.Post.IndexedAt
		}
		posts = append(posts, RecentPost{
			ID:        item.Post.URI,
			URL:       b.postURL(item.Post.URI),
			Content:   rec.Text,
			CreatedAt: createdAt,
		})
	}
	return posts, nil
}

// FetchStatusInteractions aggregates counts and direct replies for one AT
// URI. Like/repost listings are timeout-tolerant and degrade to the counts
// carried on the thread view.
func (b *Bluesky) FetchStatusInteractions(ctx context.Context, identifier string) (*Interactions, error) {
	if err := b.ensureSession(ctx); err != nil {
		return nil, err
	}

	params := url.Values{}
	params.Set("uri", identifier)
	params.Set("depth", "1")

	var thread bskyThreadResponse
	if err := b.xrpcGet(ctx, "app.bsky.feed.getPostThread", params, &thread); err != nil {
		return nil, fmt.Errorf("bluesky thread %s: %w", identifier, err)
	}

	result := &Interactions{
		Favorites: thread.Thread.Post.LikeCount,
		Reblogs:   thread.Thread.Post.RepostCount,
		Replies:   thread.Thread.Post.ReplyCount,
	}

	likeParams := url.Values{}
	likeParams.Set("uri", identifier)
	likeParams.Set("limit", strconv.Itoa(blueskyInteractionLimit))

	var likes bskyLikesResponse
	if err := b.xrpcGet(ctx, "app.bsky.feed.getLikes", likeParams, &likes); err != nil {
		slog.Warn("bluesky getLikes failed, using thread count",
			"account", b.name, "uri", identifier, "error", err)
	} else if len(likes.Likes) > result.Favorites {
		result.Favorites = len(likes.Likes)
	}

	var reposts bskyRepostedByResponse
	if err := b.xrpcGet(ctx, "app.bsky.feed.getRepostedBy", likeParams, &reposts); err != nil {
		slog.Warn("bluesky getRepostedBy failed, using thread count",
			"account", b.name, "uri", identifier, "error", err)
	} else if len(reposts.RepostedBy) > result.Reblogs {
		result.Reblogs = len(reposts.RepostedBy)
	}

	for _, reply := range thread.Thread.Replies {
		var rec bskyRecordText
		if err := json.Unmarshal(reply.Post.Record, &rec); err != nil {
			continue
		}
		createdAt, _ := time.Parse(time.RFC3339, rec.CreatedAt)
		if createdAt.IsZero() {
			createdAt = reply.Post.IndexedAt
		}
		result.ReplyPreviews = append(result.ReplyPreviews, ReplyPreview{
			AuthorHandle: "@" + reply.Post.Author.Handle,
			AuthorURL:    "https://bsky.app/profile/" + reply.Post.Author.Handle,
			AuthorAvatar: reply.Post.Author.Avatar,
			Content:      rec.Text,
			CreatedAt:    createdAt,
			URL:          b.replyURL(reply.Post),
		})
		if len(result.ReplyPreviews) >= blueskyReplyPreviews {
			break
		}
	}
	return result, nil
}

// ─── Transport ────────────────────────────────────────────────────────────────

func (b *Bluesky) ensureSession(ctx context.Context) error {
	b.mu.Lock()
	have := b.session != nil
	b.mu.Unlock()
	if have {
		return nil
	}
	return b.authenticate(ctx)
}

func (b *Bluesky) xrpcGet(ctx context.Context, method string, params url.Values, out interface{}) error {
	rawURL := b.pdsURL + "/xrpc/" + method
	if len(params) > 0 {
		rawURL += "?" + params.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if auth := b.authHeader(); auth != "" {
		req.Header.Set("Authorization", auth)
	}
	return b.do(req, out)
}

func (b *Bluesky) xrpcPost(ctx context.Context, method string, body, out interface{}, authHeader string) error {
	encoded, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		b.pdsURL+"/xrpc/"+method, bytes.NewReader(encoded))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if authHeader != "" {
		req.Header.Set("Authorization", authHeader)
	}
	return b.do(req, out)
}

func (b *Bluesky) do(req *http.Request, out interface{}) error {
	resp, err := b.http.Do(req)
	if err != nil {
		return fmt.Errorf("http %s %s: %w", req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return fmt.Errorf("read response body: %w", err)
	}
	if resp.StatusCode == http.StatusUnauthorized {
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

func (b *Bluesky) authHeader() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.session == nil {
		return ""
	}
	return "Bearer " + b.session.AccessJwt
}

func (b *Bluesky) did() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.session == nil {
		return ""
	}
	return b.session.DID
}

// postURL converts an AT URI (at://did/collection/rkey) to a bsky.app URL.
func (b *Bluesky) postURL(uri string) string {
	rest, ok := strings.CutPrefix(uri, "at://")
	if !ok {
		return uri
	}
	parts := strings.SplitN(rest, "/", 3)
	if len(parts) < 3 {
		return "https://bsky.app"
	}
	return fmt.Sprintf("https://bsky.app/profile/%s/post/%s", parts[0], parts[2])
}

func (b *Bluesky) replyURL(post bskyPostView) string {
	rkey := post.URI[strings.LastIndex(post.URI, "/")+1:]
	return fmt.Sprintf("https://bsky.app/profile/%s/post/%s", post.Author.Handle, rkey)
}
