// Package interactions polls the social platforms for favorites, reblogs
// and replies on syndicated posts, aggregates them per Ghost post, and
// schedules the polling with age-tiered frequency.
package interactions

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/perjens/posse/internal/social"
	"github.com/perjens/posse/internal/store"
)

// maxReplyPreviews caps the merged preview list per account.
const maxReplyPreviews = 20

// SyncStore is the slice of the store the syncer needs.
type SyncStore interface {
	GetMapping(ctx context.Context, ghostPostID string) (*store.Mapping, error)
	GetInteractions(ctx context.Context, ghostPostID string) (*store.InteractionRecord, error)
	PutInteractions(ctx context.Context, r *store.InteractionRecord) error
}

// Syncer refreshes the interaction aggregate for individual posts.
type Syncer struct {
	clients  []social.Client
	store    SyncStore
	notifier social.Notifier
	log      *slog.Logger
}

// NewSyncer builds a syncer over the given clients. notifier may be nil.
func NewSyncer(clients []social.Client, st SyncStore, notifier social.Notifier, log *slog.Logger) *Syncer {
	if log == nil {
		log = slog.Default()
	}
	return &Syncer{clients: clients, store: st, notifier: notifier, log: log}
}

// SyncPost fetches fresh interactions for every syndicated copy of the
// post and stores the merged aggregate. A fetch failure for one account
// keeps that account's previously stored data instead of zeroing it.
func (s *Syncer) SyncPost(ctx context.Context, ghostPostID string) (*store.InteractionRecord, error) {
	m, err := s.store.GetMapping(ctx, ghostPostID)
	if errors.Is(err, store.ErrNotFound) {
		// Unmapped post: persist the empty skeleton so repeated manual
		// syncs settle on a stable shape.
		rec := store.NewInteractionRecord(ghostPostID)
		if perr := s.store.PutInteractions(ctx, rec); perr != nil {
			return nil, perr
		}
		return rec, nil
	}
	if err != nil {
		return nil, fmt.Errorf("sync %s: %w", ghostPostID, err)
	}

	prev, err := s.store.GetInteractions(ctx, ghostPostID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		s.log.Warn("previous interactions unreadable", "ghost_post_id", ghostPostID, "error", err)
	}

	rec := store.NewInteractionRecord(ghostPostID)
	for platform, accounts := range m.Platforms {
		for account, entries := range accounts {
			if entries == nil || len(entries.Entries) == 0 {
				continue
			}
			rec.SetLink(platform, account, linkFor(entries))

			client := s.findClient(platform, account)
			if client == nil || !client.Enabled() {
				s.preserve(prev, rec, platform, account)
				continue
			}

			agg, err := s.fetchAccount(ctx, client, entries)
			if err != nil {
				s.log.Warn("interaction fetch failed, keeping previous data",
					"ghost_post_id", ghostPostID, "platform", platform, "account", account, "error", err)
				s.preserve(prev, rec, platform, account)
				continue
			}
			rec.SetInteractions(platform, account, agg)
		}
	}

	s.notifyNewReplies(ctx, prev, rec)

	if err := s.store.PutInteractions(ctx, rec); err != nil {
		return nil, fmt.Errorf("sync %s: %w", ghostPostID, err)
	}
	return rec, nil
}

// fetchAccount aggregates across split entries: counts sum, previews merge
// tagged with their split position, sorted oldest first and capped.
func (s *Syncer) fetchAccount(ctx context.Context, client social.Client, entries *store.AccountEntries) (*social.Interactions, error) {
	agg := &social.Interactions{}
	for _, entry := range entries.Entries {
		id := entry.Identifier()
		if id == "" {
			continue
		}
		in, err := client.FetchStatusInteractions(ctx, id)
		if err != nil {
			return nil, err
		}
		agg.Favorites += in.Favorites
		agg.Reblogs += in.Reblogs
		agg.Replies += in.Replies

		for _, p := range in.ReplyPreviews {
			if entries.List {
				idx := entry.SplitIndex
				p.SplitIndex = &idx
				p.SplitPostURL = entry.PostURL
			}
			agg.ReplyPreviews = append(agg.ReplyPreviews, p)
		}
	}

	sort.SliceStable(agg.ReplyPreviews, func(i, j int) bool {
		return agg.ReplyPreviews[i].CreatedAt.Before(agg.ReplyPreviews[j].CreatedAt)
	})
	if len(agg.ReplyPreviews) > maxReplyPreviews {
		agg.ReplyPreviews = agg.ReplyPreviews[:maxReplyPreviews]
	}
	return agg, nil
}

// preserve copies the previously stored aggregate for one account into
// the new record, if any exists.
func (s *Syncer) preserve(prev, rec *store.InteractionRecord, platform, account string) {
	if prev == nil {
		return
	}
	if old := prev.Platforms[platform][account]; old != nil {
		rec.SetInteractions(platform, account, old)
	}
}

func (s *Syncer) findClient(platform, account string) social.Client {
	for _, c := range s.clients {
		if string(c.Platform()) == platform && c.AccountName() == account {
			return c
		}
	}
	return nil
}

// notifyNewReplies pings the operator once per reply whose URL is absent
// from the previously stored aggregate.
func (s *Syncer) notifyNewReplies(ctx context.Context, prev, rec *store.InteractionRecord) {
	if s.notifier == nil {
		return
	}
	for platform, accounts := range rec.Platforms {
		for account, agg := range accounts {
			if agg == nil {
				continue
			}
			known := make(map[string]bool)
			if prev != nil {
				if old := prev.Platforms[platform][account]; old != nil {
					for _, r := range old.ReplyPreviews {
						known[r.URL] = true
					}
				}
			}
			for _, r := range agg.ReplyPreviews {
				if known[r.URL] {
					continue
				}
				s.notifier.Notify(ctx, "New reply",
					fmt.Sprintf("%s/%s: %s: %s", platform, account, r.AuthorHandle, r.Content))
			}
		}
	}
}

func linkFor(entries *store.AccountEntries) store.SyndicationLink {
	urls := make([]string, 0, len(entries.Entries))
	for _, e := range entries.Entries {
		urls = append(urls, e.PostURL)
	}
	return store.SyndicationLink{URLs: urls, List: entries.List}
}
