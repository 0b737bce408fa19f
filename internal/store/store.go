package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("store: not found")

// Store persists syndication mappings, interaction aggregates, webmentions
// and replies. It runs on SQLite by default and on Postgres when the
// database URL says so.
type Store struct {
	db         *sql.DB
	driver     string
	legacyRoot string
	log        *slog.Logger
}

// Open connects to databaseURL. A postgres:// or postgresql:// URL selects
// the Postgres driver; anything else is treated as a SQLite file path
// (with an optional sqlite:// prefix). legacyRoot points at the directory
// that held the pre-database JSON documents; reads fall back there and
// backfill on hit.
func Open(databaseURL, legacyRoot string, log *slog.Logger) (*Store, error) {
	driver := "sqlite"
	dsn := databaseURL
	switch {
	case strings.HasPrefix(databaseURL, "postgres://"), strings.HasPrefix(databaseURL, "postgresql://"):
		driver = "postgres"
	case strings.HasPrefix(databaseURL, "sqlite://"):
		dsn = strings.TrimPrefix(databaseURL, "sqlite://")
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", driver, err)
	}

	if driver == "sqlite" {
		// modernc.org/sqlite serializes writers; a single connection
		// avoids SQLITE_BUSY under concurrent read-modify-write.
		db.SetMaxOpenConns(1)
		if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
			db.Close()
			return nil, fmt.Errorf("enable WAL: %w", err)
		}
		if _, err := db.Exec(`PRAGMA busy_timeout=5000`); err != nil {
			db.Close()
			return nil, fmt.Errorf("set busy_timeout: %w", err)
		}
	}

	if log == nil {
		log = slog.Default()
	}
	return &Store{db: db, driver: driver, legacyRoot: legacyRoot, log: log}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error { return s.db.Close() }

// ph returns the driver-appropriate placeholder for position n (1-based).
func (s *Store) ph(n int) string {
	if s.driver == "postgres" {
		return fmt.Sprintf("$%d", n)
	}
	return "?"
}

// Migrate creates the schema if it does not exist yet.
func (s *Store) Migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS syndication_mappings (
			ghost_post_id TEXT PRIMARY KEY,
			payload       TEXT NOT NULL,
			syndicated_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS interaction_data (
			ghost_post_id TEXT PRIMARY KEY,
			payload       TEXT NOT NULL,
			updated_at    TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS webmentions (
			source       TEXT NOT NULL,
			target       TEXT NOT NULL,
			status       TEXT NOT NULL,
			mention_type TEXT NOT NULL DEFAULT '',
			author_name  TEXT NOT NULL DEFAULT '',
			author_url   TEXT NOT NULL DEFAULT '',
			author_photo TEXT NOT NULL DEFAULT '',
			content_html TEXT NOT NULL DEFAULT '',
			content_text TEXT NOT NULL DEFAULT '',
			received_at  TEXT NOT NULL,
			verified_at  TEXT,
			PRIMARY KEY (source, target)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_webmentions_target ON webmentions (target)`,
		`CREATE TABLE IF NOT EXISTS replies (
			id          TEXT PRIMARY KEY,
			author_name TEXT NOT NULL,
			author_url  TEXT NOT NULL DEFAULT '',
			content     TEXT NOT NULL,
			target      TEXT NOT NULL,
			ip_hash     TEXT NOT NULL,
			created_at  TEXT NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

// ─── Syndication mappings ───

// GetMapping returns the mapping for a Ghost post id, consulting the
// legacy JSON directory on a database miss.
func (s *Store) GetMapping(ctx context.Context, ghostPostID string) (*Mapping, error) {
	var payload string
	query := `SELECT payload FROM syndication_mappings WHERE ghost_post_id = ` + s.ph(1)
	err := s.db.QueryRowContext(ctx, query, ghostPostID).Scan(&payload)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return s.legacyMapping(ctx, ghostPostID)
	case err != nil:
		return nil, fmt.Errorf("get mapping %s: %w", ghostPostID, err)
	}

	var m Mapping
	if err := json.Unmarshal([]byte(payload), &m); err != nil {
		return nil, fmt.Errorf("decode mapping %s: %w", ghostPostID, err)
	}
	return &m, nil
}

// PutMapping stores a complete mapping document, replacing any existing
// row for the same post.
func (s *Store) PutMapping(ctx context.Context, m *Mapping) error {
	payload, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("encode mapping %s: %w", m.GhostPostID, err)
	}
	return s.upsert(ctx, "syndication_mappings", "syndicated_at",
		m.GhostPostID, string(payload), m.SyndicatedAt)
}

// PutMappingEntry merges one (platform, account) entry into the stored
// mapping inside a transaction, preserving sibling platforms and accounts.
// A split entry appended onto an existing single entry coerces the value
// into list form with the prior entry at index 0.
func (s *Store) PutMappingEntry(ctx context.Context, ghostPostID, ghostPostURL, platform, account string, entry MappingEntry) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	m := &Mapping{
		GhostPostID:  ghostPostID,
		GhostPostURL: ghostPostURL,
		SyndicatedAt: time.Now().UTC(),
	}
	var payload string
	query := `SELECT payload FROM syndication_mappings WHERE ghost_post_id = ` + s.ph(1)
	err = tx.QueryRowContext(ctx, query, ghostPostID).Scan(&payload)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		if legacy, lerr := s.readLegacyMapping(ghostPostID); lerr == nil {
			m = legacy
		}
	case err != nil:
		return fmt.Errorf("read mapping %s: %w", ghostPostID, err)
	default:
		if err := json.Unmarshal([]byte(payload), m); err != nil {
			return fmt.Errorf("decode mapping %s: %w", ghostPostID, err)
		}
	}

	if ghostPostURL != "" {
		m.GhostPostURL = ghostPostURL
	}
	if m.Platforms == nil {
		m.Platforms = make(map[string]map[string]*AccountEntries)
	}
	if m.Platforms[platform] == nil {
		m.Platforms[platform] = make(map[string]*AccountEntries)
	}
	existing := m.Platforms[platform][account]
	switch {
	case existing == nil:
		m.Platforms[platform][account] = &AccountEntries{
			Entries: []MappingEntry{entry},
			List:    entry.IsSplit,
		}
	case entry.IsSplit:
		// A re-dispatched split post records the same entry again;
		// replace in place instead of duplicating it.
		if i := indexOfEntry(existing.Entries, entry.Identifier()); i >= 0 {
			existing.Entries[i] = entry
		} else {
			existing.Entries = append(existing.Entries, entry)
		}
		existing.List = true
	default:
		existing.Entries = []MappingEntry{entry}
		existing.List = false
	}

	encoded, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("encode mapping %s: %w", ghostPostID, err)
	}
	if err := s.upsertTx(ctx, tx, "syndication_mappings", "syndicated_at",
		ghostPostID, string(encoded), m.SyndicatedAt); err != nil {
		return err
	}
	return tx.Commit()
}

func indexOfEntry(entries []MappingEntry, identifier string) int {
	for i, e := range entries {
		if e.Identifier() == identifier {
			return i
		}
	}
	return -1
}

// ListMappings returns every stored mapping, newest first.
func (s *Store) ListMappings(ctx context.Context) ([]*Mapping, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT payload FROM syndication_mappings ORDER BY syndicated_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list mappings: %w", err)
	}
	defer rows.Close()

	var out []*Mapping
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scan mapping: %w", err)
		}
		var m Mapping
		if err := json.Unmarshal([]byte(payload), &m); err != nil {
			s.log.Warn("skipping undecodable mapping row", "error", err)
			continue
		}
		out = append(out, &m)
	}
	return out, rows.Err()
}

// ─── Interaction data ───

// GetInteractions returns the stored aggregate for a Ghost post id,
// consulting the legacy JSON directory on a database miss.
func (s *Store) GetInteractions(ctx context.Context, ghostPostID string) (*InteractionRecord, error) {
	var payload string
	query := `SELECT payload FROM interaction_data WHERE ghost_post_id = ` + s.ph(1)
	err := s.db.QueryRowContext(ctx, query, ghostPostID).Scan(&payload)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return s.legacyInteractions(ctx, ghostPostID)
	case err != nil:
		return nil, fmt.Errorf("get interactions %s: %w", ghostPostID, err)
	}

	var r InteractionRecord
	if err := json.Unmarshal([]byte(payload), &r); err != nil {
		return nil, fmt.Errorf("decode interactions %s: %w", ghostPostID, err)
	}
	return &r, nil
}

// PutInteractions stores an aggregate, stamping UpdatedAt.
func (s *Store) PutInteractions(ctx context.Context, r *InteractionRecord) error {
	r.UpdatedAt = time.Now().UTC()
	payload, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("encode interactions %s: %w", r.GhostPostID, err)
	}
	return s.upsert(ctx, "interaction_data", "updated_at",
		r.GhostPostID, string(payload), r.UpdatedAt)
}

// ─── Shared upsert ───

func (s *Store) upsert(ctx context.Context, table, tsCol, id, payload string, ts time.Time) error {
	return s.upsertTx(ctx, nil, table, tsCol, id, payload, ts)
}

func (s *Store) upsertTx(ctx context.Context, tx *sql.Tx, table, tsCol, id, payload string, ts time.Time) error {
	query := fmt.Sprintf(`INSERT INTO %s (ghost_post_id, payload, %s) VALUES (%s, %s, %s)
		ON CONFLICT (ghost_post_id) DO UPDATE SET payload = excluded.payload, %s = excluded.%s`,
		table, tsCol, s.ph(1), s.ph(2), s.ph(3), tsCol, tsCol)
	args := []any{id, payload, ts.UTC().Format(time.RFC3339Nano)}

	var err error
	if tx != nil {
		_, err = tx.ExecContext(ctx, query, args...)
	} else {
		_, err = s.db.ExecContext(ctx, query, args...)
	}
	if err != nil {
		return fmt.Errorf("upsert %s %s: %w", table, id, err)
	}
	return nil
}
