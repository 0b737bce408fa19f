package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// UpsertWebmention stores a webmention, replacing any prior record with
// the same (source, target) pair.
func (s *Store) UpsertWebmention(ctx context.Context, w *Webmention) error {
	query := fmt.Sprintf(`INSERT INTO webmentions
		(source, target, status, mention_type, author_name, author_url, author_photo,
		 content_html, content_text, received_at, verified_at)
		VALUES (%s, %s, %s, %s, %s, %s, %s, %s, %s, %s, %s)
		ON CONFLICT (source, target) DO UPDATE SET
			status = excluded.status,
			mention_type = excluded.mention_type,
			author_name = excluded.author_name,
			author_url = excluded.author_url,
			author_photo = excluded.author_photo,
			content_html = excluded.content_html,
			content_text = excluded.content_text,
			received_at = excluded.received_at,
			verified_at = excluded.verified_at`,
		s.ph(1), s.ph(2), s.ph(3), s.ph(4), s.ph(5), s.ph(6),
		s.ph(7), s.ph(8), s.ph(9), s.ph(10), s.ph(11))

	var verified any
	if w.VerifiedAt != nil {
		verified = w.VerifiedAt.UTC().Format(time.RFC3339Nano)
	}
	_, err := s.db.ExecContext(ctx, query,
		w.Source, w.Target, w.Status, w.MentionType,
		w.AuthorName, w.AuthorURL, w.AuthorPhoto,
		w.ContentHTML, w.ContentText,
		w.ReceivedAt.UTC().Format(time.RFC3339Nano), verified)
	if err != nil {
		return fmt.Errorf("upsert webmention %s -> %s: %w", w.Source, w.Target, err)
	}
	return nil
}

// GetWebmention returns the record for (source, target), or ErrNotFound.
func (s *Store) GetWebmention(ctx context.Context, source, target string) (*Webmention, error) {
	query := fmt.Sprintf(`SELECT source, target, status, mention_type, author_name,
		author_url, author_photo, content_html, content_text, received_at, verified_at
		FROM webmentions WHERE source = %s AND target = %s`, s.ph(1), s.ph(2))
	w, err := scanWebmention(s.db.QueryRowContext(ctx, query, source, target))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get webmention %s -> %s: %w", source, target, err)
	}
	return w, nil
}

// DeleteWebmention removes a record; deleting a missing record is not an
// error.
func (s *Store) DeleteWebmention(ctx context.Context, source, target string) error {
	query := fmt.Sprintf(`DELETE FROM webmentions WHERE source = %s AND target = %s`,
		s.ph(1), s.ph(2))
	if _, err := s.db.ExecContext(ctx, query, source, target); err != nil {
		return fmt.Errorf("delete webmention %s -> %s: %w", source, target, err)
	}
	return nil
}

// ListWebmentionsForTarget returns verified webmentions for a target URL,
// newest first.
func (s *Store) ListWebmentionsForTarget(ctx context.Context, target string) ([]*Webmention, error) {
	query := fmt.Sprintf(`SELECT source, target, status, mention_type, author_name,
		author_url, author_photo, content_html, content_text, received_at, verified_at
		FROM webmentions WHERE target = %s AND status = %s
		ORDER BY received_at DESC`, s.ph(1), s.ph(2))
	rows, err := s.db.QueryContext(ctx, query, target, WebmentionVerified)
	if err != nil {
		return nil, fmt.Errorf("list webmentions for %s: %w", target, err)
	}
	defer rows.Close()

	var out []*Webmention
	for rows.Next() {
		w, err := scanWebmention(rows)
		if err != nil {
			return nil, fmt.Errorf("scan webmention: %w", err)
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanWebmention(row rowScanner) (*Webmention, error) {
	var w Webmention
	var receivedAt string
	var verifiedAt sql.NullString
	if err := row.Scan(&w.Source, &w.Target, &w.Status, &w.MentionType,
		&w.AuthorName, &w.AuthorURL, &w.AuthorPhoto,
		&w.ContentHTML, &w.ContentText, &receivedAt, &verifiedAt); err != nil {
		return nil, err
	}
	if t, err := time.Parse(time.RFC3339Nano, receivedAt); err == nil {
		w.ReceivedAt = t
	}
	if verifiedAt.Valid {
		if t, err := time.Parse(time.RFC3339Nano, verifiedAt.String); err == nil {
			w.VerifiedAt = &t
		}
	}
	return &w, nil
}

// ─── Replies ───

// PutReply stores a submitted reply.
func (s *Store) PutReply(ctx context.Context, r *Reply) error {
	query := fmt.Sprintf(`INSERT INTO replies
		(id, author_name, author_url, content, target, ip_hash, created_at)
		VALUES (%s, %s, %s, %s, %s, %s, %s)`,
		s.ph(1), s.ph(2), s.ph(3), s.ph(4), s.ph(5), s.ph(6), s.ph(7))
	_, err := s.db.ExecContext(ctx, query,
		r.ID, r.AuthorName, r.AuthorURL, r.Content, r.Target, r.IPHash,
		r.CreatedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("put reply %s: %w", r.ID, err)
	}
	return nil
}

// GetReply returns a reply by id, or ErrNotFound.
func (s *Store) GetReply(ctx context.Context, id string) (*Reply, error) {
	query := fmt.Sprintf(`SELECT id, author_name, author_url, content, target, ip_hash, created_at
		FROM replies WHERE id = %s`, s.ph(1))
	var r Reply
	var createdAt string
	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&r.ID, &r.AuthorName, &r.AuthorURL, &r.Content, &r.Target, &r.IPHash, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get reply %s: %w", id, err)
	}
	if t, perr := time.Parse(time.RFC3339Nano, createdAt); perr == nil {
		r.CreatedAt = t
	}
	return &r, nil
}
