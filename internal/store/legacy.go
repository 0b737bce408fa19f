package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// The pre-database layout kept one JSON document per post:
// {root}/syndication_mappings/{id}.json for mappings and {root}/{id}.json
// for interaction aggregates. Reads fall back to those files and backfill
// the database so the fallback is one-shot per record.

func (s *Store) legacyMapping(ctx context.Context, ghostPostID string) (*Mapping, error) {
	m, err := s.readLegacyMapping(ghostPostID)
	if err != nil {
		return nil, ErrNotFound
	}
	if err := s.PutMapping(ctx, m); err != nil {
		s.log.Warn("legacy mapping backfill failed", "ghost_post_id", ghostPostID, "error", err)
	} else {
		s.log.Info("backfilled legacy mapping", "ghost_post_id", ghostPostID)
	}
	return m, nil
}

func (s *Store) readLegacyMapping(ghostPostID string) (*Mapping, error) {
	if s.legacyRoot == "" {
		return nil, ErrNotFound
	}
	path := filepath.Join(s.legacyRoot, "syndication_mappings", ghostPostID+".json")
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, ErrNotFound
	}
	var m Mapping
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("decode legacy mapping %s: %w", path, err)
	}
	if m.GhostPostID == "" {
		m.GhostPostID = ghostPostID
	}
	return &m, nil
}

func (s *Store) legacyInteractions(ctx context.Context, ghostPostID string) (*InteractionRecord, error) {
	if s.legacyRoot == "" {
		return nil, ErrNotFound
	}
	path := filepath.Join(s.legacyRoot, ghostPostID+".json")
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, ErrNotFound
	}
	var r InteractionRecord
	if err := json.Unmarshal(raw, &r); err != nil {
		return nil, fmt.Errorf("decode legacy interactions %s: %w", path, err)
	}
	if r.GhostPostID == "" {
		r.GhostPostID = ghostPostID
	}
	if err := s.PutInteractions(ctx, &r); err != nil {
		s.log.Warn("legacy interactions backfill failed", "ghost_post_id", ghostPostID, "error", err)
	} else {
		s.log.Info("backfilled legacy interactions", "ghost_post_id", ghostPostID)
	}
	return &r, nil
}
