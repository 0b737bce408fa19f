// posse-migrate imports the pre-database JSON state into the database in
// one pass. The server backfills lazily on read; this tool is for moving
// everything up front, after which the JSON files can be archived.
//
// Usage:
//
//	./posse-migrate -config config.yaml [-dry-run]
package main

import (
	"context"
	"encoding/json"
	"flag"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/perjens/posse/internal/config"
	"github.com/perjens/posse/internal/store"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the YAML config file")
	dryRun := flag.Bool("dry-run", false, "report what would be imported without writing")
	flag.Parse()

	log := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(log)

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Error("failed to load config", "path", *configPath, "error", err)
		os.Exit(1)
	}

	ctx := context.Background()

	st, err := store.Open(cfg.Storage.DatabaseURL, "", log)
	if err != nil {
		log.Error("failed to open database", "error", err, "url", cfg.Storage.DatabaseURL)
		os.Exit(1)
	}
	defer st.Close()

	if err := st.Migrate(ctx); err != nil {
		log.Error("database migration failed", "error", err)
		os.Exit(1)
	}

	root := cfg.Storage.Root
	mappings := importMappings(ctx, st, filepath.Join(root, "syndication_mappings"), *dryRun, log)
	records := importInteractions(ctx, st, root, *dryRun, log)

	log.Info("import complete", "mappings", mappings, "interaction_records", records, "dry_run", *dryRun)
}

func importMappings(ctx context.Context, st *store.Store, dir string, dryRun bool, log *slog.Logger) int {
	count := 0
	for _, path := range jsonFiles(dir, log) {
		var m store.Mapping
		if !decodeInto(path, &m, log) {
			continue
		}
		if m.GhostPostID == "" {
			m.GhostPostID = idFromPath(path)
		}
		if dryRun {
			log.Info("would import mapping", "ghost_post_id", m.GhostPostID, "path", path)
			count++
			continue
		}
		if err := st.PutMapping(ctx, &m); err != nil {
			log.Warn("mapping import failed", "ghost_post_id", m.GhostPostID, "error", err)
			continue
		}
		count++
	}
	return count
}

func importInteractions(ctx context.Context, st *store.Store, dir string, dryRun bool, log *slog.Logger) int {
	count := 0
	for _, path := range jsonFiles(dir, log) {
		var r store.InteractionRecord
		if !decodeInto(path, &r, log) {
			continue
		}
		if r.GhostPostID == "" {
			r.GhostPostID = idFromPath(path)
		}
		if dryRun {
			log.Info("would import interactions", "ghost_post_id", r.GhostPostID, "path", path)
			count++
			continue
		}
		if err := st.PutInteractions(ctx, &r); err != nil {
			log.Warn("interactions import failed", "ghost_post_id", r.GhostPostID, "error", err)
			continue
		}
		count++
	}
	return count
}

// jsonFiles lists *.json directly under dir; a missing directory is fine.
func jsonFiles(dir string, log *slog.Logger) []string {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Warn("cannot read directory", "dir", dir, "error", err)
		}
		return nil
	}
	var paths []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		paths = append(paths, filepath.Join(dir, e.Name()))
	}
	return paths
}

func decodeInto(path string, v any, log *slog.Logger) bool {
	raw, err := os.ReadFile(path)
	if err != nil {
		log.Warn("cannot read file", "path", path, "error", err)
		return false
	}
	if err := json.Unmarshal(raw, v); err != nil {
		log.Warn("undecodable JSON, skipping", "path", path, "error", err)
		return false
	}
	return true
}

func idFromPath(path string) string {
	return strings.TrimSuffix(filepath.Base(path), ".json")
}
