package kv

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"sort"
	"strings"
)

// migrator is the dialect-specific half of the migration runner.
type migrator interface {
	ensureMigrationTable(ctx context.Context) error
	appliedMigrations(ctx context.Context) (map[string]bool, error)
	// applyMigration runs the file and records it in one transaction.
	applyMigration(ctx context.Context, name, body string) error
}

// runMigrations executes unapplied .sql files from fsys in lexical order.
// Applied files are tracked in schema_migrations so each runs at most once.
func runMigrations(ctx context.Context, m migrator, fsys fs.FS, logger *slog.Logger) error {
	if err := m.ensureMigrationTable(ctx); err != nil {
		return fmt.Errorf("kv: create schema_migrations: %w", err)
	}
	applied, err := m.appliedMigrations(ctx)
	if err != nil {
		return fmt.Errorf("kv: load applied migrations: %w", err)
	}

	entries, err := fs.ReadDir(fsys, ".")
	if err != nil {
		return fmt.Errorf("kv: read migrations dir: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".sql") {
			continue
		}
		if applied[name] {
			logger.Debug("migration already applied, skipping", "file", name)
			continue
		}
		body, err := fs.ReadFile(fsys, name)
		if err != nil {
			return fmt.Errorf("kv: read migration %s: %w", name, err)
		}
		logger.Info("running migration", "file", name)
		if err := m.applyMigration(ctx, name, string(body)); err != nil {
			return fmt.Errorf("kv: execute migration %s: %w", name, err)
		}
	}
	return nil
}
