// Package roster stores the keys the scheduler runs periodically.
//
// Two backends are provided: SQLite (the default, a single file next to the
// binary) and Postgres, selected when the DSN is a postgres:// URL.
package roster

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"sort"
	"strings"

	"github.com/ashita-ai/hibiki/internal/model"
)

var (
	// ErrNotFound is returned when a key is not on the roster.
	ErrNotFound = errors.New("roster: account not found")

	// ErrExists is returned by Add for a key already on the roster.
	ErrExists = errors.New("roster: account already exists")
)

// Store is the roster persistence contract.
type Store interface {
	Add(ctx context.Context, key, label string) (model.Account, error)
	Exists(ctx context.Context, key string) (bool, error)
	List(ctx context.Context) ([]model.Account, error)
	Delete(ctx context.Context, key string) error
	Ping(ctx context.Context) error
	Backend() string
	Close() error
}

// Open connects to the roster named by dsn and applies pending migrations.
// DSNs starting with postgres:// or postgresql:// select Postgres; anything
// else is treated as a SQLite path or file: URI.
func Open(ctx context.Context, dsn string, logger *slog.Logger) (Store, error) {
	if isPostgres(dsn) {
		return OpenPostgres(ctx, dsn, logger)
	}
	return OpenSQLite(ctx, dsn, logger)
}

func isPostgres(dsn string) bool {
	return strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://")
}

// migrator is the backend-specific half of the migration runner.
type migrator interface {
	ensureTable(ctx context.Context) error
	applied(ctx context.Context) (map[string]bool, error)
	apply(ctx context.Context, name, stmt string) error
}

// runMigrations executes unapplied .sql files from migrationsFS in name
// order, recording each one so it runs at most once.
func runMigrations(ctx context.Context, m migrator, migrationsFS fs.FS, logger *slog.Logger) error {
	if err := m.ensureTable(ctx); err != nil {
		return fmt.Errorf("roster: create schema_migrations: %w", err)
	}
	applied, err := m.applied(ctx)
	if err != nil {
		return fmt.Errorf("roster: load applied migrations: %w", err)
	}

	entries, err := fs.ReadDir(migrationsFS, ".")
	if err != nil {
		return fmt.Errorf("roster: read migrations dir: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".sql") || applied[name] {
			continue
		}
		content, err := fs.ReadFile(migrationsFS, name)
		if err != nil {
			return fmt.Errorf("roster: read migration %s: %w", name, err)
		}
		logger.Info("roster: running migration", "file", name)
		if err := m.apply(ctx, name, string(content)); err != nil {
			return fmt.Errorf("roster: execute migration %s: %w", name, err)
		}
	}
	return nil
}
