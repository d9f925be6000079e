package roster

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "modernc.org/sqlite"

	"github.com/ashita-ai/hibiki/internal/model"
	"github.com/ashita-ai/hibiki/migrations"
)

// SQLiteStore keeps the roster in a SQLite database.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// OpenSQLite opens (creating if needed) the SQLite database at path and
// migrates it.
func OpenSQLite(ctx context.Context, path string, logger *slog.Logger) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("roster: open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("roster: %s: %w", pragma, err)
		}
	}

	s := &SQLiteStore{db: db, logger: logger}
	if err := runMigrations(ctx, s, migrations.SQLite(), logger); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) ensureTable(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version    TEXT PRIMARY KEY,
			applied_at INTEGER NOT NULL
		)`)
	return err
}

func (s *SQLiteStore) applied(ctx context.Context) (map[string]bool, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT version FROM schema_migrations`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	applied := make(map[string]bool)
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		applied[v] = true
	}
	return applied, rows.Err()
}

func (s *SQLiteStore) apply(ctx context.Context, name, stmt string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, stmt); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO schema_migrations (version, applied_at) VALUES (?, ?) ON CONFLICT DO NOTHING`,
		name, time.Now().UnixMilli(),
	); err != nil {
		return err
	}
	return tx.Commit()
}

// Add puts key on the roster.
func (s *SQLiteStore) Add(ctx context.Context, key, label string) (model.Account, error) {
	now := time.Now().UTC().Truncate(time.Millisecond)
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO accounts (key, label, created_at) VALUES (?, ?, ?) ON CONFLICT (key) DO NOTHING`,
		key, label, now.UnixMilli(),
	)
	if err != nil {
		return model.Account{}, fmt.Errorf("roster: add %s: %w", key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return model.Account{}, fmt.Errorf("roster: add %s: %w", key, err)
	}
	if n == 0 {
		return model.Account{}, ErrExists
	}
	return model.Account{Key: key, Label: label, CreatedAt: now}, nil
}

// Exists reports whether key is on the roster.
func (s *SQLiteStore) Exists(ctx context.Context, key string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM accounts WHERE key = ?`, key).Scan(&one)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return false, nil
	case err != nil:
		return false, fmt.Errorf("roster: check %s: %w", key, err)
	}
	return true, nil
}

// List returns every account, oldest first.
func (s *SQLiteStore) List(ctx context.Context) ([]model.Account, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key, label, created_at FROM accounts ORDER BY created_at, key`)
	if err != nil {
		return nil, fmt.Errorf("roster: list: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []model.Account
	for rows.Next() {
		var (
			a  model.Account
			ms int64
		)
		if err := rows.Scan(&a.Key, &a.Label, &ms); err != nil {
			return nil, fmt.Errorf("roster: scan account: %w", err)
		}
		a.CreatedAt = time.UnixMilli(ms).UTC()
		out = append(out, a)
	}
	return out, rows.Err()
}

// Delete removes key from the roster.
func (s *SQLiteStore) Delete(ctx context.Context, key string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM accounts WHERE key = ?`, key)
	if err != nil {
		return fmt.Errorf("roster: delete %s: %w", key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("roster: delete %s: %w", key, err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// Ping checks the database is reachable.
func (s *SQLiteStore) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

// Backend returns "sqlite".
func (s *SQLiteStore) Backend() string { return "sqlite" }

// Close closes the database.
func (s *SQLiteStore) Close() error { return s.db.Close() }
