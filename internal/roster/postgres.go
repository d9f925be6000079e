package roster

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ashita-ai/hibiki/internal/model"
	"github.com/ashita-ai/hibiki/migrations"
)

// PostgresStore keeps the roster in Postgres.
type PostgresStore struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// OpenPostgres connects to dsn, verifies the connection and migrates.
func OpenPostgres(ctx context.Context, dsn string, logger *slog.Logger) (*PostgresStore, error) {
	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("roster: parse postgres DSN: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("roster: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("roster: ping pool: %w", err)
	}

	s := &PostgresStore{pool: pool, logger: logger}
	if err := runMigrations(ctx, s, migrations.Postgres(), logger); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func (s *PostgresStore) ensureTable(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version    TEXT PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`)
	return err
}

func (s *PostgresStore) applied(ctx context.Context) (map[string]bool, error) {
	rows, err := s.pool.Query(ctx, `SELECT version FROM schema_migrations`)
	if err != nil {
		return nil, err
	}
	versions, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, err
	}
	applied := make(map[string]bool, len(versions))
	for _, v := range versions {
		applied[v] = true
	}
	return applied, nil
}

func (s *PostgresStore) apply(ctx context.Context, name, stmt string) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, stmt); err != nil {
			return err
		}
		_, err := tx.Exec(ctx,
			`INSERT INTO schema_migrations (version) VALUES ($1) ON CONFLICT DO NOTHING`, name)
		return err
	})
}

// Add puts key on the roster.
func (s *PostgresStore) Add(ctx context.Context, key, label string) (model.Account, error) {
	a := model.Account{Key: key, Label: label}
	err := s.pool.QueryRow(ctx,
		`INSERT INTO accounts (key, label) VALUES ($1, $2)
		 ON CONFLICT (key) DO NOTHING
		 RETURNING created_at`,
		key, label,
	).Scan(&a.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Account{}, ErrExists
	}
	if err != nil {
		return model.Account{}, fmt.Errorf("roster: add %s: %w", key, err)
	}
	a.CreatedAt = a.CreatedAt.UTC()
	return a, nil
}

// Exists reports whether key is on the roster.
func (s *PostgresStore) Exists(ctx context.Context, key string) (bool, error) {
	var exists bool
	if err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM accounts WHERE key = $1)`, key,
	).Scan(&exists); err != nil {
		return false, fmt.Errorf("roster: check %s: %w", key, err)
	}
	return exists, nil
}

// List returns every account, oldest first.
func (s *PostgresStore) List(ctx context.Context) ([]model.Account, error) {
	rows, err := s.pool.Query(ctx, `SELECT key, label, created_at FROM accounts ORDER BY created_at, key`)
	if err != nil {
		return nil, fmt.Errorf("roster: list: %w", err)
	}
	accounts, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (model.Account, error) {
		var a model.Account
		err := row.Scan(&a.Key, &a.Label, &a.CreatedAt)
		a.CreatedAt = a.CreatedAt.UTC()
		return a, err
	})
	if err != nil {
		return nil, fmt.Errorf("roster: list: %w", err)
	}
	return accounts, nil
}

// Delete removes key from the roster.
func (s *PostgresStore) Delete(ctx context.Context, key string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM accounts WHERE key = $1`, key)
	if err != nil {
		return fmt.Errorf("roster: delete %s: %w", key, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// Ping checks the pool can reach Postgres.
func (s *PostgresStore) Ping(ctx context.Context) error { return s.pool.Ping(ctx) }

// Backend returns "postgres".
func (s *PostgresStore) Backend() string { return "postgres" }

// Close closes the pool.
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
