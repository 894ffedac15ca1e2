package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/rs/zerolog"
)

const migrationLedgerSQL = `CREATE TABLE IF NOT EXISTS schema_migrations (
    filename   TEXT PRIMARY KEY,
    applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
);`

// Migrate applies every pending .sql file from dir in lexical order. Each
// file runs in its own transaction together with its ledger insert.
func (s *Store) Migrate(ctx context.Context, dir string, logger zerolog.Logger) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	if _, execErr := pool.Exec(ctx, migrationLedgerSQL); execErr != nil {
		return fmt.Errorf("create migration ledger: %w", execErr)
	}

	entries, readErr := os.ReadDir(dir)
	if readErr != nil {
		return fmt.Errorf("read migrations dir: %w", readErr)
	}

	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}
		names = append(names, entry.Name())
	}
	sort.Strings(names)

	for _, name := range names {
		applied, checkErr := s.migrationApplied(ctx, name)
		if checkErr != nil {
			return checkErr
		}
		if applied {
			continue
		}

		body, fileErr := os.ReadFile(filepath.Join(dir, name))
		if fileErr != nil {
			return fmt.Errorf("read migration %s: %w", name, fileErr)
		}

		tx, txErr := pool.Begin(ctx)
		if txErr != nil {
			return fmt.Errorf("begin migration tx: %w", txErr)
		}
		if _, execErr := tx.Exec(ctx, string(body)); execErr != nil {
			_ = tx.Rollback(ctx)
			return fmt.Errorf("apply migration %s: %w", name, execErr)
		}
		if _, execErr := tx.Exec(ctx,
			`INSERT INTO schema_migrations (filename) VALUES ($1);`, name,
		); execErr != nil {
			_ = tx.Rollback(ctx)
			return fmt.Errorf("record migration %s: %w", name, execErr)
		}
		if commitErr := tx.Commit(ctx); commitErr != nil {
			return fmt.Errorf("commit migration %s: %w", name, commitErr)
		}

		logger.Info().Str("migration", name).Msg("applied schema migration")
	}

	return nil
}

func (s *Store) migrationApplied(ctx context.Context, name string) (bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return false, err
	}
	var exists bool
	if scanErr := pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM schema_migrations WHERE filename = $1);`, name,
	).Scan(&exists); scanErr != nil {
		return false, fmt.Errorf("check migration %s: %w", name, scanErr)
	}
	return exists, nil
}
