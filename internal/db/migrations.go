package db

import (
	"context"
	"fmt"

	"github.com/j-veylop/repcache/internal/logger"
)

// migration upgrades the schema by one version.
type migration struct {
	name       string
	statements []string
}

// migrations are applied in order; the index plus one is the schema version
// recorded in PRAGMA user_version. Append only.
var migrations = []migration{
	{
		name: "create cache_entries",
		statements: []string{`
		CREATE TABLE IF NOT EXISTS cache_entries (
			query_type TEXT NOT NULL,
			subject TEXT NOT NULL,
			payload TEXT NOT NULL,
			source TEXT NOT NULL,
			score INTEGER NOT NULL DEFAULT 0,
			country_code TEXT,
			cached_at INTEGER NOT NULL,
			expires_at INTEGER NOT NULL,
			PRIMARY KEY (query_type, subject)
		)`,
			`CREATE INDEX IF NOT EXISTS idx_cache_entries_expires ON cache_entries(expires_at)`,
		},
	},
	{
		name: "create api_calls",
		statements: []string{`
		CREATE TABLE IF NOT EXISTS api_calls (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			timestamp INTEGER NOT NULL,
			request_id TEXT,
			endpoint TEXT NOT NULL,
			query_type TEXT,
			subject TEXT,
			request_params TEXT,
			response_status INTEGER NOT NULL DEFAULT 0,
			rate_limit_remaining INTEGER,
			rate_limit_limit INTEGER,
			response_time_ms INTEGER NOT NULL DEFAULT 0,
			error_kind TEXT,
			error_message TEXT
		)`,
			`CREATE INDEX IF NOT EXISTS idx_api_calls_timestamp ON api_calls(timestamp)`,
			`CREATE INDEX IF NOT EXISTS idx_api_calls_endpoint ON api_calls(endpoint)`,
		},
	},
	{
		name: "create quota_windows",
		statements: []string{`
		CREATE TABLE IF NOT EXISTS quota_windows (
			name TEXT PRIMARY KEY,
			window_start INTEGER NOT NULL,
			window_end INTEGER NOT NULL,
			period_ms INTEGER NOT NULL CHECK (period_ms > 0),
			calls_made INTEGER NOT NULL DEFAULT 0,
			calls_allowed INTEGER NOT NULL,
			upstream_remaining INTEGER,
			upstream_limit INTEGER,
			upstream_checked_at INTEGER,
			updated_at INTEGER NOT NULL,
			CHECK (calls_allowed >= 0),
			CHECK (calls_made >= 0 AND calls_made <= calls_allowed),
			CHECK (window_end > window_start)
		)`,
		},
	},
	{
		name: "index cache_entries by score",
		statements: []string{
			`CREATE INDEX IF NOT EXISTS idx_cache_entries_score ON cache_entries(score DESC)`,
		},
	},
}

// SchemaVersion returns the schema version recorded in the database.
func (db *DB) SchemaVersion(ctx context.Context) (int, error) {
	var version int
	if err := db.QueryRowContext(ctx, "PRAGMA user_version").Scan(&version); err != nil {
		return 0, fmt.Errorf("failed to read schema version: %w", err)
	}
	return version, nil
}

// migrate applies every migration newer than the recorded schema version.
func (db *DB) migrate(ctx context.Context) error {
	current, err := db.SchemaVersion(ctx)
	if err != nil {
		return err
	}

	for i := current; i < len(migrations); i++ {
		m := migrations[i]
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to begin migration %d: %w", i+1, err)
		}
		for _, stmt := range m.statements {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				_ = tx.Rollback()
				return fmt.Errorf("migration %d (%s) failed: %w", i+1, m.name, err)
			}
		}
		// PRAGMA does not accept bound parameters.
		if _, err := tx.ExecContext(ctx, fmt.Sprintf("PRAGMA user_version = %d", i+1)); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("failed to record schema version %d: %w", i+1, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit migration %d: %w", i+1, err)
		}
		logger.Debug("applied migration", "version", i+1, "name", m.name)
	}

	return nil
}
