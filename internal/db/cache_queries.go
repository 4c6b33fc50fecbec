package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/bytedance/sonic"

	"github.com/j-veylop/repcache/internal/logger"
	"github.com/j-veylop/repcache/internal/models"
)

// GetEntry returns the cache entry for (queryType, key), or nil if absent.
func (db *DB) GetEntry(ctx context.Context, qt models.QueryType, key string) (*models.CacheEntry, error) {
	query := `SELECT ` + cacheEntryColumns + ` FROM cache_entries WHERE query_type = ? AND subject = ?`

	entry, err := scanCacheEntry(db.QueryRowContext(ctx, query, string(qt), key))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get cache entry %s:%s: %w", qt, key, err)
	}
	return entry, nil
}

// PutEntry inserts or fully replaces the entry for (entry.QueryType, entry.Key).
func (db *DB) PutEntry(ctx context.Context, entry *models.CacheEntry) error {
	payload, err := sonic.Marshal(&entry.Payload)
	if err != nil {
		return fmt.Errorf("failed to encode payload: %w", err)
	}

	query := `
		INSERT INTO cache_entries (
			query_type, subject, payload, source, score, country_code, cached_at, expires_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(query_type, subject) DO UPDATE SET
			payload = excluded.payload,
			source = excluded.source,
			score = excluded.score,
			country_code = excluded.country_code,
			cached_at = excluded.cached_at,
			expires_at = excluded.expires_at
	`

	_, err = db.ExecContext(ctx, query,
		string(entry.QueryType),
		entry.Key,
		string(payload),
		entry.Source,
		entry.Payload.AbuseScore,
		nullString(entry.Payload.CountryCode),
		toMillis(entry.CachedAt),
		toMillis(entry.ExpiresAt),
	)
	if err != nil {
		return fmt.Errorf("failed to put cache entry %s:%s: %w", entry.QueryType, entry.Key, err)
	}
	return nil
}

// DeleteEntry removes one entry. It reports whether an entry existed.
func (db *DB) DeleteEntry(ctx context.Context, qt models.QueryType, key string) (bool, error) {
	result, err := db.ExecContext(ctx,
		`DELETE FROM cache_entries WHERE query_type = ? AND subject = ?`, string(qt), key)
	if err != nil {
		return false, fmt.Errorf("failed to delete cache entry %s:%s: %w", qt, key, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to delete cache entry %s:%s: %w", qt, key, err)
	}
	return n > 0, nil
}

// ClearEntries removes every entry of the given query type, or all entries
// when qt is empty. It returns the number removed.
func (db *DB) ClearEntries(ctx context.Context, qt models.QueryType) (int64, error) {
	var (
		result sql.Result
		err    error
	)
	if qt == "" {
		result, err = db.ExecContext(ctx, `DELETE FROM cache_entries`)
	} else {
		result, err = db.ExecContext(ctx, `DELETE FROM cache_entries WHERE query_type = ?`, string(qt))
	}
	if err != nil {
		return 0, fmt.Errorf("failed to clear cache entries: %w", err)
	}
	return result.RowsAffected()
}

// SweepExpired deletes every entry with expires_at before now and returns
// the number removed.
func (db *DB) SweepExpired(ctx context.Context, now time.Time) (int64, error) {
	result, err := db.ExecContext(ctx, `DELETE FROM cache_entries WHERE expires_at < ?`, toMillis(now))
	if err != nil {
		return 0, fmt.Errorf("failed to sweep expired entries: %w", err)
	}
	return result.RowsAffected()
}

// ExpireEntry marks an entry stale as of now without discarding its payload.
// An entry that already expired keeps its earlier expiry. It reports whether
// the entry exists.
func (db *DB) ExpireEntry(ctx context.Context, qt models.QueryType, key string, now time.Time) (bool, error) {
	result, err := db.ExecContext(ctx,
		`UPDATE cache_entries SET expires_at = MIN(expires_at, ?) WHERE query_type = ? AND subject = ?`,
		toMillis(now), string(qt), key)
	if err != nil {
		return false, fmt.Errorf("failed to expire cache entry %s:%s: %w", qt, key, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to expire cache entry %s:%s: %w", qt, key, err)
	}
	return n > 0, nil
}

// GetTopEntries returns entries ordered by abuse score, highest first.
func (db *DB) GetTopEntries(ctx context.Context, limit int) ([]models.CacheEntry, error) {
	query := `SELECT ` + cacheEntryColumns + ` FROM cache_entries
		ORDER BY score DESC, cached_at DESC
		LIMIT ?`

	rows, err := db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query top entries: %w", err)
	}
	defer func() {
		if err := rows.Close(); err != nil {
			logger.Error("failed to close rows", "error", err)
		}
	}()

	var entries []models.CacheEntry
	for rows.Next() {
		entry, err := scanCacheEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan cache entry: %w", err)
		}
		entries = append(entries, *entry)
	}
	return entries, rows.Err()
}

// GetCacheStats summarizes the cache as seen at now.
func (db *DB) GetCacheStats(ctx context.Context, now time.Time) (*models.CacheStats, error) {
	stats := &models.CacheStats{
		ByType:    make(map[models.QueryType]int),
		ByCountry: make(map[string]int),
	}
	nowMs := toMillis(now)

	err := db.QueryRowContext(ctx, `
		SELECT
			COUNT(*),
			COALESCE(SUM(CASE WHEN expires_at > ? THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN score >= ? THEN 1 ELSE 0 END), 0)
		FROM cache_entries
	`, nowMs, highRiskScore).Scan(&stats.Total, &stats.Valid, &stats.HighRisk)
	if err != nil {
		return nil, fmt.Errorf("failed to query cache totals: %w", err)
	}
	stats.Expired = stats.Total - stats.Valid

	if err := db.groupCounts(ctx,
		`SELECT query_type, COUNT(*) FROM cache_entries GROUP BY query_type`,
		func(k string, n int) { stats.ByType[models.QueryType(k)] = n },
	); err != nil {
		return nil, err
	}

	if err := db.groupCounts(ctx,
		`SELECT country_code, COUNT(*) FROM cache_entries
		 WHERE country_code IS NOT NULL
		 GROUP BY country_code`,
		func(k string, n int) { stats.ByCountry[k] = n },
	); err != nil {
		return nil, err
	}

	return stats, nil
}

// groupCounts runs a two-column (label, count) query and feeds each row to fn.
func (db *DB) groupCounts(ctx context.Context, query string, fn func(string, int), args ...any) error {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to query grouped counts: %w", err)
	}
	defer func() {
		if err := rows.Close(); err != nil {
			logger.Error("failed to close rows", "error", err)
		}
	}()

	for rows.Next() {
		var (
			label string
			count int
		)
		if err := rows.Scan(&label, &count); err != nil {
			return fmt.Errorf("failed to scan grouped count: %w", err)
		}
		fn(label, count)
	}
	return rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCacheEntry(row rowScanner) (*models.CacheEntry, error) {
	var (
		entry               models.CacheEntry
		qt, payload         string
		cachedAt, expiresAt int64
	)
	if err := row.Scan(&qt, &entry.Key, &payload, &entry.Source, &cachedAt, &expiresAt); err != nil {
		return nil, err
	}
	if err := sonic.UnmarshalString(payload, &entry.Payload); err != nil {
		return nil, fmt.Errorf("corrupt payload for %s:%s: %w", qt, entry.Key, err)
	}
	entry.QueryType = models.QueryType(qt)
	entry.CachedAt = fromMillis(cachedAt)
	entry.ExpiresAt = fromMillis(expiresAt)
	return &entry, nil
}
