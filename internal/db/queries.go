package db

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/j-veylop/repcache/internal/logger"
	"github.com/j-veylop/repcache/internal/models"
)

// InsertAPICall appends an upstream call attempt to the audit log.
func (db *DB) InsertAPICall(ctx context.Context, call *models.APICall) error {
	query := `
		INSERT INTO api_calls (
			timestamp, request_id, endpoint, query_type, subject, request_params,
			response_status, rate_limit_remaining, rate_limit_limit, response_time_ms,
			error_kind, error_message
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	timestamp := call.Timestamp
	if timestamp.IsZero() {
		timestamp = time.Now()
	}

	result, err := db.ExecContext(ctx, query,
		toMillis(timestamp),
		nullString(call.RequestID),
		call.Endpoint,
		nullString(string(call.QueryType)),
		nullString(call.Subject),
		nullString(call.RequestParams),
		call.ResponseStatus,
		nullInt(call.RateLimitRemaining),
		nullInt(call.RateLimitLimit),
		call.ResponseTimeMs,
		nullString(call.ErrorKind),
		nullString(call.ErrorMessage),
	)
	if err != nil {
		return fmt.Errorf("failed to insert API call: %w", err)
	}

	id, err := result.LastInsertId()
	if err == nil {
		call.ID = id
	}

	return nil
}

// GetRecentAPICalls returns the most recent call attempts, newest first.
func (db *DB) GetRecentAPICalls(ctx context.Context, limit int) ([]models.APICall, error) {
	query := `SELECT ` + apiCallColumns + `
		FROM api_calls
		ORDER BY timestamp DESC, id DESC
		LIMIT ?
	`

	rows, err := db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query recent API calls: %w", err)
	}
	defer func() {
		if err := rows.Close(); err != nil {
			logger.Error("failed to close rows", "error", err)
		}
	}()

	var calls []models.APICall
	for rows.Next() {
		call, err := scanAPICall(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan API call: %w", err)
		}
		calls = append(calls, *call)
	}

	return calls, rows.Err()
}

// CountAPICalls counts call attempts made at or after since. When endpoints
// are given only those endpoints are counted.
func (db *DB) CountAPICalls(ctx context.Context, since time.Time, endpoints ...string) (int, error) {
	query := `SELECT COUNT(*) FROM api_calls WHERE timestamp >= ?`
	args := []any{toMillis(since)}
	if len(endpoints) > 0 {
		query += ` AND endpoint IN (?` + strings.Repeat(`, ?`, len(endpoints)-1) + `)`
		for _, ep := range endpoints {
			args = append(args, ep)
		}
	}

	var n int
	if err := db.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count API calls: %w", err)
	}
	return n, nil
}

// GetUsageStats aggregates call attempts made at or after since.
func (db *DB) GetUsageStats(ctx context.Context, since time.Time) (*models.UsageStats, error) {
	stats := &models.UsageStats{
		Since:      since,
		ByEndpoint: make(map[string]int),
	}
	sinceMs := toMillis(since)

	err := db.QueryRowContext(ctx, `
		SELECT
			COUNT(*),
			COALESCE(SUM(CASE WHEN error_kind IS NOT NULL OR response_status < 200 OR response_status >= 300
				THEN 1 ELSE 0 END), 0),
			COALESCE(AVG(response_time_ms), 0)
		FROM api_calls
		WHERE timestamp >= ?
	`, sinceMs).Scan(&stats.TotalCalls, &stats.FailedCalls, &stats.AvgDurationMs)
	if err != nil {
		return nil, fmt.Errorf("failed to query usage totals: %w", err)
	}

	if err := db.groupCounts(ctx, `
		SELECT endpoint, COUNT(*) FROM api_calls
		WHERE timestamp >= ?
		GROUP BY endpoint
	`, func(endpoint string, n int) { stats.ByEndpoint[endpoint] = n }, sinceMs); err != nil {
		return nil, err
	}

	stats.Hourly, err = db.GetHourlyStats(ctx, since)
	if err != nil {
		return nil, err
	}
	return stats, nil
}

// GetHourlyStats returns call volume grouped into UTC hour buckets.
func (db *DB) GetHourlyStats(ctx context.Context, since time.Time) ([]models.HourlyStats, error) {
	query := `
		SELECT
			(timestamp / 3600000) * 3600000 AS hour,
			COUNT(*) AS total_calls,
			SUM(CASE WHEN error_kind IS NOT NULL OR response_status < 200 OR response_status >= 300
				THEN 1 ELSE 0 END) AS error_count,
			COALESCE(AVG(response_time_ms), 0) AS avg_duration
		FROM api_calls
		WHERE timestamp >= ?
		GROUP BY hour
		ORDER BY hour ASC
	`

	rows, err := db.QueryContext(ctx, query, toMillis(since))
	if err != nil {
		return nil, fmt.Errorf("failed to query hourly stats: %w", err)
	}
	defer func() {
		if err := rows.Close(); err != nil {
			logger.Error("failed to close rows", "error", err)
		}
	}()

	var stats []models.HourlyStats
	for rows.Next() {
		var (
			s    models.HourlyStats
			hour int64
		)
		if err := rows.Scan(&hour, &s.TotalCalls, &s.ErrorCount, &s.AvgDurationMs); err != nil {
			return nil, fmt.Errorf("failed to scan hourly stats: %w", err)
		}
		s.Hour = fromMillis(hour)
		stats = append(stats, s)
	}

	return stats, rows.Err()
}

func scanAPICall(row rowScanner) (*models.APICall, error) {
	var (
		call                                        models.APICall
		timestamp                                   int64
		reqID, qt, subject, params, errKind, errMsg sql.NullString
		remaining, limit                            sql.NullInt64
	)
	err := row.Scan(
		&call.ID,
		&timestamp,
		&reqID,
		&call.Endpoint,
		&qt,
		&subject,
		&params,
		&call.ResponseStatus,
		&remaining,
		&limit,
		&call.ResponseTimeMs,
		&errKind,
		&errMsg,
	)
	if err != nil {
		return nil, err
	}

	call.Timestamp = fromMillis(timestamp)
	call.RequestID = reqID.String
	call.QueryType = models.QueryType(qt.String)
	call.Subject = subject.String
	call.RequestParams = params.String
	call.RateLimitRemaining = intPtr(remaining)
	call.RateLimitLimit = intPtr(limit)
	call.ErrorKind = errKind.String
	call.ErrorMessage = errMsg.String
	return &call, nil
}
