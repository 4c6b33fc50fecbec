package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/j-veylop/repcache/internal/models"
)

// ErrQuotaWindowMissing is returned when a quota window was never initialized.
var ErrQuotaWindowMissing = errors.New("quota window not initialized")

// rollQuotaWindow advances an expired window by as many whole periods as
// have elapsed. SET expressions read pre-update values, so window_end is
// derived from the old window_start.
const rollQuotaWindow = `
	UPDATE quota_windows SET
		window_start = window_start + ((?1 - window_start) / period_ms) * period_ms,
		window_end = window_start + ((?1 - window_start) / period_ms) * period_ms + period_ms,
		calls_made = 0,
		upstream_remaining = NULL,
		upstream_limit = NULL,
		upstream_checked_at = NULL,
		updated_at = ?1
	WHERE name = ?2 AND window_end <= ?1
`

// EnsureQuotaWindow creates the named window if missing, aligned to a whole
// multiple of the period since the unix epoch. An existing window keeps its
// counters; its limit and period are updated and calls_made is clamped to
// the new limit.
func (db *DB) EnsureQuotaWindow(ctx context.Context, spec models.QuotaSpec, now time.Time) error {
	start := now.Truncate(spec.Period)
	query := `
		INSERT INTO quota_windows (
			name, window_start, window_end, period_ms, calls_made, calls_allowed, updated_at
		) VALUES (?, ?, ?, ?, 0, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			period_ms = excluded.period_ms,
			calls_allowed = excluded.calls_allowed,
			calls_made = MIN(quota_windows.calls_made, excluded.calls_allowed),
			updated_at = excluded.updated_at
	`
	_, err := db.ExecContext(ctx, query,
		spec.Name,
		toMillis(start),
		toMillis(start.Add(spec.Period)),
		spec.Period.Milliseconds(),
		spec.Allowed,
		toMillis(now),
	)
	if err != nil {
		return fmt.Errorf("failed to ensure quota window %s: %w", spec.Name, err)
	}
	return nil
}

// quotaTx runs fn inside one transaction so a roll and the statements that
// follow it see the same window.
func (db *DB) quotaTx(ctx context.Context, name string, fn func(tx *sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin quota transaction %s: %w", name, err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit quota transaction %s: %w", name, err)
	}
	return nil
}

// AcquireQuota rolls the window if needed and consumes one call if any
// remain. The roll, the conditional increment and the read share one
// transaction, so concurrent callers can never spend the same last slot.
func (db *DB) AcquireQuota(ctx context.Context, name string, now time.Time) (models.QuotaWindow, bool, error) {
	nowMs := toMillis(now)
	var (
		w       models.QuotaWindow
		granted bool
	)
	err := db.quotaTx(ctx, name, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, rollQuotaWindow, nowMs, name); err != nil {
			return fmt.Errorf("failed to roll quota window %s: %w", name, err)
		}

		result, err := tx.ExecContext(ctx, `
			UPDATE quota_windows SET calls_made = calls_made + 1, updated_at = ?1
			WHERE name = ?2 AND calls_made < calls_allowed AND window_end > ?1
		`, nowMs, name)
		if err != nil {
			return fmt.Errorf("failed to acquire quota %s: %w", name, err)
		}
		n, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to acquire quota %s: %w", name, err)
		}
		granted = n == 1

		w, err = getQuotaWindow(ctx, tx, name)
		return err
	})
	if err != nil {
		return models.QuotaWindow{}, false, err
	}
	return w, granted, nil
}

// LoadQuota rolls the window if needed and returns its current state.
func (db *DB) LoadQuota(ctx context.Context, name string, now time.Time) (models.QuotaWindow, error) {
	var w models.QuotaWindow
	err := db.quotaTx(ctx, name, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, rollQuotaWindow, toMillis(now), name); err != nil {
			return fmt.Errorf("failed to roll quota window %s: %w", name, err)
		}
		var err error
		w, err = getQuotaWindow(ctx, tx, name)
		return err
	})
	return w, err
}

// ReconcileQuota applies an upstream-reported remaining count. Local usage
// is raised to the upstream's implied usage but never lowered, so the
// upstream can only take calls away. It also returns the local remaining
// count as it stood just before the update.
func (db *DB) ReconcileQuota(ctx context.Context, name string, upstream models.UpstreamQuota, now time.Time) (models.QuotaWindow, int, error) {
	nowMs := toMillis(now)
	remaining := max(upstream.Remaining, 0)
	if upstream.Exhausted {
		remaining = 0
	}

	var limit sql.NullInt64
	if upstream.Limit > 0 {
		limit = sql.NullInt64{Int64: int64(upstream.Limit), Valid: true}
	}

	var (
		w              models.QuotaWindow
		localRemaining int
	)
	err := db.quotaTx(ctx, name, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, rollQuotaWindow, nowMs, name); err != nil {
			return fmt.Errorf("failed to roll quota window %s: %w", name, err)
		}
		before, err := getQuotaWindow(ctx, tx, name)
		if err != nil {
			return err
		}
		localRemaining = before.Remaining()

		_, err = tx.ExecContext(ctx, `
			UPDATE quota_windows SET
				calls_made = MAX(calls_made, MAX(0, calls_allowed - ?1)),
				upstream_remaining = ?1,
				upstream_limit = ?2,
				upstream_checked_at = ?3,
				updated_at = ?3
			WHERE name = ?4
		`, remaining, limit, nowMs, name)
		if err != nil {
			return fmt.Errorf("failed to reconcile quota %s: %w", name, err)
		}
		w, err = getQuotaWindow(ctx, tx, name)
		return err
	})
	if err != nil {
		return models.QuotaWindow{}, 0, err
	}
	return w, localRemaining, nil
}

func getQuotaWindow(ctx context.Context, tx *sql.Tx, name string) (models.QuotaWindow, error) {
	query := `SELECT ` + quotaWindowColumns + ` FROM quota_windows WHERE name = ?`

	var (
		w                               models.QuotaWindow
		start, end, periodMs            int64
		upRemaining, upLimit, upChecked sql.NullInt64
	)
	err := tx.QueryRowContext(ctx, query, name).Scan(
		&w.Name,
		&start,
		&end,
		&periodMs,
		&w.CallsMade,
		&w.CallsAllowed,
		&upRemaining,
		&upLimit,
		&upChecked,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return models.QuotaWindow{}, fmt.Errorf("%w: %s", ErrQuotaWindowMissing, name)
	}
	if err != nil {
		return models.QuotaWindow{}, fmt.Errorf("failed to load quota window %s: %w", name, err)
	}

	w.WindowStart = fromMillis(start)
	w.WindowEnd = fromMillis(end)
	w.Period = time.Duration(periodMs) * time.Millisecond
	w.UpstreamRemaining = intPtr(upRemaining)
	w.UpstreamLimit = intPtr(upLimit)
	if upChecked.Valid {
		t := fromMillis(upChecked.Int64)
		w.UpstreamCheckedAt = &t
	}
	return w, nil
}
