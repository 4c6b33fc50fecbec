// Package cache implements the read-through reputation cache: a store of
// enrichment results fronted by a quota gate and per-key request coalescing.
package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/j-veylop/repcache/internal/logger"
	"github.com/j-veylop/repcache/internal/metrics"
	"github.com/j-veylop/repcache/internal/models"
)

// Store persists cache entries.
type Store interface {
	GetEntry(ctx context.Context, qt models.QueryType, key string) (*models.CacheEntry, error)
	PutEntry(ctx context.Context, entry *models.CacheEntry) error
	DeleteEntry(ctx context.Context, qt models.QueryType, key string) (bool, error)
	ClearEntries(ctx context.Context, qt models.QueryType) (int64, error)
	SweepExpired(ctx context.Context, now time.Time) (int64, error)
	ExpireEntry(ctx context.Context, qt models.QueryType, key string, now time.Time) (bool, error)
}

// Limiter gates upstream calls. One granted decision allows exactly one call.
type Limiter interface {
	TryAcquire(ctx context.Context) (models.QuotaDecision, error)
}

// Enricher performs a single upstream lookup in two steps. Prepare does any
// local work the lookup needs, such as resolving a domain, and returns the
// target to check; it never reaches the rate-limited upstream. Fetch then
// makes exactly one upstream request for that target.
type Enricher interface {
	Prepare(ctx context.Context, qt models.QueryType, key string) (string, error)
	Fetch(ctx context.Context, qt models.QueryType, key, target string) (*models.Enrichment, error)
}

// Origin tells where a result's payload came from.
type Origin string

const (
	OriginCache    Origin = "cache"
	OriginUpstream Origin = "upstream"
	OriginStale    Origin = "stale"
)

// Result is the outcome of a resolve.
type Result struct {
	CachedAt  time.Time `json:"cachedAt"`
	ExpiresAt time.Time `json:"expiresAt"`
	// RetryAfter is set on degraded results served because quota ran out.
	RetryAfter *time.Time       `json:"retryAfter,omitempty"`
	QueryType  models.QueryType `json:"queryType"`
	Key        string           `json:"key"`
	Source     string           `json:"source"`
	Origin     Origin           `json:"origin"`
	Warning    string           `json:"warning,omitempty"`
	Payload    models.Payload   `json:"payload"`
	Fresh      bool             `json:"fresh"`
	Degraded   bool             `json:"degraded"`
	// Shared is true when the result came from an upstream call shared with
	// other concurrent callers.
	Shared bool `json:"shared"`
}

// Config holds configuration for the coordinator.
type Config struct {
	TTLs       map[models.QueryType]time.Duration
	DefaultTTL time.Duration
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{DefaultTTL: 24 * time.Hour}
}

// TTL returns the cache lifetime for a query type.
func (c Config) TTL(qt models.QueryType) time.Duration {
	if ttl, ok := c.TTLs[qt]; ok && ttl > 0 {
		return ttl
	}
	return c.DefaultTTL
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

// WithMetrics records lookup outcomes.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Coordinator) { c.metrics = m }
}

// Coordinator resolves subjects through the cache, refreshing stale or
// missing entries from upstream at most once per key at a time.
type Coordinator struct {
	store    Store
	limiter  Limiter
	enricher Enricher
	metrics  *metrics.Metrics
	now      func() time.Time
	log      *slog.Logger
	flights  singleflight.Group
	config   Config
}

// New creates a coordinator.
func New(store Store, limiter Limiter, enricher Enricher, config Config, opts ...Option) *Coordinator {
	if config.DefaultTTL <= 0 {
		config.DefaultTTL = DefaultConfig().DefaultTTL
	}
	c := &Coordinator{
		store:    store,
		limiter:  limiter,
		enricher: enricher,
		now:      time.Now,
		log:      logger.Component("cache"),
		config:   config,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Resolve returns the enrichment for a subject. Fresh entries are served
// without touching quota unless force is set. Otherwise one upstream call is
// made on behalf of every concurrent caller for the same subject, falling
// back to a stale entry when quota or the upstream is unavailable. Forced
// callers only share a call with other forced callers.
//
// A caller whose ctx ends stops waiting, but the shared refresh runs to
// completion and still populates the cache.
func (c *Coordinator) Resolve(ctx context.Context, qt models.QueryType, rawKey string, force bool) (*Result, error) {
	key, err := NormalizeKey(qt, rawKey)
	if err != nil {
		c.metrics.RecordLookup(string(qt), metrics.OutcomeInvalid)
		return nil, err
	}

	if !force {
		entry, err := c.store.GetEntry(ctx, qt, key)
		if err != nil {
			c.metrics.RecordLookup(string(qt), metrics.OutcomeFailed)
			return nil, &StorageError{Op: "get", Err: err}
		}
		if entry != nil && entry.IsFresh(c.now()) {
			c.metrics.RecordLookup(string(qt), metrics.OutcomeHit)
			return cachedResult(entry), nil
		}
	}

	ch := c.flights.DoChan(flightKey(qt, key, force), func() (any, error) {
		return c.refresh(context.WithoutCancel(ctx), qt, key, force)
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-ch:
		if r.Shared {
			c.metrics.RecordCoalesced(string(qt))
		}
		if r.Err != nil {
			c.metrics.RecordLookup(string(qt), metrics.OutcomeFailed)
			return nil, r.Err
		}
		res := *r.Val.(*Result)
		res.Shared = r.Shared && res.Origin != OriginCache
		c.metrics.RecordLookup(string(qt), outcome(&res))
		return &res, nil
	}
}

// refresh runs once per flight. It re-reads the store so a caller that
// missed just before another flight finished is served from cache. Quota is
// acquired only after Prepare succeeds, so one granted slot always pays for
// one upstream request.
func (c *Coordinator) refresh(ctx context.Context, qt models.QueryType, key string, force bool) (*Result, error) {
	c.metrics.TrackInFlight(1)
	defer c.metrics.TrackInFlight(-1)

	stale, err := c.store.GetEntry(ctx, qt, key)
	if err != nil {
		return nil, &StorageError{Op: "get", Err: err}
	}
	if !force && stale != nil && stale.IsFresh(c.now()) {
		return cachedResult(stale), nil
	}

	target, err := c.enricher.Prepare(ctx, qt, key)
	if err != nil {
		return c.fallback(qt, key, stale, err)
	}

	decision, err := c.limiter.TryAcquire(ctx)
	if err != nil {
		return nil, &StorageError{Op: "acquire quota", Err: err}
	}
	if !decision.Granted {
		if stale == nil {
			return nil, &QuotaExhaustedError{RetryAfter: decision.RetryAfter}
		}
		c.log.Info("serving stale entry, quota exhausted", "query_type", qt, "key", key, "retry_after", decision.RetryAfter)
		res := staleResult(stale, "quota exhausted")
		retryAfter := decision.RetryAfter
		res.RetryAfter = &retryAfter
		return res, nil
	}

	enrichment, err := c.enricher.Fetch(ctx, qt, key, target)
	if err != nil {
		return c.fallback(qt, key, stale, err)
	}

	now := c.now().UTC()
	entry := &models.CacheEntry{
		QueryType: qt,
		Key:       key,
		Source:    enrichment.Source,
		Payload:   enrichment.Payload,
		CachedAt:  now,
		ExpiresAt: now.Add(c.config.TTL(qt)),
	}
	if err := c.store.PutEntry(ctx, entry); err != nil {
		return nil, &StorageError{Op: "put", Err: err}
	}

	return &Result{
		QueryType: qt,
		Key:       key,
		Source:    entry.Source,
		Payload:   entry.Payload,
		CachedAt:  entry.CachedAt,
		ExpiresAt: entry.ExpiresAt,
		Origin:    OriginUpstream,
		Fresh:     true,
	}, nil
}

// fallback serves the stale entry, if any, after a failed lookup.
func (c *Coordinator) fallback(qt models.QueryType, key string, stale *models.CacheEntry, err error) (*Result, error) {
	if stale == nil {
		return nil, err
	}
	c.log.Warn("serving stale entry, upstream failed", "query_type", qt, "key", key, "error", err)
	return staleResult(stale, "upstream failed: "+err.Error()), nil
}

// Invalidate deletes one entry. It reports whether an entry existed.
func (c *Coordinator) Invalidate(ctx context.Context, qt models.QueryType, rawKey string) (bool, error) {
	key, err := NormalizeKey(qt, rawKey)
	if err != nil {
		return false, err
	}
	deleted, err := c.store.DeleteEntry(ctx, qt, key)
	if err != nil {
		return false, &StorageError{Op: "delete", Err: err}
	}
	return deleted, nil
}

// Expire marks one entry stale so the next resolve refreshes it while the
// old payload stays available as a fallback.
func (c *Coordinator) Expire(ctx context.Context, qt models.QueryType, rawKey string) (bool, error) {
	key, err := NormalizeKey(qt, rawKey)
	if err != nil {
		return false, err
	}
	expired, err := c.store.ExpireEntry(ctx, qt, key, c.now())
	if err != nil {
		return false, &StorageError{Op: "expire", Err: err}
	}
	return expired, nil
}

// Clear deletes every entry of a query type, or all entries when qt is empty.
func (c *Coordinator) Clear(ctx context.Context, qt models.QueryType) (int64, error) {
	if qt != "" && !qt.Valid() {
		return 0, fmt.Errorf("unknown query type %q", qt)
	}
	n, err := c.store.ClearEntries(ctx, qt)
	if err != nil {
		return 0, &StorageError{Op: "clear", Err: err}
	}
	c.log.Info("cache cleared", "query_type", qt, "deleted", n)
	return n, nil
}

// Sweep deletes entries that expired before now.
func (c *Coordinator) Sweep(ctx context.Context) (int64, error) {
	n, err := c.store.SweepExpired(ctx, c.now())
	if err != nil {
		return 0, &StorageError{Op: "sweep", Err: err}
	}
	c.metrics.RecordSwept(n)
	if n > 0 {
		c.log.Info("swept expired entries", "deleted", n)
	}
	return n, nil
}

// BatchReport summarizes a RefreshBatch run.
type BatchReport struct {
	Fresh     int `json:"fresh"`
	Refreshed int `json:"refreshed"`
	Degraded  int `json:"degraded"`
	Failed    int `json:"failed"`
	// Stopped counts subjects skipped after quota ran out.
	Stopped int `json:"stopped"`
}

// RefreshBatch resolves subjects one at a time, skipping fresh entries. It
// stops at the first quota denial since every later subject would be denied
// too.
func (c *Coordinator) RefreshBatch(ctx context.Context, subjects []models.Subject) (BatchReport, error) {
	var report BatchReport
	for i, s := range subjects {
		if err := ctx.Err(); err != nil {
			report.Stopped += len(subjects) - i
			return report, err
		}

		res, err := c.Resolve(ctx, s.QueryType, s.Key, false)
		var quotaErr *QuotaExhaustedError
		switch {
		case errors.As(err, &quotaErr):
			report.Stopped += len(subjects) - i
			return report, nil
		case err != nil:
			report.Failed++
			c.log.Warn("batch refresh failed", "subject", s.String(), "error", err)
			var storageErr *StorageError
			if errors.As(err, &storageErr) {
				report.Stopped += len(subjects) - i - 1
				return report, err
			}
		case res.Degraded && res.RetryAfter != nil:
			report.Degraded++
			report.Stopped += len(subjects) - i - 1
			return report, nil
		case res.Degraded:
			report.Degraded++
		case res.Origin == OriginUpstream:
			report.Refreshed++
		default:
			report.Fresh++
		}
	}
	return report, nil
}

func flightKey(qt models.QueryType, key string, force bool) string {
	k := string(qt) + "|" + key
	if force {
		k += "|force"
	}
	return k
}

func cachedResult(e *models.CacheEntry) *Result {
	return &Result{
		QueryType: e.QueryType,
		Key:       e.Key,
		Source:    e.Source,
		Payload:   e.Payload,
		CachedAt:  e.CachedAt,
		ExpiresAt: e.ExpiresAt,
		Origin:    OriginCache,
		Fresh:     true,
	}
}

func staleResult(e *models.CacheEntry, warning string) *Result {
	return &Result{
		QueryType: e.QueryType,
		Key:       e.Key,
		Source:    e.Source,
		Payload:   e.Payload,
		CachedAt:  e.CachedAt,
		ExpiresAt: e.ExpiresAt,
		Origin:    OriginStale,
		Degraded:  true,
		Warning:   warning,
	}
}

func outcome(r *Result) string {
	switch {
	case r.Degraded:
		return metrics.OutcomeDegraded
	case r.Origin == OriginUpstream:
		return metrics.OutcomeRefresh
	default:
		return metrics.OutcomeHit
	}
}
