// Package services wires the cache, quota, upstream client and background
// jobs into one process-wide manager.
package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gen2brain/beeep"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/j-veylop/repcache/internal/cache"
	"github.com/j-veylop/repcache/internal/config"
	"github.com/j-veylop/repcache/internal/db"
	"github.com/j-veylop/repcache/internal/logger"
	"github.com/j-veylop/repcache/internal/metrics"
	"github.com/j-veylop/repcache/internal/models"
	"github.com/j-veylop/repcache/internal/services/enrich"
	"github.com/j-veylop/repcache/internal/services/projection"
	"github.com/j-veylop/repcache/internal/services/quota"
	"github.com/j-veylop/repcache/internal/services/scheduler"
	"github.com/j-veylop/repcache/internal/services/watchlist"
	"github.com/j-veylop/repcache/internal/version"
)

var errNoWatchlist = errors.New("watchlist is not configured")

// Scheduled job names.
const (
	JobSweep   = "sweep"
	JobRefresh = "refresh"
)

type (
	// QuotaEvent is emitted for quota threshold crossings, drift and resets.
	QuotaEvent struct {
		Type   quota.EventType
		Window models.QuotaWindow
		Drift  int
	}

	// WatchlistChangedEvent is emitted when the watchlist file is reloaded.
	WatchlistChangedEvent struct {
		Subjects int
	}

	// RefreshCompletedEvent is emitted after a watchlist refresh run.
	RefreshCompletedEvent struct {
		Report cache.BatchReport
	}

	// ErrorEvent is emitted when an error occurs in any service.
	ErrorEvent struct {
		Service string
		Error   error
	}
)

// ServiceEvent is the interface implemented by all service events.
type ServiceEvent interface {
	isServiceEvent()
}

func (QuotaEvent) isServiceEvent()            {}
func (WatchlistChangedEvent) isServiceEvent() {}
func (RefreshCompletedEvent) isServiceEvent() {}
func (ErrorEvent) isServiceEvent()            {}

// Notifier shows a desktop notification.
type Notifier func(title, body string) error

// Option configures a Manager.
type Option func(*Manager)

// WithHTTPClient overrides the HTTP client used for upstream calls.
func WithHTTPClient(hc *http.Client) Option {
	return func(m *Manager) { m.httpClient = hc }
}

// WithResolver overrides the DNS resolver used for domain lookups.
func WithResolver(r enrich.Resolver) Option {
	return func(m *Manager) { m.resolver = r }
}

// WithNotifier overrides the desktop notifier.
func WithNotifier(n Notifier) Option {
	return func(m *Manager) { m.notify = n }
}

// WithClock overrides the time source of every component.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// Manager orchestrates services and event routing.
type Manager struct {
	mu          sync.RWMutex
	config      *config.Config
	database    *db.DB
	redis       *redis.Client
	tracker     *quota.Tracker
	client      *enrich.Client
	coordinator *cache.Coordinator
	projection  *projection.Service
	watchlist   *watchlist.Service
	scheduler   *scheduler.Scheduler
	metrics     *metrics.Metrics
	httpClient  *http.Client
	resolver    enrich.Resolver
	notify      Notifier
	now         func() time.Time
	log         *slog.Logger
	stopChan    chan struct{}
	subscribers []chan ServiceEvent
	closeOnce   sync.Once
}

// NewManager creates every service from cfg. Background jobs do not run
// until Start is called.
func NewManager(cfg *config.Config, opts ...Option) (*Manager, error) {
	m := &Manager{
		config:   cfg,
		metrics:  metrics.New(),
		notify:   func(title, body string) error { return beeep.Notify(title, body, "") },
		now:      time.Now,
		log:      logger.Component("manager"),
		stopChan: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}

	if err := m.init(); err != nil {
		m.closeServices()
		return nil, err
	}

	go m.routeEvents()
	return m, nil
}

func (m *Manager) init() error {
	ctx := context.Background()
	cfg := m.config

	var err error
	m.database, err = db.New(cfg.DatabasePath)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}

	store, err := m.quotaStore(ctx)
	if err != nil {
		return err
	}

	quotaConfig := quota.DefaultConfig()
	quotaConfig.Period = cfg.QuotaWindow
	quotaConfig.Allowed = cfg.DailyLimit
	quotaConfig.WarningThreshold = cfg.QuotaWarningThreshold
	quotaConfig.DriftThreshold = cfg.QuotaDriftThreshold
	quotaConfig.MaxRPS = cfg.UpstreamMaxRPS
	quotaConfig.Burst = cfg.UpstreamBurst

	m.tracker, err = quota.New(ctx, store, quotaConfig, quota.WithClock(m.now), quota.WithMetrics(m.metrics))
	if err != nil {
		return fmt.Errorf("failed to initialize quota tracker: %w", err)
	}

	clientOpts := []enrich.Option{
		enrich.WithRecorder(m.database),
		enrich.WithObserver(m.tracker),
		enrich.WithMetrics(m.metrics),
		enrich.WithClock(m.now),
	}
	if m.httpClient != nil {
		clientOpts = append(clientOpts, enrich.WithHTTPClient(m.httpClient))
	}
	if m.resolver != nil {
		clientOpts = append(clientOpts, enrich.WithResolver(m.resolver))
	}
	m.client = enrich.New(enrich.Config{
		APIKey:     cfg.APIKey,
		BaseURL:    cfg.BaseURL,
		UserAgent:  version.UserAgent(),
		Timeout:    cfg.UpstreamTimeout,
		MaxAgeDays: cfg.MaxAgeDays,
	}, clientOpts...)

	m.coordinator = cache.New(m.database, m.tracker, m.client, cache.Config{
		TTLs:       cfg.CacheTTLs,
		DefaultTTL: cfg.CacheTTL,
	}, cache.WithClock(m.now), cache.WithMetrics(m.metrics))

	m.projection = projection.New(m.database, enrich.EndpointCheck, enrich.EndpointCheckBlock, enrich.EndpointReports)

	if cfg.WatchlistPath != "" {
		m.watchlist, err = watchlist.New(cfg.WatchlistPath)
		if err != nil {
			return fmt.Errorf("failed to initialize watchlist: %w", err)
		}
	}

	m.scheduler = scheduler.New()
	if err := m.scheduler.Add(JobSweep, cfg.SweepSchedule, m.sweepJob); err != nil {
		return err
	}
	if err := m.scheduler.Add(JobRefresh, cfg.RefreshSchedule, m.refreshJob); err != nil {
		return err
	}
	return nil
}

// quotaStore returns the configured quota backend.
func (m *Manager) quotaStore(ctx context.Context) (quota.Store, error) {
	switch m.config.QuotaBackend {
	case config.BackendRedis:
		m.redis = redis.NewClient(&redis.Options{
			Addr:     m.config.RedisAddr,
			Password: m.config.RedisPassword,
			DB:       m.config.RedisDB,
		})
		if err := m.redis.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("failed to connect to redis at %s: %w", m.config.RedisAddr, err)
		}
		return quota.NewRedisStore(m.redis), nil
	case config.BackendMemory:
		return quota.NewMemoryStore(), nil
	case config.BackendSQLite, "":
		return m.database, nil
	default:
		return nil, fmt.Errorf("unknown quota backend %q", m.config.QuotaBackend)
	}
}

// Start runs scheduled jobs until ctx is done.
func (m *Manager) Start(ctx context.Context) {
	m.scheduler.Start(ctx)
}

func (m *Manager) sweepJob(ctx context.Context) error {
	_, err := m.coordinator.Sweep(ctx)
	if err != nil {
		m.broadcast(ErrorEvent{Service: "cache", Error: err})
	}
	return err
}

func (m *Manager) refreshJob(ctx context.Context) error {
	_, err := m.RefreshWatchlist(ctx)
	return err
}

// routeEvents routes events from individual services to subscribers.
func (m *Manager) routeEvents() {
	var watchEvents <-chan watchlist.Event
	if m.watchlist != nil {
		watchEvents = m.watchlist.Events()
	}

	for {
		select {
		case event := <-m.tracker.Events():
			m.handleQuotaEvent(event)

		case event := <-watchEvents:
			m.handleWatchlistEvent(event)

		case <-m.stopChan:
			return
		}
	}
}

func (m *Manager) handleQuotaEvent(event quota.Event) {
	m.broadcast(QuotaEvent{Type: event.Type, Window: event.Window, Drift: event.Drift})

	switch event.Type {
	case quota.EventQuotaLow:
		m.notifyDesktop("AbuseIPDB quota low",
			fmt.Sprintf("%d of %d calls left until %s", event.Window.Remaining(), event.Window.CallsAllowed, event.Window.WindowEnd.Local().Format(time.Kitchen)))
	case quota.EventQuotaExhausted:
		m.notifyDesktop("AbuseIPDB quota exhausted",
			"Serving cached data only until "+event.Window.WindowEnd.Local().Format(time.Kitchen))
	case quota.EventUpstreamRateLimited:
		m.notifyDesktop("AbuseIPDB rate limited", "The upstream rejected a call with 429")
	case quota.EventQuotaDrift:
		m.notifyDesktop("AbuseIPDB quota drift",
			fmt.Sprintf("Local and upstream remaining differ by %d calls", event.Drift))
	case quota.EventWindowRolled:
		m.notifyDesktop("AbuseIPDB quota reset", "Your quota has been refreshed.")
	}
}

func (m *Manager) handleWatchlistEvent(event watchlist.Event) {
	switch event.Type {
	case watchlist.EventLoaded, watchlist.EventChanged:
		m.broadcast(WatchlistChangedEvent{Subjects: event.Subjects})
	case watchlist.EventError:
		m.broadcast(ErrorEvent{Service: "watchlist", Error: event.Error})
	}
}

func (m *Manager) notifyDesktop(title, body string) {
	if !m.config.DesktopNotify || m.notify == nil {
		return
	}
	if err := m.notify(title, body); err != nil {
		m.log.Debug("desktop notification failed", "error", err)
	}
}

// broadcast sends an event to all subscribers.
func (m *Manager) broadcast(event ServiceEvent) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, sub := range m.subscribers {
		select {
		case sub <- event:
		default:
			// Subscriber channel full, skip
		}
	}
}

// Subscribe creates a channel for receiving service events.
func (m *Manager) Subscribe() chan ServiceEvent {
	ch := make(chan ServiceEvent, 50)

	m.mu.Lock()
	m.subscribers = append(m.subscribers, ch)
	m.mu.Unlock()

	return ch
}

// Unsubscribe removes a subscriber channel.
func (m *Manager) Unsubscribe(ch chan ServiceEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i, sub := range m.subscribers {
		if sub == ch {
			m.subscribers = append(m.subscribers[:i], m.subscribers[i+1:]...)
			close(ch)
			break
		}
	}
}

// Resolve returns the enrichment for a subject through the cache.
func (m *Manager) Resolve(ctx context.Context, qt models.QueryType, key string, force bool) (*cache.Result, error) {
	return m.coordinator.Resolve(ctx, qt, key, force)
}

// Expire marks one entry stale without deleting it.
func (m *Manager) Expire(ctx context.Context, qt models.QueryType, key string) (bool, error) {
	return m.coordinator.Expire(ctx, qt, key)
}

// Invalidate deletes one entry.
func (m *Manager) Invalidate(ctx context.Context, qt models.QueryType, key string) (bool, error) {
	return m.coordinator.Invalidate(ctx, qt, key)
}

// Clear deletes all entries, or only those of qt when it is set.
func (m *Manager) Clear(ctx context.Context, qt models.QueryType) (int64, error) {
	return m.coordinator.Clear(ctx, qt)
}

// Sweep deletes expired entries.
func (m *Manager) Sweep(ctx context.Context) (int64, error) {
	return m.coordinator.Sweep(ctx)
}

// CacheStats summarizes the cache contents.
func (m *Manager) CacheStats(ctx context.Context) (*models.CacheStats, error) {
	return m.database.GetCacheStats(ctx, m.now())
}

// TopEntries returns the highest-scoring cached subjects.
func (m *Manager) TopEntries(ctx context.Context, limit int) ([]models.CacheEntry, error) {
	return m.database.GetTopEntries(ctx, limit)
}

// QuotaStatus returns the current quota window with a depletion projection.
func (m *Manager) QuotaStatus(ctx context.Context) (models.QuotaStatus, error) {
	w, err := m.tracker.Status(ctx)
	if err != nil {
		return models.QuotaStatus{}, err
	}
	status := models.NewQuotaStatus(w, m.config.QuotaWarningThreshold)

	status.Projection, err = m.projection.Project(ctx, w, m.now())
	if err != nil {
		m.log.Warn("quota projection failed", "error", err)
	}
	return status, nil
}

// RecentCalls returns the most recent upstream call log entries.
func (m *Manager) RecentCalls(ctx context.Context, limit int) ([]models.APICall, error) {
	return m.database.GetRecentAPICalls(ctx, limit)
}

// Usage summarizes upstream calls over the last hours.
func (m *Manager) Usage(ctx context.Context, hours int) (*models.UsageStats, error) {
	if hours <= 0 {
		return nil, fmt.Errorf("hours must be positive")
	}
	return m.database.GetUsageStats(ctx, m.now().Add(-time.Duration(hours)*time.Hour))
}

// Watchlist returns the watched subjects.
func (m *Manager) Watchlist() []models.Subject {
	if m.watchlist == nil {
		return nil
	}
	return m.watchlist.Subjects()
}

// AddWatch adds a subject to the watchlist.
func (m *Manager) AddWatch(qt models.QueryType, key string) (models.Subject, error) {
	if m.watchlist == nil {
		return models.Subject{}, errNoWatchlist
	}
	return m.watchlist.Add(qt, key)
}

// RemoveWatch removes a subject from the watchlist.
func (m *Manager) RemoveWatch(qt models.QueryType, key string) error {
	if m.watchlist == nil {
		return errNoWatchlist
	}
	return m.watchlist.Remove(qt, key)
}

// RefreshWatchlist refreshes every stale watched subject.
func (m *Manager) RefreshWatchlist(ctx context.Context) (cache.BatchReport, error) {
	subjects := m.Watchlist()
	if len(subjects) == 0 {
		return cache.BatchReport{}, nil
	}

	report, err := m.coordinator.RefreshBatch(ctx, subjects)
	m.log.Info("watchlist refreshed",
		"fresh", report.Fresh,
		"refreshed", report.Refreshed,
		"degraded", report.Degraded,
		"failed", report.Failed,
		"stopped", report.Stopped,
	)
	if err != nil {
		m.broadcast(ErrorEvent{Service: "refresh", Error: err})
		return report, err
	}
	m.broadcast(RefreshCompletedEvent{Report: report})
	return report, nil
}

// NextRun returns the next scheduled run of a job.
func (m *Manager) NextRun(job string) *time.Time {
	return m.scheduler.NextRun(job)
}

// Registry returns the metrics registry.
func (m *Manager) Registry() *prometheus.Registry {
	return m.metrics.Registry()
}

// Ping checks that the database is reachable.
func (m *Manager) Ping(ctx context.Context) error {
	if err := m.database.PingContext(ctx); err != nil {
		return err
	}
	if m.redis != nil {
		return m.redis.Ping(ctx).Err()
	}
	return nil
}

// Database returns the database instance for direct access.
func (m *Manager) Database() *db.DB {
	return m.database
}

// Close stops background jobs and closes every service.
func (m *Manager) Close() error {
	var err error
	m.closeOnce.Do(func() {
		close(m.stopChan)

		m.mu.Lock()
		for _, sub := range m.subscribers {
			close(sub)
		}
		m.subscribers = nil
		m.mu.Unlock()

		err = m.closeServices()
	})
	return err
}

func (m *Manager) closeServices() error {
	var errs []error

	if m.scheduler != nil {
		m.scheduler.Stop()
	}
	if m.watchlist != nil {
		if err := m.watchlist.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if m.redis != nil {
		if err := m.redis.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if m.database != nil {
		if err := m.database.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
