// Package quota tracks upstream API calls against a fixed-period budget.
package quota

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/j-veylop/repcache/internal/logger"
	"github.com/j-veylop/repcache/internal/metrics"
	"github.com/j-veylop/repcache/internal/models"
)

// Store persists quota windows. Implementations must roll an expired window
// forward by whole periods on every call, and AcquireQuota must consume a
// slot with a single atomic increment-if-below-limit.
type Store interface {
	EnsureQuotaWindow(ctx context.Context, spec models.QuotaSpec, now time.Time) error
	AcquireQuota(ctx context.Context, name string, now time.Time) (models.QuotaWindow, bool, error)
	LoadQuota(ctx context.Context, name string, now time.Time) (models.QuotaWindow, error)
	// ReconcileQuota also returns the local remaining count read in the same
	// atomic step, before usage was raised.
	ReconcileQuota(ctx context.Context, name string, upstream models.UpstreamQuota, now time.Time) (models.QuotaWindow, int, error)
}

// Event represents a quota tracker event.
type Event struct {
	Upstream *models.UpstreamQuota
	Window   models.QuotaWindow
	Drift    int
	Type     EventType
}

// EventType defines the type of quota event.
type EventType int

const (
	// EventQuotaLow indicates that remaining calls dropped to the warning threshold.
	EventQuotaLow EventType = iota
	// EventQuotaExhausted indicates that the last call in the window was spent.
	EventQuotaExhausted
	// EventQuotaDrift indicates that the upstream's remaining count disagrees
	// with the local counter by more than the drift threshold.
	EventQuotaDrift
	// EventUpstreamRateLimited indicates that the upstream rejected a call with 429.
	EventUpstreamRateLimited
	// EventWindowRolled indicates that a new window started.
	EventWindowRolled
)

func (t EventType) String() string {
	switch t {
	case EventQuotaLow:
		return "quota_low"
	case EventQuotaExhausted:
		return "quota_exhausted"
	case EventQuotaDrift:
		return "quota_drift"
	case EventUpstreamRateLimited:
		return "upstream_rate_limited"
	case EventWindowRolled:
		return "window_rolled"
	default:
		return "unknown"
	}
}

// Config holds configuration for the quota tracker.
type Config struct {
	Name             string
	Period           time.Duration
	Allowed          int
	WarningThreshold int
	DriftThreshold   int
	// MaxRPS paces outbound calls; zero disables pacing.
	MaxRPS float64
	Burst  int
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		Name:             "abuseipdb",
		Period:           24 * time.Hour,
		Allowed:          1000,
		WarningThreshold: 100,
		DriftThreshold:   50,
		Burst:            1,
	}
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

// WithMetrics publishes quota gauges and denial counters.
func WithMetrics(m *metrics.Metrics) Option {
	return func(t *Tracker) { t.metrics = m }
}

// Tracker is the process-wide quota gate in front of the upstream client.
type Tracker struct {
	store     Store
	pacer     *rate.Limiter
	metrics   *metrics.Metrics
	now       func() time.Time
	log       *slog.Logger
	eventChan chan Event
	config    Config

	mu        sync.Mutex
	lastStart time.Time
	lastMade  int
}

// New creates a tracker and initializes its window in the store.
func New(ctx context.Context, store Store, config Config, opts ...Option) (*Tracker, error) {
	if config.Name == "" {
		config.Name = DefaultConfig().Name
	}
	if config.Period <= 0 {
		return nil, fmt.Errorf("quota period must be positive")
	}

	t := &Tracker{
		store:     store,
		now:       time.Now,
		log:       logger.Component("quota"),
		eventChan: make(chan Event, 100),
		config:    config,
	}
	for _, opt := range opts {
		opt(t)
	}

	if config.MaxRPS > 0 {
		t.pacer = rate.NewLimiter(rate.Limit(config.MaxRPS), max(config.Burst, 1))
	}

	now := t.now()
	spec := models.QuotaSpec{Name: config.Name, Period: config.Period, Allowed: config.Allowed}
	if err := store.EnsureQuotaWindow(ctx, spec, now); err != nil {
		return nil, err
	}

	w, err := store.LoadQuota(ctx, config.Name, now)
	if err != nil {
		return nil, err
	}
	t.lastStart = w.WindowStart
	t.lastMade = w.CallsMade
	t.metrics.SetQuota(w.Remaining(), w.CallsAllowed)

	return t, nil
}

// Events returns the event channel.
func (t *Tracker) Events() <-chan Event {
	return t.eventChan
}

// TryAcquire consumes one call from the current window. A denial is a normal
// outcome, reported through the decision rather than an error; errors mean
// the quota store itself failed.
func (t *Tracker) TryAcquire(ctx context.Context) (models.QuotaDecision, error) {
	now := t.now()

	if t.pacer != nil && !t.pacer.AllowN(now, 1) {
		t.metrics.RecordQuotaDenied("paced")
		return models.QuotaDecision{RetryAfter: now.Add(t.paceInterval())}, nil
	}

	w, granted, err := t.store.AcquireQuota(ctx, t.config.Name, now)
	if err != nil {
		return models.QuotaDecision{}, fmt.Errorf("acquire quota: %w", err)
	}
	t.observe(w)

	if !granted {
		t.metrics.RecordQuotaDenied("exhausted")
		t.log.Debug("quota denied", "reset_at", w.WindowEnd, "calls_made", w.CallsMade)
		return models.QuotaDecision{RetryAfter: w.WindowEnd}, nil
	}
	return models.QuotaDecision{Granted: true, Remaining: w.Remaining()}, nil
}

// Remaining returns the calls left in the current window.
func (t *Tracker) Remaining(ctx context.Context) (int, error) {
	w, err := t.Status(ctx)
	if err != nil {
		return 0, err
	}
	return w.Remaining(), nil
}

// WindowResetAt returns when the current window ends.
func (t *Tracker) WindowResetAt(ctx context.Context) (time.Time, error) {
	w, err := t.Status(ctx)
	if err != nil {
		return time.Time{}, err
	}
	return w.WindowEnd, nil
}

// Status returns the current window, rolling it forward if it expired.
func (t *Tracker) Status(ctx context.Context) (models.QuotaWindow, error) {
	w, err := t.store.LoadQuota(ctx, t.config.Name, t.now())
	if err != nil {
		return models.QuotaWindow{}, fmt.Errorf("load quota: %w", err)
	}
	t.observe(w)
	return w, nil
}

// ObserveUpstream reconciles the local window against the upstream's
// reported remaining count. Local usage can only move up; disagreements
// beyond the drift threshold are logged and emitted for operator review.
func (t *Tracker) ObserveUpstream(ctx context.Context, upstream models.UpstreamQuota) error {
	now := t.now()

	after, localRemaining, err := t.store.ReconcileQuota(ctx, t.config.Name, upstream, now)
	if err != nil {
		return fmt.Errorf("reconcile quota: %w", err)
	}

	reported := upstream.Remaining
	if upstream.Exhausted {
		reported = 0
		t.log.Warn("upstream rate limited",
			"local_remaining", localRemaining,
			"retry_after", upstream.RetryAfter,
		)
		t.sendEvent(Event{Type: EventUpstreamRateLimited, Window: after, Upstream: &upstream})
	}

	drift := localRemaining - reported
	t.metrics.SetQuotaDrift(drift)
	if abs(drift) > t.config.DriftThreshold {
		t.log.Warn("quota drift",
			"local_remaining", localRemaining,
			"upstream_remaining", reported,
			"upstream_limit", upstream.Limit,
			"drift", drift,
		)
		t.sendEvent(Event{Type: EventQuotaDrift, Window: after, Upstream: &upstream, Drift: drift})
	}

	t.observe(after)
	return nil
}

// observe publishes gauges and emits threshold events for a window snapshot.
// Snapshots older than the last one seen are ignored.
func (t *Tracker) observe(w models.QuotaWindow) {
	t.mu.Lock()
	var events []Event
	switch {
	case w.WindowStart.After(t.lastStart):
		events = append(events, Event{Type: EventWindowRolled, Window: w})
		t.lastStart = w.WindowStart
		t.lastMade = w.CallsMade
	case w.WindowStart.Equal(t.lastStart) && w.CallsMade > t.lastMade:
		prevRemaining := w.CallsAllowed - t.lastMade
		t.lastMade = w.CallsMade
		remaining := w.Remaining()
		if prevRemaining > t.config.WarningThreshold && remaining <= t.config.WarningThreshold && remaining > 0 {
			events = append(events, Event{Type: EventQuotaLow, Window: w})
		}
		if prevRemaining > 0 && remaining == 0 {
			events = append(events, Event{Type: EventQuotaExhausted, Window: w})
		}
	default:
		t.mu.Unlock()
		return
	}
	t.mu.Unlock()

	t.metrics.SetQuota(w.Remaining(), w.CallsAllowed)
	for _, e := range events {
		t.sendEvent(e)
	}
}

func (t *Tracker) paceInterval() time.Duration {
	return time.Duration(float64(time.Second) / t.config.MaxRPS)
}

// sendEvent sends an event to the event channel non-blocking.
func (t *Tracker) sendEvent(event Event) {
	select {
	case t.eventChan <- event:
	default:
		// Channel full, drop oldest
		select {
		case <-t.eventChan:
		default:
		}
		select {
		case t.eventChan <- event:
		default:
		}
	}
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}
