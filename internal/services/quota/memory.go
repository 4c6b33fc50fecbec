package quota

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/j-veylop/repcache/internal/models"
)

// MemoryStore keeps quota windows in process memory. Usage is lost on
// restart, so it suits tests and single-shot tools only.
type MemoryStore struct {
	mu      sync.Mutex
	windows map[string]*models.QuotaWindow
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{windows: make(map[string]*models.QuotaWindow)}
}

// EnsureQuotaWindow creates or updates the named window.
func (s *MemoryStore) EnsureQuotaWindow(_ context.Context, spec models.QuotaSpec, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if w, ok := s.windows[spec.Name]; ok {
		w.Period = spec.Period
		w.CallsAllowed = spec.Allowed
		w.CallsMade = min(w.CallsMade, spec.Allowed)
		return nil
	}

	start := now.Truncate(spec.Period).UTC()
	s.windows[spec.Name] = &models.QuotaWindow{
		Name:         spec.Name,
		Period:       spec.Period,
		WindowStart:  start,
		WindowEnd:    start.Add(spec.Period),
		CallsAllowed: spec.Allowed,
	}
	return nil
}

// AcquireQuota consumes one call if any remain.
func (s *MemoryStore) AcquireQuota(_ context.Context, name string, now time.Time) (models.QuotaWindow, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, err := s.roll(name, now)
	if err != nil {
		return models.QuotaWindow{}, false, err
	}
	if w.CallsMade >= w.CallsAllowed {
		return w.snapshot(), false, nil
	}
	w.CallsMade++
	return w.snapshot(), true, nil
}

// LoadQuota returns the current window.
func (s *MemoryStore) LoadQuota(_ context.Context, name string, now time.Time) (models.QuotaWindow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, err := s.roll(name, now)
	if err != nil {
		return models.QuotaWindow{}, err
	}
	return w.snapshot(), nil
}

// ReconcileQuota raises local usage to the upstream's implied usage and
// returns the local remaining count from before the update.
func (s *MemoryStore) ReconcileQuota(_ context.Context, name string, upstream models.UpstreamQuota, now time.Time) (models.QuotaWindow, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, err := s.roll(name, now)
	if err != nil {
		return models.QuotaWindow{}, 0, err
	}
	localRemaining := w.CallsAllowed - w.CallsMade

	remaining := max(upstream.Remaining, 0)
	if upstream.Exhausted {
		remaining = 0
	}
	w.CallsMade = max(w.CallsMade, w.CallsAllowed-remaining)

	checked := now.UTC()
	w.UpstreamRemaining = &remaining
	w.UpstreamCheckedAt = &checked
	w.UpstreamLimit = nil
	if upstream.Limit > 0 {
		limit := upstream.Limit
		w.UpstreamLimit = &limit
	}
	return w.snapshot(), localRemaining, nil
}

// roll must be called with s.mu held.
func (s *MemoryStore) roll(name string, now time.Time) (*memWindow, error) {
	w, ok := s.windows[name]
	if !ok {
		return nil, fmt.Errorf("quota window not initialized: %s", name)
	}
	if !now.Before(w.WindowEnd) {
		w.WindowStart, w.WindowEnd = rollForward(w.WindowStart, w.Period, now)
		w.CallsMade = 0
		w.UpstreamRemaining = nil
		w.UpstreamLimit = nil
		w.UpstreamCheckedAt = nil
	}
	return (*memWindow)(w), nil
}

type memWindow models.QuotaWindow

// snapshot copies the window so callers never alias store state.
func (w *memWindow) snapshot() models.QuotaWindow {
	out := models.QuotaWindow(*w)
	if w.UpstreamRemaining != nil {
		v := *w.UpstreamRemaining
		out.UpstreamRemaining = &v
	}
	if w.UpstreamLimit != nil {
		v := *w.UpstreamLimit
		out.UpstreamLimit = &v
	}
	if w.UpstreamCheckedAt != nil {
		v := *w.UpstreamCheckedAt
		out.UpstreamCheckedAt = &v
	}
	return out
}
