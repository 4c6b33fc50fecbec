package cache

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/j-veylop/repcache/internal/models"
	"github.com/j-veylop/repcache/internal/services/enrich"
	"github.com/j-veylop/repcache/internal/services/quota"
)

var t0 = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = t
}

func storeKey(qt models.QueryType, key string) string {
	return string(qt) + "|" + key
}

type fakeStore struct {
	mu      sync.Mutex
	entries map[string]models.CacheEntry
	getErr  error
	putErr  error
	gets    atomic.Int32
}

func newFakeStore() *fakeStore {
	return &fakeStore{entries: make(map[string]models.CacheEntry)}
}

func (s *fakeStore) GetEntry(_ context.Context, qt models.QueryType, key string) (*models.CacheEntry, error) {
	s.gets.Add(1)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.getErr != nil {
		return nil, s.getErr
	}
	e, ok := s.entries[storeKey(qt, key)]
	if !ok {
		return nil, nil
	}
	return &e, nil
}

func (s *fakeStore) PutEntry(_ context.Context, e *models.CacheEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.putErr != nil {
		return s.putErr
	}
	s.entries[storeKey(e.QueryType, e.Key)] = *e
	return nil
}

func (s *fakeStore) DeleteEntry(_ context.Context, qt models.QueryType, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := storeKey(qt, key)
	_, ok := s.entries[k]
	delete(s.entries, k)
	return ok, nil
}

func (s *fakeStore) ClearEntries(_ context.Context, qt models.QueryType) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for k, e := range s.entries {
		if qt == "" || e.QueryType == qt {
			delete(s.entries, k)
			n++
		}
	}
	return n, nil
}

func (s *fakeStore) SweepExpired(_ context.Context, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for k, e := range s.entries {
		if e.ExpiresAt.Before(now) {
			delete(s.entries, k)
			n++
		}
	}
	return n, nil
}

func (s *fakeStore) ExpireEntry(_ context.Context, qt models.QueryType, key string, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := storeKey(qt, key)
	e, ok := s.entries[k]
	if !ok {
		return false, nil
	}
	if now.Before(e.ExpiresAt) {
		e.ExpiresAt = now
	}
	s.entries[k] = e
	return true, nil
}

func (s *fakeStore) get(qt models.QueryType, key string) (models.CacheEntry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[storeKey(qt, key)]
	return e, ok
}

func (s *fakeStore) seed(qt models.QueryType, key string, score int, cachedAt time.Time, ttl time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[storeKey(qt, key)] = models.CacheEntry{
		QueryType: qt,
		Key:       key,
		Source:    "check",
		Payload:   models.Payload{Subject: key, QueryType: qt, AbuseScore: score},
		CachedAt:  cachedAt,
		ExpiresAt: cachedAt.Add(ttl),
	}
}

type fakeLimiter struct {
	mu         sync.Mutex
	remaining  int
	retryAfter time.Time
	err        error
	calls      int
}

func (l *fakeLimiter) TryAcquire(context.Context) (models.QuotaDecision, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls++
	if l.err != nil {
		return models.QuotaDecision{}, l.err
	}
	if l.remaining <= 0 {
		return models.QuotaDecision{RetryAfter: l.retryAfter}, nil
	}
	l.remaining--
	return models.QuotaDecision{Granted: true, Remaining: l.remaining}, nil
}

type fakeEnricher struct {
	calls      atomic.Int32
	prepares   atomic.Int32
	score      int
	err        error
	prepareErr error
	gate       chan struct{}
	started    chan struct{}
	ctxErr     atomic.Value
}

func (e *fakeEnricher) Prepare(_ context.Context, _ models.QueryType, key string) (string, error) {
	e.prepares.Add(1)
	if e.prepareErr != nil {
		return "", e.prepareErr
	}
	return key, nil
}

func (e *fakeEnricher) Fetch(ctx context.Context, qt models.QueryType, key, _ string) (*models.Enrichment, error) {
	e.calls.Add(1)
	if e.started != nil {
		select {
		case e.started <- struct{}{}:
		default:
		}
	}
	if e.gate != nil {
		<-e.gate
		e.ctxErr.Store(fmt.Sprint(ctx.Err()))
	}
	if e.err != nil {
		return nil, e.err
	}
	return &models.Enrichment{
		Source:  "check",
		Payload: models.Payload{Subject: key, QueryType: qt, AbuseScore: e.score},
	}, nil
}

type fixture struct {
	store    *fakeStore
	limiter  *fakeLimiter
	enricher *fakeEnricher
	clock    *fakeClock
	coord    *Coordinator
}

func newFixture(quotaLeft int) *fixture {
	f := &fixture{
		store:    newFakeStore(),
		limiter:  &fakeLimiter{remaining: quotaLeft, retryAfter: t0.Add(12 * time.Hour)},
		enricher: &fakeEnricher{score: 42},
		clock:    &fakeClock{t: t0},
	}
	cfg := Config{DefaultTTL: 24 * time.Hour, TTLs: map[models.QueryType]time.Duration{models.QueryBlock: 6 * time.Hour}}
	f.coord = New(f.store, f.limiter, f.enricher, cfg, WithClock(f.clock.Now))
	return f
}

func TestNormalizeKey(t *testing.T) {
	tests := []struct {
		name    string
		qt      models.QueryType
		raw     string
		want    string
		wantErr bool
	}{
		{"IPv4", models.QueryIP, " 1.2.3.4 ", "1.2.3.4", false},
		{"IPv6Upper", models.QueryIP, "2001:DB8::1", "2001:db8::1", false},
		{"IPv4Mapped", models.QueryIP, "::ffff:1.2.3.4", "1.2.3.4", false},
		{"IPInvalid", models.QueryIP, "1.2.3.256", "", true},
		{"IPEmpty", models.QueryIP, "  ", "", true},
		{"Domain", models.QueryDomain, "Example.COM.", "example.com", false},
		{"DomainSubdomain", models.QueryDomain, "mail.example.co.uk", "mail.example.co.uk", false},
		{"DomainIsIP", models.QueryDomain, "1.2.3.4", "", true},
		{"DomainNoTLD", models.QueryDomain, "localhost", "", true},
		{"DomainSpaces", models.QueryDomain, "exa mple.com", "", true},
		{"Block", models.QueryBlock, "198.51.100.7/24", "198.51.100.0/24", false},
		{"BlockIPv6", models.QueryBlock, "2001:DB8::/32", "2001:db8::/32", false},
		{"BlockNoPrefix", models.QueryBlock, "198.51.100.0", "", true},
		{"Reports", models.QueryReports, "2001:DB8::1@2", "2001:db8::1@2", false},
		{"ReportsDefaultPage", models.QueryReports, "1.2.3.4", "1.2.3.4@1", false},
		{"ReportsBadIP", models.QueryReports, "example.com@1", "", true},
		{"ReportsBadPage", models.QueryReports, "1.2.3.4@0", "", true},
		{"UnknownType", models.QueryType("asn"), "AS64500", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := NormalizeKey(tt.qt, tt.raw)
			if tt.wantErr {
				var invalid *InvalidKeyError
				if !errors.As(err, &invalid) {
					t.Fatalf("NormalizeKey() error = %v, want *InvalidKeyError", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("NormalizeKey() failed: %v", err)
			}
			if got != tt.want {
				t.Errorf("NormalizeKey() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestResolve_FreshHitSkipsUpstream(t *testing.T) {
	f := newFixture(10)
	f.store.seed(models.QueryIP, "1.2.3.4", 100, t0, 24*time.Hour)

	res, err := f.coord.Resolve(context.Background(), models.QueryIP, "1.2.3.4", false)
	if err != nil {
		t.Fatalf("Resolve() failed: %v", err)
	}
	if !res.Fresh || res.Degraded || res.Origin != OriginCache {
		t.Errorf("Resolve() = %+v, want a fresh cache hit", res)
	}
	if f.limiter.calls != 0 || f.enricher.calls.Load() != 0 {
		t.Errorf("limiter/enricher called %d/%d times on a fresh hit", f.limiter.calls, f.enricher.calls.Load())
	}
}

func TestResolve_Scenario(t *testing.T) {
	f := newFixture(10)
	f.store.seed(models.QueryIP, "1.2.3.4", 100, t0, 24*time.Hour)
	ctx := context.Background()

	f.clock.Set(t0.Add(23 * time.Hour))
	res, err := f.coord.Resolve(ctx, models.QueryIP, "1.2.3.4", false)
	if err != nil {
		t.Fatalf("Resolve() at T0+23h failed: %v", err)
	}
	if res.Payload.AbuseScore != 100 || !res.Fresh || res.Degraded {
		t.Errorf("Resolve() at T0+23h = %+v, want cached score 100", res)
	}
	if f.enricher.calls.Load() != 0 {
		t.Fatalf("upstream called %d times before expiry", f.enricher.calls.Load())
	}

	f.clock.Set(t0.Add(25 * time.Hour))
	res, err = f.coord.Resolve(ctx, models.QueryIP, "1.2.3.4", false)
	if err != nil {
		t.Fatalf("Resolve() at T0+25h failed: %v", err)
	}
	if f.enricher.calls.Load() != 1 {
		t.Errorf("upstream called %d times after expiry, want 1", f.enricher.calls.Load())
	}
	if !res.Fresh || res.Degraded || res.Origin != OriginUpstream {
		t.Errorf("Resolve() at T0+25h = %+v, want a fresh upstream result", res)
	}
	if res.Payload.AbuseScore != 42 {
		t.Errorf("AbuseScore = %d, want refreshed 42", res.Payload.AbuseScore)
	}

	stored, ok := f.store.get(models.QueryIP, "1.2.3.4")
	if !ok {
		t.Fatal("refreshed entry not stored")
	}
	if want := t0.Add(49 * time.Hour); !stored.ExpiresAt.Equal(want) {
		t.Errorf("ExpiresAt = %v, want %v", stored.ExpiresAt, want)
	}
}

func TestResolve_ExpiryBoundary(t *testing.T) {
	f := newFixture(10)
	f.store.seed(models.QueryIP, "1.2.3.4", 100, t0, time.Hour)

	f.clock.Set(t0.Add(time.Hour))
	res, err := f.coord.Resolve(context.Background(), models.QueryIP, "1.2.3.4", false)
	if err != nil {
		t.Fatalf("Resolve() failed: %v", err)
	}
	if res.Origin != OriginUpstream {
		t.Errorf("Origin = %s, an entry expiring exactly now must be refreshed", res.Origin)
	}
}

func TestResolve_PerTypeTTL(t *testing.T) {
	f := newFixture(10)
	if _, err := f.coord.Resolve(context.Background(), models.QueryBlock, "198.51.100.0/24", false); err != nil {
		t.Fatalf("Resolve() failed: %v", err)
	}
	stored, ok := f.store.get(models.QueryBlock, "198.51.100.0/24")
	if !ok {
		t.Fatal("entry not stored")
	}
	if got := stored.ExpiresAt.Sub(stored.CachedAt); got != 6*time.Hour {
		t.Errorf("TTL = %v, want 6h for blocks", got)
	}
}

func TestResolve_CoalescesConcurrentCallers(t *testing.T) {
	f := newFixture(100)
	f.enricher.gate = make(chan struct{})
	f.enricher.started = make(chan struct{}, 1)

	const n = 20
	var wg sync.WaitGroup
	results := make([]*Result, n)
	errs := make([]error, n)
	for i := range n {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = f.coord.Resolve(context.Background(), models.QueryIP, "203.0.113.7", false)
		}(i)
	}

	<-f.enricher.started
	time.Sleep(50 * time.Millisecond)
	close(f.enricher.gate)
	wg.Wait()

	if got := f.enricher.calls.Load(); got != 1 {
		t.Errorf("upstream called %d times, want exactly 1", got)
	}
	if f.limiter.calls != 1 {
		t.Errorf("quota acquired %d times, want exactly 1", f.limiter.calls)
	}
	for i := range n {
		if errs[i] != nil {
			t.Fatalf("caller %d failed: %v", i, errs[i])
		}
		if !results[i].Fresh || results[i].Payload.AbuseScore != 42 {
			t.Errorf("caller %d got %+v", i, results[i])
		}
	}
}

func TestResolve_QuotaNeverExceeded(t *testing.T) {
	cfg := quota.DefaultConfig()
	cfg.Allowed = 5
	tracker, err := quota.New(context.Background(), quota.NewMemoryStore(), cfg)
	if err != nil {
		t.Fatalf("quota.New() failed: %v", err)
	}
	enricher := &fakeEnricher{score: 1}
	coord := New(newFakeStore(), tracker, enricher, DefaultConfig())

	const n = 50
	var (
		wg        sync.WaitGroup
		succeeded atomic.Int32
		exhausted atomic.Int32
	)
	for i := range n {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := coord.Resolve(context.Background(), models.QueryIP, fmt.Sprintf("10.0.0.%d", i), false)
			var quotaErr *QuotaExhaustedError
			switch {
			case err == nil:
				succeeded.Add(1)
			case errors.As(err, &quotaErr):
				exhausted.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	if succeeded.Load() != 5 {
		t.Errorf("succeeded = %d, want exactly 5", succeeded.Load())
	}
	if exhausted.Load() != n-5 {
		t.Errorf("exhausted = %d, want %d", exhausted.Load(), n-5)
	}
	if enricher.calls.Load() != 5 {
		t.Errorf("upstream called %d times, want 5", enricher.calls.Load())
	}
}

func TestResolve_QuotaDenied(t *testing.T) {
	t.Run("StaleFallback", func(t *testing.T) {
		f := newFixture(0)
		f.store.seed(models.QueryIP, "1.2.3.4", 100, t0.Add(-25*time.Hour), 24*time.Hour)

		res, err := f.coord.Resolve(context.Background(), models.QueryIP, "1.2.3.4", false)
		if err != nil {
			t.Fatalf("Resolve() failed: %v", err)
		}
		if !res.Degraded || res.Fresh || res.Origin != OriginStale {
			t.Errorf("Resolve() = %+v, want degraded stale result", res)
		}
		if res.Payload.AbuseScore != 100 {
			t.Errorf("AbuseScore = %d, want stale 100", res.Payload.AbuseScore)
		}
		if res.RetryAfter == nil || !res.RetryAfter.Equal(f.limiter.retryAfter) {
			t.Errorf("RetryAfter = %v, want %v", res.RetryAfter, f.limiter.retryAfter)
		}
		if f.enricher.calls.Load() != 0 {
			t.Error("upstream called without quota")
		}
	})

	t.Run("NoEntry", func(t *testing.T) {
		f := newFixture(0)

		_, err := f.coord.Resolve(context.Background(), models.QueryIP, "1.2.3.4", false)
		var quotaErr *QuotaExhaustedError
		if !errors.As(err, &quotaErr) {
			t.Fatalf("Resolve() error = %v, want *QuotaExhaustedError", err)
		}
		if !quotaErr.RetryAfter.Equal(f.limiter.retryAfter) {
			t.Errorf("RetryAfter = %v, want %v", quotaErr.RetryAfter, f.limiter.retryAfter)
		}
	})
}

func TestResolve_UpstreamFailure(t *testing.T) {
	upstreamErr := &enrich.UpstreamError{Kind: enrich.KindTimeout, Endpoint: "check"}

	t.Run("StaleFallback", func(t *testing.T) {
		f := newFixture(10)
		f.enricher.err = upstreamErr
		f.store.seed(models.QueryIP, "1.2.3.4", 100, t0.Add(-48*time.Hour), 24*time.Hour)

		res, err := f.coord.Resolve(context.Background(), models.QueryIP, "1.2.3.4", false)
		if err != nil {
			t.Fatalf("Resolve() failed: %v", err)
		}
		if !res.Degraded || res.Payload.AbuseScore != 100 {
			t.Errorf("Resolve() = %+v, want degraded stale payload", res)
		}
		if !strings.Contains(res.Warning, "timeout") {
			t.Errorf("Warning = %q, want the upstream failure", res.Warning)
		}
		if res.RetryAfter != nil {
			t.Error("RetryAfter should only be set for quota denials")
		}
	})

	t.Run("NoEntry", func(t *testing.T) {
		f := newFixture(10)
		f.enricher.err = upstreamErr

		_, err := f.coord.Resolve(context.Background(), models.QueryIP, "1.2.3.4", false)
		if enrich.KindOf(err) != enrich.KindTimeout {
			t.Errorf("Resolve() error = %v, want the upstream timeout", err)
		}
		if f.enricher.calls.Load() != 1 {
			t.Errorf("upstream called %d times, failures must not be retried", f.enricher.calls.Load())
		}
	})
}

func TestResolve_PrepareFailureSpendsNoQuota(t *testing.T) {
	cfg := quota.DefaultConfig()
	cfg.Allowed = 3
	tracker, err := quota.New(context.Background(), quota.NewMemoryStore(), cfg)
	if err != nil {
		t.Fatalf("quota.New() failed: %v", err)
	}
	enricher := &fakeEnricher{
		score:      7,
		prepareErr: &enrich.UpstreamError{Kind: enrich.KindNotFound, Endpoint: enrich.EndpointResolve},
	}
	coord := New(newFakeStore(), tracker, enricher, DefaultConfig())
	ctx := context.Background()

	for i := range 3 {
		_, err := coord.Resolve(ctx, models.QueryDomain, fmt.Sprintf("nx%d.example.com", i), false)
		if !enrich.IsKind(err, enrich.KindNotFound) {
			t.Fatalf("Resolve() error = %v, want not_found", err)
		}
	}
	w, err := tracker.Status(ctx)
	if err != nil {
		t.Fatalf("Status() failed: %v", err)
	}
	if w.CallsMade != 0 {
		t.Errorf("CallsMade = %d after failed domain resolution, want 0", w.CallsMade)
	}
	if enricher.calls.Load() != 0 {
		t.Errorf("upstream called %d times for unresolvable domains", enricher.calls.Load())
	}

	enricher.prepareErr = nil
	res, err := coord.Resolve(ctx, models.QueryIP, "8.8.8.8", false)
	if err != nil {
		t.Fatalf("Resolve() after failed lookups: %v", err)
	}
	if res.Origin != OriginUpstream {
		t.Errorf("Origin = %s, want upstream", res.Origin)
	}
	if w, _ := tracker.Status(ctx); w.CallsMade != 1 {
		t.Errorf("CallsMade = %d, want 1", w.CallsMade)
	}
}

func TestResolve_PrepareFailureServesStale(t *testing.T) {
	f := newFixture(10)
	f.enricher.prepareErr = &enrich.UpstreamError{Kind: enrich.KindTimeout, Endpoint: enrich.EndpointResolve}
	f.store.seed(models.QueryDomain, "example.com", 55, t0.Add(-48*time.Hour), 24*time.Hour)

	res, err := f.coord.Resolve(context.Background(), models.QueryDomain, "example.com", false)
	if err != nil {
		t.Fatalf("Resolve() failed: %v", err)
	}
	if !res.Degraded || res.Payload.AbuseScore != 55 {
		t.Errorf("Resolve() = %+v, want the stale payload", res)
	}
	if f.limiter.calls != 0 {
		t.Errorf("quota acquired %d times, want 0", f.limiter.calls)
	}
}

func TestResolve_ForcedCallerDoesNotJoinPlainRefresh(t *testing.T) {
	f := newFixture(10)
	f.store.seed(models.QueryIP, "1.2.3.4", 100, t0.Add(-48*time.Hour), 24*time.Hour)
	f.enricher.gate = make(chan struct{})
	f.enricher.started = make(chan struct{}, 2)

	type outcome struct {
		res *Result
		err error
	}
	plain := make(chan outcome, 1)
	forced := make(chan outcome, 1)

	go func() {
		res, err := f.coord.Resolve(context.Background(), models.QueryIP, "1.2.3.4", false)
		plain <- outcome{res, err}
	}()
	<-f.enricher.started

	go func() {
		res, err := f.coord.Resolve(context.Background(), models.QueryIP, "1.2.3.4", true)
		forced <- outcome{res, err}
	}()
	select {
	case <-f.enricher.started:
	case <-time.After(2 * time.Second):
		close(f.enricher.gate)
		t.Fatal("forced caller joined the plain refresh instead of calling upstream")
	}
	close(f.enricher.gate)

	for name, ch := range map[string]chan outcome{"plain": plain, "forced": forced} {
		o := <-ch
		if o.err != nil {
			t.Fatalf("%s Resolve() failed: %v", name, o.err)
		}
		if o.res.Origin != OriginUpstream {
			t.Errorf("%s Origin = %s, want upstream", name, o.res.Origin)
		}
	}
	if got := f.enricher.calls.Load(); got != 2 {
		t.Errorf("upstream called %d times, want 2", got)
	}
}

func TestResolve_StorageErrors(t *testing.T) {
	t.Run("Get", func(t *testing.T) {
		f := newFixture(10)
		f.store.getErr = errors.New("database is locked")

		_, err := f.coord.Resolve(context.Background(), models.QueryIP, "1.2.3.4", false)
		var storageErr *StorageError
		if !errors.As(err, &storageErr) || storageErr.Op != "get" {
			t.Fatalf("Resolve() error = %v, want get StorageError", err)
		}
		if f.limiter.calls != 0 {
			t.Error("quota spent despite storage failure")
		}
	})

	t.Run("Put", func(t *testing.T) {
		f := newFixture(10)
		f.store.putErr = errors.New("disk full")

		_, err := f.coord.Resolve(context.Background(), models.QueryIP, "1.2.3.4", false)
		var storageErr *StorageError
		if !errors.As(err, &storageErr) || storageErr.Op != "put" {
			t.Fatalf("Resolve() error = %v, want put StorageError", err)
		}
	})

	t.Run("Quota", func(t *testing.T) {
		f := newFixture(10)
		f.limiter.err = errors.New("redis down")

		_, err := f.coord.Resolve(context.Background(), models.QueryIP, "1.2.3.4", false)
		var storageErr *StorageError
		if !errors.As(err, &storageErr) {
			t.Fatalf("Resolve() error = %v, want StorageError", err)
		}
		if f.enricher.calls.Load() != 0 {
			t.Error("upstream called without a quota decision")
		}
	})
}

func TestResolve_InvalidKeyBeforeIO(t *testing.T) {
	f := newFixture(10)
	_, err := f.coord.Resolve(context.Background(), models.QueryIP, "not-an-ip", false)
	var invalid *InvalidKeyError
	if !errors.As(err, &invalid) {
		t.Fatalf("Resolve() error = %v, want *InvalidKeyError", err)
	}
	if f.store.gets.Load() != 0 || f.limiter.calls != 0 {
		t.Error("invalid key reached the store or limiter")
	}
}

func TestResolve_ForceRefresh(t *testing.T) {
	f := newFixture(10)
	f.store.seed(models.QueryIP, "1.2.3.4", 100, t0, 24*time.Hour)

	res, err := f.coord.Resolve(context.Background(), models.QueryIP, "1.2.3.4", true)
	if err != nil {
		t.Fatalf("Resolve() failed: %v", err)
	}
	if res.Origin != OriginUpstream || res.Payload.AbuseScore != 42 {
		t.Errorf("Resolve(force) = %+v, want an upstream refresh", res)
	}
	if f.enricher.calls.Load() != 1 {
		t.Errorf("upstream called %d times, want 1", f.enricher.calls.Load())
	}
}

func TestResolve_CallerCancellationDoesNotCancelRefresh(t *testing.T) {
	f := newFixture(10)
	f.enricher.gate = make(chan struct{})
	f.enricher.started = make(chan struct{}, 1)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := f.coord.Resolve(ctx, models.QueryIP, "1.2.3.4", false)
		done <- err
	}()

	<-f.enricher.started
	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("Resolve() error = %v, want context.Canceled", err)
	}

	close(f.enricher.gate)
	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, ok := f.store.get(models.QueryIP, "1.2.3.4"); ok {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("abandoned refresh never populated the cache")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if got := f.enricher.ctxErr.Load(); got != "<nil>" {
		t.Errorf("upstream saw ctx error %v, want none", got)
	}
}

func TestAdminOperations(t *testing.T) {
	f := newFixture(10)
	ctx := context.Background()
	f.store.seed(models.QueryIP, "1.2.3.4", 10, t0, 24*time.Hour)
	f.store.seed(models.QueryIP, "5.6.7.8", 20, t0.Add(-48*time.Hour), 24*time.Hour)
	f.store.seed(models.QueryDomain, "example.com", 30, t0, 24*time.Hour)

	expired, err := f.coord.Expire(ctx, models.QueryIP, "1.2.3.4")
	if err != nil || !expired {
		t.Fatalf("Expire() = %v, %v", expired, err)
	}
	res, err := f.coord.Resolve(ctx, models.QueryIP, "1.2.3.4", false)
	if err != nil {
		t.Fatalf("Resolve() failed: %v", err)
	}
	if res.Origin != OriginUpstream {
		t.Errorf("Origin = %s after Expire(), want refresh", res.Origin)
	}

	swept, err := f.coord.Sweep(ctx)
	if err != nil || swept != 1 {
		t.Errorf("Sweep() = %d, %v, want 1", swept, err)
	}
	swept, err = f.coord.Sweep(ctx)
	if err != nil || swept != 0 {
		t.Errorf("second Sweep() = %d, %v, want 0", swept, err)
	}

	deleted, err := f.coord.Invalidate(ctx, models.QueryDomain, "EXAMPLE.com")
	if err != nil || !deleted {
		t.Errorf("Invalidate() = %v, %v", deleted, err)
	}
	deleted, err = f.coord.Invalidate(ctx, models.QueryDomain, "example.com")
	if err != nil || deleted {
		t.Errorf("second Invalidate() = %v, %v, want false", deleted, err)
	}

	if _, err := f.coord.Clear(ctx, models.QueryType("bogus")); err == nil {
		t.Error("Clear() should reject unknown query types")
	}
	cleared, err := f.coord.Clear(ctx, "")
	if err != nil || cleared != 1 {
		t.Errorf("Clear() = %d, %v, want 1", cleared, err)
	}
}

func TestRefreshBatch_StopsWhenQuotaRunsOut(t *testing.T) {
	f := newFixture(1)
	f.store.seed(models.QueryIP, "1.1.1.1", 0, t0, 24*time.Hour)

	subjects := []models.Subject{
		{QueryType: models.QueryIP, Key: "1.1.1.1"},
		{QueryType: models.QueryIP, Key: "2.2.2.2"},
		{QueryType: models.QueryIP, Key: "3.3.3.3"},
		{QueryType: models.QueryIP, Key: "4.4.4.4"},
	}
	report, err := f.coord.RefreshBatch(context.Background(), subjects)
	if err != nil {
		t.Fatalf("RefreshBatch() failed: %v", err)
	}
	want := BatchReport{Fresh: 1, Refreshed: 1, Stopped: 2}
	if report != want {
		t.Errorf("RefreshBatch() = %+v, want %+v", report, want)
	}
	if f.enricher.calls.Load() != 1 {
		t.Errorf("upstream called %d times, want 1", f.enricher.calls.Load())
	}
}

func TestRefreshBatch_CountsFailures(t *testing.T) {
	f := newFixture(10)
	f.enricher.err = &enrich.UpstreamError{Kind: enrich.KindNotFound, Endpoint: "check"}

	subjects := []models.Subject{
		{QueryType: models.QueryIP, Key: "1.1.1.1"},
		{QueryType: models.QueryIP, Key: "bad"},
	}
	report, err := f.coord.RefreshBatch(context.Background(), subjects)
	if err != nil {
		t.Fatalf("RefreshBatch() failed: %v", err)
	}
	if report.Failed != 2 {
		t.Errorf("Failed = %d, want 2", report.Failed)
	}
}
