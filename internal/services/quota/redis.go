package quota

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/j-veylop/repcache/internal/models"
)

// Window state lives in one hash per window. Each script first rolls the
// window forward by whole periods, so rollover and the guarded increment run
// atomically inside Redis.
const rollScript = `
local key = KEYS[1]
local now = tonumber(ARGV[1])
local w = redis.call('HMGET', key, 'start', 'end', 'period', 'made', 'allowed')
if not w[1] then
  return redis.error_reply('quota window not initialized')
end
local start, wend, period = tonumber(w[1]), tonumber(w[2]), tonumber(w[3])
local made, allowed = tonumber(w[4]), tonumber(w[5])
if now >= wend then
  start = start + math.floor((now - start) / period) * period
  wend = start + period
  made = 0
  redis.call('HSET', key, 'start', start, 'end', wend, 'made', 0)
  redis.call('HDEL', key, 'up_remaining', 'up_limit', 'up_checked')
end
`

const stateReturn = `
local up = redis.call('HMGET', key, 'up_remaining', 'up_limit', 'up_checked')
return {granted, start, wend, period, made, allowed,
  tonumber(up[1] or '-1'), tonumber(up[2] or '-1'), tonumber(up[3] or '-1')}
`

var (
	ensureScript = redis.NewScript(`
local key = KEYS[1]
local allowed = tonumber(ARGV[4])
if redis.call('EXISTS', key) == 0 then
  redis.call('HSET', key, 'start', ARGV[1], 'end', ARGV[2], 'period', ARGV[3], 'made', 0, 'allowed', allowed)
else
  local made = tonumber(redis.call('HGET', key, 'made') or '0')
  if made > allowed then made = allowed end
  redis.call('HSET', key, 'period', ARGV[3], 'allowed', allowed, 'made', made)
end
return 1
`)

	acquireScript = redis.NewScript(rollScript + `
local granted = 0
if made < allowed then
  made = redis.call('HINCRBY', key, 'made', 1)
  granted = 1
end
` + stateReturn)

	loadScript = redis.NewScript(rollScript + `
local granted = 0
` + stateReturn)

	reconcileScript = redis.NewScript(rollScript + `
local granted = allowed - made
local remaining = tonumber(ARGV[2])
local implied = allowed - remaining
if implied < 0 then implied = 0 end
if implied > made then
  made = implied
  redis.call('HSET', key, 'made', made)
end
redis.call('HSET', key, 'up_remaining', remaining, 'up_checked', now)
if tonumber(ARGV[3]) > 0 then
  redis.call('HSET', key, 'up_limit', ARGV[3])
else
  redis.call('HDEL', key, 'up_limit')
end
` + stateReturn)
)

// RedisStore keeps quota windows in Redis so several processes can share
// one upstream budget.
type RedisStore struct {
	rdb    *redis.Client
	prefix string
}

// RedisOption configures a RedisStore.
type RedisOption func(*RedisStore)

// WithKeyPrefix sets the key prefix for window hashes.
func WithKeyPrefix(prefix string) RedisOption {
	return func(s *RedisStore) { s.prefix = strings.Trim(prefix, ":") }
}

// NewRedisStore creates a store backed by rdb.
func NewRedisStore(rdb *redis.Client, opts ...RedisOption) *RedisStore {
	s := &RedisStore{
		rdb:    rdb,
		prefix: "repcache:quota",
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *RedisStore) key(name string) string {
	return s.prefix + ":" + name
}

// EnsureQuotaWindow creates or updates the named window.
func (s *RedisStore) EnsureQuotaWindow(ctx context.Context, spec models.QuotaSpec, now time.Time) error {
	start := now.Truncate(spec.Period)
	err := ensureScript.Run(ctx, s.rdb, []string{s.key(spec.Name)},
		start.UnixMilli(),
		start.Add(spec.Period).UnixMilli(),
		spec.Period.Milliseconds(),
		spec.Allowed,
	).Err()
	if err != nil {
		return fmt.Errorf("failed to ensure quota window %s: %w", spec.Name, err)
	}
	return nil
}

// AcquireQuota consumes one call if any remain.
func (s *RedisStore) AcquireQuota(ctx context.Context, name string, now time.Time) (models.QuotaWindow, bool, error) {
	vals, err := acquireScript.Run(ctx, s.rdb, []string{s.key(name)}, now.UnixMilli()).Int64Slice()
	if err != nil {
		return models.QuotaWindow{}, false, fmt.Errorf("failed to acquire quota %s: %w", name, err)
	}
	return decodeWindow(name, vals)
}

// LoadQuota returns the current window.
func (s *RedisStore) LoadQuota(ctx context.Context, name string, now time.Time) (models.QuotaWindow, error) {
	vals, err := loadScript.Run(ctx, s.rdb, []string{s.key(name)}, now.UnixMilli()).Int64Slice()
	if err != nil {
		return models.QuotaWindow{}, fmt.Errorf("failed to load quota window %s: %w", name, err)
	}
	w, _, err := decodeWindow(name, vals)
	return w, err
}

// ReconcileQuota raises local usage to the upstream's implied usage. The
// script reports the pre-update remaining count in the granted slot.
func (s *RedisStore) ReconcileQuota(ctx context.Context, name string, upstream models.UpstreamQuota, now time.Time) (models.QuotaWindow, int, error) {
	remaining := max(upstream.Remaining, 0)
	if upstream.Exhausted {
		remaining = 0
	}
	vals, err := reconcileScript.Run(ctx, s.rdb, []string{s.key(name)},
		now.UnixMilli(), remaining, upstream.Limit,
	).Int64Slice()
	if err != nil {
		return models.QuotaWindow{}, 0, fmt.Errorf("failed to reconcile quota %s: %w", name, err)
	}
	w, _, err := decodeWindow(name, vals)
	if err != nil {
		return models.QuotaWindow{}, 0, err
	}
	return w, int(vals[0]), nil
}

// decodeWindow converts the script reply
// {granted, start, end, period, made, allowed, upRemaining, upLimit, upChecked}.
func decodeWindow(name string, vals []int64) (models.QuotaWindow, bool, error) {
	if len(vals) != 9 {
		return models.QuotaWindow{}, false, fmt.Errorf("unexpected quota script reply: %d values", len(vals))
	}
	w := models.QuotaWindow{
		Name:         name,
		WindowStart:  time.UnixMilli(vals[1]).UTC(),
		WindowEnd:    time.UnixMilli(vals[2]).UTC(),
		Period:       time.Duration(vals[3]) * time.Millisecond,
		CallsMade:    int(vals[4]),
		CallsAllowed: int(vals[5]),
	}
	if vals[6] >= 0 {
		n := int(vals[6])
		w.UpstreamRemaining = &n
	}
	if vals[7] >= 0 {
		n := int(vals[7])
		w.UpstreamLimit = &n
	}
	if vals[8] >= 0 {
		t := time.UnixMilli(vals[8]).UTC()
		w.UpstreamCheckedAt = &t
	}
	return w, vals[0] == 1, nil
}
