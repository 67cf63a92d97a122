// Package cache keeps a shared Redis view of each tenant's pool: a set of
// candidate UNASSIGNED ids, their last known status, and per user/device
// dispatch counters. The database stays the authority; everything here is a
// hint that may be stale or missing.
package cache

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/quocanhngo/idpool/internal/model"
)

// All keys of a tenant share the {tenant} hash tag so they land on one
// cluster slot and can be used together in scripts and pipelines.
func unassignedKey(tenantID string) string {
	return fmt.Sprintf("idpool:{%s}:unassigned", tenantID)
}

func statusKey(tenantID string) string {
	return fmt.Sprintf("idpool:{%s}:status", tenantID)
}

func dailyCountKey(tenantID, userUUID, deviceUUID, day string) string {
	return fmt.Sprintf("idpool:{%s}:user:%s:device:%s:count:%s", tenantID, userUUID, deviceUUID, day)
}

func totalCountKey(tenantID, userUUID, deviceUUID string) string {
	return fmt.Sprintf("idpool:{%s}:user:%s:device:%s:total:count", tenantID, userUUID, deviceUUID)
}

// incrementCountersScript bumps the daily and lifetime counters in one round
// trip. Only the daily key expires; its date suffix already scopes it.
// Counters that are not cached are left alone and an empty reply is returned,
// so an increment never starts a tally from zero behind the log's back.
var incrementCountersScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 or redis.call('EXISTS', KEYS[2]) == 0 then
  return {}
end
local daily = redis.call('INCRBY', KEYS[1], ARGV[1])
local ttl = tonumber(ARGV[2])
if ttl and ttl > 0 then
  redis.call('EXPIRE', KEYS[1], ttl)
end
local total = redis.call('INCRBY', KEYS[2], ARGV[1])
return {daily, total}
`)

// addUnassignedScript registers candidates without regressing a status some
// other instance already moved forward. ARGV[1] is the score.
var addUnassignedScript = redis.NewScript(`
local added = 0
for i = 2, #ARGV do
  local id = ARGV[i]
  local cur = redis.call('HGET', KEYS[2], id)
  if not cur then
    redis.call('HSET', KEYS[2], id, 'UNASSIGNED')
    cur = 'UNASSIGNED'
  end
  if cur == 'UNASSIGNED' then
    added = added + redis.call('ZADD', KEYS[1], 'NX', ARGV[1], id)
  end
end
return added
`)

// ErrCounterMissing reports that a user/device tally is not cached (first use,
// a new calendar day, or lost Redis data) and must be rebuilt from the log.
var ErrCounterMissing = errors.New("dispatch counter not cached")

// Counts is the dispatched-id tally of one user/device
type Counts struct {
	Daily int64
	Total int64
}

// IDCache is the Redis-backed pool cache. Every call runs under a short
// timeout; callers treat any error as a cache miss.
type IDCache struct {
	rdb        redis.Cmdable
	timeout    time.Duration
	counterTTL time.Duration
	loc        *time.Location
	now        func() time.Time
}

// Option customizes an IDCache
type Option func(*IDCache)

// WithClock overrides the time source used for scores and day keys
func WithClock(now func() time.Time) Option {
	return func(c *IDCache) { c.now = now }
}

// New wraps a go-redis client. loc decides where a calendar day starts.
func New(rdb redis.Cmdable, timeout, counterTTL time.Duration, loc *time.Location, opts ...Option) *IDCache {
	if timeout <= 0 {
		timeout = 150 * time.Millisecond
	}
	if loc == nil {
		loc = time.UTC
	}
	c := &IDCache{
		rdb:        rdb,
		timeout:    timeout,
		counterTTL: counterTTL,
		loc:        loc,
		now:        time.Now,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Day returns the calendar day (yyyy-mm-dd) that counters are currently keyed by
func (c *IDCache) Day() string {
	return c.now().In(c.loc).Format(time.DateOnly)
}

// SelectUnassigned proposes up to count candidate ids, oldest first.
// Members the status hash knows to be taken are dropped and evicted.
func (c *IDCache) SelectUnassigned(ctx context.Context, tenantID string, count int) ([]string, error) {
	if count <= 0 {
		return nil, nil
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	// Over-read so stale members do not starve the result
	members, err := c.rdb.ZRange(ctx, unassignedKey(tenantID), 0, int64(count*2-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("zrange unassigned: %w", err)
	}
	if len(members) == 0 {
		return nil, nil
	}

	statuses, err := c.rdb.HMGet(ctx, statusKey(tenantID), members...).Result()
	if err != nil {
		return nil, fmt.Errorf("hmget status: %w", err)
	}

	candidates := make([]string, 0, count)
	var stale []any
	for i, id := range members {
		if s, ok := statuses[i].(string); ok && model.IDStatus(s) != model.IDStatusUnassigned {
			stale = append(stale, id)
			continue
		}
		if len(candidates) < count {
			candidates = append(candidates, id)
		}
	}

	if len(stale) > 0 {
		// Best effort; a failed repair only costs another over-read
		_ = c.rdb.ZRem(ctx, unassignedKey(tenantID), stale...).Err()
	}
	return candidates, nil
}

// AddUnassigned registers records as candidates. Ids already present keep
// their original score, and ids whose cached status is past UNASSIGNED are
// skipped.
func (c *IDCache) AddUnassigned(ctx context.Context, tenantID string, records []model.IDRecord) error {
	if len(records) == 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	args := make([]any, 0, len(records)+1)
	args = append(args, c.now().UnixMilli())
	for _, r := range records {
		args = append(args, r.ID)
	}

	keys := []string{unassignedKey(tenantID), statusKey(tenantID)}
	if err := addUnassignedScript.Run(ctx, c.rdb, keys, args...).Err(); err != nil {
		return fmt.Errorf("add unassigned: %w", err)
	}
	return nil
}

// MarkStatus records the new status of the given records and removes them
// from the candidate set
func (c *IDCache) MarkStatus(ctx context.Context, tenantID string, records []model.IDRecord) error {
	if len(records) == 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	ids := make([]any, len(records))
	fields := make([]any, 0, len(records)*2)
	for i, r := range records {
		ids[i] = r.ID
		fields = append(fields, r.ID, string(r.Status))
	}

	_, err := c.rdb.Pipelined(ctx, func(p redis.Pipeliner) error {
		p.HSet(ctx, statusKey(tenantID), fields...)
		p.ZRem(ctx, unassignedKey(tenantID), ids...)
		return nil
	})
	if err != nil {
		return fmt.Errorf("mark status: %w", err)
	}
	return nil
}

// Evict forgets candidate ids the store refused to hand out
func (c *IDCache) Evict(ctx context.Context, tenantID string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	members := make([]any, len(ids))
	for i, id := range ids {
		members[i] = id
	}
	_, err := c.rdb.Pipelined(ctx, func(p redis.Pipeliner) error {
		p.ZRem(ctx, unassignedKey(tenantID), members...)
		p.HDel(ctx, statusKey(tenantID), ids...)
		return nil
	})
	if err != nil {
		return fmt.Errorf("evict: %w", err)
	}
	return nil
}

// GetDispatchedCount returns today's and the lifetime tally of a user/device.
// When either key is absent the known part is returned with ErrCounterMissing.
func (c *IDCache) GetDispatchedCount(ctx context.Context, tenantID, userUUID, deviceUUID string) (Counts, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	vals, err := c.rdb.MGet(ctx,
		dailyCountKey(tenantID, userUUID, deviceUUID, c.Day()),
		totalCountKey(tenantID, userUUID, deviceUUID),
	).Result()
	if err != nil {
		return Counts{}, fmt.Errorf("get dispatched count: %w", err)
	}

	var counts Counts
	if counts.Daily, err = parseCount(vals[0]); err != nil {
		return Counts{}, err
	}
	if counts.Total, err = parseCount(vals[1]); err != nil {
		return Counts{}, err
	}
	if vals[0] == nil || vals[1] == nil {
		return counts, ErrCounterMissing
	}
	return counts, nil
}

// IncrementDispatchedCount adds n to both tallies and returns the new values.
// It returns ErrCounterMissing without writing when either tally is not cached.
func (c *IDCache) IncrementDispatchedCount(ctx context.Context, tenantID, userUUID, deviceUUID string, n int64) (Counts, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	keys := []string{
		dailyCountKey(tenantID, userUUID, deviceUUID, c.Day()),
		totalCountKey(tenantID, userUUID, deviceUUID),
	}
	vals, err := incrementCountersScript.Run(ctx, c.rdb, keys, n, int64(c.counterTTL.Seconds())).Int64Slice()
	if err != nil {
		return Counts{}, fmt.Errorf("increment dispatched count: %w", err)
	}
	switch len(vals) {
	case 0:
		return Counts{}, ErrCounterMissing
	case 2:
		return Counts{Daily: vals[0], Total: vals[1]}, nil
	default:
		return Counts{}, fmt.Errorf("increment dispatched count: unexpected reply %v", vals)
	}
}

// SeedDispatchedCount creates whichever tally is missing. Existing keys win,
// so a concurrent increment is never overwritten.
func (c *IDCache) SeedDispatchedCount(ctx context.Context, tenantID, userUUID, deviceUUID string, counts Counts) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	_, err := c.rdb.Pipelined(ctx, func(p redis.Pipeliner) error {
		p.SetNX(ctx, dailyCountKey(tenantID, userUUID, deviceUUID, c.Day()), counts.Daily, c.counterTTL)
		p.SetNX(ctx, totalCountKey(tenantID, userUUID, deviceUUID), counts.Total, 0)
		return nil
	})
	if err != nil {
		return fmt.Errorf("seed dispatched count: %w", err)
	}
	return nil
}

// SetDispatchedCount overwrites both tallies, used to resync from the log
func (c *IDCache) SetDispatchedCount(ctx context.Context, tenantID, userUUID, deviceUUID string, counts Counts) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	_, err := c.rdb.Pipelined(ctx, func(p redis.Pipeliner) error {
		p.Set(ctx, dailyCountKey(tenantID, userUUID, deviceUUID, c.Day()), counts.Daily, c.counterTTL)
		p.Set(ctx, totalCountKey(tenantID, userUUID, deviceUUID), counts.Total, 0)
		return nil
	})
	if err != nil {
		return fmt.Errorf("set dispatched count: %w", err)
	}
	return nil
}

// Ping checks connectivity
func (c *IDCache) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	return c.rdb.Ping(ctx).Err()
}

var errBadCounter = errors.New("counter value is not an integer")

func parseCount(v any) (int64, error) {
	if v == nil {
		return 0, nil
	}
	s, ok := v.(string)
	if !ok {
		return 0, errBadCounter
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", errBadCounter, s)
	}
	return n, nil
}
