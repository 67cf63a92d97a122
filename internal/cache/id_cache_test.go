package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quocanhngo/idpool/internal/model"
)

func newTestCache(t *testing.T, opts ...Option) (*IDCache, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	return New(rdb, time.Second, 48*time.Hour, time.UTC, opts...), mr
}

func records(status model.IDStatus, ids ...string) []model.IDRecord {
	out := make([]model.IDRecord, len(ids))
	for i, id := range ids {
		out[i] = model.IDRecord{ID: id, TenantID: "t1", Status: status}
	}
	return out
}

func TestSelectUnassigned_EmptyIsMiss(t *testing.T) {
	c, _ := newTestCache(t)

	got, err := c.SelectUnassigned(context.Background(), "t1", 5)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestAddAndSelectUnassigned(t *testing.T) {
	ctx := context.Background()
	c, mr := newTestCache(t)

	require.NoError(t, c.AddUnassigned(ctx, "t1", records(model.IDStatusUnassigned, "a", "b", "c")))

	got, err := c.SelectUnassigned(ctx, "t1", 2)
	require.NoError(t, err)
	assert.Len(t, got, 2)

	status := mr.HGet("idpool:{t1}:status", "a")
	assert.Equal(t, "UNASSIGNED", status)

	other, err := c.SelectUnassigned(ctx, "t2", 2)
	require.NoError(t, err)
	assert.Empty(t, other)
}

func TestSelectUnassigned_DropsAndRepairsStale(t *testing.T) {
	ctx := context.Background()
	c, mr := newTestCache(t)

	require.NoError(t, c.AddUnassigned(ctx, "t1", records(model.IDStatusUnassigned, "a", "b", "c")))
	// Another instance dispatched "a" but crashed before removing it from the set
	mr.HSet("idpool:{t1}:status", "a", "DISPATCHED")

	got, err := c.SelectUnassigned(ctx, "t1", 3)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"b", "c"}, got)

	members, err := mr.ZMembers("idpool:{t1}:unassigned")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"b", "c"}, members)
}

func TestAddUnassigned_DoesNotRegressStatus(t *testing.T) {
	ctx := context.Background()
	c, mr := newTestCache(t)

	require.NoError(t, c.AddUnassigned(ctx, "t1", records(model.IDStatusUnassigned, "a", "b")))
	require.NoError(t, c.MarkStatus(ctx, "t1", records(model.IDStatusDispatched, "a")))

	// A refill that read "a" before it was dispatched
	require.NoError(t, c.AddUnassigned(ctx, "t1", records(model.IDStatusUnassigned, "a", "c")))

	assert.Equal(t, "DISPATCHED", mr.HGet("idpool:{t1}:status", "a"))
	members, err := mr.ZMembers("idpool:{t1}:unassigned")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"b", "c"}, members)
}

func TestMarkStatus_RemovesCandidates(t *testing.T) {
	ctx := context.Background()
	c, mr := newTestCache(t)

	require.NoError(t, c.AddUnassigned(ctx, "t1", records(model.IDStatusUnassigned, "a", "b")))
	require.NoError(t, c.MarkStatus(ctx, "t1", records(model.IDStatusDispatched, "a")))

	got, err := c.SelectUnassigned(ctx, "t1", 5)
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, got)
	assert.Equal(t, "DISPATCHED", mr.HGet("idpool:{t1}:status", "a"))
}

func TestEvict(t *testing.T) {
	ctx := context.Background()
	c, mr := newTestCache(t)

	require.NoError(t, c.AddUnassigned(ctx, "t1", records(model.IDStatusUnassigned, "a", "b")))
	require.NoError(t, c.Evict(ctx, "t1", []string{"a"}))

	got, err := c.SelectUnassigned(ctx, "t1", 5)
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, got)
	assert.Empty(t, mr.HGet("idpool:{t1}:status", "a"))
}

func TestCounters_SeedIncrementGetAndSet(t *testing.T) {
	ctx := context.Background()
	day := time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)
	c, mr := newTestCache(t, WithClock(func() time.Time { return day }))

	counts, err := c.GetDispatchedCount(ctx, "t1", "u1", "d1")
	assert.ErrorIs(t, err, ErrCounterMissing)
	assert.Equal(t, Counts{}, counts)

	require.NoError(t, c.SeedDispatchedCount(ctx, "t1", "u1", "d1", Counts{}))

	counts, err = c.IncrementDispatchedCount(ctx, "t1", "u1", "d1", 3)
	require.NoError(t, err)
	assert.Equal(t, Counts{Daily: 3, Total: 3}, counts)

	counts, err = c.IncrementDispatchedCount(ctx, "t1", "u1", "d1", 2)
	require.NoError(t, err)
	assert.Equal(t, Counts{Daily: 5, Total: 5}, counts)

	dailyKey := "idpool:{t1}:user:u1:device:d1:count:2024-03-10"
	assert.True(t, mr.Exists(dailyKey))
	assert.Equal(t, 48*time.Hour, mr.TTL(dailyKey))
	assert.Zero(t, mr.TTL("idpool:{t1}:user:u1:device:d1:total:count"))

	require.NoError(t, c.SetDispatchedCount(ctx, "t1", "u1", "d1", Counts{Daily: 1, Total: 9}))
	counts, err = c.GetDispatchedCount(ctx, "t1", "u1", "d1")
	require.NoError(t, err)
	assert.Equal(t, Counts{Daily: 1, Total: 9}, counts)
}

func TestIncrementDispatchedCount_MissingCounterIsNotCreated(t *testing.T) {
	ctx := context.Background()
	day := time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)
	c, mr := newTestCache(t, WithClock(func() time.Time { return day }))

	_, err := c.IncrementDispatchedCount(ctx, "t1", "u1", "d1", 2)
	assert.ErrorIs(t, err, ErrCounterMissing)
	assert.False(t, mr.Exists("idpool:{t1}:user:u1:device:d1:count:2024-03-10"))
	assert.False(t, mr.Exists("idpool:{t1}:user:u1:device:d1:total:count"))

	// Only the lifetime tally survived, e.g. after the daily key expired
	require.NoError(t, mr.Set("idpool:{t1}:user:u1:device:d1:total:count", "7"))
	_, err = c.IncrementDispatchedCount(ctx, "t1", "u1", "d1", 2)
	assert.ErrorIs(t, err, ErrCounterMissing)
	total, err := mr.Get("idpool:{t1}:user:u1:device:d1:total:count")
	require.NoError(t, err)
	assert.Equal(t, "7", total)
}

func TestSeedDispatchedCount_KeepsExistingValues(t *testing.T) {
	ctx := context.Background()
	day := time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)
	c, _ := newTestCache(t, WithClock(func() time.Time { return day }))

	require.NoError(t, c.SetDispatchedCount(ctx, "t1", "u1", "d1", Counts{Daily: 4, Total: 10}))
	require.NoError(t, c.SeedDispatchedCount(ctx, "t1", "u1", "d1", Counts{Daily: 1, Total: 1}))

	counts, err := c.GetDispatchedCount(ctx, "t1", "u1", "d1")
	require.NoError(t, err)
	assert.Equal(t, Counts{Daily: 4, Total: 10}, counts)
}

func TestCounters_NewCalendarDayIsMissing(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 3, 10, 23, 59, 0, 0, time.UTC)
	c, _ := newTestCache(t, WithClock(func() time.Time { return now }))

	require.NoError(t, c.SeedDispatchedCount(ctx, "t1", "u1", "d1", Counts{}))
	_, err := c.IncrementDispatchedCount(ctx, "t1", "u1", "d1", 4)
	require.NoError(t, err)

	now = now.Add(2 * time.Minute)
	counts, err := c.GetDispatchedCount(ctx, "t1", "u1", "d1")
	assert.ErrorIs(t, err, ErrCounterMissing)
	assert.Equal(t, Counts{Daily: 0, Total: 4}, counts)

	require.NoError(t, c.SeedDispatchedCount(ctx, "t1", "u1", "d1", Counts{Daily: 0, Total: 99}))
	counts, err = c.GetDispatchedCount(ctx, "t1", "u1", "d1")
	require.NoError(t, err)
	assert.Equal(t, Counts{Daily: 0, Total: 4}, counts)
}

func TestUnavailableRedisReturnsError(t *testing.T) {
	ctx := context.Background()
	c, mr := newTestCache(t)
	mr.Close()

	_, err := c.SelectUnassigned(ctx, "t1", 1)
	assert.Error(t, err)
	_, err = c.GetDispatchedCount(ctx, "t1", "u1", "d1")
	assert.Error(t, err)
	assert.Error(t, c.Ping(ctx))
}

func TestGetDispatchedCount_CorruptValue(t *testing.T) {
	ctx := context.Background()
	c, mr := newTestCache(t)
	require.NoError(t, mr.Set("idpool:{t1}:user:u1:device:d1:total:count", "lots"))

	_, err := c.GetDispatchedCount(ctx, "t1", "u1", "d1")
	assert.ErrorIs(t, err, errBadCounter)
}
