package querycache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/longbridgeapp/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/hyp3rd/twincache/internal/sentinel"
	"github.com/hyp3rd/twincache/pkg/appconfig"
	"github.com/hyp3rd/twincache/pkg/changelog"
)

const (
	tenant     = "acme"
	collection = "acme-twin-changes"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.now = c.now.Add(d)
}

// countingLog counts the change-log queries reaching the wrapped log.
type countingLog struct {
	*changelog.InMemory

	queries atomic.Int32
	fail    error
}

func (l *countingLog) QueryDocuments(
	ctx context.Context,
	database, collection string,
	query changelog.ChangeQuery,
	skip, top int,
) ([]changelog.ChangeEvent, error) {
	l.queries.Add(1)

	if l.fail != nil {
		return nil, l.fail
	}

	return l.InMemory.QueryDocuments(ctx, database, collection, query, skip, top)
}

type fixture struct {
	clock *fakeClock
	log   *countingLog
	cache *Cache
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	clock := &fakeClock{now: time.Date(2024, 9, 9, 9, 0, 0, 0, time.UTC)}
	log := &countingLog{InMemory: changelog.NewInMemory()}
	require.NoError(t, log.CreateCollection(context.Background(), "iot", collection))

	tenants := appconfig.NewStatic(map[string]string{appconfig.TwinChangeCollectionKey(tenant): collection})

	cache, err := New(log, tenants, WithNow(clock.Now), WithLogger(zaptest.NewLogger(t)))
	require.NoError(t, err)

	return &fixture{clock: clock, log: log, cache: cache}
}

func (f *fixture) result() *DeviceList {
	return &DeviceList{Items: nil, ResultTimestamp: f.clock.Now()}
}

func TestNew_RequiresCollaborators(t *testing.T) {
	_, err := New(nil, appconfig.NewStatic(nil))
	assert.True(t, errors.Is(err, sentinel.ErrNilValue))
}

func TestGet_UnknownTenantSkipsChangeLog(t *testing.T) {
	f := newFixture(t)

	result, hit := f.cache.GetCachedQueryResult(context.Background(), "nobody", "SELECT *")
	assert.False(t, hit)
	assert.Nil(t, result)
	assert.Equal(t, int32(0), f.log.queries.Load())

	f.cache.SetTenantQueryResult(tenant, "q1", f.result())

	_, hit = f.cache.GetCachedQueryResult(context.Background(), tenant, "q2")
	assert.False(t, hit)
	assert.Equal(t, int32(0), f.log.queries.Load())
}

func TestGet_HitWhenNothingChanged(t *testing.T) {
	f := newFixture(t)
	want := f.result()

	f.cache.SetTenantQueryResult(tenant, "", want)
	f.clock.Advance(30 * time.Second)

	got, hit := f.cache.GetCachedQueryResult(context.Background(), tenant, "")
	assert.True(t, hit)
	assert.True(t, got == want)
	assert.Equal(t, int32(1), f.log.queries.Load())
	assert.Equal(t, uint64(1), f.cache.Stats().Hits)
}

func TestGet_ExpiredEntryIsEvictedWithoutChangeLog(t *testing.T) {
	f := newFixture(t)

	f.cache.SetTenantQueryResult(tenant, "q", f.result())
	f.clock.Advance(61 * time.Second)

	_, hit := f.cache.GetCachedQueryResult(context.Background(), tenant, "q")
	assert.False(t, hit)
	assert.Equal(t, int32(0), f.log.queries.Load())
	assert.Equal(t, uint64(1), f.cache.Stats().Expirations)

	p, ok := f.cache.tenants.Get(tenant)
	require.True(t, ok)
	assert.Equal(t, 0, len(p.entries))
}

func TestGet_NewerChangeClearsWholeTenant(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.cache.SetTenantQueryResult(tenant, "q1", f.result())
	f.cache.SetTenantQueryResult(tenant, "q2", f.result())
	f.cache.SetTenantQueryResult("other", "q1", f.result())

	f.clock.Advance(5 * time.Second)

	_, err := f.log.Append(ctx, "iot", collection, changelog.ChangeEvent{DeviceID: "d1", Timestamp: f.clock.Now()})
	require.NoError(t, err)

	_, hit := f.cache.GetCachedQueryResult(ctx, tenant, "q1")
	assert.False(t, hit)

	queries := f.log.queries.Load()

	// q2 was never looked up but went with the rest of the tenant
	_, hit = f.cache.GetCachedQueryResult(ctx, tenant, "q2")
	assert.False(t, hit)
	assert.Equal(t, queries, f.log.queries.Load())

	p, ok := f.cache.tenants.Get("other")
	require.True(t, ok)
	assert.Equal(t, 1, len(p.entries))
	assert.Equal(t, uint64(1), f.cache.Stats().Invalidations)
}

func TestGet_OlderChangeKeepsEntry(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.log.Append(ctx, "iot", collection, changelog.ChangeEvent{DeviceID: "d1", Timestamp: f.clock.Now().Add(-time.Second)})
	require.NoError(t, err)

	f.cache.SetTenantQueryResult(tenant, "q", f.result())

	_, hit := f.cache.GetCachedQueryResult(ctx, tenant, "q")
	assert.True(t, hit)
}

func TestGet_ChangeLogFailureClearsTenant(t *testing.T) {
	f := newFixture(t)
	f.log.fail = errors.New("change log unavailable")

	f.cache.SetTenantQueryResult(tenant, "q1", f.result())
	f.cache.SetTenantQueryResult(tenant, "q2", f.result())

	_, hit := f.cache.GetCachedQueryResult(context.Background(), tenant, "q1")
	assert.False(t, hit)

	p, ok := f.cache.tenants.Get(tenant)
	require.True(t, ok)
	assert.Equal(t, 0, len(p.entries))
}

func TestGet_MissingCollectionConfigClearsTenant(t *testing.T) {
	f := newFixture(t)
	tenants := appconfig.NewStatic(nil)

	cache, err := New(f.log, tenants, WithNow(f.clock.Now))
	require.NoError(t, err)

	cache.SetTenantQueryResult(tenant, "q", f.result())

	_, hit := cache.GetCachedQueryResult(context.Background(), tenant, "q")
	assert.False(t, hit)
	assert.Equal(t, int32(0), f.log.queries.Load())

	_, hit = cache.GetCachedQueryResult(context.Background(), tenant, "q")
	assert.False(t, hit)
}

func TestSet_StampsMissingTimestampAndOverwrites(t *testing.T) {
	f := newFixture(t)

	first := &DeviceList{ContinuationToken: "first"}
	f.cache.SetTenantQueryResult(tenant, "q", first)
	assert.True(t, first.ResultTimestamp.Equal(f.clock.Now()))

	second := f.result()
	second.ContinuationToken = "second"
	f.cache.SetTenantQueryResult(tenant, "q", second)

	got, hit := f.cache.GetCachedQueryResult(context.Background(), tenant, "q")
	require.True(t, hit)
	assert.Equal(t, "second", got.ContinuationToken)
}

func TestWithTTL(t *testing.T) {
	f := newFixture(t)

	cache, err := New(f.log, appconfig.NewStatic(map[string]string{appconfig.TwinChangeCollectionKey(tenant): collection}),
		WithNow(f.clock.Now), WithTTL(5*time.Minute), WithDatabase("iot"))
	require.NoError(t, err)
	assert.Equal(t, 5*time.Minute, cache.TTL())

	cache.SetTenantQueryResult(tenant, "q", f.result())
	f.clock.Advance(2 * time.Minute)

	_, hit := cache.GetCachedQueryResult(context.Background(), tenant, "q")
	assert.True(t, hit)
}

func TestInvalidateTenant(t *testing.T) {
	f := newFixture(t)

	f.cache.InvalidateTenant("unknown")
	f.cache.SetTenantQueryResult(tenant, "q", f.result())
	f.cache.InvalidateTenant(tenant)

	_, hit := f.cache.GetCachedQueryResult(context.Background(), tenant, "q")
	assert.False(t, hit)
	assert.Equal(t, int32(0), f.log.queries.Load())
}
