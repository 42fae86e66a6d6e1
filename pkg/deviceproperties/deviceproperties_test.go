package deviceproperties

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/longbridgeapp/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"golang.org/x/sync/errgroup"

	"github.com/hyp3rd/twincache/internal/constants"
	"github.com/hyp3rd/twincache/internal/sentinel"
	"github.com/hyp3rd/twincache/pkg/storage"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)}
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

// countingStore counts the writes reaching the wrapped store.
type countingStore struct {
	storage.IStore

	writes atomic.Int32
}

func (s *countingStore) Create(ctx context.Context, collectionID, key, data string) (*storage.ValueModel, error) {
	s.writes.Add(1)

	return s.IStore.Create(ctx, collectionID, key, data)
}

func (s *countingStore) Update(ctx context.Context, collectionID, key, data, etag string) (*storage.ValueModel, error) {
	s.writes.Add(1)

	return s.IStore.Update(ctx, collectionID, key, data, etag)
}

func staticSource(tags, reported []string) TwinNameSource {
	return TwinNameSourceFunc(func(context.Context) (DeviceTwinName, error) {
		return DeviceTwinName{Tags: tags, ReportedProperties: reported}, nil
	})
}

type fixture struct {
	clock *fakeClock
	store *countingStore
	cache *Cache
}

func newFixture(t *testing.T, cfg Config, source TwinNameSource) *fixture {
	t.Helper()

	clock := newFakeClock()
	store := &countingStore{IStore: storage.NewInMemory(storage.WithNow[storage.InMemory](clock.Now))}

	cache, err := New(store, source, cfg, WithNow(clock.Now), WithLogger(zaptest.NewLogger(t)))
	require.NoError(t, err)

	return &fixture{clock: clock, store: store, cache: cache}
}

func (f *fixture) stored(t *testing.T) DevicePropertyServiceModel {
	t.Helper()

	value, err := f.store.Get(context.Background(), constants.DevicePropertiesCollectionID, constants.DevicePropertiesKey)
	require.NoError(t, err)

	model, err := f.cache.decode(value)
	require.NoError(t, err)

	return model
}

func (f *fixture) put(t *testing.T, model DevicePropertyServiceModel) {
	t.Helper()

	data, err := f.cache.serializer.Marshal(&model)
	require.NoError(t, err)

	_, err = f.store.Update(context.Background(), constants.DevicePropertiesCollectionID, constants.DevicePropertiesKey, string(data), "")
	require.NoError(t, err)
}

func TestParseWhitelist(t *testing.T) {
	raw := "tags.a, reported.b, tags.c*"

	first := ParseWhitelist(raw)
	assert.Equal(t, []string{"a"}, first.Tags)
	assert.Equal(t, []string{"b"}, first.Reported)
	assert.Equal(t, []string{"c"}, first.TagPrefixes)
	assert.Equal(t, []string{}, first.ReportedPrefixes)

	assert.Equal(t, first, ParseWhitelist(raw))
}

func TestParseWhitelist_PrefixCaseAndNoise(t *testing.T) {
	wl := ParseWhitelist(" TAGS.Building , Reported.Firmware* , properties.x, , tags.*, reported.Protocol, reported.Protocol")

	assert.Equal(t, []string{"Building"}, wl.Tags)
	assert.Equal(t, []string{"Protocol"}, wl.Reported)
	assert.Equal(t, []string{""}, wl.TagPrefixes)
	assert.Equal(t, []string{"Firmware"}, wl.ReportedPrefixes)
	assert.True(t, wl.HasWildcards())
}

func TestWhitelist_ResolveMatchesCaseSensitively(t *testing.T) {
	wl := ParseWhitelist("tags.floor*, reported.Protocol")

	model := wl.Resolve(DeviceTwinName{
		Tags:               []string{"floor.level", "Floor.level", "room"},
		ReportedProperties: []string{"Battery"},
	})

	assert.Equal(t, []string{"floor.level"}, model.Tags)
	assert.Equal(t, []string{"Protocol"}, model.Reported)
}

func TestShouldRebuild(t *testing.T) {
	cfg := Config{Whitelist: "tags.a", TTL: time.Hour, RebuildTimeout: 20 * time.Second}
	f := newFixture(t, cfg, nil)

	stamp := func(age time.Duration, data string) *storage.ValueModel {
		return &storage.ValueModel{
			Data:     data,
			Metadata: map[string]string{constants.ModifiedMetadataKey: f.clock.Now().Add(-age).Format(time.RFC3339Nano)},
		}
	}

	const (
		idle       = `{"Tags":["a"],"Reported":[],"Rebuilding":false,"Built":true}`
		rebuilding = `{"Tags":["a"],"Reported":[],"Rebuilding":true,"Built":true}`
		mergedOnly = `{"Tags":["a"],"Reported":[],"Rebuilding":false}`
	)

	tests := []struct {
		name   string
		force  bool
		resume bool
		value  *storage.ValueModel
		want   bool
	}{
		{name: "absent", value: nil, want: true},
		{name: "forced", force: true, value: stamp(time.Second, idle), want: true},
		{name: "corrupt payload", value: stamp(time.Second, "{nope"), want: true},
		{name: "missing modified", value: &storage.ValueModel{Data: idle}, want: true},
		{name: "fresh", value: stamp(59*time.Minute, idle), want: false},
		{name: "expired", value: stamp(61*time.Minute, idle), want: true},
		{name: "rebuild in progress", value: stamp(10*time.Second, rebuilding), want: false},
		{name: "rebuild timed out", value: stamp(21*time.Second, rebuilding), want: true},
		{name: "stale rebuild", value: stamp(30*time.Minute, rebuilding), want: true},
		{name: "resume after abandoned rebuild", resume: true, value: stamp(time.Second, idle), want: true},
		{name: "resume respects a running rebuild", resume: true, value: stamp(time.Second, rebuilding), want: false},
		{name: "merged names never rebuilt", value: stamp(time.Second, mergedOnly), want: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, f.cache.shouldRebuild(tt.force, tt.resume)(tt.value))
		})
	}
}

func TestGetList_NotBuilt(t *testing.T) {
	f := newFixture(t, Config{Whitelist: "tags.a"}, nil)

	_, err := f.cache.GetList(context.Background())
	assert.True(t, errors.Is(err, sentinel.ErrCacheNotBuilt))
}

func TestGetList_NotBuiltUntilARebuildCompletes(t *testing.T) {
	var f *fixture

	failing := true

	source := TwinNameSourceFunc(func(ctx context.Context) (DeviceTwinName, error) {
		// the lock document exists while the names are being computed
		_, err := f.cache.GetList(ctx)
		if !errors.Is(err, sentinel.ErrCacheNotBuilt) {
			return DeviceTwinName{}, fmt.Errorf("expected not built during the first rebuild, got %w", err)
		}

		if failing {
			return DeviceTwinName{}, errors.New("registry unavailable")
		}

		return DeviceTwinName{Tags: []string{"Building"}}, nil
	})

	f = newFixture(t, Config{Whitelist: "tags.*", RebuildBackoff: time.Millisecond, MaxAttempts: 2}, source)
	ctx := context.Background()

	_, err := f.cache.TryRecreateList(ctx, false)
	assert.True(t, errors.Is(err, sentinel.ErrRetriesExhausted))

	names, err := f.cache.GetList(ctx)
	assert.True(t, errors.Is(err, sentinel.ErrCacheNotBuilt))
	assert.Equal(t, 0, len(names))

	failing = false

	rebuilt, err := f.cache.TryRecreateList(ctx, false)
	require.NoError(t, err)
	assert.True(t, rebuilt)
	assert.True(t, f.stored(t).Built)

	names, err = f.cache.GetList(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"Tags.Building"}, names)
}

func TestGetList_MergedNamesAreNotABuild(t *testing.T) {
	f := newFixture(t, Config{Whitelist: "tags.a"}, nil)
	ctx := context.Background()

	_, err := f.cache.UpdateList(ctx, DevicePropertyServiceModel{Tags: []string{"b"}})
	require.NoError(t, err)

	_, err = f.cache.GetList(ctx)
	assert.True(t, errors.Is(err, sentinel.ErrCacheNotBuilt))

	// the merged document is fresh but was never rebuilt
	rebuilt, err := f.cache.TryRecreateList(ctx, false)
	require.NoError(t, err)
	assert.True(t, rebuilt)

	names, err := f.cache.GetList(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"Tags.a"}, names)
}

func TestGetList_Corrupt(t *testing.T) {
	f := newFixture(t, Config{Whitelist: "tags.a"}, nil)

	_, err := f.store.Create(context.Background(), constants.DevicePropertiesCollectionID, constants.DevicePropertiesKey, "][")
	require.NoError(t, err)

	_, err = f.cache.GetList(context.Background())
	assert.True(t, errors.Is(err, sentinel.ErrInvalidInput))
}

func TestTryRecreateList_WildcardTags(t *testing.T) {
	f := newFixture(t, Config{Whitelist: "tags.*"}, staticSource([]string{"Floor", "Building", "Floor"}, []string{"Battery"}))
	ctx := context.Background()

	rebuilt, err := f.cache.TryRecreateList(ctx, false)
	require.NoError(t, err)
	assert.True(t, rebuilt)

	names, err := f.cache.GetList(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"Tags.Building", "Tags.Floor"}, names)
	assert.False(t, f.stored(t).Rebuilding)

	rebuilt, err = f.cache.TryRecreateList(ctx, false)
	require.NoError(t, err)
	assert.False(t, rebuilt)

	rebuilt, err = f.cache.TryRecreateList(ctx, true)
	require.NoError(t, err)
	assert.True(t, rebuilt)
}

func TestTryRecreateList_ExactEntriesSkipSource(t *testing.T) {
	var calls atomic.Int32

	source := TwinNameSourceFunc(func(context.Context) (DeviceTwinName, error) {
		calls.Add(1)

		return DeviceTwinName{}, nil
	})

	f := newFixture(t, Config{Whitelist: "tags.Building, reported.Protocol"}, source)

	rebuilt, err := f.cache.TryRecreateList(context.Background(), false)
	require.NoError(t, err)
	assert.True(t, rebuilt)
	assert.Equal(t, int32(0), calls.Load())

	names, err := f.cache.GetList(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"Tags.Building", "Properties.Reported.Protocol"}, names)
}

func TestTryRecreateList_TTLExpiry(t *testing.T) {
	f := newFixture(t, Config{Whitelist: "tags.a", TTL: time.Hour}, nil)
	ctx := context.Background()

	_, err := f.cache.TryRecreateList(ctx, false)
	require.NoError(t, err)

	f.clock.Advance(30 * time.Minute)

	rebuilt, err := f.cache.TryRecreateList(ctx, false)
	require.NoError(t, err)
	assert.False(t, rebuilt)

	f.clock.Advance(31 * time.Minute)

	rebuilt, err = f.cache.TryRecreateList(ctx, false)
	require.NoError(t, err)
	assert.True(t, rebuilt)
}

func TestTryRecreateList_TakesOverTimedOutRebuild(t *testing.T) {
	f := newFixture(t, Config{Whitelist: "tags.a", RebuildTimeout: 20 * time.Second}, nil)
	ctx := context.Background()

	// another instance crashed halfway through its rebuild
	f.put(t, DevicePropertyServiceModel{Tags: []string{"old"}, Rebuilding: true})

	f.clock.Advance(10 * time.Second)

	rebuilt, err := f.cache.TryRecreateList(ctx, false)
	require.NoError(t, err)
	assert.False(t, rebuilt)

	f.clock.Advance(11 * time.Second)

	rebuilt, err = f.cache.TryRecreateList(ctx, false)
	require.NoError(t, err)
	assert.True(t, rebuilt)

	model := f.stored(t)
	assert.False(t, model.Rebuilding)
	assert.Equal(t, []string{"a"}, model.Tags)
}

func TestTryRecreateList_SourceFailureReleasesLock(t *testing.T) {
	var calls atomic.Int32

	source := TwinNameSourceFunc(func(context.Context) (DeviceTwinName, error) {
		if calls.Add(1) == 1 {
			return DeviceTwinName{}, errors.New("registry unavailable")
		}

		return DeviceTwinName{Tags: []string{"Building"}}, nil
	})

	f := newFixture(t, Config{Whitelist: "tags.*", RebuildBackoff: time.Millisecond}, source)

	rebuilt, err := f.cache.TryRecreateList(context.Background(), false)
	require.NoError(t, err)
	assert.True(t, rebuilt)
	assert.Equal(t, int32(2), calls.Load())
	assert.Equal(t, []string{"Building"}, f.stored(t).Tags)
}

func TestTryRecreateList_MaxAttempts(t *testing.T) {
	source := TwinNameSourceFunc(func(context.Context) (DeviceTwinName, error) {
		return DeviceTwinName{}, errors.New("registry unavailable")
	})

	f := newFixture(t, Config{Whitelist: "tags.*", RebuildBackoff: time.Millisecond, MaxAttempts: 3}, source)

	_, err := f.cache.TryRecreateList(context.Background(), false)
	assert.True(t, errors.Is(err, sentinel.ErrRetriesExhausted))

	// the abandoned attempt must not leave the document locked
	assert.False(t, f.stored(t).Rebuilding)
}

func TestTryRecreateList_SingleAttempt(t *testing.T) {
	var calls atomic.Int32

	source := TwinNameSourceFunc(func(context.Context) (DeviceTwinName, error) {
		calls.Add(1)

		return DeviceTwinName{}, errors.New("registry unavailable")
	})

	f := newFixture(t, Config{Whitelist: "tags.*", RebuildBackoff: time.Hour, MaxAttempts: 1}, source)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := f.cache.TryRecreateList(ctx, false)
	assert.True(t, errors.Is(err, sentinel.ErrRetriesExhausted))
	assert.Equal(t, int32(1), calls.Load())

	_, err = f.cache.UpdateList(ctx, DevicePropertyServiceModel{Tags: []string{"Building"}})
	require.NoError(t, err)
}

func TestTryRecreateList_CanceledWhileBackingOff(t *testing.T) {
	source := TwinNameSourceFunc(func(context.Context) (DeviceTwinName, error) {
		return DeviceTwinName{}, errors.New("registry unavailable")
	})

	f := newFixture(t, Config{Whitelist: "tags.*", RebuildBackoff: time.Hour}, source)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := f.cache.TryRecreateList(ctx, false)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}

func TestTryRecreateList_ConcurrentInstancesRebuildOnce(t *testing.T) {
	clock := newFakeClock()
	store := storage.NewInMemory(storage.WithNow[storage.InMemory](clock.Now))

	var (
		rebuilds atomic.Int32
		group    errgroup.Group
	)

	for range 8 {
		cache, err := New(store, staticSource([]string{"Building"}, nil), Config{Whitelist: "tags.*"}, WithNow(clock.Now))
		require.NoError(t, err)

		group.Go(func() error {
			rebuilt, err := cache.TryRecreateList(context.Background(), false)
			if rebuilt {
				rebuilds.Add(1)
			}

			return err
		})
	}

	require.NoError(t, group.Wait())
	assert.Equal(t, int32(1), rebuilds.Load())

	cache, err := New(store, nil, Config{Whitelist: "tags.Building"})
	require.NoError(t, err)

	names, err := cache.GetList(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"Tags.Building"}, names)
}

func TestUpdateList_ConvergesWithoutWrites(t *testing.T) {
	f := newFixture(t, Config{Whitelist: "tags.a"}, nil)
	ctx := context.Background()

	merged, err := f.cache.UpdateList(ctx, DevicePropertyServiceModel{Tags: []string{"b", "a"}, Reported: []string{"x"}})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, merged.Tags)
	assert.Equal(t, int32(1), f.store.writes.Load())

	partials := []DevicePropertyServiceModel{
		{Tags: []string{"a"}},
		{Reported: []string{"x"}},
		{Tags: []string{"b"}, Reported: []string{"x"}},
		{},
	}

	for _, partial := range partials {
		got, err := f.cache.UpdateList(ctx, partial)
		require.NoError(t, err)
		assert.Equal(t, []string{"a", "b"}, got.Tags)
	}

	assert.Equal(t, int32(1), f.store.writes.Load())

	_, err = f.cache.UpdateList(ctx, DevicePropertyServiceModel{Reported: []string{"y"}})
	require.NoError(t, err)
	assert.Equal(t, int32(2), f.store.writes.Load())
	assert.Equal(t, []string{"x", "y"}, f.stored(t).Reported)
}

func TestUpdateList_ConcurrentMergesKeepEveryName(t *testing.T) {
	f := newFixture(t, Config{Whitelist: "tags.a"}, nil)

	var group errgroup.Group

	for i := range 16 {
		group.Go(func() error {
			_, err := f.cache.UpdateList(context.Background(), DevicePropertyServiceModel{Tags: []string{fmt.Sprintf("tag-%02d", i)}})

			return err
		})
	}

	require.NoError(t, group.Wait())
	assert.Equal(t, 16, len(f.stored(t).Tags))
}

func TestNew_WildcardNeedsSource(t *testing.T) {
	_, err := New(storage.NewInMemory(), nil, Config{Whitelist: "tags.*"})
	assert.True(t, errors.Is(err, sentinel.ErrNilValue))
}
