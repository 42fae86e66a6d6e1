// Package twincache is the device twin caching core of a multi-tenant IoT control plane.
//
// It combines two caches that several service instances share without any cross-instance
// lock, relying only on conditional writes to a versioned store:
//   - the device property cache: the deployment-wide list of twin tag and reported property
//     names offered for building device group filters (see pkg/deviceproperties)
//   - the device query cache: per-process, per-tenant device query results that are
//     dropped as soon as the tenant's change log shows a newer twin change (see pkg/querycache)
//
// TwinCache wires both to their collaborators (versioned store, twin registry, change log,
// tenant configuration), all backed either by Redis or by process memory.
package twincache

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/hyp3rd/ewrap"
	"go.uber.org/zap"

	"github.com/hyp3rd/twincache/internal/constants"
	"github.com/hyp3rd/twincache/internal/libs/serializer"
	"github.com/hyp3rd/twincache/internal/sentinel"
	"github.com/hyp3rd/twincache/pkg/appconfig"
	"github.com/hyp3rd/twincache/pkg/changelog"
	"github.com/hyp3rd/twincache/pkg/deviceproperties"
	"github.com/hyp3rd/twincache/pkg/querycache"
	"github.com/hyp3rd/twincache/pkg/stats"
	"github.com/hyp3rd/twincache/pkg/storage"
	redisstore "github.com/hyp3rd/twincache/pkg/storage/redis"
	"github.com/hyp3rd/twincache/pkg/twin"
)

// TwinCache implements Service.
type TwinCache struct {
	cfg    *Config
	logger *zap.Logger
	now    func() time.Time

	store          storage.IStore
	registry       twin.Registry
	changeLog      changelog.Log
	tenantConfig   appconfig.Store
	statsCollector stats.ICollector

	properties *deviceproperties.Cache
	queries    *querycache.Cache

	redis    *redisstore.Store // set when TwinCache created the client and must close it
	mgmtHTTP *ManagementHTTPServer

	stop     chan struct{}
	stopOnce sync.Once
	loopOnce sync.Once
	wg       sync.WaitGroup
}

// New creates a TwinCache. A nil cfg uses NewConfig().
// Collaborators not injected through options are built for cfg.Backend.
func New(ctx context.Context, cfg *Config, opts ...Option) (*TwinCache, error) {
	if cfg == nil {
		cfg = NewConfig()
	}

	cfg.applyDefaults()

	err := cfg.Validate()
	if err != nil {
		return nil, err
	}

	tc := &TwinCache{
		cfg:    cfg,
		logger: zap.NewNop(),
		now:    time.Now,
		stop:   make(chan struct{}),
	}

	ApplyOptions(tc, opts...)

	tc.logger = tc.logger.With(zap.String("backend", cfg.Backend))

	err = tc.buildCollaborators(ctx)
	if err != nil {
		return nil, err
	}

	err = tc.buildCaches()
	if err != nil {
		tc.closeRedis()

		return nil, err
	}

	if tc.mgmtHTTP == nil && cfg.Management.Enabled {
		tc.mgmtHTTP = NewManagementHTTPServer(cfg.Management.Addr)
	}

	return tc, nil
}

// StartManagement starts the management HTTP server, when one is configured, serving
// requests through svc. Pass the middleware-decorated service so HTTP calls are logged
// and instrumented; a nil svc serves tc directly.
func (tc *TwinCache) StartManagement(ctx context.Context, svc Service) error {
	if tc.mgmtHTTP == nil {
		return nil
	}

	if svc == nil {
		svc = tc
	}

	return tc.mgmtHTTP.Start(ctx, svc, tc.Config())
}

// buildCollaborators creates the collaborators that were not injected.
func (tc *TwinCache) buildCollaborators(ctx context.Context) error {
	if tc.store != nil && tc.registry != nil && tc.changeLog != nil && tc.tenantConfig != nil {
		return nil
	}

	if tc.cfg.Backend == constants.InMemoryBackend {
		tc.buildInMemory()

		return nil
	}

	return tc.buildRedis(ctx)
}

func (tc *TwinCache) buildInMemory() {
	if tc.store == nil {
		tc.store = storage.NewInMemory(storage.WithNow[storage.InMemory](tc.now))
	}

	if tc.registry == nil {
		tc.registry = twin.NewInMemory()
	}

	if tc.changeLog == nil {
		tc.changeLog = changelog.NewInMemory()
	}

	if tc.tenantConfig == nil {
		tc.tenantConfig = appconfig.NewStatic(nil)
	}
}

func (tc *TwinCache) buildRedis(ctx context.Context) error {
	rcfg := tc.cfg.Redis

	client, err := redisstore.New(
		redisstore.WithAddr(rcfg.Addr),
		redisstore.WithCredentials(rcfg.Username, rcfg.Password),
		redisstore.WithDB(rcfg.DB),
		redisstore.WithPoolSize(rcfg.PoolSize),
	)
	if err != nil {
		return ewrap.Wrap(err, "creating redis client")
	}

	tc.redis = client

	err = client.Ping(ctx)
	if err != nil {
		tc.closeRedis()

		return err
	}

	if tc.store == nil {
		tc.store, err = storage.NewRedis(
			storage.WithRedisClient(client.Client),
			storage.WithKeyPrefix(rcfg.KeyPrefix),
			storage.WithNow[storage.Redis](tc.now),
		)
		if err != nil {
			tc.closeRedis()

			return err
		}
	}

	if tc.registry == nil {
		tc.registry, err = twin.NewRedis(client.Client, rcfg.KeyPrefix)
		if err != nil {
			tc.closeRedis()

			return err
		}
	}

	if tc.changeLog == nil {
		tc.changeLog, err = changelog.NewRedis(client.Client, changelog.WithKeyPrefix(rcfg.KeyPrefix), changelog.WithNow(tc.now))
		if err != nil {
			tc.closeRedis()

			return err
		}
	}

	if tc.tenantConfig == nil {
		tc.tenantConfig, err = appconfig.NewRedis(client.Client, rcfg.KeyPrefix)
		if err != nil {
			tc.closeRedis()

			return err
		}
	}

	return nil
}

func (tc *TwinCache) buildCaches() error {
	dp := tc.cfg.DeviceProperties

	ser, err := serializer.New(dp.Serializer)
	if err != nil {
		return err
	}

	tc.properties, err = deviceproperties.New(
		tc.store,
		tc.registry,
		deviceproperties.Config{
			Whitelist:      dp.Whitelist,
			TTL:            dp.TTL,
			RebuildTimeout: dp.RebuildTimeout,
			RebuildBackoff: dp.RebuildBackoff,
			MaxAttempts:    dp.MaxAttempts,
		},
		deviceproperties.WithNow(tc.now),
		deviceproperties.WithLogger(tc.logger),
		deviceproperties.WithSerializer(ser),
	)
	if err != nil {
		return err
	}

	tc.queries, err = querycache.New(
		tc.changeLog,
		tc.tenantConfig,
		querycache.WithTTL(tc.cfg.QueryCache.TTL),
		querycache.WithDatabase(tc.cfg.QueryCache.Database),
		querycache.WithNow(tc.now),
		querycache.WithLogger(tc.logger),
		querycache.WithStatsCollector(tc.statsCollector),
	)

	return err
}

// DeviceProperties returns the exposed tag and reported property names.
func (tc *TwinCache) DeviceProperties(ctx context.Context) ([]string, error) {
	return tc.properties.GetList(ctx)
}

// RebuildDeviceProperties rebuilds the device property names when stale, or with force.
func (tc *TwinCache) RebuildDeviceProperties(ctx context.Context, force bool) (bool, error) {
	return tc.properties.TryRecreateList(ctx, force)
}

// MergeDeviceProperties adds names to the device property cache.
func (tc *TwinCache) MergeDeviceProperties(
	ctx context.Context,
	partial deviceproperties.DevicePropertyServiceModel,
) (deviceproperties.DevicePropertyServiceModel, error) {
	return tc.properties.UpdateList(ctx, partial)
}

// UpdateTwin stores t, merges its whitelisted names into the device property cache,
// drops this process's cached queries of the tenant and appends a change event so the
// other instances drop theirs.
//
// Once the twin is stored the queries are invalidated and the change is recorded even
// when the merge fails; the returned error joins every failure.
func (tc *TwinCache) UpdateTwin(ctx context.Context, t twin.Twin) (twin.Twin, error) {
	stored, err := tc.registry.Upsert(ctx, t)
	if err != nil {
		return twin.Twin{}, err
	}

	eg := ewrap.NewErrorGroup()

	_, err = tc.properties.UpdateList(ctx, tc.properties.Whitelisted(twin.Names(stored)))
	if err != nil {
		tc.logger.Warn("merging twin names failed, recording the change anyway",
			zap.String("tenant", stored.TenantID),
			zap.String("device", stored.DeviceID),
			zap.Error(err),
		)

		eg.Add(ewrap.Wrap(err, "merging twin names"))
	}

	tc.queries.InvalidateTenant(stored.TenantID)

	eg.Add(tc.recordChange(ctx, stored))

	return stored, eg.Join()
}

// recordChange appends a change event to the tenant's change collection, if it has one.
func (tc *TwinCache) recordChange(ctx context.Context, stored twin.Twin) error {
	collection, err := tc.tenantConfig.GetValue(ctx, appconfig.TwinChangeCollectionKey(stored.TenantID))
	if err != nil {
		if errors.Is(err, sentinel.ErrKeyNotFound) {
			tc.logger.Debug("tenant has no change collection, change not recorded",
				zap.String("tenant", stored.TenantID),
				zap.String("device", stored.DeviceID),
			)

			return nil
		}

		return ewrap.Wrap(err, "resolving change collection")
	}

	_, err = tc.changeLog.Append(ctx, tc.cfg.QueryCache.Database, collection, changelog.ChangeEvent{
		DeviceID:  stored.DeviceID,
		Timestamp: stored.LastUpdated,
	})
	if err != nil {
		return ewrap.Wrap(err, "recording twin change")
	}

	return nil
}

// RegisterTenant binds tenantID to collection and creates the collection.
func (tc *TwinCache) RegisterTenant(ctx context.Context, tenantID, collection string) error {
	if tenantID == "" || collection == "" {
		return ewrap.Wrap(sentinel.ErrParamCannotBeEmpty, "tenant id and collection")
	}

	err := tc.changeLog.CreateCollection(ctx, tc.cfg.QueryCache.Database, collection)
	if err != nil {
		return err
	}

	return tc.tenantConfig.SetValue(ctx, appconfig.TwinChangeCollectionKey(tenantID), collection)
}

// GetCachedQueryResult returns a still valid cached query result.
func (tc *TwinCache) GetCachedQueryResult(ctx context.Context, tenantID, query string) (*querycache.DeviceList, bool) {
	return tc.queries.GetCachedQueryResult(ctx, tenantID, query)
}

// SetTenantQueryResult caches a query result.
func (tc *TwinCache) SetTenantQueryResult(_ context.Context, tenantID, query string, result *querycache.DeviceList) {
	tc.queries.SetTenantQueryResult(tenantID, query, result)
}

// InvalidateTenant drops every cached query result of tenantID.
func (tc *TwinCache) InvalidateTenant(_ context.Context, tenantID string) {
	tc.queries.InvalidateTenant(tenantID)
}

// GetStats returns the query cache stats.
func (tc *TwinCache) GetStats() stats.Stats {
	return tc.queries.Stats()
}

// Config returns the effective configuration.
func (tc *TwinCache) Config() Config {
	return *tc.cfg
}

// ManagementHTTPAddress returns the bound management address, empty when disabled.
func (tc *TwinCache) ManagementHTTPAddress() string {
	if tc.mgmtHTTP == nil {
		return ""
	}

	return tc.mgmtHTTP.Address()
}

// StartRebuildLoop asks svc for a device property rebuild now and then every refresh
// interval until ctx is done or the cache is stopped. Most requests are denied because
// the names are fresh or another instance is rebuilding them. A nil svc rebuilds through
// tc directly. Calling it again is a no-op.
func (tc *TwinCache) StartRebuildLoop(ctx context.Context, svc Service) {
	if svc == nil {
		svc = tc
	}

	tc.loopOnce.Do(func() {
		tc.wg.Add(1)

		go tc.rebuildLoop(ctx, svc)
	})
}

func (tc *TwinCache) rebuildLoop(ctx context.Context, svc Service) {
	defer tc.wg.Done()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		select {
		case <-tc.stop:
			cancel()
		case <-ctx.Done():
		}
	}()

	ticker := time.NewTicker(tc.cfg.DeviceProperties.RefreshInterval)
	defer ticker.Stop()

	for {
		rebuilt, err := svc.RebuildDeviceProperties(ctx, false)

		switch {
		case err != nil && ctx.Err() == nil:
			tc.logger.Error("device property rebuild failed", zap.Error(err))
		case rebuilt:
			tc.logger.Info("device property cache refreshed")
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Stop stops the rebuild loop and the management server and closes owned connections.
func (tc *TwinCache) Stop(ctx context.Context) error {
	var err error

	tc.stopOnce.Do(func() {
		close(tc.stop)
		tc.wg.Wait()

		if tc.mgmtHTTP != nil {
			err = tc.mgmtHTTP.Shutdown(ctx)
		}

		tc.closeRedis()
	})

	return err
}

func (tc *TwinCache) closeRedis() {
	if tc.redis == nil {
		return
	}

	err := tc.redis.Close()
	if err != nil {
		tc.logger.Warn("closing redis client", zap.Error(err))
	}

	tc.redis = nil
}
