// Package querycache caches device query results per tenant.
//
// Entries live in process memory only. A lookup serves an entry only while it is younger
// than the TTL and the tenant's change-event log holds nothing newer than the result;
// a newer event or any failure while checking clears every entry of the tenant, since one
// twin change can affect the results of many different queries.
package querycache

import (
	"context"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/hyp3rd/ewrap"
	"go.uber.org/zap"

	"github.com/hyp3rd/twincache/internal/constants"
	"github.com/hyp3rd/twincache/internal/sentinel"
	"github.com/hyp3rd/twincache/pkg/appconfig"
	"github.com/hyp3rd/twincache/pkg/cache"
	"github.com/hyp3rd/twincache/pkg/changelog"
	"github.com/hyp3rd/twincache/pkg/stats"
)

// DeviceList is a device query result page.
type DeviceList struct {
	Items             []json.RawMessage `json:"items"`
	ContinuationToken string            `json:"continuationToken,omitempty"`
	ResultTimestamp   time.Time         `json:"resultTimestamp"`
}

// Entry is a cached result with the time it was computed.
type Entry struct {
	Result          *DeviceList
	ResultTimestamp time.Time
}

// ChangeLog is the part of changelog.Log the cache reads.
type ChangeLog interface {
	QueryDocuments(
		ctx context.Context,
		database, collection string,
		query changelog.ChangeQuery,
		skip, top int,
	) ([]changelog.ChangeEvent, error)
}

// TenantConfig resolves configuration values such as a tenant's change collection.
type TenantConfig interface {
	GetValue(ctx context.Context, key string) (string, error)
}

// partition holds the entries of one tenant keyed by query string.
type partition struct {
	mu      sync.Mutex
	entries map[string]Entry
}

// Cache is the tenant query result cache.
type Cache struct {
	tenants      cache.ConcurrentMap[*partition]
	changeLog    ChangeLog
	tenantConfig TenantConfig
	ttl          time.Duration
	database     string
	now          func() time.Time
	logger       *zap.Logger
	stats        stats.ICollector
}

// New creates a Cache.
func New(changeLog ChangeLog, tenantConfig TenantConfig, opts ...Option) (*Cache, error) {
	if changeLog == nil || tenantConfig == nil {
		return nil, ewrap.Wrap(sentinel.ErrNilValue, "query cache requires a change log and a tenant config")
	}

	c := &Cache{
		tenants:      cache.New[*partition](),
		changeLog:    changeLog,
		tenantConfig: tenantConfig,
		ttl:          constants.DefaultQueryCacheTTL,
		database:     constants.DefaultChangeLogDatabase,
		now:          time.Now,
		logger:       zap.NewNop(),
	}

	for _, opt := range opts {
		opt(c)
	}

	if c.stats == nil {
		c.stats = stats.NewCollector()
	}

	c.logger = c.logger.With(zap.String("component", "querycache"))

	return c, nil
}

// SetTenantQueryResult stores result for (tenantID, query), replacing any previous entry.
// A result without a timestamp is stamped with the current time.
func (c *Cache) SetTenantQueryResult(tenantID, query string, result *DeviceList) {
	if result == nil {
		return
	}

	ts := result.ResultTimestamp
	if ts.IsZero() {
		ts = c.now()
		result.ResultTimestamp = ts
	}

	p := c.tenants.GetOrCreate(tenantID, func() *partition {
		return &partition{entries: make(map[string]Entry)}
	})

	p.mu.Lock()
	p.entries[query] = Entry{Result: result, ResultTimestamp: ts}
	p.mu.Unlock()
}

// GetCachedQueryResult returns the cached result for (tenantID, query) when it is still
// valid. The boolean reports a hit.
func (c *Cache) GetCachedQueryResult(ctx context.Context, tenantID, query string) (*DeviceList, bool) {
	entry, ok := c.lookup(tenantID, query)
	if !ok {
		c.stats.IncrementMisses()

		return nil, false
	}

	changed, err := c.changedSince(ctx, tenantID, entry.ResultTimestamp)
	if err != nil {
		c.logger.Warn("change check failed, clearing tenant",
			zap.String("tenant", tenantID),
			zap.String("query", query),
			zap.Error(err),
		)
	}

	if err != nil || changed {
		c.InvalidateTenant(tenantID)
		c.stats.IncrementMisses()

		return nil, false
	}

	c.stats.IncrementHits()

	return entry.Result, true
}

// InvalidateTenant drops every cached result of tenantID.
func (c *Cache) InvalidateTenant(tenantID string) {
	p, ok := c.tenants.Get(tenantID)
	if !ok {
		return
	}

	p.mu.Lock()
	cleared := len(p.entries)
	p.entries = make(map[string]Entry)
	p.mu.Unlock()

	c.stats.IncrementInvalidations()
	c.logger.Debug("tenant cleared", zap.String("tenant", tenantID), zap.Int("entries", cleared))
}

// Stats returns the cache statistics.
func (c *Cache) Stats() stats.Stats {
	return c.stats.GetStats()
}

// TTL returns the entry lifetime.
func (c *Cache) TTL() time.Duration {
	return c.ttl
}

// lookup returns the entry when present and not expired, evicting it when expired.
func (c *Cache) lookup(tenantID, query string) (Entry, bool) {
	p, ok := c.tenants.Get(tenantID)
	if !ok {
		return Entry{}, false
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	entry, ok := p.entries[query]
	if !ok {
		return Entry{}, false
	}

	if c.now().Sub(entry.ResultTimestamp) > c.ttl {
		delete(p.entries, query)
		c.stats.IncrementExpirations()

		return Entry{}, false
	}

	return entry, true
}

// changedSince reports whether the tenant's change log holds an event newer than ts.
func (c *Cache) changedSince(ctx context.Context, tenantID string, ts time.Time) (bool, error) {
	collection, err := c.tenantConfig.GetValue(ctx, appconfig.TwinChangeCollectionKey(tenantID))
	if err != nil {
		return false, ewrap.Wrap(err, "resolving change collection")
	}

	events, err := c.changeLog.QueryDocuments(
		ctx,
		c.database,
		collection,
		changelog.ChangeQuery{NewerThan: ts, Descending: true},
		0,
		1,
	)
	if err != nil {
		return false, ewrap.Wrapf(err, "querying %s/%s", c.database, collection)
	}

	return len(events) > 0, nil
}
