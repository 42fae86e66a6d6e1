package twincache

import (
	"time"

	"go.uber.org/zap"

	"github.com/hyp3rd/twincache/pkg/appconfig"
	"github.com/hyp3rd/twincache/pkg/changelog"
	"github.com/hyp3rd/twincache/pkg/stats"
	"github.com/hyp3rd/twincache/pkg/storage"
	"github.com/hyp3rd/twincache/pkg/twin"
)

// Option is a function type that can be used to configure the `TwinCache` struct.
type Option func(*TwinCache)

// ApplyOptions applies the given options to the given cache.
func ApplyOptions(tc *TwinCache, options ...Option) {
	for _, option := range options {
		option(tc)
	}
}

// WithStore sets the versioned store holding the device property document.
// Collaborators set through options take precedence over the configured backend.
func WithStore(store storage.IStore) Option {
	return func(tc *TwinCache) {
		tc.store = store
	}
}

// WithTwinRegistry sets the device twin registry, also used as the live twin-name source.
func WithTwinRegistry(registry twin.Registry) Option {
	return func(tc *TwinCache) {
		tc.registry = registry
	}
}

// WithChangeLog sets the twin change-event log.
func WithChangeLog(log changelog.Log) Option {
	return func(tc *TwinCache) {
		tc.changeLog = log
	}
}

// WithTenantConfig sets the tenant configuration store.
func WithTenantConfig(store appconfig.Store) Option {
	return func(tc *TwinCache) {
		tc.tenantConfig = store
	}
}

// WithLogger sets the logger handed to every component.
func WithLogger(logger *zap.Logger) Option {
	return func(tc *TwinCache) {
		if logger != nil {
			tc.logger = logger
		}
	}
}

// WithStatsCollector sets the query cache stats collector.
func WithStatsCollector(collector stats.ICollector) Option {
	return func(tc *TwinCache) {
		tc.statsCollector = collector
	}
}

// WithNow sets the clock used by the device property and query caches.
func WithNow(now func() time.Time) Option {
	return func(tc *TwinCache) {
		if now != nil {
			tc.now = now
		}
	}
}

// WithManagementHTTP enables the management HTTP server on addr.
func WithManagementHTTP(addr string, opts ...ManagementHTTPOption) Option {
	return func(tc *TwinCache) {
		tc.mgmtHTTP = NewManagementHTTPServer(addr, opts...)
	}
}
