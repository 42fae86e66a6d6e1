package twincache

import (
	"context"

	"github.com/hyp3rd/twincache/pkg/deviceproperties"
	"github.com/hyp3rd/twincache/pkg/querycache"
	"github.com/hyp3rd/twincache/pkg/stats"
	"github.com/hyp3rd/twincache/pkg/twin"
)

// Service is the service interface of the TwinCache.
// It enables middleware to be added to the service.
type Service interface {
	devicePropertyService
	queryCacheService
	// UpdateTwin stores a device twin, merges its names into the device property cache and
	// records the change for the tenant's query caches
	UpdateTwin(ctx context.Context, t twin.Twin) (twin.Twin, error)
	// RegisterTenant binds a tenant to its twin change collection, creating the collection
	RegisterTenant(ctx context.Context, tenantID, collection string) error
	// GetStats returns the query cache stats
	GetStats() stats.Stats
	// Stop stops background work and releases owned connections
	Stop(ctx context.Context) error
}

type devicePropertyService interface {
	// DeviceProperties returns the exposed tag and reported property names
	DeviceProperties(ctx context.Context) ([]string, error)
	// RebuildDeviceProperties rebuilds the names when stale, or unconditionally with force
	RebuildDeviceProperties(ctx context.Context, force bool) (bool, error)
	// MergeDeviceProperties adds names without a full rebuild
	MergeDeviceProperties(
		ctx context.Context,
		partial deviceproperties.DevicePropertyServiceModel,
	) (deviceproperties.DevicePropertyServiceModel, error)
}

type queryCacheService interface {
	// GetCachedQueryResult returns a still valid cached query result
	GetCachedQueryResult(ctx context.Context, tenantID, query string) (*querycache.DeviceList, bool)
	// SetTenantQueryResult caches a query result
	SetTenantQueryResult(ctx context.Context, tenantID, query string, result *querycache.DeviceList)
	// InvalidateTenant drops every cached query result of a tenant
	InvalidateTenant(ctx context.Context, tenantID string)
}

// Middleware describes a service middleware.
type Middleware func(Service) Service

// ApplyMiddleware applies middlewares to a service.
func ApplyMiddleware(svc Service, mw ...Middleware) Service {
	// Apply each middleware in the chain
	for _, m := range mw {
		svc = m(svc)
	}
	// Return the decorated service
	return svc
}
