// Package constants defines default configuration values and backend types
// for the twincache system. It provides standard settings for the device property
// cache, the query result cache and the supported store implementations.
package constants

import "time"

const (
	// DevicePropertiesCollectionID is the versioned store collection holding the device property cache.
	DevicePropertiesCollectionID = "device-twin-properties"
	// DevicePropertiesKey is the single shared document key of the device property cache.
	DevicePropertiesKey = "cache"
	// DefaultDevicePropertiesTTL is how long a built device property cache is considered fresh.
	DefaultDevicePropertiesTTL = time.Hour
	// DefaultRebuildTimeout is how long a rebuild may hold the lock before another instance takes over.
	DefaultRebuildTimeout = 20 * time.Second
	// DefaultRebuildBackoff is the pause after a failed property computation before trying again.
	DefaultRebuildBackoff = 10 * time.Second
	// DefaultRefreshInterval is how often the background loop asks for a (possibly denied) rebuild.
	DefaultRefreshInterval = 5 * time.Minute
	// DefaultWhitelist exposes every tag and the commonly filtered reported properties.
	DefaultWhitelist = "tags.*, reported.Protocol, reported.SupportedMethods, reported.DeviceMethodStatus, reported.FirmwareUpdateStatus"

	// DefaultQueryCacheTTL is the age after which a cached device query result is ignored.
	DefaultQueryCacheTTL = time.Minute
	// DefaultChangeLogDatabase is the database holding the per-tenant twin change collections.
	DefaultChangeLogDatabase = "iot"
	// TwinChangeCollectionKeyFormat resolves a tenant id to its twin change collection id.
	TwinChangeCollectionKeyFormat = "tenant:%s:twin-change-collection"

	// ModifiedMetadataKey is the metadata entry a versioned store stamps on every write.
	ModifiedMetadataKey = "$modified"

	// DefaultSerializer is the serializer used for stored documents.
	DefaultSerializer = "default"

	// InMemoryBackend is the in-memory backend type.
	// Constant identifier for the in-memory storage backend implementation
	// that keeps data directly in application memory.
	InMemoryBackend = "in-memory"
	// RedisBackend is the name of the Redis backend.
	// Constant identifier for the Redis storage backend implementation
	// that persists data in a Redis database server.
	RedisBackend = "redis"

	// DefaultManagementAddr is the listen address of the management HTTP server.
	DefaultManagementAddr = "127.0.0.1:9090"
)
