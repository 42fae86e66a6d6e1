package deviceproperties

import (
	"time"

	"go.uber.org/zap"

	"github.com/hyp3rd/twincache/internal/constants"
	"github.com/hyp3rd/twincache/internal/libs/serializer"
)

// Config holds the property cache settings.
type Config struct {
	// Whitelist selects the exposed names, see ParseWhitelist.
	Whitelist string
	// TTL is the age after which a built document is rebuilt.
	TTL time.Duration
	// RebuildTimeout is the age after which an unfinished rebuild may be taken over.
	RebuildTimeout time.Duration
	// RebuildBackoff is the pause after a failed name-set computation.
	RebuildBackoff time.Duration
	// MaxAttempts bounds the rebuild and merge loops; 0 means unbounded.
	MaxAttempts int
	// CollectionID and Key locate the document in the store.
	CollectionID string
	Key          string
}

// withDefaults fills the unset fields.
func (c Config) withDefaults() Config {
	if c.TTL <= 0 {
		c.TTL = constants.DefaultDevicePropertiesTTL
	}

	if c.RebuildTimeout <= 0 {
		c.RebuildTimeout = constants.DefaultRebuildTimeout
	}

	if c.RebuildBackoff <= 0 {
		c.RebuildBackoff = constants.DefaultRebuildBackoff
	}

	if c.MaxAttempts < 0 {
		c.MaxAttempts = 0
	}

	if c.CollectionID == "" {
		c.CollectionID = constants.DevicePropertiesCollectionID
	}

	if c.Key == "" {
		c.Key = constants.DevicePropertiesKey
	}

	return c
}

// Option configures a Cache.
type Option func(*Cache)

// WithNow sets the clock compared against the stored modification time.
func WithNow(now func() time.Time) Option {
	return func(c *Cache) {
		if now != nil {
			c.now = now
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(c *Cache) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithSerializer sets the document encoding.
func WithSerializer(ser serializer.ISerializer) Option {
	return func(c *Cache) {
		if ser != nil {
			c.serializer = ser
		}
	}
}
