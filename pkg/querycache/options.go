package querycache

import (
	"time"

	"go.uber.org/zap"

	"github.com/hyp3rd/twincache/pkg/stats"
)

// Option configures a Cache.
type Option func(*Cache)

// WithTTL sets how long an entry may be served.
func WithTTL(ttl time.Duration) Option {
	return func(c *Cache) {
		if ttl > 0 {
			c.ttl = ttl
		}
	}
}

// WithDatabase sets the change-log database queried for newer events.
func WithDatabase(database string) Option {
	return func(c *Cache) {
		if database != "" {
			c.database = database
		}
	}
}

// WithNow sets the clock.
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

// WithStatsCollector sets the statistics collector.
func WithStatsCollector(collector stats.ICollector) Option {
	return func(c *Cache) {
		if collector != nil {
			c.stats = collector
		}
	}
}
