// Package stats collects query cache statistics.
package stats

import "sync"

// ICollector is the interface the query cache reports to.
// Users may plug their own implementation, e.g. one exporting to a metrics backend.
type ICollector interface {
	IncrementHits()
	IncrementMisses()
	IncrementExpirations()
	IncrementInvalidations()
	GetStats() Stats
}

// Stats contains query cache statistics.
type Stats struct {
	Hits          uint64 `json:"hits"`          // lookups served from the cache
	Misses        uint64 `json:"misses"`        // lookups that found nothing usable
	Expirations   uint64 `json:"expirations"`   // entries dropped for exceeding the TTL
	Invalidations uint64 `json:"invalidations"` // tenant partitions cleared
}

// Collector is a struct for collecting cache statistics.
type Collector struct {
	mu    sync.RWMutex // mutex to protect concurrent access to the stats
	stats Stats        // cache statistics
}

// NewCollector creates a new stats collector.
func NewCollector() *Collector {
	return &Collector{
		stats: Stats{},
	}
}

// IncrementHits increments the number of cache hits.
func (c *Collector) IncrementHits() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.stats.Hits++
}

// IncrementMisses increments the number of cache misses.
func (c *Collector) IncrementMisses() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.stats.Misses++
}

// IncrementExpirations increments the number of expired entries.
func (c *Collector) IncrementExpirations() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.stats.Expirations++
}

// IncrementInvalidations increments the number of cleared tenant partitions.
func (c *Collector) IncrementInvalidations() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.stats.Invalidations++
}

// GetStats returns the cache statistics.
func (c *Collector) GetStats() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.stats
}
