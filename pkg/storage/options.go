package storage

import (
	"time"

	"github.com/redis/go-redis/v9"
)

// iConfigurableStore is an interface that defines the methods that a store should implement to be configurable.
type iConfigurableStore interface {
	// setNow sets the clock used to stamp modification times.
	setNow(now func() time.Time)
}

// setNow sets the clock of the `InMemory` store.
func (inm *InMemory) setNow(now func() time.Time) {
	inm.now = now
}

// setNow sets the clock of the `Redis` store.
func (rs *Redis) setNow(now func() time.Time) {
	rs.now = now
}

// Option is a function type that can be used to configure a store.
type Option[T IStoreConstrain] func(*T)

// ApplyOptions applies the given options to the given store.
func ApplyOptions[T IStoreConstrain](store *T, options ...Option[T]) {
	for _, option := range options {
		option(store)
	}
}

// WithNow is an option that sets the clock used for the `$modified` metadata.
// Tests use it to simulate elapsed time; production code keeps time.Now.
func WithNow[T IStoreConstrain](now func() time.Time) Option[T] {
	return func(a *T) {
		if configurable, ok := any(a).(iConfigurableStore); ok && now != nil {
			configurable.setNow(now)
		}
	}
}

// WithRedisClient is an option that sets the redis client to use.
// Both single-node and cluster clients satisfy redis.UniversalClient.
func WithRedisClient(client redis.UniversalClient) Option[Redis] {
	return func(store *Redis) {
		store.rdb = client
	}
}

// WithKeyPrefix is an option that sets the prefix of every key the Redis store writes.
func WithKeyPrefix(prefix string) Option[Redis] {
	return func(store *Redis) {
		store.keyPrefix = prefix
	}
}
