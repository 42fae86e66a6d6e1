// Package appconfig resolves tenant-scoped configuration values.
package appconfig

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/hyp3rd/ewrap"
	"github.com/redis/go-redis/v9"

	"github.com/hyp3rd/twincache/internal/constants"
	"github.com/hyp3rd/twincache/internal/sentinel"
)

// Store reads and writes configuration values.
type Store interface {
	// GetValue returns the value under key or sentinel.ErrKeyNotFound.
	GetValue(ctx context.Context, key string) (string, error)
	// SetValue stores value under key.
	SetValue(ctx context.Context, key, value string) error
}

// TwinChangeCollectionKey is the key holding the change-event collection of tenantID.
func TwinChangeCollectionKey(tenantID string) string {
	return fmt.Sprintf(constants.TwinChangeCollectionKeyFormat, tenantID)
}

// Static is a Store backed by a map.
type Static struct {
	mu     sync.RWMutex
	values map[string]string
}

// NewStatic creates a Static store seeded with values.
func NewStatic(values map[string]string) *Static {
	s := &Static{values: make(map[string]string, len(values))}
	for k, v := range values {
		s.values[k] = v
	}

	return s
}

// GetValue returns the value under key.
func (s *Static) GetValue(_ context.Context, key string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	value, ok := s.values[key]
	if !ok {
		return "", ewrap.Wrap(sentinel.ErrKeyNotFound, key)
	}

	return value, nil
}

// SetValue stores value under key.
func (s *Static) SetValue(_ context.Context, key, value string) error {
	if key == "" {
		return ewrap.Wrap(sentinel.ErrParamCannotBeEmpty, "key")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.values[key] = value

	return nil
}

// Redis is a Store keeping every value as a plain string key.
type Redis struct {
	rdb       redis.UniversalClient
	keyPrefix string
}

// NewRedis creates a Store on client. An empty prefix uses the default key prefix.
func NewRedis(client redis.UniversalClient, keyPrefix string) (*Redis, error) {
	if client == nil {
		return nil, sentinel.ErrNilClient
	}

	if keyPrefix == "" {
		keyPrefix = constants.RedisKeyPrefix
	}

	return &Redis{rdb: client, keyPrefix: keyPrefix}, nil
}

// GetValue returns the value under key.
func (r *Redis) GetValue(ctx context.Context, key string) (string, error) {
	value, err := r.rdb.Get(ctx, r.redisKey(key)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", ewrap.Wrap(sentinel.ErrKeyNotFound, key)
		}

		return "", ewrap.Wrap(err, "reading config value")
	}

	return value, nil
}

// SetValue stores value under key.
func (r *Redis) SetValue(ctx context.Context, key, value string) error {
	if key == "" {
		return ewrap.Wrap(sentinel.ErrParamCannotBeEmpty, "key")
	}

	err := r.rdb.Set(ctx, r.redisKey(key), value, 0).Err()
	if err != nil {
		return ewrap.Wrap(err, "writing config value")
	}

	return nil
}

func (r *Redis) redisKey(key string) string {
	return r.keyPrefix + ":config:" + key
}
