package redis

import (
	"context"
	"net"
	"strings"

	"github.com/hyp3rd/ewrap"
	"github.com/redis/go-redis/v9"

	"github.com/hyp3rd/twincache/internal/constants"
)

// Store is a redis store instance with redis client.
// The same client serves the versioned document store, the change-event log,
// the tenant configuration store and the twin registry.
type Store struct {
	Client *redis.Client
}

// New creates a redis store instance with the given options.
func New(opts ...Option) (*Store, error) {
	// Setup redis client
	opt := &redis.Options{
		Dialer: func(ctx context.Context, network, addr string) (net.Conn, error) {
			dialer := &net.Dialer{
				Timeout: constants.RedisDialTimeout,
			}

			return dialer.DialContext(ctx, network, addr)
		},
		DB:           0,
		MaxRetries:   constants.RedisClientMaxRetries,
		DialTimeout:  constants.RedisDialTimeout,
		ReadTimeout:  constants.RedisClientReadTimeout,
		WriteTimeout: constants.RedisClientWriteTimeout,
		PoolFIFO:     false,
		PoolSize:     constants.RedisClientPoolSize,
		MinIdleConns: constants.RedisClientMinIdleConns,
		PoolTimeout:  constants.RedisClientPoolTimeout,
	}

	ApplyOptions(opt, opts...)

	if strings.TrimSpace(opt.Addr) == "" {
		return nil, ewrap.New("redis address is empty")
	}

	cli := redis.NewClient(opt)

	return &Store{Client: cli}, nil
}

// Ping verifies the server is reachable.
func (s *Store) Ping(ctx context.Context) error {
	err := s.Client.Ping(ctx).Err()
	if err != nil {
		return ewrap.Wrap(err, "redis ping")
	}

	return nil
}

// Close releases the client's connections.
func (s *Store) Close() error {
	err := s.Client.Close()
	if err != nil {
		return ewrap.Wrap(err, "closing redis client")
	}

	return nil
}
