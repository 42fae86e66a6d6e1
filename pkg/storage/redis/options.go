// Package redis provides configuration options and utilities to build the Redis client
// shared by the twincache Redis-backed stores: versioned documents, change-event log,
// tenant configuration and the twin registry all talk to the same server.
package redis

import (
	"crypto/tls"
	"time"

	"github.com/redis/go-redis/v9"
)

// Option is a function type that can be used to configure the client `redis.Options`.
type Option func(*redis.Options)

// ApplyOptions applies the given options to the given client options.
func ApplyOptions(opt *redis.Options, options ...Option) {
	for _, option := range options {
		option(opt)
	}
}

// WithAddr sets the `Addr` field of the `redis.Options` struct.
func WithAddr(addr string) Option {
	return func(opt *redis.Options) {
		opt.Addr = addr
	}
}

// WithCredentials sets the ACL username and password.
func WithCredentials(username, password string) Option {
	return func(opt *redis.Options) {
		opt.Username = username
		opt.Password = password
	}
}

// WithDB sets the `DB` field of the `redis.Options` struct.
func WithDB(db int) Option {
	return func(opt *redis.Options) {
		opt.DB = db
	}
}

// WithMaxRetries sets the `MaxRetries` field of the `redis.Options` struct.
func WithMaxRetries(maxRetries int) Option {
	return func(opt *redis.Options) {
		opt.MaxRetries = maxRetries
	}
}

// WithTimeouts sets dial, read and write timeouts. Zero values keep the defaults.
func WithTimeouts(dial, read, write time.Duration) Option {
	return func(opt *redis.Options) {
		if dial > 0 {
			opt.DialTimeout = dial
		}

		if read > 0 {
			opt.ReadTimeout = read
		}

		if write > 0 {
			opt.WriteTimeout = write
		}
	}
}

// WithPoolSize sets the `PoolSize` field of the `redis.Options` struct.
func WithPoolSize(poolSize int) Option {
	return func(opt *redis.Options) {
		if poolSize > 0 {
			opt.PoolSize = poolSize
		}
	}
}

// WithTLSConfig sets the `TLSConfig` field of the `redis.Options` struct.
func WithTLSConfig(tlsConfig *tls.Config) Option {
	return func(opt *redis.Options) {
		opt.TLSConfig = tlsConfig
	}
}
