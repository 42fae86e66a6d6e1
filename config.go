package twincache

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/hyp3rd/ewrap"
	"gopkg.in/yaml.v3"

	"github.com/hyp3rd/twincache/internal/constants"
	"github.com/hyp3rd/twincache/internal/libs/serializer"
	"github.com/hyp3rd/twincache/internal/logging"
	"github.com/hyp3rd/twincache/internal/sentinel"
)

// envPrefix prefixes every environment override.
const envPrefix = "TWINCACHE_"

// Config wraps all the settings needed to set up a `TwinCache`.
type Config struct {
	// Backend selects the collaborator implementations: "redis" or "in-memory".
	// in-memory keeps everything inside the process and suits single-instance use and tests.
	Backend          string                 `yaml:"backend"`
	Redis            RedisConfig            `yaml:"redis"`
	DeviceProperties DevicePropertiesConfig `yaml:"device_properties"`
	QueryCache       QueryCacheConfig       `yaml:"query_cache"`
	Management       ManagementConfig       `yaml:"management"`
	Logging          logging.Config         `yaml:"logging"`
}

// RedisConfig configures the Redis client shared by every Redis-backed collaborator.
type RedisConfig struct {
	Addr      string `yaml:"addr"`
	Username  string `yaml:"username"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	PoolSize  int    `yaml:"pool_size"`
	KeyPrefix string `yaml:"key_prefix"`
}

// DevicePropertiesConfig configures the device property cache.
type DevicePropertiesConfig struct {
	Whitelist       string        `yaml:"whitelist"`
	TTL             time.Duration `yaml:"ttl"`
	RebuildTimeout  time.Duration `yaml:"rebuild_timeout"`
	RebuildBackoff  time.Duration `yaml:"rebuild_backoff"`
	MaxAttempts     int           `yaml:"max_attempts"`
	RefreshInterval time.Duration `yaml:"refresh_interval"`
	Serializer      string        `yaml:"serializer"`
}

// QueryCacheConfig configures the device query result cache.
type QueryCacheConfig struct {
	TTL      time.Duration `yaml:"ttl"`
	Database string        `yaml:"database"`
}

// ManagementConfig configures the management HTTP server.
type ManagementConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// NewConfig returns a `Config` with default values:
//   - `Backend` is "redis" on `127.0.0.1:6379`
//   - `DeviceProperties` uses the default whitelist, a 1h TTL, a 20s rebuild timeout,
//     a 10s backoff and refreshes every 5 minutes
//   - `QueryCache` keeps results for 60s and checks the "iot" change-log database
//   - `Management` is disabled and would listen on 127.0.0.1:9090
func NewConfig() *Config {
	cfg := &Config{}
	cfg.applyDefaults()

	return cfg
}

// LoadConfig reads a YAML file, applies `TWINCACHE_*` environment overrides and defaults,
// then validates the result. An empty path skips the file.
func LoadConfig(path string) (*Config, error) {
	cfg := &Config{}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, ewrap.Wrap(err, "reading config file")
		}

		err = yaml.Unmarshal(data, cfg)
		if err != nil {
			return nil, ewrap.Wrapf(sentinel.ErrInvalidConfig, "parsing %s: %v", path, err)
		}
	}

	err := cfg.applyEnv(os.LookupEnv)
	if err != nil {
		return nil, err
	}

	cfg.applyDefaults()

	err = cfg.Validate()
	if err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	switch c.Backend {
	case constants.RedisBackend:
		if strings.TrimSpace(c.Redis.Addr) == "" {
			return ewrap.Wrap(sentinel.ErrInvalidConfig, "redis.addr is required by the redis backend")
		}
	case constants.InMemoryBackend:
	default:
		return ewrap.Wrapf(sentinel.ErrInvalidConfig, "unknown backend %q", c.Backend)
	}

	dp := c.DeviceProperties

	if dp.TTL <= 0 || dp.RebuildTimeout <= 0 || dp.RebuildBackoff <= 0 || dp.RefreshInterval <= 0 {
		return ewrap.Wrap(sentinel.ErrInvalidConfig, "device_properties durations must be positive")
	}

	if dp.MaxAttempts < 0 {
		return ewrap.Wrap(sentinel.ErrInvalidConfig, "device_properties.max_attempts must not be negative")
	}

	if _, err := serializer.New(dp.Serializer); err != nil {
		return ewrap.Wrapf(sentinel.ErrInvalidConfig, "device_properties.serializer: %v", err)
	}

	if c.QueryCache.TTL <= 0 {
		return ewrap.Wrap(sentinel.ErrInvalidConfig, "query_cache.ttl must be positive")
	}

	if c.Management.Enabled && c.Management.Addr == "" {
		return ewrap.Wrap(sentinel.ErrInvalidConfig, "management.addr is required when management is enabled")
	}

	return nil
}

// applyDefaults fills the unset fields.
func (c *Config) applyDefaults() {
	if c.Backend == "" {
		c.Backend = constants.RedisBackend
	}

	if c.Backend == constants.RedisBackend && c.Redis.Addr == "" {
		c.Redis.Addr = "127.0.0.1:6379"
	}

	if c.Redis.KeyPrefix == "" {
		c.Redis.KeyPrefix = constants.RedisKeyPrefix
	}

	dp := &c.DeviceProperties
	if dp.Whitelist == "" {
		dp.Whitelist = constants.DefaultWhitelist
	}

	if dp.TTL == 0 {
		dp.TTL = constants.DefaultDevicePropertiesTTL
	}

	if dp.RebuildTimeout == 0 {
		dp.RebuildTimeout = constants.DefaultRebuildTimeout
	}

	if dp.RebuildBackoff == 0 {
		dp.RebuildBackoff = constants.DefaultRebuildBackoff
	}

	if dp.RefreshInterval == 0 {
		dp.RefreshInterval = constants.DefaultRefreshInterval
	}

	if dp.Serializer == "" {
		dp.Serializer = constants.DefaultSerializer
	}

	if c.QueryCache.TTL == 0 {
		c.QueryCache.TTL = constants.DefaultQueryCacheTTL
	}

	if c.QueryCache.Database == "" {
		c.QueryCache.Database = constants.DefaultChangeLogDatabase
	}

	if c.Management.Addr == "" {
		c.Management.Addr = constants.DefaultManagementAddr
	}
}

// applyEnv overrides settings from the environment.
func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	strs := map[string]*string{
		"BACKEND":                     &c.Backend,
		"REDIS_ADDR":                  &c.Redis.Addr,
		"REDIS_USERNAME":              &c.Redis.Username,
		"REDIS_PASSWORD":              &c.Redis.Password,
		"REDIS_KEY_PREFIX":            &c.Redis.KeyPrefix,
		"DEVICE_PROPERTIES_WHITELIST": &c.DeviceProperties.Whitelist,
		"SERIALIZER":                  &c.DeviceProperties.Serializer,
		"QUERY_CACHE_DATABASE":        &c.QueryCache.Database,
		"MANAGEMENT_ADDR":             &c.Management.Addr,
		"LOG_LEVEL":                   &c.Logging.Level,
		"LOG_FORMAT":                  &c.Logging.Format,
	}

	for name, dst := range strs {
		if v, ok := lookup(envPrefix + name); ok {
			*dst = v
		}
	}

	ints := map[string]*int{
		"REDIS_DB":                       &c.Redis.DB,
		"DEVICE_PROPERTIES_MAX_ATTEMPTS": &c.DeviceProperties.MaxAttempts,
	}

	for name, dst := range ints {
		if v, ok := lookup(envPrefix + name); ok {
			n, err := strconv.Atoi(v)
			if err != nil {
				return ewrap.Wrapf(sentinel.ErrInvalidConfig, "%s%s: %v", envPrefix, name, err)
			}

			*dst = n
		}
	}

	durations := map[string]*time.Duration{
		"DEVICE_PROPERTIES_TTL":              &c.DeviceProperties.TTL,
		"DEVICE_PROPERTIES_REBUILD_TIMEOUT":  &c.DeviceProperties.RebuildTimeout,
		"DEVICE_PROPERTIES_REFRESH_INTERVAL": &c.DeviceProperties.RefreshInterval,
		"QUERY_CACHE_TTL":                    &c.QueryCache.TTL,
	}

	for name, dst := range durations {
		if v, ok := lookup(envPrefix + name); ok {
			d, err := time.ParseDuration(v)
			if err != nil {
				return ewrap.Wrapf(sentinel.ErrInvalidConfig, "%s%s: %v", envPrefix, name, err)
			}

			*dst = d
		}
	}

	if v, ok := lookup(envPrefix + "MANAGEMENT_ENABLED"); ok {
		enabled, err := strconv.ParseBool(v)
		if err != nil {
			return ewrap.Wrapf(sentinel.ErrInvalidConfig, "%sMANAGEMENT_ENABLED: %v", envPrefix, err)
		}

		c.Management.Enabled = enabled
	}

	return nil
}
