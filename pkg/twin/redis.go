package twin

import (
	"context"
	"errors"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/hyp3rd/ewrap"
	"github.com/redis/go-redis/v9"

	"github.com/hyp3rd/twincache/internal/constants"
	"github.com/hyp3rd/twincache/internal/sentinel"
	"github.com/hyp3rd/twincache/pkg/deviceproperties"
)

// scanCount is the HSCAN batch size hint.
const scanCount = 500

// Redis is a Registry keeping every twin as JSON in a single hash.
type Redis struct {
	rdb       redis.UniversalClient
	keyPrefix string
	now       func() time.Time
}

// NewRedis creates a registry on client. An empty prefix uses the default key prefix.
func NewRedis(client redis.UniversalClient, keyPrefix string) (*Redis, error) {
	if client == nil {
		return nil, sentinel.ErrNilClient
	}

	if keyPrefix == "" {
		keyPrefix = constants.RedisKeyPrefix
	}

	return &Redis{rdb: client, keyPrefix: keyPrefix, now: time.Now}, nil
}

// Upsert stores t.
func (r *Redis) Upsert(ctx context.Context, t Twin) (Twin, error) {
	if t.DeviceID == "" {
		return Twin{}, ewrap.Wrap(sentinel.ErrParamCannotBeEmpty, "device id")
	}

	t.Etag = uuid.NewString()
	t.LastUpdated = r.now().UTC()

	data, err := json.Marshal(t)
	if err != nil {
		return Twin{}, ewrap.Wrap(err, "encoding twin")
	}

	err = r.rdb.HSet(ctx, r.hashKey(), registryKey(t.TenantID, t.DeviceID), data).Err()
	if err != nil {
		return Twin{}, ewrap.Wrap(err, "storing twin")
	}

	return t, nil
}

// Get returns the twin of tenantID/deviceID.
func (r *Redis) Get(ctx context.Context, tenantID, deviceID string) (Twin, error) {
	data, err := r.rdb.HGet(ctx, r.hashKey(), registryKey(tenantID, deviceID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return Twin{}, ewrap.Wrap(sentinel.ErrKeyNotFound, registryKey(tenantID, deviceID))
		}

		return Twin{}, ewrap.Wrap(err, "reading twin")
	}

	var t Twin

	err = json.Unmarshal(data, &t)
	if err != nil {
		return Twin{}, ewrap.Wrap(err, "decoding twin")
	}

	return t, nil
}

// GetDeviceTwinNames scans every stored twin.
func (r *Redis) GetDeviceTwinNames(ctx context.Context) (deviceproperties.DeviceTwinName, error) {
	tags := make(map[string]struct{})
	reported := make(map[string]struct{})

	var cursor uint64

	for {
		fields, next, err := r.rdb.HScan(ctx, r.hashKey(), cursor, "*", scanCount).Result()
		if err != nil {
			return deviceproperties.DeviceTwinName{}, ewrap.Wrap(err, "scanning twins")
		}

		// fields alternates between hash field and value
		for i := 1; i < len(fields); i += 2 {
			var t Twin

			err = json.Unmarshal([]byte(fields[i]), &t)
			if err != nil {
				return deviceproperties.DeviceTwinName{}, ewrap.Wrapf(err, "decoding twin %s", fields[i-1])
			}

			mergeNames(tags, reported, t)
		}

		if next == 0 {
			break
		}

		cursor = next
	}

	return deviceproperties.DeviceTwinName{Tags: sortedSet(tags), ReportedProperties: sortedSet(reported)}, nil
}

func (r *Redis) hashKey() string {
	return r.keyPrefix + ":twins"
}
