package storage

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/hyp3rd/ewrap"
	"github.com/redis/go-redis/v9"

	"github.com/hyp3rd/twincache/internal/constants"
	"github.com/hyp3rd/twincache/internal/sentinel"
)

const (
	fieldData     = "data"
	fieldETag     = "etag"
	fieldModified = "modified"
)

// Redis is a versioned store that keeps every document in a redis hash.
// Conditional writes use optimistic transactions: the document key is WATCHed, its ETag
// checked, and the write queued in MULTI/EXEC. A concurrent writer aborts the EXEC, which
// surfaces as sentinel.ErrConflict.
type Redis struct {
	rdb       redis.UniversalClient // redis client to interact with the redis server
	keyPrefix string                // prefix of every document key
	now       func() time.Time      // clock used for the `$modified` metadata
}

// NewRedis creates a new redis store with the given options.
func NewRedis(opts ...Option[Redis]) (*Redis, error) {
	store := &Redis{now: time.Now}
	// Apply the store options
	ApplyOptions(store, opts...)

	// Check if the client is nil
	if store.rdb == nil {
		return nil, sentinel.ErrNilClient
	}
	// Check if the `keyPrefix` is empty
	if store.keyPrefix == "" {
		store.keyPrefix = constants.RedisKeyPrefix
	}

	return store, nil
}

// Get retrieves the value stored under collectionID/key.
func (store *Redis) Get(ctx context.Context, collectionID, key string) (*ValueModel, error) {
	err := validateKey(collectionID, key)
	if err != nil {
		return nil, err
	}

	fields, err := store.rdb.HGetAll(ctx, store.documentKey(collectionID, key)).Result()
	if err != nil {
		return nil, ewrap.Wrap(err, "failed to get document from redis")
	}

	if len(fields) == 0 {
		return nil, ewrap.Wrap(sentinel.ErrKeyNotFound, collectionID+"/"+key)
	}

	return valueFromFields(key, fields), nil
}

// Create stores data under a key that must not exist yet.
func (store *Redis) Create(ctx context.Context, collectionID, key, data string) (*ValueModel, error) {
	return store.write(ctx, collectionID, key, data, func(ctx context.Context, tx *redis.Tx, docKey string) error {
		exists, err := tx.Exists(ctx, docKey).Result()
		if err != nil {
			return ewrap.Wrap(err, "failed to check document existence")
		}

		if exists > 0 {
			return ewrap.Wrap(sentinel.ErrConflict, "create "+collectionID+"/"+key+": already exists")
		}

		return nil
	})
}

// Update replaces the value, conditionally on etag when it is not empty.
func (store *Redis) Update(ctx context.Context, collectionID, key, data, etag string) (*ValueModel, error) {
	return store.write(ctx, collectionID, key, data, func(ctx context.Context, tx *redis.Tx, docKey string) error {
		if etag == "" {
			return nil
		}

		current, err := tx.HGet(ctx, docKey, fieldETag).Result()
		if errors.Is(err, redis.Nil) {
			return ewrap.Wrap(sentinel.ErrConflict, "update "+collectionID+"/"+key+": document vanished")
		}

		if err != nil {
			return ewrap.Wrap(err, "failed to read document etag")
		}

		if current != etag {
			return ewrap.Wrap(sentinel.ErrConflict, "update "+collectionID+"/"+key+": etag mismatch")
		}

		return nil
	})
}

// Delete removes the value stored under collectionID/key.
func (store *Redis) Delete(ctx context.Context, collectionID, key string) error {
	err := validateKey(collectionID, key)
	if err != nil {
		return err
	}

	err = store.rdb.Del(ctx, store.documentKey(collectionID, key)).Err()
	if err != nil {
		return ewrap.Wrap(err, "failed to delete document from redis")
	}

	return nil
}

// precondition runs inside the WATCH and decides whether the write may proceed.
type precondition func(ctx context.Context, tx *redis.Tx, docKey string) error

func (store *Redis) write(ctx context.Context, collectionID, key, data string, check precondition) (*ValueModel, error) {
	err := validateKey(collectionID, key)
	if err != nil {
		return nil, err
	}

	docKey := store.documentKey(collectionID, key)
	value := newValue(key, data, uuid.NewString(), store.now())

	err = store.rdb.Watch(ctx, func(tx *redis.Tx) error {
		checkErr := check(ctx, tx, docKey)
		if checkErr != nil {
			return checkErr
		}

		_, pipeErr := tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, docKey, map[string]any{
				fieldData:     value.Data,
				fieldETag:     value.ETag,
				fieldModified: value.Metadata[constants.ModifiedMetadataKey],
			})

			return nil
		})

		return pipeErr
	}, docKey)

	switch {
	case err == nil:
		return value, nil
	case errors.Is(err, redis.TxFailedErr):
		return nil, ewrap.Wrap(sentinel.ErrConflict, "write "+collectionID+"/"+key+": concurrent modification")
	case errors.Is(err, sentinel.ErrConflict):
		return nil, err
	default:
		return nil, ewrap.Wrap(err, "failed to execute redis transaction")
	}
}

func (store *Redis) documentKey(collectionID, key string) string {
	return store.keyPrefix + ":doc:" + collectionID + ":" + key
}

func valueFromFields(key string, fields map[string]string) *ValueModel {
	return &ValueModel{
		Key:  key,
		Data: fields[fieldData],
		ETag: fields[fieldETag],
		Metadata: map[string]string{
			constants.ModifiedMetadataKey: fields[fieldModified],
		},
	}
}
