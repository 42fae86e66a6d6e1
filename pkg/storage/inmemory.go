package storage

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/hyp3rd/ewrap"

	"github.com/hyp3rd/twincache/internal/sentinel"
	"github.com/hyp3rd/twincache/pkg/cache"
)

// InMemory is a versioned store that keeps the values in memory, leveraging a custom `ConcurrentMap`.
// Conditional writes run under the owning shard lock, so a read of the ETag and the write
// that depends on it are atomic.
type InMemory struct {
	items cache.ConcurrentMap[*ValueModel] // values keyed by collection id and key
	now   func() time.Time                 // clock used for the `$modified` metadata
}

// NewInMemory creates a new in-memory store with the given options.
func NewInMemory(opts ...Option[InMemory]) *InMemory {
	store := &InMemory{
		items: cache.New[*ValueModel](),
		now:   time.Now,
	}
	// Apply the store options
	ApplyOptions(store, opts...)

	return store
}

// Get retrieves the value stored under collectionID/key.
func (store *InMemory) Get(ctx context.Context, collectionID, key string) (*ValueModel, error) {
	err := validateKey(collectionID, key)
	if err != nil {
		return nil, err
	}

	if ctx.Err() != nil {
		return nil, sentinel.ErrTimeoutOrCanceled
	}

	value, ok := store.items.Get(compositeKey(collectionID, key))
	if !ok {
		return nil, ewrap.Wrap(sentinel.ErrKeyNotFound, collectionID+"/"+key)
	}

	return value.clone(), nil
}

// Create stores data under a key that must not exist yet.
func (store *InMemory) Create(ctx context.Context, collectionID, key, data string) (*ValueModel, error) {
	return store.write(ctx, collectionID, key, func(current *ValueModel, exists bool) (*ValueModel, error) {
		if exists {
			return nil, ewrap.Wrap(sentinel.ErrConflict, "create "+collectionID+"/"+key+": already exists")
		}

		return newValue(key, data, uuid.NewString(), store.now()), nil
	})
}

// Update replaces the value, conditionally on etag when it is not empty.
func (store *InMemory) Update(ctx context.Context, collectionID, key, data, etag string) (*ValueModel, error) {
	return store.write(ctx, collectionID, key, func(current *ValueModel, exists bool) (*ValueModel, error) {
		if etag != "" && (!exists || current.ETag != etag) {
			return nil, ewrap.Wrap(sentinel.ErrConflict, "update "+collectionID+"/"+key+": etag mismatch")
		}

		return newValue(key, data, uuid.NewString(), store.now()), nil
	})
}

// Delete removes the value stored under collectionID/key.
func (store *InMemory) Delete(ctx context.Context, collectionID, key string) error {
	err := validateKey(collectionID, key)
	if err != nil {
		return err
	}

	if ctx.Err() != nil {
		return sentinel.ErrTimeoutOrCanceled
	}

	store.items.Remove(compositeKey(collectionID, key))

	return nil
}

func (store *InMemory) write(
	ctx context.Context,
	collectionID, key string,
	cb cache.ComputeCb[*ValueModel],
) (*ValueModel, error) {
	err := validateKey(collectionID, key)
	if err != nil {
		return nil, err
	}

	if ctx.Err() != nil {
		return nil, sentinel.ErrTimeoutOrCanceled
	}

	value, err := store.items.Compute(compositeKey(collectionID, key), cb)
	if err != nil {
		return nil, err
	}

	return value.clone(), nil
}

// compositeKey joins collection id and key; the separator cannot appear in a collection id
// produced by this module.
func compositeKey(collectionID, key string) string {
	return collectionID + "\x00" + key
}
