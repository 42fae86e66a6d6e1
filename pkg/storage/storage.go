// Package storage provides the versioned key/value stores the twincache core builds on.
// A store keeps opaque string payloads keyed by (collection, key) together with an opaque
// version token (ETag) and metadata stamped on every write.
//
// The contract every store implements through IStore:
//   - Get returns sentinel.ErrKeyNotFound when nothing is stored under the key
//   - Create fails with sentinel.ErrConflict when the key already exists
//   - Update with a non-empty ETag fails with sentinel.ErrConflict unless the stored ETag matches
//   - Update with an empty ETag is an unconditional upsert
//
// Conditional writes are the only cross-process coordination primitive: the write lock and
// the device property cache build mutual exclusion and merge loops on top of them.
//
// Store implementations must satisfy the IStoreConstrain type constraint,
// which currently supports InMemory and Redis store types.
package storage

import (
	"context"
	"strings"
	"time"

	"github.com/hyp3rd/ewrap"

	"github.com/hyp3rd/twincache/internal/constants"
	"github.com/hyp3rd/twincache/internal/sentinel"
)

// IStoreConstrain defines the type constraint for store implementations.
type IStoreConstrain interface {
	InMemory | Redis
}

// ValueModel is a stored payload with its version token and metadata.
type ValueModel struct {
	Key      string            `json:"Key"`
	Data     string            `json:"Data"`
	ETag     string            `json:"ETag"`
	Metadata map[string]string `json:"Metadata"`
}

// IStore defines the contract of a versioned key/value store.
//
// All methods accept a context.Context parameter for cancellation and timeout
// control, enabling graceful handling of slow remote stores.
type IStore interface {
	// Get retrieves the value stored under collectionID/key.
	Get(ctx context.Context, collectionID, key string) (*ValueModel, error)
	// Create stores data under a key that must not exist yet.
	Create(ctx context.Context, collectionID, key, data string) (*ValueModel, error)
	// Update replaces the value, conditionally on etag when it is not empty.
	Update(ctx context.Context, collectionID, key, data, etag string) (*ValueModel, error)
	// Delete removes the value. Deleting a missing key is not an error.
	Delete(ctx context.Context, collectionID, key string) error
}

// ModifiedAt returns the last modification time stamped by the store.
func (v *ValueModel) ModifiedAt() (time.Time, error) {
	raw, ok := v.Metadata[constants.ModifiedMetadataKey]
	if !ok {
		return time.Time{}, ewrap.Wrap(sentinel.ErrInvalidInput, "missing "+constants.ModifiedMetadataKey+" metadata")
	}

	ts, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, ewrap.Wrap(sentinel.ErrInvalidInput, "malformed "+constants.ModifiedMetadataKey+" metadata: "+err.Error())
	}

	return ts, nil
}

// clone returns a deep copy so callers never share metadata maps with the store.
func (v *ValueModel) clone() *ValueModel {
	out := *v

	out.Metadata = make(map[string]string, len(v.Metadata))
	for k, val := range v.Metadata {
		out.Metadata[k] = val
	}

	return &out
}

// newValue builds the value a store persists for a successful write.
func newValue(key, data, etag string, modified time.Time) *ValueModel {
	return &ValueModel{
		Key:  key,
		Data: data,
		ETag: etag,
		Metadata: map[string]string{
			constants.ModifiedMetadataKey: modified.UTC().Format(time.RFC3339Nano),
		},
	}
}

// validateKey rejects blank collection ids and keys.
func validateKey(collectionID, key string) error {
	if strings.TrimSpace(collectionID) == "" {
		return ewrap.Wrap(sentinel.ErrInvalidKey, "collection id")
	}

	if strings.TrimSpace(key) == "" {
		return ewrap.Wrap(sentinel.ErrInvalidKey, "key")
	}

	return nil
}
