// Package writelock implements an advisory write lock on top of a versioned store.
//
// A lock is a boolean flag inside the stored document. Acquiring it is a conditional write
// that flips the flag with the version token of the preceding read, so among concurrent
// acquirers presenting the same token exactly one wins. The decision predicate decides
// whether acquisition is allowed at all, which lets callers take over locks whose holder
// exceeded a timeout.
//
// Lifecycle:
//
//	Unlocked -> TryLock -> Locked | Denied | Conflict
//	Locked   -> WriteAndRelease -> Released | WriteConflict
//	Locked   -> Release -> Released
package writelock

import (
	"context"
	"errors"
	"sync"

	"github.com/hyp3rd/ewrap"
	"go.uber.org/zap"

	"github.com/hyp3rd/twincache/internal/constants"
	"github.com/hyp3rd/twincache/internal/libs/serializer"
	"github.com/hyp3rd/twincache/internal/sentinel"
	"github.com/hyp3rd/twincache/pkg/storage"
)

// SetLockedFunc flips the lock flag of a document.
type SetLockedFunc[T any] func(doc *T, locked bool)

// ShouldLockFunc decides whether a lock may be taken on the current value.
// The value is nil when nothing is stored under the key.
type ShouldLockFunc func(value *storage.ValueModel) bool

// WriteLock is an optimistic lock over a single document of type T.
// A WriteLock is meant for one acquisition at a time; concurrent acquirers use one
// WriteLock each.
type WriteLock[T any] struct {
	store        storage.IStore
	collectionID string
	key          string
	setLocked    SetLockedFunc[T]
	shouldLock   ShouldLockFunc
	serializer   serializer.ISerializer
	logger       *zap.Logger

	mu   sync.Mutex
	etag string // version token of our own locking write; empty when not held
}

// Option configures a WriteLock.
type Option[T any] func(*WriteLock[T])

// WithSerializer sets the serializer used to encode the document.
func WithSerializer[T any](ser serializer.ISerializer) Option[T] {
	return func(l *WriteLock[T]) {
		if ser != nil {
			l.serializer = ser
		}
	}
}

// WithLogger sets the logger used to report absorbed release failures.
func WithLogger[T any](logger *zap.Logger) Option[T] {
	return func(l *WriteLock[T]) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// New creates a lock on collectionID/key.
func New[T any](
	store storage.IStore,
	collectionID, key string,
	setLocked SetLockedFunc[T],
	shouldLock ShouldLockFunc,
	opts ...Option[T],
) (*WriteLock[T], error) {
	if store == nil || setLocked == nil || shouldLock == nil {
		return nil, ewrap.Wrap(sentinel.ErrNilValue, "write lock requires a store, a mutator and a predicate")
	}

	lock := &WriteLock[T]{
		store:        store,
		collectionID: collectionID,
		key:          key,
		setLocked:    setLocked,
		shouldLock:   shouldLock,
		logger:       zap.NewNop(),
	}

	for _, opt := range opts {
		opt(lock)
	}

	if lock.serializer == nil {
		ser, err := serializer.New(constants.DefaultSerializer)
		if err != nil {
			return nil, err
		}

		lock.serializer = ser
	}

	lock.logger = lock.logger.With(
		zap.String("component", "writelock"),
		zap.String("collection", collectionID),
		zap.String("key", key),
	)

	return lock, nil
}

// Locked reports whether the lock is currently held.
func (l *WriteLock[T]) Locked() bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.etag != ""
}

// TryLock attempts to take the lock.
//
// It returns (true, nil) when the lock was acquired and (false, nil) when the predicate
// denied acquisition. A lost race returns (false, sentinel.ErrConflict) and the caller may
// retry the whole attempt. Any other error is fatal.
func (l *WriteLock[T]) TryLock(ctx context.Context) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	value, err := l.read(ctx)
	if err != nil {
		return false, err
	}

	if !l.shouldLock(value) {
		return false, nil
	}

	var doc T

	if value != nil {
		// an unreadable document is replaced by a fresh one
		if decodeErr := l.serializer.Unmarshal([]byte(value.Data), &doc); decodeErr != nil {
			l.logger.Warn("discarding undecodable document", zap.Error(decodeErr))

			doc = *new(T)
		}
	}

	l.setLocked(&doc, true)

	data, err := l.serializer.Marshal(&doc)
	if err != nil {
		return false, ewrap.Wrap(err, "encoding locked document")
	}

	var written *storage.ValueModel

	if value == nil {
		written, err = l.store.Create(ctx, l.collectionID, l.key, string(data))
	} else {
		written, err = l.store.Update(ctx, l.collectionID, l.key, string(data), value.ETag)
	}

	if err != nil {
		if errors.Is(err, sentinel.ErrConflict) {
			return false, err
		}

		return false, ewrap.Wrap(err, "acquiring write lock")
	}

	l.etag = written.ETag

	return true, nil
}

// WriteAndRelease stores doc with the lock flag cleared, conditionally on the token
// obtained by TryLock.
//
// It returns (false, nil) when another writer took the lock over in the meantime; the
// document is then not written. Either way the lock is no longer held afterwards.
func (l *WriteLock[T]) WriteAndRelease(ctx context.Context, doc *T) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.etag == "" {
		return false, sentinel.ErrNotLocked
	}

	if doc == nil {
		return false, ewrap.Wrap(sentinel.ErrNilValue, "document")
	}

	l.setLocked(doc, false)

	data, err := l.serializer.Marshal(doc)
	if err != nil {
		return false, ewrap.Wrap(err, "encoding document")
	}

	etag := l.etag
	l.etag = ""

	_, err = l.store.Update(ctx, l.collectionID, l.key, string(data), etag)
	if err != nil {
		if errors.Is(err, sentinel.ErrConflict) {
			l.logger.Info("write lock was taken over before the write", zap.Error(err))

			return false, nil
		}

		return false, ewrap.Wrap(err, "writing and releasing lock")
	}

	return true, nil
}

// Release clears the lock flag on the stored document without otherwise changing it.
// Failures are logged and absorbed; a lock that was taken over is left alone.
func (l *WriteLock[T]) Release(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.etag == "" {
		return sentinel.ErrNotLocked
	}

	etag := l.etag
	l.etag = ""

	value, err := l.read(ctx)
	if err != nil || value == nil {
		l.logger.Warn("release: reading locked document failed", zap.Error(err))

		return nil
	}

	var doc T

	err = l.serializer.Unmarshal([]byte(value.Data), &doc)
	if err != nil {
		l.logger.Warn("release: decoding locked document failed", zap.Error(err))

		return nil
	}

	l.setLocked(&doc, false)

	data, err := l.serializer.Marshal(&doc)
	if err != nil {
		l.logger.Warn("release: encoding document failed", zap.Error(err))

		return nil
	}

	_, err = l.store.Update(ctx, l.collectionID, l.key, string(data), etag)
	if err != nil {
		l.logger.Info("release: lock not cleared", zap.Error(err))
	}

	return nil
}

// read fetches the current value, mapping not found to nil.
func (l *WriteLock[T]) read(ctx context.Context) (*storage.ValueModel, error) {
	value, err := l.store.Get(ctx, l.collectionID, l.key)
	if err != nil {
		if errors.Is(err, sentinel.ErrKeyNotFound) {
			return nil, nil
		}

		return nil, ewrap.Wrap(err, "reading locked document")
	}

	return value, nil
}
