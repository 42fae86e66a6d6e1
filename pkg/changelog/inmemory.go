package changelog

import (
	"context"
	"sync"
	"time"

	"github.com/hyp3rd/ewrap"

	"github.com/hyp3rd/twincache/internal/sentinel"
)

// InMemory keeps the events in process memory.
type InMemory struct {
	mu          sync.RWMutex
	collections map[string][]ChangeEvent
	now         func() time.Time
}

// NewInMemory creates an empty in-memory log.
func NewInMemory() *InMemory {
	return &InMemory{
		collections: make(map[string][]ChangeEvent),
		now:         time.Now,
	}
}

// CreateCollection makes database/collection known.
func (l *InMemory) CreateCollection(_ context.Context, database, collection string) error {
	err := validateCollection(database, collection)
	if err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	id := collectionID(database, collection)
	if _, ok := l.collections[id]; !ok {
		l.collections[id] = []ChangeEvent{}
	}

	return nil
}

// Append adds an event to an existing collection.
func (l *InMemory) Append(ctx context.Context, database, collection string, event ChangeEvent) (ChangeEvent, error) {
	err := validateCollection(database, collection)
	if err != nil {
		return ChangeEvent{}, err
	}

	if ctx.Err() != nil {
		return ChangeEvent{}, sentinel.ErrTimeoutOrCanceled
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	id := collectionID(database, collection)

	events, ok := l.collections[id]
	if !ok {
		return ChangeEvent{}, ewrap.Wrap(sentinel.ErrCollectionNotFound, id)
	}

	event = completeEvent(event, l.now)
	l.collections[id] = append(events, event)

	return event, nil
}

// QueryDocuments returns the matching events of database/collection.
func (l *InMemory) QueryDocuments(
	ctx context.Context,
	database, collection string,
	query ChangeQuery,
	skip, top int,
) ([]ChangeEvent, error) {
	err := validateCollection(database, collection)
	if err != nil {
		return nil, err
	}

	if ctx.Err() != nil {
		return nil, sentinel.ErrTimeoutOrCanceled
	}

	l.mu.RLock()

	id := collectionID(database, collection)

	events, ok := l.collections[id]
	if !ok {
		l.mu.RUnlock()

		return nil, ewrap.Wrap(sentinel.ErrCollectionNotFound, id)
	}

	matched := make([]ChangeEvent, 0, len(events))

	for _, event := range events {
		if query.matches(event) {
			matched = append(matched, event)
		}
	}

	l.mu.RUnlock()

	sortEvents(matched, query.Descending)

	return page(matched, skip, top), nil
}

func collectionID(database, collection string) string {
	return database + "/" + collection
}
