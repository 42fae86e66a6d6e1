// Package changelog stores device twin change events per tenant collection.
//
// The query cache asks it whether anything changed after a cached result was computed;
// twin updates append to it.
package changelog

import (
	"context"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/hyp3rd/ewrap"

	"github.com/hyp3rd/twincache/internal/sentinel"
)

// ChangeEvent records one device twin mutation.
type ChangeEvent struct {
	ID        string    `json:"id"`
	DeviceID  string    `json:"deviceId"`
	Timestamp time.Time `json:"timestamp"`
}

// ChangeQuery selects events.
type ChangeQuery struct {
	// NewerThan keeps events timestamped after it; zero keeps all. Logs storing coarser
	// timestamps also return the events sharing its tick, erring toward newer.
	NewerThan time.Time
	// Descending orders the newest event first.
	Descending bool
}

// Log is a change-event log.
type Log interface {
	// QueryDocuments returns the events of database/collection matching query, skipping
	// skip events and returning at most top; top <= 0 returns everything.
	QueryDocuments(ctx context.Context, database, collection string, query ChangeQuery, skip, top int) ([]ChangeEvent, error)
	// Append adds an event; a missing ID or timestamp is filled in.
	Append(ctx context.Context, database, collection string, event ChangeEvent) (ChangeEvent, error)
	// CreateCollection makes a collection known; creating it twice is not an error.
	CreateCollection(ctx context.Context, database, collection string) error
}

func (q ChangeQuery) matches(event ChangeEvent) bool {
	return q.NewerThan.IsZero() || event.Timestamp.After(q.NewerThan)
}

// page applies skip and top to an already ordered slice.
func page(events []ChangeEvent, skip, top int) []ChangeEvent {
	if skip > 0 {
		if skip >= len(events) {
			return []ChangeEvent{}
		}

		events = events[skip:]
	}

	if top > 0 && top < len(events) {
		events = events[:top]
	}

	return events
}

func validateCollection(database, collection string) error {
	if database == "" || collection == "" {
		return ewrap.Wrap(sentinel.ErrParamCannotBeEmpty, "database and collection")
	}

	return nil
}

func completeEvent(event ChangeEvent, now func() time.Time) ChangeEvent {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}

	if event.Timestamp.IsZero() {
		event.Timestamp = now()
	}

	event.Timestamp = event.Timestamp.UTC()

	return event
}

func sortEvents(events []ChangeEvent, descending bool) {
	slices.SortStableFunc(events, func(a, b ChangeEvent) int {
		if descending {
			return b.Timestamp.Compare(a.Timestamp)
		}

		return a.Timestamp.Compare(b.Timestamp)
	})
}
