// Package sentinel provides standardized error definitions for the twincache system.
// This package centralizes all error types used across the twincache components,
// ensuring consistent error handling and messaging throughout the application.
//
// The errors defined here cover various scenarios including:
// - Versioned store outcomes (key not found, version conflict)
// - Write lock protocol violations (write or release without a held lock)
// - Device property cache state (not built yet, undecodable document)
// - Component initialization errors (nil clients, missing serializers, invalid config)
// - Runtime operation errors (timeouts, cancellations, exhausted retries)
//
// All errors are created using the ewrap package to provide enhanced error
// wrapping and context capabilities. Callers match them with errors.Is.
package sentinel

import (
	"github.com/hyp3rd/ewrap"
)

var (
	// ErrKeyNotFound is returned when a key is not found in a store.
	ErrKeyNotFound = ewrap.New("key not found")

	// ErrConflict is returned when a conditional write presents a stale version token,
	// or when a create finds the document already present.
	ErrConflict = ewrap.New("version conflict")

	// ErrNotLocked is returned when a write lock is released or written without being held.
	ErrNotLocked = ewrap.New("write lock not held")

	// ErrCacheNotBuilt is returned when the device property cache is read before the first rebuild.
	ErrCacheNotBuilt = ewrap.New("device property cache not yet built")

	// ErrInvalidInput is returned when a stored document cannot be decoded.
	ErrInvalidInput = ewrap.New("invalid input")

	// ErrRetriesExhausted is returned when a bounded retry loop gives up.
	ErrRetriesExhausted = ewrap.New("retries exhausted")

	// ErrCollectionNotFound is returned when a change-event collection does not exist.
	ErrCollectionNotFound = ewrap.New("collection not found")

	// ErrInvalidKey is returned when an empty collection id or key is used.
	ErrInvalidKey = ewrap.New("invalid key")

	// ErrNilClient is returned when a nil client is passed to a store.
	ErrNilClient = ewrap.New("nil client")

	// ErrNilValue is returned when a required dependency or value is nil.
	ErrNilValue = ewrap.New("nil value")

	// ErrParamCannotBeEmpty is returned when a parameter cannot be empty.
	ErrParamCannotBeEmpty = ewrap.New("param cannot be empty")

	// ErrSerializerNotFound is returned when a serializer is not found.
	ErrSerializerNotFound = ewrap.New("serializer not found")

	// ErrInvalidConfig is returned when the configuration fails validation.
	ErrInvalidConfig = ewrap.New("invalid configuration")

	// ErrTimeoutOrCanceled is returned when a timeout or cancellation occurs.
	ErrTimeoutOrCanceled = ewrap.New("the operation timed out or was canceled")

	// ErrMgmtHTTPShutdownTimeout is returned when the management HTTP server fails to shutdown before context deadline.
	ErrMgmtHTTPShutdownTimeout = ewrap.New("management http shutdown timeout")
)
