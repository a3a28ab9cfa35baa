// Package store implements the shared mutable document store both seats of a
// match synchronize through.
//
// Documents are JSON values addressed by slash-separated paths such as
// "pigGame/state". Every change is pushed to subscribers of the changed path.
// A Backend holds the documents (in memory, in Redis or in Postgres); a Conn
// is one participant's connection to a Backend and owns the actions that run
// when that participant disconnects.
package store

import (
	"context"
	"encoding/json"
	"errors"
)

var (
	// ErrAbsent is returned when decoding a snapshot of a missing document.
	ErrAbsent = errors.New("store: document absent")
	// ErrConflict is returned when an atomic update kept losing to concurrent writers.
	ErrConflict = errors.New("store: concurrent modification")
	// ErrClosed is returned by operations on a closed connection.
	ErrClosed = errors.New("store: connection closed")
	// ErrInvalidPath is returned for empty or malformed paths.
	ErrInvalidPath = errors.New("store: invalid path")
	// ErrNotObject is returned when a field operation targets a non-object document.
	ErrNotObject = errors.New("store: document is not an object")
)

// Snapshot is one observed value of a path. A nil Value means the document is absent.
type Snapshot struct {
	Path  string          `json:"path"`
	Value json.RawMessage `json:"value,omitempty"`
}

// Exists reports whether the document was present when observed.
func (s Snapshot) Exists() bool {
	return len(s.Value) > 0 && string(s.Value) != "null"
}

// Decode unmarshals the snapshot into v, or returns ErrAbsent.
func (s Snapshot) Decode(v any) error {
	if !s.Exists() {
		return ErrAbsent
	}
	return json.Unmarshal(s.Value, v)
}

// Store is the capability the synchronization core is written against.
//
// Subscribe delivers the current value immediately and again after every
// change, in the order changes were committed. Delivery runs on a goroutine
// owned by the subscription: it is asynchronous, never reentrant with the
// subscriber's own Write, and may repeat a value.
//
// Right after subscribing, a notification that was already in flight when
// the current value was read can still arrive, so an older value may be
// delivered once after the initial one. The latest committed value is always
// delivered last; subscribers act on each value as the newest they know of.
type Store interface {
	// Read returns a single snapshot of path.
	Read(ctx context.Context, path string) (Snapshot, error)
	// Subscribe registers fn for the current value of path and every change to it.
	Subscribe(ctx context.Context, path string, fn func(Snapshot)) (Subscription, error)
	// Write overwrites the whole document at path. A nil value removes path
	// and everything below it.
	Write(ctx context.Context, path string, value any) error
	// Update atomically merges the named fields into the object at path.
	// A nil field value removes that field.
	Update(ctx context.Context, path string, fields map[string]any) error
	// ClaimField atomically sets field to true unless it is already true,
	// and reports whether this call performed the claim.
	ClaimField(ctx context.Context, path, field string) (bool, error)
	// OnDisconnect returns the handle for actions that run on path when
	// this connection is lost.
	OnDisconnect(path string) DisconnectOp
}

// Subscription is the cancellable handle returned by Subscribe.
type Subscription interface {
	Cancel()
}

// DisconnectOp registers store-side cleanup for one path. Registrations are
// per connection and must be made again after reconnecting.
type DisconnectOp interface {
	// Remove arranges for path to be removed when the connection drops.
	Remove(ctx context.Context) error
	// Cancel withdraws a previous registration.
	Cancel(ctx context.Context) error
}

// Backend is a storage engine holding the documents. Every mutating method
// is atomic and notifies subscribers of each path it changed.
type Backend interface {
	// Get returns the document at path, or nil when absent.
	Get(ctx context.Context, path string) (json.RawMessage, error)
	// Set overwrites the document at path with a non-nil value.
	Set(ctx context.Context, path string, value json.RawMessage) error
	// Merge applies field changes to the object at path; a nil value deletes the field.
	Merge(ctx context.Context, path string, fields map[string]json.RawMessage) error
	// Claim sets field to true unless it already is.
	Claim(ctx context.Context, path, field string) (bool, error)
	// Remove deletes path and every document below it. When no document
	// lives there, it removes the last path element as a field of the parent.
	Remove(ctx context.Context, path string) error
	// Subscribe delivers the current value of path and then every change.
	Subscribe(ctx context.Context, path string, fn func(json.RawMessage)) (cancel func(), err error)
	Close() error
}
