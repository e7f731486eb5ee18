// Package state defines the contract the durable runtime expects from its
// backing state store: named durable records, list append with ordered reads,
// hash fields for step bookkeeping, idempotent writes keyed by a string, and
// reactive watch subscriptions that signal on change.
//
// The in-memory implementation backs tests and single-node development; the
// redis implementation is the production backend. All durable structures
// (event logs, session records, workflow checkpoints) are built on this
// interface, so their cross-replica consistency is inherited from whichever
// Store is configured.
package state

import (
	"context"
	"errors"
)

// ErrClosed indicates the store has been closed.
var ErrClosed = errors.New("state store closed")

// Store abstracts durable record persistence.
// Implementations must be safe for concurrent use and must signal watchers
// registered via Watch after every mutation of the watched key.
type Store interface {
	// Get retrieves the value of a scalar record.
	Get(ctx context.Context, key string) ([]byte, bool, error)

	// Set stores the value of a scalar record.
	Set(ctx context.Context, key string, value []byte) error

	// SetNX stores value only if key does not exist yet. Returns true when
	// the value was stored by this call.
	SetNX(ctx context.Context, key string, value []byte) (bool, error)

	// Append appends value to the list record at key, creating it on demand.
	Append(ctx context.Context, key string, value []byte) error

	// Values returns the full contents of the list record at key in append
	// order. A missing key yields an empty slice.
	Values(ctx context.Context, key string) ([][]byte, error)

	// HGet retrieves a single hash field.
	HGet(ctx context.Context, key, field string) ([]byte, bool, error)

	// HSet stores a single hash field.
	HSet(ctx context.Context, key, field string, value []byte) error

	// HSetNX stores a hash field only if it does not exist yet. Returns true
	// when the field was stored by this call. Implementations must make the
	// check and the write one atomic step; workflow fences depend on it.
	HSetNX(ctx context.Context, key, field string, value []byte) (bool, error)

	// HDel removes a single hash field. Removing a missing field is not an
	// error.
	HDel(ctx context.Context, key, field string) error

	// HGetAll returns all fields of the hash record at key.
	HGetAll(ctx context.Context, key string) (map[string][]byte, error)

	// Watch subscribes to changes of key. The returned channel receives a
	// (coalesced) signal after every mutation until cancel is called.
	Watch(ctx context.Context, key string) (<-chan struct{}, func(), error)

	// Close releases resources held by the store.
	Close() error
}

// Idempotently records that the operation identified by key has been
// performed. It returns true exactly once per key: callers use it as a
// once-ever guard around non-idempotent writes such as list appends.
func Idempotently(ctx context.Context, store Store, key string) (bool, error) {
	return store.SetNX(ctx, "idempotency/"+key, []byte{1})
}
