// Package kv implements the pluggable key/value storage abstraction that
// backs the node/resource/task catalogs and the task event log.
//
// Keys are UTF-8 strings; values are opaque byte slices. Every backend
// (memory, bbolt, redis) satisfies the same Store contract, so callers never
// branch on backend identity.
package kv

import (
	"context"
	"errors"
	"fmt"
)

// ErrNotFound is returned by Get for a missing key. Store implementations
// must return this exact sentinel (or wrap it with %w) so callers can use
// errors.Is.
var ErrNotFound = errors.New("kv: key not found")

// ErrClosed is returned once a Store has been closed.
var ErrClosed = errors.New("kv: store closed")

// ErrInvalidConfig is returned by the factory when a backend's required
// parameters are missing or malformed.
var ErrInvalidConfig = errors.New("kv: invalid backend configuration")

// Error wraps a backend failure. It carries no Kind field: every such
// failure is the taxonomy's Serialization kind, since the contract makes
// no distinction between a codec failure
// and a transport/IO failure from the caller's point of view.
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string {
	return fmt.Sprintf("kv: %s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func wrapErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Op: op, Err: err}
}

// Pair is a single key/value record, returned by prefix scans and ranges.
type Pair struct {
	Key   string
	Value []byte
}

// RangeOptions bounds a Range query. StartKey is inclusive, EndKey is
// exclusive. A zero-value EndKey means "no upper bound". Limit <= 0 means
// unbounded. When Reverse is true the emitted list is reversed before Limit
// is applied, so Limit always bounds the result the caller sees last.
type RangeOptions struct {
	StartKey string
	EndKey   string
	Limit    int
	Reverse  bool
}

// Store is the uniform contract every KV backend implements.
//
// Implementations guarantee each individual operation is atomic; they do not
// guarantee cross-operation transactional isolation. Batch operations are
// best-effort sequential: a batch failing partway may leave some of its
// writes visible.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, value []byte) error
	// Delete removes key and reports whether it previously existed.
	Delete(ctx context.Context, key string) (existed bool, err error)
	Exists(ctx context.Context, key string) (bool, error)

	// KeysWithPrefix returns every key (ordered lexicographically) that
	// begins with prefix. An empty prefix matches every key.
	KeysWithPrefix(ctx context.Context, prefix string) ([]string, error)
	// ScanPrefix is KeysWithPrefix plus values, in the same order.
	ScanPrefix(ctx context.Context, prefix string) ([]Pair, error)
	// Range returns pairs ordered lexicographically by key within
	// [opts.StartKey, opts.EndKey), honoring opts.Reverse and opts.Limit.
	Range(ctx context.Context, opts RangeOptions) ([]Pair, error)

	Count(ctx context.Context) (int, error)
	Clear(ctx context.Context) error

	BatchPut(ctx context.Context, pairs []Pair) error
	BatchDelete(ctx context.Context, keys []string) error

	Close() error
}
