// Package store provides the shared tree store: a hierarchical key/value
// store addressed by slash-separated paths with point reads, multi-path
// writes, optimistic transactions and live subscriptions. Three backends
// implement it: an in-process tree (MemoryStore), PostgreSQL (PGStore) and
// SQLite through gorm (SQLiteStore).
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/google/uuid"
)

var (
	// ErrInvalidPath is returned for paths with empty or reserved segments.
	ErrInvalidPath = errors.New("invalid path")
	// ErrConflict is returned when a transaction could not commit after
	// exhausting its retries.
	ErrConflict = errors.New("transaction conflict")
	// ErrAborted can be returned by a TxFunc to abandon a transaction
	// without reporting a more specific error.
	ErrAborted = errors.New("transaction aborted")
	// ErrClosed is returned by operations on a closed store.
	ErrClosed = errors.New("store closed")
)

// Store is the contract every backend satisfies.
type Store interface {
	// Read returns the value at path. A missing node yields an empty
	// snapshot, not an error.
	Read(ctx context.Context, path string) (Snapshot, error)
	// Write replaces the value at path. A nil value removes the node.
	Write(ctx context.Context, path string, value any) error
	// Update writes several children of path in one call. Keys are paths
	// relative to path; nil values remove.
	Update(ctx context.Context, path string, values map[string]any) error
	// Append stores value under a new time-ordered child key of path and
	// returns that key.
	Append(ctx context.Context, path string, value any) (string, error)
	// Remove deletes the node at path and everything below it.
	Remove(ctx context.Context, path string) error
	// Subscribe calls fn with the current value of path and again after
	// every change at, above or below it. Calls for one subscription are
	// sequential and coalesced to the latest value. The subscription ends
	// when the returned func is called or ctx is done.
	Subscribe(ctx context.Context, path string, fn func(Snapshot)) (func(), error)
	// Transact reads readPaths, hands them to fn and commits the writes fn
	// returns as one unit. fn may run more than once when a concurrent
	// writer conflicts; it must not call the store itself. An error from fn
	// aborts the transaction and is returned unchanged.
	Transact(ctx context.Context, readPaths []string, fn TxFunc) error
	Ping(ctx context.Context) error
	Close() error
}

// TxFunc computes the writes of a transaction from the current values of
// its read set. Keys of the returned map are absolute paths.
type TxFunc func(current map[string]Snapshot) (map[string]any, error)

// Snapshot is an immutable view of the value at a path. Values are the
// generic JSON forms: map[string]any, string, float64, bool.
type Snapshot struct {
	Path  string
	Value any
}

// Key returns the last segment of the snapshot's path.
func (s Snapshot) Key() string {
	return Base(s.Path)
}

// Exists reports whether the node holds a value.
func (s Snapshot) Exists() bool {
	return s.Value != nil
}

// Decode unmarshals the snapshot value into v.
func (s Snapshot) Decode(v any) error {
	if s.Value == nil {
		return fmt.Errorf("decode %q: %w", s.Path, errEmptySnapshot)
	}
	data, err := json.Marshal(s.Value)
	if err != nil {
		return fmt.Errorf("decode %q: %w", s.Path, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode %q: %w", s.Path, err)
	}
	return nil
}

var errEmptySnapshot = errors.New("no value")

// Child returns the snapshot of a descendant given a relative path.
func (s Snapshot) Child(rel string) Snapshot {
	return Snapshot{Path: Join(s.Path, rel), Value: getIn(s.Value, Split(rel))}
}

// Children returns the direct children sorted by key. Scalars have none.
func (s Snapshot) Children() []Snapshot {
	m, ok := s.Value.(map[string]any)
	if !ok {
		return nil
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]Snapshot, 0, len(keys))
	for _, k := range keys {
		out = append(out, Snapshot{Path: Join(s.Path, k), Value: m[k]})
	}
	return out
}

// NewKey returns a time-ordered child key, the same kind Append uses.
// Callers that need the key of a record before committing it (to write it
// inside a Transact batch) use this.
func NewKey() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// CreateIfAbsent writes value at path only when the node is empty. It
// reports whether the value was written.
func CreateIfAbsent(ctx context.Context, s Store, path string, value any) (bool, error) {
	created := false
	err := s.Transact(ctx, []string{path}, func(cur map[string]Snapshot) (map[string]any, error) {
		created = false
		if cur[path].Exists() {
			return nil, nil
		}
		created = true
		return map[string]any{path: value}, nil
	})
	if err != nil {
		return false, err
	}
	return created, nil
}
