// Package store defines the transactional key-value contract shared by the
// aliveness engine and the tunnel subsystem.
//
// Data is organized in two logical planes: the configuration plane, owned by
// API callers, and the operational plane, owned by the engines and the
// southbound listeners. Values are JSON documents addressed by "/"-separated
// paths. Two backends implement the contract: MemoryStore (single instance,
// used by tests and standalone deployments) and EtcdStore (clustered).
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// -------------------------------------------------------------------------
// Planes
// -------------------------------------------------------------------------

// Plane selects the logical datastore a path belongs to.
type Plane uint8

const (
	// PlaneConfig holds intended configuration written by API callers.
	PlaneConfig Plane = iota + 1

	// PlaneOperational holds derived state written by the engines.
	PlaneOperational
)

// String returns the key segment used for the plane.
func (p Plane) String() string {
	switch p {
	case PlaneConfig:
		return "config"
	case PlaneOperational:
		return "operational"
	default:
		return "unknown"
	}
}

// -------------------------------------------------------------------------
// Errors
// -------------------------------------------------------------------------

// Sentinel errors for store operations.
var (
	// ErrTransient marks a failure that left no effect behind. The caller
	// may retry the whole transaction.
	ErrTransient = errors.New("transient store failure")

	// ErrConflict indicates a key read by the transaction was modified
	// before Submit. It wraps ErrTransient.
	ErrConflict = fmt.Errorf("%w: concurrent modification", ErrTransient)

	// ErrTxnDone indicates the transaction was already submitted or cancelled.
	ErrTxnDone = errors.New("transaction already finished")

	// ErrInvalidPath indicates an empty or absolute path.
	ErrInvalidPath = errors.New("invalid store path")

	// ErrInvalidPlane indicates an unknown plane value.
	ErrInvalidPlane = errors.New("invalid store plane")

	// ErrClosed indicates the store was closed.
	ErrClosed = errors.New("store closed")
)

// -------------------------------------------------------------------------
// Contract
// -------------------------------------------------------------------------

// Store is a transactional key-value store with subtree watches.
type Store interface {
	// NewTxn starts a read-write transaction. Reads observe the
	// transaction's own pending writes.
	NewTxn() Txn

	// Watch delivers add/update/remove events for every path under prefix
	// in the given plane. Events for one watch are delivered sequentially
	// in commit order on a dedicated goroutine. The returned function stops
	// the watch; it must not be called from inside the handler.
	Watch(ctx context.Context, plane Plane, prefix string, handler WatchHandler, opts ...WatchOption) (func(), error)

	// Close releases backend resources and stops all watches.
	Close() error
}

// Txn is a single optimistic transaction. Every path read through the
// transaction is validated at Submit: if another writer changed it in the
// meantime, Submit fails with ErrConflict and nothing is applied.
type Txn interface {
	// Read decodes the value at path into out. It reports false when the
	// path does not exist (or was deleted earlier in this transaction).
	Read(ctx context.Context, plane Plane, path string, out any) (bool, error)

	// List returns every entry under prefix, sorted by path.
	List(ctx context.Context, plane Plane, prefix string) ([]Entry, error)

	// Put replaces the value at path. Parents are implicit.
	Put(plane Plane, path string, value any) error

	// Merge overlays the top-level fields of value onto the existing JSON
	// object at path, creating it when absent.
	Merge(plane Plane, path string, value any) error

	// Delete removes path. Deleting a missing path is not an error.
	Delete(plane Plane, path string)

	// Submit atomically applies all writes.
	Submit(ctx context.Context) error

	// Cancel discards the transaction. It is safe to call after Submit.
	Cancel()
}

// Entry is a raw path/value pair returned by List.
type Entry struct {
	Path  string
	Value []byte
}

// Decode unmarshals the entry value into out.
func (e Entry) Decode(out any) error {
	if err := json.Unmarshal(e.Value, out); err != nil {
		return fmt.Errorf("decode %s: %w", e.Path, err)
	}
	return nil
}

// -------------------------------------------------------------------------
// Watch Events
// -------------------------------------------------------------------------

// EventType classifies a watch event.
type EventType uint8

const (
	// EventAdd is delivered when a path is created.
	EventAdd EventType = iota + 1

	// EventUpdate is delivered when an existing path is overwritten.
	EventUpdate

	// EventRemove is delivered when a path is deleted.
	EventRemove
)

// String returns a lowercase name for the event type.
func (t EventType) String() string {
	switch t {
	case EventAdd:
		return "add"
	case EventUpdate:
		return "update"
	case EventRemove:
		return "remove"
	default:
		return "unknown"
	}
}

// Event is one change observed by a watch.
type Event struct {
	Type  EventType
	Plane Plane
	Path  string

	// Value is the new value; nil for EventRemove.
	Value []byte

	// PrevValue is the value before the change; nil for EventAdd.
	PrevValue []byte
}

// Decode unmarshals the new value into out.
func (e Event) Decode(out any) error {
	if err := json.Unmarshal(e.Value, out); err != nil {
		return fmt.Errorf("decode %s event for %s: %w", e.Type, e.Path, err)
	}
	return nil
}

// DecodePrev unmarshals the previous value into out.
func (e Event) DecodePrev(out any) error {
	if err := json.Unmarshal(e.PrevValue, out); err != nil {
		return fmt.Errorf("decode previous value for %s: %w", e.Path, err)
	}
	return nil
}

// WatchHandler consumes watch events.
type WatchHandler func(ctx context.Context, ev Event)

// WatchOption configures a watch.
type WatchOption func(*watchOptions)

type watchOptions struct {
	clustered bool
	replay    bool
}

// Clustered restricts delivery to the instance currently holding cluster
// leadership, so that reconciliation runs once globally. Single-instance
// backends are always leader.
func Clustered() WatchOption {
	return func(o *watchOptions) { o.clustered = true }
}

// WithReplay delivers every existing entry under the prefix as an EventAdd
// before live changes, without a gap between the two.
func WithReplay() WatchOption {
	return func(o *watchOptions) { o.replay = true }
}

func applyWatchOptions(opts []WatchOption) watchOptions {
	var o watchOptions
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// -------------------------------------------------------------------------
// Paths
// -------------------------------------------------------------------------

// Join builds a store path from segments.
func Join(segments ...string) string {
	return strings.Join(segments, "/")
}

// Base returns the last segment of a path.
func Base(path string) string {
	if i := strings.LastIndexByte(path, '/'); i >= 0 {
		return path[i+1:]
	}
	return path
}

func validate(plane Plane, path string) error {
	if plane != PlaneConfig && plane != PlaneOperational {
		return fmt.Errorf("plane %d: %w", plane, ErrInvalidPlane)
	}
	if path == "" || strings.HasPrefix(path, "/") {
		return fmt.Errorf("path %q: %w", path, ErrInvalidPath)
	}
	return nil
}

// fullKey is the backend key for (plane, path).
func fullKey(plane Plane, path string) string {
	return plane.String() + "/" + path
}

// splitKey is the inverse of fullKey.
func splitKey(key string) (Plane, string, bool) {
	planeStr, path, ok := strings.Cut(key, "/")
	if !ok {
		return 0, "", false
	}
	switch planeStr {
	case PlaneConfig.String():
		return PlaneConfig, path, true
	case PlaneOperational.String():
		return PlaneOperational, path, true
	default:
		return 0, "", false
	}
}
