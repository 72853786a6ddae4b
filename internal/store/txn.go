package store

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"strings"
	"sync"
)

// backend is the minimal surface a storage engine provides to txn.
// Keys are full keys ("<plane>/<path>"). A revision of 0 means absent.
type backend interface {
	get(ctx context.Context, key string) ([]byte, int64, error)
	list(ctx context.Context, prefix string) ([]rawKV, error)
	commit(ctx context.Context, reads map[string]int64, writes map[string][]byte) error
}

// rawKV is a backend entry with its modification revision.
type rawKV struct {
	key   string
	value []byte
	rev   int64
}

// pending tracks the buffered outcome for one key inside a transaction.
//
// When known is true, value holds the final value (nil meaning deleted).
// Otherwise merges are overlays still waiting for the committed base value,
// which is fetched at Submit (or earlier, by Read).
type pending struct {
	known  bool
	value  []byte
	merges [][]byte
}

// txn implements Txn on top of any backend.
type txn struct {
	mu     sync.Mutex
	b      backend
	reads  map[string]int64
	writes map[string]*pending
	order  []string
	done   bool
}

func newTxn(b backend) *txn {
	return &txn{
		b:      b,
		reads:  make(map[string]int64),
		writes: make(map[string]*pending),
	}
}

// Read implements Txn.
func (t *txn) Read(ctx context.Context, plane Plane, path string, out any) (bool, error) {
	if err := validate(plane, path); err != nil {
		return false, err
	}
	key := fullKey(plane, path)

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.done {
		return false, ErrTxnDone
	}

	value, found, err := t.resolve(ctx, key)
	if err != nil {
		return false, err
	}
	if !found {
		return false, nil
	}

	if err := json.Unmarshal(value, out); err != nil {
		return false, fmt.Errorf("decode %s: %w", key, err)
	}
	return true, nil
}

// resolve returns the value of key as seen by this transaction, fetching
// and recording the committed revision when needed. Must hold t.mu.
func (t *txn) resolve(ctx context.Context, key string) ([]byte, bool, error) {
	p, buffered := t.writes[key]
	if buffered && p.known {
		return p.value, p.value != nil, nil
	}

	base, rev, err := t.b.get(ctx, key)
	if err != nil {
		return nil, false, fmt.Errorf("%w: read %s: %w", ErrTransient, key, err)
	}
	if _, seen := t.reads[key]; !seen {
		t.reads[key] = rev
	}

	if !buffered {
		return base, base != nil, nil
	}

	merged, err := applyMerges(base, p.merges)
	if err != nil {
		return nil, false, err
	}
	p.known = true
	p.value = merged
	p.merges = nil
	return merged, true, nil
}

// List implements Txn.
func (t *txn) List(ctx context.Context, plane Plane, prefix string) ([]Entry, error) {
	if plane != PlaneConfig && plane != PlaneOperational {
		return nil, fmt.Errorf("plane %d: %w", plane, ErrInvalidPlane)
	}
	keyPrefix := fullKey(plane, prefix)

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.done {
		return nil, ErrTxnDone
	}

	kvs, err := t.b.list(ctx, keyPrefix)
	if err != nil {
		return nil, fmt.Errorf("%w: list %s: %w", ErrTransient, keyPrefix, err)
	}

	view := make(map[string][]byte, len(kvs))
	for _, kv := range kvs {
		view[kv.key] = kv.value
	}

	for key, p := range t.writes {
		if !strings.HasPrefix(key, keyPrefix) {
			continue
		}
		if !p.known {
			merged, mErr := applyMerges(view[key], p.merges)
			if mErr != nil {
				return nil, mErr
			}
			view[key] = merged
			continue
		}
		if p.value == nil {
			delete(view, key)
			continue
		}
		view[key] = p.value
	}

	entries := make([]Entry, 0, len(view))
	for _, key := range slices.Sorted(maps.Keys(view)) {
		_, path, _ := splitKey(key)
		entries = append(entries, Entry{Path: path, Value: view[key]})
	}
	return entries, nil
}

// Put implements Txn.
func (t *txn) Put(plane Plane, path string, value any) error {
	if err := validate(plane, path); err != nil {
		return err
	}
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode %s: %w", path, err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.done {
		return ErrTxnDone
	}
	t.buffer(fullKey(plane, path)).set(data)
	return nil
}

// Merge implements Txn.
func (t *txn) Merge(plane Plane, path string, value any) error {
	if err := validate(plane, path); err != nil {
		return err
	}
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode %s: %w", path, err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.done {
		return ErrTxnDone
	}

	p := t.buffer(fullKey(plane, path))
	if !p.known {
		p.merges = append(p.merges, data)
		return nil
	}
	merged, err := applyMerges(p.value, [][]byte{data})
	if err != nil {
		return err
	}
	p.value = merged
	return nil
}

// Delete implements Txn.
func (t *txn) Delete(plane Plane, path string) {
	if validate(plane, path) != nil {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.done {
		return
	}
	t.buffer(fullKey(plane, path)).set(nil)
}

// Submit implements Txn.
func (t *txn) Submit(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.done {
		return ErrTxnDone
	}
	t.done = true

	if len(t.writes) == 0 {
		return nil
	}

	// Merges over an unread base are resolved against the committed value;
	// the revision recorded here is validated by the backend commit.
	for _, key := range t.order {
		if p := t.writes[key]; !p.known {
			if _, _, err := t.resolve(ctx, key); err != nil {
				return err
			}
		}
	}

	writes := make(map[string][]byte, len(t.writes))
	for key, p := range t.writes {
		writes[key] = p.value
	}

	return t.b.commit(ctx, t.reads, writes)
}

// Cancel implements Txn.
func (t *txn) Cancel() {
	t.mu.Lock()
	t.done = true
	t.mu.Unlock()
}

func (t *txn) buffer(key string) *pending {
	p, ok := t.writes[key]
	if !ok {
		p = &pending{}
		t.writes[key] = p
		t.order = append(t.order, key)
	}
	return p
}

func (p *pending) set(value []byte) {
	p.known = true
	p.value = value
	p.merges = nil
}

// applyMerges overlays each JSON object in overlays onto base, top-level
// fields only. A non-object base is replaced by the overlay.
func applyMerges(base []byte, overlays [][]byte) ([]byte, error) {
	result := base
	for _, overlay := range overlays {
		merged, err := mergeObject(result, overlay)
		if err != nil {
			return nil, err
		}
		result = merged
	}
	return result, nil
}

func mergeObject(base, overlay []byte) ([]byte, error) {
	if len(base) == 0 {
		return overlay, nil
	}

	var dst map[string]json.RawMessage
	if err := json.Unmarshal(base, &dst); err != nil || dst == nil {
		return overlay, nil
	}

	var src map[string]json.RawMessage
	if err := json.Unmarshal(overlay, &src); err != nil {
		return nil, fmt.Errorf("merge overlay is not a JSON object: %w", err)
	}

	maps.Copy(dst, src)

	out, err := json.Marshal(dst)
	if err != nil {
		return nil, fmt.Errorf("encode merged value: %w", err)
	}
	return out, nil
}
