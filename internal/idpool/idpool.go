// Package idpool allocates unique integer ids from named ranges. Pools are
// persisted in the configuration plane of the store so that allocations
// survive restarts and are shared by every instance of the cluster.
//
// Allocation is idempotent per key: asking twice for the same key returns
// the same id. Concurrent allocators are serialized by the store's
// optimistic transactions on the records of the contested id and key.
package idpool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"slices"
	"strconv"

	"github.com/dantte-lp/gofabric/internal/store"
)

// Sentinel errors for pool operations.
var (
	// ErrPoolNotFound indicates the named pool was never created.
	ErrPoolNotFound = errors.New("id pool not found")

	// ErrPoolExhausted indicates every id in the pool's range is taken.
	ErrPoolExhausted = errors.New("id pool exhausted")

	// ErrRangeMismatch indicates CreatePool was called for an existing pool
	// with a different range.
	ErrRangeMismatch = errors.New("id pool exists with a different range")

	// ErrInvalidRange indicates low > high.
	ErrInvalidRange = errors.New("invalid id pool range")
)

// pathPrefix is the configuration-plane subtree holding every pool.
const pathPrefix = "idpool"

// Pool is the persisted header of one id pool. Each allocation is stored
// under the pool as its own pair of records, one per direction, so that
// allocators only contend when they race for the same id or key.
type Pool struct {
	Low  uint32 `json:"low"`
	High uint32 `json:"high"`
}

// keyRecord binds an allocation key to its id.
type keyRecord struct {
	ID uint32 `json:"id"`
}

// idRecord is the reverse index entry of an allocated id.
type idRecord struct {
	Key string `json:"key"`
}

// Allocator hands out ids from store-backed pools.
type Allocator struct {
	store  store.Store
	logger *slog.Logger
}

// New creates an Allocator over s.
func New(s store.Store, logger *slog.Logger) *Allocator {
	return &Allocator{
		store:  s,
		logger: logger.With(slog.String("component", "idpool")),
	}
}

func poolPath(name string) string {
	return store.Join(pathPrefix, name)
}

func keysPrefix(pool string) string {
	return store.Join(pathPrefix, pool, "keys") + "/"
}

func idsPrefix(pool string) string {
	return store.Join(pathPrefix, pool, "ids") + "/"
}

// keyPath escapes key so that keys containing '/' stay one path segment.
func keyPath(pool, key string) string {
	return keysPrefix(pool) + url.PathEscape(key)
}

func idPath(pool string, id uint32) string {
	return idsPrefix(pool) + strconv.FormatUint(uint64(id), 10)
}

// CreatePool creates the pool name covering [low, high]. Creating an
// existing pool with the identical range succeeds without changes.
func (a *Allocator) CreatePool(ctx context.Context, name string, low, high uint32) error {
	if low > high {
		return fmt.Errorf("pool %s [%d, %d]: %w", name, low, high, ErrInvalidRange)
	}

	err := store.Update(ctx, a.store, func(tx store.Txn) error {
		var existing Pool
		found, err := tx.Read(ctx, store.PlaneConfig, poolPath(name), &existing)
		if err != nil {
			return err
		}
		if found {
			if existing.Low != low || existing.High != high {
				return fmt.Errorf("pool %s has [%d, %d], requested [%d, %d]: %w",
					name, existing.Low, existing.High, low, high, ErrRangeMismatch)
			}
			return nil
		}
		return tx.Put(store.PlaneConfig, poolPath(name), Pool{Low: low, High: high})
	})
	if err != nil {
		return fmt.Errorf("create pool %s: %w", name, err)
	}

	a.logger.Debug("id pool ready",
		slog.String("pool", name),
		slog.Uint64("low", uint64(low)),
		slog.Uint64("high", uint64(high)),
	)
	return nil
}

// Allocate returns the id bound to key, allocating the lowest free id in
// the pool if key has none yet.
func (a *Allocator) Allocate(ctx context.Context, pool, key string) (uint32, error) {
	var id uint32
	err := store.Update(ctx, a.store, func(tx store.Txn) error {
		var p Pool
		found, err := tx.Read(ctx, store.PlaneConfig, poolPath(pool), &p)
		if err != nil {
			return err
		}
		if !found {
			return fmt.Errorf("pool %s: %w", pool, ErrPoolNotFound)
		}

		var bound keyRecord
		found, err = tx.Read(ctx, store.PlaneConfig, keyPath(pool, key), &bound)
		if err != nil {
			return err
		}
		if found {
			id = bound.ID
			return nil
		}

		used, err := usedIDs(ctx, tx, pool)
		if err != nil {
			return err
		}
		free, ok := lowestFree(p, used)
		if !ok {
			return fmt.Errorf("pool %s [%d, %d]: %w", pool, p.Low, p.High, ErrPoolExhausted)
		}

		// The listing is not part of the read set; reading the chosen id
		// is, so a concurrent claim of it fails this commit.
		var owner idRecord
		taken, err := tx.Read(ctx, store.PlaneConfig, idPath(pool, free), &owner)
		if err != nil {
			return err
		}
		if taken {
			return fmt.Errorf("id %d claimed by %s: %w", free, owner.Key, store.ErrConflict)
		}

		id = free
		if err := tx.Put(store.PlaneConfig, keyPath(pool, key), keyRecord{ID: free}); err != nil {
			return err
		}
		return tx.Put(store.PlaneConfig, idPath(pool, free), idRecord{Key: key})
	})
	if err != nil {
		return 0, fmt.Errorf("allocate %s from %s: %w", key, pool, err)
	}
	return id, nil
}

// Release frees the id bound to key. Releasing an unknown key, or from an
// unknown pool, is logged and otherwise ignored.
func (a *Allocator) Release(ctx context.Context, pool, key string) error {
	var missing string
	err := store.Update(ctx, a.store, func(tx store.Txn) error {
		missing = ""
		var p Pool
		found, err := tx.Read(ctx, store.PlaneConfig, poolPath(pool), &p)
		if err != nil {
			return err
		}
		if !found {
			missing = "pool"
			return nil
		}

		var bound keyRecord
		found, err = tx.Read(ctx, store.PlaneConfig, keyPath(pool, key), &bound)
		if err != nil {
			return err
		}
		if !found {
			missing = "key"
			return nil
		}
		tx.Delete(store.PlaneConfig, keyPath(pool, key))
		tx.Delete(store.PlaneConfig, idPath(pool, bound.ID))
		return nil
	})
	if err != nil {
		return fmt.Errorf("release %s from %s: %w", key, pool, err)
	}

	if missing != "" {
		a.logger.Warn("release of unallocated id ignored",
			slog.String("pool", pool),
			slog.String("key", key),
			slog.String("missing", missing),
		)
	}
	return nil
}

// Lookup returns the id bound to key without allocating.
func (a *Allocator) Lookup(ctx context.Context, pool, key string) (uint32, bool, error) {
	_, found, err := store.Get[Pool](ctx, a.store, store.PlaneConfig, poolPath(pool))
	if err != nil {
		return 0, false, fmt.Errorf("lookup %s in %s: %w", key, pool, err)
	}
	if !found {
		return 0, false, fmt.Errorf("pool %s: %w", pool, ErrPoolNotFound)
	}

	bound, found, err := store.Get[keyRecord](ctx, a.store, store.PlaneConfig, keyPath(pool, key))
	if err != nil {
		return 0, false, fmt.Errorf("lookup %s in %s: %w", key, pool, err)
	}
	return bound.ID, found, nil
}

// usedIDs returns the allocated ids of pool in ascending order.
func usedIDs(ctx context.Context, tx store.Txn, pool string) ([]uint32, error) {
	entries, err := tx.List(ctx, store.PlaneConfig, idsPrefix(pool))
	if err != nil {
		return nil, err
	}
	ids := make([]uint32, 0, len(entries))
	for _, e := range entries {
		v, err := strconv.ParseUint(store.Base(e.Path), 10, 32)
		if err != nil {
			continue
		}
		ids = append(ids, uint32(v))
	}
	slices.Sort(ids)
	return ids, nil
}

// lowestFree returns the smallest id in [Low, High] not in used, which
// must be sorted.
func lowestFree(p Pool, used []uint32) (uint32, bool) {
	candidate := uint64(p.Low)
	for _, id := range used {
		if uint64(id) < candidate {
			continue
		}
		if uint64(id) > candidate {
			break
		}
		candidate++
	}
	if candidate > uint64(p.High) {
		return 0, false
	}
	return uint32(candidate), true
}
