package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/avast/retry-go/v4"
)

// DefaultUpdateAttempts bounds how many times Update re-runs a transaction
// that lost an optimistic conflict.
const DefaultUpdateAttempts = 5

// Get reads and decodes a single value in its own transaction.
func Get[T any](ctx context.Context, s Store, plane Plane, path string) (T, bool, error) {
	var out T
	tx := s.NewTxn()
	defer tx.Cancel()

	found, err := tx.Read(ctx, plane, path, &out)
	return out, found, err
}

// ListAs decodes every entry under prefix, keyed by the last path segment.
func ListAs[T any](ctx context.Context, s Store, plane Plane, prefix string) (map[string]T, error) {
	tx := s.NewTxn()
	defer tx.Cancel()

	entries, err := tx.List(ctx, plane, prefix)
	if err != nil {
		return nil, err
	}

	out := make(map[string]T, len(entries))
	for _, e := range entries {
		var v T
		if err := e.Decode(&v); err != nil {
			return nil, err
		}
		out[Base(e.Path)] = v
	}
	return out, nil
}

// Update runs fn inside a fresh transaction and submits it, retrying the
// whole read-modify-write cycle when Submit reports ErrConflict. Errors
// returned by fn abort without retry unless they wrap ErrConflict.
func Update(ctx context.Context, s Store, fn func(tx Txn) error) error {
	err := retry.Do(
		func() error {
			tx := s.NewTxn()
			if err := fn(tx); err != nil {
				tx.Cancel()
				return err
			}
			return tx.Submit(ctx)
		},
		retry.Context(ctx),
		retry.Attempts(DefaultUpdateAttempts),
		retry.Delay(5*time.Millisecond),
		retry.DelayType(retry.BackOffDelay),
		retry.RetryIf(func(err error) bool {
			return errors.Is(err, ErrConflict)
		}),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		return fmt.Errorf("store update: %w", err)
	}
	return nil
}
