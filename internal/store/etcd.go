package store

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.etcd.io/etcd/client/v3/concurrency"
)

// DefaultEtcdRoot is the key prefix under which all planes are stored.
const DefaultEtcdRoot = "/gofabric/"

// electionKey is appended to the root prefix for leader election.
const electionKey = "_election"

// EtcdConfig holds the connection parameters of an EtcdStore.
type EtcdConfig struct {
	Endpoints   []string
	DialTimeout time.Duration
	Root        string
	NodeID      string
	SessionTTL  int
}

// EtcdStore is a clustered Store backed by etcd. Optimistic transactions map
// onto etcd Txn with ModRevision comparisons; watches restart from the last
// seen revision when the server cancels them.
type EtcdStore struct {
	client     *clientv3.Client
	root       string
	nodeID     string
	sessionTTL int
	leader     atomic.Bool
	logger     *slog.Logger

	mu      sync.Mutex
	cancels []context.CancelFunc
	wg      sync.WaitGroup
}

// NewEtcdStore dials etcd. The connection is lazy; the first operation
// surfaces an unreachable cluster as ErrTransient.
func NewEtcdStore(cfg EtcdConfig, logger *slog.Logger) (*EtcdStore, error) {
	client, err := clientv3.New(clientv3.Config{
		Endpoints:   cfg.Endpoints,
		DialTimeout: cfg.DialTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("create etcd client: %w", err)
	}

	root := cfg.Root
	if root == "" {
		root = DefaultEtcdRoot
	}
	if !strings.HasSuffix(root, "/") {
		root += "/"
	}
	ttl := cfg.SessionTTL
	if ttl <= 0 {
		ttl = 10
	}

	return &EtcdStore{
		client:     client,
		root:       root,
		nodeID:     cfg.NodeID,
		sessionTTL: ttl,
		logger: logger.With(
			slog.String("component", "store.etcd"),
			slog.String("node_id", cfg.NodeID),
		),
	}, nil
}

// NewTxn implements Store.
func (s *EtcdStore) NewTxn() Txn {
	return newTxn(s)
}

// IsLeader reports whether this instance currently holds cluster leadership.
func (s *EtcdStore) IsLeader() bool {
	return s.leader.Load()
}

func (s *EtcdStore) get(ctx context.Context, key string) ([]byte, int64, error) {
	resp, err := s.client.Get(ctx, s.root+key)
	if err != nil {
		return nil, 0, fmt.Errorf("etcd get: %w", err)
	}
	if len(resp.Kvs) == 0 {
		return nil, 0, nil
	}
	kv := resp.Kvs[0]
	return kv.Value, kv.ModRevision, nil
}

func (s *EtcdStore) list(ctx context.Context, prefix string) ([]rawKV, error) {
	resp, err := s.client.Get(ctx, s.root+prefix, clientv3.WithPrefix())
	if err != nil {
		return nil, fmt.Errorf("etcd range: %w", err)
	}
	out := make([]rawKV, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		out = append(out, rawKV{
			key:   strings.TrimPrefix(string(kv.Key), s.root),
			value: kv.Value,
			rev:   kv.ModRevision,
		})
	}
	return out, nil
}

func (s *EtcdStore) commit(ctx context.Context, reads map[string]int64, writes map[string][]byte) error {
	cmps := make([]clientv3.Cmp, 0, len(reads))
	for key, rev := range reads {
		cmps = append(cmps, clientv3.Compare(clientv3.ModRevision(s.root+key), "=", rev))
	}

	ops := make([]clientv3.Op, 0, len(writes))
	for key, value := range writes {
		if value == nil {
			ops = append(ops, clientv3.OpDelete(s.root+key))
			continue
		}
		ops = append(ops, clientv3.OpPut(s.root+key, string(value)))
	}

	resp, err := s.client.Txn(ctx).If(cmps...).Then(ops...).Commit()
	if err != nil {
		return fmt.Errorf("%w: etcd txn: %w", ErrTransient, err)
	}
	if !resp.Succeeded {
		return ErrConflict
	}
	return nil
}

// -------------------------------------------------------------------------
// Leadership
// -------------------------------------------------------------------------

// Campaign competes for cluster leadership until ctx is cancelled. While
// this instance is leader, Clustered watches deliver events. Losing the
// session (lease expiry) drops leadership and re-enters the election.
func (s *EtcdStore) Campaign(ctx context.Context) error {
	for {
		session, err := concurrency.NewSession(s.client,
			concurrency.WithTTL(s.sessionTTL),
			concurrency.WithContext(ctx),
		)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("create etcd session: %w", err)
		}

		election := concurrency.NewElection(session, s.root+electionKey)
		if err := election.Campaign(ctx, s.nodeID); err != nil {
			_ = session.Close()
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("campaign for leadership: %w", err)
		}

		s.leader.Store(true)
		s.logger.Info("acquired cluster leadership")

		select {
		case <-ctx.Done():
			s.leader.Store(false)
			resignCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
			if err := election.Resign(resignCtx); err != nil {
				s.logger.Warn("failed to resign leadership", slog.String("error", err.Error()))
			}
			cancel()
			_ = session.Close()
			return nil
		case <-session.Done():
			s.leader.Store(false)
			s.logger.Warn("etcd session expired, leadership lost")
		}
	}
}

// -------------------------------------------------------------------------
// Watch
// -------------------------------------------------------------------------

// Watch implements Store.
func (s *EtcdStore) Watch(
	ctx context.Context,
	plane Plane,
	prefix string,
	handler WatchHandler,
	opts ...WatchOption,
) (func(), error) {
	if plane != PlaneConfig && plane != PlaneOperational {
		return nil, fmt.Errorf("plane %d: %w", plane, ErrInvalidPlane)
	}
	o := applyWatchOptions(opts)
	keyPrefix := s.root + fullKey(plane, prefix)

	// Start from the revision after the snapshot so replayed entries and
	// live events form a gapless sequence.
	resp, err := s.client.Get(ctx, keyPrefix, clientv3.WithPrefix())
	if err != nil {
		return nil, fmt.Errorf("%w: etcd snapshot: %w", ErrTransient, err)
	}
	startRev := resp.Header.Revision + 1

	var initial []Event
	if o.replay {
		for _, kv := range resp.Kvs {
			_, path, ok := splitKey(strings.TrimPrefix(string(kv.Key), s.root))
			if !ok {
				continue
			}
			initial = append(initial, Event{Type: EventAdd, Plane: plane, Path: path, Value: kv.Value})
		}
	}

	watchCtx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.cancels = append(s.cancels, cancel)
	s.mu.Unlock()

	done := make(chan struct{})
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer close(done)
		s.deliver(watchCtx, initial, o.clustered, handler)
		s.watchLoop(watchCtx, keyPrefix, startRev, o.clustered, handler)
	}()

	return func() {
		cancel()
		<-done
	}, nil
}

func (s *EtcdStore) watchLoop(
	ctx context.Context,
	keyPrefix string,
	rev int64,
	clustered bool,
	handler WatchHandler,
) {
	ctx = clientv3.WithRequireLeader(ctx)
	watch := func(from int64) clientv3.WatchChan {
		return s.client.Watch(ctx, keyPrefix,
			clientv3.WithPrefix(),
			clientv3.WithPrevKV(),
			clientv3.WithRev(from),
		)
	}
	logger := s.logger.With(slog.String("prefix", keyPrefix))
	ch := watch(rev)

	for {
		select {
		case <-ctx.Done():
			return
		case resp, ok := <-ch:
			if !ok {
				if ctx.Err() != nil {
					return
				}
				logger.Warn("watch channel closed, restarting", slog.Int64("revision", rev))
				ch = watch(rev)
				continue
			}
			if resp.CompactRevision != 0 {
				logger.Warn("watch revision compacted, restarting",
					slog.Int64("from", rev),
					slog.Int64("compact_revision", resp.CompactRevision),
				)
				rev = resp.CompactRevision
				ch = watch(rev)
				continue
			}
			if resp.Canceled {
				logger.Error("watch canceled, restarting", slog.Any("error", resp.Err()))
				ch = watch(rev)
				continue
			}

			events := make([]Event, 0, len(resp.Events))
			for _, ev := range resp.Events {
				rev = ev.Kv.ModRevision + 1
				if converted, ok := s.convert(ev); ok {
					events = append(events, converted)
				}
			}
			s.deliver(ctx, events, clustered, handler)
		}
	}
}

func (s *EtcdStore) convert(ev *clientv3.Event) (Event, bool) {
	plane, path, ok := splitKey(strings.TrimPrefix(string(ev.Kv.Key), s.root))
	if !ok {
		return Event{}, false
	}

	out := Event{Plane: plane, Path: path}
	if ev.PrevKv != nil {
		out.PrevValue = ev.PrevKv.Value
	}

	switch {
	case ev.Type == clientv3.EventTypeDelete:
		out.Type = EventRemove
	case ev.IsCreate():
		out.Type = EventAdd
		out.Value = ev.Kv.Value
	default:
		out.Type = EventUpdate
		out.Value = ev.Kv.Value
	}
	return out, true
}

func (s *EtcdStore) deliver(ctx context.Context, events []Event, clustered bool, handler WatchHandler) {
	if clustered && !s.IsLeader() {
		return
	}
	for _, ev := range events {
		if ctx.Err() != nil {
			return
		}
		handler(ctx, ev)
	}
}

// Close stops every watch and closes the etcd client.
func (s *EtcdStore) Close() error {
	s.mu.Lock()
	for _, cancel := range s.cancels {
		cancel()
	}
	s.cancels = nil
	s.mu.Unlock()

	s.wg.Wait()

	if err := s.client.Close(); err != nil {
		return fmt.Errorf("close etcd client: %w", err)
	}
	return nil
}
