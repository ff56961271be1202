// Package queue is the durable outbox: the ordered list of operations that
// were accepted locally but not yet applied by the remote api.
//
// The whole queue is persisted as a single json blob under one key. Every
// mutation is a kv.Store Update of that blob, so an enqueue and a remove
// never lose each other's change, even when they come from different
// processes sharing the backend.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/taskup/outbox/internal/kv"
	"github.com/taskup/outbox/internal/metrics"
	"github.com/taskup/outbox/internal/util"
	"github.com/taskup/outbox/pkg/operation"
)

const DefaultKey = "@TaskUp:pendingOperations"

type Config struct {
	Key string `flag:"key" desc:"kv key the queue is persisted under" default:"@TaskUp:pendingOperations"`
}

type Store struct {
	kv      kv.Store
	key     string
	metrics *metrics.Metrics

	mu    sync.Mutex
	count int

	now   func() time.Time
	newId func() string
}

type Option func(*Store)

// WithClock overrides the clock used to stamp operations.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithIds overrides the id generator.
func WithIds(newId func() string) Option {
	return func(s *Store) { s.newId = newId }
}

func New(store kv.Store, config *Config, metrics *metrics.Metrics, opts ...Option) *Store {
	key := config.Key
	if key == "" {
		key = DefaultKey
	}

	s := &Store{
		kv:      store,
		key:     key,
		metrics: metrics,
		now:     time.Now,
		newId:   uuid.NewString,
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

func (s *Store) String() string {
	return fmt.Sprintf("queue:%s", s.kv)
}

// errUnchanged aborts an update that would not modify the queue.
var errUnchanged = errors.New("queue unchanged")

// Enqueue appends a new operation and returns its id. Storage failures are
// logged and swallowed; in that case the operation is lost.
func (s *Store) Enqueue(ctx context.Context, endpoint string, verb operation.Verb, payload json.RawMessage) string {
	util.Assert(verb.Valid(), "verb must be valid")

	op := &operation.Operation{
		Id:         s.newId(),
		Endpoint:   endpoint,
		Verb:       verb,
		EnqueuedAt: s.now().UnixMilli(),
	}

	if verb.HasPayload() && len(payload) > 0 {
		op.Payload = payload
	}

	err := s.update(ctx, func(ops []*operation.Operation) ([]*operation.Operation, error) {
		return append(ops, op), nil
	})
	if err != nil {
		slog.Error("failed to enqueue operation", "op", op, "err", err)
		return op.Id
	}

	if s.metrics != nil {
		s.metrics.OperationsEnqueued.WithLabelValues(verb.String()).Inc()
	}

	slog.Debug("queue:enqueue", "op", op)
	return op.Id
}

// List returns the pending operations, oldest first. A storage failure is
// logged and reported as an empty queue.
func (s *Store) List(ctx context.Context) []*operation.Operation {
	ops, err := s.Snapshot(ctx)
	if err != nil {
		slog.Error("failed to list operations", "err", err)
		return []*operation.Operation{}
	}

	return ops
}

// Snapshot is List without the best effort error handling.
func (s *Store) Snapshot(ctx context.Context) ([]*operation.Operation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.load(ctx)
}

// Remove deletes the operation with the given id. Removing an id that is
// not queued is a no-op.
func (s *Store) Remove(ctx context.Context, id string) {
	err := s.update(ctx, func(ops []*operation.Operation) ([]*operation.Operation, error) {
		i := slices.IndexFunc(ops, func(op *operation.Operation) bool { return op.Id == id })
		if i == -1 {
			return nil, errUnchanged
		}
		return slices.Delete(ops, i, i+1), nil
	})

	switch {
	case errors.Is(err, errUnchanged):
		slog.Debug("queue:remove:noop", "id", id)
	case err != nil:
		slog.Error("failed to remove operation", "id", id, "err", err)
	default:
		slog.Debug("queue:remove", "id", id)
	}
}

// Clear removes every pending operation and returns how many were removed.
// Operations enqueued concurrently either precede the clear and are removed
// or follow it and are kept.
func (s *Store) Clear(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int
	err := s.kv.Update(ctx, s.key, func(data []byte) ([]byte, error) {
		ops, err := s.decode(data)
		if err != nil {
			return nil, err
		}
		n = len(ops)
		return s.encode(nil)
	})
	if err != nil {
		return 0, err
	}

	s.setCount(0)
	slog.Debug("queue:clear", "removed", n)
	return n, nil
}

// Count returns the number of pending operations as persisted, so writes
// made by other processes sharing the store are included. When storage
// cannot be read the last known count is returned.
func (s *Store) Count(ctx context.Context) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.load(ctx); err != nil {
		slog.Error("failed to count operations", "err", err)
	}

	return s.count
}

// load reads the persisted queue, the caller must hold the lock.
func (s *Store) load(ctx context.Context) ([]*operation.Operation, error) {
	data, _, err := s.kv.Get(ctx, s.key)
	if err != nil {
		s.storageError("get")
		return nil, fmt.Errorf("failed to read queue: %w", err)
	}

	ops, err := s.decode(data)
	if err != nil {
		return nil, err
	}

	s.setCount(len(ops))
	return ops, nil
}

// update applies f to the persisted queue as one atomic kv update.
func (s *Store) update(ctx context.Context, f func([]*operation.Operation) ([]*operation.Operation, error)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var (
		read    bool
		encoded bool
		n       int
	)

	err := s.kv.Update(ctx, s.key, func(data []byte) ([]byte, error) {
		read = true

		ops, err := s.decode(data)
		if err != nil {
			return nil, err
		}

		if ops, err = f(ops); err != nil {
			return nil, err
		}

		b, err := s.encode(ops)
		if err != nil {
			return nil, err
		}

		encoded = true
		n = len(ops)
		return b, nil
	})

	if err != nil {
		if !read {
			s.storageError("get")
			return fmt.Errorf("failed to read queue: %w", err)
		}
		if encoded {
			s.storageError("set")
			return fmt.Errorf("failed to write queue: %w", err)
		}
		return err
	}

	s.setCount(n)
	return nil
}

func (s *Store) decode(data []byte) ([]*operation.Operation, error) {
	ops := []*operation.Operation{}
	if len(data) > 0 {
		if err := json.Unmarshal(data, &ops); err != nil {
			s.storageError("decode")
			return nil, fmt.Errorf("failed to decode queue: %w", err)
		}
	}

	return ops, nil
}

func (s *Store) encode(ops []*operation.Operation) ([]byte, error) {
	if ops == nil {
		ops = []*operation.Operation{}
	}

	data, err := json.Marshal(ops)
	if err != nil {
		s.storageError("encode")
		return nil, fmt.Errorf("failed to encode queue: %w", err)
	}

	return data, nil
}

func (s *Store) setCount(n int) {
	s.count = n

	if s.metrics != nil {
		s.metrics.OperationsPending.Set(float64(n))
	}
}

func (s *Store) storageError(op string) {
	if s.metrics != nil {
		s.metrics.StorageErrorsTotal.WithLabelValues(op).Inc()
	}
}
