package memory

import (
	"context"
	"sync"

	"github.com/taskup/outbox/internal/kv"
)

// Store is a process local kv.Store. Contents survive a "restart" only as
// long as the same Store value is reused, which is what tests rely on.
type Store struct {
	mu     sync.RWMutex
	blobs  map[string][]byte
	closed bool

	// injected failures, used by tests to simulate storage exhaustion
	GetErr error
	SetErr error
}

func New() *Store {
	return &Store{
		blobs: map[string][]byte{},
	}
}

func (s *Store) String() string {
	return "kv:memory"
}

func (s *Store) Get(_ context.Context, key string) ([]byte, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, false, kv.ErrClosed
	}
	if s.GetErr != nil {
		return nil, false, s.GetErr
	}

	value, ok := s.blobs[key]
	if !ok {
		return nil, false, nil
	}

	return clone(value), true, nil
}

func (s *Store) Set(_ context.Context, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return kv.ErrClosed
	}
	if s.SetErr != nil {
		return s.SetErr
	}

	s.blobs[key] = clone(value)
	return nil
}

func (s *Store) Update(_ context.Context, key string, f func(old []byte) ([]byte, error)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return kv.ErrClosed
	}
	if s.GetErr != nil {
		return s.GetErr
	}

	value, err := f(clone(s.blobs[key]))
	if err != nil {
		return err
	}

	if s.SetErr != nil {
		return s.SetErr
	}

	s.blobs[key] = clone(value)
	return nil
}

// Fail sets (or clears, when nil) the errors returned by Get and Set.
func (s *Store) Fail(getErr error, setErr error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.GetErr = getErr
	s.SetErr = setErr
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closed = true
	return nil
}

func clone(b []byte) []byte {
	if b == nil {
		return nil
	}
	c := make([]byte, len(b))
	copy(c, b)
	return c
}
