// Package kv defines the durable key-value store the outbox persists its
// queue into. Values are opaque blobs; serialization belongs to the caller.
package kv

import (
	"context"
	"errors"
)

var ErrClosed = errors.New("kv store closed")

type Store interface {
	String() string

	// Get returns the blob stored under key. The boolean is false when the
	// key has never been written.
	Get(ctx context.Context, key string) ([]byte, bool, error)

	// Set replaces the blob stored under key.
	Set(ctx context.Context, key string, value []byte) error

	// Update atomically replaces the blob stored under key with the result
	// of f, which receives the current blob (nil when the key has never been
	// written). No other Set or Update on key, from this or any other
	// process sharing the backend, can interleave. When f fails nothing is
	// written and its error is returned.
	Update(ctx context.Context, key string, f func(old []byte) ([]byte, error)) error

	Close() error
}
