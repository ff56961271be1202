package test

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/taskup/outbox/internal/kv"
)

var errUpdate = errors.New("update failed")

type step struct {
	op    string // get, set, update or update-fail
	key   string
	value []byte
	found bool
}

type testCase struct {
	name  string
	steps []step
}

func (c *testCase) Run(t *testing.T, store kv.Store) {
	t.Run(c.name, func(t *testing.T) {
		ctx := context.Background()

		for i, s := range c.steps {
			msg := fmt.Sprintf("step %d (%s %s)", i, s.op, s.key)

			switch s.op {
			case "get":
				value, ok, err := store.Get(ctx, s.key)
				require.NoError(t, err, msg)
				assert.Equal(t, s.found, ok, msg)
				if s.found {
					assert.Equal(t, s.value, value, msg)
				} else {
					assert.Nil(t, value, msg)
				}
			case "set":
				require.NoError(t, store.Set(ctx, s.key, s.value), msg)
			case "update":
				// appends value to the current blob
				err := store.Update(ctx, s.key, func(old []byte) ([]byte, error) {
					return append(old, s.value...), nil
				})
				require.NoError(t, err, msg)
			case "update-fail":
				err := store.Update(ctx, s.key, func(old []byte) ([]byte, error) {
					return []byte("ignored"), errUpdate
				})
				require.ErrorIs(t, err, errUpdate, msg)
			default:
				panic(fmt.Sprintf("invalid step: %s", s.op))
			}
		}
	})
}

// TestCases are run against every kv.Store implementation. Each case uses
// its own keys so that implementations may share state across cases.
var TestCases = []*testCase{
	{
		name: "GetMissingKey",
		steps: []step{
			{op: "get", key: "missing"},
		},
	},
	{
		name: "SetThenGet",
		steps: []step{
			{op: "set", key: "a", value: []byte(`[{"id":"1"}]`)},
			{op: "get", key: "a", value: []byte(`[{"id":"1"}]`), found: true},
		},
	},
	{
		name: "SetOverwrites",
		steps: []step{
			{op: "set", key: "b", value: []byte(`[{"id":"1"}]`)},
			{op: "set", key: "b", value: []byte(`[{"id":"1"},{"id":"2"}]`)},
			{op: "get", key: "b", value: []byte(`[{"id":"1"},{"id":"2"}]`), found: true},
		},
	},
	{
		name: "SetEmptyValue",
		steps: []step{
			{op: "set", key: "c", value: []byte{}},
			{op: "get", key: "c", value: []byte{}, found: true},
		},
	},
	{
		name: "KeysAreIndependent",
		steps: []step{
			{op: "set", key: "d1", value: []byte("one")},
			{op: "set", key: "d2", value: []byte("two")},
			{op: "get", key: "d1", value: []byte("one"), found: true},
			{op: "get", key: "d2", value: []byte("two"), found: true},
		},
	},
	{
		name: "UpdateMissingKey",
		steps: []step{
			{op: "update", key: "f", value: []byte("one")},
			{op: "get", key: "f", value: []byte("one"), found: true},
		},
	},
	{
		name: "UpdateExistingKey",
		steps: []step{
			{op: "set", key: "g", value: []byte("one")},
			{op: "update", key: "g", value: []byte(",two")},
			{op: "get", key: "g", value: []byte("one,two"), found: true},
		},
	},
	{
		name: "FailedUpdateWritesNothing",
		steps: []step{
			{op: "update-fail", key: "h"},
			{op: "get", key: "h"},
			{op: "set", key: "h", value: []byte("one")},
			{op: "update-fail", key: "h"},
			{op: "get", key: "h", value: []byte("one"), found: true},
		},
	},
	{
		name: "NamespacedKey",
		steps: []step{
			{op: "set", key: "@TaskUp:pendingOperations", value: []byte("[]")},
			{op: "get", key: "@TaskUp:pendingOperations", value: []byte("[]"), found: true},
		},
	},
}

// RunConcurrentUpdates increments a counter blob n times through each of
// the given stores concurrently and checks that no increment is lost. The
// stores are expected to be separate handles on one backend.
func RunConcurrentUpdates(t *testing.T, n int, stores ...kv.Store) {
	t.Run("ConcurrentUpdates", func(t *testing.T) {
		ctx := context.Background()
		key := "counter"

		increment := func(old []byte) ([]byte, error) {
			i := 0
			if len(old) > 0 {
				var err error
				if i, err = strconv.Atoi(string(old)); err != nil {
					return nil, err
				}
			}
			return []byte(strconv.Itoa(i + 1)), nil
		}

		var wg sync.WaitGroup
		errs := make(chan error, n*len(stores))

		for _, store := range stores {
			for i := 0; i < n; i++ {
				wg.Add(1)
				go func(store kv.Store) {
					defer wg.Done()
					errs <- store.Update(ctx, key, increment)
				}(store)
			}
		}

		wg.Wait()
		close(errs)

		for err := range errs {
			require.NoError(t, err)
		}

		for _, store := range stores {
			value, ok, err := store.Get(ctx, key)
			require.NoError(t, err)
			assert.True(t, ok)
			assert.Equal(t, strconv.Itoa(n*len(stores)), string(value), store.String())
		}
	})
}
