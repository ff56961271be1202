package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/taskup/outbox/internal/kv/memory"
	"github.com/taskup/outbox/internal/metrics"
	"github.com/taskup/outbox/internal/queue"
	"github.com/taskup/outbox/internal/remote"
	"github.com/taskup/outbox/internal/status"
	"github.com/taskup/outbox/pkg/operation"
	"go.uber.org/mock/gomock"
)

type online bool

func (o online) Online() bool {
	return bool(o)
}

type fixture struct {
	kv          *memory.Store
	queue       *queue.Store
	api         *remote.MockAPI
	reporter    *status.Reporter
	metrics     *metrics.Metrics
	coordinator *Coordinator
}

func setup(t *testing.T, config *Config, conn Connectivity) *fixture {
	ctrl := gomock.NewController(t)

	kv := memory.New()
	metrics := metrics.New(prometheus.NewRegistry())
	q := queue.New(kv, &queue.Config{}, metrics)
	api := remote.NewMockAPI(ctrl)
	reporter := status.NewReporter(q)

	return &fixture{
		kv:          kv,
		queue:       q,
		api:         api,
		reporter:    reporter,
		metrics:     metrics,
		coordinator: New(config, q, api, conn, reporter, metrics),
	}
}

func longRevert() *Config {
	return &Config{RevertAfter: time.Hour}
}

func TestDrainFIFO(t *testing.T) {
	ctx := context.Background()
	f := setup(t, longRevert(), online(true))

	a := f.queue.Enqueue(ctx, "/tasks", operation.Create, json.RawMessage(`{"title":"A"}`))
	b := f.queue.Enqueue(ctx, "/projects", operation.Create, json.RawMessage(`{"name":"B"}`))
	c := f.queue.Enqueue(ctx, "/teams/1", operation.Delete, nil)

	var keys []string
	record := func(ctx context.Context, _ operation.Verb, _ string, _ json.RawMessage) error {
		key, _ := remote.IdempotencyKey(ctx)
		keys = append(keys, key)
		return nil
	}

	gomock.InOrder(
		f.api.EXPECT().Execute(gomock.Any(), operation.Create, "/tasks", json.RawMessage(`{"title":"A"}`)).DoAndReturn(record),
		f.api.EXPECT().Execute(gomock.Any(), operation.Create, "/projects", json.RawMessage(`{"name":"B"}`)).DoAndReturn(record),
		f.api.EXPECT().Execute(gomock.Any(), operation.Delete, "/teams/1", gomock.Nil()).DoAndReturn(record),
	)

	result, err := f.coordinator.ForceSyncNow(ctx)
	require.NoError(t, err)

	assert.Equal(t, &Result{Status: status.Completed, Applied: 3}, result)
	assert.Equal(t, []string{a, b, c}, keys)
	assert.Equal(t, 0, f.queue.Count(ctx))
	assert.Equal(t, status.Completed, f.reporter.Status())
	assert.Equal(t, result, f.coordinator.LastResult())
	assert.Equal(t, float64(3), testutil.ToFloat64(f.metrics.OperationsTotal.WithLabelValues("create", "applied"))+testutil.ToFloat64(f.metrics.OperationsTotal.WithLabelValues("delete", "applied")))
}

func TestDrainStatusSyncing(t *testing.T) {
	ctx := context.Background()
	f := setup(t, longRevert(), online(true))

	f.queue.Enqueue(ctx, "/tasks", operation.Create, json.RawMessage(`{}`))

	f.api.EXPECT().Execute(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).DoAndReturn(
		func(context.Context, operation.Verb, string, json.RawMessage) error {
			assert.Equal(t, status.Syncing, f.reporter.Status())
			assert.True(t, f.coordinator.Draining())
			return nil
		},
	)

	_, err := f.coordinator.TryDrain(ctx)
	require.NoError(t, err)
	assert.False(t, f.coordinator.Draining())
}

func TestDrainTransportFailureRetains(t *testing.T) {
	ctx := context.Background()
	f := setup(t, longRevert(), online(true))

	f.queue.Enqueue(ctx, "/tasks", operation.Create, json.RawMessage(`{"title":"X"}`))
	before := f.queue.List(ctx)

	f.api.EXPECT().Execute(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).Return(remote.NewTransportError(errors.New("connection refused")))

	result, err := f.coordinator.TryDrain(ctx)
	require.NoError(t, err)

	assert.Equal(t, &Result{Status: status.Completed, Retained: 1}, result)
	assert.Equal(t, 1, f.queue.Count(ctx))
	assert.Equal(t, before, f.queue.List(ctx))
}

func TestDrainUnclassifiedErrorRetains(t *testing.T) {
	ctx := context.Background()
	f := setup(t, longRevert(), online(true))

	f.queue.Enqueue(ctx, "/tasks", operation.Create, nil)
	f.api.EXPECT().Execute(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).Return(errors.New("eof"))

	result, err := f.coordinator.TryDrain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Retained)
	assert.Equal(t, 1, f.queue.Count(ctx))
}

func TestDrainApplicationFailureDrops(t *testing.T) {
	ctx := context.Background()
	f := setup(t, longRevert(), online(true))

	f.queue.Enqueue(ctx, "/tasks/1", operation.Update, json.RawMessage(`{"status":"Completed"}`))
	f.queue.Enqueue(ctx, "/tasks/2", operation.Update, json.RawMessage(`{"status":"Completed"}`))

	gomock.InOrder(
		f.api.EXPECT().Execute(gomock.Any(), gomock.Any(), "/tasks/1", gomock.Any()).Return(remote.NewApplicationError(404, nil)),
		f.api.EXPECT().Execute(gomock.Any(), gomock.Any(), "/tasks/2", gomock.Any()).Return(nil),
	)

	result, err := f.coordinator.TryDrain(ctx)
	require.NoError(t, err)

	// per operation failures never surface as an aggregate error
	assert.Equal(t, &Result{Status: status.Completed, Applied: 1, Dropped: 1}, result)
	assert.Equal(t, 0, f.queue.Count(ctx))
	assert.Equal(t, float64(1), testutil.ToFloat64(f.metrics.OperationsTotal.WithLabelValues("update", "dropped")))
}

func TestDrainServerErrors(t *testing.T) {
	for _, tc := range []struct {
		name    string
		retry   bool
		pending int
	}{
		{"Drop", false, 0},
		{"Retain", true, 1},
	} {
		t.Run(tc.name, func(t *testing.T) {
			ctx := context.Background()
			f := setup(t, &Config{RevertAfter: time.Hour, RetryServerErrors: tc.retry}, online(true))

			f.queue.Enqueue(ctx, "/tasks", operation.Create, nil)
			f.api.EXPECT().Execute(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).Return(remote.NewApplicationError(503, nil))

			result, err := f.coordinator.TryDrain(ctx)
			require.NoError(t, err)
			assert.Equal(t, status.Completed, result.Status)
			assert.Equal(t, tc.pending, f.queue.Count(ctx))
		})
	}
}

func TestDrainEmptyQueue(t *testing.T) {
	ctx := context.Background()
	f := setup(t, longRevert(), online(true))

	ch, unsubscribe := f.reporter.Subscribe()
	defer unsubscribe()
	assert.Equal(t, status.Idle, <-ch)

	result, err := f.coordinator.ForceSyncNow(ctx)
	require.NoError(t, err)
	assert.Equal(t, status.Idle, result.Status)

	select {
	case s := <-ch:
		t.Fatalf("unexpected transition to %s", s)
	default:
	}
	assert.Nil(t, f.coordinator.LastResult())
}

func TestForceSyncNowOffline(t *testing.T) {
	ctx := context.Background()
	f := setup(t, longRevert(), online(false))

	f.queue.Enqueue(ctx, "/tasks", operation.Create, nil)

	_, err := f.coordinator.ForceSyncNow(ctx)
	assert.ErrorIs(t, err, ErrOffline)
	assert.Equal(t, status.Idle, f.reporter.Status())
	assert.Equal(t, 1, f.queue.Count(ctx))
}

func TestSingleFlight(t *testing.T) {
	ctx := context.Background()
	f := setup(t, longRevert(), online(true))

	f.queue.Enqueue(ctx, "/tasks", operation.Create, nil)

	started := make(chan struct{})
	release := make(chan struct{})

	f.api.EXPECT().Execute(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).DoAndReturn(
		func(context.Context, operation.Verb, string, json.RawMessage) error {
			close(started)
			<-release
			return nil
		},
	).Times(1)

	done := make(chan *Result)
	go func() {
		result, err := f.coordinator.ForceSyncNow(ctx)
		assert.NoError(t, err)
		done <- result
	}()

	<-started

	var wg sync.WaitGroup
	var rejected atomic.Int64
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := f.coordinator.ForceSyncNow(ctx); errors.Is(err, ErrDraining) {
				rejected.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int64(10), rejected.Load())

	close(release)
	assert.Equal(t, 1, (<-done).Applied)
	assert.Equal(t, float64(0), testutil.ToFloat64(f.metrics.DrainsInFlight))
}

func TestDrainSnapshotFailure(t *testing.T) {
	ctx := context.Background()
	f := setup(t, &Config{RevertAfter: 20 * time.Millisecond}, online(true))

	f.queue.Enqueue(ctx, "/tasks", operation.Create, nil)
	f.kv.Fail(errors.New("io error"), nil)

	result, err := f.coordinator.TryDrain(ctx)
	require.NoError(t, err)
	assert.Equal(t, status.Error, result.Status)
	assert.NotEmpty(t, result.Error)
	assert.Equal(t, status.Error, f.reporter.Status())

	require.Eventually(t, func() bool { return f.reporter.Status() == status.Idle }, time.Second, time.Millisecond)
	assert.Equal(t, float64(1), testutil.ToFloat64(f.metrics.DrainsTotal.WithLabelValues("error")))
}

func TestDrainPanic(t *testing.T) {
	ctx := context.Background()
	f := setup(t, longRevert(), online(true))

	f.queue.Enqueue(ctx, "/tasks", operation.Create, nil)
	f.api.EXPECT().Execute(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).DoAndReturn(
		func(context.Context, operation.Verb, string, json.RawMessage) error {
			panic("boom")
		},
	)

	result, err := f.coordinator.TryDrain(ctx)
	require.NoError(t, err)
	assert.Equal(t, status.Error, result.Status)
	assert.Equal(t, "panic: boom", result.Error)
	assert.Equal(t, 1, f.queue.Count(ctx))

	// the guard is released
	f.api.EXPECT().Execute(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).Return(nil)
	result, err = f.coordinator.TryDrain(ctx)
	require.NoError(t, err)
	assert.Equal(t, status.Completed, result.Status)
}

func TestDrainCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	f := setup(t, longRevert(), online(true))

	f.queue.Enqueue(ctx, "/tasks/1", operation.Delete, nil)
	f.queue.Enqueue(ctx, "/tasks/2", operation.Delete, nil)

	f.api.EXPECT().Execute(gomock.Any(), gomock.Any(), "/tasks/1", gomock.Any()).DoAndReturn(
		func(ctx context.Context, _ operation.Verb, _ string, _ json.RawMessage) error {
			cancel()
			return remote.NewTransportError(ctx.Err())
		},
	)

	result, err := f.coordinator.TryDrain(ctx)
	require.NoError(t, err)
	assert.Equal(t, status.Error, result.Status)
	assert.Equal(t, 1, result.Retained)
	assert.Equal(t, 2, f.queue.Count(context.Background()))
}

func TestRevertToIdle(t *testing.T) {
	ctx := context.Background()
	f := setup(t, &Config{RevertAfter: 50 * time.Millisecond}, online(true))

	f.queue.Enqueue(ctx, "/tasks", operation.Create, nil)
	f.api.EXPECT().Execute(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).Return(nil)

	_, err := f.coordinator.TryDrain(ctx)
	require.NoError(t, err)
	assert.Equal(t, status.Completed, f.reporter.Status())

	require.Eventually(t, func() bool { return f.reporter.Status() == status.Idle }, time.Second, time.Millisecond)
}

func TestRevertImmediately(t *testing.T) {
	ctx := context.Background()
	f := setup(t, &Config{}, online(true))

	f.queue.Enqueue(ctx, "/tasks", operation.Create, nil)
	f.api.EXPECT().Execute(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).Return(nil)

	result, err := f.coordinator.TryDrain(ctx)
	require.NoError(t, err)
	assert.Equal(t, status.Completed, result.Status)
	assert.Equal(t, status.Idle, f.reporter.Status())
}

func TestRunServesRequests(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	f := setup(t, longRevert(), online(true))
	f.queue.Enqueue(ctx, "/tasks", operation.Create, nil)

	started := make(chan struct{})
	release := make(chan struct{})

	f.api.EXPECT().Execute(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).DoAndReturn(
		func(context.Context, operation.Verb, string, json.RawMessage) error {
			close(started)
			<-release
			return nil
		},
	).Times(1)

	done := make(chan struct{})
	go func() {
		f.coordinator.Run(ctx)
		close(done)
	}()

	f.coordinator.Request()
	<-started

	// requests during a drain are discarded
	f.coordinator.Request()
	f.coordinator.Request()
	close(release)

	require.Eventually(t, func() bool {
		result := f.coordinator.LastResult()
		return result != nil && result.Applied == 1
	}, time.Second, time.Millisecond)

	cancel()
	<-done
	assert.Equal(t, status.Idle, f.reporter.Status())
}
