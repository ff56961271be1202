package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/taskup/outbox/internal/metrics"
	"github.com/taskup/outbox/internal/remote"
	"github.com/taskup/outbox/internal/status"
	"github.com/taskup/outbox/pkg/operation"
)

var (
	ErrOffline  = errors.New("offline")
	ErrDraining = errors.New("drain in progress")
)

type Config struct {
	RevertAfter       time.Duration `flag:"revert-after" desc:"time a completed or error status is shown before returning to idle" default:"3s"`
	RetryServerErrors bool          `flag:"retry-server-errors" desc:"keep operations queued when the remote api answers with a 5xx status" default:"false"`
}

type Queue interface {
	Snapshot(ctx context.Context) ([]*operation.Operation, error)
	Remove(ctx context.Context, id string)
	Count(ctx context.Context) int
}

type Connectivity interface {
	Online() bool
}

// Result summarizes a single drain.
type Result struct {
	Status   status.Status `json:"status"`
	Applied  int           `json:"applied"`
	Retained int           `json:"retained"`
	Dropped  int           `json:"dropped"`
	Error    string        `json:"error,omitempty"`
}

func (r *Result) String() string {
	return fmt.Sprintf("Result(status=%s, applied=%d, retained=%d, dropped=%d)", r.Status, r.Applied, r.Retained, r.Dropped)
}

// Coordinator drains the queue through the remote api. At most one drain
// runs at a time, operations within a drain run strictly in order.
type Coordinator struct {
	config       *Config
	queue        Queue
	api          remote.API
	connectivity Connectivity
	reporter     *status.Reporter
	metrics      *metrics.Metrics

	guard    chan struct{}
	requests chan struct{}

	mu     sync.Mutex
	gen    int
	revert *time.Timer
	last   *Result
}

func New(config *Config, queue Queue, api remote.API, connectivity Connectivity, reporter *status.Reporter, metrics *metrics.Metrics) *Coordinator {
	return &Coordinator{
		config:       config,
		queue:        queue,
		api:          api,
		connectivity: connectivity,
		reporter:     reporter,
		metrics:      metrics,
		guard:        make(chan struct{}, 1),
		requests:     make(chan struct{}, 1),
	}
}

func (c *Coordinator) String() string {
	return fmt.Sprintf("coordinator:%s", c.api)
}

// Request asks Run for a drain. Requests never block and collapse into a
// single pending request.
func (c *Coordinator) Request() {
	select {
	case c.requests <- struct{}{}:
	default:
	}
}

// Run serves drain requests until ctx is done.
func (c *Coordinator) Run(ctx context.Context) {
	defer c.stopRevert()

	for {
		select {
		case <-c.requests:
			if _, err := c.TryDrain(ctx); err != nil {
				slog.Debug("drain request ignored", "err", err)
			}

			// requests that arrived while draining are satisfied by this drain
			select {
			case <-c.requests:
			default:
			}
		case <-ctx.Done():
			return
		}
	}
}

// ForceSyncNow drains immediately, it fails with ErrOffline when
// connectivity is not online and with ErrDraining when a drain is already
// running.
func (c *Coordinator) ForceSyncNow(ctx context.Context) (*Result, error) {
	if !c.connectivity.Online() {
		return nil, ErrOffline
	}

	return c.TryDrain(ctx)
}

// TryDrain drains unless a drain is already running.
func (c *Coordinator) TryDrain(ctx context.Context) (*Result, error) {
	select {
	case c.guard <- struct{}{}:
	default:
		return nil, ErrDraining
	}
	defer func() { <-c.guard }()

	if c.metrics != nil {
		c.metrics.DrainsInFlight.Inc()
		defer c.metrics.DrainsInFlight.Dec()
	}

	return c.drain(ctx), nil
}

func (c *Coordinator) Draining() bool {
	return len(c.guard) > 0
}

// LastResult returns the result of the most recent drain that ran, or nil.
func (c *Coordinator) LastResult() *Result {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.last
}

func (c *Coordinator) drain(ctx context.Context) (result *Result) {
	result = &Result{Status: status.Idle}

	ops, err := c.queue.Snapshot(ctx)
	if err != nil {
		slog.Error("failed to snapshot queue", "err", err)
		return c.finish(result, err)
	}

	if len(ops) == 0 {
		return result
	}

	c.transition(status.Syncing)
	slog.Info("drain started", "pending", len(ops))

	defer func() {
		if r := recover(); r != nil {
			slog.Error("drain panicked", "panic", r, "stack", string(debug.Stack()))
			result = c.finish(result, fmt.Errorf("panic: %v", r))
		}
	}()

	for _, op := range ops {
		if err := ctx.Err(); err != nil {
			return c.finish(result, err)
		}

		start := time.Now()
		err := c.api.Execute(remote.WithIdempotencyKey(ctx, op.Id), op.Verb, op.Endpoint, op.Payload)
		if c.metrics != nil {
			c.metrics.RemoteDuration.WithLabelValues(op.Verb.String()).Observe(time.Since(start).Seconds())
		}

		if err == nil {
			c.queue.Remove(ctx, op.Id)
			result.Applied++
			c.observe(op, "applied")
			slog.Debug("operation applied", "op", op)
			continue
		}

		e := remote.Classify(err)
		switch {
		case e.Kind == remote.Transport:
			result.Retained++
			c.observe(op, "retained")

			// failures caused by shutdown abort the drain
			if ctx.Err() != nil {
				return c.finish(result, ctx.Err())
			}
			slog.Warn("operation retained", "op", op, "err", err)
		case c.config.RetryServerErrors && e.ServerError():
			result.Retained++
			c.observe(op, "retained")
			slog.Warn("operation retained", "op", op, "status", e.StatusCode, "err", err)
		default:
			c.queue.Remove(ctx, op.Id)
			result.Dropped++
			c.observe(op, "dropped")
			slog.Warn("operation dropped", "op", op, "status", e.StatusCode, "err", err)
		}
	}

	return c.finish(result, nil)
}

func (c *Coordinator) finish(result *Result, err error) *Result {
	if err != nil {
		result.Status = status.Error
		result.Error = err.Error()
	} else {
		result.Status = status.Completed
	}

	slog.Info("drain finished", "result", result)

	if c.metrics != nil {
		c.metrics.DrainsTotal.WithLabelValues(result.Status.String()).Inc()
	}

	c.mu.Lock()
	c.last = result
	c.mu.Unlock()

	c.transition(result.Status)
	return result
}

func (c *Coordinator) observe(op *operation.Operation, outcome string) {
	if c.metrics != nil {
		c.metrics.OperationsTotal.WithLabelValues(op.Verb.String(), outcome).Inc()
	}
}

// transition sets the status and, for terminal states, schedules the
// return to idle. A newer transition cancels a pending revert.
func (c *Coordinator) transition(s status.Status) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.gen++
	if c.revert != nil {
		c.revert.Stop()
		c.revert = nil
	}

	c.reporter.Set(s)

	if s != status.Completed && s != status.Error {
		return
	}

	if c.config.RevertAfter <= 0 {
		c.reporter.Set(status.Idle)
		return
	}

	gen := c.gen
	c.revert = time.AfterFunc(c.config.RevertAfter, func() {
		c.mu.Lock()
		defer c.mu.Unlock()

		if c.gen == gen {
			c.reporter.Set(status.Idle)
			c.revert = nil
		}
	})
}

// stopRevert returns to idle right away, used on shutdown.
func (c *Coordinator) stopRevert() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.revert != nil {
		c.revert.Stop()
		c.revert = nil
		c.gen++
		c.reporter.Set(status.Idle)
	}
}
