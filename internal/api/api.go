package api

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/taskup/outbox/internal/connectivity"
	"github.com/taskup/outbox/internal/coordinator"
	"github.com/taskup/outbox/internal/queue"
	"github.com/taskup/outbox/internal/status"
	"github.com/taskup/outbox/pkg/operation"
)

var ErrConnectivityNotManual = errors.New("connectivity is not manually controlled")

type Subsystem interface {
	String() string
	Start(errors chan<- error)
	Stop() error
}

// API is the surface offered to ui collaborators: accept writes, force a
// sync and observe the outcome.
type API struct {
	queue       *queue.Store
	coordinator *coordinator.Coordinator
	reporter    *status.Reporter
	monitor     *connectivity.Monitor
	manual      *connectivity.Manual
}

// New wires the api, manual may be nil when connectivity is derived from
// another signal.
func New(queue *queue.Store, coordinator *coordinator.Coordinator, reporter *status.Reporter, monitor *connectivity.Monitor, manual *connectivity.Manual) *API {
	return &API{
		queue:       queue,
		coordinator: coordinator,
		reporter:    reporter,
		monitor:     monitor,
		manual:      manual,
	}
}

func (a *API) Enqueue(ctx context.Context, endpoint string, verb operation.Verb, payload json.RawMessage) string {
	return a.queue.Enqueue(ctx, endpoint, verb, payload)
}

func (a *API) Operations(ctx context.Context) []*operation.Operation {
	return a.queue.List(ctx)
}

func (a *API) Remove(ctx context.Context, id string) {
	a.queue.Remove(ctx, id)
}

func (a *API) ForceSyncNow(ctx context.Context) (*coordinator.Result, error) {
	return a.coordinator.ForceSyncNow(ctx)
}

func (a *API) LastResult() *coordinator.Result {
	return a.coordinator.LastResult()
}

func (a *API) Status() status.Status {
	return a.reporter.Status()
}

func (a *API) Subscribe() (<-chan status.Status, func()) {
	return a.reporter.Subscribe()
}

func (a *API) PendingCount(ctx context.Context) int {
	return a.reporter.PendingCount(ctx)
}

func (a *API) Connectivity() connectivity.State {
	return a.monitor.State()
}

func (a *API) SetConnectivity(online bool) error {
	if a.manual == nil {
		return ErrConnectivityNotManual
	}

	a.manual.Set(online)
	return nil
}
