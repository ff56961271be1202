package status

import (
	"context"
	"fmt"
	"sync"
)

type Status int

const (
	Idle Status = iota
	Syncing
	Completed
	Error
)

func (s Status) String() string {
	switch s {
	case Idle:
		return "idle"
	case Syncing:
		return "syncing"
	case Completed:
		return "completed"
	case Error:
		return "error"
	default:
		panic("invalid status")
	}
}

func (s Status) MarshalText() ([]byte, error) {
	switch s {
	case Idle, Syncing, Completed, Error:
		return []byte(s.String()), nil
	default:
		return nil, fmt.Errorf("invalid status %d", s)
	}
}

func (s *Status) UnmarshalText(text []byte) error {
	switch string(text) {
	case "idle":
		*s = Idle
	case "syncing":
		*s = Syncing
	case "completed":
		*s = Completed
	case "error":
		*s = Error
	default:
		return fmt.Errorf("invalid status '%s'", text)
	}
	return nil
}

// Counter reports the number of pending operations.
type Counter interface {
	Count(ctx context.Context) int
}

// Reporter holds the process wide sync status. The coordinator is the only
// writer, everyone else observes it through Status or Subscribe.
type Reporter struct {
	counter Counter

	mu     sync.RWMutex
	status Status
	subs   map[int]chan Status
	nextId int
}

func NewReporter(counter Counter) *Reporter {
	return &Reporter{
		counter: counter,
		status:  Idle,
		subs:    map[int]chan Status{},
	}
}

func (r *Reporter) Status() Status {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.status
}

func (r *Reporter) PendingCount(ctx context.Context) int {
	return r.counter.Count(ctx)
}

// Subscribe returns a channel that receives the current status followed by
// every subsequent change. A slow subscriber only ever misses intermediate
// values, never the latest one.
func (r *Reporter) Subscribe() (<-chan Status, func()) {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := r.nextId
	r.nextId++

	ch := make(chan Status, 1)
	ch <- r.status
	r.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			r.mu.Lock()
			defer r.mu.Unlock()

			delete(r.subs, id)
			close(ch)
		})
	}
}

// Set transitions to s and notifies subscribers; setting the current
// status again is a no-op.
func (r *Reporter) Set(s Status) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.status == s {
		return
	}
	r.status = s

	for _, ch := range r.subs { // nosemgrep: range-over-map
		select {
		case ch <- s:
		default:
			// replace the stale value
			select {
			case <-ch:
			default:
			}
			ch <- s
		}
	}
}
