package connectivity

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/taskup/outbox/internal/metrics"
)

// Trigger receives a drain request on every transition into Online.
type Trigger interface {
	Request()
}

type Monitor struct {
	signal   Signal
	debounce time.Duration
	metrics  *metrics.Metrics

	mu    sync.RWMutex
	state State

	started  bool
	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

func NewMonitor(signal Signal, debounce time.Duration, metrics *metrics.Metrics) *Monitor {
	return &Monitor{
		signal:   signal,
		debounce: debounce,
		metrics:  metrics,
		state:    Unknown,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

func (m *Monitor) String() string {
	return "monitor:" + m.signal.String()
}

func (m *Monitor) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.state
}

func (m *Monitor) Online() bool {
	return m.State() == Online
}

// Start subscribes to the signal and consumes it on a dedicated goroutine
// until ctx is done or Stop is called.
func (m *Monitor) Start(ctx context.Context, trigger Trigger) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.started {
		return errors.New("monitor already started")
	}
	m.started = true

	ch, unsubscribe := m.signal.Subscribe()
	go m.run(ctx, ch, unsubscribe, trigger)

	return nil
}

// Stop unsubscribes from the signal and waits for the monitor goroutine to
// exit. Stop on a monitor that was never started returns immediately.
func (m *Monitor) Stop() {
	m.stopOnce.Do(func() { close(m.stop) })

	m.mu.RLock()
	started := m.started
	m.mu.RUnlock()

	if started {
		<-m.done
	}
}

func (m *Monitor) run(ctx context.Context, ch <-chan bool, unsubscribe func(), trigger Trigger) {
	defer close(m.done)
	defer unsubscribe()

	var (
		timer   *time.Timer
		timerC  <-chan time.Time
		pending State
	)

	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case online, ok := <-ch:
			if !ok {
				return
			}

			next := Offline
			if online {
				next = Online
			}

			if m.debounce <= 0 {
				m.commit(next, trigger)
				continue
			}

			pending = next
			if timer == nil {
				timer = time.NewTimer(m.debounce)
			} else {
				timer.Reset(m.debounce)
			}
			timerC = timer.C
		case <-timerC:
			timerC = nil
			m.commit(pending, trigger)
		case <-m.stop:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (m *Monitor) commit(next State, trigger Trigger) {
	m.mu.Lock()
	prev := m.state
	m.state = next
	m.mu.Unlock()

	if prev == next {
		return
	}

	slog.Info("connectivity changed", "from", prev, "to", next)

	if m.metrics != nil {
		m.metrics.ConnectivityChanges.WithLabelValues(next.String()).Inc()
		if next == Online {
			m.metrics.ConnectivityState.Set(1)
		} else {
			m.metrics.ConnectivityState.Set(0)
		}
	}

	if next == Online && trigger != nil {
		trigger.Request()
	}
}
