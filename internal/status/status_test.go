package status

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

type counter int

func (c counter) Count(context.Context) int {
	return int(c)
}

func TestStatusText(t *testing.T) {
	for _, tc := range []struct {
		status Status
		text   string
	}{
		{Idle, "idle"},
		{Syncing, "syncing"},
		{Completed, "completed"},
		{Error, "error"},
	} {
		t.Run(tc.text, func(t *testing.T) {
			b, err := tc.status.MarshalText()
			assert.NoError(t, err)
			assert.Equal(t, tc.text, string(b))
		})
	}

	_, err := Status(42).MarshalText()
	assert.Error(t, err)
}

func TestReporter(t *testing.T) {
	r := NewReporter(counter(3))
	assert.Equal(t, Idle, r.Status())
	assert.Equal(t, 3, r.PendingCount(context.Background()))

	ch, unsubscribe := r.Subscribe()
	assert.Equal(t, Idle, <-ch)

	r.Set(Syncing)
	assert.Equal(t, Syncing, <-ch)

	// same status does not notify
	r.Set(Syncing)
	select {
	case s := <-ch:
		t.Fatalf("unexpected notification %s", s)
	default:
	}

	// a slow subscriber sees the latest status
	r.Set(Completed)
	r.Set(Idle)
	assert.Equal(t, Idle, <-ch)
	assert.Equal(t, Idle, r.Status())

	unsubscribe()
	unsubscribe()

	_, ok := <-ch
	assert.False(t, ok)

	// no subscribers left
	r.Set(Error)
	assert.Equal(t, Error, r.Status())
}

func TestStatusUnmarshalText(t *testing.T) {
	for _, s := range []Status{Idle, Syncing, Completed, Error} {
		var got Status
		assert.NoError(t, got.UnmarshalText([]byte(s.String())))
		assert.Equal(t, s, got)
	}

	var got Status
	assert.Error(t, got.UnmarshalText([]byte("done")))
}
