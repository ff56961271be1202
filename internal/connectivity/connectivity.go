package connectivity

import (
	"fmt"
	"sync"
)

type State int

const (
	Unknown State = iota
	Online
	Offline
)

func (s State) String() string {
	switch s {
	case Unknown:
		return "unknown"
	case Online:
		return "online"
	case Offline:
		return "offline"
	default:
		panic("invalid state")
	}
}

func (s State) MarshalText() ([]byte, error) {
	switch s {
	case Unknown, Online, Offline:
		return []byte(s.String()), nil
	default:
		return nil, fmt.Errorf("invalid state %d", s)
	}
}

func (s *State) UnmarshalText(text []byte) error {
	switch string(text) {
	case "unknown":
		*s = Unknown
	case "online":
		*s = Online
	case "offline":
		*s = Offline
	default:
		return fmt.Errorf("invalid state '%s'", text)
	}
	return nil
}

// Signal is a source of raw online (true) and offline (false) events.
type Signal interface {
	String() string
	Subscribe() (<-chan bool, func())
}

// Broadcast fans a stream of connectivity events out to any number of
// subscribers. Each subscriber holds at most the latest value.
type Broadcast struct {
	mu     sync.Mutex
	subs   map[int]chan bool
	nextId int
	last   *bool
}

func (b *Broadcast) Subscribe() (<-chan bool, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.subs == nil {
		b.subs = map[int]chan bool{}
	}

	id := b.nextId
	b.nextId++

	ch := make(chan bool, 1)
	if b.last != nil {
		ch <- *b.last
	}
	b.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()

			delete(b.subs, id)
			close(ch)
		})
	}
}

func (b *Broadcast) Publish(online bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.last = &online

	for _, ch := range b.subs { // nosemgrep: range-over-map
		select {
		case ch <- online:
		default:
			select {
			case <-ch:
			default:
			}
			ch <- online
		}
	}
}

// Last returns the most recently published value, ok is false when nothing
// has been published yet.
func (b *Broadcast) Last() (online bool, ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.last == nil {
		return false, false
	}
	return *b.last, true
}

func (b *Broadcast) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	return len(b.subs)
}

// Manual is a signal driven by explicit calls to Set, used by the dev
// server and the control api.
type Manual struct {
	Broadcast
}

func NewManual() *Manual {
	return &Manual{}
}

func (m *Manual) String() string {
	return "connectivity:manual"
}

func (m *Manual) Set(online bool) {
	m.Publish(online)
}
