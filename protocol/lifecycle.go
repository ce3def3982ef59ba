package protocol

import (
	"fmt"
	"sync"
	"time"
)

// State is an adapter's lifecycle state.
type State string

// The lifecycle states.
const (
	StateUninitialized State = "uninitialized"
	StateInitializing  State = "initializing"
	StateConnected     State = "connected"
	StateDisconnected  State = "disconnected"
	StateShuttingDown  State = "shutting-down"
	StateClosed        State = "closed"
)

var validTransitions = map[State][]State{
	StateUninitialized: {StateInitializing},
	StateInitializing:  {StateConnected, StateDisconnected, StateShuttingDown},
	StateConnected:     {StateDisconnected, StateShuttingDown},
	StateDisconnected:  {StateConnected, StateShuttingDown},
	StateShuttingDown:  {StateClosed},
	StateClosed:        {},
}

// Lifecycle tracks an adapter's state machine. The zero value is
// uninitialized and ready for use.
type Lifecycle struct {
	mu    sync.Mutex
	state State
}

// State returns the current state.
func (l *Lifecycle) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.current()
}

func (l *Lifecycle) current() State {
	if l.state == "" {
		return StateUninitialized
	}
	return l.state
}

// To transitions into next, failing on transitions the state machine
// does not permit.
func (l *Lifecycle) To(next State) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	current := l.current()
	for _, allowed := range validTransitions[current] {
		if allowed == next {
			l.state = next
			return nil
		}
	}
	return fmt.Errorf("illegal adapter state transition %s -> %s", current, next)
}

// ShuttingDown reports whether shutdown has begun.
func (l *Lifecycle) ShuttingDown() bool {
	s := l.State()
	return s == StateShuttingDown || s == StateClosed
}

// Backoff produces bounded exponential reconnect delays. The attempt
// counter only resets on a successful reconnection.
type Backoff struct {
	// Base is the first delay. Defaults to one second.
	Base time.Duration
	// Max caps the delay. Defaults to one minute.
	Max time.Duration

	mu       sync.Mutex
	attempts int
}

// Next returns the delay before the upcoming attempt and increments
// the attempt counter.
func (b *Backoff) Next() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	base := b.Base
	if base <= 0 {
		base = time.Second
	}
	max := b.Max
	if max <= 0 {
		max = time.Minute
	}
	d := base
	for i := 0; i < b.attempts && d < max; i++ {
		d *= 2
	}
	if d > max {
		d = max
	}
	b.attempts++
	return d
}

// Reset clears the attempt counter.
func (b *Backoff) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.attempts = 0
}

// Attempts returns how many reconnect attempts have been made since
// the last successful connection.
func (b *Backoff) Attempts() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.attempts
}
