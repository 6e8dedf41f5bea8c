package callsignal

import (
	"context"
	"fmt"
	"sync"
)

type State int

const (
	StateIdle State = iota
	StateConnecting
	StateNegotiating
	StateExchanging
	StateConnected
	StateFailed
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateNegotiating:
		return "negotiating"
	case StateExchanging:
		return "exchanging"
	case StateConnected:
		return "connected"
	case StateFailed:
		return "failed"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

func (s State) Terminal() bool {
	return s == StateFailed || s == StateClosed
}

// stateTracker holds a forward-only state. Terminal states are sticky.
type stateTracker struct {
	mu      sync.Mutex
	state   State
	changed chan struct{}
}

func newStateTracker() *stateTracker {
	return &stateTracker{changed: make(chan struct{})}
}

func (t *stateTracker) get() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// advance moves to next and reports whether the state changed.
func (t *stateTracker) advance(next State) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state.Terminal() {
		return false
	}
	if !next.Terminal() && next <= t.state {
		return false
	}
	t.state = next
	close(t.changed)
	t.changed = make(chan struct{})
	return true
}

// reached reports whether want has been reached, and whether it can still be.
func reached(cur, want State) (ok, possible bool) {
	if cur == want {
		return true, true
	}
	if cur.Terminal() {
		return false, false
	}
	if want.Terminal() {
		return false, true
	}
	return cur > want, true
}

func (t *stateTracker) waitFor(ctx context.Context, want State) error {
	for {
		t.mu.Lock()
		cur, changed := t.state, t.changed
		t.mu.Unlock()

		ok, possible := reached(cur, want)
		if ok {
			return nil
		}
		if !possible {
			return fmt.Errorf("waiting for %s: %w (state %s)", want, ErrSessionEnded, cur)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-changed:
		}
	}
}
