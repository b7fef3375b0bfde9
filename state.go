package clockwork

import (
	"sync"
	"sync/atomic"

	"clockwork/pkg/eventbus"
)

// State is the host lifecycle state. Transitions are strictly forward:
// Created -> Initializing -> Running -> ShuttingDown -> Terminated.
// Terminated is absorbing.
type State int32

const (
	StateCreated State = iota
	StateInitializing
	StateRunning
	StateShuttingDown
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateInitializing:
		return "initializing"
	case StateRunning:
		return "running"
	case StateShuttingDown:
		return "shutting_down"
	case StateTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// StateChange is the payload of lifecycle.state events.
type StateChange struct {
	From State
	To   State
}

type lifecycle struct {
	state atomic.Int32
	bus   eventbus.Bus

	stopOnce sync.Once
	stopCh   chan struct{} // closed by requestStop (Handle.Stop)

	downOnce sync.Once
	downCh   chan struct{} // closed on entering ShuttingDown
}

func newLifecycle(bus eventbus.Bus) *lifecycle {
	return &lifecycle{
		bus:    bus,
		stopCh: make(chan struct{}),
		downCh: make(chan struct{}),
	}
}

func (l *lifecycle) current() State { return State(l.state.Load()) }

// advance moves the state forward. Backward or repeated transitions are
// ignored and return false.
func (l *lifecycle) advance(to State) bool {
	for {
		cur := l.state.Load()
		if State(cur) >= to {
			return false
		}
		if !l.state.CompareAndSwap(cur, int32(to)) {
			continue
		}
		if to >= StateShuttingDown {
			l.downOnce.Do(func() { close(l.downCh) })
		}
		l.bus.Publish(eventbus.Event{
			Type: eventbus.TypeLifecycleState,
			Data: StateChange{From: State(cur), To: to},
		})
		return true
	}
}

func (l *lifecycle) shuttingDown() bool { return l.current() >= StateShuttingDown }

// requestStop asks the host to begin shutdown. Idempotent, safe from any
// goroutine, a no-op once shutdown has begun.
func (l *lifecycle) requestStop() {
	l.stopOnce.Do(func() { close(l.stopCh) })
}
