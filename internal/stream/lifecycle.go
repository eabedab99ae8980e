package stream

import (
	"errors"
	"fmt"
	"sync"
)

// ErrInvalidTransition is returned when a lifecycle step is taken out of order.
var ErrInvalidTransition = errors.New("stream: invalid lifecycle transition")

// State is the lifecycle state of a pipeline
type State int

const (
	StateIdle State = iota
	StateLoaded
	StateRunning
	StateCompleted
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "Idle"
	case StateLoaded:
		return "Loaded"
	case StateRunning:
		return "Running"
	case StateCompleted:
		return "Completed"
	case StateFailed:
		return "Failed"
	default:
		return fmt.Sprintf("Unknown(%d)", int(s))
	}
}

var transitions = map[State][]State{
	StateIdle:      {StateLoaded},
	StateLoaded:    {StateRunning, StateIdle},
	StateRunning:   {StateCompleted, StateFailed},
	StateCompleted: {StateIdle},
	StateFailed:    {StateIdle},
}

// Lifecycle guards the Idle -> Loaded -> Running -> Completed|Failed -> Idle
// cycle. It is safe for concurrent use.
type Lifecycle struct {
	mu    sync.Mutex
	state State
}

// State returns the current state
func (l *Lifecycle) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// Transition moves to next or returns ErrInvalidTransition
func (l *Lifecycle) Transition(next State) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, s := range transitions[l.state] {
		if s == next {
			l.state = next
			return nil
		}
	}
	return fmt.Errorf("%w: %v -> %v", ErrInvalidTransition, l.state, next)
}
