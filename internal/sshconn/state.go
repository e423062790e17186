// state.go implements control-connection state tracking for the sshconn
// package.
//
// Each session's control connection moves through an explicit state machine
// (Spawning, WaitingForSocket, Ready, Failed, Stopped) driven by the Manager
// lifecycle methods. Transitions are recorded in a per-session ring buffer
// (50 entries) for debugging, and registered callbacks are invoked on every
// change.

package sshconn

import (
	"sync"
	"time"
)

// ConnState represents the current state of a session's control connection.
type ConnState int

const (
	StateSpawning ConnState = iota
	StateWaitingForSocket
	StateReady
	StateFailed
	StateStopped
)

// String returns the human-readable name of the connection state.
func (s ConnState) String() string {
	switch s {
	case StateSpawning:
		return "spawning"
	case StateWaitingForSocket:
		return "waiting-for-socket"
	case StateReady:
		return "ready"
	case StateFailed:
		return "failed"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// stateTransitionBufferSize is the maximum number of state transitions stored
// per session for debugging.
const stateTransitionBufferSize = 50

// StateTransition records a single state change.
type StateTransition struct {
	From      ConnState `json:"from"`
	To        ConnState `json:"to"`
	Timestamp time.Time `json:"timestamp"`
	Reason    string    `json:"reason"`
}

// StateChangeCallback is called when a connection state changes.
// Callbacks are invoked synchronously — long-running handlers should spawn
// goroutines.
type StateChangeCallback func(sessionID string, from, to ConnState)

type stateEntry struct {
	current     ConnState
	transitions [stateTransitionBufferSize]StateTransition // fixed-size ring buffer
	head        int
	count       int
}

func (e *stateEntry) record(from, to ConnState, reason string) {
	e.transitions[e.head] = StateTransition{
		From:      from,
		To:        to,
		Timestamp: time.Now(),
		Reason:    reason,
	}
	e.head = (e.head + 1) % stateTransitionBufferSize
	if e.count < stateTransitionBufferSize {
		e.count++
	}
}

// history returns the state transitions in chronological order.
func (e *stateEntry) history() []StateTransition {
	if e.count == 0 {
		return nil
	}
	result := make([]StateTransition, e.count)
	if e.count < stateTransitionBufferSize {
		copy(result, e.transitions[:e.count])
	} else {
		// Buffer is full — head is the oldest entry.
		n := copy(result, e.transitions[e.head:])
		copy(result[n:], e.transitions[:e.head])
	}
	return result
}

// stateTracker manages per-session connection state, transition history,
// and state change callbacks. It is embedded in Manager.
type stateTracker struct {
	mu        sync.RWMutex
	states    map[string]*stateEntry
	callbacks []StateChangeCallback
}

func newStateTracker() *stateTracker {
	return &stateTracker{
		states: make(map[string]*stateEntry),
	}
}

// setState updates the state for a session, records the transition, and
// invokes callbacks. Setting the current state again is a no-op.
func (st *stateTracker) setState(sessionID string, state ConnState, reason string) {
	st.mu.Lock()
	entry, ok := st.states[sessionID]
	if !ok {
		entry = &stateEntry{current: StateStopped}
		st.states[sessionID] = entry
	}
	from := entry.current
	if from == state {
		st.mu.Unlock()
		return
	}
	entry.current = state
	entry.record(from, state, reason)

	cbs := make([]StateChangeCallback, len(st.callbacks))
	copy(cbs, st.callbacks)
	st.mu.Unlock()

	for _, cb := range cbs {
		cb(sessionID, from, state)
	}
}

func (st *stateTracker) getState(sessionID string) ConnState {
	st.mu.RLock()
	defer st.mu.RUnlock()
	entry, ok := st.states[sessionID]
	if !ok {
		return StateStopped
	}
	return entry.current
}

func (st *stateTracker) getTransitions(sessionID string) []StateTransition {
	st.mu.RLock()
	defer st.mu.RUnlock()
	entry, ok := st.states[sessionID]
	if !ok {
		return nil
	}
	return entry.history()
}

func (st *stateTracker) onStateChange(cb StateChangeCallback) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.callbacks = append(st.callbacks, cb)
}

func (st *stateTracker) remove(sessionID string) {
	st.mu.Lock()
	defer st.mu.Unlock()
	delete(st.states, sessionID)
}
