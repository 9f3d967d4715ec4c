// Package fsm implements the factory and stage finite state machines:
// explicit states, events, guards, and entry/exit actions, with a bounded
// transition history that survives checkpoints.
package fsm

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// maxHistory bounds the per-machine transition ring, per spec's "latest
// 100" contract.
const maxHistory = 100

// Record is one transition: (from, to, event, payload, timestamp).
type Record struct {
	ID        string    `json:"id"`
	From      string    `json:"from"`
	To        string    `json:"to"`
	Event     string    `json:"event"`
	Payload   any       `json:"payload,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// transition describes one (state, event) -> state edge, with an optional
// guard that must hold for the transition to fire.
type transition struct {
	to    string
	guard func(m *Machine) bool
}

// Machine is a small generic table-driven FSM: states and events are
// plain strings, guards and entry/exit actions are closures over the
// owning FactoryMachine/StageMachine's fields.
type Machine struct {
	Current string
	table   map[string]map[string]transition
	entry   map[string]func(m *Machine, event string, payload any) error
	exit    map[string]func(m *Machine) error
	history []Record
	// Terminal is the set of states in which a machine counts as settled;
	// used by callers to decide when a run has fully settled. Some terminal
	// states keep outgoing transitions (factory RESUME/RESET, stage LOOP).
	Terminal map[string]bool
}

func newMachine(initial string) *Machine {
	return &Machine{
		Current:  initial,
		table:    make(map[string]map[string]transition),
		entry:    make(map[string]func(m *Machine, event string, payload any) error),
		exit:     make(map[string]func(m *Machine) error),
		Terminal: make(map[string]bool),
	}
}

func (m *Machine) addTransition(from, event, to string, guard func(m *Machine) bool) {
	if m.table[from] == nil {
		m.table[from] = make(map[string]transition)
	}
	m.table[from][event] = transition{to: to, guard: guard}
}

func (m *Machine) onEntry(state string, fn func(m *Machine, event string, payload any) error) {
	m.entry[state] = fn
}

func (m *Machine) onExit(state string, fn func(m *Machine) error) {
	m.exit[state] = fn
}

// Can reports whether event is a legal transition from the current state
// (guard included). It is side-effect free.
func (m *Machine) Can(event string) bool {
	t, ok := m.table[m.Current][event]
	if !ok {
		return false
	}
	if t.guard != nil && !t.guard(m) {
		return false
	}
	return true
}

// StateError indicates an event with no matching transition from the
// current state — a programming error, surfaced through the result
// rather than panicking.
type StateError struct {
	State, Event string
}

func (e *StateError) Error() string {
	return fmt.Sprintf("fsm: no transition for event %q from state %q", e.Event, e.State)
}

// TransitionResult carries the outcome of Send: Success is false with no
// error when the event is simply not applicable (guard failed or no such
// transition is registered); Err is set only on an exit-action failure,
// which aborts the transition before any state change, or an entry-action
// failure, which is reported but does not roll back the already-applied
// state change.
type TransitionResult struct {
	Success bool
	Err     error
}

// Send fires event against the current state. Some terminal states keep
// outgoing transitions (factory COMPLETED/FAILED/STOPPED for RESUME/RESET,
// stage COMPLETED for LOOP) — those still fire normally. When the current
// state has no transition for event, Terminal membership decides the
// response: a terminal state swallows the event silently, since
// subsequent events are expected to have no effect; in any other state
// the unmatched event is a StateError.
func (m *Machine) Send(event string, payload any) TransitionResult {
	t, ok := m.table[m.Current][event]
	if !ok {
		if m.Terminal[m.Current] {
			return TransitionResult{Success: false}
		}
		return TransitionResult{Success: false, Err: &StateError{State: m.Current, Event: event}}
	}
	if t.guard != nil && !t.guard(m) {
		return TransitionResult{Success: false}
	}

	from := m.Current
	if exit, ok := m.exit[from]; ok {
		if err := exit(m); err != nil {
			// Exit-action failure aborts the transition before state changes.
			return TransitionResult{Success: false, Err: err}
		}
	}

	m.Current = t.to
	m.appendHistory(from, t.to, event, payload)

	var entryErr error
	if entry, ok := m.entry[t.to]; ok {
		// Entry-action failure is logged (returned) but does not roll
		// back — the new state is already observable.
		entryErr = entry(m, event, payload)
	}
	return TransitionResult{Success: true, Err: entryErr}
}

func (m *Machine) appendHistory(from, to, event string, payload any) {
	rec := Record{ID: uuid.New().String(), From: from, To: to, Event: event, Payload: payload, Timestamp: time.Now()}
	m.history = append(m.history, rec)
	if len(m.history) > maxHistory {
		m.history = m.history[len(m.history)-maxHistory:]
	}
}

// History returns a copy of the bounded transition ring.
func (m *Machine) History() []Record {
	out := make([]Record, len(m.history))
	copy(out, m.history)
	return out
}

// restoreHistory replaces the history ring verbatim, used when
// reconstructing a machine from a checkpoint.
func (m *Machine) restoreHistory(records []Record) {
	m.history = append([]Record{}, records...)
	if len(m.history) > maxHistory {
		m.history = m.history[len(m.history)-maxHistory:]
	}
}

// IsTerminal reports whether the current state is in the Terminal set.
func (m *Machine) IsTerminal() bool {
	return m.Terminal[m.Current]
}
