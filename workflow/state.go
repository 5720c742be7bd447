package workflow

import (
	"sync"
	"time"
)

// State is the workflow-instance state machine's set of legal states.
type State string

const (
	StateDraft           State = "draft"
	StateValidated       State = "validated"
	StatePending         State = "pending"
	StateRunning         State = "running"
	StateWaitingApproval State = "waiting_approval"
	StatePaused          State = "paused"
	StateCompleted       State = "completed"
	StateFailed          State = "failed"
	StateCancelled       State = "cancelled"
	StateRolledBack      State = "rolled_back"
	StateArchived        State = "archived"
)

// legalTransitions is the authoritative transition table. Every mutation of
// an instance's state goes through StateMachine.Transition against this map.
var legalTransitions = map[State][]State{
	StateDraft:           {StateValidated},
	StateValidated:       {StatePending},
	StatePending:         {StateRunning},
	StateRunning:         {StateWaitingApproval, StateCompleted, StateFailed, StatePaused, StateCancelled},
	StateWaitingApproval: {StateRunning, StateCancelled, StateFailed},
	StatePaused:          {StateRunning},
	StateFailed:          {StateRolledBack}, // gated on rollback being enabled
	StateCompleted:       {StateArchived},
}

// CanTransition reports whether from -> to is in the transition table.
func CanTransition(from, to State) bool {
	for _, next := range legalTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no further execution happens in this state.
// Archived and RolledBack are reachable from terminal states but represent
// bookkeeping, not execution.
func IsTerminal(s State) bool {
	switch s {
	case StateCompleted, StateFailed, StateCancelled, StateRolledBack, StateArchived:
		return true
	}
	return false
}

// StateTransition is one entry of the append-only transition history.
type StateTransition struct {
	From   State     `json:"from"`
	To     State     `json:"to"`
	At     time.Time `json:"at"`
	Reason string    `json:"reason,omitempty"`
}

// StateMachine tracks the current instance state and its audit history.
// A rejected transition leaves both untouched.
type StateMachine struct {
	mu      sync.RWMutex
	current State
	history []StateTransition
}

// NewStateMachine starts at Draft.
func NewStateMachine() *StateMachine {
	return &StateMachine{current: StateDraft}
}

// Current returns the current state.
func (sm *StateMachine) Current() State {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.current
}

// Transition moves to the target state, recording the transition with a
// timestamp and optional reason. Illegal transitions return
// InvalidStateTransition and mutate nothing.
func (sm *StateMachine) Transition(to State, reason string) error {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	if !CanTransition(sm.current, to) {
		return NewTransitionError(sm.current, to)
	}
	sm.history = append(sm.history, StateTransition{
		From:   sm.current,
		To:     to,
		At:     time.Now(),
		Reason: reason,
	})
	sm.current = to
	return nil
}

// History returns a copy of the transition history.
func (sm *StateMachine) History() []StateTransition {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	out := make([]StateTransition, len(sm.history))
	copy(out, sm.history)
	return out
}

// restore rewinds the machine to a checkpointed state without validating the
// jump against the table; the restored state was legal when captured. The
// restore itself is recorded for audit.
func (sm *StateMachine) restore(to State, reason string) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.history = append(sm.history, StateTransition{
		From:   sm.current,
		To:     to,
		At:     time.Now(),
		Reason: reason,
	})
	sm.current = to
}
