package orchestrator

import (
	"fmt"
	"slices"
)

// State is a stage of the startup lifecycle.
type State int

const (
	Init State = iota
	ProbingDB
	Migrating
	Serving
	ShuttingDown
	Terminated
)

var stateNames = [...]string{
	Init:         "INIT",
	ProbingDB:    "PROBING_DB",
	Migrating:    "MIGRATING",
	Serving:      "SERVING",
	ShuttingDown: "SHUTTING_DOWN",
	Terminated:   "TERMINATED",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("State(%d)", int(s))
	}
	return stateNames[s]
}

// transitions lists the legal successors of each state. Every non-terminal
// state may fall through to Terminated on failure or interruption.
var transitions = map[State][]State{
	Init:         {ProbingDB, Terminated},
	ProbingDB:    {Migrating, Terminated},
	Migrating:    {Serving, Terminated},
	Serving:      {ShuttingDown, Terminated},
	ShuttingDown: {Terminated},
}

// CanTransition reports whether moving from s to next is legal.
func (s State) CanTransition(next State) bool {
	return slices.Contains(transitions[s], next)
}

// TransitionError is returned for an illegal state change. The state is left
// untouched.
type TransitionError struct {
	From, To State
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("illegal transition %s -> %s", e.From, e.To)
}
