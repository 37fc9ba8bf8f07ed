package dispatch

import "fmt"

// State is the progress of one call through the dispatcher.
type State uint8

const (
	StateReceived State = iota
	StateResolving
	StateBinding
	StateExecuting
	StateCompleted
	StateAborted
)

var stateNames = map[State]string{
	StateReceived:  "received",
	StateResolving: "resolving",
	StateBinding:   "binding",
	StateExecuting: "executing",
	StateCompleted: "completed",
	StateAborted:   "aborted",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("state(%d)", uint8(s))
}

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateAborted
}

var transitions = map[State][]State{
	StateReceived:  {StateResolving},
	StateResolving: {StateBinding, StateCompleted, StateAborted},
	StateBinding:   {StateExecuting, StateCompleted},
	StateExecuting: {StateCompleted},
}

func canTransition(from, to State) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}
