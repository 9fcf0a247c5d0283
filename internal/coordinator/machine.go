package coordinator

// State is the in-memory position of one transaction's state machine.
type State string

const (
	StateCreated          State = "created"
	StateOpeningBin       State = "opening_bin"
	StateAwaitingHardware State = "awaiting_hardware"
	StateReconciling      State = "reconciling"
	StateStepDone         State = "step_done"
	StateCompleted        State = "completed"
	StateFailed           State = "failed"
)

// transitions is the legality table: state -> states reachable from it.
// Terminal states are sinks and appear with no successors.
var transitions = map[State][]State{
	StateCreated:          {StateOpeningBin, StateFailed},
	StateOpeningBin:       {StateAwaitingHardware, StateReconciling, StateOpeningBin, StateStepDone, StateFailed},
	StateAwaitingHardware: {StateReconciling, StateStepDone, StateOpeningBin, StateFailed},
	StateReconciling:      {StateStepDone, StateOpeningBin, StateFailed},
	StateStepDone:         {StateOpeningBin, StateCompleted, StateFailed},
	StateCompleted:        {},
	StateFailed:           {},
}

// canTransition reports whether moving from one state to another is legal.
func canTransition(from, to State) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// isTerminal reports whether the state is a sink.
func isTerminal(s State) bool {
	return s == StateCompleted || s == StateFailed
}
