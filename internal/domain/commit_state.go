package domain

// CommitState is the lifecycle of one checkout commit attempt.
type CommitState string

const (
	CommitStarted    CommitState = "STARTED"
	CommitValidating CommitState = "VALIDATING"
	CommitRejected   CommitState = "REJECTED"
	CommitReserved   CommitState = "RESERVED"
	CommitCommitting CommitState = "COMMITTING"
	CommitCommitted  CommitState = "COMMITTED"
	CommitAborted    CommitState = "ABORTED"
)

var commitTransitions = map[CommitState][]CommitState{
	CommitStarted:    {CommitValidating, CommitAborted},
	CommitValidating: {CommitRejected, CommitReserved, CommitAborted},
	CommitReserved:   {CommitCommitting, CommitAborted},
	CommitCommitting: {CommitCommitted, CommitAborted},
}

func CanTransitionTo(from, to CommitState) bool {
	for _, next := range commitTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

func (s CommitState) IsTerminal() bool {
	return s == CommitRejected || s == CommitCommitted || s == CommitAborted
}

// String representation (for logging)
func (s CommitState) String() string {
	return string(s)
}
