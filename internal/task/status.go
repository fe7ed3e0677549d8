package task

// Status is one attempt's lifecycle state.
type Status string

const (
	StatusAssigned  Status = "assigned"
	StatusQueued    Status = "queued"
	StatusStarting  Status = "starting"
	StatusRunning   Status = "running"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusTimeout   Status = "timeout"
	StatusCancelled Status = "cancelled"
)

// IsTerminal reports whether the attempt has reached a final state. Terminal
// attempt records are immutable; a retry creates a new record.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusTimeout, StatusCancelled:
		return true
	}
	return false
}

// attemptTransitions maps each status to its legal successors. Cancelled is
// reachable from every non-terminal state.
var attemptTransitions = map[Status][]Status{
	StatusAssigned: {StatusQueued, StatusFailed, StatusCancelled},
	StatusQueued:   {StatusStarting, StatusFailed, StatusCancelled},
	StatusStarting: {StatusRunning, StatusFailed, StatusTimeout, StatusCancelled},
	StatusRunning:  {StatusPaused, StatusCompleted, StatusFailed, StatusTimeout, StatusCancelled},
	StatusPaused:   {StatusRunning, StatusCompleted, StatusFailed, StatusTimeout, StatusCancelled},
}

// CanTransition reports whether from → to is a legal attempt transition.
func CanTransition(from, to Status) bool {
	for _, next := range attemptTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}
