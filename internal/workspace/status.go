package workspace

// Status is a workspace's lifecycle state.
type Status string

const (
	StatusCreating     Status = "creating"
	StatusInitializing Status = "initializing"
	StatusCloning      Status = "cloning"
	StatusReady        Status = "ready"
	StatusAssigned     Status = "assigned"
	StatusRunning      Status = "running"
	StatusPaused       Status = "paused"
	StatusCompleted    Status = "completed"
	StatusFailed       Status = "failed"
	StatusCleanup      Status = "cleanup"
	StatusArchived     Status = "archived"
)

// transitions maps each status to the statuses reachable from it.
// Provisioning is forward-only; any provisioning step may fall to failed.
// Archival is reachable from every non-archived state (explicit archival
// after results are persisted, or forced cleanup).
var transitions = map[Status][]Status{
	StatusCreating:     {StatusInitializing, StatusFailed, StatusCleanup, StatusArchived},
	StatusInitializing: {StatusCloning, StatusFailed, StatusCleanup, StatusArchived},
	StatusCloning:      {StatusReady, StatusFailed, StatusCleanup, StatusArchived},
	StatusReady:        {StatusAssigned, StatusFailed, StatusCleanup, StatusArchived},
	StatusAssigned:     {StatusRunning, StatusFailed, StatusCleanup, StatusArchived},
	StatusRunning:      {StatusPaused, StatusCompleted, StatusFailed, StatusCleanup, StatusArchived},
	StatusPaused:       {StatusRunning, StatusCompleted, StatusFailed, StatusCleanup, StatusArchived},
	StatusCompleted:    {StatusAssigned, StatusCleanup, StatusArchived},
	StatusFailed:       {StatusAssigned, StatusCleanup, StatusArchived},
	StatusCleanup:      {StatusArchived},
	StatusArchived:     nil,
}

// CanTransition reports whether from → to is a legal workspace transition.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no further automatic transition occurs.
func (s Status) IsTerminal() bool {
	return s == StatusArchived
}

// HoldsReservation reports whether the workspace still occupies its device
// slot. Paused workspaces keep their reservation; archived ones have
// released it.
func (s Status) HoldsReservation() bool {
	return s != StatusArchived
}
