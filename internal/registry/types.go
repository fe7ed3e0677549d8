package registry

// TaskMode orders execution by side-effect risk.
type TaskMode string

const (
	ModePlanOnly TaskMode = "plan_only"
	ModeDryRun   TaskMode = "dry_run"
	ModeExecute  TaskMode = "execute"
)

// TaskStatus is the registry-level status, coarser than the attempt status
// tracked locally.
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskAssigned  TaskStatus = "assigned"
	TaskRunning   TaskStatus = "running"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
)

// Guardrails are operator-declared constraints attached to a task. They are
// immutable once an attempt starts; the enforcer consults them on every
// accounting tick. Nil caps mean "no cap".
type Guardrails struct {
	CostCapUSD            *float64 `json:"cost_cap_usd,omitempty"`
	TimeCapMin            *int     `json:"time_cap_min,omitempty"`
	RequiresHumanApproval bool     `json:"requires_human_approval"`
	DataScopes            []string `json:"data_scopes,omitempty"`
}

// AITask is the executor's projection of a registry work item. The registry
// owns task identity; the executor never invents task IDs.
type AITask struct {
	ID                   string     `json:"id"`
	Objective            string     `json:"objective"`
	Command              string     `json:"command"`
	Mode                 TaskMode   `json:"mode"`
	Guardrails           Guardrails `json:"guardrails"`
	Status               TaskStatus `json:"status"`
	MaxRetries           int        `json:"max_retries"`
	EstimatedCostUSD     float64    `json:"estimated_cost_usd,omitempty"`
	EstimatedDurationMin int        `json:"estimated_duration_min,omitempty"`
	EstimatedDiskMB      int64      `json:"estimated_disk_mb,omitempty"`
}

// ArtifactRef points at one file produced by an attempt, with a BLAKE3
// checksum so the registry can verify what it later fetches.
type ArtifactRef struct {
	Path      string `json:"path"`
	SizeBytes int64  `json:"size_bytes"`
	Blake3    string `json:"blake3"`
}

// ExecutionResult is the terminal payload of an attempt, attached to exactly
// one attempt record at its terminal transition.
type ExecutionResult struct {
	ExitCode  int           `json:"exit_code"`
	Output    string        `json:"output,omitempty"`
	Error     string        `json:"error,omitempty"`
	Logs      []string      `json:"logs,omitempty"`
	Artifacts []ArtifactRef `json:"artifacts,omitempty"`
}
