package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/mbeckett/warden/internal/ledger"
	"github.com/mbeckett/warden/internal/task"
	"github.com/mbeckett/warden/internal/workspace"
)

type errorResponse struct {
	Error string `json:"error"`
}

type healthResponse struct {
	Status  string `json:"status"`
	Uptime  int64  `json:"uptime_s"`
	Version string `json:"version,omitempty"`
}

type deviceResponse struct {
	ID             string     `json:"id"`
	Name           string     `json:"name,omitempty"`
	MaxWorkspaces  int        `json:"max_workspaces"`
	MaxDiskMB      int64      `json:"max_disk_mb"`
	WorkspaceCount int        `json:"workspace_count"`
	DiskUsageMB    int64      `json:"disk_usage_mb"`
	Online         bool       `json:"online"`
	LastSeenAt     *time.Time `json:"last_seen_at,omitempty"`
}

type workspaceResponse struct {
	ID             string     `json:"id"`
	DeviceID       string     `json:"device_id"`
	TaskID         string     `json:"task_id"`
	Status         string     `json:"status"`
	Phase          string     `json:"phase,omitempty"`
	Progress       int        `json:"progress"`
	Dir            string     `json:"dir"`
	DiskUsageBytes int64      `json:"disk_usage_bytes"`
	FileCount      int        `json:"file_count"`
	FailReason     *string    `json:"fail_reason,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	ReadyAt        *time.Time `json:"ready_at,omitempty"`
	AssignedAt     *time.Time `json:"assigned_at,omitempty"`
	RunningAt      *time.Time `json:"running_at,omitempty"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
	ArchivedAt     *time.Time `json:"archived_at,omitempty"`
}

type attemptResponse struct {
	ID          string     `json:"id"`
	WorkspaceID string     `json:"workspace_id"`
	TaskID      string     `json:"task_id"`
	Status      string     `json:"status"`
	RetryCount  int        `json:"retry_count"`
	MaxRetries  int        `json:"max_retries"`
	ExitCode    *int       `json:"exit_code,omitempty"`
	Error       *string    `json:"error,omitempty"`
	HaltReason  *string    `json:"halt_reason,omitempty"`
	CostUSD     float64    `json:"cost_usd"`
	DurationMS  *int64     `json:"duration_ms,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

type workspaceEventResponse struct {
	ID        string            `json:"id"`
	Category  string            `json:"category"`
	Level     string            `json:"level"`
	Message   string            `json:"message"`
	Details   map[string]string `json:"details,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
}

type workspaceDetailResponse struct {
	Workspace workspaceResponse        `json:"workspace"`
	Attempts  []attemptResponse        `json:"attempts"`
	Events    []workspaceEventResponse `json:"events"`
}

type actionRequest struct {
	RequestedBy string `json:"requested_by,omitempty"`
}

type actionResponse struct {
	Status string `json:"status"`
}

func toWorkspaceResponse(w *workspace.Workspace) workspaceResponse {
	return workspaceResponse{
		ID:             w.ID,
		DeviceID:       w.DeviceID,
		TaskID:         w.TaskID,
		Status:         string(w.Status),
		Phase:          w.Phase,
		Progress:       w.Progress,
		Dir:            w.Dir,
		DiskUsageBytes: w.DiskUsageBytes,
		FileCount:      w.FileCount,
		FailReason:     w.FailReason,
		CreatedAt:      w.CreatedAt,
		ReadyAt:        w.ReadyAt,
		AssignedAt:     w.AssignedAt,
		RunningAt:      w.RunningAt,
		CompletedAt:    w.CompletedAt,
		ArchivedAt:     w.ArchivedAt,
	}
}

func toAttemptResponse(a *task.Attempt) attemptResponse {
	return attemptResponse{
		ID:          a.ID,
		WorkspaceID: a.WorkspaceID,
		TaskID:      a.TaskID,
		Status:      string(a.Status),
		RetryCount:  a.RetryCount,
		MaxRetries:  a.MaxRetries,
		ExitCode:    a.ExitCode,
		Error:       a.Error,
		HaltReason:  a.HaltReason,
		CostUSD:     a.CostUSD,
		DurationMS:  a.DurationMS,
		CreatedAt:   a.CreatedAt,
		StartedAt:   a.StartedAt,
		CompletedAt: a.CompletedAt,
	}
}

func toDeviceResponse(d *ledger.Device) deviceResponse {
	return deviceResponse{
		ID:             d.ID,
		Name:           d.Name,
		MaxWorkspaces:  d.MaxWorkspaces,
		MaxDiskMB:      d.MaxDiskMB,
		WorkspaceCount: d.WorkspaceCount,
		DiskUsageMB:    d.DiskUsageMB,
		Online:         d.Online,
		LastSeenAt:     d.LastSeenAt,
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("failed to encode response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, errorResponse{Error: msg})
}
