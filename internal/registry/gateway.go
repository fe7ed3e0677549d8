package registry

import "context"

//go:generate mockgen -destination=mocks/mock_gateway.go -package=mocks github.com/mbeckett/warden/internal/registry Gateway

// Gateway is the core's contract with the central task registry. All calls
// are idempotent from the caller's perspective: re-sending an acknowledged
// terminal report must not create a duplicate registry-side record (the
// dedup key is the attempt ID).
type Gateway interface {
	FetchPendingTasks(ctx context.Context, agentID string) ([]AITask, error)
	ReportAttemptStarted(ctx context.Context, attemptID string) error
	ReportAttemptProgress(ctx context.Context, attemptID string, percentage int, phase string) error
	ReportAttemptTerminal(ctx context.Context, attemptID string, status string, result ExecutionResult) error
	ReportWorkspaceEvent(ctx context.Context, workspaceID, category, level, message string, details map[string]string) error
}
