package runner

import (
	"context"
	"time"

	"github.com/mbeckett/warden/internal/accounting"
)

// TerminalEvent is the final word on an attempt's underlying process. When
// SpawnError is non-empty the process never ran and ExitCode is meaningless.
type TerminalEvent struct {
	ExitCode   int
	Output     string
	Stderr     string
	SpawnError string
}

// Handle controls one running attempt. Cancel is asynchronous: the attempt's
// bookkeeping may move on immediately, but the workspace must not be reused
// until Done delivers, confirming the process actually exited.
type Handle interface {
	Cancel()
	Samples() <-chan accounting.Sample
	Done() <-chan TerminalEvent
}

// AttemptSpec describes what to execute and where.
type AttemptSpec struct {
	WorkspaceID    string
	AttemptID      string
	Dir            string
	Command        string
	SampleInterval time.Duration
	// CostPerMinute accrues cumulative cost into the emitted samples.
	CostPerMinute float64
}

// Runner is the sandboxed command execution layer. Implementations emit
// periodic resource samples while the attempt runs and exactly one terminal
// event when it stops.
type Runner interface {
	StartAttempt(ctx context.Context, spec AttemptSpec) (Handle, error)
}
