package accounting

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mbeckett/warden/internal/guardrail"
	"github.com/mbeckett/warden/internal/log"
)

// Sample is one point-in-time resource measurement for a workspace and,
// usually, a specific attempt. Samples are append-only once recorded.
type Sample struct {
	WorkspaceID string
	AttemptID   string
	CPUPercent  float64
	MemoryBytes int64
	DiskBytes   int64
	NetInBytes  int64
	NetOutBytes int64
	ExecCount   int
	ExecFails   int
	CostUSD     float64 // cumulative cost at sample time
	SampledAt   time.Time
}

// Aggregate is the running rollup for one attempt (or one workspace).
type Aggregate struct {
	CostUSD         float64
	PeakMemoryBytes int64
	DiskBytes       int64
	ExecCount       int
	ExecFails       int
	SampleCount     int
	LastSampleAt    time.Time
}

// SuccessRate returns successes/executions, or nil when no command has run
// yet — absent, never zero.
func (a Aggregate) SuccessRate() *float64 {
	if a.ExecCount == 0 {
		return nil
	}
	rate := float64(a.ExecCount-a.ExecFails) / float64(a.ExecCount)
	return &rate
}

// Halt asks the orchestrator to cancel an attempt that breached a guardrail.
type Halt struct {
	WorkspaceID string
	AttemptID   string
	Reason      string
}

// EvaluateFunc binds a sample's attempt to its guardrails and approval state
// and returns the enforcer's decision. Supplied by the orchestrator.
type EvaluateFunc func(ctx context.Context, attemptID string, agg Aggregate) guardrail.Decision

// Accountant ingests metric samples at the configured cadence, maintains
// per-attempt and per-workspace aggregates, and re-runs guardrail evaluation
// on every ingested sample. Sample ticks are also the deadline-detection
// mechanism: there is no per-attempt timer.
type Accountant struct {
	db       *sql.DB
	evaluate EvaluateFunc
	halts    chan Halt
	logger   *slog.Logger

	mu          sync.Mutex
	byAttempt   map[string]*Aggregate
	byWorkspace map[string]*Aggregate
	halted      map[string]bool
}

func New(db *sql.DB, evaluate EvaluateFunc) *Accountant {
	return &Accountant{
		db:          db,
		evaluate:    evaluate,
		halts:       make(chan Halt, 64),
		logger:      log.WithComponent("accounting"),
		byAttempt:   make(map[string]*Aggregate),
		byWorkspace: make(map[string]*Aggregate),
		halted:      make(map[string]bool),
	}
}

// SetEvaluate installs the guardrail hook. Must be called before the first
// Ingest; the orchestrator does this during construction.
func (a *Accountant) SetEvaluate(fn EvaluateFunc) {
	a.evaluate = fn
}

// Halts delivers guardrail breach notifications to the orchestrator.
func (a *Accountant) Halts() <-chan Halt {
	return a.halts
}

// Ingest records one sample, folds it into the aggregates, and evaluates the
// attempt's guardrails against the new rollup. A halt decision is forwarded
// once per attempt.
func (a *Accountant) Ingest(ctx context.Context, s Sample) error {
	if s.WorkspaceID == "" {
		return fmt.Errorf("sample has no workspace ID")
	}
	if s.SampledAt.IsZero() {
		s.SampledAt = time.Now().UTC()
	}

	if err := a.persist(ctx, s); err != nil {
		return err
	}

	agg := a.fold(s)

	if a.evaluate == nil || s.AttemptID == "" {
		return nil
	}
	decision := a.evaluate(ctx, s.AttemptID, agg)
	if decision.Halted() {
		a.forwardHalt(s, decision.Reason)
	}
	return nil
}

// AttemptAggregate returns a copy of the attempt's rollup.
func (a *Accountant) AttemptAggregate(attemptID string) (Aggregate, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	agg, ok := a.byAttempt[attemptID]
	if !ok {
		return Aggregate{}, false
	}
	return *agg, true
}

// WorkspaceAggregate returns a copy of the workspace's rollup.
func (a *Accountant) WorkspaceAggregate(workspaceID string) (Aggregate, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	agg, ok := a.byWorkspace[workspaceID]
	if !ok {
		return Aggregate{}, false
	}
	return *agg, true
}

// Forget drops in-memory aggregates for a finished attempt. The persisted
// samples remain.
func (a *Accountant) Forget(attemptID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.byAttempt, attemptID)
	delete(a.halted, attemptID)
}

func (a *Accountant) persist(ctx context.Context, s Sample) error {
	var attemptID any
	if s.AttemptID != "" {
		attemptID = s.AttemptID
	}
	_, err := a.db.ExecContext(ctx, `
INSERT INTO metric_samples(id, workspace_id, attempt_id, cpu_percent, memory_bytes, disk_bytes,
  net_in_bytes, net_out_bytes, exec_count, exec_failures, cost_usd, sampled_at)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
`, uuid.NewString(), s.WorkspaceID, attemptID, s.CPUPercent, s.MemoryBytes, s.DiskBytes,
		s.NetInBytes, s.NetOutBytes, s.ExecCount, s.ExecFails, s.CostUSD,
		s.SampledAt.Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("insert metric sample: %w", err)
	}
	return nil
}

func (a *Accountant) fold(s Sample) Aggregate {
	a.mu.Lock()
	defer a.mu.Unlock()

	ws := a.byWorkspace[s.WorkspaceID]
	if ws == nil {
		ws = &Aggregate{}
		a.byWorkspace[s.WorkspaceID] = ws
	}
	foldInto(ws, s)

	if s.AttemptID == "" {
		return *ws
	}
	at := a.byAttempt[s.AttemptID]
	if at == nil {
		at = &Aggregate{}
		a.byAttempt[s.AttemptID] = at
	}
	foldInto(at, s)
	return *at
}

func foldInto(agg *Aggregate, s Sample) {
	// Cost and command counters are cumulative in the sample stream; memory
	// is a gauge we track at peak, disk is the latest measurement.
	if s.CostUSD > agg.CostUSD {
		agg.CostUSD = s.CostUSD
	}
	if s.MemoryBytes > agg.PeakMemoryBytes {
		agg.PeakMemoryBytes = s.MemoryBytes
	}
	agg.DiskBytes = s.DiskBytes
	if s.ExecCount > agg.ExecCount {
		agg.ExecCount = s.ExecCount
	}
	if s.ExecFails > agg.ExecFails {
		agg.ExecFails = s.ExecFails
	}
	agg.SampleCount++
	agg.LastSampleAt = s.SampledAt
}

func (a *Accountant) forwardHalt(s Sample, reason string) {
	a.mu.Lock()
	already := a.halted[s.AttemptID]
	a.mu.Unlock()
	if already {
		return
	}

	h := Halt{WorkspaceID: s.WorkspaceID, AttemptID: s.AttemptID, Reason: reason}
	select {
	case a.halts <- h:
		a.mu.Lock()
		a.halted[s.AttemptID] = true
		a.mu.Unlock()
		a.logger.Warn("guardrail halt forwarded",
			"workspace_id", h.WorkspaceID, "attempt_id", h.AttemptID, "reason", h.Reason)
	default:
		// Not marked halted, so the next sample re-attempts the send.
		a.logger.Error("halt channel full, deferring halt to next sample",
			"workspace_id", h.WorkspaceID, "attempt_id", h.AttemptID, "reason", h.Reason)
	}
}
