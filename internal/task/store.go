package task

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

var (
	ErrNotFound          = errors.New("attempt not found")
	ErrInvalidTransition = errors.New("invalid attempt transition")
	ErrAlreadyTerminal   = errors.New("attempt is already terminal")
	ErrActiveAttempt     = errors.New("workspace already has an active attempt")
	ErrNotRetryable      = errors.New("attempt is not retryable")
)

// Attempt is one try at executing a task inside a workspace. Terminal
// attempts are never mutated; retries append a new record with
// RetryCount+1, preserving the audit trail.
type Attempt struct {
	ID          string
	WorkspaceID string
	TaskID      string
	Status      Status
	RetryCount  int
	MaxRetries  int
	ExitCode    *int
	Error       *string
	HaltReason  *string
	Output      *string
	CostUSD     float64
	DurationMS  *int64
	CreatedAt   time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time
}

// CanRetry holds iff the attempt failed or timed out and retries remain.
// Cancelled and guardrail-halted attempts are never retried automatically.
func (a *Attempt) CanRetry() bool {
	if a.HaltReason != nil {
		return false
	}
	if a.Status != StatusFailed && a.Status != StatusTimeout {
		return false
	}
	return a.RetryCount < a.MaxRetries
}

// TerminalUpdate carries the fields recorded at an attempt's terminal
// transition.
type TerminalUpdate struct {
	Status     Status
	ExitCode   *int
	Error      string
	HaltReason string
	Output     string
	CostUSD    float64
}

// Store persists attempts and approval records in sqlite.
type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Create inserts a new attempt in the assigned state. It refuses to create a
// second active attempt for the same workspace.
func (s *Store) Create(ctx context.Context, workspaceID, taskID string, retryCount, maxRetries int) (*Attempt, error) {
	if workspaceID == "" || taskID == "" {
		return nil, fmt.Errorf("workspaceID and taskID are required")
	}
	if maxRetries < 0 {
		maxRetries = 0
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var active int
	err = tx.QueryRowContext(ctx, `
SELECT COUNT(*) FROM workspace_tasks
WHERE workspace_id = ? AND status NOT IN (?, ?, ?, ?);
`, workspaceID, StatusCompleted, StatusFailed, StatusTimeout, StatusCancelled).Scan(&active)
	if err != nil {
		return nil, fmt.Errorf("count active attempts: %w", err)
	}
	if active > 0 {
		return nil, ErrActiveAttempt
	}

	a := &Attempt{
		ID:          uuid.NewString(),
		WorkspaceID: workspaceID,
		TaskID:      taskID,
		Status:      StatusAssigned,
		RetryCount:  retryCount,
		MaxRetries:  maxRetries,
		CreatedAt:   time.Now().UTC(),
	}
	_, err = tx.ExecContext(ctx, `
INSERT INTO workspace_tasks(id, workspace_id, task_id, status, retry_count, max_retries, created_at)
VALUES(?, ?, ?, ?, ?, ?, ?);
`, a.ID, a.WorkspaceID, a.TaskID, a.Status, a.RetryCount, a.MaxRetries, a.CreatedAt.Format(time.RFC3339Nano))
	if err != nil {
		return nil, fmt.Errorf("insert attempt: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit attempt: %w", err)
	}
	return a, nil
}

// Transition moves an attempt to a non-terminal status, stamping started_at
// when it begins running.
func (s *Store) Transition(ctx context.Context, id string, to Status) error {
	if to.IsTerminal() {
		return fmt.Errorf("terminal transitions go through Complete, not Transition")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var fromS string
	err = tx.QueryRowContext(ctx, `SELECT status FROM workspace_tasks WHERE id = ?;`, id).Scan(&fromS)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("read attempt status: %w", err)
	}

	from := Status(fromS)
	if from.IsTerminal() {
		return ErrAlreadyTerminal
	}
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}

	if to == StatusRunning && from != StatusPaused {
		now := time.Now().UTC().Format(time.RFC3339Nano)
		_, err = tx.ExecContext(ctx,
			`UPDATE workspace_tasks SET status = ?, started_at = ? WHERE id = ?;`, to, now, id)
	} else {
		_, err = tx.ExecContext(ctx,
			`UPDATE workspace_tasks SET status = ? WHERE id = ?;`, to, id)
	}
	if err != nil {
		return fmt.Errorf("update attempt status: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transition: %w", err)
	}
	return nil
}

// Complete records an attempt's terminal state. A second completion of the
// same attempt is rejected with ErrAlreadyTerminal so terminal records stay
// immutable.
func (s *Store) Complete(ctx context.Context, id string, upd TerminalUpdate) (*Attempt, error) {
	if !upd.Status.IsTerminal() {
		return nil, fmt.Errorf("invalid terminal status: %q", upd.Status)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var (
		fromS    string
		startedS sql.NullString
	)
	err = tx.QueryRowContext(ctx,
		`SELECT status, started_at FROM workspace_tasks WHERE id = ?;`, id).Scan(&fromS, &startedS)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read attempt for completion: %w", err)
	}
	if Status(fromS).IsTerminal() {
		return nil, ErrAlreadyTerminal
	}

	now := time.Now().UTC()
	var durationMS *int64
	if startedS.Valid {
		if t, err := time.Parse(time.RFC3339Nano, startedS.String); err == nil {
			d := now.Sub(t).Milliseconds()
			durationMS = &d
		}
	}

	var errText, haltReason, output any
	if upd.Error != "" {
		errText = upd.Error
	}
	if upd.HaltReason != "" {
		haltReason = upd.HaltReason
	}
	if upd.Output != "" {
		output = upd.Output
	}

	_, err = tx.ExecContext(ctx, `
UPDATE workspace_tasks
SET status = ?, exit_code = ?, error = ?, halt_reason = ?, output = ?, cost_usd = ?, duration_ms = ?, completed_at = ?
WHERE id = ?;
`, upd.Status, upd.ExitCode, errText, haltReason, output, upd.CostUSD, durationMS, now.Format(time.RFC3339Nano), id)
	if err != nil {
		return nil, fmt.Errorf("update attempt completion: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit completion: %w", err)
	}

	return s.Get(ctx, id)
}

// Retry creates the follow-up attempt for a retryable terminal attempt. The
// prior record is untouched.
func (s *Store) Retry(ctx context.Context, prev *Attempt) (*Attempt, error) {
	if !prev.Status.IsTerminal() {
		return nil, fmt.Errorf("cannot retry non-terminal attempt %s", prev.ID)
	}
	if !prev.CanRetry() {
		return nil, ErrNotRetryable
	}
	return s.Create(ctx, prev.WorkspaceID, prev.TaskID, prev.RetryCount+1, prev.MaxRetries)
}

// Get reads one attempt.
func (s *Store) Get(ctx context.Context, id string) (*Attempt, error) {
	row := s.db.QueryRowContext(ctx, selectAttempt+` WHERE id = ?;`, id)
	a, err := scanAttempt(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return a, err
}

// ActiveForWorkspace returns the workspace's non-terminal attempt, or nil.
func (s *Store) ActiveForWorkspace(ctx context.Context, workspaceID string) (*Attempt, error) {
	row := s.db.QueryRowContext(ctx, selectAttempt+`
WHERE workspace_id = ? AND status NOT IN (?, ?, ?, ?)
ORDER BY created_at DESC LIMIT 1;`,
		workspaceID, StatusCompleted, StatusFailed, StatusTimeout, StatusCancelled)
	a, err := scanAttempt(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return a, err
}

// LatestForWorkspace returns the workspace's newest attempt regardless of
// status, or nil when none exists.
func (s *Store) LatestForWorkspace(ctx context.Context, workspaceID string) (*Attempt, error) {
	row := s.db.QueryRowContext(ctx,
		selectAttempt+` WHERE workspace_id = ? ORDER BY created_at DESC, rowid DESC LIMIT 1;`,
		workspaceID)
	a, err := scanAttempt(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return a, err
}

// ListByStatus returns attempts in the given status, oldest first. Used by
// crash recovery to find orphaned running attempts.
func (s *Store) ListByStatus(ctx context.Context, status Status) ([]*Attempt, error) {
	rows, err := s.db.QueryContext(ctx, selectAttempt+` WHERE status = ? ORDER BY created_at ASC;`, status)
	if err != nil {
		return nil, fmt.Errorf("list attempts: %w", err)
	}
	defer rows.Close()

	var out []*Attempt
	for rows.Next() {
		a, err := scanAttempt(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// ListByTask returns every attempt for a task, oldest first — the full
// retry history.
func (s *Store) ListByTask(ctx context.Context, taskID string) ([]*Attempt, error) {
	rows, err := s.db.QueryContext(ctx, selectAttempt+` WHERE task_id = ? ORDER BY created_at ASC;`, taskID)
	if err != nil {
		return nil, fmt.Errorf("list attempts by task: %w", err)
	}
	defer rows.Close()

	var out []*Attempt
	for rows.Next() {
		a, err := scanAttempt(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// Approve records a human approval for a task. Approving twice is a no-op.
func (s *Store) Approve(ctx context.Context, taskID, approvedBy string) error {
	if taskID == "" || approvedBy == "" {
		return fmt.Errorf("taskID and approvedBy are required")
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err := s.db.ExecContext(ctx, `
INSERT INTO approvals(task_id, approved_by, approved_at)
VALUES(?, ?, ?)
ON CONFLICT(task_id) DO NOTHING;
`, taskID, approvedBy, now)
	if err != nil {
		return fmt.Errorf("record approval: %w", err)
	}
	return nil
}

// IsApproved reports whether a human approval record exists for the task.
func (s *Store) IsApproved(ctx context.Context, taskID string) (bool, error) {
	var n int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM approvals WHERE task_id = ?;`, taskID).Scan(&n); err != nil {
		return false, fmt.Errorf("check approval: %w", err)
	}
	return n > 0, nil
}

const selectAttempt = `
SELECT id, workspace_id, task_id, status, retry_count, max_retries, exit_code, error,
       halt_reason, output, cost_usd, duration_ms, created_at, started_at, completed_at
FROM workspace_tasks`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAttempt(row rowScanner) (*Attempt, error) {
	var (
		a          Attempt
		statusS    string
		exitCode   sql.NullInt64
		errText    sql.NullString
		haltReason sql.NullString
		output     sql.NullString
		durationMS sql.NullInt64
		createdS   string
		startedS   sql.NullString
		completedS sql.NullString
	)
	err := row.Scan(&a.ID, &a.WorkspaceID, &a.TaskID, &statusS, &a.RetryCount, &a.MaxRetries,
		&exitCode, &errText, &haltReason, &output, &a.CostUSD, &durationMS,
		&createdS, &startedS, &completedS)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan attempt: %w", err)
	}

	a.Status = Status(statusS)
	if exitCode.Valid {
		v := int(exitCode.Int64)
		a.ExitCode = &v
	}
	if errText.Valid {
		a.Error = &errText.String
	}
	if haltReason.Valid {
		a.HaltReason = &haltReason.String
	}
	if output.Valid {
		a.Output = &output.String
	}
	if durationMS.Valid {
		a.DurationMS = &durationMS.Int64
	}
	if t, err := time.Parse(time.RFC3339Nano, createdS); err == nil {
		a.CreatedAt = t
	}
	a.StartedAt = parseNullTime(startedS)
	a.CompletedAt = parseNullTime(completedS)
	return &a, nil
}

func parseNullTime(v sql.NullString) *time.Time {
	if !v.Valid {
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, v.String)
	if err != nil {
		return nil
	}
	return &t
}
