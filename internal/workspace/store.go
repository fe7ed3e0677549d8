package workspace

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

var (
	ErrNotFound          = errors.New("workspace not found")
	ErrInvalidTransition = errors.New("invalid workspace transition")
)

// Workspace is one sandboxed working directory bound to exactly one device
// and one task.
type Workspace struct {
	ID             string
	DeviceID       string
	TaskID         string
	Status         Status
	Phase          string
	Progress       int
	Dir            string
	DiskUsageBytes int64
	FileCount      int
	FailReason     *string
	CreatedAt      time.Time
	ReadyAt        *time.Time
	AssignedAt     *time.Time
	RunningAt      *time.Time
	CompletedAt    *time.Time
	ArchivedAt     *time.Time
}

// Event is one append-only audit record for a workspace. Details is a flat
// string-keyed map of scalar values, never an open "any" payload.
type Event struct {
	ID          string
	WorkspaceID string
	Category    string
	Level       string
	Message     string
	Details     map[string]string
	CreatedAt   time.Time
}

// Store persists workspaces and their event trail in sqlite.
type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Create inserts a workspace in the creating state and returns it. The ID is
// supplied by the caller because the ledger reservation is keyed on it and
// granted before the row exists.
func (s *Store) Create(ctx context.Context, id, deviceID, taskID, dir string) (*Workspace, error) {
	if id == "" {
		id = uuid.NewString()
	}
	if deviceID == "" || taskID == "" || dir == "" {
		return nil, fmt.Errorf("deviceID, taskID and dir are required")
	}

	w := &Workspace{
		ID:        id,
		DeviceID:  deviceID,
		TaskID:    taskID,
		Status:    StatusCreating,
		Dir:       dir,
		CreatedAt: time.Now().UTC(),
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO workspaces(id, device_id, task_id, status, dir, created_at)
VALUES(?, ?, ?, ?, ?, ?);
`, w.ID, w.DeviceID, w.TaskID, w.Status, w.Dir, w.CreatedAt.Format(time.RFC3339Nano))
	if err != nil {
		return nil, fmt.Errorf("insert workspace: %w", err)
	}
	return w, nil
}

// Transition moves the workspace to a new status, validating the move
// against the lifecycle table and stamping the matching phase timestamp.
func (s *Store) Transition(ctx context.Context, id string, to Status) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var fromS string
	err = tx.QueryRowContext(ctx, `SELECT status FROM workspaces WHERE id = ?;`, id).Scan(&fromS)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("read workspace status: %w", err)
	}

	from := Status(fromS)
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}

	now := time.Now().UTC().Format(time.RFC3339Nano)
	set := "status = ?"
	args := []any{to}
	switch to {
	case StatusReady:
		set += ", ready_at = ?"
		args = append(args, now)
	case StatusAssigned:
		set += ", assigned_at = ?"
		args = append(args, now)
	case StatusRunning:
		set += ", running_at = ?"
		args = append(args, now)
	case StatusCompleted, StatusFailed:
		set += ", completed_at = ?"
		args = append(args, now)
	case StatusArchived:
		set += ", archived_at = ?"
		args = append(args, now)
	}
	args = append(args, id)

	if _, err := tx.ExecContext(ctx, `UPDATE workspaces SET `+set+` WHERE id = ?;`, args...); err != nil {
		return fmt.Errorf("update workspace status: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transition: %w", err)
	}
	return nil
}

// MarkFailed moves the workspace to failed and records the reason.
func (s *Store) MarkFailed(ctx context.Context, id, reason string) error {
	if err := s.Transition(ctx, id, StatusFailed); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `UPDATE workspaces SET fail_reason = ? WHERE id = ?;`, reason, id)
	if err != nil {
		return fmt.Errorf("record fail reason: %w", err)
	}
	return nil
}

// SetPhase updates the human-readable phase label and progress percentage.
func (s *Store) SetPhase(ctx context.Context, id, phase string, progress int) error {
	if progress < 0 {
		progress = 0
	}
	if progress > 100 {
		progress = 100
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE workspaces SET phase = ?, progress = ? WHERE id = ?;`, phase, progress, id)
	if err != nil {
		return fmt.Errorf("update workspace phase: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// SetUsage records measured disk usage and file count.
func (s *Store) SetUsage(ctx context.Context, id string, diskUsageBytes int64, fileCount int) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE workspaces SET disk_usage_bytes = ?, file_count = ? WHERE id = ?;`,
		diskUsageBytes, fileCount, id)
	if err != nil {
		return fmt.Errorf("update workspace usage: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// Get reads one workspace.
func (s *Store) Get(ctx context.Context, id string) (*Workspace, error) {
	row := s.db.QueryRowContext(ctx, selectColumns+` WHERE id = ?;`, id)
	w, err := scanWorkspace(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return w, err
}

// FindByTask returns the newest non-archived workspace for taskID, or nil.
func (s *Store) FindByTask(ctx context.Context, taskID string) (*Workspace, error) {
	row := s.db.QueryRowContext(ctx,
		selectColumns+` WHERE task_id = ? AND status != ? ORDER BY created_at DESC LIMIT 1;`,
		taskID, StatusArchived)
	w, err := scanWorkspace(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return w, err
}

// ListByStatus returns workspaces in any of the given statuses, oldest first.
func (s *Store) ListByStatus(ctx context.Context, statuses ...Status) ([]*Workspace, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	query := selectColumns + ` WHERE status IN (?` + repeat(",?", len(statuses)-1) + `) ORDER BY created_at ASC;`
	args := make([]any, len(statuses))
	for i, st := range statuses {
		args[i] = st
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list workspaces: %w", err)
	}
	defer rows.Close()

	var out []*Workspace
	for rows.Next() {
		w, err := scanWorkspace(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

// List returns every workspace, newest first.
func (s *Store) List(ctx context.Context) ([]*Workspace, error) {
	rows, err := s.db.QueryContext(ctx, selectColumns+` ORDER BY created_at DESC;`)
	if err != nil {
		return nil, fmt.Errorf("list workspaces: %w", err)
	}
	defer rows.Close()

	var out []*Workspace
	for rows.Next() {
		w, err := scanWorkspace(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

// RecordEvent appends an audit event for a workspace.
func (s *Store) RecordEvent(ctx context.Context, workspaceID, category, level, message string, details map[string]string) (*Event, error) {
	ev := &Event{
		ID:          uuid.NewString(),
		WorkspaceID: workspaceID,
		Category:    category,
		Level:       level,
		Message:     message,
		Details:     details,
		CreatedAt:   time.Now().UTC(),
	}

	var detailsJSON any
	if len(details) > 0 {
		b, err := json.Marshal(details)
		if err != nil {
			return nil, fmt.Errorf("encode event details: %w", err)
		}
		detailsJSON = string(b)
	}

	_, err := s.db.ExecContext(ctx, `
INSERT INTO workspace_events(id, workspace_id, category, level, message, details, created_at)
VALUES(?, ?, ?, ?, ?, ?, ?);
`, ev.ID, ev.WorkspaceID, ev.Category, ev.Level, ev.Message, detailsJSON, ev.CreatedAt.Format(time.RFC3339Nano))
	if err != nil {
		return nil, fmt.Errorf("insert workspace event: %w", err)
	}
	return ev, nil
}

// Events returns a workspace's event trail, oldest first.
func (s *Store) Events(ctx context.Context, workspaceID string) ([]*Event, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, workspace_id, category, level, message, details, created_at
FROM workspace_events WHERE workspace_id = ? ORDER BY created_at ASC;
`, workspaceID)
	if err != nil {
		return nil, fmt.Errorf("list workspace events: %w", err)
	}
	defer rows.Close()

	var out []*Event
	for rows.Next() {
		var (
			ev       Event
			details  sql.NullString
			createdS string
		)
		if err := rows.Scan(&ev.ID, &ev.WorkspaceID, &ev.Category, &ev.Level, &ev.Message, &details, &createdS); err != nil {
			return nil, fmt.Errorf("scan workspace event: %w", err)
		}
		if details.Valid {
			if err := json.Unmarshal([]byte(details.String), &ev.Details); err != nil {
				return nil, fmt.Errorf("decode event details: %w", err)
			}
		}
		if t, err := time.Parse(time.RFC3339Nano, createdS); err == nil {
			ev.CreatedAt = t
		}
		out = append(out, &ev)
	}
	return out, rows.Err()
}

const selectColumns = `
SELECT id, device_id, task_id, status, phase, progress, dir, disk_usage_bytes, file_count,
       fail_reason, created_at, ready_at, assigned_at, running_at, completed_at, archived_at
FROM workspaces`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanWorkspace(row rowScanner) (*Workspace, error) {
	var (
		w          Workspace
		statusS    string
		failReason sql.NullString
		createdS   string
		readyS     sql.NullString
		assignedS  sql.NullString
		runningS   sql.NullString
		completedS sql.NullString
		archivedS  sql.NullString
	)
	err := row.Scan(&w.ID, &w.DeviceID, &w.TaskID, &statusS, &w.Phase, &w.Progress, &w.Dir,
		&w.DiskUsageBytes, &w.FileCount, &failReason, &createdS,
		&readyS, &assignedS, &runningS, &completedS, &archivedS)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan workspace: %w", err)
	}

	w.Status = Status(statusS)
	if failReason.Valid {
		w.FailReason = &failReason.String
	}
	if t, err := time.Parse(time.RFC3339Nano, createdS); err == nil {
		w.CreatedAt = t
	}
	w.ReadyAt = parseNullTime(readyS)
	w.AssignedAt = parseNullTime(assignedS)
	w.RunningAt = parseNullTime(runningS)
	w.CompletedAt = parseNullTime(completedS)
	w.ArchivedAt = parseNullTime(archivedS)
	return &w, nil
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

func repeat(s string, n int) string {
	out := ""
	for i := 0; i < n; i++ {
		out += s
	}
	return out
}
