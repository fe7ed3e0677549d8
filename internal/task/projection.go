package task

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mbeckett/warden/internal/registry"
)

// SaveTask upserts the executor's local projection of a registry task. The
// registry owns the task; this copy exists so crash recovery can re-derive
// everything it needs (command, guardrails, retry budget) from local state.
func (s *Store) SaveTask(ctx context.Context, t registry.AITask) error {
	if t.ID == "" {
		return fmt.Errorf("task ID is empty")
	}
	guardrails, err := json.Marshal(t.Guardrails)
	if err != nil {
		return fmt.Errorf("encode guardrails: %w", err)
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err = s.db.ExecContext(ctx, `
INSERT INTO ai_tasks(id, objective, command, mode, guardrails, status, max_retries,
  estimated_cost_usd, estimated_duration_min, estimated_disk_mb, updated_at)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
  objective = excluded.objective,
  command = excluded.command,
  mode = excluded.mode,
  guardrails = excluded.guardrails,
  status = excluded.status,
  max_retries = excluded.max_retries,
  estimated_cost_usd = excluded.estimated_cost_usd,
  estimated_duration_min = excluded.estimated_duration_min,
  estimated_disk_mb = excluded.estimated_disk_mb,
  updated_at = excluded.updated_at;
`, t.ID, t.Objective, t.Command, t.Mode, string(guardrails), t.Status, t.MaxRetries,
		t.EstimatedCostUSD, t.EstimatedDurationMin, t.EstimatedDiskMB, now)
	if err != nil {
		return fmt.Errorf("save task projection: %w", err)
	}
	return nil
}

// GetTask reads the local task projection.
func (s *Store) GetTask(ctx context.Context, taskID string) (*registry.AITask, error) {
	var (
		t          registry.AITask
		mode       string
		guardrails string
		status     string
	)
	err := s.db.QueryRowContext(ctx, `
SELECT id, objective, command, mode, guardrails, status, max_retries,
       estimated_cost_usd, estimated_duration_min, estimated_disk_mb
FROM ai_tasks WHERE id = ?;
`, taskID).Scan(&t.ID, &t.Objective, &t.Command, &mode, &guardrails, &status,
		&t.MaxRetries, &t.EstimatedCostUSD, &t.EstimatedDurationMin, &t.EstimatedDiskMB)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read task projection: %w", err)
	}
	t.Mode = registry.TaskMode(mode)
	t.Status = registry.TaskStatus(status)
	if err := json.Unmarshal([]byte(guardrails), &t.Guardrails); err != nil {
		return nil, fmt.Errorf("decode guardrails: %w", err)
	}
	return &t, nil
}

// SetTaskStatus updates the registry-facing status in the local projection.
// Called only after the registry acknowledged the matching report.
func (s *Store) SetTaskStatus(ctx context.Context, taskID string, status registry.TaskStatus) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	res, err := s.db.ExecContext(ctx,
		`UPDATE ai_tasks SET status = ?, updated_at = ? WHERE id = ?;`, status, now, taskID)
	if err != nil {
		return fmt.Errorf("update task status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
