package orchestrator

import (
	"context"
	"errors"

	"github.com/mbeckett/warden/internal/task"
	"github.com/mbeckett/warden/internal/workspace"
)

// recover repairs persisted state after an unclean shutdown by re-reading
// the database. Attempts whose process may have been live when the agent
// died are closed out as failed; the retry policy then decides whether a
// fresh attempt is warranted. Attempts still in assigned or queued never
// had a process, so they are left alone for the resume pass to pick back
// up. Workspaces caught mid-provisioning lose their reservation because a
// half-built sandbox cannot be trusted.
func (o *Orchestrator) recover(ctx context.Context) error {
	orphaned := 0
	for _, st := range []task.Status{
		task.StatusStarting, task.StatusRunning, task.StatusPaused,
	} {
		attempts, err := o.attempts.ListByStatus(ctx, st)
		if err != nil {
			return err
		}
		for _, a := range attempts {
			_, err := o.attempts.Complete(ctx, a.ID, task.TerminalUpdate{
				Status: task.StatusFailed,
				Error:  "attempt orphaned by agent restart",
			})
			if err != nil && !errors.Is(err, task.ErrAlreadyTerminal) {
				return err
			}
			orphaned++

			ws, err := o.workspaces.Get(ctx, a.WorkspaceID)
			if err != nil {
				if errors.Is(err, workspace.ErrNotFound) {
					continue
				}
				return err
			}
			switch ws.Status {
			case workspace.StatusAssigned, workspace.StatusRunning, workspace.StatusPaused:
				if err := o.workspaces.MarkFailed(ctx, ws.ID, "attempt orphaned by agent restart"); err != nil {
					return err
				}
			}
		}
	}
	if orphaned > 0 {
		o.logger.Warn("closed out attempts orphaned by restart", "count", orphaned)
	}

	interrupted, err := o.workspaces.ListByStatus(ctx,
		workspace.StatusCreating, workspace.StatusInitializing, workspace.StatusCloning)
	if err != nil {
		return err
	}
	for _, ws := range interrupted {
		o.logger.Warn("workspace caught mid-provisioning, discarding",
			"workspace_id", ws.ID, "status", string(ws.Status))
		o.failAndArchive(ctx, ws.ID, "provisioning interrupted by agent restart")
	}

	// Everything else resumes from persisted state on the first poll cycle.
	return nil
}
