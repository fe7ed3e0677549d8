package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mbeckett/warden/internal/artifact"
	"github.com/mbeckett/warden/internal/events"
	"github.com/mbeckett/warden/internal/registry"
	"github.com/mbeckett/warden/internal/runner"
	"github.com/mbeckett/warden/internal/task"
	"github.com/mbeckett/warden/internal/workspace"
)

// driveWorkspace owns one workspace end to end: provisioning, the strictly
// sequential attempt loop with retries, terminal reporting, and archival.
// Exactly one of these runs per workspace at a time.
func (o *Orchestrator) driveWorkspace(ctx context.Context, workspaceID string) {
	logger := o.logger.With("workspace_id", workspaceID)

	ws, err := o.workspaces.Get(ctx, workspaceID)
	if err != nil {
		logger.Error("failed to load workspace", "error", err)
		return
	}
	if ws.Status == workspace.StatusArchived {
		return
	}

	def, err := o.attempts.GetTask(ctx, ws.TaskID)
	if err != nil {
		logger.Error("task projection missing, failing workspace", "task_id", ws.TaskID, "error", err)
		o.failAndArchive(ctx, ws.ID, "task projection missing")
		return
	}

	if ws.Status == workspace.StatusCreating {
		if err := o.provision(ctx, ws); err != nil {
			logger.Error("provisioning failed", "error", err)
			o.event(ctx, ws.ID, "provisioning", "error", "provisioning failed",
				map[string]string{"error": err.Error()})
			o.failAndArchive(ctx, ws.ID, err.Error())
			return
		}
		o.event(ctx, ws.ID, "provisioning", "info", "workspace ready", nil)
	}
	if ws.Status == workspace.StatusCleanup {
		o.releaseAndArchive(ctx, ws.ID)
		return
	}

	for {
		if ctx.Err() != nil || o.stopping() {
			return
		}

		attempt, err := o.attempts.ActiveForWorkspace(ctx, ws.ID)
		if err != nil {
			logger.Error("failed to load active attempt", "error", err)
			return
		}

		if attempt == nil {
			last, err := o.attempts.LatestForWorkspace(ctx, ws.ID)
			if err != nil {
				logger.Error("failed to load latest attempt", "error", err)
				return
			}
			switch {
			case last == nil:
				if err := o.ensureStatus(ctx, ws.ID, workspace.StatusAssigned); err != nil {
					logger.Error("failed to assign workspace", "error", err)
					return
				}
				attempt, err = o.attempts.Create(ctx, ws.ID, def.ID, 0, def.MaxRetries)
			case last.CanRetry():
				logger.Info("retrying attempt",
					"retry_count", last.RetryCount+1, "max_retries", last.MaxRetries)
				if err := o.ensureStatus(ctx, ws.ID, workspace.StatusAssigned); err != nil {
					logger.Error("failed to reassign workspace for retry", "error", err)
					return
				}
				attempt, err = o.attempts.Retry(ctx, last)
			default:
				o.archive(ctx, ws, last)
				return
			}
			if err != nil {
				if errors.Is(err, task.ErrActiveAttempt) {
					continue
				}
				logger.Error("failed to create attempt", "error", err)
				return
			}
		}

		if rec := o.runAttempt(ctx, ws, def, attempt); rec == nil {
			return
		}
	}
}

// provision walks the workspace through its forward-only provisioning steps:
// creating → initializing → cloning → ready.
func (o *Orchestrator) provision(ctx context.Context, ws *workspace.Workspace) error {
	if err := o.workspaces.Transition(ctx, ws.ID, workspace.StatusInitializing); err != nil {
		return err
	}
	o.setPhase(ctx, ws.ID, "initializing", 15)
	if err := o.provisioner.Initialize(ctx, ws.ID); err != nil {
		return fmt.Errorf("initialize workspace: %w", err)
	}

	if err := o.workspaces.Transition(ctx, ws.ID, workspace.StatusCloning); err != nil {
		return err
	}
	o.setPhase(ctx, ws.ID, "cloning", 40)
	if err := o.provisioner.CloneTemplate(ctx, ws.ID); err != nil {
		return fmt.Errorf("clone template: %w", err)
	}

	if bytes, files, err := o.provisioner.Usage(ctx, ws.ID); err == nil {
		if uerr := o.workspaces.SetUsage(ctx, ws.ID, bytes, files); uerr != nil {
			o.logger.Error("failed to record workspace usage", "workspace_id", ws.ID, "error", uerr)
		}
	}

	if err := o.workspaces.Transition(ctx, ws.ID, workspace.StatusReady); err != nil {
		return err
	}
	o.setPhase(ctx, ws.ID, "ready", 50)
	return nil
}

// runAttempt executes one attempt to its terminal state and returns the
// completed record. A nil return means the worker should stop without
// archiving (shutdown, or a persistence error that recovery will repair).
func (o *Orchestrator) runAttempt(ctx context.Context, ws *workspace.Workspace, def *registry.AITask, attempt *task.Attempt) *task.Attempt {
	logger := o.logger.With("workspace_id", ws.ID, "attempt_id", attempt.ID, "task_id", def.ID)

	// An unapproved attempt never leaves assigned.
	if attempt.Status == task.StatusAssigned {
		if def.Guardrails.RequiresHumanApproval {
			approved, err := o.attempts.IsApproved(ctx, def.ID)
			if err != nil {
				logger.Error("approval lookup failed", "error", err)
				return nil
			}
			if !approved {
				logger.Info("attempt blocked pending human approval")
				o.event(ctx, ws.ID, "guardrail", "warn", "attempt blocked pending human approval",
					map[string]string{"attempt_id": attempt.ID})
				if !o.waitForApproval(ctx, attempt.ID, def.ID) {
					if ctx.Err() != nil || o.stopping() {
						return nil
					}
					// Cancelled from outside while waiting; pick up the
					// terminal record and close out the workspace.
					rec, err := o.attempts.Get(ctx, attempt.ID)
					if err != nil || !rec.Status.IsTerminal() {
						return nil
					}
					o.closeOutWorkspace(ctx, ws, rec)
					o.reportTerminal(ctx, ws, rec)
					return rec
				}
				logger.Info("human approval received")
			}
		}
		if err := o.attempts.Transition(ctx, attempt.ID, task.StatusQueued); err != nil {
			logger.Error("failed to queue attempt", "error", err)
			return nil
		}
		attempt.Status = task.StatusQueued
	}

	if attempt.Status == task.StatusQueued {
		if err := o.attempts.Transition(ctx, attempt.ID, task.StatusStarting); err != nil {
			logger.Error("failed to start attempt", "error", err)
			return nil
		}
		attempt.Status = task.StatusStarting
	}

	if err := o.ensureStatus(ctx, ws.ID, workspace.StatusRunning); err != nil {
		logger.Error("failed to move workspace to running", "error", err)
		return nil
	}
	o.setPhase(ctx, ws.ID, "executing", 60)

	if err := o.withBackoff(ctx, "report attempt started", func(ctx context.Context) error {
		return o.gateway.ReportAttemptStarted(ctx, attempt.ID)
	}); err != nil {
		logger.Error("attempt start report not acknowledged", "error", err)
	}

	startedAt := time.Now().UTC()
	o.mu.Lock()
	o.contexts[attempt.ID] = &attemptContext{taskID: def.ID, guardrails: def.Guardrails, startedAt: startedAt}
	o.mu.Unlock()
	defer func() {
		o.mu.Lock()
		delete(o.contexts, attempt.ID)
		delete(o.handles, attempt.ID)
		o.mu.Unlock()
	}()

	handle, err := o.runner.StartAttempt(ctx, runner.AttemptSpec{
		WorkspaceID:    ws.ID,
		AttemptID:      attempt.ID,
		Dir:            ws.Dir,
		Command:        def.Command,
		SampleInterval: o.cfg.Workspaces.SampleInterval,
		CostPerMinute:  o.cfg.Agent.CostPerMinute,
	})
	if err != nil {
		logger.Error("failed to spawn attempt", "error", err)
		return o.finishAttempt(ctx, ws, attempt.ID, runner.TerminalEvent{SpawnError: err.Error()})
	}

	if err := o.attempts.Transition(ctx, attempt.ID, task.StatusRunning); err != nil {
		logger.Error("failed to mark attempt running", "error", err)
	}
	o.mu.Lock()
	o.handles[attempt.ID] = handle
	_, forced := o.outcomes[attempt.ID]
	o.mu.Unlock()
	if forced {
		// Cancelled or halted while the process was being spawned.
		handle.Cancel()
	}

	logger.Info("attempt running", "retry_count", attempt.RetryCount)

	deadline := startedAt.Add(o.cfg.Agent.AttemptTimeout)
	samples := handle.Samples()
	var term runner.TerminalEvent

loop:
	for {
		select {
		case s, ok := <-samples:
			if !ok {
				samples = nil
				continue
			}
			if err := o.accountant.Ingest(ctx, s); err != nil {
				logger.Error("sample ingest failed", "error", err)
			}
			o.reportProgress(ctx, def, attempt.ID, startedAt)
			if o.cfg.Agent.AttemptTimeout > 0 && time.Now().After(deadline) {
				o.setOutcome(attempt.ID, forcedOutcome{
					status:  task.StatusTimeout,
					errText: fmt.Sprintf("attempt exceeded %s timeout", o.cfg.Agent.AttemptTimeout),
				})
				handle.Cancel()
			}

		case term = <-handle.Done():
			if samples != nil {
				for s := range samples {
					if err := o.accountant.Ingest(ctx, s); err != nil {
						logger.Error("sample ingest failed", "error", err)
					}
				}
			}
			break loop

		case <-o.stopCh:
			o.setOutcome(attempt.ID, forcedOutcome{
				status:  task.StatusFailed,
				errText: "attempt interrupted by agent shutdown",
			})
			handle.Cancel()
			term = <-handle.Done()
			break loop

		case <-ctx.Done():
			o.setOutcome(attempt.ID, forcedOutcome{
				status:  task.StatusFailed,
				errText: "attempt interrupted by agent shutdown",
			})
			handle.Cancel()
			term = <-handle.Done()
			break loop
		}
	}

	return o.finishAttempt(ctx, ws, attempt.ID, term)
}

// finishAttempt turns the runner's terminal event (plus any forced outcome)
// into the attempt's immutable terminal record, closes out the workspace, and
// reports to the registry.
func (o *Orchestrator) finishAttempt(ctx context.Context, ws *workspace.Workspace, attemptID string, term runner.TerminalEvent) *task.Attempt {
	o.mu.Lock()
	out := o.outcomes[attemptID]
	delete(o.outcomes, attemptID)
	o.mu.Unlock()

	agg, _ := o.accountant.AttemptAggregate(attemptID)

	exitCode := term.ExitCode
	upd := task.TerminalUpdate{ExitCode: &exitCode, Output: term.Output, CostUSD: agg.CostUSD}
	switch {
	case out != nil:
		upd.Status = out.status
		upd.Error = out.errText
		upd.HaltReason = out.haltReason
	case term.SpawnError != "":
		upd.Status = task.StatusFailed
		upd.Error = term.SpawnError
	case term.ExitCode == 0:
		upd.Status = task.StatusCompleted
	default:
		upd.Status = task.StatusFailed
		upd.Error = fmt.Sprintf("command exited with code %d", term.ExitCode)
		if term.Stderr != "" {
			upd.Error = term.Stderr
		}
	}
	if term.SpawnError != "" {
		// The process never produced a real exit code.
		upd.ExitCode = nil
	}

	rec, err := o.attempts.Complete(ctx, attemptID, upd)
	if errors.Is(err, task.ErrAlreadyTerminal) {
		rec, err = o.attempts.Get(ctx, attemptID)
	}
	if err != nil {
		o.logger.Error("failed to complete attempt", "attempt_id", attemptID, "error", err)
		return nil
	}

	o.accountant.Forget(attemptID)
	o.closeOutWorkspace(ctx, ws, rec)
	o.reportTerminal(ctx, ws, rec)
	return rec
}

// closeOutWorkspace moves the workspace to completed or failed to match the
// attempt's terminal status and records the audit event.
func (o *Orchestrator) closeOutWorkspace(ctx context.Context, ws *workspace.Workspace, rec *task.Attempt) {
	wsTo := workspace.StatusFailed
	level := "error"
	if rec.Status == task.StatusCompleted {
		wsTo = workspace.StatusCompleted
		level = "info"
	}
	if err := o.ensureStatus(ctx, ws.ID, wsTo); err != nil {
		o.logger.Error("failed to close out workspace", "workspace_id", ws.ID, "error", err)
	}
	o.setPhase(ctx, ws.ID, string(rec.Status), 100)

	details := map[string]string{"attempt_id": rec.ID, "status": string(rec.Status)}
	if rec.HaltReason != nil {
		details["halt_reason"] = *rec.HaltReason
	}
	if rec.ExitCode != nil {
		details["exit_code"] = fmt.Sprintf("%d", *rec.ExitCode)
	}
	o.event(ctx, ws.ID, "attempt", level, "attempt "+string(rec.Status), details)
}

// reportTerminal sends the attempt's terminal report, artifacts included.
// Only a registry acknowledgement advances the locally projected task status;
// re-sends after a crash are safe because the registry dedups on attempt ID.
func (o *Orchestrator) reportTerminal(ctx context.Context, ws *workspace.Workspace, rec *task.Attempt) {
	result := registry.ExecutionResult{}
	if rec.ExitCode != nil {
		result.ExitCode = *rec.ExitCode
	}
	if rec.Output != nil {
		result.Output = *rec.Output
	}
	if rec.Error != nil {
		result.Error = *rec.Error
	}

	refs, err := artifact.Collect(ws.Dir)
	if err != nil {
		o.logger.Error("artifact collection failed", "workspace_id", ws.ID, "error", err)
	} else {
		result.Artifacts = refs
	}

	if err := o.withBackoff(ctx, "report attempt terminal", func(ctx context.Context) error {
		return o.gateway.ReportAttemptTerminal(ctx, rec.ID, string(rec.Status), result)
	}); err != nil {
		o.logger.Error("terminal report not acknowledged, will re-send on resume",
			"attempt_id", rec.ID, "error", err)
		return
	}

	// Intermediate failures that will be retried leave the registry-facing
	// task status alone.
	switch {
	case rec.Status == task.StatusCompleted:
		err = o.attempts.SetTaskStatus(ctx, rec.TaskID, registry.TaskCompleted)
	case !rec.CanRetry():
		err = o.attempts.SetTaskStatus(ctx, rec.TaskID, registry.TaskFailed)
	default:
		return
	}
	if err != nil {
		o.logger.Error("failed to advance task status", "task_id", rec.TaskID, "error", err)
	}
}

func (o *Orchestrator) reportProgress(ctx context.Context, def *registry.AITask, attemptID string, startedAt time.Time) {
	pct := 0
	if def.EstimatedDurationMin > 0 {
		pct = int(time.Since(startedAt).Minutes() / float64(def.EstimatedDurationMin) * 100)
		if pct > 95 {
			pct = 95
		}
	}
	if err := o.gateway.ReportAttemptProgress(ctx, attemptID, pct, "executing"); err != nil {
		o.logger.Debug("progress report failed", "attempt_id", attemptID, "error", err)
	}
}

// waitForApproval blocks until the task is approved. It returns false when
// the agent is shutting down or the attempt was cancelled while waiting.
func (o *Orchestrator) waitForApproval(ctx context.Context, attemptID, taskID string) bool {
	ticker := time.NewTicker(o.cfg.Agent.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			approved, err := o.attempts.IsApproved(ctx, taskID)
			if err != nil {
				o.logger.Error("approval lookup failed", "task_id", taskID, "error", err)
				continue
			}
			if approved {
				return true
			}
			a, err := o.attempts.Get(ctx, attemptID)
			if err == nil && a.Status.IsTerminal() {
				return false
			}
		case <-o.stopCh:
			return false
		case <-ctx.Done():
			return false
		}
	}
}

// archive closes out a finished workspace: final usage measurement, archived
// transition, directory removal, ledger release.
func (o *Orchestrator) archive(ctx context.Context, ws *workspace.Workspace, last *task.Attempt) {
	if bytes, files, err := o.provisioner.Usage(ctx, ws.ID); err == nil {
		if uerr := o.workspaces.SetUsage(ctx, ws.ID, bytes, files); uerr != nil {
			o.logger.Error("failed to record final usage", "workspace_id", ws.ID, "error", uerr)
		}
	}
	o.logger.Info("archiving workspace",
		"workspace_id", ws.ID, "task_id", ws.TaskID, "final_attempt_status", string(last.Status))
	o.releaseAndArchive(ctx, ws.ID)
}

// failAndArchive marks the workspace failed with a reason and releases it.
func (o *Orchestrator) failAndArchive(ctx context.Context, workspaceID, reason string) {
	if err := o.workspaces.MarkFailed(ctx, workspaceID, reason); err != nil {
		o.logger.Error("failed to mark workspace failed", "workspace_id", workspaceID, "error", err)
	}
	o.releaseAndArchive(ctx, workspaceID)
}

// releaseAndArchive is the single path that gives capacity back: archived
// transition first, then directory removal, then the idempotent ledger
// release. Slots return to the device only through here.
func (o *Orchestrator) releaseAndArchive(ctx context.Context, workspaceID string) {
	if err := o.ensureStatus(ctx, workspaceID, workspace.StatusArchived); err != nil {
		o.logger.Error("failed to archive workspace", "workspace_id", workspaceID, "error", err)
	}
	if err := o.provisioner.Remove(ctx, workspaceID); err != nil {
		o.logger.Error("failed to remove workspace directory", "workspace_id", workspaceID, "error", err)
	}
	if err := o.ledger.Release(ctx, o.cfg.Device.ID, workspaceID); err != nil {
		o.logger.Error("failed to release reservation", "workspace_id", workspaceID, "error", err)
	}
	o.event(ctx, workspaceID, "lifecycle", "info", "workspace archived", nil)
	o.hub.Publish(events.Event{Type: "workspace.archived", WorkspaceID: workspaceID})
}

// ensureStatus transitions the workspace unless it is already there.
func (o *Orchestrator) ensureStatus(ctx context.Context, workspaceID string, to workspace.Status) error {
	ws, err := o.workspaces.Get(ctx, workspaceID)
	if err != nil {
		return err
	}
	if ws.Status == to {
		return nil
	}
	return o.workspaces.Transition(ctx, workspaceID, to)
}

func (o *Orchestrator) setPhase(ctx context.Context, workspaceID, phase string, progress int) {
	if err := o.workspaces.SetPhase(ctx, workspaceID, phase, progress); err != nil {
		o.logger.Error("failed to set workspace phase", "workspace_id", workspaceID, "error", err)
	}
}

// event records a workspace audit event locally, publishes it on the hub,
// and forwards it to the registry best-effort.
func (o *Orchestrator) event(ctx context.Context, workspaceID, category, level, message string, details map[string]string) {
	if _, err := o.workspaces.RecordEvent(ctx, workspaceID, category, level, message, details); err != nil {
		o.logger.Error("failed to record workspace event", "workspace_id", workspaceID, "error", err)
	}

	o.hub.Publish(events.Event{
		Type:        "workspace." + category,
		WorkspaceID: workspaceID,
		Level:       level,
		Message:     message,
		Details:     details,
	})

	if err := o.gateway.ReportWorkspaceEvent(ctx, workspaceID, category, level, message, details); err != nil {
		o.logger.Debug("workspace event report failed", "workspace_id", workspaceID, "error", err)
	}
}

func (o *Orchestrator) stopping() bool {
	select {
	case <-o.stopCh:
		return true
	default:
		return false
	}
}
