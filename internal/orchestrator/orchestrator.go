package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mbeckett/warden/internal/accounting"
	"github.com/mbeckett/warden/internal/config"
	"github.com/mbeckett/warden/internal/events"
	"github.com/mbeckett/warden/internal/guardrail"
	"github.com/mbeckett/warden/internal/ledger"
	"github.com/mbeckett/warden/internal/log"
	"github.com/mbeckett/warden/internal/registry"
	"github.com/mbeckett/warden/internal/runner"
	"github.com/mbeckett/warden/internal/task"
	"github.com/mbeckett/warden/internal/workspace"
)

// Orchestrator drives the poll cycle: fetch pending tasks, admit them
// against device capacity, provision workspaces, run attempts, account
// resources, apply guardrail decisions, and report terminal outcomes.
//
// All collaborators are injected; the orchestrator keeps no state that
// cannot be re-derived from the persisted workspace/attempt records.
type Orchestrator struct {
	cfg         *config.Config
	gateway     registry.Gateway
	ledger      *ledger.Ledger
	workspaces  *workspace.Store
	provisioner *workspace.Provisioner
	attempts    *task.Store
	accountant  *accounting.Accountant
	runner      runner.Runner
	hub         *events.Hub
	logger      *slog.Logger

	stopCh chan struct{}
	wg     sync.WaitGroup
	sem    chan struct{}

	mu       sync.Mutex
	busy     map[string]bool            // workspace ID → live worker
	handles  map[string]runner.Handle   // attempt ID → live process handle
	contexts map[string]*attemptContext // attempt ID → guardrail context
	outcomes map[string]*forcedOutcome  // attempt ID → halt/timeout/cancel override
}

// attemptContext is what guardrail evaluation needs about a live attempt.
type attemptContext struct {
	taskID     string
	guardrails registry.Guardrails
	startedAt  time.Time
}

// forcedOutcome overrides the exit-code-derived terminal status when the
// attempt was stopped from outside the process (guardrail halt, deadline,
// operator cancel). First writer wins.
type forcedOutcome struct {
	status     task.Status
	haltReason string
	errText    string
}

// Deps bundles the orchestrator's collaborators.
type Deps struct {
	Gateway     registry.Gateway
	Ledger      *ledger.Ledger
	Workspaces  *workspace.Store
	Provisioner *workspace.Provisioner
	Attempts    *task.Store
	Accountant  *accounting.Accountant
	Runner      runner.Runner
	Hub         *events.Hub
}

func New(cfg *config.Config, d Deps) *Orchestrator {
	o := &Orchestrator{
		cfg:         cfg,
		gateway:     d.Gateway,
		ledger:      d.Ledger,
		workspaces:  d.Workspaces,
		provisioner: d.Provisioner,
		attempts:    d.Attempts,
		accountant:  d.Accountant,
		runner:      d.Runner,
		hub:         d.Hub,
		logger:      log.WithComponent("orchestrator"),
		stopCh:      make(chan struct{}),
		sem:         make(chan struct{}, cfg.Agent.MaxConcurrentTasks),
		busy:        make(map[string]bool),
		handles:     make(map[string]runner.Handle),
		contexts:    make(map[string]*attemptContext),
		outcomes:    make(map[string]*forcedOutcome),
	}
	o.accountant.SetEvaluate(o.evaluateAttempt)
	return o
}

// Start registers the device, performs crash recovery, and begins the poll
// and halt loops.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.logger.Info("starting orchestrator", "agent_id", o.cfg.Agent.ID, "device_id", o.cfg.Device.ID)

	err := o.ledger.Register(ctx, ledger.Device{
		ID:            o.cfg.Device.ID,
		Name:          o.cfg.Device.Name,
		MaxWorkspaces: o.cfg.Device.MaxConcurrentWorkspaces,
		MaxDiskMB:     o.cfg.Device.MaxDiskMB,
	})
	if err != nil {
		return fmt.Errorf("register device: %w", err)
	}

	if err := o.recover(ctx); err != nil {
		return fmt.Errorf("crash recovery failed: %w", err)
	}

	o.wg.Add(2)
	go o.tickLoop(ctx)
	go o.haltLoop(ctx)
	return nil
}

// Stop shuts the loops down and waits for in-flight workers to persist
// their state.
func (o *Orchestrator) Stop() {
	o.logger.Info("stopping orchestrator")
	close(o.stopCh)
	o.wg.Wait()
	o.logger.Info("orchestrator stopped")
}

func (o *Orchestrator) tickLoop(ctx context.Context) {
	defer o.wg.Done()

	o.pollCycle(ctx)

	ticker := time.NewTicker(o.cfg.Agent.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			o.pollCycle(ctx)
		case <-o.stopCh:
			return
		case <-ctx.Done():
			o.logger.Warn("context cancelled, stopping poll loop")
			return
		}
	}
}

// pollCycle performs one pass: heartbeat, fetch, admit, resume, clean up.
func (o *Orchestrator) pollCycle(ctx context.Context) {
	o.logger.Debug("poll cycle")
	o.hub.Publish(events.Event{Type: "orchestrator.tick"})

	if err := o.ledger.Heartbeat(ctx, o.cfg.Device.ID, true); err != nil {
		o.logger.Error("device heartbeat failed", "error", err)
	}

	var tasks []registry.AITask
	err := o.withBackoff(ctx, "fetch pending tasks", func(ctx context.Context) error {
		var ferr error
		tasks, ferr = o.gateway.FetchPendingTasks(ctx, o.cfg.Agent.ID)
		return ferr
	})
	if err != nil {
		o.logger.Error("failed to fetch pending tasks", "error", err)
	} else {
		for _, t := range tasks {
			o.admitTask(ctx, t)
		}
	}

	o.resumeIdleWorkspaces(ctx)

	if o.cfg.Workspaces.ArchiveRetention > 0 {
		o.cleanupOrphanDirs(ctx)
	}
}

// admitTask requests capacity for one pending task. Denial is not an error:
// the task stays pending and is retried on a later cycle.
func (o *Orchestrator) admitTask(ctx context.Context, t registry.AITask) {
	if t.ID == "" {
		o.logger.Warn("registry returned task without ID, skipping")
		return
	}
	if t.Command == "" {
		o.logger.Warn("task has no command, skipping", "task_id", t.ID)
		return
	}

	existing, err := o.workspaces.FindByTask(ctx, t.ID)
	if err != nil {
		o.logger.Error("failed to look up workspace for task", "task_id", t.ID, "error", err)
		return
	}
	if existing != nil {
		return
	}

	if err := o.attempts.SaveTask(ctx, t); err != nil {
		o.logger.Error("failed to persist task projection", "task_id", t.ID, "error", err)
		return
	}

	diskMB := t.EstimatedDiskMB
	if diskMB <= 0 {
		diskMB = o.cfg.Workspaces.EstimatedDiskMB
	}

	workspaceID := uuid.NewString()
	if err := o.ledger.TryAdmit(ctx, o.cfg.Device.ID, workspaceID, diskMB); err != nil {
		if reason, denied := ledger.IsDenied(err); denied {
			o.logger.Info("admission denied, task stays pending",
				"task_id", t.ID, "reason", string(reason))
			o.hub.Publish(events.Event{
				Type:    "orchestrator.admission_denied",
				TaskID:  t.ID,
				Details: map[string]string{"reason": string(reason)},
			})
			return
		}
		o.logger.Error("admission failed", "task_id", t.ID, "error", err)
		return
	}

	dir, err := o.provisioner.Dir(workspaceID)
	if err == nil {
		_, err = o.workspaces.Create(ctx, workspaceID, o.cfg.Device.ID, t.ID, dir)
	}
	if err != nil {
		o.logger.Error("failed to create workspace record", "task_id", t.ID, "error", err)
		if rerr := o.ledger.Release(ctx, o.cfg.Device.ID, workspaceID); rerr != nil {
			o.logger.Error("failed to release reservation after create failure", "error", rerr)
		}
		return
	}

	o.logger.Info("task admitted", "task_id", t.ID, "workspace_id", workspaceID, "mode", string(t.Mode))
	o.startWorker(ctx, workspaceID)
}

// resumeIdleWorkspaces starts a worker for every non-archived workspace that
// doesn't have one. After a restart this is what picks recovered work back
// up, purely from persisted state.
func (o *Orchestrator) resumeIdleWorkspaces(ctx context.Context) {
	list, err := o.workspaces.ListByStatus(ctx,
		workspace.StatusCreating, workspace.StatusReady, workspace.StatusAssigned,
		workspace.StatusRunning, workspace.StatusPaused,
		workspace.StatusCompleted, workspace.StatusFailed, workspace.StatusCleanup)
	if err != nil {
		o.logger.Error("failed to list workspaces for resume", "error", err)
		return
	}
	for _, ws := range list {
		o.startWorker(ctx, ws.ID)
	}
}

// startWorker launches the single worker goroutine for a workspace. Attempts
// within one workspace are strictly sequential; the semaphore bounds how
// many workspaces execute at once.
func (o *Orchestrator) startWorker(ctx context.Context, workspaceID string) {
	o.mu.Lock()
	if o.busy[workspaceID] {
		o.mu.Unlock()
		return
	}
	o.busy[workspaceID] = true
	o.mu.Unlock()

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		defer func() {
			o.mu.Lock()
			delete(o.busy, workspaceID)
			o.mu.Unlock()
		}()

		select {
		case o.sem <- struct{}{}:
		case <-o.stopCh:
			return
		case <-ctx.Done():
			return
		}
		defer func() { <-o.sem }()

		o.driveWorkspace(ctx, workspaceID)
	}()
}

func (o *Orchestrator) haltLoop(ctx context.Context) {
	defer o.wg.Done()
	for {
		select {
		case h := <-o.accountant.Halts():
			o.applyHalt(h)
		case <-o.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

// applyHalt turns a guardrail breach into a cancellation of the live
// attempt. The attempt lands in failed with the halt reason, distinct from
// an execution-originated failure.
func (o *Orchestrator) applyHalt(h accounting.Halt) {
	o.mu.Lock()
	handle := o.handles[h.AttemptID]
	if _, exists := o.outcomes[h.AttemptID]; !exists {
		o.outcomes[h.AttemptID] = &forcedOutcome{
			status:     task.StatusFailed,
			haltReason: h.Reason,
			errText:    "guardrail halt: " + h.Reason,
		}
	}
	o.mu.Unlock()

	o.logger.Warn("guardrail halt", "workspace_id", h.WorkspaceID, "attempt_id", h.AttemptID, "reason", h.Reason)
	o.hub.Publish(events.Event{
		Type:        "attempt.halted",
		WorkspaceID: h.WorkspaceID,
		AttemptID:   h.AttemptID,
		Details:     map[string]string{"reason": h.Reason},
	})

	if handle != nil {
		handle.Cancel()
	}
}

// evaluateAttempt is the accountant's guardrail hook, re-run on every sample.
func (o *Orchestrator) evaluateAttempt(ctx context.Context, attemptID string, agg accounting.Aggregate) guardrail.Decision {
	o.mu.Lock()
	ac := o.contexts[attemptID]
	o.mu.Unlock()
	if ac == nil {
		return guardrail.Decision{Allow: true}
	}

	approved := false
	if ac.guardrails.RequiresHumanApproval {
		var err error
		approved, err = o.attempts.IsApproved(ctx, ac.taskID)
		if err != nil {
			o.logger.Error("approval lookup failed", "task_id", ac.taskID, "error", err)
		}
	}

	startedAt := ac.startedAt
	return guardrail.Evaluate(guardrail.Input{
		Guardrails: ac.guardrails,
		Approved:   approved,
		CostUSD:    agg.CostUSD,
		StartedAt:  &startedAt,
		Now:        time.Now().UTC(),
	})
}

// CancelAttempt stops a live attempt at an operator's request. The attempt
// is marked cancelled immediately; the owning workspace stays unavailable
// until its worker observes the process exit.
func (o *Orchestrator) CancelAttempt(ctx context.Context, attemptID, requestedBy string) error {
	o.mu.Lock()
	handle := o.handles[attemptID]
	_, owned := o.contexts[attemptID]
	if handle != nil || owned {
		if _, exists := o.outcomes[attemptID]; !exists {
			o.outcomes[attemptID] = &forcedOutcome{
				status:  task.StatusCancelled,
				errText: "cancelled by " + requestedBy,
			}
		}
	}
	o.mu.Unlock()

	if handle != nil {
		handle.Cancel()
		return nil
	}
	if owned {
		// A worker holds the attempt but hasn't registered a handle yet
		// (it is mid-spawn). It observes the forced outcome as soon as the
		// handle exists and signals the process then.
		return nil
	}

	// Not running: cancel the record directly if it is still live.
	a, err := o.attempts.Get(ctx, attemptID)
	if err != nil {
		return err
	}
	if a.Status.IsTerminal() {
		return task.ErrAlreadyTerminal
	}
	_, err = o.attempts.Complete(ctx, attemptID, task.TerminalUpdate{
		Status: task.StatusCancelled,
		Error:  "cancelled by " + requestedBy,
	})
	return err
}

// PauseWorkspace suspends a running workspace. The reservation is kept; the
// attempt's guardrails continue to be evaluated on each sample.
func (o *Orchestrator) PauseWorkspace(ctx context.Context, workspaceID string) error {
	a, err := o.attempts.ActiveForWorkspace(ctx, workspaceID)
	if err != nil {
		return err
	}
	if a != nil && a.Status == task.StatusRunning {
		if err := o.attempts.Transition(ctx, a.ID, task.StatusPaused); err != nil {
			return err
		}
	}
	if err := o.workspaces.Transition(ctx, workspaceID, workspace.StatusPaused); err != nil {
		return err
	}
	o.hub.Publish(events.Event{Type: "workspace.paused", WorkspaceID: workspaceID})
	return nil
}

// ResumeWorkspace puts a paused workspace back to running.
func (o *Orchestrator) ResumeWorkspace(ctx context.Context, workspaceID string) error {
	a, err := o.attempts.ActiveForWorkspace(ctx, workspaceID)
	if err != nil {
		return err
	}
	if a != nil && a.Status == task.StatusPaused {
		if err := o.attempts.Transition(ctx, a.ID, task.StatusRunning); err != nil {
			return err
		}
	}
	if err := o.workspaces.Transition(ctx, workspaceID, workspace.StatusRunning); err != nil {
		return err
	}
	o.hub.Publish(events.Event{Type: "workspace.resumed", WorkspaceID: workspaceID})
	return nil
}

// ApproveTask records a human approval for a task's guardrail gate.
func (o *Orchestrator) ApproveTask(ctx context.Context, taskID, approvedBy string) error {
	if err := o.attempts.Approve(ctx, taskID, approvedBy); err != nil {
		return err
	}
	o.hub.Publish(events.Event{
		Type:    "task.approved",
		TaskID:  taskID,
		Details: map[string]string{"approved_by": approvedBy},
	})
	return nil
}

func (o *Orchestrator) setOutcome(attemptID string, out forcedOutcome) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, exists := o.outcomes[attemptID]; !exists {
		o.outcomes[attemptID] = &out
	}
}

func (o *Orchestrator) cleanupOrphanDirs(ctx context.Context) {
	live := make(map[string]bool)
	list, err := o.workspaces.ListByStatus(ctx,
		workspace.StatusCreating, workspace.StatusInitializing, workspace.StatusCloning,
		workspace.StatusReady, workspace.StatusAssigned, workspace.StatusRunning,
		workspace.StatusPaused, workspace.StatusCompleted, workspace.StatusFailed,
		workspace.StatusCleanup)
	if err != nil {
		o.logger.Error("failed to list workspaces for cleanup", "error", err)
		return
	}
	for _, ws := range list {
		live[ws.ID] = true
	}

	report, err := o.provisioner.CleanupOrphans(ctx, o.cfg.Workspaces.ArchiveRetention,
		func(id string) bool { return live[id] })
	if err != nil {
		o.logger.Error("orphan cleanup failed", "error", err)
		return
	}
	if report.DeletedDirs > 0 {
		o.logger.Info("removed orphaned workspace directories", "count", report.DeletedDirs)
	}
}
