package runner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os/exec"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/mbeckett/warden/internal/accounting"
	"github.com/mbeckett/warden/internal/log"
)

const (
	// maxStderrBytes caps captured stderr from attempt execution.
	maxStderrBytes = 64 * 1024

	// maxOutputBytes caps captured stdout.
	maxOutputBytes = 1 << 20

	// terminationGracePeriod is the wait after SIGTERM before SIGKILL.
	terminationGracePeriod = 5 * time.Second
)

// LocalRunner executes attempt commands as subprocesses in the workspace
// directory via the shell. It is the in-process stand-in for a stronger
// sandbox; isolation mechanics live behind the Runner interface.
type LocalRunner struct {
	logger *slog.Logger
}

var _ Runner = (*LocalRunner)(nil)

func NewLocalRunner() *LocalRunner {
	return &LocalRunner{logger: log.WithComponent("runner")}
}

type localHandle struct {
	cancelOnce sync.Once
	cancelCh   chan struct{}
	samples    chan accounting.Sample
	done       chan TerminalEvent
}

func (h *localHandle) Cancel() {
	h.cancelOnce.Do(func() { close(h.cancelCh) })
}

func (h *localHandle) Samples() <-chan accounting.Sample { return h.samples }
func (h *localHandle) Done() <-chan TerminalEvent        { return h.done }

// StartAttempt spawns the attempt's command and returns a handle. The
// command runs with the workspace directory as its working directory.
func (r *LocalRunner) StartAttempt(ctx context.Context, spec AttemptSpec) (Handle, error) {
	if spec.Command == "" {
		return nil, fmt.Errorf("attempt command is empty")
	}
	if spec.Dir == "" {
		return nil, fmt.Errorf("attempt workspace directory is empty")
	}
	if spec.SampleInterval <= 0 {
		spec.SampleInterval = 5 * time.Second
	}

	// Don't use CommandContext: termination is managed explicitly so a
	// SIGTERM grace period can run before SIGKILL.
	cmd := exec.Command("/bin/sh", "-c", spec.Command)
	cmd.Dir = spec.Dir
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	logger := r.logger.With("workspace_id", spec.WorkspaceID, "attempt_id", spec.AttemptID)
	logger.Debug("spawning attempt", "dir", spec.Dir)

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start attempt process: %w", err)
	}

	h := &localHandle{
		cancelCh: make(chan struct{}),
		samples:  make(chan accounting.Sample, 16),
		done:     make(chan TerminalEvent, 1),
	}

	waitErr := make(chan error, 1)
	go func() { waitErr <- cmd.Wait() }()

	go r.supervise(ctx, cmd, spec, h, waitErr, &stdout, &stderr, logger)

	return h, nil
}

func (r *LocalRunner) supervise(
	ctx context.Context,
	cmd *exec.Cmd,
	spec AttemptSpec,
	h *localHandle,
	waitErr <-chan error,
	stdout, stderr *bytes.Buffer,
	logger *slog.Logger,
) {
	startedAt := time.Now()
	ticker := time.NewTicker(spec.SampleInterval)
	defer ticker.Stop()
	defer close(h.samples)

	finish := func(err error) {
		h.done <- buildTerminal(err, stdout, stderr)
		close(h.done)
	}

	for {
		select {
		case err := <-waitErr:
			finish(err)
			return

		case <-ticker.C:
			sample := r.sample(spec, startedAt)
			select {
			case h.samples <- sample:
			default:
				// Slow consumers drop samples rather than stall the process.
			}

		case <-h.cancelCh:
			logger.Warn("attempt cancelled, sending SIGTERM to process group")
			r.terminate(cmd, waitErr, logger)
			finish(fmt.Errorf("attempt terminated"))
			return

		case <-ctx.Done():
			logger.Warn("context cancelled, terminating attempt")
			r.terminate(cmd, waitErr, logger)
			finish(ctx.Err())
			return
		}
	}
}

// terminate sends SIGTERM to the process group, waits out the grace period,
// then escalates to SIGKILL.
func (r *LocalRunner) terminate(cmd *exec.Cmd, waitErr <-chan error, logger *slog.Logger) {
	if cmd.Process == nil {
		return
	}
	if err := syscall.Kill(-cmd.Process.Pid, syscall.SIGTERM); err != nil {
		logger.Error("failed to send SIGTERM", "error", err)
	}

	grace := time.NewTimer(terminationGracePeriod)
	defer grace.Stop()

	select {
	case <-waitErr:
		logger.Info("attempt exited after SIGTERM")
	case <-grace.C:
		logger.Warn("grace period expired, sending SIGKILL")
		if err := syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL); err != nil {
			logger.Error("failed to send SIGKILL", "error", err)
		}
		<-waitErr
	}
}

func (r *LocalRunner) sample(spec AttemptSpec, startedAt time.Time) accounting.Sample {
	diskBytes, _ := dirUsage(spec.Dir)
	elapsedMin := time.Since(startedAt).Minutes()
	return accounting.Sample{
		WorkspaceID: spec.WorkspaceID,
		AttemptID:   spec.AttemptID,
		DiskBytes:   diskBytes,
		ExecCount:   1,
		CostUSD:     elapsedMin * spec.CostPerMinute,
		SampledAt:   time.Now().UTC(),
	}
}

func buildTerminal(err error, stdout, stderr *bytes.Buffer) TerminalEvent {
	ev := TerminalEvent{
		Output: truncate(stdout.String(), maxOutputBytes),
		Stderr: truncate(stderr.String(), maxStderrBytes),
	}
	if err == nil {
		return ev
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		ev.ExitCode = exitErr.ExitCode()
		return ev
	}
	ev.ExitCode = -1
	ev.SpawnError = err.Error()
	return ev
}

func truncate(s string, max int) string {
	if len(s) > max {
		return s[:max]
	}
	return s
}

func dirUsage(dir string) (int64, error) {
	var total int64
	err := filepath.WalkDir(dir, func(_ string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		total += info.Size()
		return nil
	})
	return total, err
}
