package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"runtime/debug"
	"strings"
	"syscall"
	"time"

	"github.com/mbeckett/warden/internal/accounting"
	"github.com/mbeckett/warden/internal/api"
	"github.com/mbeckett/warden/internal/config"
	"github.com/mbeckett/warden/internal/events"
	"github.com/mbeckett/warden/internal/ledger"
	"github.com/mbeckett/warden/internal/lock"
	"github.com/mbeckett/warden/internal/log"
	"github.com/mbeckett/warden/internal/orchestrator"
	"github.com/mbeckett/warden/internal/registry"
	"github.com/mbeckett/warden/internal/runner"
	"github.com/mbeckett/warden/internal/storage"
	"github.com/mbeckett/warden/internal/task"
	"github.com/mbeckett/warden/internal/workspace"
)

var (
	version   = "0.1.0-dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

func main() {
	os.Exit(runCLI(os.Args[1:]))
}

func runCLI(cliArgs []string) int {
	if len(cliArgs) < 1 {
		printUsage()
		return 1
	}

	cmd := cliArgs[0]
	args := cliArgs[1:]

	switch cmd {
	case "start":
		return runStart(args)
	case "status":
		return runStatus(args)
	case "version", "--version":
		return runVersion(args)
	case "help", "--help", "-h":
		printUsage()
		return 0
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		printUsage()
		return 1
	}
}

func runStart(args []string) int {
	fs := flag.NewFlagSet("start", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse flags: %v\n", err)
		return 1
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}

	log.Setup(cfg.Log.Level, cfg.Log.Format)
	logger := log.WithComponent("main")
	logger.Info("warden starting", "version", version, "agent_id", cfg.Agent.ID)

	pidLock, err := lock.Acquire(cfg.Agent.LockPath)
	if err != nil {
		logger.Error("failed to acquire PID lock (another agent may be running)",
			"path", cfg.Agent.LockPath, "error", err)
		return 1
	}
	defer pidLock.Release()
	logger.Info("acquired PID lock", "path", pidLock.Path())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := storage.OpenSQLite(ctx, cfg.State.Path)
	if err != nil {
		logger.Error("failed to open database", "path", cfg.State.Path, "error", err)
		return 1
	}
	defer db.Close()
	logger.Info("database opened", "path", cfg.State.Path)

	gateway, err := registry.NewHTTPGateway(cfg.Agent.RegistryURL, cfg.Agent.ID, cfg.Agent.RegistryToken)
	if err != nil {
		logger.Error("failed to configure registry gateway", "url", cfg.Agent.RegistryURL, "error", err)
		return 1
	}

	provisioner, err := workspace.NewProvisioner(cfg.Workspaces.BaseDir, cfg.Workspaces.TemplateDir)
	if err != nil {
		logger.Error("failed to initialize workspace provisioner",
			"base_dir", cfg.Workspaces.BaseDir, "error", err)
		return 1
	}

	hub := events.NewHub(256)
	capLedger := ledger.New(db)
	workspaces := workspace.NewStore(db)
	attempts := task.NewStore(db)
	accountant := accounting.New(db, nil)

	orch := orchestrator.New(cfg, orchestrator.Deps{
		Gateway:     gateway,
		Ledger:      capLedger,
		Workspaces:  workspaces,
		Provisioner: provisioner,
		Attempts:    attempts,
		Accountant:  accountant,
		Runner:      runner.NewLocalRunner(),
		Hub:         hub,
	})

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	errCh := make(chan error, 2)

	if err := orch.Start(ctx); err != nil {
		logger.Error("orchestrator failed to start", "error", err)
		return 1
	}

	if cfg.API.Enabled {
		apiServer := api.New(api.Config{
			Listen:   cfg.API.Listen,
			APIKey:   cfg.API.APIKey,
			DeviceID: cfg.Device.ID,
		}, orch, workspaces, attempts, capLedger, hub, log.WithComponent("api"))
		go func() {
			if err := apiServer.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
				errCh <- fmt.Errorf("api: %w", err)
			}
		}()
		logger.Info("control API enabled", "listen", cfg.API.Listen)
	}

	logger.Info("warden running (press Ctrl+C to stop)")

	exitCode := 0
	select {
	case sig := <-sigCh:
		logger.Info("received shutdown signal", "signal", sig.String())
	case err := <-errCh:
		logger.Error("component failed", "error", err)
		exitCode = 1
	}

	cancel()
	orch.Stop()
	logger.Info("warden stopped")
	return exitCode
}

func runStatus(args []string) int {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	jsonOut := fs.Bool("json", false, "Output status as JSON")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse flags: %v\n", err)
		return 1
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}

	status := gatherStatus(cfg)

	if *jsonOut {
		data, err := json.MarshalIndent(status, "", "  ")
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to render status JSON: %v\n", err)
			return 1
		}
		fmt.Println(string(data))
		return 0
	}

	if status.Running {
		fmt.Printf("warden is running (pid %d)\n", status.PID)
	} else {
		fmt.Println("warden is not running")
	}
	fmt.Printf("device: %s\n", status.DeviceID)
	fmt.Printf("workspaces: %d/%d, disk: %d/%d MB\n",
		status.WorkspaceCount, status.MaxWorkspaces, status.DiskUsageMB, status.MaxDiskMB)
	for st, n := range status.WorkspacesByStatus {
		fmt.Printf("  %s: %d\n", st, n)
	}
	return 0
}

type agentStatus struct {
	Running            bool           `json:"running"`
	PID                int            `json:"pid,omitempty"`
	DeviceID           string         `json:"device_id"`
	WorkspaceCount     int            `json:"workspace_count"`
	MaxWorkspaces      int            `json:"max_workspaces"`
	DiskUsageMB        int64          `json:"disk_usage_mb"`
	MaxDiskMB          int64          `json:"max_disk_mb"`
	WorkspacesByStatus map[string]int `json:"workspaces_by_status,omitempty"`
}

// gatherStatus reads shared state directly; it works whether or not an agent
// process is live. Liveness is inferred from the PID lock.
func gatherStatus(cfg *config.Config) agentStatus {
	status := agentStatus{
		DeviceID:      cfg.Device.ID,
		MaxWorkspaces: cfg.Device.MaxConcurrentWorkspaces,
		MaxDiskMB:     cfg.Device.MaxDiskMB,
	}

	if lock.Held(cfg.Agent.LockPath) {
		status.Running = true
		if pid, err := lock.ReadPID(cfg.Agent.LockPath); err == nil {
			status.PID = pid
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	db, err := storage.OpenSQLite(ctx, cfg.State.Path)
	if err != nil {
		return status
	}
	defer db.Close()

	if d, err := ledger.New(db).GetDevice(ctx, cfg.Device.ID); err == nil {
		status.WorkspaceCount = d.WorkspaceCount
		status.DiskUsageMB = d.DiskUsageMB
		status.MaxWorkspaces = d.MaxWorkspaces
		status.MaxDiskMB = d.MaxDiskMB
	}

	if list, err := workspace.NewStore(db).List(ctx); err == nil {
		byStatus := make(map[string]int)
		for _, ws := range list {
			byStatus[string(ws.Status)]++
		}
		status.WorkspacesByStatus = byStatus
	}

	return status
}

type versionInfo struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildTime string `json:"build_time"`
}

func runVersion(args []string) int {
	fs := flag.NewFlagSet("version", flag.ContinueOnError)
	jsonOut := fs.Bool("json", false, "Output version metadata as JSON")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	info := currentVersionInfo()

	if *jsonOut {
		data, err := json.MarshalIndent(info, "", "  ")
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to render version JSON: %v\n", err)
			return 1
		}
		fmt.Println(string(data))
		return 0
	}

	fmt.Printf("warden %s\n", info.Version)
	fmt.Printf("commit: %s\n", info.Commit)
	fmt.Printf("built_at: %s\n", info.BuildTime)
	return 0
}

func currentVersionInfo() versionInfo {
	info := versionInfo{
		Version:   strings.TrimSpace(version),
		Commit:    "unknown",
		BuildTime: "unknown",
	}
	if info.Version == "" {
		info.Version = "0.0.0-dev"
	}

	commit := strings.TrimSpace(gitCommit)
	if commit == "" || commit == "unknown" {
		commit = strings.TrimSpace(readBuildSetting("vcs.revision"))
	}
	if commit != "" {
		if len(commit) > 12 {
			commit = commit[:12]
		}
		info.Commit = commit
	}

	builtAt := strings.TrimSpace(buildDate)
	if builtAt == "" || builtAt == "unknown" {
		builtAt = strings.TrimSpace(readBuildSetting("vcs.time"))
	}
	if t, err := time.Parse(time.RFC3339Nano, builtAt); err == nil {
		info.BuildTime = t.UTC().Format(time.RFC3339)
	}

	return info
}

func readBuildSetting(key string) string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return ""
	}
	for _, setting := range info.Settings {
		if setting.Key == key {
			return setting.Value
		}
	}
	return ""
}

func printUsage() {
	fmt.Print(`warden - Guardrail-enforcing task executor agent

Usage:
  warden <command> [flags]

Commands:
  start     Run the agent in the foreground
  status    Show device capacity and workspace states
  version   Show version information
  help      Show this help message

Flags:
  --config <path>   Configuration file or directory (default: ./config.yaml)

The agent polls its registry for pending tasks, admits them against device
capacity, executes each in an isolated workspace, and enforces per-task
guardrails (cost caps, time caps, human approval) on every accounting tick.
`)
}
