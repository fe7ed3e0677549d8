package config

import "time"

// Config is the complete warden agent configuration.
type Config struct {
	Agent      AgentConfig     `yaml:"agent"`
	Device     DeviceConfig    `yaml:"device"`
	Workspaces WorkspaceConfig `yaml:"workspaces"`
	State      StateConfig     `yaml:"state"`
	API        APIConfig       `yaml:"api,omitempty"`
	Log        LogConfig       `yaml:"log,omitempty"`
}

// AgentConfig defines the agent's identity and registry binding.
type AgentConfig struct {
	ID                 string        `yaml:"id"`
	RegistryURL        string        `yaml:"registry_url"`
	RegistryToken      string        `yaml:"registry_token"`
	PollInterval       time.Duration `yaml:"poll_interval"`
	MaxConcurrentTasks int           `yaml:"max_concurrent_tasks"`
	// AttemptTimeout bounds a single execution attempt. Exceeding it yields
	// status "timeout", distinct from a guardrail time-cap halt.
	AttemptTimeout time.Duration `yaml:"attempt_timeout"`
	// CostPerMinute is the billing rate accrued against a running attempt
	// between explicit cost samples.
	CostPerMinute float64 `yaml:"cost_per_minute"`
	LockPath      string  `yaml:"lock_path"`
}

// DeviceConfig describes the executor host's capacity limits.
type DeviceConfig struct {
	ID                      string `yaml:"id"`
	Name                    string `yaml:"name,omitempty"`
	MaxConcurrentWorkspaces int    `yaml:"max_concurrent_workspaces"`
	MaxDiskMB               int64  `yaml:"max_disk_mb"`
}

// WorkspaceConfig defines sandbox directory settings.
type WorkspaceConfig struct {
	BaseDir string `yaml:"base_dir"`
	// TemplateDir, when set, is hardlink-cloned into each new workspace
	// during the cloning provisioning step.
	TemplateDir      string        `yaml:"template_dir,omitempty"`
	EstimatedDiskMB  int64         `yaml:"estimated_disk_mb"`
	SampleInterval   time.Duration `yaml:"sample_interval"`
	ArchiveRetention time.Duration `yaml:"archive_retention"`
}

// StateConfig defines durable state storage settings.
type StateConfig struct {
	Path string `yaml:"path"`
}

// APIConfig defines the local control API server.
type APIConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
	APIKey  string `yaml:"api_key"`
}

// LogConfig defines logging settings.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Defaults returns a Config with sensible defaults.
func Defaults() *Config {
	return &Config{
		Agent: AgentConfig{
			PollInterval:       15 * time.Second,
			MaxConcurrentTasks: 4,
			AttemptTimeout:     30 * time.Minute,
			CostPerMinute:      0.05,
			LockPath:           "./data/warden.lock",
		},
		Device: DeviceConfig{
			MaxConcurrentWorkspaces: 4,
			MaxDiskMB:               10240,
		},
		Workspaces: WorkspaceConfig{
			BaseDir:          "./data/workspaces",
			EstimatedDiskMB:  512,
			SampleInterval:   5 * time.Second,
			ArchiveRetention: 7 * 24 * time.Hour,
		},
		State: StateConfig{
			Path: "./data/warden.db",
		},
		API: APIConfig{
			Enabled: false,
			Listen:  "127.0.0.1:8787",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}
