package config

import (
	"fmt"
	"strings"
)

// validate checks a loaded configuration for internal consistency.
func validate(cfg *Config) error {
	var problems []string

	if strings.TrimSpace(cfg.Agent.ID) == "" {
		problems = append(problems, "agent.id is required")
	}
	if strings.TrimSpace(cfg.Agent.RegistryURL) == "" {
		problems = append(problems, "agent.registry_url is required")
	}
	if cfg.Agent.PollInterval <= 0 {
		problems = append(problems, "agent.poll_interval must be positive")
	}
	if cfg.Agent.MaxConcurrentTasks <= 0 {
		problems = append(problems, "agent.max_concurrent_tasks must be positive")
	}
	if cfg.Agent.AttemptTimeout <= 0 {
		problems = append(problems, "agent.attempt_timeout must be positive")
	}
	if cfg.Agent.CostPerMinute < 0 {
		problems = append(problems, "agent.cost_per_minute must not be negative")
	}

	if strings.TrimSpace(cfg.Device.ID) == "" {
		problems = append(problems, "device.id is required")
	}
	if cfg.Device.MaxConcurrentWorkspaces <= 0 {
		problems = append(problems, "device.max_concurrent_workspaces must be positive")
	}
	if cfg.Device.MaxDiskMB <= 0 {
		problems = append(problems, "device.max_disk_mb must be positive")
	}

	if strings.TrimSpace(cfg.Workspaces.BaseDir) == "" {
		problems = append(problems, "workspaces.base_dir is required")
	}
	if cfg.Workspaces.EstimatedDiskMB <= 0 {
		problems = append(problems, "workspaces.estimated_disk_mb must be positive")
	}
	if cfg.Workspaces.EstimatedDiskMB > cfg.Device.MaxDiskMB {
		problems = append(problems, "workspaces.estimated_disk_mb exceeds device.max_disk_mb; no workspace could ever be admitted")
	}
	if cfg.Workspaces.SampleInterval <= 0 {
		problems = append(problems, "workspaces.sample_interval must be positive")
	}

	if strings.TrimSpace(cfg.State.Path) == "" {
		problems = append(problems, "state.path is required")
	}

	if cfg.API.Enabled {
		if strings.TrimSpace(cfg.API.Listen) == "" {
			problems = append(problems, "api.listen is required when api.enabled is true")
		}
		if strings.TrimSpace(cfg.API.APIKey) == "" {
			problems = append(problems, "api.api_key is required when api.enabled is true")
		}
	}

	if len(problems) > 0 {
		return fmt.Errorf("%s", strings.Join(problems, "; "))
	}
	return nil
}
