package workspace

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const markerFile = ".warden-workspace"

// Provisioner manages per-workspace sandbox directories on local disk.
// Directory layout: <baseDir>/<workspaceID>, with produced artifacts under
// an artifacts/ subdirectory.
type Provisioner struct {
	baseDir     string
	templateDir string
	now         func() time.Time
}

// NewProvisioner creates a filesystem provisioner rooted at baseDir.
// templateDir may be empty; when set it is hardlink-cloned into each new
// workspace during the cloning step.
func NewProvisioner(baseDir, templateDir string) (*Provisioner, error) {
	trimmed := strings.TrimSpace(baseDir)
	if trimmed == "" {
		return nil, fmt.Errorf("workspace base directory is empty")
	}
	return &Provisioner{
		baseDir:     filepath.Clean(trimmed),
		templateDir: strings.TrimSpace(templateDir),
		now:         time.Now,
	}, nil
}

// Dir returns the directory path a workspace will occupy.
func (p *Provisioner) Dir(workspaceID string) (string, error) {
	if err := validateWorkspaceID(workspaceID); err != nil {
		return "", err
	}
	return filepath.Join(p.baseDir, workspaceID), nil
}

// Initialize performs the initializing provisioning step: creates the
// workspace directory and writes the ownership marker.
func (p *Provisioner) Initialize(ctx context.Context, workspaceID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	path, err := p.Dir(workspaceID)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(p.baseDir, 0o755); err != nil {
		return fmt.Errorf("create workspace base directory: %w", err)
	}
	if err := os.Mkdir(path, 0o755); err != nil {
		return fmt.Errorf("create workspace %q: %w", workspaceID, err)
	}
	marker := fmt.Sprintf("workspace_id: %s\ncreated_at: %s\n",
		workspaceID, p.now().UTC().Format(time.RFC3339))
	if err := os.WriteFile(filepath.Join(path, markerFile), []byte(marker), 0o644); err != nil {
		return fmt.Errorf("write workspace marker: %w", err)
	}
	if err := os.Mkdir(filepath.Join(path, "artifacts"), 0o755); err != nil {
		return fmt.Errorf("create artifacts directory: %w", err)
	}
	return nil
}

// CloneTemplate performs the cloning provisioning step: hardlink-copies the
// configured template tree into the workspace. A provisioner without a
// template treats this step as a no-op.
func (p *Provisioner) CloneTemplate(ctx context.Context, workspaceID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if p.templateDir == "" {
		return nil
	}
	path, err := p.Dir(workspaceID)
	if err != nil {
		return err
	}
	if err := p.linkTree(ctx, p.templateDir, path); err != nil {
		return fmt.Errorf("clone template into workspace %q: %w", workspaceID, err)
	}
	return nil
}

// Usage measures total bytes and file count under the workspace directory.
func (p *Provisioner) Usage(ctx context.Context, workspaceID string) (int64, int, error) {
	path, err := p.Dir(workspaceID)
	if err != nil {
		return 0, 0, err
	}

	var bytes int64
	var files int
	err = filepath.WalkDir(path, func(_ string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		bytes += info.Size()
		files++
		return nil
	})
	if err != nil {
		return 0, 0, fmt.Errorf("measure workspace %q: %w", workspaceID, err)
	}
	return bytes, files, nil
}

// Remove deletes the workspace directory. Used at archival after artifacts
// are collected; missing directories are tolerated.
func (p *Provisioner) Remove(ctx context.Context, workspaceID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	path, err := p.Dir(workspaceID)
	if err != nil {
		return err
	}
	if err := os.RemoveAll(path); err != nil {
		return fmt.Errorf("remove workspace %q: %w", workspaceID, err)
	}
	return nil
}

// CleanupReport summarizes an orphan cleanup pass.
type CleanupReport struct {
	DeletedDirs int
}

// CleanupOrphans removes workspace directories older than olderThan that the
// keep predicate does not claim. Directories without a marker file are left
// alone.
func (p *Provisioner) CleanupOrphans(ctx context.Context, olderThan time.Duration, keep func(workspaceID string) bool) (CleanupReport, error) {
	if olderThan <= 0 {
		return CleanupReport{}, fmt.Errorf("olderThan must be positive")
	}

	entries, err := os.ReadDir(p.baseDir)
	if os.IsNotExist(err) {
		return CleanupReport{}, nil
	}
	if err != nil {
		return CleanupReport{}, fmt.Errorf("read workspace base directory: %w", err)
	}

	cutoff := p.now().Add(-olderThan)
	report := CleanupReport{}

	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		if !entry.IsDir() {
			continue
		}
		if keep != nil && keep(entry.Name()) {
			continue
		}

		path := filepath.Join(p.baseDir, entry.Name())
		if _, err := os.Stat(filepath.Join(path, markerFile)); err != nil {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			return report, fmt.Errorf("read workspace entry info %q: %w", entry.Name(), err)
		}
		if info.ModTime().After(cutoff) {
			continue
		}

		if err := os.RemoveAll(path); err != nil {
			return report, fmt.Errorf("remove orphaned workspace %q: %w", entry.Name(), err)
		}
		report.DeletedDirs++
	}

	return report, nil
}

// linkTree hardlinks regular files from srcDir into dstDir, recreating the
// directory structure. Non-regular files (symlinks, sockets) are skipped.
func (p *Provisioner) linkTree(ctx context.Context, srcDir, dstDir string) error {
	srcInfo, err := os.Stat(srcDir)
	if err != nil {
		return fmt.Errorf("stat template directory: %w", err)
	}
	if !srcInfo.IsDir() {
		return fmt.Errorf("template path %q is not a directory", srcDir)
	}

	return filepath.WalkDir(srcDir, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if path == srcDir {
			return nil
		}

		rel, err := filepath.Rel(srcDir, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dstDir, rel)

		if d.IsDir() {
			info, err := d.Info()
			if err != nil {
				return err
			}
			return os.MkdirAll(target, info.Mode().Perm())
		}
		if !d.Type().IsRegular() {
			return nil
		}
		if err := os.Link(path, target); err != nil {
			return fmt.Errorf("link %q: %w", rel, err)
		}
		return nil
	})
}

func validateWorkspaceID(id string) error {
	if id == "" {
		return fmt.Errorf("workspace ID is empty")
	}
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
		default:
			return fmt.Errorf("workspace ID %q contains invalid character %q", id, r)
		}
	}
	return nil
}
