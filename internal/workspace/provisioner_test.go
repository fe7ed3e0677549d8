package workspace

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestInitializeCreatesMarkerAndArtifactsDir(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	base := t.TempDir()
	p, err := NewProvisioner(base, "")
	if err != nil {
		t.Fatalf("NewProvisioner: %v", err)
	}

	if err := p.Initialize(ctx, "ws-1"); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	dir, _ := p.Dir("ws-1")
	if _, err := os.Stat(filepath.Join(dir, markerFile)); err != nil {
		t.Fatalf("marker file missing: %v", err)
	}
	if fi, err := os.Stat(filepath.Join(dir, "artifacts")); err != nil || !fi.IsDir() {
		t.Fatalf("artifacts dir missing: %v", err)
	}

	// A second Initialize for the same ID must fail: workspace dirs are
	// single-use.
	if err := p.Initialize(ctx, "ws-1"); err == nil {
		t.Fatal("expected second Initialize to fail")
	}
}

func TestCloneTemplateHardlinksTree(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	template := t.TempDir()
	if err := os.MkdirAll(filepath.Join(template, "nested"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(template, "README.md"), []byte("hello"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := os.WriteFile(filepath.Join(template, "nested", "data.txt"), []byte("content"), 0o644); err != nil {
		t.Fatalf("write nested: %v", err)
	}

	p, err := NewProvisioner(t.TempDir(), template)
	if err != nil {
		t.Fatalf("NewProvisioner: %v", err)
	}
	if err := p.Initialize(ctx, "ws-1"); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if err := p.CloneTemplate(ctx, "ws-1"); err != nil {
		t.Fatalf("CloneTemplate: %v", err)
	}

	dir, _ := p.Dir("ws-1")
	got, err := os.ReadFile(filepath.Join(dir, "nested", "data.txt"))
	if err != nil || string(got) != "content" {
		t.Fatalf("cloned file: %q, %v", got, err)
	}

	bytes, files, err := p.Usage(ctx, "ws-1")
	if err != nil {
		t.Fatalf("Usage: %v", err)
	}
	// marker + README.md + nested/data.txt
	if files != 3 || bytes == 0 {
		t.Fatalf("usage: files=%d bytes=%d", files, bytes)
	}
}

func TestCloneTemplateWithoutTemplateIsNoop(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	p, err := NewProvisioner(t.TempDir(), "")
	if err != nil {
		t.Fatalf("NewProvisioner: %v", err)
	}
	if err := p.Initialize(ctx, "ws-1"); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if err := p.CloneTemplate(ctx, "ws-1"); err != nil {
		t.Fatalf("CloneTemplate: %v", err)
	}
}

func TestRemoveToleratesMissingDir(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	p, err := NewProvisioner(t.TempDir(), "")
	if err != nil {
		t.Fatalf("NewProvisioner: %v", err)
	}
	if err := p.Remove(ctx, "never-created"); err != nil {
		t.Fatalf("Remove of missing dir: %v", err)
	}

	if err := p.Initialize(ctx, "ws-1"); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if err := p.Remove(ctx, "ws-1"); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	dir, _ := p.Dir("ws-1")
	if _, err := os.Stat(dir); !os.IsNotExist(err) {
		t.Fatalf("workspace dir still present: %v", err)
	}
}

func TestValidateWorkspaceID(t *testing.T) {
	t.Parallel()

	p, err := NewProvisioner(t.TempDir(), "")
	if err != nil {
		t.Fatalf("NewProvisioner: %v", err)
	}
	for _, bad := range []string{"", "../escape", "a/b", "a b", "x;rm"} {
		if _, err := p.Dir(bad); err == nil {
			t.Errorf("Dir(%q): expected validation error", bad)
		}
	}
	if _, err := p.Dir("ws_OK-123"); err != nil {
		t.Errorf("Dir rejected valid ID: %v", err)
	}
}

func TestCleanupOrphans(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	base := t.TempDir()
	p, err := NewProvisioner(base, "")
	if err != nil {
		t.Fatalf("NewProvisioner: %v", err)
	}
	for _, id := range []string{"ws-live", "ws-orphan"} {
		if err := p.Initialize(ctx, id); err != nil {
			t.Fatalf("Initialize %s: %v", id, err)
		}
	}
	// A directory without a marker is not ours to delete.
	if err := os.MkdirAll(filepath.Join(base, "unrelated"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}

	// Make everything look old.
	p.now = func() time.Time { return time.Now().Add(48 * time.Hour) }

	report, err := p.CleanupOrphans(ctx, 24*time.Hour, func(id string) bool { return id == "ws-live" })
	if err != nil {
		t.Fatalf("CleanupOrphans: %v", err)
	}
	if report.DeletedDirs != 1 {
		t.Fatalf("deleted %d dirs, want 1", report.DeletedDirs)
	}

	liveDir, _ := p.Dir("ws-live")
	if _, err := os.Stat(liveDir); err != nil {
		t.Fatalf("kept workspace removed: %v", err)
	}
	orphanDir, _ := p.Dir("ws-orphan")
	if _, err := os.Stat(orphanDir); !os.IsNotExist(err) {
		t.Fatalf("orphan survived cleanup: %v", err)
	}
	if _, err := os.Stat(filepath.Join(base, "unrelated")); err != nil {
		t.Fatalf("unmarked dir removed: %v", err)
	}
}

func TestStatusTransitionsTable(t *testing.T) {
	t.Parallel()

	legal := []struct{ from, to Status }{
		{StatusCreating, StatusInitializing},
		{StatusCloning, StatusReady},
		{StatusReady, StatusAssigned},
		{StatusRunning, StatusPaused},
		{StatusPaused, StatusRunning},
		{StatusCompleted, StatusAssigned},
		{StatusFailed, StatusArchived},
		{StatusCleanup, StatusArchived},
	}
	for _, tc := range legal {
		if !CanTransition(tc.from, tc.to) {
			t.Errorf("expected %s -> %s to be legal", tc.from, tc.to)
		}
	}

	illegal := []struct{ from, to Status }{
		{StatusCreating, StatusRunning},
		{StatusReady, StatusCompleted},
		{StatusArchived, StatusAssigned},
		{StatusPaused, StatusAssigned},
	}
	for _, tc := range illegal {
		if CanTransition(tc.from, tc.to) {
			t.Errorf("expected %s -> %s to be illegal", tc.from, tc.to)
		}
	}

	if !StatusArchived.IsTerminal() || StatusFailed.IsTerminal() {
		t.Fatal("archived is the only terminal workspace status")
	}
	if !StatusPaused.HoldsReservation() || StatusArchived.HoldsReservation() {
		t.Fatal("paused holds its reservation, archived does not")
	}
}
