package workspace

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/mbeckett/warden/internal/storage"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	db, err := storage.OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "state.db"))
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return NewStore(db)
}

func seedDevice(t *testing.T, s *Store) {
	t.Helper()
	_, err := s.db.Exec(
		`INSERT INTO devices(id, name, max_workspaces, max_disk_mb) VALUES('dev-1', 'test', 4, 1000);`)
	if err != nil {
		t.Fatalf("seed device: %v", err)
	}
}

func TestCreateAndGet(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := testStore(t)
	seedDevice(t, s)

	ws, err := s.Create(ctx, "ws-1", "dev-1", "task-1", "/tmp/ws-1")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if ws.Status != StatusCreating {
		t.Fatalf("new workspace status=%s, want creating", ws.Status)
	}

	got, err := s.Get(ctx, "ws-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.DeviceID != "dev-1" || got.TaskID != "task-1" || got.Dir != "/tmp/ws-1" {
		t.Fatalf("unexpected workspace: %#v", got)
	}

	if _, err := s.Get(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestTransitionStampsTimestamps(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := testStore(t)
	seedDevice(t, s)
	if _, err := s.Create(ctx, "ws-1", "dev-1", "task-1", "/tmp/ws-1"); err != nil {
		t.Fatalf("Create: %v", err)
	}

	path := []Status{
		StatusInitializing, StatusCloning, StatusReady,
		StatusAssigned, StatusRunning, StatusCompleted, StatusArchived,
	}
	for _, st := range path {
		if err := s.Transition(ctx, "ws-1", st); err != nil {
			t.Fatalf("Transition to %s: %v", st, err)
		}
	}

	ws, _ := s.Get(ctx, "ws-1")
	if ws.ReadyAt == nil || ws.AssignedAt == nil || ws.RunningAt == nil ||
		ws.CompletedAt == nil || ws.ArchivedAt == nil {
		t.Fatalf("phase timestamps missing: %#v", ws)
	}
}

func TestTransitionRejectsIllegalMoves(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := testStore(t)
	seedDevice(t, s)
	if _, err := s.Create(ctx, "ws-1", "dev-1", "task-1", "/tmp/ws-1"); err != nil {
		t.Fatalf("Create: %v", err)
	}

	// creating cannot skip straight to running.
	if err := s.Transition(ctx, "ws-1", StatusRunning); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}

	// archived is a dead end.
	if err := s.Transition(ctx, "ws-1", StatusArchived); err != nil {
		t.Fatalf("archive: %v", err)
	}
	if err := s.Transition(ctx, "ws-1", StatusAssigned); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition out of archived, got %v", err)
	}
}

func TestReuseAfterTerminalAttempt(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := testStore(t)
	seedDevice(t, s)
	if _, err := s.Create(ctx, "ws-1", "dev-1", "task-1", "/tmp/ws-1"); err != nil {
		t.Fatalf("Create: %v", err)
	}
	for _, st := range []Status{StatusInitializing, StatusCloning, StatusReady, StatusAssigned, StatusRunning, StatusFailed} {
		if err := s.Transition(ctx, "ws-1", st); err != nil {
			t.Fatalf("Transition to %s: %v", st, err)
		}
	}

	// A retry reassigns the same workspace.
	if err := s.Transition(ctx, "ws-1", StatusAssigned); err != nil {
		t.Fatalf("reassign for retry: %v", err)
	}
}

func TestMarkFailedRecordsReason(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := testStore(t)
	seedDevice(t, s)
	if _, err := s.Create(ctx, "ws-1", "dev-1", "task-1", "/tmp/ws-1"); err != nil {
		t.Fatalf("Create: %v", err)
	}

	if err := s.MarkFailed(ctx, "ws-1", "template missing"); err != nil {
		t.Fatalf("MarkFailed: %v", err)
	}
	ws, _ := s.Get(ctx, "ws-1")
	if ws.Status != StatusFailed || ws.FailReason == nil || *ws.FailReason != "template missing" {
		t.Fatalf("unexpected failed workspace: %#v", ws)
	}
}

func TestFindByTaskSkipsArchived(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := testStore(t)
	seedDevice(t, s)

	if _, err := s.Create(ctx, "ws-old", "dev-1", "task-1", "/tmp/a"); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := s.Transition(ctx, "ws-old", StatusArchived); err != nil {
		t.Fatalf("archive: %v", err)
	}

	found, err := s.FindByTask(ctx, "task-1")
	if err != nil || found != nil {
		t.Fatalf("archived workspace should not be found: %v, %v", found, err)
	}

	if _, err := s.Create(ctx, "ws-new", "dev-1", "task-1", "/tmp/b"); err != nil {
		t.Fatalf("Create: %v", err)
	}
	found, err = s.FindByTask(ctx, "task-1")
	if err != nil || found == nil || found.ID != "ws-new" {
		t.Fatalf("expected ws-new, got %v, %v", found, err)
	}
}

func TestListByStatus(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := testStore(t)
	seedDevice(t, s)

	for _, id := range []string{"ws-1", "ws-2", "ws-3"} {
		if _, err := s.Create(ctx, id, "dev-1", "task-"+id, "/tmp/"+id); err != nil {
			t.Fatalf("Create %s: %v", id, err)
		}
	}
	if err := s.Transition(ctx, "ws-3", StatusArchived); err != nil {
		t.Fatalf("archive: %v", err)
	}

	list, err := s.ListByStatus(ctx, StatusCreating)
	if err != nil {
		t.Fatalf("ListByStatus: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("expected 2 creating workspaces, got %d", len(list))
	}

	list, err = s.ListByStatus(ctx, StatusCreating, StatusArchived)
	if err != nil || len(list) != 3 {
		t.Fatalf("expected 3 workspaces across statuses, got %d, %v", len(list), err)
	}
}

func TestEventTrail(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := testStore(t)
	seedDevice(t, s)
	if _, err := s.Create(ctx, "ws-1", "dev-1", "task-1", "/tmp/ws-1"); err != nil {
		t.Fatalf("Create: %v", err)
	}

	if _, err := s.RecordEvent(ctx, "ws-1", "provisioning", "info", "workspace ready", nil); err != nil {
		t.Fatalf("RecordEvent: %v", err)
	}
	if _, err := s.RecordEvent(ctx, "ws-1", "attempt", "error", "attempt failed",
		map[string]string{"attempt_id": "a-1", "exit_code": "2"}); err != nil {
		t.Fatalf("RecordEvent with details: %v", err)
	}

	evs, err := s.Events(ctx, "ws-1")
	if err != nil {
		t.Fatalf("Events: %v", err)
	}
	if len(evs) != 2 {
		t.Fatalf("expected 2 events, got %d", len(evs))
	}
	if evs[0].Message != "workspace ready" || evs[0].Details != nil {
		t.Fatalf("unexpected first event: %#v", evs[0])
	}
	if evs[1].Details["exit_code"] != "2" {
		t.Fatalf("event details lost: %#v", evs[1])
	}
}
