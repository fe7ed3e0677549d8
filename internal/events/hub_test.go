package events

import (
	"testing"
)

func TestPublishAssignsMonotonicIDs(t *testing.T) {
	t.Parallel()

	h := NewHub(8)
	h.Publish(Event{Type: "workspace.created", WorkspaceID: "ws-1"})
	h.Publish(Event{Type: "workspace.ready", WorkspaceID: "ws-1"})

	snap := h.SnapshotSince(0)
	if len(snap) != 2 {
		t.Fatalf("snapshot len=%d, want 2", len(snap))
	}
	if snap[0].ID >= snap[1].ID {
		t.Fatalf("IDs not monotonic: %d, %d", snap[0].ID, snap[1].ID)
	}
	if snap[0].Type != "workspace.created" {
		t.Fatalf("unexpected order: %#v", snap)
	}
	if snap[0].At.IsZero() {
		t.Fatal("timestamp not stamped on publish")
	}
}

func TestSnapshotSinceFiltersByID(t *testing.T) {
	t.Parallel()

	h := NewHub(8)
	for i := 0; i < 5; i++ {
		h.Publish(Event{Type: "orchestrator.tick"})
	}

	all := h.SnapshotSince(0)
	if len(all) != 5 {
		t.Fatalf("full snapshot len=%d", len(all))
	}

	later := h.SnapshotSince(all[2].ID)
	if len(later) != 2 {
		t.Fatalf("filtered snapshot len=%d, want 2", len(later))
	}
	if later[0].ID != all[3].ID {
		t.Fatalf("wrong resume point: %d vs %d", later[0].ID, all[3].ID)
	}
}

func TestRingBufferOverwritesOldest(t *testing.T) {
	t.Parallel()

	h := NewHub(3)
	for i := 0; i < 5; i++ {
		h.Publish(Event{Type: "orchestrator.tick"})
	}

	snap := h.SnapshotSince(0)
	if len(snap) != 3 {
		t.Fatalf("ring snapshot len=%d, want capacity 3", len(snap))
	}
	if snap[0].ID != 3 || snap[2].ID != 5 {
		t.Fatalf("expected IDs 3..5, got %d..%d", snap[0].ID, snap[2].ID)
	}
}

func TestSubscribeDeliversLiveEvents(t *testing.T) {
	t.Parallel()

	h := NewHub(8)
	ch, cancel := h.Subscribe()
	defer cancel()

	h.Publish(Event{
		Type:        "attempt.halted",
		WorkspaceID: "ws-1",
		AttemptID:   "a-1",
		Details:     map[string]string{"reason": "cost_cap_exceeded"},
	})

	ev := <-ch
	if ev.Type != "attempt.halted" || ev.WorkspaceID != "ws-1" || ev.AttemptID != "a-1" {
		t.Fatalf("unexpected event: %#v", ev)
	}
	if ev.Details["reason"] != "cost_cap_exceeded" {
		t.Fatalf("details lost in delivery: %#v", ev.Details)
	}

	cancel()
	if _, ok := <-ch; ok {
		t.Fatal("channel should close on cancel")
	}
	// Cancelling twice is safe.
	cancel()
}
