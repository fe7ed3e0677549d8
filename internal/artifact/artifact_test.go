package artifact

import (
	"os"
	"path/filepath"
	"testing"
)

func writeArtifact(t *testing.T, workspaceDir, rel, content string) {
	t.Helper()
	path := filepath.Join(workspaceDir, Dir, rel)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func TestCollectReturnsChecksummedRefs(t *testing.T) {
	t.Parallel()

	ws := t.TempDir()
	writeArtifact(t, ws, "report.md", "# findings\n")
	writeArtifact(t, ws, "data/rows.csv", "a,b\n1,2\n")

	refs, err := Collect(ws)
	if err != nil {
		t.Fatalf("Collect: %v", err)
	}
	if len(refs) != 2 {
		t.Fatalf("collected %d refs, want 2", len(refs))
	}

	byPath := map[string]int64{}
	for _, ref := range refs {
		if ref.Blake3 == "" || len(ref.Blake3) != 64 {
			t.Fatalf("bad checksum for %s: %q", ref.Path, ref.Blake3)
		}
		byPath[ref.Path] = ref.SizeBytes
	}
	if byPath["report.md"] != int64(len("# findings\n")) {
		t.Fatalf("sizes: %#v", byPath)
	}
	if _, ok := byPath[filepath.Join("data", "rows.csv")]; !ok {
		t.Fatalf("nested artifact missing: %#v", byPath)
	}

	for _, ref := range refs {
		if err := Verify(ws, ref); err != nil {
			t.Fatalf("Verify(%s): %v", ref.Path, err)
		}
	}
}

func TestCollectWithoutArtifactsDir(t *testing.T) {
	t.Parallel()

	refs, err := Collect(t.TempDir())
	if err != nil {
		t.Fatalf("Collect: %v", err)
	}
	if refs != nil {
		t.Fatalf("expected no refs, got %#v", refs)
	}
}

func TestVerifyDetectsTampering(t *testing.T) {
	t.Parallel()

	ws := t.TempDir()
	writeArtifact(t, ws, "out.txt", "original")

	refs, err := Collect(ws)
	if err != nil || len(refs) != 1 {
		t.Fatalf("Collect: %v, refs=%d", err, len(refs))
	}

	if err := os.WriteFile(filepath.Join(ws, Dir, "out.txt"), []byte("tampered"), 0o644); err != nil {
		t.Fatalf("overwrite: %v", err)
	}
	if err := Verify(ws, refs[0]); err == nil {
		t.Fatal("expected checksum mismatch after tampering")
	}
}

func TestChecksumIsStable(t *testing.T) {
	t.Parallel()

	ws := t.TempDir()
	writeArtifact(t, ws, "a.txt", "same content")
	writeArtifact(t, ws, "b.txt", "same content")

	sumA, err := Checksum(filepath.Join(ws, Dir, "a.txt"))
	if err != nil {
		t.Fatalf("Checksum: %v", err)
	}
	sumB, err := Checksum(filepath.Join(ws, Dir, "b.txt"))
	if err != nil {
		t.Fatalf("Checksum: %v", err)
	}
	if sumA != sumB {
		t.Fatalf("identical content hashed differently: %s vs %s", sumA, sumB)
	}
}
