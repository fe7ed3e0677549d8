package artifact

import (
	"encoding/hex"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/zeebo/blake3"

	"github.com/mbeckett/warden/internal/registry"
)

// Dir is the subdirectory of a workspace where attempts leave their
// deliverables. Only files under it become artifact references.
const Dir = "artifacts"

// Checksum computes the BLAKE3 hash of a file.
func Checksum(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read artifact: %w", err)
	}
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// Collect walks the workspace's artifacts directory and returns a checksummed
// reference for every regular file, paths relative to the artifacts root. A
// missing artifacts directory yields an empty slice.
func Collect(workspaceDir string) ([]registry.ArtifactRef, error) {
	root := filepath.Join(workspaceDir, Dir)
	if _, err := os.Stat(root); os.IsNotExist(err) {
		return nil, nil
	}

	var refs []registry.ArtifactRef
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if d.IsDir() || !d.Type().IsRegular() {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return err
		}
		sum, err := Checksum(path)
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		refs = append(refs, registry.ArtifactRef{
			Path:      rel,
			SizeBytes: info.Size(),
			Blake3:    sum,
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("collect artifacts: %w", err)
	}
	return refs, nil
}

// Verify re-hashes a collected artifact and compares it to its reference.
func Verify(workspaceDir string, ref registry.ArtifactRef) error {
	sum, err := Checksum(filepath.Join(workspaceDir, Dir, ref.Path))
	if err != nil {
		return err
	}
	if sum != ref.Blake3 {
		return fmt.Errorf("checksum mismatch for %s: expected %s, got %s", ref.Path, ref.Blake3, sum)
	}
	return nil
}
