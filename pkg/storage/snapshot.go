package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/psinet-ops/psinet/pkg/psinet"
)

// WriteFileAtomic writes data next to path and renames it into place, so
// readers of path see the old or the new content and never a partial file
func WriteFileAtomic(path string, data []byte, perm os.FileMode) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".new-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmp.Name()

	success := false
	defer func() {
		if !success {
			_ = os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Chmod(tmpPath, perm); err != nil {
		return fmt.Errorf("failed to set permissions: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("failed to rename temp file: %w", err)
	}

	success = true
	return nil
}

// ReadSnapshot loads a compartmentalized network written by WriteFileAtomic.
// The result is unlocked and only fit for reading.
func ReadSnapshot(path string) (*psinet.Network, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read snapshot: %w", err)
	}
	var n psinet.Network
	if err := json.Unmarshal(data, &n); err != nil {
		return nil, fmt.Errorf("%w: snapshot %s: %v", ErrDataCorruption, path, err)
	}
	return &n, nil
}
