package archive

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// FS archives raw pages under a base directory on the local filesystem.
type FS struct {
	baseDir string
}

// NewFS verifies baseDir exists (creating it if needed) and is
// writable.
func NewFS(baseDir string) (*FS, error) {
	if strings.TrimSpace(baseDir) == "" {
		return nil, fmt.Errorf("base directory is required")
	}

	info, err := os.Stat(baseDir)
	switch {
	case os.IsNotExist(err):
		if err := os.MkdirAll(baseDir, 0o750); err != nil {
			return nil, fmt.Errorf("create base directory: %w", err)
		}
	case err != nil:
		return nil, fmt.Errorf("stat base directory: %w", err)
	case !info.IsDir():
		return nil, fmt.Errorf("base directory path is not a directory")
	}

	probe := filepath.Join(baseDir, ".writable_probe")
	if err := os.WriteFile(probe, []byte("ok"), 0o600); err != nil {
		return nil, fmt.Errorf("base directory is not writable: %w", err)
	}
	if err := os.Remove(probe); err != nil {
		return nil, fmt.Errorf("remove probe file: %w", err)
	}

	return &FS{baseDir: baseDir}, nil
}

// Save writes data to objectName under the base directory, creating
// parent directories as needed. Paths that escape the base directory
// are rejected.
func (f *FS) Save(_ context.Context, objectName string, data []byte) error {
	if strings.TrimSpace(objectName) == "" {
		return fmt.Errorf("object name is required")
	}

	full := filepath.Join(f.baseDir, filepath.FromSlash(objectName))
	base := filepath.Clean(f.baseDir)
	if !strings.HasPrefix(filepath.Clean(full), base+string(filepath.Separator)) {
		return fmt.Errorf("object name escapes base directory: %s", objectName)
	}

	if err := os.MkdirAll(filepath.Dir(full), 0o750); err != nil {
		return fmt.Errorf("create parent directories: %w", err)
	}
	if err := os.WriteFile(full, data, 0o600); err != nil {
		return fmt.Errorf("write archive file: %w", err)
	}
	return nil
}
