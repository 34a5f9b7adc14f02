package sandbox

import (
	"os"
	"path/filepath"
)

// readScopedFile and writeScopedFile back the fs_read/fs_write host
// functions. Callers have already resolved and validated the path against
// a Capabilities.FSRoot; these just perform the I/O.
func readScopedFile(path string) ([]byte, error) {
	return os.ReadFile(path)
}

func writeScopedFile(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}
