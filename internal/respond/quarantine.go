package respond

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"
)

// quarantineFile relocates an executable into the quarantine directory under
// a collision-proof name and strips its permissions down to read-only. Rename
// is tried first; a copy-then-remove fallback covers quarantine directories
// on a different filesystem.
func quarantineFile(path, dir string) (string, error) {
	if dir == "" {
		dir = "quarantine"
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("create quarantine directory: %w", err)
	}

	dst, err := quarantineName(dir, filepath.Base(path))
	if err != nil {
		return "", err
	}

	if err := os.Rename(path, dst); err != nil {
		if copyErr := copyAndRemove(path, dst); copyErr != nil {
			return "", fmt.Errorf("relocate %s: %w", path, copyErr)
		}
	}

	// Strip execute bits so nothing runs it from quarantine by accident.
	os.Chmod(dst, 0o400)
	return dst, nil
}

// quarantineName picks an unused destination: original filename plus a
// timestamp suffix, with a counter for same-second collisions.
func quarantineName(dir, base string) (string, error) {
	stamp := time.Now().UTC().Format("20060102T150405")
	for i := 0; i < 1000; i++ {
		name := fmt.Sprintf("%s.%s.quarantined", base, stamp)
		if i > 0 {
			name = fmt.Sprintf("%s.%s-%d.quarantined", base, stamp, i)
		}
		candidate := filepath.Join(dir, name)
		if _, err := os.Stat(candidate); os.IsNotExist(err) {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("no free quarantine name for %s", base)
}

func copyAndRemove(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o400)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(dst)
		return err
	}
	if err := out.Close(); err != nil {
		os.Remove(dst)
		return err
	}
	return os.Remove(src)
}
