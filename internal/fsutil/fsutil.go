// Package fsutil provides the idempotent directory and file primitives used
// throughout the pipeline: ensure/remove directory trees, and the
// write-then-restore template substitution the container driver's scoped
// recipe templating relies on.
package fsutil

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// EnsureDir creates path and all parents if missing. ensure(p); ensure(p) is
// identical in effect to ensure(p) once, per the idempotence law.
func EnsureDir(path string, perm os.FileMode) error {
	return os.MkdirAll(path, perm)
}

// EnsureParent creates the parent directory of a file path.
func EnsureParent(path string, perm os.FileMode) error {
	return EnsureDir(filepath.Dir(path), perm)
}

// RemoveTree deletes path and everything under it. It is not an error for
// path to be absent already.
func RemoveTree(path string) error {
	return os.RemoveAll(path)
}

// SubstituteFile replaces every occurrence of each map key with its value in
// the byte content at path, writes the result back, and returns a restore
// closure that puts the original bytes back verbatim. It is the primitive
// behind C3's scoped recipe templating: the caller defers restore()
// immediately so the original file is put back byte-for-byte on every exit
// path, including a panic or an early return on error.
func SubstituteFile(path string, vars map[string]string) (restore func() error, err error) {
	original, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("fsutil.SubstituteFile: read %s: %w", path, err)
	}
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("fsutil.SubstituteFile: stat %s: %w", path, err)
	}
	mode := info.Mode()

	restore = func() error {
		if err := os.WriteFile(path, original, mode); err != nil {
			return fmt.Errorf("fsutil.SubstituteFile: restore %s: %w", path, err)
		}
		return nil
	}

	content := string(original)
	for k, v := range vars {
		content = strings.ReplaceAll(content, k, v)
	}
	if err := os.WriteFile(path, []byte(content), mode); err != nil {
		return restore, fmt.Errorf("fsutil.SubstituteFile: write %s: %w", path, err)
	}
	return restore, nil
}

// ReadAndCompare is a small test helper: it reports whether the current
// bytes of path equal want, used by tests asserting the restore contract.
func ReadAndCompare(path string, want []byte) (bool, error) {
	got, err := os.ReadFile(path)
	if err != nil {
		return false, err
	}
	return bytes.Equal(got, want), nil
}
