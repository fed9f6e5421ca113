// Package fs wraps the filesystem operations used by the daemon so that
// components touching disk stay testable.
package fs

import (
	"os"
	"path/filepath"

	"go.uber.org/fx"
)

// Module is the Fx module for this package.
var Module = fx.Provide(New)

// FS wraps the filesystem operations used by lqd.
type FS interface {
	MkdirAll(path string) error
	FileExists(path string) (bool, error)
	ReadFile(name string) ([]byte, error)
	WriteFile(name string, data []byte) error
	// CreateExclusive creates name with O_EXCL semantics, failing if it
	// already exists. Used for lock-file claims.
	CreateExclusive(name string, data []byte) error
	Remove(name string) error
	// Canonicalize resolves name to an absolute path with symlinks evaluated.
	Canonicalize(name string) (string, error)
}

type fsImpl struct{}

// New creates a new FS backed by the OS.
func New() FS {
	return fsImpl{}
}

func (fsImpl) MkdirAll(path string) error { return os.MkdirAll(path, 0o755) }

func (fsImpl) FileExists(path string) (bool, error) {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	return !info.IsDir(), nil
}

func (fsImpl) ReadFile(name string) ([]byte, error) {
	return os.ReadFile(name)
}

func (fsImpl) WriteFile(name string, data []byte) error {
	return os.WriteFile(name, data, 0o644)
}

func (fsImpl) CreateExclusive(name string, data []byte) error {
	f, err := os.OpenFile(name, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func (fsImpl) Remove(name string) error { return os.Remove(name) }

func (fsImpl) Canonicalize(name string) (string, error) {
	abs, err := filepath.Abs(name)
	if err != nil {
		return "", err
	}
	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		// Path may not exist yet; the absolute form is still usable.
		return abs, nil
	}
	return resolved, nil
}
