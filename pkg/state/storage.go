// Package state implements C4: durable persistence of the declared worker
// fleet and its restoration on startup.
package state

import (
	"os"

	"github.com/nazq/tei-manager/pkg/apierrors"
)

// Backend performs the raw byte-level file operations the state manager
// needs. It exists so tests can substitute an in-memory fake rather than
// touching the filesystem.
type Backend interface {
	Save(path string, content []byte) error
	Load(path string) ([]byte, bool, error)
}

// FileSystemBackend persists to real files using the atomic
// write-temp-then-rename pattern: a partial write is never observable as
// the target path.
type FileSystemBackend struct{}

// NewFileSystemBackend constructs a Backend backed by the real filesystem.
func NewFileSystemBackend() *FileSystemBackend { return &FileSystemBackend{} }

// Save writes content to a sibling .tmp file, fsyncs it, then renames it
// over path.
func (FileSystemBackend) Save(path string, content []byte) error {
	tmp := path + ".tmp"

	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return apierrors.Wrap(apierrors.Internal, err, "failed to create temp state file %q", tmp)
	}
	if _, err := f.Write(content); err != nil {
		_ = f.Close()
		return apierrors.Wrap(apierrors.Internal, err, "failed to write temp state file %q", tmp)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return apierrors.Wrap(apierrors.Internal, err, "failed to fsync temp state file %q", tmp)
	}
	if err := f.Close(); err != nil {
		return apierrors.Wrap(apierrors.Internal, err, "failed to close temp state file %q", tmp)
	}
	if err := os.Rename(tmp, path); err != nil {
		return apierrors.Wrap(apierrors.Internal, err, "failed to rename temp state file into place at %q", path)
	}
	return nil
}

// Load returns the file's content, or ok=false if it does not exist.
func (FileSystemBackend) Load(path string) ([]byte, bool, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, apierrors.Wrap(apierrors.Internal, err, "failed to read state file %q", path)
	}
	return content, true, nil
}
