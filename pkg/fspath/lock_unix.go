// SPDX-License-Identifier: MPL-2.0

//go:build unix

package fspath

import (
	"fmt"
	"log/slog"
	"os"

	"golang.org/x/sys/unix"
)

// FileLock is an exclusive flock on a lock file. The kernel drops it when the
// descriptor closes, so an orphaned zero-byte lock file is harmless.
type FileLock struct {
	file *os.File
}

// Lock opens (or creates) path and blocks until it holds an exclusive flock.
func Lock(path string) (*FileLock, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open lock file %s: %w", path, err)
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX); err != nil {
		f.Close()
		return nil, fmt.Errorf("flock %s: %w", path, err)
	}
	return &FileLock{file: f}, nil
}

// Release unlocks and closes the file. Later calls are no-ops.
func (l *FileLock) Release() {
	if l == nil || l.file == nil {
		return
	}
	if err := unix.Flock(int(l.file.Fd()), unix.LOCK_UN); err != nil {
		slog.Debug("flock unlock failed", "error", err)
	}
	if err := l.file.Close(); err != nil {
		slog.Debug("lock file close failed", "error", err)
	}
	l.file = nil
}
