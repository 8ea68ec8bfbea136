// SPDX-License-Identifier: MPL-2.0

//go:build !unix

package fspath

import (
	"os"
	"path/filepath"
	"sync"
)

var (
	lockMu    sync.Mutex
	pathLocks = map[string]*sync.Mutex{}
)

// FileLock serializes holders of the same path within this process. flock is
// not available on this platform.
type FileLock struct {
	mu *sync.Mutex
}

// Lock creates path and blocks until no other holder in this process has it.
func Lock(path string) (*FileLock, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, err
	}
	f.Close()

	abs, _ := filepath.Abs(path)
	lockMu.Lock()
	mu, ok := pathLocks[abs]
	if !ok {
		mu = &sync.Mutex{}
		pathLocks[abs] = mu
	}
	lockMu.Unlock()

	mu.Lock()
	return &FileLock{mu: mu}, nil
}

// Release unlocks. Later calls are no-ops.
func (l *FileLock) Release() {
	if l == nil || l.mu == nil {
		return
	}
	l.mu.Unlock()
	l.mu = nil
}
