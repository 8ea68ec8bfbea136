// SPDX-License-Identifier: MPL-2.0

package fspath

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestWriteFileAtomic(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "record.toml")

	if err := WriteFileAtomic(path, []byte("a = 1\n"), 0o644); err != nil {
		t.Fatalf("WriteFileAtomic() error = %v", err)
	}
	if err := WriteFileAtomic(path, []byte("a = 2\n"), 0o600); err != nil {
		t.Fatalf("WriteFileAtomic() error = %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "a = 2\n" {
		t.Errorf("content = %q", data)
	}
	info, _ := os.Stat(path)
	if info.Mode().Perm() != 0o600 {
		t.Errorf("mode = %o, want 600", info.Mode().Perm())
	}

	entries, _ := os.ReadDir(filepath.Dir(path))
	if len(entries) != 1 {
		t.Errorf("temp files left behind: %v", entries)
	}
}

func TestCopyTreeAndDigest(t *testing.T) {
	t.Parallel()

	src := t.TempDir()
	mustWrite(t, filepath.Join(src, "a.txt"), "alpha", 0o644)
	mustWrite(t, filepath.Join(src, "bin", "run.sh"), "#!/bin/sh\n", 0o755)
	if err := os.Symlink("a.txt", filepath.Join(src, "link")); err != nil {
		t.Fatal(err)
	}

	dst := filepath.Join(t.TempDir(), "copy")
	if err := CopyTree(src, dst); err != nil {
		t.Fatalf("CopyTree() error = %v", err)
	}

	info, err := os.Stat(filepath.Join(dst, "bin", "run.sh"))
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != 0o755 {
		t.Errorf("mode = %o, want 755", info.Mode().Perm())
	}
	if target, _ := os.Readlink(filepath.Join(dst, "link")); target != "a.txt" {
		t.Errorf("symlink target = %q", target)
	}

	d1, err := TreeDigest(src)
	if err != nil {
		t.Fatal(err)
	}
	d2, err := TreeDigest(dst)
	if err != nil {
		t.Fatal(err)
	}
	if d1 != d2 {
		t.Errorf("digest mismatch after copy: %s != %s", d1, d2)
	}

	mustWrite(t, filepath.Join(dst, "a.txt"), "beta", 0o644)
	d3, _ := TreeDigest(dst)
	if d3 == d1 {
		t.Error("digest did not change with content")
	}
}

func TestCopyTree_SingleFile(t *testing.T) {
	t.Parallel()

	src := filepath.Join(t.TempDir(), "model")
	mustWrite(t, src, "weights", 0o600)
	dst := filepath.Join(t.TempDir(), "out", "model")

	if err := CopyTree(src, dst); err != nil {
		t.Fatalf("CopyTree() error = %v", err)
	}
	data, _ := os.ReadFile(dst)
	if string(data) != "weights" {
		t.Errorf("content = %q", data)
	}
}

func TestIsWithin(t *testing.T) {
	t.Parallel()

	tests := []struct {
		path, dir string
		want      bool
	}{
		{"/a/b", "/a", true},
		{"/a", "/a", true},
		{"/ab", "/a", false},
		{"/x", "/", true},
		{"/a/b/c", "/a/b", true},
	}
	for _, tt := range tests {
		if got := IsWithin(tt.path, tt.dir); got != tt.want {
			t.Errorf("IsWithin(%q, %q) = %v, want %v", tt.path, tt.dir, got, tt.want)
		}
	}
}

func mustWrite(t *testing.T, path, content string, perm os.FileMode) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), perm); err != nil {
		t.Fatal(err)
	}
	if err := os.Chmod(path, perm); err != nil {
		t.Fatal(err)
	}
}

func TestLock_Serializes(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "tags.lock")

	first, err := Lock(path)
	if err != nil {
		t.Fatalf("Lock() error = %v", err)
	}

	acquired := make(chan struct{})
	go func() {
		second, err := Lock(path)
		if err != nil {
			t.Errorf("second Lock() error = %v", err)
			close(acquired)
			return
		}
		close(acquired)
		second.Release()
	}()

	select {
	case <-acquired:
		t.Fatal("second Lock() returned while the first was held")
	case <-time.After(50 * time.Millisecond):
	}

	first.Release()
	first.Release()
	select {
	case <-acquired:
	case <-time.After(5 * time.Second):
		t.Fatal("second Lock() did not return after Release")
	}
}
