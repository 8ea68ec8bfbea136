// SPDX-License-Identifier: MPL-2.0

package artifact

import (
	"errors"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(filepath.Join(t.TempDir(), "artifacts"))
	if err != nil {
		t.Fatalf("NewStore() error = %v", err)
	}
	return s
}

func hexID(c byte) string {
	return "sha256:" + strings.Repeat(string(c), 64)
}

func TestStore_PutGet(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)

	a := &Artifact{
		ID:         hexID('a'),
		Kind:       KindBase,
		CreatedAt:  time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
		User:       "macronizer",
		WorkDir:    "/macronizer",
		Env:        map[string]string{"PATH": "/bin"},
		Entrypoint: []string{"/bin/sh"},
		TreeDigest: "sha256:tree",
	}
	if err := s.Put(a); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	got, err := s.Get(a.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.ID != a.ID || !got.CreatedAt.Equal(a.CreatedAt) || got.Env["PATH"] != "/bin" || !slices.Equal(got.Entrypoint, a.Entrypoint) {
		t.Errorf("Get() = %+v, want %+v", got, a)
	}
	if !got.IsRoot() {
		t.Error("artifact without parent should be a root")
	}

	if err := s.Put(a); !errors.Is(err, ErrExists) {
		t.Errorf("second Put() error = %v, want ErrExists", err)
	}
	if err := s.Put(&Artifact{}); err == nil {
		t.Error("Put() without id should fail")
	}
}

func TestStore_GetMissing(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)

	_, err := s.Get(hexID('f'))
	var nf *NotFoundError
	if !errors.As(err, &nf) || !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get() error = %v, want NotFoundError", err)
	}
	if s.Exists(hexID('f')) {
		t.Error("Exists() = true for missing record")
	}
}

func TestStore_NoPartialRecordsListed(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	if err := s.Put(&Artifact{ID: hexID('a'), Kind: KindBase}); err != nil {
		t.Fatal(err)
	}
	// Leftover temp file of an interrupted write.
	if err := os.WriteFile(filepath.Join(s.Dir(), ".tmp-123.toml"), []byte("id = "), 0o644); err != nil {
		t.Fatal(err)
	}

	list, err := s.List()
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(list) != 1 {
		t.Errorf("List() = %d records, want 1", len(list))
	}
}

func TestStore_ListAndLineage(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	now := time.Now().UTC()

	records := []*Artifact{
		{ID: hexID('a'), Kind: KindBase, CreatedAt: now},
		{ID: hexID('b'), ParentID: hexID('a'), Kind: KindBuild, CreatedAt: now.Add(time.Second)},
		{ID: hexID('c'), ParentID: hexID('b'), Kind: KindCommit, CreatedAt: now.Add(2 * time.Second)},
	}
	for _, a := range slices.Backward(records) {
		if err := s.Put(a); err != nil {
			t.Fatal(err)
		}
	}

	list, err := s.List()
	if err != nil {
		t.Fatal(err)
	}
	for i, a := range list {
		if a.ID != records[i].ID {
			t.Errorf("List()[%d] = %s, want %s", i, a.ID, records[i].ID)
		}
	}

	chain, err := s.Lineage(hexID('c'))
	if err != nil {
		t.Fatalf("Lineage() error = %v", err)
	}
	var ids []string
	for _, a := range chain {
		ids = append(ids, a.ID)
	}
	if want := []string{hexID('c'), hexID('b'), hexID('a')}; !slices.Equal(ids, want) {
		t.Errorf("Lineage() = %v, want %v", ids, want)
	}

	if _, err := s.Lineage(hexID('d')); !errors.Is(err, ErrNotFound) {
		t.Errorf("Lineage(missing) error = %v", err)
	}
}

func TestStore_ResolvePrefix(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	a := "sha256:" + "0123456789ab" + strings.Repeat("0", 52)
	b := "sha256:" + "0123456789ab" + strings.Repeat("1", 52)
	c := "sha256:" + strings.Repeat("e", 64)
	for _, id := range []string{a, b, c} {
		if err := s.Put(&Artifact{ID: id}); err != nil {
			t.Fatal(err)
		}
	}

	tests := []struct {
		ref     string
		want    string
		wantErr error
	}{
		{ref: c, want: c},
		{ref: strings.TrimPrefix(c, "sha256:"), want: c},
		{ref: "eeeeeeeeeeee", want: c},
		{ref: "sha256:eeeeeeeeeeeee", want: c},
		{ref: "eeeeeeeeeee", wantErr: ErrNotFound},
		{ref: "0123456789ab", wantErr: ErrAmbiguousPrefix},
		{ref: "0123456789ab1", want: b},
		{ref: "zzzzzzzzzzzzzz", wantErr: ErrNotFound},
		{ref: "ffffffffffff", wantErr: ErrNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.ref, func(t *testing.T) {
			t.Parallel()
			got, err := s.ResolvePrefix(tt.ref)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Errorf("ResolvePrefix(%q) error = %v, want %v", tt.ref, err, tt.wantErr)
				}
				return
			}
			if err != nil || got != tt.want {
				t.Errorf("ResolvePrefix(%q) = %q, %v, want %q", tt.ref, got, err, tt.want)
			}
		})
	}
}

func TestShortID(t *testing.T) {
	t.Parallel()
	if got := ShortID(hexID('a')); got != "aaaaaaaaaaaa" {
		t.Errorf("ShortID() = %q", got)
	}
	if got := ShortID("abc"); got != "abc" {
		t.Errorf("ShortID(short) = %q", got)
	}
}
