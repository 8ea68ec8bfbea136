// SPDX-License-Identifier: MPL-2.0

package artifact

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"github.com/pelletier/go-toml/v2"

	"github.com/kilnworks/kiln/pkg/fspath"
)

const recordExt = ".toml"

// Store is the append-only artifact metadata store.
type Store struct {
	dir string
	mu  sync.Mutex
}

// NewStore opens the store in dir, creating it if needed.
func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create artifact store: %w", err)
	}
	return &Store{dir: dir}, nil
}

// Dir returns the store directory.
func (s *Store) Dir() string {
	return s.dir
}

func recordName(id string) string {
	name := strings.TrimPrefix(id, "sha256:")
	return strings.NewReplacer("/", "_", ":", "_").Replace(name) + recordExt
}

func (s *Store) recordPath(id string) string {
	return filepath.Join(s.dir, recordName(id))
}

// Put stores a new record. Records are never overwritten.
func (s *Store) Put(a *Artifact) error {
	if a.ID == "" {
		return errors.New("artifact id must not be empty")
	}
	data, err := toml.Marshal(a)
	if err != nil {
		return fmt.Errorf("encode artifact %s: %w", a.ID, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	path := s.recordPath(a.ID)
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("%w: %s", ErrExists, a.ID)
	}
	if err := fspath.WriteFileAtomic(path, data, 0o644); err != nil {
		return fmt.Errorf("write artifact %s: %w", a.ID, err)
	}
	slog.Debug("artifact recorded", "id", a.ID, "kind", a.Kind, "parent", a.ParentID)
	return nil
}

// Get returns the record for id.
func (s *Store) Get(id string) (*Artifact, error) {
	data, err := os.ReadFile(s.recordPath(id))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, &NotFoundError{ID: id}
		}
		return nil, fmt.Errorf("read artifact %s: %w", id, err)
	}
	var a Artifact
	if err := toml.Unmarshal(data, &a); err != nil {
		return nil, fmt.Errorf("decode artifact %s: %w", id, err)
	}
	return &a, nil
}

// Exists reports whether a record for id is stored.
func (s *Store) Exists(id string) bool {
	_, err := os.Stat(s.recordPath(id))
	return err == nil
}

// List returns every record, oldest first.
func (s *Store) List() ([]*Artifact, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("list artifacts: %w", err)
	}
	var out []*Artifact
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), recordExt) || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(s.dir, e.Name()))
		if err != nil {
			return nil, err
		}
		var a Artifact
		if err := toml.Unmarshal(data, &a); err != nil {
			return nil, fmt.Errorf("decode %s: %w", e.Name(), err)
		}
		out = append(out, &a)
	}
	slices.SortFunc(out, func(a, b *Artifact) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	return out, nil
}

// Lineage returns id and its ancestors, newest first.
func (s *Store) Lineage(id string) ([]*Artifact, error) {
	var chain []*Artifact
	seen := make(map[string]bool)
	for id != "" {
		if seen[id] {
			return nil, fmt.Errorf("artifact lineage of %s has a cycle", chain[0].ID)
		}
		seen[id] = true
		a, err := s.Get(id)
		if err != nil {
			return nil, err
		}
		chain = append(chain, a)
		id = a.ParentID
	}
	return chain, nil
}

// ResolvePrefix expands a full id or a unique hex prefix of at least
// MinPrefixLen characters.
func (s *Store) ResolvePrefix(ref string) (string, error) {
	if s.Exists(ref) {
		a, err := s.Get(ref)
		if err != nil {
			return "", err
		}
		return a.ID, nil
	}
	prefix := strings.TrimPrefix(ref, "sha256:")
	if len(prefix) < MinPrefixLen || !isHex(prefix) {
		return "", &NotFoundError{ID: ref}
	}

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return "", fmt.Errorf("list artifacts: %w", err)
	}
	var matches []string
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), prefix) && strings.HasSuffix(e.Name(), recordExt) {
			matches = append(matches, e.Name())
		}
	}
	switch len(matches) {
	case 0:
		return "", &NotFoundError{ID: ref}
	case 1:
		a, err := s.Get(strings.TrimSuffix(matches[0], recordExt))
		if err != nil {
			return "", err
		}
		return a.ID, nil
	default:
		return "", fmt.Errorf("%w: %s matches %d artifacts", ErrAmbiguousPrefix, ref, len(matches))
	}
}

func isHex(s string) bool {
	for _, c := range s {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}
