// SPDX-License-Identifier: MPL-2.0

package registry

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"unicode"

	"github.com/pelletier/go-toml/v2"
	"golang.org/x/exp/maps"

	"github.com/kilnworks/kiln/internal/artifact"
	"github.com/kilnworks/kiln/pkg/fspath"
)

const (
	tagsFile = "tags.toml"
	lockFile = "tags.lock"
)

var (
	// ErrNotFound is the sentinel wrapped by NotFoundError.
	ErrNotFound = errors.New("tag not found")
	// ErrInvalidTagName is the sentinel wrapped by InvalidTagNameError.
	ErrInvalidTagName = errors.New("invalid tag name")
)

type (
	// TagName is an operator-chosen label. It must be non-empty and contain
	// no whitespace.
	TagName string

	// InvalidTagNameError wraps ErrInvalidTagName.
	InvalidTagNameError struct {
		Value TagName
	}

	// NotFoundError is returned when resolving an unbound tag.
	NotFoundError struct {
		Name TagName
	}

	// ArtifactLookup is the part of the artifact store the registry needs.
	ArtifactLookup interface {
		Exists(id string) bool
		ResolvePrefix(ref string) (string, error)
	}

	// Registry is the tag table.
	Registry struct {
		dir       string
		artifacts ArtifactLookup
	}

	tagTable struct {
		Tags map[string]string `toml:"tags"`
	}
)

func (n TagName) String() string { return string(n) }

// IsValid returns whether n is a usable tag name.
func (n TagName) IsValid() (bool, []error) {
	if n == "" || strings.IndexFunc(string(n), unicode.IsSpace) >= 0 {
		return false, []error{&InvalidTagNameError{Value: n}}
	}
	return true, nil
}

func (e *InvalidTagNameError) Error() string {
	return fmt.Sprintf("invalid tag name %q: must be non-empty and contain no whitespace", e.Value)
}

func (e *InvalidTagNameError) Unwrap() error { return ErrInvalidTagName }

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("tag %q is not bound", e.Name)
}

func (e *NotFoundError) Unwrap() error { return ErrNotFound }

// New opens the registry kept in dir.
func New(dir string, artifacts ArtifactLookup) (*Registry, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create registry directory: %w", err)
	}
	return &Registry{dir: dir, artifacts: artifacts}, nil
}

// Tag binds name to artifactID, replacing any previous binding. The
// previously bound artifact is untouched.
func (r *Registry) Tag(artifactID string, name TagName) error {
	if ok, errs := name.IsValid(); !ok {
		return errs[0]
	}
	if !r.artifacts.Exists(artifactID) {
		return &artifact.NotFoundError{ID: artifactID}
	}
	return r.update(func(t *tagTable) {
		if old, ok := t.Tags[string(name)]; ok && old != artifactID {
			slog.Info("moving tag", "tag", name, "from", old, "to", artifactID)
		}
		t.Tags[string(name)] = artifactID
	})
}

// Untag removes the binding of name.
func (r *Registry) Untag(name TagName) error {
	var found bool
	err := r.update(func(t *tagTable) {
		_, found = t.Tags[string(name)]
		delete(t.Tags, string(name))
	})
	if err != nil {
		return err
	}
	if !found {
		return &NotFoundError{Name: name}
	}
	return nil
}

// Resolve returns the artifact bound to name.
func (r *Registry) Resolve(name TagName) (string, error) {
	t, err := r.read()
	if err != nil {
		return "", err
	}
	id, ok := t.Tags[string(name)]
	if !ok {
		return "", &NotFoundError{Name: name}
	}
	return id, nil
}

// List returns a copy of the tag table.
func (r *Registry) List() (map[TagName]string, error) {
	t, err := r.read()
	if err != nil {
		return nil, err
	}
	out := make(map[TagName]string, len(t.Tags))
	for name, id := range t.Tags {
		out[TagName(name)] = id
	}
	return out, nil
}

// Names returns the bound tag names, sorted.
func (r *Registry) Names() ([]TagName, error) {
	tags, err := r.List()
	if err != nil {
		return nil, err
	}
	names := maps.Keys(tags)
	slices.Sort(names)
	return names, nil
}

// TagsOf returns the names bound to artifactID, sorted.
func (r *Registry) TagsOf(artifactID string) ([]TagName, error) {
	tags, err := r.List()
	if err != nil {
		return nil, err
	}
	var names []TagName
	for name, id := range tags {
		if id == artifactID {
			names = append(names, name)
		}
	}
	slices.Sort(names)
	return names, nil
}

// ResolveRef accepts a tag name, a full artifact id or a unique id prefix.
// Tags win over ids.
func (r *Registry) ResolveRef(ref string) (string, error) {
	if id, err := r.Resolve(TagName(ref)); err == nil {
		return id, nil
	} else if !errors.Is(err, ErrNotFound) {
		return "", err
	}
	id, err := r.artifacts.ResolvePrefix(ref)
	if errors.Is(err, artifact.ErrNotFound) {
		return "", &NotFoundError{Name: TagName(ref)}
	}
	return id, err
}

func (r *Registry) update(fn func(*tagTable)) error {
	lock, err := fspath.Lock(filepath.Join(r.dir, lockFile))
	if err != nil {
		return err
	}
	defer lock.Release()

	t, err := r.read()
	if err != nil {
		return err
	}
	fn(t)
	data, err := toml.Marshal(t)
	if err != nil {
		return fmt.Errorf("encode tag table: %w", err)
	}
	return fspath.WriteFileAtomic(filepath.Join(r.dir, tagsFile), data, 0o644)
}

func (r *Registry) read() (*tagTable, error) {
	t := &tagTable{Tags: make(map[string]string)}
	data, err := os.ReadFile(filepath.Join(r.dir, tagsFile))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return t, nil
		}
		return nil, fmt.Errorf("read tag table: %w", err)
	}
	if err := toml.Unmarshal(data, t); err != nil {
		return nil, fmt.Errorf("decode tag table: %w", err)
	}
	if t.Tags == nil {
		t.Tags = make(map[string]string)
	}
	return t, nil
}
