// SPDX-License-Identifier: MPL-2.0

package overlay

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"maps"
	"os"
	"path"
	"path/filepath"
	"slices"
	"strings"

	"github.com/kilnworks/kiln/internal/artifact"
	"github.com/kilnworks/kiln/internal/session"
	"github.com/kilnworks/kiln/pkg/fspath"
	"github.com/kilnworks/kiln/pkg/recipe"
)

const completeMarker = ".complete"

// ErrMissingArtifactFile is the sentinel wrapped by MissingArtifactFileError.
var ErrMissingArtifactFile = errors.New("artifact file missing")

type (
	// MissingArtifactFileError lists the requested files an artifact lacks.
	// Nothing is extracted when it is returned.
	MissingArtifactFileError struct {
		ArtifactID string
		// Missing maps file names to their container paths.
		Missing map[string]string
	}

	// Manager extracts named files and mounts them into debug sessions.
	Manager struct {
		sessions *session.Orchestrator
		files    map[string]string
		dir      string
		copyFrom func(ctx context.Context, s *session.Session, containerPath, hostPath string) error
	}
)

func (e *MissingArtifactFileError) Error() string {
	var parts []string
	for _, name := range e.Names() {
		parts = append(parts, name+" ("+e.Missing[name]+")")
	}
	return fmt.Sprintf("artifact %s lacks %s", artifact.ShortID(e.ArtifactID), strings.Join(parts, ", "))
}

func (e *MissingArtifactFileError) Unwrap() error { return ErrMissingArtifactFile }

// Names returns the missing file names, sorted.
func (e *MissingArtifactFileError) Names() []string {
	return slices.Sorted(maps.Keys(e.Missing))
}

// New returns a Manager for the named files (name -> container path) that
// extracts under dir.
func New(sessions *session.Orchestrator, files map[string]string, dir string) *Manager {
	if abs, err := filepath.Abs(dir); err == nil {
		dir = abs
	}
	m := &Manager{sessions: sessions, files: maps.Clone(files), dir: dir}
	m.copyFrom = m.engineCopy
	return m
}

func (m *Manager) engineCopy(ctx context.Context, s *session.Session, containerPath, hostPath string) error {
	return m.sessions.Engine().CopyFrom(ctx, s.ContainerID, containerPath, hostPath)
}

// Dir returns the directory extractions of artifactID land in.
func (m *Manager) Dir(artifactID string) string {
	return filepath.Join(m.dir, artifact.ShortID(artifactID))
}

func (m *Manager) resolve(names []string) (map[string]string, error) {
	if len(names) == 0 {
		return maps.Clone(m.files), nil
	}
	out := make(map[string]string, len(names))
	for _, name := range names {
		p, ok := m.files[name]
		if !ok {
			return nil, &recipe.UnknownFileError{Name: name, Known: slices.Sorted(maps.Keys(m.files))}
		}
		out[name] = p
	}
	return out, nil
}

func (m *Manager) hostPath(artifactID, name, containerPath string) string {
	return filepath.Join(m.Dir(artifactID), name, path.Base(containerPath))
}

// complete reports whether name was fully extracted and its copy is still
// on disk.
func (m *Manager) complete(artifactID, name, containerPath string) bool {
	if _, err := os.Stat(filepath.Join(m.Dir(artifactID), name, completeMarker)); err != nil {
		return false
	}
	info, err := os.Stat(m.hostPath(artifactID, name, containerPath))
	return err == nil && info.Mode().IsRegular()
}

// Extract copies the named files (all configured files when names is empty)
// of artifactID to <dir>/<short-id>/<name>/<basename> and returns the host
// paths by name. All files are checked and copied to staging before any is
// published, so a failed call leaves no new extraction behind. Names already
// extracted are served from disk without reading the artifact again.
func (m *Manager) Extract(ctx context.Context, artifactID string, names []string) (map[string]string, error) {
	wanted, err := m.resolve(names)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(m.Dir(artifactID), 0o755); err != nil {
		return nil, fmt.Errorf("create extract directory: %w", err)
	}
	lock, err := fspath.Lock(m.Dir(artifactID) + ".lock")
	if err != nil {
		return nil, err
	}
	defer lock.Release()

	out := make(map[string]string, len(wanted))
	pending := make(map[string]string)
	for name, p := range wanted {
		out[name] = m.hostPath(artifactID, name, p)
		if !m.complete(artifactID, name, p) {
			pending[name] = p
		}
	}
	if len(pending) == 0 {
		slog.Debug("artifact files already extracted", "artifact", artifactID, "files", len(out))
		return out, nil
	}

	s, err := m.sessions.Start(ctx, artifactID, session.StartOptions{})
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := m.sessions.Stop(context.WithoutCancel(ctx), s.ID); err != nil {
			slog.Warn("failed to stop extract session", "session", s.ID, "error", err)
		}
	}()

	missing := make(map[string]string)
	for _, name := range slices.Sorted(maps.Keys(pending)) {
		ok, err := m.exists(ctx, s, pending[name])
		if err != nil {
			return nil, err
		}
		if !ok {
			missing[name] = pending[name]
		}
	}
	if len(missing) > 0 {
		return nil, &MissingArtifactFileError{ArtifactID: artifactID, Missing: missing}
	}

	staged := make(map[string]string, len(pending))
	defer func() {
		for _, dir := range staged {
			_ = os.RemoveAll(dir)
		}
	}()
	for _, name := range slices.Sorted(maps.Keys(pending)) {
		dir, err := m.stage(ctx, s, artifactID, name, pending[name])
		if dir != "" {
			staged[name] = dir
		}
		if err != nil {
			return nil, err
		}
	}
	if err := m.publish(artifactID, staged); err != nil {
		return nil, err
	}
	slog.Info("artifact files extracted", "artifact", artifact.ShortID(artifactID), "files", len(pending))
	return out, nil
}

func (m *Manager) exists(ctx context.Context, s *session.Session, containerPath string) (bool, error) {
	code, err := m.sessions.Exec(ctx, s.ID, []string{"sh", "-c", `[ -f "$1" ]`, "kiln-check", containerPath}, session.ExecIO{})
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, session.ErrSessionExec) && code == 1:
		return false, nil
	default:
		return false, fmt.Errorf("check %s: %w", containerPath, err)
	}
}

// stage copies one file into a hidden directory next to its final location,
// together with its completion marker.
func (m *Manager) stage(ctx context.Context, s *session.Session, artifactID, name, containerPath string) (string, error) {
	staging, err := os.MkdirTemp(m.Dir(artifactID), "."+name+"-*")
	if err != nil {
		return "", fmt.Errorf("stage %s: %w", name, err)
	}
	if err := m.copyFrom(ctx, s, containerPath, filepath.Join(staging, path.Base(containerPath))); err != nil {
		return staging, fmt.Errorf("extract %s: %w", name, err)
	}
	if err := os.WriteFile(filepath.Join(staging, completeMarker), nil, 0o644); err != nil {
		return staging, err
	}
	return staging, os.Chmod(staging, 0o755)
}

// publish renames every staged directory into place. When a rename fails,
// the names already published by this call are removed again.
func (m *Manager) publish(artifactID string, staged map[string]string) error {
	var done []string
	for _, name := range slices.Sorted(maps.Keys(staged)) {
		final := filepath.Join(m.Dir(artifactID), name)
		err := os.RemoveAll(final)
		if err == nil || errors.Is(err, fs.ErrNotExist) {
			err = os.Rename(staged[name], final)
		}
		if err != nil {
			for _, d := range done {
				_ = os.RemoveAll(filepath.Join(m.Dir(artifactID), d))
			}
			return fmt.Errorf("publish %s: %w", name, err)
		}
		delete(staged, name)
		done = append(done, name)
	}
	return nil
}

// Mount extracts the named files and starts a fresh session on artifactID
// with each host copy bound read-only over its container path.
func (m *Manager) Mount(ctx context.Context, artifactID string, names []string, opts session.StartOptions) (*session.Session, error) {
	paths, err := m.Extract(ctx, artifactID, names)
	if err != nil {
		return nil, err
	}
	wanted, err := m.resolve(names)
	if err != nil {
		return nil, err
	}
	binds := slices.Clone(opts.Binds)
	for _, name := range slices.Sorted(maps.Keys(paths)) {
		binds = append(binds, session.Bind{Host: paths[name], Target: wanted[name], ReadOnly: true})
	}
	opts.Binds = binds
	return m.sessions.Start(ctx, artifactID, opts)
}
