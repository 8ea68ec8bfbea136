// SPDX-License-Identifier: MPL-2.0

package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pelletier/go-toml/v2"

	"github.com/kilnworks/kiln/internal/artifact"
	"github.com/kilnworks/kiln/internal/container"
	"github.com/kilnworks/kiln/pkg/fspath"
)

const (
	recordExt = ".toml"
	lockExt   = ".lock"

	// minPrefixLen is the shortest id prefix accepted in place of a full id.
	minPrefixLen = 8
)

type (
	// ArtifactSource looks up the artifact a session starts from.
	ArtifactSource interface {
		Get(id string) (*artifact.Artifact, error)
	}

	// StartOptions configures a new session. Empty User and WorkDir fall
	// back to the base artifact's.
	StartOptions struct {
		Binds   []Bind
		User    string
		WorkDir string
		Env     map[string]string
	}

	// WindowSize is a terminal size in character cells.
	WindowSize struct {
		Width  int
		Height int
	}

	// ExecIO wires one command's streams. With TTY set and an engine that
	// supports it, the command runs on a pseudo-terminal and Stderr is
	// merged into Stdout.
	ExecIO struct {
		Stdin  io.Reader
		Stdout io.Writer
		Stderr io.Writer
		TTY    bool
		// Size is the initial terminal size; Resize delivers later changes.
		Size   *WindowSize
		Resize <-chan WindowSize
		// Env, User and WorkDir override the session's for this command only.
		Env     map[string]string
		User    string
		WorkDir string
	}

	// Orchestrator starts sessions and runs commands in them. All state lives
	// in the engine and in the session directory, so several orchestrators
	// over the same directory cooperate.
	Orchestrator struct {
		engine    container.Engine
		artifacts ArtifactSource
		dir       string
		now       func() time.Time
	}

	// Option configures an Orchestrator.
	Option func(*Orchestrator)
)

// WithClock replaces time.Now for session timestamps.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// NewOrchestrator keeps session records in dir.
func NewOrchestrator(engine container.Engine, artifacts ArtifactSource, dir string, opts ...Option) (*Orchestrator, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create session directory: %w", err)
	}
	o := &Orchestrator{
		engine:    engine,
		artifacts: artifacts,
		dir:       dir,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o, nil
}

// Engine returns the engine sessions run on.
func (o *Orchestrator) Engine() container.Engine {
	return o.engine
}

// Start creates a container from baseID. The session begins in the created
// state with no exit status.
func (o *Orchestrator) Start(ctx context.Context, baseID string, opts StartOptions) (*Session, error) {
	base, err := o.artifacts.Get(baseID)
	if err != nil {
		return nil, err
	}

	now := o.now().UTC()
	s := &Session{
		ID:             uuid.NewString(),
		BaseArtifactID: base.ID,
		State:          StateCreated,
		Binds:          slices.Clone(opts.Binds),
		User:           firstNonEmpty(opts.User, base.User),
		WorkDir:        firstNonEmpty(opts.WorkDir, base.WorkDir),
		Env:            maps.Clone(opts.Env),
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	volumes := s.Volumes()
	for _, v := range volumes {
		if err := v.Validate(); err != nil {
			return nil, err
		}
	}

	id, err := o.engine.Create(ctx, container.CreateOptions{
		Image:   container.ImageID(base.ID),
		Name:    "kiln-" + s.ShortID(),
		User:    s.User,
		WorkDir: s.WorkDir,
		Env:     s.Env,
		Volumes: volumes,
	})
	if err != nil {
		return nil, fmt.Errorf("create session container from %s: %w", artifact.ShortID(base.ID), err)
	}
	s.ContainerID = id

	if err := o.save(s); err != nil {
		o.removeContainer(context.WithoutCancel(ctx), s)
		return nil, err
	}
	slog.Debug("session started", "session", s.ID, "base", base.ID, "container", id)
	return s, nil
}

// Exec runs argv in the session and records its exit status: zero moves
// the session to succeeded, anything else to failed and returns a
// *SessionExecError alongside the status. Commands in one session never
// overlap. Committed and discarded sessions reject Exec.
func (o *Orchestrator) Exec(ctx context.Context, id string, argv []string, eio ExecIO) (int, error) {
	if len(argv) == 0 {
		return 0, errors.New("no command given")
	}
	lock, s, err := o.acquire(id)
	if err != nil {
		return 0, err
	}
	defer lock.Release()

	if s.State == StateRunning {
		// Only a process that died mid-command leaves this behind; the lock
		// is ours now.
		slog.Warn("session was left running, marking it failed", "session", s.ID)
		s.State = StateFailed
		s.ExitStatus = nil
	}
	if err := s.transition(StateRunning, o.now().UTC()); err != nil {
		return 0, err
	}
	s.ExitStatus = nil
	s.LastCommand = slices.Clone(argv)
	if err := o.save(s); err != nil {
		return 0, err
	}

	code, runErr := o.run(ctx, s, argv, eio)
	if runErr != nil {
		if err := s.transition(StateFailed, o.now().UTC()); err != nil {
			return 0, err
		}
		if err := o.save(s); err != nil {
			slog.Warn("failed to record session failure", "session", s.ID, "error", err)
		}
		return 0, fmt.Errorf("exec in session %s: %w", s.ShortID(), runErr)
	}

	next := StateSucceeded
	if code != 0 {
		next = StateFailed
	}
	if err := s.transition(next, o.now().UTC()); err != nil {
		return code, err
	}
	s.ExitStatus = &code
	if err := o.save(s); err != nil {
		return code, err
	}
	slog.Debug("session command finished", "session", s.ID, "argv", argv, "exit", code)
	if code != 0 {
		return code, &SessionExecError{SessionID: s.ID, Argv: slices.Clone(argv), ExitCode: code}
	}
	return 0, nil
}

func (o *Orchestrator) run(ctx context.Context, s *Session, argv []string, eio ExecIO) (int, error) {
	opts := container.ExecOptions{
		User:    eio.User,
		WorkDir: eio.WorkDir,
		Env:     eio.Env,
		Stdin:   eio.Stdin,
		Stdout:  eio.Stdout,
		Stderr:  eio.Stderr,
		TTY:     eio.TTY,
	}
	if ie, ok := o.engine.(container.InteractiveEngine); ok && eio.TTY {
		return runPTY(ctx, ie.ExecCommand(ctx, s.ContainerID, argv, opts), eio)
	}
	opts.TTY = false
	res, err := o.engine.Exec(ctx, s.ContainerID, argv, opts)
	if err != nil {
		return 0, err
	}
	return res.ExitCode, nil
}

// Finish moves a session to a final state while holding its lock. fn, when
// set, runs first and sees the current record; an error from it leaves the
// session untouched. After the transition is recorded the container is
// removed.
func (o *Orchestrator) Finish(ctx context.Context, id string, to State, fn func(*Session) error) (*Session, error) {
	if !to.IsFinal() {
		return nil, fmt.Errorf("finish: %s is not a final state", to)
	}
	lock, s, err := o.acquire(id)
	if err != nil {
		return nil, err
	}
	defer lock.Release()
	return s, o.finish(ctx, s, to, fn)
}

func (o *Orchestrator) finish(ctx context.Context, s *Session, to State, fn func(*Session) error) error {
	if s.State.IsFinal() {
		return &InvalidTransitionError{ID: s.ID, From: s.State, To: to}
	}
	if fn != nil {
		if err := fn(s); err != nil {
			return err
		}
	}
	if err := s.transition(to, o.now().UTC()); err != nil {
		return err
	}
	if err := o.save(s); err != nil {
		return err
	}
	o.removeContainer(ctx, s)
	slog.Debug("session finished", "session", s.ID, "state", to)
	return nil
}

// Discard removes the session's container. Only committed or already
// discarded sessions refuse.
func (o *Orchestrator) Discard(ctx context.Context, id string) error {
	_, err := o.Finish(ctx, id, StateDiscarded, nil)
	return err
}

// Stop discards the session unless it already reached a final state, in
// which case it does nothing.
func (o *Orchestrator) Stop(ctx context.Context, id string) error {
	lock, s, err := o.acquire(id)
	if err != nil {
		return err
	}
	defer lock.Release()
	if s.State.IsFinal() {
		return nil
	}
	return o.finish(ctx, s, StateDiscarded, nil)
}

// Get returns the record for a full id or a unique id prefix.
func (o *Orchestrator) Get(id string) (*Session, error) {
	full, err := o.resolveID(id)
	if err != nil {
		return nil, err
	}
	return o.load(full)
}

// List returns every session record, oldest first.
func (o *Orchestrator) List() ([]*Session, error) {
	ids, err := o.ids()
	if err != nil {
		return nil, err
	}
	out := make([]*Session, 0, len(ids))
	for _, id := range ids {
		s, err := o.load(id)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	slices.SortFunc(out, func(a, b *Session) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	return out, nil
}

// Forget deletes the records of sessions in a final state and returns how
// many were removed.
func (o *Orchestrator) Forget() (int, error) {
	sessions, err := o.List()
	if err != nil {
		return 0, err
	}
	n := 0
	for _, s := range sessions {
		if !s.State.IsFinal() {
			continue
		}
		if err := os.Remove(o.recordPath(s.ID)); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return n, fmt.Errorf("remove session %s: %w", s.ShortID(), err)
		}
		_ = os.Remove(filepath.Join(o.dir, s.ID+lockExt))
		n++
	}
	return n, nil
}

func (o *Orchestrator) acquire(id string) (*fspath.FileLock, *Session, error) {
	full, err := o.resolveID(id)
	if err != nil {
		return nil, nil, err
	}
	lock, err := fspath.Lock(filepath.Join(o.dir, full+lockExt))
	if err != nil {
		return nil, nil, err
	}
	s, err := o.load(full)
	if err != nil {
		lock.Release()
		return nil, nil, err
	}
	return lock, s, nil
}

func (o *Orchestrator) resolveID(ref string) (string, error) {
	if ref == "" {
		return "", &NotFoundError{ID: ref}
	}
	if _, err := os.Stat(o.recordPath(ref)); err == nil {
		return ref, nil
	}
	if len(ref) < minPrefixLen {
		return "", &NotFoundError{ID: ref}
	}
	ids, err := o.ids()
	if err != nil {
		return "", err
	}
	var match string
	for _, id := range ids {
		if !strings.HasPrefix(id, ref) {
			continue
		}
		if match != "" {
			return "", fmt.Errorf("%w: %s", ErrAmbiguousID, ref)
		}
		match = id
	}
	if match == "" {
		return "", &NotFoundError{ID: ref}
	}
	return match, nil
}

func (o *Orchestrator) ids() ([]string, error) {
	entries, err := os.ReadDir(o.dir)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	var ids []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || strings.HasPrefix(name, ".") || !strings.HasSuffix(name, recordExt) {
			continue
		}
		ids = append(ids, strings.TrimSuffix(name, recordExt))
	}
	return ids, nil
}

func (o *Orchestrator) recordPath(id string) string {
	return filepath.Join(o.dir, id+recordExt)
}

func (o *Orchestrator) load(id string) (*Session, error) {
	data, err := os.ReadFile(o.recordPath(id))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, &NotFoundError{ID: id}
		}
		return nil, fmt.Errorf("read session %s: %w", id, err)
	}
	var s Session
	if err := toml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("decode session %s: %w", id, err)
	}
	return &s, nil
}

func (o *Orchestrator) save(s *Session) error {
	data, err := toml.Marshal(s)
	if err != nil {
		return fmt.Errorf("encode session %s: %w", s.ID, err)
	}
	if err := fspath.WriteFileAtomic(o.recordPath(s.ID), data, 0o644); err != nil {
		return fmt.Errorf("write session %s: %w", s.ID, err)
	}
	return nil
}

func (o *Orchestrator) removeContainer(ctx context.Context, s *Session) {
	if s.ContainerID == "" {
		return
	}
	if err := o.engine.Remove(ctx, s.ContainerID, true); err != nil {
		slog.Warn("failed to remove session container", "session", s.ID, "container", s.ContainerID, "error", err)
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
