// SPDX-License-Identifier: MPL-2.0

package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"

	"github.com/kilnworks/kiln/internal/artifact"
	"github.com/kilnworks/kiln/internal/builder"
	"github.com/kilnworks/kiln/internal/container"
	"github.com/kilnworks/kiln/internal/overlay"
	"github.com/kilnworks/kiln/internal/registry"
	"github.com/kilnworks/kiln/internal/session"
	"github.com/kilnworks/kiln/internal/snapshot"
	"github.com/kilnworks/kiln/pkg/recipe"
)

const (
	artifactsDir = "artifacts"
	cacheDir     = "cache"
	sessionsDir  = "sessions"
	engineDir    = "engine"
	extractDir   = "extract"
)

// ErrTraining is the sentinel wrapped by TrainingError.
var ErrTraining = errors.New("training failed")

type (
	// Options configures Open and New.
	Options struct {
		// StateDir holds every persisted record. Required.
		StateDir string
		// ExtractDir overrides <StateDir>/extract.
		ExtractDir string
		// Files maps artifact file names to container paths. Defaults to
		// recipe.DefaultFiles.
		Files map[string]string
	}

	// TrainOptions configures Train.
	TrainOptions struct {
		Binds  []session.Bind
		Env    map[string]string
		Stdout io.Writer
		Stderr io.Writer
		// Progress is called before each training step runs.
		Progress func(index, total int, step recipe.TrainingStep)
	}

	// TrainResult describes a successful training run.
	TrainResult struct {
		Artifact  *artifact.Artifact
		SessionID string
		Tag       registry.TagName
	}

	// TrainingError reports the training step that failed. The session has
	// been discarded.
	TrainingError struct {
		SessionID string
		Index     int
		Step      recipe.TrainingStep
		ExitCode  int
		Err       error
	}

	// Pipeline is the assembled kiln state.
	Pipeline struct {
		engine    container.Engine
		store     *artifact.Store
		cache     *artifact.Cache
		sessions  *session.Orchestrator
		committer *snapshot.Committer
		builder   *builder.Builder
		registry  *registry.Registry
		overlay   *overlay.Manager
		files     map[string]string
	}
)

func (e *TrainingError) Error() string {
	label := e.Step.Name
	if label == "" {
		label = fmt.Sprintf("#%d", e.Index+1)
	}
	if e.Err != nil && e.ExitCode == 0 {
		return fmt.Sprintf("training step %s failed: %v", label, e.Err)
	}
	return fmt.Sprintf("training step %s failed with exit status %d", label, e.ExitCode)
}

func (e *TrainingError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrTraining}
	}
	return []error{ErrTraining, e.Err}
}

// Open creates the engine of the given type (rooted under the state
// directory for the virtual engine) and assembles a Pipeline on it.
func Open(engineType container.EngineType, opts Options) (*Pipeline, error) {
	if opts.StateDir == "" {
		return nil, errors.New("state directory is required")
	}
	engine, err := container.NewEngine(engineType, filepath.Join(opts.StateDir, engineDir))
	if err != nil {
		return nil, err
	}
	return New(engine, opts)
}

// New assembles a Pipeline on an existing engine.
func New(engine container.Engine, opts Options) (*Pipeline, error) {
	if opts.StateDir == "" {
		return nil, errors.New("state directory is required")
	}
	store, err := artifact.NewStore(filepath.Join(opts.StateDir, artifactsDir))
	if err != nil {
		return nil, err
	}
	cache, err := artifact.NewCache(filepath.Join(opts.StateDir, cacheDir))
	if err != nil {
		return nil, err
	}
	sessions, err := session.NewOrchestrator(engine, store, filepath.Join(opts.StateDir, sessionsDir))
	if err != nil {
		return nil, err
	}
	tags, err := registry.New(opts.StateDir, store)
	if err != nil {
		return nil, err
	}
	files := opts.Files
	if len(files) == 0 {
		files = recipe.DefaultFiles()
	}
	extract := opts.ExtractDir
	if extract == "" {
		extract = filepath.Join(opts.StateDir, extractDir)
	}
	committer := snapshot.New(sessions, store)
	return &Pipeline{
		engine:    engine,
		store:     store,
		cache:     cache,
		sessions:  sessions,
		committer: committer,
		builder:   builder.New(engine, store, cache, sessions, committer),
		registry:  tags,
		overlay:   overlay.New(sessions, files, extract),
		files:     files,
	}, nil
}

// Engine returns the container engine.
func (p *Pipeline) Engine() container.Engine { return p.engine }

// Sessions returns the session orchestrator.
func (p *Pipeline) Sessions() *session.Orchestrator { return p.sessions }

// Store returns the artifact store.
func (p *Pipeline) Store() *artifact.Store { return p.store }

// Registry returns the tag registry.
func (p *Pipeline) Registry() *registry.Registry { return p.registry }

// Overlay returns the overlay manager.
func (p *Pipeline) Overlay() *overlay.Manager { return p.overlay }

// BuildBase builds r and, when tag is non-empty, tags the result.
func (p *Pipeline) BuildBase(ctx context.Context, r *recipe.Recipe, tag registry.TagName, opts builder.Options) (*builder.Result, error) {
	if err := validTag(tag); err != nil {
		return nil, err
	}
	res, err := p.builder.Build(ctx, r, opts)
	if err != nil {
		return nil, err
	}
	if tag != "" {
		if err := p.registry.Tag(res.Artifact.ID, tag); err != nil {
			return res, err
		}
	}
	return res, nil
}

// Resolve turns a tag, full id or unique id prefix into an artifact.
func (p *Pipeline) Resolve(ref string) (*artifact.Artifact, error) {
	id, err := p.registry.ResolveRef(ref)
	if err != nil {
		return nil, err
	}
	return p.store.Get(id)
}

// StartSession starts a session on the artifact ref names.
func (p *Pipeline) StartSession(ctx context.Context, ref string, opts session.StartOptions) (*session.Session, error) {
	a, err := p.Resolve(ref)
	if err != nil {
		return nil, err
	}
	return p.sessions.Start(ctx, a.ID, opts)
}

// ExecInSession runs argv in the session and returns its exit status.
func (p *Pipeline) ExecInSession(ctx context.Context, id string, argv []string, eio session.ExecIO) (int, error) {
	return p.sessions.Exec(ctx, id, argv, eio)
}

// CommitSession commits the session and, when tag is non-empty, tags the
// new artifact. An invalid tag is rejected before anything is committed.
func (p *Pipeline) CommitSession(ctx context.Context, id string, tag registry.TagName) (*artifact.Artifact, error) {
	if err := validTag(tag); err != nil {
		return nil, err
	}
	a, err := p.committer.Commit(ctx, id)
	if err != nil {
		return nil, err
	}
	if tag != "" {
		if err := p.registry.Tag(a.ID, tag); err != nil {
			return a, err
		}
	}
	return a, nil
}

// DiscardSession discards the session and removes its container.
func (p *Pipeline) DiscardSession(ctx context.Context, id string) error {
	return p.sessions.Discard(ctx, id)
}

// ExtractFiles copies the named files of the artifact ref names to the host.
func (p *Pipeline) ExtractFiles(ctx context.Context, ref string, names []string) (map[string]string, error) {
	a, err := p.Resolve(ref)
	if err != nil {
		return nil, err
	}
	return p.overlay.Extract(ctx, a.ID, names)
}

// MountDebug starts a session on ref with the named files overlaid from
// their host copies.
func (p *Pipeline) MountDebug(ctx context.Context, ref string, names []string, opts session.StartOptions) (*session.Session, error) {
	a, err := p.Resolve(ref)
	if err != nil {
		return nil, err
	}
	return p.overlay.Mount(ctx, a.ID, names, opts)
}

// Tag binds name to the artifact ref names.
func (p *Pipeline) Tag(ref string, name registry.TagName) (*artifact.Artifact, error) {
	a, err := p.Resolve(ref)
	if err != nil {
		return nil, err
	}
	return a, p.registry.Tag(a.ID, name)
}

// Lineage returns the artifact ref names followed by its ancestors.
func (p *Pipeline) Lineage(ref string) ([]*artifact.Artifact, error) {
	id, err := p.registry.ResolveRef(ref)
	if err != nil {
		return nil, err
	}
	return p.store.Lineage(id)
}

// Train runs the training steps in order in a fresh session on ref. The
// first failing step discards the session and returns a TrainingError;
// nothing is committed and tag is left as it was. On success the session is
// committed and, when tag is non-empty, the new artifact is tagged.
func (p *Pipeline) Train(ctx context.Context, ref string, training recipe.Training, tag registry.TagName, opts TrainOptions) (*TrainResult, error) {
	if err := validTag(tag); err != nil {
		return nil, err
	}
	if len(training.Steps) == 0 {
		return nil, errors.New("no training steps")
	}
	s, err := p.StartSession(ctx, ref, session.StartOptions{Binds: opts.Binds, Env: opts.Env})
	if err != nil {
		return nil, err
	}
	slog.Info("training started", "session", s.ShortID(), "base", artifact.ShortID(s.BaseArtifactID), "steps", len(training.Steps))

	eio := session.ExecIO{Stdout: opts.Stdout, Stderr: opts.Stderr}
	for i, step := range training.Steps {
		if opts.Progress != nil {
			opts.Progress(i, len(training.Steps), step)
		}
		code, err := p.sessions.Exec(ctx, s.ID, []string{"/bin/sh", "-c", recipe.TrainingScript(step.Command)}, eio)
		if err == nil {
			continue
		}
		if derr := p.sessions.Discard(context.WithoutCancel(ctx), s.ID); derr != nil {
			slog.Warn("failed to discard training session", "session", s.ID, "error", derr)
		}
		terr := &TrainingError{SessionID: s.ID, Index: i, Step: step, Err: err}
		var execErr *session.SessionExecError
		if errors.As(err, &execErr) {
			terr.ExitCode = code
		}
		return nil, terr
	}

	a, err := p.CommitSession(ctx, s.ID, tag)
	if err != nil {
		if a == nil {
			if derr := p.sessions.Stop(context.WithoutCancel(ctx), s.ID); derr != nil {
				slog.Warn("failed to stop training session", "session", s.ID, "error", derr)
			}
		}
		return nil, err
	}
	slog.Info("training committed", "artifact", artifact.ShortID(a.ID), "tag", tag)
	return &TrainResult{Artifact: a, SessionID: s.ID, Tag: tag}, nil
}

func validTag(tag registry.TagName) error {
	if tag == "" {
		return nil
	}
	if ok, errs := tag.IsValid(); !ok {
		return errs[0]
	}
	return nil
}
