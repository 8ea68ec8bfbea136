// SPDX-License-Identifier: MPL-2.0

package builder

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"os"
	"path/filepath"
	"time"

	"github.com/kilnworks/kiln/internal/artifact"
	"github.com/kilnworks/kiln/internal/container"
	"github.com/kilnworks/kiln/internal/session"
	"github.com/kilnworks/kiln/internal/snapshot"
	"github.com/kilnworks/kiln/pkg/fspath"
	"github.com/kilnworks/kiln/pkg/recipe"
)

const (
	// SetupIndex is BuildError.Index for the privileged principal setup.
	SetupIndex = -1
	// BaseIndex is BuildError.Index for resolving the base image.
	BaseIndex = -2

	setupLabel = "setup"
	rootUser   = "root"

	defaultPath = "/usr/local/sbin:/usr/local/bin:/usr/sbin:/usr/bin:/sbin:/bin"
)

// ErrBuild is the sentinel wrapped by BuildError.
var ErrBuild = errors.New("build failed")

type (
	// Options configures one Build.
	Options struct {
		// ContextDir resolves relative copy sources.
		ContextDir string
		// NoCache executes every step even when a cached artifact exists.
		NoCache bool
		Stdout  io.Writer
		Stderr  io.Writer
		// Progress, when set, is called as each step starts or is reused.
		Progress func(StepResult)
	}

	// StepResult describes one step of a finished or running build.
	StepResult struct {
		Index      int
		Total      int
		Label      string
		Key        string
		ArtifactID string
		Cached     bool
	}

	// Result is a successful build.
	Result struct {
		Artifact *artifact.Artifact
		Steps    []StepResult
	}

	// BuildError reports the step that stopped a build. ExitCode is the
	// step's status, or 0 when the engine itself failed (see Err).
	BuildError struct {
		Step     string
		Index    int
		ExitCode int
		Err      error
	}

	// Builder turns recipes into base artifacts, one committed session per
	// step, reusing cached step artifacts by cumulative hash.
	Builder struct {
		engine    container.Engine
		store     *artifact.Store
		cache     *artifact.Cache
		sessions  *session.Orchestrator
		committer *snapshot.Committer
		now       func() time.Time
	}
)

func (e *BuildError) Error() string {
	if e.Err != nil && e.ExitCode == 0 {
		return fmt.Sprintf("build step %s failed: %v", e.Step, e.Err)
	}
	return fmt.Sprintf("build step %s failed with exit status %d", e.Step, e.ExitCode)
}

func (e *BuildError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrBuild}
	}
	return []error{ErrBuild, e.Err}
}

// Executed returns how many steps ran instead of coming from the cache.
func (r *Result) Executed() int {
	n := 0
	for _, s := range r.Steps {
		if !s.Cached {
			n++
		}
	}
	return n
}

// New returns a Builder.
func New(engine container.Engine, store *artifact.Store, cache *artifact.Cache, sessions *session.Orchestrator, committer *snapshot.Committer) *Builder {
	return &Builder{
		engine:    engine,
		store:     store,
		cache:     cache,
		sessions:  sessions,
		committer: committer,
		now:       time.Now,
	}
}

// Build executes r and returns the published artifact. On failure no result
// is published; completed step artifacts stay cached.
func (b *Builder) Build(ctx context.Context, r *recipe.Recipe, opts Options) (*Result, error) {
	if err := r.Validate(); err != nil {
		return nil, err
	}
	keys, err := r.CacheKeys(b.inputDigest(opts.ContextDir))
	if err != nil {
		return nil, err
	}
	recipeHash := r.Hash()
	finalKey := keys[len(keys)-1]
	total := len(r.Steps) + 1

	if !opts.NoCache {
		if a, ok := b.cachedBuild(ctx, finalKey); ok {
			slog.Info("recipe already built", "recipe", recipeHash[:12], "artifact", artifact.ShortID(a.ID))
			return &Result{Artifact: a}, nil
		}
	}

	base, err := b.resolveBase(ctx, r.BaseImage)
	if err != nil {
		return nil, &BuildError{Step: "base " + r.BaseImage, Index: BaseIndex, Err: err}
	}

	res := &Result{}
	current := base
	basePath := defaultPath
	if p := base.Env["PATH"]; p != "" {
		basePath = p
	}

	for i := -1; i < len(r.Steps); i++ {
		key := keys[i+1]
		label := setupLabel
		if i >= 0 {
			label = r.Steps[i].Label()
		}
		step := StepResult{Index: i + 1, Total: total, Label: label, Key: key}
		last := i == len(r.Steps)-1

		if !opts.NoCache {
			if a, ok := b.cachedStep(ctx, key); ok {
				step.ArtifactID, step.Cached = a.ID, true
				b.report(opts, step)
				res.Steps = append(res.Steps, step)
				current = a
				continue
			}
		}
		b.report(opts, step)

		cfg := container.CommitOptions{
			User:    r.User,
			WorkDir: r.WorkDir,
			Env:     r.EnvAt(i + 1),
		}
		cfg.Env["PATH"] = r.PathEnv(basePath)

		commit := snapshot.Options{Kind: artifact.KindStep, Step: key, Config: &cfg}
		if last {
			commit.Kind = artifact.KindBuild
			commit.RecipeHash = recipeHash
		}

		var next *artifact.Artifact
		if i < 0 {
			next, err = b.runSetup(ctx, r, current, cfg.Env, commit, opts)
		} else {
			next, err = b.runStep(ctx, r, i, current, cfg.Env, commit, opts)
		}
		if err != nil {
			var be *BuildError
			if errors.As(err, &be) {
				be.Step, be.Index = label, i
				return nil, be
			}
			return nil, &BuildError{Step: label, Index: i, Err: err}
		}
		if err := b.cache.RecordStep(key, next.ID, label); err != nil {
			return nil, err
		}
		step.ArtifactID = next.ID
		res.Steps = append(res.Steps, step)
		current = next
	}

	if current.Kind != artifact.KindBuild || current.RecipeHash != recipeHash {
		// The final step came from the cache of a longer recipe; publish a
		// dedicated build record on top of it.
		published, err := b.publish(ctx, r, current, recipeHash, finalKey, opts)
		if err != nil {
			return nil, &BuildError{Step: "publish", Index: len(r.Steps), Err: err}
		}
		current = published
	}
	if err := b.cache.RecordBuild(finalKey, current.ID); err != nil {
		return nil, err
	}
	res.Artifact = current
	slog.Info("build complete", "recipe", recipeHash[:12], "artifact", artifact.ShortID(current.ID), "executed", res.Executed())
	return res, nil
}

func (b *Builder) report(opts Options, step StepResult) {
	if opts.Progress != nil {
		opts.Progress(step)
	}
	slog.Debug("build step", "index", step.Index, "label", step.Label, "cached", step.Cached)
}

// inputDigest folds copy sources into the cache key.
func (b *Builder) inputDigest(contextDir string) recipe.InputDigestFunc {
	return func(s recipe.Step) (string, error) {
		if s.Kind != recipe.StepCopy {
			return "", nil
		}
		return fspath.TreeDigest(sourcePath(contextDir, s.Source))
	}
}

func sourcePath(contextDir, source string) string {
	if filepath.IsAbs(source) {
		return source
	}
	return filepath.Join(contextDir, filepath.FromSlash(source))
}

// copySource makes a directory source copy its contents, like COPY does,
// rather than the directory itself.
func copySource(src string) string {
	if info, err := os.Stat(src); err == nil && info.IsDir() {
		return src + string(filepath.Separator) + "."
	}
	return src
}

// usable reports whether id is recorded and still present in the engine.
func (b *Builder) usable(ctx context.Context, id string) (*artifact.Artifact, bool) {
	a, err := b.store.Get(id)
	if err != nil {
		return nil, false
	}
	exists, err := b.engine.ImageExists(ctx, id)
	if err != nil || !exists {
		return nil, false
	}
	return a, true
}

func (b *Builder) cachedBuild(ctx context.Context, key string) (*artifact.Artifact, bool) {
	entry, ok, err := b.cache.LookupBuild(key)
	if err != nil || !ok {
		return nil, false
	}
	return b.usable(ctx, entry.ArtifactID)
}

func (b *Builder) cachedStep(ctx context.Context, key string) (*artifact.Artifact, bool) {
	entry, ok, err := b.cache.LookupStep(key)
	if err != nil || !ok {
		return nil, false
	}
	a, ok := b.usable(ctx, entry.ArtifactID)
	if !ok {
		slog.Debug("dropping stale cache entry", "key", key, "artifact", entry.ArtifactID)
		if err := b.cache.ForgetStep(key); err != nil {
			slog.Warn("failed to drop stale cache entry", "key", key, "error", err)
		}
	}
	return a, ok
}

// resolveBase pulls ref and returns its root artifact.
func (b *Builder) resolveBase(ctx context.Context, ref string) (*artifact.Artifact, error) {
	key := "base:" + ref
	if a, ok := b.cachedStep(ctx, key); ok {
		return a, nil
	}
	id, err := b.engine.PullImage(ctx, ref)
	if err != nil {
		return nil, err
	}
	a, err := b.store.Get(string(id))
	if errors.Is(err, artifact.ErrNotFound) {
		digest, dErr := b.engine.TreeDigest(ctx, id)
		if dErr != nil {
			slog.Warn("could not digest base image", "image", id, "error", dErr)
		}
		a = &artifact.Artifact{
			ID:         string(id),
			Kind:       artifact.KindBase,
			CreatedAt:  b.now().UTC(),
			Step:       key,
			TreeDigest: digest,
		}
		if err := b.store.Put(a); err != nil && !errors.Is(err, artifact.ErrExists) {
			return nil, err
		}
	} else if err != nil {
		return nil, err
	}
	if err := b.cache.RecordStep(key, a.ID, key); err != nil {
		return nil, err
	}
	return a, nil
}

// runSetup creates the principal as root.
func (b *Builder) runSetup(ctx context.Context, r *recipe.Recipe, from *artifact.Artifact, env map[string]string, commit snapshot.Options, opts Options) (*artifact.Artifact, error) {
	return b.inSession(ctx, from, session.StartOptions{User: rootUser, WorkDir: "/", Env: env}, commit, func(s *session.Session) error {
		return b.exec(ctx, s, r.SetupScript(), rootUser, opts)
	})
}

// runStep executes r.Steps[i] as the principal.
func (b *Builder) runStep(ctx context.Context, r *recipe.Recipe, i int, from *artifact.Artifact, env map[string]string, commit snapshot.Options, opts Options) (*artifact.Artifact, error) {
	s := r.Steps[i]
	start := session.StartOptions{User: r.User, WorkDir: r.WorkDir, Env: env}
	return b.inSession(ctx, from, start, commit, func(sess *session.Session) error {
		switch s.Kind {
		case recipe.StepCopy:
			if err := b.engine.CopyTo(ctx, sess.ContainerID, copySource(sourcePath(opts.ContextDir, s.Source)), s.Dest); err != nil {
				return err
			}
			return b.exec(ctx, sess, r.CopyOwnershipScript(s), rootUser, opts)
		case recipe.StepEnv:
			// Env only changes the committed configuration.
			return b.exec(ctx, sess, "true", "", opts)
		default:
			return b.exec(ctx, sess, r.Script(s), "", opts)
		}
	})
}

// publish commits from unchanged as the build result of recipeHash.
func (b *Builder) publish(ctx context.Context, r *recipe.Recipe, from *artifact.Artifact, recipeHash, key string, opts Options) (*artifact.Artifact, error) {
	cfg := container.CommitOptions{User: from.User, WorkDir: from.WorkDir, Env: maps.Clone(from.Env), Entrypoint: from.Entrypoint}
	commit := snapshot.Options{Kind: artifact.KindBuild, Step: key, RecipeHash: recipeHash, Config: &cfg}
	start := session.StartOptions{User: r.User, WorkDir: r.WorkDir}
	return b.inSession(ctx, from, start, commit, func(s *session.Session) error {
		return b.exec(ctx, s, "true", "", opts)
	})
}

// inSession starts a session on from, runs fn and commits on success. Any
// failure discards the session.
func (b *Builder) inSession(ctx context.Context, from *artifact.Artifact, start session.StartOptions, commit snapshot.Options, fn func(*session.Session) error) (*artifact.Artifact, error) {
	s, err := b.sessions.Start(ctx, from.ID, start)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := b.sessions.Stop(context.WithoutCancel(ctx), s.ID); err != nil {
			slog.Warn("failed to stop build session", "session", s.ID, "error", err)
		}
	}()
	if err := fn(s); err != nil {
		return nil, err
	}
	return b.committer.CommitWithOptions(ctx, s.ID, commit)
}

func (b *Builder) exec(ctx context.Context, s *session.Session, script, user string, opts Options) error {
	_, err := b.sessions.Exec(ctx, s.ID, []string{"/bin/sh", "-c", script}, session.ExecIO{
		Stdout: opts.Stdout,
		Stderr: opts.Stderr,
		User:   user,
	})
	var execErr *session.SessionExecError
	if errors.As(err, &execErr) {
		return &BuildError{ExitCode: execErr.ExitCode, Err: err}
	}
	return err
}
