// SPDX-License-Identifier: MPL-2.0

package snapshot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"time"

	"github.com/kilnworks/kiln/internal/artifact"
	"github.com/kilnworks/kiln/internal/container"
	"github.com/kilnworks/kiln/internal/session"
)

// ErrPrecondition is the sentinel wrapped by PreconditionError.
var ErrPrecondition = errors.New("session cannot be committed")

type (
	// ArtifactStore is the part of the artifact store the committer writes to.
	ArtifactStore interface {
		Get(id string) (*artifact.Artifact, error)
		Put(a *artifact.Artifact) error
	}

	// PreconditionError reports a commit of a session whose most recent
	// command did not succeed. Nothing is published.
	PreconditionError struct {
		SessionID  string
		State      session.State
		ExitStatus *int
	}

	// Options overrides what Commit records. Zero values keep the defaults:
	// kind commit and the base artifact's configuration plus session env.
	Options struct {
		Kind       artifact.Kind
		Step       string
		RecipeHash string
		Config     *container.CommitOptions
	}

	// Committer publishes session snapshots.
	Committer struct {
		sessions *session.Orchestrator
		store    ArtifactStore
		now      func() time.Time
	}
)

func (e *PreconditionError) Error() string {
	status := "none"
	if e.ExitStatus != nil {
		status = fmt.Sprint(*e.ExitStatus)
	}
	return fmt.Sprintf("session %s is %s (exit status %s); only succeeded sessions can be committed",
		e.SessionID, e.State, status)
}

func (e *PreconditionError) Unwrap() error { return ErrPrecondition }

// New returns a Committer over sessions that records artifacts in store.
func New(sessions *session.Orchestrator, store ArtifactStore) *Committer {
	return &Committer{sessions: sessions, store: store, now: time.Now}
}

// Commit snapshots the session's writable layer on top of its base and
// records the result with the base as parent. The session moves to
// committed and its container is removed. Commits of identical content
// still get distinct ids; TreeDigest makes equal content observable.
func (c *Committer) Commit(ctx context.Context, sessionID string) (*artifact.Artifact, error) {
	return c.CommitWithOptions(ctx, sessionID, Options{})
}

// CommitWithOptions is Commit with explicit record fields.
func (c *Committer) CommitWithOptions(ctx context.Context, sessionID string, opts Options) (*artifact.Artifact, error) {
	var published *artifact.Artifact
	_, err := c.sessions.Finish(ctx, sessionID, session.StateCommitted, func(s *session.Session) error {
		if !s.Succeeded() {
			return &PreconditionError{SessionID: s.ID, State: s.State, ExitStatus: s.ExitStatus}
		}
		a, err := c.snapshot(ctx, s, opts)
		if err != nil {
			return err
		}
		s.ArtifactID = a.ID
		published = a
		return nil
	})
	if err != nil {
		return nil, err
	}
	return published, nil
}

func (c *Committer) snapshot(ctx context.Context, s *session.Session, o Options) (*artifact.Artifact, error) {
	base, err := c.store.Get(s.BaseArtifactID)
	if err != nil {
		return nil, err
	}
	engine := c.sessions.Engine()

	var opts container.CommitOptions
	if o.Config != nil {
		opts = *o.Config
	} else {
		env := maps.Clone(base.Env)
		if env == nil && len(s.Env) > 0 {
			env = make(map[string]string, len(s.Env))
		}
		maps.Copy(env, s.Env)
		opts = container.CommitOptions{
			User:       base.User,
			WorkDir:    base.WorkDir,
			Env:        env,
			Entrypoint: slices.Clone(base.Entrypoint),
		}
	}
	kind := o.Kind
	if kind == "" {
		kind = artifact.KindCommit
	}

	id, err := engine.Commit(ctx, s.ContainerID, opts)
	if err != nil {
		return nil, fmt.Errorf("commit session %s: %w", s.ShortID(), err)
	}
	digest, err := engine.TreeDigest(ctx, id)
	if err != nil {
		slog.Warn("could not digest committed image", "image", id, "error", err)
	}

	a := &artifact.Artifact{
		ID:         string(id),
		ParentID:   base.ID,
		Kind:       kind,
		CreatedAt:  c.now().UTC(),
		Entrypoint: opts.Entrypoint,
		User:       opts.User,
		WorkDir:    opts.WorkDir,
		Env:        opts.Env,
		RecipeHash: o.RecipeHash,
		Step:       o.Step,
		TreeDigest: digest,
		SessionID:  s.ID,
	}
	if err := c.store.Put(a); err != nil {
		if rmErr := engine.RemoveImage(context.WithoutCancel(ctx), string(id), true); rmErr != nil {
			slog.Warn("failed to remove unrecorded image", "image", id, "error", rmErr)
		}
		return nil, err
	}
	slog.Debug("session committed", "session", s.ID, "artifact", a.ID, "parent", base.ID)
	return a, nil
}
