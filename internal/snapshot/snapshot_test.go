// SPDX-License-Identifier: MPL-2.0

package snapshot

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/kilnworks/kiln/internal/artifact"
	"github.com/kilnworks/kiln/internal/container"
	"github.com/kilnworks/kiln/internal/session"
)

type fixture struct {
	sessions  *session.Orchestrator
	store     *artifact.Store
	committer *Committer
	base      string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	root := t.TempDir()
	engine, err := container.NewVirtualEngine(filepath.Join(root, "engine"))
	if err != nil {
		t.Fatal(err)
	}
	store, err := artifact.NewStore(filepath.Join(root, "artifacts"))
	if err != nil {
		t.Fatal(err)
	}
	id, err := engine.PullImage(t.Context(), "debian:stable-slim")
	if err != nil {
		t.Fatal(err)
	}
	base := &artifact.Artifact{
		ID:        string(id),
		Kind:      artifact.KindBase,
		CreatedAt: time.Now().UTC(),
		WorkDir:   "/",
		Env:       map[string]string{"PATH": "/opt/tools/bin:/usr/bin:/bin"},
	}
	if err := store.Put(base); err != nil {
		t.Fatal(err)
	}
	sessions, err := session.NewOrchestrator(engine, store, filepath.Join(root, "sessions"))
	if err != nil {
		t.Fatal(err)
	}
	return &fixture{sessions: sessions, store: store, committer: New(sessions, store), base: base.ID}
}

func (f *fixture) startFrom(t *testing.T, id string, opts session.StartOptions) *session.Session {
	t.Helper()
	s, err := f.sessions.Start(t.Context(), id, opts)
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	return s
}

func (f *fixture) exec(t *testing.T, id, script string) (int, string) {
	t.Helper()
	var out bytes.Buffer
	code, err := f.sessions.Exec(t.Context(), id, []string{"sh", "-c", script}, session.ExecIO{Stdout: &out, Stderr: &out})
	if err != nil && !errors.Is(err, session.ErrSessionExec) {
		t.Fatalf("Exec(%q) error = %v", script, err)
	}
	return code, out.String()
}

func (f *fixture) artifactCount(t *testing.T) int {
	t.Helper()
	all, err := f.store.List()
	if err != nil {
		t.Fatal(err)
	}
	return len(all)
}

func TestCommit_RefusesUnsuccessfulSessions(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		script    string
		wantState session.State
	}{
		{name: "never ran", wantState: session.StateCreated},
		{name: "last command failed", script: "echo partial > /partial; exit 3", wantState: session.StateFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			f := newFixture(t)
			s := f.startFrom(t, f.base, session.StartOptions{})
			if tt.script != "" {
				f.exec(t, s.ID, tt.script)
			}

			a, err := f.committer.Commit(t.Context(), s.ID)
			if a != nil {
				t.Errorf("Commit() returned artifact %s", a.ID)
			}
			var pre *PreconditionError
			if !errors.As(err, &pre) || !errors.Is(err, ErrPrecondition) {
				t.Fatalf("Commit() error = %v, want PreconditionError", err)
			}
			if pre.State != tt.wantState {
				t.Errorf("PreconditionError.State = %s, want %s", pre.State, tt.wantState)
			}
			if n := f.artifactCount(t); n != 1 {
				t.Errorf("artifact count = %d, want 1 (base only)", n)
			}
			got, err := f.sessions.Get(s.ID)
			if err != nil {
				t.Fatal(err)
			}
			if got.State != tt.wantState {
				t.Errorf("session state = %s, want %s", got.State, tt.wantState)
			}
		})
	}
}

func TestCommit_PublishesOverlay(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := t.Context()

	s := f.startFrom(t, f.base, session.StartOptions{Env: map[string]string{"CORPUS": "ldt"}})
	if code, out := f.exec(t, s.ID, "mkdir -p /srv && echo trained > /srv/model && rm /etc/group"); code != 0 {
		t.Fatalf("exec failed: %d %s", code, out)
	}

	a, err := f.committer.Commit(ctx, s.ID)
	if err != nil {
		t.Fatalf("Commit() error = %v", err)
	}
	if a.ParentID != f.base || a.Kind != artifact.KindCommit || a.SessionID != s.ID {
		t.Errorf("artifact = %+v", a)
	}
	if a.Env["PATH"] != "/opt/tools/bin:/usr/bin:/bin" || a.Env["CORPUS"] != "ldt" {
		t.Errorf("Env = %v", a.Env)
	}
	stored, err := f.store.Get(a.ID)
	if err != nil {
		t.Fatalf("committed artifact not addressable: %v", err)
	}
	if stored.TreeDigest == "" {
		t.Error("TreeDigest not recorded")
	}

	got, err := f.sessions.Get(s.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.State != session.StateCommitted || got.ArtifactID != a.ID {
		t.Errorf("session = %s/%s, want committed/%s", got.State, got.ArtifactID, a.ID)
	}
	if _, err := f.committer.Commit(ctx, s.ID); !errors.Is(err, session.ErrInvalidTransition) {
		t.Errorf("second Commit() error = %v, want ErrInvalidTransition", err)
	}

	// The new artifact is the base plus exactly the session's changes.
	child := f.startFrom(t, a.ID, session.StartOptions{})
	if code, out := f.exec(t, child.ID, "cat /srv/model"); code != 0 || out != "trained\n" {
		t.Errorf("cat /srv/model = %d %q", code, out)
	}
	if code, _ := f.exec(t, child.ID, "[ -e /etc/group ]"); code != 1 {
		t.Errorf("deleted file present in commit")
	}
	if code, _ := f.exec(t, child.ID, "[ -f /etc/passwd ]"); code != 0 {
		t.Errorf("base file missing from commit")
	}
	if code, _ := f.exec(t, child.ID, "[ -f /partial ]"); code != 1 {
		t.Errorf("unexpected file in commit")
	}
}

func TestCommit_ExcludesBinds(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	host := t.TempDir()
	if err := os.WriteFile(filepath.Join(host, "corpus.txt"), []byte("arma virumque\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	s := f.startFrom(t, f.base, session.StartOptions{Binds: []session.Bind{{Host: host, Target: "/data"}}})
	if code, out := f.exec(t, s.ID, "cat /data/corpus.txt > /tmp/copy"); code != 0 {
		t.Fatalf("exec failed: %d %s", code, out)
	}
	a, err := f.committer.Commit(t.Context(), s.ID)
	if err != nil {
		t.Fatal(err)
	}

	child := f.startFrom(t, a.ID, session.StartOptions{})
	if code, _ := f.exec(t, child.ID, "[ -e /data/corpus.txt ]"); code != 1 {
		t.Error("bound file captured by commit")
	}
	if code, out := f.exec(t, child.ID, "cat /tmp/copy"); code != 0 || out != "arma virumque\n" {
		t.Errorf("cat /tmp/copy = %d %q", code, out)
	}
}

func TestCommit_IdenticalContentGetsDistinctIDs(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	var ids []string
	var digests []string
	for range 2 {
		s := f.startFrom(t, f.base, session.StartOptions{})
		if code, out := f.exec(t, s.ID, "echo same > /same"); code != 0 {
			t.Fatalf("exec failed: %d %s", code, out)
		}
		a, err := f.committer.Commit(t.Context(), s.ID)
		if err != nil {
			t.Fatal(err)
		}
		ids = append(ids, a.ID)
		digests = append(digests, a.TreeDigest)
	}
	if ids[0] == ids[1] {
		t.Errorf("commits share id %s", ids[0])
	}
	if digests[0] != digests[1] {
		t.Errorf("equal content, different digests: %s vs %s", digests[0], digests[1])
	}
}

func TestPreconditionError_Message(t *testing.T) {
	t.Parallel()

	status := 2
	err := &PreconditionError{SessionID: "abc", State: session.StateFailed, ExitStatus: &status}
	want := "session abc is failed (exit status 2); only succeeded sessions can be committed"
	if err.Error() != want {
		t.Errorf("Error() = %q, want %q", err.Error(), want)
	}
	err = &PreconditionError{SessionID: "abc", State: session.StateCreated}
	if got := err.Error(); got != "session abc is created (exit status none); only succeeded sessions can be committed" {
		t.Errorf("Error() = %q", got)
	}
}
