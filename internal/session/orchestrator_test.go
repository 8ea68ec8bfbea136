// SPDX-License-Identifier: MPL-2.0

package session

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/kilnworks/kiln/internal/artifact"
	"github.com/kilnworks/kiln/internal/container"
)

type fixture struct {
	orch   *Orchestrator
	engine *container.VirtualEngine
	store  *artifact.Store
	base   string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	root := t.TempDir()
	engine, err := container.NewVirtualEngine(filepath.Join(root, "engine"))
	if err != nil {
		t.Fatalf("NewVirtualEngine() error = %v", err)
	}
	store, err := artifact.NewStore(filepath.Join(root, "artifacts"))
	if err != nil {
		t.Fatalf("NewStore() error = %v", err)
	}
	id, err := engine.PullImage(t.Context(), "debian:stable-slim")
	if err != nil {
		t.Fatalf("PullImage() error = %v", err)
	}
	base := &artifact.Artifact{ID: string(id), Kind: artifact.KindBase, CreatedAt: time.Now().UTC(), WorkDir: "/"}
	if err := store.Put(base); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	orch, err := NewOrchestrator(engine, store, filepath.Join(root, "sessions"))
	if err != nil {
		t.Fatalf("NewOrchestrator() error = %v", err)
	}
	return &fixture{orch: orch, engine: engine, store: store, base: base.ID}
}

func sh(script string) []string {
	return []string{"sh", "-c", script}
}

func (f *fixture) start(t *testing.T, opts StartOptions) *Session {
	t.Helper()
	s, err := f.orch.Start(t.Context(), f.base, opts)
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	return s
}

func (f *fixture) state(t *testing.T, id string) *Session {
	t.Helper()
	s, err := f.orch.Get(id)
	if err != nil {
		t.Fatalf("Get(%s) error = %v", id, err)
	}
	return s
}

func TestCanTransition(t *testing.T) {
	t.Parallel()

	tests := []struct {
		from, to State
		want     bool
	}{
		{StateCreated, StateRunning, true},
		{StateCreated, StateDiscarded, true},
		{StateCreated, StateCommitted, false},
		{StateRunning, StateSucceeded, true},
		{StateRunning, StateFailed, true},
		{StateSucceeded, StateCommitted, true},
		{StateSucceeded, StateRunning, true},
		{StateFailed, StateRunning, true},
		{StateFailed, StateCommitted, false},
		{StateFailed, StateDiscarded, true},
		{StateCommitted, StateRunning, false},
		{StateCommitted, StateDiscarded, false},
		{StateDiscarded, StateRunning, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			t.Parallel()
			if got := CanTransition(tt.from, tt.to); got != tt.want {
				t.Errorf("CanTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
			}
		})
	}
}

func TestOrchestrator_Lifecycle(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := t.Context()

	s := f.start(t, StartOptions{})
	if s.State != StateCreated || s.ExitStatus != nil {
		t.Fatalf("new session = %s/%v, want created with no exit status", s.State, s.ExitStatus)
	}
	if s.BaseArtifactID != f.base {
		t.Errorf("BaseArtifactID = %s, want %s", s.BaseArtifactID, f.base)
	}

	code, err := f.orch.Exec(ctx, s.ID, sh("exit 3"), ExecIO{})
	if code != 3 {
		t.Errorf("Exec() code = %d, want 3", code)
	}
	var execErr *SessionExecError
	if !errors.As(err, &execErr) || execErr.ExitCode != 3 || !errors.Is(err, ErrSessionExec) {
		t.Fatalf("Exec() error = %v, want SessionExecError with status 3", err)
	}
	got := f.state(t, s.ID)
	if got.State != StateFailed || got.ExitStatus == nil || *got.ExitStatus != 3 {
		t.Fatalf("after failing command: %s/%v", got.State, got.ExitStatus)
	}
	if got.Succeeded() {
		t.Error("Succeeded() = true after a failing command")
	}

	// A failed session can be re-run into success.
	if code, err := f.orch.Exec(ctx, s.ID, sh("true"), ExecIO{}); err != nil || code != 0 {
		t.Fatalf("Exec(true) = %d, %v", code, err)
	}
	got = f.state(t, s.ID)
	if !got.Succeeded() {
		t.Fatalf("after re-run: %s/%v, want succeeded/0", got.State, got.ExitStatus)
	}
	if strings.Join(got.LastCommand, " ") != "sh -c true" {
		t.Errorf("LastCommand = %v", got.LastCommand)
	}

	if err := f.orch.Discard(ctx, s.ID); err != nil {
		t.Fatalf("Discard() error = %v", err)
	}
	if got := f.state(t, s.ID); got.State != StateDiscarded {
		t.Errorf("State = %s, want discarded", got.State)
	}
	if _, err := os.Stat(filepath.Join(f.engine.Root(), "containers", string(s.ContainerID))); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("container tree still present after discard: %v", err)
	}

	if _, err := f.orch.Exec(ctx, s.ID, sh("true"), ExecIO{}); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("Exec() on discarded session error = %v, want ErrInvalidTransition", err)
	}
	if err := f.orch.Discard(ctx, s.ID); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("second Discard() error = %v, want ErrInvalidTransition", err)
	}
	if err := f.orch.Stop(ctx, s.ID); err != nil {
		t.Errorf("Stop() on discarded session error = %v, want nil", err)
	}
}

func TestOrchestrator_StopDiscardsLiveSession(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	s := f.start(t, StartOptions{})
	if err := f.orch.Stop(t.Context(), s.ID); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if got := f.state(t, s.ID); got.State != StateDiscarded {
		t.Errorf("State = %s, want discarded", got.State)
	}
}

func TestOrchestrator_SessionsDoNotShareWritableLayer(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := t.Context()

	a := f.start(t, StartOptions{})
	b := f.start(t, StartOptions{})

	if _, err := f.orch.Exec(ctx, a.ID, sh("echo a > /tmp/only-in-a"), ExecIO{}); err != nil {
		t.Fatalf("Exec(a) error = %v", err)
	}
	code, err := f.orch.Exec(ctx, b.ID, sh("[ -f /tmp/only-in-a ]"), ExecIO{})
	if code != 1 || !errors.Is(err, ErrSessionExec) {
		t.Errorf("file written in a visible in b: code=%d err=%v", code, err)
	}
	if got := f.state(t, a.ID); got.BaseArtifactID != f.base {
		t.Errorf("base changed: %s", got.BaseArtifactID)
	}
}

func TestOrchestrator_Binds(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := t.Context()

	host := t.TempDir()
	if err := os.WriteFile(filepath.Join(host, "input.txt"), []byte("corpus\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	s := f.start(t, StartOptions{Binds: []Bind{{Host: host, Target: "/data", ReadOnly: true}}})

	var out bytes.Buffer
	if _, err := f.orch.Exec(ctx, s.ID, sh("cat /data/input.txt"), ExecIO{Stdout: &out}); err != nil {
		t.Fatalf("Exec() error = %v", err)
	}
	if out.String() != "corpus\n" {
		t.Errorf("stdout = %q", out.String())
	}
	if _, err := f.orch.Exec(ctx, s.ID, sh("echo x > /data/new"), ExecIO{Stderr: &bytes.Buffer{}}); !errors.Is(err, ErrSessionExec) {
		t.Errorf("write to read-only bind error = %v, want ErrSessionExec", err)
	}

	got := f.state(t, s.ID)
	if len(got.Binds) != 1 || got.Binds[0].Target != "/data" || !got.Binds[0].ReadOnly {
		t.Errorf("Binds = %+v", got.Binds)
	}
}

func TestOrchestrator_InvalidBind(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	_, err := f.orch.Start(t.Context(), f.base, StartOptions{Binds: []Bind{{Host: "relative", Target: "/data"}}})
	if !errors.Is(err, container.ErrInvalidVolumeMount) {
		t.Errorf("Start() error = %v, want ErrInvalidVolumeMount", err)
	}
	sessions, err := f.orch.List()
	if err != nil {
		t.Fatal(err)
	}
	if len(sessions) != 0 {
		t.Errorf("List() = %d sessions, want 0", len(sessions))
	}
}

func TestOrchestrator_StartUnknownBase(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	if _, err := f.orch.Start(t.Context(), "sha256:"+strings.Repeat("0", 64), StartOptions{}); !errors.Is(err, artifact.ErrNotFound) {
		t.Errorf("Start() error = %v, want artifact.ErrNotFound", err)
	}
}

func TestOrchestrator_ExecsAreSerialized(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := t.Context()
	s := f.start(t, StartOptions{})

	const n = 8
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := f.orch.Exec(ctx, s.ID, sh("echo line >> /tmp/log"), ExecIO{}); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Errorf("concurrent Exec() error = %v", err)
	}

	var out bytes.Buffer
	if _, err := f.orch.Exec(ctx, s.ID, sh("cat /tmp/log"), ExecIO{Stdout: &out}); err != nil {
		t.Fatal(err)
	}
	if got := strings.Count(out.String(), "line\n"); got != n {
		t.Errorf("log has %d lines, want %d", got, n)
	}
	if got := f.state(t, s.ID); got.State != StateSucceeded {
		t.Errorf("State = %s, want succeeded", got.State)
	}
}

func TestOrchestrator_FinishErrorLeavesSession(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	s := f.start(t, StartOptions{})

	boom := errors.New("boom")
	_, err := f.orch.Finish(t.Context(), s.ID, StateCommitted, func(*Session) error { return boom })
	if !errors.Is(err, boom) {
		t.Fatalf("Finish() error = %v, want boom", err)
	}
	if got := f.state(t, s.ID); got.State != StateCreated {
		t.Errorf("State = %s, want created", got.State)
	}
	if _, err := f.orch.Finish(t.Context(), s.ID, StateRunning, nil); err == nil {
		t.Error("Finish() to a non-final state succeeded")
	}
}

func TestOrchestrator_StaleRunningRecord(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	s := f.start(t, StartOptions{})

	s.State = StateRunning
	if err := f.orch.save(s); err != nil {
		t.Fatal(err)
	}
	if _, err := f.orch.Exec(t.Context(), s.ID, sh("true"), ExecIO{}); err != nil {
		t.Fatalf("Exec() after stale running record error = %v", err)
	}
	if got := f.state(t, s.ID); !got.Succeeded() {
		t.Errorf("State = %s, want succeeded", got.State)
	}
}

func TestOrchestrator_GetListForget(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	clock := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	f.orch.now = func() time.Time {
		clock = clock.Add(time.Second)
		return clock
	}
	first := f.start(t, StartOptions{})
	second := f.start(t, StartOptions{})

	got, err := f.orch.Get(first.ID[:minPrefixLen])
	if err != nil || got.ID != first.ID {
		t.Fatalf("Get(prefix) = %v, %v", got, err)
	}
	if _, err := f.orch.Get("nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get(nope) error = %v, want ErrNotFound", err)
	}

	list, err := f.orch.List()
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 2 || list[0].ID != first.ID || list[1].ID != second.ID {
		t.Fatalf("List() order wrong: %v", list)
	}

	if err := f.orch.Discard(context.Background(), first.ID); err != nil {
		t.Fatal(err)
	}
	n, err := f.orch.Forget()
	if err != nil || n != 1 {
		t.Fatalf("Forget() = %d, %v; want 1", n, err)
	}
	if _, err := f.orch.Get(first.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("forgotten session still resolvable: %v", err)
	}
	if _, err := f.orch.Get(second.ID); err != nil {
		t.Errorf("live session lost: %v", err)
	}
}

func TestParseBind(t *testing.T) {
	t.Parallel()

	b, err := ParseBind("/host/data:/data:ro")
	if err != nil {
		t.Fatal(err)
	}
	if b != (Bind{Host: "/host/data", Target: "/data", ReadOnly: true}) {
		t.Errorf("ParseBind() = %+v", b)
	}
	if _, err := ParseBind("nocolon"); err == nil {
		t.Error("ParseBind(nocolon) succeeded")
	}
}
