// SPDX-License-Identifier: MPL-2.0

package container

import (
	"context"
	"errors"
	"slices"
	"strings"
	"testing"

	"github.com/kilnworks/kiln/internal/issue"
)

func TestBaseCLIEngine_CreateArgs(t *testing.T) {
	t.Parallel()
	engine := NewBaseCLIEngine("/usr/bin/docker")

	tests := []struct {
		name     string
		opts     CreateOptions
		expected []string
	}{
		{
			name:     "minimal",
			opts:     CreateOptions{Image: "debian:stable"},
			expected: []string{"run", "-d", "-i", "--entrypoint", "/bin/sh", "debian:stable"},
		},
		{
			name: "all options",
			opts: CreateOptions{
				Image:   "sha256:abc",
				Name:    "kiln-session-1",
				User:    "trainer",
				WorkDir: "/work",
				Env:     map[string]string{"B": "2", "A": "1"},
				Volumes: []VolumeMount{{HostPath: "/data", ContainerPath: "/mnt/data", ReadOnly: true}},
			},
			expected: []string{
				"run", "-d", "-i", "--entrypoint", "/bin/sh",
				"--name", "kiln-session-1",
				"-u", "trainer",
				"-w", "/work",
				"-e", "A=1", "-e", "B=2",
				"-v", "/data:/mnt/data:ro",
				"sha256:abc",
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := engine.CreateArgs(tt.opts); !slices.Equal(got, tt.expected) {
				t.Errorf("CreateArgs() = %v, want %v", got, tt.expected)
			}
		})
	}
}

func TestBaseCLIEngine_ExecArgs(t *testing.T) {
	t.Parallel()
	engine := NewBaseCLIEngine("/usr/bin/docker")

	tests := []struct {
		name     string
		opts     ExecOptions
		expected []string
	}{
		{
			name:     "no stdin",
			opts:     ExecOptions{},
			expected: []string{"exec", "c1", "sh", "-c", "true"},
		},
		{
			name:     "stdin attaches interactive",
			opts:     ExecOptions{Stdin: strings.NewReader("")},
			expected: []string{"exec", "-i", "c1", "sh", "-c", "true"},
		},
		{
			name:     "tty with user workdir and env",
			opts:     ExecOptions{TTY: true, User: "u", WorkDir: "/w", Env: map[string]string{"K": "V"}},
			expected: []string{"exec", "-i", "-t", "-u", "u", "-w", "/w", "-e", "K=V", "c1", "sh", "-c", "true"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := engine.ExecArgs("c1", []string{"sh", "-c", "true"}, tt.opts)
			if !slices.Equal(got, tt.expected) {
				t.Errorf("ExecArgs() = %v, want %v", got, tt.expected)
			}
		})
	}
}

func TestBaseCLIEngine_CommitArgs(t *testing.T) {
	t.Parallel()
	engine := NewBaseCLIEngine("/usr/bin/docker")

	got := engine.CommitArgs("c1", CommitOptions{
		User:       "trainer",
		WorkDir:    "/work",
		Env:        map[string]string{"PATH": "/bin"},
		Entrypoint: []string{"/opt/run.sh", "--serve"},
	})
	expected := []string{
		"commit",
		"--change", "USER trainer",
		"--change", "WORKDIR /work",
		"--change", "ENV PATH=/bin",
		"--change", `ENTRYPOINT ["/opt/run.sh","--serve"]`,
		"--change", "CMD []",
		"c1",
	}
	if !slices.Equal(got, expected) {
		t.Errorf("CommitArgs() = %v, want %v", got, expected)
	}

	minimal := engine.CommitArgs("c1", CommitOptions{})
	if !slices.Contains(minimal, "ENTRYPOINT []") {
		t.Errorf("CommitArgs() without entrypoint = %v, want ENTRYPOINT []", minimal)
	}
}

func TestBaseCLIEngine_CopyAndRemoveArgs(t *testing.T) {
	t.Parallel()
	engine := NewBaseCLIEngine("/usr/bin/docker")

	tests := []struct {
		name     string
		got      []string
		expected []string
	}{
		{"copy to", engine.CopyToArgs("c1", "/host/a", "/ctr/a"), []string{"cp", "/host/a", "c1:/ctr/a"}},
		{"copy from", engine.CopyFromArgs("c1", "/ctr/a", "/host/a"), []string{"cp", "c1:/ctr/a", "/host/a"}},
		{"remove", engine.RemoveArgs("c1", false), []string{"rm", "c1"}},
		{"force remove", engine.RemoveArgs("c1", true), []string{"rm", "-f", "c1"}},
		{"remove image", engine.RemoveImageArgs("img", true), []string{"rmi", "-f", "img"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if !slices.Equal(tt.got, tt.expected) {
				t.Errorf("got %v, want %v", tt.got, tt.expected)
			}
		})
	}
}

func TestBaseCLIEngine_CreateParsesLastLine(t *testing.T) {
	t.Parallel()
	engine, recorder := newMockEngine(t)
	recorder.Stdout = "Trying to pull...\nabc123\n"

	id, err := engine.Create(context.Background(), CreateOptions{Image: "debian"})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if id != "abc123" {
		t.Errorf("Create() = %q, want %q", id, "abc123")
	}
	recorder.AssertFirstArg(t, "run")
}

func TestBaseCLIEngine_CreateRejectsInvalidVolume(t *testing.T) {
	t.Parallel()
	engine, recorder := newMockEngine(t)

	_, err := engine.Create(context.Background(), CreateOptions{
		Image:   "debian",
		Volumes: []VolumeMount{{HostPath: "relative", ContainerPath: "/x"}},
	})
	if !errors.Is(err, ErrInvalidVolumeMount) {
		t.Fatalf("Create() error = %v, want ErrInvalidVolumeMount", err)
	}
	recorder.AssertInvocationCount(t, 0)
}

func TestBaseCLIEngine_ExecReportsExitCode(t *testing.T) {
	t.Parallel()
	engine, recorder := newMockEngine(t)
	recorder.ExitCode = 3

	result, err := engine.Exec(context.Background(), "c1", []string{"false"}, ExecOptions{})
	if err != nil {
		t.Fatalf("Exec() error = %v", err)
	}
	if result.ExitCode != 3 {
		t.Errorf("ExitCode = %d, want 3", result.ExitCode)
	}
	recorder.AssertFirstArg(t, "exec")
}

func TestBaseCLIEngine_ExecStreamsOutput(t *testing.T) {
	t.Parallel()
	engine, recorder := newMockEngine(t)
	recorder.Stdout = "hello"
	recorder.Stderr = "warn"

	var stdout, stderr strings.Builder
	result, err := engine.Exec(context.Background(), "c1", []string{"echo"}, ExecOptions{Stdout: &stdout, Stderr: &stderr})
	if err != nil {
		t.Fatalf("Exec() error = %v", err)
	}
	if result.ExitCode != 0 || stdout.String() != "hello" || stderr.String() != "warn" {
		t.Errorf("Exec() = %d %q %q", result.ExitCode, stdout.String(), stderr.String())
	}
}

func TestBaseCLIEngine_PullImage(t *testing.T) {
	t.Parallel()

	t.Run("present locally", func(t *testing.T) {
		t.Parallel()
		engine, recorder := newMockEngine(t)
		recorder.Stdout = "sha256:1111"

		id, err := engine.PullImage(context.Background(), "debian:stable")
		if err != nil {
			t.Fatalf("PullImage() error = %v", err)
		}
		if id != "sha256:1111" {
			t.Errorf("PullImage() = %q", id)
		}
		recorder.AssertInvocationCount(t, 1)
	})

	t.Run("pull fails", func(t *testing.T) {
		t.Parallel()
		engine, recorder := newMockEngine(t)
		recorder.ExitCode = 1
		recorder.Stderr = "manifest unknown"

		_, err := engine.PullImage(context.Background(), "nope:latest")
		var ae *issue.ActionableError
		if !errors.As(err, &ae) {
			t.Fatalf("PullImage() error = %v, want *issue.ActionableError", err)
		}
		if !strings.Contains(err.Error(), "manifest unknown") {
			t.Errorf("error %q does not carry engine stderr", err)
		}
		recorder.AssertInvocationCount(t, 2)
		recorder.AssertArgsContain(t, "pull nope:latest")
	})
}

func TestBaseCLIEngine_CommitRequiresID(t *testing.T) {
	t.Parallel()
	engine, _ := newMockEngine(t)

	if _, err := engine.Commit(context.Background(), "c1", CommitOptions{}); err == nil {
		t.Error("Commit() with empty output should fail")
	}
}

func TestBaseCLIEngine_TreeDigestIsStable(t *testing.T) {
	t.Parallel()
	engine, recorder := newMockEngine(t)
	recorder.Stdout = `["sha256:aa","sha256:bb"]`

	a, err := engine.TreeDigest(context.Background(), "sha256:1")
	if err != nil {
		t.Fatalf("TreeDigest() error = %v", err)
	}
	b, _ := engine.TreeDigest(context.Background(), "sha256:2")
	if a != b || !strings.HasPrefix(a, "sha256:") {
		t.Errorf("TreeDigest() = %q and %q, want equal sha256 digests", a, b)
	}
}

func TestEngineNotAvailableError(t *testing.T) {
	t.Parallel()
	err := &EngineNotAvailableError{Engine: EngineTypeDocker, Reason: "not installed"}
	if !errors.Is(err, ErrEngineNotAvailable) {
		t.Error("EngineNotAvailableError should wrap ErrEngineNotAvailable")
	}
	if !strings.Contains(err.Error(), "docker") {
		t.Errorf("Error() = %q", err.Error())
	}
}

func TestNewEngine_Virtual(t *testing.T) {
	t.Parallel()
	engine, err := NewEngine(EngineTypeVirtual, t.TempDir())
	if err != nil {
		t.Fatalf("NewEngine() error = %v", err)
	}
	if engine.Name() != "virtual" || !engine.Available() {
		t.Errorf("NewEngine(virtual) = %s available=%v", engine.Name(), engine.Available())
	}
	if _, err := NewEngine("lxc", t.TempDir()); err == nil {
		t.Error("NewEngine(lxc) should fail")
	}
}
