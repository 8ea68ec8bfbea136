// SPDX-License-Identifier: MPL-2.0

package container

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
)

func newVirtualContainer(t *testing.T, opts CreateOptions) (*VirtualEngine, ContainerID) {
	t.Helper()
	engine, err := NewVirtualEngine(t.TempDir())
	if err != nil {
		t.Fatalf("NewVirtualEngine() error = %v", err)
	}
	image, err := engine.PullImage(context.Background(), "debian:stable")
	if err != nil {
		t.Fatalf("PullImage() error = %v", err)
	}
	opts.Image = image
	id, err := engine.Create(context.Background(), opts)
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	return engine, id
}

func runVirtual(t *testing.T, engine *VirtualEngine, id ContainerID, script string, opts ExecOptions) (int, string, string) {
	t.Helper()
	var stdout, stderr strings.Builder
	opts.Stdout, opts.Stderr = &stdout, &stderr
	result, err := engine.Exec(context.Background(), id, []string{"sh", "-c", script}, opts)
	if err != nil {
		t.Fatalf("Exec(%q) error = %v", script, err)
	}
	return result.ExitCode, stdout.String(), stderr.String()
}

func TestVirtualEngine_PullImageIsIdempotent(t *testing.T) {
	t.Parallel()
	engine, err := NewVirtualEngine(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	first, err := engine.PullImage(ctx, "debian:stable")
	if err != nil {
		t.Fatalf("PullImage() error = %v", err)
	}
	second, err := engine.PullImage(ctx, "debian:stable")
	if err != nil {
		t.Fatalf("PullImage() error = %v", err)
	}
	if first != second {
		t.Errorf("PullImage() ids differ: %s vs %s", first, second)
	}
	if !isImageID(string(first)) {
		t.Errorf("PullImage() = %q, want sha256 id", first)
	}
	for _, name := range []string{"debian:stable", string(first), strings.TrimPrefix(string(first), "sha256:")} {
		if ok, err := engine.ImageExists(ctx, name); err != nil || !ok {
			t.Errorf("ImageExists(%q) = %v, %v", name, ok, err)
		}
	}
	if ok, _ := engine.ImageExists(ctx, "alpine:3"); ok {
		t.Error("ImageExists(alpine:3) = true before pull")
	}
}

func TestVirtualEngine_PullImageFromSource(t *testing.T) {
	t.Parallel()
	src := t.TempDir()
	if err := os.MkdirAll(filepath.Join(src, "opt"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(src, "opt", "marker"), []byte("seeded\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	engine, err := NewVirtualEngine(t.TempDir(), WithImageSource("custom:1", src))
	if err != nil {
		t.Fatal(err)
	}
	image, err := engine.PullImage(context.Background(), "custom:1")
	if err != nil {
		t.Fatalf("PullImage() error = %v", err)
	}
	id, err := engine.Create(context.Background(), CreateOptions{Image: image})
	if err != nil {
		t.Fatal(err)
	}
	code, out, _ := runVirtual(t, engine, id, "cat /opt/marker", ExecOptions{})
	if code != 0 || out != "seeded\n" {
		t.Errorf("cat /opt/marker = %d %q", code, out)
	}
}

func TestVirtualEngine_ExecWritesIntoContainerTree(t *testing.T) {
	t.Parallel()
	engine, id := newVirtualContainer(t, CreateOptions{})

	code, _, stderr := runVirtual(t, engine, id, "echo trained > /model.bin && mkdir -p /opt/out && cp /model.bin /opt/out/", ExecOptions{})
	if code != 0 {
		t.Fatalf("exit = %d, stderr = %q", code, stderr)
	}
	if _, err := os.Stat("/model.bin"); err == nil {
		t.Fatal("write escaped to the host root")
	}

	dst := filepath.Join(t.TempDir(), "model.bin")
	if err := engine.CopyFrom(context.Background(), id, "/opt/out/model.bin", dst); err != nil {
		t.Fatalf("CopyFrom() error = %v", err)
	}
	data, err := os.ReadFile(dst)
	if err != nil || string(data) != "trained\n" {
		t.Errorf("copied content = %q, %v", data, err)
	}

	other, err := engine.Create(context.Background(), CreateOptions{Image: mustPulled(t, engine)})
	if err != nil {
		t.Fatal(err)
	}
	if code, _, _ := runVirtual(t, engine, other, "[ -f /model.bin ]", ExecOptions{}); code == 0 {
		t.Error("second container sees the first container's file")
	}
}

func mustPulled(t *testing.T, engine *VirtualEngine) ImageID {
	t.Helper()
	id, err := engine.PullImage(context.Background(), "debian:stable")
	if err != nil {
		t.Fatal(err)
	}
	return id
}

func TestVirtualEngine_ExecExitCodes(t *testing.T) {
	t.Parallel()
	engine, id := newVirtualContainer(t, CreateOptions{})

	tests := []struct {
		name   string
		script string
		want   int
	}{
		{"success", "true", 0},
		{"explicit exit", "exit 7", 7},
		{"failed test", "[ -f /does/not/exist ]", 1},
		{"parse error", "if then", exitUsage},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if code, _, _ := runVirtual(t, engine, id, tt.script, ExecOptions{}); code != tt.want {
				t.Errorf("exit = %d, want %d", code, tt.want)
			}
		})
	}
}

func TestVirtualEngine_ExecArgvForms(t *testing.T) {
	t.Parallel()
	engine, id := newVirtualContainer(t, CreateOptions{})
	ctx := context.Background()

	var out strings.Builder
	if _, err := engine.Exec(ctx, id, []string{"sh", "-c", `echo "$0:$1"`, "a", "b"}, ExecOptions{Stdout: &out}); err != nil {
		t.Fatal(err)
	}
	if got := out.String(); got != "a:b\n" {
		t.Errorf("positional params = %q, want %q", got, "a:b\n")
	}

	out.Reset()
	if _, err := engine.Exec(ctx, id, []string{"sh"}, ExecOptions{Stdin: strings.NewReader("echo piped\n"), Stdout: &out}); err != nil {
		t.Fatal(err)
	}
	if got := out.String(); got != "piped\n" {
		t.Errorf("stdin script = %q", got)
	}

	out.Reset()
	if _, err := engine.Exec(ctx, id, []string{"echo", "two words"}, ExecOptions{Stdout: &out}); err != nil {
		t.Fatal(err)
	}
	if got := out.String(); got != "two words\n" {
		t.Errorf("plain argv = %q", got)
	}

	if _, err := engine.Exec(ctx, id, nil, ExecOptions{}); err == nil {
		t.Error("Exec() with empty argv should fail")
	}
}

func TestVirtualEngine_EnvAndWorkDir(t *testing.T) {
	t.Parallel()
	engine, id := newVirtualContainer(t, CreateOptions{WorkDir: "/work", Env: map[string]string{"STAGE": "build"}})

	code, out, _ := runVirtual(t, engine, id, `echo "$STAGE $EXTRA $HOME"; touch here`, ExecOptions{Env: map[string]string{"EXTRA": "x"}})
	if code != 0 || out != "build x /root\n" {
		t.Errorf("env = %d %q", code, out)
	}
	if code, _, _ := runVirtual(t, engine, id, "[ -f /work/here ]", ExecOptions{}); code != 0 {
		t.Error("relative path did not resolve against the working directory")
	}
	if code, _, _ := runVirtual(t, engine, id, "cd /tmp && touch there && [ -f /tmp/there ]", ExecOptions{}); code != 0 {
		t.Error("cd did not move into the container tree")
	}
	if code, _, _ := runVirtual(t, engine, id, "true", ExecOptions{WorkDir: "/missing"}); code != exitCannotExec {
		t.Errorf("missing workdir exit = %d, want %d", code, exitCannotExec)
	}
}

func TestVirtualEngine_Users(t *testing.T) {
	t.Parallel()
	engine, id := newVirtualContainer(t, CreateOptions{})

	code, _, stderr := runVirtual(t, engine, id, "true", ExecOptions{User: "trainer"})
	if code != exitCannotExec || !strings.Contains(stderr, "unable to find user trainer") {
		t.Fatalf("unknown user = %d %q", code, stderr)
	}

	if code, _, stderr := runVirtual(t, engine, id, "useradd -m trainer && chown -R trainer:trainer /home/trainer", ExecOptions{}); code != 0 {
		t.Fatalf("useradd = %d %q", code, stderr)
	}
	if code, _, _ := runVirtual(t, engine, id, "useradd trainer", ExecOptions{}); code != exitUserExists {
		t.Errorf("duplicate useradd = %d, want %d", code, exitUserExists)
	}

	code, out, _ := runVirtual(t, engine, id, `echo "$USER $HOME"; [ -d "$HOME" ]`, ExecOptions{User: "trainer"})
	if code != 0 || out != "trainer /home/trainer\n" {
		t.Errorf("exec as trainer = %d %q", code, out)
	}

	if code, _, stderr := runVirtual(t, engine, id, "chown nobody /home", ExecOptions{}); code != 1 || !strings.Contains(stderr, "invalid user") {
		t.Errorf("chown unknown user = %d %q", code, stderr)
	}
	if code, _, _ := runVirtual(t, engine, id, "chown trainer /nope", ExecOptions{}); code != 1 {
		t.Errorf("chown missing path = %d, want 1", code)
	}
}

func TestVirtualEngine_Mounts(t *testing.T) {
	t.Parallel()
	in := t.TempDir()
	if err := os.WriteFile(filepath.Join(in, "data.csv"), []byte("a,b\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	scratch := t.TempDir()

	engine, id := newVirtualContainer(t, CreateOptions{Volumes: []VolumeMount{
		{HostPath: HostFilesystemPath(in), ContainerPath: "/mnt/in", ReadOnly: true},
		{HostPath: HostFilesystemPath(scratch), ContainerPath: "/mnt/scratch"},
	}})

	code, out, _ := runVirtual(t, engine, id, "cat /mnt/in/data.csv", ExecOptions{})
	if code != 0 || out != "a,b\n" {
		t.Errorf("read mount = %d %q", code, out)
	}
	if code, _, _ := runVirtual(t, engine, id, "echo x > /mnt/in/new", ExecOptions{}); code == 0 {
		t.Error("write to read-only mount succeeded")
	}
	if code, _, stderr := runVirtual(t, engine, id, "echo log > /mnt/scratch/run.log", ExecOptions{}); code != 0 {
		t.Fatalf("write to mount = %d %q", code, stderr)
	}
	if data, err := os.ReadFile(filepath.Join(scratch, "run.log")); err != nil || string(data) != "log\n" {
		t.Errorf("host side of mount = %q, %v", data, err)
	}

	image, err := engine.Commit(context.Background(), id, CommitOptions{})
	if err != nil {
		t.Fatalf("Commit() error = %v", err)
	}
	child, err := engine.Create(context.Background(), CreateOptions{Image: image})
	if err != nil {
		t.Fatal(err)
	}
	if code, _, _ := runVirtual(t, engine, child, "[ -f /mnt/in/data.csv ] || [ -f /mnt/scratch/run.log ]", ExecOptions{}); code == 0 {
		t.Error("mounted content was captured by commit")
	}
}

func TestVirtualEngine_ReadOnlyMountRejectsWrites(t *testing.T) {
	t.Parallel()
	in := t.TempDir()
	data := filepath.Join(in, "data.csv")
	if err := os.WriteFile(data, []byte("a,b\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	scratch := t.TempDir()

	engine, id := newVirtualContainer(t, CreateOptions{Volumes: []VolumeMount{
		{HostPath: HostFilesystemPath(in), ContainerPath: "/mnt/in", ReadOnly: true},
		{HostPath: HostFilesystemPath(scratch), ContainerPath: "/mnt/scratch"},
	}})

	tests := []struct {
		name   string
		script string
		host   string
	}{
		{"rm", "rm /mnt/in/data.csv", ""},
		{"rm force", "rm -f /mnt/in/data.csv", ""},
		{"rm relative", "cd /mnt/in && rm data.csv", ""},
		{"cp onto", "echo new > /mnt/scratch/x && cp /mnt/scratch/x /mnt/in/data.csv", ""},
		{"mv out", "mv /mnt/in/data.csv /mnt/scratch/moved", ""},
		{"touch", "touch /mnt/in/new", ""},
		{"mkdir", "mkdir /mnt/in/sub", ""},
		{"chmod", "chmod 600 /mnt/in/data.csv", ""},
		{"host program", "sed -i s/a/z/ /mnt/in/data.csv", "sed"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.host != "" {
				if _, err := exec.LookPath(tt.host); err != nil {
					t.Skipf("%s not installed", tt.host)
				}
				// A host program works on a private copy, so its own status is irrelevant.
				runVirtual(t, engine, id, tt.script, ExecOptions{})
			} else if code, _, _ := runVirtual(t, engine, id, tt.script, ExecOptions{}); code == 0 {
				t.Errorf("%q exit = 0 on a read-only mount", tt.script)
			}

			got, err := os.ReadFile(data)
			if err != nil || string(got) != "a,b\n" {
				t.Fatalf("host file after %q = %q, %v", tt.script, got, err)
			}
			if info, err := os.Stat(data); err != nil {
				t.Fatal(err)
			} else if info.Mode().Perm() != 0o644 {
				t.Errorf("host file mode after %q = %v", tt.script, info.Mode().Perm())
			}
			for _, p := range []string{filepath.Join(in, "new"), filepath.Join(in, "sub"), filepath.Join(scratch, "moved")} {
				if _, err := os.Lstat(p); err == nil {
					t.Errorf("%q created %s", tt.script, p)
				}
			}
		})
	}

	code, out, _ := runVirtual(t, engine, id, "cat /mnt/in/data.csv", ExecOptions{})
	if code != 0 || out != "a,b\n" {
		t.Errorf("read after rejected writes = %d %q", code, out)
	}
}

func TestVirtualEngine_CreateRejectsRootMount(t *testing.T) {
	t.Parallel()
	engine, err := NewVirtualEngine(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	_, err = engine.Create(context.Background(), CreateOptions{
		Image:   mustPulled(t, engine),
		Volumes: []VolumeMount{{HostPath: HostFilesystemPath(t.TempDir()), ContainerPath: "/"}},
	})
	if err == nil {
		t.Error("Create() with a root mount should fail")
	}
}

func TestVirtualEngine_CommitIdsAreDistinct(t *testing.T) {
	t.Parallel()
	engine, id := newVirtualContainer(t, CreateOptions{})
	ctx := context.Background()

	if code, _, _ := runVirtual(t, engine, id, "echo 1 > /state", ExecOptions{}); code != 0 {
		t.Fatal("setup failed")
	}
	a, err := engine.Commit(ctx, id, CommitOptions{User: "root", Env: map[string]string{"A": "1"}})
	if err != nil {
		t.Fatal(err)
	}
	b, err := engine.Commit(ctx, id, CommitOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if a == b {
		t.Errorf("two commits share id %s", a)
	}
	da, _ := engine.TreeDigest(ctx, a)
	db, _ := engine.TreeDigest(ctx, b)
	if da == "" || da != db {
		t.Errorf("TreeDigest() = %q vs %q, want equal", da, db)
	}

	img, err := engine.loadImage(a)
	if err != nil {
		t.Fatal(err)
	}
	parent, _ := engine.loadContainer(id)
	if img.Parent != parent.Image || img.Env["A"] != "1" {
		t.Errorf("committed config = %+v", img)
	}
}

func TestVirtualEngine_CopyTo(t *testing.T) {
	t.Parallel()
	engine, id := newVirtualContainer(t, CreateOptions{})
	src := filepath.Join(t.TempDir(), "train.py")
	if err := os.WriteFile(src, []byte("print(1)\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := engine.CopyTo(context.Background(), id, src, "/tmp"); err != nil {
		t.Fatalf("CopyTo() error = %v", err)
	}
	if code, out, _ := runVirtual(t, engine, id, "cat /tmp/train.py", ExecOptions{}); code != 0 || out != "print(1)\n" {
		t.Errorf("copied file = %d %q", code, out)
	}
}

func TestVirtualEngine_RemoveAndRemoveImage(t *testing.T) {
	t.Parallel()
	engine, id := newVirtualContainer(t, CreateOptions{})
	ctx := context.Background()

	if err := engine.Remove(ctx, id, false); err != nil {
		t.Fatalf("Remove() error = %v", err)
	}
	if err := engine.Remove(ctx, id, false); !errors.Is(err, ErrVirtualObjectNotFound) {
		t.Errorf("second Remove() error = %v", err)
	}
	if err := engine.Remove(ctx, id, true); err != nil {
		t.Errorf("forced Remove() error = %v", err)
	}
	if _, err := engine.Exec(ctx, id, []string{"true"}, ExecOptions{}); err == nil {
		t.Error("Exec() on a removed container should fail")
	}

	if err := engine.RemoveImage(ctx, "debian:stable", false); err != nil {
		t.Fatalf("RemoveImage() error = %v", err)
	}
	if ok, _ := engine.ImageExists(ctx, "debian:stable"); ok {
		t.Error("image still exists after RemoveImage")
	}
	if err := engine.RemoveImage(ctx, "debian:stable", true); err != nil {
		t.Errorf("forced RemoveImage() of missing image error = %v", err)
	}
}

func TestPathMapper_Resolve(t *testing.T) {
	t.Parallel()
	m := &pathMapper{
		rootfs: "/state/containers/c1/rootfs",
		mounts: []virtualMount{
			{Host: "/host/data/sub", Target: "/mnt/data/sub"},
			{Host: "/host/data", Target: "/mnt/data", ReadOnly: true},
		},
	}

	tests := []struct {
		in        string
		wantHost  string
		wantMount string
	}{
		{"/etc/passwd", "/state/containers/c1/rootfs/etc/passwd", ""},
		{"/", "/state/containers/c1/rootfs", ""},
		{"/mnt/data/x", "/host/data/x", "/mnt/data"},
		{"/mnt/data/sub/y", "/host/data/sub/y", "/mnt/data/sub"},
		{"/mnt/database", "/state/containers/c1/rootfs/mnt/database", ""},
		{"/state/containers/c1/rootfs/mnt/data/z", "/host/data/z", "/mnt/data"},
		{"/host/data/x", "/host/data/x", "/mnt/data"},
		{"/dev/null", "/dev/null", ""},
		{"/../etc", "/state/containers/c1/rootfs/etc", ""},
	}
	for _, tt := range tests {
		mount, host := m.resolve(tt.in)
		if host != tt.wantHost {
			t.Errorf("resolve(%q) host = %q, want %q", tt.in, host, tt.wantHost)
		}
		gotMount := ""
		if mount != nil {
			gotMount = mount.Target
		}
		if gotMount != tt.wantMount {
			t.Errorf("resolve(%q) mount = %q, want %q", tt.in, gotMount, tt.wantMount)
		}
	}
}
