// SPDX-License-Identifier: MPL-2.0

package container

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"os/exec"
	"slices"
	"strings"

	"github.com/kilnworks/kiln/internal/issue"
)

// createEntrypoint keeps containers alive: sh reads the open stdin forever.
const createEntrypoint = "/bin/sh"

type (
	// ExecCommandFunc creates exec.Cmd values. Tests inject a recorder.
	ExecCommandFunc func(ctx context.Context, name string, arg ...string) *exec.Cmd

	// VolumeFormatFunc renders a VolumeMount for the -v flag.
	VolumeFormatFunc func(VolumeMount) string

	// BaseCLIEngineOption configures a BaseCLIEngine.
	BaseCLIEngineOption func(*BaseCLIEngine)

	// BaseCLIEngine implements the operations shared by the Docker and Podman
	// CLIs. Concrete engines add Name, Available, Version and ImageExists.
	BaseCLIEngine struct {
		name            string
		binaryPath      string
		execCommand     ExecCommandFunc
		volumeFormatter VolumeFormatFunc
	}
)

// WithName sets the engine name used in error messages.
func WithName(name string) BaseCLIEngineOption {
	return func(e *BaseCLIEngine) { e.name = name }
}

// WithExecCommand replaces exec.CommandContext.
func WithExecCommand(fn ExecCommandFunc) BaseCLIEngineOption {
	return func(e *BaseCLIEngine) { e.execCommand = fn }
}

// WithVolumeFormatter replaces FormatVolumeMount.
func WithVolumeFormatter(fn VolumeFormatFunc) BaseCLIEngineOption {
	return func(e *BaseCLIEngine) { e.volumeFormatter = fn }
}

// NewBaseCLIEngine creates a base engine around binaryPath.
func NewBaseCLIEngine(binaryPath string, opts ...BaseCLIEngineOption) *BaseCLIEngine {
	e := &BaseCLIEngine{
		name:            "container",
		binaryPath:      binaryPath,
		execCommand:     exec.CommandContext,
		volumeFormatter: FormatVolumeMount,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// BinaryPath returns the resolved engine binary, or "" when not installed.
func (e *BaseCLIEngine) BinaryPath() string {
	return e.binaryPath
}

// --- Argument Builders ---

// CreateArgs builds: run -d -i --entrypoint /bin/sh [options] <image>
func (e *BaseCLIEngine) CreateArgs(opts CreateOptions) []string {
	args := []string{"run", "-d", "-i", "--entrypoint", createEntrypoint}
	if opts.Name != "" {
		args = append(args, "--name", opts.Name)
	}
	if opts.User != "" {
		args = append(args, "-u", opts.User)
	}
	if opts.WorkDir != "" {
		args = append(args, "-w", opts.WorkDir)
	}
	args = appendEnvArgs(args, opts.Env)
	for _, v := range opts.Volumes {
		args = append(args, "-v", e.volumeFormatter(v))
	}
	return append(args, string(opts.Image))
}

// ExecArgs builds: exec [options] <container> <argv...>
func (e *BaseCLIEngine) ExecArgs(id ContainerID, argv []string, opts ExecOptions) []string {
	args := []string{"exec"}
	if opts.Stdin != nil || opts.TTY {
		args = append(args, "-i")
	}
	if opts.TTY {
		args = append(args, "-t")
	}
	if opts.User != "" {
		args = append(args, "-u", opts.User)
	}
	if opts.WorkDir != "" {
		args = append(args, "-w", opts.WorkDir)
	}
	args = appendEnvArgs(args, opts.Env)
	args = append(args, string(id))
	return append(args, argv...)
}

// CommitArgs builds: commit --change ... <container>
//
// CMD is always cleared and ENTRYPOINT always written, replacing the
// keep-alive entrypoint set by CreateArgs.
func (e *BaseCLIEngine) CommitArgs(id ContainerID, opts CommitOptions) []string {
	args := []string{"commit"}
	if opts.User != "" {
		args = append(args, "--change", "USER "+opts.User)
	}
	if opts.WorkDir != "" {
		args = append(args, "--change", "WORKDIR "+opts.WorkDir)
	}
	for _, k := range slices.Sorted(maps.Keys(opts.Env)) {
		args = append(args, "--change", fmt.Sprintf("ENV %s=%s", k, opts.Env[k]))
	}
	entrypoint := opts.Entrypoint
	if entrypoint == nil {
		entrypoint = []string{}
	}
	ep, _ := json.Marshal(entrypoint)
	args = append(args, "--change", "ENTRYPOINT "+string(ep), "--change", "CMD []")
	return append(args, string(id))
}

// CopyToArgs builds: cp <host> <container>:<path>
func (e *BaseCLIEngine) CopyToArgs(id ContainerID, hostPath, containerPath string) []string {
	return []string{"cp", hostPath, string(id) + ":" + containerPath}
}

// CopyFromArgs builds: cp <container>:<path> <host>
func (e *BaseCLIEngine) CopyFromArgs(id ContainerID, containerPath, hostPath string) []string {
	return []string{"cp", string(id) + ":" + containerPath, hostPath}
}

// RemoveArgs builds: rm [-f] <container>
func (e *BaseCLIEngine) RemoveArgs(id ContainerID, force bool) []string {
	args := []string{"rm"}
	if force {
		args = append(args, "-f")
	}
	return append(args, string(id))
}

// RemoveImageArgs builds: rmi [-f] <image>
func (e *BaseCLIEngine) RemoveImageArgs(image string, force bool) []string {
	args := []string{"rmi"}
	if force {
		args = append(args, "-f")
	}
	return append(args, image)
}

func appendEnvArgs(args []string, env map[string]string) []string {
	for _, k := range slices.Sorted(maps.Keys(env)) {
		args = append(args, "-e", k+"="+env[k])
	}
	return args
}

// --- Command Execution ---

// CreateCommand creates an exec.Cmd for the engine binary.
func (e *BaseCLIEngine) CreateCommand(ctx context.Context, args ...string) *exec.Cmd {
	return e.execCommand(ctx, e.binaryPath, args...)
}

// RunCommandStatus runs args and reports only success or failure.
func (e *BaseCLIEngine) RunCommandStatus(ctx context.Context, args ...string) error {
	var stderr bytes.Buffer
	cmd := e.CreateCommand(ctx, args...)
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return e.commandError(args, err, stderr.String())
	}
	return nil
}

// RunCommandWithOutput runs args and returns trimmed stdout.
func (e *BaseCLIEngine) RunCommandWithOutput(ctx context.Context, args ...string) (string, error) {
	var stdout, stderr bytes.Buffer
	cmd := e.CreateCommand(ctx, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", e.commandError(args, err, stderr.String())
	}
	return strings.TrimSpace(stdout.String()), nil
}

func (e *BaseCLIEngine) commandError(args []string, err error, stderr string) error {
	if msg := strings.TrimSpace(stderr); msg != "" {
		return fmt.Errorf("command %s %v failed: %w: %s", e.binaryPath, args, err, msg)
	}
	return fmt.Errorf("command %s %v failed: %w", e.binaryPath, args, err)
}

// --- Shared Engine Methods ---

// PullImage resolves ref locally and pulls it only when missing.
func (e *BaseCLIEngine) PullImage(ctx context.Context, ref string) (ImageID, error) {
	if id, err := e.InspectImageID(ctx, ref); err == nil {
		return id, nil
	}
	if err := e.RunCommandStatus(ctx, "pull", ref); err != nil {
		return "", issue.NewErrorContext().
			WithOperation("pull base image").
			WithResource(ref).
			WithSuggestion("Check the image reference and your registry credentials").
			WithSuggestion("Try: " + e.name + " pull " + ref).
			Wrap(err).
			BuildError()
	}
	return e.InspectImageID(ctx, ref)
}

// InspectImageID returns the local id of image.
func (e *BaseCLIEngine) InspectImageID(ctx context.Context, image string) (ImageID, error) {
	out, err := e.RunCommandWithOutput(ctx, "image", "inspect", "--format", "{{.Id}}", image)
	if err != nil {
		return "", err
	}
	return ImageID(out), nil
}

// TreeDigest hashes the image's layer diff ids.
func (e *BaseCLIEngine) TreeDigest(ctx context.Context, image ImageID) (string, error) {
	out, err := e.RunCommandWithOutput(ctx, "image", "inspect", "--format", "{{json .RootFS.Layers}}", string(image))
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256([]byte(out))
	return "sha256:" + hex.EncodeToString(sum[:]), nil
}

// Create starts a detached keep-alive container.
func (e *BaseCLIEngine) Create(ctx context.Context, opts CreateOptions) (ContainerID, error) {
	for _, v := range opts.Volumes {
		if err := v.Validate(); err != nil {
			return "", err
		}
	}
	out, err := e.RunCommandWithOutput(ctx, e.CreateArgs(opts)...)
	if err != nil {
		return "", issue.NewErrorContext().
			WithOperation("create container").
			WithResource(string(opts.Image)).
			WithSuggestion("Verify the image exists (try: " + e.name + " images)").
			WithSuggestion("Check that volume mount paths exist on the host").
			Wrap(err).
			BuildError()
	}
	if out == "" {
		return "", fmt.Errorf("%s run printed no container id", e.name)
	}
	return ContainerID(lastLine(out)), nil
}

// Exec runs argv in the container. Exit statuses are returned in RunResult;
// only failures to start the engine binary are errors.
func (e *BaseCLIEngine) Exec(ctx context.Context, id ContainerID, argv []string, opts ExecOptions) (*RunResult, error) {
	cmd := e.ExecCommand(ctx, id, argv, opts)
	cmd.Stdin = opts.Stdin
	cmd.Stdout = opts.Stdout
	cmd.Stderr = opts.Stderr

	result := &RunResult{ContainerID: id}
	if err := cmd.Run(); err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return nil, fmt.Errorf("%s exec: %w", e.name, err)
		}
		result.ExitCode = exitErr.ExitCode()
	}
	return result, nil
}

// ExecCommand returns the exec.Cmd for argv without running it, so callers
// can attach a PTY.
func (e *BaseCLIEngine) ExecCommand(ctx context.Context, id ContainerID, argv []string, opts ExecOptions) *exec.Cmd {
	return e.CreateCommand(ctx, e.ExecArgs(id, argv, opts)...)
}

// CopyTo copies a host file or directory into the container.
func (e *BaseCLIEngine) CopyTo(ctx context.Context, id ContainerID, hostPath, containerPath string) error {
	return e.RunCommandStatus(ctx, e.CopyToArgs(id, hostPath, containerPath)...)
}

// CopyFrom copies a container file or directory to the host.
func (e *BaseCLIEngine) CopyFrom(ctx context.Context, id ContainerID, containerPath, hostPath string) error {
	return e.RunCommandStatus(ctx, e.CopyFromArgs(id, containerPath, hostPath)...)
}

// Commit snapshots the container and returns the new image id.
func (e *BaseCLIEngine) Commit(ctx context.Context, id ContainerID, opts CommitOptions) (ImageID, error) {
	out, err := e.RunCommandWithOutput(ctx, e.CommitArgs(id, opts)...)
	if err != nil {
		return "", err
	}
	if out == "" {
		return "", fmt.Errorf("%s commit printed no image id", e.name)
	}
	return ImageID(lastLine(out)), nil
}

// Remove removes a container.
func (e *BaseCLIEngine) Remove(ctx context.Context, id ContainerID, force bool) error {
	return e.RunCommandStatus(ctx, e.RemoveArgs(id, force)...)
}

// RemoveImage removes an image.
func (e *BaseCLIEngine) RemoveImage(ctx context.Context, image string, force bool) error {
	return e.RunCommandStatus(ctx, e.RemoveImageArgs(image, force)...)
}

// lastLine skips progress output some engines print before the id.
func lastLine(s string) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	return strings.TrimSpace(lines[len(lines)-1])
}
