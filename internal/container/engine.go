// SPDX-License-Identifier: MPL-2.0

package container

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
)

const (
	EngineTypePodman  EngineType = "podman"
	EngineTypeDocker  EngineType = "docker"
	EngineTypeVirtual EngineType = "virtual"
)

// ErrEngineNotAvailable is the sentinel wrapped by EngineNotAvailableError.
var ErrEngineNotAvailable = errors.New("container engine not available")

type (
	// EngineType identifies a container engine implementation.
	EngineType string

	// ImageID identifies an image. CLI engines return whatever the runtime
	// prints; VirtualEngine uses "sha256:<hex>".
	ImageID string

	// ContainerID identifies a long-lived container.
	ContainerID string

	// Engine is the set of runtime operations the pipeline depends on.
	Engine interface {
		Name() string
		Available() bool
		Version(ctx context.Context) (string, error)

		// PullImage makes ref available locally and returns its id.
		PullImage(ctx context.Context, ref string) (ImageID, error)
		ImageExists(ctx context.Context, image string) (bool, error)
		RemoveImage(ctx context.Context, image string, force bool) error
		// TreeDigest summarizes the filesystem content of an image.
		TreeDigest(ctx context.Context, image ImageID) (string, error)

		// Create starts a container that stays up until Remove.
		Create(ctx context.Context, opts CreateOptions) (ContainerID, error)
		// Exec runs argv inside the container. A non-zero exit is not an error.
		Exec(ctx context.Context, id ContainerID, argv []string, opts ExecOptions) (*RunResult, error)
		CopyTo(ctx context.Context, id ContainerID, hostPath, containerPath string) error
		CopyFrom(ctx context.Context, id ContainerID, containerPath, hostPath string) error
		// Commit snapshots the container's writable filesystem into a new image.
		// Volumes are never part of the image.
		Commit(ctx context.Context, id ContainerID, opts CommitOptions) (ImageID, error)
		Remove(ctx context.Context, id ContainerID, force bool) error
	}

	// InteractiveEngine is implemented by engines whose Exec can be attached
	// to a PTY by the caller.
	InteractiveEngine interface {
		ExecCommand(ctx context.Context, id ContainerID, argv []string, opts ExecOptions) *exec.Cmd
	}

	// CreateOptions describes a new container.
	CreateOptions struct {
		Image   ImageID
		Name    string
		User    string
		WorkDir string
		Env     map[string]string
		Volumes []VolumeMount
	}

	// ExecOptions configures one Exec call. Empty User and WorkDir fall back
	// to the container's.
	ExecOptions struct {
		User    string
		WorkDir string
		Env     map[string]string
		Stdin   io.Reader
		Stdout  io.Writer
		Stderr  io.Writer
		TTY     bool
	}

	// CommitOptions sets the configuration recorded in the committed image.
	CommitOptions struct {
		User       string
		WorkDir    string
		Env        map[string]string
		Entrypoint []string
	}

	// RunResult is the outcome of Exec.
	RunResult struct {
		ContainerID ContainerID
		ExitCode    int
	}

	// EngineNotAvailableError reports that no usable engine was found.
	EngineNotAvailableError struct {
		Engine EngineType
		Reason string
	}
)

func (t EngineType) String() string { return string(t) }

func (id ImageID) String() string { return string(id) }

func (id ContainerID) String() string { return string(id) }

func (e *EngineNotAvailableError) Error() string {
	return fmt.Sprintf("container engine '%s' is not available: %s", e.Engine, e.Reason)
}

func (e *EngineNotAvailableError) Unwrap() error { return ErrEngineNotAvailable }

// NewEngine returns the preferred engine. Podman and Docker fall back to each
// other; the virtual engine is rooted at virtualRoot and always available.
func NewEngine(preferred EngineType, virtualRoot string) (Engine, error) {
	switch preferred {
	case EngineTypeVirtual:
		return NewVirtualEngine(virtualRoot)
	case EngineTypePodman:
		if e := NewPodmanEngine(); e.Available() {
			return e, nil
		}
		if e := NewDockerEngine(); e.Available() {
			return e, nil
		}
		return nil, &EngineNotAvailableError{
			Engine: preferred,
			Reason: "podman is not installed or not accessible, and docker fallback is also not available",
		}
	case EngineTypeDocker:
		if e := NewDockerEngine(); e.Available() {
			return e, nil
		}
		if e := NewPodmanEngine(); e.Available() {
			return e, nil
		}
		return nil, &EngineNotAvailableError{
			Engine: preferred,
			Reason: "docker is not installed or not accessible, and podman fallback is also not available",
		}
	default:
		return nil, fmt.Errorf("unknown container engine type: %s", preferred)
	}
}
