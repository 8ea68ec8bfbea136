// SPDX-License-Identifier: MPL-2.0

package container

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
)

// selinuxEnforcePath is read to decide whether volumes need relabeling.
var selinuxEnforcePath = "/sys/fs/selinux/enforce"

// PodmanEngine implements Engine using the Podman CLI.
type PodmanEngine struct {
	*BaseCLIEngine
}

// NewPodmanEngine creates a Podman engine. Under enforcing SELinux, volume
// mounts are labeled :z.
func NewPodmanEngine(opts ...BaseCLIEngineOption) *PodmanEngine {
	path, _ := exec.LookPath("podman")
	allOpts := append([]BaseCLIEngineOption{
		WithName(string(EngineTypePodman)),
		WithVolumeFormatter(addSELinuxLabel),
	}, opts...)
	return &PodmanEngine{BaseCLIEngine: NewBaseCLIEngine(path, allOpts...)}
}

// Name returns the engine name.
func (e *PodmanEngine) Name() string {
	return string(EngineTypePodman)
}

// Available reports whether podman runs.
func (e *PodmanEngine) Available() bool {
	if e.BinaryPath() == "" {
		return false
	}
	return e.CreateCommand(context.Background(), "version", "--format", "{{.Version}}").Run() == nil
}

// Version returns the Podman version.
func (e *PodmanEngine) Version(ctx context.Context) (string, error) {
	out, err := e.RunCommandWithOutput(ctx, "version", "--format", "{{.Version}}")
	if err != nil {
		return "", fmt.Errorf("failed to get podman version: %w", err)
	}
	return out, nil
}

// ImageExists reports whether image is present locally.
func (e *PodmanEngine) ImageExists(ctx context.Context, image string) (bool, error) {
	return e.RunCommandStatus(ctx, "image", "exists", image) == nil, nil
}

func isSELinuxEnforcing() bool {
	data, err := os.ReadFile(selinuxEnforcePath)
	if err != nil {
		return false
	}
	return strings.TrimSpace(string(data)) == "1"
}

// addSELinuxLabel labels mounts :z unless they already carry a label.
func addSELinuxLabel(mount VolumeMount) string {
	if mount.SELinux == SELinuxLabelNone && isSELinuxEnforcing() {
		mount.SELinux = SELinuxLabelShared
	}
	return FormatVolumeMount(mount)
}
