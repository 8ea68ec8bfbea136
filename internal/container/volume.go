// SPDX-License-Identifier: MPL-2.0

package container

import (
	"errors"
	"fmt"
	"path"
	"strings"
)

const (
	// SELinuxLabelNone means no SELinux label is applied to volume mounts.
	SELinuxLabelNone SELinuxLabel = ""
	// SELinuxLabelShared allows sharing the volume between containers.
	SELinuxLabelShared SELinuxLabel = "z"
	// SELinuxLabelPrivate restricts the volume to a single container.
	SELinuxLabelPrivate SELinuxLabel = "Z"
)

var (
	ErrInvalidSELinuxLabel       = errors.New("invalid SELinux label")
	ErrInvalidHostFilesystemPath = errors.New("invalid host filesystem path")
	ErrInvalidMountTargetPath    = errors.New("invalid container filesystem path")
	// ErrInvalidVolumeMount is the sentinel wrapped by InvalidVolumeMountError.
	ErrInvalidVolumeMount = errors.New("invalid volume mount")
)

type (
	// SELinuxLabel is an SELinux volume relabeling option.
	SELinuxLabel string

	// InvalidSELinuxLabelError wraps ErrInvalidSELinuxLabel.
	InvalidSELinuxLabelError struct {
		Value SELinuxLabel
	}

	// HostFilesystemPath is a path on the host. It must be absolute.
	HostFilesystemPath string

	// InvalidHostFilesystemPathError wraps ErrInvalidHostFilesystemPath.
	InvalidHostFilesystemPathError struct {
		Value HostFilesystemPath
	}

	// MountTargetPath is an absolute path inside the container.
	MountTargetPath string

	// InvalidMountTargetPathError wraps ErrInvalidMountTargetPath.
	InvalidMountTargetPathError struct {
		Value MountTargetPath
	}

	// VolumeMount binds a host file or directory over a container path.
	VolumeMount struct {
		HostPath      HostFilesystemPath
		ContainerPath MountTargetPath
		ReadOnly      bool
		SELinux       SELinuxLabel
	}

	// InvalidVolumeMountError collects field errors of a VolumeMount.
	InvalidVolumeMountError struct {
		Value     VolumeMount
		FieldErrs []error
	}
)

func (e *InvalidSELinuxLabelError) Error() string {
	return fmt.Sprintf("invalid SELinux label %q (valid: empty, z, Z)", e.Value)
}

func (e *InvalidSELinuxLabelError) Unwrap() error { return ErrInvalidSELinuxLabel }

// Validate accepts the empty label, z and Z.
func (s SELinuxLabel) Validate() error {
	switch s {
	case SELinuxLabelNone, SELinuxLabelShared, SELinuxLabelPrivate:
		return nil
	default:
		return &InvalidSELinuxLabelError{Value: s}
	}
}

func (p HostFilesystemPath) String() string { return string(p) }

// Validate requires a clean-able absolute path.
func (p HostFilesystemPath) Validate() error {
	if !isAbsPath(string(p)) {
		return &InvalidHostFilesystemPathError{Value: p}
	}
	return nil
}

func (e *InvalidHostFilesystemPathError) Error() string {
	return fmt.Sprintf("invalid host filesystem path %q: must be absolute", e.Value)
}

func (e *InvalidHostFilesystemPathError) Unwrap() error { return ErrInvalidHostFilesystemPath }

func (p MountTargetPath) String() string { return string(p) }

// Validate requires an absolute path other than the container root.
func (p MountTargetPath) Validate() error {
	if !isAbsPath(string(p)) || path.Clean(string(p)) == "/" {
		return &InvalidMountTargetPathError{Value: p}
	}
	return nil
}

func isAbsPath(p string) bool {
	return strings.TrimSpace(p) != "" && path.IsAbs(p)
}

func (e *InvalidMountTargetPathError) Error() string {
	return fmt.Sprintf("invalid container filesystem path %q: must be absolute", e.Value)
}

func (e *InvalidMountTargetPathError) Unwrap() error { return ErrInvalidMountTargetPath }

func (e *InvalidVolumeMountError) Error() string {
	return fmt.Sprintf("invalid volume mount %s:%s: %v",
		e.Value.HostPath, e.Value.ContainerPath, errors.Join(e.FieldErrs...))
}

func (e *InvalidVolumeMountError) Unwrap() []error {
	return append([]error{ErrInvalidVolumeMount}, e.FieldErrs...)
}

// Validate checks every typed field.
func (v VolumeMount) Validate() error {
	var errs []error
	if err := v.HostPath.Validate(); err != nil {
		errs = append(errs, err)
	}
	if err := v.ContainerPath.Validate(); err != nil {
		errs = append(errs, err)
	}
	if err := v.SELinux.Validate(); err != nil {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return &InvalidVolumeMountError{Value: v, FieldErrs: errs}
	}
	return nil
}

// String returns the mount in -v flag format.
func (v VolumeMount) String() string {
	return FormatVolumeMount(v)
}

// FormatVolumeMount renders host:container[:ro,z].
func FormatVolumeMount(mount VolumeMount) string {
	var b strings.Builder
	b.WriteString(string(mount.HostPath))
	b.WriteByte(':')
	b.WriteString(string(mount.ContainerPath))

	var options []string
	if mount.ReadOnly {
		options = append(options, "ro")
	}
	if mount.SELinux != "" {
		options = append(options, string(mount.SELinux))
	}
	if len(options) > 0 {
		b.WriteByte(':')
		b.WriteString(strings.Join(options, ","))
	}
	return b.String()
}

// ParseVolumeMount parses host:container[:options] where options is a
// comma list of ro, rw, z and Z. Unknown options and ro together with rw
// are rejected.
func ParseVolumeMount(spec string) (VolumeMount, error) {
	host, rest, ok := strings.Cut(spec, ":")
	if !ok {
		return VolumeMount{}, fmt.Errorf("invalid volume mount %q: expected HOST:CONTAINER", spec)
	}
	target, opts, _ := strings.Cut(rest, ":")
	mount := VolumeMount{HostPath: HostFilesystemPath(host), ContainerPath: MountTargetPath(target)}

	var rw bool
	for opt := range strings.SplitSeq(opts, ",") {
		switch opt {
		case "":
		case "ro":
			mount.ReadOnly = true
		case "rw":
			rw = true
		case "z", "Z":
			mount.SELinux = SELinuxLabel(opt)
		default:
			return mount, fmt.Errorf("invalid volume mount %q: unknown option %q", spec, opt)
		}
	}
	if rw && mount.ReadOnly {
		return mount, fmt.Errorf("invalid volume mount %q: both ro and rw given", spec)
	}
	if err := mount.Validate(); err != nil {
		return mount, err
	}
	return mount, nil
}
