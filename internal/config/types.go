// SPDX-License-Identifier: MPL-2.0

package config

import (
	"errors"
	"fmt"
	"strings"
)

const (
	// ContainerEnginePodman uses Podman as the container runtime.
	ContainerEnginePodman ContainerEngine = "podman"
	// ContainerEngineDocker uses Docker as the container runtime.
	ContainerEngineDocker ContainerEngine = "docker"
	// ContainerEngineVirtual uses the built-in directory engine.
	ContainerEngineVirtual ContainerEngine = "virtual"

	ColorSchemeAuto  ColorScheme = "auto"
	ColorSchemeDark  ColorScheme = "dark"
	ColorSchemeLight ColorScheme = "light"

	// DefaultProjectFile is looked up in the working directory.
	DefaultProjectFile = "kiln.cue"
	// DefaultSSHHost is the address session SSH servers listen on.
	DefaultSSHHost = "127.0.0.1"
)

var (
	ErrInvalidContainerEngine = errors.New("invalid container engine")
	ErrInvalidColorScheme     = errors.New("invalid color scheme")
	ErrInvalidSSHPort         = errors.New("invalid ssh port")
	// ErrInvalidConfig is the sentinel wrapped by InvalidConfigError.
	ErrInvalidConfig = errors.New("invalid config")
)

type (
	// ContainerEngine selects the runtime that executes build steps and sessions.
	ContainerEngine string

	// InvalidContainerEngineError wraps ErrInvalidContainerEngine.
	InvalidContainerEngineError struct {
		Value ContainerEngine
	}

	// ColorScheme is the terminal color scheme preference.
	ColorScheme string

	// InvalidColorSchemeError wraps ErrInvalidColorScheme.
	InvalidColorSchemeError struct {
		Value ColorScheme
	}

	// InvalidSSHPortError wraps ErrInvalidSSHPort.
	InvalidSSHPortError struct {
		Value int
	}

	// InvalidConfigError collects field-level validation errors.
	InvalidConfigError struct {
		FieldErrors []error
	}

	// Config holds the application configuration.
	Config struct {
		ContainerEngine ContainerEngine `json:"container_engine" mapstructure:"container_engine"`
		// StateDir holds artifacts, sessions, tags and the step cache.
		StateDir string `json:"state_dir" mapstructure:"state_dir"`
		// ProjectFile is the default kiln.cue location.
		ProjectFile string `json:"project_file" mapstructure:"project_file"`
		// ExtractDir overrides <state_dir>/extract.
		ExtractDir string    `json:"extract_dir" mapstructure:"extract_dir"`
		UI         UIConfig  `json:"ui" mapstructure:"ui"`
		SSH        SSHConfig `json:"ssh" mapstructure:"ssh"`
	}

	// UIConfig configures terminal output.
	UIConfig struct {
		Verbose     bool        `json:"verbose" mapstructure:"verbose"`
		ColorScheme ColorScheme `json:"color_scheme" mapstructure:"color_scheme"`
	}

	// SSHConfig configures `kiln session serve`. Port 0 picks a free port.
	SSHConfig struct {
		Host string `json:"host" mapstructure:"host"`
		Port int    `json:"port" mapstructure:"port"`
	}
)

func (ce ContainerEngine) String() string { return string(ce) }

// IsValid reports whether ce names a supported engine.
func (ce ContainerEngine) IsValid() (bool, []error) {
	switch ce {
	case ContainerEnginePodman, ContainerEngineDocker, ContainerEngineVirtual:
		return true, nil
	default:
		return false, []error{&InvalidContainerEngineError{Value: ce}}
	}
}

func (e *InvalidContainerEngineError) Error() string {
	return fmt.Sprintf("invalid container engine %q (valid: podman, docker, virtual)", e.Value)
}

func (e *InvalidContainerEngineError) Unwrap() error { return ErrInvalidContainerEngine }

func (cs ColorScheme) String() string { return string(cs) }

// IsValid reports whether cs is auto, dark or light.
func (cs ColorScheme) IsValid() (bool, []error) {
	switch cs {
	case ColorSchemeAuto, ColorSchemeDark, ColorSchemeLight:
		return true, nil
	default:
		return false, []error{&InvalidColorSchemeError{Value: cs}}
	}
}

func (e *InvalidColorSchemeError) Error() string {
	return fmt.Sprintf("invalid color scheme %q (valid: auto, dark, light)", e.Value)
}

func (e *InvalidColorSchemeError) Unwrap() error { return ErrInvalidColorScheme }

func (e *InvalidSSHPortError) Error() string {
	return fmt.Sprintf("invalid ssh port %d", e.Value)
}

func (e *InvalidSSHPortError) Unwrap() error { return ErrInvalidSSHPort }

// IsValid validates every field CUE cannot see after env overrides are applied.
func (c Config) IsValid() (bool, []error) {
	var errs []error
	if ok, fieldErrs := c.ContainerEngine.IsValid(); !ok {
		errs = append(errs, fieldErrs...)
	}
	if ok, fieldErrs := c.UI.ColorScheme.IsValid(); !ok {
		errs = append(errs, fieldErrs...)
	}
	if c.SSH.Port < 0 || c.SSH.Port > 65535 {
		errs = append(errs, &InvalidSSHPortError{Value: c.SSH.Port})
	}
	if len(errs) > 0 {
		return false, []error{&InvalidConfigError{FieldErrors: errs}}
	}
	return true, nil
}

func (e *InvalidConfigError) Error() string {
	msgs := make([]string, 0, len(e.FieldErrors))
	for _, fe := range e.FieldErrors {
		msgs = append(msgs, fe.Error())
	}
	return "invalid config: " + strings.Join(msgs, "; ")
}

// Unwrap returns the sentinel first so errors.Is matches both levels.
func (e *InvalidConfigError) Unwrap() []error {
	return append([]error{ErrInvalidConfig}, e.FieldErrors...)
}

// DefaultConfig returns the built-in configuration. StateDir is resolved
// lazily by ResolveStateDir so defaults stay host-independent.
func DefaultConfig() *Config {
	return &Config{
		ContainerEngine: ContainerEnginePodman,
		ProjectFile:     DefaultProjectFile,
		UI: UIConfig{
			ColorScheme: ColorSchemeAuto,
		},
		SSH: SSHConfig{
			Host: DefaultSSHHost,
		},
	}
}
