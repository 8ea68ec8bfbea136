// SPDX-License-Identifier: MPL-2.0

package recipe

import (
	"errors"
	"fmt"
	"maps"
	"path"
	"strings"
)

const (
	StepRun   StepKind = "run"
	StepTool  StepKind = "tool"
	StepCopy  StepKind = "copy"
	StepChown StepKind = "chown"
	StepEnv   StepKind = "env"
)

var (
	ErrInvalidStepKind = errors.New("invalid step kind")
	// ErrInvalidRecipe is the sentinel wrapped by ValidationError.
	ErrInvalidRecipe = errors.New("invalid recipe")
)

type (
	// StepKind selects how a step is executed.
	StepKind string

	// InvalidStepKindError wraps ErrInvalidStepKind.
	InvalidStepKindError struct {
		Value StepKind
	}

	// Step is one build instruction. Which fields apply depends on Kind:
	//   - run: Command
	//   - tool: Name, Source, Dir, Fetch, Build, Install, Cleanup
	//   - copy: Source (relative to the build context), Dest
	//   - chown: Owner, Recursive, Paths
	//   - env: Env
	Step struct {
		Kind      StepKind          `json:"kind"`
		Name      string            `json:"name,omitempty"`
		Command   string            `json:"command,omitempty"`
		Source    string            `json:"source,omitempty"`
		Dest      string            `json:"dest,omitempty"`
		Dir       string            `json:"dir,omitempty"`
		Fetch     []string          `json:"fetch,omitempty"`
		Build     []string          `json:"build,omitempty"`
		Install   []string          `json:"install,omitempty"`
		Cleanup   []string          `json:"cleanup,omitempty"`
		Owner     string            `json:"owner,omitempty"`
		Recursive bool              `json:"recursive,omitempty"`
		Paths     []string          `json:"paths,omitempty"`
		Env       map[string]string `json:"env,omitempty"`
	}

	// Recipe describes how the base environment is built.
	Recipe struct {
		BaseImage string `json:"base_image"`
		// User is the unprivileged principal created by the setup step.
		User    string   `json:"user"`
		WorkDir string   `json:"workdir"`
		// Setup commands run as root before the principal is created, for
		// system packages and anything else that needs privileges.
		Setup []string `json:"setup,omitempty"`
		// Path entries are prepended to PATH in every step and session.
		Path  []string `json:"path,omitempty"`
		Steps []Step   `json:"steps"`
	}

	// ValidationError collects every problem found in a recipe.
	ValidationError struct {
		Errs []error
	}
)

func (k StepKind) String() string { return string(k) }

// IsValid returns whether k is a known step kind.
func (k StepKind) IsValid() (bool, []error) {
	switch k {
	case StepRun, StepTool, StepCopy, StepChown, StepEnv:
		return true, nil
	default:
		return false, []error{&InvalidStepKindError{Value: k}}
	}
}

func (e *InvalidStepKindError) Error() string {
	return fmt.Sprintf("invalid step kind %q (valid: run, tool, copy, chown, env)", e.Value)
}

func (e *InvalidStepKindError) Unwrap() error { return ErrInvalidStepKind }

func (e *ValidationError) Error() string {
	msgs := make([]string, len(e.Errs))
	for i, err := range e.Errs {
		msgs[i] = err.Error()
	}
	return "invalid recipe: " + strings.Join(msgs, "; ")
}

func (e *ValidationError) Unwrap() []error {
	return append([]error{ErrInvalidRecipe}, e.Errs...)
}

// Label names the step in logs and errors.
func (s Step) Label() string {
	if s.Name != "" {
		return string(s.Kind) + " " + s.Name
	}
	switch s.Kind {
	case StepRun:
		first, _, _ := strings.Cut(strings.TrimSpace(s.Command), "\n")
		if runes := []rune(first); len(runes) > 48 {
			first = string(runes[:45]) + "..."
		}
		return "run " + first
	case StepCopy:
		return "copy " + s.Source + " -> " + s.Dest
	case StepChown:
		return "chown " + strings.Join(s.Paths, " ")
	default:
		return string(s.Kind)
	}
}

// Validate checks the fields required by the step's kind.
func (s Step) Validate() error {
	if ok, errs := s.Kind.IsValid(); !ok {
		return errs[0]
	}
	switch s.Kind {
	case StepRun:
		if strings.TrimSpace(s.Command) == "" {
			return errors.New("run step needs a command")
		}
	case StepTool:
		if s.Name == "" {
			return errors.New("tool step needs a name")
		}
		if len(s.Build) == 0 {
			return fmt.Errorf("tool %s needs build commands", s.Name)
		}
		if s.Dir != "" && !path.IsAbs(s.Dir) {
			return fmt.Errorf("tool %s: dir %q must be absolute", s.Name, s.Dir)
		}
	case StepCopy:
		if s.Source == "" || path.IsAbs(s.Source) || strings.HasPrefix(path.Clean(s.Source), "..") {
			return fmt.Errorf("copy source %q must be relative to the build context", s.Source)
		}
		if !path.IsAbs(s.Dest) {
			return fmt.Errorf("copy destination %q must be absolute", s.Dest)
		}
	case StepChown:
		if len(s.Paths) == 0 {
			return errors.New("chown step needs paths")
		}
		for _, p := range s.Paths {
			if !path.IsAbs(p) {
				return fmt.Errorf("chown path %q must be absolute", p)
			}
		}
	case StepEnv:
		if len(s.Env) == 0 {
			return errors.New("env step needs entries")
		}
	}
	return nil
}

// Validate checks the recipe header and every step.
func (r *Recipe) Validate() error {
	var errs []error
	if strings.TrimSpace(r.BaseImage) == "" {
		errs = append(errs, errors.New("base_image is required"))
	}
	switch r.User {
	case "":
		errs = append(errs, errors.New("user is required"))
	case "root", "0":
		errs = append(errs, errors.New("user must be an unprivileged principal"))
	}
	if !path.IsAbs(r.WorkDir) {
		errs = append(errs, fmt.Errorf("workdir %q must be absolute", r.WorkDir))
	}
	for _, p := range r.Path {
		if !path.IsAbs(p) {
			errs = append(errs, fmt.Errorf("path entry %q must be absolute", p))
		}
	}
	for i, s := range r.Steps {
		if err := s.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("steps[%d]: %w", i, err))
		}
	}
	if len(errs) > 0 {
		return &ValidationError{Errs: errs}
	}
	return nil
}

// Owner returns the chown owner, defaulting to the principal.
func (r *Recipe) Owner(s Step) string {
	if s.Owner != "" {
		return s.Owner
	}
	return r.User + ":" + r.User
}

// PathEnv returns PATH with the recipe's path entries prepended to base.
func (r *Recipe) PathEnv(base string) string {
	if len(r.Path) == 0 {
		return base
	}
	prefix := strings.Join(r.Path, ":")
	if base == "" {
		return prefix
	}
	return prefix + ":" + base
}

// EnvAt returns the environment declared by env steps before index i,
// later entries overriding earlier ones.
func (r *Recipe) EnvAt(i int) map[string]string {
	env := make(map[string]string)
	for _, s := range r.Steps[:min(i, len(r.Steps))] {
		if s.Kind == StepEnv {
			maps.Copy(env, s.Env)
		}
	}
	return env
}
