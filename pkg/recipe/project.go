// SPDX-License-Identifier: MPL-2.0

package recipe

import (
	_ "embed"
	"errors"
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"slices"

	"github.com/kilnworks/kiln/pkg/cueutil"
)

// DefaultProjectFile is looked up in the working directory.
const DefaultProjectFile = "kiln.cue"

var (
	//go:embed project_schema.cue
	projectSchema []byte

	// ErrUnknownFile is returned for names missing from the files table.
	ErrUnknownFile = errors.New("unknown artifact file")
)

type (
	// TrainingStep is one command of the training procedure. Its internals
	// are opaque: it either succeeds or fails.
	TrainingStep struct {
		Name    string `json:"name,omitempty"`
		Command string `json:"command"`
	}

	// Training is the ordered training procedure run in a session.
	Training struct {
		Steps []TrainingStep `json:"steps"`
	}

	// Project is a parsed kiln.cue. Only Recipe contributes to the recipe
	// identity.
	Project struct {
		Name     string            `json:"name,omitempty"`
		Recipe   Recipe            `json:"recipe"`
		Training Training          `json:"training,omitempty"`
		Files    map[string]string `json:"files,omitempty"`

		// FilePath is where the project was read from.
		FilePath string `json:"-"`
	}

	// UnknownFileError wraps ErrUnknownFile.
	UnknownFileError struct {
		Name  string
		Known []string
	}
)

// DefaultFiles returns the named artifact files produced by training the
// macronizer: tagger weights, database and two generated modules.
func DefaultFiles() map[string]string {
	return map[string]string{
		"model":    "/macronizer/rftagger-ldt.model",
		"database": "/macronizer/macronizer.db",
		"endings":  "/macronizer/macronized_endings.py",
		"lemmas":   "/macronizer/lemmas.py",
	}
}

func (e *UnknownFileError) Error() string {
	return fmt.Sprintf("unknown artifact file %q (known: %v)", e.Name, e.Known)
}

func (e *UnknownFileError) Unwrap() error { return ErrUnknownFile }

// Parse reads and parses a project file.
func Parse(file string) (*Project, error) {
	data, err := os.ReadFile(file)
	if err != nil {
		return nil, fmt.Errorf("failed to read project file at %s: %w", file, err)
	}
	return ParseBytes(data, file)
}

// ParseBytes validates data against the project schema and decodes it.
func ParseBytes(data []byte, file string) (*Project, error) {
	result, err := cueutil.Decode[Project](projectSchema, data, "#Project", cueutil.WithFilename(file))
	if err != nil {
		return nil, err
	}
	p := result.Value
	p.FilePath = file
	if len(p.Files) == 0 {
		p.Files = DefaultFiles()
	}
	if err := p.Recipe.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

// ContextDir is the directory copy sources are relative to.
func (p *Project) ContextDir() string {
	if p.FilePath == "" {
		return "."
	}
	return filepath.Dir(p.FilePath)
}

// FileNames returns the configured artifact file names, sorted.
func (p *Project) FileNames() []string {
	return slices.Sorted(maps.Keys(p.Files))
}

// ResolveFiles maps names to container paths. No names selects every file.
func (p *Project) ResolveFiles(names []string) (map[string]string, error) {
	if len(names) == 0 {
		return maps.Clone(p.Files), nil
	}
	out := make(map[string]string, len(names))
	for _, name := range names {
		containerPath, ok := p.Files[name]
		if !ok {
			return nil, &UnknownFileError{Name: name, Known: p.FileNames()}
		}
		out[name] = containerPath
	}
	return out, nil
}
