// SPDX-License-Identifier: MPL-2.0

package cmd

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"

	"github.com/charmbracelet/fang"

	"github.com/kilnworks/kiln/internal/artifact"
	"github.com/kilnworks/kiln/internal/builder"
	"github.com/kilnworks/kiln/internal/container"
	"github.com/kilnworks/kiln/internal/issue"
	"github.com/kilnworks/kiln/internal/overlay"
	"github.com/kilnworks/kiln/internal/pipeline"
	"github.com/kilnworks/kiln/internal/registry"
	"github.com/kilnworks/kiln/internal/session"
	"github.com/kilnworks/kiln/internal/snapshot"
	"github.com/kilnworks/kiln/pkg/recipe"
)

// actionable wraps err with the operation that failed and, when the error
// is one kiln knows, suggestions and the matching issue catalog entry.
// Errors that already carry that context pass through unchanged.
func actionable(operation, resource string, err error) error {
	if err == nil {
		return nil
	}
	var ae *issue.ActionableError
	if errors.As(err, &ae) {
		return err
	}

	ec := issue.NewErrorContext().WithOperation(operation).WithResource(resource).Wrap(err)

	var (
		buildErr   *builder.BuildError
		trainErr   *pipeline.TrainingError
		missingErr *overlay.MissingArtifactFileError
	)
	switch {
	case errors.Is(err, container.ErrEngineNotAvailable):
		ec.WithIssue(issue.ContainerEngineNotFoundId).
			WithSuggestion("Install Podman or Docker, or set container_engine: \"virtual\"")
	case errors.As(err, &buildErr):
		ec.WithIssue(issue.BuildStepFailedId).
			WithSuggestion(fmt.Sprintf("Fix step %q in the recipe and re-run 'kiln build'", buildErr.Step))
	case errors.As(err, &trainErr):
		ec.WithIssue(issue.SessionExecFailedId).
			WithSuggestion("Nothing was committed and the tag was left as it was").
			WithSuggestion("Debug the step in a session: 'kiln session start <base>'")
	case errors.Is(err, snapshot.ErrPrecondition):
		ec.WithIssue(issue.CommitPreconditionId).
			WithSuggestion("Re-run the failing command in the session until it exits 0")
	case errors.As(err, &missingErr):
		ec.WithIssue(issue.MissingArtifactFilesId).
			WithSuggestion("Check the training steps produce every file named in kiln.cue")
	case errors.Is(err, recipe.ErrUnknownFile):
		ec.WithSuggestion("Use one of the names in the files table of kiln.cue")
	case errors.Is(err, registry.ErrNotFound), errors.Is(err, artifact.ErrNotFound):
		ec.WithIssue(issue.TagNotFoundId).
			WithSuggestion("List tags with 'kiln tags'")
	case errors.Is(err, registry.ErrInvalidTagName):
		ec.WithSuggestion("Tag names must be non-empty and contain no whitespace")
	case errors.Is(err, session.ErrNotFound), errors.Is(err, session.ErrAmbiguousID):
		ec.WithIssue(issue.SessionNotFoundId)
	case errors.Is(err, session.ErrInvalidTransition):
		ec.WithSuggestion("Check the session state with 'kiln session list'")
	case errors.Is(err, session.ErrSessionExec):
		ec.WithIssue(issue.SessionExecFailedId)
	case operation == "load configuration":
		ec.WithIssue(issue.ConfigLoadFailedId).
			WithSuggestion("Check the file with 'kiln config show' or recreate it with 'kiln config init'")
	case errors.Is(err, fs.ErrNotExist) && operation == "load project":
		ec.WithIssue(issue.ProjectFileNotFoundId).
			WithSuggestion("Pass the project file with -f")
	case operation == "load project":
		ec.WithIssue(issue.ProjectParseErrorId)
	}
	return ec.BuildError()
}

// handleError prints err for fang. Bare exit statuses print nothing; known
// failures print their suggestions, and in verbose mode the catalog entry.
func (a *App) handleError(w io.Writer, _ fang.Styles, err error) {
	var exitErr *ExitError
	if errors.As(err, &exitErr) && exitErr.Err == nil {
		return
	}

	var ae *issue.ActionableError
	if !errors.As(err, &ae) {
		fmt.Fprintln(w, ErrorStyle.Render("Error: ")+err.Error())
		return
	}
	fmt.Fprintln(w, ErrorStyle.Render("Error: ")+ae.Format(a.verbose))
	if !a.verbose || ae.IssueID == 0 {
		return
	}
	entry := issue.Get(ae.IssueID)
	if entry == nil {
		return
	}
	rendered, renderErr := entry.Render("dark")
	if renderErr != nil {
		slog.Warn("failed to render issue catalog entry", "issue", ae.IssueID, "error", renderErr)
		return
	}
	fmt.Fprint(w, rendered)
}
