// SPDX-License-Identifier: MPL-2.0

package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/charmbracelet/fang"
	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"github.com/kilnworks/kiln/internal/config"
	"github.com/kilnworks/kiln/internal/container"
	"github.com/kilnworks/kiln/internal/pipeline"
	"github.com/kilnworks/kiln/pkg/recipe"
)

var (
	// Version is the semantic version (set via -ldflags).
	Version = "dev"
	// Commit is the git commit hash (set via -ldflags).
	Commit = "unknown"
	// BuildDate is the build timestamp (set via -ldflags).
	BuildDate = "unknown"
)

type (
	// Dependencies are the injectable parts of an App. Zero values select
	// the process defaults.
	Dependencies struct {
		Config config.Provider
		Stdin  io.Reader
		Stdout io.Writer
		Stderr io.Writer
	}

	// App holds per-invocation CLI state.
	App struct {
		Config config.Provider
		stdin  io.Reader
		stdout io.Writer
		stderr io.Writer

		verbose bool
		cfgFile string
		cfg     *config.Config
	}
)

// NewApp returns an App with defaults filled in.
func NewApp(deps Dependencies) *App {
	if deps.Config == nil {
		deps.Config = config.NewProvider()
	}
	if deps.Stdin == nil {
		deps.Stdin = os.Stdin
	}
	if deps.Stdout == nil {
		deps.Stdout = os.Stdout
	}
	if deps.Stderr == nil {
		deps.Stderr = os.Stderr
	}
	return &App{Config: deps.Config, stdin: deps.Stdin, stdout: deps.Stdout, stderr: deps.Stderr}
}

// NewRootCommand builds the command tree for app.
func NewRootCommand(app *App) *cobra.Command {
	root := &cobra.Command{
		Use:   "kiln",
		Short: "Build reusable environments and promote training sessions into artifacts",
		Long: TitleStyle.Render("kiln") + SubtitleStyle.Render(" - build once, train in a session, ship the result") + `

kiln builds a base environment from the recipe in kiln.cue exactly once,
runs the training procedure in a disposable session on top of it, and
commits the session into a new immutable artifact only when it succeeded.

` + SubtitleStyle.Render("Examples:") + `
  kiln build --tag base        Build (or reuse) the base environment
  kiln train base --tag v1     Train on it and tag the result
  kiln extract v1              Copy the trained files to the host
  kiln debug v1 model          Open a session with the host model overlaid`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return app.init(cmd.Context())
		},
	}

	root.PersistentFlags().BoolVarP(&app.verbose, "verbose", "v", false, "enable verbose output")
	root.PersistentFlags().StringVar(&app.cfgFile, "config", "", "config file (default is $XDG_CONFIG_HOME/kiln/config.cue)")

	root.AddCommand(
		newBuildCommand(app),
		newSessionCommand(app),
		newTrainCommand(app),
		newExtractCommand(app),
		newDebugCommand(app),
		newTagCommand(app),
		newTagsCommand(app),
		newResolveCommand(app),
		newLogCommand(app),
		newRecipeCommand(app),
		newConfigCommand(app),
	)
	return root
}

// Execute runs the CLI and exits the process.
func Execute() {
	app := NewApp(Dependencies{})
	if err := fang.Execute(
		context.Background(),
		NewRootCommand(app),
		fang.WithVersion(versionString()),
		fang.WithNotifySignal(os.Interrupt),
		fang.WithErrorHandler(app.handleError),
	); err != nil {
		var exitErr *ExitError
		if errors.As(err, &exitErr) {
			os.Exit(exitErr.Code)
		}
		os.Exit(1)
	}
}

func versionString() string {
	if Version == "dev" {
		return "dev (built from source)"
	}
	return fmt.Sprintf("%s (commit: %s, built: %s)", Version, Commit, BuildDate)
}

// init loads the configuration and installs the logger.
func (a *App) init(ctx context.Context) error {
	cfg, err := a.Config.Load(ctx, config.LoadOptions{ConfigFilePath: a.cfgFile})
	if err != nil {
		setupLogging(a.stderr, a.verbose)
		return actionable("load configuration", a.cfgFile, err)
	}
	if !a.verbose {
		a.verbose = cfg.UI.Verbose
	}
	a.cfg = cfg
	setupLogging(a.stderr, a.verbose)
	return nil
}

// setupLogging routes log/slog through a charm logger.
func setupLogging(w io.Writer, verbose bool) {
	level := log.InfoLevel
	if verbose {
		level = log.DebugLevel
	}
	logger := log.NewWithOptions(w, log.Options{
		Prefix:          "kiln",
		Level:           level,
		ReportTimestamp: verbose,
	})
	slog.SetDefault(slog.New(logger))
}

// pipeline opens the pipeline over the configured state directory.
func (a *App) pipeline() (*pipeline.Pipeline, error) {
	state, err := a.cfg.ResolveStateDir()
	if err != nil {
		return nil, err
	}
	extract, err := a.cfg.ResolveExtractDir()
	if err != nil {
		return nil, err
	}
	opts := pipeline.Options{StateDir: state, ExtractDir: extract}
	if proj, err := recipe.Parse(a.cfg.ProjectFile); err == nil {
		opts.Files = proj.Files
	}
	p, err := pipeline.Open(container.EngineType(a.cfg.ContainerEngine), opts)
	if err != nil {
		return nil, actionable("open the container engine", string(a.cfg.ContainerEngine), err)
	}
	return p, nil
}

// project parses file, or the configured project file when file is empty.
func (a *App) project(file string) (*recipe.Project, error) {
	if file == "" {
		file = a.cfg.ProjectFile
	}
	proj, err := recipe.Parse(file)
	if err != nil {
		return nil, actionable("load project", file, err)
	}
	return proj, nil
}
