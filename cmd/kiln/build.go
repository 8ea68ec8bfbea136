// SPDX-License-Identifier: MPL-2.0

package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/kilnworks/kiln/internal/artifact"
	"github.com/kilnworks/kiln/internal/builder"
	"github.com/kilnworks/kiln/internal/registry"
)

func newBuildCommand(app *App) *cobra.Command {
	var (
		file    string
		tag     string
		noCache bool
	)
	cmd := &cobra.Command{
		Use:   "build",
		Short: "Build the base environment described by the recipe",
		Long: `Build the base environment described by the recipe in kiln.cue.

Each step runs in its own session as the unprivileged principal and is
committed on success. Unchanged steps are reused from the cache, so
re-running an unchanged recipe executes nothing. A failing step publishes
no base artifact.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			proj, err := app.project(file)
			if err != nil {
				return err
			}
			p, err := app.pipeline()
			if err != nil {
				return err
			}
			res, err := p.BuildBase(cmd.Context(), &proj.Recipe, registry.TagName(tag), builder.Options{
				ContextDir: proj.ContextDir(),
				NoCache:    noCache,
				Stdout:     app.stderr,
				Stderr:     app.stderr,
				Progress:   app.printStep,
			})
			if err != nil {
				return actionable("build base artifact", proj.FilePath, err)
			}
			fmt.Fprintf(app.stderr, "%s %d of %d steps executed\n",
				SuccessStyle.Render("✓"), res.Executed(), len(res.Steps))
			fmt.Fprintln(app.stdout, res.Artifact.ID)
			return nil
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "project file (default from config, kiln.cue)")
	cmd.Flags().StringVar(&tag, "tag", "", "tag the resulting artifact")
	cmd.Flags().BoolVar(&noCache, "no-cache", false, "execute every step even when cached")
	return cmd
}

func (a *App) printStep(s builder.StepResult) {
	var pos string
	switch s.Index {
	case builder.BaseIndex:
		pos = "[base]"
	case builder.SetupIndex:
		pos = "[setup]"
	default:
		pos = fmt.Sprintf("[%d/%d]", s.Index+1, s.Total)
	}
	status := CmdStyle.Render("run")
	if s.Cached {
		status = WarningStyle.Render("cached") + " " + SubtitleStyle.Render(artifact.ShortID(s.ArtifactID))
	}
	fmt.Fprintf(a.stderr, "%s %s %s\n", SubtitleStyle.Render(pos), s.Label, status)
}

func newRecipeCommand(app *App) *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "recipe",
		Short: "Inspect the recipe",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return cmd.Help()
		},
	}
	cmd.PersistentFlags().StringVarP(&file, "file", "f", "", "project file (default from config, kiln.cue)")

	cmd.AddCommand(&cobra.Command{
		Use:   "hash",
		Short: "Print the recipe identity and the cumulative hash of every step",
		Args:  cobra.NoArgs,
		RunE: func(*cobra.Command, []string) error {
			proj, err := app.project(file)
			if err != nil {
				return err
			}
			r := &proj.Recipe
			if app.verbose {
				for i, h := range r.CumulativeHashes() {
					label := "setup"
					if i > 0 {
						label = r.Steps[i-1].Label()
					}
					fmt.Fprintf(app.stderr, "%s %s %s\n", SubtitleStyle.Render(fmt.Sprintf("[%d]", i)), h[:12], label)
				}
			}
			fmt.Fprintln(app.stdout, r.Hash())
			return nil
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "dockerfile",
		Short: "Render the recipe as an equivalent Dockerfile",
		Args:  cobra.NoArgs,
		RunE: func(*cobra.Command, []string) error {
			proj, err := app.project(file)
			if err != nil {
				return err
			}
			fmt.Fprint(app.stdout, proj.Recipe.Dockerfile())
			return nil
		},
	})
	return cmd
}
