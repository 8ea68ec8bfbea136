// SPDX-License-Identifier: MPL-2.0

package cmd

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/kilnworks/kiln/internal/artifact"
	"github.com/kilnworks/kiln/internal/pipeline"
	"github.com/kilnworks/kiln/internal/registry"
	"github.com/kilnworks/kiln/pkg/recipe"
)

func newTrainCommand(app *App) *cobra.Command {
	var (
		file  string
		tag   string
		flags startFlags
	)
	cmd := &cobra.Command{
		Use:   "train <ref>",
		Short: "Run the training steps in one session and commit the result",
		Long: `Run the training steps of kiln.cue in one session on an artifact.

The steps run in order and stop at the first failure. Only when every step
succeeds is the session committed and tagged; a failure commits nothing
and leaves the tag as it was.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			proj, err := app.project(file)
			if err != nil {
				return err
			}
			if len(proj.Training.Steps) == 0 {
				return actionable("train", proj.FilePath, errors.New("the project defines no training steps"))
			}
			opts, err := flags.options()
			if err != nil {
				return err
			}
			p, err := app.pipeline()
			if err != nil {
				return err
			}
			res, err := p.Train(cmd.Context(), args[0], proj.Training, registry.TagName(tag), pipeline.TrainOptions{
				Binds:    opts.Binds,
				Env:      opts.Env,
				Stdout:   app.stderr,
				Stderr:   app.stderr,
				Progress: app.printTrainingStep,
			})
			if err != nil {
				return actionable("train", args[0], err)
			}
			fmt.Fprintf(app.stderr, "%s trained %s from session %s\n",
				SuccessStyle.Render("✓"), CmdStyle.Render(res.Tag.String()), artifact.ShortID(res.SessionID))
			fmt.Fprintln(app.stdout, res.Artifact.ID)
			return nil
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "project file (default from config, kiln.cue)")
	cmd.Flags().StringVar(&tag, "tag", "", "tag for the trained artifact (required)")
	cmd.Flags().StringArrayVar(&flags.binds, "bind", nil, "bind a host path into the session (HOST:CONTAINER[:ro])")
	cmd.Flags().StringArrayVarP(&flags.env, "env", "e", nil, "set an environment variable (KEY=VALUE)")
	_ = cmd.MarkFlagRequired("tag")
	return cmd
}

func (a *App) printTrainingStep(index, total int, step recipe.TrainingStep) {
	label := step.Name
	if label == "" {
		label = step.Command
	}
	fmt.Fprintf(a.stderr, "%s %s\n", SubtitleStyle.Render(fmt.Sprintf("[%d/%d]", index+1, total)), label)
}
