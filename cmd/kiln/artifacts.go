// SPDX-License-Identifier: MPL-2.0

package cmd

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/kilnworks/kiln/internal/artifact"
	"github.com/kilnworks/kiln/internal/registry"
)

func newExtractCommand(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "extract <ref> [name...]",
		Short: "Copy artifact files out of an artifact onto the host",
		Long: `Copy artifact files out of an artifact onto the host.

Without names every file in the project's files table is extracted. Files
land under <extract_dir>/<artifact>/<name>/. If any requested file is
missing from the artifact, nothing is written.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := app.pipeline()
			if err != nil {
				return err
			}
			paths, err := p.ExtractFiles(cmd.Context(), args[0], args[1:])
			if err != nil {
				return actionable("extract artifact files", args[0], err)
			}
			for _, name := range sortedKeys(paths) {
				fmt.Fprintf(app.stdout, "%s\t%s\n", name, paths[name])
			}
			return nil
		},
	}
}

func newDebugCommand(app *App) *cobra.Command {
	var flags startFlags
	cmd := &cobra.Command{
		Use:   "debug <ref> [name...]",
		Short: "Start a session with the artifact files bind-mounted read-only",
		Long: `Start a session on an artifact with its files extracted on the host and
bind-mounted read-only at their container paths. Run commands in it with
'kiln session exec' and discard it when done.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts, err := flags.options()
			if err != nil {
				return err
			}
			p, err := app.pipeline()
			if err != nil {
				return err
			}
			s, err := p.MountDebug(cmd.Context(), args[0], args[1:], opts)
			if err != nil {
				return actionable("mount artifact files", args[0], err)
			}
			for _, b := range s.Binds {
				fmt.Fprintf(app.stderr, "%s %s -> %s\n", SubtitleStyle.Render("bind"), b.Host, b.Target)
			}
			fmt.Fprintln(app.stdout, s.ID)
			return nil
		},
	}
	flags.register(cmd)
	return cmd
}

func newTagCommand(app *App) *cobra.Command {
	var remove bool
	cmd := &cobra.Command{
		Use:   "tag <ref> <name> | tag --rm <name>",
		Short: "Bind a tag to an artifact, or remove a tag",
		Args: func(cmd *cobra.Command, args []string) error {
			if remove {
				return cobra.ExactArgs(1)(cmd, args)
			}
			return cobra.ExactArgs(2)(cmd, args)
		},
		RunE: func(_ *cobra.Command, args []string) error {
			p, err := app.pipeline()
			if err != nil {
				return err
			}
			if remove {
				if err := p.Registry().Untag(registry.TagName(args[0])); err != nil {
					return actionable("remove tag", args[0], err)
				}
				return nil
			}
			a, err := p.Tag(args[0], registry.TagName(args[1]))
			if err != nil {
				return actionable("tag artifact", args[0], err)
			}
			fmt.Fprintf(app.stderr, "%s %s -> %s\n", SuccessStyle.Render("✓"), CmdStyle.Render(args[1]), artifact.ShortID(a.ID))
			return nil
		},
	}
	cmd.Flags().BoolVar(&remove, "rm", false, "remove the tag instead")
	return cmd
}

func newTagsCommand(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "tags",
		Short: "List tags and the artifacts they name",
		Args:  cobra.NoArgs,
		RunE: func(*cobra.Command, []string) error {
			p, err := app.pipeline()
			if err != nil {
				return err
			}
			tags, err := p.Registry().List()
			if err != nil {
				return err
			}
			if len(tags) == 0 {
				fmt.Fprintln(app.stderr, SubtitleStyle.Render("no tags"))
				return nil
			}
			names := make([]registry.TagName, 0, len(tags))
			for name := range tags {
				names = append(names, name)
			}
			slices.Sort(names)
			rows := make([][]string, 0, len(names))
			for _, name := range names {
				id := tags[name]
				kind, created := "?", ""
				if a, err := p.Store().Get(id); err == nil {
					kind = string(a.Kind)
					created = a.CreatedAt.Local().Format(time.DateTime)
				}
				rows = append(rows, []string{name.String(), artifact.ShortID(id), kind, created})
			}
			fmt.Fprintln(app.stdout, renderTable([]string{"TAG", "ARTIFACT", "KIND", "CREATED"}, rows))
			return nil
		},
	}
}

func newResolveCommand(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "resolve <ref>",
		Short: "Print the full artifact id a tag or id prefix names",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			p, err := app.pipeline()
			if err != nil {
				return err
			}
			a, err := p.Resolve(args[0])
			if err != nil {
				return actionable("resolve", args[0], err)
			}
			fmt.Fprintln(app.stdout, a.ID)
			return nil
		},
	}
}

func newLogCommand(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "log <ref>",
		Short: "Show the lineage of an artifact, newest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			p, err := app.pipeline()
			if err != nil {
				return err
			}
			lineage, err := p.Lineage(args[0])
			if err != nil {
				return actionable("show lineage", args[0], err)
			}
			rows := make([][]string, 0, len(lineage))
			for _, a := range lineage {
				tags, err := p.Registry().TagsOf(a.ID)
				if err != nil {
					return err
				}
				names := make([]string, len(tags))
				for i, t := range tags {
					names[i] = t.String()
				}
				rows = append(rows, []string{
					artifact.ShortID(a.ID),
					string(a.Kind),
					a.CreatedAt.Local().Format(time.DateTime),
					strings.Join(names, ","),
					describe(a),
				})
			}
			fmt.Fprintln(app.stdout, renderTable([]string{"ARTIFACT", "KIND", "CREATED", "TAGS", "ORIGIN"}, rows))
			return nil
		},
	}
}

func describe(a *artifact.Artifact) string {
	switch {
	case a.SessionID != "":
		return "session " + artifact.ShortID(a.SessionID)
	case a.Step != "":
		return a.Step
	default:
		return ""
	}
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
