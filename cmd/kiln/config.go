// SPDX-License-Identifier: MPL-2.0

package cmd

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/kilnworks/kiln/internal/config"
)

// newConfigCommand creates the `kiln config` command tree.
func newConfigCommand(app *App) *cobra.Command {
	cfgCmd := &cobra.Command{
		Use:   "config",
		Short: "Manage kiln configuration",
		Long: `Manage kiln configuration.

Configuration is stored in:
  - Linux: ~/.config/kiln/config.cue
  - macOS: ~/Library/Application Support/kiln/config.cue
  - Windows: %APPDATA%\kiln\config.cue

Every key can also be set through the environment, e.g. KILN_STATE_DIR.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return cmd.Help()
		},
	}

	cfgCmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show current configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, path, err := config.LoadWithPath(cmd.Context(), config.LoadOptions{ConfigFilePath: app.cfgFile})
			if err != nil {
				return actionable("load configuration", app.cfgFile, err)
			}
			return showConfig(app, cfg, path)
		},
	})

	cfgCmd.AddCommand(&cobra.Command{
		Use:   "init",
		Short: "Create default configuration file",
		Args:  cobra.NoArgs,
		// The file may not exist yet, so skip loading it.
		PersistentPreRunE: func(*cobra.Command, []string) error {
			setupLogging(app.stderr, app.verbose)
			return nil
		},
		RunE: func(*cobra.Command, []string) error {
			dir := ""
			if app.cfgFile != "" {
				dir = filepath.Dir(app.cfgFile)
			}
			path, err := config.CreateDefaultConfig(dir)
			if err != nil {
				return err
			}
			fmt.Fprintf(app.stdout, "%s Configuration at %s\n", SuccessStyle.Render("✓"), path)
			return nil
		},
	})

	cfgCmd.AddCommand(&cobra.Command{
		Use:   "path",
		Short: "Show configuration file path",
		Args:  cobra.NoArgs,
		RunE: func(*cobra.Command, []string) error {
			if app.cfgFile != "" {
				fmt.Fprintln(app.stdout, app.cfgFile)
				return nil
			}
			dir, err := config.ConfigDir()
			if err != nil {
				return err
			}
			fmt.Fprintln(app.stdout, filepath.Join(dir, config.ConfigFileName+"."+config.ConfigFileExt))
			return nil
		},
	})

	cfgCmd.AddCommand(&cobra.Command{
		Use:   "dump",
		Short: "Output the effective configuration as CUE",
		Args:  cobra.NoArgs,
		RunE: func(*cobra.Command, []string) error {
			fmt.Fprint(app.stdout, config.GenerateCUE(app.cfg))
			return nil
		},
	})

	return cfgCmd
}

func showConfig(app *App, cfg *config.Config, path string) error {
	keyStyle := CmdStyle
	valueStyle := SuccessStyle
	w := app.stdout

	fmt.Fprintln(w, TitleStyle.Render("Current Configuration"))
	fmt.Fprintln(w)
	if path != "" {
		fmt.Fprintf(w, "%s: %s\n", keyStyle.Render("Config file"), path)
	} else {
		fmt.Fprintf(w, "%s: %s\n", keyStyle.Render("Config file"), SubtitleStyle.Render("(using defaults)"))
	}
	fmt.Fprintln(w)

	state, err := cfg.ResolveStateDir()
	if err != nil {
		return err
	}
	extract, err := cfg.ResolveExtractDir()
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "%s: %s\n", keyStyle.Render("container_engine"), valueStyle.Render(cfg.ContainerEngine.String()))
	fmt.Fprintf(w, "%s: %s\n", keyStyle.Render("state_dir"), valueStyle.Render(state))
	fmt.Fprintf(w, "%s: %s\n", keyStyle.Render("project_file"), valueStyle.Render(cfg.ProjectFile))
	fmt.Fprintf(w, "%s: %s\n", keyStyle.Render("extract_dir"), valueStyle.Render(extract))

	fmt.Fprintln(w)
	fmt.Fprintf(w, "%s:\n", keyStyle.Render("ui"))
	fmt.Fprintf(w, "  verbose: %s\n", valueStyle.Render(fmt.Sprintf("%v", cfg.UI.Verbose)))
	fmt.Fprintf(w, "  color_scheme: %s\n", valueStyle.Render(cfg.UI.ColorScheme.String()))

	fmt.Fprintln(w)
	fmt.Fprintf(w, "%s:\n", keyStyle.Render("ssh"))
	fmt.Fprintf(w, "  host: %s\n", valueStyle.Render(cfg.SSH.Host))
	fmt.Fprintf(w, "  port: %s\n", valueStyle.Render(fmt.Sprintf("%d", cfg.SSH.Port)))
	return nil
}
