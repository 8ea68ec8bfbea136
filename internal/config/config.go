// SPDX-License-Identifier: MPL-2.0

package config

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"github.com/spf13/viper"

	"github.com/kilnworks/kiln/internal/issue"
	"github.com/kilnworks/kiln/pkg/cueutil"
)

const (
	// AppName is the application name.
	AppName = "kiln"
	// ConfigFileName is the name of the config file (without extension).
	ConfigFileName = "config"
	// ConfigFileExt is the config file extension.
	ConfigFileExt = "cue"
	// EnvPrefix prefixes environment overrides.
	EnvPrefix = "KILN"
)

//go:embed config_schema.cue
var configSchema string

// configDirOverride lets tests bypass $XDG_CONFIG_HOME and $HOME.
var configDirOverride string

// SetConfigDirOverride points ConfigDir at dir. Tests only.
func SetConfigDirOverride(dir string) {
	configDirOverride = dir
}

// Reset clears test overrides.
func Reset() {
	configDirOverride = ""
}

// ConfigDir returns $XDG_CONFIG_HOME/kiln, defaulting to ~/.config/kiln.
//
//nolint:revive // ConfigDir is clearer than Dir for external callers
func ConfigDir() (string, error) {
	if configDirOverride != "" {
		return configDirOverride, nil
	}
	base := os.Getenv("XDG_CONFIG_HOME")
	if base == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("failed to get home directory: %w", err)
		}
		base = filepath.Join(home, ".config")
	}
	return filepath.Join(base, AppName), nil
}

// DefaultStateDir returns $XDG_STATE_HOME/kiln, defaulting to ~/.local/state/kiln.
func DefaultStateDir() (string, error) {
	base := os.Getenv("XDG_STATE_HOME")
	if base == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("failed to get home directory: %w", err)
		}
		base = filepath.Join(home, ".local", "state")
	}
	return filepath.Join(base, AppName), nil
}

// ResolveStateDir returns the configured state directory or the default one.
func (c *Config) ResolveStateDir() (string, error) {
	if c.StateDir != "" {
		return c.StateDir, nil
	}
	return DefaultStateDir()
}

// ResolveExtractDir returns the configured extract directory or <state>/extract.
func (c *Config) ResolveExtractDir() (string, error) {
	if c.ExtractDir != "" {
		return c.ExtractDir, nil
	}
	state, err := c.ResolveStateDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(state, "extract"), nil
}

// loadWithOptions layers defaults, the CUE file and KILN_* variables. It holds no
// package-level cache, so every call observes the current file and environment.
func loadWithOptions(ctx context.Context, opts LoadOptions) (*Config, string, error) {
	if err := ctx.Err(); err != nil {
		return nil, "", fmt.Errorf("load config canceled: %w", err)
	}

	v := viper.New()
	defaults := DefaultConfig()
	v.SetDefault("container_engine", defaults.ContainerEngine)
	v.SetDefault("state_dir", defaults.StateDir)
	v.SetDefault("project_file", defaults.ProjectFile)
	v.SetDefault("extract_dir", defaults.ExtractDir)
	v.SetDefault("ui.verbose", defaults.UI.Verbose)
	v.SetDefault("ui.color_scheme", defaults.UI.ColorScheme)
	v.SetDefault("ssh.host", defaults.SSH.Host)
	v.SetDefault("ssh.port", defaults.SSH.Port)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	path, err := resolveConfigPath(opts)
	if err != nil {
		return nil, "", err
	}
	if path != "" {
		if err := loadCUEIntoViper(v, path); err != nil {
			return nil, "", issue.NewErrorContext().
				WithOperation("load configuration").
				WithResource(path).
				WithSuggestion("Check that the file contains valid CUE syntax").
				WithSuggestion("Verify the values match the schema shown by 'kiln config show'").
				WithIssue(issue.ConfigLoadFailedId).
				Wrap(err).
				BuildError()
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, "", fmt.Errorf("failed to parse config: %w", err)
	}
	if ok, errs := cfg.IsValid(); !ok {
		return nil, "", issue.NewErrorContext().
			WithOperation("validate configuration").
			WithResource(path).
			WithSuggestion("Check KILN_* environment variables for typos").
			WithIssue(issue.ConfigLoadFailedId).
			Wrap(errors.Join(errs...)).
			BuildError()
	}
	return &cfg, path, nil
}

// resolveConfigPath returns the file to load, or "" when none exists. An
// explicit ConfigFilePath that does not exist is an error.
func resolveConfigPath(opts LoadOptions) (string, error) {
	if opts.ConfigFilePath != "" {
		if !fileExists(opts.ConfigFilePath) {
			return "", issue.NewErrorContext().
				WithOperation("load configuration").
				WithResource(opts.ConfigFilePath).
				WithSuggestion("Verify the file path is correct").
				WithSuggestion("Create one with 'kiln config init'").
				WithIssue(issue.ConfigLoadFailedId).
				Wrap(fmt.Errorf("config file not found: %s", opts.ConfigFilePath)).
				BuildError()
		}
		return opts.ConfigFilePath, nil
	}

	dir := opts.ConfigDirPath
	if dir == "" {
		var err error
		if dir, err = ConfigDir(); err != nil {
			return "", err
		}
	}
	if p := filepath.Join(dir, ConfigFileName+"."+ConfigFileExt); fileExists(p) {
		return p, nil
	}
	return "", nil
}

// loadCUEIntoViper validates path against #Config and merges it into v.
// Fields are optional, so the document is decoded into a map rather than
// through cueutil.Decode.
func loadCUEIntoViper(v *viper.Viper, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := cueutil.CheckFileSize(data, cueutil.DefaultMaxFileSize, path); err != nil {
		return err
	}

	cctx := cuecontext.New()
	schemaValue := cctx.CompileString(configSchema)
	if err := schemaValue.Err(); err != nil {
		return fmt.Errorf("internal error: failed to compile config schema: %w", err)
	}
	userValue := cctx.CompileBytes(data, cue.Filename(path))
	if err := userValue.Err(); err != nil {
		return cueutil.FormatError(err, path)
	}

	unified := schemaValue.LookupPath(cue.ParsePath("#Config")).Unify(userValue)
	if err := unified.Validate(cue.Concrete(false)); err != nil {
		return cueutil.FormatError(err, path)
	}

	var configMap map[string]any
	if err := unified.Decode(&configMap); err != nil {
		return cueutil.FormatError(err, path)
	}
	if err := v.MergeConfigMap(configMap); err != nil {
		return fmt.Errorf("failed to merge config: %w", err)
	}
	return nil
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

// CreateDefaultConfig writes the default config file unless one exists and
// returns its path.
func CreateDefaultConfig(dir string) (string, error) {
	if dir == "" {
		var err error
		if dir, err = ConfigDir(); err != nil {
			return "", err
		}
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create config directory: %w", err)
	}

	path := filepath.Join(dir, ConfigFileName+"."+ConfigFileExt)
	if fileExists(path) {
		return path, nil
	}
	if err := os.WriteFile(path, []byte(GenerateCUE(DefaultConfig())), 0o644); err != nil {
		return "", fmt.Errorf("failed to write config file: %w", err)
	}
	return path, nil
}

// GenerateCUE renders cfg as a config file. Empty paths are omitted so the
// defaults keep applying.
func GenerateCUE(cfg *Config) string {
	var sb strings.Builder

	sb.WriteString("// kiln configuration\n\n")
	fmt.Fprintf(&sb, "container_engine: %q\n", cfg.ContainerEngine)
	if cfg.StateDir != "" {
		fmt.Fprintf(&sb, "state_dir: %q\n", cfg.StateDir)
	}
	fmt.Fprintf(&sb, "project_file: %q\n", cfg.ProjectFile)
	if cfg.ExtractDir != "" {
		fmt.Fprintf(&sb, "extract_dir: %q\n", cfg.ExtractDir)
	}

	sb.WriteString("\nui: {\n")
	fmt.Fprintf(&sb, "\tverbose: %v\n", cfg.UI.Verbose)
	fmt.Fprintf(&sb, "\tcolor_scheme: %q\n", cfg.UI.ColorScheme)
	sb.WriteString("}\n")

	sb.WriteString("\nssh: {\n")
	fmt.Fprintf(&sb, "\thost: %q\n", cfg.SSH.Host)
	fmt.Fprintf(&sb, "\tport: %d\n", cfg.SSH.Port)
	sb.WriteString("}\n")

	return sb.String()
}
