// SPDX-License-Identifier: MPL-2.0

// Package config loads kiln configuration using Viper with CUE as the file format.
//
// The configuration file lives at $XDG_CONFIG_HOME/kiln/config.cue (falling back to
// ~/.config/kiln/config.cue) and is validated against the embedded config_schema.cue
// before it is merged over the built-in defaults. Every key can be overridden from the
// environment with the KILN_ prefix, dots replaced by underscores (KILN_SSH_PORT).
package config
