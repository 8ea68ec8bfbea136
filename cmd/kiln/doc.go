// SPDX-License-Identifier: MPL-2.0

// Package cmd contains the kiln CLI.
//
// Every command loads the configuration once, opens the pipeline over the
// configured state directory and maps failures to actionable errors that
// point at the matching issue catalog entry.
package cmd
