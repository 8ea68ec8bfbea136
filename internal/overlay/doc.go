// SPDX-License-Identifier: MPL-2.0

// Package overlay copies named files out of an artifact onto the host and
// binds those copies back over their paths in a fresh debug session.
package overlay
