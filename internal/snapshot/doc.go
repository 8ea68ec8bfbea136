// SPDX-License-Identifier: MPL-2.0

// Package snapshot turns a successful session into a new immutable artifact.
package snapshot
