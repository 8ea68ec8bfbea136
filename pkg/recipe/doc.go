// SPDX-License-Identifier: MPL-2.0

// Package recipe models kiln project files: the build recipe of the base
// environment, the training procedure and the named artifact files.
//
// A recipe is an ordered list of typed steps. Its identity is the sha256 of
// the canonical step sequence, and every prefix has a cumulative hash so an
// unchanged prefix can be served from the step cache.
package recipe
