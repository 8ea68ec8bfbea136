// SPDX-License-Identifier: MPL-2.0

// Package artifact persists artifact metadata and the build step cache.
//
// An artifact is an immutable, content-complete filesystem image held by the
// container engine. This package stores its metadata as one TOML record per
// artifact under <state>/artifacts. Records are append-only: they are written
// once through a temp file and rename, and never rewritten, so a record that
// can be read is always complete.
package artifact
