// SPDX-License-Identifier: MPL-2.0

// Package registry binds human-readable tags to artifact ids.
//
// The tag table lives in <state>/tags.toml. Writers hold an exclusive flock on
// <state>/tags.lock and replace the table atomically; readers never lock.
package registry
