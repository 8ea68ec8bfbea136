// SPDX-License-Identifier: MPL-2.0

// Package pipeline wires the container engine, artifact store, step cache,
// session orchestrator, committer, tag registry and overlay manager over one
// state directory, and runs the end-to-end training flow on top of them.
//
// State directory layout:
//
//	artifacts/      one TOML record per artifact
//	cache/          step and build cache indexes
//	sessions/       one TOML record and lock per session
//	engine/         virtual engine root
//	extract/        extracted artifact files (unless overridden)
//	tags.toml       tag table, guarded by tags.lock
package pipeline
