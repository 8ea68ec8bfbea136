// SPDX-License-Identifier: MPL-2.0

// Package cueutil decodes CUE documents against an embedded schema.
//
// Both the kiln project file and the user configuration go through the same
// three steps: compile the schema, unify the user document with one of its
// definitions, then validate and decode into a Go struct. Validation errors
// are reported with the JSON-style path of the offending field:
//
//	//go:embed project_schema.cue
//	var schema []byte
//
//	res, err := cueutil.Decode[Project](schema, data, "#Project",
//	    cueutil.WithFilename("kiln.cue"))
package cueutil
