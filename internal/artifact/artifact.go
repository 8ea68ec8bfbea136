// SPDX-License-Identifier: MPL-2.0

package artifact

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

const (
	// KindBase is an artifact pulled from a base image reference.
	KindBase Kind = "base"
	// KindStep is an intermediate build step result held by the step cache.
	KindStep Kind = "step"
	// KindBuild is the published result of a complete recipe build.
	KindBuild Kind = "build"
	// KindCommit is a committed session.
	KindCommit Kind = "commit"

	// MinPrefixLen is the shortest id prefix ResolvePrefix accepts.
	MinPrefixLen = 12
)

var (
	// ErrNotFound is the sentinel wrapped by NotFoundError.
	ErrNotFound = errors.New("artifact not found")
	// ErrExists is returned when a record with the same id is already stored.
	ErrExists = errors.New("artifact already exists")
	// ErrAmbiguousPrefix is returned when a prefix matches several artifacts.
	ErrAmbiguousPrefix = errors.New("ambiguous artifact id prefix")
)

type (
	// Kind records how an artifact was produced.
	Kind string

	// Artifact is the metadata of an immutable engine image.
	Artifact struct {
		ID         string            `toml:"id"`
		ParentID   string            `toml:"parent_id,omitempty"`
		Kind       Kind              `toml:"kind"`
		CreatedAt  time.Time         `toml:"created_at"`
		Entrypoint []string          `toml:"entrypoint,omitempty"`
		User       string            `toml:"user,omitempty"`
		WorkDir    string            `toml:"workdir,omitempty"`
		Env        map[string]string `toml:"env,omitempty"`
		// RecipeHash is set on build results only.
		RecipeHash string `toml:"recipe_hash,omitempty"`
		// Step is the cache key for base and step artifacts, or a label.
		Step       string `toml:"step,omitempty"`
		TreeDigest string `toml:"tree_digest,omitempty"`
		// SessionID is the committed session, for commit artifacts.
		SessionID string `toml:"session_id,omitempty"`
	}

	// NotFoundError wraps ErrNotFound.
	NotFoundError struct {
		ID string
	}
)

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("artifact %s not found", e.ID)
}

func (e *NotFoundError) Unwrap() error { return ErrNotFound }

// ShortID returns the first 12 hex characters of id.
func ShortID(id string) string {
	hex := strings.TrimPrefix(id, "sha256:")
	if len(hex) > MinPrefixLen {
		return hex[:MinPrefixLen]
	}
	return hex
}

// IsRoot reports whether a has no parent.
func (a *Artifact) IsRoot() bool {
	return a.ParentID == ""
}
