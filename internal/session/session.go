// SPDX-License-Identifier: MPL-2.0

package session

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/kilnworks/kiln/internal/container"
)

const (
	StateCreated   State = "created"
	StateRunning   State = "running"
	StateSucceeded State = "succeeded"
	StateFailed    State = "failed"
	StateCommitted State = "committed"
	StateDiscarded State = "discarded"
)

var (
	// ErrNotFound is the sentinel wrapped by NotFoundError.
	ErrNotFound = errors.New("session not found")
	// ErrInvalidTransition is the sentinel wrapped by InvalidTransitionError.
	ErrInvalidTransition = errors.New("invalid session state transition")
	// ErrSessionExec is the sentinel wrapped by SessionExecError.
	ErrSessionExec = errors.New("command failed in session")
	// ErrAmbiguousID is returned when an id prefix matches several sessions.
	ErrAmbiguousID = errors.New("ambiguous session id prefix")

	transitions = map[State][]State{
		StateCreated:   {StateRunning, StateDiscarded},
		StateRunning:   {StateSucceeded, StateFailed, StateDiscarded},
		StateSucceeded: {StateRunning, StateCommitted, StateDiscarded},
		StateFailed:    {StateRunning, StateDiscarded},
	}
)

type (
	// State is a session lifecycle state.
	State string

	// Bind is a host path mounted into the session. Binds are never part of
	// a commit.
	Bind struct {
		Host     string `toml:"host"`
		Target   string `toml:"target"`
		ReadOnly bool   `toml:"read_only,omitempty"`
	}

	// Session is the persisted record of one session.
	Session struct {
		ID             string                `toml:"id"`
		BaseArtifactID string                `toml:"base_artifact_id"`
		ContainerID    container.ContainerID `toml:"container_id"`
		State          State                 `toml:"state"`
		// ExitStatus is the status of the most recent command, nil before the
		// first one or after an infrastructure failure.
		ExitStatus  *int              `toml:"exit_status,omitempty"`
		LastCommand []string          `toml:"last_command,omitempty"`
		Binds       []Bind            `toml:"binds,omitempty"`
		User        string            `toml:"user,omitempty"`
		WorkDir     string            `toml:"workdir,omitempty"`
		Env         map[string]string `toml:"env,omitempty"`
		// ArtifactID is the artifact a committed session produced.
		ArtifactID string    `toml:"artifact_id,omitempty"`
		CreatedAt  time.Time `toml:"created_at"`
		UpdatedAt  time.Time `toml:"updated_at"`
	}

	// NotFoundError wraps ErrNotFound.
	NotFoundError struct {
		ID string
	}

	// InvalidTransitionError reports lifecycle misuse, such as Exec on a
	// committed session.
	InvalidTransitionError struct {
		ID   string
		From State
		To   State
	}

	// SessionExecError reports a command that exited non-zero. The session
	// itself stays usable.
	SessionExecError struct {
		SessionID string
		Argv      []string
		ExitCode  int
	}
)

func (s State) String() string { return string(s) }

// IsFinal reports whether no further transition is possible.
func (s State) IsFinal() bool {
	return s == StateCommitted || s == StateDiscarded
}

// CanTransition reports whether from -> to is a lifecycle edge.
func CanTransition(from, to State) bool {
	return slices.Contains(transitions[from], to)
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("session %s not found", e.ID)
}

func (e *NotFoundError) Unwrap() error { return ErrNotFound }

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("session %s: cannot move from %s to %s", e.ID, e.From, e.To)
}

func (e *InvalidTransitionError) Unwrap() error { return ErrInvalidTransition }

func (e *SessionExecError) Error() string {
	return fmt.Sprintf("session %s: '%s' exited with status %d", e.SessionID, strings.Join(e.Argv, " "), e.ExitCode)
}

func (e *SessionExecError) Unwrap() error { return ErrSessionExec }

// ShortID returns the first 12 characters of the session id.
func (s *Session) ShortID() string {
	if len(s.ID) > 12 {
		return s.ID[:12]
	}
	return s.ID
}

// Succeeded reports whether the most recent command exited 0.
func (s *Session) Succeeded() bool {
	return s.State == StateSucceeded && s.ExitStatus != nil && *s.ExitStatus == 0
}

func (s *Session) transition(to State, now time.Time) error {
	if !CanTransition(s.State, to) {
		return &InvalidTransitionError{ID: s.ID, From: s.State, To: to}
	}
	s.State = to
	s.UpdatedAt = now
	return nil
}

// Volumes converts the binds for container.CreateOptions.
func (s *Session) Volumes() []container.VolumeMount {
	out := make([]container.VolumeMount, 0, len(s.Binds))
	for _, b := range s.Binds {
		out = append(out, b.VolumeMount())
	}
	return out
}

// VolumeMount converts b.
func (b Bind) VolumeMount() container.VolumeMount {
	return container.VolumeMount{
		HostPath:      container.HostFilesystemPath(b.Host),
		ContainerPath: container.MountTargetPath(b.Target),
		ReadOnly:      b.ReadOnly,
	}
}

// ParseBind parses "HOST:CONTAINER[:ro]".
func ParseBind(spec string) (Bind, error) {
	v, err := container.ParseVolumeMount(spec)
	if err != nil {
		return Bind{}, err
	}
	return Bind{Host: string(v.HostPath), Target: string(v.ContainerPath), ReadOnly: v.ReadOnly}, nil
}
