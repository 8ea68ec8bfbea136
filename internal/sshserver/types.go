// SPDX-License-Identifier: MPL-2.0

package sshserver

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/kilnworks/kiln/internal/session"
)

const (
	// StateCreated indicates the server has been created but not started.
	StateCreated State = iota
	// StateStarting indicates Start is in progress.
	StateStarting
	// StateRunning indicates the server is accepting connections.
	StateRunning
	// StateStopping indicates the server is shutting down.
	StateStopping
	// StateStopped is terminal.
	StateStopped
	// StateFailed is terminal: the server failed to start or serve.
	StateFailed
)

var (
	// ErrInvalidTokenValue is the sentinel error wrapped by InvalidTokenValueError.
	ErrInvalidTokenValue = errors.New("invalid token value")
	// ErrInvalidSSHConfig is the sentinel error wrapped by InvalidSSHConfigError.
	ErrInvalidSSHConfig = errors.New("invalid SSH server config")
)

type (
	// State is the lifecycle state of a Server.
	State int32

	// TokenValue is a password accepted by the server.
	TokenValue string

	// Token is an issued authentication token.
	Token struct {
		Value     TokenValue
		CreatedAt time.Time
		ExpiresAt time.Time
		// Label names what the token was issued for.
		Label string
	}

	// SessionRunner executes commands in a session. *session.Orchestrator
	// satisfies it.
	SessionRunner interface {
		Exec(ctx context.Context, id string, argv []string, eio session.ExecIO) (int, error)
	}

	// Config holds immutable configuration for the SSH server.
	Config struct {
		// Host is the address to bind to (default: 127.0.0.1)
		Host string
		// Port is the port to listen on (0 = auto-select)
		Port int
		// TokenTTL is how long tokens are valid (default: 1 hour)
		TokenTTL time.Duration
		// ShutdownTimeout bounds graceful shutdown (default: 10s)
		ShutdownTimeout time.Duration
		// StartupTimeout bounds Start (default: 5s)
		StartupTimeout time.Duration
		// Shell runs interactive sessions and raw commands (default: /bin/sh)
		Shell string
	}

	// ConnectionInfo is what an operator needs to connect.
	ConnectionInfo struct {
		Host     string
		Port     int
		User     string
		Token    TokenValue
		ExpireAt time.Time
	}

	// InvalidTokenValueError is returned for an empty or blank token.
	InvalidTokenValueError struct {
		Value TokenValue
	}

	// InvalidSSHConfigError collects field-level validation errors.
	InvalidSSHConfigError struct {
		FieldErrors []error
	}
)

// String returns a human-readable representation of the server state.
func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// IsTerminal reports whether s is Stopped or Failed.
func (s State) IsTerminal() bool {
	return s == StateStopped || s == StateFailed
}

func (t TokenValue) String() string { return string(t) }

// Validate returns an InvalidTokenValueError for an empty or blank token.
func (t TokenValue) Validate() error {
	if strings.TrimSpace(string(t)) == "" {
		return &InvalidTokenValueError{Value: t}
	}
	return nil
}

func (e *InvalidTokenValueError) Error() string {
	return fmt.Sprintf("invalid token value %q: must be non-empty", e.Value)
}

func (e *InvalidTokenValueError) Unwrap() error { return ErrInvalidTokenValue }

func (e *InvalidSSHConfigError) Error() string {
	return fmt.Sprintf("invalid SSH server config: %d field error(s)", len(e.FieldErrors))
}

func (e *InvalidSSHConfigError) Unwrap() []error {
	return append([]error{ErrInvalidSSHConfig}, e.FieldErrors...)
}

// DefaultConfig returns a default configuration.
func DefaultConfig() Config {
	return Config{
		Host:            "127.0.0.1",
		TokenTTL:        time.Hour,
		ShutdownTimeout: 10 * time.Second,
		StartupTimeout:  5 * time.Second,
		Shell:           "/bin/sh",
	}
}

// Validate checks the fields that defaults cannot repair.
func (c Config) Validate() error {
	var errs []error
	if c.Port < 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("port %d out of range", c.Port))
	}
	if c.TokenTTL < 0 {
		errs = append(errs, fmt.Errorf("negative token TTL %s", c.TokenTTL))
	}
	if c.Shell != "" && !strings.HasPrefix(c.Shell, "/") {
		errs = append(errs, fmt.Errorf("shell %q must be an absolute path", c.Shell))
	}
	if len(errs) > 0 {
		return &InvalidSSHConfigError{FieldErrors: errs}
	}
	return nil
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Host == "" {
		c.Host = d.Host
	}
	if c.TokenTTL == 0 {
		c.TokenTTL = d.TokenTTL
	}
	if c.ShutdownTimeout == 0 {
		c.ShutdownTimeout = d.ShutdownTimeout
	}
	if c.StartupTimeout == 0 {
		c.StartupTimeout = d.StartupTimeout
	}
	if c.Shell == "" {
		c.Shell = d.Shell
	}
	return c
}
