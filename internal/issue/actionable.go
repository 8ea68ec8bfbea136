// SPDX-License-Identifier: MPL-2.0

package issue

import (
	"errors"
	"fmt"
	"strings"
)

type (
	// ActionableError is a user-facing failure: the operation kiln attempted,
	// what it was attempted on, and what to try next.
	//
	//	err := issue.NewErrorContext().
	//		WithOperation("commit session").
	//		WithResource(sessionID).
	//		WithIssue(issue.CommitPreconditionId).
	//		Wrap(cause).
	//		BuildError()
	ActionableError struct {
		Operation string
		// Resource is the project file, artifact, session or tag involved.
		Resource    string
		Suggestions []string
		// IssueID links to the catalog entry, zero when none applies.
		IssueID Id
		Cause   error
	}

	// ErrorContext accumulates the parts of an ActionableError.
	ErrorContext struct {
		err ActionableError
	}
)

// NewErrorContext starts an empty ErrorContext.
func NewErrorContext() *ErrorContext {
	return &ErrorContext{}
}

func (e *ActionableError) Error() string {
	parts := []string{"failed to " + e.Operation}
	if e.Resource != "" {
		parts = append(parts, e.Resource)
	}
	if e.Cause != nil {
		parts = append(parts, e.Cause.Error())
	}
	return strings.Join(parts, ": ")
}

func (e *ActionableError) Unwrap() error {
	return e.Cause
}

// Format renders the message followed by one bulleted line per suggestion.
// Verbose output appends the cause chain, expanding joined errors.
func (e *ActionableError) Format(verbose bool) string {
	var sb strings.Builder
	sb.WriteString(e.Error())

	if len(e.Suggestions) > 0 {
		sb.WriteString("\n")
		for _, s := range e.Suggestions {
			sb.WriteString("\n  • " + s)
		}
	}

	if verbose && e.Cause != nil {
		sb.WriteString("\n\nError chain:")
		for i, line := range causeChain(e.Cause, 0) {
			fmt.Fprintf(&sb, "\n  %d. %s", i+1, line)
		}
	}
	return sb.String()
}

// causeChain lists err and everything it wraps, one entry per error,
// indenting the branches of joined errors.
func causeChain(err error, depth int) []string {
	var out []string
	for err != nil {
		out = append(out, strings.Repeat("  ", depth)+err.Error())
		if joined, ok := err.(interface{ Unwrap() []error }); ok {
			for _, branch := range joined.Unwrap() {
				out = append(out, causeChain(branch, depth+1)...)
			}
			return out
		}
		err = errors.Unwrap(err)
	}
	return out
}

func (c *ErrorContext) WithOperation(op string) *ErrorContext {
	c.err.Operation = op
	return c
}

func (c *ErrorContext) WithResource(res string) *ErrorContext {
	c.err.Resource = res
	return c
}

func (c *ErrorContext) WithSuggestion(s string) *ErrorContext {
	c.err.Suggestions = append(c.err.Suggestions, s)
	return c
}

// WithIssue links the error to a catalog entry.
func (c *ErrorContext) WithIssue(id Id) *ErrorContext {
	c.err.IssueID = id
	return c
}

func (c *ErrorContext) Wrap(err error) *ErrorContext {
	c.err.Cause = err
	return c
}

// BuildError returns the ActionableError, or nil when no operation was set.
func (c *ErrorContext) BuildError() error {
	if c.err.Operation == "" {
		return nil
	}
	ae := c.err
	return &ae
}
