// SPDX-License-Identifier: MPL-2.0

// Package issue provides actionable error handling with user-friendly messages.
//
// ActionableError carries the failed operation, the resource involved, and
// remediation hints. The issue catalog holds longer Markdown guidance for the
// failure classes of the artifact pipeline and is rendered with glamour.
package issue
