// SPDX-License-Identifier: MPL-2.0

// Package session runs commands in long-lived containers started from
// artifacts. A session owns one private writable layer; its lifecycle record
// is persisted so separate invocations can address it by id.
package session
