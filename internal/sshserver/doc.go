// SPDX-License-Identifier: MPL-2.0

// Package sshserver serves a single kiln session over SSH using the Wish library.
//
// Every SSH channel becomes one Exec in the session: an interactive shell when
// no command is given (with a PTY when the client requests one), or the raw
// command run through the session shell. Exit statuses therefore drive the
// session state exactly like `kiln session exec` does. Authentication is
// password-only, with one-time generated tokens as passwords.
package sshserver
