// SPDX-License-Identifier: MPL-2.0

//go:build !unix

package cmd

import (
	"context"

	"github.com/kilnworks/kiln/internal/session"
)

// watchResize is a no-op without SIGWINCH; the initial size stays.
func watchResize(context.Context, int) <-chan session.WindowSize {
	return nil
}
