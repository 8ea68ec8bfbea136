// SPDX-License-Identifier: MPL-2.0

//go:build unix

package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/term"

	"github.com/kilnworks/kiln/internal/session"
)

// watchResize delivers the terminal size on every SIGWINCH until ctx ends.
func watchResize(ctx context.Context, fd int) <-chan session.WindowSize {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGWINCH)
	out := make(chan session.WindowSize, 1)
	go func() {
		defer signal.Stop(sig)
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case <-sig:
				w, h, err := term.GetSize(fd)
				if err != nil {
					continue
				}
				select {
				case out <- session.WindowSize{Width: w, Height: h}:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out
}
