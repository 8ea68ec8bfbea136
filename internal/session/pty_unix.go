// SPDX-License-Identifier: MPL-2.0

//go:build unix

package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"

	"github.com/creack/pty"
)

// runPTY starts cmd on a pseudo-terminal and copies between it and eio until
// the command exits.
func runPTY(ctx context.Context, cmd *exec.Cmd, eio ExecIO) (int, error) {
	var (
		f   *os.File
		err error
	)
	if eio.Size != nil {
		f, err = pty.StartWithSize(cmd, winsize(*eio.Size))
	} else {
		f, err = pty.Start(cmd)
	}
	if err != nil {
		return 0, fmt.Errorf("start pty: %w", err)
	}
	defer f.Close()

	done := make(chan struct{})
	defer close(done)
	if eio.Resize != nil {
		go func() {
			for {
				select {
				case ws, ok := <-eio.Resize:
					if !ok {
						return
					}
					_ = pty.Setsize(f, winsize(ws))
				case <-done:
					return
				case <-ctx.Done():
					return
				}
			}
		}()
	}
	if eio.Stdin != nil {
		go func() { _, _ = io.Copy(f, eio.Stdin) }()
	}
	out := eio.Stdout
	if out == nil {
		out = io.Discard
	}
	// Reading the master fails with EIO once the child side closes.
	_, _ = io.Copy(out, f)

	return waitStatus(cmd.Wait())
}

func winsize(ws WindowSize) *pty.Winsize {
	return &pty.Winsize{Rows: uint16(ws.Height), Cols: uint16(ws.Width)}
}

func waitStatus(err error) (int, error) {
	if err == nil {
		return 0, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode(), nil
	}
	return 0, err
}
