// SPDX-License-Identifier: MPL-2.0

//go:build !unix

package session

import (
	"context"
	"errors"
	"os/exec"
)

// runPTY runs cmd on plain pipes; there is no pseudo-terminal here.
func runPTY(_ context.Context, cmd *exec.Cmd, eio ExecIO) (int, error) {
	cmd.Stdin = eio.Stdin
	cmd.Stdout = eio.Stdout
	cmd.Stderr = eio.Stderr
	return waitStatus(cmd.Run())
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
