// SPDX-License-Identifier: MPL-2.0

package cmd

import "fmt"

// ExitError carries a process exit status out of a RunE handler. With a nil
// Err nothing is printed; the status speaks for itself.
type ExitError struct {
	Code int
	Err  error
}

func (e *ExitError) Error() string {
	if e.Err != nil {
		return e.Err.Error()
	}
	return fmt.Sprintf("exit status %d", e.Code)
}

func (e *ExitError) Unwrap() error {
	return e.Err
}
