// SPDX-License-Identifier: MPL-2.0

package main

import cmd "github.com/kilnworks/kiln/cmd/kiln"

func main() {
	cmd.Execute()
}
