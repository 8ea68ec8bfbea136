// SPDX-License-Identifier: MPL-2.0

package recipe

import (
	"fmt"
	"strings"
)

// Dockerfile renders the recipe as an equivalent Dockerfile. It is meant for
// inspection and for building the same environment without kiln.
func (r *Recipe) Dockerfile() string {
	var sb strings.Builder

	sb.WriteString("# syntax=docker/dockerfile:1\n")
	fmt.Fprintf(&sb, "# kiln recipe %s\n", r.Hash())
	fmt.Fprintf(&sb, "FROM %s\n\n", r.BaseImage)

	sb.WriteString("# Privileged setup and the unprivileged principal\n")
	writeHeredocRun(&sb, r.SetupScript())
	if len(r.Path) > 0 {
		fmt.Fprintf(&sb, "ENV PATH=%q\n", r.PathEnv("$PATH"))
	}
	fmt.Fprintf(&sb, "USER %s\n", r.User)
	fmt.Fprintf(&sb, "WORKDIR %s\n", r.WorkDir)

	for _, s := range r.Steps {
		fmt.Fprintf(&sb, "\n# %s\n", s.Label())
		switch s.Kind {
		case StepCopy:
			fmt.Fprintf(&sb, "COPY --chown=%s:%s %s %s\n", r.User, r.User, s.Source, s.Dest)
		case StepEnv:
			for _, kv := range sortedEnv(s.Env) {
				k, v, _ := strings.Cut(kv, "=")
				fmt.Fprintf(&sb, "ENV %s=%q\n", k, v)
			}
		default:
			writeHeredocRun(&sb, r.Script(s))
		}
	}
	return sb.String()
}

func writeHeredocRun(sb *strings.Builder, script string) {
	sb.WriteString("RUN <<'KILN'\n")
	sb.WriteString(script)
	sb.WriteString("KILN\n")
}
