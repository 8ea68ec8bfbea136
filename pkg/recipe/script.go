// SPDX-License-Identifier: MPL-2.0

package recipe

import (
	"maps"
	"slices"
	"strconv"
	"strings"

	"mvdan.cc/sh/v3/syntax"
)

// userExistsStatus is useradd's exit status for an existing login.
const userExistsStatus = 9

// Quote quotes s for a POSIX shell.
func Quote(s string) string {
	q, err := syntax.Quote(s, syntax.LangPOSIX)
	if err != nil {
		// Only strings with NUL bytes fail; no shell can carry them.
		return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
	}
	return q
}

func quoteAll(args []string) string {
	quoted := make([]string, len(args))
	for i, a := range args {
		quoted[i] = Quote(a)
	}
	return strings.Join(quoted, " ")
}

// SetupScript runs the privileged setup commands, creates the principal and
// hands it the working directory. It runs as root and tolerates an existing
// principal.
func (r *Recipe) SetupScript() string {
	var b strings.Builder
	b.WriteString("set -e\n")
	for _, cmd := range r.Setup {
		b.WriteString(strings.TrimRight(cmd, "\n") + "\n")
	}
	b.WriteString("useradd -m " + Quote(r.User) + " || [ $? -eq " + strconv.Itoa(userExistsStatus) + " ]\n")
	b.WriteString("mkdir -p " + Quote(r.WorkDir) + "\n")
	b.WriteString("chown -R " + Quote(r.User+":"+r.User) + " " + Quote(r.WorkDir) + "\n")
	return b.String()
}

// CopyOwnershipScript gives the principal ownership of a copied path, like
// COPY --chown. It runs as root right after the copy.
func (r *Recipe) CopyOwnershipScript(s Step) string {
	return "chown -R " + Quote(r.User+":"+r.User) + " " + Quote(s.Dest) + "\n"
}

// Script returns the shell script that executes s, or "" for steps the
// builder applies without a shell (copy, env).
func (r *Recipe) Script(s Step) string {
	switch s.Kind {
	case StepRun:
		return "set -e\n" + strings.TrimRight(s.Command, "\n") + "\n"
	case StepTool:
		return toolScript(s)
	case StepChown:
		flag := ""
		if s.Recursive {
			flag = "-R "
		}
		return "chown " + flag + Quote(r.Owner(s)) + " " + quoteAll(s.Paths) + "\n"
	default:
		return ""
	}
}

// ToolDir is the scratch directory a tool is built in.
func ToolDir(s Step) string {
	if s.Dir != "" {
		return s.Dir
	}
	return "/tmp/kiln-build-" + s.Name
}

// toolScript fetches, compiles and installs a tool in one step and removes
// its build tree, so no build artifacts reach the committed layer.
func toolScript(s Step) string {
	dir := Quote(ToolDir(s))
	var b strings.Builder
	b.WriteString("set -e\n")
	if s.Source != "" {
		b.WriteString("export KILN_TOOL_SOURCE=" + Quote(s.Source) + "\n")
	}
	b.WriteString("rm -rf " + dir + "\n")
	b.WriteString("mkdir -p " + dir + "\n")
	b.WriteString("cd " + dir + "\n")
	for _, group := range [][]string{s.Fetch, s.Build, s.Install} {
		for _, cmd := range group {
			b.WriteString(cmd + "\n")
		}
	}
	b.WriteString("cd /\n")
	b.WriteString("rm -rf " + dir + "\n")
	for _, cmd := range s.Cleanup {
		b.WriteString(cmd + "\n")
	}
	return b.String()
}

// TrainingScript wraps a training command so that any failing line fails it.
func TrainingScript(command string) string {
	return "set -e\n" + strings.TrimRight(command, "\n") + "\n"
}

func sortedEnv(env map[string]string) []string {
	out := make([]string, 0, len(env))
	for _, k := range slices.Sorted(maps.Keys(env)) {
		out = append(out, k+"="+env[k])
	}
	return out
}
