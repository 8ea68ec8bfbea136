// SPDX-License-Identifier: MPL-2.0

package container

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"strconv"
	"strings"

	"github.com/spf13/pflag"
	"github.com/u-root/u-root/pkg/core"
	"github.com/u-root/u-root/pkg/core/cat"
	"github.com/u-root/u-root/pkg/core/chmod"
	"github.com/u-root/u-root/pkg/core/cp"
	"github.com/u-root/u-root/pkg/core/ls"
	"github.com/u-root/u-root/pkg/core/mkdir"
	"github.com/u-root/u-root/pkg/core/mv"
	"github.com/u-root/u-root/pkg/core/rm"
	"github.com/u-root/u-root/pkg/core/touch"
	"mvdan.cc/sh/v3/interp"
)

// builtinFunc implements a command inside a virtual container. args excludes
// the command name.
type builtinFunc func(ctx context.Context, m *pathMapper, hc interp.HandlerContext, args []string) error

// Exit statuses used by shadow-utils.
const (
	exitUserExists = 9
	exitBadSyntax  = 2
)

var virtualBuiltins = map[string]builtinFunc{
	"cat":     coreBuiltin(func() core.Command { return cat.New() }, nil),
	"chmod":   coreBuiltin(func() core.Command { return chmod.New() }, allOperands),
	"cp":      coreBuiltin(func() core.Command { return cp.New() }, lastOperand),
	"ls":      coreBuiltin(func() core.Command { return ls.New() }, nil),
	"mkdir":   coreBuiltin(func() core.Command { return mkdir.New() }, allOperands),
	"mv":      coreBuiltin(func() core.Command { return mv.New() }, allOperands),
	"rm":      coreBuiltin(func() core.Command { return rm.New() }, allOperands),
	"touch":   coreBuiltin(func() core.Command { return touch.New() }, allOperands),
	"useradd": useradd,
	"chown":   chown,
}

// operandSelector picks the operands a command writes to.
type operandSelector func(operands []string) []string

func allOperands(operands []string) []string { return operands }

func lastOperand(operands []string) []string {
	if len(operands) == 0 {
		return nil
	}
	return operands[len(operands)-1:]
}

// operands drops flags; everything after "--" is an operand.
func operands(args []string) []string {
	var out []string
	for i, arg := range args {
		if arg == "--" {
			return append(out, args[i+1:]...)
		}
		if arg != "" && !strings.HasPrefix(arg, "-") {
			out = append(out, arg)
		}
	}
	return out
}

func coreBuiltin(newCommand func() core.Command, writes operandSelector) builtinFunc {
	return func(ctx context.Context, m *pathMapper, hc interp.HandlerContext, args []string) error {
		if writes != nil {
			for _, op := range writes(operands(args)) {
				if err := m.checkWritable(hc.Dir, op); err != nil {
					return err
				}
			}
		}
		cmd := newCommand()
		cmd.SetIO(hc.Stdin, hc.Stdout, hc.Stderr)
		cmd.SetWorkingDir(hc.Dir)
		cmd.SetLookupEnv(func(name string) (string, bool) {
			v := hc.Env.Get(name)
			return v.Str, v.IsSet()
		})
		return cmd.RunContext(ctx, m.rewritePaths(hc.Dir, args)...)
	}
}

type passwdEntry struct {
	name  string
	uid   int
	gid   int
	home  string
	shell string
}

func parsePasswdLine(line string) (passwdEntry, bool) {
	fields := strings.Split(line, ":")
	if len(fields) < 7 {
		return passwdEntry{}, false
	}
	uid, err := strconv.Atoi(fields[2])
	if err != nil {
		return passwdEntry{}, false
	}
	gid, err := strconv.Atoi(fields[3])
	if err != nil {
		return passwdEntry{}, false
	}
	return passwdEntry{name: fields[0], uid: uid, gid: gid, home: fields[5], shell: fields[6]}, true
}

func readPasswd(file string) ([]passwdEntry, error) {
	f, err := os.Open(file)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	var entries []passwdEntry
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		if e, ok := parsePasswdLine(strings.TrimSpace(sc.Text())); ok {
			entries = append(entries, e)
		}
	}
	return entries, sc.Err()
}

// lookupPasswd finds user by name or numeric uid.
func lookupPasswd(file, user string) (passwdEntry, bool, error) {
	entries, err := readPasswd(file)
	if err != nil {
		return passwdEntry{}, false, fmt.Errorf("read passwd: %w", err)
	}
	uid, numErr := strconv.Atoi(user)
	for _, e := range entries {
		if e.name == user || (numErr == nil && e.uid == uid) {
			return e, true, nil
		}
	}
	return passwdEntry{}, false, nil
}

func groupExists(file, group string) (bool, error) {
	data, err := os.ReadFile(file)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	gid, numErr := strconv.Atoi(group)
	for line := range strings.Lines(string(data)) {
		fields := strings.Split(strings.TrimSpace(line), ":")
		if len(fields) < 3 {
			continue
		}
		if fields[0] == group || (numErr == nil && fields[2] == strconv.Itoa(gid)) {
			return true, nil
		}
	}
	return false, nil
}

func appendLine(file, line string) error {
	f, err := os.OpenFile(file, os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.WriteString(line + "\n"); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// useradd [-m] [-u UID] [-d HOME] [-s SHELL] NAME
func useradd(_ context.Context, m *pathMapper, hc interp.HandlerContext, args []string) error {
	fs := pflag.NewFlagSet("useradd", pflag.ContinueOnError)
	fs.SetOutput(hc.Stderr)
	createHome := fs.BoolP("create-home", "m", false, "create the home directory")
	uid := fs.IntP("uid", "u", -1, "user id")
	home := fs.StringP("home-dir", "d", "", "home directory")
	shell := fs.StringP("shell", "s", "/bin/sh", "login shell")
	if err := fs.Parse(args); err != nil || fs.NArg() != 1 {
		fmt.Fprintln(hc.Stderr, "Usage: useradd [-m] [-u UID] [-d HOME] [-s SHELL] LOGIN")
		return interp.ExitStatus(exitBadSyntax)
	}
	name := fs.Arg(0)
	for _, f := range []string{"/etc/passwd", "/etc/group"} {
		if err := m.checkWritable(hc.Dir, f); err != nil {
			return err
		}
	}

	passwdFile := m.toHost("/etc/passwd")
	entries, err := readPasswd(passwdFile)
	if err != nil {
		return err
	}
	next := 1000
	for _, e := range entries {
		if e.name == name {
			fmt.Fprintf(hc.Stderr, "useradd: user '%s' already exists\n", name)
			return interp.ExitStatus(exitUserExists)
		}
		if e.uid >= next {
			next = e.uid + 1
		}
	}
	if *uid < 0 {
		*uid = next
	}
	if *home == "" {
		*home = path.Join("/home", name)
	}

	if err := appendLine(passwdFile, fmt.Sprintf("%s:x:%d:%d::%s:%s", name, *uid, *uid, *home, *shell)); err != nil {
		return err
	}
	if err := appendLine(m.toHost("/etc/group"), fmt.Sprintf("%s:x:%d:", name, *uid)); err != nil {
		return err
	}
	if *createHome {
		return os.MkdirAll(m.toHost(*home), 0o755)
	}
	return nil
}

// chown [-R] OWNER[:GROUP] PATH...
//
// Ownership is not tracked in virtual trees; the owner and paths are only
// validated.
func chown(_ context.Context, m *pathMapper, hc interp.HandlerContext, args []string) error {
	fs := pflag.NewFlagSet("chown", pflag.ContinueOnError)
	fs.SetOutput(hc.Stderr)
	fs.BoolP("recursive", "R", false, "operate recursively")
	if err := fs.Parse(args); err != nil || fs.NArg() < 2 {
		fmt.Fprintln(hc.Stderr, "Usage: chown [-R] OWNER[:GROUP] FILE...")
		return interp.ExitStatus(exitBadSyntax)
	}

	owner, group, _ := strings.Cut(fs.Arg(0), ":")
	if owner != "" {
		if _, ok, err := lookupPasswd(m.toHost("/etc/passwd"), owner); err != nil {
			return err
		} else if !ok {
			return fmt.Errorf("invalid user: '%s'", fs.Arg(0))
		}
	}
	if group != "" {
		ok, err := groupExists(m.toHost("/etc/group"), group)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("invalid group: '%s'", fs.Arg(0))
		}
	}

	for _, p := range fs.Args()[1:] {
		target := p
		if !path.IsAbs(target) {
			target = path.Join(hc.Dir, target)
		}
		if _, err := os.Lstat(m.toHost(target)); err != nil {
			return fmt.Errorf("cannot access '%s': no such file or directory", p)
		}
	}
	return nil
}
