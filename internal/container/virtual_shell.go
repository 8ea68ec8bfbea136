// SPDX-License-Identifier: MPL-2.0

package container

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"syscall"

	"mvdan.cc/sh/v3/expand"
	"mvdan.cc/sh/v3/interp"
	"mvdan.cc/sh/v3/syntax"

	"github.com/kilnworks/kiln/pkg/fspath"
)

const defaultPath = "/usr/local/sbin:/usr/local/bin:/usr/sbin:/usr/bin:/sbin:/bin"

// Exit statuses that mirror what OCI runtimes report for exec setup failures.
const (
	exitCannotExec = 126
	exitUsage      = 2
)

// pathMapper rebases container paths onto the container tree and onto
// mounted host paths.
type pathMapper struct {
	rootfs string
	mounts []virtualMount // longest target first
}

func (e *VirtualEngine) mapper(c *virtualContainer) *pathMapper {
	mounts := slices.Clone(c.Mounts)
	slices.SortFunc(mounts, func(a, b virtualMount) int { return len(b.Target) - len(a.Target) })
	return &pathMapper{
		rootfs: filepath.Join(e.containerDir(c.ID), rootfsDir),
		mounts: mounts,
	}
}

// resolve maps p to a host path. p may be a container path or a host path
// that already lies inside the tree or a mount. Paths under /dev pass through.
func (m *pathMapper) resolve(p string) (*virtualMount, string) {
	if !filepath.IsAbs(p) {
		p = "/" + p
	}
	p = filepath.Clean(p)

	switch {
	case fspath.IsWithin(p, m.rootfs):
		rel, _ := filepath.Rel(m.rootfs, p)
		p = filepath.Clean("/" + filepath.ToSlash(rel))
	case fspath.IsWithin(p, "/dev"):
		return nil, p
	default:
		for i := range m.mounts {
			if fspath.IsWithin(p, m.mounts[i].Host) {
				return &m.mounts[i], p
			}
		}
	}

	for i := range m.mounts {
		mt := &m.mounts[i]
		if fspath.IsWithin(p, mt.Target) {
			return mt, mt.Host + strings.TrimPrefix(p, mt.Target)
		}
	}
	return nil, filepath.Join(m.rootfs, filepath.FromSlash(p))
}

func (m *pathMapper) toHost(p string) string {
	_, host := m.resolve(p)
	return host
}

func (m *pathMapper) open(ctx context.Context, name string, flag int, perm os.FileMode) (io.ReadWriteCloser, error) {
	if name != "" && !filepath.IsAbs(name) {
		name = filepath.Join(interp.HandlerCtx(ctx).Dir, name)
	}
	mount, host := m.resolve(name)
	if mount != nil && mount.ReadOnly && flag&(os.O_WRONLY|os.O_RDWR|os.O_CREATE|os.O_TRUNC|os.O_APPEND) != 0 {
		return nil, &fs.PathError{Op: "open", Path: name, Err: syscall.EROFS}
	}
	f, err := os.OpenFile(host, flag, perm)
	if err != nil {
		return nil, m.containerError(err, name)
	}
	return f, nil
}

// checkWritable refuses paths that land in a read-only bind.
func (m *pathMapper) checkWritable(dir, name string) error {
	p := name
	if !filepath.IsAbs(p) {
		p = filepath.Join(dir, p)
	}
	if mount, _ := m.resolve(p); mount != nil && mount.ReadOnly {
		return &fs.PathError{Op: "write", Path: name, Err: syscall.EROFS}
	}
	return nil
}

func (m *pathMapper) stat(_ context.Context, name string, followSymlinks bool) (fs.FileInfo, error) {
	host := m.toHost(name)
	var (
		info fs.FileInfo
		err  error
	)
	if followSymlinks {
		info, err = os.Stat(host)
	} else {
		info, err = os.Lstat(host)
	}
	if err != nil {
		return nil, m.containerError(err, name)
	}
	return info, nil
}

// containerError reports errors against the path the script used.
func (m *pathMapper) containerError(err error, name string) error {
	var pe *fs.PathError
	if errors.As(err, &pe) {
		return &fs.PathError{Op: pe.Op, Path: name, Err: pe.Err}
	}
	return err
}

// call rewrites cd targets, because the interpreter checks access on the
// literal path.
func (m *pathMapper) call(ctx context.Context, args []string) ([]string, error) {
	if len(args) == 0 || args[0] != "cd" {
		return args, nil
	}
	switch {
	case len(args) == 1:
		if home := interp.HandlerCtx(ctx).Env.Get("HOME"); home.IsSet() {
			return []string{"cd", m.toHost(home.Str)}, nil
		}
	case len(args) == 2 && filepath.IsAbs(args[1]):
		return []string{"cd", m.toHost(args[1])}, nil
	}
	return args, nil
}

// execHandler dispatches to virtual builtins, then to host programs.
func (m *pathMapper) execHandler(next interp.ExecHandlerFunc) interp.ExecHandlerFunc {
	return func(ctx context.Context, args []string) error {
		hc := interp.HandlerCtx(ctx)
		if builtin, ok := virtualBuiltins[args[0]]; ok {
			err := builtin(ctx, m, hc, args[1:])
			if err == nil {
				return nil
			}
			var status interp.ExitStatus
			if errors.As(err, &status) {
				return status
			}
			fmt.Fprintf(hc.Stderr, "%s: %v\n", args[0], err)
			return interp.ExitStatus(1)
		}
		argv, cleanup, err := m.rewriteExternal(args)
		if err != nil {
			fmt.Fprintf(hc.Stderr, "%s: %v\n", args[0], err)
			return interp.ExitStatus(exitCannotExec)
		}
		defer cleanup()
		return next(ctx, argv)
	}
}

// rewritePaths maps absolute operands, and relative operands that cross a
// mount, to host paths. Flags are left alone.
func (m *pathMapper) rewritePaths(dir string, args []string) []string {
	out := make([]string, len(args))
	for i, arg := range args {
		switch {
		case arg == "" || strings.HasPrefix(arg, "-"):
			out[i] = arg
		case filepath.IsAbs(arg):
			out[i] = m.toHost(arg)
		default:
			joined := filepath.Join(dir, arg)
			if mount, host := m.resolve(joined); mount != nil {
				out[i] = host
			} else {
				out[i] = arg
			}
		}
	}
	return out
}

// rewriteExternal maps absolute operands of host programs. The program
// itself is only rebased when the container provides it. Operands in a
// read-only bind are replaced by a private read-only copy, so the program
// can read them but never change the bound host path. cleanup removes
// those copies.
func (m *pathMapper) rewriteExternal(args []string) (argv []string, cleanup func(), err error) {
	var copies []string
	cleanup = func() {
		for _, dir := range copies {
			_ = os.RemoveAll(dir)
		}
	}
	out := slices.Clone(args)
	if filepath.IsAbs(out[0]) {
		if host := m.toHost(out[0]); isRegularFile(host) {
			out[0] = host
		}
	}
	for i := 1; i < len(out); i++ {
		if !filepath.IsAbs(out[i]) {
			continue
		}
		mount, host := m.resolve(out[i])
		if mount == nil || !mount.ReadOnly {
			out[i] = host
			continue
		}
		dir, cp, err := readOnlyCopy(host)
		if dir != "" {
			copies = append(copies, dir)
		}
		if err != nil {
			cleanup()
			return nil, func() {}, fmt.Errorf("read-only bind %s: %w", out[i], err)
		}
		out[i] = cp
	}
	return out, cleanup, nil
}

// readOnlyCopy copies host into a fresh temporary directory and strips the
// write bits of every copied regular file.
func readOnlyCopy(host string) (dir, copied string, err error) {
	dir, err = os.MkdirTemp("", "kiln-ro-")
	if err != nil {
		return "", "", err
	}
	copied = filepath.Join(dir, filepath.Base(host))
	if err := fspath.CopyTree(host, copied); err != nil {
		return dir, "", err
	}
	err = filepath.WalkDir(copied, func(p string, d fs.DirEntry, err error) error {
		if err != nil || !d.Type().IsRegular() {
			return err
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		return os.Chmod(p, info.Mode().Perm()&^0o222)
	})
	return dir, copied, err
}

func isRegularFile(p string) bool {
	info, err := os.Stat(p)
	return err == nil && info.Mode().IsRegular()
}

// runShell executes argv inside c. `sh -c SCRIPT [ARG0 ARGS...]` runs SCRIPT;
// a bare shell reads its script from stdin; anything else runs as a single
// quoted command line.
func (e *VirtualEngine) runShell(ctx context.Context, c *virtualContainer, argv []string, opts ExecOptions) (int, error) {
	if len(argv) == 0 {
		return 0, errors.New("exec: empty command")
	}
	stdout, stderr := writerOrDiscard(opts.Stdout), writerOrDiscard(opts.Stderr)
	m := e.mapper(c)

	user := firstNonEmpty(opts.User, c.User)
	home := "/root"
	if !isRootUser(user) {
		entry, ok, err := lookupPasswd(m.toHost("/etc/passwd"), user)
		if err != nil {
			return 0, err
		}
		if !ok {
			fmt.Fprintf(stderr, "unable to find user %s: no matching entries in passwd file\n", user)
			return exitCannotExec, nil
		}
		home = entry.home
	}

	workDir := firstNonEmpty(opts.WorkDir, c.WorkDir, "/")
	hostDir := m.toHost(workDir)
	if info, err := os.Stat(hostDir); err != nil || !info.IsDir() {
		fmt.Fprintf(stderr, "chdir to %s: no such file or directory\n", workDir)
		return exitCannotExec, nil
	}

	stdin := opts.Stdin
	script, arg0, params, fromStdin := shellScript(argv)
	if fromStdin {
		if stdin == nil {
			return 0, nil
		}
		data, err := io.ReadAll(stdin)
		if err != nil {
			return 0, fmt.Errorf("read script from stdin: %w", err)
		}
		script, stdin = string(data), nil
	}

	file, err := syntax.NewParser().Parse(strings.NewReader(script), arg0)
	if err != nil {
		fmt.Fprintf(stderr, "sh: %v\n", err)
		return exitUsage, nil
	}

	runnerOpts := []interp.RunnerOption{
		interp.Dir(hostDir),
		interp.Env(expand.ListEnviron(execEnv(c.Env, opts.Env, user, home)...)),
		interp.StdIO(stdin, stdout, stderr),
		interp.OpenHandler(m.open),
		interp.StatHandler(m.stat),
		interp.CallHandler(m.call),
		interp.ExecHandlers(m.execHandler),
	}
	if len(params) > 0 {
		runnerOpts = append(runnerOpts, interp.Params(append([]string{"--"}, params...)...))
	}
	runner, err := interp.New(runnerOpts...)
	if err != nil {
		return 0, fmt.Errorf("create interpreter: %w", err)
	}

	err = runner.Run(ctx, file)
	if err == nil {
		return 0, nil
	}
	var status interp.ExitStatus
	if errors.As(err, &status) {
		return int(status), nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return 0, ctxErr
	}
	return 0, fmt.Errorf("exec in %s: %w", c.ID, err)
}

// shellScript returns the script to run and the values of $0 and $@.
func shellScript(argv []string) (script, arg0 string, params []string, fromStdin bool) {
	arg0 = "sh"
	if isShell(argv[0]) {
		arg0 = argv[0]
		switch {
		case len(argv) == 1:
			return "", arg0, nil, true
		case argv[1] == "-c" && len(argv) >= 3:
			if len(argv) > 3 {
				arg0 = argv[3]
			}
			if len(argv) > 4 {
				params = argv[4:]
			}
			return argv[2], arg0, params, false
		}
	}
	quoted := make([]string, len(argv))
	for i, arg := range argv {
		q, err := syntax.Quote(arg, syntax.LangBash)
		if err != nil {
			q = "'" + strings.ReplaceAll(arg, "'", `'\''`) + "'"
		}
		quoted[i] = q
	}
	return strings.Join(quoted, " "), arg0, nil, false
}

func isShell(name string) bool {
	switch filepath.Base(name) {
	case "sh", "bash", "dash", "ash":
		return true
	}
	return false
}

func isRootUser(user string) bool {
	return user == "" || user == "root" || user == "0"
}

// execEnv layers container env and exec env over the defaults.
func execEnv(base, extra map[string]string, user, home string) []string {
	env := map[string]string{"PATH": defaultPath, "HOME": home}
	if !isRootUser(user) {
		env["USER"] = user
	}
	maps.Copy(env, base)
	maps.Copy(env, extra)

	out := make([]string, 0, len(env))
	for _, k := range slices.Sorted(maps.Keys(env)) {
		out = append(out, k+"="+env[k])
	}
	return out
}

func writerOrDiscard(w io.Writer) io.Writer {
	if w == nil {
		return io.Discard
	}
	return w
}
