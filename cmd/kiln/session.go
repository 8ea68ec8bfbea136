// SPDX-License-Identifier: MPL-2.0

package cmd

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/kilnworks/kiln/internal/artifact"
	"github.com/kilnworks/kiln/internal/registry"
	"github.com/kilnworks/kiln/internal/session"
	"github.com/kilnworks/kiln/internal/sshserver"
)

func newSessionCommand(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "session",
		Short: "Run commands in disposable sessions and commit them",
		Long: `Run commands in disposable sessions and commit them.

A session is a private writable layer on top of an artifact. Every command
records its exit status; only a session whose latest command succeeded can
be committed into a new artifact.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return cmd.Help()
		},
	}
	cmd.AddCommand(
		newSessionStartCommand(app),
		newSessionExecCommand(app),
		newSessionCommitCommand(app),
		newSessionDiscardCommand(app),
		newSessionListCommand(app),
		newSessionServeCommand(app),
		newSessionPruneCommand(app),
	)
	return cmd
}

// startFlags are shared by `session start` and `debug`.
type startFlags struct {
	binds   []string
	env     []string
	user    string
	workdir string
}

func (f *startFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringArrayVar(&f.binds, "bind", nil, "bind a host path into the session (HOST:CONTAINER[:ro])")
	cmd.Flags().StringArrayVarP(&f.env, "env", "e", nil, "set an environment variable (KEY=VALUE)")
	cmd.Flags().StringVarP(&f.user, "user", "u", "", "run as this user instead of the artifact's")
	cmd.Flags().StringVarP(&f.workdir, "workdir", "w", "", "working directory instead of the artifact's")
}

func (f *startFlags) options() (session.StartOptions, error) {
	opts := session.StartOptions{User: f.user, WorkDir: f.workdir}
	for _, spec := range f.binds {
		b, err := session.ParseBind(spec)
		if err != nil {
			return opts, err
		}
		opts.Binds = append(opts.Binds, b)
	}
	env, err := parseEnv(f.env)
	if err != nil {
		return opts, err
	}
	opts.Env = env
	return opts, nil
}

func parseEnv(entries []string) (map[string]string, error) {
	if len(entries) == 0 {
		return nil, nil
	}
	env := make(map[string]string, len(entries))
	for _, e := range entries {
		k, v, ok := strings.Cut(e, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid environment entry %q: expected KEY=VALUE", e)
		}
		env[k] = v
	}
	return env, nil
}

func newSessionStartCommand(app *App) *cobra.Command {
	var flags startFlags
	cmd := &cobra.Command{
		Use:   "start <ref>",
		Short: "Start a session on an artifact (tag, id or id prefix)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts, err := flags.options()
			if err != nil {
				return err
			}
			p, err := app.pipeline()
			if err != nil {
				return err
			}
			s, err := p.StartSession(cmd.Context(), args[0], opts)
			if err != nil {
				return actionable("start session", args[0], err)
			}
			fmt.Fprintln(app.stdout, s.ID)
			return nil
		},
	}
	flags.register(cmd)
	return cmd
}

func newSessionExecCommand(app *App) *cobra.Command {
	var (
		tty bool
		env []string
	)
	cmd := &cobra.Command{
		Use:   "exec <id> -- <command> [args...]",
		Short: "Run a command in a session; exits with the command's status",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := app.pipeline()
			if err != nil {
				return err
			}
			vars, err := parseEnv(env)
			if err != nil {
				return err
			}
			eio := session.ExecIO{Stdin: app.stdin, Stdout: app.stdout, Stderr: app.stderr, Env: vars}
			if tty {
				restore, err := app.attachTerminal(cmd, &eio)
				if err != nil {
					return err
				}
				defer restore()
			}

			code, err := p.ExecInSession(cmd.Context(), args[0], args[1:], eio)
			if errors.Is(err, session.ErrSessionExec) {
				return &ExitError{Code: code}
			}
			if err != nil {
				return actionable("run command in session", args[0], err)
			}
			return nil
		},
	}
	cmd.Flags().BoolVarP(&tty, "tty", "t", false, "attach the terminal through a pseudo-terminal")
	cmd.Flags().StringArrayVarP(&env, "env", "e", nil, "set an environment variable for this command (KEY=VALUE)")
	return cmd
}

// attachTerminal puts stdin in raw mode and wires its size into eio.
func (a *App) attachTerminal(cmd *cobra.Command, eio *session.ExecIO) (func(), error) {
	f, ok := a.stdin.(*os.File)
	if !ok || !term.IsTerminal(int(f.Fd())) {
		return nil, errors.New("--tty requires stdin to be a terminal")
	}
	fd := int(f.Fd())
	state, err := term.MakeRaw(fd)
	if err != nil {
		return nil, fmt.Errorf("set terminal raw mode: %w", err)
	}
	eio.TTY = true
	if w, h, err := term.GetSize(fd); err == nil {
		eio.Size = &session.WindowSize{Width: w, Height: h}
	}
	eio.Resize = watchResize(cmd.Context(), fd)
	return func() { _ = term.Restore(fd, state) }, nil
}

func newSessionCommitCommand(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "commit <id> [tag]",
		Short: "Commit a succeeded session into a new artifact and optionally tag it",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var tag registry.TagName
			if len(args) == 2 {
				tag = registry.TagName(args[1])
			}
			p, err := app.pipeline()
			if err != nil {
				return err
			}
			a, err := p.CommitSession(cmd.Context(), args[0], tag)
			if err != nil {
				return actionable("commit session", args[0], err)
			}
			if tag != "" {
				fmt.Fprintf(app.stderr, "%s tagged %s\n", SuccessStyle.Render("✓"), CmdStyle.Render(tag.String()))
			}
			fmt.Fprintln(app.stdout, a.ID)
			return nil
		},
	}
}

func newSessionDiscardCommand(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "discard <id>",
		Short: "Discard a session and its writable layer",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := app.pipeline()
			if err != nil {
				return err
			}
			if err := p.DiscardSession(cmd.Context(), args[0]); err != nil {
				return actionable("discard session", args[0], err)
			}
			return nil
		},
	}
}

func newSessionListCommand(app *App) *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List sessions",
		Args:  cobra.NoArgs,
		RunE: func(*cobra.Command, []string) error {
			p, err := app.pipeline()
			if err != nil {
				return err
			}
			sessions, err := p.Sessions().List()
			if err != nil {
				return err
			}
			rows := make([][]string, 0, len(sessions))
			for _, s := range sessions {
				if s.State.IsFinal() && !all {
					continue
				}
				exit := "-"
				if s.ExitStatus != nil {
					exit = strconv.Itoa(*s.ExitStatus)
				}
				rows = append(rows, []string{
					s.ShortID(),
					s.State.String(),
					exit,
					artifact.ShortID(s.BaseArtifactID),
					s.CreatedAt.Local().Format(time.DateTime),
					strings.Join(s.LastCommand, " "),
				})
			}
			if len(rows) == 0 {
				fmt.Fprintln(app.stderr, SubtitleStyle.Render("no sessions"))
				return nil
			}
			fmt.Fprintln(app.stdout, renderTable([]string{"ID", "STATE", "EXIT", "BASE", "CREATED", "LAST COMMAND"}, rows))
			return nil
		},
	}
	cmd.Flags().BoolVarP(&all, "all", "a", false, "include committed and discarded sessions")
	return cmd
}

func newSessionPruneCommand(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "prune",
		Short: "Forget the records of committed and discarded sessions",
		Args:  cobra.NoArgs,
		RunE: func(*cobra.Command, []string) error {
			p, err := app.pipeline()
			if err != nil {
				return err
			}
			n, err := p.Sessions().Forget()
			if err != nil {
				return err
			}
			fmt.Fprintf(app.stderr, "%s removed %d session record(s)\n", SuccessStyle.Render("✓"), n)
			return nil
		},
	}
}

func newSessionServeCommand(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "serve <id>",
		Short: "Serve a session over SSH until interrupted",
		Long: `Serve a session over SSH until interrupted.

Each SSH connection runs in the session exactly like 'kiln session exec':
an interactive shell when no command is given, otherwise the command. The
password is a one-time token printed at startup.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := app.pipeline()
			if err != nil {
				return err
			}
			s, err := p.Sessions().Get(args[0])
			if err != nil {
				return actionable("serve session", args[0], err)
			}
			if s.State.IsFinal() {
				return actionable("serve session", args[0], fmt.Errorf("session %s is %s", s.ShortID(), s.State))
			}

			srv := sshserver.New(sshserver.Config{Host: app.cfg.SSH.Host, Port: app.cfg.SSH.Port}, p.Sessions(), s.ID)
			if err := srv.Start(cmd.Context()); err != nil {
				return err
			}
			info, err := srv.ConnectionInfo()
			if err != nil {
				_ = srv.Stop()
				return err
			}
			fmt.Fprintf(app.stderr, "%s\n  %s\n  %s %s\n",
				TitleStyle.Render("Serving session "+s.ShortID()),
				CmdStyle.Render(fmt.Sprintf("ssh -p %d %s@%s", info.Port, info.User, info.Host)),
				SubtitleStyle.Render("password:"), info.Token)

			select {
			case <-cmd.Context().Done():
			case err := <-srv.Err():
				if err != nil {
					_ = srv.Stop()
					return err
				}
			}
			return srv.Stop()
		},
	}
}

func renderTable(headers []string, rows [][]string) string {
	return table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(SubtitleStyle).
		StyleFunc(func(row, _ int) lipgloss.Style {
			if row == table.HeaderRow {
				return tableHeaderStyle
			}
			return tableCellStyle
		}).
		Headers(headers...).
		Rows(rows...).
		String()
}
