// SPDX-License-Identifier: MPL-2.0

package sshserver

import (
	"errors"
	"fmt"
	"strings"

	"github.com/charmbracelet/ssh"
	"github.com/charmbracelet/wish"

	"github.com/kilnworks/kiln/internal/session"
)

// sessionMiddleware turns every SSH channel into one Exec in the served
// session and reports the command's exit status back to the client.
func (s *Server) sessionMiddleware() wish.Middleware {
	return func(ssh.Handler) ssh.Handler {
		return func(sess ssh.Session) {
			s.handle(sess)
		}
	}
}

func (s *Server) handle(sess ssh.Session) {
	argv := s.argv(sess.RawCommand())
	eio := session.ExecIO{
		Stdin:  sess,
		Stdout: sess,
		Stderr: sess.Stderr(),
		Env:    environ(sess.Environ()),
	}

	ptyReq, winCh, isPty := sess.Pty()
	if isPty {
		eio.TTY = true
		eio.Size = &session.WindowSize{Width: ptyReq.Window.Width, Height: ptyReq.Window.Height}
		eio.Env["TERM"] = ptyReq.Term
		resize := make(chan session.WindowSize)
		eio.Resize = resize
		go func() {
			defer close(resize)
			for {
				select {
				case <-sess.Context().Done():
					return
				case w, ok := <-winCh:
					if !ok {
						return
					}
					select {
					case resize <- session.WindowSize{Width: w.Width, Height: w.Height}:
					case <-sess.Context().Done():
						return
					}
				}
			}
		}()
	}

	code, err := s.runner.Exec(sess.Context(), s.sessionID, argv, eio)
	if err != nil && !errors.Is(err, session.ErrSessionExec) {
		s.logger.Error("session exec failed", "session", s.sessionID, "error", err)
		wish.Errorln(sess, fmt.Sprintf("kiln: %v", err))
		_ = sess.Exit(1)
		return
	}
	_ = sess.Exit(code)
}

// argv runs raw through the shell, or starts the shell itself when raw is
// empty.
func (s *Server) argv(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return []string{s.cfg.Shell}
	}
	return []string{s.cfg.Shell, "-c", raw}
}

func environ(kv []string) map[string]string {
	env := make(map[string]string, len(kv))
	for _, e := range kv {
		if k, v, ok := strings.Cut(e, "="); ok && k != "" {
			env[k] = v
		}
	}
	return env
}
