// SPDX-License-Identifier: MPL-2.0

package sshserver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
	"github.com/charmbracelet/ssh"
	"github.com/charmbracelet/wish"
	"github.com/charmbracelet/wish/logging"
)

// User is the login name advertised in ConnectionInfo. Any name is accepted.
const User = "kiln"

// Server serves one session. It is single-use: once stopped or failed,
// create a new instance.
type Server struct {
	cfg       Config
	runner    SessionRunner
	sessionID string
	now       func() time.Time

	state atomic.Int32

	srvMu    sync.Mutex
	srv      *ssh.Server
	listener net.Listener
	addr     string

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	startedCh chan struct{}
	errCh     chan error
	lastErr   error

	tokens  map[TokenValue]*Token
	tokenMu sync.RWMutex

	logger *log.Logger
}

// New creates a server for sessionID. The server is not started; call Start.
func New(cfg Config, runner SessionRunner, sessionID string) *Server {
	s := &Server{
		cfg:       cfg.withDefaults(),
		runner:    runner,
		sessionID: sessionID,
		now:       time.Now,
		tokens:    make(map[TokenValue]*Token),
		startedCh: make(chan struct{}),
		errCh:     make(chan error, 1),
		logger:    log.NewWithOptions(os.Stderr, log.Options{Prefix: "kiln-ssh"}),
	}
	s.state.Store(int32(StateCreated))
	return s
}

// Start binds the listener and blocks until the server accepts connections,
// fails, the context is cancelled, or the startup timeout passes.
func (s *Server) Start(ctx context.Context) error {
	if err := s.cfg.Validate(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		s.fail(fmt.Errorf("context cancelled before start: %w", err))
		return s.lastErr
	}
	if !s.state.CompareAndSwap(int32(StateCreated), int32(StateStarting)) {
		return fmt.Errorf("cannot start server in state %s", s.State())
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())

	startupCtx, cancel := context.WithTimeout(ctx, s.cfg.StartupTimeout)
	defer cancel()

	addr := net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port))
	var lc net.ListenConfig
	listener, err := lc.Listen(startupCtx, "tcp", addr)
	if err != nil {
		s.fail(fmt.Errorf("failed to listen on %s: %w", addr, err))
		return s.lastErr
	}

	srv, err := wish.NewServer(
		wish.WithAddress(addr),
		wish.WithPublicKeyAuth(s.publicKeyHandler),
		wish.WithPasswordAuth(s.passwordHandler),
		wish.WithMiddleware(
			s.sessionMiddleware(),
			logging.Middleware(),
		),
	)
	if err != nil {
		_ = listener.Close()
		s.fail(fmt.Errorf("failed to create SSH server: %w", err))
		return s.lastErr
	}

	s.srvMu.Lock()
	s.srv = srv
	s.listener = listener
	s.addr = listener.Addr().String()
	s.srvMu.Unlock()

	s.wg.Add(2)
	go s.serve()
	go s.cleanupExpiredTokens()

	select {
	case <-s.startedCh:
		s.logger.Info("SSH server started", "address", s.addr, "session", s.sessionID)
		return nil
	case err := <-s.errCh:
		_ = srv.Close()
		s.fail(err)
		return err
	case <-startupCtx.Done():
		_ = srv.Close()
		s.fail(fmt.Errorf("startup timeout: %w", startupCtx.Err()))
		return s.lastErr
	}
}

// Stop gracefully stops the server. Safe to call multiple times.
func (s *Server) Stop() error {
	for {
		current := s.State()
		switch current {
		case StateStopped, StateFailed, StateStopping:
			s.wg.Wait()
			return nil
		case StateCreated:
			if s.state.CompareAndSwap(int32(StateCreated), int32(StateStopped)) {
				return nil
			}
		case StateStarting, StateRunning:
			if s.state.CompareAndSwap(int32(current), int32(StateStopping)) {
				return s.doStop()
			}
		}
	}
}

func (s *Server) doStop() error {
	if s.cancel != nil {
		s.cancel()
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()

	var shutdownErr error
	s.srvMu.Lock()
	if s.srv != nil {
		if err := s.srv.Shutdown(ctx); err != nil && !isClosedConnError(err) {
			s.logger.Error("shutdown error", "error", err)
			shutdownErr = err
		}
	}
	if s.listener != nil {
		_ = s.listener.Close()
	}
	s.srvMu.Unlock()

	s.wg.Wait()
	s.state.Store(int32(StateStopped))
	close(s.errCh)
	s.logger.Info("SSH server stopped")
	return shutdownErr
}

func (s *Server) serve() {
	defer s.wg.Done()

	if s.state.CompareAndSwap(int32(StateStarting), int32(StateRunning)) {
		close(s.startedCh)
	}

	s.srvMu.Lock()
	srv, listener := s.srv, s.listener
	s.srvMu.Unlock()

	err := srv.Serve(listener)
	if err == nil || errors.Is(err, ssh.ErrServerClosed) || errors.Is(err, net.ErrClosed) {
		return
	}
	s.logger.Error("SSH server error", "error", err)
	s.fail(fmt.Errorf("serve error: %w", err))
}

func (s *Server) fail(err error) {
	s.lastErr = err
	s.state.Store(int32(StateFailed))
	if s.cancel != nil {
		s.cancel()
	}
	select {
	case s.errCh <- err:
	default:
	}
}

// Err returns a channel that receives fatal server errors. It is closed
// when the server stops.
func (s *Server) Err() <-chan error {
	return s.errCh
}

// State returns the current server state.
func (s *Server) State() State {
	return State(s.state.Load())
}

// IsRunning reports whether the server accepts connections.
func (s *Server) IsRunning() bool {
	return s.State() == StateRunning
}

// Address returns the bound host:port, or "" when the server is not running.
func (s *Server) Address() string {
	select {
	case <-s.startedCh:
		s.srvMu.Lock()
		defer s.srvMu.Unlock()
		return s.addr
	default:
		return ""
	}
}

// Port returns the bound port, or 0 when the server is not running.
func (s *Server) Port() int {
	_, portStr, err := net.SplitHostPort(s.Address())
	if err != nil {
		return 0
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return 0
	}
	return port
}

// Wait blocks until the server stops and returns the failure, if any.
func (s *Server) Wait() error {
	if s.State() == StateCreated {
		return nil
	}
	if s.ctx != nil {
		<-s.ctx.Done()
	}
	s.wg.Wait()
	if s.State() == StateFailed {
		return s.lastErr
	}
	return nil
}

// ConnectionInfo issues a fresh token and returns how to connect with it.
func (s *Server) ConnectionInfo() (*ConnectionInfo, error) {
	if !s.IsRunning() {
		return nil, fmt.Errorf("SSH server is not running (state: %s)", s.State())
	}
	token, err := s.GenerateToken(s.sessionID)
	if err != nil {
		return nil, err
	}
	return &ConnectionInfo{
		Host:     s.cfg.Host,
		Port:     s.Port(),
		User:     User,
		Token:    token.Value,
		ExpireAt: token.ExpiresAt,
	}, nil
}

func isClosedConnError(err error) bool {
	var opErr *net.OpError
	return errors.As(err, &opErr) && errors.Is(opErr.Err, net.ErrClosed)
}
