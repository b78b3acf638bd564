package api

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"

	"github.com/cuemby/nodemanager/pkg/log"
	"github.com/cuemby/nodemanager/pkg/metrics"
	"github.com/cuemby/nodemanager/pkg/types"
)

const (
	PathRunningStatus = "/v1/node-manager/running-status"
	PathFaultCommand  = "/v1/node-manager/fault-handling-command"
	PathHardwareFault = "/v1/node-manager/hardware-fault-info"

	// StatusAbnormal is the reply code of a running-status poll on an abnormal node
	StatusAbnormal = 210

	maxBodyBytes = 1 << 20
)

// StateReader exposes the node's running state
type StateReader interface {
	State() types.RunningState
}

// CommandHandler executes controller commands
type CommandHandler interface {
	Handle(ctx context.Context, cmd types.ControllerCommand) types.CommandReply
}

// ControllerObserver learns the controller address from status polls
type ControllerObserver interface {
	Observe(ip string) bool
}

// Config configures a Server
type Config struct {
	Addr       string
	TLS        *tls.Config
	State      StateReader
	Commands   CommandHandler
	Controller ControllerObserver
}

// Server is the controller-facing HTTP server
type Server struct {
	cfg    Config
	http   *http.Server
	logger zerolog.Logger

	mu       sync.Mutex
	listener net.Listener
}

// NewServer creates a control server. Nothing listens until Start.
func NewServer(cfg Config) *Server {
	s := &Server{
		cfg:    cfg,
		logger: log.WithComponent("api"),
	}

	mux := http.NewServeMux()
	mux.Handle(PathRunningStatus, s.route(PathRunningStatus, http.MethodGet, s.handleRunningStatus))
	mux.Handle(PathFaultCommand, s.route(PathFaultCommand, http.MethodPost, s.handleFaultCommand))
	mux.Handle(PathHardwareFault, s.route(PathHardwareFault, http.MethodPost, s.handleHardwareFault))

	s.http = &http.Server{
		Handler:           mux,
		TLSConfig:         cfg.TLS,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		// long enough for a synchronous command fan-out
		WriteTimeout: 10 * time.Minute,
		IdleTimeout:  60 * time.Second,
		ErrorLog:     log.StdLogger("api"),
	}
	return s
}

// Handler returns the routed handler, for embedding in tests
func (s *Server) Handler() http.Handler {
	return s.http.Handler
}

// Start binds the listener and serves in the background. Serve errors other
// than a clean shutdown are delivered on the returned channel.
func (s *Server) Start(ctx context.Context) (<-chan error, error) {
	ln, err := Listen(ctx, s.cfg.Addr)
	if err != nil {
		return nil, err
	}
	if s.cfg.TLS != nil {
		ln = tls.NewListener(ln, s.cfg.TLS)
	}

	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	s.logger.Info().
		Str("addr", ln.Addr().String()).
		Bool("tls", s.cfg.TLS != nil).
		Msg("Control server listening")
	metrics.UpdateComponent(metrics.ComponentAPI, true, "listening on "+ln.Addr().String())

	errCh := make(chan error, 1)
	go func() {
		err := s.http.Serve(ln)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("Control server stopped")
			metrics.UpdateComponent(metrics.ComponentAPI, false, err.Error())
			errCh <- err
		}
		close(errCh)
	}()
	return errCh, nil
}

// Addr returns the bound address, or nil before Start
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Shutdown stops accepting and waits for in-flight handlers
func (s *Server) Shutdown(ctx context.Context) error {
	metrics.UpdateComponent(metrics.ComponentAPI, false, "shutting down")
	if err := s.http.Shutdown(ctx); err != nil {
		return fmt.Errorf("control server shutdown: %w", err)
	}
	return nil
}

// Listen binds a TCP listener with SO_REUSEADDR set
func Listen(ctx context.Context, addr string) (net.Listener, error) {
	lc := net.ListenConfig{
		Control: func(network, address string, c syscall.RawConn) error {
			var serr error
			err := c.Control(func(fd uintptr) {
				serr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
			})
			if err != nil {
				return err
			}
			return serr
		},
	}

	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	return ln, nil
}
