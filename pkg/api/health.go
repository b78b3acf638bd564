package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/nodemanager/pkg/log"
	"github.com/cuemby/nodemanager/pkg/metrics"
)

// HealthServer serves /metrics, /health and /ready on the operations port
type HealthServer struct {
	addr   string
	server *http.Server
	logger zerolog.Logger
	ln     net.Listener
}

// NewHealthServer creates the operations server for addr
func NewHealthServer(addr string) *HealthServer {
	return &HealthServer{
		addr: addr,
		server: &http.Server{
			Handler:      metrics.OperationsMux(),
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 10 * time.Second,
			IdleTimeout:  60 * time.Second,
			ErrorLog:     log.StdLogger("operations"),
		},
		logger: log.WithComponent("operations"),
	}
}

// Start binds the listener and serves in the background
func (hs *HealthServer) Start(ctx context.Context) error {
	ln, err := Listen(ctx, hs.addr)
	if err != nil {
		return err
	}
	hs.ln = ln
	hs.logger.Info().Str("addr", ln.Addr().String()).Msg("Operations endpoint listening")

	go func() {
		if err := hs.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			hs.logger.Error().Err(err).Msg("Operations endpoint stopped")
		}
	}()
	return nil
}

// Addr returns the bound address, or nil before Start
func (hs *HealthServer) Addr() net.Addr {
	if hs.ln == nil {
		return nil
	}
	return hs.ln.Addr()
}

// Shutdown stops the operations server
func (hs *HealthServer) Shutdown(ctx context.Context) error {
	if err := hs.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("operations shutdown: %w", err)
	}
	return nil
}
