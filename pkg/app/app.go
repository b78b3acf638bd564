package app

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/nodemanager/pkg/api"
	"github.com/cuemby/nodemanager/pkg/client"
	"github.com/cuemby/nodemanager/pkg/config"
	"github.com/cuemby/nodemanager/pkg/daemon"
	"github.com/cuemby/nodemanager/pkg/events"
	"github.com/cuemby/nodemanager/pkg/fault"
	"github.com/cuemby/nodemanager/pkg/heartbeat"
	"github.com/cuemby/nodemanager/pkg/log"
	"github.com/cuemby/nodemanager/pkg/metrics"
	"github.com/cuemby/nodemanager/pkg/security"
)

const shutdownTimeout = 10 * time.Second

// Options carries the deploy arguments and test overrides
type Options struct {
	Role     string
	Replicas int
	Version  string

	// Decrypter replaces the configured key-password helper
	Decrypter security.Decrypter

	// Zero policies use the client defaults
	CommandPolicy client.Policy
	StatusPolicy  client.Policy
	AlarmPolicy   client.Policy

	// GracePeriod bounds daemon termination; zero uses the daemon default
	GracePeriod time.Duration
}

// App owns every component of one node manager process
type App struct {
	cfg    *config.Config
	opts   Options
	logger zerolog.Logger

	broker    *events.Broker
	collector *metrics.Collector
	client    *client.Client
	state     *heartbeat.Manager
	fault     *fault.Manager
	daemons   *daemon.Manager
	server    *api.Server
	ops       *api.HealthServer
}

// New builds the component graph. Nothing runs until Run.
func New(ctx context.Context, cfg *config.Config, opts Options) (*App, error) {
	a := &App{
		cfg:    cfg,
		opts:   opts,
		logger: log.WithComponent("app"),
		broker: events.NewBroker(),
	}

	clientTLS, serverTLS, err := a.loadTLS(ctx)
	if err != nil {
		return nil, err
	}

	a.client = client.New(client.Config{
		EngineIP:      cfg.EngineIP,
		EnginePorts:   cfg.EnginePorts,
		Controller:    cfg.Controller,
		TLS:           clientTLS,
		CommandPolicy: opts.CommandPolicy,
		StatusPolicy:  opts.StatusPolicy,
		AlarmPolicy:   opts.AlarmPolicy,
	})

	var terminator heartbeat.Terminator = noDaemons{logger: a.logger}
	if cfg.EngineBinary != "" {
		if a.daemons, err = a.newDaemons(ctx); err != nil {
			return nil, err
		}
		terminator = a.daemons
	}

	a.state = heartbeat.NewManager(heartbeat.Config{
		Interval:    cfg.HeartbeatInterval,
		EngineCount: cfg.EngineCount(),
		HasEndpoint: cfg.HasEndpoint,
		Poller:      a.client,
		Alarmer:     a.client,
		Terminator:  terminator,
		Events:      a.broker,
	})

	a.fault = fault.NewManager(fault.Config{
		EngineCount: cfg.EngineCount(),
		Engines:     a.client,
		State:       a.state,
		Daemons:     terminator,
		Events:      a.broker,
	})

	a.server = api.NewServer(api.Config{
		Addr:       cfg.ListenAddr(),
		TLS:        serverTLS,
		State:      a.state,
		Commands:   a.fault,
		Controller: cfg.Controller,
	})

	if addr := cfg.MetricsAddr(); addr != "" {
		a.ops = api.NewHealthServer(addr)
	}
	a.collector = metrics.NewCollector(a.state, a.broker)
	return a, nil
}

func (a *App) loadTLS(ctx context.Context) (clientTLS, serverTLS *tls.Config, err error) {
	if !a.cfg.TLS.Enable {
		return nil, nil, nil
	}

	dec := a.opts.Decrypter
	if dec == nil {
		dec = security.HelperDecrypter{Path: a.cfg.TLS.DecryptHelper}
	}

	cb, err := security.LoadBundle(ctx, a.cfg.TLS.Client, dec)
	if err != nil {
		return nil, nil, fmt.Errorf("tls client bundle: %w", err)
	}
	sb, err := security.LoadBundle(ctx, a.cfg.TLS.Server, dec)
	if err != nil {
		return nil, nil, fmt.Errorf("tls server bundle: %w", err)
	}
	a.logger.Info().Msg("Mutual TLS enabled")
	return cb.ClientConfig(), sb.ServerConfig(), nil
}

func (a *App) newDaemons(ctx context.Context) (*daemon.Manager, error) {
	replicas := a.opts.Replicas
	if replicas == 0 {
		replicas = a.cfg.EngineCount()
	}
	if replicas != len(a.cfg.EngineConfigFiles) {
		return nil, fmt.Errorf("replicas %d does not match %d engine configs in %s",
			replicas, len(a.cfg.EngineConfigFiles), a.cfg.ConfDir)
	}

	planner := daemon.Planner{
		Family:   a.cfg.HardwareFamily,
		Replicas: replicas,
		Topology: daemon.NPUSMI{Tool: a.cfg.TopologyTool},
	}
	cpus, err := planner.Plan(ctx)
	if err != nil {
		a.logger.Warn().Err(err).Str("family", a.cfg.HardwareFamily).Msg("CPU affinity unavailable, daemons run unpinned")
		cpus = nil
	}

	binary := a.cfg.EngineBinary
	if !filepath.IsAbs(binary) && filepath.Base(binary) != binary {
		binary = filepath.Join(a.cfg.InstallPath, binary)
	}

	return daemon.NewManager(daemon.Config{
		Binary:      binary,
		Args:        a.cfg.EngineArgs,
		Role:        a.opts.Role,
		ConfigFiles: a.cfg.EngineConfigFiles,
		CPULists:    cpus,
		GracePeriod: a.opts.GracePeriod,
		Events:      a.broker,
	})
}

// Run starts every component and blocks until ctx is cancelled, a daemon
// dies on its own, or the control server fails. It returns the process exit
// code.
func (a *App) Run(ctx context.Context) int {
	metrics.SetVersion(a.opts.Version)
	a.broker.Start()
	a.collector.Start()
	defer a.broker.Stop()
	defer a.collector.Stop()
	defer a.client.Close()

	var daemonDone <-chan int
	if a.daemons != nil {
		if err := a.daemons.Start(ctx); err != nil {
			a.logger.Error().Err(err).Msg("Failed to start engine daemons")
			a.daemons.Stop()
			return 1
		}
		daemonDone = a.daemons.Done()
	} else {
		a.logger.Info().Msg("No engine_binary configured, daemon supervision disabled")
		metrics.UpdateComponent(metrics.ComponentDaemon, true, "disabled")
	}

	if a.ops != nil {
		if err := a.ops.Start(ctx); err != nil {
			a.logger.Warn().Err(err).Msg("Operations endpoint unavailable")
			a.ops = nil
		}
	}

	serveErr, err := a.server.Start(ctx)
	if err != nil {
		a.logger.Error().Err(err).Msg("Failed to start control server")
		a.shutdown()
		return 1
	}

	hbCtx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		a.state.Run(hbCtx)
	}()

	a.logger.Info().
		Str("addr", a.cfg.ListenAddr()).
		Int("engines", a.cfg.EngineCount()).
		Bool("has_endpoint", a.cfg.HasEndpoint).
		Msg("Node manager running")

	code := 0
	select {
	case <-ctx.Done():
		a.logger.Info().Msg("Shutting down")
	case code = <-daemonDone:
		a.logger.Error().Int("exit_code", code).Msg("Engine daemon exited abnormally")
	case err := <-serveErr:
		if err != nil {
			a.logger.Error().Err(err).Msg("Control server failed")
			code = 1
		}
	}

	cancel()
	wg.Wait()
	a.shutdown()
	return code
}

func (a *App) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := a.server.Shutdown(ctx); err != nil {
		a.logger.Warn().Err(err).Msg("Control server did not drain")
	}
	if a.daemons != nil {
		a.daemons.TerminateAll()
		a.daemons.Stop()
	}
	if a.ops != nil {
		if err := a.ops.Shutdown(ctx); err != nil {
			a.logger.Warn().Err(err).Msg("Operations endpoint did not drain")
		}
	}
	a.logger.Info().Msg("Shutdown complete")
}

// Broker returns the event broker, for observers of state transitions
func (a *App) Broker() *events.Broker {
	return a.broker
}

// State returns the heartbeat manager that owns the running state
func (a *App) State() *heartbeat.Manager {
	return a.state
}

// Addr returns the control server's bound address once Run has started it
func (a *App) Addr() net.Addr {
	return a.server.Addr()
}

// noDaemons stands in when this process supervises no engine daemons
type noDaemons struct {
	logger zerolog.Logger
}

func (n noDaemons) TerminateAll() {
	n.logger.Warn().Msg("Terminate requested but no engine daemons are supervised")
}
