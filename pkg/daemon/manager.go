package daemon

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"runtime"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"

	"github.com/cuemby/nodemanager/pkg/events"
	"github.com/cuemby/nodemanager/pkg/log"
	"github.com/cuemby/nodemanager/pkg/metrics"
)

const (
	EnvConfigFile = "MIES_CONFIG_FILE"
	EnvEngineRole = "MIES_ENGINE_ROLE"

	RolePrefill = "prefill"
	RoleDecode  = "decode"
	RoleMixed   = "mixed"

	DefaultGracePeriod  = 5 * time.Second
	DefaultReapInterval = time.Second

	// ExitAbnormal is delivered on Done when a daemon died on its own
	ExitAbnormal = 1
)

// ErrAlreadyStarted is returned by Start when daemons are already running
var ErrAlreadyStarted = errors.New("daemons already started")

// Signaler delivers a signal to a process group
type Signaler interface {
	Killpg(pgid int, sig syscall.Signal) error
}

type unixSignaler struct{}

func (unixSignaler) Killpg(pgid int, sig syscall.Signal) error {
	return unix.Kill(-pgid, sig)
}

// Child is one supervised engine daemon
type Child struct {
	PID        int
	Name       string
	ConfigFile string
	Command    []string
	CPUs       string
	IsAlive    bool
	HasExited  bool
	ExitCode   int
	Signal     string
}

// Config configures a Manager
type Config struct {
	Binary string
	Args   []string
	Role   string

	// ConfigFiles holds one engine config per replica
	ConfigFiles []string

	// CPULists is optional; entry i pins replica i
	CPULists []string

	GracePeriod  time.Duration
	ReapInterval time.Duration
	Signaler     Signaler
	Events       events.Publisher
}

// Manager spawns the engine daemons into one process group, reaps them and
// tears the group down.
type Manager struct {
	cfg    Config
	logger zerolog.Logger

	mu           sync.Mutex
	children     []*Child
	pgid         int
	started      bool
	shuttingDown bool

	// sweepMu serializes Wait4 so every exit status is seen exactly once
	sweepMu sync.Mutex

	reaped   chan struct{}
	done     chan int
	doneOnce sync.Once
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewManager validates cfg and returns a manager with no children yet
func NewManager(cfg Config) (*Manager, error) {
	switch cfg.Role {
	case RolePrefill, RoleDecode, RoleMixed:
	default:
		return nil, fmt.Errorf("invalid role %q: want %s, %s or %s", cfg.Role, RolePrefill, RoleDecode, RoleMixed)
	}
	if cfg.Binary == "" {
		return nil, fmt.Errorf("engine binary is required")
	}
	if len(cfg.ConfigFiles) == 0 {
		return nil, fmt.Errorf("at least one engine config is required")
	}
	if len(cfg.CPULists) != 0 && len(cfg.CPULists) != len(cfg.ConfigFiles) {
		return nil, fmt.Errorf("%d cpu lists for %d replicas", len(cfg.CPULists), len(cfg.ConfigFiles))
	}
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = DefaultGracePeriod
	}
	if cfg.ReapInterval <= 0 {
		cfg.ReapInterval = DefaultReapInterval
	}
	if cfg.Signaler == nil {
		cfg.Signaler = unixSignaler{}
	}
	if cfg.Events == nil {
		cfg.Events = events.Discard{}
	}

	return &Manager{
		cfg:    cfg,
		logger: log.WithComponent("daemon"),
		reaped: make(chan struct{}, 1),
		done:   make(chan int, 1),
		stopCh: make(chan struct{}),
	}, nil
}

// Start spawns one daemon per config file and starts the reaper. A spawn
// failure terminates whatever was already started.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return ErrAlreadyStarted
	}
	m.started = true
	m.mu.Unlock()

	// SIGCHLD must be subscribed before the first fork
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGCHLD)

	m.wg.Add(1)
	go m.reapLoop(sigCh)

	for i, conf := range m.cfg.ConfigFiles {
		if err := ctx.Err(); err != nil {
			m.TerminateAll()
			return err
		}
		if err := m.spawn(i, conf); err != nil {
			m.logger.Error().Err(err).Int("replica", i).Msg("Failed to spawn engine daemon")
			m.TerminateAll()
			return err
		}
	}

	metrics.UpdateComponent(metrics.ComponentDaemon, true, fmt.Sprintf("%d daemons running", len(m.cfg.ConfigFiles)))
	return nil
}

func (m *Manager) spawn(i int, conf string) error {
	name := m.cfg.Role + "-" + strconv.Itoa(i)
	command := append([]string{m.cfg.Binary}, m.cfg.Args...)

	cmd := exec.Command(m.cfg.Binary, m.cfg.Args...)
	cmd.Env = append(os.Environ(),
		EnvConfigFile+"="+conf,
		EnvEngineRole+"="+m.cfg.Role,
	)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	m.mu.Lock()
	pgid := m.pgid
	m.mu.Unlock()
	// the first child leads the group, the rest join it
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true, Pgid: pgid}

	var cpus string
	if len(m.cfg.CPULists) > 0 {
		cpus = m.cfg.CPULists[i]
	}
	if err := startPinned(cmd, cpus); err != nil {
		return fmt.Errorf("starting %s: %w", name, err)
	}

	child := &Child{
		PID:        cmd.Process.Pid,
		Name:       name,
		ConfigFile: conf,
		Command:    command,
		CPUs:       cpus,
		IsAlive:    true,
	}

	m.mu.Lock()
	if m.pgid == 0 {
		m.pgid = child.PID
	}
	m.children = append(m.children, child)
	alive := m.aliveLocked()
	m.mu.Unlock()

	metrics.DaemonChildren.Set(float64(alive))
	l := log.WithEngine("daemon", i)
	l.Info().
		Int("pid", child.PID).
		Str("name", name).
		Str("config", conf).
		Str("cpus", cpus).
		Msg("Engine daemon started")
	return nil
}

// startPinned forks with the calling thread's affinity set to cpus, so the
// child inherits it, then restores the thread's mask.
func startPinned(cmd *exec.Cmd, cpus string) error {
	if cpus == "" {
		return cmd.Start()
	}
	cores, err := ParseCPUList(cpus)
	if err != nil {
		return err
	}

	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	var saved unix.CPUSet
	if err := unix.SchedGetaffinity(0, &saved); err != nil {
		return fmt.Errorf("reading affinity: %w", err)
	}
	var want unix.CPUSet
	for _, c := range cores {
		want.Set(c)
	}
	if err := unix.SchedSetaffinity(0, &want); err != nil {
		return fmt.Errorf("setting affinity %s: %w", cpus, err)
	}
	defer func() {
		_ = unix.SchedSetaffinity(0, &saved)
	}()

	return cmd.Start()
}

// Done delivers the exit code the process should use once the daemons died
// on their own
func (m *Manager) Done() <-chan int {
	return m.done
}

// Children returns a snapshot of every daemon record
func (m *Manager) Children() []Child {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Child, len(m.children))
	for i, c := range m.children {
		out[i] = *c
	}
	return out
}

// PGID returns the daemons' process group, 0 before the first spawn
func (m *Manager) PGID() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pgid
}

// TerminateAll sends SIGTERM to the process group, waits up to the grace
// period for every daemon to be reaped and then sends SIGKILL. Only the first
// call does anything.
func (m *Manager) TerminateAll() {
	m.mu.Lock()
	if m.shuttingDown {
		m.mu.Unlock()
		return
	}
	m.shuttingDown = true
	pgid := m.pgid
	alive := m.aliveLocked()
	m.mu.Unlock()

	m.logger.Info().Int("pgid", pgid).Int("alive", alive).Msg("Terminating engine daemons")
	m.cfg.Events.Publish(events.New(events.EventDaemonsStopping, "terminating engine daemons", map[string]string{
		"pgid": strconv.Itoa(pgid),
	}))
	metrics.UpdateComponent(metrics.ComponentDaemon, false, "daemons stopping")

	if pgid == 0 {
		return
	}

	m.signal(pgid, syscall.SIGTERM)
	if !m.waitReaped(m.cfg.GracePeriod) {
		m.logger.Warn().Dur("grace", m.cfg.GracePeriod).Msg("Daemons still alive after grace period")
	}
	m.signal(pgid, syscall.SIGKILL)
	m.sweep()
}

func (m *Manager) signal(pgid int, sig syscall.Signal) {
	err := m.cfg.Signaler.Killpg(pgid, sig)
	if err != nil && !errors.Is(err, unix.ESRCH) {
		m.logger.Error().Err(err).Int("pgid", pgid).Str("signal", sig.String()).Msg("Failed to signal process group")
	}
}

func (m *Manager) waitReaped(grace time.Duration) bool {
	deadline := time.NewTimer(grace)
	defer deadline.Stop()
	poll := time.NewTicker(50 * time.Millisecond)
	defer poll.Stop()

	for {
		m.sweep()
		if m.allExited() {
			return true
		}
		select {
		case <-m.reaped:
		case <-poll.C:
		case <-deadline.C:
			return false
		}
	}
}

// Stop ends the reaper. It does not signal the daemons.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })
	m.wg.Wait()
}

func (m *Manager) reapLoop(sigCh chan os.Signal) {
	defer m.wg.Done()
	defer signal.Stop(sigCh)

	ticker := time.NewTicker(m.cfg.ReapInterval)
	defer ticker.Stop()

	for {
		select {
		case <-sigCh:
			m.sweep()
		case <-ticker.C:
			m.sweep()
		case <-m.stopCh:
			return
		}
	}
}

// sweep reaps every exited daemon without blocking
func (m *Manager) sweep() {
	m.sweepMu.Lock()
	defer m.sweepMu.Unlock()

	m.mu.Lock()
	pending := make([]*Child, 0, len(m.children))
	for _, c := range m.children {
		if !c.HasExited {
			pending = append(pending, c)
		}
	}
	m.mu.Unlock()

	for _, c := range pending {
		var ws unix.WaitStatus
		pid, err := unix.Wait4(c.PID, &ws, unix.WNOHANG, nil)
		if err != nil {
			if errors.Is(err, unix.ECHILD) {
				m.exited(c, -1, "")
			}
			continue
		}
		if pid != c.PID {
			continue
		}

		switch {
		case ws.Exited():
			m.exited(c, ws.ExitStatus(), "")
		case ws.Signaled():
			m.exited(c, -1, ws.Signal().String())
		}
	}
}

func (m *Manager) exited(c *Child, code int, sig string) {
	m.mu.Lock()
	c.IsAlive = false
	c.HasExited = true
	c.ExitCode = code
	c.Signal = sig
	shuttingDown := m.shuttingDown
	alive := m.aliveLocked()
	m.mu.Unlock()

	kind := "normal"
	switch {
	case sig != "":
		kind = "signal"
	case code != 0:
		kind = "code"
	}
	abnormal := kind != "normal"

	metrics.DaemonChildren.Set(float64(alive))
	metrics.DaemonExitsTotal.WithLabelValues(kind).Inc()

	ev := m.logger.Info()
	if abnormal && !shuttingDown {
		ev = m.logger.Error()
	}
	ev.Int("pid", c.PID).
		Str("name", c.Name).
		Int("exit_code", code).
		Str("signal", sig).
		Bool("shutting_down", shuttingDown).
		Msg("Engine daemon exited")

	m.cfg.Events.Publish(events.New(events.EventDaemonExited, c.Name+" exited", map[string]string{
		"name":      c.Name,
		"pid":       strconv.Itoa(c.PID),
		"kind":      kind,
		"exit_code": strconv.Itoa(code),
	}))

	select {
	case m.reaped <- struct{}{}:
	default:
	}

	if abnormal && !shuttingDown {
		metrics.UpdateComponent(metrics.ComponentDaemon, false, c.Name+" exited abnormally")
		go func() {
			m.TerminateAll()
			m.finish(ExitAbnormal)
		}()
	}
}

func (m *Manager) finish(code int) {
	m.doneOnce.Do(func() {
		m.done <- code
	})
}

func (m *Manager) allExited() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.aliveLocked() == 0
}

func (m *Manager) aliveLocked() int {
	n := 0
	for _, c := range m.children {
		if !c.HasExited {
			n++
		}
	}
	return n
}
