package heartbeat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/nodemanager/pkg/client"
	"github.com/cuemby/nodemanager/pkg/events"
	"github.com/cuemby/nodemanager/pkg/log"
	"github.com/cuemby/nodemanager/pkg/metrics"
	"github.com/cuemby/nodemanager/pkg/types"
)

// ErrPreviousCmdNotFinished rejects a command whose pre-state does not match
// or that arrives while another command is still executing
var ErrPreviousCmdNotFinished = errors.New("previous CMD not finished")

// UnknownStatus marks a snapshot slot whose poll failed
const UnknownStatus types.ServiceStatus = -1

// StatusPoller polls one engine
type StatusPoller interface {
	GetEngineStatus(ctx context.Context, i int) types.Result
}

// Alarmer delivers alarms to the controller
type Alarmer interface {
	SendControllerAlarm(ctx context.Context, alarms []json.RawMessage) types.Result
}

// Terminator stops every engine daemon
type Terminator interface {
	TerminateAll()
}

// Config configures a Manager
type Config struct {
	Interval    time.Duration
	EngineCount int
	HasEndpoint bool

	Poller     StatusPoller
	Alarmer    Alarmer
	Terminator Terminator
	Events     events.Publisher
}

// Manager owns the node's running state and polls the engines on a fixed
// cadence. Every field below mu is only touched with mu held.
type Manager struct {
	cfg    Config
	logger zerolog.Logger

	mu            sync.Mutex
	state         types.RunningState
	checkAllowed  bool
	inFlight      bool
	inFlightCmd   types.ControllerCommand
	escalated     bool
	pending       bool
	epoch         uint64
	pendingAlarms []json.RawMessage

	snapshot atomic.Pointer[types.StatusSnapshot]
}

// NewManager creates a manager in the init state
func NewManager(cfg Config) *Manager {
	if cfg.Events == nil {
		cfg.Events = events.Discard{}
	}
	return &Manager{
		cfg:          cfg,
		logger:       log.WithComponent("heartbeat"),
		state:        types.StateInit,
		checkAllowed: true,
	}
}

// State returns the current running state
func (m *Manager) State() types.RunningState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// HeartbeatCheckAllowed reports whether ticks may act on their results
func (m *Manager) HeartbeatCheckAllowed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.checkAllowed
}

// Escalated reports whether the alarm for this abnormal episode went out
func (m *Manager) Escalated() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.escalated
}

// Snapshot returns the statuses seen by the latest tick, or nil before the first
func (m *Manager) Snapshot() *types.StatusSnapshot {
	return m.snapshot.Load()
}

// SetState writes s through the guarded setter
func (m *Manager) SetState(s types.RunningState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.setStateLocked(s, "")
}

// setStateLocked must be called with mu held
func (m *Manager) setStateLocked(s types.RunningState, reason string) {
	if m.state == s {
		return
	}
	from := m.state
	m.state = s

	m.logger.Info().
		Str("from", string(from)).
		Str("to", string(s)).
		Str("reason", reason).
		Msg("Running state changed")
	m.cfg.Events.Publish(events.New(events.EventStateChanged, "running state changed", map[string]string{
		"from":   string(from),
		"to":     string(s),
		"reason": reason,
	}))
}

// BeginCommand checks the pre-state and claims the command slot in one
// critical section. A non-empty target is written immediately; pauseTicks
// stops ticks from acting until a later command re-enables them.
func (m *Manager) BeginCommand(cmd types.ControllerCommand, pre, target types.RunningState, pauseTicks bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.inFlight {
		return fmt.Errorf("%w: %s still executing", ErrPreviousCmdNotFinished, m.inFlightCmd)
	}
	if m.state != pre {
		return fmt.Errorf("%w: state is %s, %s requires %s", ErrPreviousCmdNotFinished, m.state, cmd, pre)
	}

	m.inFlight = true
	m.inFlightCmd = cmd
	m.epoch++
	if target != "" {
		m.setStateLocked(target, string(cmd))
	}
	if pauseTicks {
		m.checkAllowed = false
	}
	return nil
}

// CompleteCommand releases the command slot after full success. A non-empty
// final state is written; resumeTicks lets ticks act again.
func (m *Manager) CompleteCommand(final types.RunningState, resumeTicks bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if final != "" {
		m.setStateLocked(final, string(m.inFlightCmd))
	}
	if resumeTicks {
		m.checkAllowed = true
	}
	m.inFlight = false
	m.inFlightCmd = ""
	m.epoch++
}

// FailCommand releases the command slot after any engine failed. The node
// becomes abnormal, ticks are re-enabled and alarms are kept for the next
// escalation.
func (m *Manager) FailCommand(alarms []json.RawMessage) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.setStateLocked(types.StateAbnormal, string(m.inFlightCmd)+" failed")
	m.checkAllowed = true
	m.pending = true
	m.pendingAlarms = alarms
	m.inFlight = false
	m.inFlightCmd = ""
	m.epoch++
}

// Escalate sends one alarm and then terminates every daemon. Only the first
// call per abnormal episode acts; it returns false for the rest.
func (m *Manager) Escalate(ctx context.Context, alarms []json.RawMessage) bool {
	m.mu.Lock()
	if m.escalated {
		m.mu.Unlock()
		return false
	}
	m.escalated = true
	if len(m.pendingAlarms) > 0 {
		alarms = m.pendingAlarms
	}
	m.pending = false
	m.pendingAlarms = nil
	m.mu.Unlock()

	m.logger.Error().Int("alarms", len(alarms)).Msg("Node abnormal, alarming controller and terminating daemons")
	metrics.UpdateComponent(metrics.ComponentHeartbeat, false, "node abnormal")

	res := types.Failed("no alarmer configured")
	if m.cfg.Alarmer != nil {
		res = m.cfg.Alarmer.SendControllerAlarm(ctx, alarms)
	}
	if res.Success {
		metrics.AlarmsTotal.WithLabelValues("sent").Inc()
	} else {
		metrics.AlarmsTotal.WithLabelValues("failed").Inc()
		m.logger.Error().Str("reason", res.Msg).Msg("Failed to send alarm")
	}
	m.cfg.Events.Publish(events.New(events.EventAlarmSent, "alarm sent to controller", map[string]string{
		"alarms":  strconv.Itoa(len(alarms)),
		"success": strconv.FormatBool(res.Success),
	}))

	if m.cfg.Terminator != nil {
		m.cfg.Terminator.TerminateAll()
	}
	return true
}

// Run polls the engines every interval until ctx is cancelled. A tick in
// progress runs to completion, bounded by the client timeouts. Run returns
// at once when this node has no endpoint to watch.
func (m *Manager) Run(ctx context.Context) {
	if !m.cfg.HasEndpoint {
		m.logger.Info().Msg("Node has no endpoint, heartbeat disabled")
		metrics.UpdateComponent(metrics.ComponentHeartbeat, true, "disabled")
		return
	}

	m.logger.Info().
		Dur("interval", m.cfg.Interval).
		Int("engines", m.cfg.EngineCount).
		Msg("Heartbeat started")
	metrics.UpdateComponent(metrics.ComponentHeartbeat, true, "")

	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.logger.Info().Msg("Heartbeat stopped")
			return
		case <-ticker.C:
			m.Tick(context.WithoutCancel(ctx))
		}
	}
}

// Tick polls every engine once and acts on the aggregate
func (m *Manager) Tick(ctx context.Context) {
	m.mu.Lock()
	epoch := m.epoch
	m.mu.Unlock()

	timer := metrics.NewTimer()
	results := client.FanOut(ctx, m.cfg.EngineCount, m.cfg.Poller.GetEngineStatus)
	timer.ObserveDuration(metrics.HeartbeatDuration)

	replies, failed := m.record(results)

	m.mu.Lock()
	allowed := m.checkAllowed
	state := m.state
	pending := state == types.StateAbnormal && !m.escalated && m.pending
	m.mu.Unlock()

	if !allowed {
		m.logger.Debug().Msg("Command in progress, discarding tick")
		metrics.HeartbeatTicksTotal.WithLabelValues("discarded").Inc()
		return
	}
	if state == types.StatePause {
		m.logger.Error().Msg("Node paused outside a command, discarding tick")
		metrics.HeartbeatTicksTotal.WithLabelValues("discarded").Inc()
		return
	}
	if pending {
		m.Escalate(ctx, nil)
		return
	}
	if failed {
		metrics.HeartbeatTicksTotal.WithLabelValues("discarded").Inc()
		return
	}

	statuses := make([]types.ServiceStatus, len(replies))
	for i, r := range replies {
		statuses[i] = r.Status
	}
	derived := Aggregate(statuses)
	metrics.HeartbeatTicksTotal.WithLabelValues(string(derived)).Inc()

	if !m.apply(derived, epoch) {
		return
	}

	var alarms []json.RawMessage
	for _, r := range replies {
		if r.HasError() {
			alarms = append(alarms, r.Error)
		}
	}
	m.Escalate(ctx, alarms)
}

// record stores the tick's snapshot and decodes the replies. failed is true
// when any engine could not be polled.
func (m *Manager) record(results []types.Result) ([]types.EngineStatusReply, bool) {
	replies := make([]types.EngineStatusReply, len(results))
	snap := &types.StatusSnapshot{
		Timestamp: time.Now(),
		Statuses:  make([]types.ServiceStatus, len(results)),
	}

	failed := false
	for i, res := range results {
		snap.Statuses[i] = UnknownStatus
		l := log.WithEngine("heartbeat", i)
		if !res.Success {
			failed = true
			l.Warn().Str("reason", res.Msg).Msg("Engine status poll failed")
			continue
		}
		if err := json.Unmarshal(res.Data, &replies[i]); err != nil {
			failed = true
			l.Warn().Err(err).Msg("Undecodable engine status")
			continue
		}
		snap.Statuses[i] = replies[i].Status
		metrics.EngineStatus.WithLabelValues(strconv.Itoa(i)).Set(float64(replies[i].Status))
	}

	m.snapshot.Store(snap)
	return replies, failed
}

// apply writes a tick's derived state. A command that began or finished
// since the poll started wins, since the engines' answers may predate it.
// Abnormal is never replaced. It returns true when the caller should escalate.
func (m *Manager) apply(derived types.RunningState, epoch uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.checkAllowed || m.inFlight || m.epoch != epoch {
		m.logger.Debug().Str("derived", string(derived)).Msg("Command started during tick, result dropped")
		return false
	}
	if m.state != types.StateAbnormal {
		m.setStateLocked(derived, "heartbeat")
	}
	return m.state == types.StateAbnormal && !m.escalated
}

// Aggregate derives the node state from one status per engine. Rules apply
// in order: READY or PAUSE outside a command, then ABNORMAL, then all
// NORMAL/INIT; anything else is abnormal.
func Aggregate(statuses []types.ServiceStatus) types.RunningState {
	for _, s := range statuses {
		if s == types.ServiceReady || s == types.ServicePause {
			return types.StateAbnormal
		}
	}
	for _, s := range statuses {
		if s == types.ServiceAbnormal {
			return types.StateAbnormal
		}
	}

	anyInit := false
	for _, s := range statuses {
		switch s {
		case types.ServiceNormal:
		case types.ServiceInit:
			anyInit = true
		default:
			l := log.WithComponent("heartbeat")
			l.Error().
				Int("status", int(s)).
				Msg("Unexpected engine status")
			return types.StateAbnormal
		}
	}
	if anyInit {
		return types.StateInit
	}
	return types.StateNormal
}
