package fault

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/cuemby/nodemanager/pkg/client"
	"github.com/cuemby/nodemanager/pkg/events"
	"github.com/cuemby/nodemanager/pkg/heartbeat"
	"github.com/cuemby/nodemanager/pkg/log"
	"github.com/cuemby/nodemanager/pkg/metrics"
	"github.com/cuemby/nodemanager/pkg/types"
)

// EngineCommander sends one command to one engine
type EngineCommander interface {
	SendCmdToEngine(ctx context.Context, i int, cmd types.EngineCommand) types.Result
}

// Terminator stops every engine daemon
type Terminator interface {
	TerminateAll()
}

// Config configures a Manager
type Config struct {
	EngineCount int
	Engines     EngineCommander
	State       *heartbeat.Manager
	Daemons     Terminator
	Events      events.Publisher
}

// transition describes how one controller command moves the node
type transition struct {
	pre    types.RunningState
	target types.RunningState // written when the command is accepted
	final  types.RunningState // written when every engine succeeded
	engine types.EngineCommand
	async  bool

	pauseTicks  bool
	resumeTicks bool
}

var transitions = map[types.ControllerCommand]transition{
	types.CmdPauseEngine: {
		pre:        types.StateNormal,
		target:     types.StatePause,
		engine:     types.EngineCmdPause,
		pauseTicks: true,
	},
	types.CmdReinitNPU: {
		pre:    types.StatePause,
		final:  types.StateReady,
		engine: types.EngineCmdReinit,
		async:  true,
	},
	types.CmdStartEngine: {
		pre:         types.StateReady,
		target:      types.StateNormal,
		engine:      types.EngineCmdStart,
		resumeTicks: true,
	},
}

// Manager translates controller commands into engine commands
type Manager struct {
	cfg    Config
	logger zerolog.Logger
	wg     sync.WaitGroup
}

// NewManager creates a fault manager
func NewManager(cfg Config) *Manager {
	if cfg.Events == nil {
		cfg.Events = events.Discard{}
	}
	return &Manager{
		cfg:    cfg,
		logger: log.WithComponent("fault"),
	}
}

// Handle executes cmd. PAUSE_ENGINE and START_ENGINE return once every
// engine has answered. REINIT_NPU returns as soon as the guard accepts it and
// finishes in the background. STOP_ENGINE starts daemon termination and
// returns at once.
func (m *Manager) Handle(ctx context.Context, cmd types.ControllerCommand) types.CommandReply {
	if cmd == types.CmdStopEngine {
		return m.stop()
	}

	tr, ok := transitions[cmd]
	if !ok {
		metrics.CommandsTotal.WithLabelValues(string(cmd), "rejected").Inc()
		return types.CommandReply{Status: false, Reason: fmt.Sprintf("unknown cmd %q", cmd)}
	}

	if err := m.cfg.State.BeginCommand(cmd, tr.pre, tr.target, tr.pauseTicks); err != nil {
		m.logger.Warn().Str("cmd", string(cmd)).Err(err).Msg("Command rejected")
		metrics.CommandsTotal.WithLabelValues(string(cmd), "rejected").Inc()
		m.cfg.Events.Publish(events.New(events.EventCommandRejected, err.Error(), map[string]string{
			"cmd": string(cmd),
		}))
		return types.CommandReply{Status: false, Reason: err.Error()}
	}

	id := uuid.NewString()
	logger := log.WithCommand("fault", string(cmd), id)
	logger.Info().Int("engines", m.cfg.EngineCount).Msg("Command accepted")
	metrics.CommandsTotal.WithLabelValues(string(cmd), "accepted").Inc()
	m.cfg.Events.Publish(events.New(events.EventCommandAccepted, "command accepted", map[string]string{
		"cmd":        string(cmd),
		"command_id": id,
	}))

	if !tr.async {
		return m.execute(ctx, cmd, id, tr, logger)
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		reply := m.execute(context.WithoutCancel(ctx), cmd, id, tr, logger)
		if !reply.Status {
			m.cfg.State.Escalate(context.WithoutCancel(ctx), nil)
		}
	}()
	return types.CommandReply{Status: true}
}

// Wait blocks until any background REINIT_NPU has finished
func (m *Manager) Wait() {
	m.wg.Wait()
}

func (m *Manager) stop() types.CommandReply {
	m.logger.Info().Msg("STOP_ENGINE received, terminating daemons")
	metrics.CommandsTotal.WithLabelValues(string(types.CmdStopEngine), "accepted").Inc()
	m.cfg.Events.Publish(events.New(events.EventCommandAccepted, "command accepted", map[string]string{
		"cmd": string(types.CmdStopEngine),
	}))

	if m.cfg.Daemons != nil {
		go m.cfg.Daemons.TerminateAll()
	}
	return types.CommandReply{Status: true}
}

func (m *Manager) execute(ctx context.Context, cmd types.ControllerCommand, id string, tr transition, logger zerolog.Logger) types.CommandReply {
	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.CommandDuration, string(cmd))

	results := client.FanOut(ctx, m.cfg.EngineCount, func(ctx context.Context, i int) types.Result {
		return m.cfg.Engines.SendCmdToEngine(ctx, i, tr.engine)
	})

	failures := collectFailures(results)
	if len(failures) == 0 {
		m.cfg.State.CompleteCommand(tr.final, tr.resumeTicks)
		logger.Info().Dur("took", timer.Duration()).Msg("Command completed")
		metrics.CommandsTotal.WithLabelValues(string(cmd), "succeeded").Inc()
		m.cfg.Events.Publish(events.New(events.EventCommandCompleted, "command completed", map[string]string{
			"cmd":        string(cmd),
			"command_id": id,
		}))
		return types.CommandReply{Status: true}
	}

	alarms := make([]json.RawMessage, 0, len(failures))
	for _, f := range failures {
		l := log.WithEngine("fault", f.Engine)
		l.Error().
			Str("cmd", string(cmd)).
			Str("command_id", id).
			Str("reason", f.Reason).
			Msg("Engine command failed")
		alarm, _ := json.Marshal(commandAlarm{Engine: f.Engine, Cmd: cmd, Reason: f.Reason})
		alarms = append(alarms, alarm)
	}
	m.cfg.State.FailCommand(alarms)

	reason := formatFailures(failures)
	metrics.CommandsTotal.WithLabelValues(string(cmd), "failed").Inc()
	m.cfg.Events.Publish(events.New(events.EventCommandFailed, reason, map[string]string{
		"cmd":        string(cmd),
		"command_id": id,
	}))
	return types.CommandReply{Status: false, Reason: reason}
}

// Failure is one engine's failed answer to a command
type Failure struct {
	Engine int
	Reason string
}

// commandAlarm is the alarm entry recorded for a failed engine command
type commandAlarm struct {
	Engine int                     `json:"engine"`
	Cmd    types.ControllerCommand `json:"cmd"`
	Reason string                  `json:"reason"`
}

// collectFailures returns the failing engines in index order. An engine
// fails when its call failed or when it answered status=false.
func collectFailures(results []types.Result) []Failure {
	var failures []Failure
	for i, res := range results {
		if !res.Success {
			failures = append(failures, Failure{Engine: i, Reason: res.Msg})
			continue
		}
		var reply types.EngineCommandReply
		if err := json.Unmarshal(res.Data, &reply); err != nil {
			failures = append(failures, Failure{Engine: i, Reason: "invalid reply: " + err.Error()})
			continue
		}
		if !reply.Status {
			reason := reply.Reason
			if reason == "" {
				reason = "engine reported failure"
			}
			failures = append(failures, Failure{Engine: i, Reason: reason})
		}
	}
	return failures
}

// formatFailures renders "i:reason, j:reason"
func formatFailures(failures []Failure) string {
	parts := make([]string, len(failures))
	for k, f := range failures {
		parts[k] = strconv.Itoa(f.Engine) + ":" + f.Reason
	}
	return strings.Join(parts, ", ")
}
