package types

import (
	"encoding/json"
	"errors"
	"time"
)

// RunningState is the single node-level state owned by the heartbeat manager
type RunningState string

const (
	StateInit     RunningState = "init"
	StateNormal   RunningState = "normal"
	StateReady    RunningState = "ready"
	StatePause    RunningState = "pause"
	StateAbnormal RunningState = "abnormal"
)

// ServiceStatus is the status code an engine reports about itself
type ServiceStatus int

const (
	ServiceReady    ServiceStatus = 0
	ServiceNormal   ServiceStatus = 1
	ServiceAbnormal ServiceStatus = 2
	ServicePause    ServiceStatus = 3
	ServiceInit     ServiceStatus = 4
)

// String returns the SERVICE_* name of the status code
func (s ServiceStatus) String() string {
	switch s {
	case ServiceReady:
		return "SERVICE_READY"
	case ServiceNormal:
		return "SERVICE_NORMAL"
	case ServiceAbnormal:
		return "SERVICE_ABNORMAL"
	case ServicePause:
		return "SERVICE_PAUSE"
	case ServiceInit:
		return "SERVICE_INIT"
	default:
		return "SERVICE_UNKNOWN"
	}
}

// ControllerCommand is a command sent by the cluster controller
type ControllerCommand string

const (
	CmdPauseEngine ControllerCommand = "PAUSE_ENGINE"
	CmdReinitNPU   ControllerCommand = "REINIT_NPU"
	CmdStartEngine ControllerCommand = "START_ENGINE"
	CmdStopEngine  ControllerCommand = "STOP_ENGINE"
)

// Valid reports whether c is one of the known controller commands
func (c ControllerCommand) Valid() bool {
	switch c {
	case CmdPauseEngine, CmdReinitNPU, CmdStartEngine, CmdStopEngine:
		return true
	}
	return false
}

// EngineCommand is the engine-side command code
type EngineCommand int

const (
	EngineCmdPause  EngineCommand = 0
	EngineCmdReinit EngineCommand = 1
	EngineCmdStart  EngineCommand = 2
)

// CommandEnvelope is the body of a controller command request.
// Fields other than cmd and extraInfo are ignored.
type CommandEnvelope struct {
	Cmd       ControllerCommand `json:"cmd"`
	ExtraInfo json.RawMessage   `json:"extraInfo,omitempty"`
}

// CommandReply is the fault manager's verdict on a controller command
type CommandReply struct {
	Status bool   `json:"status"`
	Reason string `json:"reason,omitempty"`
}

// Result is the uniform outcome of every engine client call
type Result struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data,omitempty"`
	Msg     string          `json:"msg,omitempty"`
}

// Failed builds an unsuccessful result carrying a diagnostic
func Failed(msg string) Result {
	return Result{Success: false, Msg: msg}
}

// EngineStatusReply is the engine's answer to a running-status poll
type EngineStatusReply struct {
	Status ServiceStatus   `json:"status"`
	Error  json.RawMessage `json:"error,omitempty"`
}

// ErrMissingStatus is returned when a status reply carries no status code
var ErrMissingStatus = errors.New("missing status")

// UnmarshalJSON rejects replies without a status key, which would otherwise
// decode as SERVICE_READY.
func (r *EngineStatusReply) UnmarshalJSON(data []byte) error {
	var raw struct {
		Status *ServiceStatus  `json:"status"`
		Error  json.RawMessage `json:"error,omitempty"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if raw.Status == nil {
		return ErrMissingStatus
	}
	r.Status = *raw.Status
	r.Error = raw.Error
	return nil
}

// HasError reports whether the engine attached an error payload
func (r EngineStatusReply) HasError() bool {
	return len(r.Error) > 0 && string(r.Error) != "null"
}

// EngineCommandRequest is the body posted to an engine's command endpoint
type EngineCommandRequest struct {
	Cmd EngineCommand `json:"cmd"`
}

// EngineCommandReply is the engine's answer to a command
type EngineCommandReply struct {
	Status bool   `json:"status"`
	Reason string `json:"reason,omitempty"`
}

// AlarmRequest is the body posted to the controller's alarm endpoint
type AlarmRequest struct {
	AlarmInfo []json.RawMessage `json:"alarm_info"`
	Reporter  string            `json:"reporter"`
}

// AlarmReporter is the reporter name carried by every alarm
const AlarmReporter = "node_manager"

// AlarmReply is the controller's answer to an alarm.
// Data is 0 when forwarded to the coordinator and -1 when the coordinator is unreachable.
type AlarmReply struct {
	Data int `json:"data"`
}

// StatusSnapshot is one tick's view of every engine, indexed by engine
type StatusSnapshot struct {
	Timestamp time.Time
	Statuses  []ServiceStatus
}
