package client

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/nodemanager/pkg/log"
	"github.com/cuemby/nodemanager/pkg/metrics"
	"github.com/cuemby/nodemanager/pkg/types"
)

const (
	PathEngineCommand = "/v1/engine-server/fault-handling-command"
	PathEngineStatus  = "/v1/engine-server/running-status"
	PathAlarm         = "/v1/controller/alarm-info"

	// MsgNoController is the failure message when no controller IP has been learned
	MsgNoController = "controller's ip or port not exist"

	maxResponseBytes = 1 << 20
	defaultBackoff   = 200 * time.Millisecond
)

// Call names, used for metrics labels and logs
const (
	CallSendCmd   = "send_cmd_to_engine"
	CallGetStatus = "get_engine_status"
	CallSendAlarm = "send_controller_alarm"
)

// Policy bounds one call type: each attempt gets Timeout, and at most
// Attempts are made.
type Policy struct {
	Timeout  time.Duration
	Attempts int
}

// Default policies
var (
	DefaultCommandPolicy = Policy{Timeout: 90 * time.Second, Attempts: 5}
	DefaultStatusPolicy  = Policy{Timeout: 3 * time.Second, Attempts: 3}
	DefaultAlarmPolicy   = Policy{Timeout: 3 * time.Second, Attempts: 3}
)

// ControllerLocator returns the learned controller address
type ControllerLocator interface {
	Addr() (string, bool)
}

// Config configures a Client
type Config struct {
	EngineIP    string
	EnginePorts []int
	Controller  ControllerLocator

	// TLS enables HTTPS with the given client configuration when non-nil
	TLS *tls.Config

	// Zero values fall back to the defaults above
	CommandPolicy Policy
	StatusPolicy  Policy
	AlarmPolicy   Policy
	RetryBackoff  time.Duration
}

// Client talks to the local engines and to the controller. It holds no
// per-call state and is safe for concurrent use.
type Client struct {
	engineIP   string
	ports      []int
	controller ControllerLocator
	scheme     string
	http       *http.Client
	cmdPolicy  Policy
	statPolicy Policy
	alarmPol   Policy
	backoff    time.Duration
	logger     zerolog.Logger
}

// New creates a client for the engines listed in cfg
func New(cfg Config) *Client {
	transport := &http.Transport{
		Proxy:               nil,
		MaxIdleConnsPerHost: 4,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
	}
	scheme := "http"
	if cfg.TLS != nil {
		transport.TLSClientConfig = cfg.TLS
		scheme = "https"
	}

	c := &Client{
		engineIP:   cfg.EngineIP,
		ports:      cfg.EnginePorts,
		controller: cfg.Controller,
		scheme:     scheme,
		http:       &http.Client{Transport: transport},
		cmdPolicy:  withDefault(cfg.CommandPolicy, DefaultCommandPolicy),
		statPolicy: withDefault(cfg.StatusPolicy, DefaultStatusPolicy),
		alarmPol:   withDefault(cfg.AlarmPolicy, DefaultAlarmPolicy),
		backoff:    cfg.RetryBackoff,
		logger:     log.WithComponent("client"),
	}
	if c.backoff <= 0 {
		c.backoff = defaultBackoff
	}
	return c
}

func withDefault(p, def Policy) Policy {
	if p.Timeout <= 0 {
		p.Timeout = def.Timeout
	}
	if p.Attempts <= 0 {
		p.Attempts = def.Attempts
	}
	return p
}

// EngineCount returns the number of engines the client addresses
func (c *Client) EngineCount() int {
	return len(c.ports)
}

// Close releases idle connections
func (c *Client) Close() {
	c.http.CloseIdleConnections()
}

// SendCmdToEngine posts cmd to engine i. On success Data holds the engine's
// {status, reason} reply.
func (c *Client) SendCmdToEngine(ctx context.Context, i int, cmd types.EngineCommand) types.Result {
	base, err := c.engineBase(i)
	if err != nil {
		return types.Failed(err.Error())
	}
	body, _ := json.Marshal(types.EngineCommandRequest{Cmd: cmd})

	res := c.do(ctx, CallSendCmd, c.cmdPolicy, http.MethodPost, base+PathEngineCommand, body)
	if res.Success {
		var reply types.EngineCommandReply
		if err := json.Unmarshal(res.Data, &reply); err != nil {
			return types.Failed(fmt.Sprintf("invalid command reply: %v", err))
		}
	}
	return res
}

// GetEngineStatus polls engine i. On success Data holds {status, error?}.
func (c *Client) GetEngineStatus(ctx context.Context, i int) types.Result {
	base, err := c.engineBase(i)
	if err != nil {
		return types.Failed(err.Error())
	}

	res := c.do(ctx, CallGetStatus, c.statPolicy, http.MethodGet, base+PathEngineStatus, nil)
	if res.Success {
		var reply types.EngineStatusReply
		if err := json.Unmarshal(res.Data, &reply); err != nil {
			return types.Failed(fmt.Sprintf("invalid status reply: %v", err))
		}
	}
	return res
}

// SendControllerAlarm posts the alarm list to the learned controller
func (c *Client) SendControllerAlarm(ctx context.Context, alarms []json.RawMessage) types.Result {
	if c.controller == nil {
		return types.Failed(MsgNoController)
	}
	addr, ok := c.controller.Addr()
	if !ok {
		return types.Failed(MsgNoController)
	}
	if alarms == nil {
		alarms = []json.RawMessage{}
	}

	body, err := json.Marshal(types.AlarmRequest{AlarmInfo: alarms, Reporter: types.AlarmReporter})
	if err != nil {
		return types.Failed(fmt.Sprintf("encoding alarm: %v", err))
	}

	res := c.do(ctx, CallSendAlarm, c.alarmPol, http.MethodPost, c.scheme+"://"+addr+PathAlarm, body)
	if res.Success {
		var reply types.AlarmReply
		if err := json.Unmarshal(res.Data, &reply); err == nil {
			c.logger.Info().
				Int("alarms", len(alarms)).
				Int("forwarded", reply.Data).
				Msg("Alarm delivered to controller")
		}
	}
	return res
}

func (c *Client) engineBase(i int) (string, error) {
	if i < 0 || i >= len(c.ports) {
		return "", fmt.Errorf("engine index %d out of range", i)
	}
	return c.scheme + "://" + net.JoinHostPort(c.engineIP, strconv.Itoa(c.ports[i])), nil
}

// retryableError marks failures worth another attempt
type retryableError struct {
	err error
}

func (e *retryableError) Error() string { return e.err.Error() }

func (e *retryableError) Unwrap() error { return e.err }

func retryable(format string, args ...any) error {
	return &retryableError{err: fmt.Errorf(format, args...)}
}

func (c *Client) do(ctx context.Context, call string, p Policy, method, url string, body []byte) types.Result {
	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.EngineRequestDuration, call)

	var lastErr error
	for attempt := 1; attempt <= p.Attempts; attempt++ {
		if attempt > 1 {
			if err := sleepCtx(ctx, c.backoff); err != nil {
				lastErr = err
				break
			}
		}

		data, err := c.once(ctx, p.Timeout, method, url, body)
		if err == nil {
			metrics.EngineRequestsTotal.WithLabelValues(call, "success").Inc()
			return types.Result{Success: true, Data: data}
		}
		lastErr = err

		c.logger.Debug().
			Str("call", call).
			Str("url", url).
			Int("attempt", attempt).
			Err(err).
			Msg("Request failed")

		var re *retryableError
		if !errors.As(err, &re) || ctx.Err() != nil {
			break
		}
	}

	metrics.EngineRequestsTotal.WithLabelValues(call, "failure").Inc()
	return types.Failed(fmt.Sprintf("%s %s: %v", method, url, lastErr))
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (c *Client) once(ctx context.Context, timeout time.Duration, method, url string, body []byte) (json.RawMessage, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, retryable("%w", err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, retryable("reading body: %w", err)
	}

	switch {
	case resp.StatusCode >= 500:
		return nil, retryable("HTTP %d", resp.StatusCode)
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return nil, fmt.Errorf("HTTP %d: %s", resp.StatusCode, bytes.TrimSpace(payload))
	}

	if !json.Valid(payload) {
		return nil, fmt.Errorf("response is not JSON")
	}
	return json.RawMessage(payload), nil
}
