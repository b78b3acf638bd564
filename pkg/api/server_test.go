package api

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/cuemby/nodemanager/pkg/config"
	"github.com/cuemby/nodemanager/pkg/types"
)

type fakeState struct {
	mu    sync.Mutex
	state types.RunningState
}

func (f *fakeState) State() types.RunningState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeState) set(s types.RunningState) {
	f.mu.Lock()
	f.state = s
	f.mu.Unlock()
}

type fakeCommands struct {
	mu       sync.Mutex
	received []types.ControllerCommand
	reply    types.CommandReply
}

func (f *fakeCommands) Handle(ctx context.Context, cmd types.ControllerCommand) types.CommandReply {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.received = append(f.received, cmd)
	return f.reply
}

type fixture struct {
	state      *fakeState
	commands   *fakeCommands
	controller *config.ControllerAddress
	server     *Server
}

func newFixture() *fixture {
	f := &fixture{
		state:      &fakeState{state: types.StateNormal},
		commands:   &fakeCommands{reply: types.CommandReply{Status: true}},
		controller: config.NewControllerAddress("10.0.0.5", 1026, config.PolicyLastWriter),
	}
	f.server = NewServer(Config{
		Addr:       "127.0.0.1:0",
		State:      f.state,
		Commands:   f.commands,
		Controller: f.controller,
	})
	return f
}

func (f *fixture) do(t *testing.T, method, path, body string, mutate func(*http.Request)) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if mutate != nil {
		mutate(req)
	}
	w := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return body
}

func TestRunningStatus(t *testing.T) {
	tests := []struct {
		state    types.RunningState
		wantCode int
	}{
		{types.StateInit, http.StatusOK},
		{types.StateNormal, http.StatusOK},
		{types.StateReady, http.StatusOK},
		{types.StatePause, http.StatusOK},
		{types.StateAbnormal, StatusAbnormal},
	}

	f := newFixture()
	for _, tt := range tests {
		t.Run(string(tt.state), func(t *testing.T) {
			f.state.set(tt.state)
			w := f.do(t, http.MethodGet, PathRunningStatus, "", nil)
			assert.Equal(t, tt.wantCode, w.Code)
			assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
			assert.Equal(t, string(tt.state), decode(t, w)["status"])
		})
	}
}

func TestRunningStatusLearnsController(t *testing.T) {
	f := newFixture()

	f.do(t, http.MethodGet, PathRunningStatus, "", func(r *http.Request) {
		r.RemoteAddr = "10.0.0.9:51000"
	})
	assert.Equal(t, "10.0.0.9", f.controller.IP())

	f.do(t, http.MethodGet, PathRunningStatus, "", func(r *http.Request) {
		r.RemoteAddr = "10.0.0.9:51000"
		r.Header.Set("X-Forwarded-For", "10.1.1.1, 10.0.0.9")
	})
	assert.Equal(t, "10.1.1.1", f.controller.IP())

	// the node's own address is never learned
	f.do(t, http.MethodGet, PathRunningStatus, "", func(r *http.Request) {
		r.RemoteAddr = "10.0.0.5:51000"
	})
	assert.Equal(t, "10.1.1.1", f.controller.IP())

	addr, ok := f.controller.Addr()
	require.True(t, ok)
	assert.Equal(t, "10.1.1.1:1026", addr)
}

func TestCallerIP(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, PathRunningStatus, nil)
	req.RemoteAddr = "[fd00::7]:8080"
	assert.Equal(t, "fd00::7", callerIP(req))

	req.Header.Set("X-Forwarded-For", "not-an-ip")
	assert.Equal(t, "fd00::7", callerIP(req))

	req.RemoteAddr = "garbage"
	req.Header.Del("X-Forwarded-For")
	assert.Equal(t, "", callerIP(req))
}

func TestMethodNotAllowed(t *testing.T) {
	f := newFixture()

	tests := []struct {
		method string
		path   string
		allow  string
	}{
		{http.MethodPost, PathRunningStatus, http.MethodGet},
		{http.MethodGet, PathFaultCommand, http.MethodPost},
		{http.MethodPut, PathHardwareFault, http.MethodPost},
		{http.MethodDelete, PathFaultCommand, http.MethodPost},
	}
	for _, tt := range tests {
		t.Run(tt.method+" "+tt.path, func(t *testing.T) {
			w := f.do(t, tt.method, tt.path, "", nil)
			assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
			assert.Equal(t, tt.allow, w.Header().Get("Allow"))
		})
	}
	assert.Empty(t, f.commands.received)
}

func TestFaultCommand(t *testing.T) {
	f := newFixture()

	w := f.do(t, http.MethodPost, PathFaultCommand, `{"cmd": "PAUSE_ENGINE", "extraInfo": {"x": 1}, "other": true}`, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{}`, w.Body.String())
	assert.Equal(t, []types.ControllerCommand{types.CmdPauseEngine}, f.commands.received)

	f.commands.reply = types.CommandReply{Status: false, Reason: "previous CMD not finished"}
	w = f.do(t, http.MethodPost, PathFaultCommand, `{"cmd": "START_ENGINE"}`, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "previous CMD not finished", decode(t, w)["Message"])
}

func TestFaultCommandBadRequests(t *testing.T) {
	f := newFixture()

	tests := []struct {
		name string
		body string
	}{
		{name: "not json", body: "PAUSE_ENGINE"},
		{name: "unknown cmd", body: `{"cmd": "RESTART"}`},
		{name: "missing cmd", body: `{}`},
		{name: "too large", body: `{"cmd": "PAUSE_ENGINE", "pad": "` + strings.Repeat("x", maxBodyBytes) + `"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := f.do(t, http.MethodPost, PathFaultCommand, tt.body, nil)
			assert.Equal(t, http.StatusBadRequest, w.Code)
			assert.NotEmpty(t, decode(t, w)["Message"])
		})
	}
	assert.Empty(t, f.commands.received)
}

func TestHardwareFault(t *testing.T) {
	f := newFixture()

	report := `{"faultNodeInfo": [{"nodeName": " node-1 ", "faultDeviceInfo": [
		{"deviceId": 3, "deviceType": "npu", "faultLevel": "L3", "faultCodes": ["0x80E01801"]}
	]}], "switchFaultInfos": []}`
	w := f.do(t, http.MethodPost, PathHardwareFault, report, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{}`, w.Body.String())

	w = f.do(t, http.MethodPost, PathHardwareFault, `{"switchFaultInfos": []}`, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, decode(t, w)["Message"], "faultNodeInfo")

	w = f.do(t, http.MethodPost, PathHardwareFault, `{`, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestServerLifecycle(t *testing.T) {
	f := newFixture()
	errCh, err := f.server.Start(context.Background())
	require.NoError(t, err)

	addr := f.server.Addr()
	require.NotNil(t, addr)

	resp, err := http.Get("http://" + addr.String() + PathRunningStatus)
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"status": "normal"}`, string(body))

	// loopback is not the local pod IP, so it is learned
	assert.Equal(t, "127.0.0.1", f.controller.IP())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, f.server.Shutdown(ctx))

	_, open := <-errCh
	assert.False(t, open)
}

func TestListenSetsReuseAddr(t *testing.T) {
	ln, err := Listen(context.Background(), "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	raw, err := ln.(*net.TCPListener).SyscallConn()
	require.NoError(t, err)

	var value int
	var serr error
	require.NoError(t, raw.Control(func(fd uintptr) {
		value, serr = unix.GetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR)
	}))
	require.NoError(t, serr)
	assert.Equal(t, 1, value)
}

func TestListenError(t *testing.T) {
	_, err := Listen(context.Background(), "256.0.0.1:0")
	assert.Error(t, err)
}

func TestHealthServer(t *testing.T) {
	hs := NewHealthServer("127.0.0.1:0")
	require.NoError(t, hs.Start(context.Background()))
	defer hs.Shutdown(context.Background())

	base := "http://" + hs.Addr().String()

	resp, err := http.Get(base + "/metrics")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "nhm_")

	resp, err = http.Get(base + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Contains(t, []int{http.StatusOK, http.StatusServiceUnavailable}, resp.StatusCode)

	resp, err = http.Post(base+"/metrics", "text/plain", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}
