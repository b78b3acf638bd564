package metrics

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func resetHealth() {
	healthChecker = newHealthChecker()
}

func registerAllCritical(healthy bool) {
	UpdateComponent(ComponentHeartbeat, true, "")
	UpdateComponent(ComponentDaemon, true, "")
	UpdateComponent(ComponentAPI, healthy, "listener closed")
}

func TestUpdateComponent(t *testing.T) {
	resetHealth()

	UpdateComponent("heartbeat", true, "polling 4 engines")
	UpdateComponent("heartbeat", false, "node abnormal")

	if len(healthChecker.components) != 1 {
		t.Errorf("expected 1 component, got %d", len(healthChecker.components))
	}

	comp := healthChecker.components["heartbeat"]
	if comp.Healthy {
		t.Error("component should be unhealthy after update")
	}
	if comp.Message != "node abnormal" {
		t.Errorf("expected message 'node abnormal', got '%s'", comp.Message)
	}
}

func TestGetHealth(t *testing.T) {
	tests := []struct {
		name       string
		setup      func()
		wantStatus string
	}{
		{
			name:       "no components",
			setup:      func() {},
			wantStatus: "healthy",
		},
		{
			name:       "all healthy",
			setup:      func() { registerAllCritical(true) },
			wantStatus: "healthy",
		},
		{
			name:       "one unhealthy",
			setup:      func() { registerAllCritical(false) },
			wantStatus: "unhealthy",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resetHealth()
			SetVersion("1.2.0")
			tt.setup()

			health := GetHealth()
			if health.Status != tt.wantStatus {
				t.Errorf("expected status '%s', got '%s'", tt.wantStatus, health.Status)
			}
			if health.Version != "1.2.0" {
				t.Errorf("expected version '1.2.0', got '%s'", health.Version)
			}
		})
	}
}

func TestGetHealthComponentMessage(t *testing.T) {
	resetHealth()
	registerAllCritical(false)

	health := GetHealth()
	if health.Components[ComponentAPI] != "unhealthy: listener closed" {
		t.Errorf("unexpected api status: %s", health.Components[ComponentAPI])
	}
}

func TestGetReadiness(t *testing.T) {
	resetHealth()
	UpdateComponent(ComponentAPI, true, "")

	readiness := GetReadiness()
	if readiness.Status != "not_ready" {
		t.Errorf("expected status 'not_ready', got '%s'", readiness.Status)
	}
	if !strings.Contains(readiness.Message, "initialization") {
		t.Errorf("expected message about initialization, got '%s'", readiness.Message)
	}

	registerAllCritical(true)
	if got := GetReadiness().Status; got != "ready" {
		t.Errorf("expected status 'ready', got '%s'", got)
	}

	UpdateComponent(ComponentDaemon, false, "engine exited")
	if got := GetReadiness().Status; got != "not_ready" {
		t.Errorf("expected status 'not_ready', got '%s'", got)
	}
}

func TestOperationsMux(t *testing.T) {
	tests := []struct {
		name       string
		path       string
		healthy    bool
		wantCode   int
		wantStatus string
	}{
		{name: "health ok", path: "/health", healthy: true, wantCode: http.StatusOK, wantStatus: "healthy"},
		{name: "health failing", path: "/health", healthy: false, wantCode: http.StatusServiceUnavailable, wantStatus: "unhealthy"},
		{name: "ready", path: "/ready", healthy: true, wantCode: http.StatusOK, wantStatus: "ready"},
		{name: "not ready", path: "/ready", healthy: false, wantCode: http.StatusServiceUnavailable, wantStatus: "not_ready"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resetHealth()
			registerAllCritical(tt.healthy)

			w := httptest.NewRecorder()
			OperationsMux().ServeHTTP(w, httptest.NewRequest(http.MethodGet, tt.path, nil))

			if w.Code != tt.wantCode {
				t.Errorf("expected status %d, got %d", tt.wantCode, w.Code)
			}

			var status HealthStatus
			if err := json.NewDecoder(w.Body).Decode(&status); err != nil {
				t.Fatalf("failed to decode response: %v", err)
			}
			if status.Status != tt.wantStatus {
				t.Errorf("expected status '%s', got '%s'", tt.wantStatus, status.Status)
			}
		})
	}
}

func TestOperationsMuxMetrics(t *testing.T) {
	SetRunningState("normal")

	w := httptest.NewRecorder()
	OperationsMux().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), `nhm_running_state{state="normal"} 1`) {
		t.Error("expected running state gauge in metrics output")
	}
}
