package metrics

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func resetHealth(version string) {
	registry = NewRegistry()
	registry.version = version
	ComponentUp.Reset()
}

func registerAllCritical() {
	for _, name := range CriticalComponents {
		RegisterComponent(name, true, "")
	}
}

func TestGetHealth(t *testing.T) {
	resetHealth("1.0.0")
	RegisterComponent("store", true, "")
	RegisterComponent("runtime", true, "")

	health := GetHealth()
	assert.Equal(t, StateHealthy, health.Status)
	assert.Len(t, health.Components, 2)
	assert.Equal(t, "1.0.0", health.Version)

	UpdateComponent("runtime", false, "socket unreachable")
	health = GetHealth()
	assert.Equal(t, StateUnhealthy, health.Status)
	assert.False(t, health.Components["runtime"].Healthy)
	assert.Equal(t, "socket unreachable", health.Components["runtime"].Message)
	assert.Equal(t, 0.0, testutil.ToFloat64(ComponentUp.WithLabelValues("runtime")))
	assert.Equal(t, 1.0, testutil.ToFloat64(ComponentUp.WithLabelValues("store")))
}

func TestSinceMovesOnlyOnFlip(t *testing.T) {
	resetHealth("")
	RegisterComponent("driver", false, "startup in progress")
	first := GetHealth().Components["driver"].Since

	time.Sleep(5 * time.Millisecond)
	UpdateComponent("driver", false, "run failed")
	assert.Equal(t, first, GetHealth().Components["driver"].Since)

	time.Sleep(5 * time.Millisecond)
	UpdateComponent("driver", true, "")
	assert.True(t, GetHealth().Components["driver"].Since.After(first))
}

func TestGetReadiness(t *testing.T) {
	tests := []struct {
		name        string
		setup       func()
		want        string
		wantWaiting []string
	}{
		{
			name:  "all critical healthy",
			setup: registerAllCritical,
			want:  StateReady,
		},
		{
			name:        "driver not registered",
			setup:       func() { RegisterComponent("store", true, ""); RegisterComponent("runtime", true, "") },
			want:        StateNotReady,
			wantWaiting: []string{"driver"},
		},
		{
			name: "driver still running",
			setup: func() {
				registerAllCritical()
				UpdateComponent("driver", false, "startup in progress")
			},
			want:        StateNotReady,
			wantWaiting: []string{"driver"},
		},
		{
			name:        "nothing registered",
			setup:       func() {},
			want:        StateNotReady,
			wantWaiting: []string{"store", "runtime", "driver"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resetHealth("")
			tt.setup()
			readiness := GetReadiness()
			assert.Equal(t, tt.want, readiness.Status)
			assert.Equal(t, tt.wantWaiting, readiness.Waiting)
		})
	}
}

func TestHealthHandlers(t *testing.T) {
	tests := []struct {
		name       string
		handler    http.HandlerFunc
		setup      func()
		wantCode   int
		wantStatus string
	}{
		{name: "health ok", handler: HealthHandler(), setup: func() { RegisterComponent("store", true, "") }, wantCode: http.StatusOK, wantStatus: StateHealthy},
		{name: "health failing", handler: HealthHandler(), setup: func() { RegisterComponent("store", false, "closed") }, wantCode: http.StatusServiceUnavailable, wantStatus: StateUnhealthy},
		{name: "ready ok", handler: ReadyHandler(), setup: registerAllCritical, wantCode: http.StatusOK, wantStatus: StateReady},
		{name: "ready failing", handler: ReadyHandler(), setup: func() {}, wantCode: http.StatusServiceUnavailable, wantStatus: StateNotReady},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resetHealth("test")
			tt.setup()

			w := httptest.NewRecorder()
			tt.handler(w, httptest.NewRequest("GET", "/", nil))
			assert.Equal(t, tt.wantCode, w.Code)
			assert.Equal(t, "application/json", w.Header().Get("Content-Type"))

			var body HealthStatus
			require.NoError(t, json.NewDecoder(w.Body).Decode(&body))
			assert.Equal(t, tt.wantStatus, body.Status)
			assert.Equal(t, "test", body.Version)
		})
	}
}

func TestLivenessHandler(t *testing.T) {
	resetHealth("")

	w := httptest.NewRecorder()
	LivenessHandler()(w, httptest.NewRequest("GET", "/live", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	var response map[string]string
	require.NoError(t, json.NewDecoder(w.Body).Decode(&response))
	assert.Equal(t, "alive", response["status"])
	assert.NotEmpty(t, response["uptime"])
}

func TestComponentHealthy(t *testing.T) {
	resetHealth("")

	_, known := ComponentHealthy("driver")
	assert.False(t, known)

	RegisterComponent("driver", true, "")
	healthy, known := ComponentHealthy("driver")
	assert.True(t, known)
	assert.True(t, healthy)
}
