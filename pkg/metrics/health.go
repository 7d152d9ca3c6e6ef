package metrics

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Health and readiness states served by the probe endpoints
const (
	StateHealthy   = "healthy"
	StateUnhealthy = "unhealthy"
	StateReady     = "ready"
	StateNotReady  = "not_ready"
)

// CriticalComponents must be registered and healthy before the daemon
// reports ready: the run history database, the container runtime and the
// startup driver, which turns healthy once a run has completed.
var CriticalComponents = []string{"store", "runtime", "driver"}

// ComponentUp mirrors the registry for scrapes
var ComponentUp = prometheus.NewGaugeVec(
	prometheus.GaugeOpts{
		Name: "overwatch_component_up",
		Help: "Whether a daemon component reports healthy (1) or not (0)",
	},
	[]string{"component"},
)

func init() {
	prometheus.MustRegister(ComponentUp)
}

// ComponentReport is the last state a component recorded
type ComponentReport struct {
	Healthy bool      `json:"healthy"`
	Message string    `json:"message,omitempty"`
	Since   time.Time `json:"since"`
}

// HealthStatus is the body of /health and /ready
type HealthStatus struct {
	Status     string                     `json:"status"`
	Timestamp  time.Time                  `json:"timestamp"`
	Components map[string]ComponentReport `json:"components,omitempty"`
	Waiting    []string                   `json:"waiting,omitempty"`
	Version    string                     `json:"version,omitempty"`
	Uptime     string                     `json:"uptime"`
}

// Registry holds the self-reported state of daemon components
type Registry struct {
	mu         sync.RWMutex
	components map[string]ComponentReport
	started    time.Time
	version    string
}

// NewRegistry returns an empty registry whose uptime starts now
func NewRegistry() *Registry {
	return &Registry{components: make(map[string]ComponentReport), started: time.Now()}
}

var registry = NewRegistry()

// SetVersion sets the version string for health responses
func SetVersion(version string) {
	registry.mu.Lock()
	defer registry.mu.Unlock()
	registry.version = version
}

// RegisterComponent records a component's state. Since only moves when the
// healthy flag flips.
func RegisterComponent(name string, healthy bool, message string) {
	registry.mu.Lock()
	defer registry.mu.Unlock()

	prev, ok := registry.components[name]
	since := time.Now()
	if ok && prev.Healthy == healthy {
		since = prev.Since
	}
	registry.components[name] = ComponentReport{Healthy: healthy, Message: message, Since: since}

	up := 0.0
	if healthy {
		up = 1
	}
	ComponentUp.WithLabelValues(name).Set(up)
}

// UpdateComponent is RegisterComponent for components already known
func UpdateComponent(name string, healthy bool, message string) {
	RegisterComponent(name, healthy, message)
}

// ComponentHealthy reports the last recorded state of a component
func ComponentHealthy(name string) (healthy, known bool) {
	registry.mu.RLock()
	defer registry.mu.RUnlock()
	c, ok := registry.components[name]
	return c.Healthy, ok
}

// GetHealth is unhealthy when any registered component is
func GetHealth() HealthStatus {
	registry.mu.RLock()
	defer registry.mu.RUnlock()

	st := registry.status(StateHealthy)
	for name, c := range registry.components {
		st.Components[name] = c
		if !c.Healthy {
			st.Status = StateUnhealthy
		}
	}
	return st
}

// GetReadiness is ready once every critical component is registered and
// healthy. Waiting lists the ones that are not, in order.
func GetReadiness() HealthStatus {
	registry.mu.RLock()
	defer registry.mu.RUnlock()

	st := registry.status(StateReady)
	for _, name := range CriticalComponents {
		c, ok := registry.components[name]
		if ok {
			st.Components[name] = c
		}
		if !ok || !c.Healthy {
			st.Waiting = append(st.Waiting, name)
		}
	}
	if len(st.Waiting) > 0 {
		st.Status = StateNotReady
	}
	return st
}

func (r *Registry) status(initial string) HealthStatus {
	return HealthStatus{
		Status:     initial,
		Timestamp:  time.Now().UTC(),
		Components: make(map[string]ComponentReport),
		Version:    r.version,
		Uptime:     time.Since(r.started).Round(time.Second).String(),
	}
}

func writeStatus(w http.ResponseWriter, ok bool, body any) {
	w.Header().Set("Content-Type", "application/json")
	if ok {
		w.WriteHeader(http.StatusOK)
	} else {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(body)
}

// HealthHandler serves GetHealth, 503 when unhealthy
func HealthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		st := GetHealth()
		writeStatus(w, st.Status == StateHealthy, st)
	}
}

// ReadyHandler serves GetReadiness, 503 until ready
func ReadyHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		st := GetReadiness()
		writeStatus(w, st.Status == StateReady, st)
	}
}

// LivenessHandler answers 200 while the process can serve HTTP at all
func LivenessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		registry.mu.RLock()
		uptime := time.Since(registry.started).Round(time.Second).String()
		registry.mu.RUnlock()
		writeStatus(w, true, map[string]string{"status": "alive", "uptime": uptime})
	}
}
