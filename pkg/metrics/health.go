package metrics

import (
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"time"
)

// Components reported by the handshake server
const (
	ComponentSnapshot  = "snapshot"
	ComponentHandshake = "handshake"
)

// Report statuses
const (
	StatusHealthy   = "healthy"
	StatusUnhealthy = "unhealthy"
	StatusReady     = "ready"
	StatusNotReady  = "not_ready"
)

// Report is the JSON body of the health and readiness endpoints
type Report struct {
	Status     string            `json:"status"`
	Version    string            `json:"version,omitempty"`
	Uptime     string            `json:"uptime"`
	Components map[string]string `json:"components,omitempty"`
	Message    string            `json:"message,omitempty"`
}

type component struct {
	healthy bool
	message string
}

// componentSet tracks component health. Readiness requires every component
// in required to be registered and healthy.
type componentSet struct {
	mu         sync.RWMutex
	started    time.Time
	version    string
	required   []string
	components map[string]component
}

func newComponentSet(required ...string) *componentSet {
	return &componentSet{
		started:    time.Now(),
		required:   required,
		components: make(map[string]component),
	}
}

var components = newComponentSet(ComponentSnapshot, ComponentHandshake)

func (c *componentSet) set(name string, healthy bool, message string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.components[name] = component{healthy: healthy, message: message}
}

func (c *componentSet) describe(comp component) string {
	if comp.healthy {
		return StatusHealthy
	}
	desc := StatusUnhealthy
	if comp.message != "" {
		desc += ": " + comp.message
	}
	return desc
}

func (c *componentSet) health() Report {
	c.mu.RLock()
	defer c.mu.RUnlock()

	r := Report{
		Status:     StatusHealthy,
		Version:    c.version,
		Uptime:     time.Since(c.started).Round(time.Second).String(),
		Components: make(map[string]string, len(c.components)),
	}
	for name, comp := range c.components {
		r.Components[name] = c.describe(comp)
		if !comp.healthy {
			r.Status = StatusUnhealthy
		}
	}
	return r
}

func (c *componentSet) readiness() Report {
	c.mu.RLock()
	defer c.mu.RUnlock()

	r := Report{
		Status:     StatusReady,
		Version:    c.version,
		Uptime:     time.Since(c.started).Round(time.Second).String(),
		Components: make(map[string]string, len(c.required)),
	}
	var waiting []string
	for _, name := range c.required {
		comp, ok := c.components[name]
		switch {
		case !ok:
			r.Components[name] = "not registered"
			waiting = append(waiting, name)
		case !comp.healthy:
			r.Components[name] = c.describe(comp)
			waiting = append(waiting, name)
		default:
			r.Components[name] = StatusReady
		}
	}
	if len(waiting) > 0 {
		sort.Strings(waiting)
		r.Status = StatusNotReady
		r.Message = "waiting for " + waiting[0]
	}
	return r
}

// SetVersion sets the build version shown in reports
func SetVersion(version string) {
	components.mu.Lock()
	defer components.mu.Unlock()
	components.version = version
}

// RegisterComponent records a component's initial health
func RegisterComponent(name string, healthy bool, message string) {
	components.set(name, healthy, message)
}

// UpdateComponent records a component's current health
func UpdateComponent(name string, healthy bool, message string) {
	components.set(name, healthy, message)
}

// Health reports every registered component
func Health() Report {
	return components.health()
}

// Readiness reports whether the snapshot and handshake components are up
func Readiness() Report {
	return components.readiness()
}

func writeReport(w http.ResponseWriter, ok bool, r Report) {
	w.Header().Set("Content-Type", "application/json")
	if ok {
		w.WriteHeader(http.StatusOK)
	} else {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(r)
}

// HealthHandler serves Health, with 503 when any component is unhealthy
func HealthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		r := Health()
		writeReport(w, r.Status == StatusHealthy, r)
	}
}

// ReadyHandler serves Readiness, with 503 until it is ready
func ReadyHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		r := Readiness()
		writeReport(w, r.Status == StatusReady, r)
	}
}
