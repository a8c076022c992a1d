package metrics

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"
)

// Registry counts security events and request outcomes for the
// diagnostics endpoint. Everything is in-process; the durable audit
// trail lives in pkg/audit.
type Registry struct {
	mu       sync.RWMutex
	events   map[string]int64
	outcomes map[string]int64
	gauges   map[string]float64
}

type Snapshot struct {
	GeneratedAt string             `json:"generated_at"`
	Events      map[string]int64   `json:"events"`
	Outcomes    map[string]int64   `json:"outcomes"`
	Gauges      map[string]float64 `json:"gauges"`
}

func NewRegistry() *Registry {
	return &Registry{
		events:   map[string]int64{},
		outcomes: map[string]int64{},
		gauges:   map[string]float64{},
	}
}

func (r *Registry) IncEvent(event string) {
	r.mu.Lock()
	r.events[event]++
	r.mu.Unlock()
}

func (r *Registry) IncOutcome(outcome string) {
	r.mu.Lock()
	r.outcomes[outcome]++
	r.mu.Unlock()
}

func (r *Registry) SetGauge(name string, value float64) {
	r.mu.Lock()
	r.gauges[name] = value
	r.mu.Unlock()
}

func (r *Registry) Snapshot() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	snap := Snapshot{
		GeneratedAt: time.Now().UTC().Format(time.RFC3339),
		Events:      map[string]int64{},
		Outcomes:    map[string]int64{},
		Gauges:      map[string]float64{},
	}
	for k, v := range r.events {
		snap.Events[k] = v
	}
	for k, v := range r.outcomes {
		snap.Outcomes[k] = v
	}
	for k, v := range r.gauges {
		snap.Gauges[k] = v
	}
	return snap
}

func (r *Registry) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(r.Snapshot())
	}
}
