package durable

import (
	"fmt"
	"strings"

	"github.com/sasha-s/go-deadlock"

	"github.com/davidroman0O/durable/internal/faults"
)

// Registry holds the code the engine can run. Names are case-insensitive;
// orchestrators may be registered per version.
type Registry struct {
	mu            deadlock.RWMutex
	orchestrators map[string]Orchestrator
	entities      map[string]Entity
	activities    map[string]Activity
}

func NewRegistry() *Registry {
	return &Registry{
		orchestrators: map[string]Orchestrator{},
		entities:      map[string]Entity{},
		activities:    map[string]Activity{},
	}
}

func orchestratorKey(name, version string) string {
	key := strings.ToLower(name)
	if version != "" {
		key += "@" + version
	}
	return key
}

func (r *Registry) AddOrchestrator(name string, fn Orchestrator) error {
	return r.AddOrchestratorVersion(name, "", fn)
}

func (r *Registry) AddOrchestratorVersion(name, version string, fn Orchestrator) error {
	if name == "" || fn == nil {
		return faults.Validation("orchestrator needs a name and a function", map[string]any{"name": name})
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	key := orchestratorKey(name, version)
	if _, ok := r.orchestrators[key]; ok {
		return faults.Validation(fmt.Sprintf("orchestrator %s is already registered", key), map[string]any{"name": name, "version": version})
	}
	r.orchestrators[key] = fn
	return nil
}

func (r *Registry) AddEntity(name string, fn Entity) error {
	if name == "" || fn == nil {
		return faults.Validation("entity needs a name and a function", map[string]any{"name": name})
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	key := strings.ToLower(name)
	if _, ok := r.entities[key]; ok {
		return faults.Validation(fmt.Sprintf("entity %s is already registered", key), map[string]any{"name": name})
	}
	r.entities[key] = fn
	return nil
}

func (r *Registry) AddActivity(name string, fn Activity) error {
	if name == "" || fn == nil {
		return faults.Validation("activity needs a name and a function", map[string]any{"name": name})
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	key := strings.ToLower(name)
	if _, ok := r.activities[key]; ok {
		return faults.Validation(fmt.Sprintf("activity %s is already registered", key), map[string]any{"name": name})
	}
	r.activities[key] = fn
	return nil
}

// Orchestrator finds the exact version first, then the unversioned one.
func (r *Registry) Orchestrator(name, version string) (Orchestrator, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if fn, ok := r.orchestrators[orchestratorKey(name, version)]; ok {
		return fn, true
	}
	fn, ok := r.orchestrators[orchestratorKey(name, "")]
	return fn, ok
}

func (r *Registry) Entity(name string) (Entity, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.entities[strings.ToLower(name)]
	return fn, ok
}

func (r *Registry) Activity(name string) (Activity, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.activities[strings.ToLower(name)]
	return fn, ok
}
