package integration

import (
	"sort"
	"sync"

	"github.com/pranaflow/prana/internal/shared/errs"
	"github.com/pranaflow/prana/internal/workflow"
)

// ActionDescriptor binds a namespaced action id to its implementation and
// declared ports.
type ActionDescriptor struct {
	// Name is the namespaced id nodes reference, like "http.request".
	Name        string
	DisplayName string
	Kind        ActionKind

	Action Action

	InputPorts  []string
	OutputPorts []string

	ParamsSchema map[string]interface{}
}

// DynamicOutput reports whether the action may emit any port.
func (d *ActionDescriptor) DynamicOutput() bool {
	return len(d.OutputPorts) == 1 && d.OutputPorts[0] == workflow.DynamicPorts
}

// AllowsPort reports whether the action may emit the given port.
func (d *ActionDescriptor) AllowsPort(port string) bool {
	if d.DynamicOutput() {
		return true
	}
	for _, p := range d.OutputPorts {
		if p == port {
			return true
		}
	}
	return false
}

// DefaultSuccessPort is "main" when declared, else the first declared
// port, else "main".
func (d *ActionDescriptor) DefaultSuccessPort() string {
	for _, p := range d.OutputPorts {
		if p == workflow.DefaultPort {
			return p
		}
	}
	if len(d.OutputPorts) > 0 && !d.DynamicOutput() {
		return d.OutputPorts[0]
	}
	return workflow.DefaultPort
}

// DefaultErrorPort is "error" when declared, else "failure" when declared,
// else "error".
func (d *ActionDescriptor) DefaultErrorPort() string {
	declared := func(port string) bool {
		for _, p := range d.OutputPorts {
			if p == port {
				return true
			}
		}
		return false
	}
	if declared("error") {
		return "error"
	}
	if declared("failure") {
		return "failure"
	}
	return "error"
}

// Integration is a named set of actions registered together.
type Integration struct {
	Name        string
	DisplayName string
	Description string
	Actions     []ActionDescriptor
}

// Registry maps action type ids to descriptors. Mutations are exclusive;
// lookups are concurrent-safe. It carries no per-execution state.
type Registry struct {
	mu           sync.RWMutex
	integrations map[string]*Integration
	actions      map[string]*ActionDescriptor
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		integrations: make(map[string]*Integration),
		actions:      make(map[string]*ActionDescriptor),
	}
}

var globalRegistry = NewRegistry()

// Global returns the process-wide registry instance.
func Global() *Registry {
	return globalRegistry
}

// Register adds an integration and indexes its actions. Re-registering an
// existing integration fails; use Replace for that.
func (r *Registry) Register(integ *Integration) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.integrations[integ.Name]; exists {
		return errs.Newf(errs.CodeDuplicateIntegration, "integration %q already registered", integ.Name).
			WithDetail("integration", integ.Name)
	}
	return r.index(integ)
}

// Replace registers an integration, overwriting a previous registration
// with the same name.
func (r *Registry) Replace(integ *Integration) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.integrations[integ.Name]; ok {
		r.dropActions(existing)
		delete(r.integrations, integ.Name)
	}
	return r.index(integ)
}

// index assumes the write lock is held.
func (r *Registry) index(integ *Integration) error {
	for i := range integ.Actions {
		action := &integ.Actions[i]
		if action.Name == "" {
			return errs.Newf(errs.CodeRegistryError, "integration %q declares an action without a name", integ.Name)
		}
		if action.Action == nil {
			return errs.Newf(errs.CodeRegistryError, "action %q has no implementation", action.Name).
				WithDetail("action", action.Name)
		}
		if owner, taken := r.actions[action.Name]; taken {
			return errs.Newf(errs.CodeRegistryError, "action %q already provided by another integration", action.Name).
				WithDetail("action", action.Name).
				WithDetail("existing", owner.Name)
		}
	}
	r.integrations[integ.Name] = integ
	for i := range integ.Actions {
		r.actions[integ.Actions[i].Name] = &integ.Actions[i]
	}
	return nil
}

func (r *Registry) dropActions(integ *Integration) {
	for i := range integ.Actions {
		delete(r.actions, integ.Actions[i].Name)
	}
}

// Unregister removes an integration and its actions.
func (r *Registry) Unregister(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	integ, ok := r.integrations[name]
	if !ok {
		return errs.Newf(errs.CodeNotFound, "integration %q not registered", name).
			WithDetail("integration", name)
	}
	r.dropActions(integ)
	delete(r.integrations, name)
	return nil
}

// GetActionByType resolves a namespaced action id.
func (r *Registry) GetActionByType(actionType string) (*ActionDescriptor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	action, ok := r.actions[actionType]
	if !ok {
		return nil, errs.Newf(errs.CodeActionNotFound, "action type %q not registered", actionType).
			WithDetail("action_type", actionType)
	}
	return action, nil
}

// ListIntegrations returns the registered integration names, sorted.
func (r *Registry) ListIntegrations() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.integrations))
	for name := range r.integrations {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ListActions returns the action descriptors of one integration, sorted by
// name.
func (r *Registry) ListActions(integrationName string) ([]ActionDescriptor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	integ, ok := r.integrations[integrationName]
	if !ok {
		return nil, errs.Newf(errs.CodeNotFound, "integration %q not registered", integrationName).
			WithDetail("integration", integrationName)
	}
	actions := make([]ActionDescriptor, len(integ.Actions))
	copy(actions, integ.Actions)
	sort.Slice(actions, func(i, j int) bool { return actions[i].Name < actions[j].Name })
	return actions, nil
}

// LookupPorts implements workflow.PortResolver so compiled workflows
// validate connection ports against declared action ports.
func (r *Registry) LookupPorts(actionType string) (workflow.ActionPorts, error) {
	action, err := r.GetActionByType(actionType)
	if err != nil {
		return workflow.ActionPorts{}, err
	}
	return workflow.ActionPorts{Input: action.InputPorts, Output: action.OutputPorts}, nil
}

// Health reports registry liveness and size.
func (r *Registry) Health() map[string]interface{} {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return map[string]interface{}{
		"status":       "healthy",
		"integrations": len(r.integrations),
		"actions":      len(r.actions),
	}
}
