package durable

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
)

// WorkflowFunc is the body of a workflow. It is re-run from the top on
// every invocation and must be deterministic in the durable calls it makes.
type WorkflowFunc[In, Out any] func(c *Context, input In) (Out, error)

// Definition is one version of a named workflow.
type Definition struct {
	name    string
	version int
	run     func(c *Context, input json.RawMessage) (json.RawMessage, error)
}

// Define wraps a typed workflow function into a versioned definition.
// Input is decoded from, and output encoded to, JSON.
func Define[In, Out any](name string, version int, fn WorkflowFunc[In, Out]) *Definition {
	return &Definition{
		name:    name,
		version: version,
		run: func(c *Context, raw json.RawMessage) (json.RawMessage, error) {
			var input In
			if len(raw) > 0 {
				if err := json.Unmarshal(raw, &input); err != nil {
					return nil, NewStepError(ErrorTypePermanent, fmt.Sprintf("invalid workflow input: %s", err))
				}
			}
			out, err := fn(c, input)
			if err != nil {
				return nil, err
			}
			return json.Marshal(out)
		},
	}
}

// Name returns the workflow name
func (d *Definition) Name() string {
	return d.name
}

// Version returns the definition version
func (d *Definition) Version() int {
	return d.version
}

// Registry holds every registered version of every workflow. Executions
// pin the version they started with.
type Registry struct {
	mu          sync.RWMutex
	definitions map[string]map[int]*Definition
}

func NewRegistry() *Registry {
	return &Registry{definitions: map[string]map[int]*Definition{}}
}

// Register adds a definition. Registering the same name and version twice
// is an error.
func (r *Registry) Register(def *Definition) error {
	if def.name == "" {
		return fmt.Errorf("workflow name required")
	}
	if def.version < 1 {
		return fmt.Errorf("workflow %q: version must be positive", def.name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	versions, ok := r.definitions[def.name]
	if !ok {
		versions = map[int]*Definition{}
		r.definitions[def.name] = versions
	}
	if _, exists := versions[def.version]; exists {
		return fmt.Errorf("workflow %q version %d already registered", def.name, def.version)
	}
	versions[def.version] = def
	return nil
}

// Get returns a specific version of a workflow.
func (r *Registry) Get(name string, version int) (*Definition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	def, ok := r.definitions[name][version]
	return def, ok
}

// LatestVersion returns the highest registered version, or 0 when the name
// is unknown.
func (r *Registry) LatestVersion(name string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	latest := 0
	for v := range r.definitions[name] {
		if v > latest {
			latest = v
		}
	}
	return latest
}

// Names returns the registered workflow names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.definitions))
	for name := range r.definitions {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
