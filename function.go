package tripwire

import (
	"sync"
	"time"
)

// RuntimeType selects the sandboxed engine a function runs in.
type RuntimeType string

const (
	RuntimeDSL    RuntimeType = "dsl"
	RuntimeWASM   RuntimeType = "wasm"
	RuntimeScript RuntimeType = "script"
	RuntimeLua    RuntimeType = "lua"
)

// FunctionDefinition is a registered unit of executable logic plus its
// execution policy. Code holds the program source (or raw module bytes for
// WASM); the loader resolves file: references before registration.
type FunctionDefinition struct {
	ID           string         `json:"id"`
	Runtime      RuntimeType    `json:"runtime"`
	Code         string         `json:"code"`
	InputSchema  map[string]any `json:"input_schema,omitempty"`
	OutputSchema map[string]any `json:"output_schema,omitempty"`
	Timeout      time.Duration  `json:"timeout"`
	Env          map[string]string `json:"env,omitempty"`      // allow-list; only these keys reach the runtime
	Fallback     []string          `json:"fallback,omitempty"` // ordered chain, each entry attempted at most once
	Limits       ResourceLimits    `json:"limits"`
}

// DefaultFunctionTimeout applies when a definition declares none.
const DefaultFunctionTimeout = 5 * time.Second

// FunctionRegistry holds function definitions by id. Mutations are
// serialized; reload follows the same validate-then-swap contract as the
// trigger registry.
type FunctionRegistry struct {
	mu      sync.RWMutex
	defs    map[string]FunctionDefinition
	factory *Factory
}

func NewFunctionRegistry(factory *Factory) *FunctionRegistry {
	return &FunctionRegistry{
		defs:    make(map[string]FunctionDefinition),
		factory: factory,
	}
}

// Register adds a single definition. Fallback references are resolved against
// already-registered functions plus the one being added.
func (r *FunctionRegistry) Register(def FunctionDefinition) error {
	if err := r.validate(def); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.defs[def.ID]; exists {
		return validationError("function %q already registered", def.ID)
	}
	for _, fb := range def.Fallback {
		if _, exists := r.defs[fb]; !exists && fb != def.ID {
			return validationError("function %q: fallback %q not registered", def.ID, fb)
		}
	}
	r.defs[def.ID] = def
	return nil
}

// Unregister removes a definition by id.
func (r *FunctionRegistry) Unregister(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.defs[id]; !exists {
		return notFound("function", id)
	}
	delete(r.defs, id)
	return nil
}

// Get returns the definition for id.
func (r *FunctionRegistry) Get(id string) (FunctionDefinition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	def, exists := r.defs[id]
	if !exists {
		return FunctionDefinition{}, notFound("function", id)
	}
	return def, nil
}

// Reload atomically replaces the whole definition set. Any invalid
// definition, duplicate id, or dangling fallback reference rejects the reload
// and keeps the prior set.
func (r *FunctionRegistry) Reload(defs []FunctionDefinition) error {
	next := make(map[string]FunctionDefinition, len(defs))
	for _, def := range defs {
		if err := r.validate(def); err != nil {
			return err
		}
		if _, dup := next[def.ID]; dup {
			return validationError("duplicate function id %q in reload", def.ID)
		}
		next[def.ID] = def
	}
	for _, def := range defs {
		for _, fb := range def.Fallback {
			if _, exists := next[fb]; !exists {
				return validationError("function %q: fallback %q not in reload set", def.ID, fb)
			}
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.defs = next
	return nil
}

func (r *FunctionRegistry) validate(def FunctionDefinition) error {
	if def.ID == "" {
		return validationError("function id is required")
	}
	if def.Code == "" {
		return validationError("function %q: code is required", def.ID)
	}
	if def.Timeout < 0 {
		return validationError("function %q: timeout cannot be negative", def.ID)
	}
	if r.factory != nil && !r.factory.Supports(def.Runtime) {
		return validationError("function %q: unknown runtime %q", def.ID, def.Runtime)
	}
	return nil
}

// EffectiveTimeout folds MaxCPU into the declared timeout: the adapter
// enforces CPU time through the same deadline mechanism.
func (def FunctionDefinition) EffectiveTimeout() time.Duration {
	timeout := def.Timeout
	if timeout <= 0 {
		timeout = DefaultFunctionTimeout
	}
	if def.Limits.MaxCPU > 0 && def.Limits.MaxCPU < timeout {
		timeout = def.Limits.MaxCPU
	}
	return timeout
}
