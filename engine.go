package tripwire

import "context"

// Runtime is the uniform contract every sandboxed engine implements.
//
// Execute receives the deadline through the ExecutionContext (it implements
// context.Context) and must self-terminate at or before it, reporting
// StatusTimeout. An adapter that keeps running past its deadline is treated
// as a fatal adapter bug by the orchestrator's supervisory timeout.
//
// Adapters must not leak state between unrelated executions. Pooled adapters
// additionally implement Resetter and are reset before reuse.
type Runtime interface {
	Init(ctx context.Context) error
	Execute(ec *ExecutionContext, limits ResourceLimits) (*ExecutionResult, error)
	Shutdown(ctx context.Context) error
}

// Resetter is implemented by adapters that can be pooled. Reset returns the
// adapter to a clean state; an error evicts the instance from the pool.
type Resetter interface {
	Reset() error
}
