package tripwire

import (
	"context"
	"sync"
)

// Builder constructs a fresh, uninitialized adapter instance.
type Builder func() Runtime

const maxPooledPerType = 8

// Factory maps runtime types to adapter builders and pools initialized
// instances per type. Adapters that implement Resetter are reset before being
// handed out again; anything else is shut down instead of pooled.
type Factory struct {
	mu       sync.Mutex
	builders map[RuntimeType]Builder
	pools    map[RuntimeType][]Runtime
}

func NewFactory() *Factory {
	return &Factory{
		builders: make(map[RuntimeType]Builder),
		pools:    make(map[RuntimeType][]Runtime),
	}
}

// RegisterRuntime binds a runtime type to a builder. Re-registering a type
// replaces the builder and drops its pool.
func (f *Factory) RegisterRuntime(t RuntimeType, b Builder) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.builders[t] = b
	delete(f.pools, t)
}

// Supports reports whether a builder is registered for t.
func (f *Factory) Supports(t RuntimeType) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.builders[t]
	return ok
}

// Acquire returns an initialized adapter for t, reusing a pooled instance
// when one is available.
func (f *Factory) Acquire(ctx context.Context, t RuntimeType) (Runtime, error) {
	f.mu.Lock()
	builder, ok := f.builders[t]
	if !ok {
		f.mu.Unlock()
		return nil, notFound("runtime", string(t))
	}
	if pool := f.pools[t]; len(pool) > 0 {
		rt := pool[len(pool)-1]
		f.pools[t] = pool[:len(pool)-1]
		f.mu.Unlock()
		return rt, nil
	}
	f.mu.Unlock()

	rt := builder()
	if err := rt.Init(ctx); err != nil {
		return nil, NewExecError(ExecRuntime, err, "runtime %q init failed: %v", t, err)
	}
	return rt, nil
}

// Release returns an adapter to the pool. Instances that cannot be reset, or
// whose pool is full, are shut down and discarded.
func (f *Factory) Release(ctx context.Context, t RuntimeType, rt Runtime) {
	if resetter, ok := rt.(Resetter); ok {
		if err := resetter.Reset(); err == nil {
			f.mu.Lock()
			if len(f.pools[t]) < maxPooledPerType {
				f.pools[t] = append(f.pools[t], rt)
				f.mu.Unlock()
				return
			}
			f.mu.Unlock()
		}
	}
	_ = rt.Shutdown(ctx)
}

// Discard shuts an adapter down without pooling. Used when an execution
// misbehaved (deadline overrun, panic) and the instance cannot be trusted.
func (f *Factory) Discard(ctx context.Context, rt Runtime) {
	_ = rt.Shutdown(ctx)
}

// Close drains all pools, shutting every pooled instance down.
func (f *Factory) Close(ctx context.Context) {
	f.mu.Lock()
	pools := f.pools
	f.pools = make(map[RuntimeType][]Runtime)
	f.mu.Unlock()

	for _, pool := range pools {
		for _, rt := range pool {
			_ = rt.Shutdown(ctx)
		}
	}
}
