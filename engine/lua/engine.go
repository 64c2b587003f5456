// Package lua executes functions in a sandboxed gopher-lua interpreter.
// Only the base, table, string, and math libraries are opened — no os, io,
// or package access. Interpreter states are pooled per resource-limit class
// and each chunk runs inside a fresh environment table, so executions cannot
// observe each other's globals. States are bound to the execution context, so
// deadlines interrupt running chunks cooperatively on instruction boundaries.
package lua

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	glua "github.com/yuin/gopher-lua"

	"github.com/BDNK1/tripwire"
)

const maxPooledStates = 8

// Engine runs Lua chunks. Inputs are exposed as the `input` table, the
// allow-listed environment as `env`, and invocation metadata as `meta`.
// The chunk's return value (a table) becomes the outputs.
type Engine struct {
	mu    sync.Mutex
	pools map[int][]*glua.LState
}

// Register wires the engine into a factory under the lua runtime type.
func Register(f *tripwire.Factory) {
	f.RegisterRuntime(tripwire.RuntimeLua, func() tripwire.Runtime { return New() })
}

func New() *Engine {
	return &Engine{pools: make(map[int][]*glua.LState)}
}

func (e *Engine) Init(ctx context.Context) error { return nil }

// Reset is a no-op; pooled states are wiped on release, not on engine reuse.
func (e *Engine) Reset() error { return nil }

// Shutdown closes every pooled interpreter state.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	pools := e.pools
	e.pools = make(map[int][]*glua.LState)
	e.mu.Unlock()

	for _, pool := range pools {
		for _, L := range pool {
			L.Close()
		}
	}
	return nil
}

func (e *Engine) Execute(ec *tripwire.ExecutionContext, limits tripwire.ResourceLimits) (*tripwire.ExecutionResult, error) {
	started := time.Now()

	opts := stateOptions(limits)
	L := e.acquireState(opts)
	L.SetContext(ec)

	fn, err := L.LoadString(ec.Code)
	if err != nil {
		L.Close()
		return &tripwire.ExecutionResult{
			Status:   tripwire.StatusFailure,
			Err:      tripwire.NewExecError(tripwire.ExecValidation, err, "lua: chunk compile failed: %v", err),
			Duration: time.Since(started),
		}, nil
	}

	// A fresh environment table per execution: chunk writes land here and are
	// discarded, reads fall through to the sandboxed libraries.
	scope := L.NewTable()
	lookup := L.NewTable()
	lookup.RawSetString("__index", L.Get(glua.GlobalsIndex))
	L.SetMetatable(scope, lookup)
	scope.RawSetString("input", goToLua(L, ec.Inputs))
	scope.RawSetString("env", stringMapToLua(L, ec.Env))
	scope.RawSetString("meta", goToLua(L, ec.Metadata()))
	L.SetFEnv(fn, scope)

	L.Push(fn)
	if err := L.PCall(0, glua.MultRet, nil); err != nil {
		// An interrupted or erroring state is not returned to the pool.
		L.Close()
		return classifyError(ec, err, started), nil
	}

	outputs := map[string]any{}
	if L.GetTop() > 0 {
		value := luaToGo(L.Get(-1))
		if m, ok := value.(map[string]any); ok {
			outputs = m
		} else if value != nil {
			outputs = map[string]any{"value": value}
		}
	}

	e.releaseState(opts.RegistryMaxSize, L)

	return &tripwire.ExecutionResult{
		Status:   tripwire.StatusSuccess,
		Outputs:  outputs,
		Duration: time.Since(started),
		Usage:    tripwire.ResourceUsage{CPUTime: time.Since(started)},
	}, nil
}

// acquireState reuses a pooled state sized for these limits, or builds one.
func (e *Engine) acquireState(opts glua.Options) *glua.LState {
	e.mu.Lock()
	if pool := e.pools[opts.RegistryMaxSize]; len(pool) > 0 {
		L := pool[len(pool)-1]
		e.pools[opts.RegistryMaxSize] = pool[:len(pool)-1]
		e.mu.Unlock()
		return L
	}
	e.mu.Unlock()

	L := glua.NewState(opts)
	openSandboxedLibs(L)
	return L
}

// releaseState wipes per-execution state and pools the interpreter for reuse.
func (e *Engine) releaseState(key int, L *glua.LState) {
	L.RemoveContext()
	L.SetTop(0)

	e.mu.Lock()
	if len(e.pools[key]) < maxPooledStates {
		e.pools[key] = append(e.pools[key], L)
		e.mu.Unlock()
		return
	}
	e.mu.Unlock()
	L.Close()
}

// stateOptions sizes the interpreter registry from the memory limit. The
// registry cap is an approximation — gopher-lua has no byte-exact metering —
// but a breached cap surfaces as a registry overflow error, which is mapped
// to ResourceExceeded below.
func stateOptions(limits tripwire.ResourceLimits) glua.Options {
	opts := glua.Options{
		SkipOpenLibs:        true,
		CallStackSize:       128,
		RegistrySize:        1024 * 8,
		RegistryGrowStep:    32,
		MinimizeStackMemory: true,
	}
	if limits.MaxMemoryBytes > 0 {
		// Roughly 32 bytes per registry slot.
		maxSlots := int(limits.MaxMemoryBytes / 32)
		if maxSlots < opts.RegistrySize {
			opts.RegistrySize = maxSlots
		}
		opts.RegistryMaxSize = maxSlots
	}
	return opts
}

func openSandboxedLibs(L *glua.LState) {
	for _, lib := range []struct {
		name string
		fn   glua.LGFunction
	}{
		{glua.BaseLibName, glua.OpenBase},
		{glua.TabLibName, glua.OpenTable},
		{glua.StringLibName, glua.OpenString},
		{glua.MathLibName, glua.OpenMath},
	} {
		L.Push(L.NewFunction(lib.fn))
		L.Push(glua.LString(lib.name))
		L.Call(1, 0)
	}
}

func classifyError(ec *tripwire.ExecutionContext, err error, started time.Time) *tripwire.ExecutionResult {
	duration := time.Since(started)

	if errors.Is(ec.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		return &tripwire.ExecutionResult{
			Status:   tripwire.StatusTimeout,
			Err:      tripwire.NewExecError(tripwire.ExecTimeout, err, "lua: execution deadline exceeded"),
			Duration: duration,
		}
	}
	if errors.Is(ec.Err(), context.Canceled) {
		return &tripwire.ExecutionResult{
			Status:   tripwire.StatusCancelled,
			Err:      tripwire.NewExecError(tripwire.ExecRuntime, err, "lua: execution cancelled"),
			Duration: duration,
		}
	}

	var apiErr *glua.ApiError
	if errors.As(err, &apiErr) && apiErr.Type == glua.ApiErrorPanic {
		return &tripwire.ExecutionResult{
			Status:   tripwire.StatusFailure,
			Err:      tripwire.NewExecError(tripwire.ExecResourceExceeded, err, "lua: interpreter limit exceeded: %v", err),
			Duration: duration,
		}
	}
	return &tripwire.ExecutionResult{
		Status:   tripwire.StatusFailure,
		Err:      tripwire.NewExecError(tripwire.ExecRuntime, err, "lua: execution failed: %v", err),
		Duration: duration,
	}
}

// goToLua converts a Go value into its Lua representation.
func goToLua(L *glua.LState, v any) glua.LValue {
	switch t := v.(type) {
	case nil:
		return glua.LNil
	case bool:
		return glua.LBool(t)
	case string:
		return glua.LString(t)
	case int:
		return glua.LNumber(t)
	case int32:
		return glua.LNumber(t)
	case int64:
		return glua.LNumber(t)
	case uint64:
		return glua.LNumber(t)
	case float32:
		return glua.LNumber(t)
	case float64:
		return glua.LNumber(t)
	case time.Time:
		return glua.LString(t.Format(time.RFC3339Nano))
	case map[string]any:
		table := L.NewTable()
		for k, val := range t {
			table.RawSetString(k, goToLua(L, val))
		}
		return table
	case []any:
		table := L.NewTable()
		for i, val := range t {
			table.RawSetInt(i+1, goToLua(L, val))
		}
		return table
	default:
		return glua.LString(fmt.Sprintf("%v", t))
	}
}

func stringMapToLua(L *glua.LState, m map[string]string) glua.LValue {
	table := L.NewTable()
	for k, v := range m {
		table.RawSetString(k, glua.LString(v))
	}
	return table
}

// luaToGo converts a Lua value back into a native Go value. Tables with only
// sequential integer keys become slices, everything else becomes a map.
func luaToGo(v glua.LValue) any {
	switch t := v.(type) {
	case *glua.LNilType:
		return nil
	case glua.LBool:
		return bool(t)
	case glua.LString:
		return string(t)
	case glua.LNumber:
		return float64(t)
	case *glua.LTable:
		maxN := t.MaxN()
		if maxN > 0 && t.Len() == maxN {
			slice := make([]any, 0, maxN)
			for i := 1; i <= maxN; i++ {
				slice = append(slice, luaToGo(t.RawGetInt(i)))
			}
			return slice
		}
		m := make(map[string]any)
		t.ForEach(func(key, value glua.LValue) {
			m[fmt.Sprintf("%v", key)] = luaToGo(value)
		})
		return m
	default:
		return fmt.Sprintf("%v", t)
	}
}
