// Package dsl executes function code written as expr-lang expressions.
// It is the cheapest engine: pure in-memory evaluation over the execution
// inputs, with programs compiled once and cached by source.
package dsl

import (
	"context"
	"encoding/base64"
	"sync"
	"time"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/BDNK1/tripwire"
)

// Custom expression functions available to all functions
var exprFunctions = []expr.Option{
	expr.Function("base64_encode", func(params ...any) (any, error) {
		s, _ := params[0].(string)
		return base64.StdEncoding.EncodeToString([]byte(s)), nil
	}),
	expr.Function("base64_decode", func(params ...any) (any, error) {
		s, _ := params[0].(string)
		decoded, err := base64.StdEncoding.DecodeString(s)
		if err != nil {
			return "", err
		}
		return string(decoded), nil
	}),
}

// Engine evaluates expr-lang programs. Stateless between executions except
// for the compiled-program cache, which is keyed by source text and therefore
// safe to share.
type Engine struct {
	mu       sync.Mutex
	programs map[string]*vm.Program
}

// Register wires the engine into a factory under the dsl runtime type.
func Register(f *tripwire.Factory) {
	f.RegisterRuntime(tripwire.RuntimeDSL, func() tripwire.Runtime { return New() })
}

func New() *Engine {
	return &Engine{programs: make(map[string]*vm.Program)}
}

func (e *Engine) Init(ctx context.Context) error { return nil }

func (e *Engine) Shutdown(ctx context.Context) error { return nil }

// Reset is a no-op; the program cache carries no per-execution state.
func (e *Engine) Reset() error { return nil }

// Execute compiles (or reuses) the program and runs it against the execution
// inputs. The expression sees the inputs at top level plus `env` and `meta`
// scopes. A map result becomes the outputs; any other value is wrapped under
// "value".
func (e *Engine) Execute(ec *tripwire.ExecutionContext, limits tripwire.ResourceLimits) (*tripwire.ExecutionResult, error) {
	started := time.Now()

	program, err := e.compile(ec.Code)
	if err != nil {
		return &tripwire.ExecutionResult{
			Status:   tripwire.StatusFailure,
			Err:      tripwire.NewExecError(tripwire.ExecValidation, err, "expression compile failed: %v", err),
			Duration: time.Since(started),
		}, nil
	}

	scope := map[string]any{}
	for k, v := range ec.Inputs {
		scope[k] = v
	}
	scope["env"] = toAnyMap(ec.Env)
	scope["meta"] = ec.Metadata()

	// expr programs cannot be interrupted mid-run, so the deadline is applied
	// around the evaluation. The orchestrator's supervisory timeout remains
	// the backstop for pathological programs.
	type outcome struct {
		value any
		err   error
	}
	done := make(chan outcome, 1)
	go func() {
		value, runErr := expr.Run(program, scope)
		done <- outcome{value: value, err: runErr}
	}()

	select {
	case <-ec.Done():
		return timeoutResult(ec, started), nil
	case out := <-done:
		if out.err != nil {
			return &tripwire.ExecutionResult{
				Status:   tripwire.StatusFailure,
				Err:      tripwire.NewExecError(tripwire.ExecRuntime, out.err, "expression failed: %v", out.err),
				Duration: time.Since(started),
			}, nil
		}
		return &tripwire.ExecutionResult{
			Status:   tripwire.StatusSuccess,
			Outputs:  toOutputs(out.value),
			Duration: time.Since(started),
		}, nil
	}
}

func (e *Engine) compile(code string) (*vm.Program, error) {
	e.mu.Lock()
	program, ok := e.programs[code]
	e.mu.Unlock()
	if ok {
		return program, nil
	}

	opts := []expr.Option{expr.AllowUndefinedVariables()}
	opts = append(opts, exprFunctions...)
	program, err := expr.Compile(code, opts...)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	e.programs[code] = program
	e.mu.Unlock()
	return program, nil
}

func timeoutResult(ec *tripwire.ExecutionContext, started time.Time) *tripwire.ExecutionResult {
	status := tripwire.StatusTimeout
	kind := tripwire.ExecTimeout
	if ec.Err() == context.Canceled {
		status = tripwire.StatusCancelled
		kind = tripwire.ExecRuntime
	}
	return &tripwire.ExecutionResult{
		Status:   status,
		Err:      tripwire.NewExecError(kind, ec.Err(), "expression evaluation stopped: %v", ec.Err()),
		Duration: time.Since(started),
	}
}

func toOutputs(value any) map[string]any {
	if m, ok := value.(map[string]any); ok {
		return m
	}
	return map[string]any{"value": value}
}

func toAnyMap(m map[string]string) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
