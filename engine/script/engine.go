// Package script executes function code in the Risor scripting language.
// WithoutDefaultGlobals removes os/exec/file builtins, so scripts see only
// the globals injected from the execution context.
package script

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/risor-io/risor"
	"github.com/risor-io/risor/object"

	"github.com/BDNK1/tripwire"
)

// Engine runs Risor scripts. The Risor VM checks its context during
// execution, so deadline and cancellation propagate natively through the
// ExecutionContext.
type Engine struct{}

// Register wires the engine into a factory under the script runtime type.
func Register(f *tripwire.Factory) {
	f.RegisterRuntime(tripwire.RuntimeScript, func() tripwire.Runtime { return New() })
}

func New() *Engine { return &Engine{} }

func (e *Engine) Init(ctx context.Context) error { return nil }

func (e *Engine) Shutdown(ctx context.Context) error { return nil }

func (e *Engine) Reset() error { return nil }

// Execute evaluates the script with the execution inputs as globals plus
// `env`, `meta`, and a sprintf helper. A map result becomes the outputs.
func (e *Engine) Execute(ec *tripwire.ExecutionContext, limits tripwire.ResourceLimits) (*tripwire.ExecutionResult, error) {
	started := time.Now()

	globals := make(map[string]any, len(ec.Inputs)+3)
	for k, v := range ec.Inputs {
		globals[k] = v
	}
	envScope := make(map[string]any, len(ec.Env))
	for k, v := range ec.Env {
		envScope[k] = v
	}
	globals["env"] = envScope
	globals["meta"] = ec.Metadata()
	globals["sprintf"] = object.NewBuiltin("sprintf", func(ctx context.Context, args ...object.Object) object.Object {
		if len(args) == 0 {
			return object.NewString("")
		}
		format, ok := args[0].(*object.String)
		if !ok {
			return object.NewError(fmt.Errorf("sprintf expects a format string, got %s", args[0].Type()))
		}
		goArgs := make([]any, 0, len(args)-1)
		for _, arg := range args[1:] {
			goArgs = append(goArgs, objectToGo(arg))
		}
		return object.NewString(fmt.Sprintf(format.Value(), goArgs...))
	})

	result, err := risor.Eval(ec, ec.Code,
		risor.WithoutDefaultGlobals(),
		risor.WithGlobals(globals),
	)
	if err != nil {
		return errorResult(ec, err, started), nil
	}

	return &tripwire.ExecutionResult{
		Status:   tripwire.StatusSuccess,
		Outputs:  toOutputs(objectToGo(result)),
		Duration: time.Since(started),
	}, nil
}

func errorResult(ec *tripwire.ExecutionContext, err error, started time.Time) *tripwire.ExecutionResult {
	duration := time.Since(started)

	// Context cancellation/deadline must stay timeout-classified so the
	// fallback policy sees StatusTimeout, not a generic failure.
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ec.Err(), context.DeadlineExceeded) {
		return &tripwire.ExecutionResult{
			Status:   tripwire.StatusTimeout,
			Err:      tripwire.NewExecError(tripwire.ExecTimeout, err, "script deadline exceeded"),
			Duration: duration,
		}
	}
	if errors.Is(err, context.Canceled) || errors.Is(ec.Err(), context.Canceled) {
		return &tripwire.ExecutionResult{
			Status:   tripwire.StatusCancelled,
			Err:      tripwire.NewExecError(tripwire.ExecRuntime, err, "script cancelled"),
			Duration: duration,
		}
	}
	return &tripwire.ExecutionResult{
		Status:   tripwire.StatusFailure,
		Err:      tripwire.NewExecError(tripwire.ExecRuntime, err, "script failed: %v", err),
		Duration: duration,
	}
}

func toOutputs(value any) map[string]any {
	if m, ok := value.(map[string]any); ok {
		return m
	}
	return map[string]any{"value": value}
}

// objectToGo recursively converts a Risor object.Object to a native Go value.
func objectToGo(obj object.Object) any {
	if obj == nil {
		return nil
	}

	switch o := obj.(type) {
	case *object.Map:
		goMap := make(map[string]any)
		for k, v := range o.Value() {
			goMap[k] = objectToGo(v)
		}
		return goMap
	case *object.List:
		items := o.Value()
		goSlice := make([]any, len(items))
		for i, v := range items {
			goSlice[i] = objectToGo(v)
		}
		return goSlice
	case *object.NilType:
		return nil
	default:
		// For String, Int, Float, Bool, etc. — Interface() returns the native Go value
		return obj.Interface()
	}
}
