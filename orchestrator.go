package tripwire

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// DefaultSupervisoryGrace is how far past the declared deadline the
// orchestrator waits before declaring an adapter stuck and tearing it down.
const DefaultSupervisoryGrace = 250 * time.Millisecond

// Orchestrator turns fire decisions into executions: it builds the
// ExecutionContext, applies the deadline, selects an adapter through the
// factory, walks the fallback chain, and hands every final result to the
// Forward collaborator.
type Orchestrator struct {
	l         *slog.Logger
	functions *FunctionRegistry
	factory   *Factory
	forward   Forward
	tracer    trace.Tracer
	sem       chan struct{}
	grace     time.Duration
}

// OrchestratorOption customizes an Orchestrator.
type OrchestratorOption func(*Orchestrator)

// WithForward sets the outbound collaborator. Defaults to logging only.
func WithForward(f Forward) OrchestratorOption {
	return func(o *Orchestrator) { o.forward = f }
}

// WithWorkers bounds how many fire decisions execute concurrently.
func WithWorkers(n int) OrchestratorOption {
	return func(o *Orchestrator) {
		if n > 0 {
			o.sem = make(chan struct{}, n)
		}
	}
}

// WithSupervisoryGrace overrides the hard-timeout slack.
func WithSupervisoryGrace(d time.Duration) OrchestratorOption {
	return func(o *Orchestrator) {
		if d > 0 {
			o.grace = d
		}
	}
}

func NewOrchestrator(l *slog.Logger, functions *FunctionRegistry, factory *Factory, opts ...OrchestratorOption) *Orchestrator {
	o := &Orchestrator{
		l:         l,
		functions: functions,
		factory:   factory,
		tracer:    otel.Tracer("tripwire/orchestrator"),
		sem:       make(chan struct{}, 16),
		grace:     DefaultSupervisoryGrace,
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.forward == nil {
		o.forward = &LogForward{L: l}
	}
	return o
}

// Execute runs every function bound to one fire decision, sequentially and in
// declared order, and returns the final result per function (after any
// fallback chain).
func (o *Orchestrator) Execute(ctx context.Context, fire FireDecision) []*ExecutionResult {
	ctx, span := o.tracer.Start(ctx, "execute", trace.WithAttributes(
		attribute.String("trigger.id", fire.TriggerID),
		attribute.String("event.id", fire.Event.ID),
	))
	defer span.End()

	results := make([]*ExecutionResult, 0, len(fire.FunctionIDs))
	for _, fnID := range fire.FunctionIDs {
		result := o.runChain(ctx, fire, fnID)
		results = append(results, result)

		if err := o.forward.DeliverResult(ctx, fire, result); err != nil {
			o.l.ErrorContext(ctx, fmt.Sprintf("Forward delivery failed for function: %s", result.FunctionID),
				"trigger", fire.TriggerID,
				"error", err)
		}
	}
	return results
}

// ExecuteAll fans independent fire decisions out over the worker pool.
// The returned slice preserves emission order; completion order is not
// guaranteed.
func (o *Orchestrator) ExecuteAll(ctx context.Context, fires []FireDecision) [][]*ExecutionResult {
	results := make([][]*ExecutionResult, len(fires))

	var wg sync.WaitGroup
	for i, fire := range fires {
		wg.Add(1)
		o.sem <- struct{}{}
		go func(i int, fire FireDecision) {
			defer wg.Done()
			defer func() { <-o.sem }()
			results[i] = o.Execute(ctx, fire)
		}(i, fire)
	}
	wg.Wait()
	return results
}

// ForwardEvalFailures reports dispatcher-side evaluation failures to the
// forward collaborator.
func (o *Orchestrator) ForwardEvalFailures(ctx context.Context, failures []EvalFailure) {
	for _, failure := range failures {
		if err := o.forward.DeliverEvalFailure(ctx, failure); err != nil {
			o.l.ErrorContext(ctx, fmt.Sprintf("Forward delivery failed for eval failure: %s", failure.TriggerID),
				"error", err)
		}
	}
}

// runChain executes the primary function and, on Failure or Timeout, walks
// its fallback chain in declared order. Each entry is attempted at most once
// per original invocation, the first Success short-circuits, and an exhausted
// chain leaves the last failure as the final result. The original inputs are
// carried forward unchanged.
func (o *Orchestrator) runChain(ctx context.Context, fire FireDecision, fnID string) *ExecutionResult {
	attempted := map[string]bool{fnID: true}
	attempt := 1

	result := o.runOnce(ctx, fire, fnID, attempt)
	if result.Status == StatusSuccess || result.Status == StatusCancelled {
		return result
	}

	def, err := o.functions.Get(fnID)
	if err != nil {
		return result
	}

	for _, fallbackID := range def.Fallback {
		if attempted[fallbackID] {
			continue
		}
		attempted[fallbackID] = true
		attempt++

		o.l.InfoContext(ctx, fmt.Sprintf("Falling back to function: %s", fallbackID),
			"trigger", fire.TriggerID,
			"primary", fnID,
			"attempt", attempt)

		result = o.runOnce(ctx, fire, fallbackID, attempt)
		if result.Status == StatusSuccess || result.Status == StatusCancelled {
			return result
		}
	}
	return result
}

// runOnce performs a single execution attempt with deadline supervision.
func (o *Orchestrator) runOnce(ctx context.Context, fire FireDecision, fnID string, attempt int) *ExecutionResult {
	started := time.Now()

	def, err := o.functions.Get(fnID)
	if err != nil {
		return &ExecutionResult{
			FunctionID: fnID,
			Status:     StatusFailure,
			Err:        notFound("function", fnID),
			Attempt:    attempt,
		}
	}

	timeout := def.EffectiveTimeout()
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ec := NewExecutionContext(execCtx, def.ID, fire.TriggerID, fire.Event, fire.Event.Payload, def.Env)
	ec.Code = def.Code

	rt, err := o.factory.Acquire(execCtx, def.Runtime)
	if err != nil {
		return o.finish(&ExecutionResult{
			FunctionID: def.ID,
			Status:     StatusFailure,
			Err:        asExecError(err),
		}, started, attempt)
	}

	type outcome struct {
		result *ExecutionResult
		err    error
	}
	done := make(chan outcome, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: &ExecError{
					Kind:     ExecInternal,
					Severity: SeverityError,
					Message:  fmt.Sprintf("adapter panic: %v", r),
					Cause:    fmt.Errorf("%v\n%s", r, debug.Stack()),
				}}
			}
		}()
		result, execErr := rt.Execute(ec, def.Limits)
		done <- outcome{result: result, err: execErr}
	}()

	supervisor := time.NewTimer(timeout + o.grace)
	defer supervisor.Stop()

	select {
	case out := <-done:
		result := o.normalize(out.result, out.err, def.ID)
		if out.err != nil || result.Err != nil && result.Err.Kind == ExecInternal {
			// A panicking or erroring adapter instance is not returned to the pool.
			o.factory.Discard(context.WithoutCancel(ctx), rt)
		} else {
			o.factory.Release(context.WithoutCancel(ctx), def.Runtime, rt)
		}
		return o.finish(result, started, attempt)

	case <-supervisor.C:
		// The adapter blew through its deadline plus grace. Reclaim the worker
		// slot and forcibly tear the instance down; this is a fatal adapter bug.
		o.l.ErrorContext(ctx, fmt.Sprintf("Adapter ignored deadline, tearing down: %s", def.Runtime),
			"function", def.ID,
			"timeout", timeout.String())
		go func() {
			shutdownCtx, shutdownCancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			defer shutdownCancel()
			o.factory.Discard(shutdownCtx, rt)
			<-done // drain so the executor goroutine can exit
		}()
		return o.finish(&ExecutionResult{
			FunctionID: def.ID,
			Status:     StatusTimeout,
			Err: &ExecError{
				Kind:     ExecInternal,
				Severity: SeverityFatal,
				Message:  fmt.Sprintf("runtime %q did not honor its deadline (%s + %s grace)", def.Runtime, timeout, o.grace),
			},
		}, started, attempt)
	}
}

// normalize folds the adapter's (result, error) pair into a single
// ExecutionResult, mapping context errors onto Timeout/Cancelled.
func (o *Orchestrator) normalize(result *ExecutionResult, err error, fnID string) *ExecutionResult {
	if err != nil {
		status := StatusFailure
		if errors.Is(err, context.DeadlineExceeded) {
			status = StatusTimeout
		} else if errors.Is(err, context.Canceled) {
			status = StatusCancelled
		}
		return &ExecutionResult{
			FunctionID: fnID,
			Status:     status,
			Err:        asExecError(err),
		}
	}
	if result == nil {
		return &ExecutionResult{
			FunctionID: fnID,
			Status:     StatusFailure,
			Err:        NewExecError(ExecInternal, nil, "adapter returned neither result nor error"),
		}
	}
	if result.FunctionID == "" {
		result.FunctionID = fnID
	}
	return result
}

func (o *Orchestrator) finish(result *ExecutionResult, started time.Time, attempt int) *ExecutionResult {
	if result.Duration == 0 {
		result.Duration = time.Since(started)
	}
	result.Attempt = attempt
	return result
}

// asExecError coerces any error into the typed taxonomy.
func asExecError(err error) *ExecError {
	var execErr *ExecError
	if errors.As(err, &execErr) {
		return execErr
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return NewExecError(ExecTimeout, err, "execution deadline exceeded")
	case errors.Is(err, context.Canceled):
		return NewExecError(ExecRuntime, err, "execution cancelled")
	}
	return NewExecError(ExecRuntime, err, "%v", err)
}
