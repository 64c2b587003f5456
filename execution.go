package tripwire

import (
	"context"
	"time"

	"github.com/google/uuid"
)

var _ context.Context = &ExecutionContext{}

// Status is the terminal state of one execution attempt.
type Status string

const (
	StatusSuccess   Status = "success"
	StatusFailure   Status = "failure"
	StatusTimeout   Status = "timeout"
	StatusCancelled Status = "cancelled"
)

// ResourceLimits bounds one sandboxed execution. Enforcement is
// adapter-specific: wazero caps memory pages, the Lua engine caps its
// registry, and CPU time is folded into the context deadline everywhere.
type ResourceLimits struct {
	MaxMemoryBytes uint64        `json:"max_memory_bytes,omitempty"`
	MaxCPU         time.Duration `json:"max_cpu,omitempty"`
}

// ResourceUsage reports what the sandbox could observe. Fields are zero when
// the engine has no way to measure them.
type ResourceUsage struct {
	MemoryBytes uint64        `json:"memory_bytes,omitempty"`
	CPUTime     time.Duration `json:"cpu_time,omitempty"`
}

// ExecutionContext is the per-invocation view a runtime adapter receives:
// a private copy of the inputs, the allow-listed environment, and invocation
// metadata. It is exclusively owned by one execution attempt and implements
// context.Context so adapters inherit the orchestrator's deadline and
// cancellation without a second parameter.
type ExecutionContext struct {
	ID            string
	FunctionID    string
	TriggerID     string
	EventID       string
	CorrelationID string
	Code          string // program source, or raw module bytes for WASM
	Inputs        map[string]any
	Env           map[string]string

	ctx context.Context
}

// NewExecutionContext deep-copies inputs so no execution can observe another
// execution's mutations.
func NewExecutionContext(ctx context.Context, functionID, triggerID string, evt Event, inputs map[string]any, env map[string]string) *ExecutionContext {
	if ctx == nil {
		ctx = context.Background()
	}
	return &ExecutionContext{
		ID:            uuid.New().String(),
		FunctionID:    functionID,
		TriggerID:     triggerID,
		EventID:       evt.ID,
		CorrelationID: evt.CorrelationID,
		Inputs:        copyValueMap(inputs),
		Env:           copyStringMap(env),
		ctx:           ctx,
	}
}

func (ec *ExecutionContext) Deadline() (time.Time, bool) { return ec.ctx.Deadline() }
func (ec *ExecutionContext) Done() <-chan struct{}       { return ec.ctx.Done() }
func (ec *ExecutionContext) Err() error                  { return ec.ctx.Err() }

func (ec *ExecutionContext) Value(key any) any {
	if k, ok := key.(string); ok {
		if v, exists := ec.Inputs[k]; exists {
			return v
		}
	}
	return ec.ctx.Value(key)
}

// WithContext returns a shallow copy with a new embedded context. Mirrors the
// http.Request.WithContext pattern; the original is left untouched.
func (ec *ExecutionContext) WithContext(ctx context.Context) *ExecutionContext {
	copied := *ec
	copied.ctx = ctx
	return &copied
}

// Metadata returns the invocation identifiers as a map for injection into
// engine scopes and forward payloads.
func (ec *ExecutionContext) Metadata() map[string]any {
	return map[string]any{
		"execution_id":   ec.ID,
		"function_id":    ec.FunctionID,
		"trigger_id":     ec.TriggerID,
		"event_id":       ec.EventID,
		"correlation_id": ec.CorrelationID,
	}
}

// ExecutionResult is the immutable outcome of one invocation (including its
// fallback chain position, via Attempt).
type ExecutionResult struct {
	FunctionID string         `json:"function_id"`
	Status     Status         `json:"status"`
	Outputs    map[string]any `json:"outputs,omitempty"`
	Err        *ExecError     `json:"error,omitempty"`
	Duration   time.Duration  `json:"duration"`
	Usage      ResourceUsage  `json:"usage"`
	Attempt    int            `json:"attempt"`
}

func copyValueMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	copied := make(map[string]any, len(m))
	for k, v := range m {
		copied[k] = copyValue(v)
	}
	return copied
}

func copyValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return copyValueMap(t)
	case []any:
		copied := make([]any, len(t))
		for i, item := range t {
			copied[i] = copyValue(item)
		}
		return copied
	default:
		return v
	}
}

func copyStringMap(m map[string]string) map[string]string {
	copied := make(map[string]string, len(m))
	for k, v := range m {
		copied[k] = v
	}
	return copied
}
