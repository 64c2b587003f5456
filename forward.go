package tripwire

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-resty/resty/v2"
)

// Forward is the outbound collaborator interface: it receives one
// ExecutionResult per completed (or failed/timed-out) invocation and a
// notification for every per-trigger evaluation failure. Ordering across
// concurrently executed fire decisions is the forward stage's concern, not
// the core's.
type Forward interface {
	DeliverResult(ctx context.Context, fire FireDecision, result *ExecutionResult) error
	DeliverEvalFailure(ctx context.Context, failure EvalFailure) error
}

// LogForward writes results and failures to the logger. Useful as a default
// and in tests.
type LogForward struct {
	L *slog.Logger
}

func (f *LogForward) DeliverResult(ctx context.Context, fire FireDecision, result *ExecutionResult) error {
	f.L.InfoContext(ctx, fmt.Sprintf("Execution finished: %s", result.FunctionID),
		"trigger", fire.TriggerID,
		"status", string(result.Status),
		"attempt", result.Attempt,
		"duration", result.Duration.String())
	return nil
}

func (f *LogForward) DeliverEvalFailure(ctx context.Context, failure EvalFailure) error {
	f.L.ErrorContext(ctx, fmt.Sprintf("Trigger evaluation failed: %s", failure.TriggerID),
		"kind", string(failure.Err.Kind),
		"error", failure.Err.Message)
	return nil
}

// HTTPForwardConfig holds the HTTP forwarder settings with declarative tags.
type HTTPForwardConfig struct {
	URL         string        `yaml:"url" validate:"required,url_format"`
	Timeout     time.Duration `yaml:"timeout" default:"10s" validate:"gte=1s"`
	MaxRetries  int           `yaml:"max_retries" default:"3" validate:"gte=0,lte=10"`
	RetryWaitMS int           `yaml:"retry_wait_ms" default:"100" validate:"gte=0,lte=10000"`
}

// HTTPForward delivers results to a downstream webhook as JSON.
type HTTPForward struct {
	config HTTPForwardConfig
	client *resty.Client
	l      *slog.Logger
}

func NewHTTPForward(l *slog.Logger, config HTTPForwardConfig) (*HTTPForward, error) {
	if err := prepareConfig(&config); err != nil {
		return nil, err
	}
	client := resty.New().
		SetTimeout(config.Timeout).
		SetRetryCount(config.MaxRetries).
		SetRetryWaitTime(time.Duration(config.RetryWaitMS) * time.Millisecond)

	return &HTTPForward{config: config, client: client, l: l}, nil
}

func (f *HTTPForward) DeliverResult(ctx context.Context, fire FireDecision, result *ExecutionResult) error {
	body := map[string]any{
		"kind":           "execution_result",
		"trigger_id":     fire.TriggerID,
		"event_id":       fire.Event.ID,
		"correlation_id": fire.Event.CorrelationID,
		"function_id":    result.FunctionID,
		"status":         string(result.Status),
		"outputs":        result.Outputs,
		"attempt":        result.Attempt,
		"duration_ms":    result.Duration.Milliseconds(),
	}
	if result.Err != nil {
		body["error"] = result.Err.ToMap()
	}
	return f.post(ctx, body)
}

func (f *HTTPForward) DeliverEvalFailure(ctx context.Context, failure EvalFailure) error {
	return f.post(ctx, map[string]any{
		"kind":       "eval_failure",
		"trigger_id": failure.TriggerID,
		"error":      failure.Err.ToMap(),
	})
}

func (f *HTTPForward) post(ctx context.Context, body map[string]any) error {
	resp, err := f.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(body).
		Post(f.config.URL)
	if err != nil {
		return fmt.Errorf("forward to %s failed: %w", f.config.URL, err)
	}
	if resp.IsError() {
		return fmt.Errorf("forward to %s returned status %d", f.config.URL, resp.StatusCode())
	}
	return nil
}
