package tripwire

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// FireDecision is the dispatcher's output for one matched trigger: which
// trigger matched and which functions should execute. Decisions are emitted
// in dispatch order (priority descending, registration ascending).
type FireDecision struct {
	TriggerID   string   `json:"trigger_id"`
	TriggerName string   `json:"trigger_name"`
	Priority    int      `json:"priority"`
	FunctionIDs []string `json:"function_ids"`
	Event       Event    `json:"event"`
}

// EvalFailure reports that one trigger's condition evaluation errored.
// It never aborts dispatch of the remaining triggers.
type EvalFailure struct {
	TriggerID string     `json:"trigger_id"`
	Err       *EvalError `json:"error"`
}

// Dispatcher evaluates the registry's active triggers against incoming
// events. It is safe for concurrent use: each dispatch works off an immutable
// registry snapshot, so a racing reload affects only subsequent events.
type Dispatcher struct {
	l        *slog.Logger
	registry *Registry
	tracer   trace.Tracer
}

func NewDispatcher(l *slog.Logger, registry *Registry) *Dispatcher {
	return &Dispatcher{
		l:        l,
		registry: registry,
		tracer:   otel.Tracer("tripwire/dispatcher"),
	}
}

// Dispatch evaluates all active triggers in priority order and returns the
// fire decisions plus any per-trigger evaluation failures. Repeated dispatch
// of the same event against the same snapshot always yields the same order.
func (d *Dispatcher) Dispatch(ctx context.Context, evt Event) ([]FireDecision, []EvalFailure) {
	ctx, span := d.tracer.Start(ctx, "dispatch", trace.WithAttributes(
		attribute.String("event.id", evt.ID),
		attribute.String("event.source", evt.Source),
	))
	defer span.End()

	snapshot := d.registry.Snapshot()

	var fires []FireDecision
	var failures []EvalFailure

	for _, t := range snapshot {
		matched, evalErr := d.evaluateTrigger(t, evt)
		if evalErr != nil {
			d.l.ErrorContext(ctx, fmt.Sprintf("Condition evaluation failed for trigger: %s", t.ID),
				"event", evt.ID,
				"error", evalErr.Error())
			failures = append(failures, EvalFailure{TriggerID: t.ID, Err: evalErr})
			continue
		}
		if !matched {
			continue
		}

		d.l.InfoContext(ctx, fmt.Sprintf("Trigger fired: %s", t.ID),
			"event", evt.ID,
			"priority", t.Priority,
			"functions", t.Functions)
		fires = append(fires, FireDecision{
			TriggerID:   t.ID,
			TriggerName: t.Name,
			Priority:    t.Priority,
			FunctionIDs: append([]string(nil), t.Functions...),
			Event:       evt,
		})
	}

	span.SetAttributes(
		attribute.Int("dispatch.fired", len(fires)),
		attribute.Int("dispatch.failures", len(failures)),
	)
	return fires, failures
}

// evaluateTrigger applies the trigger's own evaluation timeout, if any.
// The timeout aborts this evaluation only, not downstream execution.
func (d *Dispatcher) evaluateTrigger(t Trigger, evt Event) (bool, *EvalError) {
	if t.Timeout <= 0 {
		return t.Conditions.Evaluate(evt)
	}

	matched, err := t.Conditions.EvaluateWithDeadline(evt, time.Now().Add(t.Timeout))
	if err != nil && err.Kind == EvalTimeout {
		return false, evalTimeout(t.ID)
	}
	return matched, err
}
