package tripwire

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestDispatchPriorityOrder(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(Trigger{
		ID:        "t1",
		Priority:  10,
		Active:    true,
		Functions: []string{"f1"},
		Conditions: Leaf(Condition{
			Type: CondGT, Field: "temp", Value: 50,
		}),
	}))
	require.NoError(t, r.Register(Trigger{
		ID:        "t2",
		Priority:  5,
		Active:    true,
		Functions: []string{"f2"},
		// nil condition tree always matches
	}))

	d := NewDispatcher(testLogger(), r)
	evt := NewEvent("sensor", map[string]any{"temp": 60.0})

	fires, failures := d.Dispatch(context.Background(), evt)
	require.Empty(t, failures)
	require.Len(t, fires, 2)
	assert.Equal(t, "t1", fires[0].TriggerID)
	assert.Equal(t, "t2", fires[1].TriggerID)
	assert.Equal(t, []string{"f1"}, fires[0].FunctionIDs)
	assert.Equal(t, evt.ID, fires[0].Event.ID)
}

func TestDispatchSkipsNonMatching(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(Trigger{
		ID:        "cold-only",
		Active:    true,
		Functions: []string{"f1"},
		Conditions: Leaf(Condition{
			Type: CondLT, Field: "temp", Value: 0,
		}),
	}))

	d := NewDispatcher(testLogger(), r)
	fires, failures := d.Dispatch(context.Background(), NewEvent("sensor", map[string]any{"temp": 60.0}))
	assert.Empty(t, fires)
	assert.Empty(t, failures)
}

func TestDispatchFailureIsolation(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(Trigger{
		ID:        "broken",
		Priority:  10,
		Active:    true,
		Functions: []string{"f1"},
		Conditions: Leaf(Condition{
			Type: CondEquals, Field: "x", Value: 1, // field absent from payload
		}),
	}))
	require.NoError(t, r.Register(Trigger{
		ID:        "healthy",
		Priority:  5,
		Active:    true,
		Functions: []string{"f2"},
		Conditions: Leaf(Condition{
			Type: CondGT, Field: "temp", Value: 50,
		}),
	}))

	d := NewDispatcher(testLogger(), r)
	fires, failures := d.Dispatch(context.Background(), NewEvent("sensor", map[string]any{"temp": 60.0}))

	// The broken trigger reports a failure; dispatch continues to the rest.
	require.Len(t, failures, 1)
	assert.Equal(t, "broken", failures[0].TriggerID)
	assert.Equal(t, EvalFieldMissing, failures[0].Err.Kind)

	require.Len(t, fires, 1)
	assert.Equal(t, "healthy", fires[0].TriggerID)
}

func TestDispatchSkipsInactive(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(makeTrigger("t1", 10)))
	require.NoError(t, r.Deactivate("t1"))

	d := NewDispatcher(testLogger(), r)
	fires, failures := d.Dispatch(context.Background(), NewEvent("sensor", map[string]any{"temp": 60.0}))
	assert.Empty(t, fires)
	assert.Empty(t, failures)
}

func TestDispatchEvaluationTimeout(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(Trigger{
		ID:        "slow",
		Active:    true,
		Timeout:   time.Nanosecond, // elapses before the first node is checked
		Functions: []string{"f1"},
		Conditions: Leaf(Condition{
			Type: CondGT, Field: "temp", Value: 50,
		}),
	}))

	d := NewDispatcher(testLogger(), r)
	time.Sleep(time.Millisecond)
	fires, failures := d.Dispatch(context.Background(), NewEvent("sensor", map[string]any{"temp": 60.0}))

	assert.Empty(t, fires)
	require.Len(t, failures, 1)
	assert.Equal(t, EvalTimeout, failures[0].Err.Kind)
}

func TestDispatchDeterministicOrder(t *testing.T) {
	r := NewRegistry()
	for _, id := range []string{"a", "b", "c", "d"} {
		require.NoError(t, r.Register(makeTrigger(id, 5)))
	}

	d := NewDispatcher(testLogger(), r)
	evt := NewEvent("sensor", map[string]any{"temp": 60.0})

	first, _ := d.Dispatch(context.Background(), evt)
	for i := 0; i < 10; i++ {
		again, _ := d.Dispatch(context.Background(), evt)
		require.Len(t, again, len(first))
		for j := range first {
			assert.Equal(t, first[j].TriggerID, again[j].TriggerID)
		}
	}
}
