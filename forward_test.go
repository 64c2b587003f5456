package tripwire

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPForwardDeliverResult(t *testing.T) {
	var mu sync.Mutex
	var received []map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		mu.Lock()
		received = append(received, body)
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	forward, err := NewHTTPForward(testLogger(), HTTPForwardConfig{URL: server.URL})
	require.NoError(t, err)

	fire := FireDecision{
		TriggerID: "t1",
		Event:     NewEvent("test", map[string]any{"temp": 60.0}),
	}
	result := &ExecutionResult{
		FunctionID: "f1",
		Status:     StatusSuccess,
		Outputs:    map[string]any{"sent": true},
		Duration:   42 * time.Millisecond,
		Attempt:    1,
	}
	require.NoError(t, forward.DeliverResult(context.Background(), fire, result))

	require.NoError(t, forward.DeliverEvalFailure(context.Background(), EvalFailure{
		TriggerID: "t2",
		Err:       fieldMissing("x"),
	}))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, received, 2)
	assert.Equal(t, "execution_result", received[0]["kind"])
	assert.Equal(t, "t1", received[0]["trigger_id"])
	assert.Equal(t, "f1", received[0]["function_id"])
	assert.Equal(t, "success", received[0]["status"])

	assert.Equal(t, "eval_failure", received[1]["kind"])
	assert.Equal(t, "t2", received[1]["trigger_id"])
	errBody, ok := received[1]["error"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "field_missing", errBody["kind"])
}

func TestHTTPForwardErrorStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	forward, err := NewHTTPForward(testLogger(), HTTPForwardConfig{URL: server.URL, MaxRetries: 0})
	require.NoError(t, err)

	fire := FireDecision{TriggerID: "t1", Event: NewEvent("test", nil)}
	err = forward.DeliverResult(context.Background(), fire, &ExecutionResult{FunctionID: "f1", Status: StatusFailure})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
}

func TestHTTPForwardConfigValidation(t *testing.T) {
	_, err := NewHTTPForward(testLogger(), HTTPForwardConfig{URL: "not a url"})
	require.Error(t, err)

	_, err = NewHTTPForward(testLogger(), HTTPForwardConfig{})
	require.Error(t, err)

	forward, err := NewHTTPForward(testLogger(), HTTPForwardConfig{URL: "http://localhost:9"})
	require.NoError(t, err)
	assert.Equal(t, 10*time.Second, forward.config.Timeout, "defaults applied")
	assert.Equal(t, 3, forward.config.MaxRetries)
}
