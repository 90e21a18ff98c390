package operation

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/capitalize-ai/turn-orchestrator/internal/model"
	"github.com/capitalize-ai/turn-orchestrator/pkg/logger"
)

type recordedCall struct {
	Path   string
	Method string
	Params []json.RawMessage
}

// fakeBackend answers RPCs with canned bodies keyed by method.
type fakeBackend struct {
	mu        sync.Mutex
	calls     []recordedCall
	responses map[string]string
	status    int
}

func (b *fakeBackend) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Method string            `json:"method"`
		Params []json.RawMessage `json:"params"`
	}
	_ = json.NewDecoder(r.Body).Decode(&req)

	b.mu.Lock()
	b.calls = append(b.calls, recordedCall{Path: r.URL.Path, Method: req.Method, Params: req.Params})
	body, ok := b.responses[req.Method]
	status := b.status
	b.mu.Unlock()

	if status != 0 {
		w.WriteHeader(status)
		w.Write([]byte("backend exploded"))
		return
	}
	if !ok {
		body = `{"result": null}`
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(body))
}

func (b *fakeBackend) lastCall(t *testing.T) recordedCall {
	t.Helper()
	b.mu.Lock()
	defer b.mu.Unlock()
	require.NotEmpty(t, b.calls)
	return b.calls[len(b.calls)-1]
}

func newTestClient(t *testing.T, backend *fakeBackend) *Client {
	t.Helper()
	srv := httptest.NewServer(backend)
	t.Cleanup(srv.Close)
	return NewClient(Config{BaseURL: srv.URL + "/", Timeout: 5 * time.Second}, logger.Nop())
}

func TestCallSendsOperationTypeAndNumbers(t *testing.T) {
	backend := &fakeBackend{responses: map[string]string{
		MethodProcessAIOperation: `{"result": {"status": ["continue_silent"], "data": {"related_to_id": [11], "conversation_index": 1}}}`,
	}}
	client := newTestClient(t, backend)

	res, err := client.Call(context.Background(), model.OpMakeAPICall, model.Params{
		"related_to_id":      10,
		"conversation_index": 1,
		"request_id":         "req1",
	})
	require.NoError(t, err)

	assert.Equal(t, model.StatusContinueSilent, res.Status)
	assert.Equal(t, 11, *res.RelatedToID())
	assert.Equal(t, 1, *res.ConversationIndex())

	call := backend.lastCall(t)
	assert.Equal(t, "/rpc/process_ai_operation", call.Path)
	assert.Equal(t, MethodProcessAIOperation, call.Method)
	require.Len(t, call.Params, 1)
	assert.JSONEq(t, `{"operation_type":"make_api_call","related_to_id":10,"conversation_index":1,"request_id":"req1"}`, string(call.Params[0]))
}

func TestCallDoesNotMutateParams(t *testing.T) {
	backend := &fakeBackend{responses: map[string]string{
		MethodProcessAIOperation: `{"result": {"status": "done"}}`,
	}}
	client := newTestClient(t, backend)

	params := model.Params{"query": "hello"}
	_, err := client.Call(context.Background(), model.OpInitializeConversation, params)
	require.NoError(t, err)
	assert.NotContains(t, params, "operation_type")
}

func TestBackendErrorStatusIsNotAFailure(t *testing.T) {
	backend := &fakeBackend{responses: map[string]string{
		MethodProcessAIOperation: `{"result": {"status": "error", "error": "model unavailable"}}`,
	}}
	client := newTestClient(t, backend)

	res, err := client.Call(context.Background(), model.OpMakeAPICall, model.Params{"related_to_id": 1})
	require.NoError(t, err)
	assert.Equal(t, model.StatusError, res.Status)
	assert.Equal(t, "model unavailable", res.Error)
}

func TestTransportFailures(t *testing.T) {
	tests := []struct {
		name     string
		backend  *fakeBackend
		contains string
	}{
		{
			name:     "http status",
			backend:  &fakeBackend{status: http.StatusBadGateway},
			contains: "http 502",
		},
		{
			name: "rpc error envelope",
			backend: &fakeBackend{responses: map[string]string{
				MethodProcessAIOperation: `{"error": {"code": 3, "message": "session suspended"}}`,
			}},
			contains: "session suspended",
		},
		{
			name: "malformed envelope",
			backend: &fakeBackend{responses: map[string]string{
				MethodProcessAIOperation: `not json`,
			}},
			contains: "malformed response envelope",
		},
		{
			name: "result not an object",
			backend: &fakeBackend{responses: map[string]string{
				MethodProcessAIOperation: `{"result": "done"}`,
			}},
			contains: "malformed operation result",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := newTestClient(t, tt.backend)
			_, err := client.Call(context.Background(), model.OpMakeAPICall, model.Params{})
			require.Error(t, err)
			assert.True(t, IsFailure(err))
			assert.Contains(t, err.Error(), tt.contains)
		})
	}
}

func TestUnreachableBackend(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	client := NewClient(Config{BaseURL: url, Timeout: time.Second}, logger.Nop())
	_, err := client.Call(context.Background(), model.OpInitializeConversation, model.Params{"query": "q"})
	require.Error(t, err)
	assert.True(t, IsFailure(err))
}

func TestCheckTerminalComplete(t *testing.T) {
	tests := []struct {
		name string
		body string
		want *bool
	}{
		{"complete", `{"result": true}`, boolPtr(true)},
		{"running", `{"result": [false]}`, boolPtr(false)},
		{"no status", `{"result": null}`, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			backend := &fakeBackend{responses: map[string]string{MethodCheckTerminalComplete: tt.body}}
			client := newTestClient(t, backend)

			got, err := client.CheckTerminalComplete(context.Background(), 42)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.JSONEq(t, `42`, string(backend.lastCall(t).Params[0]))
		})
	}
}

func TestFinalizeConsoleCommandParams(t *testing.T) {
	backend := &fakeBackend{responses: map[string]string{
		MethodFinalizeConsoleCommand: `{"result": {"status": "continue_silent", "data": {"related_to_id": 20, "conversation_index": 2}}}`,
	}}
	client := newTestClient(t, backend)

	res, err := client.FinalizeConsoleCommand(context.Background(), 19, "req9", "> x\n[1] 1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusContinueSilent, res.Status)

	call := backend.lastCall(t)
	require.Len(t, call.Params, 3)
	assert.JSONEq(t, `19`, string(call.Params[0]))
	assert.JSONEq(t, `"req9"`, string(call.Params[1]))
	assert.JSONEq(t, `"> x\n[1] 1"`, string(call.Params[2]))
}

func TestConsoleQueries(t *testing.T) {
	backend := &fakeBackend{responses: map[string]string{
		MethodIsConsoleBusy:    `{"result": [true]}`,
		MethodGetConsoleOutput: `{"result": ["> print(1)\n[1] 1"]}`,
	}}
	client := newTestClient(t, backend)

	busy, err := client.IsConsoleBusy(context.Background())
	require.NoError(t, err)
	assert.True(t, busy)

	out, err := client.ConsoleOutput(context.Background())
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(out, "[1] 1"))
}

func TestCancelEditFileCommandVoid(t *testing.T) {
	backend := &fakeBackend{}
	client := newTestClient(t, backend)

	res, err := client.CancelEditFileCommand(context.Background(), 3, "req")
	require.NoError(t, err)
	assert.Nil(t, res)
}

func boolPtr(b bool) *bool { return &b }
