package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/agentuity/mcp-server/logger"
	"github.com/agentuity/mcp-server/mcp/transport"
	"github.com/agentuity/mcp-server/mcp/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func echoHandler(ctx context.Context, msg *types.JSONRPCMessage) *types.JSONRPCMessage {
	if !msg.IsRequest() {
		return nil
	}
	return &types.JSONRPCMessage{JSONRPC: "2.0", ID: msg.ID, Result: json.RawMessage(`{"method":"` + msg.Method + `"}`)}
}

func do(t *HTTPTransport, method, body string, headers map[string]string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	r := httptest.NewRequest(method, "/mcp", strings.NewReader(body))
	for k, v := range headers {
		r.Header.Set(k, v)
	}
	_ = t.HandleRequest(w, r, []byte(body))
	return w
}

func TestFirstPostAssignsSession(t *testing.T) {
	var initialized []string
	tr := NewHTTPTransport(logger.NewTestLogger(),
		WithSessionIDGenerator(func() string { return "sess-1" }),
		WithSessionInitialized(func(id string) error {
			initialized = append(initialized, id)
			return nil
		}),
	)
	tr.SetMessageHandler(echoHandler)
	assert.Equal(t, "", tr.SessionID())
	assert.Equal(t, transport.KindDuplex, tr.Kind())

	w := do(tr, http.MethodPost, `{"jsonrpc":"2.0","id":1,"method":"initialize","params":{}}`, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "sess-1", w.Header().Get(DefaultSessionHeaderName))
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
	assert.JSONEq(t, `{"jsonrpc":"2.0","id":1,"result":{"method":"initialize"}}`, w.Body.String())
	assert.Equal(t, []string{"sess-1"}, initialized)
	assert.Equal(t, "sess-1", tr.SessionID())

	w = do(tr, http.MethodPost, `{"jsonrpc":"2.0","id":2,"method":"tools/list"}`, map[string]string{DefaultSessionHeaderName: "sess-1"})
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []string{"sess-1"}, initialized)
}

func TestSessionHeaderChecks(t *testing.T) {
	tr := NewHTTPTransport(logger.NewTestLogger(), WithSessionID("sess-1"))
	tr.SetMessageHandler(echoHandler)
	body := `{"jsonrpc":"2.0","id":1,"method":"ping"}`

	assert.Equal(t, http.StatusNotFound, do(tr, http.MethodPost, body, map[string]string{DefaultSessionHeaderName: "other"}).Code)
	assert.Equal(t, http.StatusBadRequest, do(tr, http.MethodPost, body, nil).Code)
	assert.Equal(t, http.StatusBadRequest, do(tr, http.MethodPost, `{"jsonrpc":`, map[string]string{DefaultSessionHeaderName: "sess-1"}).Code)
	assert.Equal(t, http.StatusMethodNotAllowed, do(tr, http.MethodGet, "", map[string]string{DefaultSessionHeaderName: "sess-1"}).Code)
	assert.Equal(t, http.StatusOK, do(tr, http.MethodPost, body, map[string]string{DefaultSessionHeaderName: "sess-1"}).Code)
}

func TestUninitializedRejectsHeader(t *testing.T) {
	tr := NewHTTPTransport(logger.NewTestLogger(), WithSessionIDGenerator(func() string { return "new" }))
	w := do(tr, http.MethodPost, `{"jsonrpc":"2.0","id":1,"method":"initialize"}`, map[string]string{DefaultSessionHeaderName: "stale"})
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "", tr.SessionID())
}

func TestInitializeFailureCloses(t *testing.T) {
	tr := NewHTTPTransport(logger.NewTestLogger(),
		WithSessionIDGenerator(func() string { return "x" }),
		WithSessionInitialized(func(string) error { return errors.New("store down") }),
	)
	w := do(tr, http.MethodPost, `{"jsonrpc":"2.0","id":1,"method":"initialize"}`, nil)
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, http.StatusNotFound, do(tr, http.MethodPost, `{"jsonrpc":"2.0","id":1,"method":"ping"}`, map[string]string{DefaultSessionHeaderName: "x"}).Code)
}

func TestNotificationAccepted(t *testing.T) {
	tr := NewHTTPTransport(logger.NewTestLogger(), WithSessionID("s"))
	var seen string
	tr.SetMessageHandler(func(ctx context.Context, msg *types.JSONRPCMessage) *types.JSONRPCMessage {
		seen = msg.Method
		return nil
	})
	w := do(tr, http.MethodPost, `{"jsonrpc":"2.0","method":"notifications/initialized"}`, map[string]string{DefaultSessionHeaderName: "s"})
	assert.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, "notifications/initialized", seen)
}

func TestAsyncSend(t *testing.T) {
	tr := NewHTTPTransport(logger.NewTestLogger(), WithSessionID("s"))
	tr.SetMessageHandler(func(ctx context.Context, msg *types.JSONRPCMessage) *types.JSONRPCMessage {
		go func() {
			time.Sleep(10 * time.Millisecond)
			_ = tr.Send(context.Background(), &types.JSONRPCMessage{JSONRPC: "2.0", ID: msg.ID, Result: json.RawMessage(`"late"`)})
		}()
		return nil
	})
	w := do(tr, http.MethodPost, `{"jsonrpc":"2.0","id":"a","method":"tools/call"}`, map[string]string{DefaultSessionHeaderName: "s"})
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"jsonrpc":"2.0","id":"a","result":"late"}`, w.Body.String())

	err := tr.Send(context.Background(), &types.JSONRPCMessage{JSONRPC: "2.0", ID: json.RawMessage(`"a"`)})
	assert.ErrorIs(t, err, transport.ErrNoActiveRequest)
}

func TestResponseTimeout(t *testing.T) {
	tr := NewHTTPTransport(logger.NewTestLogger(), WithSessionID("s"), WithResponseTimeout(10*time.Millisecond))
	tr.SetMessageHandler(func(ctx context.Context, msg *types.JSONRPCMessage) *types.JSONRPCMessage { return nil })
	w := do(tr, http.MethodPost, `{"jsonrpc":"2.0","id":3,"method":"tools/call"}`, map[string]string{DefaultSessionHeaderName: "s"})
	assert.Equal(t, http.StatusOK, w.Code)
	var resp types.JSONRPCMessage
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.NotNil(t, resp.Error)
	assert.Equal(t, types.CodeInternalError, resp.Error.Code)
}

func TestEventStreamResponse(t *testing.T) {
	tr := NewHTTPTransport(logger.NewTestLogger(), WithSessionID("s"))
	tr.SetMessageHandler(echoHandler)
	w := do(tr, http.MethodPost, `{"jsonrpc":"2.0","id":1,"method":"ping"}`, map[string]string{
		DefaultSessionHeaderName: "s",
		"Accept":                 "text/event-stream",
	})
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "text/event-stream", w.Header().Get("Content-Type"))
	assert.Equal(t, "event: message\ndata: {\"jsonrpc\":\"2.0\",\"id\":1,\"result\":{\"method\":\"ping\"}}\n\n", w.Body.String())
}

func TestDeleteCloses(t *testing.T) {
	tr := NewHTTPTransport(logger.NewTestLogger(), WithSessionID("s"), WithSessionHeader("X-Session"))
	closes := 0
	tr.SetCloseHandler(func() { closes++ })

	assert.Equal(t, http.StatusNotFound, do(tr, http.MethodDelete, "", map[string]string{"X-Session": "other"}).Code)
	assert.Equal(t, http.StatusOK, do(tr, http.MethodDelete, "", map[string]string{"X-Session": "s"}).Code)
	assert.Equal(t, 1, closes)
	assert.Equal(t, http.StatusNotFound, do(tr, http.MethodDelete, "", map[string]string{"X-Session": "s"}).Code)
	assert.Equal(t, 1, closes)

	err := tr.Send(context.Background(), &types.JSONRPCMessage{JSONRPC: "2.0", ID: json.RawMessage(`1`)})
	assert.ErrorIs(t, err, transport.ErrClosed)
}

func TestCloseHandlerMayCloseAgain(t *testing.T) {
	tr := NewHTTPTransport(logger.NewTestLogger(), WithSessionID("s"))
	closes := 0
	tr.SetCloseHandler(func() {
		closes++
		tr.Close()
	})

	returned := make(chan struct{})
	go func() {
		tr.Close()
		close(returned)
	}()
	select {
	case <-returned:
	case <-time.After(2 * time.Second):
		t.Fatal("Close blocked when its handler closed the transport again")
	}
	assert.Equal(t, 1, closes)
}
