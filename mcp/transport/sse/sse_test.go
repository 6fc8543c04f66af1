package sse

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/agentuity/mcp-server/logger"
	"github.com/agentuity/mcp-server/mcp/transport"
	"github.com/agentuity/mcp-server/mcp/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type event struct {
	name string
	data string
}

func readEvent(t *testing.T, r *bufio.Reader) event {
	t.Helper()
	var ev event
	for {
		line, err := r.ReadString('\n')
		require.NoError(t, err)
		line = strings.TrimRight(line, "\n")
		switch {
		case line == "":
			if ev.name != "" || ev.data != "" {
				return ev
			}
		case strings.HasPrefix(line, ":"):
		case strings.HasPrefix(line, "event: "):
			ev.name = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			ev.data = strings.TrimPrefix(line, "data: ")
		}
	}
}

func connect(t *testing.T, tr *Transport) (*bufio.Reader, func()) {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = tr.Serve(w, r)
	}))
	ctx, cancel := context.WithCancel(context.Background())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL, nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))
	return bufio.NewReader(resp.Body), func() {
		cancel()
		resp.Body.Close()
		srv.Close()
	}
}

func TestEndpointEventAndOrder(t *testing.T) {
	tr := NewTransport("abc", "/messages", logger.NewTestLogger(), WithKeepAlive(0))
	defer tr.Close()
	assert.Equal(t, transport.KindStream, tr.Kind())
	assert.Equal(t, "abc", tr.SessionID())

	stream, done := connect(t, tr)
	defer done()

	ev := readEvent(t, stream)
	assert.Equal(t, "endpoint", ev.name)
	assert.Equal(t, "/messages?sessionId=abc", ev.data)

	for i := 0; i < 5; i++ {
		id, _ := json.Marshal(i)
		require.NoError(t, tr.Send(context.Background(), &types.JSONRPCMessage{JSONRPC: "2.0", ID: id, Result: json.RawMessage(`{}`)}))
	}
	for i := 0; i < 5; i++ {
		ev := readEvent(t, stream)
		assert.Equal(t, "message", ev.name)
		var msg types.JSONRPCMessage
		require.NoError(t, json.Unmarshal([]byte(ev.data), &msg))
		id, _ := json.Marshal(i)
		assert.Equal(t, string(id), string(msg.ID))
	}
}

func TestKeepAlive(t *testing.T) {
	tr := NewTransport("abc", "/messages", logger.NewTestLogger(), WithKeepAlive(10*time.Millisecond))
	defer tr.Close()
	stream, done := connect(t, tr)
	defer done()
	readEvent(t, stream)

	line, err := stream.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, ": keepalive\n", line)
}

func TestHandleRequest(t *testing.T) {
	tr := NewTransport("abc", "/messages", logger.NewTestLogger(), WithKeepAlive(0))
	defer tr.Close()
	tr.SetMessageHandler(func(ctx context.Context, msg *types.JSONRPCMessage) *types.JSONRPCMessage {
		if msg.IsNotification() {
			return nil
		}
		return &types.JSONRPCMessage{JSONRPC: "2.0", ID: msg.ID, Result: json.RawMessage(`{"method":"` + msg.Method + `"}`)}
	})
	stream, done := connect(t, tr)
	defer done()
	readEvent(t, stream)

	post := func(method, target, body string) *httptest.ResponseRecorder {
		w := httptest.NewRecorder()
		r := httptest.NewRequest(method, target, strings.NewReader(body))
		_ = tr.HandleRequest(w, r, []byte(body))
		return w
	}

	assert.Equal(t, http.StatusMethodNotAllowed, post(http.MethodGet, "/messages?sessionId=abc", "").Code)
	assert.Equal(t, http.StatusNotFound, post(http.MethodPost, "/messages?sessionId=other", `{}`).Code)
	assert.Equal(t, http.StatusBadRequest, post(http.MethodPost, "/messages?sessionId=abc", `{"nope"`).Code)
	assert.Equal(t, http.StatusAccepted, post(http.MethodPost, "/messages?sessionId=abc", `{"jsonrpc":"2.0","method":"notifications/initialized"}`).Code)

	w := post(http.MethodPost, "/messages?sessionId=abc", `{"jsonrpc":"2.0","id":"7","method":"ping"}`)
	assert.Equal(t, http.StatusAccepted, w.Code)

	ev := readEvent(t, stream)
	assert.Equal(t, "message", ev.name)
	assert.JSONEq(t, `{"jsonrpc":"2.0","id":"7","result":{"method":"ping"}}`, ev.data)
}

func TestCloseRunsHandlerOnce(t *testing.T) {
	tr := NewTransport("abc", "/messages", logger.NewTestLogger())
	var closes int32
	tr.SetCloseHandler(func() { atomic.AddInt32(&closes, 1) })

	require.NoError(t, tr.Close())
	require.NoError(t, tr.Close())
	assert.EqualValues(t, 1, atomic.LoadInt32(&closes))

	err := tr.Send(context.Background(), &types.JSONRPCMessage{JSONRPC: "2.0"})
	assert.ErrorIs(t, err, transport.ErrClosed)

	w := httptest.NewRecorder()
	body := `{"jsonrpc":"2.0","id":1,"method":"ping"}`
	_ = tr.HandleRequest(w, httptest.NewRequest(http.MethodPost, "/messages?sessionId=abc", strings.NewReader(body)), []byte(body))
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestClientDisconnectCloses(t *testing.T) {
	tr := NewTransport("abc", "/messages", logger.NewTestLogger(), WithKeepAlive(0))
	closed := make(chan struct{})
	tr.SetCloseHandler(func() { close(closed) })

	stream, done := connect(t, tr)
	readEvent(t, stream)
	done()

	select {
	case <-closed:
	case <-time.After(2 * time.Second):
		t.Fatal("transport was not closed after the client went away")
	}
	select {
	case <-tr.Done():
	default:
		t.Fatal("done channel should be closed")
	}
}

func TestSecondStreamRejected(t *testing.T) {
	tr := NewTransport("abc", "/messages", logger.NewTestLogger(), WithKeepAlive(0))
	defer tr.Close()
	stream, done := connect(t, tr)
	defer done()
	readEvent(t, stream)

	w := httptest.NewRecorder()
	err := tr.Serve(w, httptest.NewRequest(http.MethodGet, "/sse", nil))
	assert.Error(t, err)
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestCloseHandlerMayCloseAgain(t *testing.T) {
	tr := NewTransport("abc", "/messages", logger.NewTestLogger(), WithKeepAlive(0))
	var closes int32
	tr.SetCloseHandler(func() {
		atomic.AddInt32(&closes, 1)
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
	assert.EqualValues(t, 1, atomic.LoadInt32(&closes))
}

func TestServeReturnsAfterDisconnect(t *testing.T) {
	tr := NewTransport("abc", "/messages", logger.NewTestLogger(), WithKeepAlive(0))
	tr.SetCloseHandler(func() { tr.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	req := httptest.NewRequest(http.MethodGet, "/sse", nil).WithContext(ctx)
	w := httptest.NewRecorder()
	served := make(chan error, 1)
	go func() {
		served <- tr.Serve(w, req)
	}()
	cancel()

	select {
	case err := <-served:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return after the client disconnected")
	}
	assert.Contains(t, w.Body.String(), "event: endpoint")
}
