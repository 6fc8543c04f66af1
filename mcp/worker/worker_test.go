package worker

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/agentuity/mcp-server/eventing"
	"github.com/agentuity/mcp-server/logger"
	"github.com/agentuity/mcp-server/mcp/execution"
	"github.com/agentuity/mcp-server/mcp/server"
	"github.com/agentuity/mcp-server/mcp/tool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var tools = tool.NewSet(
	tool.New("echo", "", nil, func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
		return args["text"], nil
	}),
	tool.New("boom", "", nil, func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
		panic("kaboom")
	}),
)

func collect(t *testing.T, ctx context.Context, client eventing.Client, subject string) <-chan execution.JobResult {
	t.Helper()
	ch := make(chan execution.JobResult, 10)
	sub, err := client.Subscribe(ctx, subject, func(ctx context.Context, msg eventing.Message) {
		assert.Equal(t, execution.KindResult, msg.Headers().Get(execution.HeaderKind))
		result, err := execution.DecodeResult(msg.Data())
		assert.NoError(t, err)
		ch <- result
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = sub.Close() })
	return ch
}

func await(t *testing.T, ch <-chan execution.JobResult) execution.JobResult {
	t.Helper()
	select {
	case r := <-ch:
		return r
	case <-time.After(5 * time.Second):
		t.Fatal("no result was published")
	}
	return execution.JobResult{}
}

func TestWorkerRunsJobs(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	client := eventing.NewMemoryClient(ctx, logger.NewTestLogger())
	defer client.Close()

	w := New(client, tools, WithLogger(logger.NewTestLogger()), WithConcurrency(2))
	require.NoError(t, w.Start(ctx))
	defer w.Stop()
	assert.Error(t, w.Start(ctx))

	results := collect(t, ctx, client, "replies")
	queue := execution.NewEventingQueue(client, DefaultSubject, "replies")

	handle, err := queue.Enqueue(ctx, execution.Job{Tool: "echo", Arguments: map[string]interface{}{"text": "hi"}, SessionID: "s", MessageID: "1"})
	require.NoError(t, err)
	r := await(t, results)
	assert.Equal(t, handle.JobID, r.JobID)
	assert.Equal(t, "s", r.SessionID)
	assert.Equal(t, "1", r.MessageID)
	assert.Empty(t, r.Error)
	assert.Equal(t, json.RawMessage(`"hi"`), r.Value())

	_, err = queue.Enqueue(ctx, execution.Job{Tool: "nope", SessionID: "s", MessageID: "2"})
	require.NoError(t, err)
	r = await(t, results)
	assert.Equal(t, "tool not found: nope", r.Error)
	assert.EqualError(t, r.Value().(error), "tool not found: nope")

	_, err = queue.Enqueue(ctx, execution.Job{Tool: "boom", SessionID: "s", MessageID: "3"})
	require.NoError(t, err)
	r = await(t, results)
	assert.Contains(t, r.Error, "kaboom")
}

func TestRunWithoutReplySubject(t *testing.T) {
	ctx := context.Background()
	client := eventing.NewMemoryClient(ctx, logger.NewTestLogger())
	defer client.Close()
	log := logger.NewTestLogger()
	w := New(client, tools, WithLogger(log))

	r := w.Run(ctx, execution.Job{ID: "j", Tool: "echo", Arguments: map[string]interface{}{"text": "x"}})
	assert.Equal(t, "j", r.JobID)
	assert.Equal(t, json.RawMessage(`"x"`), r.Result)
	assert.True(t, log.Contains("WARNING", "no reply subject"))
}

func TestStopWithoutStart(t *testing.T) {
	client := eventing.NewMemoryClient(context.Background(), logger.NewTestLogger())
	defer client.Close()
	assert.NoError(t, New(client, tools).Stop())
}

func TestQueuedServerRoundTrip(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	client := eventing.NewMemoryClient(ctx, logger.NewTestLogger())
	defer client.Close()

	const node = "node-1"
	s, err := server.New(ctx,
		server.WithLogger(logger.NewTestLogger()),
		server.WithNodeID(node),
		server.WithTools(tools.List()...),
		server.WithEventing(client),
		server.WithJobQueue(execution.NewEventingQueue(client, DefaultSubject, server.RelaySubject(node)),
			execution.WithTimeout(5*time.Second)),
	)
	require.NoError(t, err)
	defer s.Close()
	require.NoError(t, s.Listen(ctx))

	w := New(client, tools, WithLogger(logger.NewTestLogger()))
	require.NoError(t, w.Start(ctx))
	defer w.Stop()

	srv := httptest.NewServer(s.Routes())
	defer srv.Close()

	do := func(body, sessionID string) (*http.Response, string) {
		req, err := http.NewRequest(http.MethodPost, srv.URL+server.DefaultDuplexPath, strings.NewReader(body))
		require.NoError(t, err)
		if sessionID != "" {
			req.Header.Set("Mcp-Session-Id", sessionID)
		}
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		defer resp.Body.Close()
		var buf strings.Builder
		_, err = io.Copy(&buf, resp.Body)
		require.NoError(t, err)
		return resp, buf.String()
	}

	resp, _ := do(`{"jsonrpc":"2.0","id":1,"method":"initialize","params":{}}`, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	id := resp.Header.Get("Mcp-Session-Id")
	require.NotEmpty(t, id)

	resp, body := do(`{"jsonrpc":"2.0","id":2,"method":"tools/call","params":{"name":"echo","arguments":{"text":"queued"}}}`, id)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"jsonrpc":"2.0","id":2,"result":{"content":[{"type":"text","text":"queued"}]}}`, body)

	resp, body = do(`{"jsonrpc":"2.0","id":3,"method":"tools/call","params":{"name":"boom","arguments":{}}}`, id)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var msg struct {
		Result struct {
			IsError bool `json:"isError"`
		} `json:"result"`
	}
	require.NoError(t, json.Unmarshal([]byte(body), &msg))
	assert.True(t, msg.Result.IsError)
	assert.Equal(t, 0, s.Registry().Len())
}
