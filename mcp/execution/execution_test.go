package execution

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/agentuity/mcp-server/eventing"
	"github.com/agentuity/mcp-server/logger"
	"github.com/agentuity/mcp-server/mcp/pending"
	"github.com/agentuity/mcp-server/mcp/tool"
	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeQueue struct {
	mu   sync.Mutex
	jobs []Job
	got  chan Job
	err  error
}

func newFakeQueue() *fakeQueue {
	return &fakeQueue{got: make(chan Job, 10)}
}

func (q *fakeQueue) Enqueue(ctx context.Context, job Job) (JobHandle, error) {
	if q.err != nil {
		return JobHandle{}, q.err
	}
	q.mu.Lock()
	q.jobs = append(q.jobs, job)
	q.mu.Unlock()
	q.got <- job
	return JobHandle{JobID: job.ID}, nil
}

func (q *fakeQueue) next(t *testing.T) Job {
	t.Helper()
	select {
	case job := <-q.got:
		return job
	case <-time.After(5 * time.Second):
		t.Fatal("no job was enqueued")
	}
	return Job{}
}

var echoTool = tool.New("echo", "", nil, func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	return args["text"], nil
}, tool.WithSource("tools/echo"))

func TestDirectStrategy(t *testing.T) {
	s := NewDirectStrategy(logger.NewTestLogger())
	assert.Equal(t, "direct", s.Name())
	out, err := s.ExecuteTool(context.Background(), echoTool, map[string]interface{}{"text": "hi"}, CallContext{SessionID: "s"})
	require.NoError(t, err)
	assert.Equal(t, "hi", out)

	failing := tool.New("fail", "", nil, func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
		return nil, errors.New("nope")
	})
	_, err = s.ExecuteTool(context.Background(), failing, nil, CallContext{})
	assert.EqualError(t, err, "nope")
}

func TestDirectStrategyRecoversPanic(t *testing.T) {
	log := logger.NewTestLogger()
	s := NewDirectStrategy(log)
	boom := tool.New("boom", "", nil, func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
		panic("kaboom")
	})
	_, err := s.ExecuteTool(context.Background(), boom, nil, CallContext{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "kaboom")
	assert.True(t, log.Contains("ERROR", "panicked"))
}

func TestQueuedStrategyResolves(t *testing.T) {
	queue := newFakeQueue()
	registry := pending.NewRegistry()
	s := NewQueuedStrategy(queue, registry)

	type outcome struct {
		value interface{}
		err   error
	}
	done := make(chan outcome, 1)
	go func() {
		v, err := s.ExecuteTool(context.Background(), echoTool, map[string]interface{}{"text": "x"},
			CallContext{SessionID: "s1", MessageID: "7", RawID: json.RawMessage(`7`)})
		done <- outcome{v, err}
	}()

	job := queue.next(t)
	assert.Equal(t, "echo", job.Tool)
	assert.Equal(t, "tools/echo", job.Source)
	assert.Equal(t, "s1", job.SessionID)
	assert.Equal(t, "7", job.MessageID)
	assert.NotEmpty(t, job.ID)
	assert.True(t, registry.Has("s1", "7"))

	assert.True(t, registry.Resolve("s1", "7", "from worker"))
	res := <-done
	require.NoError(t, res.err)
	assert.Equal(t, "from worker", res.value)
	assert.False(t, registry.Has("s1", "7"))
}

func TestQueuedStrategyEnqueueFailure(t *testing.T) {
	queue := newFakeQueue()
	queue.err = errors.New("broker down")
	registry := pending.NewRegistry()
	s := NewQueuedStrategy(queue, registry)

	_, err := s.ExecuteTool(context.Background(), echoTool, nil, CallContext{SessionID: "s1", MessageID: "1"})
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "broker down")
	assert.Equal(t, 0, registry.Len())
}

func TestQueuedStrategyTimeout(t *testing.T) {
	registry := pending.NewRegistry()
	s := NewQueuedStrategy(newFakeQueue(), registry, WithTimeout(20*time.Millisecond))

	_, err := s.ExecuteTool(context.Background(), echoTool, nil, CallContext{SessionID: "s1", MessageID: "1"})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.False(t, registry.Has("s1", "1"))
}

func TestQueuedStrategySessionClosed(t *testing.T) {
	queue := newFakeQueue()
	registry := pending.NewRegistry()
	s := NewQueuedStrategy(queue, registry)

	errs := make(chan error, 1)
	go func() {
		_, err := s.ExecuteTool(context.Background(), echoTool, nil, CallContext{SessionID: "s1", MessageID: "1"})
		errs <- err
	}()
	queue.next(t)
	assert.Equal(t, 1, registry.CleanupBySessionID("s1"))
	assert.ErrorIs(t, <-errs, ErrSessionClosed)
}

func TestCoordinator(t *testing.T) {
	c := NewCoordinator(nil)
	assert.Equal(t, "direct", c.Strategy().Name())
	assert.False(t, c.IsQueueMode())

	out, err := c.ExecuteTool(context.Background(), echoTool, map[string]interface{}{"text": "a"}, CallContext{})
	require.NoError(t, err)
	assert.Equal(t, "a", out)

	c.SetStrategy(NewQueuedStrategy(newFakeQueue(), pending.NewRegistry()))
	assert.True(t, c.IsQueueMode())
	assert.Equal(t, "queued", c.Strategy().Name())

	c.SetStrategy(nil)
	assert.True(t, c.IsQueueMode())
	c.SetStrategy(NewDirectStrategy(nil))
	assert.False(t, c.IsQueueMode())
}

func TestEventingQueue(t *testing.T) {
	ctx := context.Background()
	client := eventing.NewMemoryClient(ctx, logger.NewTestLogger())
	defer client.Close()

	got := make(chan eventing.Message, 1)
	sub, err := client.QueueSubscribe(ctx, "mcp.jobs", "workers", func(ctx context.Context, msg eventing.Message) {
		got <- msg
	})
	require.NoError(t, err)
	defer sub.Close()

	q := NewEventingQueue(client, "mcp.jobs", "mcp.relay.node-a")
	handle, err := q.Enqueue(ctx, Job{Tool: "echo", Arguments: map[string]interface{}{"text": "hi"}, SessionID: "s1", MessageID: "1"})
	require.NoError(t, err)
	assert.NotEmpty(t, handle.JobID)

	select {
	case msg := <-got:
		assert.Equal(t, KindJob, msg.Headers().Get(HeaderKind))
		job, err := DecodeJob(msg.Data())
		require.NoError(t, err)
		assert.Equal(t, handle.JobID, job.ID)
		assert.Equal(t, "mcp.relay.node-a", job.ReplyTo)
		assert.Equal(t, "hi", job.Arguments["text"])
		assert.False(t, job.EnqueuedAt.IsZero())
	case <-time.After(5 * time.Second):
		t.Fatal("job was not delivered")
	}
}

func TestDecodeGarbage(t *testing.T) {
	_, err := DecodeJob([]byte("garbage"))
	assert.Error(t, err)
	_, err = DecodeResult([]byte("garbage"))
	assert.Error(t, err)
}

func TestJobResultValue(t *testing.T) {
	job := Job{ID: "j", SessionID: "s", MessageID: "1"}

	r := NewJobResult(job, map[string]interface{}{"a": 1}, nil)
	assert.Equal(t, "j", r.JobID)
	assert.Equal(t, "s", r.SessionID)
	assert.Equal(t, "1", r.MessageID)
	assert.JSONEq(t, `{"a":1}`, string(r.Value().(json.RawMessage)))

	r = NewJobResult(job, json.RawMessage(`"x"`), nil)
	assert.Equal(t, json.RawMessage(`"x"`), r.Value())

	r = NewJobResult(job, nil, nil)
	assert.Nil(t, r.Value())

	r = NewJobResult(job, nil, errors.New("boom"))
	assert.EqualError(t, r.Value().(error), "boom")

	r = NewJobResult(job, errors.New("as value"), nil)
	assert.Equal(t, "as value", r.Error)

	r = NewJobResult(job, make(chan int), nil)
	assert.Contains(t, r.Error, "failed to encode tool output")

	data, err := EncodeResult(NewJobResult(job, "ok", nil))
	require.NoError(t, err)
	decoded, err := DecodeResult(data)
	require.NoError(t, err)
	assert.Equal(t, json.RawMessage(`"ok"`), decoded.Value())
}
