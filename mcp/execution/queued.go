package execution

import (
	"context"
	"time"

	"github.com/agentuity/mcp-server/logger"
	"github.com/agentuity/mcp-server/mcp/pending"
	"github.com/agentuity/mcp-server/mcp/tool"
	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
)

// QueuedStrategy hands calls to a JobQueue and waits for the worker result
// to be resolved in the pending registry
type QueuedStrategy struct {
	queue    JobQueue
	registry *pending.Registry
	timeout  time.Duration
	logger   logger.Logger
}

var _ Strategy = (*QueuedStrategy)(nil)

type QueuedOption func(*QueuedStrategy)

// WithTimeout bounds how long a call waits for its worker, zero waits until
// the caller's context ends
func WithTimeout(d time.Duration) QueuedOption {
	return func(s *QueuedStrategy) {
		s.timeout = d
	}
}

func WithLogger(log logger.Logger) QueuedOption {
	return func(s *QueuedStrategy) {
		s.logger = log
	}
}

func NewQueuedStrategy(queue JobQueue, registry *pending.Registry, opts ...QueuedOption) *QueuedStrategy {
	s := &QueuedStrategy{queue: queue, registry: registry}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *QueuedStrategy) Name() string {
	return "queued"
}

func (s *QueuedStrategy) Registry() *pending.Registry {
	return s.registry
}

// ExecuteTool registers the pending call before enqueueing so a result that
// arrives immediately still finds it
func (s *QueuedStrategy) ExecuteTool(ctx context.Context, t tool.Tool, args map[string]interface{}, call CallContext) (interface{}, error) {
	pendingCall := s.registry.Store(call.SessionID, call.MessageID, call.RawID)
	job := Job{
		ID:        uuid.NewString(),
		Tool:      t.Name(),
		Source:    tool.SourceOf(t),
		Arguments: args,
		SessionID: call.SessionID,
		MessageID: call.MessageID,
	}
	handle, err := s.queue.Enqueue(ctx, job)
	if err != nil {
		s.registry.RemoveCall(pendingCall, err)
		return nil, errors.Wrapf(err, "failed to queue tool %s", t.Name())
	}
	if s.logger != nil {
		s.logger.Debug("queued job %s for tool %s (%s)", handle.JobID, t.Name(), pendingCall.ID)
	}

	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}
	value, err := pendingCall.Wait(ctx)
	if err != nil && ctx.Err() != nil {
		s.registry.RemoveCall(pendingCall, ctx.Err())
		return nil, errors.Wrapf(ctx.Err(), "gave up waiting for tool %s", t.Name())
	}
	return value, err
}
