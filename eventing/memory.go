package eventing

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/agentuity/mcp-server/logger"
	"go.opentelemetry.io/otel/trace"
)

type memoryMessage struct {
	subject string
	data    []byte
	headers Headers
	client  *memoryClient
}

func (m *memoryMessage) Subject() string  { return m.subject }
func (m *memoryMessage) Data() []byte     { return m.data }
func (m *memoryMessage) Headers() Headers { return m.headers }

func (m *memoryMessage) Reply(ctx context.Context, data []byte, opts ...PublishOption) error {
	reply := m.headers[ReplyHeader]
	if reply == "" {
		return ErrNotReplyable
	}
	return m.client.Publish(ctx, reply, data, opts...)
}

type memorySubscriber struct {
	client  *memoryClient
	subject string
	queue   string
	cb      MessageCallback
	ctx     context.Context
	cancel  context.CancelFunc
	inbox   chan *memoryMessage
	running atomic.Bool
	once    sync.Once
}

func (s *memorySubscriber) IsValid() bool {
	return s != nil && s.running.Load()
}

func (s *memorySubscriber) Close() error {
	s.once.Do(func() {
		s.running.Store(false)
		s.client.remove(s)
		s.cancel()
	})
	return nil
}

func (s *memorySubscriber) run() {
	for {
		select {
		case <-s.ctx.Done():
			s.Close()
			return
		case msg := <-s.inbox:
			s.client.deliver(s.ctx, msg, s.cb)
		}
	}
}

type memoryClient struct {
	mu     sync.Mutex
	subs   map[string][]*memorySubscriber
	groups map[string]map[string][]*memorySubscriber
	next   map[string]int
	ctx    context.Context
	cancel context.CancelFunc
	logger logger.Logger
}

var _ Client = (*memoryClient)(nil)

// NewMemoryClient returns a Client that delivers messages within the
// process. Each subscriber receives its messages in publish order.
func NewMemoryClient(ctx context.Context, log logger.Logger) Client {
	ctx, cancel := context.WithCancel(ctx)
	return &memoryClient{
		subs:   make(map[string][]*memorySubscriber),
		groups: make(map[string]map[string][]*memorySubscriber),
		next:   make(map[string]int),
		ctx:    ctx,
		cancel: cancel,
		logger: log.With(map[string]interface{}{"component": "eventing"}),
	}
}

func (c *memoryClient) newMessage(ctx context.Context, subject string, data []byte, opts []PublishOption) *memoryMessage {
	headers := applyPublishOptions(opts)
	propagator.Inject(ctx, headers)
	return &memoryMessage{
		subject: subject,
		data:    append([]byte(nil), data...),
		headers: headers,
		client:  c,
	}
}

func (c *memoryClient) deliver(ctx context.Context, msg *memoryMessage, cb MessageCallback) {
	spanCtx, span := tracer.Start(
		propagator.Extract(ctx, msg.headers),
		"internalCallback",
		trace.WithSpanKind(trace.SpanKindConsumer),
	)
	defer span.End()
	cb(spanCtx, msg)
}

func (s *memorySubscriber) enqueue(msg *memoryMessage) {
	select {
	case s.inbox <- msg:
	case <-s.ctx.Done():
	}
}

func (c *memoryClient) Publish(ctx context.Context, subject string, data []byte, opts ...PublishOption) error {
	if c.ctx.Err() != nil {
		return ErrClosed
	}
	msg := c.newMessage(ctx, subject, data, opts)
	c.mu.Lock()
	targets := append([]*memorySubscriber(nil), c.subs[subject]...)
	c.mu.Unlock()
	for _, s := range targets {
		s.enqueue(msg)
	}
	return nil
}

func (c *memoryClient) QueuePublish(ctx context.Context, subject string, data []byte, opts ...PublishOption) error {
	if c.ctx.Err() != nil {
		return ErrClosed
	}
	msg := c.newMessage(ctx, subject, data, opts)
	var targets []*memorySubscriber
	c.mu.Lock()
	for queue, members := range c.groups[subject] {
		if len(members) == 0 {
			continue
		}
		key := subject + "/" + queue
		idx := c.next[key] % len(members)
		c.next[key] = idx + 1
		targets = append(targets, members[idx])
	}
	c.mu.Unlock()
	if len(targets) == 0 {
		c.logger.Debug("no queue subscribers for %s, message dropped", subject)
	}
	for _, s := range targets {
		s.enqueue(msg)
	}
	return nil
}

func (c *memoryClient) Request(ctx context.Context, subject string, data []byte, timeout time.Duration, opts ...PublishOption) (Message, error) {
	return c.request(ctx, subject, data, timeout, false, opts...)
}

func (c *memoryClient) QueueRequest(ctx context.Context, subject string, data []byte, timeout time.Duration, opts ...PublishOption) (Message, error) {
	return c.request(ctx, subject, data, timeout, true, opts...)
}

func (c *memoryClient) request(ctx context.Context, subject string, data []byte, timeout time.Duration, queue bool, opts ...PublishOption) (Message, error) {
	replySubject := newReplySubject()
	replyChan := make(chan Message, 1)
	sub, err := c.Subscribe(ctx, replySubject, func(ctx context.Context, msg Message) {
		select {
		case replyChan <- msg:
		default:
		}
	})
	if err != nil {
		return nil, err
	}
	defer sub.Close()

	opts = append(opts, WithHeader(ReplyHeader, replySubject))
	if queue {
		err = c.QueuePublish(ctx, subject, data, opts...)
	} else {
		err = c.Publish(ctx, subject, data, opts...)
	}
	if err != nil {
		return nil, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case reply := <-replyChan:
		return reply, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		return nil, fmt.Errorf("request timed out after %v", timeout)
	}
}

func (c *memoryClient) subscribe(ctx context.Context, subject, queue string, cb MessageCallback) (Subscriber, error) {
	if c.ctx.Err() != nil {
		return nil, ErrClosed
	}
	subCtx, cancel := context.WithCancel(ctx)
	s := &memorySubscriber{
		client:  c,
		subject: subject,
		queue:   queue,
		cb:      cb,
		ctx:     subCtx,
		cancel:  cancel,
		inbox:   make(chan *memoryMessage, 256),
	}
	s.running.Store(true)
	c.mu.Lock()
	if queue == "" {
		c.subs[subject] = append(c.subs[subject], s)
	} else {
		if c.groups[subject] == nil {
			c.groups[subject] = make(map[string][]*memorySubscriber)
		}
		c.groups[subject][queue] = append(c.groups[subject][queue], s)
	}
	c.mu.Unlock()
	go func() {
		select {
		case <-c.ctx.Done():
			s.Close()
		case <-subCtx.Done():
		}
	}()
	go s.run()
	return s, nil
}

func (c *memoryClient) remove(s *memorySubscriber) {
	c.mu.Lock()
	defer c.mu.Unlock()
	without := func(list []*memorySubscriber) []*memorySubscriber {
		out := list[:0:0]
		for _, item := range list {
			if item != s {
				out = append(out, item)
			}
		}
		return out
	}
	if s.queue == "" {
		c.subs[s.subject] = without(c.subs[s.subject])
		if len(c.subs[s.subject]) == 0 {
			delete(c.subs, s.subject)
		}
		return
	}
	if group := c.groups[s.subject]; group != nil {
		group[s.queue] = without(group[s.queue])
	}
}

func (c *memoryClient) Subscribe(ctx context.Context, subject string, cb MessageCallback) (Subscriber, error) {
	return c.subscribe(ctx, subject, "", cb)
}

func (c *memoryClient) QueueSubscribe(ctx context.Context, subject, queue string, cb MessageCallback) (Subscriber, error) {
	return c.subscribe(ctx, subject, queue, cb)
}

func (c *memoryClient) Close() error {
	c.cancel()
	return nil
}
