package eventing

import (
	"context"
	"time"

	"github.com/agentuity/mcp-server/logger"
	"github.com/cockroachdb/errors"
	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

type natsMessage struct {
	msg    *nats.Msg
	client *natsEventingClient
}

func (m *natsMessage) Subject() string {
	return m.msg.Subject
}

func (m *natsMessage) Data() []byte {
	return m.msg.Data
}

func (m *natsMessage) Headers() Headers {
	return fromNATSHeader(m.msg.Header)
}

func (m *natsMessage) Reply(ctx context.Context, data []byte, opts ...PublishOption) error {
	if m.msg.Reply == "" {
		return ErrNotReplyable
	}
	return m.client.Publish(ctx, m.msg.Reply, data, opts...)
}

func fromNATSHeader(h nats.Header) Headers {
	headers := make(Headers, len(h))
	for k, v := range h {
		if len(v) > 0 {
			headers[k] = v[0]
		}
	}
	return headers
}

func toNATSHeader(h Headers) nats.Header {
	header := make(nats.Header, len(h))
	for k, v := range h {
		header.Set(k, v)
	}
	return header
}

type natsSubscriber struct {
	sub *nats.Subscription
}

func (s *natsSubscriber) IsValid() bool {
	return s != nil && s.sub != nil && s.sub.IsValid()
}

func (s *natsSubscriber) Close() error {
	if !s.IsValid() {
		return nil
	}
	return s.sub.Unsubscribe()
}

type natsEventingClient struct {
	conn   *nats.Conn
	logger logger.Logger
}

var _ Client = (*natsEventingClient)(nil)

// NewNATSClient returns a Client over a NATS connection. Queue groups map to
// NATS queue subscriptions, so QueuePublish is a plain publish.
func NewNATSClient(log logger.Logger, conn *nats.Conn) Client {
	return &natsEventingClient{
		conn:   conn,
		logger: log.With(map[string]interface{}{"component": "eventing"}),
	}
}

func (c *natsEventingClient) newMsg(ctx context.Context, subject string, data []byte, opts []PublishOption) *nats.Msg {
	headers := applyPublishOptions(opts)
	propagator.Inject(ctx, headers)
	msg := nats.NewMsg(subject)
	msg.Data = data
	msg.Header = toNATSHeader(headers)
	return msg
}

func (c *natsEventingClient) Publish(ctx context.Context, subject string, data []byte, opts ...PublishOption) error {
	msg := c.newMsg(ctx, subject, data, opts)
	_, span := tracer.Start(ctx, "Publish", trace.WithSpanKind(trace.SpanKindProducer))
	defer span.End()
	if err := c.conn.PublishMsg(msg); err != nil {
		recordError(span, err)
		if errors.Is(err, nats.ErrConnectionClosed) {
			return ErrClosed
		}
		return errors.Wrap(err, "failed to publish message")
	}
	span.SetStatus(codes.Ok, "message published")
	return nil
}

func (c *natsEventingClient) QueuePublish(ctx context.Context, subject string, data []byte, opts ...PublishOption) error {
	return c.Publish(ctx, subject, data, opts...)
}

func (c *natsEventingClient) Request(ctx context.Context, subject string, data []byte, timeout time.Duration, opts ...PublishOption) (Message, error) {
	msg := c.newMsg(ctx, subject, data, opts)
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	reply, err := c.conn.RequestMsgWithContext(ctx, msg)
	if err != nil {
		return nil, errors.Wrapf(err, "request to %s failed", subject)
	}
	return &natsMessage{msg: reply, client: c}, nil
}

func (c *natsEventingClient) QueueRequest(ctx context.Context, subject string, data []byte, timeout time.Duration, opts ...PublishOption) (Message, error) {
	return c.Request(ctx, subject, data, timeout, opts...)
}

func (c *natsEventingClient) handler(ctx context.Context, cb MessageCallback) nats.MsgHandler {
	return func(msg *nats.Msg) {
		if ctx.Err() != nil {
			return
		}
		wrapped := &natsMessage{msg: msg, client: c}
		spanCtx, span := tracer.Start(
			propagator.Extract(ctx, wrapped.Headers()),
			"internalCallback",
			trace.WithSpanKind(trace.SpanKindConsumer),
		)
		defer span.End()
		cb(spanCtx, wrapped)
	}
}

func (c *natsEventingClient) Subscribe(ctx context.Context, subject string, cb MessageCallback) (Subscriber, error) {
	sub, err := c.conn.Subscribe(subject, c.handler(ctx, cb))
	if err != nil {
		return nil, errors.Wrapf(err, "failed to subscribe to %s", subject)
	}
	return &natsSubscriber{sub: sub}, nil
}

func (c *natsEventingClient) QueueSubscribe(ctx context.Context, subject, queue string, cb MessageCallback) (Subscriber, error) {
	sub, err := c.conn.QueueSubscribe(subject, queue, c.handler(ctx, cb))
	if err != nil {
		return nil, errors.Wrapf(err, "failed to queue subscribe to %s", subject)
	}
	return &natsSubscriber{sub: sub}, nil
}

// Close does not close the NATS connection, it is owned by the caller
func (c *natsEventingClient) Close() error {
	return nil
}
