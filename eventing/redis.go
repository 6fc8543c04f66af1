package eventing

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/agentuity/mcp-server/logger"
	"github.com/cockroachdb/errors"
	"github.com/redis/go-redis/v9"
	"github.com/vmihailenco/msgpack/v5"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	// redisStreamMaxLen keeps queue streams bounded
	redisStreamMaxLen = 1000
	// redisReadBlock is how long a queue read blocks before checking for shutdown
	redisReadBlock = 500 * time.Millisecond
)

type redisMsgPayload struct {
	InternalData    []byte  `msgpack:"data"`
	InternalHeaders Headers `msgpack:"headers"`
	subject         string
	replier         func(ctx context.Context, data []byte, opts ...PublishOption) error
}

func (m *redisMsgPayload) Subject() string {
	return m.subject
}

func (m *redisMsgPayload) Data() []byte {
	return m.InternalData
}

func (m *redisMsgPayload) Headers() Headers {
	return m.InternalHeaders
}

func (m *redisMsgPayload) Reply(ctx context.Context, data []byte, opts ...PublishOption) error {
	if m.replier == nil {
		return ErrNotReplyable
	}
	return m.replier(ctx, data, opts...)
}

type redisSubscriber struct {
	pubsub  *redis.PubSub
	cancel  context.CancelFunc
	running atomic.Bool
}

func (s *redisSubscriber) IsValid() bool {
	return s != nil && s.pubsub != nil && s.running.Load()
}

func (s *redisSubscriber) Close() error {
	s.running.Store(false)
	if s.cancel != nil {
		s.cancel()
	}
	return s.pubsub.Close()
}

type redisQueueSubscriber struct {
	streamKey string
	group     string
	consumer  string
	rdb       redis.UniversalClient
	cancel    context.CancelFunc
	done      chan struct{}
	running   atomic.Bool
	once      sync.Once
}

func (s *redisQueueSubscriber) IsValid() bool {
	return s != nil && s.running.Load()
}

func (s *redisQueueSubscriber) Close() error {
	var err error
	s.once.Do(func() {
		s.running.Store(false)
		if s.cancel != nil {
			s.cancel()
		}
		if s.done != nil {
			<-s.done
		}
		if s.rdb != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			err = s.rdb.XGroupDelConsumer(ctx, s.streamKey, s.group, s.consumer).Err()
		}
	})
	return err
}

type redisEventingClient struct {
	rdb    redis.UniversalClient
	ctx    context.Context
	cancel context.CancelFunc
	logger logger.Logger
}

var _ Client = (*redisEventingClient)(nil)

// NewRedisClient returns a Client using Redis pub/sub for Publish and Redis
// streams with consumer groups for QueuePublish. The redis client is owned
// by the caller.
func NewRedisClient(ctx context.Context, log logger.Logger, rdb redis.UniversalClient) (Client, error) {
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, errors.Wrap(err, "failed to connect to redis")
	}
	ctx, cancel := context.WithCancel(ctx)
	return &redisEventingClient{
		rdb:    rdb,
		ctx:    ctx,
		cancel: cancel,
		logger: log.With(map[string]interface{}{"component": "eventing"}),
	}, nil
}

func (c *redisEventingClient) encode(ctx context.Context, data []byte, opts []PublishOption) ([]byte, error) {
	msg := redisMsgPayload{
		InternalData:    data,
		InternalHeaders: applyPublishOptions(opts),
	}
	// inject the trace context into the headers before starting a span
	propagator.Inject(ctx, msg.InternalHeaders)
	payload, err := msgpack.Marshal(msg)
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal message")
	}
	return payload, nil
}

func (c *redisEventingClient) Publish(ctx context.Context, subject string, data []byte, opts ...PublishOption) error {
	if c.ctx.Err() != nil {
		return ErrClosed
	}
	payload, err := c.encode(ctx, data, opts)
	if err != nil {
		return err
	}
	spanCtx, span := tracer.Start(ctx, "Publish", trace.WithSpanKind(trace.SpanKindProducer))
	defer span.End()

	if err := c.rdb.Publish(spanCtx, subject, payload).Err(); err != nil {
		recordError(span, err)
		return errors.Wrap(err, "failed to publish message")
	}
	span.SetStatus(codes.Ok, "message published")
	return nil
}

func (c *redisEventingClient) QueuePublish(ctx context.Context, subject string, data []byte, opts ...PublishOption) error {
	if c.ctx.Err() != nil {
		return ErrClosed
	}
	payload, err := c.encode(ctx, data, opts)
	if err != nil {
		return err
	}
	spanCtx, span := tracer.Start(ctx, "QueuePublish", trace.WithSpanKind(trace.SpanKindProducer))
	defer span.End()

	if err := c.rdb.XAdd(spanCtx, &redis.XAddArgs{
		Stream: subject,
		Approx: true,
		MaxLen: redisStreamMaxLen,
		Values: map[string]interface{}{
			"payload": payload,
		},
	}).Err(); err != nil {
		recordError(span, err)
		return errors.Wrap(err, "failed to queue message")
	}
	span.SetStatus(codes.Ok, "message queued")
	return nil
}

func (c *redisEventingClient) Request(ctx context.Context, subject string, data []byte, timeout time.Duration, opts ...PublishOption) (Message, error) {
	return c.request(ctx, subject, data, timeout, false, opts...)
}

func (c *redisEventingClient) QueueRequest(ctx context.Context, subject string, data []byte, timeout time.Duration, opts ...PublishOption) (Message, error) {
	return c.request(ctx, subject, data, timeout, true, opts...)
}

// request publishes on subject and waits for a reply on a unique inbox.
// Replies always travel over pub/sub.
func (c *redisEventingClient) request(ctx context.Context, subject string, data []byte, timeout time.Duration, queue bool, opts ...PublishOption) (Message, error) {
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

func (c *redisEventingClient) internalCallback(ctx context.Context, subject string, payload []byte, cb MessageCallback) {
	var msg redisMsgPayload
	if err := msgpack.Unmarshal(payload, &msg); err != nil {
		c.logger.Error("failed to decode message on %s: %s", subject, err)
		return
	}
	if msg.InternalHeaders == nil {
		msg.InternalHeaders = Headers{}
	}
	msg.subject = subject
	// extract the trace context from the headers
	spanCtx, span := tracer.Start(
		propagator.Extract(ctx, msg.InternalHeaders),
		"internalCallback",
		trace.WithSpanKind(trace.SpanKindConsumer),
	)
	defer span.End()

	if reply := msg.InternalHeaders[ReplyHeader]; reply != "" {
		msg.replier = func(ctx context.Context, data []byte, opts ...PublishOption) error {
			return c.Publish(ctx, reply, data, opts...)
		}
	}
	cb(spanCtx, &msg)
}

func (c *redisEventingClient) Subscribe(ctx context.Context, subject string, cb MessageCallback) (Subscriber, error) {
	if c.ctx.Err() != nil {
		return nil, ErrClosed
	}
	pubsub := c.rdb.Subscribe(ctx, subject)
	// wait for the subscription to be confirmed so no message published
	// after Subscribe returns is missed
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, errors.Wrapf(err, "failed to subscribe to %s", subject)
	}

	subCtx, cancel := context.WithCancel(ctx)
	sub := &redisSubscriber{pubsub: pubsub, cancel: cancel}
	sub.running.Store(true)

	go func() {
		defer sub.running.Store(false)
		ch := pubsub.Channel()
		for {
			select {
			case <-subCtx.Done():
				return
			case <-c.ctx.Done():
				return
			case redisMsg, ok := <-ch:
				if !ok {
					return
				}
				c.internalCallback(subCtx, subject, []byte(redisMsg.Payload), cb)
			}
		}
	}()

	return sub, nil
}

func (c *redisEventingClient) QueueSubscribe(ctx context.Context, subject, queue string, cb MessageCallback) (Subscriber, error) {
	if c.ctx.Err() != nil {
		return nil, ErrClosed
	}
	if err := c.rdb.XGroupCreateMkStream(ctx, subject, queue, "$").Err(); err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return nil, errors.Wrap(err, "failed to create consumer group")
	}

	subCtx, cancel := context.WithCancel(ctx)
	sub := &redisQueueSubscriber{
		streamKey: subject,
		group:     queue,
		consumer:  fmt.Sprintf("%s-%s", queue, newReplySubject()[len("_INBOX."):]),
		rdb:       c.rdb,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	sub.running.Store(true)

	go func() {
		defer close(sub.done)
		defer sub.running.Store(false)
		for {
			if subCtx.Err() != nil || c.ctx.Err() != nil {
				return
			}
			streams, err := c.rdb.XReadGroup(subCtx, &redis.XReadGroupArgs{
				Group:    queue,
				Consumer: sub.consumer,
				Streams:  []string{subject, ">"},
				Count:    10,
				Block:    redisReadBlock,
			}).Result()
			if err != nil {
				if err == redis.Nil {
					continue
				}
				if subCtx.Err() != nil || c.ctx.Err() != nil {
					return
				}
				c.logger.Warn("failed to read from %s: %s", subject, err)
				select {
				case <-subCtx.Done():
					return
				case <-time.After(time.Second):
				}
				continue
			}
			for _, stream := range streams {
				for _, message := range stream.Messages {
					if payload, ok := message.Values["payload"].(string); ok {
						c.internalCallback(subCtx, subject, []byte(payload), cb)
					}
					c.rdb.XAck(subCtx, subject, queue, message.ID)
				}
			}
		}
	}()

	return sub, nil
}

func (c *redisEventingClient) Close() error {
	c.cancel()
	return nil
}
