// Package eventing is a small messaging abstraction with pub/sub and queue
// group semantics. It carries queued tool jobs to workers and relays
// results between server processes.
package eventing

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
)

// ErrNotReplyable is returned by Reply on a message without a reply subject
var ErrNotReplyable = errors.New("message is not replyable")

// ErrClosed is returned when using a closed client
var ErrClosed = errors.New("eventing client closed")

// ReplyHeader carries the subject a reply should be published to
const ReplyHeader = "reply-to"

// Message represents a message received from the event system
type Message interface {
	Subject() string
	Data() []byte
	Headers() Headers
	Reply(ctx context.Context, data []byte, opts ...PublishOption) error
}

// Headers represents message headers that can be used for both map operations and propagation
type Headers map[string]string

func (h Headers) Get(key string) string {
	return h[key]
}

func (h Headers) Set(key string, value string) {
	h[key] = value
}

func (h Headers) Keys() []string {
	keys := make([]string, 0, len(h))
	for k := range h {
		keys = append(keys, k)
	}
	return keys
}

type MessageCallback func(ctx context.Context, msg Message)

type Subscriber interface {
	// Close stops the subscriber
	Close() error
	// IsValid reports whether the subscriber is still receiving
	IsValid() bool
}

type PublishOption func(*publishOptions)

type publishOptions struct {
	Headers [][]string
}

func WithHeader(key, value string) PublishOption {
	return func(o *publishOptions) {
		o.Headers = append(o.Headers, []string{key, value})
	}
}

func applyPublishOptions(opts []PublishOption) Headers {
	options := &publishOptions{}
	for _, opt := range opts {
		opt(options)
	}
	headers := make(Headers, len(options.Headers))
	for _, header := range options.Headers {
		if len(header) == 2 {
			headers[header[0]] = header[1]
		}
	}
	return headers
}

func newReplySubject() string {
	return "_INBOX." + uuid.NewString()
}

// Client defines the interface for event clients
type Client interface {
	// Publish publishes a message to every subscriber of a subject
	Publish(ctx context.Context, subject string, data []byte, opts ...PublishOption) error
	// QueuePublish publishes a message to one member of each queue group subscribed to subject
	QueuePublish(ctx context.Context, subject string, data []byte, opts ...PublishOption) error
	// Request publishes a message and synchronously waits for a reply. All subscribers receive the message and may reply; use QueueRequest for a single responder.
	Request(ctx context.Context, subject string, data []byte, timeout time.Duration, opts ...PublishOption) (Message, error)
	// QueueRequest queue publishes a message and synchronously waits for a reply
	QueueRequest(ctx context.Context, subject string, data []byte, timeout time.Duration, opts ...PublishOption) (Message, error)
	// Subscribe subscribes to a subject
	Subscribe(ctx context.Context, subject string, cb MessageCallback) (Subscriber, error)
	// QueueSubscribe subscribes to a subject in a consumer group named queue
	QueueSubscribe(ctx context.Context, subject, queue string, cb MessageCallback) (Subscriber, error)
	// Close closes the client
	Close() error
}
