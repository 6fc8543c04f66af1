// Package sse implements the stream transport: the client holds a
// server-sent-events connection open and posts its messages to a separate
// endpoint announced in the first event.
package sse

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/agentuity/mcp-server/logger"
	"github.com/agentuity/mcp-server/mcp/codec"
	"github.com/agentuity/mcp-server/mcp/transport"
	"github.com/agentuity/mcp-server/mcp/types"
	"github.com/cockroachdb/errors"
)

const (
	DefaultKeepAlive = 15 * time.Second
	DefaultQueueSize = 100
	// SessionQueryParam carries the session id on posted messages
	SessionQueryParam = "sessionId"
)

type Transport struct {
	id        string
	postPath  string
	logger    logger.Logger
	queue     chan *types.JSONRPCMessage
	keepAlive time.Duration
	ctx       context.Context
	cancel    context.CancelFunc

	mu             sync.RWMutex
	messageHandler transport.MessageHandler
	errorHandler   transport.ErrorHandler
	closeHandler   transport.CloseHandler
	serving        bool
	closeOnce      sync.Once
}

var _ transport.Transport = (*Transport)(nil)

type Option func(*Transport)

// WithKeepAlive sets the interval of keepalive comments, zero disables them
func WithKeepAlive(d time.Duration) Option {
	return func(t *Transport) {
		t.keepAlive = d
	}
}

// WithQueueSize bounds the messages buffered before the stream drains them
func WithQueueSize(size int) Option {
	return func(t *Transport) {
		if size > 0 {
			t.queue = make(chan *types.JSONRPCMessage, size)
		}
	}
}

// NewTransport creates a stream transport. Messages for the session must be
// posted to postPath.
func NewTransport(sessionID string, postPath string, log logger.Logger, opts ...Option) *Transport {
	ctx, cancel := context.WithCancel(context.Background())
	t := &Transport{
		id:        sessionID,
		postPath:  postPath,
		logger:    log.WithPrefix("[sse]").With(map[string]interface{}{"sessionId": sessionID}),
		queue:     make(chan *types.JSONRPCMessage, DefaultQueueSize),
		keepAlive: DefaultKeepAlive,
		ctx:       ctx,
		cancel:    cancel,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *Transport) SessionID() string {
	return t.id
}

func (t *Transport) Kind() transport.Kind {
	return transport.KindStream
}

// Endpoint is the URL announced to the client for posting messages
func (t *Transport) Endpoint() string {
	return t.postPath + "?" + SessionQueryParam + "=" + url.QueryEscape(t.id)
}

// Done is closed when the transport closes
func (t *Transport) Done() <-chan struct{} {
	return t.ctx.Done()
}

func writeEvent(w http.ResponseWriter, flusher http.Flusher, event string, data []byte) error {
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data); err != nil {
		return err
	}
	flusher.Flush()
	return nil
}

// Serve streams events to the client until the client goes away or the
// transport is closed. It must be called at most once.
func (t *Transport) Serve(w http.ResponseWriter, r *http.Request) error {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming not supported", http.StatusInternalServerError)
		return errors.New("response writer does not support flushing")
	}
	t.mu.Lock()
	if t.serving {
		t.mu.Unlock()
		http.Error(w, "Stream already connected", http.StatusConflict)
		return errors.Newf("session %s already has a stream", t.id)
	}
	t.serving = true
	t.mu.Unlock()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	if err := writeEvent(w, flusher, "endpoint", []byte(t.Endpoint())); err != nil {
		t.fail(err)
		return err
	}

	var keepAlive <-chan time.Time
	if t.keepAlive > 0 {
		ticker := time.NewTicker(t.keepAlive)
		defer ticker.Stop()
		keepAlive = ticker.C
	}

	for {
		select {
		case <-t.ctx.Done():
			return nil
		case <-r.Context().Done():
			t.logger.Debug("client disconnected")
			t.Close()
			return nil
		case msg := <-t.queue:
			data, err := json.Marshal(msg)
			if err != nil {
				t.logger.Error("failed to encode message: %s", err)
				continue
			}
			if err := writeEvent(w, flusher, "message", data); err != nil {
				t.fail(err)
				return err
			}
		case <-keepAlive:
			if _, err := fmt.Fprint(w, ": keepalive\n\n"); err != nil {
				t.fail(err)
				return err
			}
			flusher.Flush()
		}
	}
}

func (t *Transport) fail(err error) {
	t.mu.RLock()
	handler := t.errorHandler
	t.mu.RUnlock()
	if handler != nil {
		handler(err)
	}
	t.Close()
}

// Send queues a message for the stream. Messages are written in the order
// Send is called.
func (t *Transport) Send(ctx context.Context, message *types.JSONRPCMessage) error {
	if t.ctx.Err() != nil {
		return transport.ErrClosed
	}
	select {
	case t.queue <- message:
		return nil
	case <-t.ctx.Done():
		return transport.ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// HandleRequest accepts a posted message. The response is delivered on the
// stream, the POST itself is answered with 202 Accepted.
func (t *Transport) HandleRequest(w http.ResponseWriter, r *http.Request, body []byte) error {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return nil
	}
	if id := r.URL.Query().Get(SessionQueryParam); id != "" && id != t.id {
		http.Error(w, "Session not found", http.StatusNotFound)
		return nil
	}
	if t.ctx.Err() != nil {
		http.Error(w, "Session closed", http.StatusNotFound)
		return transport.ErrClosed
	}
	message, err := codec.Decode(body)
	if err != nil {
		http.Error(w, "Error parsing JSON-RPC message", http.StatusBadRequest)
		return err
	}

	w.WriteHeader(http.StatusAccepted)
	_, _ = w.Write([]byte("Accepted"))
	t.Dispatch(message)
	return nil
}

// Dispatch runs the message handler in the background and sends its
// response, if any, on the stream
func (t *Transport) Dispatch(message *types.JSONRPCMessage) {
	t.mu.RLock()
	handler := t.messageHandler
	t.mu.RUnlock()
	if handler == nil || t.ctx.Err() != nil {
		return
	}
	go func() {
		response := handler(t.ctx, message)
		if response == nil {
			return
		}
		if err := t.Send(t.ctx, response); err != nil && !errors.Is(err, transport.ErrClosed) {
			t.logger.Warn("failed to send response: %s", err)
		}
	}()
}

func (t *Transport) SetMessageHandler(handler transport.MessageHandler) {
	t.mu.Lock()
	t.messageHandler = handler
	t.mu.Unlock()
}

func (t *Transport) SetErrorHandler(handler transport.ErrorHandler) {
	t.mu.Lock()
	t.errorHandler = handler
	t.mu.Unlock()
}

func (t *Transport) SetCloseHandler(handler transport.CloseHandler) {
	t.mu.Lock()
	t.closeHandler = handler
	t.mu.Unlock()
}

// Close ends the stream. The close handler runs once, after the stream is
// marked closed, so it may call Close again.
func (t *Transport) Close() error {
	first := false
	t.closeOnce.Do(func() {
		t.cancel()
		first = true
	})
	if !first {
		return nil
	}
	t.mu.RLock()
	handler := t.closeHandler
	t.mu.RUnlock()
	if handler != nil {
		handler()
	}
	return nil
}
