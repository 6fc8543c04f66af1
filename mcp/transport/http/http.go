// Package http implements the duplex transport: every client message is an
// HTTP POST and the response to a request is written on the same exchange.
package http

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/agentuity/mcp-server/logger"
	"github.com/agentuity/mcp-server/mcp/codec"
	"github.com/agentuity/mcp-server/mcp/transport"
	"github.com/agentuity/mcp-server/mcp/types"
	"github.com/cockroachdb/errors"
)

const (
	DefaultSessionHeaderName = "Mcp-Session-Id"
	DefaultResponseTimeout   = 5 * time.Minute
)

type HTTPTransport struct {
	logger          logger.Logger
	sessionHeader   string
	generateID      func() string
	onInitialized   func(sessionID string) error
	responseTimeout time.Duration
	ctx             context.Context
	cancel          context.CancelFunc

	mu             sync.Mutex
	sessionID      string
	initialized    bool
	inflight       map[string]chan *types.JSONRPCMessage
	messageHandler transport.MessageHandler
	errorHandler   transport.ErrorHandler
	closeHandler   transport.CloseHandler
	closeOnce      sync.Once
}

var _ transport.Transport = (*HTTPTransport)(nil)

type HTTPTransportOption func(*HTTPTransport)

func WithSessionHeader(headerName string) HTTPTransportOption {
	return func(t *HTTPTransport) {
		t.sessionHeader = headerName
	}
}

// WithSessionIDGenerator sets how the id of a new session is chosen
func WithSessionIDGenerator(fn func() string) HTTPTransportOption {
	return func(t *HTTPTransport) {
		t.generateID = fn
	}
}

// WithSessionInitialized sets a callback invoked once the session id is
// assigned, before the first message is handled. An error fails the request
// and closes the transport.
func WithSessionInitialized(fn func(sessionID string) error) HTTPTransportOption {
	return func(t *HTTPTransport) {
		t.onInitialized = fn
	}
}

// WithSessionID creates the transport already initialised with sessionID,
// used when a session is recreated in a process that did not create it
func WithSessionID(sessionID string) HTTPTransportOption {
	return func(t *HTTPTransport) {
		t.sessionID = sessionID
		t.initialized = sessionID != ""
	}
}

// WithResponseTimeout bounds how long a request waits for a response sent
// asynchronously with Send
func WithResponseTimeout(d time.Duration) HTTPTransportOption {
	return func(t *HTTPTransport) {
		t.responseTimeout = d
	}
}

func NewHTTPTransport(log logger.Logger, options ...HTTPTransportOption) *HTTPTransport {
	ctx, cancel := context.WithCancel(context.Background())
	t := &HTTPTransport{
		logger:          log.WithPrefix("[duplex]"),
		sessionHeader:   DefaultSessionHeaderName,
		responseTimeout: DefaultResponseTimeout,
		inflight:        make(map[string]chan *types.JSONRPCMessage),
		ctx:             ctx,
		cancel:          cancel,
	}
	for _, option := range options {
		option(t)
	}
	return t
}

func (t *HTTPTransport) SessionID() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sessionID
}

func (t *HTTPTransport) Kind() transport.Kind {
	return transport.KindDuplex
}

func (t *HTTPTransport) SessionHeader() string {
	return t.sessionHeader
}

func (t *HTTPTransport) closed() bool {
	return t.ctx.Err() != nil
}

// HandleRequest serves one HTTP exchange of the session
func (t *HTTPTransport) HandleRequest(w http.ResponseWriter, r *http.Request, body []byte) error {
	switch r.Method {
	case http.MethodPost:
		return t.handlePost(w, r, body)
	case http.MethodDelete:
		if !t.checkSession(w, r) {
			return nil
		}
		t.Close()
		w.WriteHeader(http.StatusOK)
		return nil
	default:
		w.Header().Set("Allow", "POST, DELETE")
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return nil
	}
}

func (t *HTTPTransport) checkSession(w http.ResponseWriter, r *http.Request) bool {
	header := r.Header.Get(t.sessionHeader)
	t.mu.Lock()
	id, initialized := t.sessionID, t.initialized
	t.mu.Unlock()
	if t.closed() || !initialized {
		http.Error(w, "Session not found", http.StatusNotFound)
		return false
	}
	if header == "" {
		http.Error(w, "Missing session ID", http.StatusBadRequest)
		return false
	}
	if header != id {
		http.Error(w, "Session not found", http.StatusNotFound)
		return false
	}
	return true
}

// initialize assigns the session id on the first exchange
func (t *HTTPTransport) initialize(w http.ResponseWriter, r *http.Request) (bool, error) {
	t.mu.Lock()
	if t.initialized {
		t.mu.Unlock()
		return t.checkSession(w, r), nil
	}
	if r.Header.Get(t.sessionHeader) != "" {
		t.mu.Unlock()
		http.Error(w, "Session not found", http.StatusNotFound)
		return false, nil
	}
	if t.generateID == nil {
		t.mu.Unlock()
		http.Error(w, "Session not found", http.StatusNotFound)
		return false, errors.New("transport has no session id generator")
	}
	t.sessionID = t.generateID()
	t.initialized = true
	id := t.sessionID
	t.mu.Unlock()

	if t.onInitialized != nil {
		if err := t.onInitialized(id); err != nil {
			http.Error(w, "Failed to initialize session", http.StatusInternalServerError)
			t.Close()
			return false, errors.Wrapf(err, "failed to initialize session %s", id)
		}
	}
	return true, nil
}

func (t *HTTPTransport) handlePost(w http.ResponseWriter, r *http.Request, body []byte) error {
	if t.closed() {
		http.Error(w, "Session not found", http.StatusNotFound)
		return transport.ErrClosed
	}
	t.mu.Lock()
	initialized := t.initialized
	t.mu.Unlock()
	if initialized && !t.checkSession(w, r) {
		return nil
	}
	message, err := codec.Decode(body)
	if err != nil {
		http.Error(w, "Error parsing JSON-RPC message", http.StatusBadRequest)
		return err
	}
	if !initialized {
		ok, err := t.initialize(w, r)
		if !ok {
			return err
		}
	}

	t.mu.Lock()
	handler := t.messageHandler
	t.mu.Unlock()

	if !message.IsRequest() {
		if handler != nil {
			handler(r.Context(), message)
		}
		t.setSessionHeader(w)
		w.WriteHeader(http.StatusAccepted)
		return nil
	}

	key := string(message.ID)
	ch := make(chan *types.JSONRPCMessage, 1)
	t.mu.Lock()
	t.inflight[key] = ch
	t.mu.Unlock()
	defer func() {
		t.mu.Lock()
		if t.inflight[key] == ch {
			delete(t.inflight, key)
		}
		t.mu.Unlock()
	}()

	var response *types.JSONRPCMessage
	if handler != nil {
		response = handler(r.Context(), message)
	}
	if response == nil {
		timer := time.NewTimer(t.responseTimeout)
		defer timer.Stop()
		select {
		case response = <-ch:
		case <-r.Context().Done():
			return r.Context().Err()
		case <-t.ctx.Done():
			http.Error(w, "Session closed", http.StatusNotFound)
			return transport.ErrClosed
		case <-timer.C:
			response = codec.ErrorResponse(message.ID, types.CodeInternalError, "timed out waiting for a response")
		}
	}
	return t.writeResponse(w, r, response)
}

func (t *HTTPTransport) setSessionHeader(w http.ResponseWriter) {
	if id := t.SessionID(); id != "" {
		w.Header().Set(t.sessionHeader, id)
	}
}

// wantsEventStream reports whether the client accepts only an event stream
func wantsEventStream(r *http.Request) bool {
	accept := r.Header.Get("Accept")
	return strings.Contains(accept, "text/event-stream") && !strings.Contains(accept, "application/json")
}

func (t *HTTPTransport) writeResponse(w http.ResponseWriter, r *http.Request, response *types.JSONRPCMessage) error {
	data, err := json.Marshal(response)
	if err != nil {
		http.Error(w, "Error encoding response", http.StatusInternalServerError)
		return errors.Wrap(err, "failed to encode response")
	}
	t.setSessionHeader(w)
	if wantsEventStream(r) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.WriteHeader(http.StatusOK)
		_, err = fmt.Fprintf(w, "event: message\ndata: %s\n\n", data)
	} else {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, err = w.Write(data)
	}
	if err != nil {
		t.mu.Lock()
		handler := t.errorHandler
		t.mu.Unlock()
		if handler != nil {
			handler(err)
		}
	}
	return err
}

// Send delivers a response to the request waiting for it
func (t *HTTPTransport) Send(ctx context.Context, message *types.JSONRPCMessage) error {
	if t.closed() {
		return transport.ErrClosed
	}
	t.mu.Lock()
	ch, ok := t.inflight[string(message.ID)]
	if ok {
		delete(t.inflight, string(message.ID))
	}
	t.mu.Unlock()
	if !ok {
		return transport.ErrNoActiveRequest
	}
	select {
	case ch <- message:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *HTTPTransport) Close() error {
	first := false
	t.closeOnce.Do(func() {
		t.cancel()
		first = true
	})
	if !first {
		return nil
	}
	t.mu.Lock()
	handler := t.closeHandler
	t.mu.Unlock()
	if handler != nil {
		handler()
	}
	return nil
}

func (t *HTTPTransport) SetMessageHandler(handler transport.MessageHandler) {
	t.mu.Lock()
	t.messageHandler = handler
	t.mu.Unlock()
}

func (t *HTTPTransport) SetErrorHandler(handler transport.ErrorHandler) {
	t.mu.Lock()
	t.errorHandler = handler
	t.mu.Unlock()
}

func (t *HTTPTransport) SetCloseHandler(handler transport.CloseHandler) {
	t.mu.Lock()
	t.closeHandler = handler
	t.mu.Unlock()
}
