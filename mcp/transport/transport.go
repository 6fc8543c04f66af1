// Package transport defines the per-session channel between a client and the
// server. Two kinds exist: a long lived event stream with messages posted to
// a side endpoint, and a duplex request/response channel over POST.
package transport

import (
	"context"
	"net/http"

	"github.com/agentuity/mcp-server/mcp/types"
	"github.com/cockroachdb/errors"
)

// Kind names the transport flavour of a session
type Kind string

const (
	// KindStream is the server-sent-events transport
	KindStream Kind = "stream"
	// KindDuplex is the streamable HTTP transport
	KindDuplex Kind = "duplex"
)

func (k Kind) Valid() bool {
	return k == KindStream || k == KindDuplex
}

var (
	// ErrClosed is returned when sending on a closed transport
	ErrClosed = errors.New("transport closed")
	// ErrNoActiveRequest is returned when a duplex transport has nowhere to
	// deliver a response
	ErrNoActiveRequest = errors.New("no active request for response")
)

// Transport is a single session's channel to its client
type Transport interface {
	// SessionID returns the session id, empty until the session is initialised
	SessionID() string

	Kind() Kind

	// Send delivers an outbound message to the client
	Send(ctx context.Context, message *types.JSONRPCMessage) error

	// HandleRequest processes an inbound HTTP request whose body has already
	// been read into body
	HandleRequest(w http.ResponseWriter, r *http.Request, body []byte) error

	SetMessageHandler(handler MessageHandler)

	SetErrorHandler(handler ErrorHandler)

	SetCloseHandler(handler CloseHandler)

	Close() error
}

// MessageHandler processes an inbound message and returns the response, or
// nil when there is none
type MessageHandler func(ctx context.Context, message *types.JSONRPCMessage) *types.JSONRPCMessage

type ErrorHandler func(err error)

type CloseHandler func()
