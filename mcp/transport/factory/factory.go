// Package factory creates stream and duplex transports with consistent
// settings, and recreates duplex transports for sessions created elsewhere.
package factory

import (
	"context"
	"time"

	"github.com/agentuity/mcp-server/logger"
	"github.com/agentuity/mcp-server/mcp/session"
	mcphttp "github.com/agentuity/mcp-server/mcp/transport/http"
	"github.com/agentuity/mcp-server/mcp/transport/sse"
	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
)

// Validator reports whether a session id is known to the shared store
type Validator interface {
	IsSessionValid(ctx context.Context, sessionID string) bool
}

type Factory struct {
	logger          logger.Logger
	postPath        string
	sessionHeader   string
	keepAlive       time.Duration
	responseTimeout time.Duration
	generateID      func() string
}

type Option func(*Factory)

// WithPostPath sets the endpoint stream clients post their messages to
func WithPostPath(path string) Option {
	return func(f *Factory) {
		f.postPath = path
	}
}

func WithSessionHeader(header string) Option {
	return func(f *Factory) {
		f.sessionHeader = header
	}
}

func WithKeepAlive(d time.Duration) Option {
	return func(f *Factory) {
		f.keepAlive = d
	}
}

func WithResponseTimeout(d time.Duration) Option {
	return func(f *Factory) {
		f.responseTimeout = d
	}
}

// WithIDGenerator replaces the random session id generator
func WithIDGenerator(fn func() string) Option {
	return func(f *Factory) {
		f.generateID = fn
	}
}

func New(log logger.Logger, opts ...Option) *Factory {
	f := &Factory{
		logger:          log,
		postPath:        "/messages",
		sessionHeader:   mcphttp.DefaultSessionHeaderName,
		keepAlive:       sse.DefaultKeepAlive,
		responseTimeout: mcphttp.DefaultResponseTimeout,
		generateID:      uuid.NewString,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

func (f *Factory) SessionHeader() string {
	return f.sessionHeader
}

// NewSessionID returns a fresh session id
func (f *Factory) NewSessionID() string {
	return f.generateID()
}

// NewStream creates a stream transport with a fresh session id
func (f *Factory) NewStream() *sse.Transport {
	return sse.NewTransport(f.generateID(), f.postPath, f.logger, sse.WithKeepAlive(f.keepAlive))
}

// NewDuplex creates an uninitialised duplex transport. onInit runs when the
// first exchange assigns the session id.
func (f *Factory) NewDuplex(onInit func(sessionID string) error) *mcphttp.HTTPTransport {
	return mcphttp.NewHTTPTransport(f.logger,
		mcphttp.WithSessionHeader(f.sessionHeader),
		mcphttp.WithSessionIDGenerator(f.generateID),
		mcphttp.WithSessionInitialized(onInit),
		mcphttp.WithResponseTimeout(f.responseTimeout),
	)
}

// Recreate builds a duplex transport for an existing session. It fails with
// session.ErrSessionNotFound when the validator does not know the id.
func (f *Factory) Recreate(ctx context.Context, sessionID string, validator Validator) (*mcphttp.HTTPTransport, error) {
	if sessionID == "" || !validator.IsSessionValid(ctx, sessionID) {
		return nil, errors.Wrapf(session.ErrSessionNotFound, "cannot recreate session %s", sessionID)
	}
	f.logger.Debug("recreating duplex transport for session %s", sessionID)
	return mcphttp.NewHTTPTransport(f.logger,
		mcphttp.WithSessionHeader(f.sessionHeader),
		mcphttp.WithSessionID(sessionID),
		mcphttp.WithResponseTimeout(f.responseTimeout),
	), nil
}
