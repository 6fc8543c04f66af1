// Package server is the protocol server facade. It owns the session
// manager, the pending call registry and the execution coordinator, and
// exposes the HTTP entry points for both transports.
package server

import (
	"context"
	"sync"
	"time"

	"github.com/agentuity/mcp-server/eventing"
	"github.com/agentuity/mcp-server/logger"
	"github.com/agentuity/mcp-server/mcp/execution"
	"github.com/agentuity/mcp-server/mcp/pending"
	"github.com/agentuity/mcp-server/mcp/session"
	"github.com/agentuity/mcp-server/mcp/tool"
	"github.com/agentuity/mcp-server/mcp/transport"
	"github.com/agentuity/mcp-server/mcp/transport/factory"
	"github.com/agentuity/mcp-server/mcp/types"
	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/singleflight"
)

const (
	DefaultSetupPath   = "/sse"
	DefaultPostPath    = "/messages"
	DefaultDuplexPath  = "/mcp"
	DefaultMaxBodySize = 4 << 20
)

var (
	// ErrToolNotFound is reported in the result envelope of a call to an unknown tool
	ErrToolNotFound = errors.New("tool not found")
	// ErrInvalidParams is reported for a tools/call without a usable name
	ErrInvalidParams = errors.New("invalid params")
)

var tracer = otel.Tracer("@agentuity/mcp-server/server")

type Server struct {
	logger         logger.Logger
	store          session.Store
	ownsStore      bool
	manager        *session.Manager
	registry       *pending.Registry
	coordinator    *execution.Coordinator
	factory        *factory.Factory
	toolProvider   ToolProvider
	jobQueue       execution.JobQueue
	queueOptions   []execution.QueuedOption
	strategy       execution.Strategy
	nodeID         string
	events         eventing.Client
	relay          *relay
	setupPath      string
	postPath       string
	duplexPath     string
	sessionHeader  string
	keepAlive      time.Duration
	droppedHook    DroppedCallbackHook
	droppedCounter metric.Int64Counter
	info           types.Implementation
	generateID     func() string
	maxBodySize    int64
	recreate       singleflight.Group
	closeOnce      sync.Once
}

// New builds a Server. The context bounds background work such as the
// memory store sweeper.
func New(ctx context.Context, opts ...Option) (*Server, error) {
	s := &Server{
		setupPath:     DefaultSetupPath,
		postPath:      DefaultPostPath,
		duplexPath:    DefaultDuplexPath,
		sessionHeader: "Mcp-Session-Id",
		keepAlive:     15 * time.Second,
		info:          types.Implementation{Name: "agentuity-mcp-server", Version: "dev"},
		generateID:    uuid.NewString,
		maxBodySize:   DefaultMaxBodySize,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = logger.NewConsoleLogger()
	}
	if s.nodeID == "" {
		s.nodeID = uuid.NewString()
	}
	s.logger = s.logger.With(map[string]interface{}{"node": s.nodeID})
	if s.store == nil {
		s.store = session.NewMemoryStore(ctx, session.WithStoreLogger(s.logger))
		s.ownsStore = true
	}
	if s.toolProvider == nil {
		s.toolProvider = func(context.Context, string) (*tool.Set, error) {
			return tool.NewSet(), nil
		}
	}
	s.registry = pending.NewRegistry(pending.WithLogger(s.logger))
	s.manager = session.NewManager(s.store, s.nodeID, s.logger)
	s.factory = factory.New(s.logger,
		factory.WithPostPath(s.postPath),
		factory.WithSessionHeader(s.sessionHeader),
		factory.WithKeepAlive(s.keepAlive),
		factory.WithIDGenerator(s.generateID),
	)

	strategy := s.strategy
	if strategy == nil && s.jobQueue != nil {
		opts := append([]execution.QueuedOption{execution.WithLogger(s.logger)}, s.queueOptions...)
		strategy = execution.NewQueuedStrategy(s.jobQueue, s.registry, opts...)
	}
	if strategy == nil {
		strategy = execution.NewDirectStrategy(s.logger)
	}
	s.coordinator = execution.NewCoordinator(strategy)

	if s.events != nil {
		s.relay = newRelay(s, s.events)
	}
	return s, nil
}

func (s *Server) NodeID() string {
	return s.nodeID
}

func (s *Server) Manager() *session.Manager {
	return s.manager
}

func (s *Server) Registry() *pending.Registry {
	return s.registry
}

func (s *Server) Coordinator() *execution.Coordinator {
	return s.coordinator
}

// Listen starts receiving forwarded messages and worker results addressed
// to this process. It is a no-op without an eventing client.
func (s *Server) Listen(ctx context.Context) error {
	if s.relay == nil {
		return nil
	}
	return s.relay.listen(ctx)
}

type engine struct {
	server    *Server
	sessionID string
}

func (e *engine) HandleMessage(ctx context.Context, message *types.JSONRPCMessage) *types.JSONRPCMessage {
	return e.server.dispatch(ctx, e.sessionID, message)
}

// registerSession wires a transport to a new engine and records the session
func (s *Server) registerSession(ctx context.Context, sessionID string, t transport.Transport) error {
	tools, err := s.toolProvider(ctx, sessionID)
	if err != nil {
		return errors.Wrapf(err, "failed to load tools for session %s", sessionID)
	}
	e := &engine{server: s, sessionID: sessionID}
	t.SetMessageHandler(e.HandleMessage)
	t.SetErrorHandler(func(err error) {
		s.logger.Warn("transport error on session %s: %s", sessionID, err)
	})
	t.SetCloseHandler(func() {
		s.teardown(context.Background(), sessionID, t)
	})
	return s.manager.RegisterSession(ctx, sessionID, e, t, tools)
}

// teardown closes a locally held session: pending calls are rejected, the
// local entry and store record are removed and the transport is closed.
// Only the registered transport t can tear its session down, so a stale
// transport closing late cannot remove a newer registration. It returns
// false when there was nothing to do.
func (s *Server) teardown(ctx context.Context, sessionID string, t transport.Transport) bool {
	current, ok := s.manager.GetTransport(sessionID)
	if !ok || (t != nil && current != t) {
		return false
	}
	if !s.manager.MarkClosing(sessionID) {
		return false
	}
	if n := s.registry.CleanupBySessionID(sessionID); n > 0 {
		s.logger.Debug("rejected %d pending calls of session %s", n, sessionID)
	}
	held, _ := s.manager.DestroySession(ctx, sessionID)
	if held != nil {
		held.Close()
	}
	s.logger.Debug("session %s closed", sessionID)
	return true
}

// Close shuts every locally held session. Stream sessions are torn down;
// duplex sessions are only released here so another process can pick them up.
func (s *Server) Close() error {
	var err error
	s.closeOnce.Do(func() {
		ctx := context.Background()
		for _, id := range s.manager.LocalSessionIDs() {
			t, ok := s.manager.GetTransport(id)
			if !ok {
				continue
			}
			if t.Kind() == transport.KindDuplex {
				s.registry.CleanupBySessionID(id)
				if held, ok := s.manager.Evict(id); ok {
					held.Close()
				}
				continue
			}
			s.teardown(ctx, id, t)
		}
		if s.relay != nil {
			s.relay.close()
		}
		if s.ownsStore {
			err = s.store.Close()
		}
	})
	return err
}
