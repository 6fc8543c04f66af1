package server

import (
	"context"
	"time"

	"github.com/agentuity/mcp-server/eventing"
	"github.com/agentuity/mcp-server/logger"
	"github.com/agentuity/mcp-server/mcp/execution"
	"github.com/agentuity/mcp-server/mcp/pending"
	"github.com/agentuity/mcp-server/mcp/session"
	"github.com/agentuity/mcp-server/mcp/tool"
	"go.opentelemetry.io/otel/metric"
)

// ToolProvider returns the tools a new session exposes
type ToolProvider func(ctx context.Context, sessionID string) (*tool.Set, error)

// DroppedCallbackHook is called when a worker result finds no waiter, no
// local session and no owning node to forward to
type DroppedCallbackHook func(ctx context.Context, id pending.CorrelationID)

type Option func(*Server)

func WithLogger(log logger.Logger) Option {
	return func(s *Server) {
		s.logger = log
	}
}

// WithStore sets the shared session store. Without it sessions live in a
// process local memory store.
func WithStore(store session.Store) Option {
	return func(s *Server) {
		s.store = store
	}
}

// WithTools sets the tools every session exposes
func WithTools(tools ...tool.Tool) Option {
	return func(s *Server) {
		set := tool.NewSet(tools...)
		s.toolProvider = func(context.Context, string) (*tool.Set, error) {
			return set, nil
		}
	}
}

// WithToolProvider chooses the tools of each session when it is registered
func WithToolProvider(provider ToolProvider) Option {
	return func(s *Server) {
		s.toolProvider = provider
	}
}

// WithJobQueue runs tool calls through queue instead of in process
func WithJobQueue(queue execution.JobQueue, opts ...execution.QueuedOption) Option {
	return func(s *Server) {
		s.jobQueue = queue
		s.queueOptions = opts
	}
}

// WithStrategy sets the execution strategy directly
func WithStrategy(strategy execution.Strategy) Option {
	return func(s *Server) {
		s.strategy = strategy
	}
}

// WithNodeID names this process in session records. It must be unique
// among the processes sharing a store.
func WithNodeID(nodeID string) Option {
	return func(s *Server) {
		s.nodeID = nodeID
	}
}

// WithEventing lets the server forward messages and results to the process
// owning a session
func WithEventing(client eventing.Client) Option {
	return func(s *Server) {
		s.events = client
	}
}

// WithPaths sets the stream setup path, the stream post path and the duplex path
func WithPaths(setupPath, postPath, duplexPath string) Option {
	return func(s *Server) {
		s.setupPath = setupPath
		s.postPath = postPath
		s.duplexPath = duplexPath
	}
}

func WithSessionHeader(header string) Option {
	return func(s *Server) {
		s.sessionHeader = header
	}
}

// WithKeepAlive sets the keepalive interval of stream sessions
func WithKeepAlive(d time.Duration) Option {
	return func(s *Server) {
		s.keepAlive = d
	}
}

func WithDroppedCallbackHook(hook DroppedCallbackHook) Option {
	return func(s *Server) {
		s.droppedHook = hook
	}
}

// WithDroppedCallbackCounter counts dropped worker results
func WithDroppedCallbackCounter(counter metric.Int64Counter) Option {
	return func(s *Server) {
		s.droppedCounter = counter
	}
}

func WithServerInfo(name, version string) Option {
	return func(s *Server) {
		s.info.Name = name
		s.info.Version = version
	}
}

func WithSessionIDGenerator(fn func() string) Option {
	return func(s *Server) {
		s.generateID = fn
	}
}

// WithMaxBodySize bounds the size of posted messages
func WithMaxBodySize(size int64) Option {
	return func(s *Server) {
		s.maxBodySize = size
	}
}
