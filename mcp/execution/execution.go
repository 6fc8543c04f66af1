// Package execution decides how a tool call runs: in process, or handed to
// a worker through a job queue with the caller waiting on a pending call.
package execution

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/agentuity/mcp-server/mcp/pending"
	"github.com/agentuity/mcp-server/mcp/tool"
)

// ErrSessionClosed rejects calls still waiting when their session is torn down
var ErrSessionClosed = pending.ErrSessionClosed

// CallContext identifies the request a tool call answers
type CallContext struct {
	SessionID string
	MessageID string
	// RawID is the request id exactly as the client sent it
	RawID json.RawMessage
}

// Strategy executes a tool call
type Strategy interface {
	Name() string
	ExecuteTool(ctx context.Context, t tool.Tool, args map[string]interface{}, call CallContext) (interface{}, error)
}

// Coordinator holds the active strategy. The strategy can be switched at
// runtime, calls already running finish on the strategy they started with.
type Coordinator struct {
	mu       sync.RWMutex
	strategy Strategy
}

// NewCoordinator returns a Coordinator using strategy, or in-process
// execution when strategy is nil
func NewCoordinator(strategy Strategy) *Coordinator {
	if strategy == nil {
		strategy = NewDirectStrategy(nil)
	}
	return &Coordinator{strategy: strategy}
}

func (c *Coordinator) SetStrategy(strategy Strategy) {
	if strategy == nil {
		return
	}
	c.mu.Lock()
	c.strategy = strategy
	c.mu.Unlock()
}

func (c *Coordinator) Strategy() Strategy {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.strategy
}

// IsQueueMode reports whether calls are handed to workers
func (c *Coordinator) IsQueueMode() bool {
	_, ok := c.Strategy().(*QueuedStrategy)
	return ok
}

func (c *Coordinator) ExecuteTool(ctx context.Context, t tool.Tool, args map[string]interface{}, call CallContext) (interface{}, error) {
	return c.Strategy().ExecuteTool(ctx, t, args, call)
}
