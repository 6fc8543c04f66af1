package execution

import (
	"context"
	"runtime/debug"

	"github.com/agentuity/mcp-server/logger"
	"github.com/agentuity/mcp-server/mcp/tool"
	"github.com/cockroachdb/errors"
)

// DirectStrategy runs tools in the server process
type DirectStrategy struct {
	logger logger.Logger
}

var _ Strategy = (*DirectStrategy)(nil)

func NewDirectStrategy(log logger.Logger) *DirectStrategy {
	return &DirectStrategy{logger: log}
}

func (s *DirectStrategy) Name() string {
	return "direct"
}

func (s *DirectStrategy) ExecuteTool(ctx context.Context, t tool.Tool, args map[string]interface{}, call CallContext) (result interface{}, err error) {
	defer func() {
		if r := recover(); r != nil {
			if s.logger != nil {
				s.logger.Error("tool %s panicked: %v\n%s", t.Name(), r, debug.Stack())
			}
			result = nil
			err = errors.Newf("tool %s failed: %v", t.Name(), r)
		}
	}()
	return t.Execute(ctx, args)
}
