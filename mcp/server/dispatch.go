package server

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/agentuity/mcp-server/mcp/codec"
	"github.com/agentuity/mcp-server/mcp/execution"
	"github.com/agentuity/mcp-server/mcp/tool"
	"github.com/agentuity/mcp-server/mcp/types"
	"github.com/cockroachdb/errors"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// dispatch answers one message of a session. Notifications and client
// responses yield nil.
func (s *Server) dispatch(ctx context.Context, sessionID string, msg *types.JSONRPCMessage) *types.JSONRPCMessage {
	if msg.Method == "" {
		return nil
	}
	if msg.IsNotification() || strings.HasPrefix(msg.Method, types.NotificationPrefix) {
		s.logger.Trace("notification %s on session %s", msg.Method, sessionID)
		return nil
	}
	switch msg.Method {
	case types.MethodInitialize:
		return s.initialize(msg)
	case types.MethodPing:
		return codec.Response(msg.ID, struct{}{})
	case types.MethodToolsList:
		return s.listTools(sessionID, msg)
	case types.MethodToolsCall:
		return s.callTool(ctx, sessionID, msg)
	}
	return codec.ErrorResponse(msg.ID, types.CodeMethodNotFound, "method not found: "+msg.Method)
}

func (s *Server) initialize(msg *types.JSONRPCMessage) *types.JSONRPCMessage {
	var params types.InitializeParams
	if len(msg.Params) > 0 {
		if err := json.Unmarshal(msg.Params, &params); err != nil {
			return codec.ErrorResponse(msg.ID, types.CodeInvalidParams, "invalid initialize params: "+err.Error())
		}
	}
	version := params.ProtocolVersion
	if version == "" {
		version = types.LatestProtocolVersion
	}
	return codec.Response(msg.ID, types.InitializeResult{
		ProtocolVersion: version,
		Capabilities: types.ServerCapabilities{
			Tools: &types.ToolsCapability{},
		},
		ServerInfo: s.info,
	})
}

func (s *Server) listTools(sessionID string, msg *types.JSONRPCMessage) *types.JSONRPCMessage {
	tools := s.manager.GetTools(sessionID)
	if tools == nil {
		return codec.ErrorResponse(msg.ID, types.CodeInvalidRequest, "session not found")
	}
	infos := make([]types.ToolInfo, 0, tools.Len())
	for _, t := range tools.List() {
		infos = append(infos, tool.Info(t))
	}
	return codec.Response(msg.ID, types.ListToolsResult{Tools: infos})
}

func (s *Server) callTool(ctx context.Context, sessionID string, msg *types.JSONRPCMessage) *types.JSONRPCMessage {
	params, err := codec.DecodeToolCall(msg)
	if err != nil {
		return codec.ErrorResponse(msg.ID, types.CodeInvalidParams, errors.Newf("%w: %s", ErrInvalidParams, err).Error())
	}
	tools := s.manager.GetTools(sessionID)
	if tools == nil {
		return codec.ErrorResponse(msg.ID, types.CodeInvalidRequest, "session not found")
	}
	t, ok := tools.Get(params.Name)
	if !ok {
		s.logger.Debug("session %s called unknown tool %s", sessionID, params.Name)
		return codec.Response(msg.ID, codec.FormatError(errors.Newf("%w: %s", ErrToolNotFound, params.Name)))
	}
	if err := tool.ValidateArguments(t, params.Arguments); err != nil {
		return codec.Response(msg.ID, codec.FormatError(err))
	}

	messageID, _ := codec.IDString(msg.ID)
	ctx, span := tracer.Start(ctx, "tools/call", trace.WithAttributes(
		attribute.String("mcp.tool", t.Name()),
		attribute.String("mcp.session", sessionID),
		attribute.String("mcp.strategy", s.coordinator.Strategy().Name()),
	))
	defer span.End()

	output, err := s.coordinator.ExecuteTool(ctx, t, params.Arguments, execution.CallContext{
		SessionID: sessionID,
		MessageID: messageID,
		RawID:     msg.ID,
	})
	if err != nil {
		if errors.Is(err, execution.ErrSessionClosed) {
			// nobody is left to answer
			return nil
		}
		span.SetStatus(codes.Error, err.Error())
		s.logger.Debug("tool %s failed on session %s: %s", t.Name(), sessionID, err)
		return codec.Response(msg.ID, codec.FormatError(err))
	}
	return codec.Response(msg.ID, codec.FormatResult(output))
}
