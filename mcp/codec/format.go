package codec

import (
	"encoding/json"
	"fmt"

	"github.com/agentuity/mcp-server/mcp/types"
)

// FormatResult wraps arbitrary tool output into a tools/call result envelope.
// Output already shaped as an envelope (a CallToolResult, or JSON / a map
// carrying a "content" array) passes through unchanged.
func FormatResult(output interface{}) types.CallToolResult {
	switch v := output.(type) {
	case nil:
		return types.CallToolResult{Content: []types.Content{}}
	case types.CallToolResult:
		return normalize(v)
	case *types.CallToolResult:
		if v == nil {
			return types.CallToolResult{Content: []types.Content{}}
		}
		return normalize(*v)
	case error:
		return FormatError(v)
	case string:
		return types.CallToolResult{Content: []types.Content{types.TextContent(v)}}
	case types.Content:
		return types.CallToolResult{Content: []types.Content{v}}
	case []types.Content:
		return normalize(types.CallToolResult{Content: v})
	case json.RawMessage:
		return formatJSON(v)
	case []byte:
		if json.Valid(v) {
			return formatJSON(v)
		}
		return types.CallToolResult{Content: []types.Content{types.TextContent(string(v))}}
	case map[string]interface{}:
		if _, ok := v["content"]; ok {
			if buf, err := json.Marshal(v); err == nil {
				return formatJSON(buf)
			}
		}
	}
	buf, err := json.Marshal(output)
	if err != nil {
		return types.CallToolResult{Content: []types.Content{types.TextContent(fmt.Sprintf("%v", output))}}
	}
	return types.CallToolResult{Content: []types.Content{types.TextContent(string(buf))}}
}

func formatJSON(raw []byte) types.CallToolResult {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err == nil {
		if content, ok := fields["content"]; ok {
			var result types.CallToolResult
			if json.Unmarshal(content, &result.Content) == nil {
				if isErr, ok := fields["isError"]; ok {
					_ = json.Unmarshal(isErr, &result.IsError)
				}
				return normalize(result)
			}
		}
	}
	var str string
	if json.Unmarshal(raw, &str) == nil {
		return types.CallToolResult{Content: []types.Content{types.TextContent(str)}}
	}
	return types.CallToolResult{Content: []types.Content{types.TextContent(string(raw))}}
}

func normalize(result types.CallToolResult) types.CallToolResult {
	if result.Content == nil {
		result.Content = []types.Content{}
	}
	return result
}

// FormatError wraps an error into a tools/call result envelope with isError
// set. It never fails.
func FormatError(err error) types.CallToolResult {
	text := "unknown error"
	if err != nil {
		text = err.Error()
	}
	return types.CallToolResult{
		Content: []types.Content{types.TextContent(text)},
		IsError: true,
	}
}

// Response builds a JSON-RPC success response. Results that cannot be
// marshalled turn into an internal error response.
func Response(id json.RawMessage, result interface{}) *types.JSONRPCMessage {
	buf, err := json.Marshal(result)
	if err != nil {
		return ErrorResponse(id, types.CodeInternalError, "failed to encode result: "+err.Error())
	}
	return &types.JSONRPCMessage{JSONRPC: types.JSONRPCVersion, ID: id, Result: buf}
}

// ErrorResponse builds a JSON-RPC error response
func ErrorResponse(id json.RawMessage, code int, message string) *types.JSONRPCMessage {
	if len(id) == 0 {
		id = json.RawMessage("null")
	}
	return &types.JSONRPCMessage{
		JSONRPC: types.JSONRPCVersion,
		ID:      id,
		Error:   &types.JSONRPCError{Code: code, Message: message},
	}
}
