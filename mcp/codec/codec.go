// Package codec parses and formats MCP protocol messages.
//
// The package is split in two phases. The sniffing functions (ParseMethod,
// ExtractRequestID) never fail and work on malformed or partial input so that
// routing decisions can be made before a message is validated. The strict
// functions (Decode, DecodeToolCall) are used only at the point a message is
// dispatched.
package codec

import (
	"bytes"
	"encoding/json"
	"regexp"
	"strconv"
	"strings"

	"github.com/agentuity/mcp-server/mcp/types"
	"github.com/cockroachdb/errors"
)

// ErrMalformed is returned by the strict decoders
var ErrMalformed = errors.New("malformed protocol message")

// MethodInfo is the result of sniffing a raw message
type MethodInfo struct {
	Method      string
	IsToolCall  bool
	IsListTools bool
	ToolName    string
}

var (
	methodPattern = regexp.MustCompile(`"method"\s*:\s*"([^"\\]*)"`)
	namePattern   = regexp.MustCompile(`"name"\s*:\s*"([^"\\]*)"`)
	idPattern     = regexp.MustCompile(`"id"\s*:\s*("(?:[^"\\]|\\.)*"|-?[0-9]+(?:\.[0-9]+)?)`)
)

type sniffed struct {
	Method string          `json:"method"`
	ID     json.RawMessage `json:"id"`
	Params json.RawMessage `json:"params"`
}

func sniff(raw []byte) (sniffed, bool) {
	var s sniffed
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return s, false
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &fields); err != nil {
		return s, false
	}
	// each field is decoded on its own so a bad value in one does not hide the others
	_ = json.Unmarshal(fields["method"], &s.Method)
	s.ID = fields["id"]
	s.Params = fields["params"]
	return s, true
}

// ParseMethod inspects a raw message and reports which method it targets.
// It never fails: unrecognisable input yields a zero MethodInfo.
func ParseMethod(raw []byte) MethodInfo {
	var info MethodInfo
	if s, ok := sniff(raw); ok {
		info.Method = s.Method
		if s.Method == types.MethodToolsCall && len(s.Params) > 0 {
			var params struct {
				Name json.RawMessage `json:"name"`
			}
			if json.Unmarshal(s.Params, &params) == nil {
				_ = json.Unmarshal(params.Name, &info.ToolName)
			}
		}
	} else {
		if m := methodPattern.FindSubmatch(raw); m != nil {
			info.Method = string(m[1])
		}
		if info.Method == types.MethodToolsCall {
			if m := namePattern.FindSubmatch(raw); m != nil {
				info.ToolName = string(m[1])
			}
		}
	}
	info.IsToolCall = info.Method == types.MethodToolsCall
	info.IsListTools = info.Method == types.MethodToolsList
	return info
}

// ExtractRequestID returns the request id of a raw message in string form.
// String ids are unquoted, numeric ids keep their literal text.
func ExtractRequestID(raw []byte) (string, bool) {
	if s, ok := sniff(raw); ok {
		return IDString(s.ID)
	}
	if m := idPattern.FindSubmatch(raw); m != nil {
		return IDString(m[1])
	}
	return "", false
}

// IDString normalises a raw JSON-RPC id
func IDString(id json.RawMessage) (string, bool) {
	id = bytes.TrimSpace(id)
	if len(id) == 0 || string(id) == "null" {
		return "", false
	}
	if id[0] == '"' {
		var s string
		if err := json.Unmarshal(id, &s); err != nil {
			return "", false
		}
		return s, true
	}
	if _, err := strconv.ParseFloat(string(id), 64); err != nil {
		return "", false
	}
	return string(id), true
}

// IDFromString builds a raw id for a message id whose original encoding is
// unknown. Integer ids are restored as JSON numbers, everything else is
// echoed as a JSON string.
func IDFromString(messageID string) json.RawMessage {
	if n, err := strconv.ParseInt(messageID, 10, 64); err == nil && strconv.FormatInt(n, 10) == messageID {
		return json.RawMessage(messageID)
	}
	buf, _ := json.Marshal(messageID)
	return buf
}

// Decode strictly parses a single JSON-RPC message
func Decode(raw []byte) (*types.JSONRPCMessage, error) {
	var msg types.JSONRPCMessage
	dec := json.NewDecoder(bytes.NewReader(raw))
	if err := dec.Decode(&msg); err != nil {
		return nil, errors.Wrap(ErrMalformed, err.Error())
	}
	if msg.JSONRPC != types.JSONRPCVersion {
		return nil, errors.Wrapf(ErrMalformed, "unsupported jsonrpc version %q", msg.JSONRPC)
	}
	if msg.Method == "" && msg.Result == nil && msg.Error == nil {
		return nil, errors.Wrap(ErrMalformed, "message has no method, result or error")
	}
	if len(msg.ID) > 0 {
		if _, ok := IDString(msg.ID); !ok && string(bytes.TrimSpace(msg.ID)) != "null" {
			return nil, errors.Wrap(ErrMalformed, "id must be a string or a number")
		}
	}
	return &msg, nil
}

// DecodeToolCall strictly parses the params of a tools/call request
func DecodeToolCall(msg *types.JSONRPCMessage) (types.CallToolParams, error) {
	var params types.CallToolParams
	if len(msg.Params) == 0 {
		return params, errors.Wrap(ErrMalformed, "tools/call requires params")
	}
	if err := json.Unmarshal(msg.Params, &params); err != nil {
		return params, errors.Wrap(ErrMalformed, err.Error())
	}
	params.Name = strings.TrimSpace(params.Name)
	if params.Name == "" {
		return params, errors.Wrap(ErrMalformed, "tools/call requires a tool name")
	}
	if params.Arguments == nil {
		params.Arguments = map[string]interface{}{}
	}
	return params, nil
}
