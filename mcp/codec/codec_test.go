package codec

import (
	"encoding/json"
	"testing"

	"github.com/agentuity/mcp-server/mcp/types"
	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseMethod(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want MethodInfo
	}{
		{
			name: "tool call",
			raw:  `{"jsonrpc":"2.0","id":"1","method":"tools/call","params":{"name":"echo","arguments":{"text":"hi"}}}`,
			want: MethodInfo{Method: "tools/call", IsToolCall: true, ToolName: "echo"},
		},
		{
			name: "list tools",
			raw:  `{"jsonrpc":"2.0","id":1,"method":"tools/list"}`,
			want: MethodInfo{Method: "tools/list", IsListTools: true},
		},
		{
			name: "tool call with non object params",
			raw:  `{"jsonrpc":"2.0","id":1,"method":"tools/call","params":[1,2]}`,
			want: MethodInfo{Method: "tools/call", IsToolCall: true},
		},
		{
			name: "method of the wrong type",
			raw:  `{"jsonrpc":"2.0","method":42}`,
			want: MethodInfo{},
		},
		{
			name: "truncated body",
			raw:  `{"jsonrpc":"2.0","id":"7","method":"tools/call","params":{"name":"echo","argu`,
			want: MethodInfo{Method: "tools/call", IsToolCall: true, ToolName: "echo"},
		},
		{
			name: "not json",
			raw:  `hello world`,
			want: MethodInfo{},
		},
		{
			name: "empty",
			raw:  ``,
			want: MethodInfo{},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ParseMethod([]byte(tt.raw)))
		})
	}
}

func TestExtractRequestID(t *testing.T) {
	id, ok := ExtractRequestID([]byte(`{"jsonrpc":"2.0","id":"abc","method":"ping"}`))
	assert.True(t, ok)
	assert.Equal(t, "abc", id)

	id, ok = ExtractRequestID([]byte(`{"jsonrpc":"2.0","id":12,"method":"ping"}`))
	assert.True(t, ok)
	assert.Equal(t, "12", id)

	_, ok = ExtractRequestID([]byte(`{"jsonrpc":"2.0","method":"notifications/initialized"}`))
	assert.False(t, ok)

	_, ok = ExtractRequestID([]byte(`{"jsonrpc":"2.0","id":null,"method":"ping"}`))
	assert.False(t, ok)

	id, ok = ExtractRequestID([]byte(`{"id":"x_1","method":"tools/call","params":{`))
	assert.True(t, ok)
	assert.Equal(t, "x_1", id)

	_, ok = ExtractRequestID([]byte(`<html>`))
	assert.False(t, ok)
}

func TestDecode(t *testing.T) {
	msg, err := Decode([]byte(`{"jsonrpc":"2.0","id":"1","method":"tools/list"}`))
	require.NoError(t, err)
	assert.Equal(t, "tools/list", msg.Method)
	assert.True(t, msg.IsRequest())

	msg, err = Decode([]byte(`{"jsonrpc":"2.0","method":"notifications/initialized"}`))
	require.NoError(t, err)
	assert.True(t, msg.IsNotification())

	for _, raw := range []string{
		`not json`,
		`{"jsonrpc":"1.0","id":1,"method":"ping"}`,
		`{"jsonrpc":"2.0","id":1}`,
		`{"jsonrpc":"2.0","id":{"a":1},"method":"ping"}`,
	} {
		_, err := Decode([]byte(raw))
		assert.True(t, errors.Is(err, ErrMalformed), raw)
	}
}

func TestDecodeToolCall(t *testing.T) {
	msg := &types.JSONRPCMessage{Params: json.RawMessage(`{"name":" echo ","arguments":{"text":"hi"}}`)}
	params, err := DecodeToolCall(msg)
	require.NoError(t, err)
	assert.Equal(t, "echo", params.Name)
	assert.Equal(t, "hi", params.Arguments["text"])

	params, err = DecodeToolCall(&types.JSONRPCMessage{Params: json.RawMessage(`{"name":"noargs"}`)})
	require.NoError(t, err)
	assert.NotNil(t, params.Arguments)

	_, err = DecodeToolCall(&types.JSONRPCMessage{})
	assert.True(t, errors.Is(err, ErrMalformed))

	_, err = DecodeToolCall(&types.JSONRPCMessage{Params: json.RawMessage(`{"arguments":{}}`)})
	assert.True(t, errors.Is(err, ErrMalformed))
}

func marshal(t *testing.T, v interface{}) string {
	t.Helper()
	buf, err := json.Marshal(v)
	require.NoError(t, err)
	return string(buf)
}

func TestFormatResult(t *testing.T) {
	assert.JSONEq(t, `{"content":[]}`, marshal(t, FormatResult(nil)))
	assert.JSONEq(t, `{"content":[{"type":"text","text":"hi"}]}`, marshal(t, FormatResult("hi")))
	assert.JSONEq(t, `{"content":[{"type":"text","text":"done"}]}`,
		marshal(t, FormatResult(map[string]interface{}{
			"content": []interface{}{map[string]interface{}{"type": "text", "text": "done"}},
		})))
	assert.JSONEq(t, `{"content":[{"type":"text","text":"x"}],"isError":true}`,
		marshal(t, FormatResult(json.RawMessage(`{"content":[{"type":"text","text":"x"}],"isError":true}`))))
	assert.JSONEq(t, `{"content":[{"type":"text","text":"{\"sum\":3}"}]}`,
		marshal(t, FormatResult(map[string]int{"sum": 3})))
	assert.JSONEq(t, `{"content":[{"type":"text","text":"boom"}],"isError":true}`,
		marshal(t, FormatResult(errors.New("boom"))))
	assert.JSONEq(t, `{"content":[{"type":"text","text":"plain"}]}`, marshal(t, FormatResult([]byte("plain"))))
}

func TestFormatError(t *testing.T) {
	result := FormatError(errors.New("tool not found: nope"))
	assert.True(t, result.IsError)
	assert.Equal(t, "tool not found: nope", result.Content[0].Text)
	assert.True(t, FormatError(nil).IsError)
}

func TestResponse(t *testing.T) {
	resp := Response(json.RawMessage(`"1"`), map[string]interface{}{"tools": []string{}})
	assert.JSONEq(t, `{"jsonrpc":"2.0","id":"1","result":{"tools":[]}}`, marshal(t, resp))

	resp = ErrorResponse(nil, types.CodeMethodNotFound, "method not found")
	assert.JSONEq(t, `{"jsonrpc":"2.0","id":null,"error":{"code":-32601,"message":"method not found"}}`, marshal(t, resp))
}

func TestIDFromString(t *testing.T) {
	assert.Equal(t, `1`, string(IDFromString("1")))
	assert.Equal(t, `-42`, string(IDFromString("-42")))
	assert.Equal(t, `"1.5"`, string(IDFromString("1.5")))
	assert.Equal(t, `"007"`, string(IDFromString("007")))
	assert.Equal(t, `"+1"`, string(IDFromString("+1")))
	assert.Equal(t, `"abc"`, string(IDFromString("abc")))
	assert.Equal(t, `"99999999999999999999"`, string(IDFromString("99999999999999999999")))
	id, ok := IDString(IDFromString("a\"b"))
	assert.True(t, ok)
	assert.Equal(t, "a\"b", id)
}
