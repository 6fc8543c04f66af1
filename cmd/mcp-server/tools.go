package main

import (
	"context"
	"encoding/json"
	"time"

	"github.com/agentuity/mcp-server/mcp/tool"
	"github.com/agentuity/mcp-server/mcp/types"
)

type echoArgs struct {
	Text string `json:"text"`
}

type timeArgs struct {
	Zone string `json:"zone"`
}

// builtinTools are served when the binary runs without a host application
func builtinTools() *tool.Set {
	return tool.NewSet(
		tool.Typed("echo", "Returns the given text",
			json.RawMessage(`{"type":"object","properties":{"text":{"type":"string"}},"required":["text"]}`),
			func(ctx context.Context, args echoArgs) (interface{}, error) {
				return args.Text, nil
			}, tool.WithSource("builtin/echo")),
		tool.Typed("time", "Returns the current time, optionally in an IANA zone",
			json.RawMessage(`{"type":"object","properties":{"zone":{"type":"string"}}}`),
			func(ctx context.Context, args timeArgs) (interface{}, error) {
				now := time.Now()
				if args.Zone != "" {
					loc, err := time.LoadLocation(args.Zone)
					if err != nil {
						return nil, err
					}
					now = now.In(loc)
				}
				return types.CallToolResult{Content: []types.Content{types.TextContent(now.Format(time.RFC3339))}}, nil
			}, tool.WithSource("builtin/time")),
	)
}
