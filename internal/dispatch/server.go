package dispatch

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// NewMCPServer exposes every registered tool on a new MCP server.
func NewMCPServer(r *Registry, name, version string) *mcp.Server {
	server := mcp.NewServer(&mcp.Implementation{Name: name, Version: version}, nil)
	for _, toolName := range r.order {
		t := r.tools[toolName]
		server.AddTool(&mcp.Tool{
			Name:        t.name,
			Description: t.description,
			InputSchema: t.schema,
		}, r.handler(t.name))
	}
	return server
}

// handler adapts Invoke to the MCP tool handler signature. Failures are
// reported in-band with IsError so the model can see and react to them.
func (r *Registry) handler(name string) mcp.ToolHandler {
	return func(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		var raw json.RawMessage
		if req != nil && req.Params != nil {
			raw = req.Params.Arguments
		}
		env := r.Invoke(ctx, name, raw)
		body, err := json.Marshal(env)
		if err != nil {
			env = failure(name, env.RequestID, err)
			body, _ = json.Marshal(env)
		}
		return &mcp.CallToolResult{
			Content:           []mcp.Content{&mcp.TextContent{Text: string(body)}},
			StructuredContent: env,
			IsError:           !env.OK(),
		}, nil
	}
}

// NewHTTPHandler serves server over the streamable HTTP transport.
func NewHTTPHandler(server *mcp.Server) http.Handler {
	return mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server { return server }, nil)
}
