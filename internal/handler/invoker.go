package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

// ToolError is returned when a tool ran and reported failure.
type ToolError struct {
	Tool    string
	Message string
}

func (e *ToolError) Error() string {
	return fmt.Sprintf("tool %s failed: %s", e.Tool, e.Message)
}

// QualifiedName is the name a handler tool is exposed under on the tool server.
func QualifiedName(t Type, slug, tool string) string {
	return string(t) + "_" + slug + "_" + tool
}

// NewServer exposes every registered tool on an MCP server.
func NewServer(r *Registry, version string) *server.MCPServer {
	s := server.NewMCPServer(
		"datamachine-handlers",
		version,
		server.WithToolCapabilities(true),
		server.WithRecovery(),
	)
	for _, d := range r.All() {
		for _, t := range d.Tools {
			def := t.Definition
			def.Name = QualifiedName(d.Type, d.Slug, t.Name())
			s.AddTool(def, toolHandler(t.Call))
		}
	}
	return s
}

func toolHandler(fn ToolFunc) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		out, err := fn(ctx, req.GetArguments())
		if err != nil {
			return mcpError(err.Error()), nil
		}
		if out == nil {
			out = map[string]any{}
		}
		b, err := json.Marshal(out)
		if err != nil {
			return mcpError(fmt.Sprintf("encoding tool result: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

// Invoker calls handler tools through an in-process MCP client, so every
// handler runs through the same audited call path.
type Invoker struct {
	client *client.Client
}

// NewInvoker freezes r and connects an in-process client to its tool server.
func NewInvoker(ctx context.Context, r *Registry) (*Invoker, error) {
	r.Freeze()

	c, err := client.NewInProcessClient(NewServer(r, "1.0.0"))
	if err != nil {
		return nil, fmt.Errorf("creating tool client: %w", err)
	}
	if err := c.Start(ctx); err != nil {
		return nil, fmt.Errorf("starting tool client: %w", err)
	}

	initReq := mcp.InitializeRequest{}
	initReq.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	initReq.Params.ClientInfo = mcp.Implementation{Name: "datamachine-engine", Version: "1.0.0"}
	if _, err := c.Initialize(ctx, initReq); err != nil {
		c.Close()
		return nil, fmt.Errorf("initializing tool client: %w", err)
	}

	return &Invoker{client: c}, nil
}

// Call invokes tool on handler d and decodes its JSON result.
func (i *Invoker) Call(ctx context.Context, d Descriptor, tool string, args map[string]any) (map[string]any, error) {
	name := QualifiedName(d.Type, d.Slug, tool)
	res, err := i.client.CallTool(ctx, mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Name:      name,
			Arguments: args,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("calling %s: %w", name, err)
	}

	text := resultText(res)
	if res.IsError {
		return nil, &ToolError{Tool: name, Message: text}
	}

	out := map[string]any{}
	if strings.TrimSpace(text) == "" {
		return out, nil
	}
	if err := json.Unmarshal([]byte(text), &out); err != nil {
		return nil, fmt.Errorf("decoding %s result: %w", name, err)
	}
	return out, nil
}

func (i *Invoker) Close() error {
	return i.client.Close()
}

func resultText(res *mcp.CallToolResult) string {
	var b strings.Builder
	for _, c := range res.Content {
		switch tc := c.(type) {
		case mcp.TextContent:
			b.WriteString(tc.Text)
		case *mcp.TextContent:
			b.WriteString(tc.Text)
		}
	}
	return b.String()
}

func mcpText(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: text},
		},
	}
}

func mcpError(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
