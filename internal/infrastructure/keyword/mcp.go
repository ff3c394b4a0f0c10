package keyword

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/kirillkom/rag-gateway/internal/core/domain"
)

const (
	defaultToolName = "search"
	clientName      = "rag-gateway"
)

var (
	errEmptyToolResult = errors.New("mcp tool returned no text content")
	errToolReported    = errors.New("mcp tool reported an error")
)

// toolCaller invokes one tool on an initialized MCP session.
type toolCaller interface {
	CallTool(ctx context.Context, name string, arguments map[string]any) (string, error)
	Close() error
}

type dialFunc func(ctx context.Context, transport domain.KeywordTransport, serverURL string) (toolCaller, error)

type mcpToolCaller struct {
	client       *client.Client
	closeSession context.CancelFunc
}

func dialMCP(ctx context.Context, transport domain.KeywordTransport, serverURL string) (toolCaller, error) {
	var (
		c   *client.Client
		err error
	)
	switch transport {
	case domain.TransportSSE:
		c, err = client.NewSSEMCPClient(serverURL)
	case domain.TransportStreamHTTP:
		c, err = client.NewStreamableHttpClient(serverURL)
	default:
		return nil, fmt.Errorf("transport %q is not an mcp transport", transport)
	}
	if err != nil {
		return nil, fmt.Errorf("create mcp client: %w", err)
	}

	// The SSE stream outlives the request that dialed it; ctx only bounds the
	// handshake and cancels the session if it ends first.
	sessionCtx, closeSession := context.WithCancel(context.WithoutCancel(ctx))
	stop := context.AfterFunc(ctx, closeSession)
	fail := func(err error) (toolCaller, error) {
		stop()
		closeSession()
		_ = c.Close()
		return nil, err
	}

	if err := c.Start(sessionCtx); err != nil {
		return fail(fmt.Errorf("start mcp client: %w", err))
	}

	initReq := mcp.InitializeRequest{}
	initReq.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	initReq.Params.ClientInfo = mcp.Implementation{Name: clientName, Version: "1.0.0"}
	if _, err := c.Initialize(ctx, initReq); err != nil {
		return fail(fmt.Errorf("initialize mcp session: %w", err))
	}
	if !stop() {
		return fail(fmt.Errorf("initialize mcp session: %w", ctx.Err()))
	}
	return &mcpToolCaller{client: c, closeSession: closeSession}, nil
}

func (m *mcpToolCaller) CallTool(ctx context.Context, name string, arguments map[string]any) (string, error) {
	req := mcp.CallToolRequest{}
	req.Params.Name = name
	req.Params.Arguments = arguments

	res, err := m.client.CallTool(ctx, req)
	if err != nil {
		return "", fmt.Errorf("call tool %s: %w", name, err)
	}
	text := toolResultText(res.Content)
	if res.IsError {
		return "", fmt.Errorf("%w: %s: %s", errToolReported, name, text)
	}
	if text == "" {
		return "", errEmptyToolResult
	}
	return text, nil
}

func (m *mcpToolCaller) Close() error {
	defer m.closeSession()
	return m.client.Close()
}

func toolResultText(content []mcp.Content) string {
	parts := make([]string, 0, len(content))
	for _, item := range content {
		switch c := item.(type) {
		case mcp.TextContent:
			parts = append(parts, c.Text)
		case *mcp.TextContent:
			parts = append(parts, c.Text)
		}
	}
	return strings.Join(parts, "\n")
}

func toolName(tool domain.KeywordTool) string {
	if name := strings.TrimSpace(tool.ToolName); name != "" {
		return name
	}
	return defaultToolName
}
