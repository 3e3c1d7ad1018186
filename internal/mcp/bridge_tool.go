package mcp

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	mcpclient "github.com/mark3labs/mcp-go/client"
	mcpgo "github.com/mark3labs/mcp-go/mcp"

	"github.com/nextlevelbuilder/goclaw/internal/tools"
)

// BridgeTool adapts one remote MCP tool into the local tools.Tool
// interface. Calls are forwarded over the server's client with a bounded
// timeout; results come back as concatenated text content.
type BridgeTool struct {
	serverName string
	tool       mcpgo.Tool
	client     *mcpclient.Client
	name       string // registered (possibly prefixed) name
	timeout    time.Duration
	connected  *atomic.Bool
}

// NewBridgeTool wraps an MCP tool discovered on serverName. toolPrefix
// (default "mcp_{server}_") namespaces the registered name to avoid
// collisions with native tools.
func NewBridgeTool(serverName string, tool mcpgo.Tool, client *mcpclient.Client, toolPrefix string, timeoutSec int, connected *atomic.Bool) *BridgeTool {
	prefix := toolPrefix
	if prefix == "" {
		prefix = "mcp_" + sanitizeName(serverName) + "_"
	}
	if timeoutSec <= 0 {
		timeoutSec = 60
	}
	return &BridgeTool{
		serverName: serverName,
		tool:       tool,
		client:     client,
		name:       prefix + sanitizeName(tool.Name),
		timeout:    time.Duration(timeoutSec) * time.Second,
		connected:  connected,
	}
}

// OriginalName returns the tool's name as the MCP server declares it,
// before prefixing. Used by allow/deny filtering.
func (t *BridgeTool) OriginalName() string { return t.tool.Name }

func (t *BridgeTool) Name() string { return t.name }

func (t *BridgeTool) Description() string {
	desc := t.tool.Description
	if desc == "" {
		desc = fmt.Sprintf("Tool %s from MCP server %s", t.tool.Name, t.serverName)
	}
	return desc
}

func (t *BridgeTool) Parameters() map[string]interface{} {
	params := map[string]interface{}{"type": "object"}
	if len(t.tool.InputSchema.Properties) > 0 {
		params["properties"] = t.tool.InputSchema.Properties
	} else {
		params["properties"] = map[string]interface{}{}
	}
	if len(t.tool.InputSchema.Required) > 0 {
		params["required"] = t.tool.InputSchema.Required
	}
	return params
}

func (t *BridgeTool) Execute(ctx context.Context, args map[string]interface{}) *tools.Result {
	if t.connected != nil && !t.connected.Load() {
		return tools.ErrorResult(fmt.Sprintf("MCP server %s is not connected", t.serverName))
	}

	callCtx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	req := mcpgo.CallToolRequest{}
	req.Params.Name = t.tool.Name
	req.Params.Arguments = args

	result, err := t.client.CallTool(callCtx, req)
	if err != nil {
		return tools.ErrorResult(fmt.Sprintf("MCP call failed: %v", err))
	}

	text := flattenContent(result)
	if result.IsError {
		if text == "" {
			text = "MCP tool returned an error"
		}
		return tools.ErrorResult(text)
	}
	if text == "" {
		text = "(empty result)"
	}
	return tools.SilentResult(text)
}

// flattenContent joins all text content blocks from a call result.
func flattenContent(result *mcpgo.CallToolResult) string {
	var parts []string
	for _, c := range result.Content {
		if tc, ok := mcpgo.AsTextContent(c); ok {
			parts = append(parts, tc.Text)
		}
	}
	return strings.Join(parts, "\n")
}

// sanitizeName lowercases and replaces characters that provider tool-name
// grammars reject.
func sanitizeName(s string) string {
	s = strings.ToLower(s)
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '_', r == '-':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	return b.String()
}
