package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/owliabot/owliabot/internal/agent"
)

// toolAdapter exposes one MCP tool schema as an agent.Tool, so the agentic
// loop's ToolRegistry can dispatch to it exactly like a built-in tool. The
// adapter's Name() is the namespaced "server__tool" form; CallNamespacedTool
// handles splitting it back apart on execution.
type toolAdapter struct {
	manager *Manager
	schema  ToolSchema
}

// RegisterTools adds an agent.Tool wrapper for every schema the manager
// currently exposes into registry, so a running agent sees the union of its
// native tools and everything connected MCP servers offer.
func RegisterTools(manager *Manager, registry *agent.ToolRegistry) {
	for _, schema := range manager.ToolSchemas() {
		registry.Register(&toolAdapter{manager: manager, schema: schema})
	}
}

func (t *toolAdapter) Name() string { return t.schema.Name }

func (t *toolAdapter) Description() string { return t.schema.Description }

func (t *toolAdapter) Schema() json.RawMessage { return t.schema.InputSchema }

func (t *toolAdapter) Execute(ctx context.Context, params json.RawMessage) (*agent.ToolResult, error) {
	var args map[string]any
	if len(params) > 0 {
		if err := json.Unmarshal(params, &args); err != nil {
			return nil, fmt.Errorf("decode mcp tool arguments: %w", err)
		}
	}

	result, err := t.manager.CallNamespacedTool(ctx, t.schema.Name, args)
	if err != nil {
		return nil, err
	}

	var text strings.Builder
	for i, c := range result.Content {
		if i > 0 {
			text.WriteByte('\n')
		}
		if c.Text != "" {
			text.WriteString(c.Text)
		} else {
			text.WriteString(fmt.Sprintf("[%s content omitted]", c.Type))
		}
	}

	return &agent.ToolResult{Content: text.String(), IsError: result.IsError}, nil
}
