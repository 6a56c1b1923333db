// Package policy implements the tier-based tool access policy pipeline:
// decision engine, cooldown tracker, write-gate, and anomaly detector.
package policy

import "strings"

// ToolAliases maps alternative tool names to their canonical registry name.
// Registering an alias target under an existing name overwrites it; callers
// are expected to log that at the registry layer.
var ToolAliases = map[string]string{
	"read_file":   "read_text_file",
	"bash":        "exec",
	"shell":       "exec",
	"apply-patch": "edit_file",
	"apply_patch": "edit_file",
}

// NormalizeTool resolves a tool name through the alias table, lower-cased
// and trimmed.
func NormalizeTool(name string) string {
	normalized := strings.ToLower(strings.TrimSpace(name))
	if alias, ok := ToolAliases[normalized]; ok {
		return alias
	}
	return normalized
}

// MCPToolName joins a server id and its original tool name using the
// gateway's "S__originalName" namespacing convention.
func MCPToolName(serverID, original string) string {
	return serverID + "__" + original
}

// ParseMCPToolName splits a namespaced MCP tool name back into its server id
// and original name. ok is false if name does not contain the "__" marker.
func ParseMCPToolName(name string) (serverID, original string, ok bool) {
	idx := strings.Index(name, "__")
	if idx < 0 {
		return "", "", false
	}
	return name[:idx], name[idx+2:], true
}
