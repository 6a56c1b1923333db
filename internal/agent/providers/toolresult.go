package providers

import (
	"encoding/json"

	"github.com/owliabot/owliabot/pkg/models"
)

// toolResultText extracts tr's payload as plain text for providers that send
// tool output as a content string. Data is usually a JSON-encoded string
// (see agent.toolResultFrom); fall back to the raw bytes if it isn't.
func toolResultText(tr models.ToolResult) string {
	if !tr.Success {
		return tr.Error
	}
	var s string
	if err := json.Unmarshal(tr.Data, &s); err == nil {
		return s
	}
	return string(tr.Data)
}

func toolResultIsError(tr models.ToolResult) bool {
	return !tr.Success
}
