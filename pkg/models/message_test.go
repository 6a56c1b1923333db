package models

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestChannelType_Constants(t *testing.T) {
	tests := []struct {
		constant ChannelType
		expected string
	}{
		{ChannelTelegram, "telegram"},
		{ChannelDiscord, "discord"},
		{ChannelSlack, "slack"},
		{ChannelHTTP, "http"},
	}

	for _, tt := range tests {
		t.Run(string(tt.constant), func(t *testing.T) {
			require.Equal(t, tt.expected, string(tt.constant))
		})
	}
}

func TestRole_Constants(t *testing.T) {
	require.Equal(t, "user", string(RoleUser))
	require.Equal(t, "assistant", string(RoleAssistant))
	require.Equal(t, "system", string(RoleSystem))
	require.Equal(t, "tool", string(RoleTool))
}

func TestMessage_JSONRoundTrip(t *testing.T) {
	now := time.Now().Truncate(time.Second)
	original := Message{
		ID:          "msg-123",
		SessionID:   "session-456",
		Channel:     ChannelTelegram,
		ChannelID:   "tg-123",
		Direction:   DirectionOutbound,
		Role:        RoleAssistant,
		Content:     "Hello!",
		Attachments: []Attachment{{ID: "att-1", Type: "image", URL: "http://example.com/img.png"}},
		ToolCalls:   []ToolCall{{ID: "tc-1", Name: "search", Arguments: json.RawMessage(`{"q":"test"}`)}},
		ToolResults: []ToolResult{{ToolCallID: "tc-1", ToolName: "search", Success: true, Data: json.RawMessage(`{"r":1}`)}},
		Metadata:    map[string]any{"source": "test"},
		CreatedAt:   now,
	}

	data, err := json.Marshal(original)
	require.NoError(t, err)

	var decoded Message
	require.NoError(t, json.Unmarshal(data, &decoded))

	require.Equal(t, original.ID, decoded.ID)
	require.Equal(t, original.Channel, decoded.Channel)
	require.Len(t, decoded.Attachments, 1)
	require.Len(t, decoded.ToolCalls, 1)
	require.Len(t, decoded.ToolResults, 1)
	require.True(t, decoded.ToolResults[0].Success)
}

func TestToolCall_Struct(t *testing.T) {
	tc := ToolCall{ID: "tc-123", Name: "web_search", Arguments: json.RawMessage(`{"query":"test"}`)}
	require.Equal(t, "tc-123", tc.ID)
	require.Equal(t, "web_search", tc.Name)
}

func TestToolResult_Struct(t *testing.T) {
	tr := ToolResult{ToolCallID: "tc-123", ToolName: "web_search", Success: true}
	require.True(t, tr.Success)
	require.Empty(t, tr.Error)

	trError := ToolResult{ToolCallID: "tc-456", ToolName: "web_search", Success: false, Error: "boom"}
	require.False(t, trError.Success)
	require.Equal(t, "boom", trError.Error)
}

func TestSession_Struct(t *testing.T) {
	now := time.Now()
	session := Session{
		ID:        "session-123",
		Key:       "discord:user-1",
		AgentID:   "agent-456",
		Channel:   ChannelDiscord,
		ChannelID: "discord-channel",
		Title:     "Test Session",
		Metadata:  map[string]any{"test": true},
		CreatedAt: now,
		UpdatedAt: now,
	}

	require.Equal(t, "session-123", session.ID)
	require.Equal(t, ChannelDiscord, session.Channel)
	require.Equal(t, "discord:user-1", session.Key)
}

func TestAgent_Struct(t *testing.T) {
	agent := Agent{
		ID:       "agent-123",
		Name:     "Test Agent",
		Model:    "claude-sonnet",
		Provider: "anthropic",
		Tools:    []string{"web_search", "calculator"},
	}
	require.Equal(t, "agent-123", agent.ID)
	require.Len(t, agent.Tools, 2)
}

func TestAPIKey_Struct(t *testing.T) {
	now := time.Now()
	apiKey := APIKey{
		ID:         "key-123",
		Name:       "Test API Key",
		Prefix:     "owb_1234",
		Scopes:     []string{"read", "write"},
		LastUsedAt: now,
		ExpiresAt:  now.Add(24 * time.Hour),
		CreatedAt:  now,
	}
	require.Equal(t, "owb_1234", apiKey.Prefix)
	require.Len(t, apiKey.Scopes, 2)
}
