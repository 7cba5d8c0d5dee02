package domain

import "time"

// APIType identifies the API format for frontdoors and backends.
type APIType string

const (
	APITypeOpenAI    APIType = "openai"
	APITypeAnthropic APIType = "anthropic"
)

// Message roles used across the gateway.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Message is an outgoing chat message as seen by the host just before the
// upstream call. It is the structure the message-list injection point appends to.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
	Name    string `json:"name,omitempty"`

	// ToolCalls for assistant messages that invoke tools (OpenAI style)
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`

	// ToolCallID for tool messages providing results (OpenAI style)
	ToolCallID string `json:"tool_call_id,omitempty"`
}

// ToolCall represents a tool call made by the assistant.
type ToolCall struct {
	ID       string           `json:"id"`
	Type     string           `json:"type"` // "function"
	Function ToolCallFunction `json:"function"`
}

// ToolCallFunction represents the function details in a tool call.
type ToolCallFunction struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"` // JSON string
}

// ChatMessage is one turn of the conversation transcript the pipeline reasons over.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`

	// SentAt is the host's timestamp for the turn, when it has one.
	SentAt time.Time `json:"sent_at,omitempty"`
}

// IsUser reports whether the turn was authored by the operating user.
func (m ChatMessage) IsUser() bool {
	return m.Role == RoleUser
}

// Identity names the two parties of a conversation.
type Identity struct {
	// CharacterName is the display name of the counterpart persona.
	CharacterName string `json:"character_name,omitempty"`
	// UserName is the display name of the operating user.
	UserName string `json:"user_name,omitempty"`
}

// Conversation is the host's view of the active chat at notification time.
type Conversation struct {
	ID       string        `json:"id"`
	Messages []ChatMessage `json:"messages"`
	Identity Identity      `json:"identity"`
}

// LastMessage returns the most recent transcript entry.
func (c Conversation) LastMessage() (ChatMessage, bool) {
	if len(c.Messages) == 0 {
		return ChatMessage{}, false
	}
	return c.Messages[len(c.Messages)-1], true
}
