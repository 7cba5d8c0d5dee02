package openai

import (
	"net/http"
	"strings"
	"time"

	api "github.com/tjfontaine/staged-thinking-gateway/internal/api/openai"
	"github.com/tjfontaine/staged-thinking-gateway/internal/core/domain"
)

// Request headers and metadata keys the host reads.
const (
	HeaderConversationID = "X-Conversation-ID"
	HeaderCharacterName  = "X-Character-Name"
	HeaderUserName       = "X-User-Name"

	MetaCharacterName = "character_name"
	MetaUserName      = "user_name"
	MetaMessageSentAt = "message_sent_at"
	MetaUserMessage   = "user_message"

	// DefaultConversationID is used when a request names no conversation.
	DefaultConversationID = "default"
)

// isInternal reports whether r was issued by the staged thinking pipeline.
func isInternal(r *http.Request) bool {
	return r.Header.Get(domain.InternalHeader) == domain.InternalHeaderValue || domain.IsInternal(r.Context())
}

// conversationID resolves the conversation a request belongs to.
func conversationID(r *http.Request, user string) string {
	if id := strings.TrimSpace(r.Header.Get(HeaderConversationID)); id != "" {
		return id
	}
	if user = strings.TrimSpace(user); user != "" {
		return user
	}
	return DefaultConversationID
}

// identityFrom reads participant names from headers, falling back to metadata.
func identityFrom(r *http.Request, meta map[string]string) domain.Identity {
	pick := func(header, key string) string {
		if v := strings.TrimSpace(r.Header.Get(header)); v != "" {
			return v
		}
		return strings.TrimSpace(meta[key])
	}
	return domain.Identity{
		CharacterName: pick(HeaderCharacterName, MetaCharacterName),
		UserName:      pick(HeaderUserName, MetaUserName),
	}
}

// sentAt parses the optional host timestamp of the newest user turn.
func sentAt(meta map[string]string) time.Time {
	v := strings.TrimSpace(meta[MetaMessageSentAt])
	if v == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}
	}
	return t
}

// stampLastUser sets the timestamp on the newest user turn.
func stampLastUser(msgs []domain.ChatMessage, at time.Time) {
	if at.IsZero() {
		return
	}
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].IsUser() {
			msgs[i].SentAt = at
			return
		}
	}
}

// transcriptOf converts an incoming chat request into the transcript view the
// gate and pipeline reason over. Tool traffic is not part of the transcript.
func transcriptOf(msgs []api.ChatCompletionMessage) []domain.ChatMessage {
	out := make([]domain.ChatMessage, 0, len(msgs))
	for _, m := range msgs {
		switch m.Role {
		case domain.RoleUser, domain.RoleAssistant, domain.RoleSystem:
			if m.Role == domain.RoleAssistant && m.Content == "" {
				continue
			}
			out = append(out, domain.ChatMessage{Role: m.Role, Content: m.Content})
		}
	}
	return out
}

func toDomainMessages(msgs []api.ChatCompletionMessage) []domain.Message {
	out := make([]domain.Message, len(msgs))
	for i, m := range msgs {
		out[i] = domain.Message{
			Role:       m.Role,
			Content:    m.Content,
			Name:       m.Name,
			ToolCallID: m.ToolCallID,
		}
		for _, tc := range m.ToolCalls {
			out[i].ToolCalls = append(out[i].ToolCalls, domain.ToolCall{
				ID:   tc.ID,
				Type: tc.Type,
				Function: domain.ToolCallFunction{
					Name:      tc.Function.Name,
					Arguments: tc.Function.Arguments,
				},
			})
		}
	}
	return out
}

func fromDomainMessages(msgs []domain.Message) []api.ChatCompletionMessage {
	out := make([]api.ChatCompletionMessage, len(msgs))
	for i, m := range msgs {
		out[i] = api.ChatCompletionMessage{
			Role:       m.Role,
			Content:    m.Content,
			Name:       m.Name,
			ToolCallID: m.ToolCallID,
		}
		for _, tc := range m.ToolCalls {
			out[i].ToolCalls = append(out[i].ToolCalls, api.ToolCall{
				ID:   tc.ID,
				Type: tc.Type,
				Function: api.FunctionCall{
					Name:      tc.Function.Name,
					Arguments: tc.Function.Arguments,
				},
			})
		}
	}
	return out
}

// upstreamOptions builds the options for a forwarded request.
func upstreamOptions(r *http.Request, internal bool) *api.RequestOptions {
	opts := &api.RequestOptions{UserAgent: r.Header.Get("User-Agent")}
	if internal {
		opts.Headers = http.Header{}
		opts.Headers.Set(domain.InternalHeader, domain.InternalHeaderValue)
	}
	return opts
}
