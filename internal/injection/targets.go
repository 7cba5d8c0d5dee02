package injection

import (
	"github.com/tjfontaine/staged-thinking-gateway/internal/core/domain"
)

// Position controls where MessageList places the injected system message.
type Position string

const (
	// PositionAppend adds the message after everything else.
	PositionAppend Position = "append"
	// PositionBeforeLastUser places the message just before the last user
	// message, falling back to append when there is none.
	PositionBeforeLastUser Position = "before_last_user"
)

// MessageList injects into an outgoing chat message list as a system message.
type MessageList struct {
	Messages *[]domain.Message
	Position Position
}

// Inject implements Target.
func (m MessageList) Inject(text string) {
	msg := domain.Message{Role: domain.RoleSystem, Content: text}
	msgs := *m.Messages

	if m.Position == PositionBeforeLastUser {
		for i := len(msgs) - 1; i >= 0; i-- {
			if msgs[i].Role != domain.RoleUser {
				continue
			}
			out := make([]domain.Message, 0, len(msgs)+1)
			out = append(out, msgs[:i]...)
			out = append(out, msg)
			out = append(out, msgs[i:]...)
			*m.Messages = out
			return
		}
	}

	*m.Messages = append(msgs, msg)
}

// Point implements Target.
func (m MessageList) Point() domain.InjectionPoint { return domain.InjectionPointMessages }

// PromptText injects by prepending to an outgoing prompt string.
type PromptText struct {
	Prompt *string
}

// Inject implements Target.
func (p PromptText) Inject(text string) {
	if *p.Prompt == "" {
		*p.Prompt = text
		return
	}
	*p.Prompt = text + "\n\n" + *p.Prompt
}

// Point implements Target.
func (p PromptText) Point() domain.InjectionPoint { return domain.InjectionPointPrompt }
