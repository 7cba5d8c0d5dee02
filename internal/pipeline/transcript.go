package pipeline

import (
	"strings"

	"github.com/tjfontaine/staged-thinking-gateway/internal/core/domain"
)

// DefaultContextMessages is the transcript window used when none is configured.
const DefaultContextMessages = 10

// FormatTranscript renders the last max turns, oldest first, as
// "<speaker>: <text>" separated by blank lines. System entries are host
// framing and never count as turns.
func FormatTranscript(msgs []domain.ChatMessage, id domain.Identity, max int) string {
	if max <= 0 {
		max = DefaultContextMessages
	}

	turns := make([]domain.ChatMessage, 0, len(msgs))
	for _, m := range msgs {
		if m.Role == domain.RoleSystem {
			continue
		}
		turns = append(turns, m)
	}
	if len(turns) > max {
		turns = turns[len(turns)-max:]
	}

	char, user := names(id)
	lines := make([]string, len(turns))
	for i, m := range turns {
		speaker := char
		if m.IsUser() {
			speaker = user
		}
		lines[i] = speaker + ": " + m.Content
	}
	return strings.Join(lines, "\n\n")
}
