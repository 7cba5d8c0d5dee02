package pipeline

import (
	"fmt"
	"strings"
	"testing"

	"github.com/tjfontaine/staged-thinking-gateway/internal/core/domain"
)

func TestFormatTranscript(t *testing.T) {
	id := domain.Identity{CharacterName: "Alice", UserName: "Bob"}

	tests := []struct {
		name string
		msgs []domain.ChatMessage
		max  int
		want string
	}{
		{name: "empty", msgs: nil, max: 10, want: ""},
		{
			name: "speakers resolved",
			msgs: []domain.ChatMessage{
				{Role: domain.RoleAssistant, Content: "Welcome."},
				{Role: domain.RoleUser, Content: "Where is the map?"},
			},
			max:  10,
			want: "Alice: Welcome.\n\nBob: Where is the map?",
		},
		{
			name: "window keeps newest",
			msgs: []domain.ChatMessage{
				{Role: domain.RoleUser, Content: "one"},
				{Role: domain.RoleAssistant, Content: "two"},
				{Role: domain.RoleUser, Content: "three"},
			},
			max:  2,
			want: "Alice: two\n\nBob: three",
		},
		{
			name: "system entries excluded before windowing",
			msgs: []domain.ChatMessage{
				{Role: domain.RoleAssistant, Content: "hello"},
				{Role: domain.RoleSystem, Content: "[scenario]"},
				{Role: domain.RoleUser, Content: "hi"},
			},
			max:  2,
			want: "Alice: hello\n\nBob: hi",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := FormatTranscript(tt.msgs, id, tt.max); got != tt.want {
				t.Errorf("FormatTranscript() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestFormatTranscript_DefaultWindow(t *testing.T) {
	var msgs []domain.ChatMessage
	for i := 1; i <= 15; i++ {
		msgs = append(msgs, domain.ChatMessage{Role: domain.RoleUser, Content: fmt.Sprintf("m%d", i)})
	}

	got := FormatTranscript(msgs, domain.Identity{}, 0)
	lines := strings.Split(got, "\n\n")
	if len(lines) != DefaultContextMessages {
		t.Fatalf("lines = %d, want %d", len(lines), DefaultContextMessages)
	}
	if lines[0] != "User: m6" || lines[9] != "User: m15" {
		t.Errorf("window = %q ... %q", lines[0], lines[9])
	}
}
