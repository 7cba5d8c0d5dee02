package pipeline

import (
	"regexp"

	"github.com/tjfontaine/staged-thinking-gateway/internal/core/domain"
)

// Fallback names used when the session does not provide one.
const (
	DefaultCharacterName = "Character"
	DefaultUserName      = "User"
)

var (
	charPlaceholder = regexp.MustCompile(`(?i)\{\{char\}\}`)
	userPlaceholder = regexp.MustCompile(`(?i)\{\{user\}\}`)
)

// SubstituteParams replaces every {{char}} and {{user}} placeholder, in any
// letter case, with the session's names.
func SubstituteParams(text string, id domain.Identity) string {
	char, user := names(id)
	text = charPlaceholder.ReplaceAllLiteralString(text, char)
	return userPlaceholder.ReplaceAllLiteralString(text, user)
}

func names(id domain.Identity) (char, user string) {
	char, user = id.CharacterName, id.UserName
	if char == "" {
		char = DefaultCharacterName
	}
	if user == "" {
		user = DefaultUserName
	}
	return char, user
}
