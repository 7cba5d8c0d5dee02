package gate

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/tjfontaine/staged-thinking-gateway/internal/core/domain"
)

// MessageKey identifies one user turn for de-duplication.
type MessageKey string

// KeyOf derives the key of msg, the last turn of a transcript with n turns.
// A host timestamp identifies the turn on its own. Without one the key
// combines the transcript length with a hash of the full message content.
func KeyOf(msg domain.ChatMessage, n int) MessageKey {
	if !msg.SentAt.IsZero() {
		return MessageKey("ts:" + msg.SentAt.UTC().Format(time.RFC3339Nano))
	}
	sum := sha256.Sum256([]byte(msg.Content))
	return MessageKey(fmt.Sprintf("len:%d:%s", n, hex.EncodeToString(sum[:8])))
}
