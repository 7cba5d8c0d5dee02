// Package storage holds the gateway's persistence backends.
package storage

import (
	"github.com/tjfontaine/staged-thinking-gateway/internal/core/ports"
)

// Re-export storage interfaces and types from core/ports so backends only
// import this package.
type (
	ConversationStore = ports.ConversationStore
	RunStore          = ports.RunStore
	Provider          = ports.StorageProvider
	Conversation      = ports.Conversation
	Message           = ports.Message
	ListOptions       = ports.ListOptions
)

// ErrNotFound is returned when a conversation or run does not exist.
var ErrNotFound = ports.ErrNotFound

// DefaultListLimit caps list queries that do not set a limit.
const DefaultListLimit = 100
