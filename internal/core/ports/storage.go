package ports

import (
	"context"
	"errors"
	"time"

	"github.com/tjfontaine/staged-thinking-gateway/internal/core/domain"
)

// ErrNotFound is returned by stores when a record does not exist.
var ErrNotFound = errors.New("not found")

// ConversationStore defines the interface for conversation storage.
// The text-completion frontdoor keeps its transcript here because its
// requests carry only the newest prompt.
type ConversationStore interface {
	// CreateConversation creates a new conversation
	CreateConversation(ctx context.Context, conv *Conversation) error

	// GetConversation retrieves a conversation by ID
	GetConversation(ctx context.Context, id string) (*Conversation, error)

	// AddMessage adds a message to a conversation
	AddMessage(ctx context.Context, convID string, msg *Message) error

	// ListConversations lists conversations with pagination
	ListConversations(ctx context.Context, opts ListOptions) ([]*Conversation, error)

	// DeleteConversation deletes a conversation
	DeleteConversation(ctx context.Context, id string) error

	// DeleteMessagesAfter removes every message stored after messageID.
	DeleteMessagesAfter(ctx context.Context, convID, messageID string) error
}

// RunStore persists pipeline run history.
type RunStore interface {
	// SaveRun inserts a run record.
	SaveRun(ctx context.Context, run *domain.RunRecord) error

	// GetRun retrieves a run by ID.
	GetRun(ctx context.Context, id string) (*domain.RunRecord, error)

	// ListRuns lists runs, newest first.
	ListRuns(ctx context.Context, opts ListOptions) ([]*domain.RunRecord, error)

	// MarkInjected records which extension point consumed the run's output.
	MarkInjected(ctx context.Context, id string, point domain.InjectionPoint) error

	// MarkDropped records that the run's output was cleared without being consumed.
	MarkDropped(ctx context.Context, id string) error
}

// StorageProvider manages all storage operations.
// Implementations: SQLite (default), in-memory.
type StorageProvider interface {
	ConversationStore
	RunStore

	Close() error
}

// Conversation represents a stored conversation thread
type Conversation struct {
	ID        string            `json:"id"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	Messages  []Message         `json:"messages"`
	CreatedAt time.Time         `json:"created_at"`
	UpdatedAt time.Time         `json:"updated_at"`
}

// Message represents a single message in a conversation
type Message struct {
	ID        string    `json:"id"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`

	// SentAt is the host's timestamp for the turn, when it sent one.
	SentAt time.Time `json:"sent_at,omitempty"`
}

// ListOptions defines options for listing conversations and runs
type ListOptions struct {
	// ConversationID filters runs by conversation; ignored for conversations.
	ConversationID string
	Limit          int
	Offset         int
}
