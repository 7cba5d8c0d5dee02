// Package conversation keeps the transcripts of text-completion conversations,
// whose requests carry a rendered prompt instead of a message list.
package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/tjfontaine/staged-thinking-gateway/internal/core/domain"
	"github.com/tjfontaine/staged-thinking-gateway/internal/server"
	"github.com/tjfontaine/staged-thinking-gateway/internal/storage"
)

const persistTimeout = 5 * time.Second

// Recorder appends turns to the conversation store. A nil Recorder, or one
// without a store, records nothing.
type Recorder struct {
	store  storage.ConversationStore
	logger *slog.Logger
}

// NewRecorder creates a recorder backed by store.
func NewRecorder(store storage.ConversationStore, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{store: store, logger: logger}
}

// Append records one turn, creating the conversation on first use, and
// returns the stored transcript. metadata is attached only when the
// conversation is created. Empty content is not recorded.
func (r *Recorder) Append(ctx context.Context, convID, role, content string, metadata map[string]string) ([]domain.ChatMessage, error) {
	if r == nil || r.store == nil {
		return nil, nil
	}

	// Persistence outlives a client disconnect, bounded by a short timeout.
	ctx, cancel := buildPersistenceContext(ctx, persistTimeout)
	defer cancel()

	if err := r.ensure(ctx, convID, metadata); err != nil {
		return nil, err
	}

	if content != "" {
		if err := r.store.AddMessage(ctx, convID, &storage.Message{
			ID:      "msg_" + uuid.New().String(),
			Role:    role,
			Content: content,
		}); err != nil {
			r.logger.Error("failed to store message",
				slog.String("conversation_id", convID),
				slog.String("role", role),
				slog.String("error", err.Error()))
			return nil, fmt.Errorf("add message: %w", err)
		}
	}

	return r.Transcript(ctx, convID)
}

// RecordUserTurn records the user's turn and returns the transcript to send
// upstream. A turn that repeats the last stored user turn, with only
// assistant replies after it, is a regenerate or a retry: the stale replies
// are dropped and the existing turn is reused instead of being stored twice.
// Differing host timestamps mark a new turn even when the text matches.
func (r *Recorder) RecordUserTurn(ctx context.Context, convID, content string, sentAt time.Time, metadata map[string]string) ([]domain.ChatMessage, error) {
	if r == nil || r.store == nil {
		return nil, nil
	}

	ctx, cancel := buildPersistenceContext(ctx, persistTimeout)
	defer cancel()

	if err := r.ensure(ctx, convID, metadata); err != nil {
		return nil, err
	}

	conv, err := r.store.GetConversation(ctx, convID)
	if err != nil {
		return nil, err
	}

	if i := repeatedUserTurn(conv.Messages, content, sentAt); i >= 0 {
		if i < len(conv.Messages)-1 {
			if err := r.store.DeleteMessagesAfter(ctx, convID, conv.Messages[i].ID); err != nil {
				return nil, fmt.Errorf("drop stale replies: %w", err)
			}
		}
		r.logger.Debug("reusing repeated user turn",
			slog.String("conversation_id", convID),
			slog.Int("dropped_replies", len(conv.Messages)-1-i))
		return toChat(conv.Messages[:i+1]), nil
	}

	if content != "" {
		if err := r.store.AddMessage(ctx, convID, &storage.Message{
			ID:      "msg_" + uuid.New().String(),
			Role:    domain.RoleUser,
			Content: content,
			SentAt:  sentAt,
		}); err != nil {
			r.logger.Error("failed to store message",
				slog.String("conversation_id", convID),
				slog.String("role", domain.RoleUser),
				slog.String("error", err.Error()))
			return nil, fmt.Errorf("add message: %w", err)
		}
	}

	return r.Transcript(ctx, convID)
}

// repeatedUserTurn returns the index of the last user turn when content
// repeats it and every later turn is an assistant reply, or -1.
func repeatedUserTurn(msgs []storage.Message, content string, sentAt time.Time) int {
	if content == "" {
		return -1
	}
	for i := len(msgs) - 1; i >= 0; i-- {
		m := msgs[i]
		if m.Role == domain.RoleAssistant {
			continue
		}
		if m.Role != domain.RoleUser || m.Content != content {
			return -1
		}
		if !sentAt.IsZero() && !m.SentAt.IsZero() && !sentAt.Equal(m.SentAt) {
			return -1
		}
		return i
	}
	return -1
}

// Transcript returns the stored turns of convID in order.
func (r *Recorder) Transcript(ctx context.Context, convID string) ([]domain.ChatMessage, error) {
	if r == nil || r.store == nil {
		return nil, nil
	}

	conv, err := r.store.GetConversation(ctx, convID)
	if err != nil {
		return nil, err
	}

	return toChat(conv.Messages), nil
}

func toChat(msgs []storage.Message) []domain.ChatMessage {
	history := make([]domain.ChatMessage, len(msgs))
	for i, m := range msgs {
		history[i] = domain.ChatMessage{Role: m.Role, Content: m.Content, SentAt: m.SentAt}
	}
	return history
}

func (r *Recorder) ensure(ctx context.Context, convID string, metadata map[string]string) error {
	_, err := r.store.GetConversation(ctx, convID)
	if err == nil {
		return nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return err
	}

	meta := make(map[string]string, len(metadata)+1)
	for k, v := range metadata {
		if v != "" {
			meta[k] = v
		}
	}
	if reqID := server.GetRequestID(ctx); reqID != "" {
		meta["request_id"] = reqID
	}

	if err := r.store.CreateConversation(ctx, &storage.Conversation{ID: convID, Metadata: meta}); err != nil {
		r.logger.Error("failed to create conversation",
			slog.String("conversation_id", convID),
			slog.String("error", err.Error()))
		return fmt.Errorf("create conversation: %w", err)
	}
	return nil
}

func buildPersistenceContext(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	base := context.WithoutCancel(ctx)
	if timeout <= 0 {
		return context.WithCancel(base)
	}
	return context.WithTimeout(base, timeout)
}
