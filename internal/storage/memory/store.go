package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/tjfontaine/staged-thinking-gateway/internal/core/domain"
	"github.com/tjfontaine/staged-thinking-gateway/internal/storage"
)

// Store is an in-memory implementation of ConversationStore and RunStore
type Store struct {
	mu            sync.RWMutex
	conversations map[string]*storage.Conversation
	runs          map[string]*domain.RunRecord
	runOrder      []string
}

var _ storage.Provider = (*Store)(nil)

// New creates a new in-memory store
func New() *Store {
	return &Store{
		conversations: make(map[string]*storage.Conversation),
		runs:          make(map[string]*domain.RunRecord),
	}
}

func (s *Store) CreateConversation(ctx context.Context, conv *storage.Conversation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.conversations[conv.ID]; exists {
		return fmt.Errorf("conversation %s already exists", conv.ID)
	}

	conv.CreatedAt = time.Now()
	conv.UpdatedAt = conv.CreatedAt
	conv.Messages = []storage.Message{}

	stored := *conv
	s.conversations[conv.ID] = &stored
	return nil
}

func (s *Store) GetConversation(ctx context.Context, id string) (*storage.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	conv, exists := s.conversations[id]
	if !exists {
		return nil, fmt.Errorf("conversation %s: %w", id, storage.ErrNotFound)
	}

	return copyConversation(conv), nil
}

func (s *Store) AddMessage(ctx context.Context, convID string, msg *storage.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv, exists := s.conversations[convID]
	if !exists {
		return fmt.Errorf("conversation %s: %w", convID, storage.ErrNotFound)
	}

	msg.CreatedAt = time.Now()
	conv.Messages = append(conv.Messages, *msg)
	conv.UpdatedAt = msg.CreatedAt

	return nil
}

func (s *Store) DeleteMessagesAfter(ctx context.Context, convID, messageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv, exists := s.conversations[convID]
	if !exists {
		return fmt.Errorf("conversation %s: %w", convID, storage.ErrNotFound)
	}

	for i, m := range conv.Messages {
		if m.ID == messageID {
			conv.Messages = conv.Messages[:i+1]
			return nil
		}
	}
	return nil
}

func (s *Store) ListConversations(ctx context.Context, opts storage.ListOptions) ([]*storage.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	all := make([]*storage.Conversation, 0, len(s.conversations))
	for _, conv := range s.conversations {
		all = append(all, conv)
	}
	sort.Slice(all, func(i, j int) bool {
		return all[i].UpdatedAt.After(all[j].UpdatedAt)
	})

	var result []*storage.Conversation
	for _, conv := range page(all, opts) {
		result = append(result, copyConversation(conv))
	}

	return result, nil
}

func (s *Store) DeleteConversation(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.conversations[id]; !exists {
		return fmt.Errorf("conversation %s: %w", id, storage.ErrNotFound)
	}

	delete(s.conversations, id)
	return nil
}

func (s *Store) SaveRun(ctx context.Context, run *domain.RunRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.runs[run.ID]; exists {
		return fmt.Errorf("run %s already exists", run.ID)
	}

	now := time.Now()
	if run.CreatedAt.IsZero() {
		run.CreatedAt = now
	}
	run.UpdatedAt = now

	s.runs[run.ID] = copyRun(run)
	s.runOrder = append(s.runOrder, run.ID)
	return nil
}

func (s *Store) GetRun(ctx context.Context, id string) (*domain.RunRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	run, exists := s.runs[id]
	if !exists {
		return nil, fmt.Errorf("run %s: %w", id, storage.ErrNotFound)
	}
	return copyRun(run), nil
}

func (s *Store) ListRuns(ctx context.Context, opts storage.ListOptions) ([]*domain.RunRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	// Newest first
	var matched []*domain.RunRecord
	for i := len(s.runOrder) - 1; i >= 0; i-- {
		run := s.runs[s.runOrder[i]]
		if opts.ConversationID != "" && run.ConversationID != opts.ConversationID {
			continue
		}
		matched = append(matched, run)
	}

	var result []*domain.RunRecord
	for _, run := range page(matched, opts) {
		result = append(result, copyRun(run))
	}
	return result, nil
}

func (s *Store) MarkInjected(ctx context.Context, id string, point domain.InjectionPoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, exists := s.runs[id]
	if !exists {
		return fmt.Errorf("run %s: %w", id, storage.ErrNotFound)
	}
	run.InjectedVia = point
	run.UpdatedAt = time.Now()
	return nil
}

func (s *Store) MarkDropped(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, exists := s.runs[id]
	if !exists {
		return fmt.Errorf("run %s: %w", id, storage.ErrNotFound)
	}
	run.Dropped = true
	run.UpdatedAt = time.Now()
	return nil
}

func (s *Store) Close() error {
	return nil
}

func page[T any](items []T, opts storage.ListOptions) []T {
	limit := opts.Limit
	if limit == 0 {
		limit = storage.DefaultListLimit
	}

	start := opts.Offset
	if start > len(items) {
		return nil
	}
	end := start + limit
	if end > len(items) {
		end = len(items)
	}
	return items[start:end]
}

func copyConversation(conv *storage.Conversation) *storage.Conversation {
	c := *conv
	c.Messages = append([]storage.Message(nil), conv.Messages...)
	if conv.Metadata != nil {
		c.Metadata = make(map[string]string, len(conv.Metadata))
		for k, v := range conv.Metadata {
			c.Metadata[k] = v
		}
	}
	return &c
}

func copyRun(run *domain.RunRecord) *domain.RunRecord {
	r := *run
	r.StageResults = append([]domain.StageResult(nil), run.StageResults...)
	r.FailedStages = append([]string(nil), run.FailedStages...)
	return &r
}
