package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/tjfontaine/staged-thinking-gateway/internal/core/domain"
	"github.com/tjfontaine/staged-thinking-gateway/internal/storage"
)

// Store is a SQLite implementation of ConversationStore and RunStore
type Store struct {
	db *sql.DB
}

var _ storage.Provider = (*Store)(nil)

// New creates a new SQLite store
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL; PRAGMA synchronous=NORMAL; PRAGMA foreign_keys=ON;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	store := &Store{db: db}

	// Initialize schema
	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return store, nil
}

func (s *Store) initSchema() error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS conversations (
			id TEXT PRIMARY KEY,
			metadata TEXT,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL,
			sent_at TIMESTAMP,
			FOREIGN KEY (conversation_id) REFERENCES conversations(id) ON DELETE CASCADE
		)`,
		`CREATE TABLE IF NOT EXISTS runs (
			id TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL,
			trigger TEXT NOT NULL,
			status TEXT NOT NULL,
			stages TEXT NOT NULL,
			failed_stages TEXT NOT NULL,
			thinking TEXT NOT NULL,
			final_prompt TEXT NOT NULL,
			injected_via TEXT NOT NULL DEFAULT '',
			dropped INTEGER NOT NULL DEFAULT 0,
			duration_ns INTEGER NOT NULL,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_conversation ON runs(conversation_id)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_created ON runs(created_at)`,
	}

	for _, stmt := range statements {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to execute schema statement: %w", err)
		}
	}

	// Databases created before sent_at existed.
	return s.addColumnIfMissing("messages", "sent_at", "TIMESTAMP")
}

func (s *Store) addColumnIfMissing(table, column, decl string) error {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM pragma_table_info(?) WHERE name = ?`, table, column).Scan(&n)
	if err != nil {
		return fmt.Errorf("failed to inspect %s: %w", table, err)
	}
	if n > 0 {
		return nil
	}
	if _, err := s.db.Exec(fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", table, column, decl)); err != nil {
		return fmt.Errorf("failed to add %s.%s: %w", table, column, err)
	}
	return nil
}

// =============================================================================
// Conversations
// =============================================================================

func (s *Store) CreateConversation(ctx context.Context, conv *storage.Conversation) error {
	conv.CreatedAt = time.Now()
	conv.UpdatedAt = conv.CreatedAt

	metadata, err := json.Marshal(conv.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}

	query := `INSERT INTO conversations (id, metadata, created_at, updated_at)
	          VALUES (?, ?, ?, ?)`

	_, err = s.db.ExecContext(ctx, query,
		conv.ID, string(metadata), conv.CreatedAt, conv.UpdatedAt)

	if err != nil {
		return fmt.Errorf("failed to create conversation: %w", err)
	}

	return nil
}

func (s *Store) GetConversation(ctx context.Context, id string) (*storage.Conversation, error) {
	query := `SELECT id, metadata, created_at, updated_at
	          FROM conversations WHERE id = ?`

	var conv storage.Conversation
	var metadataJSON string

	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&conv.ID, &metadataJSON, &conv.CreatedAt, &conv.UpdatedAt)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("conversation %s: %w", id, storage.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get conversation: %w", err)
	}

	if err := json.Unmarshal([]byte(metadataJSON), &conv.Metadata); err != nil {
		return nil, fmt.Errorf("failed to unmarshal metadata: %w", err)
	}

	// Load messages
	messages, err := s.getMessages(ctx, id)
	if err != nil {
		return nil, err
	}
	conv.Messages = messages

	return &conv, nil
}

func (s *Store) getMessages(ctx context.Context, convID string) ([]storage.Message, error) {
	query := `SELECT id, role, content, created_at, sent_at
	          FROM messages WHERE conversation_id = ?
	          ORDER BY created_at ASC, rowid ASC`

	rows, err := s.db.QueryContext(ctx, query, convID)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	defer rows.Close()

	messages := []storage.Message{}
	for rows.Next() {
		var msg storage.Message
		var sentAt sql.NullTime
		if err := rows.Scan(&msg.ID, &msg.Role, &msg.Content, &msg.CreatedAt, &sentAt); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		if sentAt.Valid {
			msg.SentAt = sentAt.Time
		}
		messages = append(messages, msg)
	}

	return messages, rows.Err()
}

func (s *Store) AddMessage(ctx context.Context, convID string, msg *storage.Message) error {
	msg.CreatedAt = time.Now()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	// Update conversation updated_at first so a missing conversation is reported as such
	result, err := tx.ExecContext(ctx, `UPDATE conversations SET updated_at = ? WHERE id = ?`, msg.CreatedAt, convID)
	if err != nil {
		return fmt.Errorf("failed to update conversation: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return fmt.Errorf("conversation %s: %w", convID, storage.ErrNotFound)
	}

	var sentAt sql.NullTime
	if !msg.SentAt.IsZero() {
		sentAt = sql.NullTime{Time: msg.SentAt, Valid: true}
	}

	query := `INSERT INTO messages (id, conversation_id, role, content, created_at, sent_at)
	          VALUES (?, ?, ?, ?, ?, ?)`

	_, err = tx.ExecContext(ctx, query,
		msg.ID, convID, msg.Role, msg.Content, msg.CreatedAt, sentAt)

	if err != nil {
		return fmt.Errorf("failed to insert message: %w", err)
	}

	return tx.Commit()
}

func (s *Store) DeleteMessagesAfter(ctx context.Context, convID, messageID string) error {
	query := `DELETE FROM messages
	          WHERE conversation_id = ?
	          AND rowid > (SELECT rowid FROM messages WHERE id = ? AND conversation_id = ?)`

	if _, err := s.db.ExecContext(ctx, query, convID, messageID, convID); err != nil {
		return fmt.Errorf("failed to delete messages: %w", err)
	}
	return nil
}

func (s *Store) ListConversations(ctx context.Context, opts storage.ListOptions) ([]*storage.Conversation, error) {
	query := `SELECT id, metadata, created_at, updated_at
	          FROM conversations
	          ORDER BY updated_at DESC
	          LIMIT ? OFFSET ?`

	limit := opts.Limit
	if limit == 0 {
		limit = storage.DefaultListLimit
	}

	rows, err := s.db.QueryContext(ctx, query, limit, opts.Offset)
	if err != nil {
		return nil, fmt.Errorf("failed to query conversations: %w", err)
	}
	defer rows.Close()

	var conversations []*storage.Conversation
	for rows.Next() {
		var conv storage.Conversation
		var metadataJSON string

		if err := rows.Scan(&conv.ID, &metadataJSON,
			&conv.CreatedAt, &conv.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan conversation: %w", err)
		}

		if err := json.Unmarshal([]byte(metadataJSON), &conv.Metadata); err != nil {
			return nil, fmt.Errorf("failed to unmarshal metadata: %w", err)
		}

		conversations = append(conversations, &conv)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Load messages after the cursor is drained
	for _, conv := range conversations {
		messages, err := s.getMessages(ctx, conv.ID)
		if err != nil {
			return nil, err
		}
		conv.Messages = messages
	}

	return conversations, nil
}

func (s *Store) DeleteConversation(ctx context.Context, id string) error {
	query := `DELETE FROM conversations WHERE id = ?`

	result, err := s.db.ExecContext(ctx, query, id)
	if err != nil {
		return fmt.Errorf("failed to delete conversation: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rows == 0 {
		return fmt.Errorf("conversation %s: %w", id, storage.ErrNotFound)
	}

	return nil
}

// =============================================================================
// Runs
// =============================================================================

const runColumns = `id, conversation_id, trigger, status, stages, failed_stages, thinking,
	final_prompt, injected_via, dropped, duration_ns, created_at, updated_at`

func (s *Store) SaveRun(ctx context.Context, run *domain.RunRecord) error {
	now := time.Now()
	if run.CreatedAt.IsZero() {
		run.CreatedAt = now
	}
	run.UpdatedAt = now

	stages, err := json.Marshal(run.StageResults)
	if err != nil {
		return fmt.Errorf("failed to marshal stages: %w", err)
	}
	failed, err := json.Marshal(run.FailedStages)
	if err != nil {
		return fmt.Errorf("failed to marshal failed stages: %w", err)
	}

	query := `INSERT INTO runs (` + runColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err = s.db.ExecContext(ctx, query,
		run.ID, run.ConversationID, string(run.Trigger), string(run.Status),
		string(stages), string(failed), run.Thinking, run.FinalPrompt,
		string(run.InjectedVia), run.Dropped, int64(run.Duration),
		run.CreatedAt, run.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to save run: %w", err)
	}

	return nil
}

func (s *Store) GetRun(ctx context.Context, id string) (*domain.RunRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id = ?`, id)

	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("run %s: %w", id, storage.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	return run, nil
}

func (s *Store) ListRuns(ctx context.Context, opts storage.ListOptions) ([]*domain.RunRecord, error) {
	limit := opts.Limit
	if limit == 0 {
		limit = storage.DefaultListLimit
	}

	query := `SELECT ` + runColumns + ` FROM runs`
	args := []any{}
	if opts.ConversationID != "" {
		query += ` WHERE conversation_id = ?`
		args = append(args, opts.ConversationID)
	}
	query += ` ORDER BY created_at DESC, rowid DESC LIMIT ? OFFSET ?`
	args = append(args, limit, opts.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}
	defer rows.Close()

	var runs []*domain.RunRecord
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, run)
	}

	return runs, rows.Err()
}

func (s *Store) MarkInjected(ctx context.Context, id string, point domain.InjectionPoint) error {
	return s.updateRun(ctx, id, `UPDATE runs SET injected_via = ?, updated_at = ? WHERE id = ?`, string(point), time.Now(), id)
}

func (s *Store) MarkDropped(ctx context.Context, id string) error {
	return s.updateRun(ctx, id, `UPDATE runs SET dropped = 1, updated_at = ? WHERE id = ?`, time.Now(), id)
}

func (s *Store) updateRun(ctx context.Context, id, query string, args ...any) error {
	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update run: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("run %s: %w", id, storage.ErrNotFound)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (*domain.RunRecord, error) {
	var run domain.RunRecord
	var trigger, status, stages, failed, injectedVia string
	var durationNS int64

	if err := row.Scan(&run.ID, &run.ConversationID, &trigger, &status, &stages, &failed,
		&run.Thinking, &run.FinalPrompt, &injectedVia, &run.Dropped, &durationNS,
		&run.CreatedAt, &run.UpdatedAt); err != nil {
		return nil, err
	}

	run.Trigger = domain.RunTrigger(trigger)
	run.Status = domain.RunStatus(status)
	run.InjectedVia = domain.InjectionPoint(injectedVia)
	run.Duration = time.Duration(durationNS)

	if err := json.Unmarshal([]byte(stages), &run.StageResults); err != nil {
		return nil, fmt.Errorf("failed to unmarshal stages: %w", err)
	}
	if err := json.Unmarshal([]byte(failed), &run.FailedStages); err != nil {
		return nil, fmt.Errorf("failed to unmarshal failed stages: %w", err)
	}

	return &run, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}
