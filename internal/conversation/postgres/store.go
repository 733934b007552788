// Package postgres persists conversation messages in the ai_messages table.
package postgres

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/cuongbtq/ai-response-service/internal/conversation"
)

//go:embed schema.sql
var schema string

var _ conversation.Store = (*Store)(nil)

const messageColumns = `id, conversation_id, type, content, persona_id, job_id, metadata, created_at`

// Store is a conversation.Store on Postgres.
type Store struct {
	db     *sqlx.DB
	logger *slog.Logger
}

// New returns a Store on db. The caller owns db.
func New(db *sqlx.DB, logger *slog.Logger) *Store {
	return &Store{
		db:     db,
		logger: logger,
	}
}

// Migrate creates the messages table when missing.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to migrate message schema: %w", err)
	}
	return nil
}

type messageRow struct {
	ID             string         `db:"id"`
	ConversationID string         `db:"conversation_id"`
	Type           string         `db:"type"`
	Content        string         `db:"content"`
	PersonaID      string         `db:"persona_id"`
	JobID          sql.NullString `db:"job_id"`
	Metadata       []byte         `db:"metadata"`
	CreatedAt      time.Time      `db:"created_at"`
}

func (r *messageRow) toMessage() *conversation.Message {
	return &conversation.Message{
		ID:             r.ID,
		ConversationID: r.ConversationID,
		Type:           r.Type,
		Content:        r.Content,
		PersonaID:      r.PersonaID,
		JobID:          r.JobID.String,
		Metadata:       r.Metadata,
		CreatedAt:      r.CreatedAt,
	}
}

// AddMessage inserts msg. When another message already carries msg.JobID the
// insert is skipped and that message is returned.
func (s *Store) AddMessage(ctx context.Context, conversationID string, msg conversation.NewMessage) (*conversation.Message, error) {
	if conversationID == "" {
		return nil, &conversation.PersistenceError{Op: "add message", Err: errors.New("conversation id is required")}
	}

	jobID := sql.NullString{String: msg.JobID, Valid: msg.JobID != ""}
	var metadata any
	if len(msg.Metadata) > 0 {
		metadata = []byte(msg.Metadata)
	}

	query := `
		INSERT INTO ai_messages (id, conversation_id, type, content, persona_id, job_id, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (job_id) WHERE job_id IS NOT NULL DO NOTHING
		RETURNING ` + messageColumns

	var row messageRow
	err := s.db.GetContext(ctx, &row, query,
		uuid.NewString(),
		conversationID,
		msg.Type,
		msg.Content,
		msg.PersonaID,
		jobID,
		metadata,
	)
	if errors.Is(err, sql.ErrNoRows) && jobID.Valid {
		s.logger.Debug("Message already persisted for job", slog.String("job_id", msg.JobID))
		return s.FindByJobID(ctx, msg.JobID)
	}
	if err != nil {
		return nil, &conversation.PersistenceError{Op: "add message", Err: err}
	}

	return row.toMessage(), nil
}

// FindByJobID returns the message tagged with jobID.
func (s *Store) FindByJobID(ctx context.Context, jobID string) (*conversation.Message, error) {
	if jobID == "" {
		return nil, conversation.ErrMessageNotFound
	}

	var row messageRow
	err := s.db.GetContext(ctx, &row, `SELECT `+messageColumns+` FROM ai_messages WHERE job_id = $1`, jobID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, conversation.ErrMessageNotFound
	}
	if err != nil {
		return nil, &conversation.PersistenceError{Op: "find message", Err: err}
	}

	return row.toMessage(), nil
}
