// Package conversation persists the messages of a conversation. Generated
// replies are tagged with the job that produced them so a retried job never
// saves the same reply twice.
package conversation

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// Message types.
const (
	TypeUser = "user"
	TypeAI   = "ai"
)

// ErrMessageNotFound is returned by FindByJobID when nothing carries the tag.
var ErrMessageNotFound = errors.New("conversation: message not found")

// Message is a persisted conversation message.
type Message struct {
	ID             string          `json:"id"`
	ConversationID string          `json:"conversationId"`
	Type           string          `json:"type"`
	Content        string          `json:"content"`
	PersonaID      string          `json:"personaId,omitempty"`
	JobID          string          `json:"-"`
	Metadata       json.RawMessage `json:"metadata,omitempty"`
	CreatedAt      time.Time       `json:"createdAt"`
}

// NewMessage is the input of AddMessage. A non-empty JobID makes the write
// idempotent: a second AddMessage with the same JobID returns the first
// message unchanged.
type NewMessage struct {
	Type      string
	Content   string
	PersonaID string
	JobID     string
	Metadata  json.RawMessage
}

// Store persists conversation messages.
type Store interface {
	AddMessage(ctx context.Context, conversationID string, msg NewMessage) (*Message, error)
	FindByJobID(ctx context.Context, jobID string) (*Message, error)
}

// PersistenceError reports a failed read or write against the store. It is
// safe to retry: writes are idempotent per job id.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return "conversation: " + e.Op + ": " + e.Err.Error()
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}

// IsPersistence reports whether err is a PersistenceError.
func IsPersistence(err error) bool {
	var p *PersistenceError
	return errors.As(err, &p)
}
