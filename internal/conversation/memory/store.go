// Package memory keeps conversation messages in process memory, for the
// ephemeral fallback and tests.
package memory

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cuongbtq/ai-response-service/internal/conversation"
)

var _ conversation.Store = (*Store)(nil)

// Store is a mutex-guarded message log.
type Store struct {
	mu    sync.RWMutex
	byID  map[string]*conversation.Message
	byJob map[string]string
	now   func() time.Time
}

// New returns an empty Store.
func New() *Store {
	return &Store{
		byID:  make(map[string]*conversation.Message),
		byJob: make(map[string]string),
		now:   time.Now,
	}
}

// AddMessage stores msg, or returns the message already tagged with msg.JobID.
func (s *Store) AddMessage(ctx context.Context, conversationID string, msg conversation.NewMessage) (*conversation.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, &conversation.PersistenceError{Op: "add message", Err: err}
	}
	if conversationID == "" {
		return nil, &conversation.PersistenceError{Op: "add message", Err: errors.New("conversation id is required")}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if msg.JobID != "" {
		if id, ok := s.byJob[msg.JobID]; ok {
			cp := *s.byID[id]
			return &cp, nil
		}
	}

	m := &conversation.Message{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		Type:           msg.Type,
		Content:        msg.Content,
		PersonaID:      msg.PersonaID,
		JobID:          msg.JobID,
		Metadata:       msg.Metadata,
		CreatedAt:      s.now().UTC(),
	}
	s.byID[m.ID] = m
	if m.JobID != "" {
		s.byJob[m.JobID] = m.ID
	}

	cp := *m
	return &cp, nil
}

// FindByJobID returns the message tagged with jobID.
func (s *Store) FindByJobID(ctx context.Context, jobID string) (*conversation.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, &conversation.PersistenceError{Op: "find message", Err: err}
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.byJob[jobID]
	if !ok || jobID == "" {
		return nil, conversation.ErrMessageNotFound
	}
	cp := *s.byID[id]
	return &cp, nil
}

// Len returns the number of stored messages.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byID)
}
