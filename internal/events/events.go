// Package events carries job progress to the user's live connections. The
// worker publishes events to the broker and every API instance relays them
// to its local connection registry.
package events

import (
	"context"
	"errors"

	"github.com/cuongbtq/ai-response-service/internal/conversation"
	"github.com/cuongbtq/ai-response-service/internal/generation"
)

// Event types, also used as push protocol message types.
const (
	TypeStarted  = "ai-response-started"
	TypeComplete = "ai-response-complete"
	TypeError    = "ai-response-error"
)

// GenericErrorMessage is the only failure text users ever see.
const GenericErrorMessage = "Failed to generate a response. Please try again."

// Event is the envelope published for every step of a response job.
type Event struct {
	Type           string                `json:"type"`
	UserID         string                `json:"userId"`
	RequestID      string                `json:"requestId"`
	ConversationID string                `json:"conversationId"`
	Message        *conversation.Message `json:"message,omitempty"`
	Persona        *generation.Persona   `json:"persona,omitempty"`
	Error          string                `json:"error,omitempty"`
}

// Validate checks the fields every event needs for routing.
func (e Event) Validate() error {
	switch e.Type {
	case TypeStarted, TypeComplete, TypeError:
	default:
		return errors.New("events: unknown event type " + e.Type)
	}
	if e.UserID == "" {
		return errors.New("events: user id is required")
	}
	return nil
}

// Emitter delivers events to a user.
type Emitter interface {
	Emit(ctx context.Context, e Event) error
}

// EmitterFunc adapts a function to Emitter.
type EmitterFunc func(ctx context.Context, e Event) error

func (f EmitterFunc) Emit(ctx context.Context, e Event) error {
	return f(ctx, e)
}

// Started builds the event sent when a worker picks the job up.
func Started(userID, requestID, conversationID string) Event {
	return Event{Type: TypeStarted, UserID: userID, RequestID: requestID, ConversationID: conversationID}
}

// Complete builds the event carrying the persisted reply.
func Complete(userID, requestID, conversationID string, msg *conversation.Message, persona generation.Persona) Event {
	return Event{
		Type:           TypeComplete,
		UserID:         userID,
		RequestID:      requestID,
		ConversationID: conversationID,
		Message:        msg,
		Persona:        &persona,
	}
}

// Failed builds the error event. It never carries the underlying cause.
func Failed(userID, requestID, conversationID string) Event {
	return Event{
		Type:           TypeError,
		UserID:         userID,
		RequestID:      requestID,
		ConversationID: conversationID,
		Error:          GenericErrorMessage,
	}
}
