// Package responder handles "generate response" jobs: it asks the generator
// for the persona's reply, saves it to the conversation and pushes progress
// to the user.
package responder

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/cuongbtq/ai-response-service/internal/conversation"
	"github.com/cuongbtq/ai-response-service/internal/events"
	"github.com/cuongbtq/ai-response-service/internal/generation"
	"github.com/cuongbtq/ai-response-service/internal/queue"
	"github.com/cuongbtq/ai-response-service/internal/worker"
)

// JobType identifies response generation jobs.
const JobType = "generate-response"

// Payload is the job payload of a response request.
type Payload struct {
	ConversationID string               `json:"conversationId"`
	PersonaID      string               `json:"personaId"`
	MessageHistory []generation.Message `json:"messageHistory"`
	TargetLanguage string               `json:"targetLanguage,omitempty"`
	UserID         string               `json:"userId"`
	RequestID      string               `json:"requestId"`
}

// Validate checks the fields a reply cannot be produced without.
func (p *Payload) Validate() error {
	var errs []error
	if p.ConversationID == "" {
		errs = append(errs, errors.New("conversationId is required"))
	}
	if p.PersonaID == "" {
		errs = append(errs, errors.New("personaId is required"))
	}
	if len(p.MessageHistory) == 0 {
		errs = append(errs, errors.New("messageHistory must not be empty"))
	}
	return errors.Join(errs...)
}

// Reply is a persisted reply and the persona that wrote it.
type Reply struct {
	Message *conversation.Message `json:"message"`
	Persona generation.Persona    `json:"persona"`
}

// Result is stored as the job result.
type Result struct {
	MessageID      string `json:"messageId"`
	ConversationID string `json:"conversationId"`
	PersonaID      string `json:"personaId"`
}

type metadata struct {
	RequestID string `json:"requestId,omitempty"`
	Model     string `json:"model,omitempty"`
}

// Responder produces, saves and announces replies.
type Responder struct {
	generator generation.Generator
	store     conversation.Store
	emitter   events.Emitter
	personas  *generation.Catalogue
	logger    *slog.Logger
}

var _ worker.Handler = (*Responder)(nil)

// New returns a Responder. A nil emitter disables push events.
func New(gen generation.Generator, store conversation.Store, emitter events.Emitter, personas *generation.Catalogue, logger *slog.Logger) *Responder {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if emitter == nil {
		emitter = events.EmitterFunc(func(context.Context, events.Event) error { return nil })
	}
	if personas == nil {
		personas = generation.NewCatalogue()
	}
	return &Responder{
		generator: gen,
		store:     store,
		emitter:   emitter,
		personas:  personas,
		logger:    logger.With(slog.String("component", "responder")),
	}
}

// Handle implements worker.Handler. Failures emit a generic error event and
// are returned so the pool applies its retry policy; malformed payloads and
// fatal generation errors are not retried.
func (r *Responder) Handle(ctx context.Context, job *queue.Job) (json.RawMessage, error) {
	var p Payload
	if err := json.Unmarshal(job.Payload, &p); err != nil {
		return nil, worker.Permanent(fmt.Errorf("failed to decode payload: %w", err))
	}
	if p.RequestID == "" {
		p.RequestID = job.ID
	}
	if err := p.Validate(); err != nil {
		r.emit(ctx, events.Failed(p.UserID, p.RequestID, p.ConversationID))
		return nil, worker.Permanent(fmt.Errorf("invalid payload: %w", err))
	}

	r.emit(ctx, events.Started(p.UserID, p.RequestID, p.ConversationID))

	reply, err := r.Respond(ctx, p, job.ID)
	if err != nil {
		r.logger.Warn("Response job attempt failed",
			slog.String("job_id", job.ID),
			slog.String("request_id", p.RequestID),
			slog.Int("attempt", job.AttemptsMade),
			slog.Any("error", err),
		)
		r.emit(ctx, events.Failed(p.UserID, p.RequestID, p.ConversationID))
		if generation.IsFatal(err) {
			return nil, worker.Permanent(err)
		}
		return nil, err
	}

	r.emit(ctx, events.Complete(p.UserID, p.RequestID, p.ConversationID, reply.Message, reply.Persona))

	return json.Marshal(Result{
		MessageID:      reply.Message.ID,
		ConversationID: reply.Message.ConversationID,
		PersonaID:      reply.Persona.ID,
	})
}

// Respond generates and saves the reply for p. A non-empty tag makes it
// idempotent: when a message tagged with it already exists, that message is
// returned without calling the generator.
func (r *Responder) Respond(ctx context.Context, p Payload, tag string) (*Reply, error) {
	if tag != "" {
		existing, err := r.store.FindByJobID(ctx, tag)
		switch {
		case err == nil:
			r.logger.Info("Reply already persisted, re-delivering",
				slog.String("tag", tag),
				slog.String("message_id", existing.ID),
			)
			return &Reply{Message: existing, Persona: r.persona(existing.PersonaID)}, nil
		case !errors.Is(err, conversation.ErrMessageNotFound):
			return nil, err
		}
	}

	res, err := r.generator.Generate(ctx, generation.Request{
		PersonaID:      p.PersonaID,
		History:        p.MessageHistory,
		TargetLanguage: p.TargetLanguage,
	})
	if err != nil {
		return nil, err
	}

	meta, err := json.Marshal(metadata{RequestID: p.RequestID, Model: res.Model})
	if err != nil {
		return nil, err
	}

	msg, err := r.store.AddMessage(ctx, p.ConversationID, conversation.NewMessage{
		Type:      conversation.TypeAI,
		Content:   res.Text,
		PersonaID: res.Persona.ID,
		JobID:     tag,
		Metadata:  meta,
	})
	if err != nil {
		return nil, err
	}

	return &Reply{Message: msg, Persona: res.Persona}, nil
}

func (r *Responder) persona(id string) generation.Persona {
	if p, ok := r.personas.Lookup(id); ok {
		return p
	}
	return generation.Persona{ID: id}
}

// emit delivers e on a best-effort basis. Users without an open connection
// simply miss the push and can poll.
func (r *Responder) emit(ctx context.Context, e events.Event) {
	if e.UserID == "" {
		return
	}
	if err := r.emitter.Emit(ctx, e); err != nil {
		r.logger.Warn("Failed to emit event",
			slog.String("type", e.Type),
			slog.String("request_id", e.RequestID),
			slog.Any("error", err),
		)
	}
}
