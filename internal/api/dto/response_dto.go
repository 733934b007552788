package dto

import (
	"time"

	"github.com/cuongbtq/ai-response-service/internal/conversation"
	"github.com/cuongbtq/ai-response-service/internal/generation"
)

type MessageDTO struct {
	Role    string `json:"role" binding:"required,oneof=user assistant"`
	Content string `json:"content" binding:"required"`
}

type CreateResponseRequest struct {
	ConversationID string       `json:"conversationId" binding:"required"`
	PersonaID      string       `json:"personaId" binding:"required"`
	MessageHistory []MessageDTO `json:"messageHistory" binding:"required,min=1,dive"`
	TargetLanguage string       `json:"targetLanguage"`
	UserID         string       `json:"userId" binding:"required"`
	// Priority is optional; 1 is the most urgent and omitted means normal.
	Priority  *int   `json:"priority" binding:"omitempty,min=1"`
	RequestID string `json:"requestId"`
}

type SyncResponse struct {
	Message *conversation.Message `json:"message"`
	Persona generation.Persona    `json:"persona"`
}

type CancelResponse struct {
	Success bool   `json:"success"`
	Reason  string `json:"reason,omitempty"`
}

type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

type ListJobsRequest struct {
	State    string `form:"state" binding:"omitempty,oneof=queued delayed active completed failed"`
	UserID   string `form:"user_id"`
	PageSize int    `form:"page_size"`
	Cursor   string `form:"cursor"`
}

type ListJobsResponse struct {
	Jobs       []JobDTO `json:"jobs"`
	NextCursor string   `json:"next_cursor,omitempty"`
}

type JobDTO struct {
	JobID        string     `json:"job_id"`
	Queue        string     `json:"queue"`
	JobType      string     `json:"job_type"`
	UserID       string     `json:"user_id,omitempty"`
	Priority     int        `json:"priority"`
	State        string     `json:"state"`
	AttemptsMade int        `json:"attempts_made"`
	MaxAttempts  int        `json:"max_attempts"`
	LastError    string     `json:"last_error,omitempty"`
	EnqueuedAt   string     `json:"enqueued_at"`
	ProcessedOn  *time.Time `json:"processed_on,omitempty"`
	FinishedOn   *time.Time `json:"finished_on,omitempty"`
}
