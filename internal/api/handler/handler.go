package handler

import (
	"log/slog"
	"time"

	"github.com/cuongbtq/ai-response-service/internal/queue"
	"github.com/cuongbtq/ai-response-service/internal/responses"
)

// Dependencies holds all dependencies needed by handlers
type Dependencies struct {
	Logger      *slog.Logger
	Responses   *responses.Service
	Store       queue.Store
	SyncTimeout time.Duration
}

// ResponseHandler handles response request endpoints
type ResponseHandler struct {
	logger      *slog.Logger
	responses   *responses.Service
	syncTimeout time.Duration
}

// NewResponseHandler creates a new ResponseHandler instance
func NewResponseHandler(deps *Dependencies) *ResponseHandler {
	return &ResponseHandler{
		logger:      deps.Logger,
		responses:   deps.Responses,
		syncTimeout: deps.SyncTimeout,
	}
}

// QueueHandler handles operator endpoints over the job queue
type QueueHandler struct {
	logger *slog.Logger
	store  queue.Store
}

// NewQueueHandler creates a new QueueHandler instance
func NewQueueHandler(deps *Dependencies) *QueueHandler {
	return &QueueHandler{
		logger: deps.Logger,
		store:  deps.Store,
	}
}
