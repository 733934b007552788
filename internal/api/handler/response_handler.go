package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/cuongbtq/ai-response-service/internal/api/dto"
	"github.com/cuongbtq/ai-response-service/internal/generation"
	"github.com/cuongbtq/ai-response-service/internal/responder"
	"github.com/cuongbtq/ai-response-service/internal/responses"
)

func toPayload(req *dto.CreateResponseRequest) responder.Payload {
	history := make([]generation.Message, len(req.MessageHistory))
	for i, m := range req.MessageHistory {
		history[i] = generation.Message{Role: m.Role, Content: m.Content}
	}
	return responder.Payload{
		ConversationID: req.ConversationID,
		PersonaID:      req.PersonaID,
		MessageHistory: history,
		TargetLanguage: req.TargetLanguage,
		UserID:         req.UserID,
		RequestID:      req.RequestID,
	}
}

// CreateResponse handles POST /api/v1/responses
// Queues a response job and acknowledges it immediately
func (h *ResponseHandler) CreateResponse(c *gin.Context) {
	var req dto.CreateResponseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Warn("Invalid request body", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, dto.ErrorResponse{Error: "Invalid request body", Code: "invalid_request"})
		return
	}

	opts := responses.QueueOptions{RequestID: req.RequestID}
	if req.Priority != nil {
		opts.Priority = *req.Priority
	}

	queued, err := h.responses.QueueResponse(c.Request.Context(), toPayload(&req), opts)
	if err != nil {
		writeError(c, h.logger, "Failed to queue response", err)
		return
	}

	c.JSON(http.StatusAccepted, queued)
}

// CreateResponseSync handles POST /api/v1/responses/sync
// Generates and saves the reply while the caller waits
func (h *ResponseHandler) CreateResponseSync(c *gin.Context) {
	var req dto.CreateResponseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Warn("Invalid request body", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, dto.ErrorResponse{Error: "Invalid request body", Code: "invalid_request"})
		return
	}

	ctx := c.Request.Context()
	if h.syncTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.syncTimeout)
		defer cancel()
	}

	reply, err := h.responses.Generate(ctx, toPayload(&req))
	if err != nil {
		writeError(c, h.logger, "Failed to generate a response", err)
		return
	}

	c.JSON(http.StatusOK, dto.SyncResponse{
		Message: reply.Message,
		Persona: reply.Persona,
	})
}

// GetResponse handles GET /api/v1/responses/:request_id
// Reports the status of a queued request
func (h *ResponseHandler) GetResponse(c *gin.Context) {
	requestID := c.Param("request_id")

	status, err := h.responses.GetStatus(c.Request.Context(), requestID)
	if err != nil {
		writeError(c, h.logger, "Failed to get response status", err)
		return
	}

	code := http.StatusOK
	if status.Status == responses.StatusNotFound {
		code = http.StatusNotFound
	}
	c.JSON(code, status)
}

// CancelResponse handles POST /api/v1/responses/:request_id/cancel
// Cancels a request no worker has picked up yet
func (h *ResponseHandler) CancelResponse(c *gin.Context) {
	requestID := c.Param("request_id")

	h.logger.Info("CancelResponse called", slog.String("request_id", requestID))

	err := h.responses.Cancel(c.Request.Context(), requestID)
	switch {
	case err == nil:
		c.JSON(http.StatusOK, dto.CancelResponse{Success: true})
	case responses.IsNotFound(err):
		c.JSON(http.StatusNotFound, dto.CancelResponse{Success: false, Reason: responses.ReasonNotFound})
	case responses.IsAlreadyProcessing(err):
		c.JSON(http.StatusBadRequest, dto.CancelResponse{Success: false, Reason: responses.ReasonAlreadyProcessing})
	default:
		writeError(c, h.logger, "Failed to cancel response", err)
	}
}
