package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/cuongbtq/ai-response-service/internal/api/dto"
	"github.com/cuongbtq/ai-response-service/internal/generation"
	"github.com/cuongbtq/ai-response-service/internal/queue"
	"github.com/cuongbtq/ai-response-service/internal/responses"
)

// writeError maps domain errors to status codes. Unknown errors become a
// 500 whose body never carries the cause.
func writeError(c *gin.Context, logger *slog.Logger, msg string, err error) {
	var notFound *responses.NotFoundError
	var processing *responses.AlreadyProcessingError

	switch {
	case errors.As(err, &notFound):
		c.JSON(http.StatusNotFound, dto.ErrorResponse{Error: err.Error(), Code: notFound.Code()})
	case errors.As(err, &processing):
		c.JSON(http.StatusBadRequest, dto.ErrorResponse{Error: err.Error(), Code: processing.Code()})
	case errors.Is(err, responses.ErrInvalidRequest):
		c.JSON(http.StatusBadRequest, dto.ErrorResponse{Error: err.Error(), Code: "invalid_request"})
	case errors.Is(err, queue.ErrJobExists):
		c.JSON(http.StatusConflict, dto.ErrorResponse{Error: "requestId is already in use", Code: "duplicate_request"})
	case generation.IsFatal(err):
		logger.Warn(msg, slog.Any("error", err))
		c.JSON(http.StatusUnprocessableEntity, dto.ErrorResponse{Error: err.Error(), Code: "generation_rejected"})
	case queue.IsUnavailable(err):
		logger.Error(msg, slog.Any("error", err))
		c.JSON(http.StatusServiceUnavailable, dto.ErrorResponse{Error: "Job store unavailable", Code: responses.ReasonStoreUnavailable})
	case errors.Is(err, context.DeadlineExceeded):
		logger.Error(msg, slog.Any("error", err))
		c.JSON(http.StatusGatewayTimeout, dto.ErrorResponse{Error: msg, Code: "timeout"})
	default:
		logger.Error(msg, slog.Any("error", err))
		c.JSON(http.StatusInternalServerError, dto.ErrorResponse{Error: msg})
	}
}
