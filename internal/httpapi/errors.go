package httpapi

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/smukkama/pellet-ingest/internal/orchestrator"
	"github.com/smukkama/pellet-ingest/internal/timer"
)

var (
	ErrNotFound       = errors.New("not_found")
	ErrInvalidRequest = errors.New("invalid_request")
)

type errorPayload struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

type errorResponse struct {
	Error errorPayload `json:"error"`
}

// ErrorHandlingMiddleware renders the last handler error as JSON unless the
// handler already wrote a response.
func ErrorHandlingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if c.Writer.Written() {
			return
		}
		lastErr := c.Errors.Last()
		if lastErr == nil {
			return
		}
		status, payload := mapError(lastErr.Err)
		c.AbortWithStatusJSON(status, errorResponse{Error: payload})
	}
}

func AbortWithError(c *gin.Context, err error) {
	if err == nil {
		return
	}
	_ = c.Error(err)
	c.Abort()
}

func mapError(err error) (int, errorPayload) {
	switch {
	case errors.Is(err, ErrInvalidRequest),
		errors.Is(err, orchestrator.ErrInvalidWindow),
		errors.Is(err, orchestrator.ErrOutsideDropDirs),
		errors.Is(err, timer.ErrInvalidSchedule):
		return http.StatusBadRequest, errorPayload{Type: "invalid_request", Message: err.Error()}
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound, errorPayload{Type: "not_found", Message: err.Error()}
	case errors.Is(err, orchestrator.ErrCycleInProgress):
		return http.StatusConflict, errorPayload{Type: "conflict", Message: "an ingestion cycle is already running"}
	default:
		return http.StatusInternalServerError, errorPayload{Type: "internal_error", Message: "internal server error"}
	}
}
