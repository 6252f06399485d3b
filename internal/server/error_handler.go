package server

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/neo/debatearena_backend/internal/logging"
)

// ErrorResponse represents a standardized error response
type ErrorResponse struct {
	Status    int       `json:"status"`
	Message   string    `json:"message"`
	Path      string    `json:"path"`
	Timestamp time.Time `json:"timestamp"`
}

// ErrorHandler middleware converts accumulated gin errors into a
// standardized response.
func ErrorHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if len(c.Errors) == 0 {
			return
		}
		err := c.Errors.Last().Err
		status := c.Writer.Status()
		if status < 400 {
			status = http.StatusInternalServerError
		}

		logging.Error("request failed", map[string]interface{}{
			"path":   c.Request.URL.Path,
			"status": status,
			"error":  err.Error(),
		})

		if c.Writer.Written() {
			return
		}
		c.JSON(status, gin.H{"error": ErrorResponse{
			Status:    status,
			Message:   err.Error(),
			Path:      c.Request.URL.Path,
			Timestamp: time.Now(),
		}})
	}
}
