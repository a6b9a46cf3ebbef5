package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"task-tracker/backend/internal/logger"
	"task-tracker/backend/internal/models"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	errValidationFailed = "validation_failed"
	errTaskNotFound     = "task_not_found"
	errInternal         = "internal_error"
)

func validationBody(field, reason string) gin.H {
	return gin.H{"error": errValidationFailed, "field": field, "reason": reason}
}

// respondError maps a service error onto a status code and JSON body.
// Storage failures are logged; their details never reach the client.
func respondError(c *gin.Context, log *zap.Logger, err error) {
	_ = c.Error(err)

	var verr *models.ValidationError
	switch {
	case errors.As(err, &verr):
		c.JSON(http.StatusBadRequest, validationBody(verr.Field, verr.Reason))
	case models.IsValidation(err):
		c.JSON(http.StatusBadRequest, gin.H{"error": errValidationFailed})
	case models.IsNotFound(err):
		c.JSON(http.StatusNotFound, gin.H{"error": errTaskNotFound})
	default:
		logger.WithRequestID(c.Request.Context(), log).Error("task request failed",
			zap.String("path", c.FullPath()),
			zap.Error(err),
		)
		c.JSON(http.StatusInternalServerError, gin.H{"error": errInternal})
	}
}

// parseTaskID accepts any unsigned decimal. Id 0 is never issued, so it
// reaches the service and comes back as task_not_found like any other
// unknown id.
func parseTaskID(c *gin.Context) (uint, bool) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, validationBody("id", "must be an unsigned decimal integer"))
		return 0, false
	}
	return uint(id), true
}
