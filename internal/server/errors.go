package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/abduss/blobgate/internal/apperr"
	"github.com/abduss/blobgate/internal/logger"
)

// respondError maps err onto one of the public outcomes. Details of
// unavailable or corrupt backends stay in the log.
func respondError(c *gin.Context, err error) {
	status := apperr.Public(err)
	body := gin.H{"error": status.String()}

	switch status {
	case apperr.StatusNotFound, apperr.StatusConflict:
		body["message"] = apperr.Message(err)
		logger.For(c).Debug("request rejected", zap.Error(err))
	default:
		fields := []zap.Field{zap.Error(err), zap.String("kind", apperr.KindOf(err).String())}
		if apperr.Is(err, apperr.InvariantViolation) || apperr.Is(err, apperr.BackendCorrupt) {
			logger.For(c).Error("request failed", fields...)
		} else {
			logger.For(c).Warn("request failed", fields...)
		}
	}

	c.AbortWithStatusJSON(status.HTTPStatus(), body)
}

func respondBadRequest(c *gin.Context, err error) {
	c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "BadRequest", "message": err.Error()})
}
