package server

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/abduss/blobgate/internal/identity"
	"github.com/abduss/blobgate/internal/logger"
)

const (
	// AccessKeyHeader carries the access key id.
	AccessKeyHeader = "X-Access-Key-Id"
	// SecretKeyHeader carries the secret access key.
	SecretKeyHeader = "X-Secret-Access-Key"

	principalContextKey = "blobgatePrincipal"
)

func accessKeyMiddleware(svc *identity.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(AccessKeyHeader)
		secret := c.GetHeader(SecretKeyHeader)
		if id == "" || secret == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing access key"})
			return
		}

		p, err := svc.Authenticate(c.Request.Context(), id, secret)
		if err != nil {
			if errors.Is(err, identity.ErrInvalidAccessKey) {
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid access key"})
				return
			}
			logger.For(c).Error("resolve access key", zap.Error(err))
			c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "ServiceUnavailable"})
			return
		}

		c.Set(principalContextKey, p)
		c.Next()
	}
}

// currentUser returns the authenticated user, or uuid.Nil when access keys
// are disabled.
func currentUser(c *gin.Context) uuid.UUID {
	value, ok := c.Get(principalContextKey)
	if !ok {
		return uuid.Nil
	}
	p, ok := value.(identity.Principal)
	if !ok {
		return uuid.Nil
	}
	return p.UserID
}
