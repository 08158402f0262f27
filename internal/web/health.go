package web

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Pinger reports whether a backing store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// HandleHealth reports service health. A nil pinger means the in-memory stores are in use.
func HandleHealth(logger *zap.Logger, pinger Pinger, timeout time.Duration) gin.HandlerFunc {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(contextGin *gin.Context) {
		if pinger == nil {
			contextGin.JSON(http.StatusOK, gin.H{"status": "ok", "storage": "memory"})
			return
		}
		ctx, cancel := context.WithTimeout(contextGin.Request.Context(), timeout)
		defer cancel()
		if err := pinger.Ping(ctx); err != nil {
			logger.Warn("health check failed",
				zap.String("code", "health.database.unreachable"),
				zap.Error(err))
			contextGin.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "storage": "database"})
			return
		}
		contextGin.JSON(http.StatusOK, gin.H{"status": "ok", "storage": "database"})
	}
}
