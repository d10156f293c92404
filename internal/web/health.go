package web

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Pinger reports whether a dependency is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// HandleHealth pings the user store within timeout.
func HandleHealth(logger *zap.Logger, store Pinger, timeout time.Duration) gin.HandlerFunc {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(contextGin *gin.Context) {
		pingCtx, cancel := context.WithTimeout(contextGin.Request.Context(), timeout)
		defer cancel()
		if err := store.Ping(pingCtx); err != nil {
			logger.Error("health check failed", zap.String("code", "health.store_unreachable"), zap.Error(err))
			contextGin.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable"})
			return
		}
		contextGin.JSON(http.StatusOK, gin.H{"status": "ok"})
	}
}
