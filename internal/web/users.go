// Package web holds the HTTP handlers that sit outside the auth flow: whoami, health, and CORS.
package web

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/tyemirov/communityauth/internal/accounts"
	"github.com/tyemirov/communityauth/pkg/sessionvalidator"
)

// ProfileReader loads a user by internal id.
type ProfileReader interface {
	FindByID(ctx context.Context, userID string) (accounts.UserRecord, error)
}

// HandleWhoAmI returns the stored public profile of the authenticated user.
func HandleWhoAmI(logger *zap.Logger, users ProfileReader) gin.HandlerFunc {
	if logger == nil {
		logger = zap.NewNop()
	}
	if users == nil {
		panic("user store is required")
	}

	return func(contextGin *gin.Context) {
		claims, ok := sessionvalidator.ClaimsFromContext(contextGin, sessionvalidator.DefaultContextKey)
		if !ok || claims.GetUserID() == "" {
			logger.Warn("missing auth claims on context",
				zap.String("code", "api.me.missing_claims"))
			contextGin.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": gin.H{
				"kind": "token", "code": sessionvalidator.ErrMissingToken.Error(), "message": "session is missing or invalid",
			}})
			return
		}

		record, lookupErr := users.FindByID(contextGin.Request.Context(), claims.GetUserID())
		if lookupErr != nil {
			if errors.Is(lookupErr, accounts.ErrNotFound) {
				logger.Warn("user profile missing",
					zap.String("code", "api.me.profile_missing"),
					zap.String("user_id", claims.GetUserID()))
				contextGin.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": gin.H{
					"kind": "request", "code": "api.me.profile_missing", "message": "account no longer exists",
				}})
				return
			}
			logger.Error("user profile lookup error",
				zap.String("code", "api.me.profile_error"),
				zap.String("user_id", claims.GetUserID()),
				zap.Error(lookupErr))
			contextGin.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": gin.H{
				"kind": "sync", "code": accounts.CodeStoreUnavailable, "message": "user store unavailable",
			}})
			return
		}

		contextGin.JSON(http.StatusOK, gin.H{
			"user":    record.Public(),
			"stage":   claims.Stage,
			"expires": claims.GetExpiresAt(),
		})
	}
}
