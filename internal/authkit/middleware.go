package authkit

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/tyemirov/courtpulse/pkg/sessionvalidator"
)

// ClaimsContextKey is the gin context key holding AccessClaims after RequireAccessToken.
const ClaimsContextKey = sessionvalidator.DefaultContextKey

// AccessTokenVerifier verifies bearer access tokens.
type AccessTokenVerifier interface {
	VerifyAccessToken(token string) (AccessClaims, error)
}

// RequireAccessToken validates the Authorization bearer token and injects AccessClaims.
func RequireAccessToken(verifier AccessTokenVerifier, logger *zap.Logger) gin.HandlerFunc {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(contextGin *gin.Context) {
		token, ok := sessionvalidator.BearerToken(contextGin.GetHeader("Authorization"))
		if !ok {
			contextGin.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing_bearer_token"})
			return
		}
		claims, err := verifier.VerifyAccessToken(token)
		if err != nil {
			logger.Debug("access token rejected",
				zap.String("code", "auth.access_token.rejected"),
				zap.Error(err))
			writeAuthError(contextGin, logger, "auth.access_token", err)
			return
		}
		contextGin.Set(ClaimsContextKey, claims)
		contextGin.Next()
	}
}

// AccessClaimsFromContext returns the claims stored by RequireAccessToken.
func AccessClaimsFromContext(contextGin *gin.Context) (AccessClaims, bool) {
	value, found := contextGin.Get(ClaimsContextKey)
	if !found {
		return AccessClaims{}, false
	}
	claims, ok := value.(AccessClaims)
	if !ok || claims.UserID == "" {
		return AccessClaims{}, false
	}
	return claims, true
}
