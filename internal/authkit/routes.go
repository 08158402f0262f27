package authkit

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type deviceInfoPayload struct {
	UserAgent string `json:"userAgent"`
	IPAddress string `json:"ipAddress"`
}

type providerSignInRequest struct {
	IDToken           string             `json:"idToken" binding:"required"`
	AuthorizationCode string             `json:"authorizationCode"`
	Nonce             string             `json:"nonce"`
	DeviceInfo        *deviceInfoPayload `json:"deviceInfo"`
}

type refreshRequest struct {
	RefreshToken string             `json:"refreshToken" binding:"required,uuid"`
	DeviceInfo   *deviceInfoPayload `json:"deviceInfo"`
}

type logoutRequest struct {
	RefreshToken string `json:"refreshToken" binding:"required,uuid"`
}

type devLoginRequest struct {
	Email string `json:"email" binding:"required,email"`
	Name  string `json:"name"`
}

// authErrorStatuses maps domain failures to HTTP statuses. Order matters: an
// upstream timeout is reported before whatever it wraps.
var authErrorStatuses = []struct {
	target error
	status int
}{
	{target: ErrUpstreamUnavailable, status: http.StatusServiceUnavailable},
	{target: ErrProviderNotConfigured, status: http.StatusNotImplemented},
	{target: ErrDevLoginDisabled, status: http.StatusForbidden},
	{target: ErrReplayDetected, status: http.StatusUnauthorized},
	{target: ErrRefreshTokenInvalid, status: http.StatusUnauthorized},
	{target: ErrUserNotFound, status: http.StatusUnauthorized},
	{target: ErrMissingEmail, status: http.StatusUnauthorized},
	{target: ErrInvalidAssertion, status: http.StatusUnauthorized},
	{target: ErrAccessTokenExpired, status: http.StatusUnauthorized},
	{target: ErrAccessTokenMalformed, status: http.StatusUnauthorized},
}

// MountAuthRoutes registers the /api/auth endpoints.
func MountAuthRoutes(router gin.IRouter, configuration ServerConfig, sessions *SessionService, logger *zap.Logger) {
	if logger == nil {
		logger = zap.NewNop()
	}
	group := router.Group("/api/auth")

	group.POST("/google", handleProviderSignIn(sessions, ProviderGoogle, logger))
	group.POST("/apple", handleProviderSignIn(sessions, ProviderApple, logger))

	group.POST("/refresh", func(contextGin *gin.Context) {
		var inbound refreshRequest
		if err := contextGin.ShouldBindJSON(&inbound); err != nil {
			writeInvalidRequest(contextGin, logger, "auth.refresh", err)
			return
		}
		pair, err := sessions.Refresh(contextGin.Request.Context(), inbound.RefreshToken, deviceInfoFromRequest(contextGin, inbound.DeviceInfo, "refresh"))
		if err != nil {
			writeAuthError(contextGin, logger, "auth.refresh", err)
			return
		}
		contextGin.JSON(http.StatusOK, pair)
	})

	group.POST("/nonce", func(contextGin *gin.Context) {
		nonce, err := sessions.IssueNonce(contextGin.Request.Context())
		if err != nil {
			writeAuthError(contextGin, logger, "auth.nonce", err)
			return
		}
		contextGin.Header("Cache-Control", "no-store")
		contextGin.JSON(http.StatusOK, gin.H{"nonce": nonce})
	})

	protected := group.Group("", RequireAccessToken(sessions, logger))

	protected.POST("/logout", func(contextGin *gin.Context) {
		var inbound logoutRequest
		if err := contextGin.ShouldBindJSON(&inbound); err != nil {
			writeInvalidRequest(contextGin, logger, "auth.logout", err)
			return
		}
		if err := sessions.Logout(contextGin.Request.Context(), inbound.RefreshToken); err != nil {
			writeAuthError(contextGin, logger, "auth.logout", err)
			return
		}
		contextGin.Status(http.StatusNoContent)
	})

	protected.GET("/me", func(contextGin *gin.Context) {
		claims, ok := AccessClaimsFromContext(contextGin)
		if !ok {
			contextGin.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing_bearer_token"})
			return
		}
		summary, err := sessions.CurrentUser(contextGin.Request.Context(), claims.UserID)
		if err != nil {
			writeAuthError(contextGin, logger, "auth.me", err)
			return
		}
		contextGin.JSON(http.StatusOK, summary)
	})

	if configuration.DevLoginEnabled() {
		group.POST("/dev/login", func(contextGin *gin.Context) {
			var inbound devLoginRequest
			if err := contextGin.ShouldBindJSON(&inbound); err != nil {
				writeInvalidRequest(contextGin, logger, "auth.dev_login", err)
				return
			}
			result, err := sessions.DevLogin(contextGin.Request.Context(), inbound.Email, inbound.Name, deviceInfoFromRequest(contextGin, nil, "dev"))
			if err != nil {
				writeAuthError(contextGin, logger, "auth.dev_login", err)
				return
			}
			contextGin.JSON(http.StatusOK, result)
		})
	}
}

func handleProviderSignIn(sessions *SessionService, provider Provider, logger *zap.Logger) gin.HandlerFunc {
	operation := "auth." + string(provider)
	return func(contextGin *gin.Context) {
		var inbound providerSignInRequest
		if err := contextGin.ShouldBindJSON(&inbound); err != nil || strings.TrimSpace(inbound.IDToken) == "" {
			writeInvalidRequest(contextGin, logger, operation, err)
			return
		}
		result, err := sessions.Authenticate(contextGin.Request.Context(), AuthenticateRequest{
			Provider:   provider,
			Assertion:  inbound.IDToken,
			Nonce:      inbound.Nonce,
			DeviceInfo: deviceInfoFromRequest(contextGin, inbound.DeviceInfo, string(provider)),
		})
		if err != nil {
			writeAuthError(contextGin, logger, operation, err)
			return
		}
		contextGin.JSON(http.StatusOK, result)
	}
}

// deviceInfoFromRequest fills missing client metadata from the request itself.
func deviceInfoFromRequest(contextGin *gin.Context, payload *deviceInfoPayload, source string) *DeviceInfo {
	deviceInfo := &DeviceInfo{Source: source}
	if payload != nil {
		deviceInfo.UserAgent = strings.TrimSpace(payload.UserAgent)
		deviceInfo.IPAddress = strings.TrimSpace(payload.IPAddress)
	}
	if deviceInfo.UserAgent == "" {
		deviceInfo.UserAgent = contextGin.Request.UserAgent()
	}
	if deviceInfo.IPAddress == "" {
		deviceInfo.IPAddress = contextGin.ClientIP()
	}
	return deviceInfo
}

func writeInvalidRequest(contextGin *gin.Context, logger *zap.Logger, operation string, err error) {
	logger.Debug("rejected malformed request",
		zap.String("code", operation+".invalid_request"),
		zap.Error(err))
	contextGin.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
}

func writeAuthError(contextGin *gin.Context, logger *zap.Logger, operation string, err error) {
	for _, mapping := range authErrorStatuses {
		if errors.Is(err, mapping.target) {
			contextGin.AbortWithStatusJSON(mapping.status, gin.H{"error": mapping.target.Error()})
			return
		}
	}
	logger.Error("request failed",
		zap.String("code", operation+".internal_error"),
		zap.Error(err))
	contextGin.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
}
