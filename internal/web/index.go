package web

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// ServiceIndex describes the public configuration mobile clients bootstrap from.
type ServiceIndex struct {
	Environment     string
	GoogleClientID  string
	AppleClientID   string
	DevLoginEnabled bool
}

type providerDescriptor struct {
	Enabled  bool   `json:"enabled"`
	ClientID string `json:"clientId,omitempty"`
}

type serviceIndexPayload struct {
	Service     string                        `json:"service"`
	Environment string                        `json:"environment"`
	Providers   map[string]providerDescriptor `json:"providers"`
	Endpoints   []string                      `json:"endpoints"`
}

// ServeServiceIndex lists the auth endpoints and the provider client identifiers.
func ServeServiceIndex(index ServiceIndex) gin.HandlerFunc {
	endpoints := []string{
		"POST /api/auth/google",
		"POST /api/auth/apple",
		"POST /api/auth/refresh",
		"POST /api/auth/logout",
		"POST /api/auth/nonce",
		"GET /api/auth/me",
		"GET /health",
	}
	if index.DevLoginEnabled {
		endpoints = append(endpoints, "POST /api/auth/dev/login")
	}
	payload := serviceIndexPayload{
		Service:     "courtpulse-auth",
		Environment: index.Environment,
		Providers: map[string]providerDescriptor{
			"google": describeProvider(index.GoogleClientID),
			"apple":  describeProvider(index.AppleClientID),
		},
		Endpoints: endpoints,
	}
	return func(contextGin *gin.Context) {
		contextGin.Header("Cache-Control", "no-store")
		contextGin.Header("X-Content-Type-Options", "nosniff")
		contextGin.JSON(http.StatusOK, payload)
	}
}

func describeProvider(clientID string) providerDescriptor {
	trimmed := strings.TrimSpace(clientID)
	return providerDescriptor{Enabled: trimmed != "", ClientID: trimmed}
}
