package authkit

import (
	"strings"
	"time"
)

const (
	// EnvironmentProduction disables development-only endpoints.
	EnvironmentProduction = "production"
	// EnvironmentDevelopment is the default environment.
	EnvironmentDevelopment = "development"
)

// ServerConfig configures providers, token lifetimes, and timeouts.
type ServerConfig struct {
	Environment                    string
	GoogleClientID                 string
	AppleClientID                  string
	AppJWTSigningKey               []byte
	AppJWTIssuer                   string
	RefreshLookupKey               []byte
	AccessTokenTTL                 time.Duration
	RefreshTTL                     time.Duration
	RefreshHashCost                int
	RefreshAuditRetention          time.Duration
	RefreshReuseGrace              time.Duration
	ProviderTimeout                time.Duration
	StoreTimeout                   time.Duration
	NonceTTL                       time.Duration
	RequireVerifiedEmailForLinking bool
}

// IsProduction reports whether the server runs in production mode.
func (configuration ServerConfig) IsProduction() bool {
	return strings.EqualFold(strings.TrimSpace(configuration.Environment), EnvironmentProduction)
}

// DevLoginEnabled reports whether the provider-less development login is mounted.
func (configuration ServerConfig) DevLoginEnabled() bool {
	return !configuration.IsProduction()
}
