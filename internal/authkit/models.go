package authkit

import (
	"strings"
	"time"
)

// Provider names an external identity provider.
type Provider string

const (
	ProviderGoogle Provider = "google"
	ProviderApple  Provider = "apple"
)

// User is the local identity record shared by every linked provider.
type User struct {
	ID                string
	GoogleID          string
	AppleID           string
	Email             string
	EmailVerified     bool
	Name              string
	ProfilePictureURL string
	CreatedAt         time.Time
	UpdatedAt         time.Time
	LastLoginAt       time.Time
}

// ProviderSubject returns the identifier linked for provider, or empty when unlinked.
func (user User) ProviderSubject(provider Provider) string {
	switch provider {
	case ProviderGoogle:
		return user.GoogleID
	case ProviderApple:
		return user.AppleID
	default:
		return ""
	}
}

func (user *User) setProviderSubject(provider Provider, subject string) {
	switch provider {
	case ProviderGoogle:
		user.GoogleID = subject
	case ProviderApple:
		user.AppleID = subject
	}
}

// Summary returns the client-facing view of the user.
func (user User) Summary() UserSummary {
	return UserSummary{
		ID:                user.ID,
		Email:             user.Email,
		Name:              user.Name,
		ProfilePictureURL: user.ProfilePictureURL,
	}
}

// UserSummary is returned to clients after sign-in and from /me.
type UserSummary struct {
	ID                string `json:"id"`
	Email             string `json:"email"`
	Name              string `json:"name,omitempty"`
	ProfilePictureURL string `json:"profilePictureUrl,omitempty"`
}

// DeviceInfo is opaque client metadata recorded alongside a refresh token.
type DeviceInfo struct {
	UserAgent string `json:"userAgent,omitempty"`
	IPAddress string `json:"ipAddress,omitempty"`
	Source    string `json:"source,omitempty"`
}

// RefreshCredential describes a stored refresh token. The secret itself is never part of it.
type RefreshCredential struct {
	ID              string
	UserID          string
	IssuedAt        time.Time
	ExpiresAt       time.Time
	RevokedAt       time.Time
	RevokedReason   string
	PreviousTokenID string
	DeviceInfo      *DeviceInfo
}

// Revoked reports whether the credential carries a revocation timestamp.
func (credential RefreshCredential) Revoked() bool {
	return !credential.RevokedAt.IsZero()
}

const (
	revokeReasonRotated       = "rotated"
	revokeReasonLogout        = "logout"
	revokeReasonReuseDetected = "reuse_detected"
)

// IdentityClaims are the verified attributes extracted from a provider assertion.
type IdentityClaims struct {
	Subject       string
	Email         string
	EmailVerified bool
	Name          string
	Picture       string
	Nonce         string
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
