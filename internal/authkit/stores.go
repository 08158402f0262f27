package authkit

import (
	"context"
	"time"
)

// UserStore persists and retrieves application users.
type UserStore interface {
	FindUserByID(ctx context.Context, userID string) (User, error)
	FindUserByProviderSubject(ctx context.Context, provider Provider, subject string) (User, error)
	FindUserByEmail(ctx context.Context, email string) (User, error)
	// CreateUser fails with ErrUserEmailTaken when a unique column collides.
	CreateUser(ctx context.Context, user User) (User, error)
	UpdateUser(ctx context.Context, user User) (User, error)
}

// RefreshTokenStore manages long-lived refresh tokens.
type RefreshTokenStore interface {
	// Generate stores a new token for the user and returns its plaintext secret.
	Generate(ctx context.Context, applicationUserID string, ttl time.Duration, deviceInfo *DeviceInfo) (string, error)
	// Validate returns the single active, unexpired credential matching the secret.
	Validate(ctx context.Context, secret string) (RefreshCredential, error)
	// Rotate retires a validated credential and issues its replacement in one unit.
	// It fails with ErrRefreshTokenInvalid when previous is no longer active.
	Rotate(ctx context.Context, previous RefreshCredential, ttl time.Duration, deviceInfo *DeviceInfo) (string, error)
	// Revoke marks the matching active credential revoked. Unknown secrets are a no-op.
	Revoke(ctx context.Context, secret string) error
	// RevokeAll marks every active credential of the user revoked.
	RevokeAll(ctx context.Context, applicationUserID string) error
	// CheckReuse returns the revoked, unexpired credential matching the secret.
	CheckReuse(ctx context.Context, secret string) (RefreshCredential, bool, error)
	// PurgeExpired deletes credentials that expired before the cutoff.
	PurgeExpired(ctx context.Context, before time.Time) (int64, error)
}
