package authkit

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrInvalidAssertion indicates a provider identity token failed verification.
	ErrInvalidAssertion = errors.New("auth.invalid_assertion")
	// ErrMissingEmail indicates the provider omitted the email claim where one is required.
	ErrMissingEmail = errors.New("auth.missing_email")
	// ErrProviderNotConfigured indicates no client identifier is registered for the provider.
	ErrProviderNotConfigured = errors.New("auth.provider_not_configured")
	// ErrAccessTokenExpired indicates the access token is past its expiry.
	ErrAccessTokenExpired = errors.New("auth.access_token.expired")
	// ErrAccessTokenMalformed indicates the access token failed signature or claim checks.
	ErrAccessTokenMalformed = errors.New("auth.access_token.malformed")
	// ErrDevLoginDisabled indicates the development login was called in production.
	ErrDevLoginDisabled = errors.New("auth.dev_login_disabled")
	// ErrUpstreamUnavailable indicates a provider or storage call timed out.
	ErrUpstreamUnavailable = errors.New("auth.upstream_unavailable")

	// ErrRefreshTokenInvalid indicates no active, unexpired refresh token matched.
	ErrRefreshTokenInvalid = errors.New("refresh_store.invalid")
	// ErrReplayDetected indicates a revoked refresh token was presented again.
	ErrReplayDetected = errors.New("refresh_store.replay_detected")

	// ErrUserNotFound indicates no user record matched the lookup.
	ErrUserNotFound = errors.New("user_store.not_found")
	// ErrUserEmailTaken indicates a uniqueness constraint rejected a new user row.
	ErrUserEmailTaken = errors.New("user_store.email_taken")
)

// upstreamError wraps err under operation and tags deadline expiry as ErrUpstreamUnavailable.
func upstreamError(operation string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w: %w", operation, ErrUpstreamUnavailable, err)
	}
	return fmt.Errorf("%s: %w", operation, err)
}
