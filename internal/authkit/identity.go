package authkit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"google.golang.org/api/idtoken"
)

const (
	appleIssuer  = "https://appleid.apple.com"
	appleKeysURL = "https://appleid.apple.com/auth/keys"
)

var googleIssuers = map[string]struct{}{
	"accounts.google.com":         {},
	"https://accounts.google.com": {},
}

// GoogleTokenValidator validates Google ID tokens for an audience.
type GoogleTokenValidator interface {
	Validate(ctx context.Context, token string, audience string) (*idtoken.Payload, error)
}

// AppleTokenVerifier verifies Apple identity tokens. *oidc.IDTokenVerifier satisfies it.
type AppleTokenVerifier interface {
	Verify(ctx context.Context, rawIDToken string) (*oidc.IDToken, error)
}

// NewGoogleTokenValidator constructs the production Google ID token validator.
func NewGoogleTokenValidator(ctx context.Context) (GoogleTokenValidator, error) {
	validator, err := idtoken.NewValidator(ctx)
	if err != nil {
		return nil, fmt.Errorf("identity.google.validator: %w", err)
	}
	return validator, nil
}

// NewAppleTokenVerifier constructs a verifier backed by Apple's published signing keys.
// ctx governs key fetches for the verifier's lifetime.
func NewAppleTokenVerifier(ctx context.Context, clientID string) AppleTokenVerifier {
	keySet := oidc.NewRemoteKeySet(ctx, appleKeysURL)
	return oidc.NewVerifier(appleIssuer, keySet, &oidc.Config{ClientID: clientID})
}

// IdentityVerifier turns provider assertions into verified identity claims.
type IdentityVerifier struct {
	googleClientID string
	appleClientID  string
	google         GoogleTokenValidator
	apple          AppleTokenVerifier
	timeout        time.Duration
}

// NewIdentityVerifier wires provider validators. A nil validator leaves its provider unconfigured.
func NewIdentityVerifier(configuration ServerConfig, google GoogleTokenValidator, apple AppleTokenVerifier) *IdentityVerifier {
	return &IdentityVerifier{
		googleClientID: strings.TrimSpace(configuration.GoogleClientID),
		appleClientID:  strings.TrimSpace(configuration.AppleClientID),
		google:         google,
		apple:          apple,
		timeout:        configuration.ProviderTimeout,
	}
}

// Verify dispatches to the verifier for provider.
func (verifier *IdentityVerifier) Verify(ctx context.Context, provider Provider, assertion string) (IdentityClaims, error) {
	switch provider {
	case ProviderGoogle:
		return verifier.VerifyGoogle(ctx, assertion)
	case ProviderApple:
		return verifier.VerifyApple(ctx, assertion)
	default:
		return IdentityClaims{}, fmt.Errorf("identity.verify.%s: %w", provider, ErrProviderNotConfigured)
	}
}

// VerifyGoogle validates a Google ID token. The email claim is mandatory.
func (verifier *IdentityVerifier) VerifyGoogle(ctx context.Context, assertion string) (IdentityClaims, error) {
	if verifier.googleClientID == "" || verifier.google == nil {
		return IdentityClaims{}, fmt.Errorf("identity.google: %w", ErrProviderNotConfigured)
	}
	if strings.TrimSpace(assertion) == "" {
		return IdentityClaims{}, fmt.Errorf("identity.google: %w", ErrInvalidAssertion)
	}
	callCtx, cancel := withOptionalTimeout(ctx, verifier.timeout)
	defer cancel()

	payload, err := verifier.google.Validate(callCtx, assertion, verifier.googleClientID)
	if err != nil {
		return IdentityClaims{}, providerFailure(callCtx, "identity.google", err)
	}
	if payload == nil {
		return IdentityClaims{}, fmt.Errorf("identity.google: %w", ErrInvalidAssertion)
	}
	issuer := payload.Issuer
	if issuer == "" {
		issuer = claimString(payload.Claims, "iss")
	}
	if _, ok := googleIssuers[issuer]; !ok {
		return IdentityClaims{}, fmt.Errorf("identity.google.issuer: %w", ErrInvalidAssertion)
	}
	subject := payload.Subject
	if subject == "" {
		subject = claimString(payload.Claims, "sub")
	}
	if subject == "" {
		return IdentityClaims{}, fmt.Errorf("identity.google.subject: %w", ErrInvalidAssertion)
	}
	email := normalizeEmail(claimString(payload.Claims, "email"))
	if email == "" {
		return IdentityClaims{}, fmt.Errorf("identity.google: %w", ErrMissingEmail)
	}
	return IdentityClaims{
		Subject:       subject,
		Email:         email,
		EmailVerified: claimBool(payload.Claims, "email_verified"),
		Name:          strings.TrimSpace(claimString(payload.Claims, "name")),
		Picture:       strings.TrimSpace(claimString(payload.Claims, "picture")),
		Nonce:         claimString(payload.Claims, "nonce"),
	}, nil
}

type appleTokenClaims struct {
	Email         string `json:"email"`
	EmailVerified any    `json:"email_verified"`
	Nonce         string `json:"nonce"`
}

// VerifyApple validates an Apple identity token. Apple sends the email only on
// first authorization, so a missing email is left for the resolver to judge.
func (verifier *IdentityVerifier) VerifyApple(ctx context.Context, assertion string) (IdentityClaims, error) {
	if verifier.appleClientID == "" || verifier.apple == nil {
		return IdentityClaims{}, fmt.Errorf("identity.apple: %w", ErrProviderNotConfigured)
	}
	if strings.TrimSpace(assertion) == "" {
		return IdentityClaims{}, fmt.Errorf("identity.apple: %w", ErrInvalidAssertion)
	}
	callCtx, cancel := withOptionalTimeout(ctx, verifier.timeout)
	defer cancel()

	token, err := verifier.apple.Verify(callCtx, assertion)
	if err != nil {
		return IdentityClaims{}, providerFailure(callCtx, "identity.apple", err)
	}
	if token == nil || strings.TrimSpace(token.Subject) == "" {
		return IdentityClaims{}, fmt.Errorf("identity.apple.subject: %w", ErrInvalidAssertion)
	}
	var claims appleTokenClaims
	if err := token.Claims(&claims); err != nil {
		return IdentityClaims{}, fmt.Errorf("identity.apple.claims: %w: %w", ErrInvalidAssertion, err)
	}
	return IdentityClaims{
		Subject:       token.Subject,
		Email:         normalizeEmail(claims.Email),
		EmailVerified: boolFromClaim(claims.EmailVerified),
		Nonce:         claims.Nonce,
	}, nil
}

// providerFailure separates provider outages from rejected assertions.
func providerFailure(callCtx context.Context, operation string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(callCtx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w: %w", operation, ErrUpstreamUnavailable, err)
	}
	return fmt.Errorf("%s: %w: %w", operation, ErrInvalidAssertion, err)
}

func claimString(claims map[string]interface{}, key string) string {
	value, _ := claims[key].(string)
	return value
}

func claimBool(claims map[string]interface{}, key string) bool {
	return boolFromClaim(claims[key])
}

// boolFromClaim accepts both JSON booleans and the "true"/"false" strings Apple sends.
func boolFromClaim(value any) bool {
	switch typed := value.(type) {
	case bool:
		return typed
	case string:
		return strings.EqualFold(strings.TrimSpace(typed), "true")
	default:
		return false
	}
}
