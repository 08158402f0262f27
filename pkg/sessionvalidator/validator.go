// Package sessionvalidator verifies CourtPulse bearer access tokens. Downstream
// services embed it to authenticate requests without calling the auth service.
package sessionvalidator

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Clock provides the current time.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time {
	return time.Now().UTC()
}

// Config configures the Validator.
type Config struct {
	SigningKey []byte
	Issuer     string
	Clock      Clock
}

var (
	ErrMissingSigningKey = errors.New("access_token.validator.missing_signing_key")
	ErrMissingIssuer     = errors.New("access_token.validator.missing_issuer")
	ErrMissingToken      = errors.New("access_token.validator.missing_token")
	ErrInvalidToken      = errors.New("access_token.validator.invalid_token")
	ErrInvalidIssuer     = errors.New("access_token.validator.invalid_issuer")
	ErrTokenExpired      = errors.New("access_token.validator.expired")
)

// Claims is the access token payload. The subject carries the user id.
type Claims struct {
	Email string `json:"email"`
	jwt.RegisteredClaims
}

// GetUserID returns the user identifier carried in the subject claim.
func (claims *Claims) GetUserID() string {
	if claims == nil {
		return ""
	}
	return claims.Subject
}

// GetUserEmail returns the email associated with the token.
func (claims *Claims) GetUserEmail() string {
	if claims == nil {
		return ""
	}
	return claims.Email
}

// GetExpiresAt returns the expiry timestamp.
func (claims *Claims) GetExpiresAt() time.Time {
	if claims == nil || claims.ExpiresAt == nil {
		return time.Time{}
	}
	return claims.ExpiresAt.Time
}

// Validator checks HS256 access tokens for signature, issuer, subject and expiry.
type Validator struct {
	signingKey []byte
	parser     *jwt.Parser
}

// New constructs a Validator after validating the supplied configuration.
func New(configuration Config) (*Validator, error) {
	if len(configuration.SigningKey) == 0 {
		return nil, fmt.Errorf("access_token.validator.new: %w", ErrMissingSigningKey)
	}
	issuer := strings.TrimSpace(configuration.Issuer)
	if issuer == "" {
		return nil, fmt.Errorf("access_token.validator.new: %w", ErrMissingIssuer)
	}
	clock := configuration.Clock
	if clock == nil {
		clock = systemClock{}
	}
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(clock.Now),
	)
	return &Validator{signingKey: configuration.SigningKey, parser: parser}, nil
}

// ValidateToken parses tokenString and returns its claims. A token is expired
// from the instant its exp claim is reached.
func (validator *Validator) ValidateToken(tokenString string) (*Claims, error) {
	if strings.TrimSpace(tokenString) == "" {
		return nil, fmt.Errorf("access_token.validator.validate: %w", ErrMissingToken)
	}
	claims := &Claims{}
	parsedToken, parseErr := validator.parser.ParseWithClaims(tokenString, claims, validator.keyFunc)
	switch {
	case parseErr == nil:
	case errors.Is(parseErr, jwt.ErrTokenInvalidIssuer):
		return nil, fmt.Errorf("access_token.validator.validate: %w", ErrInvalidIssuer)
	case errors.Is(parseErr, jwt.ErrTokenExpired):
		return nil, fmt.Errorf("access_token.validator.validate: %w", ErrTokenExpired)
	default:
		return nil, fmt.Errorf("access_token.validator.validate: %w: %w", ErrInvalidToken, parseErr)
	}
	if parsedToken == nil || !parsedToken.Valid || strings.TrimSpace(claims.Subject) == "" {
		return nil, fmt.Errorf("access_token.validator.validate: %w", ErrInvalidToken)
	}
	return claims, nil
}

func (validator *Validator) keyFunc(*jwt.Token) (interface{}, error) {
	return validator.signingKey, nil
}
