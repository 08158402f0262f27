package authkit

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/tyemirov/courtpulse/pkg/sessionvalidator"
)

// AccessClaims are the verified contents of an access token.
type AccessClaims struct {
	UserID    string
	Email     string
	ExpiresAt time.Time
}

// AccessTokenIssuer mints and verifies short-lived HS256 bearer tokens.
type AccessTokenIssuer struct {
	signingKey []byte
	issuer     string
	ttl        time.Duration
	clock      Clock
	validator  *sessionvalidator.Validator
}

// NewAccessTokenIssuer builds an issuer from the signing settings in configuration.
func NewAccessTokenIssuer(configuration ServerConfig, clock Clock) (*AccessTokenIssuer, error) {
	if clock == nil {
		clock = NewSystemClock()
	}
	if configuration.AccessTokenTTL <= 0 {
		return nil, errors.New("jwt.issuer.invalid_ttl")
	}
	validator, err := sessionvalidator.New(sessionvalidator.Config{
		SigningKey: configuration.AppJWTSigningKey,
		Issuer:     configuration.AppJWTIssuer,
		Clock:      clock,
	})
	if err != nil {
		return nil, fmt.Errorf("jwt.issuer.new: %w", err)
	}
	return &AccessTokenIssuer{
		signingKey: configuration.AppJWTSigningKey,
		issuer:     configuration.AppJWTIssuer,
		ttl:        configuration.AccessTokenTTL,
		clock:      clock,
		validator:  validator,
	}, nil
}

// Issue creates a signed access token for the user.
func (issuer *AccessTokenIssuer) Issue(applicationUserID string, userEmail string) (string, time.Time, error) {
	if strings.TrimSpace(applicationUserID) == "" {
		return "", time.Time{}, errors.New("jwt.mint.failure: subject must be non-empty")
	}
	issuedAt := issuer.clock.Now().UTC()
	expiresAt := issuedAt.Add(issuer.ttl)
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, sessionvalidator.Claims{
		Email: userEmail,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer.issuer,
			Subject:   applicationUserID,
			IssuedAt:  jwt.NewNumericDate(issuedAt),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	})
	signed, err := token.SignedString(issuer.signingKey)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("jwt.mint.failure: %w", err)
	}
	return signed, expiresAt, nil
}

// Verify checks signature, issuer, and expiry and returns the embedded claims.
func (issuer *AccessTokenIssuer) Verify(tokenString string) (AccessClaims, error) {
	claims, err := issuer.validator.ValidateToken(tokenString)
	if err != nil {
		if errors.Is(err, sessionvalidator.ErrTokenExpired) {
			return AccessClaims{}, fmt.Errorf("jwt.verify: %w", ErrAccessTokenExpired)
		}
		return AccessClaims{}, fmt.Errorf("jwt.verify: %w: %w", ErrAccessTokenMalformed, err)
	}
	return AccessClaims{
		UserID:    claims.GetUserID(),
		Email:     claims.GetUserEmail(),
		ExpiresAt: claims.GetExpiresAt(),
	}, nil
}
