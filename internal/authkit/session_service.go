package authkit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"
)

// AuthenticateRequest carries a provider assertion to exchange for credentials.
type AuthenticateRequest struct {
	Provider   Provider
	Assertion  string
	Nonce      string
	DeviceInfo *DeviceInfo
}

// TokenPair is an access token with its refresh token.
type TokenPair struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
}

// AuthResult is returned by a successful sign-in.
type AuthResult struct {
	AccessToken  string      `json:"accessToken"`
	RefreshToken string      `json:"refreshToken"`
	User         UserSummary `json:"user"`
}

// SessionDependencies groups the collaborators of a SessionService.
type SessionDependencies struct {
	Identities    *IdentityVerifier
	Accounts      *AccountResolver
	AccessTokens  *AccessTokenIssuer
	RefreshTokens RefreshTokenStore
	Users         UserStore
	Nonces        NonceStore
	Metrics       MetricsRecorder
	Logger        *zap.Logger
	Clock         Clock
}

// SessionService composes identity verification, account resolution, and
// token issuance into sign-in, refresh, and logout.
type SessionService struct {
	configuration ServerConfig
	identities    *IdentityVerifier
	accounts      *AccountResolver
	accessTokens  *AccessTokenIssuer
	refreshTokens RefreshTokenStore
	users         UserStore
	nonces        NonceStore
	metrics       MetricsRecorder
	logger        *zap.Logger
	clock         Clock
}

// NewSessionService validates dependencies and builds the service.
func NewSessionService(configuration ServerConfig, dependencies SessionDependencies) (*SessionService, error) {
	switch {
	case dependencies.Identities == nil:
		return nil, errors.New("session.new: identity verifier is required")
	case dependencies.Accounts == nil:
		return nil, errors.New("session.new: account resolver is required")
	case dependencies.AccessTokens == nil:
		return nil, errors.New("session.new: access token issuer is required")
	case dependencies.RefreshTokens == nil:
		return nil, errors.New("session.new: refresh token store is required")
	case dependencies.Users == nil:
		return nil, errors.New("session.new: user store is required")
	}
	metrics := dependencies.Metrics
	if metrics == nil {
		metrics = NewCounterMetrics()
	}
	logger := dependencies.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := dependencies.Clock
	if clock == nil {
		clock = NewSystemClock()
	}
	return &SessionService{
		configuration: configuration,
		identities:    dependencies.Identities,
		accounts:      dependencies.Accounts,
		accessTokens:  dependencies.AccessTokens,
		refreshTokens: dependencies.RefreshTokens,
		users:         dependencies.Users,
		nonces:        dependencies.Nonces,
		metrics:       metrics,
		logger:        logger,
		clock:         clock,
	}, nil
}

// Authenticate exchanges a provider assertion for a credential pair. Nothing is
// returned unless every step succeeds.
func (service *SessionService) Authenticate(ctx context.Context, request AuthenticateRequest) (AuthResult, error) {
	result, err := service.authenticate(ctx, request)
	if err != nil {
		service.metrics.Increment(metricAuthLoginFailure)
		service.logger.Warn("sign-in failed",
			zap.String("code", "auth.login.failure"),
			zap.String("provider", string(request.Provider)),
			zap.Error(err))
		return AuthResult{}, err
	}
	service.metrics.Increment(metricAuthLoginSuccess)
	service.logger.Info("sign-in succeeded",
		zap.String("code", "auth.login.success"),
		zap.String("provider", string(request.Provider)),
		zap.String("user_id", result.User.ID))
	return result, nil
}

func (service *SessionService) authenticate(ctx context.Context, request AuthenticateRequest) (AuthResult, error) {
	claims, err := service.identities.Verify(ctx, request.Provider, request.Assertion)
	if err != nil {
		return AuthResult{}, fmt.Errorf("session.authenticate: %w", err)
	}
	if err := service.consumeNonce(ctx, request.Nonce, claims.Nonce); err != nil {
		return AuthResult{}, fmt.Errorf("session.authenticate: %w", err)
	}
	user, err := service.accounts.Resolve(ctx, request.Provider, claims)
	if err != nil {
		return AuthResult{}, fmt.Errorf("session.authenticate: %w", err)
	}
	return service.issueCredentials(ctx, user, request.DeviceInfo)
}

// DevLogin signs in by email alone. It is refused in production.
func (service *SessionService) DevLogin(ctx context.Context, email string, name string, deviceInfo *DeviceInfo) (AuthResult, error) {
	if !service.configuration.DevLoginEnabled() {
		return AuthResult{}, fmt.Errorf("session.dev_login: %w", ErrDevLoginDisabled)
	}
	user, err := service.accounts.ResolveDevUser(ctx, email, name)
	if err != nil {
		return AuthResult{}, fmt.Errorf("session.dev_login: %w", err)
	}
	result, err := service.issueCredentials(ctx, user, deviceInfo)
	if err != nil {
		return AuthResult{}, err
	}
	service.metrics.Increment(metricAuthDevLogin)
	service.logger.Warn("development login issued credentials",
		zap.String("code", "auth.dev_login.success"),
		zap.String("user_id", user.ID))
	return result, nil
}

func (service *SessionService) issueCredentials(ctx context.Context, user User, deviceInfo *DeviceInfo) (AuthResult, error) {
	accessToken, _, err := service.accessTokens.Issue(user.ID, user.Email)
	if err != nil {
		return AuthResult{}, fmt.Errorf("session.issue: %w", err)
	}
	callCtx, cancel := withOptionalTimeout(ctx, service.configuration.StoreTimeout)
	defer cancel()
	refreshToken, err := service.refreshTokens.Generate(callCtx, user.ID, service.configuration.RefreshTTL, deviceInfo)
	if err != nil {
		return AuthResult{}, upstreamError("session.issue", err)
	}
	return AuthResult{
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
		User:         user.Summary(),
	}, nil
}

// Refresh rotates a refresh token. Presenting an already revoked token revokes
// every session of its owner and fails with ErrReplayDetected, except for a
// token rotated less than RefreshReuseGrace ago, which fails with
// ErrRefreshTokenInvalid and revokes nothing.
func (service *SessionService) Refresh(ctx context.Context, secret string, deviceInfo *DeviceInfo) (TokenPair, error) {
	pair, err := service.refresh(ctx, secret, deviceInfo)
	if err != nil {
		if !errors.Is(err, ErrReplayDetected) {
			service.metrics.Increment(metricAuthRefreshFailure)
		}
		return TokenPair{}, err
	}
	service.metrics.Increment(metricAuthRefreshSuccess)
	return pair, nil
}

func (service *SessionService) refresh(ctx context.Context, secret string, deviceInfo *DeviceInfo) (TokenPair, error) {
	revoked, reused, err := service.checkReuse(ctx, secret)
	if err != nil {
		return TokenPair{}, err
	}
	if reused {
		if service.rotatedWithinGrace(revoked) {
			service.logger.Info("refresh token lost a concurrent rotation",
				zap.String("code", "auth.refresh.concurrent_rotation"),
				zap.String("user_id", revoked.UserID))
			return TokenPair{}, fmt.Errorf("session.refresh.rotated_recently: %w", ErrRefreshTokenInvalid)
		}
		service.metrics.Increment(metricAuthReplayDetected)
		service.logger.Warn("refresh token reuse detected, revoking all sessions",
			zap.String("code", "auth.refresh.replay_detected"),
			zap.String("user_id", revoked.UserID))
		if err := service.revokeAll(ctx, revoked.UserID); err != nil {
			return TokenPair{}, err
		}
		return TokenPair{}, fmt.Errorf("session.refresh: %w", ErrReplayDetected)
	}

	credential, err := service.validate(ctx, secret)
	if err != nil {
		return TokenPair{}, err
	}
	user, err := service.loadUser(ctx, credential.UserID)
	if err != nil {
		return TokenPair{}, fmt.Errorf("session.refresh: %w", err)
	}
	accessToken, _, err := service.accessTokens.Issue(user.ID, user.Email)
	if err != nil {
		return TokenPair{}, fmt.Errorf("session.refresh: %w", err)
	}
	if deviceInfo == nil {
		deviceInfo = credential.DeviceInfo
	}

	callCtx, cancel := withOptionalTimeout(ctx, service.configuration.StoreTimeout)
	defer cancel()
	refreshToken, err := service.refreshTokens.Rotate(callCtx, credential, service.configuration.RefreshTTL, deviceInfo)
	if err != nil {
		return TokenPair{}, upstreamError("session.refresh.rotate", err)
	}
	return TokenPair{AccessToken: accessToken, RefreshToken: refreshToken}, nil
}

// Logout revokes the refresh token. Unknown tokens are not an error.
func (service *SessionService) Logout(ctx context.Context, secret string) error {
	callCtx, cancel := withOptionalTimeout(ctx, service.configuration.StoreTimeout)
	defer cancel()
	if err := service.refreshTokens.Revoke(callCtx, secret); err != nil {
		return upstreamError("session.logout", err)
	}
	service.metrics.Increment(metricAuthLogout)
	return nil
}

// CurrentUser returns the summary of the signed-in user.
func (service *SessionService) CurrentUser(ctx context.Context, applicationUserID string) (UserSummary, error) {
	user, err := service.loadUser(ctx, applicationUserID)
	if err != nil {
		return UserSummary{}, fmt.Errorf("session.current_user: %w", err)
	}
	return user.Summary(), nil
}

// VerifyAccessToken checks an access token issued by this service.
func (service *SessionService) VerifyAccessToken(token string) (AccessClaims, error) {
	return service.accessTokens.Verify(token)
}

// IssueNonce returns a one-time nonce for a provider sign-in.
func (service *SessionService) IssueNonce(ctx context.Context) (string, error) {
	if service.nonces == nil {
		return "", fmt.Errorf("session.nonce: %w", ErrProviderNotConfigured)
	}
	nonce, err := service.nonces.Issue(ctx)
	if err != nil {
		return "", fmt.Errorf("session.nonce: %w", err)
	}
	return nonce, nil
}

// consumeNonce enforces a presented nonce. The token claim may carry the raw
// nonce or its SHA-256 hex digest, as Apple clients send the digest.
func (service *SessionService) consumeNonce(ctx context.Context, presented string, tokenNonce string) error {
	presented = strings.TrimSpace(presented)
	if presented == "" {
		return nil
	}
	if service.nonces == nil {
		return fmt.Errorf("nonce: %w", ErrInvalidAssertion)
	}
	if err := service.nonces.Consume(ctx, presented); err != nil {
		return fmt.Errorf("nonce: %w: %w", ErrInvalidAssertion, err)
	}
	digest := sha256.Sum256([]byte(presented))
	if tokenNonce != presented && !strings.EqualFold(tokenNonce, hex.EncodeToString(digest[:])) {
		return fmt.Errorf("nonce.mismatch: %w", ErrInvalidAssertion)
	}
	return nil
}

func (service *SessionService) checkReuse(ctx context.Context, secret string) (RefreshCredential, bool, error) {
	callCtx, cancel := withOptionalTimeout(ctx, service.configuration.StoreTimeout)
	defer cancel()
	revoked, reused, err := service.refreshTokens.CheckReuse(callCtx, secret)
	if err != nil {
		return RefreshCredential{}, false, upstreamError("session.refresh.check_reuse", err)
	}
	return revoked, reused, nil
}

// rotatedWithinGrace reports whether the credential lost its rotation to
// another caller recently enough to be treated as a concurrent refresh.
func (service *SessionService) rotatedWithinGrace(revoked RefreshCredential) bool {
	grace := service.configuration.RefreshReuseGrace
	if grace <= 0 || revoked.RevokedReason != revokeReasonRotated || revoked.RevokedAt.IsZero() {
		return false
	}
	return service.clock.Now().Before(revoked.RevokedAt.Add(grace))
}

func (service *SessionService) revokeAll(ctx context.Context, applicationUserID string) error {
	callCtx, cancel := withOptionalTimeout(ctx, service.configuration.StoreTimeout)
	defer cancel()
	if err := service.refreshTokens.RevokeAll(callCtx, applicationUserID); err != nil {
		return upstreamError("session.refresh.revoke_all", err)
	}
	return nil
}

func (service *SessionService) validate(ctx context.Context, secret string) (RefreshCredential, error) {
	callCtx, cancel := withOptionalTimeout(ctx, service.configuration.StoreTimeout)
	defer cancel()
	credential, err := service.refreshTokens.Validate(callCtx, secret)
	if err != nil {
		return RefreshCredential{}, upstreamError("session.refresh.validate", err)
	}
	return credential, nil
}

func (service *SessionService) loadUser(ctx context.Context, applicationUserID string) (User, error) {
	callCtx, cancel := withOptionalTimeout(ctx, service.configuration.StoreTimeout)
	defer cancel()
	user, err := service.users.FindUserByID(callCtx, applicationUserID)
	if err != nil {
		return User{}, upstreamError("user_store.find_by_id", err)
	}
	return user, nil
}
