package authkit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const defaultDevUserName = "Test User"

// ResolutionCase names how a sign-in maps onto the user table.
type ResolutionCase int

const (
	// ResolutionReturningUser means the provider identifier is already linked.
	ResolutionReturningUser ResolutionCase = iota + 1
	// ResolutionLinkByEmail means an existing user with the same email gains this provider.
	ResolutionLinkByEmail
	// ResolutionCreateUser means no user matched and a new row is created.
	ResolutionCreateUser
)

func (resolution ResolutionCase) String() string {
	switch resolution {
	case ResolutionReturningUser:
		return "returning"
	case ResolutionLinkByEmail:
		return "link_by_email"
	case ResolutionCreateUser:
		return "create"
	default:
		return "unknown"
	}
}

// LinkingPolicy decides the resolution case from lookup results. It performs no I/O.
type LinkingPolicy struct {
	RequireVerifiedEmail bool
}

// Decide returns the case for claims given the user matched by provider identifier
// and the user matched by email. Either match may be nil.
func (policy LinkingPolicy) Decide(claims IdentityClaims, byProvider *User, byEmail *User) (ResolutionCase, error) {
	if byProvider != nil {
		return ResolutionReturningUser, nil
	}
	if claims.Email == "" {
		return 0, ErrMissingEmail
	}
	if byEmail != nil {
		if policy.RequireVerifiedEmail && !claims.EmailVerified {
			return 0, fmt.Errorf("linking refused for unverified email: %w", ErrInvalidAssertion)
		}
		return ResolutionLinkByEmail, nil
	}
	return ResolutionCreateUser, nil
}

// AccountResolver finds, links, or creates local users for verified identities.
type AccountResolver struct {
	users   UserStore
	policy  LinkingPolicy
	clock   Clock
	timeout time.Duration
	logger  *zap.Logger
	newID   func() string
}

// NewAccountResolver constructs a resolver over users.
func NewAccountResolver(configuration ServerConfig, users UserStore, clock Clock, logger *zap.Logger) *AccountResolver {
	if clock == nil {
		clock = NewSystemClock()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AccountResolver{
		users:   users,
		policy:  LinkingPolicy{RequireVerifiedEmail: configuration.RequireVerifiedEmailForLinking},
		clock:   clock,
		timeout: configuration.StoreTimeout,
		logger:  logger,
		newID:   uuid.NewString,
	}
}

// ResolveGoogleUser resolves a verified Google identity. Name and picture are refreshed when present.
func (resolver *AccountResolver) ResolveGoogleUser(ctx context.Context, claims IdentityClaims) (User, error) {
	return resolver.resolve(ctx, ProviderGoogle, claims)
}

// ResolveAppleUser resolves a verified Apple identity. A missing email is only
// acceptable for an already linked Apple identifier.
func (resolver *AccountResolver) ResolveAppleUser(ctx context.Context, claims IdentityClaims) (User, error) {
	claims.Name = ""
	claims.Picture = ""
	return resolver.resolve(ctx, ProviderApple, claims)
}

// Resolve dispatches on provider.
func (resolver *AccountResolver) Resolve(ctx context.Context, provider Provider, claims IdentityClaims) (User, error) {
	switch provider {
	case ProviderGoogle:
		return resolver.ResolveGoogleUser(ctx, claims)
	case ProviderApple:
		return resolver.ResolveAppleUser(ctx, claims)
	default:
		return User{}, fmt.Errorf("account.resolve.%s: %w", provider, ErrProviderNotConfigured)
	}
}

// ResolveDevUser finds a user by email or creates a verified one with no provider link.
// It backs the development login only.
func (resolver *AccountResolver) ResolveDevUser(ctx context.Context, email string, name string) (User, error) {
	normalizedEmail := normalizeEmail(email)
	if normalizedEmail == "" {
		return User{}, fmt.Errorf("account.resolve_dev: %w", ErrMissingEmail)
	}
	now := resolver.clock.Now().UTC()
	for attempt := 0; attempt < 2; attempt++ {
		existing, found, err := resolver.lookup(ctx, func(callCtx context.Context) (User, error) {
			return resolver.users.FindUserByEmail(callCtx, normalizedEmail)
		})
		if err != nil {
			return User{}, fmt.Errorf("account.resolve_dev: %w", err)
		}
		if found {
			existing.LastLoginAt = now
			existing.UpdatedAt = now
			return resolver.update(ctx, existing)
		}
		displayName := strings.TrimSpace(name)
		if displayName == "" {
			displayName = defaultDevUserName
		}
		created, err := resolver.create(ctx, User{
			ID:            resolver.newID(),
			Email:         normalizedEmail,
			EmailVerified: true,
			Name:          displayName,
			CreatedAt:     now,
			UpdatedAt:     now,
			LastLoginAt:   now,
		})
		if errors.Is(err, ErrUserEmailTaken) {
			continue
		}
		return created, err
	}
	return User{}, fmt.Errorf("account.resolve_dev: %w", ErrUserEmailTaken)
}

func (resolver *AccountResolver) resolve(ctx context.Context, provider Provider, claims IdentityClaims) (User, error) {
	if strings.TrimSpace(claims.Subject) == "" {
		return User{}, fmt.Errorf("account.resolve.%s: %w", provider, ErrInvalidAssertion)
	}
	claims.Email = normalizeEmail(claims.Email)

	// A lost creation race is retried once; the second pass sees the winner's row.
	for attempt := 0; attempt < 2; attempt++ {
		user, err := resolver.resolveOnce(ctx, provider, claims)
		if errors.Is(err, ErrUserEmailTaken) && attempt == 0 {
			resolver.logger.Info("account creation raced, retrying resolution",
				zap.String("code", "account.resolve.create_conflict"),
				zap.String("provider", string(provider)))
			continue
		}
		if err != nil {
			return User{}, fmt.Errorf("account.resolve.%s: %w", provider, err)
		}
		return user, nil
	}
	return User{}, fmt.Errorf("account.resolve.%s: %w", provider, ErrUserEmailTaken)
}

func (resolver *AccountResolver) resolveOnce(ctx context.Context, provider Provider, claims IdentityClaims) (User, error) {
	byProvider, foundByProvider, err := resolver.lookup(ctx, func(callCtx context.Context) (User, error) {
		return resolver.users.FindUserByProviderSubject(callCtx, provider, claims.Subject)
	})
	if err != nil {
		return User{}, err
	}
	var byEmail User
	foundByEmail := false
	if !foundByProvider && claims.Email != "" {
		byEmail, foundByEmail, err = resolver.lookup(ctx, func(callCtx context.Context) (User, error) {
			return resolver.users.FindUserByEmail(callCtx, claims.Email)
		})
		if err != nil {
			return User{}, err
		}
	}

	resolution, err := resolver.policy.Decide(claims, optionalUser(byProvider, foundByProvider), optionalUser(byEmail, foundByEmail))
	if err != nil {
		return User{}, err
	}
	now := resolver.clock.Now().UTC()

	switch resolution {
	case ResolutionReturningUser:
		applyProfile(&byProvider, provider, claims)
		byProvider.LastLoginAt = now
		byProvider.UpdatedAt = now
		return resolver.update(ctx, byProvider)
	case ResolutionLinkByEmail:
		byEmail.setProviderSubject(provider, claims.Subject)
		byEmail.EmailVerified = claims.EmailVerified
		applyProfile(&byEmail, provider, claims)
		byEmail.LastLoginAt = now
		byEmail.UpdatedAt = now
		resolver.logger.Info("linked provider to existing account",
			zap.String("code", "account.resolve.linked"),
			zap.String("provider", string(provider)),
			zap.String("user_id", byEmail.ID))
		return resolver.update(ctx, byEmail)
	default:
		user := User{
			ID:                resolver.newID(),
			Email:             claims.Email,
			EmailVerified:     claims.EmailVerified,
			Name:              claims.Name,
			ProfilePictureURL: claims.Picture,
			CreatedAt:         now,
			UpdatedAt:         now,
			LastLoginAt:       now,
		}
		user.setProviderSubject(provider, claims.Subject)
		return resolver.create(ctx, user)
	}
}

// applyProfile refreshes provider-sourced attributes on a returning or linked user.
func applyProfile(user *User, provider Provider, claims IdentityClaims) {
	switch provider {
	case ProviderGoogle:
		user.EmailVerified = claims.EmailVerified
		if claims.Name != "" {
			user.Name = claims.Name
		}
		if claims.Picture != "" {
			user.ProfilePictureURL = claims.Picture
		}
	case ProviderApple:
		if claims.Email != "" && claims.Email == user.Email {
			user.EmailVerified = claims.EmailVerified
		}
	}
}

func (resolver *AccountResolver) lookup(ctx context.Context, find func(context.Context) (User, error)) (User, bool, error) {
	callCtx, cancel := withOptionalTimeout(ctx, resolver.timeout)
	defer cancel()
	user, err := find(callCtx)
	if errors.Is(err, ErrUserNotFound) {
		return User{}, false, nil
	}
	if err != nil {
		return User{}, false, upstreamError("user_store.lookup", err)
	}
	return user, true, nil
}

func (resolver *AccountResolver) create(ctx context.Context, user User) (User, error) {
	callCtx, cancel := withOptionalTimeout(ctx, resolver.timeout)
	defer cancel()
	created, err := resolver.users.CreateUser(callCtx, user)
	if err != nil {
		return User{}, upstreamError("user_store.create", err)
	}
	return created, nil
}

func (resolver *AccountResolver) update(ctx context.Context, user User) (User, error) {
	callCtx, cancel := withOptionalTimeout(ctx, resolver.timeout)
	defer cancel()
	updated, err := resolver.users.UpdateUser(callCtx, user)
	if err != nil {
		return User{}, upstreamError("user_store.update", err)
	}
	return updated, nil
}

func optionalUser(user User, found bool) *User {
	if !found {
		return nil
	}
	return &user
}

func withOptionalTimeout(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, timeout)
}
