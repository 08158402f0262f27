package authkit

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MemoryRefreshTokenStore is an in-memory store intended for tests and dev.
type MemoryRefreshTokenStore struct {
	mutex    sync.Mutex
	byID     map[string]*memoryRecord
	byLookup map[string][]string
	hasher   refreshSecretHasher
	clock    Clock
}

type memoryRecord struct {
	TokenID         string
	UserID          string
	Hash            string
	LookupKey       string
	ExpiresUnix     int64
	RevokedAtUnix   int64
	RevokedReason   string
	PreviousTokenID string
	IssuedAtUnix    int64
	DeviceInfo      *DeviceInfo
}

func (record *memoryRecord) active(nowUnix int64) bool {
	return record.RevokedAtUnix == 0 && record.ExpiresUnix > nowUnix
}

func (record *memoryRecord) credential() RefreshCredential {
	return RefreshCredential{
		ID:              record.TokenID,
		UserID:          record.UserID,
		IssuedAt:        unixOrZero(record.IssuedAtUnix),
		ExpiresAt:       unixOrZero(record.ExpiresUnix),
		RevokedAt:       unixOrZero(record.RevokedAtUnix),
		RevokedReason:   record.RevokedReason,
		PreviousTokenID: record.PreviousTokenID,
		DeviceInfo:      record.DeviceInfo,
	}
}

// NewMemoryRefreshTokenStore creates a new in-memory token store. Without
// WithRefreshLookupKey a random lookup key is generated for the process.
func NewMemoryRefreshTokenStore(options ...RefreshStoreOption) *MemoryRefreshTokenStore {
	settings := buildRefreshStoreSettings(options)
	if len(settings.lookupKey) == 0 {
		generated, err := generateLookupKey()
		if err != nil {
			panic(err)
		}
		settings.lookupKey = generated
	}
	return &MemoryRefreshTokenStore{
		byID:     make(map[string]*memoryRecord),
		byLookup: make(map[string][]string),
		hasher:   newRefreshSecretHasher(settings),
		clock:    settings.clock,
	}
}

// Generate creates a new token for the user.
func (store *MemoryRefreshTokenStore) Generate(ctx context.Context, applicationUserID string, ttl time.Duration, deviceInfo *DeviceInfo) (string, error) {
	minted, err := store.hasher.mint()
	if err != nil {
		return "", fmt.Errorf("refresh_store.generate.memory: %w", err)
	}

	store.mutex.Lock()
	defer store.mutex.Unlock()

	store.insertLocked(applicationUserID, minted, ttl, deviceInfo, "")
	return minted.secret, nil
}

// Validate returns the active credential matching the secret.
func (store *MemoryRefreshTokenStore) Validate(ctx context.Context, secret string) (RefreshCredential, error) {
	if isBlankSecret(secret) {
		return RefreshCredential{}, fmt.Errorf("refresh_store.validate.memory: %w", ErrRefreshTokenInvalid)
	}
	store.mutex.Lock()
	defer store.mutex.Unlock()

	nowUnix := store.clock.Now().Unix()
	matched := store.matchLocked(secret, func(record *memoryRecord) bool {
		return record.active(nowUnix)
	})
	if len(matched) != 1 {
		return RefreshCredential{}, fmt.Errorf("refresh_store.validate.memory: %w", ErrRefreshTokenInvalid)
	}
	return matched[0].credential(), nil
}

// Rotate revokes the previous credential and stores its replacement under one lock.
func (store *MemoryRefreshTokenStore) Rotate(ctx context.Context, previous RefreshCredential, ttl time.Duration, deviceInfo *DeviceInfo) (string, error) {
	minted, err := store.hasher.mint()
	if err != nil {
		return "", fmt.Errorf("refresh_store.rotate.memory: %w", err)
	}

	store.mutex.Lock()
	defer store.mutex.Unlock()

	now := store.clock.Now()
	record := store.byID[previous.ID]
	if record == nil || !record.active(now.Unix()) {
		return "", fmt.Errorf("refresh_store.rotate.memory: %w", ErrRefreshTokenInvalid)
	}
	record.RevokedAtUnix = now.Unix()
	record.RevokedReason = revokeReasonRotated

	store.insertLocked(record.UserID, minted, ttl, deviceInfo, record.TokenID)
	return minted.secret, nil
}

// Revoke marks the matching active token as revoked.
func (store *MemoryRefreshTokenStore) Revoke(ctx context.Context, secret string) error {
	if isBlankSecret(secret) {
		return nil
	}
	store.mutex.Lock()
	defer store.mutex.Unlock()

	now := store.clock.Now()
	for _, record := range store.matchLocked(secret, func(record *memoryRecord) bool {
		return record.RevokedAtUnix == 0
	}) {
		record.RevokedAtUnix = now.Unix()
		record.RevokedReason = revokeReasonLogout
	}
	return nil
}

// RevokeAll marks every active token of the user as revoked.
func (store *MemoryRefreshTokenStore) RevokeAll(ctx context.Context, applicationUserID string) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()

	nowUnix := store.clock.Now().Unix()
	for _, record := range store.byID {
		if record.UserID == applicationUserID && record.RevokedAtUnix == 0 {
			record.RevokedAtUnix = nowUnix
			record.RevokedReason = revokeReasonReuseDetected
		}
	}
	return nil
}

// CheckReuse returns the revoked, unexpired credential matching the secret.
func (store *MemoryRefreshTokenStore) CheckReuse(ctx context.Context, secret string) (RefreshCredential, bool, error) {
	if isBlankSecret(secret) {
		return RefreshCredential{}, false, nil
	}
	store.mutex.Lock()
	defer store.mutex.Unlock()

	nowUnix := store.clock.Now().Unix()
	matched := store.matchLocked(secret, func(record *memoryRecord) bool {
		return record.RevokedAtUnix != 0 && record.ExpiresUnix > nowUnix
	})
	if len(matched) == 0 {
		return RefreshCredential{}, false, nil
	}
	return matched[0].credential(), true, nil
}

// PurgeExpired drops tokens whose expiry is before the cutoff.
func (store *MemoryRefreshTokenStore) PurgeExpired(ctx context.Context, before time.Time) (int64, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()

	cutoff := before.Unix()
	var purged int64
	for tokenID, record := range store.byID {
		if record.ExpiresUnix >= cutoff {
			continue
		}
		delete(store.byID, tokenID)
		store.unindexLocked(record)
		purged++
	}
	return purged, nil
}

func (store *MemoryRefreshTokenStore) insertLocked(applicationUserID string, minted mintedRefreshSecret, ttl time.Duration, deviceInfo *DeviceInfo, previousTokenID string) {
	now := store.clock.Now()
	record := &memoryRecord{
		TokenID:         newRefreshTokenID(),
		UserID:          applicationUserID,
		Hash:            minted.hash,
		LookupKey:       minted.lookupKey,
		ExpiresUnix:     expiresUnixFor(now, ttl),
		PreviousTokenID: previousTokenID,
		IssuedAtUnix:    now.Unix(),
		DeviceInfo:      deviceInfo,
	}
	store.byID[record.TokenID] = record
	store.byLookup[record.LookupKey] = append(store.byLookup[record.LookupKey], record.TokenID)
}

func (store *MemoryRefreshTokenStore) matchLocked(secret string, eligible func(*memoryRecord) bool) []*memoryRecord {
	var matched []*memoryRecord
	for _, tokenID := range store.byLookup[store.hasher.lookup(secret)] {
		record := store.byID[tokenID]
		if record == nil || !eligible(record) {
			continue
		}
		if store.hasher.matches(secret, record.Hash) {
			matched = append(matched, record)
		}
	}
	return matched
}

func (store *MemoryRefreshTokenStore) unindexLocked(record *memoryRecord) {
	tokenIDs := store.byLookup[record.LookupKey]
	remaining := tokenIDs[:0]
	for _, tokenID := range tokenIDs {
		if tokenID != record.TokenID {
			remaining = append(remaining, tokenID)
		}
	}
	if len(remaining) == 0 {
		delete(store.byLookup, record.LookupKey)
		return
	}
	store.byLookup[record.LookupKey] = remaining
}
