package authkit

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"
)

// DatabaseRefreshTokenStore persists rotating refresh tokens using GORM.
type DatabaseRefreshTokenStore struct {
	db          *gorm.DB
	driverLabel string
	hasher      refreshSecretHasher
	clock       Clock
}

type refreshTokenRecord struct {
	TokenID         string      `gorm:"column:token_id;primaryKey"`
	UserID          string      `gorm:"column:user_id;index;not null"`
	TokenHash       string      `gorm:"column:token_hash;not null"`
	LookupKey       string      `gorm:"column:lookup_key;index;not null"`
	ExpiresUnix     int64       `gorm:"column:expires_unix;not null"`
	RevokedAtUnix   int64       `gorm:"column:revoked_at_unix;not null;default:0"`
	RevokedReason   string      `gorm:"column:revoked_reason;not null;default:''"`
	PreviousTokenID string      `gorm:"column:previous_token_id;not null;default:''"`
	IssuedAtUnix    int64       `gorm:"column:issued_at_unix;not null"`
	DeviceInfo      *DeviceInfo `gorm:"column:device_info;serializer:json"`
}

func (refreshTokenRecord) TableName() string {
	return "refresh_tokens"
}

func (record refreshTokenRecord) credential() RefreshCredential {
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

// NewDatabaseRefreshTokenStore constructs a GORM-backed store. A lookup key is
// required so lookups survive restarts.
func NewDatabaseRefreshTokenStore(database *Database, options ...RefreshStoreOption) (*DatabaseRefreshTokenStore, error) {
	settings := buildRefreshStoreSettings(options)
	if len(settings.lookupKey) == 0 {
		return nil, fmt.Errorf("refresh_store.open.%s: %w", database.driverLabel, errMissingLookupKey)
	}
	return &DatabaseRefreshTokenStore{
		db:          database.db,
		driverLabel: database.driverLabel,
		hasher:      newRefreshSecretHasher(settings),
		clock:       settings.clock,
	}, nil
}

// Driver exposes the selected database driver label.
func (store *DatabaseRefreshTokenStore) Driver() string {
	return store.driverLabel
}

// Generate inserts a new refresh token record and returns its secret.
func (store *DatabaseRefreshTokenStore) Generate(ctx context.Context, applicationUserID string, ttl time.Duration, deviceInfo *DeviceInfo) (string, error) {
	minted, err := store.hasher.mint()
	if err != nil {
		return "", fmt.Errorf("refresh_store.generate.%s: %w", store.driverLabel, err)
	}
	record := store.newRecord(applicationUserID, minted, ttl, deviceInfo, "")
	if err := store.db.WithContext(ctx).Create(&record).Error; err != nil {
		return "", fmt.Errorf("refresh_store.generate.%s: %w", store.driverLabel, err)
	}
	return minted.secret, nil
}

// Validate locates the single active refresh token matching the secret.
func (store *DatabaseRefreshTokenStore) Validate(ctx context.Context, secret string) (RefreshCredential, error) {
	if isBlankSecret(secret) {
		return RefreshCredential{}, fmt.Errorf("refresh_store.validate.%s: %w", store.driverLabel, ErrRefreshTokenInvalid)
	}
	nowUnix := store.clock.Now().Unix()
	matched, err := store.match(ctx, store.db, secret, "revoked_at_unix = 0 AND expires_unix > ?", nowUnix)
	if err != nil {
		return RefreshCredential{}, fmt.Errorf("refresh_store.validate.%s: %w", store.driverLabel, err)
	}
	if len(matched) != 1 {
		return RefreshCredential{}, fmt.Errorf("refresh_store.validate.%s: %w", store.driverLabel, ErrRefreshTokenInvalid)
	}
	return matched[0].credential(), nil
}

// Rotate revokes the previous token and inserts its replacement in one transaction.
// The conditional update admits a single winner among concurrent rotations.
func (store *DatabaseRefreshTokenStore) Rotate(ctx context.Context, previous RefreshCredential, ttl time.Duration, deviceInfo *DeviceInfo) (string, error) {
	minted, err := store.hasher.mint()
	if err != nil {
		return "", fmt.Errorf("refresh_store.rotate.%s: %w", store.driverLabel, err)
	}
	now := store.clock.Now()
	record := store.newRecord(previous.UserID, minted, ttl, deviceInfo, previous.ID)

	transactionErr := store.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Model(&refreshTokenRecord{}).
			Where("token_id = ? AND user_id = ? AND revoked_at_unix = 0 AND expires_unix > ?", previous.ID, previous.UserID, now.Unix()).
			Updates(map[string]any{
				"revoked_at_unix": now.Unix(),
				"revoked_reason":  revokeReasonRotated,
			})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected != 1 {
			return ErrRefreshTokenInvalid
		}
		return tx.Create(&record).Error
	})
	if transactionErr != nil {
		return "", fmt.Errorf("refresh_store.rotate.%s: %w", store.driverLabel, transactionErr)
	}
	return minted.secret, nil
}

// Revoke marks the matching active token as revoked.
func (store *DatabaseRefreshTokenStore) Revoke(ctx context.Context, secret string) error {
	if isBlankSecret(secret) {
		return nil
	}
	matched, err := store.match(ctx, store.db, secret, "revoked_at_unix = 0")
	if err != nil {
		return fmt.Errorf("refresh_store.revoke.%s: %w", store.driverLabel, err)
	}
	if len(matched) == 0 {
		return nil
	}
	tokenIDs := make([]string, 0, len(matched))
	for _, record := range matched {
		tokenIDs = append(tokenIDs, record.TokenID)
	}
	result := store.db.WithContext(ctx).Model(&refreshTokenRecord{}).
		Where("token_id IN ? AND revoked_at_unix = 0", tokenIDs).
		Updates(map[string]any{
			"revoked_at_unix": store.clock.Now().Unix(),
			"revoked_reason":  revokeReasonLogout,
		})
	if result.Error != nil {
		return fmt.Errorf("refresh_store.revoke.%s: %w", store.driverLabel, result.Error)
	}
	return nil
}

// RevokeAll marks every active token of the user as revoked.
func (store *DatabaseRefreshTokenStore) RevokeAll(ctx context.Context, applicationUserID string) error {
	result := store.db.WithContext(ctx).Model(&refreshTokenRecord{}).
		Where("user_id = ? AND revoked_at_unix = 0", applicationUserID).
		Updates(map[string]any{
			"revoked_at_unix": store.clock.Now().Unix(),
			"revoked_reason":  revokeReasonReuseDetected,
		})
	if result.Error != nil {
		return fmt.Errorf("refresh_store.revoke_all.%s: %w", store.driverLabel, result.Error)
	}
	return nil
}

// CheckReuse returns the revoked, unexpired credential matching the secret.
func (store *DatabaseRefreshTokenStore) CheckReuse(ctx context.Context, secret string) (RefreshCredential, bool, error) {
	if isBlankSecret(secret) {
		return RefreshCredential{}, false, nil
	}
	nowUnix := store.clock.Now().Unix()
	matched, err := store.match(ctx, store.db, secret, "revoked_at_unix <> 0 AND expires_unix > ?", nowUnix)
	if err != nil {
		return RefreshCredential{}, false, fmt.Errorf("refresh_store.check_reuse.%s: %w", store.driverLabel, err)
	}
	if len(matched) == 0 {
		return RefreshCredential{}, false, nil
	}
	return matched[0].credential(), true, nil
}

// PurgeExpired deletes tokens whose expiry is before the cutoff.
func (store *DatabaseRefreshTokenStore) PurgeExpired(ctx context.Context, before time.Time) (int64, error) {
	result := store.db.WithContext(ctx).Where("expires_unix < ?", before.Unix()).Delete(&refreshTokenRecord{})
	if result.Error != nil {
		return 0, fmt.Errorf("refresh_store.purge.%s: %w", store.driverLabel, result.Error)
	}
	return result.RowsAffected, nil
}

func (store *DatabaseRefreshTokenStore) newRecord(applicationUserID string, minted mintedRefreshSecret, ttl time.Duration, deviceInfo *DeviceInfo, previousTokenID string) refreshTokenRecord {
	now := store.clock.Now()
	return refreshTokenRecord{
		TokenID:         newRefreshTokenID(),
		UserID:          applicationUserID,
		TokenHash:       minted.hash,
		LookupKey:       minted.lookupKey,
		ExpiresUnix:     expiresUnixFor(now, ttl),
		PreviousTokenID: previousTokenID,
		IssuedAtUnix:    now.Unix(),
		DeviceInfo:      deviceInfo,
	}
}

// match narrows candidates by lookup key, then verifies each bcrypt hash.
func (store *DatabaseRefreshTokenStore) match(ctx context.Context, db *gorm.DB, secret string, condition string, arguments ...any) ([]refreshTokenRecord, error) {
	var candidates []refreshTokenRecord
	err := db.WithContext(ctx).
		Where("lookup_key = ?", store.hasher.lookup(secret)).
		Where(condition, arguments...).
		Find(&candidates).Error
	if err != nil {
		return nil, err
	}
	matched := candidates[:0]
	for _, candidate := range candidates {
		if store.hasher.matches(secret, candidate.TokenHash) {
			matched = append(matched, candidate)
		}
	}
	return matched, nil
}
