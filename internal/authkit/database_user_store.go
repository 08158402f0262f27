package authkit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
)

// DatabaseUserStore persists users using GORM.
type DatabaseUserStore struct {
	db          *gorm.DB
	driverLabel string
}

type userRecord struct {
	ID                string     `gorm:"column:id;primaryKey"`
	GoogleID          *string    `gorm:"column:google_id;uniqueIndex"`
	AppleID           *string    `gorm:"column:apple_id;uniqueIndex"`
	Email             string     `gorm:"column:email;uniqueIndex;not null"`
	EmailVerified     bool       `gorm:"column:email_verified;not null;default:false"`
	Name              *string    `gorm:"column:name"`
	ProfilePictureURL *string    `gorm:"column:profile_picture_url"`
	CreatedAt         time.Time  `gorm:"column:created_at;autoCreateTime:false;not null"`
	UpdatedAt         time.Time  `gorm:"column:updated_at;autoUpdateTime:false;not null"`
	LastLoginAt       *time.Time `gorm:"column:last_login_at"`
}

func (userRecord) TableName() string {
	return "users"
}

// NewDatabaseUserStore constructs a user store on an opened database.
func NewDatabaseUserStore(database *Database) *DatabaseUserStore {
	return &DatabaseUserStore{db: database.db, driverLabel: database.driverLabel}
}

// FindUserByID loads a user by primary key.
func (store *DatabaseUserStore) FindUserByID(ctx context.Context, userID string) (User, error) {
	return store.findOne(ctx, "find_by_id", "id = ?", userID)
}

// FindUserByProviderSubject loads the user linked to a provider identifier.
func (store *DatabaseUserStore) FindUserByProviderSubject(ctx context.Context, provider Provider, subject string) (User, error) {
	switch provider {
	case ProviderGoogle:
		return store.findOne(ctx, "find_by_provider", "google_id = ?", subject)
	case ProviderApple:
		return store.findOne(ctx, "find_by_provider", "apple_id = ?", subject)
	default:
		return User{}, fmt.Errorf("user_store.find_by_provider.%s: unknown provider %q", store.driverLabel, provider)
	}
}

// FindUserByEmail loads a user by normalized email.
func (store *DatabaseUserStore) FindUserByEmail(ctx context.Context, email string) (User, error) {
	return store.findOne(ctx, "find_by_email", "email = ?", normalizeEmail(email))
}

// CreateUser inserts a new user row.
func (store *DatabaseUserStore) CreateUser(ctx context.Context, user User) (User, error) {
	record := newUserRecord(user)
	if err := store.db.WithContext(ctx).Create(&record).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return User{}, fmt.Errorf("user_store.create.%s: %w", store.driverLabel, ErrUserEmailTaken)
		}
		return User{}, fmt.Errorf("user_store.create.%s: %w", store.driverLabel, err)
	}
	return record.user(), nil
}

// UpdateUser writes every column of an existing user row.
func (store *DatabaseUserStore) UpdateUser(ctx context.Context, user User) (User, error) {
	record := newUserRecord(user)
	result := store.db.WithContext(ctx).Model(&userRecord{}).Where("id = ?", record.ID).Select("*").Omit("id", "created_at").Updates(&record)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrDuplicatedKey) {
			return User{}, fmt.Errorf("user_store.update.%s: %w", store.driverLabel, ErrUserEmailTaken)
		}
		return User{}, fmt.Errorf("user_store.update.%s: %w", store.driverLabel, result.Error)
	}
	if result.RowsAffected == 0 {
		return User{}, fmt.Errorf("user_store.update.%s: %w", store.driverLabel, ErrUserNotFound)
	}
	return store.FindUserByID(ctx, record.ID)
}

func (store *DatabaseUserStore) findOne(ctx context.Context, operation string, query string, argument string) (User, error) {
	var record userRecord
	err := store.db.WithContext(ctx).Where(query, argument).Take(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return User{}, fmt.Errorf("user_store.%s.%s: %w", operation, store.driverLabel, ErrUserNotFound)
		}
		return User{}, fmt.Errorf("user_store.%s.%s: %w", operation, store.driverLabel, err)
	}
	return record.user(), nil
}

func newUserRecord(user User) userRecord {
	record := userRecord{
		ID:                user.ID,
		GoogleID:          optionalString(user.GoogleID),
		AppleID:           optionalString(user.AppleID),
		Email:             normalizeEmail(user.Email),
		EmailVerified:     user.EmailVerified,
		Name:              optionalString(user.Name),
		ProfilePictureURL: optionalString(user.ProfilePictureURL),
		CreatedAt:         user.CreatedAt.UTC(),
		UpdatedAt:         user.UpdatedAt.UTC(),
	}
	if !user.LastLoginAt.IsZero() {
		lastLogin := user.LastLoginAt.UTC()
		record.LastLoginAt = &lastLogin
	}
	return record
}

func (record userRecord) user() User {
	user := User{
		ID:                record.ID,
		GoogleID:          stringValue(record.GoogleID),
		AppleID:           stringValue(record.AppleID),
		Email:             record.Email,
		EmailVerified:     record.EmailVerified,
		Name:              stringValue(record.Name),
		ProfilePictureURL: stringValue(record.ProfilePictureURL),
		CreatedAt:         record.CreatedAt.UTC(),
		UpdatedAt:         record.UpdatedAt.UTC(),
	}
	if record.LastLoginAt != nil {
		user.LastLoginAt = record.LastLoginAt.UTC()
	}
	return user
}

func optionalString(value string) *string {
	if value == "" {
		return nil
	}
	return &value
}

func stringValue(value *string) string {
	if value == nil {
		return ""
	}
	return *value
}
