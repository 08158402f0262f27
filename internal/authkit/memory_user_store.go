package authkit

import (
	"context"
	"fmt"
	"sync"
)

// MemoryUserStore keeps users in process memory for development and tests.
type MemoryUserStore struct {
	mutex       sync.RWMutex
	usersByID   map[string]User
	idByEmail   map[string]string
	idBySubject map[Provider]map[string]string
}

// NewMemoryUserStore constructs an empty store.
func NewMemoryUserStore() *MemoryUserStore {
	return &MemoryUserStore{
		usersByID: make(map[string]User),
		idByEmail: make(map[string]string),
		idBySubject: map[Provider]map[string]string{
			ProviderGoogle: make(map[string]string),
			ProviderApple:  make(map[string]string),
		},
	}
}

// FindUserByID returns the user with the given identifier.
func (store *MemoryUserStore) FindUserByID(ctx context.Context, userID string) (User, error) {
	store.mutex.RLock()
	defer store.mutex.RUnlock()
	return store.lookupLocked(userID, "find_by_id")
}

// FindUserByProviderSubject returns the user linked to the provider identifier.
func (store *MemoryUserStore) FindUserByProviderSubject(ctx context.Context, provider Provider, subject string) (User, error) {
	store.mutex.RLock()
	defer store.mutex.RUnlock()
	subjects, ok := store.idBySubject[provider]
	if !ok {
		return User{}, fmt.Errorf("user_store.find_by_provider.memory: unknown provider %q", provider)
	}
	return store.lookupLocked(subjects[subject], "find_by_provider")
}

// FindUserByEmail returns the user owning the normalized email.
func (store *MemoryUserStore) FindUserByEmail(ctx context.Context, email string) (User, error) {
	store.mutex.RLock()
	defer store.mutex.RUnlock()
	return store.lookupLocked(store.idByEmail[normalizeEmail(email)], "find_by_email")
}

// CreateUser inserts a new user, rejecting collisions on email or provider identifiers.
func (store *MemoryUserStore) CreateUser(ctx context.Context, user User) (User, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()

	user.Email = normalizeEmail(user.Email)
	if _, exists := store.usersByID[user.ID]; exists {
		return User{}, fmt.Errorf("user_store.create.memory: %w", ErrUserEmailTaken)
	}
	if store.conflictsLocked(user) {
		return User{}, fmt.Errorf("user_store.create.memory: %w", ErrUserEmailTaken)
	}
	store.indexLocked(user)
	return user, nil
}

// UpdateUser replaces the stored user. The creation timestamp is preserved.
func (store *MemoryUserStore) UpdateUser(ctx context.Context, user User) (User, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()

	existing, ok := store.usersByID[user.ID]
	if !ok {
		return User{}, fmt.Errorf("user_store.update.memory: %w", ErrUserNotFound)
	}
	user.Email = normalizeEmail(user.Email)
	user.CreatedAt = existing.CreatedAt
	if store.conflictsLocked(user) {
		return User{}, fmt.Errorf("user_store.update.memory: %w", ErrUserEmailTaken)
	}
	store.unindexLocked(existing)
	store.indexLocked(user)
	return user, nil
}

func (store *MemoryUserStore) lookupLocked(userID string, operation string) (User, error) {
	user, ok := store.usersByID[userID]
	if userID == "" || !ok {
		return User{}, fmt.Errorf("user_store.%s.memory: %w", operation, ErrUserNotFound)
	}
	return user, nil
}

// conflictsLocked reports whether another user already owns one of the unique columns.
func (store *MemoryUserStore) conflictsLocked(user User) bool {
	if owner, ok := store.idByEmail[user.Email]; ok && owner != user.ID {
		return true
	}
	for provider, subjects := range store.idBySubject {
		subject := user.ProviderSubject(provider)
		if subject == "" {
			continue
		}
		if owner, ok := subjects[subject]; ok && owner != user.ID {
			return true
		}
	}
	return false
}

func (store *MemoryUserStore) indexLocked(user User) {
	store.usersByID[user.ID] = user
	store.idByEmail[user.Email] = user.ID
	for provider, subjects := range store.idBySubject {
		if subject := user.ProviderSubject(provider); subject != "" {
			subjects[subject] = user.ID
		}
	}
}

func (store *MemoryUserStore) unindexLocked(user User) {
	delete(store.idByEmail, user.Email)
	for provider, subjects := range store.idBySubject {
		if subject := user.ProviderSubject(provider); subject != "" {
			delete(subjects, subject)
		}
	}
}
