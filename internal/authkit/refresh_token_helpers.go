package authkit

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

const refreshLookupKeyByteLength = 32

var refreshTokenRandomSource io.Reader = rand.Reader

var errMissingLookupKey = errors.New("refresh_store.missing_lookup_key")

// RefreshStoreOption customizes a refresh token store.
type RefreshStoreOption func(*refreshStoreSettings)

type refreshStoreSettings struct {
	lookupKey []byte
	hashCost  int
	clock     Clock
}

// WithRefreshLookupKey sets the HMAC key used to derive the indexed lookup column.
func WithRefreshLookupKey(lookupKey []byte) RefreshStoreOption {
	return func(settings *refreshStoreSettings) {
		settings.lookupKey = lookupKey
	}
}

// WithRefreshHashCost sets the bcrypt cost for stored secret hashes.
func WithRefreshHashCost(cost int) RefreshStoreOption {
	return func(settings *refreshStoreSettings) {
		settings.hashCost = cost
	}
}

// WithRefreshClock overrides the time source used for expiry and revocation stamps.
func WithRefreshClock(clock Clock) RefreshStoreOption {
	return func(settings *refreshStoreSettings) {
		settings.clock = clock
	}
}

func buildRefreshStoreSettings(options []RefreshStoreOption) refreshStoreSettings {
	settings := refreshStoreSettings{
		hashCost: bcrypt.DefaultCost,
		clock:    NewSystemClock(),
	}
	for _, option := range options {
		if option != nil {
			option(&settings)
		}
	}
	if settings.hashCost < bcrypt.MinCost || settings.hashCost > bcrypt.MaxCost {
		settings.hashCost = bcrypt.DefaultCost
	}
	if settings.clock == nil {
		settings.clock = NewSystemClock()
	}
	return settings
}

// refreshSecretHasher derives both stored forms of a secret: a slow salted hash
// for verification and a keyed digest for indexed candidate lookup.
type refreshSecretHasher struct {
	lookupKey []byte
	cost      int
}

func newRefreshSecretHasher(settings refreshStoreSettings) refreshSecretHasher {
	return refreshSecretHasher{lookupKey: settings.lookupKey, cost: settings.hashCost}
}

func (hasher refreshSecretHasher) lookup(secret string) string {
	mac := hmac.New(sha256.New, hasher.lookupKey)
	_, _ = mac.Write([]byte(secret))
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}

func (hasher refreshSecretHasher) hash(secret string) (string, error) {
	hashed, err := bcrypt.GenerateFromPassword([]byte(secret), hasher.cost)
	if err != nil {
		return "", fmt.Errorf("refresh_store.hash: %w", err)
	}
	return string(hashed), nil
}

func (hasher refreshSecretHasher) matches(secret string, storedHash string) bool {
	return bcrypt.CompareHashAndPassword([]byte(storedHash), []byte(secret)) == nil
}

// mintedRefreshSecret is a freshly generated secret with its derived stored forms.
type mintedRefreshSecret struct {
	secret    string
	hash      string
	lookupKey string
}

func (hasher refreshSecretHasher) mint() (mintedRefreshSecret, error) {
	secret, err := generateRefreshSecret()
	if err != nil {
		return mintedRefreshSecret{}, err
	}
	hashValue, err := hasher.hash(secret)
	if err != nil {
		return mintedRefreshSecret{}, err
	}
	return mintedRefreshSecret{secret: secret, hash: hashValue, lookupKey: hasher.lookup(secret)}, nil
}

func generateRefreshSecret() (string, error) {
	secret, err := uuid.NewRandomFromReader(refreshTokenRandomSource)
	if err != nil {
		return "", fmt.Errorf("refresh_store.random: %w", err)
	}
	return secret.String(), nil
}

func generateLookupKey() ([]byte, error) {
	key := make([]byte, refreshLookupKeyByteLength)
	if _, err := io.ReadFull(refreshTokenRandomSource, key); err != nil {
		return nil, fmt.Errorf("refresh_store.random: %w", err)
	}
	return key, nil
}

func newRefreshTokenID() string {
	return uuid.NewString()
}

func isBlankSecret(secret string) bool {
	return strings.TrimSpace(secret) == ""
}

func expiresUnixFor(now time.Time, ttl time.Duration) int64 {
	return now.Add(ttl).Unix()
}

func unixOrZero(value int64) time.Time {
	if value == 0 {
		return time.Time{}
	}
	return time.Unix(value, 0).UTC()
}
