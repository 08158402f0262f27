package authkit

import (
	"sync"
	"time"
)

type manualClock struct {
	mutex   sync.Mutex
	current time.Time
}

func newManualClock(start time.Time) *manualClock {
	return &manualClock{current: start}
}

func (clock *manualClock) Now() time.Time {
	clock.mutex.Lock()
	defer clock.mutex.Unlock()
	return clock.current
}

func (clock *manualClock) Advance(duration time.Duration) {
	clock.mutex.Lock()
	defer clock.mutex.Unlock()
	clock.current = clock.current.Add(duration)
}

var testReferenceTime = time.Unix(1700000000, 0).UTC()

func testServerConfig() ServerConfig {
	return ServerConfig{
		Environment:       EnvironmentDevelopment,
		GoogleClientID:    "google-client-id",
		AppleClientID:     "com.courtpulse.app",
		AppJWTSigningKey:  []byte("test-signing-key-with-enough-bytes"),
		AppJWTIssuer:      "courtpulse",
		RefreshLookupKey:  []byte("test-refresh-lookup-key"),
		AccessTokenTTL:    15 * time.Minute,
		RefreshTTL:        30 * 24 * time.Hour,
		RefreshHashCost:   4,
		RefreshReuseGrace: 5 * time.Second,
		ProviderTimeout:   time.Second,
		StoreTimeout:      time.Second,
		NonceTTL:          5 * time.Minute,
	}
}
