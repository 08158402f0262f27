package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/tyemirov/courtpulse/internal/authkit"
	"go.uber.org/zap"
	"google.golang.org/api/idtoken"
)

func TestZapLoggerMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)

	router := gin.New()
	router.Use(zapLoggerMiddleware(zap.NewNop()))
	router.GET("/ping", func(contextGin *gin.Context) {
		contextGin.Status(http.StatusNoContent)
	})

	recorder := httptest.NewRecorder()
	request := httptest.NewRequest(http.MethodGet, "/ping", nil)
	router.ServeHTTP(recorder, request)

	if recorder.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", recorder.Code)
	}
}

func TestRunServerMissingConfig(t *testing.T) {
	viper.Reset()
	defer viper.Reset()

	err := runServer(&cobra.Command{}, nil)
	if err == nil {
		t.Fatalf("expected configuration error")
	}

	expectedMessage := "config.uninitialized_server_config: server configuration not prepared; PreRunE must execute before RunE"
	if err.Error() != expectedMessage {
		t.Fatalf("expected error %q, got %q", expectedMessage, err.Error())
	}
}

func TestLoadServerConfigValidation(t *testing.T) {
	testCases := []struct {
		name            string
		settings        map[string]any
		expectedMessage string
	}{
		{
			name:            "unknown environment",
			settings:        map[string]any{"environment": "staging", "jwt_signing_key": "signing-secret"},
			expectedMessage: "config.invalid_environment: environment must be development or production",
		},
		{
			name:            "production without providers",
			settings:        map[string]any{"environment": "production", "jwt_signing_key": "signing-secret"},
			expectedMessage: "config.missing_provider_client_id: google_client_id or apple_client_id must be provided in production",
		},
		{
			name:            "missing signing key",
			settings:        map[string]any{"google_client_id": "client"},
			expectedMessage: "config.missing_jwt_signing_key: jwt_signing_key must be provided",
		},
		{
			name: "database without lookup key",
			settings: map[string]any{
				"jwt_signing_key": "signing-secret",
				"database_url":    "sqlite:///tmp/courtpulse.db",
			},
			expectedMessage: "config.missing_refresh_lookup_key: refresh_lookup_key must be provided with database_url",
		},
		{
			name:            "non-positive access ttl",
			settings:        map[string]any{"jwt_signing_key": "signing-secret", "access_ttl": 0, "refresh_ttl": time.Hour},
			expectedMessage: "config.invalid_access_ttl: access_ttl must be greater than zero",
		},
		{
			name:            "non-positive refresh ttl",
			settings:        map[string]any{"jwt_signing_key": "signing-secret", "access_ttl": time.Minute, "refresh_ttl": -time.Hour},
			expectedMessage: "config.invalid_refresh_ttl: refresh_ttl must be greater than zero",
		},
	}

	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			viper.Reset()
			defer viper.Reset()
			for key, value := range testCase.settings {
				viper.Set(key, value)
			}

			_, err := LoadServerConfig()
			if err == nil {
				t.Fatalf("expected configuration error")
			}
			if err.Error() != testCase.expectedMessage {
				t.Fatalf("expected error %q, got %q", testCase.expectedMessage, err.Error())
			}
		})
	}
}

func TestLoadServerConfigDefaults(t *testing.T) {
	viper.Reset()
	defer viper.Reset()

	viper.Set("environment", " Production ")
	viper.Set("apple_client_id", "com.courtpulse.app")
	viper.Set("jwt_signing_key", "signing-secret")
	viper.Set("access_ttl", time.Minute)
	viper.Set("refresh_ttl", time.Hour)
	viper.Set("refresh_audit_retention", -time.Hour)

	config, err := LoadServerConfig()
	if err != nil {
		t.Fatalf("expected configuration load to succeed, got %v", err)
	}
	if !config.IsProduction() || config.DevLoginEnabled() {
		t.Fatalf("expected production configuration, got %q", config.Environment)
	}
	if config.AppJWTIssuer != "courtpulse" {
		t.Fatalf("expected default issuer, got %q", config.AppJWTIssuer)
	}
	if config.ProviderTimeout != 5*time.Second || config.StoreTimeout != 5*time.Second || config.NonceTTL != 5*time.Minute {
		t.Fatalf("unexpected timeout defaults: %+v", config)
	}
	if config.RefreshAuditRetention != 0 {
		t.Fatalf("negative retention must clamp to zero, got %s", config.RefreshAuditRetention)
	}
	if config.RefreshLookupKey != nil {
		t.Fatalf("expected no lookup key for in-memory stores")
	}
	if config.RefreshReuseGrace != 10*time.Second {
		t.Fatalf("expected default reuse grace, got %s", config.RefreshReuseGrace)
	}
}

func TestLoadServerConfigReuseGrace(t *testing.T) {
	testCases := []struct {
		name     string
		value    time.Duration
		expected time.Duration
	}{
		{name: "custom", value: 3 * time.Second, expected: 3 * time.Second},
		{name: "disabled", value: 0, expected: 0},
		{name: "negative clamps to disabled", value: -time.Second, expected: 0},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			viper.Reset()
			defer viper.Reset()

			viper.Set("apple_client_id", "com.courtpulse.app")
			viper.Set("jwt_signing_key", "signing-secret")
			viper.Set("access_ttl", time.Minute)
			viper.Set("refresh_ttl", time.Hour)
			viper.Set("refresh_reuse_grace", testCase.value)

			config, err := LoadServerConfig()
			if err != nil {
				t.Fatalf("expected configuration load to succeed, got %v", err)
			}
			if config.RefreshReuseGrace != testCase.expected {
				t.Fatalf("expected reuse grace %s, got %s", testCase.expected, config.RefreshReuseGrace)
			}
		})
	}
}

func TestRunServerValidatorInitFailure(t *testing.T) {
	viper.Reset()
	defer viper.Reset()

	restoreServe := withServeHTTPStub(func(server *http.Server) error {
		t.Fatalf("server must not start when the validator fails")
		return nil
	})
	defer restoreServe()

	restoreValidator := withGoogleValidatorBuilderStub(func(ctx context.Context) (authkit.GoogleTokenValidator, error) {
		return nil, errors.New("validator_fail")
	})
	defer restoreValidator()

	viper.Set("google_client_id", "client")
	viper.Set("jwt_signing_key", "signing-secret")
	viper.Set("access_ttl", time.Minute)
	viper.Set("refresh_ttl", time.Hour)
	viper.Set("purge_interval", time.Hour)

	command := preparedCommand(t)
	if err := runServer(command, nil); err == nil || err.Error() != "config.google_validator_init: validator_fail" {
		t.Fatalf("expected google validator init error, got %v", err)
	}
}

func TestRunServerRejectsNonPositivePurgeInterval(t *testing.T) {
	viper.Reset()
	defer viper.Reset()

	viper.Set("jwt_signing_key", "signing-secret")
	viper.Set("access_ttl", time.Minute)
	viper.Set("refresh_ttl", time.Hour)

	command := preparedCommand(t)
	err := runServer(command, nil)
	if err == nil || err.Error() != "config.invalid_purge_interval: purge_interval must be greater than zero" {
		t.Fatalf("expected purge interval error, got %v", err)
	}
}

func TestRunServerDatabaseBackedDevLogin(t *testing.T) {
	viper.Reset()
	defer viper.Reset()

	restoreServe := withServeHTTPStub(func(server *http.Server) error {
		if server.Handler == nil {
			t.Fatalf("expected handler to be configured")
		}
		health := httptest.NewRecorder()
		server.Handler.ServeHTTP(health, httptest.NewRequest(http.MethodGet, "/health", nil))
		if health.Code != http.StatusOK || !strings.Contains(health.Body.String(), `"database"`) {
			t.Fatalf("unexpected health response %d %s", health.Code, health.Body.String())
		}

		login := httptest.NewRecorder()
		loginRequest := httptest.NewRequest(http.MethodPost, "/api/auth/dev/login", strings.NewReader(`{"email":"Player@Example.com"}`))
		loginRequest.Header.Set("Content-Type", "application/json")
		server.Handler.ServeHTTP(login, loginRequest)
		if login.Code != http.StatusOK {
			t.Fatalf("expected dev login to succeed, got %d %s", login.Code, login.Body.String())
		}
		var result authkit.AuthResult
		if err := json.Unmarshal(login.Body.Bytes(), &result); err != nil {
			t.Fatalf("decode dev login: %v", err)
		}
		if result.User.Email != "player@example.com" || result.RefreshToken == "" {
			t.Fatalf("unexpected dev login result: %+v", result)
		}

		me := httptest.NewRecorder()
		meRequest := httptest.NewRequest(http.MethodGet, "/api/auth/me", nil)
		meRequest.Header.Set("Authorization", "Bearer "+result.AccessToken)
		server.Handler.ServeHTTP(me, meRequest)
		if me.Code != http.StatusOK {
			t.Fatalf("expected /me to succeed, got %d", me.Code)
		}
		return http.ErrServerClosed
	})
	defer restoreServe()

	restoreValidator := withGoogleValidatorBuilderStub(func(ctx context.Context) (authkit.GoogleTokenValidator, error) {
		return noopGoogleValidator{}, nil
	})
	defer restoreValidator()

	appleRequested := ""
	restoreApple := withAppleVerifierBuilderStub(func(ctx context.Context, clientID string) authkit.AppleTokenVerifier {
		appleRequested = clientID
		return noopAppleVerifier{}
	})
	defer restoreApple()

	viper.Set("listen_addr", ":0")
	viper.Set("google_client_id", "client")
	viper.Set("apple_client_id", "com.courtpulse.app")
	viper.Set("jwt_signing_key", "signing-secret")
	viper.Set("refresh_lookup_key", "lookup-secret")
	viper.Set("refresh_hash_cost", 4)
	viper.Set("access_ttl", time.Minute)
	viper.Set("refresh_ttl", time.Hour)
	viper.Set("purge_interval", time.Hour)
	viper.Set("database_url", "sqlite:file:"+uuid.NewString()+"?mode=memory&cache=shared")
	viper.Set("enable_cors", true)
	viper.Set("cors_allowed_origins", []string{"http://localhost:5173"})

	command := preparedCommand(t)
	if err := runServer(command, nil); err != nil {
		t.Fatalf("expected runServer to succeed, got %v", err)
	}
	if appleRequested != "com.courtpulse.app" {
		t.Fatalf("expected apple verifier for configured client id, got %q", appleRequested)
	}
}

func TestRunServerInMemoryStoreSkipsUnconfiguredProviders(t *testing.T) {
	viper.Reset()
	defer viper.Reset()

	restoreServe := withServeHTTPStub(func(server *http.Server) error {
		health := httptest.NewRecorder()
		server.Handler.ServeHTTP(health, httptest.NewRequest(http.MethodGet, "/health", nil))
		if !strings.Contains(health.Body.String(), `"memory"`) {
			t.Fatalf("expected memory storage, got %s", health.Body.String())
		}
		return http.ErrServerClosed
	})
	defer restoreServe()

	restoreValidator := withGoogleValidatorBuilderStub(func(ctx context.Context) (authkit.GoogleTokenValidator, error) {
		t.Fatalf("google validator must not be built without a client id")
		return nil, nil
	})
	defer restoreValidator()

	viper.Set("listen_addr", ":0")
	viper.Set("jwt_signing_key", "signing-secret")
	viper.Set("access_ttl", time.Minute)
	viper.Set("refresh_ttl", time.Hour)
	viper.Set("purge_interval", time.Hour)

	command := preparedCommand(t)
	if err := runServer(command, nil); err != nil {
		t.Fatalf("expected runServer to succeed with in-memory store, got %v", err)
	}
}

func TestRunServerSurfacesListenError(t *testing.T) {
	viper.Reset()
	defer viper.Reset()

	restoreServe := withServeHTTPStub(func(server *http.Server) error {
		return errors.New("address in use")
	})
	defer restoreServe()

	viper.Set("jwt_signing_key", "signing-secret")
	viper.Set("access_ttl", time.Minute)
	viper.Set("refresh_ttl", time.Hour)
	viper.Set("purge_interval", time.Hour)

	command := preparedCommand(t)
	if err := runServer(command, nil); err == nil || err.Error() != "listen error: address in use" {
		t.Fatalf("expected listen error, got %v", err)
	}
}

func TestNewRootCommandHelp(t *testing.T) {
	cmd := newRootCommand()
	cmd.SetArgs([]string{"--help"})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("expected help execution to succeed: %v", err)
	}
}

func preparedCommand(t *testing.T) *cobra.Command {
	t.Helper()
	command := &cobra.Command{}
	command.SetContext(context.Background())
	if err := prepareServerConfig(command, nil); err != nil {
		t.Fatalf("expected configuration load to succeed, got %v", err)
	}
	return command
}

func withServeHTTPStub(stub func(server *http.Server) error) func() {
	previous := serveHTTP
	serveHTTP = stub
	return func() {
		serveHTTP = previous
	}
}

type noopGoogleValidator struct{}

func (noopGoogleValidator) Validate(ctx context.Context, token string, audience string) (*idtoken.Payload, error) {
	return &idtoken.Payload{}, nil
}

type noopAppleVerifier struct{}

func (noopAppleVerifier) Verify(ctx context.Context, rawIDToken string) (*oidc.IDToken, error) {
	return nil, errors.New("not used")
}

func withGoogleValidatorBuilderStub(stub func(ctx context.Context) (authkit.GoogleTokenValidator, error)) func() {
	previous := buildGoogleTokenValidator
	buildGoogleTokenValidator = stub
	return func() {
		buildGoogleTokenValidator = previous
	}
}

func withAppleVerifierBuilderStub(stub func(ctx context.Context, clientID string) authkit.AppleTokenVerifier) func() {
	previous := buildAppleTokenVerifier
	buildAppleTokenVerifier = stub
	return func() {
		buildAppleTokenVerifier = previous
	}
}
