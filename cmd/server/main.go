package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"github.com/tyemirov/courtpulse/internal/authkit"
	"github.com/tyemirov/courtpulse/internal/web"
	"go.uber.org/zap"
)

var serveHTTP = func(server *http.Server) error {
	return server.ListenAndServe()
}

var buildGoogleTokenValidator = func(ctx context.Context) (authkit.GoogleTokenValidator, error) {
	return authkit.NewGoogleTokenValidator(ctx)
}

var buildAppleTokenVerifier = func(ctx context.Context, clientID string) authkit.AppleTokenVerifier {
	return authkit.NewAppleTokenVerifier(ctx, clientID)
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:     "courtpulse",
		Short:   "Mobile auth service: Google and Apple sign-in, bearer access tokens, rotating refresh tokens",
		PreRunE: prepareServerConfig,
		RunE:    runServer,
	}

	flags := rootCmd.Flags()
	flags.String("listen_addr", ":8080", "HTTP listen address")
	flags.String("environment", authkit.EnvironmentDevelopment, "Runtime environment (development or production)")
	flags.String("database_url", "", "Database URL (postgres:// or sqlite://); leave empty for in-memory stores")
	flags.String("google_client_id", "", "Google OAuth client ID expected as the ID token audience")
	flags.String("apple_client_id", "", "Apple Services ID or bundle ID expected as the ID token audience")
	flags.String("jwt_signing_key", "", "HS256 signing secret for access tokens")
	flags.String("jwt_issuer", "courtpulse", "Issuer claim for access tokens")
	flags.String("refresh_lookup_key", "", "HMAC key deriving the refresh token lookup column (required with database_url)")
	flags.Duration("access_ttl", 15*time.Minute, "Access token TTL")
	flags.Duration("refresh_ttl", 30*24*time.Hour, "Refresh token TTL")
	flags.Int("refresh_hash_cost", 10, "bcrypt cost for stored refresh token hashes")
	flags.Duration("refresh_audit_retention", 7*24*time.Hour, "How long expired refresh tokens are kept before purging")
	flags.Duration("refresh_reuse_grace", 10*time.Second, "Window after a rotation in which reuse of the rotated token is rejected without revoking sessions (0 disables)")
	flags.Duration("provider_timeout", 5*time.Second, "Timeout for identity provider verification")
	flags.Duration("store_timeout", 5*time.Second, "Timeout for storage operations")
	flags.Duration("nonce_ttl", 5*time.Minute, "Lifetime of sign-in nonces")
	flags.Bool("require_verified_email_link", false, "Only link accounts by email when the provider marks it verified")
	flags.Duration("purge_interval", time.Hour, "Interval between expired refresh token purges")
	flags.Bool("enable_cors", false, "Enable CORS for browser-based clients")
	flags.StringSlice("cors_allowed_origins", []string{}, "Allowed origins when CORS is enabled; a lone * allows all")

	flags.VisitAll(func(flag *pflag.Flag) {
		_ = viper.BindPFlag(flag.Name, flag)
	})

	viper.SetEnvPrefix("APP")
	viper.AutomaticEnv()

	return rootCmd
}

const (
	configCodeInvalidEnvironment      = "config.invalid_environment"
	configCodeMissingProvider         = "config.missing_provider_client_id"
	configCodeMissingJWTSigningKey    = "config.missing_jwt_signing_key"
	configCodeMissingLookupKey        = "config.missing_refresh_lookup_key"
	configCodeInvalidAccessTTL        = "config.invalid_access_ttl"
	configCodeInvalidRefreshTTL       = "config.invalid_refresh_ttl"
	configCodeInvalidPurgeInterval    = "config.invalid_purge_interval"
	configCodeUninitializedServerConf = "config.uninitialized_server_config"
	configCodeGoogleValidatorInit     = "config.google_validator_init"
	configCodeDatabaseInit            = "config.database_init"
)

type contextKey string

const serverConfigContextKey contextKey = "serverConfig"

func prepareServerConfig(command *cobra.Command, arguments []string) error {
	serverConfig, loadErr := LoadServerConfig()
	if loadErr != nil {
		return loadErr
	}
	existingContext := command.Context()
	if existingContext == nil {
		existingContext = context.Background()
	}
	command.SetContext(context.WithValue(existingContext, serverConfigContextKey, serverConfig))
	return nil
}

func configError(code, message string) error {
	return fmt.Errorf("%s: %s", code, message)
}

// LoadServerConfig reads and validates the service configuration from viper.
func LoadServerConfig() (authkit.ServerConfig, error) {
	environment := strings.ToLower(strings.TrimSpace(viper.GetString("environment")))
	if environment == "" {
		environment = authkit.EnvironmentDevelopment
	}
	if environment != authkit.EnvironmentDevelopment && environment != authkit.EnvironmentProduction {
		return authkit.ServerConfig{}, configError(configCodeInvalidEnvironment, "environment must be development or production")
	}

	googleClientID := strings.TrimSpace(viper.GetString("google_client_id"))
	appleClientID := strings.TrimSpace(viper.GetString("apple_client_id"))
	if environment == authkit.EnvironmentProduction && googleClientID == "" && appleClientID == "" {
		return authkit.ServerConfig{}, configError(configCodeMissingProvider, "google_client_id or apple_client_id must be provided in production")
	}

	jwtSigningKey := viper.GetString("jwt_signing_key")
	if jwtSigningKey == "" {
		return authkit.ServerConfig{}, configError(configCodeMissingJWTSigningKey, "jwt_signing_key must be provided")
	}

	refreshLookupKey := viper.GetString("refresh_lookup_key")
	if refreshLookupKey == "" && strings.TrimSpace(viper.GetString("database_url")) != "" {
		return authkit.ServerConfig{}, configError(configCodeMissingLookupKey, "refresh_lookup_key must be provided with database_url")
	}

	accessTTL := viper.GetDuration("access_ttl")
	if accessTTL <= 0 {
		return authkit.ServerConfig{}, configError(configCodeInvalidAccessTTL, "access_ttl must be greater than zero")
	}

	refreshTTL := viper.GetDuration("refresh_ttl")
	if refreshTTL <= 0 {
		return authkit.ServerConfig{}, configError(configCodeInvalidRefreshTTL, "refresh_ttl must be greater than zero")
	}

	issuer := strings.TrimSpace(viper.GetString("jwt_issuer"))
	if issuer == "" {
		issuer = "courtpulse"
	}

	configuration := authkit.ServerConfig{
		Environment:                    environment,
		GoogleClientID:                 googleClientID,
		AppleClientID:                  appleClientID,
		AppJWTSigningKey:               []byte(jwtSigningKey),
		AppJWTIssuer:                   issuer,
		AccessTokenTTL:                 accessTTL,
		RefreshTTL:                     refreshTTL,
		RefreshHashCost:                viper.GetInt("refresh_hash_cost"),
		RefreshAuditRetention:          nonNegative(viper.GetDuration("refresh_audit_retention")),
		RefreshReuseGrace:              10 * time.Second,
		ProviderTimeout:                durationOrDefault(viper.GetDuration("provider_timeout"), 5*time.Second),
		StoreTimeout:                   durationOrDefault(viper.GetDuration("store_timeout"), 5*time.Second),
		NonceTTL:                       durationOrDefault(viper.GetDuration("nonce_ttl"), 5*time.Minute),
		RequireVerifiedEmailForLinking: viper.GetBool("require_verified_email_link"),
	}
	if viper.IsSet("refresh_reuse_grace") {
		configuration.RefreshReuseGrace = nonNegative(viper.GetDuration("refresh_reuse_grace"))
	}
	if refreshLookupKey != "" {
		configuration.RefreshLookupKey = []byte(refreshLookupKey)
	}
	return configuration, nil
}

func durationOrDefault(value time.Duration, fallback time.Duration) time.Duration {
	if value > 0 {
		return value
	}
	return fallback
}

func nonNegative(value time.Duration) time.Duration {
	if value < 0 {
		return 0
	}
	return value
}

// serverStores is the storage backend chosen at startup.
type serverStores struct {
	users         authkit.UserStore
	refreshTokens authkit.RefreshTokenStore
	database      *authkit.Database
}

func openStores(ctx context.Context, serverConfig authkit.ServerConfig, databaseURL string, logger *zap.Logger) (serverStores, error) {
	refreshOptions := []authkit.RefreshStoreOption{
		authkit.WithRefreshHashCost(serverConfig.RefreshHashCost),
	}
	if len(serverConfig.RefreshLookupKey) > 0 {
		refreshOptions = append(refreshOptions, authkit.WithRefreshLookupKey(serverConfig.RefreshLookupKey))
	}

	if strings.TrimSpace(databaseURL) == "" {
		logger.Info("using in-memory stores", zap.String("code", "server.storage.memory"))
		return serverStores{
			users:         authkit.NewMemoryUserStore(),
			refreshTokens: authkit.NewMemoryRefreshTokenStore(refreshOptions...),
		}, nil
	}

	database, err := authkit.OpenDatabase(ctx, databaseURL)
	if err != nil {
		return serverStores{}, fmt.Errorf("%s: %w", configCodeDatabaseInit, err)
	}
	refreshStore, err := authkit.NewDatabaseRefreshTokenStore(database, refreshOptions...)
	if err != nil {
		_ = database.Close()
		return serverStores{}, fmt.Errorf("%s: %w", configCodeDatabaseInit, err)
	}
	logger.Info("using persistent stores",
		zap.String("code", "server.storage.database"),
		zap.String("driver", database.Driver()))
	return serverStores{
		users:         authkit.NewDatabaseUserStore(database),
		refreshTokens: refreshStore,
		database:      database,
	}, nil
}

func buildIdentityVerifier(ctx context.Context, serverConfig authkit.ServerConfig) (*authkit.IdentityVerifier, error) {
	var googleValidator authkit.GoogleTokenValidator
	if serverConfig.GoogleClientID != "" {
		validator, err := buildGoogleTokenValidator(ctx)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", configCodeGoogleValidatorInit, err)
		}
		googleValidator = validator
	}
	var appleVerifier authkit.AppleTokenVerifier
	if serverConfig.AppleClientID != "" {
		appleVerifier = buildAppleTokenVerifier(ctx, serverConfig.AppleClientID)
	}
	return authkit.NewIdentityVerifier(serverConfig, googleValidator, appleVerifier), nil
}

func runServer(command *cobra.Command, arguments []string) error {
	logger, loggerErr := zap.NewProduction()
	if loggerErr != nil {
		return loggerErr
	}
	defer func() { _ = logger.Sync() }()

	commandContext := command.Context()
	var contextValue any
	if commandContext != nil {
		contextValue = commandContext.Value(serverConfigContextKey)
	}
	serverConfig, ok := contextValue.(authkit.ServerConfig)
	if !ok {
		return configError(configCodeUninitializedServerConf, "server configuration not prepared; PreRunE must execute before RunE")
	}

	purgeInterval := viper.GetDuration("purge_interval")
	if purgeInterval <= 0 {
		return configError(configCodeInvalidPurgeInterval, "purge_interval must be greater than zero")
	}

	serverCtx, serverCancel := context.WithCancel(commandContext)
	defer serverCancel()

	stores, storesErr := openStores(serverCtx, serverConfig, viper.GetString("database_url"), logger)
	if storesErr != nil {
		return storesErr
	}
	var pinger web.Pinger
	if stores.database != nil {
		defer func() { _ = stores.database.Close() }()
		pinger = stores.database
	}

	identities, identitiesErr := buildIdentityVerifier(serverCtx, serverConfig)
	if identitiesErr != nil {
		return identitiesErr
	}

	clock := authkit.NewSystemClock()
	metricsRecorder := authkit.NewCounterMetrics()
	accessTokens, accessErr := authkit.NewAccessTokenIssuer(serverConfig, clock)
	if accessErr != nil {
		return accessErr
	}
	sessions, sessionsErr := authkit.NewSessionService(serverConfig, authkit.SessionDependencies{
		Identities:    identities,
		Accounts:      authkit.NewAccountResolver(serverConfig, stores.users, clock, logger),
		AccessTokens:  accessTokens,
		RefreshTokens: stores.refreshTokens,
		Users:         stores.users,
		Nonces:        authkit.NewMemoryNonceStore(serverConfig.NonceTTL, clock),
		Metrics:       metricsRecorder,
		Logger:        logger,
		Clock:         clock,
	})
	if sessionsErr != nil {
		return sessionsErr
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(zapLoggerMiddleware(logger))

	if viper.GetBool("enable_cors") {
		corsMiddleware, corsErr := web.ConfigureCORS(logger, viper.GetStringSlice("cors_allowed_origins"))
		if corsErr != nil {
			return corsErr
		}
		router.Use(corsMiddleware)
	}

	router.GET("/", web.ServeServiceIndex(web.ServiceIndex{
		Environment:     serverConfig.Environment,
		GoogleClientID:  serverConfig.GoogleClientID,
		AppleClientID:   serverConfig.AppleClientID,
		DevLoginEnabled: serverConfig.DevLoginEnabled(),
	}))
	router.GET("/health", web.HandleHealth(logger, pinger, serverConfig.StoreTimeout))
	authkit.MountAuthRoutes(router, serverConfig, sessions, logger)

	sweeper := authkit.NewRefreshTokenSweeper(stores.refreshTokens, purgeInterval, serverConfig.RefreshAuditRetention, clock, metricsRecorder, logger)
	sweeperDone := make(chan struct{})
	go func() {
		defer close(sweeperDone)
		sweeper.Run(serverCtx)
	}()

	listenAddr := viper.GetString("listen_addr")
	server := &http.Server{
		Addr:              listenAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		stopSignals := make(chan os.Signal, 1)
		signal.Notify(stopSignals, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(stopSignals)
		select {
		case <-stopSignals:
		case <-serverCtx.Done():
			return
		}
		graceCtx, graceCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer graceCancel()
		if err := server.Shutdown(graceCtx); err != nil {
			logger.Error("server shutdown error", zap.String("code", "server.shutdown"), zap.Error(err))
		}
	}()

	logger.Info("listening",
		zap.String("addr", listenAddr),
		zap.String("environment", serverConfig.Environment),
		zap.Bool("dev_login", serverConfig.DevLoginEnabled()))
	serveErr := serveHTTP(server)

	serverCancel()
	<-sweeperDone
	logger.Info("auth metrics", zap.Any("counters", metricsRecorder.Snapshot()))

	if serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
		return fmt.Errorf("listen error: %w", serveErr)
	}
	return nil
}

func zapLoggerMiddleware(logger *zap.Logger) gin.HandlerFunc {
	return func(contextGin *gin.Context) {
		startTime := time.Now()
		contextGin.Next()
		logger.Info("http",
			zap.String("method", contextGin.Request.Method),
			zap.String("path", contextGin.Request.URL.Path),
			zap.Int("status", contextGin.Writer.Status()),
			zap.String("ip", contextGin.ClientIP()),
			zap.Duration("elapsed", time.Since(startTime)),
		)
	}
}
