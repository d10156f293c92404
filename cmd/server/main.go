package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/tyemirov/communityauth/internal/accounts"
	"github.com/tyemirov/communityauth/internal/authkit"
	"github.com/tyemirov/communityauth/internal/identity"
	"github.com/tyemirov/communityauth/internal/web"
	"github.com/tyemirov/communityauth/pkg/sessionvalidator"
)

var serveHTTP = func(server *http.Server) error {
	return server.ListenAndServe()
}

var buildAdapter = func(ctx context.Context, configuration identity.Config) (identity.Adapter, error) {
	return identity.New(ctx, configuration, nil)
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:               "communityauth",
		Short:             "Community sign-in: provider identity reconciliation, session tokens, and password setup",
		PersistentPreRunE: loadEnvFile,
		PreRunE:           prepareServerConfig,
		RunE:              runServer,
	}

	rootCmd.PersistentFlags().String("env_file", "", "Optional .env file loaded before reading configuration")
	rootCmd.PersistentFlags().String("database_url", "", "User store URL (postgres://, sqlite://, pgx+postgres://; empty for in-memory)")
	rootCmd.Flags().String("listen_addr", ":8080", "HTTP listen address")
	rootCmd.Flags().String("jwt_signing_key", "", "HS256 signing secret for session tokens")
	rootCmd.Flags().String("jwt_issuer", defaultJWTIssuer, "Issuer claim of session tokens")
	rootCmd.Flags().Duration("session_ttl", authkit.DefaultSessionTTL, "Session token TTL")
	rootCmd.Flags().String("cookie_domain", "", "Cookie domain; empty for host-only")
	rootCmd.Flags().Bool("dev_insecure_http", false, "Allow insecure HTTP for local dev")
	rootCmd.Flags().String("redis_url", "", "Redis URL for login nonces; empty for in-memory")
	rootCmd.Flags().String("identity_provider", identity.ProviderGitHub, "Identity provider: github, google, or oidc")
	rootCmd.Flags().String("oauth_client_id", "", "OAuth client ID registered with the provider")
	rootCmd.Flags().String("oauth_client_secret", "", "OAuth client secret")
	rootCmd.Flags().String("oauth_redirect_url", "", "Callback URL registered with the provider")
	rootCmd.Flags().String("oidc_issuer_url", "", "Issuer URL for the oidc provider")
	rootCmd.Flags().String("post_login_url", "/", "Where the callback sends a signed-in browser")
	rootCmd.Flags().String("login_url", "/login", "Where the callback sends a failed sign-in")
	rootCmd.Flags().Int("password_min_length", defaultPasswordMinLength, "Minimum length of a first password")
	rootCmd.Flags().Duration("provider_timeout", authkit.DefaultProviderTimeout, "Timeout for provider calls")
	rootCmd.Flags().Duration("store_timeout", defaultStoreTimeout, "Timeout for each user store call")
	rootCmd.Flags().Duration("nonce_ttl", authkit.DefaultNonceTTL, "Lifetime of login state nonces")
	rootCmd.Flags().Bool("enable_cors", false, "Enable CORS for cross-origin clients (required to set SameSite=None cookies)")
	rootCmd.Flags().StringSlice("cors_allowed_origins", []string{}, "Allowed origins when CORS is enabled (required if enable_cors is true)")
	rootCmd.Flags().Int("rate_limit_per_minute", 60, "Requests per minute per client IP on sync, callback, and password routes; 0 disables")

	for _, name := range []string{"env_file", "database_url"} {
		_ = viper.BindPFlag(name, rootCmd.PersistentFlags().Lookup(name))
	}
	for _, name := range []string{
		"listen_addr", "jwt_signing_key", "jwt_issuer", "session_ttl", "cookie_domain",
		"dev_insecure_http", "redis_url", "identity_provider", "oauth_client_id",
		"oauth_client_secret", "oauth_redirect_url", "oidc_issuer_url", "post_login_url",
		"login_url", "password_min_length", "provider_timeout", "store_timeout", "nonce_ttl",
		"enable_cors", "cors_allowed_origins", "rate_limit_per_minute",
	} {
		_ = viper.BindPFlag(name, rootCmd.Flags().Lookup(name))
	}

	viper.SetEnvPrefix("APP")
	viper.AutomaticEnv()

	rootCmd.AddCommand(newSetRoleCommand())
	return rootCmd
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

	listenAddr := viper.GetString("listen_addr")
	enableCORS := viper.GetBool("enable_cors")
	storeTimeout := viper.GetDuration("store_timeout")
	if storeTimeout <= 0 {
		storeTimeout = defaultStoreTimeout
	}

	adapter, adapterErr := buildAdapter(commandContext, identityConfig(serverConfig))
	if adapterErr != nil {
		return fmt.Errorf("%s: %w", configCodeAdapterInit, adapterErr)
	}

	userStore, closeUserStore, storeErr := openUserStore(commandContext, viper.GetString("database_url"), logger)
	if storeErr != nil {
		return storeErr
	}
	defer closeUserStore()

	nonceStore, closeNonceStore, nonceErr := openNonceStore(commandContext, viper.GetString("redis_url"), serverConfig.NonceTTL, logger)
	if nonceErr != nil {
		return nonceErr
	}
	defer closeNonceStore()

	validator, validatorErr := sessionvalidator.New(sessionvalidator.Config{
		SigningKey: serverConfig.AppJWTSigningKey,
		Issuer:     serverConfig.AppJWTIssuer,
		CookieName: serverConfig.SessionCookieName,
	})
	if validatorErr != nil {
		return validatorErr
	}

	metrics := authkit.NewPrometheusMetrics()
	reconciler := accounts.NewReconciler(accounts.ReconcilerConfig{
		Store:        userStore,
		Logger:       logger,
		Metrics:      metrics,
		StoreTimeout: storeTimeout,
	})
	finalizer := accounts.NewFinalizer(accounts.FinalizerConfig{
		Store:        userStore,
		MinLength:    serverConfig.PasswordMinLength,
		StoreTimeout: storeTimeout,
		Logger:       logger,
	})
	issuer := authkit.Issuer{
		SigningKey: serverConfig.AppJWTSigningKey,
		IssuerName: serverConfig.AppJWTIssuer,
		TTL:        serverConfig.SessionTTL,
		Clock:      authkit.NewSystemClock(),
	}
	var limiter *authkit.RateLimiter
	if perMinute := viper.GetInt("rate_limit_per_minute"); perMinute > 0 {
		limiter = authkit.NewRateLimiter(perMinute, 10*time.Minute, metrics)
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(authkit.RequestID())
	router.Use(zapLoggerMiddleware(logger))

	if enableCORS {
		corsMiddleware, corsErr := web.ConfigureCORS(logger, viper.GetStringSlice("cors_allowed_origins"))
		if corsErr != nil {
			return corsErr
		}
		router.Use(corsMiddleware)
	}

	router.GET("/healthz", web.HandleHealth(logger, userStore, storeTimeout))
	router.GET("/metrics", gin.WrapH(metrics.Handler()))

	authkit.MountAuthRoutes(router, serverConfig, authkit.AuthDependencies{
		Adapter:     adapter,
		Reconciler:  reconciler,
		Finalizer:   finalizer,
		Issuer:      issuer,
		Validator:   validator,
		Nonces:      nonceStore,
		Metrics:     metrics,
		Logger:      logger,
		RateLimiter: limiter,
	})

	protected := router.Group("/api")
	protected.Use(authkit.RequireSession(validator))
	protected.GET("/me", web.HandleWhoAmI(logger, userStore))

	server := &http.Server{
		Addr:              listenAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	shutdownCtx, shutdownCancel := context.WithCancel(context.Background())
	defer shutdownCancel()

	go func() {
		stopSignals := make(chan os.Signal, 1)
		signal.Notify(stopSignals, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(stopSignals)
		select {
		case <-stopSignals:
		case <-shutdownCtx.Done():
			return
		}
		graceCtx, graceCancel := context.WithTimeout(shutdownCtx, 10*time.Second)
		defer graceCancel()
		if err := server.Shutdown(graceCtx); err != nil {
			logger.Error("server shutdown error", zap.Error(err))
		}
	}()

	logger.Info("listening",
		zap.String("addr", listenAddr),
		zap.String("identity_provider", adapter.Name()))
	if err := serveHTTP(server); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("listen error: %w", err)
	}
	return nil
}

func newSetRoleCommand() *cobra.Command {
	command := &cobra.Command{
		Use:   "set-role",
		Short: "Assign a role to an existing user; sync never changes roles",
		RunE:  runSetRole,
	}
	command.Flags().String("user_id", "", "Internal user id")
	command.Flags().String("role", string(accounts.RoleAdmin), "Role to assign: user or admin")
	return command
}

func runSetRole(command *cobra.Command, arguments []string) error {
	userID, _ := command.Flags().GetString("user_id")
	roleName, _ := command.Flags().GetString("role")
	role := accounts.Role(roleName)
	if !role.Valid() {
		return configError(configCodeInvalidRole, fmt.Sprintf("role %q is not one of user, admin", roleName))
	}
	if userID == "" {
		return configError(configCodeMissingUserID, "user_id must be provided")
	}
	databaseURL := viper.GetString("database_url")
	if databaseURL == "" {
		return configError(configCodeMissingDatabaseURL, "set-role requires a persistent database_url")
	}

	logger, loggerErr := zap.NewProduction()
	if loggerErr != nil {
		return loggerErr
	}
	defer func() { _ = logger.Sync() }()

	ctx := command.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	store, closeStore, err := openUserStore(ctx, databaseURL, logger)
	if err != nil {
		return err
	}
	defer closeStore()
	if err := store.SetRole(ctx, userID, role); err != nil {
		return fmt.Errorf("set_role: %w", err)
	}
	logger.Info("role assigned", zap.String("user_id", userID), zap.String("role", string(role)))
	return nil
}

func zapLoggerMiddleware(logger *zap.Logger) gin.HandlerFunc {
	return func(contextGin *gin.Context) {
		startTime := time.Now()
		contextGin.Next()
		duration := time.Since(startTime)
		logger.Info("http",
			zap.String("method", contextGin.Request.Method),
			zap.String("path", contextGin.Request.URL.Path),
			zap.Int("status", contextGin.Writer.Status()),
			zap.String("ip", contextGin.ClientIP()),
			zap.String("request_id", authkit.RequestIDFromContext(contextGin)),
			zap.Duration("elapsed", duration),
		)
	}
}
