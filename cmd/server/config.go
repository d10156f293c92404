package main

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/tyemirov/communityauth/internal/authkit"
	"github.com/tyemirov/communityauth/internal/identity"
)

const (
	defaultJWTIssuer         = "communityauth"
	defaultPasswordMinLength = 6
	defaultStoreTimeout      = 5 * time.Second

	configCodeMissingJWTSigningKey    = "config.missing_jwt_signing_key"
	configCodeMissingOAuthClientID    = "config.missing_oauth_client_id"
	configCodeMissingOIDCIssuerURL    = "config.missing_oidc_issuer_url"
	configCodeInvalidIdentityProvider = "config.invalid_identity_provider"
	configCodeInvalidSessionTTL       = "config.invalid_session_ttl"
	configCodeInvalidPasswordLength   = "config.invalid_password_min_length"
	configCodeUninitializedServerConf = "config.uninitialized_server_config"
	configCodeAdapterInit             = "config.identity_adapter_init"
	configCodeEnvFile                 = "config.env_file"
	configCodeMissingDatabaseURL      = "config.missing_database_url"
	configCodeInvalidRole             = "config.invalid_role"
	configCodeMissingUserID           = "config.missing_user_id"
)

type contextKey string

const serverConfigContextKey contextKey = "serverConfig"

func configError(code, message string) error {
	return fmt.Errorf("%s: %s", code, message)
}

// loadEnvFile applies --env_file before any value is read. Variables already in the
// environment win.
func loadEnvFile(command *cobra.Command, _ []string) error {
	path, _ := command.Flags().GetString("env_file")
	if strings.TrimSpace(path) == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return configError(configCodeEnvFile, err.Error())
	}
	return nil
}

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

func LoadServerConfig() (authkit.ServerConfig, error) {
	jwtSigningKey := viper.GetString("jwt_signing_key")
	if jwtSigningKey == "" {
		return authkit.ServerConfig{}, configError(configCodeMissingJWTSigningKey, "jwt_signing_key must be provided")
	}

	provider := strings.ToLower(strings.TrimSpace(viper.GetString("identity_provider")))
	if provider == "" {
		provider = identity.ProviderGitHub
	}
	switch provider {
	case identity.ProviderGitHub, identity.ProviderGoogle, identity.ProviderOIDC:
	default:
		return authkit.ServerConfig{}, configError(configCodeInvalidIdentityProvider, fmt.Sprintf("identity_provider %q is not one of github, google, oidc", provider))
	}

	if viper.GetString("oauth_client_id") == "" {
		return authkit.ServerConfig{}, configError(configCodeMissingOAuthClientID, "oauth_client_id must be provided")
	}
	if provider == identity.ProviderOIDC && viper.GetString("oidc_issuer_url") == "" {
		return authkit.ServerConfig{}, configError(configCodeMissingOIDCIssuerURL, "oidc_issuer_url must be provided for the oidc provider")
	}

	sessionTTL := viper.GetDuration("session_ttl")
	if sessionTTL <= 0 {
		return authkit.ServerConfig{}, configError(configCodeInvalidSessionTTL, "session_ttl must be greater than zero")
	}

	passwordMinLength := viper.GetInt("password_min_length")
	if passwordMinLength < 0 {
		return authkit.ServerConfig{}, configError(configCodeInvalidPasswordLength, "password_min_length must be at least 1")
	}
	if passwordMinLength == 0 {
		passwordMinLength = defaultPasswordMinLength
	}

	nonceTTL := authkit.DefaultNonceTTL
	if configuredNonceTTL := viper.GetDuration("nonce_ttl"); configuredNonceTTL > 0 {
		nonceTTL = configuredNonceTTL
	}
	providerTimeout := authkit.DefaultProviderTimeout
	if configuredTimeout := viper.GetDuration("provider_timeout"); configuredTimeout > 0 {
		providerTimeout = configuredTimeout
	}
	issuer := viper.GetString("jwt_issuer")
	if issuer == "" {
		issuer = defaultJWTIssuer
	}

	sameSite := http.SameSiteStrictMode
	if viper.GetBool("enable_cors") {
		sameSite = http.SameSiteNoneMode
	}

	return authkit.ServerConfig{
		IdentityProvider:   provider,
		AppJWTSigningKey:   []byte(jwtSigningKey),
		AppJWTIssuer:       issuer,
		CookieDomain:       viper.GetString("cookie_domain"),
		SessionCookieName:  authkit.DefaultSessionCookieName,
		VerifierCookieName: authkit.DefaultVerifierCookieName,
		SessionTTL:         sessionTTL,
		NonceTTL:           nonceTTL,
		ProviderTimeout:    providerTimeout,
		SameSiteMode:       sameSite,
		AllowInsecureHTTP:  viper.GetBool("dev_insecure_http"),
		OAuthRedirectURL:   viper.GetString("oauth_redirect_url"),
		PostLoginURL:       viper.GetString("post_login_url"),
		LoginURL:           viper.GetString("login_url"),
		PasswordMinLength:  passwordMinLength,
	}, nil
}

func identityConfig(serverConfig authkit.ServerConfig) identity.Config {
	return identity.Config{
		Provider:     serverConfig.IdentityProvider,
		ClientID:     viper.GetString("oauth_client_id"),
		ClientSecret: viper.GetString("oauth_client_secret"),
		RedirectURL:  serverConfig.OAuthRedirectURL,
		IssuerURL:    viper.GetString("oidc_issuer_url"),
	}
}
