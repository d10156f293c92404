package authkit

import (
	"net/http"
	"time"
)

// ServerConfig configures issuance, cookies, and the redirect flow.
type ServerConfig struct {
	IdentityProvider   string
	AppJWTSigningKey   []byte
	AppJWTIssuer       string
	CookieDomain       string
	SessionCookieName  string
	VerifierCookieName string
	SessionTTL         time.Duration
	NonceTTL           time.Duration
	ProviderTimeout    time.Duration
	SameSiteMode       http.SameSite
	AllowInsecureHTTP  bool
	OAuthRedirectURL   string
	PostLoginURL       string
	LoginURL           string
	PasswordMinLength  int
}

// Defaults applied by the server command when a value is unset.
const (
	DefaultSessionTTL         = 7 * 24 * time.Hour
	DefaultNonceTTL           = 5 * time.Minute
	DefaultProviderTimeout    = 10 * time.Second
	DefaultSessionCookieName  = "app_session"
	DefaultVerifierCookieName = "app_pkce"
)

func (configuration ServerConfig) providerTimeout() time.Duration {
	if configuration.ProviderTimeout <= 0 {
		return DefaultProviderTimeout
	}
	return configuration.ProviderTimeout
}

func (configuration ServerConfig) verifierCookieName() string {
	if configuration.VerifierCookieName == "" {
		return DefaultVerifierCookieName
	}
	return configuration.VerifierCookieName
}

func (configuration ServerConfig) sessionCookieName() string {
	if configuration.SessionCookieName == "" {
		return DefaultSessionCookieName
	}
	return configuration.SessionCookieName
}
