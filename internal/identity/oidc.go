package identity

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"
)

const defaultOIDCAvatarURL = "https://www.gravatar.com/avatar/?d=mp"

// OIDCConfig configures a generic OpenID Connect provider.
type OIDCConfig struct {
	IssuerURL        string
	ClientID         string
	ClientSecret     string
	RedirectURL      string
	DefaultAvatarURL string
}

// OIDCAdapter exchanges authorization codes and verifies the returned ID token.
type OIDCAdapter struct {
	oauthConfig      *oauth2.Config
	verifier         *oidc.IDTokenVerifier
	defaultAvatarURL string
}

type oidcClaims struct {
	Subject           string `json:"sub"`
	Email             string `json:"email"`
	EmailVerified     bool   `json:"email_verified"`
	Name              string `json:"name"`
	Picture           string `json:"picture"`
	PreferredUsername string `json:"preferred_username"`
}

// NewOIDCAdapter discovers the provider and builds the adapter.
func NewOIDCAdapter(ctx context.Context, configuration OIDCConfig) (*OIDCAdapter, error) {
	if configuration.IssuerURL == "" || configuration.ClientID == "" || configuration.ClientSecret == "" || configuration.RedirectURL == "" {
		return nil, errors.New("identity.oidc: issuer, client id, client secret, and redirect url are required")
	}
	defaultAvatarURL := configuration.DefaultAvatarURL
	if defaultAvatarURL == "" {
		defaultAvatarURL = defaultOIDCAvatarURL
	}
	provider, err := oidc.NewProvider(ctx, configuration.IssuerURL)
	if err != nil {
		return nil, fmt.Errorf("identity.oidc.discovery: %w", err)
	}
	return &OIDCAdapter{
		oauthConfig: &oauth2.Config{
			ClientID:     configuration.ClientID,
			ClientSecret: configuration.ClientSecret,
			RedirectURL:  configuration.RedirectURL,
			Endpoint:     provider.Endpoint(),
			Scopes:       []string{oidc.ScopeOpenID, "profile", "email"},
		},
		verifier:         provider.Verifier(&oidc.Config{ClientID: configuration.ClientID}),
		defaultAvatarURL: defaultAvatarURL,
	}, nil
}

// Name returns "oidc".
func (adapter *OIDCAdapter) Name() string {
	return ProviderOIDC
}

// SupportsRedirect is true.
func (adapter *OIDCAdapter) SupportsRedirect() bool {
	return true
}

// AuthCodeURL builds the authorization URL with PKCE parameters.
func (adapter *OIDCAdapter) AuthCodeURL(state string, codeChallenge string) string {
	return adapter.oauthConfig.AuthCodeURL(
		state,
		oauth2.AccessTypeOnline,
		oauth2.SetAuthURLParam("code_challenge", codeChallenge),
		oauth2.SetAuthURLParam("code_challenge_method", "S256"),
	)
}

// CompleteHandshake accepts an authorization code (preferred) or a raw ID token.
func (adapter *OIDCAdapter) CompleteHandshake(ctx context.Context, handshake Handshake) (Assertion, error) {
	rawIDToken := strings.TrimSpace(handshake.IDToken)
	if strings.TrimSpace(handshake.Code) != "" {
		options := []oauth2.AuthCodeOption{}
		if handshake.CodeVerifier != "" {
			options = append(options, oauth2.VerifierOption(handshake.CodeVerifier))
		}
		token, err := adapter.oauthConfig.Exchange(ctx, handshake.Code, options...)
		if err != nil {
			return Assertion{}, newProviderError(CodeExchangeFailed, "oidc code exchange failed", err)
		}
		extra, ok := token.Extra("id_token").(string)
		if !ok || extra == "" {
			return Assertion{}, newProviderError(CodeExchangeFailed, "oidc provider returned no id_token", nil)
		}
		rawIDToken = extra
	}
	if rawIDToken == "" {
		return Assertion{}, newProviderError(CodeMissingSession, "no authorization code or id token supplied", nil)
	}

	idToken, err := adapter.verifier.Verify(ctx, rawIDToken)
	if err != nil {
		return Assertion{}, newProviderError(CodeInvalidToken, "oidc id token verification failed", err)
	}
	var claims oidcClaims
	if err := idToken.Claims(&claims); err != nil {
		return Assertion{}, newProviderError(CodeInvalidToken, "oidc id token claims could not be parsed", err)
	}
	if claims.Subject == "" || claims.Email == "" {
		return Assertion{}, newProviderError(CodeIncompleteIdentity, "oidc id token missing subject or email", nil)
	}
	if !claims.EmailVerified {
		return Assertion{}, newProviderError(CodeUnverifiedEmail, "oidc email is not verified", nil)
	}

	return finalize(Assertion{
		Provider:         ProviderOIDC,
		ExternalID:       claims.Subject,
		Email:            claims.Email,
		DisplayName:      claims.Name,
		AvatarURL:        claims.Picture,
		ExternalUsername: claims.PreferredUsername,
	}, adapter.defaultAvatarURL)
}
