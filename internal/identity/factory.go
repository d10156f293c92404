package identity

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Config selects and configures the single provider of a deployment.
type Config struct {
	Provider     string
	ClientID     string
	ClientSecret string
	RedirectURL  string
	IssuerURL    string
}

// ErrUnknownProvider is returned for provider names New does not support.
var ErrUnknownProvider = errors.New("identity.unknown_provider")

// New builds the adapter named by configuration.Provider. The Google validator is only
// consulted for the google provider and may be nil otherwise.
func New(ctx context.Context, configuration Config, googleValidator GoogleTokenValidator) (Adapter, error) {
	switch strings.ToLower(strings.TrimSpace(configuration.Provider)) {
	case ProviderGitHub, "":
		return NewGitHubAdapter(GitHubConfig{
			ClientID:     configuration.ClientID,
			ClientSecret: configuration.ClientSecret,
			RedirectURL:  configuration.RedirectURL,
		})
	case ProviderGoogle:
		if googleValidator == nil {
			validator, err := NewGoogleTokenValidator(ctx)
			if err != nil {
				return nil, fmt.Errorf("identity.google.validator: %w", err)
			}
			googleValidator = validator
		}
		return NewGoogleAdapter(configuration.ClientID, googleValidator)
	case ProviderOIDC:
		return NewOIDCAdapter(ctx, OIDCConfig{
			IssuerURL:    configuration.IssuerURL,
			ClientID:     configuration.ClientID,
			ClientSecret: configuration.ClientSecret,
			RedirectURL:  configuration.RedirectURL,
		})
	default:
		return nil, fmt.Errorf("identity.new.%s: %w", configuration.Provider, ErrUnknownProvider)
	}
}
