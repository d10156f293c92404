package identity

import (
	"context"
	"errors"
	"strings"

	"google.golang.org/api/idtoken"
)

const defaultGoogleAvatarURL = "https://lh3.googleusercontent.com/a/default-user"

// GoogleTokenValidator validates Google ID tokens; *idtoken.Validator satisfies it.
type GoogleTokenValidator interface {
	Validate(ctx context.Context, token string, audience string) (*idtoken.Payload, error)
}

// NewGoogleTokenValidator builds the production validator backed by Google's JWKS.
func NewGoogleTokenValidator(ctx context.Context) (GoogleTokenValidator, error) {
	return idtoken.NewValidator(ctx)
}

// GoogleAdapter verifies Google Sign-In ID tokens.
type GoogleAdapter struct {
	clientID  string
	validator GoogleTokenValidator
}

// NewGoogleAdapter builds the adapter for the given web client id.
func NewGoogleAdapter(clientID string, validator GoogleTokenValidator) (*GoogleAdapter, error) {
	if strings.TrimSpace(clientID) == "" {
		return nil, errors.New("identity.google: client id is required")
	}
	if validator == nil {
		return nil, errors.New("identity.google: token validator is required")
	}
	return &GoogleAdapter{clientID: clientID, validator: validator}, nil
}

// Name returns "google".
func (adapter *GoogleAdapter) Name() string {
	return ProviderGoogle
}

// SupportsRedirect is false: Google Sign-In posts the ID token directly.
func (adapter *GoogleAdapter) SupportsRedirect() bool {
	return false
}

// AuthCodeURL is unused for Google Sign-In.
func (adapter *GoogleAdapter) AuthCodeURL(state string, codeChallenge string) string {
	return ""
}

// CompleteHandshake validates the ID token audience, issuer, and verified email.
func (adapter *GoogleAdapter) CompleteHandshake(ctx context.Context, handshake Handshake) (Assertion, error) {
	if strings.TrimSpace(handshake.IDToken) == "" {
		return Assertion{}, newProviderError(CodeMissingSession, "no google id token supplied", nil)
	}
	payload, err := adapter.validator.Validate(ctx, handshake.IDToken, adapter.clientID)
	if err != nil {
		return Assertion{}, newProviderError(CodeInvalidToken, "google id token rejected", err)
	}
	issuer, _ := payload.Claims["iss"].(string)
	if issuer != "https://accounts.google.com" && issuer != "accounts.google.com" {
		return Assertion{}, newProviderError(CodeInvalidToken, "google id token has an unexpected issuer", nil)
	}
	subject, _ := payload.Claims["sub"].(string)
	email, _ := payload.Claims["email"].(string)
	emailVerified, _ := payload.Claims["email_verified"].(bool)
	name, _ := payload.Claims["name"].(string)
	picture, _ := payload.Claims["picture"].(string)

	if subject == "" || email == "" {
		return Assertion{}, newProviderError(CodeIncompleteIdentity, "google id token missing subject or email", nil)
	}
	if !emailVerified {
		return Assertion{}, newProviderError(CodeUnverifiedEmail, "google email is not verified", nil)
	}

	return finalize(Assertion{
		Provider:    ProviderGoogle,
		ExternalID:  subject,
		Email:       email,
		DisplayName: name,
		AvatarURL:   picture,
	}, defaultGoogleAvatarURL)
}
