// Package identity turns a completed provider handshake into a verified identity assertion.
// Adapters return identity facts only; they never create users or issue sessions.
package identity

import "context"

// Provider names accepted by New.
const (
	ProviderGitHub = "github"
	ProviderGoogle = "google"
	ProviderOIDC   = "oidc"
)

// Assertion is the provider-verified identity produced by one handshake. ExternalUsername
// is set only when the provider has a native login; Provider and ExternalID together are
// the stable key.
type Assertion struct {
	Provider         string
	ExternalID       string
	Email            string
	DisplayName      string
	AvatarURL        string
	ExternalUsername string
}

// Handshake carries whatever the provider redirect or the client supplied.
// Adapters use the fields that apply to them and ignore the rest.
type Handshake struct {
	Code         string
	CodeVerifier string
	RedirectURI  string
	AccessToken  string
	IDToken      string
}

// Adapter bridges one external identity provider.
type Adapter interface {
	// Name returns the provider identifier, e.g. "github".
	Name() string
	// SupportsRedirect reports whether AuthCodeURL can start a browser redirect flow.
	SupportsRedirect() bool
	// AuthCodeURL returns the provider authorization URL for the redirect flow.
	AuthCodeURL(state string, codeChallenge string) string
	// CompleteHandshake verifies the handshake with the provider and returns the assertion.
	CompleteHandshake(ctx context.Context, handshake Handshake) (Assertion, error)
}

func (assertion Assertion) complete() bool {
	return assertion.ExternalID != "" &&
		assertion.Email != "" &&
		assertion.DisplayName != "" &&
		assertion.AvatarURL != ""
}

// finalize fills the display fields and rejects partial assertions. The email local part
// only ever becomes a display name, never a username.
func finalize(assertion Assertion, defaultAvatarURL string) (Assertion, error) {
	if assertion.DisplayName == "" {
		assertion.DisplayName = assertion.ExternalUsername
	}
	if assertion.DisplayName == "" {
		assertion.DisplayName = emailLocalPart(assertion.Email)
	}
	if assertion.AvatarURL == "" {
		assertion.AvatarURL = defaultAvatarURL
	}
	if !assertion.complete() {
		return Assertion{}, newProviderError(CodeIncompleteIdentity, "provider returned an incomplete identity", nil)
	}
	return assertion, nil
}

func emailLocalPart(email string) string {
	for index := 0; index < len(email); index++ {
		if email[index] == '@' {
			return email[:index]
		}
	}
	return email
}
