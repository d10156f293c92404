package identity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/github"
)

const defaultGitHubAPIBaseURL = "https://api.github.com"

// GitHubConfig configures the GitHub adapter.
type GitHubConfig struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string
	Scopes       []string
	// APIBaseURL overrides https://api.github.com; Endpoint overrides the OAuth endpoints.
	APIBaseURL string
	Endpoint   *oauth2.Endpoint
	HTTPClient *http.Client
}

// GitHubAdapter completes GitHub OAuth handshakes. GitHub issues no ID token, so the
// identity comes from the REST API called with the exchanged access token.
type GitHubAdapter struct {
	oauthConfig *oauth2.Config
	apiBaseURL  string
	httpClient  *http.Client
}

type gitHubUser struct {
	ID        int64  `json:"id"`
	Login     string `json:"login"`
	Name      string `json:"name"`
	Email     string `json:"email"`
	AvatarURL string `json:"avatar_url"`
}

type gitHubEmail struct {
	Email    string `json:"email"`
	Primary  bool   `json:"primary"`
	Verified bool   `json:"verified"`
}

// NewGitHubAdapter validates the configuration and builds the adapter.
func NewGitHubAdapter(configuration GitHubConfig) (*GitHubAdapter, error) {
	if configuration.ClientID == "" || configuration.ClientSecret == "" {
		return nil, errors.New("identity.github: client id and secret are required")
	}
	scopes := configuration.Scopes
	if len(scopes) == 0 {
		scopes = []string{"read:user", "user:email"}
	}
	endpoint := github.Endpoint
	if configuration.Endpoint != nil {
		endpoint = *configuration.Endpoint
	}
	apiBaseURL := strings.TrimRight(configuration.APIBaseURL, "/")
	if apiBaseURL == "" {
		apiBaseURL = defaultGitHubAPIBaseURL
	}
	httpClient := configuration.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &GitHubAdapter{
		oauthConfig: &oauth2.Config{
			ClientID:     configuration.ClientID,
			ClientSecret: configuration.ClientSecret,
			RedirectURL:  configuration.RedirectURL,
			Endpoint:     endpoint,
			Scopes:       scopes,
		},
		apiBaseURL: apiBaseURL,
		httpClient: httpClient,
	}, nil
}

// Name returns "github".
func (adapter *GitHubAdapter) Name() string {
	return ProviderGitHub
}

// SupportsRedirect is true.
func (adapter *GitHubAdapter) SupportsRedirect() bool {
	return true
}

// AuthCodeURL builds the authorization URL with an S256 PKCE challenge.
func (adapter *GitHubAdapter) AuthCodeURL(state string, codeChallenge string) string {
	return adapter.oauthConfig.AuthCodeURL(
		state,
		oauth2.SetAuthURLParam("code_challenge", codeChallenge),
		oauth2.SetAuthURLParam("code_challenge_method", "S256"),
		oauth2.SetAuthURLParam("allow_signup", "true"),
	)
}

// CompleteHandshake accepts either an authorization code or an access token.
func (adapter *GitHubAdapter) CompleteHandshake(ctx context.Context, handshake Handshake) (Assertion, error) {
	accessToken := strings.TrimSpace(handshake.AccessToken)
	if accessToken == "" {
		if strings.TrimSpace(handshake.Code) == "" {
			return Assertion{}, newProviderError(CodeMissingSession, "no authorization code or access token supplied", nil)
		}
		exchanged, err := adapter.exchange(ctx, handshake)
		if err != nil {
			return Assertion{}, err
		}
		accessToken = exchanged
	}

	var user gitHubUser
	if err := adapter.getJSON(ctx, accessToken, "/user", &user); err != nil {
		return Assertion{}, err
	}
	if user.ID == 0 || user.Login == "" {
		return Assertion{}, newProviderError(CodeIncompleteIdentity, "github user payload missing id or login", nil)
	}

	email, err := adapter.verifiedEmail(ctx, accessToken, user.Email)
	if err != nil {
		return Assertion{}, err
	}

	return finalize(Assertion{
		Provider:         ProviderGitHub,
		ExternalID:       strconv.FormatInt(user.ID, 10),
		Email:            email,
		DisplayName:      strings.TrimSpace(user.Name),
		AvatarURL:        user.AvatarURL,
		ExternalUsername: user.Login,
	}, fmt.Sprintf("https://avatars.githubusercontent.com/u/%d", user.ID))
}

func (adapter *GitHubAdapter) exchange(ctx context.Context, handshake Handshake) (string, error) {
	options := []oauth2.AuthCodeOption{}
	if handshake.CodeVerifier != "" {
		options = append(options, oauth2.VerifierOption(handshake.CodeVerifier))
	}
	if handshake.RedirectURI != "" {
		options = append(options, oauth2.SetAuthURLParam("redirect_uri", handshake.RedirectURI))
	}
	exchangeCtx := context.WithValue(ctx, oauth2.HTTPClient, adapter.httpClient)
	token, err := adapter.oauthConfig.Exchange(exchangeCtx, handshake.Code, options...)
	if err != nil {
		return "", newProviderError(CodeExchangeFailed, "github code exchange failed", err)
	}
	if token.AccessToken == "" {
		return "", newProviderError(CodeExchangeFailed, "github returned no access token", nil)
	}
	return token.AccessToken, nil
}

// verifiedEmail prefers the primary verified address, then any verified one. The public
// profile email is used only when the emails endpoint is not available to the token.
func (adapter *GitHubAdapter) verifiedEmail(ctx context.Context, accessToken string, profileEmail string) (string, error) {
	var emails []gitHubEmail
	if err := adapter.getJSON(ctx, accessToken, "/user/emails", &emails); err != nil {
		var providerError *ProviderError
		if profileEmail != "" && errors.As(err, &providerError) && providerError.Code == CodeProfileFailed {
			return profileEmail, nil
		}
		return "", err
	}
	for _, candidate := range emails {
		if candidate.Primary && candidate.Verified {
			return candidate.Email, nil
		}
	}
	for _, candidate := range emails {
		if candidate.Verified {
			return candidate.Email, nil
		}
	}
	return "", newProviderError(CodeUnverifiedEmail, "github account has no verified email", nil)
}

func (adapter *GitHubAdapter) getJSON(ctx context.Context, accessToken string, path string, target any) error {
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, adapter.apiBaseURL+path, nil)
	if err != nil {
		return newProviderError(CodeProfileFailed, "github request build failed", err)
	}
	request.Header.Set("Authorization", "Bearer "+accessToken)
	request.Header.Set("Accept", "application/vnd.github+json")

	response, err := adapter.httpClient.Do(request)
	if err != nil {
		return newProviderError(CodeProfileFailed, "github api unreachable", err)
	}
	defer func() { _ = response.Body.Close() }()

	switch {
	case response.StatusCode == http.StatusUnauthorized:
		return newProviderError(CodeInvalidToken, "github rejected the access token", nil)
	case response.StatusCode != http.StatusOK:
		return newProviderError(CodeProfileFailed, fmt.Sprintf("github api %s returned status %d", path, response.StatusCode), nil)
	}
	if err := json.NewDecoder(response.Body).Decode(target); err != nil {
		return newProviderError(CodeProfileFailed, "github api payload could not be decoded", err)
	}
	return nil
}
