package sessionclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"
)

// DefaultPasswordMinLength matches the server default.
const DefaultPasswordMinLength = 6

// Policy codes checked locally before any network call.
const (
	CodePasswordTooShort = "policy.too_short"
	CodePasswordMismatch = "policy.mismatch"
)

// APIError is the decoded error body of a failed call. Status is zero for errors
// raised locally.
type APIError struct {
	Status  int    `json:"-"`
	Kind    string `json:"kind"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (apiError *APIError) Error() string {
	if apiError.Message == "" {
		return apiError.Code
	}
	return apiError.Code + ": " + apiError.Message
}

// IsTokenError reports whether the server rejected the session token.
func (apiError *APIError) IsTokenError() bool {
	return apiError.Status == http.StatusUnauthorized && apiError.Kind == "token"
}

// SyncRequest carries one provider proof.
type SyncRequest struct {
	AccessToken  string `json:"access_token,omitempty"`
	IDToken      string `json:"id_token,omitempty"`
	Code         string `json:"code,omitempty"`
	CodeVerifier string `json:"code_verifier,omitempty"`
	RedirectURI  string `json:"redirect_uri,omitempty"`
}

// SyncResult is the outcome of a successful sync.
type SyncResult struct {
	Profile   Profile
	Token     string
	ExpiresAt time.Time
	IsNew     bool
}

// ClientConfig configures a Client.
type ClientConfig struct {
	BaseURL           string
	HTTPClient        *http.Client
	Store             *Store
	PasswordMinLength int
}

// Client calls the auth service and keeps the session store in step with it.
type Client struct {
	baseURL           string
	httpClient        *http.Client
	store             *Store
	passwordMinLength int
}

// NewClient validates the configuration.
func NewClient(config ClientConfig) (*Client, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(config.BaseURL), "/")
	if baseURL == "" {
		return nil, errors.New("session_client.config: base url required")
	}
	if config.Store == nil {
		return nil, errors.New("session_client.config: store required")
	}
	httpClient := config.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	minLength := config.PasswordMinLength
	if minLength <= 0 {
		minLength = DefaultPasswordMinLength
	}
	return &Client{baseURL: baseURL, httpClient: httpClient, store: config.Store, passwordMinLength: minLength}, nil
}

// Store exposes the underlying session store.
func (client *Client) Store() *Store {
	return client.store
}

type syncResponse struct {
	User      Profile `json:"user"`
	Token     string  `json:"token"`
	ExpiresAt string  `json:"expires_at"`
	IsNew     bool    `json:"is_new"`
}

// Sync exchanges a provider proof for a session. The store is written only after the
// server reports success.
func (client *Client) Sync(ctx context.Context, request SyncRequest) (SyncResult, error) {
	var response syncResponse
	if err := client.do(ctx, http.MethodPost, "/auth/sync", "", request, &response); err != nil {
		return SyncResult{}, err
	}
	expiresAt, err := time.Parse(time.RFC3339, response.ExpiresAt)
	if err != nil {
		return SyncResult{}, fmt.Errorf("session_client.sync: expires_at: %w", err)
	}
	if err := client.store.Save(ctx, response.Token, response.User); err != nil {
		return SyncResult{}, err
	}
	return SyncResult{Profile: response.User, Token: response.Token, ExpiresAt: expiresAt, IsNew: response.IsNew}, nil
}

type passwordResponse struct {
	User  Profile `json:"user"`
	State string  `json:"state"`
}

// FinalizePassword sets the first password for the stored session and re-saves the
// refreshed profile. An empty confirmation skips the mismatch check.
func (client *Client) FinalizePassword(ctx context.Context, newPassword, confirmation string) (Profile, error) {
	if utf8.RuneCountInString(newPassword) < client.passwordMinLength {
		return Profile{}, &APIError{Kind: "policy", Code: CodePasswordTooShort,
			Message: fmt.Sprintf("password must be at least %d characters", client.passwordMinLength)}
	}
	if confirmation != "" && confirmation != newPassword {
		return Profile{}, &APIError{Kind: "policy", Code: CodePasswordMismatch, Message: "passwords do not match"}
	}
	session, err := client.store.Load(ctx)
	if err != nil {
		return Profile{}, err
	}
	body := map[string]string{"new_password": newPassword}
	if confirmation != "" {
		body["confirmation"] = confirmation
	}
	var response passwordResponse
	if err := client.authorized(ctx, http.MethodPost, "/auth/password", session.Token, body, &response); err != nil {
		return Profile{}, err
	}
	if err := client.store.Save(ctx, session.Token, response.User); err != nil {
		return Profile{}, err
	}
	return response.User, nil
}

type meResponse struct {
	User Profile `json:"user"`
}

// Me fetches the current profile and refreshes the stored copy.
func (client *Client) Me(ctx context.Context) (Profile, error) {
	session, err := client.store.Load(ctx)
	if err != nil {
		return Profile{}, err
	}
	var response meResponse
	if err := client.authorized(ctx, http.MethodGet, "/api/me", session.Token, nil, &response); err != nil {
		return Profile{}, err
	}
	if err := client.store.Save(ctx, session.Token, response.User); err != nil {
		return Profile{}, err
	}
	return response.User, nil
}

// Logout tells the server and clears the local session even when the call fails.
func (client *Client) Logout(ctx context.Context) error {
	token := ""
	if session, err := client.store.Load(ctx); err == nil {
		token = session.Token
	}
	callErr := client.do(ctx, http.MethodPost, "/auth/logout", token, nil, nil)
	if err := client.store.Clear(ctx); err != nil {
		return err
	}
	return callErr
}

func (client *Client) authorized(ctx context.Context, method, path, token string, body, target any) error {
	err := client.do(ctx, method, path, token, body, target)
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.IsTokenError() {
		if clearErr := client.store.Clear(ctx); clearErr != nil {
			return errors.Join(err, clearErr)
		}
	}
	return err
}

func (client *Client) do(ctx context.Context, method, path, token string, body, target any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("session_client.encode: %w", err)
		}
		reader = bytes.NewReader(payload)
	}
	request, err := http.NewRequestWithContext(ctx, method, client.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("session_client.request: %w", err)
	}
	request.Header.Set("Accept", "application/json")
	if body != nil {
		request.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		request.Header.Set("Authorization", "Bearer "+token)
	}
	response, err := client.httpClient.Do(request)
	if err != nil {
		return fmt.Errorf("session_client.transport: %w", err)
	}
	defer response.Body.Close()

	if response.StatusCode < 200 || response.StatusCode > 299 {
		var envelope struct {
			Error APIError `json:"error"`
		}
		_ = json.NewDecoder(io.LimitReader(response.Body, 1<<16)).Decode(&envelope)
		apiErr := envelope.Error
		apiErr.Status = response.StatusCode
		if apiErr.Code == "" {
			apiErr.Code = fmt.Sprintf("http.%d", response.StatusCode)
		}
		return &apiErr
	}
	if target == nil || response.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(response.Body).Decode(target); err != nil {
		return fmt.Errorf("session_client.decode: %w", err)
	}
	return nil
}
