package sessionclient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tyemirov/communityauth/pkg/sessionvalidator"
)

type fakeAuthService struct {
	token         string
	revoked       atomic.Bool
	passwordCalls atomic.Int32
	logoutCalls   atomic.Int32
}

func writeError(writer http.ResponseWriter, status int, kind, code string) {
	writer.Header().Set("Content-Type", "application/json")
	writer.WriteHeader(status)
	_ = json.NewEncoder(writer).Encode(map[string]any{"error": map[string]string{"kind": kind, "code": code, "message": code}})
}

func writeJSON(writer http.ResponseWriter, payload any) {
	writer.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(writer).Encode(payload)
}

func (service *fakeAuthService) authorized(request *http.Request) bool {
	return !service.revoked.Load() && request.Header.Get("Authorization") == "Bearer "+service.token
}

func (service *fakeAuthService) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /auth/sync", func(writer http.ResponseWriter, request *http.Request) {
		var inbound SyncRequest
		_ = json.NewDecoder(request.Body).Decode(&inbound)
		if inbound.AccessToken != "valid-provider-token" {
			writeError(writer, http.StatusUnauthorized, "provider", "provider.invalid_token")
			return
		}
		writeJSON(writer, map[string]any{
			"user":       sampleProfile(),
			"token":      service.token,
			"expires_at": time.Now().Add(time.Hour).UTC().Format(time.RFC3339),
			"is_new":     true,
		})
	})
	mux.HandleFunc("POST /auth/password", func(writer http.ResponseWriter, request *http.Request) {
		service.passwordCalls.Add(1)
		if !service.authorized(request) {
			writeError(writer, http.StatusUnauthorized, "token", "session.validator.invalid_token")
			return
		}
		profile := sampleProfile()
		profile.HasPassword = true
		writeJSON(writer, map[string]any{"user": profile, "state": "COMPLETE"})
	})
	mux.HandleFunc("GET /api/me", func(writer http.ResponseWriter, request *http.Request) {
		if !service.authorized(request) {
			writeError(writer, http.StatusUnauthorized, "token", "session.validator.token_expired")
			return
		}
		profile := sampleProfile()
		profile.Name = "Ada Lovelace"
		writeJSON(writer, map[string]any{"user": profile, "stage": "complete"})
	})
	mux.HandleFunc("POST /auth/logout", func(writer http.ResponseWriter, _ *http.Request) {
		service.logoutCalls.Add(1)
		writer.WriteHeader(http.StatusNoContent)
	})
	return mux
}

func newTestClient(t *testing.T) (*Client, *fakeAuthService) {
	t.Helper()
	service := &fakeAuthService{token: mintToken(t, sessionvalidator.StageNeedsPassword, time.Now().Add(time.Hour))}
	server := httptest.NewServer(service.handler())
	t.Cleanup(server.Close)
	client, err := NewClient(ClientConfig{BaseURL: server.URL + "/", HTTPClient: server.Client(), Store: NewStore(NewMemoryBackend())})
	require.NoError(t, err)
	return client, service
}

func TestSyncSavesOnlyAfterSuccess(t *testing.T) {
	client, service := newTestClient(t)
	ctx := context.Background()

	_, err := client.Sync(ctx, SyncRequest{AccessToken: "forged"})
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	require.Equal(t, http.StatusUnauthorized, apiErr.Status)
	require.Equal(t, "provider.invalid_token", apiErr.Code)
	require.False(t, apiErr.IsTokenError())
	_, err = client.Store().Load(ctx)
	require.ErrorIs(t, err, ErrNoSession)

	result, err := client.Sync(ctx, SyncRequest{AccessToken: "valid-provider-token"})
	require.NoError(t, err)
	require.True(t, result.IsNew)
	require.Equal(t, service.token, result.Token)
	session, err := client.Store().Load(ctx)
	require.NoError(t, err)
	require.Equal(t, service.token, session.Token)
	require.Equal(t, sampleProfile(), session.Profile)
}

func TestFinalizePasswordChecksPolicyLocally(t *testing.T) {
	client, service := newTestClient(t)
	ctx := context.Background()
	_, err := client.Sync(ctx, SyncRequest{AccessToken: "valid-provider-token"})
	require.NoError(t, err)

	_, err = client.FinalizePassword(ctx, "abc", "")
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	require.Equal(t, CodePasswordTooShort, apiErr.Code)

	// Six bytes but three characters.
	_, err = client.FinalizePassword(ctx, "ééé", "")
	require.ErrorAs(t, err, &apiErr)
	require.Equal(t, CodePasswordTooShort, apiErr.Code)

	_, err = client.FinalizePassword(ctx, "correct-horse", "correct-horsf")
	require.ErrorAs(t, err, &apiErr)
	require.Equal(t, CodePasswordMismatch, apiErr.Code)
	require.Zero(t, service.passwordCalls.Load())

	profile, err := client.FinalizePassword(ctx, "correct-horse", "correct-horse")
	require.NoError(t, err)
	require.True(t, profile.HasPassword)
	session, err := client.Store().Load(ctx)
	require.NoError(t, err)
	require.True(t, session.Profile.HasPassword)
}

func TestFinalizePasswordWithoutSession(t *testing.T) {
	client, _ := newTestClient(t)
	_, err := client.FinalizePassword(context.Background(), "correct-horse", "")
	require.ErrorIs(t, err, ErrNoSession)
}

func TestTokenRejectionClearsStore(t *testing.T) {
	client, service := newTestClient(t)
	ctx := context.Background()
	_, err := client.Sync(ctx, SyncRequest{AccessToken: "valid-provider-token"})
	require.NoError(t, err)
	events, unsubscribe := client.Store().Subscribe()
	defer unsubscribe()

	profile, err := client.Me(ctx)
	require.NoError(t, err)
	require.Equal(t, "Ada Lovelace", profile.Name)
	require.Equal(t, "Ada Lovelace", (<-events).Profile.Name)

	service.revoked.Store(true)
	_, err = client.Me(ctx)
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	require.True(t, apiErr.IsTokenError())
	require.Nil(t, (<-events).Profile)
	_, err = client.Store().Load(ctx)
	require.ErrorIs(t, err, ErrNoSession)
}

func TestLogoutClearsStore(t *testing.T) {
	client, service := newTestClient(t)
	ctx := context.Background()
	_, err := client.Sync(ctx, SyncRequest{AccessToken: "valid-provider-token"})
	require.NoError(t, err)

	require.NoError(t, client.Logout(ctx))
	require.Equal(t, int32(1), service.logoutCalls.Load())
	_, err = client.Store().Load(ctx)
	require.ErrorIs(t, err, ErrNoSession)
}

func TestNewClientValidatesConfig(t *testing.T) {
	_, err := NewClient(ClientConfig{Store: NewStore(NewMemoryBackend())})
	require.Error(t, err)
	_, err = NewClient(ClientConfig{BaseURL: "http://localhost"})
	require.Error(t, err)
}
