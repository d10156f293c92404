package authkit

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap/zaptest"
	"golang.org/x/crypto/bcrypt"

	"github.com/tyemirov/communityauth/internal/accounts"
	"github.com/tyemirov/communityauth/internal/identity"
	"github.com/tyemirov/communityauth/pkg/sessionvalidator"
)

const (
	testSigningKey = "test-signing-key"
	testIssuer     = "communityauth-test"
)

type stubAdapter struct {
	mutex      sync.Mutex
	assertion  identity.Assertion
	err        error
	authURL    string
	handshakes []identity.Handshake
}

func (adapter *stubAdapter) Name() string {
	return "stub"
}

func (adapter *stubAdapter) SupportsRedirect() bool {
	return adapter.authURL != ""
}

func (adapter *stubAdapter) AuthCodeURL(state string, codeChallenge string) string {
	if adapter.authURL == "" {
		return ""
	}
	return adapter.authURL + "?state=" + state + "&code_challenge=" + codeChallenge
}

func (adapter *stubAdapter) CompleteHandshake(ctx context.Context, handshake identity.Handshake) (identity.Assertion, error) {
	adapter.mutex.Lock()
	defer adapter.mutex.Unlock()
	adapter.handshakes = append(adapter.handshakes, handshake)
	return adapter.assertion, adapter.err
}

func (adapter *stubAdapter) lastHandshake() identity.Handshake {
	adapter.mutex.Lock()
	defer adapter.mutex.Unlock()
	if len(adapter.handshakes) == 0 {
		return identity.Handshake{}
	}
	return adapter.handshakes[len(adapter.handshakes)-1]
}

type stubReconciler struct {
	err error
}

func (reconciler stubReconciler) Reconcile(context.Context, identity.Assertion) (accounts.Resolution, error) {
	return accounts.Resolution{}, reconciler.err
}

type testHarness struct {
	router        *gin.Engine
	configuration ServerConfig
	dependencies  AuthDependencies
	adapter       *stubAdapter
	store         *accounts.MemoryUserStore
	metrics       *CounterMetrics
}

func defaultAssertion() identity.Assertion {
	return identity.Assertion{
		Provider:         identity.ProviderGitHub,
		ExternalID:       "1001",
		Email:            "builder@example.com",
		DisplayName:      "Builder",
		AvatarURL:        "https://avatars.example/builder.png",
		ExternalUsername: "builder",
	}
}

func newTestServerConfig() ServerConfig {
	return ServerConfig{
		IdentityProvider:  "stub",
		AppJWTSigningKey:  []byte(testSigningKey),
		AppJWTIssuer:      testIssuer,
		SessionCookieName: "app_session",
		SessionTTL:        time.Hour,
		NonceTTL:          time.Minute,
		SameSiteMode:      http.SameSiteStrictMode,
		AllowInsecureHTTP: true,
		OAuthRedirectURL:  "https://auth.example/auth/callback",
		PostLoginURL:      "https://community.example/welcome",
		LoginURL:          "https://community.example/login",
		PasswordMinLength: 6,
	}
}

func newTestHarness(t *testing.T, mutate func(*ServerConfig, *AuthDependencies)) *testHarness {
	t.Helper()
	gin.SetMode(gin.TestMode)

	configuration := newTestServerConfig()
	store := accounts.NewMemoryUserStore()
	metrics := NewCounterMetrics()
	logger := zaptest.NewLogger(t)
	adapter := &stubAdapter{assertion: defaultAssertion(), authURL: "https://provider.example/authorize"}
	validator, err := sessionvalidator.New(sessionvalidator.Config{
		SigningKey: configuration.AppJWTSigningKey,
		Issuer:     configuration.AppJWTIssuer,
		CookieName: configuration.SessionCookieName,
	})
	if err != nil {
		t.Fatalf("validator: %v", err)
	}
	dependencies := AuthDependencies{
		Adapter:    adapter,
		Reconciler: accounts.NewReconciler(accounts.ReconcilerConfig{Store: store, Metrics: metrics, Logger: logger}),
		Finalizer: accounts.NewFinalizer(accounts.FinalizerConfig{
			Store:     store,
			Hasher:    accounts.BcryptHasher{Cost: bcrypt.MinCost},
			MinLength: configuration.PasswordMinLength,
			Logger:    logger,
		}),
		Issuer: Issuer{
			SigningKey: configuration.AppJWTSigningKey,
			IssuerName: configuration.AppJWTIssuer,
			TTL:        configuration.SessionTTL,
			Clock:      NewSystemClock(),
		},
		Validator: validator,
		Nonces:    NewMemoryNonceStore(configuration.NonceTTL),
		Metrics:   metrics,
		Logger:    logger,
	}
	if mutate != nil {
		mutate(&configuration, &dependencies)
	}

	router := gin.New()
	router.Use(RequestID())
	MountAuthRoutes(router, configuration, dependencies)
	return &testHarness{
		router:        router,
		configuration: configuration,
		dependencies:  dependencies,
		adapter:       adapter,
		store:         store,
		metrics:       metrics,
	}
}

func (harness *testHarness) do(method string, path string, body any, bearer string, cookies ...*http.Cookie) *httptest.ResponseRecorder {
	var payload *bytes.Reader
	switch typed := body.(type) {
	case nil:
		payload = bytes.NewReader(nil)
	case string:
		payload = bytes.NewReader([]byte(typed))
	default:
		encoded, _ := json.Marshal(typed)
		payload = bytes.NewReader(encoded)
	}
	request := httptest.NewRequest(method, path, payload)
	request.Header.Set("Content-Type", "application/json")
	if bearer != "" {
		request.Header.Set("Authorization", "Bearer "+bearer)
	}
	for _, cookie := range cookies {
		request.AddCookie(cookie)
	}
	recorder := httptest.NewRecorder()
	harness.router.ServeHTTP(recorder, request)
	return recorder
}

type syncResponse struct {
	User      accounts.PublicProfile `json:"user"`
	Token     string                 `json:"token"`
	ExpiresAt string                 `json:"expires_at"`
	IsNew     bool                   `json:"is_new"`
}

type errorResponse struct {
	Error APIError `json:"error"`
}

func decodeBody[T any](t *testing.T, recorder *httptest.ResponseRecorder) T {
	t.Helper()
	var decoded T
	if err := json.Unmarshal(recorder.Body.Bytes(), &decoded); err != nil {
		t.Fatalf("decode %q: %v", recorder.Body.String(), err)
	}
	return decoded
}

func (harness *testHarness) sync(t *testing.T) syncResponse {
	t.Helper()
	recorder := harness.do(http.MethodPost, "/auth/sync", map[string]string{"access_token": "provider-token"}, "")
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200 from sync, got %d: %s", recorder.Code, recorder.Body.String())
	}
	return decodeBody[syncResponse](t, recorder)
}

func findCookie(cookies []*http.Cookie, name string) *http.Cookie {
	for _, cookie := range cookies {
		if cookie.Name == name {
			return cookie
		}
	}
	return nil
}
