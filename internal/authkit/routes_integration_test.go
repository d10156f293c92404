package authkit

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"testing"

	"github.com/tyemirov/communityauth/internal/identity"
)

type loginStart struct {
	state     string
	challenge string
	cookie    *http.Cookie
}

func startLogin(t *testing.T, harness *testHarness) loginStart {
	t.Helper()
	recorder := harness.do(http.MethodGet, "/auth/login", nil, "")
	if recorder.Code != http.StatusFound {
		t.Fatalf("expected redirect from login, got %d: %s", recorder.Code, recorder.Body.String())
	}
	location, err := url.Parse(recorder.Header().Get("Location"))
	if err != nil {
		t.Fatalf("parse location: %v", err)
	}
	if location.Host != "provider.example" {
		t.Fatalf("expected redirect to provider, got %s", location)
	}
	cookie := findCookie(recorder.Result().Cookies(), DefaultVerifierCookieName)
	if cookie == nil || cookie.Value == "" {
		t.Fatalf("expected pkce cookie")
	}
	return loginStart{
		state:     location.Query().Get("state"),
		challenge: location.Query().Get("code_challenge"),
		cookie:    cookie,
	}
}

func callbackRedirect(t *testing.T, harness *testHarness, query string, cookies ...*http.Cookie) *url.URL {
	t.Helper()
	recorder := harness.do(http.MethodGet, "/auth/callback?"+query, nil, "", cookies...)
	if recorder.Code != http.StatusFound {
		t.Fatalf("expected redirect from callback, got %d: %s", recorder.Code, recorder.Body.String())
	}
	location, err := url.Parse(recorder.Header().Get("Location"))
	if err != nil {
		t.Fatalf("parse location: %v", err)
	}
	return location
}

func TestLoginCallbackRedirectFlow(t *testing.T) {
	harness := newTestHarness(t, nil)
	login := startLogin(t, harness)

	query := url.Values{"state": {login.state}, "code": {"provider-code"}}
	location := callbackRedirect(t, harness, query.Encode(), login.cookie)
	if !strings.HasPrefix(location.String(), harness.configuration.PostLoginURL+"#") {
		t.Fatalf("expected post login redirect, got %s", location)
	}
	fragment, err := url.ParseQuery(location.Fragment)
	if err != nil {
		t.Fatalf("parse fragment: %v", err)
	}
	if fragment.Get("is_new") != "true" || fragment.Get("token") == "" {
		t.Fatalf("unexpected fragment: %v", fragment)
	}
	if _, validateErr := harness.dependencies.Validator.ValidateToken(fragment.Get("token")); validateErr != nil {
		t.Fatalf("redirect token does not verify: %v", validateErr)
	}

	handshake := harness.adapter.lastHandshake()
	if handshake.Code != "provider-code" || handshake.RedirectURI != harness.configuration.OAuthRedirectURL {
		t.Fatalf("unexpected handshake: %+v", handshake)
	}
	if identity.ChallengeFor(handshake.CodeVerifier) != login.challenge {
		t.Fatalf("verifier does not match the challenge sent to the provider")
	}

	replayed := callbackRedirect(t, harness, query.Encode(), login.cookie)
	if replayed.Query().Get("error") != "auth.state_invalid" {
		t.Fatalf("expected replayed state to be rejected, got %s", replayed)
	}
	if harness.metrics.Count(metricCallbackSuccess) != 1 || harness.metrics.Count(metricCallbackFailure) != 1 {
		t.Fatalf("unexpected metrics: %v", harness.metrics.Snapshot())
	}
}

func TestCallbackFailuresRedirectToLogin(t *testing.T) {
	testCases := []struct {
		name      string
		query     func(login loginStart) string
		useCookie bool
		mutate    func(*testHarness)
		wantError string
	}{
		{
			name:      "missing cookie",
			query:     func(login loginStart) string { return "state=" + login.state + "&code=abc" },
			wantError: "auth.state_missing",
		},
		{
			name:      "state mismatch",
			query:     func(login loginStart) string { return "state=forged&code=abc" },
			useCookie: true,
			wantError: "auth.state_mismatch",
		},
		{
			name:      "provider denied",
			query:     func(login loginStart) string { return "error=access_denied&state=" + login.state },
			useCookie: true,
			wantError: identity.CodeProviderDenied,
		},
		{
			name:      "exchange failed",
			query:     func(login loginStart) string { return "state=" + login.state + "&code=bad" },
			useCookie: true,
			mutate: func(harness *testHarness) {
				harness.adapter.err = &identity.ProviderError{Code: identity.CodeExchangeFailed, Message: "code rejected"}
			},
			wantError: identity.CodeExchangeFailed,
		},
	}

	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			harness := newTestHarness(t, nil)
			if testCase.mutate != nil {
				testCase.mutate(harness)
			}
			login := startLogin(t, harness)
			cookies := []*http.Cookie{}
			if testCase.useCookie {
				cookies = append(cookies, login.cookie)
			}
			location := callbackRedirect(t, harness, testCase.query(login), cookies...)
			if !strings.HasPrefix(location.String(), harness.configuration.LoginURL+"?") {
				t.Fatalf("expected login redirect, got %s", location)
			}
			if location.Query().Get("error") != testCase.wantError || location.Query().Get("reason") == "" {
				t.Fatalf("unexpected failure redirect: %s", location)
			}
		})
	}
}

type countingNonceStore struct {
	NonceStore
	issued int
}

func (store *countingNonceStore) Issue(ctx context.Context) (string, error) {
	store.issued++
	return store.NonceStore.Issue(ctx)
}

func TestLoginUnsupportedByProvider(t *testing.T) {
	var nonces *countingNonceStore
	harness := newTestHarness(t, func(configuration *ServerConfig, dependencies *AuthDependencies) {
		nonces = &countingNonceStore{NonceStore: dependencies.Nonces}
		dependencies.Nonces = nonces
	})
	harness.adapter.authURL = ""

	recorder := harness.do(http.MethodGet, "/auth/login", nil, "")
	if recorder.Code != http.StatusNotImplemented {
		t.Fatalf("expected 501, got %d", recorder.Code)
	}
	if nonces.issued != 0 {
		t.Fatalf("expected no nonce for an unsupported provider, issued %d", nonces.issued)
	}
	if len(recorder.Result().Cookies()) != 0 {
		t.Fatalf("expected no verifier cookie, got %v", recorder.Result().Cookies())
	}

	harness.adapter.authURL = "https://provider.example/authorize"
	if supported := harness.do(http.MethodGet, "/auth/login", nil, ""); supported.Code != http.StatusFound {
		t.Fatalf("expected 302, got %d", supported.Code)
	}
	if nonces.issued != 1 {
		t.Fatalf("expected one nonce for a supported provider, issued %d", nonces.issued)
	}
}
