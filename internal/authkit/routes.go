package authkit

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/tyemirov/communityauth/internal/accounts"
	"github.com/tyemirov/communityauth/internal/identity"
	"github.com/tyemirov/communityauth/pkg/sessionvalidator"
)

// AuthDependencies are the collaborators of the auth routes.
type AuthDependencies struct {
	Adapter     identity.Adapter
	Reconciler  IdentityReconciler
	Finalizer   PasswordFinalizer
	Issuer      Issuer
	Validator   *sessionvalidator.Validator
	Nonces      NonceStore
	Metrics     MetricsRecorder
	Logger      *zap.Logger
	RateLimiter *RateLimiter
}

type syncRequest struct {
	AccessToken  string `json:"access_token"`
	IDToken      string `json:"id_token"`
	Code         string `json:"code"`
	CodeVerifier string `json:"code_verifier"`
	RedirectURI  string `json:"redirect_uri"`
}

type passwordRequest struct {
	NewPassword  string `json:"new_password"`
	Confirmation string `json:"confirmation"`
}

type authRoutes struct {
	configuration ServerConfig
	dependencies  AuthDependencies
	logger        *zap.Logger
	metrics       MetricsRecorder
}

// MountAuthRoutes registers the sync, redirect login, password, and logout routes under /auth.
func MountAuthRoutes(router gin.IRouter, configuration ServerConfig, dependencies AuthDependencies) {
	routes := &authRoutes{
		configuration: configuration,
		dependencies:  dependencies,
		logger:        dependencies.Logger,
		metrics:       dependencies.Metrics,
	}
	if routes.logger == nil {
		routes.logger = zap.NewNop()
	}
	if routes.metrics == nil {
		routes.metrics = noopMetrics{}
	}

	limited := []gin.HandlerFunc{}
	if dependencies.RateLimiter != nil {
		limited = append(limited, dependencies.RateLimiter.Middleware())
	}

	router.POST("/auth/sync", append(limited, routes.handleSync)...)
	router.GET("/auth/login", routes.handleLogin)
	router.GET("/auth/callback", append(limited, routes.handleCallback)...)
	router.POST("/auth/password", append(append(limited, RequireSession(dependencies.Validator)), routes.handlePassword)...)
	router.GET("/auth/password", RequireSession(dependencies.Validator), routes.handlePasswordState)
	router.POST("/auth/logout", routes.handleLogout)
}

func (routes *authRoutes) handleSync(contextGin *gin.Context) {
	var inbound syncRequest
	if err := contextGin.ShouldBindJSON(&inbound); err != nil {
		abortWithRequestError(contextGin, http.StatusBadRequest, "request.invalid_json", "request body must be JSON")
		return
	}
	if !routes.configuration.AllowInsecureHTTP && !isHTTPS(contextGin.Request) {
		abortWithRequestError(contextGin, http.StatusBadRequest, "request.https_required", "https is required")
		return
	}

	handshake := identity.Handshake{
		Code:         strings.TrimSpace(inbound.Code),
		CodeVerifier: strings.TrimSpace(inbound.CodeVerifier),
		RedirectURI:  strings.TrimSpace(inbound.RedirectURI),
		AccessToken:  strings.TrimSpace(inbound.AccessToken),
		IDToken:      strings.TrimSpace(inbound.IDToken),
	}
	resolution, sessionToken, err := routes.establishSession(contextGin.Request.Context(), handshake)
	if err != nil {
		routes.metrics.Increment(metricSyncFailure)
		routes.logFailure("auth.sync", contextGin, err)
		abortWithError(contextGin, err)
		return
	}
	routes.metrics.Increment(metricSyncSuccess)
	writeSessionCookie(contextGin, routes.configuration, sessionToken.Encoded, sessionToken.ExpiresAt)
	contextGin.JSON(http.StatusOK, gin.H{
		"user":       resolution.User.Public(),
		"token":      sessionToken.Encoded,
		"expires_at": sessionToken.ExpiresAt.Format(time.RFC3339),
		"is_new":     resolution.IsNew,
	})
}

func (routes *authRoutes) handleLogin(contextGin *gin.Context) {
	if !routes.dependencies.Adapter.SupportsRedirect() {
		abortWithRequestError(contextGin, http.StatusNotImplemented, "request.redirect_unsupported", "provider does not support the redirect flow")
		return
	}
	pkce := identity.NewPKCE()
	state, err := routes.dependencies.Nonces.Issue(contextGin.Request.Context())
	if err != nil {
		routes.logger.Error("state issue failed", zap.String("code", "auth.login.nonce"), zap.Error(err))
		abortWithError(contextGin, err)
		return
	}
	authURL := routes.dependencies.Adapter.AuthCodeURL(state, pkce.Challenge)
	ttl := routes.configuration.NonceTTL
	if ttl <= 0 {
		ttl = DefaultNonceTTL
	}
	http.SetCookie(contextGin.Writer, &http.Cookie{
		Name:     routes.configuration.verifierCookieName(),
		Value:    state + "." + pkce.Verifier,
		Path:     "/auth",
		Domain:   routes.configuration.CookieDomain,
		MaxAge:   int(ttl.Seconds()),
		Secure:   !routes.configuration.AllowInsecureHTTP,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	contextGin.Redirect(http.StatusFound, authURL)
}

func (routes *authRoutes) handleCallback(contextGin *gin.Context) {
	verifierCookie, cookieErr := contextGin.Request.Cookie(routes.configuration.verifierCookieName())
	clearCookie(contextGin, routes.configuration.verifierCookieName(), "/auth", routes.configuration)

	if denied := contextGin.Query("error"); denied != "" {
		routes.failCallback(contextGin, identity.NewDeniedError(denied))
		return
	}
	state := contextGin.Query("state")
	if cookieErr != nil || verifierCookie == nil {
		routes.failCallbackCode(contextGin, "auth.state_missing", "login session expired, please try again")
		return
	}
	cookieState, verifier, ok := strings.Cut(verifierCookie.Value, ".")
	if !ok || state == "" || cookieState != state {
		routes.failCallbackCode(contextGin, "auth.state_mismatch", "login session does not match, please try again")
		return
	}
	if err := routes.dependencies.Nonces.Consume(contextGin.Request.Context(), state); err != nil {
		routes.logger.Warn("state rejected", zap.String("code", "auth.callback.state"), zap.Error(err))
		routes.failCallbackCode(contextGin, "auth.state_invalid", "login session expired, please try again")
		return
	}

	handshake := identity.Handshake{
		Code:         contextGin.Query("code"),
		CodeVerifier: verifier,
		RedirectURI:  routes.configuration.OAuthRedirectURL,
	}
	resolution, sessionToken, err := routes.establishSession(contextGin.Request.Context(), handshake)
	if err != nil {
		routes.failCallback(contextGin, err)
		return
	}
	routes.metrics.Increment(metricCallbackSuccess)
	writeSessionCookie(contextGin, routes.configuration, sessionToken.Encoded, sessionToken.ExpiresAt)
	fragment := url.Values{}
	fragment.Set("token", sessionToken.Encoded)
	fragment.Set("is_new", strconv.FormatBool(resolution.IsNew))
	contextGin.Redirect(http.StatusFound, routes.configuration.PostLoginURL+"#"+fragment.Encode())
}

func (routes *authRoutes) handlePassword(contextGin *gin.Context) {
	claims, ok := sessionvalidator.ClaimsFromContext(contextGin, sessionvalidator.DefaultContextKey)
	if !ok {
		abortWithError(contextGin, &sessionvalidator.TokenError{Op: "password", Err: sessionvalidator.ErrInvalidToken})
		return
	}
	var inbound passwordRequest
	if err := contextGin.ShouldBindJSON(&inbound); err != nil {
		abortWithRequestError(contextGin, http.StatusBadRequest, "request.invalid_json", "request body must be JSON")
		return
	}
	subject := accounts.Subject{UserID: claims.GetUserID(), Stage: accounts.Stage(claims.Stage)}
	updated, err := routes.dependencies.Finalizer.SetPassword(contextGin.Request.Context(), subject, inbound.NewPassword, inbound.Confirmation)
	if err != nil {
		routes.metrics.Increment(metricPasswordRejected)
		routes.logFailure("auth.password", contextGin, err)
		abortWithError(contextGin, err)
		return
	}
	routes.metrics.Increment(metricPasswordFinalized)
	contextGin.JSON(http.StatusOK, gin.H{
		"user":  updated.Public(),
		"state": accounts.StateComplete,
	})
}

// handlePasswordState reports the stored finalization state. The token stage only hints;
// the store is authoritative.
func (routes *authRoutes) handlePasswordState(contextGin *gin.Context) {
	claims, ok := sessionvalidator.ClaimsFromContext(contextGin, sessionvalidator.DefaultContextKey)
	if !ok {
		abortWithError(contextGin, &sessionvalidator.TokenError{Op: "password_state", Err: sessionvalidator.ErrInvalidToken})
		return
	}
	state, err := routes.dependencies.Finalizer.State(contextGin.Request.Context(), claims.GetUserID())
	if err != nil {
		if errors.Is(err, accounts.ErrNotFound) {
			abortWithRequestError(contextGin, http.StatusNotFound, "auth.password.profile_missing", "account no longer exists")
			return
		}
		routes.logFailure("auth.password_state", contextGin, err)
		abortWithError(contextGin, err)
		return
	}
	contextGin.JSON(http.StatusOK, gin.H{
		"state":      state,
		"min_length": routes.dependencies.Finalizer.MinLength(),
	})
}

func (routes *authRoutes) handleLogout(contextGin *gin.Context) {
	routes.metrics.Increment(metricLogout)
	clearCookie(contextGin, routes.configuration.sessionCookieName(), "/", routes.configuration)
	contextGin.Status(http.StatusNoContent)
}

// establishSession runs the adapter, reconciliation, and issuance in order.
func (routes *authRoutes) establishSession(ctx context.Context, handshake identity.Handshake) (accounts.Resolution, SessionToken, error) {
	providerCtx, cancel := context.WithTimeout(ctx, routes.configuration.providerTimeout())
	assertion, err := routes.dependencies.Adapter.CompleteHandshake(providerCtx, handshake)
	cancel()
	if err != nil {
		return accounts.Resolution{}, SessionToken{}, err
	}
	resolution, err := routes.dependencies.Reconciler.Reconcile(ctx, assertion)
	if err != nil {
		return accounts.Resolution{}, SessionToken{}, err
	}
	sessionToken, err := routes.dependencies.Issuer.Issue(resolution)
	if err != nil {
		return accounts.Resolution{}, SessionToken{}, err
	}
	return resolution, sessionToken, nil
}

func (routes *authRoutes) failCallback(contextGin *gin.Context, err error) {
	routes.logFailure("auth.callback", contextGin, err)
	_, body := ClassifyError(err)
	routes.redirectToLogin(contextGin, body.Code, body.Message)
}

func (routes *authRoutes) failCallbackCode(contextGin *gin.Context, code string, reason string) {
	routes.logger.Warn("callback rejected", zap.String("code", code), zap.String("request_id", RequestIDFromContext(contextGin)))
	routes.redirectToLogin(contextGin, code, reason)
}

func (routes *authRoutes) redirectToLogin(contextGin *gin.Context, code string, reason string) {
	routes.metrics.Increment(metricCallbackFailure)
	if routes.configuration.LoginURL == "" {
		contextGin.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": APIError{Kind: ErrorKindRequest, Code: code, Message: reason}})
		return
	}
	query := url.Values{}
	query.Set("error", code)
	query.Set("reason", reason)
	separator := "?"
	if strings.Contains(routes.configuration.LoginURL, "?") {
		separator = "&"
	}
	contextGin.Redirect(http.StatusFound, routes.configuration.LoginURL+separator+query.Encode())
}

func (routes *authRoutes) logFailure(scope string, contextGin *gin.Context, err error) {
	_, body := ClassifyError(err)
	fields := []zap.Field{
		zap.String("code", scope+"."+body.Kind),
		zap.String("error_code", body.Code),
		zap.String("request_id", RequestIDFromContext(contextGin)),
		zap.Error(err),
	}
	if body.Kind == ErrorKindInternal || errors.Is(err, context.DeadlineExceeded) {
		routes.logger.Error("request failed", fields...)
		return
	}
	routes.logger.Warn("request rejected", fields...)
}

func writeSessionCookie(contextGin *gin.Context, configuration ServerConfig, sessionToken string, expiresAt time.Time) {
	http.SetCookie(contextGin.Writer, &http.Cookie{
		Name:     configuration.sessionCookieName(),
		Value:    sessionToken,
		Path:     "/",
		Domain:   configuration.CookieDomain,
		Expires:  expiresAt,
		Secure:   !configuration.AllowInsecureHTTP,
		HttpOnly: true,
		SameSite: configuration.SameSiteMode,
	})
}

func clearCookie(contextGin *gin.Context, name string, path string, configuration ServerConfig) {
	http.SetCookie(contextGin.Writer, &http.Cookie{
		Name:     name,
		Value:    "",
		Path:     path,
		Domain:   configuration.CookieDomain,
		MaxAge:   -1,
		Secure:   !configuration.AllowInsecureHTTP,
		HttpOnly: true,
		SameSite: configuration.SameSiteMode,
	})
}

func isHTTPS(request *http.Request) bool {
	if request.TLS != nil {
		return true
	}
	scheme := request.Header.Get("X-Forwarded-Proto")
	if strings.EqualFold(scheme, "https") {
		return true
	}
	forwarded := request.Header.Get("Forwarded")
	if forwarded != "" && strings.Contains(strings.ToLower(forwarded), "proto=https") {
		return true
	}
	host, _, splitErr := net.SplitHostPort(request.Host)
	if splitErr == nil && host == "localhost" {
		return true
	}
	return false
}
