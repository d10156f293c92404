// Package sessionvalidator verifies community session tokens on protected endpoints.
package sessionvalidator

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

// Clock provides the current time.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

// Now returns the current UTC timestamp.
func (systemClock) Now() time.Time {
	return time.Now().UTC()
}

// Config configures the Validator.
type Config struct {
	SigningKey []byte
	Issuer     string
	CookieName string
	Clock      Clock
}

// DefaultContextKey is used by GinMiddleware when no explicit key is provided.
const DefaultContextKey = "auth_claims"

// DefaultCookieName is used when Config.CookieName is empty.
const DefaultCookieName = "app_session"

// Session stages carried in the stage claim.
const (
	StageNeedsPassword = "needs_password"
	StageComplete      = "complete"
)

// Sentinel errors exposed by the validator.
var (
	ErrMissingSigningKey = errors.New("session.validator.missing_signing_key")
	ErrMissingIssuer     = errors.New("session.validator.missing_issuer")
	ErrMissingToken      = errors.New("session.validator.missing_token")
	ErrMissingCookie     = errors.New("session.validator.missing_cookie")
	ErrInvalidToken      = errors.New("session.validator.invalid_token")
	ErrInvalidSignature  = errors.New("session.validator.invalid_signature")
	ErrInvalidIssuer     = errors.New("session.validator.invalid_issuer")
	ErrMissingSubject    = errors.New("session.validator.missing_subject")
	ErrTokenExpired      = errors.New("session.validator.expired")
)

// TokenError reports why a presented session token was rejected. The client must
// re-authenticate; it never retries with the same token.
type TokenError struct {
	Op  string
	Err error
}

func (tokenError *TokenError) Error() string {
	return fmt.Sprintf("session.validator.%s: %v", tokenError.Op, tokenError.Err)
}

func (tokenError *TokenError) Unwrap() error {
	return tokenError.Err
}

// Code returns the dotted code of the wrapped sentinel.
func (tokenError *TokenError) Code() string {
	if tokenError.Err == nil {
		return ErrInvalidToken.Error()
	}
	return tokenError.Err.Error()
}

// Validator validates session tokens presented as bearer headers or cookies.
type Validator struct {
	signingKey []byte
	issuer     string
	cookieName string
	clock      Clock
}

// Claims represent the session payload. Profile data is never embedded.
type Claims struct {
	Role  string `json:"role"`
	Stage string `json:"stage"`
	jwt.RegisteredClaims
}

// GetUserID returns the user identifier from the session.
func (claims *Claims) GetUserID() string {
	if claims == nil {
		return ""
	}
	return claims.Subject
}

// GetRole returns the role recorded at issuance.
func (claims *Claims) GetRole() string {
	if claims == nil {
		return ""
	}
	return claims.Role
}

// NeedsPassword reports whether the session may finalize a password.
func (claims *Claims) NeedsPassword() bool {
	return claims != nil && claims.Stage == StageNeedsPassword
}

// GetExpiresAt returns the expiry timestamp.
func (claims *Claims) GetExpiresAt() time.Time {
	if claims == nil || claims.ExpiresAt == nil {
		return time.Time{}
	}
	return claims.ExpiresAt.Time
}

// New constructs a Validator after validating the supplied configuration.
func New(configuration Config) (*Validator, error) {
	if len(configuration.SigningKey) == 0 {
		return nil, fmt.Errorf("session.validator.new: %w", ErrMissingSigningKey)
	}
	if strings.TrimSpace(configuration.Issuer) == "" {
		return nil, fmt.Errorf("session.validator.new: %w", ErrMissingIssuer)
	}
	cookieName := configuration.CookieName
	if strings.TrimSpace(cookieName) == "" {
		cookieName = DefaultCookieName
	}
	clock := configuration.Clock
	if clock == nil {
		clock = systemClock{}
	}
	return &Validator{
		signingKey: configuration.SigningKey,
		issuer:     configuration.Issuer,
		cookieName: cookieName,
		clock:      clock,
	}, nil
}

// CookieName exposes the cookie the validator reads.
func (validator *Validator) CookieName() string {
	return validator.cookieName
}

// ValidateToken validates the provided JWT string and returns the parsed claims.
func (validator *Validator) ValidateToken(tokenString string) (*Claims, error) {
	const op = "validate_token"
	if strings.TrimSpace(tokenString) == "" {
		return nil, &TokenError{Op: op, Err: ErrMissingToken}
	}
	parsedToken, parseErr := jwt.ParseWithClaims(tokenString, &Claims{}, func(parsed *jwt.Token) (interface{}, error) {
		return validator.signingKey, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithTimeFunc(func() time.Time {
		return validator.clock.Now()
	}))
	if parseErr != nil {
		switch {
		case errors.Is(parseErr, jwt.ErrTokenExpired):
			return nil, &TokenError{Op: op, Err: ErrTokenExpired}
		case errors.Is(parseErr, jwt.ErrTokenSignatureInvalid):
			return nil, &TokenError{Op: op, Err: ErrInvalidSignature}
		default:
			return nil, &TokenError{Op: op, Err: ErrInvalidToken}
		}
	}
	if parsedToken == nil || !parsedToken.Valid {
		return nil, &TokenError{Op: op, Err: ErrInvalidToken}
	}
	claims, ok := parsedToken.Claims.(*Claims)
	if !ok {
		return nil, &TokenError{Op: op, Err: ErrInvalidToken}
	}
	if claims.Issuer != validator.issuer {
		return nil, &TokenError{Op: op, Err: ErrInvalidIssuer}
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return nil, &TokenError{Op: op, Err: ErrMissingSubject}
	}
	current := validator.clock.Now()
	if claims.ExpiresAt == nil || current.After(claims.ExpiresAt.Time) {
		return nil, &TokenError{Op: op, Err: ErrTokenExpired}
	}
	if claims.NotBefore != nil && current.Before(claims.NotBefore.Time) {
		return nil, &TokenError{Op: op, Err: ErrInvalidToken}
	}
	if claims.IssuedAt != nil && current.Before(claims.IssuedAt.Time) {
		return nil, &TokenError{Op: op, Err: ErrInvalidToken}
	}
	return claims, nil
}

// ValidateRequest validates the bearer token, falling back to the session cookie.
func (validator *Validator) ValidateRequest(request *http.Request) (*Claims, error) {
	if request == nil {
		return nil, &TokenError{Op: "validate_request", Err: ErrMissingToken}
	}
	if bearer, ok := BearerToken(request); ok {
		return validator.ValidateToken(bearer)
	}
	cookie, cookieErr := request.Cookie(validator.cookieName)
	if cookieErr != nil || cookie == nil || strings.TrimSpace(cookie.Value) == "" {
		return nil, &TokenError{Op: "validate_request", Err: ErrMissingCookie}
	}
	return validator.ValidateToken(cookie.Value)
}

// BearerToken extracts the token of an Authorization: Bearer header.
func BearerToken(request *http.Request) (string, bool) {
	header := strings.TrimSpace(request.Header.Get("Authorization"))
	if len(header) < len("Bearer ") || !strings.EqualFold(header[:len("Bearer ")], "Bearer ") {
		return "", false
	}
	token := strings.TrimSpace(header[len("Bearer "):])
	return token, token != ""
}

// GinMiddleware returns a Gin middleware that validates the session and injects claims.
func (validator *Validator) GinMiddleware(contextKey string) gin.HandlerFunc {
	if strings.TrimSpace(contextKey) == "" {
		contextKey = DefaultContextKey
	}
	return func(contextGin *gin.Context) {
		claims, err := validator.ValidateRequest(contextGin.Request)
		if err != nil {
			code := ErrInvalidToken.Error()
			var tokenErr *TokenError
			if errors.As(err, &tokenErr) {
				code = tokenErr.Code()
			}
			contextGin.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": gin.H{"kind": "token", "code": code, "message": "session is missing or invalid"},
			})
			return
		}
		contextGin.Set(contextKey, claims)
		contextGin.Next()
	}
}

// ClaimsFromContext returns the claims stored by GinMiddleware under contextKey.
func ClaimsFromContext(contextGin *gin.Context, contextKey string) (*Claims, bool) {
	if strings.TrimSpace(contextKey) == "" {
		contextKey = DefaultContextKey
	}
	value, found := contextGin.Get(contextKey)
	if !found {
		return nil, false
	}
	claims, ok := value.(*Claims)
	return claims, ok && claims != nil
}
