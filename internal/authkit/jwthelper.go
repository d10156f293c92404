package authkit

import (
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/tyemirov/communityauth/internal/accounts"
	"github.com/tyemirov/communityauth/pkg/sessionvalidator"
)

var errEmptySubject = errors.New("jwt.mint.failure: subject must be non-empty")

// Clock provides the current time.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time {
	return time.Now().UTC()
}

// NewSystemClock returns a Clock reading the wall clock in UTC.
func NewSystemClock() Clock {
	return systemClock{}
}

// SessionToken is a signed session credential and the claims it carries.
type SessionToken struct {
	Encoded   string
	SubjectID string
	Role      accounts.Role
	Stage     accounts.Stage
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// Issuer mints HS256 session tokens. Issue performs no I/O.
type Issuer struct {
	SigningKey []byte
	IssuerName string
	TTL        time.Duration
	Clock      Clock
}

// Issue signs a token for the resolved user. The stage claim records whether the
// account was created by this reconciliation.
func (issuer Issuer) Issue(resolution accounts.Resolution) (SessionToken, error) {
	subject := strings.TrimSpace(resolution.User.ID)
	if subject == "" {
		return SessionToken{}, errEmptySubject
	}
	clock := issuer.Clock
	if clock == nil {
		clock = systemClock{}
	}
	ttl := issuer.TTL
	if ttl <= 0 {
		ttl = DefaultSessionTTL
	}
	role := resolution.User.Role
	if role == "" {
		role = accounts.RoleUser
	}
	issuedAt := clock.Now().UTC().Truncate(time.Second)
	expiresAt := issuedAt.Add(ttl)
	stage := resolution.Stage()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, sessionvalidator.Claims{
		Role:  string(role),
		Stage: string(stage),
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer.IssuerName,
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(issuedAt),
			NotBefore: jwt.NewNumericDate(issuedAt.Add(-30 * time.Second)),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	})
	signed, err := token.SignedString(issuer.SigningKey)
	if err != nil {
		return SessionToken{}, err
	}
	return SessionToken{
		Encoded:   signed,
		SubjectID: subject,
		Role:      role,
		Stage:     stage,
		IssuedAt:  issuedAt,
		ExpiresAt: expiresAt,
	}, nil
}
