package sessionclient

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/tyemirov/communityauth/pkg/sessionvalidator"
)

// Hint holds token claims decoded without verification. Use it to shape the UI only;
// the server decides every authorization question.
type Hint struct {
	Subject   string
	Role      string
	Stage     string
	ExpiresAt time.Time
}

// NeedsPassword reports whether the UI should offer password setup.
func (hint Hint) NeedsPassword() bool {
	return hint.Stage == sessionvalidator.StageNeedsPassword
}

// HintClaims decodes the payload of token without checking its signature.
func HintClaims(token string) (Hint, error) {
	claims := &sessionvalidator.Claims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return Hint{}, fmt.Errorf("session_client.hint: %w", err)
	}
	hint := Hint{Subject: claims.Subject, Role: claims.Role, Stage: claims.Stage}
	if claims.ExpiresAt != nil {
		hint.ExpiresAt = claims.ExpiresAt.Time
	}
	return hint, nil
}
