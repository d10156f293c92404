package authkit

import (
	"context"

	"github.com/tyemirov/communityauth/internal/accounts"
	"github.com/tyemirov/communityauth/internal/identity"
)

// IdentityReconciler maps a verified assertion onto an internal user.
type IdentityReconciler interface {
	Reconcile(ctx context.Context, assertion identity.Assertion) (accounts.Resolution, error)
}

// PasswordFinalizer performs the one-time password setup of new accounts.
type PasswordFinalizer interface {
	SetPassword(ctx context.Context, subject accounts.Subject, newPassword string, confirmation string) (accounts.UserRecord, error)
	State(ctx context.Context, userID string) (accounts.FinalizationState, error)
	MinLength() int
}
