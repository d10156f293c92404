package accounts

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrNotFound indicates no user matched the lookup.
	ErrNotFound = errors.New("user_store.not_found")
	// ErrConflict indicates a uniqueness constraint rejected the write.
	ErrConflict = errors.New("user_store.conflict")
	// ErrPasswordAlreadySet indicates the one-time password write already happened.
	ErrPasswordAlreadySet = errors.New("user_store.password_already_set")
)

// Sync error codes.
const (
	CodeStoreUnavailable     = "sync.store_unavailable"
	CodeStoreTimeout         = "sync.store_timeout"
	CodeInvalidAssertion     = "sync.invalid_assertion"
	CodeConflictUnresolved   = "sync.conflict_unresolved"
	CodeIdentityEmailChanged = "sync.identity_email_changed"
)

// Policy error codes.
const (
	CodePasswordTooShort = "policy.too_short"
	CodePasswordMismatch = "policy.mismatch"
	CodeAlreadyFinalized = "policy.already_finalized"
	CodeNotEligible      = "policy.not_eligible"
)

// SyncError reports a reconciliation failure. Retrying the whole sync is safe.
type SyncError struct {
	Code    string
	Message string
	Err     error
}

func (syncError *SyncError) Error() string {
	if syncError.Err != nil {
		return fmt.Sprintf("%s: %s: %v", syncError.Code, syncError.Message, syncError.Err)
	}
	return fmt.Sprintf("%s: %s", syncError.Code, syncError.Message)
}

func (syncError *SyncError) Unwrap() error {
	return syncError.Err
}

// PolicyError reports a rejected password finalization the user can correct and resubmit.
type PolicyError struct {
	Code    string
	Message string
}

func (policyError *PolicyError) Error() string {
	return fmt.Sprintf("%s: %s", policyError.Code, policyError.Message)
}

func storeFailure(operation string, cause error) *SyncError {
	if errors.Is(cause, context.DeadlineExceeded) {
		return &SyncError{Code: CodeStoreTimeout, Message: operation + " timed out", Err: cause}
	}
	return &SyncError{Code: CodeStoreUnavailable, Message: operation + " failed", Err: cause}
}
