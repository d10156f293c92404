package accounts

import (
	"context"
	"errors"
	"fmt"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

// FinalizationState is the password state of an account.
type FinalizationState string

// Finalization states.
const (
	StateNeedsPassword FinalizationState = "NEEDS_PASSWORD"
	StateComplete      FinalizationState = "COMPLETE"
)

const defaultPasswordMinLength = 6

// Subject is the verified session identity presented to the Finalizer.
type Subject struct {
	UserID string
	Stage  Stage
}

// PasswordHasher turns a plaintext password into a storable hash.
type PasswordHasher interface {
	Hash(password string) (string, error)
	Compare(passwordHash string, password string) error
}

// BcryptHasher hashes passwords with bcrypt.
type BcryptHasher struct {
	Cost int
}

// Hash returns the bcrypt hash of password.
func (hasher BcryptHasher) Hash(password string) (string, error) {
	cost := hasher.Cost
	if cost == 0 {
		cost = bcrypt.DefaultCost
	}
	hashed, err := bcrypt.GenerateFromPassword([]byte(password), cost)
	if err != nil {
		return "", fmt.Errorf("password.hash: %w", err)
	}
	return string(hashed), nil
}

// Compare returns nil when password matches passwordHash.
func (hasher BcryptHasher) Compare(passwordHash string, password string) error {
	return bcrypt.CompareHashAndPassword([]byte(passwordHash), []byte(password))
}

// FinalizerConfig wires the dependencies of a Finalizer.
type FinalizerConfig struct {
	Store        UserStore
	Hasher       PasswordHasher
	MinLength    int
	StoreTimeout time.Duration
	Logger       *zap.Logger
}

// Finalizer sets the password of a freshly created account exactly once.
type Finalizer struct {
	store        UserStore
	hasher       PasswordHasher
	minLength    int
	storeTimeout time.Duration
	logger       *zap.Logger
}

// NewFinalizer builds a Finalizer with defaults for unset fields.
func NewFinalizer(config FinalizerConfig) *Finalizer {
	finalizer := &Finalizer{
		store:        config.Store,
		hasher:       config.Hasher,
		minLength:    config.MinLength,
		storeTimeout: config.StoreTimeout,
		logger:       config.Logger,
	}
	if finalizer.hasher == nil {
		finalizer.hasher = BcryptHasher{}
	}
	if finalizer.minLength <= 0 {
		finalizer.minLength = defaultPasswordMinLength
	}
	if finalizer.storeTimeout <= 0 {
		finalizer.storeTimeout = defaultStoreTimeout
	}
	if finalizer.logger == nil {
		finalizer.logger = zap.NewNop()
	}
	return finalizer
}

// MinLength exposes the configured minimum password length.
func (finalizer *Finalizer) MinLength() int {
	return finalizer.minLength
}

// CheckPolicy validates a candidate password without touching the store.
func CheckPolicy(minLength int, newPassword string, confirmation string) error {
	if utf8.RuneCountInString(newPassword) < minLength {
		return &PolicyError{Code: CodePasswordTooShort, Message: fmt.Sprintf("password must be at least %d characters", minLength)}
	}
	if confirmation != "" && confirmation != newPassword {
		return &PolicyError{Code: CodePasswordMismatch, Message: "password confirmation does not match"}
	}
	return nil
}

// SetPassword moves the subject's account from NEEDS_PASSWORD to COMPLETE.
func (finalizer *Finalizer) SetPassword(ctx context.Context, subject Subject, newPassword string, confirmation string) (UserRecord, error) {
	if subject.Stage != StageNeedsPassword {
		return UserRecord{}, &PolicyError{Code: CodeNotEligible, Message: "session is not eligible for password setup"}
	}
	if err := CheckPolicy(finalizer.minLength, newPassword, confirmation); err != nil {
		return UserRecord{}, err
	}
	passwordHash, err := finalizer.hasher.Hash(newPassword)
	if err != nil {
		return UserRecord{}, err
	}

	storeCtx, cancel := context.WithTimeout(ctx, finalizer.storeTimeout)
	defer cancel()
	updated, err := finalizer.store.SetPasswordHash(storeCtx, subject.UserID, passwordHash)
	switch {
	case errors.Is(err, ErrPasswordAlreadySet):
		return UserRecord{}, &PolicyError{Code: CodeAlreadyFinalized, Message: "password has already been set"}
	case errors.Is(err, ErrNotFound):
		return UserRecord{}, &PolicyError{Code: CodeNotEligible, Message: "account no longer exists"}
	case err != nil:
		return UserRecord{}, storeFailure("set_password", err)
	}
	finalizer.logger.Info("password finalized", zap.String("user_id", updated.ID))
	return updated, nil
}

// State reports whether the account still awaits its password.
func (finalizer *Finalizer) State(ctx context.Context, userID string) (FinalizationState, error) {
	storeCtx, cancel := context.WithTimeout(ctx, finalizer.storeTimeout)
	defer cancel()
	record, err := finalizer.store.FindByID(storeCtx, userID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return "", err
		}
		return "", storeFailure("find", err)
	}
	if record.HasPassword() {
		return StateComplete, nil
	}
	return StateNeedsPassword, nil
}
