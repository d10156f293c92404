package accounts

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/tyemirov/communityauth/internal/identity"
)

// Sync outcome events reported to the Recorder.
const (
	EventSyncCreated          = "sync.created"
	EventSyncRefreshed        = "sync.refreshed"
	EventSyncConflictFallback = "sync.conflict_fallback"
	EventSyncFailed           = "sync.failed"
)

const defaultStoreTimeout = 5 * time.Second

// Recorder receives sync outcome events.
type Recorder interface {
	Increment(event string)
}

type noopRecorder struct{}

func (noopRecorder) Increment(string) {}

// ReconcilerConfig wires the dependencies of a Reconciler.
type ReconcilerConfig struct {
	Store        UserStore
	Logger       *zap.Logger
	Metrics      Recorder
	StoreTimeout time.Duration
	Clock        func() time.Time
}

// Reconciler maps provider assertions onto internal user records.
type Reconciler struct {
	store        UserStore
	logger       *zap.Logger
	metrics      Recorder
	storeTimeout time.Duration
	now          func() time.Time
}

// NewReconciler builds a Reconciler with defaults for unset fields.
func NewReconciler(config ReconcilerConfig) *Reconciler {
	reconciler := &Reconciler{
		store:        config.Store,
		logger:       config.Logger,
		metrics:      config.Metrics,
		storeTimeout: config.StoreTimeout,
		now:          config.Clock,
	}
	if reconciler.logger == nil {
		reconciler.logger = zap.NewNop()
	}
	if reconciler.metrics == nil {
		reconciler.metrics = noopRecorder{}
	}
	if reconciler.storeTimeout <= 0 {
		reconciler.storeTimeout = defaultStoreTimeout
	}
	if reconciler.now == nil {
		reconciler.now = func() time.Time { return time.Now().UTC() }
	}
	return reconciler
}

// NormalizeEmail trims and lowercases an address.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// Reconcile finds or creates the user for the assertion. Calling it repeatedly or
// concurrently with the same assertion converges on a single record.
func (reconciler *Reconciler) Reconcile(ctx context.Context, assertion identity.Assertion) (Resolution, error) {
	resolution, err := reconciler.reconcile(ctx, assertion)
	if err != nil {
		reconciler.metrics.Increment(EventSyncFailed)
		reconciler.logger.Warn("sync failed", zap.String("provider", assertion.Provider), zap.Error(err))
		return Resolution{}, err
	}
	return resolution, nil
}

func (reconciler *Reconciler) reconcile(ctx context.Context, assertion identity.Assertion) (Resolution, error) {
	email := NormalizeEmail(assertion.Email)
	username := strings.TrimSpace(assertion.ExternalUsername)
	if email == "" && username == "" {
		return Resolution{}, &SyncError{Code: CodeInvalidAssertion, Message: "assertion carries neither email nor username"}
	}
	externalIdentity := ExternalIdentity{
		Provider:   strings.TrimSpace(assertion.Provider),
		ExternalID: strings.TrimSpace(assertion.ExternalID),
	}
	update := ProfileUpdate{
		Name:             strings.TrimSpace(assertion.DisplayName),
		AvatarURL:        strings.TrimSpace(assertion.AvatarURL),
		ExternalUsername: username,
	}

	existing, found, err := reconciler.refreshExisting(ctx, email, externalIdentity, update)
	if err != nil {
		return Resolution{}, err
	}
	if found {
		reconciler.metrics.Increment(EventSyncRefreshed)
		return Resolution{User: existing, IsNew: false}, nil
	}
	if email == "" {
		return Resolution{}, &SyncError{Code: CodeInvalidAssertion, Message: "a new account requires an email"}
	}
	if err := reconciler.guardEmailChange(ctx, email, externalIdentity); err != nil {
		return Resolution{}, err
	}

	now := reconciler.now()
	record := UserRecord{
		ID:               NewUserID(now),
		Name:             update.Name,
		Email:            email,
		AvatarURL:        update.AvatarURL,
		ExternalUsername: username,
		Provider:         externalIdentity.Provider,
		ExternalID:       externalIdentity.ExternalID,
		Role:             RoleUser,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	createErr := reconciler.withStore(ctx, func(storeCtx context.Context) error {
		return reconciler.store.Create(storeCtx, record)
	})
	if createErr == nil {
		reconciler.metrics.Increment(EventSyncCreated)
		reconciler.logger.Info("user created", zap.String("user_id", record.ID), zap.String("provider", assertion.Provider))
		return Resolution{User: record, IsNew: true}, nil
	}
	if !errors.Is(createErr, ErrConflict) {
		return Resolution{}, storeFailure("create", createErr)
	}

	// A concurrent sync inserted first; converge on its record.
	existing, found, err = reconciler.refreshExisting(ctx, email, externalIdentity, update)
	if err != nil {
		return Resolution{}, err
	}
	if !found {
		return Resolution{}, &SyncError{Code: CodeConflictUnresolved, Message: "create conflicted but no matching record was found", Err: createErr}
	}
	reconciler.metrics.Increment(EventSyncConflictFallback)
	reconciler.logger.Info("sync converged after conflict", zap.String("user_id", existing.ID))
	return Resolution{User: existing, IsNew: false}, nil
}

// refreshExisting looks the account up by email. Without an email it falls back to the
// provider subject, then to the external username.
func (reconciler *Reconciler) refreshExisting(ctx context.Context, email string, externalIdentity ExternalIdentity, update ProfileUpdate) (UserRecord, bool, error) {
	var existing UserRecord
	lookupErr := reconciler.withStore(ctx, func(storeCtx context.Context) error {
		var err error
		switch {
		case email != "":
			existing, err = reconciler.store.FindByEmail(storeCtx, email)
		case !externalIdentity.Empty():
			existing, err = reconciler.store.FindByExternalIdentity(storeCtx, externalIdentity)
		default:
			existing, err = reconciler.store.FindByExternalUsername(storeCtx, update.ExternalUsername)
		}
		return err
	})
	if errors.Is(lookupErr, ErrNotFound) {
		return UserRecord{}, false, nil
	}
	if lookupErr != nil {
		return UserRecord{}, false, storeFailure("lookup", lookupErr)
	}
	if update.ExternalUsername == "" {
		update.ExternalUsername = existing.ExternalUsername
	}
	var refreshed UserRecord
	refreshErr := reconciler.withStore(ctx, func(storeCtx context.Context) error {
		var err error
		refreshed, err = reconciler.store.RefreshProfile(storeCtx, existing.ID, update)
		return err
	})
	if refreshErr != nil {
		return UserRecord{}, false, storeFailure("refresh", refreshErr)
	}
	return refreshed, true, nil
}

// guardEmailChange rejects an assertion whose provider subject already owns an account
// registered under a different email. Linking the two is left to an operator.
func (reconciler *Reconciler) guardEmailChange(ctx context.Context, email string, externalIdentity ExternalIdentity) error {
	if externalIdentity.Empty() {
		return nil
	}
	var holder UserRecord
	err := reconciler.withStore(ctx, func(storeCtx context.Context) error {
		var findErr error
		holder, findErr = reconciler.store.FindByExternalIdentity(storeCtx, externalIdentity)
		return findErr
	})
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return storeFailure("lookup", err)
	}
	if holder.Email != email {
		reconciler.logger.Warn("provider email changed for existing account",
			zap.String("user_id", holder.ID),
			zap.String("provider", externalIdentity.Provider))
		return &SyncError{Code: CodeIdentityEmailChanged, Message: "account exists under a different email"}
	}
	return nil
}

func (reconciler *Reconciler) withStore(ctx context.Context, operation func(context.Context) error) error {
	storeCtx, cancel := context.WithTimeout(ctx, reconciler.storeTimeout)
	defer cancel()
	return operation(storeCtx)
}
