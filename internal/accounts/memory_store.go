package accounts

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MemoryUserStore is an in-memory store intended for tests and dev.
type MemoryUserStore struct {
	mutex      sync.Mutex
	byID       map[string]*UserRecord
	byEmail    map[string]string
	byIdentity map[ExternalIdentity]string
	now        func() time.Time
}

// NewMemoryUserStore creates an empty store.
func NewMemoryUserStore() *MemoryUserStore {
	return &MemoryUserStore{
		byID:       make(map[string]*UserRecord),
		byEmail:    make(map[string]string),
		byIdentity: make(map[ExternalIdentity]string),
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// FindByEmail looks up a record by normalized email.
func (store *MemoryUserStore) FindByEmail(ctx context.Context, email string) (UserRecord, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	userID, ok := store.byEmail[email]
	if !ok || email == "" {
		return UserRecord{}, fmt.Errorf("user_store.find.memory: %w", ErrNotFound)
	}
	return *store.byID[userID], nil
}

// FindByExternalIdentity looks up a record by the provider subject it was created from.
func (store *MemoryUserStore) FindByExternalIdentity(ctx context.Context, externalIdentity ExternalIdentity) (UserRecord, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	if externalIdentity.Empty() {
		return UserRecord{}, fmt.Errorf("user_store.find_by_identity.memory: %w", ErrNotFound)
	}
	userID, ok := store.byIdentity[externalIdentity]
	if !ok {
		return UserRecord{}, fmt.Errorf("user_store.find_by_identity.memory: %w", ErrNotFound)
	}
	return *store.byID[userID], nil
}

// FindByExternalUsername returns the oldest record holding the provider login.
func (store *MemoryUserStore) FindByExternalUsername(ctx context.Context, externalUsername string) (UserRecord, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	var oldest *UserRecord
	for _, record := range store.byID {
		if externalUsername == "" || record.ExternalUsername != externalUsername {
			continue
		}
		if oldest == nil || record.ID < oldest.ID {
			oldest = record
		}
	}
	if oldest == nil {
		return UserRecord{}, fmt.Errorf("user_store.find_by_username.memory: %w", ErrNotFound)
	}
	return *oldest, nil
}

// FindByID looks up a record by internal id.
func (store *MemoryUserStore) FindByID(ctx context.Context, userID string) (UserRecord, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	record, ok := store.byID[userID]
	if !ok {
		return UserRecord{}, fmt.Errorf("user_store.find.memory: %w", ErrNotFound)
	}
	return *record, nil
}

// Create inserts a record, rejecting duplicate ids, emails, and external identities.
func (store *MemoryUserStore) Create(ctx context.Context, record UserRecord) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()

	if _, exists := store.byID[record.ID]; exists {
		return fmt.Errorf("user_store.create.memory: %w", ErrConflict)
	}
	if _, exists := store.byEmail[record.Email]; exists {
		return fmt.Errorf("user_store.create.memory: %w", ErrConflict)
	}
	if !record.Identity().Empty() {
		if _, exists := store.byIdentity[record.Identity()]; exists {
			return fmt.Errorf("user_store.create.memory: %w", ErrConflict)
		}
	}
	stored := record
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = store.now()
	}
	if stored.UpdatedAt.IsZero() {
		stored.UpdatedAt = stored.CreatedAt
	}
	store.byID[stored.ID] = &stored
	store.byEmail[stored.Email] = stored.ID
	if !stored.Identity().Empty() {
		store.byIdentity[stored.Identity()] = stored.ID
	}
	return nil
}

// RefreshProfile rewrites the profile fields of one record.
func (store *MemoryUserStore) RefreshProfile(ctx context.Context, userID string, update ProfileUpdate) (UserRecord, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()

	record, ok := store.byID[userID]
	if !ok {
		return UserRecord{}, fmt.Errorf("user_store.refresh.memory: %w", ErrNotFound)
	}
	record.Name = update.Name
	record.AvatarURL = update.AvatarURL
	record.ExternalUsername = update.ExternalUsername
	record.UpdatedAt = store.now()
	return *record, nil
}

// SetPasswordHash stores the hash once.
func (store *MemoryUserStore) SetPasswordHash(ctx context.Context, userID string, passwordHash string) (UserRecord, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()

	record, ok := store.byID[userID]
	if !ok {
		return UserRecord{}, fmt.Errorf("user_store.set_password.memory: %w", ErrNotFound)
	}
	if record.PasswordHash != "" {
		return UserRecord{}, fmt.Errorf("user_store.set_password.memory: %w", ErrPasswordAlreadySet)
	}
	record.PasswordHash = passwordHash
	record.UpdatedAt = store.now()
	return *record, nil
}

// Ping always succeeds.
func (store *MemoryUserStore) Ping(ctx context.Context) error {
	return nil
}

// SetRole changes the role of one record. Provisioning tools use it; sync never does.
func (store *MemoryUserStore) SetRole(ctx context.Context, userID string, role Role) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	record, ok := store.byID[userID]
	if !ok {
		return fmt.Errorf("user_store.set_role.memory: %w", ErrNotFound)
	}
	record.Role = role
	return nil
}
