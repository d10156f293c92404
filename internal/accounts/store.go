package accounts

import "context"

// UserStore persists UserRecords. Every mutation touches exactly one row.
type UserStore interface {
	// FindByEmail returns ErrNotFound when no record has the normalized email.
	FindByEmail(ctx context.Context, email string) (UserRecord, error)
	// FindByExternalIdentity returns ErrNotFound when no record was created from the provider subject.
	FindByExternalIdentity(ctx context.Context, externalIdentity ExternalIdentity) (UserRecord, error)
	// FindByExternalUsername returns ErrNotFound when no record has the username. Usernames
	// are not unique; any holder may be returned.
	FindByExternalUsername(ctx context.Context, externalUsername string) (UserRecord, error)
	// FindByID returns ErrNotFound when the id is unknown.
	FindByID(ctx context.Context, userID string) (UserRecord, error)
	// Create inserts the record and returns ErrConflict when the email or external identity is taken.
	Create(ctx context.Context, record UserRecord) error
	// RefreshProfile rewrites name, avatar, and external username only.
	RefreshProfile(ctx context.Context, userID string, update ProfileUpdate) (UserRecord, error)
	// SetPasswordHash writes the hash only while none is stored; otherwise ErrPasswordAlreadySet.
	SetPasswordHash(ctx context.Context, userID string, passwordHash string) (UserRecord, error)
	// Ping reports store reachability.
	Ping(ctx context.Context) error
}
