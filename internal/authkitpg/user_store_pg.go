package authkitpg

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tyemirov/communityauth/internal/accounts"
)

const uniqueViolationCode = "23505"

const userColumns = `id, email, external_username, provider, external_id, name, avatar_url, role, password_hash, created_at_unix, updated_at_unix`

// PostgresUserStore persists users in PostgreSQL through a pgx pool.
type PostgresUserStore struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

// NewPostgresUserStore constructs a Postgres store.
func NewPostgresUserStore(pool *pgxpool.Pool) *PostgresUserStore {
	return &PostgresUserStore{pool: pool, now: func() time.Time { return time.Now().UTC() }}
}

// FindByEmail looks up a record by normalized email.
func (store *PostgresUserStore) FindByEmail(ctx context.Context, email string) (accounts.UserRecord, error) {
	return store.queryOne(ctx, "find_by_email", `SELECT `+userColumns+` FROM users WHERE email = $1`, email)
}

// FindByExternalIdentity looks up a record by the provider subject it was created from.
func (store *PostgresUserStore) FindByExternalIdentity(ctx context.Context, externalIdentity accounts.ExternalIdentity) (accounts.UserRecord, error) {
	if externalIdentity.Empty() {
		return accounts.UserRecord{}, fmt.Errorf("user_store.find_by_identity.pgx: %w", accounts.ErrNotFound)
	}
	return store.queryOne(ctx, "find_by_identity", `SELECT `+userColumns+` FROM users WHERE provider = $1 AND external_id = $2`,
		externalIdentity.Provider, externalIdentity.ExternalID)
}

// FindByExternalUsername returns the oldest record holding the provider login.
func (store *PostgresUserStore) FindByExternalUsername(ctx context.Context, externalUsername string) (accounts.UserRecord, error) {
	if externalUsername == "" {
		return accounts.UserRecord{}, fmt.Errorf("user_store.find_by_username.pgx: %w", accounts.ErrNotFound)
	}
	return store.queryOne(ctx, "find_by_username", `SELECT `+userColumns+` FROM users WHERE external_username = $1 ORDER BY id LIMIT 1`, externalUsername)
}

// FindByID looks up a record by internal id.
func (store *PostgresUserStore) FindByID(ctx context.Context, userID string) (accounts.UserRecord, error) {
	return store.queryOne(ctx, "find_by_id", `SELECT `+userColumns+` FROM users WHERE id = $1`, userID)
}

// Create inserts a record. Code 23505 surfaces as accounts.ErrConflict.
func (store *PostgresUserStore) Create(ctx context.Context, record accounts.UserRecord) error {
	var provider, externalID *string
	if !record.Identity().Empty() {
		provider, externalID = &record.Provider, &record.ExternalID
	}
	_, err := store.pool.Exec(ctx, `
INSERT INTO users (`+userColumns+`)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
`, record.ID, record.Email, nullableString(record.ExternalUsername), provider, externalID, record.Name, record.AvatarURL,
		string(record.Role), record.PasswordHash, record.CreatedAt.Unix(), record.UpdatedAt.Unix())
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("user_store.create.pgx: %w", accounts.ErrConflict)
		}
		return fmt.Errorf("user_store.create.pgx: %w", err)
	}
	return nil
}

// RefreshProfile rewrites the profile fields of one record.
func (store *PostgresUserStore) RefreshProfile(ctx context.Context, userID string, update accounts.ProfileUpdate) (accounts.UserRecord, error) {
	return store.queryOne(ctx, "refresh", `
UPDATE users
SET name = $2, avatar_url = $3, external_username = $4, updated_at_unix = $5
WHERE id = $1
RETURNING `+userColumns, userID, update.Name, update.AvatarURL, nullableString(update.ExternalUsername), store.now().Unix())
}

// SetPasswordHash writes the hash only while the stored hash is empty.
func (store *PostgresUserStore) SetPasswordHash(ctx context.Context, userID string, passwordHash string) (accounts.UserRecord, error) {
	record, err := store.queryOne(ctx, "set_password", `
UPDATE users
SET password_hash = $2, updated_at_unix = $3
WHERE id = $1 AND password_hash = ''
RETURNING `+userColumns, userID, passwordHash, store.now().Unix())
	if err == nil {
		return record, nil
	}
	if !errors.Is(err, accounts.ErrNotFound) {
		return accounts.UserRecord{}, err
	}
	if _, findErr := store.FindByID(ctx, userID); findErr != nil {
		return accounts.UserRecord{}, findErr
	}
	return accounts.UserRecord{}, fmt.Errorf("user_store.set_password.pgx: %w", accounts.ErrPasswordAlreadySet)
}

// SetRole changes the role of one record.
func (store *PostgresUserStore) SetRole(ctx context.Context, userID string, role accounts.Role) error {
	tag, err := store.pool.Exec(ctx, `UPDATE users SET role = $2, updated_at_unix = $3 WHERE id = $1`, userID, string(role), store.now().Unix())
	if err != nil {
		return fmt.Errorf("user_store.set_role.pgx: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("user_store.set_role.pgx: %w", accounts.ErrNotFound)
	}
	return nil
}

// Ping checks pool connectivity.
func (store *PostgresUserStore) Ping(ctx context.Context) error {
	if err := store.pool.Ping(ctx); err != nil {
		return fmt.Errorf("user_store.ping.pgx: %w", err)
	}
	return nil
}

func (store *PostgresUserStore) queryOne(ctx context.Context, operation string, query string, arguments ...any) (accounts.UserRecord, error) {
	var (
		record           accounts.UserRecord
		externalUsername *string
		provider         *string
		externalID       *string
		role             string
		createdAtUnix    int64
		updatedAtUnix    int64
	)
	err := store.pool.QueryRow(ctx, query, arguments...).Scan(
		&record.ID, &record.Email, &externalUsername, &provider, &externalID, &record.Name, &record.AvatarURL,
		&role, &record.PasswordHash, &createdAtUnix, &updatedAtUnix,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return accounts.UserRecord{}, fmt.Errorf("user_store.%s.pgx: %w", operation, accounts.ErrNotFound)
		}
		return accounts.UserRecord{}, fmt.Errorf("user_store.%s.pgx: %w", operation, err)
	}
	if externalUsername != nil {
		record.ExternalUsername = *externalUsername
	}
	if provider != nil && externalID != nil {
		record.Provider = *provider
		record.ExternalID = *externalID
	}
	record.Role = accounts.Role(role)
	record.CreatedAt = time.Unix(createdAtUnix, 0).UTC()
	record.UpdatedAt = time.Unix(updatedAtUnix, 0).UTC()
	return record, nil
}

func nullableString(value string) *string {
	if value == "" {
		return nil
	}
	return &value
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolationCode
}
