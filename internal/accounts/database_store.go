package accounts

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	sqliteDialector "github.com/glebarez/sqlite"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var (
	// ErrUnsupportedDialect indicates that no GORM dialector is available for the scheme.
	ErrUnsupportedDialect = errors.New("user_store.unsupported_dialect")

	errEmptyDatabaseURL    = errors.New("user_store.empty_database_url")
	errSQLiteEmptyPath     = errors.New("user_store.sqlite.empty_path")
	errSQLiteInvalidURL    = errors.New("user_store.sqlite.invalid_url")
	errUnsupportedNoScheme = errors.New("user_store.unsupported_no_scheme")
)

// RoleAssigner changes roles outside of sync.
type RoleAssigner interface {
	SetRole(ctx context.Context, userID string, role Role) error
}

// DatabaseUserStore persists users using GORM.
type DatabaseUserStore struct {
	db          *gorm.DB
	driverLabel string
}

// Driver exposes the selected database driver label.
func (store *DatabaseUserStore) Driver() string {
	return store.driverLabel
}

type userRow struct {
	ID               string  `gorm:"column:id;primaryKey"`
	Email            string  `gorm:"column:email;uniqueIndex;not null"`
	ExternalUsername *string `gorm:"column:external_username;index:idx_users_external_username_lookup"`
	Provider         *string `gorm:"column:provider;uniqueIndex:idx_users_identity"`
	ExternalID       *string `gorm:"column:external_id;uniqueIndex:idx_users_identity"`
	Name             string  `gorm:"column:name;not null;default:''"`
	AvatarURL        string  `gorm:"column:avatar_url;not null;default:''"`
	Role             string  `gorm:"column:role;not null;default:'user'"`
	PasswordHash     string  `gorm:"column:password_hash;not null;default:''"`
	CreatedAtUnix    int64   `gorm:"column:created_at_unix;not null"`
	UpdatedAtUnix    int64   `gorm:"column:updated_at_unix;not null"`
}

func (userRow) TableName() string {
	return "users"
}

func rowFromRecord(record UserRecord) userRow {
	row := userRow{
		ID:            record.ID,
		Email:         record.Email,
		Name:          record.Name,
		AvatarURL:     record.AvatarURL,
		Role:          string(record.Role),
		PasswordHash:  record.PasswordHash,
		CreatedAtUnix: record.CreatedAt.Unix(),
		UpdatedAtUnix: record.UpdatedAt.Unix(),
	}
	if record.ExternalUsername != "" {
		username := record.ExternalUsername
		row.ExternalUsername = &username
	}
	if !record.Identity().Empty() {
		provider, externalID := record.Provider, record.ExternalID
		row.Provider = &provider
		row.ExternalID = &externalID
	}
	return row
}

func (row userRow) record() UserRecord {
	record := UserRecord{
		ID:           row.ID,
		Email:        row.Email,
		Name:         row.Name,
		AvatarURL:    row.AvatarURL,
		Role:         Role(row.Role),
		PasswordHash: row.PasswordHash,
		CreatedAt:    time.Unix(row.CreatedAtUnix, 0).UTC(),
		UpdatedAt:    time.Unix(row.UpdatedAtUnix, 0).UTC(),
	}
	if row.ExternalUsername != nil {
		record.ExternalUsername = *row.ExternalUsername
	}
	if row.Provider != nil && row.ExternalID != nil {
		record.Provider = *row.Provider
		record.ExternalID = *row.ExternalID
	}
	return record
}

// NewDatabaseUserStore opens the database named by databaseURL and migrates the users table.
func NewDatabaseUserStore(ctx context.Context, databaseURL string) (*DatabaseUserStore, error) {
	if strings.TrimSpace(databaseURL) == "" {
		return nil, fmt.Errorf("user_store.open: %w", errEmptyDatabaseURL)
	}
	dialector, driverLabel, err := resolveDialector(databaseURL)
	if err != nil {
		return nil, err
	}
	gormDB, openErr := gorm.Open(dialector, &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	if openErr != nil {
		return nil, fmt.Errorf("user_store.open.%s: %w", driverLabel, openErr)
	}
	if migrateErr := gormDB.WithContext(ctx).AutoMigrate(&userRow{}); migrateErr != nil {
		return nil, fmt.Errorf("user_store.migrate.%s: %w", driverLabel, migrateErr)
	}
	return &DatabaseUserStore{
		db:          gormDB,
		driverLabel: driverLabel,
	}, nil
}

// FindByEmail looks up a record by normalized email.
func (store *DatabaseUserStore) FindByEmail(ctx context.Context, email string) (UserRecord, error) {
	return store.take(ctx, "find_by_email", "email = ?", email)
}

// FindByExternalIdentity looks up a record by the provider subject it was created from.
func (store *DatabaseUserStore) FindByExternalIdentity(ctx context.Context, externalIdentity ExternalIdentity) (UserRecord, error) {
	if externalIdentity.Empty() {
		return UserRecord{}, fmt.Errorf("user_store.find_by_identity.%s: %w", store.driverLabel, ErrNotFound)
	}
	return store.take(ctx, "find_by_identity", "provider = ? AND external_id = ?", externalIdentity.Provider, externalIdentity.ExternalID)
}

// FindByExternalUsername returns the oldest record holding the provider login.
func (store *DatabaseUserStore) FindByExternalUsername(ctx context.Context, externalUsername string) (UserRecord, error) {
	if externalUsername == "" {
		return UserRecord{}, fmt.Errorf("user_store.find_by_username.%s: %w", store.driverLabel, ErrNotFound)
	}
	return store.take(ctx, "find_by_username", "external_username = ?", externalUsername)
}

// FindByID looks up a record by internal id.
func (store *DatabaseUserStore) FindByID(ctx context.Context, userID string) (UserRecord, error) {
	return store.take(ctx, "find_by_id", "id = ?", userID)
}

// Create inserts a record. Uniqueness violations surface as ErrConflict.
func (store *DatabaseUserStore) Create(ctx context.Context, record UserRecord) error {
	row := rowFromRecord(record)
	if err := store.db.WithContext(ctx).Create(&row).Error; err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("user_store.create.%s: %w", store.driverLabel, ErrConflict)
		}
		return fmt.Errorf("user_store.create.%s: %w", store.driverLabel, err)
	}
	return nil
}

// RefreshProfile rewrites the profile fields of one record.
func (store *DatabaseUserStore) RefreshProfile(ctx context.Context, userID string, update ProfileUpdate) (UserRecord, error) {
	var username *string
	if update.ExternalUsername != "" {
		value := update.ExternalUsername
		username = &value
	}
	result := store.db.WithContext(ctx).Model(&userRow{}).
		Where("id = ?", userID).
		Updates(map[string]any{
			"name":              update.Name,
			"avatar_url":        update.AvatarURL,
			"external_username": username,
			"updated_at_unix":   time.Now().UTC().Unix(),
		})
	if result.Error != nil {
		return UserRecord{}, fmt.Errorf("user_store.refresh.%s: %w", store.driverLabel, result.Error)
	}
	if result.RowsAffected == 0 {
		return UserRecord{}, fmt.Errorf("user_store.refresh.%s: %w", store.driverLabel, ErrNotFound)
	}
	return store.FindByID(ctx, userID)
}

// SetPasswordHash writes the hash only while the stored hash is empty.
func (store *DatabaseUserStore) SetPasswordHash(ctx context.Context, userID string, passwordHash string) (UserRecord, error) {
	result := store.db.WithContext(ctx).Model(&userRow{}).
		Where("id = ? AND password_hash = ''", userID).
		Updates(map[string]any{
			"password_hash":   passwordHash,
			"updated_at_unix": time.Now().UTC().Unix(),
		})
	if result.Error != nil {
		return UserRecord{}, fmt.Errorf("user_store.set_password.%s: %w", store.driverLabel, result.Error)
	}
	if result.RowsAffected == 0 {
		if _, findErr := store.FindByID(ctx, userID); findErr != nil {
			return UserRecord{}, findErr
		}
		return UserRecord{}, fmt.Errorf("user_store.set_password.%s: %w", store.driverLabel, ErrPasswordAlreadySet)
	}
	return store.FindByID(ctx, userID)
}

// SetRole changes the role of one record.
func (store *DatabaseUserStore) SetRole(ctx context.Context, userID string, role Role) error {
	result := store.db.WithContext(ctx).Model(&userRow{}).
		Where("id = ?", userID).
		Updates(map[string]any{"role": string(role), "updated_at_unix": time.Now().UTC().Unix()})
	if result.Error != nil {
		return fmt.Errorf("user_store.set_role.%s: %w", store.driverLabel, result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("user_store.set_role.%s: %w", store.driverLabel, ErrNotFound)
	}
	return nil
}

// Ping checks the underlying connection.
func (store *DatabaseUserStore) Ping(ctx context.Context) error {
	sqlDB, err := store.db.DB()
	if err != nil {
		return fmt.Errorf("user_store.ping.%s: %w", store.driverLabel, err)
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		return fmt.Errorf("user_store.ping.%s: %w", store.driverLabel, err)
	}
	return nil
}

// Close releases the connection pool.
func (store *DatabaseUserStore) Close() error {
	sqlDB, err := store.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (store *DatabaseUserStore) take(ctx context.Context, operation string, query string, arguments ...any) (UserRecord, error) {
	var row userRow
	err := store.db.WithContext(ctx).Where(query, arguments...).Order("id").Take(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return UserRecord{}, fmt.Errorf("user_store.%s.%s: %w", operation, store.driverLabel, ErrNotFound)
		}
		return UserRecord{}, fmt.Errorf("user_store.%s.%s: %w", operation, store.driverLabel, err)
	}
	return row.record(), nil
}

func isUniqueViolation(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return true
	}
	return strings.Contains(strings.ToLower(err.Error()), "unique constraint")
}

func resolveDialector(databaseURL string) (gorm.Dialector, string, error) {
	parsed, err := url.Parse(databaseURL)
	if err != nil {
		return nil, "", fmt.Errorf("user_store.parse_url: %w", err)
	}
	if parsed.Scheme == "" {
		return nil, "", fmt.Errorf("user_store.dialect: %w", errUnsupportedNoScheme)
	}
	switch strings.ToLower(parsed.Scheme) {
	case "postgres", "postgresql":
		return postgres.Open(databaseURL), "postgres", nil
	case "sqlite", "sqlite3":
		dsn, dsnErr := buildSQLiteDSN(parsed)
		if dsnErr != nil {
			return nil, "", fmt.Errorf("user_store.sqlite: %w", dsnErr)
		}
		return sqliteDialector.Open(dsn), "sqlite", nil
	default:
		return nil, "", fmt.Errorf("user_store.dialect.%s: %w", strings.ToLower(parsed.Scheme), ErrUnsupportedDialect)
	}
}

func buildSQLiteDSN(parsed *url.URL) (string, error) {
	if parsed == nil {
		return "", errSQLiteInvalidURL
	}
	var builder strings.Builder
	switch {
	case parsed.Opaque != "":
		builder.WriteString(parsed.Opaque)
	case parsed.Host != "":
		builder.WriteString(parsed.Host)
		if parsed.Path != "" {
			if !strings.HasPrefix(parsed.Path, "/") {
				builder.WriteString("/")
			}
			builder.WriteString(parsed.Path)
		}
	default:
		builder.WriteString(parsed.Path)
	}
	if builder.Len() == 0 {
		return "", errSQLiteEmptyPath
	}
	if parsed.RawQuery != "" {
		builder.WriteString("?")
		builder.WriteString(parsed.RawQuery)
	}
	return builder.String(), nil
}
