// Package accounts owns the internal user store, identity reconciliation, and the one-time
// password finalization of freshly created accounts.
package accounts

import "time"

// Role is the privilege level of a user. Sync never changes it.
type Role string

// Supported roles.
const (
	RoleUser  Role = "user"
	RoleAdmin Role = "admin"
)

// Valid reports whether the role is one of the known values.
func (role Role) Valid() bool {
	return role == RoleUser || role == RoleAdmin
}

// Stage is carried in the session credential so finalization never has to rediscover
// whether an account is new.
type Stage string

// Session stages.
const (
	StageNeedsPassword Stage = "needs_password"
	StageComplete      Stage = "complete"
)

// UserRecord is the durable internal account.
type UserRecord struct {
	ID               string
	Name             string
	Email            string
	AvatarURL        string
	ExternalUsername string
	Provider         string
	ExternalID       string
	Role             Role
	PasswordHash     string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// ExternalIdentity is the stable provider subject an account was created from.
type ExternalIdentity struct {
	Provider   string
	ExternalID string
}

// Empty reports whether either half of the identity is missing.
func (externalIdentity ExternalIdentity) Empty() bool {
	return externalIdentity.Provider == "" || externalIdentity.ExternalID == ""
}

// Identity returns the provider subject recorded at creation.
func (record UserRecord) Identity() ExternalIdentity {
	return ExternalIdentity{Provider: record.Provider, ExternalID: record.ExternalID}
}

// HasPassword reports whether finalization already happened.
func (record UserRecord) HasPassword() bool {
	return record.PasswordHash != ""
}

// ProfileUpdate holds the only fields a sync may refresh.
type ProfileUpdate struct {
	Name             string
	AvatarURL        string
	ExternalUsername string
}

// Resolution is the outcome of one reconciliation.
type Resolution struct {
	User  UserRecord
	IsNew bool
}

// Stage maps the resolution to the stage carried by its session token.
func (resolution Resolution) Stage() Stage {
	if resolution.IsNew {
		return StageNeedsPassword
	}
	return StageComplete
}

// PublicProfile is the client-facing projection of a UserRecord.
type PublicProfile struct {
	ID               string `json:"id"`
	Name             string `json:"name"`
	Email            string `json:"email"`
	AvatarURL        string `json:"avatar_url"`
	ExternalUsername string `json:"external_username"`
	Role             Role   `json:"role"`
	HasPassword      bool   `json:"has_password"`
}

// Public strips private fields.
func (record UserRecord) Public() PublicProfile {
	return PublicProfile{
		ID:               record.ID,
		Name:             record.Name,
		Email:            record.Email,
		AvatarURL:        record.AvatarURL,
		ExternalUsername: record.ExternalUsername,
		Role:             record.Role,
		HasPassword:      record.HasPassword(),
	}
}
