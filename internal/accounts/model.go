package accounts

import (
	"strings"
	"time"
)

// Account is the canonical identity record. The password hash is empty for
// accounts created through social login; such accounts must carry at least
// one ExternalIdentity.
type Account struct {
	ID           string    `gorm:"column:id;primaryKey;size:36;not null"`
	Email        string    `gorm:"column:email;size:320;not null;uniqueIndex"`
	PasswordHash string    `gorm:"column:password_hash;size:120"`
	Staff        bool      `gorm:"column:is_staff;not null;default:false"`
	CreatedAt    time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt    time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName exposes the table backing accounts.
func (Account) TableName() string {
	return "accounts"
}

// HasPassword reports whether the account can authenticate with a password.
func (a Account) HasPassword() bool {
	return a.PasswordHash != ""
}

// Profile carries the public-facing attributes of an account. Every account
// has exactly one profile, created in the same transaction as the account.
type Profile struct {
	AccountID   string    `gorm:"column:account_id;primaryKey;size:36;not null"`
	DisplayName string    `gorm:"column:display_name;size:150"`
	Bio         string    `gorm:"column:bio;size:500"`
	CreatedAt   time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt   time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName exposes the table backing profiles.
func (Profile) TableName() string {
	return "profiles"
}

// ExternalIdentity binds a (provider, subject) pair from an OAuth provider to
// exactly one account. Rows are immutable once written and removed only with
// the owning account.
type ExternalIdentity struct {
	Provider  string    `gorm:"column:provider;primaryKey;size:32;not null"`
	Subject   string    `gorm:"column:subject;primaryKey;size:190;not null"`
	AccountID string    `gorm:"column:account_id;size:36;not null;index"`
	CreatedAt time.Time `gorm:"column:created_at;autoCreateTime"`
}

// TableName exposes the table backing external identities.
func (ExternalIdentity) TableName() string {
	return "external_identities"
}

// NormalizeEmail lowercases and trims an address so uniqueness checks treat
// case variants as the same identity.
func NormalizeEmail(value string) string {
	return strings.ToLower(strings.TrimSpace(value))
}
