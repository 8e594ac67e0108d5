package prefs

import (
	"strings"
	"time"
)

const localProfileKey = "local"

// IdentityRecord persists the operator identity attached to every session.
type IdentityRecord struct {
	ProfileKey string    `gorm:"column:profile_key;primaryKey;size:32;not null"`
	UserID     string    `gorm:"column:user_id;size:190;not null"`
	UserName   string    `gorm:"column:user_name;size:320;not null;default:''"`
	Role       string    `gorm:"column:user_role;size:64;not null;default:''"`
	CreatedAt  time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt  time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName exposes the table backing the local identity.
func (IdentityRecord) TableName() string {
	return "client_identities"
}

// Preference is a single boolean client preference.
type Preference struct {
	ProfileKey string    `gorm:"column:profile_key;primaryKey;size:32;not null"`
	Name       string    `gorm:"column:name;primaryKey;size:64;not null"`
	Enabled    bool      `gorm:"column:enabled;not null"`
	UpdatedAt  time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName exposes the table backing client preferences.
func (Preference) TableName() string {
	return "client_preferences"
}

func normalize(value string) string {
	return strings.TrimSpace(value)
}
