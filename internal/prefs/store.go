// Package prefs persists the client-side identity record and the sound
// preference that survive across sessions.
package prefs

import (
	"errors"
	"fmt"
	"sync"

	"github.com/MarcoPoloResearchLab/ordersync/internal/protocol"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const soundPreferenceName = "sound_enabled"

// StoreConfig describes the dependencies of a Store.
type StoreConfig struct {
	Database *gorm.DB
	Logger   *zap.Logger
}

// Store reads and writes client preferences. The identity is cached after the
// first read; the sound flag is always read from the database so a change
// made by another process applies to the next cue.
type Store struct {
	db     *gorm.DB
	logger *zap.Logger

	identityMu sync.RWMutex
	identity   *protocol.Identity
}

// NewStore constructs the preference store.
func NewStore(cfg StoreConfig) (*Store, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("prefs: database connection required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{db: cfg.Database, logger: logger}, nil
}

// EnsureIdentity returns the stored identity, creating it from defaults on
// first use. A default without an id receives a fresh UUIDv7. Stored values
// win over defaults, except that a non-empty default name or role replaces
// an empty stored one.
func (s *Store) EnsureIdentity(defaults protocol.Identity) (protocol.Identity, error) {
	s.identityMu.RLock()
	cached := s.identity
	s.identityMu.RUnlock()
	if cached != nil {
		return *cached, nil
	}

	var record IdentityRecord
	err := s.db.Where("profile_key = ?", localProfileKey).First(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		userID := normalize(defaults.ID)
		if userID == "" {
			generated, genErr := uuid.NewV7()
			if genErr != nil {
				return protocol.Identity{}, fmt.Errorf("prefs: generate user id: %w", genErr)
			}
			userID = generated.String()
		}
		record = IdentityRecord{
			ProfileKey: localProfileKey,
			UserID:     userID,
			UserName:   normalize(defaults.Name),
			Role:       normalize(defaults.Role),
		}
		if err := s.db.Create(&record).Error; err != nil {
			return protocol.Identity{}, err
		}
		s.logger.Info("client identity created", zap.String("user_id", record.UserID))
	} else if err != nil {
		return protocol.Identity{}, err
	} else {
		updates := map[string]interface{}{}
		if name := normalize(defaults.Name); name != "" && record.UserName == "" {
			updates["user_name"] = name
			record.UserName = name
		}
		if role := normalize(defaults.Role); role != "" && record.Role == "" {
			updates["user_role"] = role
			record.Role = role
		}
		if len(updates) > 0 {
			if err := s.db.Model(&IdentityRecord{}).
				Where("profile_key = ?", localProfileKey).
				Updates(updates).
				Error; err != nil {
				return protocol.Identity{}, err
			}
		}
	}

	identity := protocol.Identity{ID: record.UserID, Name: record.UserName, Role: record.Role}
	if err := identity.Validate(); err != nil {
		return protocol.Identity{}, err
	}
	s.identityMu.Lock()
	s.identity = &identity
	s.identityMu.Unlock()
	return identity, nil
}

// SaveIdentity overwrites the stored identity.
func (s *Store) SaveIdentity(identity protocol.Identity) error {
	identity.ID = normalize(identity.ID)
	identity.Name = normalize(identity.Name)
	identity.Role = normalize(identity.Role)
	if err := identity.Validate(); err != nil {
		return err
	}
	record := IdentityRecord{
		ProfileKey: localProfileKey,
		UserID:     identity.ID,
		UserName:   identity.Name,
		Role:       identity.Role,
	}
	if err := s.db.Save(&record).Error; err != nil {
		return err
	}
	s.identityMu.Lock()
	s.identity = &identity
	s.identityMu.Unlock()
	return nil
}

// SoundEnabled reports the stored sound flag. An unset flag means enabled.
func (s *Store) SoundEnabled() (bool, error) {
	var preference Preference
	err := s.db.
		Where("profile_key = ? AND name = ?", localProfileKey, soundPreferenceName).
		First(&preference).
		Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return true, nil
	}
	if err != nil {
		return false, err
	}
	return preference.Enabled, nil
}

// SetSoundEnabled stores the sound flag.
func (s *Store) SetSoundEnabled(enabled bool) error {
	preference := Preference{
		ProfileKey: localProfileKey,
		Name:       soundPreferenceName,
		Enabled:    enabled,
	}
	if err := s.db.Save(&preference).Error; err != nil {
		return err
	}
	s.logger.Debug("sound preference stored", zap.Bool("enabled", enabled))
	return nil
}
