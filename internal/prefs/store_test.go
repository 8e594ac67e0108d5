package prefs

import (
	"path/filepath"
	"testing"

	"github.com/MarcoPoloResearchLab/ordersync/internal/notify"
	"github.com/MarcoPoloResearchLab/ordersync/internal/protocol"
	sqlite "github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func openTestDatabase(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "prefs.db")), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&IdentityRecord{}, &Preference{}))
	return db
}

func newTestStore(t *testing.T, db *gorm.DB) *Store {
	t.Helper()
	store, err := NewStore(StoreConfig{Database: db})
	require.NoError(t, err)
	return store
}

func TestEnsureIdentityGeneratesAndPersistsID(t *testing.T) {
	db := openTestDatabase(t)

	identity, err := newTestStore(t, db).EnsureIdentity(protocol.Identity{Name: "Ann", Role: "sales"})
	require.NoError(t, err)
	parsed, err := uuid.Parse(identity.ID)
	require.NoError(t, err)
	assert.Equal(t, uuid.Version(7), parsed.Version())
	assert.Equal(t, "Ann", identity.Name)

	reloaded, err := newTestStore(t, db).EnsureIdentity(protocol.Identity{Name: "Someone Else"})
	require.NoError(t, err)
	assert.Equal(t, identity, reloaded)
}

func TestEnsureIdentityFillsMissingFields(t *testing.T) {
	db := openTestDatabase(t)
	require.NoError(t, newTestStore(t, db).SaveIdentity(protocol.Identity{ID: "u-1"}))

	identity, err := newTestStore(t, db).EnsureIdentity(protocol.Identity{Name: " Bea ", Role: "ops"})
	require.NoError(t, err)
	assert.Equal(t, protocol.Identity{ID: "u-1", Name: "Bea", Role: "ops"}, identity)
}

func TestSaveIdentityRejectsEmptyID(t *testing.T) {
	store := newTestStore(t, openTestDatabase(t))
	require.Error(t, store.SaveIdentity(protocol.Identity{Name: "Ann"}))
}

func TestSoundPreferenceDefaultsOnAndIsReadEveryTime(t *testing.T) {
	db := openTestDatabase(t)
	store := newTestStore(t, db)

	enabled, err := store.SoundEnabled()
	require.NoError(t, err)
	assert.True(t, enabled)

	require.NoError(t, newTestStore(t, db).SetSoundEnabled(false))
	enabled, err = store.SoundEnabled()
	require.NoError(t, err)
	assert.False(t, enabled)

	var _ notify.SoundPreference = store
}

func TestNewStoreRequiresDatabase(t *testing.T) {
	_, err := NewStore(StoreConfig{})
	require.Error(t, err)
}
