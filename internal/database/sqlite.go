package database

import (
	"fmt"

	"github.com/MarcoPoloResearchLab/ordersync/internal/prefs"
	"github.com/MarcoPoloResearchLab/ordersync/internal/sections"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// OpenHubSQLite opens the hub's section version store and migrates its schema.
func OpenHubSQLite(path string, logger *zap.Logger) (*gorm.DB, error) {
	db, err := openSQLite(path)
	if err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(&sections.Record{}, &sections.Change{}, &migrationRecord{}); err != nil {
		return nil, err
	}
	if err := applyMigrations(db, hubMigrations(), logger); err != nil {
		return nil, err
	}
	if logger != nil {
		logger.Info("hub database initialized", zap.String("path", path))
	}
	return db, nil
}

// OpenPrefsSQLite opens the client preference store and migrates its schema.
func OpenPrefsSQLite(path string, logger *zap.Logger) (*gorm.DB, error) {
	db, err := openSQLite(path)
	if err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(&prefs.IdentityRecord{}, &prefs.Preference{}); err != nil {
		return nil, err
	}
	if logger != nil {
		logger.Info("preference database initialized", zap.String("path", path))
	}
	return db, nil
}

func openSQLite(path string) (*gorm.DB, error) {
	if path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{})
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)
	return db, nil
}
