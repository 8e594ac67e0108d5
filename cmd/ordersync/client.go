package main

import (
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/MarcoPoloResearchLab/ordersync/internal/config"
	"github.com/MarcoPoloResearchLab/ordersync/internal/database"
	"github.com/MarcoPoloResearchLab/ordersync/internal/logging"
	"github.com/MarcoPoloResearchLab/ordersync/internal/notify"
	"github.com/MarcoPoloResearchLab/ordersync/internal/prefs"
	"github.com/MarcoPoloResearchLab/ordersync/internal/protocol"
	"github.com/MarcoPoloResearchLab/ordersync/internal/sections"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// clientRuntime bundles what the client commands share.
type clientRuntime struct {
	config     config.AppConfig
	logger     *zap.Logger
	prefs      *prefs.Store
	identity   protocol.Identity
	dispatcher *notify.Dispatcher
	committer  *sections.Committer
	close      func()
}

func openClientRuntime() (*clientRuntime, error) {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return nil, err
	}
	logger, err := logging.NewLogger(appConfig.LogLevel, appConfig.LogFormat)
	if err != nil {
		return nil, err
	}

	db, err := database.OpenPrefsSQLite(appConfig.PrefsDatabasePath, logger)
	if err != nil {
		return nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	player := newPlayer(appConfig)
	cleanup := func() {
		if pending, ok := player.(interface{ Wait() }); ok {
			pending.Wait()
		}
		_ = sqlDB.Close()
		_ = logger.Sync()
	}

	store, err := prefs.NewStore(prefs.StoreConfig{Database: db, Logger: logger})
	if err != nil {
		cleanup()
		return nil, err
	}
	identity, err := store.EnsureIdentity(protocol.Identity{
		ID:   appConfig.UserID,
		Name: appConfig.UserName,
		Role: appConfig.UserRole,
	})
	if err != nil {
		cleanup()
		return nil, err
	}

	dispatcher := notify.NewDispatcher(notify.DispatcherConfig{
		Preference: store,
		Player:     player,
		Logger:     logger,
	})

	committer, err := sections.NewCommitter(sections.CommitterConfig{
		BaseURL:    appConfig.BaseURL,
		Identity:   identity,
		HTTPClient: &http.Client{Timeout: appConfig.CommitTimeout},
		Notifier:   dispatcher,
		Logger:     logger,
	})
	if err != nil {
		cleanup()
		return nil, err
	}

	return &clientRuntime{
		config:     appConfig,
		logger:     logger,
		prefs:      store,
		identity:   identity,
		dispatcher: dispatcher,
		committer:  committer,
		close:      cleanup,
	}, nil
}

func newPlayer(appConfig config.AppConfig) notify.Player {
	switch appConfig.SoundPlayer {
	case config.SoundPlayerCommand:
		fields := strings.Fields(appConfig.SoundCommand)
		return &notify.CommandPlayer{Command: fields[0], Args: fields[1:]}
	case config.SoundPlayerNone:
		return notify.NopPlayer{}
	default:
		return &notify.BellPlayer{Out: os.Stderr}
	}
}

func requireOrderID(raw string) (protocol.OrderID, error) {
	orderID, err := protocol.NewOrderID(raw)
	if err != nil {
		return "", fmt.Errorf("--order: %w", err)
	}
	return orderID, nil
}
