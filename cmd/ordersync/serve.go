package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/MarcoPoloResearchLab/ordersync/internal/config"
	"github.com/MarcoPoloResearchLab/ordersync/internal/database"
	"github.com/MarcoPoloResearchLab/ordersync/internal/hub"
	"github.com/MarcoPoloResearchLab/ordersync/internal/logging"
	"github.com/MarcoPoloResearchLab/ordersync/internal/sections"
	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 10 * time.Second

func newServeCommand() *cobra.Command {
	defaults := config.NewViper()
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the reference order collaboration hub",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}
	cmd.Flags().String("http-address", defaults.GetString("hub.address"), "HTTP listen address")
	cmd.Flags().String("database-path", defaults.GetString("hub.database_path"), "SQLite database path for section versions")
	cmd.Flags().StringSlice("allowed-origins", defaults.GetStringSlice("hub.allowed_origins"), "CORS allowed origins")
	bindLocalFlag(cmd, "hub.address", "http-address")
	bindLocalFlag(cmd, "hub.database_path", "database-path")
	bindLocalFlag(cmd, "hub.allowed_origins", "allowed-origins")
	return cmd
}

func runServer(ctx context.Context) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel, appConfig.LogFormat)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	db, err := database.OpenHubSQLite(appConfig.HubDatabasePath, logger)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	store, err := sections.NewStore(sections.StoreConfig{
		Database:   db,
		Clock:      time.Now,
		IDProvider: sections.NewUUIDProvider(),
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	gin.SetMode(gin.ReleaseMode)
	handler, err := hub.NewHTTPHandler(hub.Dependencies{
		Sections:       store,
		Rooms:          hub.NewRooms(),
		Logger:         logger,
		AllowedOrigins: appConfig.AllowedOrigins,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:              appConfig.HTTPAddress,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	group, groupCtx := errgroup.WithContext(signalCtx)
	group.Go(func() error {
		logger.Info("hub starting", zap.String("address", appConfig.HTTPAddress))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		logger.Info("hub stopping")
		return httpServer.Shutdown(shutdownCtx)
	})
	return group.Wait()
}
