package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/harborline/fieldsync/internal/auth"
	"github.com/harborline/fieldsync/internal/config"
	"github.com/harborline/fieldsync/internal/database"
	"github.com/harborline/fieldsync/internal/devices"
	"github.com/harborline/fieldsync/internal/logging"
	"github.com/harborline/fieldsync/internal/server"
	"github.com/harborline/fieldsync/internal/sync"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "fieldsync-api",
		Short: "FieldSync offline-sync backend service",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	setupFlags(rootCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("signing-secret", "", "Bearer token signing secret (overrides env)")
	cmd.PersistentFlags().String("conflict-policy", defaults.GetString("sync.conflict_policy"), "Conflict policy (last-write-wins or reject-on-mismatch)")
	cmd.PersistentFlags().Int("page-size", defaults.GetInt("sync.page_size"), "Maximum rows per change feed page")
	cmd.PersistentFlags().Int("max-batch-size", defaults.GetInt("sync.max_batch_size"), "Maximum mutations per push")
	cmd.PersistentFlags().Int("tombstone-retention-days", defaults.GetInt("sync.tombstone_retention_days"), "Days to retain tombstones before purge")
	cmd.PersistentFlags().Int("purge-interval-minutes", defaults.GetInt("sync.purge_interval_minutes"), "Minutes between tombstone purge sweeps")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "auth.signing_secret", "signing-secret")
	bindFlag(cmd, "sync.conflict_policy", "conflict-policy")
	bindFlag(cmd, "sync.page_size", "page-size")
	bindFlag(cmd, "sync.max_batch_size", "max-batch-size")
	bindFlag(cmd, "sync.tombstone_retention_days", "tombstone-retention-days")
	bindFlag(cmd, "sync.purge_interval_minutes", "purge-interval-minutes")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" && errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}

func runServer(ctx context.Context) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	db, err := database.OpenSQLite(appConfig.DatabasePath, logger)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	tokenIssuer := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(appConfig.SigningSecret),
		Issuer:        "fieldsync-auth",
		Audience:      "fieldsync-api",
	})

	deviceRegistry, err := devices.NewRegistry(devices.RegistryConfig{Database: db})
	if err != nil {
		return err
	}

	watermarks, err := sync.NewWatermarkStore(sync.WatermarkStoreConfig{Database: db, Logger: logger})
	if err != nil {
		return err
	}
	feedReader, err := sync.NewFeedReader(sync.FeedReaderConfig{
		Database: db,
		PageSize: appConfig.PageSize,
		Logger:   logger,
	})
	if err != nil {
		return err
	}
	applier, err := sync.NewApplier(sync.ApplierConfig{
		Database:     db,
		IDProvider:   sync.NewUUIDProvider(),
		Policy:       appConfig.ConflictPolicy,
		MaxBatchSize: appConfig.MaxBatchSize,
		Logger:       logger,
	})
	if err != nil {
		return err
	}
	coordinator, err := sync.NewCoordinator(sync.CoordinatorConfig{
		Feed:       feedReader,
		Applier:    applier,
		Watermarks: watermarks,
		Devices:    deviceRegistry,
		Logger:     logger,
	})
	if err != nil {
		return err
	}
	purger, err := sync.NewPurger(sync.PurgerConfig{
		Database:  db,
		Retention: appConfig.TombstoneRetention,
		Logger:    logger,
	})
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		TokenValidator: tokenIssuer,
		Coordinator:    coordinator,
		Realtime:       server.NewRealtimeDispatcher(),
		Logger:         logger,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:    appConfig.HTTPAddress,
		Handler: handler,
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go purger.Run(signalCtx, appConfig.PurgeInterval)

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting", zap.String("address", appConfig.HTTPAddress))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-signalCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
