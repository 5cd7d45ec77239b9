package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/barrageforge/barrage/internal/auth"
	"github.com/barrageforge/barrage/internal/blob"
	"github.com/barrageforge/barrage/internal/config"
	"github.com/barrageforge/barrage/internal/database"
	"github.com/barrageforge/barrage/internal/deltasync"
	"github.com/barrageforge/barrage/internal/highscore"
	"github.com/barrageforge/barrage/internal/identity"
	"github.com/barrageforge/barrage/internal/logging"
	"github.com/barrageforge/barrage/internal/publish"
	"github.com/barrageforge/barrage/internal/resource"
	"github.com/barrageforge/barrage/internal/scheduler"
	"github.com/barrageforge/barrage/internal/search"
	"github.com/barrageforge/barrage/internal/server"
	"github.com/barrageforge/barrage/internal/stats"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "barrage-api",
		Short: "Barrage content sync backend service",
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
	cmd.PersistentFlags().String("blob-path", defaults.GetString("blob.path"), "Blob store root directory")
	cmd.PersistentFlags().Int("sync-page-size", defaults.GetInt("sync.page_size"), "Maximum records per sync page")
	cmd.PersistentFlags().Int("token-ttl-minutes", defaults.GetInt("token.ttl_minutes"), "Session token TTL in minutes")
	cmd.PersistentFlags().String("janitor-spec", defaults.GetString("janitor.spec"), "Cron spec for the blob janitor")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("log-format", defaults.GetString("log.format"), "Log format (json, console)")
	cmd.PersistentFlags().String("signing-secret", "", "Session signing secret (overrides env)")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "blob.path", "blob-path")
	bindFlag(cmd, "sync.page_size", "sync-page-size")
	bindFlag(cmd, "token.ttl_minutes", "token-ttl-minutes")
	bindFlag(cmd, "janitor.spec", "janitor-spec")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "log.format", "log-format")
	bindFlag(cmd, "auth.signing_secret", "signing-secret")
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

	logger, err := logging.NewLogger(appConfig.LogLevel, appConfig.LogFormat)
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

	blobStore, err := blob.NewStore(blob.StoreConfig{
		Root:     appConfig.BlobPath,
		Database: db,
		Clock:    time.Now,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	ledger, err := resource.NewLedger(resource.LedgerConfig{
		Database: db,
		Blobs:    blobStore,
		Clock:    time.Now,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	resourceDelta, err := deltasync.NewEngine[resource.Record](db, deltasync.Config{
		OwnerColumn:    "owner_id",
		ChangedColumn:  "uploaded_at_s",
		TiebreakColumn: "resource_id",
		PageSize:       appConfig.SyncPageSize,
		Clock:          time.Now,
	})
	if err != nil {
		return err
	}
	resourceService, err := resource.NewService(resource.ServiceConfig{
		Ledger: ledger,
		Delta:  resourceDelta,
		Clock:  time.Now,
		Logger: logger,
	})
	if err != nil {
		return err
	}

	highscoreDelta, err := deltasync.NewEngine[highscore.Entry](db, deltasync.Config{
		OwnerColumn:    "owner_id",
		ChangedColumn:  "updated_at_s",
		TiebreakColumn: "level_id",
		PageSize:       appConfig.SyncPageSize,
		Clock:          time.Now,
	})
	if err != nil {
		return err
	}
	highscoreService, err := highscore.NewService(highscore.ServiceConfig{
		Database: db,
		Delta:    highscoreDelta,
		Clock:    time.Now,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	statsService, err := stats.NewService(stats.ServiceConfig{
		Database: db,
		Clock:    time.Now,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	searchIndex, err := search.NewIndex(search.IndexConfig{
		Database: db,
		Clock:    time.Now,
	})
	if err != nil {
		return err
	}

	dispatcher := server.NewRealtimeDispatcher(time.Now)

	publisher, err := publish.NewCoordinator(publish.CoordinatorConfig{
		Database: db,
		Index:    searchIndex,
		Ledger:   ledger,
		Notifier: dispatcher,
		Clock:    time.Now,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	publishedDelta, err := deltasync.NewEngine[publish.PublishedDefinition](db, deltasync.Config{
		ChangedColumn:  "published_at_s",
		TiebreakColumn: "resource_id",
		PageSize:       appConfig.SyncPageSize,
		Clock:          time.Now,
	})
	if err != nil {
		return err
	}
	downloadService, err := publish.NewDownloadService(publish.DownloadServiceConfig{
		Database: db,
		Delta:    publishedDelta,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	identityService, err := identity.NewService(identity.ServiceConfig{
		Database: db,
		Clock:    time.Now,
	})
	if err != nil {
		return err
	}

	tokenManager := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(appConfig.SigningSecret),
		Issuer:        "barrage-auth",
		Audience:      "barrage-api",
		TokenTTL:      appConfig.TokenTTL,
	})

	jobs := scheduler.NewService(logger)
	if err := jobs.AddJobWithSpec(appConfig.JanitorSpec, "blob-janitor", &scheduler.BlobJanitorJob{
		Blobs:    blobStore,
		Database: db,
		Logger:   logger,
		Timeout:  5 * time.Minute,
	}); err != nil {
		return err
	}
	jobs.Start()
	defer jobs.Stop()

	handler, err := server.NewHTTPHandler(server.Dependencies{
		TokenManager: tokenManager,
		Identities:   identityService,
		Resources:    resourceService,
		Highscores:   highscoreService,
		Stats:        statsService,
		Downloads:    downloadService,
		Publisher:    publisher,
		Blobs:        blobStore,
		Search:       searchIndex,
		Dispatcher:   dispatcher,
		Clock:        time.Now,
		Logger:       logger,
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
