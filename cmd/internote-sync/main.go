package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/josephluck/internote-sub000/internal/cache"
	"github.com/josephluck/internote-sub000/internal/config"
	"github.com/josephluck/internote-sub000/internal/database"
	"github.com/josephluck/internote-sub000/internal/logging"
	"github.com/josephluck/internote-sub000/internal/notes"
	"github.com/josephluck/internote-sub000/internal/remote"
	"github.com/josephluck/internote-sub000/internal/syncer"
)

const watchReconnectDelay = 5 * time.Second

var cfgFile string

func main() {
	rootCmd := &cobra.Command{
		Use:   "internote-sync",
		Short: "Internote background sync daemon",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemon(cmd.Context())
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
	cmd.PersistentFlags().String("api-base-url", "", "Note store API base URL")
	cmd.PersistentFlags().String("api-token", "", "Bearer token for the note store API")
	cmd.PersistentFlags().String("cache-path", defaults.GetString("cache.path"), "SQLite cache path")
	cmd.PersistentFlags().Int("sync-interval-seconds", defaults.GetInt("sync.interval_seconds"), "Background sync interval in seconds")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")

	bindFlag(cmd, "api.base_url", "api-base-url")
	bindFlag(cmd, "api.token", "api-token")
	bindFlag(cmd, "cache.path", "cache-path")
	bindFlag(cmd, "sync.interval_seconds", "sync-interval-seconds")
	bindFlag(cmd, "log.level", "log-level")
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

func runDaemon(ctx context.Context) error {
	appConfig, err := config.LoadSync(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	userID, err := tokenSubject(appConfig.Token)
	if err != nil {
		return err
	}

	db, err := database.OpenCache(appConfig.CachePath, logger)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	store, err := cache.NewStore(cache.StoreConfig{Database: db, Logger: logger})
	if err != nil {
		return err
	}

	client, err := remote.NewClient(remote.ClientConfig{
		BaseURL: appConfig.APIBaseURL,
		Token:   appConfig.Token,
		Logger:  logger,
	})
	if err != nil {
		return err
	}

	reconciler, err := syncer.NewReconciler(syncer.ReconcilerConfig{
		Cache:      store,
		Remote:     client,
		UserID:     userID,
		IDProvider: notes.NewUUIDProvider(),
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	scheduler, err := syncer.NewScheduler(syncer.SchedulerConfig{
		Reconciler: reconciler,
		Interval:   appConfig.SyncInterval,
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := reconciler.Warm(signalCtx); err != nil {
		// The daemon still runs offline; the cache warms on the next pass.
		logger.Warn("cache warm failed", zap.Error(err))
	}

	scheduler.Start(signalCtx)
	defer scheduler.Stop()
	scheduler.TriggerSyncNow()

	go watchEvents(signalCtx, client, scheduler, logger)

	logger.Info("sync daemon started",
		zap.String("api", appConfig.APIBaseURL),
		zap.Duration("interval", appConfig.SyncInterval))
	<-signalCtx.Done()
	return nil
}

// watchEvents holds the server's event stream open and turns every change
// event into an immediate sync pass, reconnecting while the daemon runs.
func watchEvents(ctx context.Context, client *remote.Client, scheduler *syncer.Scheduler, logger *zap.Logger) {
	for {
		err := client.Watch(ctx, scheduler.TriggerSyncNow)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			logger.Warn("event stream dropped", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(watchReconnectDelay):
		}
	}
}

// tokenSubject reads the user id out of the bearer token without verifying
// the signature; only the server holds the signing secret, and the server
// re-verifies every request anyway.
func tokenSubject(token string) (string, error) {
	claims := &jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return "", fmt.Errorf("parse api token: %w", err)
	}
	if claims.Subject == "" {
		return "", errors.New("api token carries no subject")
	}
	return claims.Subject, nil
}
