package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MarcoPoloResearchLab/tessera/backend/internal/assets"
	"github.com/MarcoPoloResearchLab/tessera/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/tessera/backend/internal/config"
	"github.com/MarcoPoloResearchLab/tessera/backend/internal/database"
	"github.com/MarcoPoloResearchLab/tessera/backend/internal/history"
	"github.com/MarcoPoloResearchLab/tessera/backend/internal/lease"
	"github.com/MarcoPoloResearchLab/tessera/backend/internal/logging"
	"github.com/MarcoPoloResearchLab/tessera/backend/internal/realtime"
	"github.com/MarcoPoloResearchLab/tessera/backend/internal/server"
	"github.com/MarcoPoloResearchLab/tessera/backend/internal/sessions"
	"github.com/MarcoPoloResearchLab/tessera/backend/internal/state"
	"github.com/MarcoPoloResearchLab/tessera/backend/internal/users"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "tessera-api",
		Short: "Tessera collaborative board backend",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	setupFlags(rootCmd)
	rootCmd.AddCommand(newCompactCommand())

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
	cmd.PersistentFlags().String("log-file", defaults.GetString("log.file"), "Optional rotating log file")
	cmd.PersistentFlags().String("signing-secret", "", "Session signing secret (overrides env)")
	cmd.PersistentFlags().String("redis-url", defaults.GetString("redis.url"), "Redis URL for board ownership leases")
	cmd.PersistentFlags().Bool("compact-on-startup", defaults.GetBool("compaction.on_startup"), "Compact every board before serving")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "log.file", "log-file")
	bindFlag(cmd, "auth.signing_secret", "signing-secret")
	bindFlag(cmd, "redis.url", "redis-url")
	bindFlag(cmd, "compaction.on_startup", "compact-on-startup")
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

func newCompactCommand() *cobra.Command {
	var full bool
	cmd := &cobra.Command{
		Use:   "compact",
		Short: "Compact the stored history of every board and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCompaction(cmd.Context(), full)
		},
	}
	cmd.Flags().BoolVar(&full, "full", false, "Repartition bundles by hour and rebuild inconsistent history")
	return cmd
}

func newLogger(appConfig config.AppConfig) (*zap.Logger, error) {
	return logging.NewLogger(appConfig.LogLevel, logging.FileConfig{
		Path:       appConfig.LogFile,
		MaxSizeMB:  appConfig.LogMaxSizeMB,
		MaxBackups: appConfig.LogMaxBackups,
		MaxAgeDays: appConfig.LogMaxAgeDays,
	})
}

func openStore(appConfig config.AppConfig, logger *zap.Logger) (*history.Store, *gorm.DB, error) {
	db, err := database.OpenSQLite(appConfig.DatabasePath, logger)
	if err != nil {
		return nil, nil, err
	}
	if err := database.Migrate(db, logger); err != nil {
		return nil, nil, err
	}
	store, err := history.NewStore(history.StoreConfig{
		Database:       db,
		Clock:          time.Now,
		Logger:         logger,
		DisableRebuild: !appConfig.AllowRebuild,
	})
	if err != nil {
		return nil, nil, err
	}
	return store, db, nil
}

func runCompaction(ctx context.Context, full bool) error {
	appConfig, err := config.LoadStorage(viper.GetViper())
	if err != nil {
		return err
	}
	logger, err := newLogger(appConfig)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	store, db, err := openStore(appConfig, logger)
	if err != nil {
		return err
	}
	if sqlDB, err := db.DB(); err == nil {
		defer sqlDB.Close()
	}

	return compactAll(ctx, store, appConfig.CompactionConcurrency, full, logger)
}

// compactAll sweeps every stored board and logs how many compactions ran.
func compactAll(ctx context.Context, store *history.Store, concurrency int, full bool, logger *zap.Logger) error {
	compacted, err := store.CompactAll(ctx, concurrency, full)
	if err != nil {
		return err
	}
	logger.Info("compaction finished", zap.Int("compacted", compacted), zap.Bool("full", full))
	return nil
}

func newLease(ctx context.Context, appConfig config.AppConfig, logger *zap.Logger) (lease.Lease, func(), error) {
	if appConfig.RedisURL == "" {
		return lease.Noop{}, func() {}, nil
	}
	options, err := redis.ParseURL(appConfig.RedisURL)
	if err != nil {
		return nil, nil, fmt.Errorf("parse redis.url: %w", err)
	}
	client := redis.NewClient(options)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, nil, fmt.Errorf("connect to redis: %w", err)
	}
	nodeID := appConfig.LeaseNodeID
	if nodeID == "" {
		nodeID = uuid.NewString()
	}
	boardLease, err := lease.NewRedis(lease.RedisConfig{
		Client: client,
		NodeID: nodeID,
		TTL:    appConfig.LeaseTTL,
		Logger: logger,
	})
	if err != nil {
		_ = client.Close()
		return nil, nil, err
	}
	logger.Info("board ownership leases enabled", zap.String("node_id", nodeID))
	return boardLease, func() { _ = client.Close() }, nil
}

func runServer(ctx context.Context) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := newLogger(appConfig)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	store, db, err := openStore(appConfig, logger)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if appConfig.CompactOnStartup {
		if err := compactAll(signalCtx, store, appConfig.CompactionConcurrency, false, logger); err != nil {
			return err
		}
	}

	boardLease, closeLease, err := newLease(signalCtx, appConfig, logger)
	if err != nil {
		return err
	}
	defer closeLease()

	cache, err := state.NewCache(state.CacheConfig{
		Storage:       store,
		Compactor:     store,
		Lease:         boardLease,
		FlushInterval: appConfig.FlushInterval,
		LockTTL:       appConfig.LockTTL,
		Clock:         time.Now,
		Logger:        logger,
	})
	if err != nil {
		return err
	}

	router, err := realtime.NewRouter(realtime.RouterConfig{
		Cache:          cache,
		History:        store,
		ChunkSize:      appConfig.HistoryChunkSize,
		LockDebounce:   appConfig.LockDebounce,
		CursorInterval: appConfig.CursorInterval,
		Logger:         logger,
	})
	if err != nil {
		return err
	}
	defer router.Close()

	registry := sessions.NewRegistry(sessions.RegistryConfig{QueueSize: appConfig.OutboundQueue, Logger: logger})

	identities, err := users.NewService(users.ServiceConfig{Database: db, Clock: time.Now, Logger: logger})
	if err != nil {
		return err
	}

	validator, err := auth.NewSessionValidator(auth.SessionValidatorConfig{
		SigningSecret: []byte(appConfig.TAuthSigningKey),
		Issuer:        appConfig.TAuthIssuer,
		CookieName:    appConfig.TAuthCookieName,
	})
	if err != nil {
		return err
	}

	signer, err := assets.NewSignerFromConfig(signalCtx, assets.Config{
		Type:              appConfig.AssetsType,
		StaticBaseURL:     appConfig.AssetsBaseURL,
		S3Bucket:          appConfig.S3Bucket,
		S3Region:          appConfig.S3Region,
		S3Prefix:          appConfig.S3Prefix,
		S3Endpoint:        appConfig.S3Endpoint,
		S3AccessKeyID:     appConfig.S3AccessKeyID,
		S3SecretAccessKey: appConfig.S3SecretKey,
		URLTTL:            appConfig.AssetsURLTTL,
	})
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Validator:      validator,
		Users:          identities,
		Boards:         store,
		Realtime:       router,
		Registry:       registry,
		Signer:         signer,
		AllowedOrigins: appConfig.AllowedOrigins,
		Logger:         logger,
	})
	if err != nil {
		return err
	}

	cacheCtx, stopCache := context.WithCancel(context.Background())
	cacheDone := make(chan struct{})
	go func() {
		defer close(cacheDone)
		cache.Run(cacheCtx)
	}()
	defer func() {
		stopCache()
		<-cacheDone
	}()

	httpServer := &http.Server{
		Addr:    appConfig.HTTPAddress,
		Handler: handler,
	}

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
		err := httpServer.Shutdown(shutdownCtx)
		registry.CloseAll()
		return err
	case err := <-errCh:
		registry.CloseAll()
		return err
	}
}
