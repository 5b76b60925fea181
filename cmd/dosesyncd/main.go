package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/alandooley/reta-sub002/doseapi"
	"github.com/alandooley/reta-sub002/dosesync"
)

const envPrefix = "DOSESYNC"

func main() {
	rootCmd := &cobra.Command{
		Use:   "dosesyncd",
		Short: "Tracker sync API server and client",
	}

	viper.SetEnvPrefix(envPrefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()
	viper.SetDefault("log.level", "info")

	rootCmd.PersistentFlags().String("log-level", viper.GetString("log.level"), "Log level (debug, info, warn, error)")
	bindFlag(rootCmd, "log.level", "log-level")

	rootCmd.AddCommand(newServeCmd(), newSyncCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the sync API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	viper.SetDefault("http.address", "0.0.0.0:8080")

	cmd.Flags().String("http-address", viper.GetString("http.address"), "HTTP listen address")
	cmd.Flags().String("database-url", "", "Postgres connection URL (empty runs in-memory storage)")
	cmd.Flags().String("jwt-secret", "", "HS256 signing secret (overrides env)")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.url", "database-url")
	bindFlag(cmd, "auth.jwt_secret", "jwt-secret")
	return cmd
}

func newSyncCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Reconcile a local dataset against the sync API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSync(cmd.Context())
		},
	}

	cmd.Flags().String("api-url", "", "Base URL of the sync API")
	cmd.Flags().String("api-token", "", "Bearer token for the sync API")
	cmd.Flags().String("user-id", "", "User the local dataset belongs to")
	cmd.Flags().String("store-path", "dosesync.json", "Local dataset path (.db uses SQLite, anything else JSON)")
	cmd.Flags().Bool("watch", false, "Keep syncing on an interval until interrupted")

	bindFlag(cmd, "api.url", "api-url")
	bindFlag(cmd, "api.token", "api-token")
	bindFlag(cmd, "sync.user_id", "user-id")
	bindFlag(cmd, "sync.store_path", "store-path")
	bindFlag(cmd, "sync.watch", "watch")
	return cmd
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	f := cmd.Flags().Lookup(flag)
	if f == nil {
		f = cmd.PersistentFlags().Lookup(flag)
	}
	if err := viper.BindPFlag(key, f); err != nil {
		panic(err)
	}
}

func runServer(ctx context.Context) error {
	logger := newLogger(viper.GetString("log.level"))
	slog.SetDefault(logger)

	secret := viper.GetString("auth.jwt_secret")
	if secret == "" {
		return fmt.Errorf("jwt secret must be provided (--jwt-secret or %s_AUTH_JWT_SECRET)", envPrefix)
	}

	var storage doseapi.Storage
	if databaseURL := viper.GetString("database.url"); databaseURL != "" {
		pool, err := pgxpool.New(ctx, databaseURL)
		if err != nil {
			return fmt.Errorf("failed to create connection pool: %w", err)
		}
		defer pool.Close()
		storage, err = doseapi.NewPgStorage(ctx, pool)
		if err != nil {
			return err
		}
		logger.Info("Using Postgres storage")
	} else {
		storage = doseapi.NewMemoryStorage()
		logger.Warn("No database URL configured, using in-memory storage")
	}

	auth := doseapi.NewJWTAuth(secret, logger)
	mux := doseapi.NewRouter(storage, auth, logger)

	address := viper.GetString("http.address")
	server := &http.Server{
		Addr:              address,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	shutdownCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("HTTP server listening", "address", address)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server failed: %w", err)
	case <-shutdownCtx.Done():
	}

	logger.Info("Shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return server.Shutdown(ctx)
}

func runSync(ctx context.Context) error {
	logger := newLogger(viper.GetString("log.level"))
	slog.SetDefault(logger)

	apiURL := viper.GetString("api.url")
	if apiURL == "" {
		return fmt.Errorf("api url must be provided (--api-url or %s_API_URL)", envPrefix)
	}
	token := viper.GetString("api.token")
	if token == "" {
		return fmt.Errorf("api token must be provided (--api-token or %s_API_TOKEN)", envPrefix)
	}
	userID := viper.GetString("sync.user_id")
	if userID == "" {
		return fmt.Errorf("user id must be provided (--user-id or %s_SYNC_USER_ID)", envPrefix)
	}

	store, err := openStore(viper.GetString("sync.store_path"), userID, logger)
	if err != nil {
		return err
	}

	api := dosesync.NewAPI(apiURL, dosesync.StaticToken(token), logger)
	client, err := dosesync.NewClient(store, api, userID, nil, logger)
	if err != nil {
		return err
	}
	client.SetFailureHandler(func(f dosesync.PermanentFailure) {
		logger.Error("Change could not be synced",
			"op", f.Entry.Op, "collection", f.Entry.Collection, "record_id", f.Entry.RecordID, "error", f.Err)
	})

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := client.SyncOnce(ctx); err != nil {
		if !viper.GetBool("sync.watch") {
			return fmt.Errorf("sync failed: %w", err)
		}
		logger.Warn("Initial sync failed, continuing in watch mode", "error", err)
	}
	logger.Info("Sync complete", "pending_ops", client.PendingOps())

	if viper.GetBool("sync.watch") {
		logger.Info("Watching for changes")
		client.Run(ctx)
	}
	return nil
}

// openStore picks the local persistence backend from the path extension.
func openStore(path, userID string, logger *slog.Logger) (dosesync.Store, error) {
	if strings.HasSuffix(path, ".db") || strings.HasSuffix(path, ".sqlite") {
		db, err := sql.Open("sqlite3", path)
		if err != nil {
			return nil, fmt.Errorf("failed to open sqlite store: %w", err)
		}
		db.SetMaxOpenConns(1)
		return dosesync.NewSQLiteStore(db, userID, logger)
	}
	return dosesync.NewFileStore(path, logger), nil
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn", "warning":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}
