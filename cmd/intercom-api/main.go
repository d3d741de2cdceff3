package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MarcoPoloResearchLab/intercom/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/intercom/backend/internal/config"
	"github.com/MarcoPoloResearchLab/intercom/backend/internal/database"
	"github.com/MarcoPoloResearchLab/intercom/backend/internal/directory"
	"github.com/MarcoPoloResearchLab/intercom/backend/internal/logging"
	"github.com/MarcoPoloResearchLab/intercom/backend/internal/server"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "intercom-api",
		Short: "Intercom target and session routing service",
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
	cmd.PersistentFlags().Int("token-ttl-minutes", defaults.GetInt("auth.token_ttl_minutes"), "Principal token TTL in minutes")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("signing-secret", "", "Token signing secret (overrides env)")
	cmd.PersistentFlags().Int("media-timeout-ms", defaults.GetInt("media.timeout_ms"), "Deadline for each media round-trip in milliseconds")
	cmd.PersistentFlags().Float64("duck-db", defaults.GetFloat64("ducking.db"), "Feed attenuation in dB while someone talks")
	cmd.PersistentFlags().Bool("dim-while-speaking", defaults.GetBool("ducking.dim_while_speaking"), "Dim feeds while the local client talks")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "auth.token_ttl_minutes", "token-ttl-minutes")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "auth.signing_secret", "signing-secret")
	bindFlag(cmd, "media.timeout_ms", "media-timeout-ms")
	bindFlag(cmd, "ducking.db", "duck-db")
	bindFlag(cmd, "ducking.dim_while_speaking", "dim-while-speaking")
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

	realtime := server.NewRealtimeDispatcher()

	directoryService, err := directory.NewService(directory.ServiceConfig{
		Database: db,
		Clock:    time.Now,
		Logger:   logger.Named("directory"),
		Notifier: realtime,
	})
	if err != nil {
		return err
	}
	if err := directoryService.EnsureInvariants(ctx); err != nil {
		return err
	}

	tokenManager, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(appConfig.SigningSecret),
		Issuer:        "intercom-auth",
		Audience:      "intercom-api",
		TokenTTL:      appConfig.TokenTTL,
	})
	if err != nil {
		return err
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Context:      signalCtx,
		TokenManager: tokenManager,
		Directory:    directoryService,
		Realtime:     realtime,
		Signaling: server.SignalingConfig{
			MediaTimeout:     appConfig.MediaTimeout,
			DuckDB:           appConfig.DuckDB,
			DimWhileSpeaking: appConfig.DimWhileSpeaking,
		},
		Logger: logger,
	})
	if err != nil {
		return err
	}

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
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
