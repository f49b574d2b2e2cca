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

	"github.com/ThiagoRGoveia/postal-sync/internal/config"
	"github.com/ThiagoRGoveia/postal-sync/internal/database"
	"github.com/ThiagoRGoveia/postal-sync/internal/ledger"
	"github.com/ThiagoRGoveia/postal-sync/internal/logging"
	"github.com/ThiagoRGoveia/postal-sync/internal/metrics"
	"github.com/ThiagoRGoveia/postal-sync/internal/server"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

const shutdownTimeout = 15 * time.Second

var (
	v       = viper.New()
	rootCmd = &cobra.Command{
		Use:          "postal-sync-api",
		Short:        "Serve postal code lookups and ingestion run history over HTTP",
		SilenceUsage: true,
		PreRunE: func(cmd *cobra.Command, _ []string) error {
			configFile, _ := cmd.Flags().GetString("config")
			if err := config.Init(v, configFile); err != nil {
				return err
			}
			return v.BindPFlags(cmd.Flags())
		},
		RunE: run,
	}
)

func init() {
	config.RegisterFlags(rootCmd.Flags())
	rootCmd.Flags().String(config.KeyAPIPort, "8080", "port the API listens on")
}

func run(cmd *cobra.Command, _ []string) error {
	cfg, err := config.New(v)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	dbpool, err := database.ConnectDB(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to connect to the database: %w", err)
	}
	defer dbpool.Close()

	tables, err := database.NewTables(cfg.Schema, cfg.Table)
	if err != nil {
		return err
	}

	m := metrics.New()
	service := server.NewPostalCodeService(
		database.NewPostalCodeRepository(dbpool, tables),
		ledger.New(dbpool, tables, cfg.SourceSystem, logger),
		logger,
	)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%s", cfg.APIPort),
		Handler:           server.SetupRoutes(service, m.Handler(), m, logger),
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("Server starting", zap.String("port", cfg.APIPort))
		serveErr <- srv.ListenAndServe()
	}()

	select {
	case err := <-serveErr:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("failed to start server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	logger.Info("Shutting down server")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shut down server: %w", err)
	}
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
