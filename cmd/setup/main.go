package main

import (
	"fmt"
	"os"

	"github.com/ThiagoRGoveia/postal-sync/internal/config"
	"github.com/ThiagoRGoveia/postal-sync/internal/database"
	"github.com/ThiagoRGoveia/postal-sync/internal/logging"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var (
	v       = viper.New()
	rootCmd = &cobra.Command{
		Use:          "postal-sync-setup",
		Short:        "Create the postal code schema, staging, production and ledger tables",
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

	ctx := cmd.Context()
	dbpool, err := database.ConnectDB(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer dbpool.Close()

	tables, err := database.NewTables(cfg.Schema, cfg.Table)
	if err != nil {
		return err
	}

	if err := database.NewSchemaManager(dbpool, tables, logger).EnsureAll(ctx); err != nil {
		return fmt.Errorf("failed to setup database: %w", err)
	}

	logger.Info("Database setup completed", zap.String("schema", cfg.Schema), zap.String("table", cfg.Table))
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
