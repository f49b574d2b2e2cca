package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ThiagoRGoveia/postal-sync/internal/archive"
	"github.com/ThiagoRGoveia/postal-sync/internal/config"
	"github.com/ThiagoRGoveia/postal-sync/internal/database"
	"github.com/ThiagoRGoveia/postal-sync/internal/fetch"
	"github.com/ThiagoRGoveia/postal-sync/internal/ingestion"
	"github.com/ThiagoRGoveia/postal-sync/internal/ledger"
	"github.com/ThiagoRGoveia/postal-sync/internal/logging"
	"github.com/ThiagoRGoveia/postal-sync/internal/merge"
	"github.com/ThiagoRGoveia/postal-sync/internal/metrics"
	"github.com/ThiagoRGoveia/postal-sync/internal/models"
	"github.com/ThiagoRGoveia/postal-sync/internal/replace"
	"github.com/ThiagoRGoveia/postal-sync/internal/staging"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

const (
	flagFull  = "full"
	flagYYMM  = "yymm"
	flagForce = "force"

	pushJob     = "postal_sync"
	pushTimeout = 10 * time.Second
)

var errSyncFailed = errors.New("synchronization failed")

var (
	v       = viper.New()
	rootCmd = &cobra.Command{
		Use:   "postal-sync",
		Short: "Synchronize Japan Post postal codes into PostgreSQL",
		Long: `Downloads the Japan Post KEN_ALL archives and applies them to the production table.

Without --full the monthly add/del feeds are merged in place. With --full (or when
the production table is still empty) the whole table is rebuilt and swapped in.
Settings can also come from POSTAL_SYNC_<KEY> environment variables or a YAML file.`,
		SilenceUsage: true,
		PreRunE:      processConfig,
		RunE:         run,
	}
)

func init() {
	flags := rootCmd.Flags()
	config.RegisterFlags(flags)
	flags.Bool(flagFull, false, "replace the whole table from the full archive")
	flags.String(flagYYMM, "", "feed version as YYMM (defaults to the previous month)")
	flags.String(config.KeyWorkDir, "./work", "directory for downloaded and extracted files")
	flags.Bool(flagForce, false, "run even if this version already succeeded")
}

func processConfig(cmd *cobra.Command, _ []string) error {
	configFile, _ := cmd.Flags().GetString("config")
	if err := config.Init(v, configFile); err != nil {
		return err
	}
	return v.BindPFlags(cmd.Flags())
}

// buildRequest turns the command line into a sync request.
func buildRequest(v *viper.Viper, now time.Time) (models.SyncRequest, error) {
	req := models.SyncRequest{
		Mode:    models.ModeDifferential,
		Version: ingestion.PreviousMonth(now),
		Force:   v.GetBool(flagForce),
		WorkDir: v.GetString(config.KeyWorkDir),
	}
	if v.GetBool(flagFull) {
		req.Mode = models.ModeFull
	}
	if yymm := v.GetString(flagYYMM); yymm != "" {
		version, err := ingestion.ParseYYMM(yymm)
		if err != nil {
			return req, fmt.Errorf("invalid --%s: %w", flagYYMM, err)
		}
		req.Version = version
	}
	return req, nil
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

	req, err := buildRequest(v, time.Now())
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

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

	m := metrics.New()
	runLedger := ledger.New(dbpool, tables, cfg.SourceSystem, logger)

	service := ingestion.NewSyncService(ingestion.Dependencies{
		Ledger: runLedger,
		Processor: ingestion.NewFileProcessor(
			fetch.NewRetriever(cfg.HTTPTimeout, logger),
			archive.NewExpander(logger),
			runLedger,
			m,
			ingestion.FileProcessorConfig{
				DeleteDownloads: cfg.DeleteDownloads,
				DeleteExtracted: cfg.DeleteExtracted,
			},
			logger,
		),
		Worker: ingestion.NewAsyncWorker(logger),
		Setup:  ingestion.Setup{},
		Loader: staging.NewLoader(dbpool, tables, logger),
		Merger: merge.NewEngine(dbpool, tables, logger),
		Replacer: replace.NewEngine(dbpool, tables, replace.Config{
			LockTimeout: cfg.LockTimeout,
			KeepBackups: cfg.KeepBackups,
		}, logger),
		Metrics: m,
	}, *cfg, logger)

	logger.Info("Starting synchronization",
		zap.String("mode", string(req.Mode)),
		zap.String("version", ingestion.FormatYYMM(req.Version)),
		zap.Bool("force", req.Force))

	ok := service.Execute(ctx, req)

	if cfg.PushgatewayURL != "" {
		pushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), pushTimeout)
		if err := m.Push(pushCtx, cfg.PushgatewayURL, pushJob); err != nil {
			logger.Warn("Failed to push metrics", zap.Error(err))
		}
		cancel()
	}

	if !ok {
		return errSyncFailed
	}
	logger.Info("Synchronization finished")
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
