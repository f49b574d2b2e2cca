package replace

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/ThiagoRGoveia/postal-sync/internal/database"
	"github.com/ThiagoRGoveia/postal-sync/internal/models"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

const (
	stage = "replace"

	StepCreateShadow    = "CreateShadow"
	StepCopyFromStaging = "CopyFromStaging"
	StepIndexShadow     = "IndexShadow"
	StepAtomicSwap      = "AtomicSwap"
	StepRotateBackups   = "RotateBackups"
)

var timeNow = time.Now

type Config struct {
	LockTimeout time.Duration
	KeepBackups int
}

// Engine rebuilds production from staging in a shadow table and swaps it in.
type Engine struct {
	pool   database.Pool
	tables database.Tables
	config Config
	logger *zap.Logger
}

func NewEngine(pool database.Pool, tables database.Tables, cfg Config, logger *zap.Logger) *Engine {
	return &Engine{pool: pool, tables: tables, config: cfg, logger: logger.Named("replace")}
}

// PerformFullReplacement runs CreateShadow, CopyFromStaging, IndexShadow,
// AtomicSwap and RotateBackups in order. Only a failed rotation is tolerated.
func (e *Engine) PerformFullReplacement(ctx context.Context, runID int64) (models.ReplaceResult, error) {
	start := timeNow()
	var result models.ReplaceResult

	if err := e.createShadow(ctx); err != nil {
		return result, &models.StepError{Stage: stage, Step: StepCreateShadow, Err: err}
	}

	rows, err := e.copyFromStaging(ctx, runID)
	if err != nil {
		return result, &models.StepError{Stage: stage, Step: StepCopyFromStaging, Err: err}
	}
	result.Rows = rows

	if err := e.indexShadow(ctx, runID); err != nil {
		return result, &models.StepError{Stage: stage, Step: StepIndexShadow, Err: err}
	}

	backup, err := e.atomicSwap(ctx)
	if err != nil {
		return result, &models.StepError{Stage: stage, Step: StepAtomicSwap, Err: err}
	}
	result.BackupTable = backup

	result.Dropped = e.rotateBackups(ctx)
	result.Duration = timeNow().Sub(start)

	e.logger.Info("Full replacement finished",
		zap.Int64("rows", result.Rows),
		zap.String("backup", result.BackupTable),
		zap.Duration("duration", result.Duration))
	return result, nil
}

// createShadow drops any shadow left behind by an aborted run and recreates it empty.
func (e *Engine) createShadow(ctx context.Context) error {
	shadow := e.tables.Qualified(e.tables.Shadow())

	if _, err := e.pool.Exec(ctx, fmt.Sprintf(`DROP TABLE IF EXISTS %s;`, shadow)); err != nil {
		return fmt.Errorf("error dropping stale shadow table: %w", err)
	}
	if _, err := e.pool.Exec(ctx, database.ProductionTableDDL(shadow)); err != nil {
		return fmt.Errorf("error creating shadow table: %w", err)
	}

	e.logger.Info("Created shadow table", zap.String("table", e.tables.Shadow()))
	return nil
}

func (e *Engine) copyFromStaging(ctx context.Context, runID int64) (int64, error) {
	query := fmt.Sprintf(`
	INSERT INTO %s (%s, last_run_id)
	SELECT %s, $1
	FROM %s;`,
		e.tables.Qualified(e.tables.Shadow()), strings.Join(database.ProductionColumns, ", "),
		database.StagingSelectList(),
		e.tables.Qualified(e.tables.Staging()))

	tag, err := e.pool.Exec(ctx, query, runID)
	if err != nil {
		return 0, fmt.Errorf("error copying staging rows into shadow table: %w", err)
	}

	e.logger.Info("Copied staging rows into shadow table", zap.Int64("rows", tag.RowsAffected()))
	return tag.RowsAffected(), nil
}

// indexShadow builds the indexes after the load and refreshes planner statistics.
func (e *Engine) indexShadow(ctx context.Context, runID int64) error {
	queries, err := e.tables.ProductionIndexDDL(e.tables.Shadow(), fmt.Sprintf("_r%d", runID))
	if err != nil {
		return err
	}
	queries = append(queries, fmt.Sprintf(`ANALYZE %s;`, e.tables.Qualified(e.tables.Shadow())))

	for _, query := range queries {
		if _, err := e.pool.Exec(ctx, query); err != nil {
			return fmt.Errorf("error indexing shadow table: %w", err)
		}
	}

	return nil
}

// atomicSwap renames production to a backup and the shadow to production in one
// transaction. It returns the backup name, or "" when there was no production table.
func (e *Engine) atomicSwap(ctx context.Context) (string, error) {
	tx, err := e.pool.Begin(ctx)
	if err != nil {
		return "", fmt.Errorf("error beginning transaction: %w", err)
	}

	lockTimeout := fmt.Sprintf(`SET LOCAL lock_timeout = '%dms';`, max(e.config.LockTimeout.Milliseconds(), 1))
	if _, err := tx.Exec(ctx, lockTimeout); err != nil {
		database.RollbackTx(ctx, tx, e.logger)
		return "", fmt.Errorf("error setting lock timeout: %w", err)
	}

	var exists bool
	err = tx.QueryRow(ctx, `SELECT to_regclass($1::text) IS NOT NULL;`, e.tables.Qualified(e.tables.Production)).Scan(&exists)
	if err != nil {
		database.RollbackTx(ctx, tx, e.logger)
		return "", fmt.Errorf("error checking production table: %w", err)
	}

	backup := ""
	if exists {
		backup = e.tables.BackupName(timeNow())
		if err := database.ValidateIdentifier(backup); err != nil {
			database.RollbackTx(ctx, tx, e.logger)
			return "", err
		}
		query := fmt.Sprintf(`ALTER TABLE %s RENAME TO %s;`,
			e.tables.Qualified(e.tables.Production), pgx.Identifier{backup}.Sanitize())
		if _, err := tx.Exec(ctx, query); err != nil {
			database.RollbackTx(ctx, tx, e.logger)
			return "", fmt.Errorf("error renaming production table to %s: %w", backup, err)
		}
	} else {
		e.logger.Info("No production table yet, skipping backup rename")
	}

	query := fmt.Sprintf(`ALTER TABLE %s RENAME TO %s;`,
		e.tables.Qualified(e.tables.Shadow()), pgx.Identifier{e.tables.Production}.Sanitize())
	if _, err := tx.Exec(ctx, query); err != nil {
		database.RollbackTx(ctx, tx, e.logger)
		return "", fmt.Errorf("error renaming shadow table to %s: %w", e.tables.Production, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return "", fmt.Errorf("error committing transaction: %w", err)
	}

	e.logger.Info("Swapped shadow table into production", zap.String("backup", backup))
	return backup, nil
}

// rotateBackups keeps the newest KeepBackups backup tables. Failures are logged only.
func (e *Engine) rotateBackups(ctx context.Context) []string {
	backups, err := e.listBackups(ctx)
	if err != nil {
		e.logger.Warn("Could not list backup tables", zap.Error(err))
		return nil
	}
	if len(backups) <= e.config.KeepBackups {
		return nil
	}

	var dropped []string
	for _, name := range backups[e.config.KeepBackups:] {
		query := fmt.Sprintf(`DROP TABLE IF EXISTS %s;`, e.tables.Qualified(name))
		if _, err := e.pool.Exec(ctx, query); err != nil {
			e.logger.Warn("Failed to drop old backup table", zap.String("table", name), zap.Error(err))
			continue
		}
		e.logger.Info("Dropped old backup table", zap.String("table", name))
		dropped = append(dropped, name)
	}

	return dropped
}

// listBackups returns backup table names newest first.
func (e *Engine) listBackups(ctx context.Context) ([]string, error) {
	rows, err := e.pool.Query(ctx,
		`SELECT tablename FROM pg_tables WHERE schemaname = $1 AND starts_with(tablename, $2);`,
		e.tables.Schema, e.tables.BackupPrefix())
	if err != nil {
		return nil, fmt.Errorf("error listing backup tables: %w", err)
	}
	defer rows.Close()

	pattern := e.tables.BackupPattern()
	var backups []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("error scanning tablename: %w", err)
		}
		if pattern.MatchString(name) {
			backups = append(backups, name)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating over rows: %w", err)
	}

	sort.Sort(sort.Reverse(sort.StringSlice(backups)))
	return backups, nil
}
