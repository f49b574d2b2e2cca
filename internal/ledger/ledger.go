package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ThiagoRGoveia/postal-sync/internal/database"
	"github.com/ThiagoRGoveia/postal-sync/internal/models"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

var timeNow = time.Now

// Ledger records ingestion runs and the archives each run consumed.
// Lookups are scoped to sourceSystem.
type Ledger struct {
	pool         database.Pool
	tables       database.Tables
	sourceSystem string
	logger       *zap.Logger
}

func New(pool database.Pool, tables database.Tables, sourceSystem string, logger *zap.Logger) *Ledger {
	return &Ledger{
		pool:         pool,
		tables:       tables,
		sourceSystem: sourceSystem,
		logger:       logger.Named("ledger"),
	}
}

func (l *Ledger) OpenRun(ctx context.Context, source string, version time.Time, mode models.Mode) (int64, error) {
	query := fmt.Sprintf(`
	INSERT INTO %s (source_system, version_date, mode, status, started_at)
	VALUES ($1, $2, $3, $4, $5)
	RETURNING run_id;`, l.tables.Qualified(l.tables.Runs()))

	var runID int64
	err := l.pool.QueryRow(ctx, query, source, version, string(mode), string(models.RunStatusRunning), timeNow()).Scan(&runID)
	if err != nil {
		return 0, fmt.Errorf("error inserting ingestion run: %w", err)
	}

	l.logger.Info("Opened ingestion run",
		zap.Int64("run_id", runID),
		zap.String("mode", string(mode)),
		zap.String("version", version.Format("2006-01-02")))
	return runID, nil
}

// CloseRun writes the terminal state of a run. Calling it again overwrites the previous outcome.
func (l *Ledger) CloseRun(ctx context.Context, runID int64, outcome models.RunOutcome) error {
	payload, err := encodeErrors(outcome.Errors)
	if err != nil {
		return err
	}

	query := fmt.Sprintf(`
	UPDATE %s
	SET status = $1,
		finished_at = $2,
		landed_rows = $3,
		added_rows = $4,
		updated_rows = $5,
		deleted_rows = $6,
		notes = NULLIF($7, ''),
		errors = $8::jsonb
	WHERE run_id = $9;`, l.tables.Qualified(l.tables.Runs()))

	tag, err := l.pool.Exec(ctx, query,
		string(outcome.Status),
		timeNow(),
		outcome.LandedRows,
		outcome.AddedRows,
		outcome.UpdatedRows,
		outcome.DeletedRows,
		outcome.Notes,
		payload,
		runID,
	)
	if err != nil {
		return fmt.Errorf("error closing ingestion run %d: %w", runID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("error closing ingestion run %d: run not found", runID)
	}

	l.logger.Info("Closed ingestion run", zap.Int64("run_id", runID), zap.String("status", string(outcome.Status)))
	return nil
}

func (l *Ledger) RecordFile(ctx context.Context, runID int64, file models.IngestionFile) error {
	query := fmt.Sprintf(`
	INSERT INTO %s (run_id, kind, file_name, source_uri, size_bytes, sha256, downloaded_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7);`, l.tables.Qualified(l.tables.Files()))

	_, err := l.pool.Exec(ctx, query,
		runID,
		string(file.Kind),
		file.FileName,
		file.SourceURI,
		file.SizeBytes,
		file.SHA256,
		file.DownloadedAt,
	)
	if err != nil {
		return fmt.Errorf("error inserting ingestion file %s: %w", file.FileName, err)
	}

	return nil
}

const runColumns = `run_id, source_system, version_date, mode, status, started_at, finished_at,
		landed_rows, added_rows, updated_rows, deleted_rows, COALESCE(notes, ''), errors`

// FindSucceededRun returns the latest succeeded run at (version, mode), or nil when there is none.
func (l *Ledger) FindSucceededRun(ctx context.Context, version time.Time, mode models.Mode) (*models.IngestionRun, error) {
	query := fmt.Sprintf(`
	SELECT %s
	FROM %s
	WHERE source_system = $1 AND version_date = $2 AND mode = $3 AND status = $4
	ORDER BY run_id DESC
	LIMIT 1;`, runColumns, l.tables.Qualified(l.tables.Runs()))

	row := l.pool.QueryRow(ctx, query, l.sourceSystem, version, string(mode), string(models.RunStatusSucceeded))
	run, err := scanRun(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("error finding succeeded run: %w", err)
	}

	return run, nil
}

// HasAnyData reports whether the production table exists and holds at least one row.
func (l *Ledger) HasAnyData(ctx context.Context) (bool, error) {
	var exists bool
	err := l.pool.QueryRow(ctx, `SELECT to_regclass($1::text) IS NOT NULL;`, l.tables.Qualified(l.tables.Production)).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("error checking production table: %w", err)
	}
	if !exists {
		return false, nil
	}

	var hasRows bool
	query := fmt.Sprintf(`SELECT EXISTS (SELECT 1 FROM %s);`, l.tables.Qualified(l.tables.Production))
	if err := l.pool.QueryRow(ctx, query).Scan(&hasRows); err != nil {
		return false, fmt.Errorf("error counting production rows: %w", err)
	}

	return hasRows, nil
}

// LatestRuns lists the most recent runs, newest first.
func (l *Ledger) LatestRuns(ctx context.Context, limit int) ([]models.IngestionRun, error) {
	query := fmt.Sprintf(`
	SELECT %s
	FROM %s
	ORDER BY run_id DESC
	LIMIT $1;`, runColumns, l.tables.Qualified(l.tables.Runs()))

	rows, err := l.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("error querying ingestion runs: %w", err)
	}
	defer rows.Close()

	runs := make([]models.IngestionRun, 0, limit)
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("error scanning ingestion run: %w", err)
		}
		runs = append(runs, *run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating over rows: %w", err)
	}

	return runs, nil
}

func scanRun(row pgx.Row) (*models.IngestionRun, error) {
	var (
		run          models.IngestionRun
		mode, status string
		payload      []byte
	)
	err := row.Scan(
		&run.RunID,
		&run.SourceSystem,
		&run.Version,
		&mode,
		&status,
		&run.StartedAt,
		&run.FinishedAt,
		&run.LandedRows,
		&run.AddedRows,
		&run.UpdatedRows,
		&run.DeletedRows,
		&run.Notes,
		&payload,
	)
	if err != nil {
		return nil, err
	}
	run.Mode = models.Mode(mode)
	run.Status = models.RunStatus(status)
	run.Errors = payload
	return &run, nil
}

func encodeErrors(errs any) (string, error) {
	if errs == nil {
		return "{}", nil
	}
	payload, err := json.Marshal(errs)
	if err != nil {
		return "", fmt.Errorf("error encoding run errors: %w", err)
	}
	return string(payload), nil
}
