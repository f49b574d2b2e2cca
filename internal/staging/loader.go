package staging

import (
	"context"
	"fmt"
	"time"

	"github.com/ThiagoRGoveia/postal-sync/internal/database"
	"github.com/ThiagoRGoveia/postal-sync/internal/models"
	"github.com/ThiagoRGoveia/postal-sync/pkg/checksum"
	"go.uber.org/zap"
)

// Loader bulk-loads decoded records into the staging table.
type Loader struct {
	pool   database.Pool
	tables database.Tables
	logger *zap.Logger
}

func NewLoader(pool database.Pool, tables database.Tables, logger *zap.Logger) *Loader {
	return &Loader{pool: pool, tables: tables, logger: logger.Named("staging")}
}

// Load replaces the staging contents with records. The truncate and the COPY
// share one transaction, so a failed load leaves the previous contents untouched.
func (l *Loader) Load(ctx context.Context, records <-chan *models.StagingRecord) (models.LoadResult, error) {
	start := time.Now()
	stagingTable := l.tables.Staging()

	tx, err := l.pool.Begin(ctx)
	if err != nil {
		return models.LoadResult{}, fmt.Errorf("error beginning transaction: %w", err)
	}

	_, err = tx.Exec(ctx, fmt.Sprintf(`TRUNCATE %s;`, l.tables.Qualified(stagingTable)))
	if err != nil {
		database.RollbackTx(ctx, tx, l.logger)
		return models.LoadResult{}, fmt.Errorf("error truncating staging table %s: %w", stagingTable, err)
	}

	source := newRecordSource(ctx, records)
	rows, err := tx.CopyFrom(ctx, l.tables.Identifier(stagingTable), models.StagingColumns, source)
	if err != nil {
		database.RollbackTx(ctx, tx, l.logger)
		return models.LoadResult{}, fmt.Errorf("unable to copy records to staging table %s: %w", stagingTable, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return models.LoadResult{}, fmt.Errorf("error committing transaction: %w", err)
	}

	if source.duplicates > 0 {
		l.logger.Warn("Dropped records with a repeated logical key",
			zap.Int64("duplicates", source.duplicates),
			zap.String("table", stagingTable))
	}
	l.logger.Info("Loaded staging table",
		zap.String("table", stagingTable),
		zap.Int64("rows", rows),
		zap.Duration("duration", time.Since(start)))

	return models.LoadResult{Rows: rows, Duplicates: source.duplicates}, nil
}

func (l *Loader) Truncate(ctx context.Context) error {
	_, err := l.pool.Exec(ctx, fmt.Sprintf(`TRUNCATE %s;`, l.tables.Qualified(l.tables.Staging())))
	if err != nil {
		return fmt.Errorf("error truncating staging table %s: %w", l.tables.Staging(), err)
	}
	return nil
}

// recordSource adapts a record channel to pgx.CopyFromSource. Records whose
// logical key was already seen in this feed are skipped.
type recordSource struct {
	ctx        context.Context
	records    <-chan *models.StagingRecord
	seen       map[uint64]struct{}
	current    *models.StagingRecord
	duplicates int64
	err        error
}

func newRecordSource(ctx context.Context, records <-chan *models.StagingRecord) *recordSource {
	return &recordSource{
		ctx:     ctx,
		records: records,
		seen:    make(map[uint64]struct{}),
	}
}

func (s *recordSource) Next() bool {
	for {
		select {
		case <-s.ctx.Done():
			s.err = s.ctx.Err()
			return false
		case record, ok := <-s.records:
			if !ok {
				return false
			}
			key := checksum.KeyHash(record.LogicalKey())
			if _, dup := s.seen[key]; dup {
				s.duplicates++
				continue
			}
			s.seen[key] = struct{}{}
			s.current = record
			return true
		}
	}
}

func (s *recordSource) Values() ([]any, error) {
	return s.current.Values(), nil
}

func (s *recordSource) Err() error {
	return s.err
}
