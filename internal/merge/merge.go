package merge

import (
	"context"
	"fmt"
	"strings"

	"github.com/ThiagoRGoveia/postal-sync/internal/database"
	"github.com/ThiagoRGoveia/postal-sync/internal/models"
	"go.uber.org/zap"
)

const (
	stage = "merge"

	StepUpsert = "Upsert"
	StepDelete = "Delete"
)

// Engine applies the staging snapshot to production by logical key.
type Engine struct {
	pool   database.Pool
	tables database.Tables
	logger *zap.Logger
}

func NewEngine(pool database.Pool, tables database.Tables, logger *zap.Logger) *Engine {
	return &Engine{pool: pool, tables: tables, logger: logger.Named("merge")}
}

// Apply runs the upsert step when hasAdd is set and the delete step when hasDel
// is set, both against the current staging contents and inside one transaction.
func (e *Engine) Apply(ctx context.Context, runID int64, hasAdd bool, hasDel bool) (models.MergeCounts, error) {
	var counts models.MergeCounts

	tx, err := e.pool.Begin(ctx)
	if err != nil {
		return counts, fmt.Errorf("error beginning transaction: %w", err)
	}

	if hasAdd {
		var added, updated int64
		if err := tx.QueryRow(ctx, e.upsertQuery(), runID).Scan(&added, &updated); err != nil {
			database.RollbackTx(ctx, tx, e.logger)
			return models.MergeCounts{}, &models.StepError{Stage: stage, Step: StepUpsert, Err: err}
		}
		counts.Added = added
		counts.Updated = updated
		e.logger.Info("Upserted staging rows", zap.Int64("added", added), zap.Int64("updated", updated))
	}

	if hasDel {
		tag, err := tx.Exec(ctx, e.deleteQuery())
		if err != nil {
			database.RollbackTx(ctx, tx, e.logger)
			return models.MergeCounts{}, &models.StepError{Stage: stage, Step: StepDelete, Err: err}
		}
		counts.Deleted = tag.RowsAffected()
		e.logger.Info("Deleted staging rows from production", zap.Int64("deleted", counts.Deleted))
	}

	if err := tx.Commit(ctx); err != nil {
		return models.MergeCounts{}, fmt.Errorf("error committing transaction: %w", err)
	}

	return counts, nil
}

// upsertQuery inserts unseen keys and overwrites the descriptive columns of matched
// ones. xmax = 0 holds only for freshly inserted tuples.
func (e *Engine) upsertQuery() string {
	production := e.tables.Qualified(e.tables.Production)
	staging := e.tables.Qualified(e.tables.Staging())

	assignments := make([]string, 0, len(database.MutableColumns)+2)
	for _, column := range database.MutableColumns {
		assignments = append(assignments, fmt.Sprintf("%s = EXCLUDED.%s", column, column))
	}
	assignments = append(assignments, "last_run_id = EXCLUDED.last_run_id", "updated_at = now()")

	return fmt.Sprintf(`
	WITH upserted AS (
		INSERT INTO %s (%s, last_run_id)
		SELECT %s, $1
		FROM %s
		ON CONFLICT (%s) DO UPDATE
		SET %s
		RETURNING (xmax = 0) AS inserted
	)
	SELECT
		COUNT(*) FILTER (WHERE inserted) AS added,
		COUNT(*) FILTER (WHERE NOT inserted) AS updated
	FROM upserted;`,
		production, strings.Join(database.ProductionColumns, ", "),
		database.StagingSelectList(),
		staging,
		strings.Join(database.LogicalKey, ", "),
		strings.Join(assignments, ",\n\t\t\t"))
}

func (e *Engine) deleteQuery() string {
	return fmt.Sprintf(`
	DELETE FROM %s p
	USING %s s
	WHERE p.postal_code = s.postal_code
		AND p.prefecture = s.prefecture
		AND p.city = s.city
		AND p.town = COALESCE(s.town, '');`,
		e.tables.Qualified(e.tables.Production),
		e.tables.Qualified(e.tables.Staging()))
}
