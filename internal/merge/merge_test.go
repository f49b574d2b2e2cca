package merge

import (
	"context"
	"errors"
	"testing"

	"github.com/ThiagoRGoveia/postal-sync/internal/database"
	"github.com/ThiagoRGoveia/postal-sync/internal/models"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newEngine(t *testing.T) (*Engine, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	tables, err := database.NewTables("ext", "postal_codes")
	require.NoError(t, err)
	return NewEngine(mock, tables, zap.NewNop()), mock
}

func countRows(added, updated int64) *pgxmock.Rows {
	return pgxmock.NewRows([]string{"added", "updated"}).AddRow(added, updated)
}

func TestEngine_Apply(t *testing.T) {
	t.Run("Expect: matched key reported as updated", func(t *testing.T) {
		engine, mock := newEngine(t)

		mock.ExpectBegin()
		mock.ExpectQuery(`ON CONFLICT \(postal_code, prefecture, city, town\) DO UPDATE`).
			WithArgs(int64(11)).
			WillReturnRows(countRows(0, 1))
		mock.ExpectCommit()

		counts, err := engine.Apply(context.Background(), 11, true, false)
		require.NoError(t, err)
		assert.Equal(t, models.MergeCounts{Added: 0, Updated: 1}, counts)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("Expect: delete count is rows affected", func(t *testing.T) {
		engine, mock := newEngine(t)

		mock.ExpectBegin()
		mock.ExpectExec(`DELETE FROM "ext"."postal_codes" p\s+USING "ext"."postal_codes_landed" s`).
			WillReturnResult(pgxmock.NewResult("DELETE", 1))
		mock.ExpectCommit()

		counts, err := engine.Apply(context.Background(), 11, false, true)
		require.NoError(t, err)
		assert.Equal(t, models.MergeCounts{Deleted: 1}, counts)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("Expect: both steps in one transaction", func(t *testing.T) {
		engine, mock := newEngine(t)

		mock.ExpectBegin()
		mock.ExpectQuery("WITH upserted AS").WithArgs(int64(3)).WillReturnRows(countRows(5, 2))
		mock.ExpectExec("DELETE FROM").WillReturnResult(pgxmock.NewResult("DELETE", 4))
		mock.ExpectCommit()

		counts, err := engine.Apply(context.Background(), 3, true, true)
		require.NoError(t, err)
		assert.Equal(t, models.MergeCounts{Added: 5, Updated: 2, Deleted: 4}, counts)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("Expect: no statements when neither feed is present", func(t *testing.T) {
		engine, mock := newEngine(t)

		mock.ExpectBegin()
		mock.ExpectCommit()

		counts, err := engine.Apply(context.Background(), 3, false, false)
		require.NoError(t, err)
		assert.Equal(t, models.MergeCounts{}, counts)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("Expect: upsert failure rolls back and names the step", func(t *testing.T) {
		engine, mock := newEngine(t)

		mock.ExpectBegin()
		mock.ExpectQuery("WITH upserted AS").WillReturnError(errors.New("unique violation"))
		mock.ExpectRollback()

		_, err := engine.Apply(context.Background(), 3, true, true)
		require.Error(t, err)

		var stepErr *models.StepError
		require.ErrorAs(t, err, &stepErr)
		assert.Equal(t, StepUpsert, stepErr.Step)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("Expect: delete failure rolls back the upsert too", func(t *testing.T) {
		engine, mock := newEngine(t)

		mock.ExpectBegin()
		mock.ExpectQuery("WITH upserted AS").WillReturnRows(countRows(1, 0))
		mock.ExpectExec("DELETE FROM").WillReturnError(errors.New("deadlock detected"))
		mock.ExpectRollback()

		counts, err := engine.Apply(context.Background(), 3, true, true)
		var stepErr *models.StepError
		require.ErrorAs(t, err, &stepErr)
		assert.Equal(t, StepDelete, stepErr.Step)
		assert.Equal(t, models.MergeCounts{}, counts)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestEngine_upsertQuery(t *testing.T) {
	engine, _ := newEngine(t)
	query := engine.upsertQuery()

	assert.Contains(t, query, `INSERT INTO "ext"."postal_codes"`)
	assert.Contains(t, query, `FROM "ext"."postal_codes_landed"`)
	assert.Contains(t, query, "prefecture_kana = EXCLUDED.prefecture_kana")
	assert.Contains(t, query, "town_kana = EXCLUDED.town_kana")
	assert.Contains(t, query, "RETURNING (xmax = 0) AS inserted")
	// key columns are never rewritten in place
	assert.NotContains(t, query, "postal_code = EXCLUDED.postal_code")
	assert.NotContains(t, query, "town = EXCLUDED.town,")
}
