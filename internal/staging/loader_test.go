package staging

import (
	"context"
	"errors"
	"testing"

	"github.com/ThiagoRGoveia/postal-sync/internal/database"
	"github.com/ThiagoRGoveia/postal-sync/internal/models"
	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func record(code, pref, city, town string) *models.StagingRecord {
	return &models.StagingRecord{PostalCode: code, Prefecture: pref, City: city, Town: town}
}

func feed(records ...*models.StagingRecord) <-chan *models.StagingRecord {
	ch := make(chan *models.StagingRecord, len(records))
	for _, r := range records {
		ch <- r
	}
	close(ch)
	return ch
}

func newLoader(t *testing.T) (*Loader, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	tables, err := database.NewTables("ext", "postal_codes")
	require.NoError(t, err)
	return NewLoader(mock, tables, zap.NewNop()), mock
}

func TestLoader_Load(t *testing.T) {
	stagingIdent := pgx.Identifier{"ext", "postal_codes_landed"}

	t.Run("Expect: truncate then copy in one transaction", func(t *testing.T) {
		loader, mock := newLoader(t)

		mock.ExpectBegin()
		mock.ExpectExec(`TRUNCATE "ext"."postal_codes_landed"`).WillReturnResult(pgxmock.NewResult("TRUNCATE", 0))
		mock.ExpectCopyFrom(stagingIdent, models.StagingColumns).WillReturnResult(2)
		mock.ExpectCommit()

		result, err := loader.Load(context.Background(), feed(
			record("1000001", "東京都", "千代田区", "丸の内"),
			record("1000002", "東京都", "千代田区", "皇居外苑"),
		))
		require.NoError(t, err)
		assert.Equal(t, int64(2), result.Rows)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("Expect: rollback when copy fails", func(t *testing.T) {
		loader, mock := newLoader(t)

		mock.ExpectBegin()
		mock.ExpectExec("TRUNCATE").WillReturnResult(pgxmock.NewResult("TRUNCATE", 0))
		mock.ExpectCopyFrom(stagingIdent, models.StagingColumns).WillReturnError(errors.New("copy failed"))
		mock.ExpectRollback()

		_, err := loader.Load(context.Background(), feed())
		assert.ErrorContains(t, err, "copy failed")
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("Expect: rollback when truncate fails", func(t *testing.T) {
		loader, mock := newLoader(t)

		mock.ExpectBegin()
		mock.ExpectExec("TRUNCATE").WillReturnError(errors.New("lock timeout"))
		mock.ExpectRollback()

		_, err := loader.Load(context.Background(), feed())
		assert.ErrorContains(t, err, "lock timeout")
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("Expect: error when begin fails", func(t *testing.T) {
		loader, mock := newLoader(t)
		mock.ExpectBegin().WillReturnError(errors.New("pool closed"))

		_, err := loader.Load(context.Background(), feed())
		assert.ErrorContains(t, err, "pool closed")
	})
}

func TestLoader_Truncate(t *testing.T) {
	loader, mock := newLoader(t)
	mock.ExpectExec(`TRUNCATE "ext"."postal_codes_landed"`).WillReturnResult(pgxmock.NewResult("TRUNCATE", 0))

	require.NoError(t, loader.Truncate(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordSource(t *testing.T) {
	t.Run("Expect: all distinct records yielded in order", func(t *testing.T) {
		src := newRecordSource(context.Background(), feed(
			record("1000001", "東京都", "千代田区", "丸の内"),
			record("1000001", "東京都", "千代田区", "大手町"),
		))

		require.True(t, src.Next())
		values, err := src.Values()
		require.NoError(t, err)
		assert.Equal(t, "丸の内", values[8])

		require.True(t, src.Next())
		values, _ = src.Values()
		assert.Equal(t, "大手町", values[8])

		assert.False(t, src.Next())
		assert.NoError(t, src.Err())
		assert.Equal(t, int64(0), src.duplicates)
	})

	t.Run("Expect: repeated logical key skipped", func(t *testing.T) {
		first := record("1000001", "東京都", "千代田区", "丸の内")
		first.TownKana = "マルノウチ"
		second := record("1000001", "東京都", "千代田区", "丸の内")
		second.TownKana = "マルノウチ2"

		src := newRecordSource(context.Background(), feed(first, second))

		require.True(t, src.Next())
		values, _ := src.Values()
		assert.Equal(t, "マルノウチ", values[5])
		assert.False(t, src.Next())
		assert.Equal(t, int64(1), src.duplicates)
	})

	t.Run("Expect: cancelled context stops the source", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		src := newRecordSource(ctx, make(chan *models.StagingRecord))

		assert.False(t, src.Next())
		assert.ErrorIs(t, src.Err(), context.Canceled)
	})
}
