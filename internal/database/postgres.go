package database

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// Pool is the subset of *pgxpool.Pool used by the sync engines.
type Pool interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	CopyFrom(ctx context.Context, tableName pgx.Identifier, columnNames []string, rowSrc pgx.CopyFromSource) (int64, error)
}

func ConnectDB(ctx context.Context, connStr string) (*pgxpool.Pool, error) {
	poolConfig, err := pgxpool.ParseConfig(connStr)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database url: %w", err)
	}

	dbpool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("unable to connect to database: %w", err)
	}

	if err := dbpool.Ping(ctx); err != nil {
		dbpool.Close()
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	return dbpool, nil
}

// RollbackTx rolls tx back and logs a failure instead of returning it.
func RollbackTx(ctx context.Context, tx pgx.Tx, logger *zap.Logger) {
	if rx := tx.Rollback(ctx); rx != nil && !errors.Is(rx, pgx.ErrTxClosed) {
		logger.Error("Error rolling back transaction", zap.Error(rx))
	}
}

var identifierPattern = regexp.MustCompile(`^[a-z_][a-z0-9_]{0,62}$`)

// ValidateIdentifier accepts lower-case unquoted Postgres identifiers only.
func ValidateIdentifier(name string) error {
	if !identifierPattern.MatchString(name) {
		return fmt.Errorf("invalid identifier %q", name)
	}
	return nil
}

const backupTimestampLayout = "20060102_150405"

// Tables names every relation owned by one production table.
type Tables struct {
	Schema     string
	Production string
}

func NewTables(schema string, production string) (Tables, error) {
	t := Tables{Schema: schema, Production: production}
	names := []string{schema, production, t.Staging(), t.Shadow(), t.BackupName(time.Time{})}
	for _, name := range names {
		if err := ValidateIdentifier(name); err != nil {
			return Tables{}, err
		}
	}
	return t, nil
}

func (t Tables) Staging() string {
	return t.Production + "_landed"
}

func (t Tables) Shadow() string {
	return t.Production + "_new"
}

func (t Tables) Runs() string {
	return "ingestion_runs"
}

func (t Tables) Files() string {
	return "ingestion_files"
}

func (t Tables) BackupPrefix() string {
	return t.Production + "_old_"
}

// BackupName embeds ts so that lexicographic order is chronological order.
func (t Tables) BackupName(ts time.Time) string {
	return t.BackupPrefix() + ts.UTC().Format(backupTimestampLayout)
}

// BackupPattern matches names produced by BackupName.
func (t Tables) BackupPattern() *regexp.Regexp {
	return regexp.MustCompile(`^` + regexp.QuoteMeta(t.BackupPrefix()) + `\d{8}_\d{6}$`)
}

func (t Tables) Identifier(name string) pgx.Identifier {
	return pgx.Identifier{t.Schema, name}
}

// Qualified returns schema.name quoted for direct use in SQL text.
func (t Tables) Qualified(name string) string {
	return t.Identifier(name).Sanitize()
}
