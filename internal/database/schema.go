package database

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

// ProductionColumns are the columns copied from staging into production.
var ProductionColumns = []string{
	"postal_code", "prefecture", "city", "town",
	"prefecture_kana", "city_kana", "town_kana",
	"local_government_code", "old_postal_code",
	"is_multi_zip", "is_koaza", "is_chome", "is_multi_town",
	"update_status", "update_reason",
}

// MutableColumns are overwritten when an add feed matches an existing row.
var MutableColumns = []string{
	"prefecture_kana", "city_kana", "town_kana",
	"local_government_code", "old_postal_code",
	"is_multi_zip", "is_koaza", "is_chome", "is_multi_town",
	"update_status", "update_reason",
}

// StagingSelectList selects ProductionColumns from a staging row. A missing
// town is stored as an empty string so it can take part in the logical key.
func StagingSelectList() string {
	selects := make([]string, len(ProductionColumns))
	for i, column := range ProductionColumns {
		selects[i] = column
		if column == "town" {
			selects[i] = "COALESCE(town, '')"
		}
	}
	return strings.Join(selects, ", ")
}

// LogicalKey identifies a production row.
var LogicalKey = []string{"postal_code", "prefecture", "city", "town"}

// ProductionTableDDL returns the CREATE TABLE statement for a table shaped like production.
func ProductionTableDDL(qualifiedName string) string {
	return fmt.Sprintf(`
	CREATE TABLE %s (
		id BIGINT GENERATED ALWAYS AS IDENTITY PRIMARY KEY,
		postal_code VARCHAR(7) NOT NULL,
		prefecture TEXT NOT NULL,
		city TEXT NOT NULL,
		town TEXT NOT NULL DEFAULT '',
		prefecture_kana TEXT,
		city_kana TEXT,
		town_kana TEXT,
		local_government_code VARCHAR(5),
		old_postal_code VARCHAR(5),
		is_multi_zip BOOLEAN NOT NULL DEFAULT false,
		is_koaza BOOLEAN NOT NULL DEFAULT false,
		is_chome BOOLEAN NOT NULL DEFAULT false,
		is_multi_town BOOLEAN NOT NULL DEFAULT false,
		update_status SMALLINT NOT NULL DEFAULT 0,
		update_reason SMALLINT NOT NULL DEFAULT 0,
		last_run_id BIGINT,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	);`, qualifiedName)
}

// ProductionIndexDDL returns the logical-key unique index and the read-path indexes
// for table. suffix keeps index names unique across shadow and backup tables.
func (t Tables) ProductionIndexDDL(table string, suffix string) ([]string, error) {
	names := []string{
		fmt.Sprintf("ux_%s_key%s", t.Production, suffix),
		fmt.Sprintf("ix_%s_prefecture%s", t.Production, suffix),
		fmt.Sprintf("ix_%s_city%s", t.Production, suffix),
	}
	for _, name := range names {
		if err := ValidateIdentifier(name); err != nil {
			return nil, err
		}
	}

	target := t.Qualified(table)
	return []string{
		fmt.Sprintf(`CREATE UNIQUE INDEX %s ON %s (%s);`, pgx.Identifier{names[0]}.Sanitize(), target, strings.Join(LogicalKey, ", ")),
		fmt.Sprintf(`CREATE INDEX %s ON %s (prefecture);`, pgx.Identifier{names[1]}.Sanitize(), target),
		fmt.Sprintf(`CREATE INDEX %s ON %s (city);`, pgx.Identifier{names[2]}.Sanitize(), target),
	}, nil
}

type SchemaManager struct {
	pool   Pool
	tables Tables
	logger *zap.Logger
}

func NewSchemaManager(pool Pool, tables Tables, logger *zap.Logger) *SchemaManager {
	return &SchemaManager{pool: pool, tables: tables, logger: logger.Named("schema")}
}

func (m *SchemaManager) CreateSchema(ctx context.Context) error {
	query := fmt.Sprintf(`CREATE SCHEMA IF NOT EXISTS %s;`, pgx.Identifier{m.tables.Schema}.Sanitize())

	_, err := m.pool.Exec(ctx, query)
	if err != nil {
		return fmt.Errorf("error creating schema %s: %w", m.tables.Schema, err)
	}

	return nil
}

// CreateStagingTable creates the unlogged landing table. It carries no constraints.
func (m *SchemaManager) CreateStagingTable(ctx context.Context) error {
	query := fmt.Sprintf(`
	CREATE UNLOGGED TABLE IF NOT EXISTS %s (
		local_government_code VARCHAR(5),
		old_postal_code VARCHAR(5),
		postal_code VARCHAR(7),
		prefecture_kana TEXT,
		city_kana TEXT,
		town_kana TEXT,
		prefecture TEXT,
		city TEXT,
		town TEXT,
		is_multi_zip BOOLEAN,
		is_koaza BOOLEAN,
		is_chome BOOLEAN,
		is_multi_town BOOLEAN,
		update_status SMALLINT,
		update_reason SMALLINT
	);`, m.tables.Qualified(m.tables.Staging()))

	_, err := m.pool.Exec(ctx, query)
	if err != nil {
		return fmt.Errorf("error creating staging table: %w", err)
	}

	return nil
}

// CreateProductionTable creates production and its indexes when it does not exist yet.
func (m *SchemaManager) CreateProductionTable(ctx context.Context) error {
	var exists bool
	err := m.pool.QueryRow(ctx, `SELECT to_regclass($1::text) IS NOT NULL;`, m.tables.Qualified(m.tables.Production)).Scan(&exists)
	if err != nil {
		return fmt.Errorf("error checking production table: %w", err)
	}
	if exists {
		m.logger.Info("Production table already exists, skipping creation", zap.String("table", m.tables.Production))
		return nil
	}

	indexes, err := m.tables.ProductionIndexDDL(m.tables.Production, "")
	if err != nil {
		return err
	}

	tx, err := m.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("error beginning transaction: %w", err)
	}

	queries := append([]string{ProductionTableDDL(m.tables.Qualified(m.tables.Production))}, indexes...)
	for _, query := range queries {
		if _, err := tx.Exec(ctx, query); err != nil {
			RollbackTx(ctx, tx, m.logger)
			return fmt.Errorf("error creating production table: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("error committing transaction: %w", err)
	}

	m.logger.Info("Created production table", zap.String("table", m.tables.Production))
	return nil
}

func (m *SchemaManager) CreateLedgerTables(ctx context.Context) error {
	runsQuery := fmt.Sprintf(`
	CREATE TABLE IF NOT EXISTS %s (
		run_id BIGINT GENERATED ALWAYS AS IDENTITY PRIMARY KEY,
		source_system TEXT NOT NULL,
		version_date DATE NOT NULL,
		mode VARCHAR(20) NOT NULL CHECK (mode IN ('Full', 'Differential')),
		status VARCHAR(20) NOT NULL CHECK (status IN ('Running', 'Succeeded', 'Failed', 'Skipped')),
		started_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		finished_at TIMESTAMPTZ,
		landed_rows BIGINT NOT NULL DEFAULT 0,
		added_rows BIGINT NOT NULL DEFAULT 0,
		updated_rows BIGINT NOT NULL DEFAULT 0,
		deleted_rows BIGINT NOT NULL DEFAULT 0,
		notes TEXT,
		errors jsonb NOT NULL DEFAULT '{}'::jsonb
	);`, m.tables.Qualified(m.tables.Runs()))

	runsIndexQuery := fmt.Sprintf(`CREATE INDEX IF NOT EXISTS ix_ingestion_runs_lookup ON %s (version_date, mode, status);`,
		m.tables.Qualified(m.tables.Runs()))

	filesQuery := fmt.Sprintf(`
	CREATE TABLE IF NOT EXISTS %s (
		file_id BIGINT GENERATED ALWAYS AS IDENTITY PRIMARY KEY,
		run_id BIGINT NOT NULL REFERENCES %s (run_id),
		kind VARCHAR(10) NOT NULL CHECK (kind IN ('Full', 'Add', 'Del')),
		file_name TEXT NOT NULL,
		source_uri TEXT NOT NULL,
		size_bytes BIGINT NOT NULL,
		sha256 CHAR(64) NOT NULL,
		downloaded_at TIMESTAMPTZ NOT NULL
	);`, m.tables.Qualified(m.tables.Files()), m.tables.Qualified(m.tables.Runs()))

	for _, query := range []string{runsQuery, runsIndexQuery, filesQuery} {
		if _, err := m.pool.Exec(ctx, query); err != nil {
			return fmt.Errorf("error creating ledger tables: %w", err)
		}
	}

	return nil
}

// EnsureAll creates every relation needed by a sync run.
func (m *SchemaManager) EnsureAll(ctx context.Context) error {
	steps := []func(context.Context) error{
		m.CreateSchema,
		m.CreateLedgerTables,
		m.CreateStagingTable,
		m.CreateProductionTable,
	}
	for _, step := range steps {
		if err := step(ctx); err != nil {
			return err
		}
	}
	return nil
}
