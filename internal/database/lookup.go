package database

import (
	"context"
	"fmt"

	"github.com/ThiagoRGoveia/postal-sync/internal/models"
)

// PostalCodeRepository serves read queries against the production table.
type PostalCodeRepository struct {
	pool   Pool
	tables Tables
}

func NewPostalCodeRepository(pool Pool, tables Tables) *PostalCodeRepository {
	return &PostalCodeRepository{pool: pool, tables: tables}
}

// FindByPostalCode returns every area sharing a 7-digit postal code.
func (r *PostalCodeRepository) FindByPostalCode(ctx context.Context, postalCode string) ([]models.ProductionRecord, error) {
	query := fmt.Sprintf(`
	SELECT id, postal_code, prefecture, city, town,
		prefecture_kana, city_kana, town_kana,
		local_government_code, old_postal_code,
		is_multi_zip, is_koaza, is_chome, is_multi_town,
		update_status, update_reason,
		last_run_id, created_at, updated_at
	FROM %s
	WHERE postal_code = $1
	ORDER BY prefecture, city, town;`, r.tables.Qualified(r.tables.Production))

	rows, err := r.pool.Query(ctx, query, postalCode)
	if err != nil {
		return nil, fmt.Errorf("error querying postal code %s: %w", postalCode, err)
	}
	defer rows.Close()

	records := []models.ProductionRecord{}
	for rows.Next() {
		var rec models.ProductionRecord
		err := rows.Scan(
			&rec.ID, &rec.PostalCode, &rec.Prefecture, &rec.City, &rec.Town,
			&rec.PrefectureKana, &rec.CityKana, &rec.TownKana,
			&rec.LocalGovernmentCode, &rec.OldPostalCode,
			&rec.IsMultiZip, &rec.IsKoaza, &rec.IsChome, &rec.IsMultiTown,
			&rec.UpdateStatus, &rec.UpdateReason,
			&rec.LastRunID, &rec.CreatedAt, &rec.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("error scanning postal code row: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating over rows: %w", err)
	}

	return records, nil
}
