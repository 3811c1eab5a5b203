package repository

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/HWMO-Fire-Map/MapDemo/internal/database"
	"github.com/HWMO-Fire-Map/MapDemo/internal/models"
)

// DatasetRepository defines the interface for dataset catalog persistence.
type DatasetRepository interface {
	// List returns every registered dataset in registration order.
	List(ctx context.Context) ([]models.DatasetMetadata, error)

	// Get returns the named dataset.
	// Returns nil, nil if it is not registered (not an error).
	Get(ctx context.Context, name string) (*models.DatasetMetadata, error)

	// InsertIfAbsent stores meta unless a row with the same name exists.
	// Reports whether a row was inserted.
	InsertIfAbsent(ctx context.Context, meta models.DatasetMetadata) (bool, error)

	// Delete removes the named dataset. Deleting an unknown name is not an error.
	Delete(ctx context.Context, name string) error
}

type datasetRepository struct {
	db *database.Database
}

// NewDatasetRepository creates a new instance of DatasetRepository.
func NewDatasetRepository(db *database.Database) DatasetRepository {
	return &datasetRepository{db: db}
}

const datasetColumns = `name, dir, is_extracted, distinct_islands, distinct_years, distinct_months, registered_at`

func (r *datasetRepository) List(ctx context.Context) ([]models.DatasetMetadata, error) {
	rows, err := r.db.Pool.Query(ctx, `SELECT `+datasetColumns+` FROM datasets ORDER BY seq`)
	if err != nil {
		return nil, fmt.Errorf("failed to query datasets: %w", err)
	}
	defer rows.Close()

	results := []models.DatasetMetadata{}
	for rows.Next() {
		meta, err := scanDataset(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, *meta)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating dataset rows: %w", err)
	}

	return results, nil
}

func (r *datasetRepository) Get(ctx context.Context, name string) (*models.DatasetMetadata, error) {
	row := r.db.Pool.QueryRow(ctx, `SELECT `+datasetColumns+` FROM datasets WHERE name = $1`, name)

	meta, err := scanDataset(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to query dataset %q: %w", name, err)
	}
	return meta, nil
}

func (r *datasetRepository) InsertIfAbsent(ctx context.Context, meta models.DatasetMetadata) (bool, error) {
	tag, err := r.db.Pool.Exec(ctx, `
		INSERT INTO datasets (name, dir, is_extracted, distinct_islands, distinct_years, distinct_months, registered_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (name) DO NOTHING`,
		meta.Name,
		meta.Dir,
		meta.IsExtracted,
		strings.Join(meta.Distinct.Islands, ","),
		models.JoinYears(meta.Distinct.Years),
		strings.Join(meta.Distinct.Months, ","),
		meta.RegisteredAt,
	)
	if err != nil {
		return false, fmt.Errorf("failed to insert dataset %q: %w", meta.Name, err)
	}
	return tag.RowsAffected() == 1, nil
}

func (r *datasetRepository) Delete(ctx context.Context, name string) error {
	if _, err := r.db.Pool.Exec(ctx, `DELETE FROM datasets WHERE name = $1`, name); err != nil {
		return fmt.Errorf("failed to delete dataset %q: %w", name, err)
	}
	return nil
}

// scanDataset decodes one datasets row. Distinct values are stored comma-joined.
func scanDataset(row pgx.Row) (*models.DatasetMetadata, error) {
	var meta models.DatasetMetadata
	var islands, years, months string

	if err := row.Scan(&meta.Name, &meta.Dir, &meta.IsExtracted, &islands, &years, &months, &meta.RegisteredAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan dataset row: %w", err)
	}

	meta.Distinct.Islands = models.SplitList([]string{islands})
	meta.Distinct.Months = models.SplitList([]string{months})
	for _, raw := range models.SplitList([]string{years}) {
		y, err := strconv.Atoi(raw)
		if err != nil {
			return nil, fmt.Errorf("dataset %q has invalid stored year %q: %w", meta.Name, raw, err)
		}
		meta.Distinct.Years = append(meta.Distinct.Years, y)
	}

	return &meta, nil
}
