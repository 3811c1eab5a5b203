package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jonboulle/clockwork"

	"github.com/HWMO-Fire-Map/MapDemo/internal/database"
	"github.com/HWMO-Fire-Map/MapDemo/internal/models"
)

// maxAllocateAttempts bounds retries when concurrent callers race for the same free id.
const maxAllocateAttempts = 5

// ErrAllocationExhausted is returned when no id could be claimed after repeated conflicts.
var ErrAllocationExhausted = errors.New("could not allocate a view id")

// ViewRepository defines the interface for saved-view persistence.
type ViewRepository interface {
	// Exists reports whether a row exists for id.
	Exists(ctx context.Context, id int64) (bool, error)

	// Get returns the saved view for id.
	// Returns nil, nil if it does not exist (not an error).
	Get(ctx context.Context, id int64) (*models.SavedView, error)

	// Save writes the selection, dataset and map document for view.ID,
	// creating the row if needed, and stamps last_accessed.
	Save(ctx context.Context, view models.SavedView) error

	// Touch stamps last_accessed for id.
	Touch(ctx context.Context, id int64) error

	// Allocate claims the smallest id that follows an existing id and is
	// itself unused, or 1 when no views exist yet.
	Allocate(ctx context.Context) (int64, error)
}

type viewRepository struct {
	db    *database.Database
	clock clockwork.Clock
}

// NewViewRepository creates a new instance of ViewRepository.
func NewViewRepository(db *database.Database, clock clockwork.Clock) ViewRepository {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &viewRepository{db: db, clock: clock}
}

func (r *viewRepository) Exists(ctx context.Context, id int64) (bool, error) {
	var exists bool
	err := r.db.Pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM saved_views WHERE id = $1)`, id).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check view %d: %w", id, err)
	}
	return exists, nil
}

func (r *viewRepository) Get(ctx context.Context, id int64) (*models.SavedView, error) {
	query := `
		SELECT id, years, islands, months, COALESCE(map_html, ''), COALESCE(dataset_name, ''), last_accessed
		FROM saved_views
		WHERE id = $1
	`

	var view models.SavedView
	err := r.db.Pool.QueryRow(ctx, query, id).Scan(
		&view.ID,
		&view.Years,
		&view.Islands,
		&view.Months,
		&view.MapHTML,
		&view.DatasetName,
		&view.LastAccessed,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to query view %d: %w", id, err)
	}

	return &view, nil
}

func (r *viewRepository) Save(ctx context.Context, view models.SavedView) error {
	query := `
		INSERT INTO saved_views (id, years, islands, months, map_html, dataset_name, last_accessed)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE SET
			years = EXCLUDED.years,
			islands = EXCLUDED.islands,
			months = EXCLUDED.months,
			map_html = EXCLUDED.map_html,
			dataset_name = EXCLUDED.dataset_name,
			last_accessed = EXCLUDED.last_accessed
	`

	_, err := r.db.Pool.Exec(ctx, query,
		view.ID,
		view.Years,
		view.Islands,
		view.Months,
		nullIfEmpty(view.MapHTML),
		nullIfEmpty(view.DatasetName),
		r.clock.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to save view %d: %w", view.ID, err)
	}
	return nil
}

func (r *viewRepository) Touch(ctx context.Context, id int64) error {
	_, err := r.db.Pool.Exec(ctx, `UPDATE saved_views SET last_accessed = $2 WHERE id = $1`, id, r.clock.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to touch view %d: %w", id, err)
	}
	return nil
}

func (r *viewRepository) Allocate(ctx context.Context) (int64, error) {
	// The candidate is recomputed on every attempt; a concurrent insert of the
	// same id makes ON CONFLICT return no row and the loop tries again.
	query := `
		INSERT INTO saved_views (id, last_accessed)
		SELECT COALESCE(
			(SELECT v.id + 1 FROM saved_views v
			 WHERE NOT EXISTS (SELECT 1 FROM saved_views w WHERE w.id = v.id + 1)
			 ORDER BY v.id LIMIT 1),
			1), $1
		ON CONFLICT (id) DO NOTHING
		RETURNING id
	`

	for attempt := 0; attempt < maxAllocateAttempts; attempt++ {
		var id int64
		err := r.db.Pool.QueryRow(ctx, query, r.clock.Now().UTC()).Scan(&id)
		if err == nil {
			return id, nil
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return 0, fmt.Errorf("failed to allocate view id: %w", err)
		}
	}

	return 0, ErrAllocationExhausted
}

func nullIfEmpty(s string) *string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	return &s
}
