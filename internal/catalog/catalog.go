// Package catalog locates wildfire datasets on disk and tracks their metadata.
//
// A dataset named N is a bundle N.zip anywhere under the data directory,
// extracted next to it as N/N.shp (with .shx, .dbf and .prj). Names are unique
// across the whole tree.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/jonboulle/clockwork"

	"github.com/HWMO-Fire-Map/MapDemo/internal/events"
	"github.com/HWMO-Fire-Map/MapDemo/internal/logger"
	"github.com/HWMO-Fire-Map/MapDemo/internal/models"
	"github.com/HWMO-Fire-Map/MapDemo/internal/observability"
	"github.com/HWMO-Fire-Map/MapDemo/internal/projection"
	"github.com/HWMO-Fire-Map/MapDemo/internal/repository"
	"github.com/HWMO-Fire-Map/MapDemo/internal/shapefile"
)

var (
	// ErrDatasetNotFound is returned for names with no registered dataset or no directory on disk.
	ErrDatasetNotFound = errors.New("dataset not found")
	// ErrMalformedDataset is returned when a dataset directory exists but its files cannot be read.
	ErrMalformedDataset = errors.New("malformed dataset")
	// ErrInvalidBundle is returned for uploads that are not a usable .zip bundle.
	ErrInvalidBundle = errors.New("invalid dataset bundle")
	// ErrDatasetExists is returned when an upload would replace an extracted dataset.
	ErrDatasetExists = errors.New("dataset already exists")
)

const defaultProjectionCacheSize = 64

// Options configures a Catalog.
type Options struct {
	Root                string
	Repo                repository.DatasetRepository
	Publisher           events.Publisher
	Metrics             *observability.Metrics
	Logger              *logger.Logger
	Clock               clockwork.Clock
	ProjectionCacheSize int
}

// Catalog is the dataset catalog. It is safe for concurrent use.
type Catalog struct {
	root        string
	repo        repository.DatasetRepository
	publisher   events.Publisher
	metrics     *observability.Metrics
	log         *logger.Logger
	clock       clockwork.Clock
	projections *lru.Cache[string, projection.Projection]

	// per-dataset locks serialize registration and removal of the same name
	locks sync.Map
}

// New creates a Catalog rooted at opts.Root, creating the directory if needed.
func New(opts Options) (*Catalog, error) {
	if opts.Root == "" {
		return nil, errors.New("catalog root is required")
	}
	if opts.Repo == nil {
		return nil, errors.New("dataset repository is required")
	}
	if err := os.MkdirAll(opts.Root, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	if opts.Publisher == nil {
		opts.Publisher = events.NopPublisher{}
	}
	if opts.Metrics == nil {
		opts.Metrics = observability.NewMetricsForTesting()
	}
	if opts.Logger == nil {
		opts.Logger = logger.Nop()
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.ProjectionCacheSize <= 0 {
		opts.ProjectionCacheSize = defaultProjectionCacheSize
	}

	cache, err := lru.New[string, projection.Projection](opts.ProjectionCacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create projection cache: %w", err)
	}

	return &Catalog{
		root:        opts.Root,
		repo:        opts.Repo,
		publisher:   opts.Publisher,
		metrics:     opts.Metrics,
		log:         opts.Logger.With(map[string]interface{}{"component": "catalog"}),
		clock:       opts.Clock,
		projections: cache,
	}, nil
}

// Root returns the data directory.
func (c *Catalog) Root() string { return c.root }

// ListDatasets returns registered dataset names in registration order.
func (c *Catalog) ListDatasets(ctx context.Context) ([]string, error) {
	all, err := c.repo.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list datasets: %w", err)
	}

	names := make([]string, len(all))
	for i, meta := range all {
		names[i] = meta.Name
	}
	c.metrics.DatasetsKnown.Set(float64(len(names)))
	return names, nil
}

// DefaultDataset returns the first registered dataset.
func (c *Catalog) DefaultDataset(ctx context.Context) (string, error) {
	names, err := c.ListDatasets(ctx)
	if err != nil {
		return "", err
	}
	if len(names) == 0 {
		return "", fmt.Errorf("no datasets registered: %w", ErrDatasetNotFound)
	}
	return names[0], nil
}

// GetDistinctValues returns the stored filter options of a registered dataset.
func (c *Catalog) GetDistinctValues(ctx context.Context, name string) (models.DistinctValues, error) {
	meta, err := c.repo.Get(ctx, name)
	if err != nil {
		return models.DistinctValues{}, fmt.Errorf("failed to look up dataset %q: %w", name, err)
	}
	if meta == nil {
		return models.DistinctValues{}, fmt.Errorf("dataset %q: %w", name, ErrDatasetNotFound)
	}
	return meta.Distinct, nil
}

// LoadRecords reads every incident record of the named dataset in its native projection.
func (c *Catalog) LoadRecords(ctx context.Context, name string) ([]models.IncidentRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	path, err := c.shapefilePath(ctx, name)
	if err != nil {
		return nil, err
	}

	records, err := shapefile.Read(path)
	if err != nil {
		return nil, fmt.Errorf("dataset %q: %w: %v", name, ErrMalformedDataset, err)
	}
	return records, nil
}

// LoadProjection parses the named dataset's .prj. Parsed projections are memoised
// by path, size and modification time, so a replaced file is parsed again.
func (c *Catalog) LoadProjection(ctx context.Context, name string) (projection.Projection, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	shp, err := c.shapefilePath(ctx, name)
	if err != nil {
		return nil, err
	}
	prjPath := strings.TrimSuffix(shp, ".shp") + ".prj"

	info, err := os.Stat(prjPath)
	if err != nil {
		return nil, fmt.Errorf("dataset %q: %w: %v", name, ErrMalformedDataset, err)
	}
	key := fmt.Sprintf("%s|%d|%d", prjPath, info.Size(), info.ModTime().UnixNano())
	if p, ok := c.projections.Get(key); ok {
		return p, nil
	}

	wkt, err := shapefile.ReadPRJ(shp)
	if err != nil {
		return nil, fmt.Errorf("dataset %q: %w: %v", name, ErrMalformedDataset, err)
	}
	p, err := projection.Parse(wkt)
	if err != nil {
		return nil, fmt.Errorf("dataset %q: %w: %w", name, ErrMalformedDataset, err)
	}

	c.projections.Add(key, p)
	return p, nil
}

// LoadPRJ returns the raw WKT of the named dataset, for writing alongside exports.
func (c *Catalog) LoadPRJ(ctx context.Context, name string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	shp, err := c.shapefilePath(ctx, name)
	if err != nil {
		return "", err
	}
	wkt, err := shapefile.ReadPRJ(shp)
	if err != nil {
		return "", fmt.Errorf("dataset %q: %w: %v", name, ErrMalformedDataset, err)
	}
	return wkt, nil
}

// RemoveDataset deletes the metadata row, the extracted directory and the bundle.
// Every step is attempted; the first error is returned.
func (c *Catalog) RemoveDataset(ctx context.Context, name string) error {
	if !validName(name) {
		return fmt.Errorf("dataset %q: %w", name, ErrDatasetNotFound)
	}

	unlock := c.lock(name)
	defer unlock()

	meta, err := c.repo.Get(ctx, name)
	if err != nil {
		return fmt.Errorf("failed to look up dataset %q: %w", name, err)
	}
	dir, err := c.datasetDir(name, meta)
	if err != nil {
		return err
	}
	bundle := dir + ".zip"
	if meta == nil && !exists(dir) && !exists(bundle) {
		return fmt.Errorf("dataset %q: %w", name, ErrDatasetNotFound)
	}

	var firstErr error
	keep := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	keep(c.repo.Delete(ctx, name))
	keep(os.RemoveAll(dir))
	if err := os.Remove(bundle); err != nil && !errors.Is(err, os.ErrNotExist) {
		keep(err)
	}

	if firstErr != nil {
		c.log.Error("Dataset removal incomplete", firstErr, map[string]interface{}{"dataset": name})
		return fmt.Errorf("failed to remove dataset %q: %w", name, firstErr)
	}

	c.log.Info("Dataset removed", map[string]interface{}{"dataset": name})
	c.publish(ctx, events.CatalogEvent{Type: events.DatasetRemoved, Dataset: name})
	c.refreshGauge(ctx)
	return nil
}

// shapefilePath resolves the named dataset's <dir>/<name>.shp, distinguishing an
// unknown dataset from one whose directory is present but incomplete.
func (c *Catalog) shapefilePath(ctx context.Context, name string) (string, error) {
	if !validName(name) {
		return "", fmt.Errorf("dataset %q: %w", name, ErrDatasetNotFound)
	}

	meta, err := c.repo.Get(ctx, name)
	if err != nil {
		return "", fmt.Errorf("failed to look up dataset %q: %w", name, err)
	}
	dir, err := c.datasetDir(name, meta)
	if err != nil {
		return "", err
	}

	info, err := os.Stat(dir)
	if err != nil || !info.IsDir() {
		return "", fmt.Errorf("dataset %q: %w", name, ErrDatasetNotFound)
	}

	path := filepath.Join(dir, name+".shp")
	if !exists(path) {
		return "", fmt.Errorf("dataset %q: %w: missing %s", name, ErrMalformedDataset, filepath.Base(path))
	}
	return path, nil
}

// datasetDir returns the extracted directory recorded for the dataset, or
// <root>/<name> when there is no row or the row predates recorded directories.
func (c *Catalog) datasetDir(name string, meta *models.DatasetMetadata) (string, error) {
	if meta == nil || meta.Dir == "" {
		return filepath.Join(c.root, name), nil
	}
	dir, err := safeJoin(c.root, meta.Dir)
	if err != nil {
		return "", fmt.Errorf("dataset %q: %w: %v", name, ErrMalformedDataset, err)
	}
	return dir, nil
}

// relDir returns dir relative to the data directory in slash form.
func (c *Catalog) relDir(dir string) (string, error) {
	rel, err := filepath.Rel(c.root, dir)
	if err != nil {
		return "", err
	}
	rel = filepath.ToSlash(rel)
	if rel == "." || rel == ".." || strings.HasPrefix(rel, "../") {
		return "", fmt.Errorf("%s is outside the data directory", dir)
	}
	return rel, nil
}

func (c *Catalog) lock(name string) func() {
	m, _ := c.locks.LoadOrStore(name, &sync.Mutex{})
	mu := m.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

func (c *Catalog) publish(ctx context.Context, event events.CatalogEvent) {
	if event.OccurredAt.IsZero() {
		event.OccurredAt = c.clock.Now().UTC()
	}
	if err := c.publisher.Publish(ctx, event); err != nil {
		c.log.Warn("Failed to publish catalog event", map[string]interface{}{
			"event":   event.Type,
			"dataset": event.Dataset,
			"error":   err.Error(),
		})
	}
}

func (c *Catalog) refreshGauge(ctx context.Context) {
	if _, err := c.ListDatasets(ctx); err != nil {
		c.log.Warn("Failed to refresh dataset gauge", map[string]interface{}{"error": err.Error()})
	}
}

// validName rejects names that could address anything outside the data directory.
func validName(name string) bool {
	if name == "" || name == "." || name == ".." || strings.HasPrefix(name, ".") {
		return false
	}
	return !strings.ContainsAny(name, `/\`) && filepath.Base(name) == name
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
