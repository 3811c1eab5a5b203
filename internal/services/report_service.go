package services

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/HWMO-Fire-Map/MapDemo/internal/acreage"
	"github.com/HWMO-Fire-Map/MapDemo/internal/catalog"
	"github.com/HWMO-Fire-Map/MapDemo/internal/filter"
	"github.com/HWMO-Fire-Map/MapDemo/internal/logger"
	"github.com/HWMO-Fire-Map/MapDemo/internal/models"
	"github.com/HWMO-Fire-Map/MapDemo/internal/observability"
	"github.com/HWMO-Fire-Map/MapDemo/internal/projection"
	"github.com/HWMO-Fire-Map/MapDemo/internal/report"
	"github.com/HWMO-Fire-Map/MapDemo/internal/repository"
	"github.com/HWMO-Fire-Map/MapDemo/internal/viewcache"
)

// Service-level errors. Lower-layer sentinels are re-exported so handlers only
// depend on this package.
var (
	ErrViewNotFound     = errors.New("view not found")
	ErrInvalidViewID    = errors.New("view id must be positive")
	ErrDatasetNotFound  = catalog.ErrDatasetNotFound
	ErrMalformedDataset = catalog.ErrMalformedDataset
	ErrInvalidBundle    = catalog.ErrInvalidBundle
	ErrDatasetExists    = catalog.ErrDatasetExists
	ErrFileNotFound     = catalog.ErrFileNotFound
	ErrInvalidFileID    = catalog.ErrInvalidFileID
	ErrFileTooLarge     = errors.New("file too large to read as text")
	ErrNotPDF           = errors.New("file is not a PDF")
	ErrEmptySelection   = report.ErrEmptySelection
	ErrNoLandArea       = acreage.ErrNoLandArea
)

// DatasetCatalog is the part of the catalog the report service reads from.
type DatasetCatalog interface {
	ListDatasets(ctx context.Context) ([]string, error)
	DefaultDataset(ctx context.Context) (string, error)
	GetDistinctValues(ctx context.Context, name string) (models.DistinctValues, error)
	LoadRecords(ctx context.Context, name string) ([]models.IncidentRecord, error)
	LoadProjection(ctx context.Context, name string) (projection.Projection, error)
	LoadPRJ(ctx context.Context, name string) (string, error)
}

// FilterOptions are the choices offered for a dataset.
type FilterOptions struct {
	Years    []int    `json:"allYears"`
	Months   []string `json:"allMonths"`
	Islands  []string `json:"allIslands"`
	DataSets []string `json:"allDataSets"`
	DataSet  string   `json:"dataSet"`
}

// Report is a rendered map document for one selection.
type Report struct {
	Document []byte
	ETag     string
	Dataset  string
	Summary  acreage.Summary
	ID       int64
	Records  int
}

// Archive is a zipped shapefile of a saved view's selection.
type Archive struct {
	Data     []byte
	Filename string
	Dataset  string
	Records  int
}

// Resolution is the outcome of resolving a caller's cache key.
type Resolution struct {
	Document []byte
	ETag     string
	ID       int64
	Created  bool // a new key was allocated
	Cached   bool // Document is a previously rendered map, not the fallback
}

// ReportService orchestrates filtering, reprojection, aggregation and rendering.
type ReportService interface {
	// ListFilterOptions returns the distinct values of dataset. An empty or
	// unknown name falls back to the default dataset.
	ListFilterOptions(ctx context.Context, dataset string) (*FilterOptions, error)

	// RenderFilteredReport renders the selection and saves it under id.
	// Returns ErrEmptySelection when nothing matches; nothing is saved then.
	RenderFilteredReport(ctx context.Context, dataset string, sel models.FilterSelection, id int64) (*Report, error)

	// ExportFilteredArchive zips the native-projection shapefile of the
	// selection last saved under id. Returns ErrViewNotFound for unknown ids.
	ExportFilteredArchive(ctx context.Context, id int64) (*Archive, error)

	// ResolveOrCreateCacheEntry returns the document saved under id, or
	// allocates a new id (for nil, non-positive or unknown ids) with the fallback document.
	ResolveOrCreateCacheEntry(ctx context.Context, id *int64) (*Resolution, error)

	// MapDocument returns the document saved under id, or the fallback document
	// when the view exists but nothing has been rendered for it.
	MapDocument(ctx context.Context, id int64) (*Resolution, error)

	// FallbackDocument is the document served before any selection is rendered.
	FallbackDocument() []byte
}

// ReportConfig holds the tunables of the report service.
type ReportConfig struct {
	ScratchDir string
	Workers    int
	LandAreas  map[string]float64
	Fallback   []byte // defaults to report.FallbackDocument()
}

type reportService struct {
	catalog      DatasetCatalog
	views        repository.ViewRepository
	cache        viewcache.Cache
	metrics      *observability.Metrics
	log          *logger.Logger
	sem          *semaphore.Weighted
	cfg          ReportConfig
	fallback     []byte
	fallbackETag string
}

// NewReportService creates a new instance of ReportService.
func NewReportService(
	cat DatasetCatalog,
	views repository.ViewRepository,
	cache viewcache.Cache,
	metrics *observability.Metrics,
	log *logger.Logger,
	cfg ReportConfig,
) ReportService {
	if cache == nil {
		cache = viewcache.Nop{}
	}
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.LandAreas == nil {
		cfg.LandAreas = acreage.DefaultLandAreas
	}
	fallback := cfg.Fallback
	if len(fallback) == 0 {
		fallback = report.FallbackDocument()
	}

	return &reportService{
		catalog:      cat,
		views:        views,
		cache:        cache,
		metrics:      metrics,
		log:          log,
		sem:          semaphore.NewWeighted(int64(cfg.Workers)),
		cfg:          cfg,
		fallback:     fallback,
		fallbackETag: report.Fingerprint(fallback),
	}
}

func (s *reportService) FallbackDocument() []byte { return s.fallback }

func (s *reportService) ListFilterOptions(ctx context.Context, dataset string) (*FilterOptions, error) {
	names, err := s.catalog.ListDatasets(ctx)
	if err != nil {
		return nil, err
	}
	if len(names) == 0 {
		return nil, fmt.Errorf("no datasets registered: %w", ErrDatasetNotFound)
	}

	if !contains(names, dataset) {
		if dataset != "" {
			s.log.Warn("Unknown dataset requested, using default", map[string]interface{}{
				"requested": dataset,
				"default":   names[0],
			})
		}
		dataset = names[0]
	}

	distinct, err := s.catalog.GetDistinctValues(ctx, dataset)
	if err != nil {
		return nil, err
	}

	return &FilterOptions{
		Years:    nonNilInts(distinct.Years),
		Months:   nonNilStrings(distinct.Months),
		Islands:  nonNilStrings(distinct.Islands),
		DataSets: names,
		DataSet:  dataset,
	}, nil
}

func (s *reportService) RenderFilteredReport(ctx context.Context, dataset string, sel models.FilterSelection, id int64) (*Report, error) {
	if id < 1 {
		return nil, ErrInvalidViewID
	}

	start := time.Now()
	rep, err := s.renderReport(ctx, dataset, sel, id)
	s.metrics.ReportDuration.WithLabelValues("map").Observe(time.Since(start).Seconds())

	switch {
	case err == nil:
		s.metrics.Reports.WithLabelValues("map", "ok").Inc()
	case errors.Is(err, ErrEmptySelection):
		s.metrics.Reports.WithLabelValues("map", "empty").Inc()
	default:
		s.metrics.Reports.WithLabelValues("map", "error").Inc()
	}
	return rep, err
}

func (s *reportService) renderReport(ctx context.Context, dataset string, sel models.FilterSelection, id int64) (*Report, error) {
	if err := s.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer s.sem.Release(1)

	dataset, err := s.resolveDataset(ctx, dataset)
	if err != nil {
		return nil, err
	}

	records, available, err := s.selectRecords(ctx, dataset, sel)
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		s.log.Info("Selection matched no records", map[string]interface{}{
			"dataset": dataset,
			"id":      id,
			"years":   sel.Years,
			"months":  sel.Months,
			"islands": sel.Islands,
		})
		return nil, ErrEmptySelection
	}

	proj, err := s.catalog.LoadProjection(ctx, dataset)
	if err != nil {
		return nil, err
	}
	geographic, err := projection.RecordsToGeographic(records, proj)
	if err != nil {
		return nil, fmt.Errorf("dataset %q: %w: %w", dataset, ErrMalformedDataset, err)
	}

	summary := acreage.Aggregate(geographic)
	summary.PercentBurned, err = acreage.PercentBurned(summary.Totals.Acreage, sel.Islands, available, s.cfg.LandAreas)
	if err != nil {
		return nil, err
	}

	doc, err := report.BuildMapDocument(geographic, report.AssignYearColors(geographic), summary)
	if err != nil {
		return nil, err
	}

	view := models.SavedView{
		ID:          id,
		Years:       models.JoinYears(sel.Years),
		Islands:     strings.Join(sel.Islands, ","),
		Months:      strings.Join(sel.Months, ","),
		DatasetName: dataset,
		MapHTML:     string(doc),
	}
	if err := s.views.Save(ctx, view); err != nil {
		return nil, fmt.Errorf("failed to save view: %w", err)
	}
	if err := s.cache.Set(ctx, id, doc); err != nil {
		s.log.Warn("Failed to cache map document", map[string]interface{}{"id": id, "error": err.Error()})
	}

	s.log.Info("Report rendered", map[string]interface{}{
		"dataset": dataset,
		"id":      id,
		"records": len(geographic),
		"acreage": summary.Totals.Acreage,
		"percent": summary.PercentBurned,
	})

	return &Report{
		Document: doc,
		ETag:     report.Fingerprint(doc),
		Dataset:  dataset,
		Summary:  summary,
		ID:       id,
		Records:  len(geographic),
	}, nil
}

func (s *reportService) ExportFilteredArchive(ctx context.Context, id int64) (*Archive, error) {
	start := time.Now()
	archive, err := s.exportArchive(ctx, id)
	s.metrics.ReportDuration.WithLabelValues("archive").Observe(time.Since(start).Seconds())

	if err != nil {
		s.metrics.Reports.WithLabelValues("archive", "error").Inc()
		return nil, err
	}
	s.metrics.Reports.WithLabelValues("archive", "ok").Inc()
	s.metrics.ArchiveBytes.Observe(float64(len(archive.Data)))
	return archive, nil
}

func (s *reportService) exportArchive(ctx context.Context, id int64) (*Archive, error) {
	if id < 1 {
		return nil, ErrInvalidViewID
	}

	view, err := s.views.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if view == nil {
		return nil, fmt.Errorf("view %d: %w", id, ErrViewNotFound)
	}
	sel, err := view.Selection()
	if err != nil {
		return nil, fmt.Errorf("view %d has an unreadable selection: %w", id, err)
	}

	if err := s.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer s.sem.Release(1)

	dataset, err := s.resolveDataset(ctx, view.DatasetName)
	if err != nil {
		return nil, err
	}

	records, _, err := s.selectRecords(ctx, dataset, sel)
	if err != nil {
		return nil, err
	}
	prj, err := s.catalog.LoadPRJ(ctx, dataset)
	if err != nil {
		return nil, err
	}

	data, err := report.BuildArchive(records, prj, report.ArchiveOptions{
		ScratchDir: s.cfg.ScratchDir,
		Key:        strconv.FormatInt(id, 10),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to build archive for view %d: %w", id, err)
	}

	if err := s.views.Touch(ctx, id); err != nil {
		s.log.Warn("Failed to touch view", map[string]interface{}{"id": id, "error": err.Error()})
	}

	s.log.Info("Archive exported", map[string]interface{}{
		"dataset": dataset,
		"id":      id,
		"records": len(records),
		"bytes":   len(data),
	})

	return &Archive{
		Data:     data,
		Filename: fmt.Sprintf("%s_%d.zip", dataset, id),
		Dataset:  dataset,
		Records:  len(records),
	}, nil
}

func (s *reportService) ResolveOrCreateCacheEntry(ctx context.Context, id *int64) (*Resolution, error) {
	if id != nil && *id > 0 {
		exists, err := s.views.Exists(ctx, *id)
		if err != nil {
			return nil, err
		}
		if exists {
			res, err := s.lookupDocument(ctx, *id)
			if err != nil {
				return nil, err
			}
			if err := s.views.Touch(ctx, *id); err != nil {
				s.log.Warn("Failed to touch view", map[string]interface{}{"id": *id, "error": err.Error()})
			}
			return res, nil
		}
		s.log.Debug("Unknown view id, allocating a new one", map[string]interface{}{"requested": *id})
	}

	newID, err := s.views.Allocate(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to allocate view: %w", err)
	}
	s.log.Info("View allocated", map[string]interface{}{"id": newID})

	return &Resolution{
		Document: s.fallback,
		ETag:     s.fallbackETag,
		ID:       newID,
		Created:  true,
	}, nil
}

func (s *reportService) MapDocument(ctx context.Context, id int64) (*Resolution, error) {
	if id < 1 {
		return nil, ErrInvalidViewID
	}

	doc, ok := s.cachedDocument(ctx, id)
	if ok {
		return &Resolution{Document: doc, ETag: report.Fingerprint(doc), ID: id, Cached: true}, nil
	}

	exists, err := s.views.Exists(ctx, id)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, fmt.Errorf("view %d: %w", id, ErrViewNotFound)
	}
	return s.lookupDocument(ctx, id)
}

// lookupDocument returns the document of an existing view: the cache first,
// then the database (refilling the cache), then the fallback.
func (s *reportService) lookupDocument(ctx context.Context, id int64) (*Resolution, error) {
	if doc, ok := s.cachedDocument(ctx, id); ok {
		return &Resolution{Document: doc, ETag: report.Fingerprint(doc), ID: id, Cached: true}, nil
	}

	view, err := s.views.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if view == nil || view.MapHTML == "" {
		return &Resolution{Document: s.fallback, ETag: s.fallbackETag, ID: id}, nil
	}

	doc := []byte(view.MapHTML)
	if err := s.cache.Set(ctx, id, doc); err != nil {
		s.log.Warn("Failed to refill map document cache", map[string]interface{}{"id": id, "error": err.Error()})
	}
	return &Resolution{Document: doc, ETag: report.Fingerprint(doc), ID: id, Cached: true}, nil
}

// cachedDocument consults the document cache. Cache failures count as misses.
func (s *reportService) cachedDocument(ctx context.Context, id int64) ([]byte, bool) {
	doc, ok, err := s.cache.Get(ctx, id)
	switch {
	case err != nil:
		s.metrics.ViewCacheLookups.WithLabelValues("error").Inc()
		s.log.Warn("Map document cache unavailable", map[string]interface{}{"id": id, "error": err.Error()})
		return nil, false
	case ok:
		s.metrics.ViewCacheLookups.WithLabelValues("hit").Inc()
		return doc, true
	default:
		s.metrics.ViewCacheLookups.WithLabelValues("miss").Inc()
		return nil, false
	}
}

// resolveDataset maps an empty name to the default dataset.
func (s *reportService) resolveDataset(ctx context.Context, dataset string) (string, error) {
	if dataset != "" {
		return dataset, nil
	}
	return s.catalog.DefaultDataset(ctx)
}

// selectRecords loads dataset, drops multi-polygon records and applies sel.
// It also returns the islands present in the polygon records, which bound the
// land-area denominator.
func (s *reportService) selectRecords(ctx context.Context, dataset string, sel models.FilterSelection) ([]models.IncidentRecord, []string, error) {
	all, err := s.catalog.LoadRecords(ctx, dataset)
	if err != nil {
		return nil, nil, err
	}

	polygons, dropped := filter.PolygonsOnly(all)
	if dropped > 0 {
		s.metrics.MultiPolygonDrop.Add(float64(dropped))
		s.log.Debug("Dropped multi-polygon records", map[string]interface{}{
			"dataset": dataset,
			"dropped": dropped,
		})
	}

	available := filter.DistinctValues(polygons).Islands
	selected := filter.Filter(polygons, sel)
	s.metrics.RecordsSelected.Observe(float64(len(selected)))

	return selected, available, nil
}

func contains(values []string, v string) bool {
	for _, candidate := range values {
		if candidate == v {
			return true
		}
	}
	return false
}

func nonNilInts(v []int) []int {
	if v == nil {
		return []int{}
	}
	return v
}

func nonNilStrings(v []string) []string {
	if v == nil {
		return []string{}
	}
	return v
}
