package services

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"strings"

	"github.com/HWMO-Fire-Map/MapDemo/internal/catalog"
	"github.com/HWMO-Fire-Map/MapDemo/internal/logger"
)

// DatasetStore is the part of the catalog that manages dataset bundles.
type DatasetStore interface {
	ListDatasets(ctx context.Context) ([]string, error)
	SaveBundle(ctx context.Context, filename string, r io.Reader) (string, error)
	RemoveDataset(ctx context.Context, name string) error
	IngestAll(ctx context.Context, workers int) catalog.IngestReport
	Files(ctx context.Context) ([]catalog.FileNode, error)
	OpenFile(ctx context.Context, id string) (*os.File, os.FileInfo, error)
	Bundle(ctx context.Context, ids []string) ([]byte, error)
}

// maxTextBytes bounds the files served as text.
const maxTextBytes = 4 << 20

// DatasetService defines the interface for dataset administration.
type DatasetService interface {
	// List returns the registered dataset names in registration order.
	List(ctx context.Context) ([]string, error)

	// Upload stores and registers a bundle, returning the dataset name.
	// Returns ErrInvalidBundle for anything that is not a readable .zip and
	// ErrDatasetExists when the name is taken.
	Upload(ctx context.Context, filename string, r io.Reader) (string, error)

	// Remove deletes a dataset's row, directory and bundle.
	Remove(ctx context.Context, name string) error

	// Ingest registers every bundle in the data directory that is not yet known.
	Ingest(ctx context.Context) catalog.IngestReport

	// Files lists the data directory.
	Files(ctx context.Context) ([]catalog.FileNode, error)

	// Download zips the listed files and directories of the data directory.
	// Returns ErrInvalidFileID for unusable IDs and ErrFileNotFound when none exist.
	Download(ctx context.Context, ids []string) ([]byte, error)

	// ReadText returns the content of a data directory file.
	// Returns ErrFileTooLarge above 4 MiB.
	ReadText(ctx context.Context, id string) (string, error)

	// OpenPDF opens a .pdf file of the data directory along with its size.
	// The caller closes the reader.
	OpenPDF(ctx context.Context, id string) (io.ReadCloser, int64, error)
}

type datasetService struct {
	store   DatasetStore
	workers int
	log     *logger.Logger
}

// NewDatasetService creates a new instance of DatasetService.
func NewDatasetService(store DatasetStore, ingestWorkers int, log *logger.Logger) DatasetService {
	if ingestWorkers < 1 {
		ingestWorkers = 1
	}
	return &datasetService{store: store, workers: ingestWorkers, log: log}
}

func (s *datasetService) List(ctx context.Context) ([]string, error) {
	names, err := s.store.ListDatasets(ctx)
	if err != nil {
		return nil, err
	}
	if names == nil {
		names = []string{}
	}
	return names, nil
}

func (s *datasetService) Upload(ctx context.Context, filename string, r io.Reader) (string, error) {
	if !strings.HasSuffix(strings.ToLower(filename), ".zip") {
		return "", fmt.Errorf("%q is not a .zip file: %w", filename, ErrInvalidBundle)
	}

	name, err := s.store.SaveBundle(ctx, filename, r)
	if err != nil {
		s.log.Warn("Dataset upload rejected", map[string]interface{}{
			"filename": filename,
			"error":    err.Error(),
		})
		return "", err
	}

	s.log.Info("Dataset uploaded", map[string]interface{}{"dataset": name})
	return name, nil
}

func (s *datasetService) Remove(ctx context.Context, name string) error {
	if err := s.store.RemoveDataset(ctx, name); err != nil {
		return err
	}
	s.log.Info("Dataset removed", map[string]interface{}{"dataset": name})
	return nil
}

func (s *datasetService) Ingest(ctx context.Context) catalog.IngestReport {
	return s.store.IngestAll(ctx, s.workers)
}

func (s *datasetService) Files(ctx context.Context) ([]catalog.FileNode, error) {
	nodes, err := s.store.Files(ctx)
	if err != nil {
		return nil, err
	}
	if nodes == nil {
		nodes = []catalog.FileNode{}
	}
	return nodes, nil
}

func (s *datasetService) Download(ctx context.Context, ids []string) ([]byte, error) {
	var cleaned []string
	for _, id := range ids {
		if id = strings.TrimSpace(id); id != "" {
			cleaned = append(cleaned, id)
		}
	}
	if len(cleaned) == 0 {
		return nil, fmt.Errorf("no file ids given: %w", ErrInvalidFileID)
	}

	data, err := s.store.Bundle(ctx, cleaned)
	if err != nil {
		return nil, err
	}

	s.log.Info("Files bundled for download", map[string]interface{}{
		"files": len(cleaned),
		"bytes": len(data),
	})
	return data, nil
}

func (s *datasetService) ReadText(ctx context.Context, id string) (string, error) {
	f, info, err := s.store.OpenFile(ctx, id)
	if err != nil {
		return "", err
	}
	defer f.Close()

	if info.Size() > maxTextBytes {
		return "", fmt.Errorf("%q is %d bytes: %w", id, info.Size(), ErrFileTooLarge)
	}
	data, err := io.ReadAll(io.LimitReader(f, maxTextBytes+1))
	if err != nil {
		return "", fmt.Errorf("failed to read %q: %w", id, err)
	}
	if len(data) > maxTextBytes {
		return "", fmt.Errorf("%q grew past %d bytes: %w", id, maxTextBytes, ErrFileTooLarge)
	}
	return string(data), nil
}

func (s *datasetService) OpenPDF(ctx context.Context, id string) (io.ReadCloser, int64, error) {
	if !strings.EqualFold(path.Ext(id), ".pdf") {
		return nil, 0, fmt.Errorf("%q: %w", id, ErrNotPDF)
	}
	f, info, err := s.store.OpenFile(ctx, id)
	if err != nil {
		return nil, 0, err
	}
	return f, info.Size(), nil
}
