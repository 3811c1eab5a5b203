package catalog

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zip"

	"github.com/HWMO-Fire-Map/MapDemo/internal/events"
	"github.com/HWMO-Fire-Map/MapDemo/internal/filter"
	"github.com/HWMO-Fire-Map/MapDemo/internal/models"
	"github.com/HWMO-Fire-Map/MapDemo/internal/shapefile"
)

// outcome of one registration attempt
type outcome string

const (
	outcomeRegistered outcome = "registered"
	outcomeSkipped    outcome = "skipped"
	outcomeFailed     outcome = "failed"
)

// RegisterDataset extracts bundlePath (if its directory does not exist yet) and
// records the dataset's metadata with its directory (if no row exists yet). The
// bundle must live under the data directory. A bundle without the expected
// shapefile is logged and left unregistered.
func (c *Catalog) RegisterDataset(ctx context.Context, bundlePath string) error {
	_, err := c.register(ctx, bundlePath)
	return err
}

func (c *Catalog) register(ctx context.Context, bundlePath string) (outcome, error) {
	base := filepath.Base(bundlePath)
	if !strings.EqualFold(filepath.Ext(base), ".zip") {
		return outcomeFailed, fmt.Errorf("%s: %w: not a .zip file", base, ErrInvalidBundle)
	}
	name := strings.TrimSuffix(base, filepath.Ext(base))
	if !validName(name) {
		return outcomeFailed, fmt.Errorf("%s: %w: unusable dataset name", base, ErrInvalidBundle)
	}

	dir := filepath.Join(filepath.Dir(bundlePath), name)
	rel, err := c.relDir(dir)
	if err != nil {
		return outcomeFailed, fmt.Errorf("%s: %w: %v", base, ErrInvalidBundle, err)
	}

	unlock := c.lock(name)
	defer unlock()

	existing, err := c.repo.Get(ctx, name)
	if err != nil {
		return outcomeFailed, fmt.Errorf("failed to look up dataset %q: %w", name, err)
	}
	if existing != nil && existing.Dir != "" && existing.Dir != rel {
		c.log.Warn("Dataset name already registered elsewhere, skipping bundle", map[string]interface{}{
			"dataset":    name,
			"bundle":     rel + ".zip",
			"registered": existing.Dir,
		})
		return outcomeSkipped, nil
	}

	if !exists(dir) {
		if err := c.extract(bundlePath, dir); err != nil {
			return outcomeFailed, err
		}
		c.log.Info("Dataset extracted", map[string]interface{}{"dataset": name, "dir": rel})
	}

	if existing != nil {
		return outcomeSkipped, nil
	}

	shp := filepath.Join(dir, name+".shp")
	if !exists(shp) {
		c.log.Warn("No shapefile found in bundle, skipping registration", map[string]interface{}{
			"dataset": name,
			"bundle":  base,
		})
		return outcomeSkipped, nil
	}

	records, err := shapefile.Read(shp)
	if err != nil {
		return outcomeFailed, fmt.Errorf("dataset %q: %w: %v", name, ErrMalformedDataset, err)
	}

	meta := models.DatasetMetadata{
		Name:         name,
		Dir:          rel,
		IsExtracted:  true,
		Distinct:     filter.DistinctValues(records),
		RegisteredAt: c.clock.Now().UTC(),
	}
	inserted, err := c.repo.InsertIfAbsent(ctx, meta)
	if err != nil {
		return outcomeFailed, fmt.Errorf("failed to record dataset %q: %w", name, err)
	}
	if !inserted {
		return outcomeSkipped, nil
	}

	c.log.Info("Dataset registered", map[string]interface{}{
		"dataset": name,
		"records": len(records),
		"years":   len(meta.Distinct.Years),
		"islands": len(meta.Distinct.Islands),
	})
	c.publish(ctx, events.CatalogEvent{
		Type:       events.DatasetRegistered,
		Dataset:    name,
		Years:      meta.Distinct.Years,
		Islands:    meta.Distinct.Islands,
		Months:     meta.Distinct.Months,
		OccurredAt: meta.RegisteredAt,
	})
	c.refreshGauge(ctx)

	return outcomeRegistered, nil
}

// SaveBundle stores an uploaded bundle in the data directory and registers it.
// Only the base name of filename is used. Returns the dataset name.
func (c *Catalog) SaveBundle(ctx context.Context, filename string, r io.Reader) (string, error) {
	base := filepath.Base(filepath.Clean("/" + strings.ReplaceAll(filename, `\`, "/")))
	if !strings.EqualFold(filepath.Ext(base), ".zip") {
		return "", fmt.Errorf("%q: %w: expected a .zip file", filename, ErrInvalidBundle)
	}
	name := strings.TrimSuffix(base, filepath.Ext(base))
	if !validName(name) {
		return "", fmt.Errorf("%q: %w: unusable dataset name", filename, ErrInvalidBundle)
	}
	if exists(filepath.Join(c.root, name)) {
		return "", fmt.Errorf("dataset %q: %w", name, ErrDatasetExists)
	}
	if meta, err := c.repo.Get(ctx, name); err != nil {
		return "", fmt.Errorf("failed to look up dataset %q: %w", name, err)
	} else if meta != nil {
		return "", fmt.Errorf("dataset %q: %w", name, ErrDatasetExists)
	}

	tmp, err := os.CreateTemp(c.root, ".upload-*.zip")
	if err != nil {
		return "", fmt.Errorf("failed to create upload file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := io.Copy(tmp, r); err != nil {
		tmp.Close()
		return "", fmt.Errorf("failed to store upload: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("failed to store upload: %w", err)
	}

	zr, err := zip.OpenReader(tmp.Name())
	if err != nil {
		return "", fmt.Errorf("%q: %w: %v", filename, ErrInvalidBundle, err)
	}
	zr.Close()

	bundle := filepath.Join(c.root, name+".zip")
	if err := os.Rename(tmp.Name(), bundle); err != nil {
		return "", fmt.Errorf("failed to move upload into place: %w", err)
	}

	out, err := c.register(ctx, bundle)
	c.metrics.Ingestions.WithLabelValues(string(out)).Inc()
	if err != nil {
		return "", err
	}
	return name, nil
}

// extract unpacks bundle into a hidden sibling of dest and renames it into place,
// so readers never see a partially extracted dataset.
func (c *Catalog) extract(bundle, dest string) error {
	zr, err := zip.OpenReader(bundle)
	if err != nil {
		return fmt.Errorf("%s: %w: %v", filepath.Base(bundle), ErrInvalidBundle, err)
	}
	defer zr.Close()

	tmp, err := os.MkdirTemp(filepath.Dir(dest), ".extract-"+filepath.Base(dest)+"-")
	if err != nil {
		return fmt.Errorf("failed to create extraction directory: %w", err)
	}
	defer os.RemoveAll(tmp)

	strip := commonFolder(zr.File)
	for _, f := range zr.File {
		rel := strings.TrimPrefix(f.Name, strip)
		if rel == "" || strings.HasPrefix(f.Name, macOSMetadata+"/") {
			continue
		}

		target, err := safeJoin(tmp, rel)
		if err != nil {
			return fmt.Errorf("%s: %w", filepath.Base(bundle), err)
		}

		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0o755); err != nil {
				return fmt.Errorf("failed to create %s: %w", rel, err)
			}
			continue
		}
		if err := extractFile(f, target); err != nil {
			return err
		}
	}

	if err := os.Rename(tmp, dest); err != nil {
		if exists(dest) {
			// extracted concurrently by another process; theirs wins
			return nil
		}
		return fmt.Errorf("failed to move extracted dataset into place: %w", err)
	}
	return nil
}

func extractFile(f *zip.File, target string) error {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return fmt.Errorf("failed to create directory for %s: %w", f.Name, err)
	}

	rc, err := f.Open()
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", f.Name, err)
	}
	defer rc.Close()

	out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", f.Name, err)
	}
	if _, err := io.Copy(out, rc); err != nil {
		out.Close()
		return fmt.Errorf("failed to extract %s: %w", f.Name, err)
	}
	return out.Close()
}

// commonFolder returns "dir/" when every entry of the bundle lives under the
// same top-level directory, and "" for flat bundles.
func commonFolder(files []*zip.File) string {
	var prefix string
	for _, f := range files {
		if strings.HasPrefix(f.Name, macOSMetadata+"/") {
			continue
		}
		first, _, nested := strings.Cut(f.Name, "/")
		if !nested {
			return ""
		}
		if prefix == "" {
			prefix = first
		} else if prefix != first {
			return ""
		}
	}
	if prefix == "" {
		return ""
	}
	return prefix + "/"
}

// macOSMetadata is the resource-fork folder macOS adds to archives.
const macOSMetadata = "__MACOSX"

var errUnsafePath = errors.New("zip entry escapes the dataset directory")

// safeJoin joins an archive path onto root, refusing absolute and parent-relative entries.
func safeJoin(root, name string) (string, error) {
	if path.IsAbs(name) || strings.Contains(name, `\`) {
		return "", fmt.Errorf("%w: %s", errUnsafePath, name)
	}
	cleaned := path.Clean(name)
	if cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return "", fmt.Errorf("%w: %s", errUnsafePath, name)
	}
	return filepath.Join(root, filepath.FromSlash(cleaned)), nil
}
