package catalog

import (
	"context"
	"io/fs"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// IngestReport counts what one ingestion run did.
type IngestReport struct {
	Registered int      `json:"registered"`
	Skipped    int      `json:"skipped"`
	Failed     int      `json:"failed"`
	Errors     []string `json:"errors,omitempty"`
}

// IngestAll registers every .zip bundle under the data directory, at any depth,
// that has no metadata row yet, at most workers at a time. Hidden entries and
// the working directories of uploads and extractions are not searched.
// Failures are logged and counted; they never abort the run.
func (c *Catalog) IngestAll(ctx context.Context, workers int) IngestReport {
	var report IngestReport

	bundles, err := c.findBundles(ctx)
	if err != nil {
		c.log.Error("Failed to scan data directory", err, map[string]interface{}{"dir": c.root})
		report.Failed++
		report.Errors = append(report.Errors, err.Error())
		return report
	}

	if workers < 1 {
		workers = 1
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)

	for _, bundle := range bundles {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			out, err := c.register(gctx, bundle)
			c.metrics.Ingestions.WithLabelValues(string(out)).Inc()

			mu.Lock()
			defer mu.Unlock()
			switch out {
			case outcomeRegistered:
				report.Registered++
			case outcomeSkipped:
				report.Skipped++
			default:
				report.Failed++
			}
			if err != nil {
				report.Errors = append(report.Errors, err.Error())
				c.log.Error("Failed to ingest bundle", err, map[string]interface{}{
					"bundle": bundle,
				})
			}
			return nil
		})
	}
	_ = g.Wait()

	c.log.Info("Ingestion finished", map[string]interface{}{
		"bundles":    len(bundles),
		"registered": report.Registered,
		"skipped":    report.Skipped,
		"failed":     report.Failed,
	})
	return report
}

// findBundles walks the data directory for .zip files, sorted by path.
// Unreadable subdirectories are logged and skipped.
func (c *Catalog) findBundles(ctx context.Context) ([]string, error) {
	var bundles []string
	err := filepath.WalkDir(c.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == c.root {
				return err
			}
			c.log.Warn("Skipping unreadable path", map[string]interface{}{
				"path":  path,
				"error": err.Error(),
			})
			return nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if path == c.root {
			return nil
		}

		name := d.Name()
		if d.IsDir() {
			if strings.HasPrefix(name, ".") || name == macOSMetadata {
				return filepath.SkipDir
			}
			return nil
		}
		if strings.HasPrefix(name, ".") || !strings.EqualFold(filepath.Ext(name), ".zip") {
			return nil
		}
		bundles = append(bundles, path)
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Strings(bundles)
	return bundles, nil
}

// Watch runs IngestAll every interval until ctx is done. Each report is passed
// to onReport when it is non-nil.
func (c *Catalog) Watch(ctx context.Context, interval time.Duration, workers int, onReport func(IngestReport)) {
	if interval <= 0 {
		return
	}

	ticker := c.clock.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			report := c.IngestAll(ctx, workers)
			if onReport != nil {
				onReport(report)
			}
		}
	}
}
