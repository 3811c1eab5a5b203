package report

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/cespare/xxhash/v2"
	"github.com/klauspost/compress/zip"

	"github.com/HWMO-Fire-Map/MapDemo/internal/models"
	"github.com/HWMO-Fire-Map/MapDemo/internal/shapefile"
)

// ArchiveOptions controls where and under what name the archive is assembled.
type ArchiveOptions struct {
	ScratchDir string // parent of the per-request working directory
	Key        string // cache key, used to name the working directory
	BaseName   string // shapefile base name inside the archive
}

// BuildArchive writes records (in their native projection) as a shapefile with
// prj as its .prj, and returns every produced file deflated into one zip.
// The working directory is removed on every exit path.
func BuildArchive(records []models.IncidentRecord, prj string, opts ArchiveOptions) ([]byte, error) {
	if opts.BaseName == "" {
		opts.BaseName = "filtered"
	}
	if err := os.MkdirAll(opts.ScratchDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create scratch root: %w", err)
	}

	dir, err := os.MkdirTemp(opts.ScratchDir, "user_"+opts.Key+"_")
	if err != nil {
		return nil, fmt.Errorf("failed to create scratch directory: %w", err)
	}
	defer os.RemoveAll(dir)

	if err := shapefile.Write(filepath.Join(dir, opts.BaseName+".shp"), records, prj); err != nil {
		return nil, fmt.Errorf("failed to write shapefile: %w", err)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to list scratch directory: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if err := addFile(zw, filepath.Join(dir, e.Name()), e.Name()); err != nil {
			zw.Close()
			return nil, err
		}
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("failed to finish archive: %w", err)
	}

	return buf.Bytes(), nil
}

func addFile(zw *zip.Writer, path, name string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", name, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("failed to stat %s: %w", name, err)
	}

	hdr, err := zip.FileInfoHeader(info)
	if err != nil {
		return fmt.Errorf("failed to build header for %s: %w", name, err)
	}
	hdr.Name = name
	hdr.Method = zip.Deflate

	w, err := zw.CreateHeader(hdr)
	if err != nil {
		return fmt.Errorf("failed to add %s: %w", name, err)
	}
	if _, err := io.Copy(w, f); err != nil {
		return fmt.Errorf("failed to compress %s: %w", name, err)
	}
	return nil
}

// Fingerprint returns a strong ETag for a rendered document.
func Fingerprint(doc []byte) string {
	return fmt.Sprintf(`"%016x"`, xxhash.Sum64(doc))
}
