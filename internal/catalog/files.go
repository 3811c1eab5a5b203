package catalog

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/klauspost/compress/zip"
)

var (
	// ErrFileNotFound is returned for file IDs that do not name a visible file.
	ErrFileNotFound = errors.New("file not found")
	// ErrInvalidFileID is returned for file IDs that could address anything outside the data directory.
	ErrInvalidFileID = errors.New("invalid file id")
)

// modDateLayout is the timestamp format shown in the file browser.
const modDateLayout = "2006-01-02 15:04:05"

// FileNode is one entry of the data directory tree.
type FileNode struct {
	ID       string     `json:"id"`
	Name     string     `json:"name"`
	IsDir    bool       `json:"isDir"`
	IsHidden bool       `json:"isHidden"`
	Openable bool       `json:"openable"`
	Size     int64      `json:"size"`
	ModDate  string     `json:"modDate"`
	Files    []FileNode `json:"files"`
}

// Files lists the data directory recursively. Directories report the total size
// of their contents. Working files of in-flight uploads and extractions are hidden.
func (c *Catalog) Files(ctx context.Context) ([]FileNode, error) {
	nodes, _, err := listDir(ctx, c.root, "")
	if err != nil {
		return nil, fmt.Errorf("failed to list data directory: %w", err)
	}
	return nodes, nil
}

// listDir lists dir, whose path relative to the data directory is prefix.
// Node IDs are slash-separated paths relative to the data directory.
func listDir(ctx context.Context, dir, prefix string) ([]FileNode, int64, error) {
	if err := ctx.Err(); err != nil {
		return nil, 0, err
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, 0, err
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	nodes := []FileNode{}
	var total int64
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), ".") {
			continue
		}

		info, err := e.Info()
		if err != nil {
			return nil, 0, err
		}

		node := FileNode{
			ID:       path.Join(prefix, e.Name()),
			Name:     e.Name(),
			IsDir:    e.IsDir(),
			IsHidden: e.IsDir(),
			ModDate:  info.ModTime().Format(modDateLayout),
			Files:    []FileNode{},
		}

		if e.IsDir() {
			children, size, err := listDir(ctx, filepath.Join(dir, e.Name()), node.ID)
			if err != nil {
				return nil, 0, err
			}
			node.Files = children
			node.Size = size
		} else {
			node.Size = info.Size()
		}

		total += node.Size
		nodes = append(nodes, node)
	}
	return nodes, total, nil
}

// OpenFile opens the regular file with the given ID (a slash-separated path
// relative to the data directory, as reported by Files).
func (c *Catalog) OpenFile(ctx context.Context, id string) (*os.File, os.FileInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	p, err := c.resolveFile(id)
	if err != nil {
		return nil, nil, err
	}

	f, err := os.Open(p)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil, fmt.Errorf("%q: %w", id, ErrFileNotFound)
		}
		return nil, nil, fmt.Errorf("failed to open %q: %w", id, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, nil, fmt.Errorf("failed to stat %q: %w", id, err)
	}
	if info.IsDir() {
		f.Close()
		return nil, nil, fmt.Errorf("%q is a directory: %w", id, ErrFileNotFound)
	}
	return f, info, nil
}

// Bundle zips the files and directories with the given IDs. Each entry is
// stored under its base name and directories keep their contents below it.
// IDs that no longer exist are skipped; at least one must resolve.
func (c *Catalog) Bundle(ctx context.Context, ids []string) ([]byte, error) {
	paths := make([]string, 0, len(ids))
	for _, id := range ids {
		p, err := c.resolveFile(id)
		if err != nil {
			return nil, err
		}
		paths = append(paths, p)
	}

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	added := 0
	for _, p := range paths {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		info, err := os.Stat(p)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return nil, fmt.Errorf("failed to stat %s: %w", filepath.Base(p), err)
		}

		if !info.IsDir() {
			if err := addZipFile(zw, p, filepath.Base(p)); err != nil {
				return nil, err
			}
			added++
			continue
		}

		base := filepath.Base(p)
		err = filepath.WalkDir(p, func(walked string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if walked != p && strings.HasPrefix(d.Name(), ".") {
				if d.IsDir() {
					return filepath.SkipDir
				}
				return nil
			}
			if d.IsDir() {
				return nil
			}
			rel, err := filepath.Rel(p, walked)
			if err != nil {
				return err
			}
			return addZipFile(zw, walked, path.Join(base, filepath.ToSlash(rel)))
		})
		if err != nil {
			return nil, fmt.Errorf("failed to bundle %s: %w", base, err)
		}
		added++
	}

	if added == 0 {
		return nil, fmt.Errorf("%s: %w", strings.Join(ids, ", "), ErrFileNotFound)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("failed to finish bundle: %w", err)
	}
	return buf.Bytes(), nil
}

// resolveFile maps a file ID onto the data directory, refusing traversal and
// hidden path elements.
func (c *Catalog) resolveFile(id string) (string, error) {
	id = strings.TrimPrefix(strings.TrimSpace(id), "/")
	if id == "" {
		return "", fmt.Errorf("empty id: %w", ErrInvalidFileID)
	}
	for _, part := range strings.Split(id, "/") {
		if strings.HasPrefix(part, ".") {
			return "", fmt.Errorf("%q: %w", id, ErrInvalidFileID)
		}
	}
	p, err := safeJoin(c.root, id)
	if err != nil {
		return "", fmt.Errorf("%q: %w", id, ErrInvalidFileID)
	}
	return p, nil
}

func addZipFile(zw *zip.Writer, src, name string) error {
	f, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", name, err)
	}
	defer f.Close()

	w, err := zw.CreateHeader(&zip.FileHeader{Name: name, Method: zip.Deflate})
	if err != nil {
		return fmt.Errorf("failed to add %s: %w", name, err)
	}
	if _, err := io.Copy(w, f); err != nil {
		return fmt.Errorf("failed to compress %s: %w", name, err)
	}
	return nil
}
