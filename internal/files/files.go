// Package files serves directory listings and file contents from the
// workspace the dashboard runs in.
package files

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
	"unicode/utf8"
)

// DefaultReadLimit caps file reads when no limit is given.
const DefaultReadLimit = 1 << 20

var (
	ErrOutsideRoot = errors.New("path escapes workspace root")
	ErrIsDirectory = errors.New("path is a directory")
	ErrNotDir      = errors.New("path is not a directory")
	ErrTooLarge    = errors.New("file too large")
)

// Entry is one item of a directory listing.
type Entry struct {
	Name    string    `json:"name"`
	Path    string    `json:"path"`
	IsDir   bool      `json:"isDir"`
	Size    int64     `json:"size"`
	ModTime time.Time `json:"modTime"`
}

// Content is a file read for display.
type Content struct {
	Path    string `json:"path"`
	Size    int64  `json:"size"`
	Binary  bool   `json:"binary"`
	Content string `json:"content,omitempty"`
}

// Tree resolves request paths under Root.
type Tree struct {
	Root string
}

// List returns the entries of the directory at path, directories first, each
// group sorted by name. An empty path lists the root.
func (t Tree) List(path string) ([]Entry, error) {
	abs, rel, err := t.resolve(path)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%w: %s", ErrNotDir, rel)
	}
	dirents, err := os.ReadDir(abs)
	if err != nil {
		return nil, err
	}
	out := make([]Entry, 0, len(dirents))
	for _, d := range dirents {
		fi, err := d.Info()
		if err != nil {
			continue
		}
		out = append(out, Entry{
			Name:    d.Name(),
			Path:    filepath.ToSlash(filepath.Join(rel, d.Name())),
			IsDir:   d.IsDir(),
			Size:    fi.Size(),
			ModTime: fi.ModTime().UTC(),
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].IsDir != out[j].IsDir {
			return out[i].IsDir
		}
		return out[i].Name < out[j].Name
	})
	return out, nil
}

// Read returns the content of the file at path. Files larger than limit are
// refused; limit <= 0 means DefaultReadLimit. Content that is not text is
// reported as binary and left out.
func (t Tree) Read(path string, limit int64) (*Content, error) {
	if limit <= 0 {
		limit = DefaultReadLimit
	}
	abs, rel, err := t.resolve(path)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, err
	}
	if info.IsDir() {
		return nil, fmt.Errorf("%w: %s", ErrIsDirectory, rel)
	}
	if info.Size() > limit {
		return nil, fmt.Errorf("%w: %s is %d bytes (limit %d)", ErrTooLarge, rel, info.Size(), limit)
	}
	data, err := os.ReadFile(abs)
	if err != nil {
		return nil, err
	}
	c := &Content{Path: filepath.ToSlash(rel), Size: int64(len(data))}
	if bytes.IndexByte(data, 0) >= 0 || !utf8.Valid(data) {
		c.Binary = true
		return c, nil
	}
	c.Content = string(data)
	return c, nil
}

// resolve maps a request path to an absolute path inside Root and its
// root-relative form.
func (t Tree) resolve(requestPath string) (abs, rel string, err error) {
	root := t.Root
	if root == "" {
		root = "."
	}
	root, err = filepath.Abs(root)
	if err != nil {
		return "", "", err
	}
	raw := strings.TrimSpace(requestPath)
	if filepath.IsAbs(raw) {
		abs = filepath.Clean(raw)
	} else {
		abs = filepath.Join(root, raw)
	}
	rel, err = filepath.Rel(root, abs)
	if err != nil {
		return "", "", fmt.Errorf("%w: %s", ErrOutsideRoot, raw)
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(os.PathSeparator)) {
		return "", "", fmt.Errorf("%w: %s", ErrOutsideRoot, raw)
	}
	if rel == "." {
		rel = ""
	}
	return abs, rel, nil
}
