package project

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"unicode/utf8"

	"github.com/fyrsmithlabs/evolvd/internal/ignore"
)

// Common errors.
var (
	ErrEmptyRoot    = errors.New("project root cannot be empty")
	ErrNotDirectory = errors.New("project root must be a directory")
	ErrTooManyFiles = errors.New("project exceeds file limit")
)

const (
	defaultMaxFileSize = 1024 * 1024
	defaultMaxFiles    = 10000
)

// Options bound a scan.
type Options struct {
	// MaxFileSize skips larger files. Zero selects 1MB.
	MaxFileSize int64

	// MaxFiles aborts the scan with ErrTooManyFiles. Zero selects 10000.
	MaxFiles int

	// Matcher overrides the ignore rules read from the project root.
	Matcher *ignore.Matcher
}

// Snapshot is an immutable view of a project's text files.
type Snapshot struct {
	root  string
	files map[string]string
}

// New builds a snapshot from in-memory content keyed by relative path.
func New(root string, files map[string]string) *Snapshot {
	s := &Snapshot{root: filepath.Clean(root), files: make(map[string]string, len(files))}
	for p, c := range files {
		s.files[filepath.ToSlash(p)] = c
	}
	return s
}

// Scan walks root and loads every text file not excluded by ignore rules.
// Binary files (invalid UTF-8 or containing NUL) and oversized files are skipped.
func Scan(ctx context.Context, root string, opts Options) (*Snapshot, error) {
	if root == "" {
		return nil, ErrEmptyRoot
	}
	root = filepath.Clean(root)
	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("stat project root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%w: %s", ErrNotDirectory, root)
	}

	if opts.MaxFileSize == 0 {
		opts.MaxFileSize = defaultMaxFileSize
	}
	if opts.MaxFiles == 0 {
		opts.MaxFiles = defaultMaxFiles
	}
	matcher := opts.Matcher
	if matcher == nil {
		matcher, err = ignore.NewParser(ignore.DefaultFiles, ignore.DefaultPatterns).ParseProject(root)
		if err != nil {
			return nil, fmt.Errorf("reading ignore files: %w", err)
		}
	}

	snap := &Snapshot{root: root, files: make(map[string]string)}
	err = filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if p == root {
			return nil
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return fmt.Errorf("computing relative path: %w", err)
		}
		rel = filepath.ToSlash(rel)

		if d.IsDir() {
			if matcher.Match(rel, true) {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() || matcher.Match(rel, false) {
			return nil
		}
		fi, err := d.Info()
		if err != nil {
			return fmt.Errorf("stat %s: %w", rel, err)
		}
		if fi.Size() > opts.MaxFileSize {
			return nil
		}
		content, err := os.ReadFile(p)
		if err != nil {
			return fmt.Errorf("reading %s: %w", rel, err)
		}
		if !isText(content) {
			return nil
		}
		if len(snap.files) >= opts.MaxFiles {
			return fmt.Errorf("%w: more than %d files", ErrTooManyFiles, opts.MaxFiles)
		}
		snap.files[rel] = string(content)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scanning %s: %w", root, err)
	}
	return snap, nil
}

func isText(b []byte) bool {
	for _, c := range b {
		if c == 0 {
			return false
		}
	}
	return utf8.Valid(b)
}

// Root returns the absolute project root.
func (s *Snapshot) Root() string { return s.root }

// Len returns the number of files.
func (s *Snapshot) Len() int { return len(s.files) }

// Exists reports whether path is a file in the snapshot.
func (s *Snapshot) Exists(path string) bool {
	_, ok := s.files[filepath.ToSlash(path)]
	return ok
}

// Content returns the content of path.
func (s *Snapshot) Content(path string) (string, bool) {
	c, ok := s.files[filepath.ToSlash(path)]
	return c, ok
}

// Paths returns every file path in sorted order.
func (s *Snapshot) Paths() []string {
	paths := make([]string, 0, len(s.files))
	for p := range s.files {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

// Files returns a copy of the path → content map.
func (s *Snapshot) Files() map[string]string {
	out := make(map[string]string, len(s.files))
	for p, c := range s.files {
		out[p] = c
	}
	return out
}

// Overlay returns a new snapshot with contents written over s and deleted
// paths removed.
func (s *Snapshot) Overlay(contents map[string]string, deleted []string) *Snapshot {
	out := &Snapshot{root: s.root, files: s.Files()}
	for _, p := range deleted {
		delete(out.files, filepath.ToSlash(p))
	}
	for p, c := range contents {
		out.files[filepath.ToSlash(p)] = c
	}
	return out
}

// Materialize writes every file into dir, creating parent directories.
func (s *Snapshot) Materialize(dir string) error {
	for _, rel := range s.Paths() {
		dst := filepath.Join(dir, filepath.FromSlash(rel))
		if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
			return fmt.Errorf("creating directory for %s: %w", rel, err)
		}
		if err := os.WriteFile(dst, []byte(s.files[rel]), 0o644); err != nil {
			return fmt.Errorf("writing %s: %w", rel, err)
		}
	}
	return nil
}
