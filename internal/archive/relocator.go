// Package archive moves obsolete artifacts out of the live tree and back,
// keeping content, audit record and registry state consistent.
package archive

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Relocator moves artifact content between its live location and the archive.
// Locations are opaque strings owned by the relocator.
type Relocator interface {
	// Stash moves the file at original into the archive and returns where it went
	Stash(ctx context.Context, original string, at time.Time) (string, error)
	// Unstash moves archived content back to original, refusing to overwrite
	Unstash(ctx context.Context, location, original string) error
	// Restash undoes an Unstash, putting content back at the same location
	Restash(ctx context.Context, original, location string) error
}

// archiveName tags a file name with the archive date: sync.sh -> sync.2026-04-06.sh.
// A non-zero n disambiguates repeated archives on the same day.
func archiveName(base string, at time.Time, n int) string {
	ext := filepath.Ext(base)
	stem := strings.TrimSuffix(base, ext)
	if stem == "" {
		stem, ext = base, ""
	}
	name := stem + "." + at.Format("2006-01-02")
	if n > 0 {
		name += "." + strconv.Itoa(n)
	}
	return name + ext
}

// FS archives files into a sibling directory of their original location,
// e.g. scripts/python/.archived_scripts/test_modal.2025-04-06.py.
type FS struct {
	root    string
	dirName string
}

// NewFS creates a filesystem relocator. Paths are relative to root.
func NewFS(root, dirName string) *FS {
	if dirName == "" {
		dirName = ".archived_scripts"
	}
	return &FS{root: root, dirName: dirName}
}

func (f *FS) abs(rel string) string {
	return filepath.Join(f.root, filepath.FromSlash(rel))
}

func (f *FS) rel(abs string) string {
	r, err := filepath.Rel(f.root, abs)
	if err != nil {
		return abs
	}
	return filepath.ToSlash(r)
}

func (f *FS) Stash(ctx context.Context, original string, at time.Time) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	src := f.abs(original)
	info, err := os.Stat(src)
	if err != nil {
		return "", fmt.Errorf("stat %s: %w", original, err)
	}
	if !info.Mode().IsRegular() {
		return "", fmt.Errorf("%s is not a regular file", original)
	}

	dir := filepath.Join(filepath.Dir(src), f.dirName)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create archive dir: %w", err)
	}

	dst, err := freeName(dir, filepath.Base(src), at)
	if err != nil {
		return "", err
	}
	if err := os.Rename(src, dst); err != nil {
		return "", fmt.Errorf("move %s: %w", original, err)
	}
	return f.rel(dst), nil
}

// freeName returns the first archive name for base in dir that is not taken
func freeName(dir, base string, at time.Time) (string, error) {
	for n := 0; ; n++ {
		dst := filepath.Join(dir, archiveName(base, at, n))
		_, err := os.Lstat(dst)
		switch {
		case errors.Is(err, fs.ErrNotExist):
			return dst, nil
		case err != nil:
			return "", fmt.Errorf("stat %s: %w", dst, err)
		}
	}
}

func (f *FS) Unstash(ctx context.Context, location, original string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return f.move(location, original)
}

func (f *FS) Restash(ctx context.Context, original, location string) error {
	return f.move(original, location)
}

// move renames from onto to, never replacing an existing file
func (f *FS) move(from, to string) error {
	dst := f.abs(to)
	if _, err := os.Lstat(dst); err == nil {
		return fmt.Errorf("move to %s: %w", to, fs.ErrExist)
	} else if !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("stat %s: %w", to, err)
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return fmt.Errorf("create dir: %w", err)
	}
	if err := os.Rename(f.abs(from), dst); err != nil {
		return fmt.Errorf("move %s: %w", from, err)
	}
	return nil
}
