package catalog

import (
	"context"
	"fmt"
	"io/fs"
	"path/filepath"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/animus-labs/wsi-batch/internal/domain"
)

// Checks selects which permission checks run on matched files. Readable is
// checked unless explicitly disabled.
type Checks struct {
	Readable   *bool
	Writable   *bool
	Executable *bool
}

func (c Checks) readable() bool   { return c.Readable == nil || *c.Readable }
func (c Checks) writable() bool   { return c.Writable != nil && *c.Writable }
func (c Checks) executable() bool { return c.Executable != nil && *c.Executable }

// Index maps lower-cased file names to every path in the store carrying it.
type Index map[string][]string

// BuildIndex walks root once. Walk errors below the root are skipped so one
// unreadable directory does not hide the rest of the store.
func BuildIndex(ctx context.Context, root string) (Index, error) {
	idx := Index{}
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if err != nil {
			if path == root {
				return err
			}
			if d != nil && d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			return nil
		}
		key := strings.ToLower(d.Name())
		idx[key] = append(idx[key], path)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", root, err)
	}
	return idx, nil
}

// MatchLocal returns a copy of records enriched with their local matches.
func MatchLocal(ctx context.Context, records []domain.ImageRecord, root string, checks Checks) ([]domain.ImageRecord, error) {
	idx, err := BuildIndex(ctx, root)
	if err != nil {
		return nil, err
	}
	return idx.Enrich(records, checks), nil
}

func (idx Index) Enrich(records []domain.ImageRecord, checks Checks) []domain.ImageRecord {
	out := make([]domain.ImageRecord, 0, len(records))
	for _, rec := range records {
		matches := append([]string(nil), idx[strings.ToLower(rec.Name)]...)
		if matches == nil {
			matches = []string{}
		}
		rec.LocalMatches = matches
		rec.HasLocalMatch = len(matches) > 0
		rec.IsDuplicate = len(matches) > 1
		rec.MatchCount = len(matches)
		rec.Accessibility = make([]domain.FileAccess, 0, len(matches))
		for _, p := range matches {
			rec.Accessibility = append(rec.Accessibility, checkAccess(p, checks))
		}
		out = append(out, rec)
	}
	return out
}

func checkAccess(path string, checks Checks) domain.FileAccess {
	access := domain.FileAccess{Path: path}
	if checks.readable() {
		access.Readable = accessible(path, unix.R_OK)
	}
	if checks.writable() {
		access.Writable = accessible(path, unix.W_OK)
	}
	if checks.executable() {
		access.Executable = accessible(path, unix.X_OK)
	}
	return access
}

func accessible(path string, mode uint32) *bool {
	ok := unix.Access(path, mode) == nil
	return &ok
}
