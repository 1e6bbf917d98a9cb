// Package catalog loads the enriched slide catalog, matches catalog entries
// against the local file store, and selects the images to process.
package catalog

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/animus-labs/wsi-batch/internal/domain"
)

// Selection is the ordered work list plus the number of records dropped for
// lacking a usable local copy.
type Selection struct {
	Items   []domain.WorkItem
	Skipped int
}

// Select keeps records that have a local match, in catalog order. The first
// listed local path is the canonical input file.
func Select(records []domain.ImageRecord) Selection {
	sel := Selection{Items: make([]domain.WorkItem, 0, len(records))}
	for _, rec := range records {
		path, ok := rec.LocalPath()
		if !ok {
			sel.Skipped++
			continue
		}
		sel.Items = append(sel.Items, domain.WorkItem{Image: rec, LocalPath: path})
	}
	return sel
}

func Load(path string) ([]domain.ImageRecord, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog: %w", err)
	}
	var records []domain.ImageRecord
	if err := json.Unmarshal(raw, &records); err != nil {
		return nil, fmt.Errorf("decode catalog %s: %w", path, err)
	}
	return records, nil
}

func Save(path string, records []domain.ImageRecord) error {
	if records == nil {
		records = []domain.ImageRecord{}
	}
	raw, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return fmt.Errorf("encode catalog: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create catalog dir: %w", err)
	}
	if err := os.WriteFile(path, append(raw, '\n'), 0o644); err != nil {
		return fmt.Errorf("write catalog: %w", err)
	}
	return nil
}
