package domain

import (
	"encoding/json"
	"errors"
	"strings"
)

// FileAccess records the permission checks performed on one local copy.
// Unchecked permissions stay nil.
type FileAccess struct {
	Path       string `json:"path"`
	Readable   *bool  `json:"readable"`
	Writable   *bool  `json:"writable"`
	Executable *bool  `json:"executable"`
}

// ImageRecord is one entry of the enriched slide catalog. Fields written by
// the fetch stage that wsi-batch does not model are kept in Extra and
// written back unchanged.
type ImageRecord struct {
	ID            string         `json:"_id,omitempty"`
	Name          string         `json:"name"`
	FullPath      string         `json:"fullPath,omitempty"`
	Meta          map[string]any `json:"meta,omitempty"`
	LocalMatches  []string       `json:"local_matches"`
	HasLocalMatch bool           `json:"has_local_match"`
	IsDuplicate   bool           `json:"is_duplicate"`
	MatchCount    int            `json:"match_count"`
	Accessibility []FileAccess   `json:"accessibility"`

	Extra map[string]json.RawMessage `json:"-"`
}

type imageRecordFields ImageRecord

var imageRecordKeys = []string{
	"_id", "name", "fullPath", "meta",
	"local_matches", "has_local_match", "is_duplicate", "match_count", "accessibility",
}

func (r *ImageRecord) UnmarshalJSON(raw []byte) error {
	var known imageRecordFields
	if err := json.Unmarshal(raw, &known); err != nil {
		return err
	}
	var all map[string]json.RawMessage
	if err := json.Unmarshal(raw, &all); err != nil {
		return err
	}
	for _, k := range imageRecordKeys {
		delete(all, k)
	}
	known.Extra = nil
	if len(all) > 0 {
		known.Extra = all
	}
	*r = ImageRecord(known)
	return nil
}

func (r ImageRecord) MarshalJSON() ([]byte, error) {
	known, err := json.Marshal(imageRecordFields(r))
	if err != nil || len(r.Extra) == 0 {
		return known, err
	}
	merged := make(map[string]json.RawMessage, len(r.Extra)+len(imageRecordKeys))
	for k, v := range r.Extra {
		merged[k] = v
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(known, &fields); err != nil {
		return nil, err
	}
	for k, v := range fields {
		merged[k] = v
	}
	return json.Marshal(merged)
}

// LocalPath returns the canonical local copy of the image, the first match.
func (r ImageRecord) LocalPath() (string, bool) {
	if !r.HasLocalMatch {
		return "", false
	}
	for _, p := range r.LocalMatches {
		if strings.TrimSpace(p) != "" {
			return p, true
		}
	}
	return "", false
}

// WorkItem is a selected image with its resolved input file.
type WorkItem struct {
	Image     ImageRecord
	LocalPath string
}

func (w WorkItem) Validate() error {
	if strings.TrimSpace(w.LocalPath) == "" {
		return errors.New("local path is required")
	}
	return nil
}

// DisplayName is the image name, falling back to the local file name.
func (w WorkItem) DisplayName(fallback string) string {
	if name := strings.TrimSpace(w.Image.Name); name != "" {
		return name
	}
	return fallback
}
