// Package manifest persists the submission manifest of a pipeline run.
//
// FileSink writes the bare JSON list of per-image results the downstream
// tooling reads. The run header (id, timestamps, selection counts) travels
// only with the Postgres and object store copies kept for auditing.
package manifest

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/animus-labs/wsi-batch/internal/domain"
)

// Encode renders the manifest with its run header as indented JSON with a
// trailing newline.
func Encode(m domain.Manifest) ([]byte, error) {
	if m.Results == nil {
		m.Results = []domain.PipelineResult{}
	}
	return encode(m)
}

// EncodeResults renders only the result list, the layout of the submissions
// file.
func EncodeResults(results []domain.PipelineResult) ([]byte, error) {
	if results == nil {
		results = []domain.PipelineResult{}
	}
	return encode(results)
}

func encode(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetIndent("", "  ")
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, fmt.Errorf("encode manifest: %w", err)
	}
	return buf.Bytes(), nil
}

// Integrity is the hex sha256 of the encoded manifest.
func Integrity(raw []byte) string {
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

func decodeResults(raw []byte) ([]domain.PipelineResult, error) {
	var results []domain.PipelineResult
	if err := json.Unmarshal(raw, &results); err != nil {
		return nil, fmt.Errorf("decode submissions: %w", err)
	}
	return results, nil
}
