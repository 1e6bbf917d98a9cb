package manifest

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/animus-labs/wsi-batch/internal/domain"
)

type FileSink struct {
	path string
}

func NewFileSink(path string) (*FileSink, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("manifest path is required")
	}
	return &FileSink{path: path}, nil
}

func (s *FileSink) Path() string { return s.path }

// Persist atomically replaces the submissions file with the run's results.
func (s *FileSink) Persist(_ context.Context, m domain.Manifest) error {
	if s == nil {
		return errors.New("file sink not initialized")
	}
	raw, err := EncodeResults(m.Results)
	if err != nil {
		return err
	}
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create manifest dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".manifest-*.json")
	if err != nil {
		return fmt.Errorf("create temp manifest: %w", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := tmp.Write(raw); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write manifest: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close manifest: %w", err)
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		return fmt.Errorf("chmod manifest: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		return fmt.Errorf("rename manifest: %w", err)
	}
	return nil
}

// LoadResults reads a submissions file written by FileSink.
func LoadResults(path string) ([]domain.PipelineResult, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read submissions: %w", err)
	}
	return decodeResults(raw)
}
