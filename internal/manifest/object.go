package manifest

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/animus-labs/wsi-batch/internal/domain"
	"github.com/animus-labs/wsi-batch/internal/platform/objectstore"
)

// ObjectSink uploads the manifest and every generated script under
// runs/<run_id>/ in the configured bucket. Scripts that were never written
// are left out.
type ObjectSink struct {
	store  objectstore.Store
	bucket string
}

func NewObjectSink(store objectstore.Store, bucket string) (*ObjectSink, error) {
	if store == nil {
		return nil, errors.New("object store is required")
	}
	bucket = strings.TrimSpace(bucket)
	if bucket == "" {
		return nil, errors.New("bucket is required")
	}
	return &ObjectSink{store: store, bucket: bucket}, nil
}

func RunPrefix(runID string) string {
	return path.Join("runs", runID)
}

func (s *ObjectSink) Persist(ctx context.Context, m domain.Manifest) error {
	if s == nil || s.store == nil {
		return errors.New("object sink not initialized")
	}
	runID := strings.TrimSpace(m.RunID)
	if runID == "" {
		return errors.New("run id is required")
	}
	prefix := RunPrefix(runID)

	var errs []error
	for _, script := range scripts(m) {
		raw, err := os.ReadFile(script)
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("read script: %w", err))
			continue
		}
		key := path.Join(prefix, "scripts", filepath.Base(script))
		if err := s.put(ctx, key, raw, "text/x-shellscript"); err != nil {
			errs = append(errs, err)
		}
	}

	raw, err := Encode(m)
	if err != nil {
		return err
	}
	if err := s.put(ctx, path.Join(prefix, "manifest.json"), raw, "application/json"); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (s *ObjectSink) put(ctx context.Context, key string, raw []byte, contentType string) error {
	if err := s.store.Put(ctx, s.bucket, key, bytes.NewReader(raw), int64(len(raw)), contentType); err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}
	return nil
}

// scripts lists the distinct generated script paths in result order.
func scripts(m domain.Manifest) []string {
	seen := map[string]bool{}
	var out []string
	for _, r := range m.Results {
		for _, p := range []string{r.GPUSbatch, r.CPUSbatch} {
			if strings.TrimSpace(p) == "" || seen[p] {
				continue
			}
			seen[p] = true
			out = append(out, p)
		}
	}
	return out
}
