package manifest

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/animus-labs/wsi-batch/internal/domain"
)

// DB is satisfied by *sql.DB.
type DB interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error)
}

const (
	createRunsTableQuery = `CREATE TABLE IF NOT EXISTS pipeline_runs (
		run_id TEXT PRIMARY KEY,
		started_at TIMESTAMPTZ NOT NULL,
		finished_at TIMESTAMPTZ NOT NULL,
		selected INTEGER NOT NULL,
		skipped INTEGER NOT NULL,
		failed INTEGER NOT NULL,
		manifest JSONB NOT NULL,
		integrity_sha256 TEXT NOT NULL
	)`

	createResultsTableQuery = `CREATE TABLE IF NOT EXISTS pipeline_results (
		result_id UUID PRIMARY KEY,
		run_id TEXT NOT NULL REFERENCES pipeline_runs (run_id),
		image TEXT NOT NULL,
		local_path TEXT NOT NULL,
		seg_anot TEXT,
		ppc_anot TEXT,
		ppc_tiff TEXT,
		gpu_sbatch TEXT,
		cpu_sbatch TEXT,
		gpu_job_id TEXT,
		gpu_status TEXT NOT NULL,
		gpu_message TEXT,
		cpu_job_id TEXT,
		cpu_status TEXT NOT NULL,
		cpu_message TEXT,
		UNIQUE (run_id, image, local_path)
	)`

	insertRunQuery = `INSERT INTO pipeline_runs (
		run_id,
		started_at,
		finished_at,
		selected,
		skipped,
		failed,
		manifest,
		integrity_sha256
	) VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	ON CONFLICT (run_id) DO NOTHING`

	insertResultQuery = `INSERT INTO pipeline_results (
		result_id,
		run_id,
		image,
		local_path,
		seg_anot,
		ppc_anot,
		ppc_tiff,
		gpu_sbatch,
		cpu_sbatch,
		gpu_job_id,
		gpu_status,
		gpu_message,
		cpu_job_id,
		cpu_status,
		cpu_message
	) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)
	ON CONFLICT (run_id, image, local_path) DO NOTHING`
)

type PostgresSink struct {
	db DB
}

func NewPostgresSink(db DB) *PostgresSink {
	if db == nil {
		return nil
	}
	return &PostgresSink{db: db}
}

// EnsureSchema creates the ledger tables when missing.
func (s *PostgresSink) EnsureSchema(ctx context.Context) error {
	if s == nil || s.db == nil {
		return errors.New("postgres sink not initialized")
	}
	for _, q := range []string{createRunsTableQuery, createResultsTableQuery} {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

// Persist stores the run and its results in one transaction. Re-persisting
// the same run is a no-op.
func (s *PostgresSink) Persist(ctx context.Context, m domain.Manifest) error {
	if s == nil || s.db == nil {
		return errors.New("postgres sink not initialized")
	}
	runID := strings.TrimSpace(m.RunID)
	if runID == "" {
		return errors.New("run id is required")
	}
	raw, err := Encode(m)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, insertRunQuery,
		runID,
		m.StartedAt.UTC(),
		m.FinishedAt.UTC(),
		m.Selected,
		m.Skipped,
		m.Failed(),
		string(raw),
		Integrity(raw),
	); err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	for _, r := range m.Results {
		if _, err := tx.ExecContext(ctx, insertResultQuery, resultArgs(runID, r)...); err != nil {
			return fmt.Errorf("insert result %s: %w", r.Image, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func resultArgs(runID string, r domain.PipelineResult) []any {
	return []any{
		uuid.NewString(),
		runID,
		r.Image,
		r.LocalPath,
		nullIfEmpty(r.SegAnot),
		nullIfEmpty(r.PPCAnot),
		nullIfEmpty(r.PPCTiff),
		nullIfEmpty(r.GPUSbatch),
		nullIfEmpty(r.CPUSbatch),
		nullIfEmpty(r.GPUJobID),
		r.GPUStatus,
		nullIfEmpty(r.GPUMessage),
		nullIfEmpty(r.CPUJobID),
		r.CPUStatus,
		nullIfEmpty(r.CPUMessage),
	}
}

func nullIfEmpty(v string) sql.NullString {
	v = strings.TrimSpace(v)
	if v == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: v, Valid: true}
}
