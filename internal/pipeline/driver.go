package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/animus-labs/wsi-batch/internal/catalog"
	"github.com/animus-labs/wsi-batch/internal/domain"
	"github.com/animus-labs/wsi-batch/internal/jobscript"
	"github.com/animus-labs/wsi-batch/internal/scheduler"
)

type Builder interface {
	Build(item domain.WorkItem) (jobscript.Pair, error)
}

// Sink persists the finished manifest.
type Sink interface {
	Persist(ctx context.Context, m domain.Manifest) error
}

// Recorder observes each slide result as soon as it is known.
type Recorder interface {
	Record(ctx context.Context, runID string, result domain.PipelineResult) error
}

type Deps struct {
	Builder   Builder
	Gateway   scheduler.Gateway
	Write     func(jobscript.Pair) error
	Sinks     []Sink
	Recorders []Recorder
	Logger    *slog.Logger
	Now       func() time.Time
	NewRunID  func() string
}

type Driver struct {
	builder   Builder
	gateway   scheduler.Gateway
	write     func(jobscript.Pair) error
	sinks     []Sink
	recorders []Recorder
	logger    *slog.Logger
	now       func() time.Time
	newRunID  func() string
}

func New(deps Deps) (*Driver, error) {
	if deps.Builder == nil {
		return nil, errors.New("builder is required")
	}
	if deps.Gateway == nil {
		return nil, errors.New("scheduler gateway is required")
	}
	d := &Driver{
		builder:   deps.Builder,
		gateway:   deps.Gateway,
		write:     deps.Write,
		sinks:     deps.Sinks,
		recorders: deps.Recorders,
		logger:    deps.Logger,
		now:       deps.Now,
		newRunID:  deps.NewRunID,
	}
	if d.write == nil {
		d.write = jobscript.WritePair
	}
	if d.logger == nil {
		d.logger = slog.Default()
	}
	if d.now == nil {
		d.now = func() time.Time { return time.Now().UTC() }
	}
	if d.newRunID == nil {
		d.newRunID = uuid.NewString
	}
	return d, nil
}

// Run processes the catalog and persists the manifest. The returned error
// only reports persistence failures; per-slide failures live in the
// manifest. If ctx is cancelled, remaining slides are left out and the
// partial manifest is still persisted.
func (d *Driver) Run(ctx context.Context, records []domain.ImageRecord) (domain.Manifest, error) {
	sel := catalog.Select(records)
	m := domain.Manifest{
		RunID:     d.newRunID(),
		StartedAt: d.now(),
		Selected:  len(sel.Items),
		Skipped:   sel.Skipped,
		Results:   make([]domain.PipelineResult, 0, len(sel.Items)),
	}
	logger := d.logger.With("run_id", m.RunID)
	logger.Info("pipeline started", "selected", m.Selected, "skipped", m.Skipped)

	for _, item := range sel.Items {
		if ctx.Err() != nil {
			logger.Warn("pipeline interrupted", "remaining", len(sel.Items)-len(m.Results), "error", ctx.Err())
			break
		}
		result := d.process(ctx, logger, item)
		m.Results = append(m.Results, result)
		d.record(ctx, logger, m.RunID, result)
	}
	m.FinishedAt = d.now()

	err := d.persist(context.WithoutCancel(ctx), m)
	logger.Info("pipeline finished", "results", len(m.Results), "failed", m.Failed())
	return m, err
}

func (d *Driver) process(ctx context.Context, logger *slog.Logger, item domain.WorkItem) domain.PipelineResult {
	outputs := jobscript.DeriveOutputs(item.LocalPath, "")
	res := domain.PipelineResult{
		Image:     item.DisplayName(outputs.Base),
		LocalPath: item.LocalPath,
		CPUStatus: string(domain.SubmissionSkipped),
	}
	logger = logger.With("image", res.Image)

	pair, err := d.builder.Build(item)
	if err != nil {
		return gpuFailed(logger, res, fmt.Errorf("build artifacts: %w", err))
	}
	res.SegAnot = pair.Outputs.SegAnnotation
	res.PPCAnot = pair.Outputs.PPCAnnotation
	res.PPCTiff = pair.Outputs.LabelImage
	res.GPUSbatch = pair.GPU.ScriptPath
	res.CPUSbatch = pair.CPU.ScriptPath

	if err := d.write(pair); err != nil {
		return gpuFailed(logger, res, fmt.Errorf("write artifacts: %w", err))
	}

	gpu := d.gateway.Submit(ctx, pair.GPU, "")
	res.GPUStatus = string(gpu.Status)
	res.GPUMessage = gpu.Message
	if !gpu.Submitted() {
		res.GPUStatus = string(domain.SubmissionFailed)
		res.CPUMessage = "not submitted: gpu submission failed"
		logger.Warn("gpu submission failed", "error", gpu.Message)
		return res
	}
	res.GPUJobID = gpu.JobID

	cpu := d.gateway.Submit(ctx, pair.CPU, gpu.JobID)
	res.CPUStatus = string(cpu.Status)
	res.CPUMessage = cpu.Message
	res.CPUJobID = cpu.JobID
	if !cpu.Submitted() {
		res.CPUStatus = string(domain.SubmissionFailed)
		logger.Warn("cpu submission failed", "gpu_job_id", gpu.JobID, "error", cpu.Message)
		return res
	}
	logger.Info("slide submitted", "gpu_job_id", gpu.JobID, "cpu_job_id", cpu.JobID)
	return res
}

func gpuFailed(logger *slog.Logger, res domain.PipelineResult, err error) domain.PipelineResult {
	res.GPUStatus = string(domain.SubmissionFailed)
	res.GPUMessage = err.Error()
	res.CPUMessage = "not submitted: gpu stage failed"
	logger.Error("slide failed before submission", "error", err)
	return res
}

func (d *Driver) record(ctx context.Context, logger *slog.Logger, runID string, res domain.PipelineResult) {
	for _, r := range d.recorders {
		if err := r.Record(ctx, runID, res); err != nil {
			logger.Warn("recorder failed", "image", res.Image, "recorder", fmt.Sprintf("%T", r), "error", err)
		}
	}
}

func (d *Driver) persist(ctx context.Context, m domain.Manifest) error {
	if len(d.sinks) == 0 {
		return nil
	}
	var g errgroup.Group
	errs := make([]error, len(d.sinks))
	for i, sink := range d.sinks {
		g.Go(func() error {
			if err := sink.Persist(ctx, m); err != nil {
				errs[i] = fmt.Errorf("persist manifest (%T): %w", sink, err)
			}
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}
