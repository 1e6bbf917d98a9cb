package pipeline

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/animus-labs/wsi-batch/internal/domain"
	"github.com/animus-labs/wsi-batch/internal/jobscript"
)

type submitCall struct {
	Name       string
	Tier       domain.Tier
	Dependency string
}

type fakeGateway struct {
	mu      sync.Mutex
	calls   []submitCall
	outcome func(a domain.JobArtifact, dependency string) domain.SubmissionOutcome
}

func (f *fakeGateway) Submit(_ context.Context, a domain.JobArtifact, dependency string) domain.SubmissionOutcome {
	f.mu.Lock()
	f.calls = append(f.calls, submitCall{Name: a.Name, Tier: a.Tier, Dependency: dependency})
	f.mu.Unlock()
	return f.outcome(a, dependency)
}

// sequential accepts everything and hands out ids starting at 1001.
func sequential() func(domain.JobArtifact, string) domain.SubmissionOutcome {
	next := 1001
	return func(a domain.JobArtifact, dep string) domain.SubmissionOutcome {
		id := next
		next++
		return domain.SubmissionOutcome{
			Artifact:   a.ScriptPath,
			JobID:      strconv.Itoa(id),
			Dependency: dep,
			Status:     domain.SubmissionSubmitted,
		}
	}
}

type memSink struct {
	mu     sync.Mutex
	got    []domain.Manifest
	ctxErr []error
	err    error
}

func (s *memSink) Persist(ctx context.Context, m domain.Manifest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.got = append(s.got, m)
	s.ctxErr = append(s.ctxErr, ctx.Err())
	return s.err
}

type memRecorder struct {
	results []domain.PipelineResult
	err     error
}

func (r *memRecorder) Record(_ context.Context, _ string, res domain.PipelineResult) error {
	r.results = append(r.results, res)
	return r.err
}

type failingBuilder struct{}

func (failingBuilder) Build(domain.WorkItem) (jobscript.Pair, error) {
	return jobscript.Pair{}, errors.New("boom")
}

func testBuilder(t *testing.T) (*jobscript.Builder, string) {
	t.Helper()
	out := t.TempDir()
	b, err := jobscript.NewBuilder(jobscript.Options{
		OutputDir:    out,
		ScriptDir:    filepath.Join(out, "slurm_logs"),
		JobPrefix:    "bdsa",
		DockerBin:    "docker",
		CounterBin:   "wsi-batch",
		ArchiveMount: "/wsi_archive",
		GPU:          jobscript.Resources{Partition: "gpu", Gres: "gpu:1", CPUs: 12, Memory: "32G", Time: "01:00:00"},
		CPU:          jobscript.Resources{Partition: "compute", CPUs: 16, Memory: "32G", Time: "01:00:00"},
		Segmentation: jobscript.Segmentation{
			Image: "seg:1", TileSize: 1024, Stride: 1024, BatchSize: 8, Workers: 4,
		},
		Quantification: jobscript.Quantification{
			Image: "ppc:1", DocName: "ppc", HueValue: "0.05", HueWidth: "0.15",
			SaturationMinimum: "0.05", IntensityUpperLimit: "0.95", IntensityWeakThreshold: "0.65",
			IntensityStrongThreshold: "0.35", IntensityLowerLimit: "0.05",
		},
	})
	if err != nil {
		t.Fatalf("NewBuilder() err=%v", err)
	}
	return b, out
}

func newTestDriver(t *testing.T, deps Deps) *Driver {
	t.Helper()
	clock := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	if deps.Now == nil {
		deps.Now = func() time.Time { return clock }
	}
	if deps.NewRunID == nil {
		deps.NewRunID = func() string { return "run-1" }
	}
	d, err := New(deps)
	if err != nil {
		t.Fatalf("New() err=%v", err)
	}
	return d
}

func matched(name, path string) domain.ImageRecord {
	return domain.ImageRecord{Name: name, LocalMatches: []string{path}, HasLocalMatch: true, MatchCount: 1}
}

func TestNew_RequiresBuilderAndGateway(t *testing.T) {
	if _, err := New(Deps{Gateway: &fakeGateway{}}); err == nil {
		t.Fatalf("New() without builder err=nil")
	}
	b, _ := testBuilder(t)
	if _, err := New(Deps{Builder: b}); err == nil {
		t.Fatalf("New() without gateway err=nil")
	}
}

func TestRun_SubmitsGPUThenDependentCPU(t *testing.T) {
	b, out := testBuilder(t)
	gw := &fakeGateway{outcome: sequential()}
	sink := &memSink{}
	d := newTestDriver(t, Deps{Builder: b, Gateway: gw, Sinks: []Sink{sink}})

	m, err := d.Run(context.Background(), []domain.ImageRecord{
		matched("caseA.svs", "/wsi_archive/site1/caseA.svs"),
	})
	if err != nil {
		t.Fatalf("Run() err=%v", err)
	}
	name := jobscript.JobName("bdsa", "/wsi_archive/site1/caseA.svs")
	wantCalls := []submitCall{
		{Name: name + "_gpu", Tier: domain.TierGPU},
		{Name: name + "_cpu", Tier: domain.TierCPU, Dependency: "1001"},
	}
	if diff := cmp.Diff(wantCalls, gw.calls); diff != "" {
		t.Fatalf("submissions mismatch (-want +got):\n%s", diff)
	}

	scripts := filepath.Join(out, "slurm_logs")
	want := domain.PipelineResult{
		Image:     "caseA.svs",
		LocalPath: "/wsi_archive/site1/caseA.svs",
		SegAnot:   filepath.Join(out, "caseA.anot"),
		PPCAnot:   filepath.Join(out, "caseA-ppc.anot"),
		PPCTiff:   filepath.Join(out, "caseA.tiff"),
		GPUSbatch: filepath.Join(scripts, name+"_gpu.sbatch"),
		CPUSbatch: filepath.Join(scripts, name+"_cpu.sbatch"),
		GPUJobID:  "1001",
		GPUStatus: "submitted",
		CPUJobID:  "1002",
		CPUStatus: "submitted",
	}
	if len(m.Results) != 1 {
		t.Fatalf("Results=%d, want 1", len(m.Results))
	}
	if diff := cmp.Diff(want, m.Results[0]); diff != "" {
		t.Fatalf("result mismatch (-want +got):\n%s", diff)
	}
	for _, p := range []string{want.GPUSbatch, want.CPUSbatch} {
		if _, err := os.Stat(p); err != nil {
			t.Fatalf("script %s not written: %v", p, err)
		}
	}
	if m.RunID != "run-1" || m.Selected != 1 || m.Skipped != 0 {
		t.Fatalf("manifest header=%+v", m)
	}
	if len(sink.got) != 1 || sink.got[0].RunID != "run-1" {
		t.Fatalf("sink got %d manifests, want 1", len(sink.got))
	}
}

func TestRun_GPUFailureSkipsCPU(t *testing.T) {
	b, _ := testBuilder(t)
	gw := &fakeGateway{outcome: func(a domain.JobArtifact, dep string) domain.SubmissionOutcome {
		return domain.SubmissionOutcome{Artifact: a.ScriptPath, Status: domain.SubmissionFailed, Message: "sbatch: error: invalid partition"}
	}}
	d := newTestDriver(t, Deps{Builder: b, Gateway: gw})

	m, err := d.Run(context.Background(), []domain.ImageRecord{matched("caseB.svs", "/wsi_archive/caseB.svs")})
	if err != nil {
		t.Fatalf("Run() err=%v", err)
	}
	if len(gw.calls) != 1 || gw.calls[0].Tier != domain.TierGPU {
		t.Fatalf("calls=%+v, want one gpu submission", gw.calls)
	}
	r := m.Results[0]
	if r.GPUStatus != "failed" || r.GPUJobID != "" || r.GPUMessage != "sbatch: error: invalid partition" {
		t.Fatalf("gpu fields=%+v", r)
	}
	if r.CPUStatus != "skipped" || r.CPUJobID != "" {
		t.Fatalf("cpu fields=%+v, want skipped without job id", r)
	}
	if m.Failed() != 1 {
		t.Fatalf("Failed()=%d, want 1", m.Failed())
	}
}

func TestRun_CPUFailureKeepsGPUJob(t *testing.T) {
	b, _ := testBuilder(t)
	gw := &fakeGateway{outcome: func(a domain.JobArtifact, dep string) domain.SubmissionOutcome {
		if a.Tier == domain.TierCPU {
			return domain.SubmissionOutcome{Status: domain.SubmissionFailed, Message: "sbatch: error: QOSMaxSubmitJobPerUserLimit"}
		}
		return domain.SubmissionOutcome{JobID: "77", Status: domain.SubmissionSubmitted}
	}}
	d := newTestDriver(t, Deps{Builder: b, Gateway: gw})

	m, _ := d.Run(context.Background(), []domain.ImageRecord{matched("c", "/wsi_archive/c.svs")})
	r := m.Results[0]
	if r.GPUJobID != "77" || r.CPUStatus != "failed" || !strings.Contains(r.CPUMessage, "QOSMax") {
		t.Fatalf("result=%+v", r)
	}
}

func TestRun_SkipsUnmatchedImages(t *testing.T) {
	b, _ := testBuilder(t)
	gw := &fakeGateway{outcome: sequential()}
	d := newTestDriver(t, Deps{Builder: b, Gateway: gw})

	m, err := d.Run(context.Background(), []domain.ImageRecord{
		{Name: "remote-only.svs"},
		matched("", "/wsi_archive/x/noname.ndpi"),
	})
	if err != nil {
		t.Fatalf("Run() err=%v", err)
	}
	if m.Selected != 1 || m.Skipped != 1 || len(m.Results) != 1 {
		t.Fatalf("manifest=%+v, want 1 selected 1 skipped", m)
	}
	if m.Results[0].Image != "noname" {
		t.Fatalf("Image=%q, want base name fallback", m.Results[0].Image)
	}
	if len(gw.calls) != 2 {
		t.Fatalf("calls=%d, want 2", len(gw.calls))
	}
}

func TestRun_BuildErrorIsPerImage(t *testing.T) {
	gw := &fakeGateway{outcome: sequential()}
	d := newTestDriver(t, Deps{Builder: failingBuilder{}, Gateway: gw})

	m, err := d.Run(context.Background(), []domain.ImageRecord{
		matched("a", "/wsi_archive/a.svs"),
		matched("b", "/wsi_archive/b.svs"),
	})
	if err != nil {
		t.Fatalf("Run() err=%v", err)
	}
	if len(gw.calls) != 0 {
		t.Fatalf("gateway called %d times, want 0", len(gw.calls))
	}
	for _, r := range m.Results {
		if r.GPUStatus != "failed" || !strings.Contains(r.GPUMessage, "boom") || r.CPUStatus != "skipped" {
			t.Fatalf("result=%+v", r)
		}
	}
}

func TestRun_WriteErrorIsPerImage(t *testing.T) {
	b, _ := testBuilder(t)
	gw := &fakeGateway{outcome: sequential()}
	calls := 0
	write := func(p jobscript.Pair) error {
		calls++
		if calls == 1 {
			return errors.New("disk full")
		}
		return nil
	}
	d := newTestDriver(t, Deps{Builder: b, Gateway: gw, Write: write})

	m, _ := d.Run(context.Background(), []domain.ImageRecord{
		matched("a", "/wsi_archive/a.svs"),
		matched("b", "/wsi_archive/b.svs"),
	})
	if m.Results[0].GPUStatus != "failed" || !strings.Contains(m.Results[0].GPUMessage, "disk full") {
		t.Fatalf("first=%+v", m.Results[0])
	}
	if !m.Results[1].Succeeded() {
		t.Fatalf("second=%+v, want submitted", m.Results[1])
	}
	if m.Results[1].GPUJobID != "1001" {
		t.Fatalf("second GPUJobID=%q, want 1001", m.Results[1].GPUJobID)
	}
}

func TestRun_RecorderErrorsDoNotAbort(t *testing.T) {
	b, _ := testBuilder(t)
	ok := &memRecorder{}
	bad := &memRecorder{err: errors.New("redis down")}
	d := newTestDriver(t, Deps{
		Builder:   b,
		Gateway:   &fakeGateway{outcome: sequential()},
		Recorders: []Recorder{bad, ok},
	})

	m, err := d.Run(context.Background(), []domain.ImageRecord{
		matched("a", "/wsi_archive/a.svs"),
		matched("b", "/wsi_archive/b.svs"),
	})
	if err != nil {
		t.Fatalf("Run() err=%v", err)
	}
	if len(m.Results) != 2 || len(ok.results) != 2 || len(bad.results) != 2 {
		t.Fatalf("results=%d ok=%d bad=%d", len(m.Results), len(ok.results), len(bad.results))
	}
	if diff := cmp.Diff(m.Results, ok.results); diff != "" {
		t.Fatalf("recorded mismatch (-manifest +recorded):\n%s", diff)
	}
}

func TestRun_PersistsToEverySink(t *testing.T) {
	b, _ := testBuilder(t)
	good := &memSink{}
	bad := &memSink{err: errors.New("bucket missing")}
	d := newTestDriver(t, Deps{
		Builder: b,
		Gateway: &fakeGateway{outcome: sequential()},
		Sinks:   []Sink{bad, good},
	})

	m, err := d.Run(context.Background(), []domain.ImageRecord{matched("a", "/wsi_archive/a.svs")})
	if err == nil || !strings.Contains(err.Error(), "bucket missing") {
		t.Fatalf("Run() err=%v, want sink error", err)
	}
	if len(m.Results) != 1 {
		t.Fatalf("Results=%d, want 1", len(m.Results))
	}
	if len(good.got) != 1 || len(bad.got) != 1 {
		t.Fatalf("good=%d bad=%d, want both called once", len(good.got), len(bad.got))
	}
	if good.ctxErr[0] != nil {
		t.Fatalf("good sink ctx err=%v, want live context despite failing sibling", good.ctxErr[0])
	}
}

func TestRun_CancelledPersistsPartialManifest(t *testing.T) {
	b, _ := testBuilder(t)
	ctx, cancel := context.WithCancel(context.Background())
	gw := &fakeGateway{}
	gw.outcome = func(a domain.JobArtifact, dep string) domain.SubmissionOutcome {
		if a.Tier == domain.TierCPU {
			cancel()
		}
		return domain.SubmissionOutcome{JobID: "5", Status: domain.SubmissionSubmitted}
	}
	sink := &memSink{}
	d := newTestDriver(t, Deps{Builder: b, Gateway: gw, Sinks: []Sink{sink}})

	m, err := d.Run(ctx, []domain.ImageRecord{
		matched("a", "/wsi_archive/a.svs"),
		matched("b", "/wsi_archive/b.svs"),
	})
	if err != nil {
		t.Fatalf("Run() err=%v", err)
	}
	if m.Selected != 2 || len(m.Results) != 1 {
		t.Fatalf("selected=%d results=%d, want 2/1", m.Selected, len(m.Results))
	}
	if len(sink.got) != 1 {
		t.Fatalf("sink calls=%d, want 1", len(sink.got))
	}
}
