// Package jobscript renders the Slurm batch scripts for the segmentation
// (GPU) and positive pixel count (CPU) stages of one slide.
package jobscript

import (
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/animus-labs/wsi-batch/internal/domain"
)

const (
	containerOutputDir = "/output"
	segmentationTool   = "TissueCompartmentSegmentation"
	quantificationTool = "PositivePixelCount"
)

// Positional arguments the quantification CLI requires after the region
// annotation: region, make_single_annotation, frame, girder token, api url.
var quantificationPlaceholders = []string{"", "false", "20", "noToken", "noAPI"}

// Pair is the two artifacts built for one slide.
type Pair struct {
	JobName string
	Outputs Outputs
	GPU     domain.JobArtifact
	CPU     domain.JobArtifact
}

type Builder struct {
	opts Options
}

func NewBuilder(opts Options) (*Builder, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if opts.Segmentation.Overlap == "" {
		opts.Segmentation.Overlap = "0.5"
	}
	if opts.Segmentation.Mode == "" {
		opts.Segmentation.Mode = "GrayWhiteSegTest"
	}
	return &Builder{opts: opts}, nil
}

func (b *Builder) Options() Options {
	return b.opts
}

// Build renders both artifacts for a selected slide. It does not touch the
// filesystem; see Write.
func (b *Builder) Build(item domain.WorkItem) (Pair, error) {
	if err := item.Validate(); err != nil {
		return Pair{}, err
	}
	localPath := item.LocalPath
	outputs := DeriveOutputs(localPath, b.opts.OutputDir)
	name := JobName(b.opts.JobPrefix, localPath)

	gpu, err := b.artifact(name+"_gpu", domain.TierGPU, b.opts.GPU, b.segmentationBody(localPath, outputs))
	if err != nil {
		return Pair{}, fmt.Errorf("render gpu script: %w", err)
	}
	cpu, err := b.artifact(name+"_cpu", domain.TierCPU, b.opts.CPU, b.quantificationBody(localPath, outputs))
	if err != nil {
		return Pair{}, fmt.Errorf("render cpu script: %w", err)
	}
	return Pair{JobName: name, Outputs: outputs, GPU: gpu, CPU: cpu}, nil
}

func (b *Builder) artifact(name string, tier domain.Tier, res Resources, body string) (domain.JobArtifact, error) {
	scriptPath := filepath.Join(b.opts.ScriptDir, name+".sbatch")
	stem := strings.TrimSuffix(scriptPath, ".sbatch")
	a := domain.JobArtifact{
		Name:       name,
		Tier:       tier,
		ScriptPath: scriptPath,
		StdoutPath: stem + ".out",
		StderrPath: stem + ".err",
	}
	gres := res.Gres
	if tier != domain.TierGPU {
		gres = ""
	}
	script, err := render(header{
		Name:      a.Name,
		Stdout:    a.StdoutPath,
		Stderr:    a.StderrPath,
		Partition: res.Partition,
		Gres:      gres,
		CPUs:      res.CPUs,
		Memory:    res.Memory,
		Time:      res.Time,
		Body:      body,
	})
	if err != nil {
		return domain.JobArtifact{}, err
	}
	a.Script = script
	return a, nil
}

// mounts returns the volume flags for the archive, the slide directory when
// it lives outside the archive, and the output directory.
func (b *Builder) mounts(localPath string) []string {
	var out []string
	archive := strings.TrimSpace(b.opts.ArchiveMount)
	if archive != "" {
		out = append(out, "-v", archive+":"+archive)
	}
	dir := filepath.Dir(localPath)
	if archive == "" || !within(archive, dir) {
		out = append(out, "-v", dir+":"+dir+":ro")
	}
	return append(out, "-v", b.opts.OutputDir+":"+containerOutputDir)
}

func within(root, p string) bool {
	rel, err := filepath.Rel(filepath.Clean(root), filepath.Clean(p))
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)))
}

func containerPath(file string) string {
	return path.Join(containerOutputDir, filepath.Base(file))
}

func (b *Builder) segmentationBody(localPath string, out Outputs) string {
	seg := b.opts.Segmentation
	pre := append([]string{"--gpus", "all", "--network=host"}, containerEnv...)
	post := append(b.mounts(localPath),
		seg.Image,
		segmentationTool,
		localPath,
		seg.Mode,
		itoa(seg.TileSize),
		itoa(seg.Stride),
		itoa(seg.BatchSize),
		itoa(seg.Workers),
		seg.Overlap,
		"--image_annotation", containerPath(out.SegAnnotation),
	)
	return dockerRun(b.opts.DockerBin, pre, post)
}

func (b *Builder) quantificationRun(localPath string, out Outputs, withLabels bool) string {
	q := b.opts.Quantification
	pre := append([]string{"--network=host"}, containerEnv...)
	post := append(b.mounts(localPath),
		q.Image,
		quantificationTool,
		q.DocName,
		localPath,
		q.HueValue,
		q.HueWidth,
		q.SaturationMinimum,
		q.IntensityUpperLimit,
		q.IntensityWeakThreshold,
		q.IntensityStrongThreshold,
		q.IntensityLowerLimit,
		containerPath(out.SegAnnotation),
	)
	post = append(post, quantificationPlaceholders...)
	post = append(post, "--image_annotation", containerPath(out.PPCAnnotation))
	if withLabels {
		post = append(post, "--outputLabelImage", containerPath(out.LabelImage))
	}
	return dockerRun(b.opts.DockerBin, pre, post)
}

// quantificationBody runs the count once without a label image, then asks
// the counter whether the resulting annotation (falling back to the
// segmentation annotation) has positive pixels. The label image run happens
// only when the counter says so; a counter failure skips it.
func (b *Builder) quantificationBody(localPath string, out Outputs) string {
	var l lines
	l.add(b.quantificationRun(localPath, out, false))
	l.add("ANOT_PPC=", quote(out.PPCAnnotation))
	l.add("ANOT_SEG=", quote(out.SegAnnotation))
	l.add("if ", quote(b.opts.CounterBin), ` count --decide --anot "$ANOT_PPC" --fallback "$ANOT_SEG"; then`)
	l.add(`  echo "Positive pixels found, rendering label image"`)
	l.add("  ", b.quantificationRun(localPath, out, true))
	l.add(`else`)
	l.add(`  echo "No positive pixels, skipping label image"`)
	l.add(`fi`)
	return l.String()
}

// Write persists an artifact, replacing any script left by a previous run.
func Write(a domain.JobArtifact) error {
	if strings.TrimSpace(a.ScriptPath) == "" {
		return errors.New("script path is required")
	}
	if err := os.MkdirAll(filepath.Dir(a.ScriptPath), 0o755); err != nil {
		return fmt.Errorf("create script dir: %w", err)
	}
	tmp := a.ScriptPath + ".tmp"
	if err := os.WriteFile(tmp, []byte(a.Script), 0o755); err != nil {
		return fmt.Errorf("write %s: %w", a.ScriptPath, err)
	}
	if err := os.Rename(tmp, a.ScriptPath); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("write %s: %w", a.ScriptPath, err)
	}
	return nil
}

// WritePair persists the GPU artifact before the CPU one.
func WritePair(p Pair) error {
	if err := Write(p.GPU); err != nil {
		return err
	}
	return Write(p.CPU)
}
