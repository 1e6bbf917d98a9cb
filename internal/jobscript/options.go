package jobscript

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/animus-labs/wsi-batch/internal/config"
)

// Resources is the #SBATCH resource block of one tier.
type Resources struct {
	Partition string
	Gres      string
	CPUs      int
	Memory    string
	Time      string
}

type Segmentation struct {
	Image     string
	Mode      string
	TileSize  int
	Stride    int
	BatchSize int
	Workers   int
	Overlap   string
}

// Quantification holds the positive pixel count parameters, passed to the
// tool verbatim.
type Quantification struct {
	Image                    string
	DocName                  string
	HueValue                 string
	HueWidth                 string
	SaturationMinimum        string
	IntensityUpperLimit      string
	IntensityWeakThreshold   string
	IntensityStrongThreshold string
	IntensityLowerLimit      string
}

type Options struct {
	OutputDir    string
	ScriptDir    string
	JobPrefix    string
	DockerBin    string
	CounterBin   string
	ArchiveMount string

	GPU Resources
	CPU Resources

	Segmentation   Segmentation
	Quantification Quantification
}

func OptionsFromConfig(cfg config.Config) Options {
	ppc := cfg.Step4.PPCParameters
	return Options{
		OutputDir:    cfg.Global.OutputDirectory,
		ScriptDir:    cfg.Slurm.ScriptDir,
		JobPrefix:    cfg.Slurm.JobPrefix,
		DockerBin:    cfg.Slurm.DockerBin,
		CounterBin:   cfg.Slurm.CounterBin,
		ArchiveMount: cfg.Slurm.ArchiveMount,
		GPU:          Resources(cfg.Slurm.GPU),
		CPU:          Resources(cfg.Slurm.CPU),
		Segmentation: Segmentation{
			Image:     cfg.Step3.DockerImage,
			Mode:      cfg.Step3.Mode,
			TileSize:  cfg.Step3.TileSize,
			Stride:    cfg.Step3.Stride,
			BatchSize: cfg.Step3.BatchSize,
			Workers:   cfg.Step3.NumWorkers,
			Overlap:   cfg.Step3.OverlapThreshold.String(),
		},
		Quantification: Quantification{
			Image:                    cfg.Step4.DockerImage,
			DocName:                  ppc.DocName.String(),
			HueValue:                 ppc.HueValue.String(),
			HueWidth:                 ppc.HueWidth.String(),
			SaturationMinimum:        ppc.SaturationMinimum.String(),
			IntensityUpperLimit:      ppc.IntensityUpperLimit.String(),
			IntensityWeakThreshold:   ppc.IntensityWeakThreshold.String(),
			IntensityStrongThreshold: ppc.IntensityStrongThreshold.String(),
			IntensityLowerLimit:      ppc.IntensityLowerLimit.String(),
		},
	}
}

func (o Options) Validate() error {
	if strings.TrimSpace(o.OutputDir) == "" {
		return errors.New("output dir is required")
	}
	if strings.TrimSpace(o.ScriptDir) == "" {
		return errors.New("script dir is required")
	}
	if strings.TrimSpace(o.JobPrefix) == "" {
		return errors.New("job prefix is required")
	}
	if strings.TrimSpace(o.DockerBin) == "" {
		return errors.New("docker bin is required")
	}
	if strings.TrimSpace(o.CounterBin) == "" {
		return errors.New("counter bin is required")
	}
	if strings.TrimSpace(o.Segmentation.Image) == "" {
		return errors.New("segmentation image is required")
	}
	if strings.TrimSpace(o.Quantification.Image) == "" {
		return errors.New("quantification image is required")
	}
	if err := o.GPU.validate("gpu"); err != nil {
		return err
	}
	return o.CPU.validate("cpu")
}

func (r Resources) validate(tier string) error {
	if strings.TrimSpace(r.Partition) == "" {
		return fmt.Errorf("%s partition is required", tier)
	}
	if r.CPUs <= 0 {
		return fmt.Errorf("%s cpus must be positive", tier)
	}
	for name, v := range map[string]string{"partition": r.Partition, "gres": r.Gres, "memory": r.Memory, "time": r.Time} {
		if strings.ContainsAny(v, "\r\n") {
			return fmt.Errorf("%s %s must be a single line", tier, name)
		}
	}
	return nil
}

func itoa(n int) string { return strconv.Itoa(n) }
