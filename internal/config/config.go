package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Param is a tool parameter kept as the literal text it had in the config
// file, so 0.05 is passed to the container as "0.05" and not re-formatted.
type Param string

func (p *Param) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: parameter must be a scalar", node.Line)
	}
	if node.Tag == "!!null" {
		*p = ""
		return nil
	}
	*p = Param(node.Value)
	return nil
}

func (p Param) String() string { return string(p) }

type Config struct {
	Global Global `yaml:"global"`
	Step2  Step2  `yaml:"step2"`
	Step3  Step3  `yaml:"step3"`
	Step4  Step4  `yaml:"step4"`
	Slurm  Slurm  `yaml:"slurm"`
}

type Global struct {
	OutputDirectory string `yaml:"output_directory"`
	LocalFileStore  string `yaml:"local_file_store"`
	// Remote catalog settings are read by the fetch stage, not by this tool.
	DSAServerURL string `yaml:"dsa_server_url"`
}

type FileChecks struct {
	Readable   *bool `yaml:"check_readable"`
	Writable   *bool `yaml:"check_writable"`
	Executable *bool `yaml:"check_executable"`
}

type Step2 struct {
	InputFile  string     `yaml:"input_file"`
	OutputFile string     `yaml:"output_file"`
	FileChecks FileChecks `yaml:"file_checks"`
}

type Step3 struct {
	InputFile        string `yaml:"input_file"`
	OutputFile       string `yaml:"output_file"`
	DockerImage      string `yaml:"docker_image"`
	TileSize         int    `yaml:"tile_size"`
	Stride           int    `yaml:"stride"`
	BatchSize        int    `yaml:"batch_size"`
	NumWorkers       int    `yaml:"num_workers"`
	Mode             string `yaml:"mode"`
	OverlapThreshold Param  `yaml:"overlap_threshold"`
}

type PPCParameters struct {
	DocName                  Param `yaml:"docname"`
	HueValue                 Param `yaml:"hue_value"`
	HueWidth                 Param `yaml:"hue_width"`
	SaturationMinimum        Param `yaml:"saturation_minimum"`
	IntensityUpperLimit      Param `yaml:"intensity_upper_limit"`
	IntensityWeakThreshold   Param `yaml:"intensity_weak_threshold"`
	IntensityStrongThreshold Param `yaml:"intensity_strong_threshold"`
	IntensityLowerLimit      Param `yaml:"intensity_lower_limit"`
}

type Step4 struct {
	DockerImage   string        `yaml:"docker_image"`
	PPCParameters PPCParameters `yaml:"ppc_parameters"`
}

type Resources struct {
	Partition string `yaml:"partition"`
	Gres      string `yaml:"gres"`
	CPUs      int    `yaml:"cpus"`
	Memory    string `yaml:"memory"`
	Time      string `yaml:"time"`
}

type Slurm struct {
	SbatchBin     string        `yaml:"sbatch_bin"`
	DockerBin     string        `yaml:"docker_bin"`
	CounterBin    string        `yaml:"counter_bin"`
	JobPrefix     string        `yaml:"job_prefix"`
	ScriptDir     string        `yaml:"script_dir"`
	ArchiveMount  string        `yaml:"archive_mount"`
	SubmitTimeout time.Duration `yaml:"submit_timeout"`
	GPU           Resources     `yaml:"gpu"`
	CPU           Resources     `yaml:"cpu"`
}

func Default() Config {
	return Config{
		Step2: Step2{
			InputFile:  "dsa_images.json",
			OutputFile: "local_matches.json",
		},
		Step3: Step3{
			InputFile:        "local_matches.json",
			OutputFile:       "slurm_submissions.json",
			TileSize:         1024,
			Stride:           1024,
			BatchSize:        8,
			NumWorkers:       4,
			Mode:             "GrayWhiteSegTest",
			OverlapThreshold: "0.5",
		},
		Slurm: Slurm{
			SbatchBin:     "sbatch",
			DockerBin:     "docker",
			CounterBin:    "wsi-batch",
			JobPrefix:     "bdsa",
			ArchiveMount:  "/wsi_archive",
			SubmitTimeout: 30 * time.Second,
			GPU: Resources{
				Partition: "gpu",
				Gres:      "gpu:1",
				CPUs:      12,
				Memory:    "32G",
				Time:      "01:00:00",
			},
			CPU: Resources{
				Partition: "compute",
				CPUs:      16,
				Memory:    "32G",
				Time:      "01:00:00",
			},
		},
	}
}

// Load reads a YAML config file. JSON documents are valid YAML, so the
// workflow's JSON config loads unchanged.
func Load(path string) (Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return Config{}, fmt.Errorf("open config: %w", err)
	}
	defer func() { _ = f.Close() }()
	cfg, err := Decode(f)
	if err != nil {
		return Config{}, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

func Decode(r io.Reader) (Config, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	cfg := Default()
	if len(bytes.TrimSpace(raw)) > 0 {
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return Config{}, fmt.Errorf("decode config: %w", err)
		}
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if strings.TrimSpace(c.Slurm.ScriptDir) == "" && c.Global.OutputDirectory != "" {
		c.Slurm.ScriptDir = filepath.Join(c.Global.OutputDirectory, "slurm_logs")
	}
	if c.Step3.OverlapThreshold == "" {
		c.Step3.OverlapThreshold = "0.5"
	}
	if strings.TrimSpace(c.Step3.Mode) == "" {
		c.Step3.Mode = "GrayWhiteSegTest"
	}
}

func (c Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Global.OutputDirectory) == "" {
		errs = append(errs, errors.New("global.output_directory is required"))
	}
	if strings.TrimSpace(c.Step3.OutputFile) == "" {
		errs = append(errs, errors.New("step3.output_file is required"))
	}
	if strings.TrimSpace(c.Step3.DockerImage) == "" {
		errs = append(errs, errors.New("step3.docker_image is required"))
	}
	if strings.TrimSpace(c.Step4.DockerImage) == "" {
		errs = append(errs, errors.New("step4.docker_image is required"))
	}
	for name, v := range map[string]int{
		"step3.tile_size":   c.Step3.TileSize,
		"step3.stride":      c.Step3.Stride,
		"step3.batch_size":  c.Step3.BatchSize,
		"step3.num_workers": c.Step3.NumWorkers,
	} {
		if v <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", name))
		}
	}
	if strings.TrimSpace(c.Step4.PPCParameters.DocName.String()) == "" {
		errs = append(errs, errors.New("step4.ppc_parameters.docname is required"))
	}
	if strings.TrimSpace(c.Slurm.SbatchBin) == "" {
		errs = append(errs, errors.New("slurm.sbatch_bin is required"))
	}
	if strings.TrimSpace(c.Slurm.JobPrefix) == "" {
		errs = append(errs, errors.New("slurm.job_prefix is required"))
	}
	if c.Slurm.SubmitTimeout < 0 {
		errs = append(errs, errors.New("slurm.submit_timeout must be >= 0"))
	}
	if err := c.Slurm.GPU.validate("slurm.gpu"); err != nil {
		errs = append(errs, err)
	}
	if err := c.Slurm.CPU.validate("slurm.cpu"); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (r Resources) validate(prefix string) error {
	switch {
	case strings.TrimSpace(r.Partition) == "":
		return fmt.Errorf("%s.partition is required", prefix)
	case r.CPUs <= 0:
		return fmt.Errorf("%s.cpus must be positive", prefix)
	case strings.TrimSpace(r.Memory) == "":
		return fmt.Errorf("%s.memory is required", prefix)
	case strings.TrimSpace(r.Time) == "":
		return fmt.Errorf("%s.time is required", prefix)
	}
	return nil
}

// ManifestPath is where the submission manifest for a run is written.
func (c Config) ManifestPath() string {
	return filepath.Join(c.Global.OutputDirectory, c.Step3.OutputFile)
}

// CatalogPath is the enriched catalog consumed by the submit stage.
func (c Config) CatalogPath() string {
	return filepath.Join(c.Global.OutputDirectory, c.Step3.InputFile)
}

func (c Config) VerifyPaths() (in string, out string) {
	return filepath.Join(c.Global.OutputDirectory, c.Step2.InputFile),
		filepath.Join(c.Global.OutputDirectory, c.Step2.OutputFile)
}
