package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const workflowJSON = `{
  "global": {
    "dsa_server_url": "https://dsa.example.org/api/v1",
    "dsa_api_key": "secret",
    "output_directory": "/data/out",
    "local_file_store": "/wsi_archive"
  },
  "step1": {"root_folder_id": "abc", "stainID": "aBeta", "output_file": "dsa_images.json"},
  "step2": {"input_file": "dsa_images.json", "output_file": "local_matches.json",
            "file_checks": {"check_readable": true, "check_writable": false}},
  "step3": {"input_file": "local_matches.json", "output_file": "submissions.json",
            "docker_image": "dsarchive/histomicstk:seg", "tile_size": 2048, "stride": 1024,
            "batch_size": 16, "num_workers": 8},
  "step4": {"docker_image": "dsarchive/histomicstk:latest",
            "ppc_parameters": {"docname": "ppc", "hue_value": 0.05, "hue_width": 0.15,
              "saturation_minimum": 0.05, "intensity_upper_limit": 0.95,
              "intensity_weak_threshold": 0.65, "intensity_strong_threshold": 0.35,
              "intensity_lower_limit": 0.05}}
}`

func TestDecode_WorkflowJSON(t *testing.T) {
	cfg, err := Decode(strings.NewReader(workflowJSON))
	if err != nil {
		t.Fatalf("Decode() err=%v", err)
	}
	if cfg.Step3.TileSize != 2048 || cfg.Step3.NumWorkers != 8 {
		t.Fatalf("unexpected step3: %+v", cfg.Step3)
	}
	if cfg.Step4.PPCParameters.HueValue != "0.05" {
		t.Fatalf("HueValue=%q, want literal 0.05", cfg.Step4.PPCParameters.HueValue)
	}
	if cfg.Slurm.ScriptDir != filepath.Join("/data/out", "slurm_logs") {
		t.Fatalf("ScriptDir=%q", cfg.Slurm.ScriptDir)
	}
	if cfg.Slurm.GPU.Gres != "gpu:1" || cfg.Slurm.CPU.Gres != "" {
		t.Fatalf("unexpected resource defaults: %+v %+v", cfg.Slurm.GPU, cfg.Slurm.CPU)
	}
	if cfg.Step3.OverlapThreshold != "0.5" || cfg.Step3.Mode != "GrayWhiteSegTest" {
		t.Fatalf("unexpected segmentation defaults: %+v", cfg.Step3)
	}
	if got := cfg.ManifestPath(); got != filepath.Join("/data/out", "submissions.json") {
		t.Fatalf("ManifestPath()=%q", got)
	}
	if cfg.Step2.FileChecks.Readable == nil || !*cfg.Step2.FileChecks.Readable {
		t.Fatalf("expected readable check enabled")
	}
	if cfg.Step2.FileChecks.Executable != nil {
		t.Fatalf("expected executable check unset")
	}
}

func TestDecode_YAMLOverrides(t *testing.T) {
	doc := `
global:
  output_directory: /scratch/run
step3:
  docker_image: seg:1
step4:
  docker_image: ppc:1
  ppc_parameters:
    docname: ppc
slurm:
  job_prefix: amyloid
  script_dir: /scratch/scripts
  submit_timeout: 45s
  cpu:
    partition: short
    cpus: 4
    memory: 8G
    time: "00:30:00"
`
	cfg, err := Decode(strings.NewReader(doc))
	if err != nil {
		t.Fatalf("Decode() err=%v", err)
	}
	if cfg.Slurm.JobPrefix != "amyloid" || cfg.Slurm.ScriptDir != "/scratch/scripts" {
		t.Fatalf("unexpected slurm: %+v", cfg.Slurm)
	}
	if cfg.Slurm.SubmitTimeout != 45*time.Second {
		t.Fatalf("SubmitTimeout=%v, want 45s", cfg.Slurm.SubmitTimeout)
	}
	if cfg.Slurm.CPU.Partition != "short" || cfg.Slurm.GPU.Partition != "gpu" {
		t.Fatalf("unexpected partitions: cpu=%q gpu=%q", cfg.Slurm.CPU.Partition, cfg.Slurm.GPU.Partition)
	}
}

func TestValidate_Errors(t *testing.T) {
	cases := map[string]string{
		"missing output":    `{"step3":{"docker_image":"a"},"step4":{"docker_image":"b","ppc_parameters":{"docname":"d"}}}`,
		"missing seg image": `{"global":{"output_directory":"/o"},"step4":{"docker_image":"b","ppc_parameters":{"docname":"d"}}}`,
		"missing docname":   `{"global":{"output_directory":"/o"},"step3":{"docker_image":"a"},"step4":{"docker_image":"b"}}`,
		"bad tile":          `{"global":{"output_directory":"/o"},"step3":{"docker_image":"a","tile_size":0},"step4":{"docker_image":"b","ppc_parameters":{"docname":"d"}}}`,
		"bad cpus":          `{"global":{"output_directory":"/o"},"step3":{"docker_image":"a"},"step4":{"docker_image":"b","ppc_parameters":{"docname":"d"}},"slurm":{"gpu":{"cpus":-1}}}`,
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := Decode(strings.NewReader(doc)); err == nil {
				t.Fatalf("Decode() expected error")
			}
		})
	}
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "workflow.json")
	if err := os.WriteFile(path, []byte(workflowJSON), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() err=%v", err)
	}
	if cfg.Global.OutputDirectory != "/data/out" {
		t.Fatalf("OutputDirectory=%q", cfg.Global.OutputDirectory)
	}
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatalf("Load() expected error for missing file")
	}
}
