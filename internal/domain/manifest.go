package domain

import "time"

// PipelineResult is the manifest entry for one selected image.
type PipelineResult struct {
	Image      string `json:"image"`
	LocalPath  string `json:"local_path"`
	SegAnot    string `json:"seg_anot"`
	PPCAnot    string `json:"ppc_anot"`
	PPCTiff    string `json:"ppc_tiff"`
	GPUSbatch  string `json:"gpu_sbatch"`
	CPUSbatch  string `json:"cpu_sbatch"`
	GPUJobID   string `json:"gpu_jobid"`
	GPUStatus  string `json:"gpu_status"`
	GPUMessage string `json:"gpu_message,omitempty"`
	CPUJobID   string `json:"cpu_jobid"`
	CPUStatus  string `json:"cpu_status"`
	CPUMessage string `json:"cpu_message"`
}

// Succeeded reports whether both stages were accepted by the scheduler.
func (r PipelineResult) Succeeded() bool {
	return r.GPUStatus == string(SubmissionSubmitted) && r.CPUStatus == string(SubmissionSubmitted)
}

// Manifest is written once, after every selected image has been processed.
type Manifest struct {
	RunID      string           `json:"run_id"`
	StartedAt  time.Time        `json:"started_at"`
	FinishedAt time.Time        `json:"finished_at"`
	Selected   int              `json:"selected"`
	Skipped    int              `json:"skipped"`
	Results    []PipelineResult `json:"results"`
}

func (m Manifest) Failed() int {
	n := 0
	for _, r := range m.Results {
		if !r.Succeeded() {
			n++
		}
	}
	return n
}
