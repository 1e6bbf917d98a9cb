package domain

// Tier is the compute class a job requests.
type Tier string

const (
	TierGPU Tier = "gpu"
	TierCPU Tier = "cpu"
)

// JobArtifact is a rendered batch script for one pipeline stage. It is not
// modified after the builder returns it.
type JobArtifact struct {
	Name       string
	Tier       Tier
	ScriptPath string
	StdoutPath string
	StderrPath string
	Script     string
}

type SubmissionStatus string

const (
	SubmissionSubmitted SubmissionStatus = "submitted"
	SubmissionFailed    SubmissionStatus = "failed"
	// SubmissionSkipped marks a stage that was never handed to the scheduler.
	SubmissionSkipped SubmissionStatus = "skipped"
)

// SubmissionOutcome is what the scheduler said about one artifact. JobID is
// only set when Status is SubmissionSubmitted.
type SubmissionOutcome struct {
	Artifact   string
	JobID      string
	Dependency string
	Status     SubmissionStatus
	Message    string
}

func (o SubmissionOutcome) Submitted() bool {
	return o.Status == SubmissionSubmitted && o.JobID != ""
}
