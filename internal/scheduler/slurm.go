// Package scheduler hands job artifacts to the batch scheduler. Submission
// returns as soon as the scheduler has queued the job; completion is never
// observed here.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"regexp"
	"strings"
	"time"

	"github.com/animus-labs/wsi-batch/internal/domain"
)

var (
	ErrJobIDNotFound      = errors.New("job id not found in scheduler output")
	ErrInvalidDependency  = errors.New("invalid dependency job id")
	ErrArtifactNotWritten = errors.New("artifact script path is required")
)

var jobIDPattern = regexp.MustCompile(`^[0-9]+$`)

// Gateway submits one artifact, optionally gated on a predecessor job
// finishing successfully.
type Gateway interface {
	Submit(ctx context.Context, artifact domain.JobArtifact, dependency string) domain.SubmissionOutcome
}

type Slurm struct {
	bin     string
	runner  Runner
	timeout time.Duration
	logger  *slog.Logger
}

type Option func(*Slurm)

func WithRunner(r Runner) Option {
	return func(s *Slurm) { s.runner = r }
}

func WithTimeout(d time.Duration) Option {
	return func(s *Slurm) { s.timeout = d }
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Slurm) { s.logger = l }
}

// NewSlurm checks that the sbatch binary resolves unless a custom runner is
// supplied.
func NewSlurm(bin string, opts ...Option) (*Slurm, error) {
	bin = strings.TrimSpace(bin)
	if bin == "" {
		bin = "sbatch"
	}
	s := &Slurm{bin: bin}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.runner == nil {
		if _, err := exec.LookPath(bin); err != nil {
			return nil, fmt.Errorf("sbatch binary not found: %w", err)
		}
		s.runner = ExecRunner{}
	}
	return s, nil
}

// DependencyFlag encodes "start only if jobID completed successfully".
func DependencyFlag(jobID string) (string, error) {
	jobID = strings.TrimSpace(jobID)
	if !jobIDPattern.MatchString(jobID) {
		return "", fmt.Errorf("%w: %q", ErrInvalidDependency, jobID)
	}
	return "--dependency=afterok:" + jobID, nil
}

// ParseJobID takes the trailing token of the last non-empty output line,
// e.g. "Submitted batch job 1001" or the parsable form "1001;cluster".
func ParseJobID(out string) (string, error) {
	lines := strings.Split(strings.TrimSpace(out), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		fields := strings.Fields(lines[i])
		if len(fields) == 0 {
			continue
		}
		token := fields[len(fields)-1]
		if idx := strings.IndexByte(token, ';'); idx >= 0 {
			token = token[:idx]
		}
		if !jobIDPattern.MatchString(token) {
			return "", fmt.Errorf("%w: %q", ErrJobIDNotFound, strings.TrimSpace(lines[i]))
		}
		return token, nil
	}
	return "", ErrJobIDNotFound
}

func (s *Slurm) Submit(ctx context.Context, artifact domain.JobArtifact, dependency string) domain.SubmissionOutcome {
	outcome := domain.SubmissionOutcome{
		Artifact:   artifact.ScriptPath,
		Dependency: strings.TrimSpace(dependency),
		Status:     domain.SubmissionFailed,
	}
	if strings.TrimSpace(artifact.ScriptPath) == "" {
		outcome.Message = ErrArtifactNotWritten.Error()
		return outcome
	}

	var args []string
	if outcome.Dependency != "" {
		flag, err := DependencyFlag(outcome.Dependency)
		if err != nil {
			outcome.Message = err.Error()
			return outcome
		}
		args = append(args, flag)
	}
	args = append(args, artifact.ScriptPath)

	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	stdout, stderr, err := s.runner.Run(ctx, s.bin, args...)
	if err != nil {
		msg := strings.TrimSpace(string(stderr))
		if msg == "" {
			msg = err.Error()
		}
		outcome.Message = msg
		s.logger.Warn("submission rejected", "job", artifact.Name, "tier", artifact.Tier, "error", msg)
		return outcome
	}

	text := strings.TrimSpace(string(stdout))
	jobID, err := ParseJobID(text)
	if err != nil {
		outcome.Message = err.Error()
		s.logger.Warn("submission accepted without a job id", "job", artifact.Name, "output", text)
		return outcome
	}

	outcome.JobID = jobID
	outcome.Status = domain.SubmissionSubmitted
	outcome.Message = text
	s.logger.Info("job submitted", "job", artifact.Name, "tier", artifact.Tier, "job_id", jobID, "dependency", outcome.Dependency)
	return outcome
}
