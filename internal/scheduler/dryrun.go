package scheduler

import (
	"context"
	"strconv"
	"sync"

	"github.com/animus-labs/wsi-batch/internal/domain"
)

// DryRun assigns sequential synthetic job ids without calling the
// scheduler. Dependencies are still validated.
type DryRun struct {
	mu   sync.Mutex
	next int
}

func NewDryRun(first int) *DryRun {
	if first < 1 {
		first = 1
	}
	return &DryRun{next: first}
}

func (d *DryRun) Submit(_ context.Context, artifact domain.JobArtifact, dependency string) domain.SubmissionOutcome {
	outcome := domain.SubmissionOutcome{
		Artifact:   artifact.ScriptPath,
		Dependency: dependency,
		Status:     domain.SubmissionFailed,
	}
	if dependency != "" {
		if _, err := DependencyFlag(dependency); err != nil {
			outcome.Message = err.Error()
			return outcome
		}
	}

	d.mu.Lock()
	id := strconv.Itoa(d.next)
	d.next++
	d.mu.Unlock()

	outcome.JobID = id
	outcome.Status = domain.SubmissionSubmitted
	outcome.Message = "dry run: job " + id + " not submitted"
	return outcome
}
