// Package pipeline implements staged build/test/deploy runs: definitions,
// gating, execution, and status tracking.
package pipeline

import (
	"context"
	"fmt"
	"path"
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of a run or a job.
type Status string

const (
	StatusCreated  Status = "created"
	StatusPending  Status = "pending"
	StatusRunning  Status = "running"
	StatusSuccess  Status = "success"
	StatusFailed   Status = "failed"
	StatusCanceled Status = "canceled"
	StatusSkipped  Status = "skipped"
	StatusManual   Status = "manual"
)

// IsTerminal reports whether the status is final. Terminal statuses are
// immutable; manual jobs are terminal here because runs are one-shot.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusSuccess, StatusFailed, StatusCanceled, StatusSkipped, StatusManual:
		return true
	default:
		return false
	}
}

func allowedTransition(from, to Status) bool {
	switch from {
	case StatusCreated:
		return to == StatusPending || to == StatusRunning ||
			to == StatusSkipped || to == StatusManual || to == StatusCanceled
	case StatusPending:
		return to == StatusRunning || to == StatusSkipped || to == StatusCanceled
	case StatusRunning:
		return to == StatusSuccess || to == StatusFailed || to == StatusCanceled
	default:
		return false
	}
}

// Transition validates a status change. Callers apply the change only when
// the error is nil, which keeps invalid histories out of the store.
func Transition(from, to Status) error {
	if !allowedTransition(from, to) {
		return fmt.Errorf("disallowed transition: %s -> %s", from, to)
	}
	return nil
}

// Run is one triggered execution of a pipeline definition.
type Run struct {
	ID         string
	Ref        string
	SHA        string
	Protected  bool
	Status     Status
	Variables  map[string]string
	CreatedAt  time.Time
	StartedAt  *time.Time
	FinishedAt *time.Time
	Jobs       []Job
}

// Job is one named unit of work inside a run.
type Job struct {
	RunID      string
	Name       string
	Stage      string
	Status     Status
	ExitCode   int
	Attempts   int
	LogPath    string
	Reason     string
	StartedAt  *time.Time
	FinishedAt *time.Time
}

// NewRun materializes a run from a definition. Every declared job starts in
// the created state; gating decides later which of them execute. vars are
// trigger-supplied variables layered over the definition's globals.
func NewRun(spec *Spec, ref, sha string, protected bool, vars map[string]string) *Run {
	run := &Run{
		ID:        uuid.New().String(),
		Ref:       ref,
		SHA:       sha,
		Protected: protected,
		Status:    StatusCreated,
		Variables: vars,
		CreatedAt: time.Now().UTC(),
	}
	for _, js := range spec.Jobs {
		run.Jobs = append(run.Jobs, Job{
			RunID:  run.ID,
			Name:   js.Name,
			Stage:  js.Stage,
			Status: StatusCreated,
		})
	}
	return run
}

// Job returns the named job record, or nil.
func (r *Run) Job(name string) *Job {
	for i := range r.Jobs {
		if r.Jobs[i].Name == name {
			return &r.Jobs[i]
		}
	}
	return nil
}

// ShortSHA is the abbreviated commit id used in CI_COMMIT_SHORT_SHA.
func (r *Run) ShortSHA() string {
	if len(r.SHA) <= 8 {
		return r.SHA
	}
	return r.SHA[:8]
}

// RefProtected reports whether ref matches any of the configured protected
// ref patterns. Patterns support path.Match globs ("release/*").
func RefProtected(protectedRefs []string, ref string) bool {
	for _, pattern := range protectedRefs {
		if pattern == ref {
			return true
		}
		if ok, err := path.Match(pattern, ref); err == nil && ok {
			return true
		}
	}
	return false
}

// Store persists runs and their jobs. Implementations stamp started/finished
// timestamps and must reject disallowed status transitions.
type Store interface {
	CreateRun(ctx context.Context, run *Run) error
	UpdateRun(ctx context.Context, id string, to Status) error
	UpdateJob(ctx context.Context, runID, name string, to Status) error
	FinishJob(ctx context.Context, runID, name string, to Status, exitCode, attempts int, reason string) error
	GetRun(ctx context.Context, id string) (*Run, error)
	ListRuns(ctx context.Context, limit int) ([]*Run, error)
}

// Notifier receives status-change events. Implementations must not block the
// run on delivery problems.
type Notifier interface {
	RunEvent(ctx context.Context, run *Run)
	JobEvent(ctx context.Context, run *Run, job *Job)
}
