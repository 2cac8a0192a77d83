// internal/pipeline/orchestrator.go
package pipeline

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"masterd/internal/utils"
)

// Orchestrator drives runs through their stages: strictly sequential stages,
// concurrent jobs within a stage, fail-fast skipping of later stages. Every
// status change is persisted and broadcast.
type Orchestrator struct {
	spec     *Spec
	store    Store
	notifier Notifier
	runner   *Runner
}

func NewOrchestrator(spec *Spec, store Store, notifier Notifier, runner *Runner) *Orchestrator {
	return &Orchestrator{spec: spec, store: store, notifier: notifier, runner: runner}
}

// Execute drives one run to a terminal status and blocks until it gets
// there. Callers wanting fire-and-forget semantics run it in a goroutine;
// canceling ctx cancels in-flight jobs and skips the rest.
func (o *Orchestrator) Execute(ctx context.Context, run *Run) error {
	log := utils.WithComponent("orchestrator").With(zap.String(utils.FieldRunID, run.ID))

	for i := range run.Jobs {
		run.Jobs[i].LogPath = o.runner.LogPath(run.ID, run.Jobs[i].Name)
	}
	if err := o.store.CreateRun(ctx, run); err != nil {
		return fmt.Errorf("create run: %w", err)
	}
	log.Info("run started",
		zap.String("ref", run.Ref),
		zap.String("sha", run.SHA),
		zap.Bool("protected", run.Protected))
	o.setRunStatus(run, StatusRunning)

	failed := false
	canceled := false
	for _, stage := range o.spec.Stages {
		jobs := o.spec.StageJobs(stage)
		if len(jobs) == 0 {
			continue
		}

		var runnable []JobSpec
		for _, js := range jobs {
			if canceled {
				o.finishJob(run, js.Name, StatusSkipped, 0, 0, "run canceled")
				continue
			}
			if failed && js.When != WhenAlways {
				o.finishJob(run, js.Name, StatusSkipped, 0, 0, "upstream stage failed")
				continue
			}
			decision := Gate(js, o.spec, run)
			if !decision.Run {
				o.finishJob(run, js.Name, decision.Status, 0, 0, decision.Reason)
				continue
			}
			o.setJobStatus(run, js.Name, StatusPending)
			runnable = append(runnable, js)
		}
		if len(runnable) == 0 {
			continue
		}
		log.Debug("stage starting",
			zap.String(utils.FieldStage, stage),
			zap.Int("jobs", len(runnable)))

		type stageResult struct {
			job JobSpec
			res JobResult
		}
		results := make(chan stageResult, len(runnable))
		var wg sync.WaitGroup

		for _, js := range runnable {
			wg.Add(1)
			go func(js JobSpec) {
				defer wg.Done()
				o.setJobStatus(run, js.Name, StatusRunning)
				res := o.runner.RunJob(ctx, o.spec, js, run)
				results <- stageResult{job: js, res: res}
			}(js)
		}
		wg.Wait()
		close(results)

		for sr := range results {
			o.finishJob(run, sr.job.Name, sr.res.Status, sr.res.ExitCode, sr.res.Attempts, sr.res.Reason)
			switch sr.res.Status {
			case StatusFailed:
				if !sr.job.AllowFailure {
					failed = true
				}
			case StatusCanceled:
				canceled = true
			}
		}
	}

	final := StatusSuccess
	if failed {
		final = StatusFailed
	}
	if canceled || ctx.Err() != nil {
		final = StatusCanceled
	}
	o.setRunStatus(run, final)
	log.Info("run finished", zap.String(utils.FieldStatus, string(final)))
	return nil
}

// setRunStatus persists and broadcasts a run transition. Persistence uses a
// detached context so terminal states survive cancellation.
func (o *Orchestrator) setRunStatus(run *Run, to Status) {
	ctx := context.Background()
	now := time.Now().UTC()
	if err := o.store.UpdateRun(ctx, run.ID, to); err != nil {
		utils.WithComponent("orchestrator").Error("persist run status failed",
			zap.String(utils.FieldRunID, run.ID),
			zap.String(utils.FieldStatus, string(to)),
			zap.Error(err))
		return
	}
	run.Status = to
	if to == StatusRunning {
		run.StartedAt = &now
	}
	if to.IsTerminal() {
		run.FinishedAt = &now
	}
	if o.notifier != nil {
		o.notifier.RunEvent(ctx, run)
	}
}

func (o *Orchestrator) setJobStatus(run *Run, name string, to Status) {
	ctx := context.Background()
	now := time.Now().UTC()
	if err := o.store.UpdateJob(ctx, run.ID, name, to); err != nil {
		utils.WithComponent("orchestrator").Error("persist job status failed",
			zap.String(utils.FieldRunID, run.ID),
			zap.String(utils.FieldJob, name),
			zap.String(utils.FieldStatus, string(to)),
			zap.Error(err))
		return
	}
	job := run.Job(name)
	job.Status = to
	if to == StatusRunning {
		job.StartedAt = &now
	}
	if o.notifier != nil {
		o.notifier.JobEvent(ctx, run, job)
	}
}

func (o *Orchestrator) finishJob(run *Run, name string, to Status, exitCode, attempts int, reason string) {
	ctx := context.Background()
	now := time.Now().UTC()
	if err := o.store.FinishJob(ctx, run.ID, name, to, exitCode, attempts, reason); err != nil {
		utils.WithComponent("orchestrator").Error("persist job result failed",
			zap.String(utils.FieldRunID, run.ID),
			zap.String(utils.FieldJob, name),
			zap.String(utils.FieldStatus, string(to)),
			zap.Error(err))
		return
	}
	job := run.Job(name)
	job.Status = to
	job.ExitCode = exitCode
	job.Attempts = attempts
	job.Reason = reason
	job.FinishedAt = &now
	if o.notifier != nil {
		o.notifier.JobEvent(ctx, run, job)
	}
}
