// internal/server/sync.go
package server

import (
	"context"

	"go.uber.org/zap"

	"masterd/internal/config"
	"masterd/internal/pipeline"
	"masterd/internal/utils"
)

// RunManager encapsulates async pipeline execution behind the trigger
// endpoint.
type RunManager struct {
	cfg  *config.Settings
	spec *pipeline.Spec
	orch *pipeline.Orchestrator
}

// NewRunManager constructs a RunManager with the required dependencies.
func NewRunManager(cfg *config.Settings, spec *pipeline.Spec, orch *pipeline.Orchestrator) *RunManager {
	return &RunManager{cfg: cfg, spec: spec, orch: orch}
}

// TriggerAsync materializes a run from the loaded definition and executes it
// in the background. Callers poll the store for progress under the returned
// run id.
func (rm *RunManager) TriggerAsync(ref, sha string, vars map[string]string) string {
	protected := pipeline.RefProtected(rm.cfg.ProtectedRefs, ref)
	run := pipeline.NewRun(rm.spec, ref, sha, protected, vars)

	utils.Logger.Info("Queued pipeline run",
		zap.String(utils.FieldRunID, run.ID),
		zap.String("ref", ref),
		zap.Bool("protected", protected),
		zap.Int("jobs", len(run.Jobs)))

	go func() {
		if err := rm.orch.Execute(context.Background(), run); err != nil {
			utils.Logger.Error("Pipeline run failed to start",
				zap.String(utils.FieldRunID, run.ID),
				zap.Error(err))
		}
	}()

	return run.ID
}
