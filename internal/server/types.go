package server

import (
	"context"

	"masterd/internal/gateway"
	"masterd/internal/pipeline"
	"masterd/internal/supervisor"
)

// PoolControl is the supervisor surface the control API drives.
type PoolControl interface {
	Snapshot() supervisor.Snapshot
	Reload()
}

// FrontStats exposes the gateway's request counters for the status endpoint.
type FrontStats interface {
	Stats() gateway.Stats
}

// RunStore is the slice of the run store the API reads from.
type RunStore interface {
	GetRun(ctx context.Context, id string) (*pipeline.Run, error)
	ListRuns(ctx context.Context, limit int) ([]*pipeline.Run, error)
}

// triggerRequest is the POST /pipelines body.
type triggerRequest struct {
	// Ref is the branch or tag the run executes against
	Ref       string            `json:"ref" binding:"required"`
	SHA       string            `json:"sha"`
	Variables map[string]string `json:"variables"`
}
