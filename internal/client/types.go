package client

import "time"

// StatusInfo mirrors the GET /status payload of a running master.
type StatusInfo struct {
	Version        string       `json:"version"`
	Pid            int          `json:"pid"`
	Processes      int          `json:"processes"`
	InRotation     int          `json:"inRotation"`
	Busy           int          `json:"busy"`
	Busyness       float64      `json:"busyness"`
	Reloading      bool         `json:"reloading"`
	Requests       int64        `json:"requests"`
	UpstreamErrors int64        `json:"upstreamErrors"`
	ListenQueue    int          `json:"listenQueue"`
	QueueRejected  int64        `json:"queueRejected"`
	TotalRequests  int64        `json:"totalRequests"`
	TotalRSS       int64        `json:"totalRss"`
	Workers        []WorkerInfo `json:"workers"`
}

// WorkerInfo is one worker row in the status payload.
type WorkerInfo struct {
	ID            int     `json:"id"`
	Pid           int     `json:"pid"`
	Status        string  `json:"status"`
	Requests      int64   `json:"requests"`
	Inflight      int     `json:"inflight"`
	RSS           int64   `json:"rss"`
	AvgLatencyMs  float64 `json:"avgLatencyMs"`
	UptimeSeconds int64   `json:"uptimeSeconds"`
}

// TriggerRequest is the POST /pipelines body.
type TriggerRequest struct {
	Ref       string            `json:"ref"`
	SHA       string            `json:"sha,omitempty"`
	Variables map[string]string `json:"variables,omitempty"`
}

// TriggerAccepted is the acknowledgement for an accepted trigger.
type TriggerAccepted struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	RunID   string `json:"runId"`
	Status  string `json:"status"`
}

// RunInfo represents a pipeline run; Jobs is populated on the detail endpoint
// only.
type RunInfo struct {
	ID         string     `json:"id"`
	Ref        string     `json:"ref"`
	SHA        string     `json:"sha"`
	Protected  bool       `json:"protected"`
	Status     string     `json:"status"`
	CreatedAt  time.Time  `json:"createdAt"`
	StartedAt  *time.Time `json:"startedAt"`
	FinishedAt *time.Time `json:"finishedAt"`
	Jobs       []JobInfo  `json:"jobs,omitempty"`
}

// JobInfo is one job row inside a run.
type JobInfo struct {
	Name       string     `json:"name"`
	Stage      string     `json:"stage"`
	Status     string     `json:"status"`
	ExitCode   int        `json:"exitCode"`
	Attempts   int        `json:"attempts"`
	Reason     string     `json:"reason,omitempty"`
	LogPath    string     `json:"logPath,omitempty"`
	StartedAt  *time.Time `json:"startedAt"`
	FinishedAt *time.Time `json:"finishedAt"`
}

// RunList is the run history listing, newest first.
type RunList struct {
	Count int       `json:"count"`
	Runs  []RunInfo `json:"runs"`
}
