// internal/server/response_builder.go
package server

import (
	"os"
	"reflect"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"masterd/internal/gateway"
	"masterd/internal/pipeline"
	"masterd/internal/supervisor"
)

// ResponseBuilder provides utilities for constructing consistent API responses.
type ResponseBuilder struct{}

// newResponseBuilder creates a new response builder instance.
func newResponseBuilder() *ResponseBuilder { return &ResponseBuilder{} }

// StatusResponse is the /status payload, laid out like a uwsgi stats dump.
type StatusResponse struct {
	Version        string
	Pid            int
	Processes      int
	InRotation     int
	Busy           int
	Busyness       float64
	Reloading      bool
	Requests       int64
	UpstreamErrors int64
	ListenQueue    int
	QueueRejected  int64
	TotalRequests  int64
	TotalRSS       int64
	Workers        []WorkerStatusEntry
}

// WorkerStatusEntry is one worker row in the status payload.
type WorkerStatusEntry struct {
	ID            int
	Pid           int
	Status        string
	Requests      int64
	Inflight      int
	RSS           int64
	AvgLatencyMs  float64
	UptimeSeconds int64
}

// AcceptedResponse is the payload returned for accepted pipeline triggers.
type AcceptedResponse struct {
	Success bool
	Message string
	RunID   string
	Status  string
}

// RunResponse is a pipeline run with its jobs. Trigger variables are withheld
// because they may carry credentials.
type RunResponse struct {
	ID         string
	Ref        string
	SHA        string
	Protected  bool
	Status     string
	CreatedAt  time.Time
	StartedAt  *time.Time
	FinishedAt *time.Time
	Jobs       []JobResponse
}

// JobResponse is one job row inside a run.
type JobResponse struct {
	Name       string
	Stage      string
	Status     string
	ExitCode   int
	Attempts   int
	Reason     string
	LogPath    string
	StartedAt  *time.Time
	FinishedAt *time.Time
}

// RunListResponse is the run listing: newest first, jobs omitted.
type RunListResponse struct {
	Count int
	Runs  []RunResponse
}

// ErrorResponse standardizes error responses.
type ErrorResponse struct {
	Success bool
	Error   string
	Message string
	Details any
}

// BuildStatusResponse flattens the pool snapshot and gateway counters into the
// status payload, converting keys to camelCase.
func (rb *ResponseBuilder) BuildStatusResponse(version string, snap supervisor.Snapshot, front gateway.Stats) any {
	response := StatusResponse{
		Version:        version,
		Pid:            os.Getpid(),
		Processes:      snap.Processes,
		InRotation:     snap.InRotation,
		Busy:           snap.Busy,
		Busyness:       snap.Busyness,
		Reloading:      snap.Reloading,
		Requests:       front.Requests,
		UpstreamErrors: front.UpstreamErrors,
		ListenQueue:    front.QueueDepth,
		QueueRejected:  front.QueueRejected,
		TotalRequests:  snap.TotalRequests,
		TotalRSS:       snap.TotalRSS,
	}
	now := time.Now()
	for _, w := range snap.Workers {
		response.Workers = append(response.Workers, WorkerStatusEntry{
			ID:            w.ID,
			Pid:           w.Pid,
			Status:        string(w.Status),
			Requests:      w.Requests,
			Inflight:      w.Inflight,
			RSS:           w.RSS,
			AvgLatencyMs:  float64(w.Latency) / float64(time.Millisecond),
			UptimeSeconds: int64(now.Sub(w.StartedAt).Seconds()),
		})
	}
	return toCamelCaseMap(response)
}

// BuildAcceptedResponse constructs the trigger acknowledgement, converting
// keys to camelCase.
func (rb *ResponseBuilder) BuildAcceptedResponse(runID string) any {
	response := AcceptedResponse{
		Success: true,
		Message: MessageRunQueued,
		RunID:   runID,
		Status:  string(pipeline.StatusCreated),
	}
	return toCamelCaseMap(response)
}

// BuildRunResponse constructs the run detail payload including jobs,
// converting keys to camelCase.
func (rb *ResponseBuilder) BuildRunResponse(run *pipeline.Run) any {
	return toCamelCaseMap(rb.convertRun(run, true))
}

// BuildRunListResponse constructs the run listing payload, converting keys to
// camelCase.
func (rb *ResponseBuilder) BuildRunListResponse(runs []*pipeline.Run) any {
	response := RunListResponse{Count: len(runs)}
	for _, run := range runs {
		response.Runs = append(response.Runs, rb.convertRun(run, false))
	}
	return toCamelCaseMap(response)
}

// BuildErrorResponse constructs a standardized error response, converting keys
// to camelCase.
func (rb *ResponseBuilder) BuildErrorResponse(errorCode, errorMessage string, details any) any {
	response := ErrorResponse{
		Success: false,
		Error:   errorCode,
		Message: errorMessage,
		Details: details,
	}
	return toCamelCaseMap(response)
}

func (rb *ResponseBuilder) convertRun(run *pipeline.Run, withJobs bool) RunResponse {
	response := RunResponse{
		ID:         run.ID,
		Ref:        run.Ref,
		SHA:        run.SHA,
		Protected:  run.Protected,
		Status:     string(run.Status),
		CreatedAt:  run.CreatedAt,
		StartedAt:  run.StartedAt,
		FinishedAt: run.FinishedAt,
	}
	if !withJobs {
		return response
	}
	for _, job := range run.Jobs {
		response.Jobs = append(response.Jobs, JobResponse{
			Name:       job.Name,
			Stage:      job.Stage,
			Status:     string(job.Status),
			ExitCode:   job.ExitCode,
			Attempts:   job.Attempts,
			Reason:     job.Reason,
			LogPath:    job.LogPath,
			StartedAt:  job.StartedAt,
			FinishedAt: job.FinishedAt,
		})
	}
	return response
}

func toCamelCaseMap(data any) any {
	// Timestamps pass through untouched so they serialize as RFC3339.
	switch t := data.(type) {
	case time.Time:
		return t
	case *time.Time:
		if t == nil {
			return nil
		}
		return *t
	}

	val := reflect.ValueOf(data)

	// Handle Pointers
	if val.Kind() == reflect.Ptr {
		if val.IsNil() {
			return nil
		}
		val = val.Elem()
	}

	// Handle Slices/Arrays
	if val.Kind() == reflect.Slice || val.Kind() == reflect.Array {
		out := make([]any, val.Len())
		for i := 0; i < val.Len(); i++ {
			out[i] = toCamelCaseMap(val.Index(i).Interface())
		}
		return out
	}

	// Handle Structs
	if val.Kind() == reflect.Struct {
		out := make(map[string]any)
		typ := val.Type()
		for i := 0; i < val.NumField(); i++ {
			field := typ.Field(i)
			// Skip unexported fields
			if field.PkgPath != "" {
				continue
			}

			// Recursively convert the field value
			fieldVal := toCamelCaseMap(val.Field(i).Interface())

			// Determine the new key name
			key := camelKey(field.Name)

			out[key] = fieldVal
		}
		return out
	}

	// Return primitives as-is
	return data
}

// camelKey lowercases a field name, handling common acronyms manually for
// cleaner API design: "JobID" -> "jobId", "RepoURL" -> "repoUrl",
// "TotalRSS" -> "totalRss", "SHA" -> "sha".
func camelKey(key string) string {
	for _, acronym := range []string{"ID", "URL", "RSS", "SHA"} {
		if !strings.HasSuffix(key, acronym) {
			continue
		}
		prefix := key[:len(key)-len(acronym)]
		replacement := string(acronym[0]) + strings.ToLower(acronym[1:])
		if prefix == "" {
			return strings.ToLower(acronym)
		}
		return lowerFirst(prefix) + replacement
	}
	return lowerFirst(key)
}

// lowerFirst lowers the first rune of a string
func lowerFirst(s string) string {
	if s == "" {
		return ""
	}
	r, size := utf8.DecodeRuneInString(s)
	return string(unicode.ToLower(r)) + s[size:]
}
