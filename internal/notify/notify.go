// Package notify delivers run and job status events to a configured webhook.
package notify

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"resty.dev/v3"

	"masterd/internal/pipeline"
	"masterd/internal/utils"
)

const (
	deliveryAttempts = 3
	queueSize        = 64
)

// HTTPError represents an HTTP error response from the webhook endpoint.
type HTTPError struct {
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Body)
}

type runPayload struct {
	Event     string    `json:"event"`
	RunID     string    `json:"runId"`
	Ref       string    `json:"ref"`
	SHA       string    `json:"sha"`
	Protected bool      `json:"protected"`
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}

type jobPayload struct {
	runPayload
	Job      string `json:"job"`
	Stage    string `json:"stage"`
	ExitCode int    `json:"exitCode"`
	Attempts int    `json:"attempts"`
	Reason   string `json:"reason,omitempty"`
}

// Webhook posts status events as JSON to a single endpoint. Events are
// queued and delivered by a background dispatcher so a slow or dead endpoint
// never stalls a run; when the queue is full new events are dropped with a
// warning. An empty URL disables delivery entirely.
type Webhook struct {
	client    *resty.Client
	url       string
	log       *zap.Logger
	retryWait time.Duration

	queue     chan any
	done      chan struct{}
	closeOnce sync.Once
}

var _ pipeline.Notifier = (*Webhook)(nil)

func New(url, token string) *Webhook {
	w := &Webhook{
		url:       url,
		log:       utils.WithComponent("notify"),
		retryWait: 500 * time.Millisecond,
	}
	if url == "" {
		return w
	}

	client := resty.New().
		SetHeader("Accept", "application/json").
		SetHeader("Content-Type", "application/json").
		SetTimeout(10 * time.Second)
	if token != "" {
		client.SetAuthToken(token)
	}
	w.client = client
	w.queue = make(chan any, queueSize)
	w.done = make(chan struct{})
	go w.dispatch()
	return w
}

// Close stops accepting events, drains the queue, and waits for the
// dispatcher to exit.
func (w *Webhook) Close() {
	if w.client == nil {
		return
	}
	w.closeOnce.Do(func() { close(w.queue) })
	<-w.done
	_ = w.client.Close()
}

func (w *Webhook) RunEvent(_ context.Context, run *pipeline.Run) {
	w.enqueue(runPayload{
		Event:     "run",
		RunID:     run.ID,
		Ref:       run.Ref,
		SHA:       run.SHA,
		Protected: run.Protected,
		Status:    string(run.Status),
		Timestamp: time.Now().UTC(),
	})
}

func (w *Webhook) JobEvent(_ context.Context, run *pipeline.Run, job *pipeline.Job) {
	w.enqueue(jobPayload{
		runPayload: runPayload{
			Event:     "job",
			RunID:     run.ID,
			Ref:       run.Ref,
			SHA:       run.SHA,
			Protected: run.Protected,
			Status:    string(job.Status),
			Timestamp: time.Now().UTC(),
		},
		Job:      job.Name,
		Stage:    job.Stage,
		ExitCode: job.ExitCode,
		Attempts: job.Attempts,
		Reason:   job.Reason,
	})
}

func (w *Webhook) enqueue(payload any) {
	if w.client == nil {
		return
	}
	select {
	case w.queue <- payload:
	default:
		w.log.Warn("notification dropped", zap.String(utils.FieldReason, "queue full"))
	}
}

// dispatch delivers queued events one at a time, preserving the order in
// which transitions happened.
func (w *Webhook) dispatch() {
	defer close(w.done)
	for payload := range w.queue {
		w.deliver(context.Background(), payload)
	}
}

// deliver posts one event, retrying server errors and network failures.
// Client errors will not change on retry, so they fail immediately.
func (w *Webhook) deliver(ctx context.Context, payload any) {
	var lastErr error
	for attempt := 1; attempt <= deliveryAttempts; attempt++ {
		response, err := w.client.R().
			SetContext(ctx).
			SetBody(payload).
			Post(w.url)
		if err == nil && response.StatusCode() < 400 {
			w.log.Debug("notification delivered",
				zap.Int("status_code", response.StatusCode()),
				zap.Int("attempt", attempt))
			return
		}
		if err != nil {
			lastErr = err
		} else {
			body := strings.TrimSpace(response.String())
			if len(body) > 1000 {
				body = body[:1000] + "…"
			}
			lastErr = &HTTPError{StatusCode: response.StatusCode(), Body: body}
			if response.StatusCode() < 500 {
				break
			}
		}
		if attempt < deliveryAttempts {
			time.Sleep(w.retryWait * time.Duration(attempt))
		}
	}
	w.log.Warn("webhook delivery failed",
		zap.String("url", w.url),
		zap.Error(lastErr))
}
