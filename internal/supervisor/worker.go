// Package supervisor manages the prefork worker pool: spawning, readiness,
// request accounting, recycling, and busyness scaling. Workers are external
// commands serving HTTP on a loopback port the master assigns.
package supervisor

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/exec"
	"sort"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"
)

// WorkerStatus is a worker's place in the pool lifecycle.
type WorkerStatus string

const (
	// WorkerBooting means the process started but its port is not accepting yet.
	WorkerBooting WorkerStatus = "booting"
	// WorkerRunning means the worker is in rotation and receiving requests.
	WorkerRunning WorkerStatus = "running"
	// WorkerStopping means the worker left rotation and is being shut down.
	WorkerStopping WorkerStatus = "stopping"
)

// ewmaAlpha weights the newest latency sample in the moving average.
const ewmaAlpha = 0.3

// Worker is one supervised OS process.
type Worker struct {
	ID        int
	Port      int
	StartedAt time.Time

	cmd  *exec.Cmd
	done chan struct{}

	mu        sync.Mutex
	status    WorkerStatus
	requests  int64
	inflight  map[uint64]time.Time
	nextToken uint64
	ewmaNanos float64
	rss       int64
	respawn   bool
	exited    bool
	exitErr   error
}

// startWorker launches the configured command with PORT and MASTERD_WORKER_ID
// in an allowlisted environment, in its own process group. The caller waits
// for readiness separately.
func startWorker(cfg workerConfig, id, port int) (*Worker, error) {
	cmd := exec.Command("sh", "-c", cfg.Command)
	cmd.Dir = cfg.Chdir
	cmd.Env = workerEnv(cfg.Env, id, port)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	attr := &syscall.SysProcAttr{Setpgid: true}
	if cfg.UID > 0 || cfg.GID > 0 {
		attr.Credential = &syscall.Credential{Uid: uint32(cfg.UID), Gid: uint32(cfg.GID)}
	}
	cmd.SysProcAttr = attr

	w := &Worker{
		ID:        id,
		Port:      port,
		StartedAt: time.Now(),
		cmd:       cmd,
		done:      make(chan struct{}),
		status:    WorkerBooting,
		inflight:  make(map[uint64]time.Time),
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start worker %d: %w", id, err)
	}
	go func() {
		err := cmd.Wait()
		w.mu.Lock()
		w.exited = true
		w.exitErr = err
		w.mu.Unlock()
		close(w.done)
	}()
	return w, nil
}

// workerConfig is the slice of settings a single worker needs.
type workerConfig struct {
	Command string
	Chdir   string
	Env     []string
	UID     int
	GID     int
}

// workerEnv builds the allowlisted environment: configured pairs, the
// assigned PORT and MASTERD_WORKER_ID, and a short passthrough set. The
// master's environment is otherwise invisible to workers.
func workerEnv(configured []string, id, port int) []string {
	vars := make(map[string]string, len(configured)+6)
	for _, kv := range configured {
		if k, v, ok := strings.Cut(kv, "="); ok {
			vars[k] = v
		}
	}
	vars["PORT"] = strconv.Itoa(port)
	vars["MASTERD_WORKER_ID"] = strconv.Itoa(id)
	for _, key := range []string{"PATH", "HOME", "TMPDIR", "LANG"} {
		if _, ok := vars[key]; ok {
			continue
		}
		if v := os.Getenv(key); v != "" {
			vars[key] = v
		}
	}

	keys := make([]string, 0, len(vars))
	for k := range vars {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	env := make([]string, 0, len(keys))
	for _, k := range keys {
		env = append(env, k+"="+vars[k])
	}
	return env
}

// awaitReady polls the worker's port until it accepts a TCP connection, then
// moves the worker into rotation. A worker that exits or stays silent past
// the timeout is a failed start.
func (w *Worker) awaitReady(ctx context.Context, timeout time.Duration) error {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	tick := time.NewTicker(50 * time.Millisecond)
	defer tick.Stop()
	dialer := &net.Dialer{Timeout: 250 * time.Millisecond}

	for {
		conn, err := dialer.DialContext(ctx, "tcp", w.Addr())
		if err == nil {
			_ = conn.Close()
			w.setStatus(WorkerRunning)
			return nil
		}
		select {
		case <-w.done:
			return fmt.Errorf("worker %d exited during boot: %s", w.ID, exitReason(w.ExitErr()))
		case <-deadline.C:
			return fmt.Errorf("worker %d not ready after %s", w.ID, timeout)
		case <-ctx.Done():
			return ctx.Err()
		case <-tick.C:
		}
	}
}

// Addr is the loopback address the worker serves on.
func (w *Worker) Addr() string {
	return net.JoinHostPort("127.0.0.1", strconv.Itoa(w.Port))
}

func (w *Worker) Pid() int {
	if w.cmd != nil && w.cmd.Process != nil {
		return w.cmd.Process.Pid
	}
	return 0
}

func (w *Worker) Status() WorkerStatus {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.status
}

func (w *Worker) setStatus(s WorkerStatus) {
	w.mu.Lock()
	w.status = s
	w.mu.Unlock()
}

// markStopping takes the worker out of rotation exactly once, remembering
// whether the pool owes it a replacement. It reports false when the worker
// was already stopping.
func (w *Worker) markStopping(respawn bool) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.status == WorkerStopping {
		return false
	}
	w.status = WorkerStopping
	w.respawn = respawn
	return true
}

// Respawn reports whether the pool should start a replacement when this
// worker is reaped.
func (w *Worker) Respawn() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.respawn
}

// TryBeginRequest claims the worker for one request when it is in rotation
// and idle. Workers serve a single request at a time; the gateway queues
// overflow.
func (w *Worker) TryBeginRequest() (uint64, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.status != WorkerRunning || len(w.inflight) > 0 {
		return 0, false
	}
	w.nextToken++
	w.inflight[w.nextToken] = time.Now()
	return w.nextToken, true
}

// BeginRequest records an in-flight request unconditionally. The watcher's
// busyness and harakiri accounting key off these entries.
func (w *Worker) BeginRequest() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.nextToken++
	w.inflight[w.nextToken] = time.Now()
	return w.nextToken
}

// EndRequest completes an in-flight request, bumping the served counter and
// folding the observed latency into the moving average.
func (w *Worker) EndRequest(token uint64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	start, ok := w.inflight[token]
	if !ok {
		return
	}
	delete(w.inflight, token)
	w.requests++
	sample := float64(time.Since(start))
	if w.ewmaNanos == 0 {
		w.ewmaNanos = sample
	} else {
		w.ewmaNanos = ewmaAlpha*sample + (1-ewmaAlpha)*w.ewmaNanos
	}
}

func (w *Worker) Requests() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.requests
}

func (w *Worker) Inflight() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.inflight)
}

// Busy reports whether the worker is handling a request right now.
func (w *Worker) Busy() bool {
	return w.Inflight() > 0
}

// OldestInflightAge returns how long the oldest in-flight request has been
// running, or zero when the worker is idle.
func (w *Worker) OldestInflightAge(now time.Time) time.Duration {
	w.mu.Lock()
	defer w.mu.Unlock()
	var oldest time.Time
	for _, start := range w.inflight {
		if oldest.IsZero() || start.Before(oldest) {
			oldest = start
		}
	}
	if oldest.IsZero() {
		return 0
	}
	return now.Sub(oldest)
}

// EWMALatency is the exponentially weighted average response time.
func (w *Worker) EWMALatency() time.Duration {
	w.mu.Lock()
	defer w.mu.Unlock()
	return time.Duration(w.ewmaNanos)
}

func (w *Worker) RSS() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.rss
}

func (w *Worker) setRSS(v int64) {
	w.mu.Lock()
	w.rss = v
	w.mu.Unlock()
}

// Done is closed when the worker process has exited.
func (w *Worker) Done() <-chan struct{} {
	return w.done
}

// Exited reports whether the process has been reaped.
func (w *Worker) Exited() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.exited
}

func (w *Worker) ExitErr() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.exitErr
}

// signalGroup delivers sig to the worker's whole process group, reaching
// children of the shell as well.
func (w *Worker) signalGroup(sig syscall.Signal) {
	if pid := w.Pid(); pid > 0 {
		_ = syscall.Kill(-pid, sig)
	}
}

func exitReason(err error) string {
	if err == nil {
		return "exit status 0"
	}
	return err.Error()
}

// freePort asks the kernel for an unused loopback port. The listener closes
// before the worker starts, so a collision is possible but rare.
func freePort() (int, error) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, err
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port, nil
}
