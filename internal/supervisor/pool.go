package supervisor

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"masterd/internal/config"
	"masterd/internal/utils"
)

const (
	defaultBootTimeout    = 30 * time.Second
	defaultQuickDeathSpan = 5 * time.Second
	maxRespawnBackoff     = 30 * time.Second
)

// Pool owns the set of worker processes. The watcher is the only component
// that changes membership; the gateway reads it on the request path.
type Pool struct {
	cfg *config.Settings
	log *zap.Logger

	// BootTimeout bounds how long a spawned worker may take to accept.
	BootTimeout time.Duration
	// QuickDeathSpan is the lifetime under which an unexpected exit counts
	// as a start crash and triggers respawn backoff.
	QuickDeathSpan time.Duration

	mu           sync.RWMutex
	workers      map[int]*Worker
	nextID       int
	closed       bool
	quickDeaths  int
	backoffUntil time.Time
}

func NewPool(cfg *config.Settings) *Pool {
	return &Pool{
		cfg:            cfg,
		log:            utils.WithComponent("pool"),
		BootTimeout:    defaultBootTimeout,
		QuickDeathSpan: defaultQuickDeathSpan,
		workers:        make(map[int]*Worker),
	}
}

// Boot spawns the initial worker set: cheaper-initial when scaling is
// enabled, otherwise the full static pool. Any failed start aborts the boot.
func (p *Pool) Boot(ctx context.Context) error {
	count := p.cfg.BootWorkers()
	p.log.Info("booting worker pool",
		zap.Int("workers", count),
		zap.Int("processes", p.cfg.Processes))
	for i := 0; i < count; i++ {
		if _, err := p.Spawn(ctx); err != nil {
			p.StopAll(false)
			return fmt.Errorf("boot worker pool: %w", err)
		}
	}
	return nil
}

// Spawn starts one worker and blocks until it accepts connections. The
// worker joins rotation only on success; failed starts are killed off and
// feed the respawn backoff.
func (p *Pool) Spawn(ctx context.Context) (*Worker, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, errors.New("pool is shutting down")
	}
	p.nextID++
	id := p.nextID
	p.mu.Unlock()

	port, err := freePort()
	if err != nil {
		return nil, fmt.Errorf("allocate worker port: %w", err)
	}
	w, err := startWorker(workerConfig{
		Command: p.cfg.Command,
		Chdir:   p.cfg.Chdir,
		Env:     p.cfg.Env,
		UID:     p.cfg.UID,
		GID:     p.cfg.GID,
	}, id, port)
	if err != nil {
		p.noteStartFailure()
		return nil, err
	}
	p.log.Debug("worker spawned",
		zap.Int(utils.FieldWorker, id),
		zap.Int(utils.FieldPID, w.Pid()),
		zap.Int("port", port))

	if err := w.awaitReady(ctx, p.BootTimeout); err != nil {
		w.signalGroup(syscall.SIGKILL)
		<-w.Done()
		p.noteStartFailure()
		return nil, err
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		w.signalGroup(syscall.SIGKILL)
		return nil, errors.New("pool is shutting down")
	}
	p.workers[id] = w
	p.quickDeaths = 0
	p.mu.Unlock()

	p.log.Info("worker ready",
		zap.Int(utils.FieldWorker, id),
		zap.Int(utils.FieldPID, w.Pid()),
		zap.Int("port", port))
	return w, nil
}

func (p *Pool) noteStartFailure() {
	p.mu.Lock()
	p.quickDeaths++
	delay := respawnBackoff(p.quickDeaths)
	p.backoffUntil = time.Now().Add(delay)
	p.mu.Unlock()
	p.log.Warn("worker start failed, backing off", zap.Duration("backoff", delay))
}

func respawnBackoff(failures int) time.Duration {
	shift := failures - 1
	if shift > 5 {
		shift = 5
	}
	d := time.Second << shift
	if d > maxRespawnBackoff {
		return maxRespawnBackoff
	}
	return d
}

// Retire takes a worker out of rotation and shuts it down. Graceful retires
// send SIGTERM and escalate to SIGKILL after worker-reload-mercy; otherwise
// the group is killed outright. respawn marks the worker for replacement at
// the next harvest.
func (p *Pool) Retire(w *Worker, graceful, respawn bool, reason string) {
	if !w.markStopping(respawn) {
		return
	}
	p.log.Info("worker retiring",
		zap.Int(utils.FieldWorker, w.ID),
		zap.Int(utils.FieldPID, w.Pid()),
		zap.Bool("graceful", graceful),
		zap.String(utils.FieldReason, reason))

	go func() {
		if !graceful {
			w.signalGroup(syscall.SIGKILL)
			<-w.Done()
			return
		}
		w.signalGroup(syscall.SIGTERM)
		mercy := time.NewTimer(p.cfg.ReloadMercy())
		defer mercy.Stop()
		select {
		case <-w.Done():
		case <-mercy.C:
			p.log.Warn("worker outlived reload mercy, killing",
				zap.Int(utils.FieldWorker, w.ID),
				zap.Int(utils.FieldPID, w.Pid()))
			w.signalGroup(syscall.SIGKILL)
			<-w.Done()
		}
	}()
}

// Harvest reaps exited workers and spawns replacements: one for every
// recycled worker owed a respawn, one for every worker that died on its own.
// Start crashes push replacements behind a growing backoff.
func (p *Pool) Harvest(ctx context.Context) {
	p.mu.Lock()
	respawn := 0
	for id, w := range p.workers {
		if !w.Exited() {
			continue
		}
		delete(p.workers, id)

		if w.Status() == WorkerStopping {
			if w.Respawn() {
				respawn++
			}
			p.log.Debug("worker reaped",
				zap.Int(utils.FieldWorker, id),
				zap.String(utils.FieldReason, exitReason(w.ExitErr())))
			continue
		}

		respawn++
		p.log.Warn("worker died unexpectedly",
			zap.Int(utils.FieldWorker, id),
			zap.Int(utils.FieldPID, w.Pid()),
			zap.String(utils.FieldReason, exitReason(w.ExitErr())))
		if time.Since(w.StartedAt) < p.QuickDeathSpan {
			p.quickDeaths++
			p.backoffUntil = time.Now().Add(respawnBackoff(p.quickDeaths))
		} else {
			p.quickDeaths = 0
		}
	}
	closed := p.closed
	inBackoff := time.Now().Before(p.backoffUntil)
	p.mu.Unlock()

	if closed || respawn == 0 {
		return
	}
	if inBackoff {
		p.log.Debug("respawn deferred", zap.Int("pending", respawn))
		return
	}
	for i := 0; i < respawn; i++ {
		if p.CountRunning() >= p.cfg.Processes {
			break
		}
		if _, err := p.Spawn(ctx); err != nil {
			p.log.Error("respawn failed", zap.Error(err))
			break
		}
	}
}

// AcquireIdle claims an idle in-rotation worker for one request, preferring
// the one that has served the least. It returns false when every worker is
// busy or the pool is empty.
func (p *Pool) AcquireIdle() (*Worker, uint64, bool) {
	p.mu.RLock()
	candidates := make([]*Worker, 0, len(p.workers))
	for _, w := range p.workers {
		if w.Status() == WorkerRunning {
			candidates = append(candidates, w)
		}
	}
	p.mu.RUnlock()

	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].Requests() < candidates[j].Requests()
	})
	for _, w := range candidates {
		if token, ok := w.TryBeginRequest(); ok {
			return w, token, true
		}
	}
	return nil, 0, false
}

// Workers returns every pool member, in rotation or stopping, ordered by ID.
func (p *Pool) Workers() []*Worker {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]*Worker, 0, len(p.workers))
	for _, w := range p.workers {
		out = append(out, w)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// InRotation returns the workers currently eligible for requests.
func (p *Pool) InRotation() []*Worker {
	workers := p.Workers()
	out := workers[:0]
	for _, w := range workers {
		if w.Status() == WorkerRunning {
			out = append(out, w)
		}
	}
	return out
}

func (p *Pool) CountRunning() int {
	return len(p.InRotation())
}

// StopAll retires every worker and waits for their processes to exit.
func (p *Pool) StopAll(graceful bool) {
	p.mu.Lock()
	p.closed = true
	workers := make([]*Worker, 0, len(p.workers))
	for _, w := range p.workers {
		workers = append(workers, w)
	}
	p.mu.Unlock()

	for _, w := range workers {
		p.Retire(w, graceful, false, "shutdown")
	}
	for _, w := range workers {
		<-w.Done()
	}

	p.mu.Lock()
	clear(p.workers)
	p.mu.Unlock()
	p.log.Info("worker pool stopped")
}
