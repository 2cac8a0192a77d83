package supervisor

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"masterd/internal/config"
	"masterd/internal/procfs"
	"masterd/internal/utils"
)

// watchInterval is the supervision cycle period.
const watchInterval = time.Second

// Supervisor runs the watcher loop over the pool: it reaps and respawns
// workers, samples memory, enforces recycling and harakiri, and applies
// busyness scaling.
type Supervisor struct {
	cfg    *config.Settings
	pool   *Pool
	policy *BusynessPolicy
	log    *zap.Logger

	backlogFn func() int

	mu        sync.Mutex
	busyness  float64
	reloading bool

	stopOnce sync.Once
	stopped  chan struct{}
}

func New(cfg *config.Settings) *Supervisor {
	return &Supervisor{
		cfg:       cfg,
		pool:      NewPool(cfg),
		policy:    NewBusynessPolicy(cfg),
		log:       utils.WithComponent("supervisor"),
		backlogFn: func() int { return 0 },
		stopped:   make(chan struct{}),
	}
}

func (s *Supervisor) Pool() *Pool {
	return s.pool
}

// SetBacklogFunc wires in the gateway's queue depth, which feeds the
// backlog-alert emergency spawn. Must be called before Start.
func (s *Supervisor) SetBacklogFunc(fn func() int) {
	s.backlogFn = fn
}

// Start boots the pool and launches the watcher loop.
func (s *Supervisor) Start(ctx context.Context) error {
	if err := s.pool.Boot(ctx); err != nil {
		return err
	}
	go s.run(ctx)
	return nil
}

func (s *Supervisor) run(ctx context.Context) {
	ticker := time.NewTicker(watchInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopped:
			return
		case <-ticker.C:
			s.cycle(ctx)
		}
	}
}

// cycle is one pass of the watcher.
func (s *Supervisor) cycle(ctx context.Context) {
	s.pool.Harvest(ctx)
	s.sampleRSS()
	s.enforceRecycling()
	s.enforceHarakiri()
	s.applyScaling(ctx)
}

func (s *Supervisor) sampleRSS() {
	for _, w := range s.pool.Workers() {
		rss, err := procfs.RSS(w.Pid())
		if err != nil {
			continue
		}
		w.setRSS(rss)
	}
}

// enforceRecycling retires workers that hit max-requests or the RSS limits.
// The evil limit kills immediately; the others recycle gracefully.
func (s *Supervisor) enforceRecycling() {
	evil := s.cfg.EvilReloadOnRSSBytes()
	soft := s.cfg.ReloadOnRSSBytes()
	for _, w := range s.pool.InRotation() {
		rss := w.RSS()
		if evil > 0 && rss > evil {
			s.log.Warn("worker over evil rss limit",
				zap.Int(utils.FieldWorker, w.ID),
				zap.Int64("rss", rss))
			s.pool.Retire(w, false, true, "evil rss limit")
			continue
		}
		if soft > 0 && rss > soft {
			s.pool.Retire(w, true, true, "rss limit reached")
			continue
		}
		if s.cfg.MaxRequests > 0 && w.Requests() >= int64(s.cfg.MaxRequests) {
			s.pool.Retire(w, true, true, "max requests reached")
		}
	}
}

// enforceHarakiri kills workers whose oldest in-flight request has outlived
// the harakiri timeout.
func (s *Supervisor) enforceHarakiri() {
	timeout := s.cfg.HarakiriTimeout()
	if timeout <= 0 {
		return
	}
	now := time.Now()
	for _, w := range s.pool.InRotation() {
		age := w.OldestInflightAge(now)
		if age <= timeout {
			continue
		}
		s.log.Warn("harakiri",
			zap.Int(utils.FieldWorker, w.ID),
			zap.Int(utils.FieldPID, w.Pid()),
			zap.Duration("request_age", age))
		s.pool.Retire(w, false, true, "harakiri")
	}
}

func (s *Supervisor) applyScaling(ctx context.Context) {
	workers := s.pool.InRotation()
	in := ScaleInputs{
		InRotation: len(workers),
		QueueDepth: s.backlogFn(),
	}
	for _, w := range workers {
		if w.Busy() {
			in.Busy++
		}
		in.TotalRSS += w.RSS()
	}

	decision := s.policy.Tick(in)
	s.mu.Lock()
	s.busyness = decision.Busyness
	s.mu.Unlock()

	if decision.Spawn > 0 {
		s.log.Info("scaling up",
			zap.Int("workers", decision.Spawn),
			zap.Float64("busyness", decision.Busyness),
			zap.String(utils.FieldReason, decision.Reason))
		for i := 0; i < decision.Spawn; i++ {
			if _, err := s.pool.Spawn(ctx); err != nil {
				s.log.Error("scale-up spawn failed", zap.Error(err))
				break
			}
		}
	}
	if decision.Retire > 0 {
		if w := idlest(workers); w != nil {
			s.log.Info("scaling down",
				zap.Int(utils.FieldWorker, w.ID),
				zap.Float64("busyness", decision.Busyness),
				zap.String(utils.FieldReason, decision.Reason))
			s.pool.Retire(w, true, false, decision.Reason)
		}
	}
}

// idlest picks the youngest idle worker, keeping long-lived warm workers in
// rotation. Returns nil when every worker is busy.
func idlest(workers []*Worker) *Worker {
	var pick *Worker
	for _, w := range workers {
		if w.Busy() {
			continue
		}
		if pick == nil || w.ID > pick.ID {
			pick = w
		}
	}
	return pick
}

// Reload performs a rolling graceful restart of every worker: retire one,
// wait for it to exit, spawn its replacement, then move on. Reentrant calls
// while a roll is in progress are ignored.
func (s *Supervisor) Reload() {
	s.mu.Lock()
	if s.reloading {
		s.mu.Unlock()
		s.log.Debug("reload already in progress")
		return
	}
	s.reloading = true
	s.mu.Unlock()

	go func() {
		defer func() {
			s.mu.Lock()
			s.reloading = false
			s.mu.Unlock()
		}()
		workers := s.pool.InRotation()
		s.log.Info("rolling reload started", zap.Int("workers", len(workers)))
		for _, w := range workers {
			s.pool.Retire(w, true, false, "reload")
			<-w.Done()
			if _, err := s.pool.Spawn(context.Background()); err != nil {
				s.log.Error("reload spawn failed", zap.Error(err))
				return
			}
		}
		s.log.Info("rolling reload finished")
	}()
}

// Stop halts the watcher and shuts the pool down.
func (s *Supervisor) Stop(graceful bool) {
	s.stopOnce.Do(func() {
		close(s.stopped)
		s.log.Info("stopping worker pool", zap.Bool("graceful", graceful))
		s.pool.StopAll(graceful)
	})
}

// WorkerInfo is one worker's entry in a status snapshot.
type WorkerInfo struct {
	ID        int
	Pid       int
	Status    WorkerStatus
	Requests  int64
	Inflight  int
	RSS       int64
	Latency   time.Duration
	StartedAt time.Time
}

// Snapshot is a point-in-time view of the pool for the stats API.
type Snapshot struct {
	Workers       []WorkerInfo
	Processes     int
	InRotation    int
	Busy          int
	TotalRequests int64
	TotalRSS      int64
	QueueDepth    int
	Busyness      float64
	Reloading     bool
}

func (s *Supervisor) Snapshot() Snapshot {
	snap := Snapshot{
		Processes:  s.cfg.Processes,
		QueueDepth: s.backlogFn(),
	}
	for _, w := range s.pool.Workers() {
		info := WorkerInfo{
			ID:        w.ID,
			Pid:       w.Pid(),
			Status:    w.Status(),
			Requests:  w.Requests(),
			Inflight:  w.Inflight(),
			RSS:       w.RSS(),
			Latency:   w.EWMALatency(),
			StartedAt: w.StartedAt,
		}
		if info.Status == WorkerRunning {
			snap.InRotation++
			if info.Inflight > 0 {
				snap.Busy++
			}
		}
		snap.TotalRequests += info.Requests
		snap.TotalRSS += info.RSS
		snap.Workers = append(snap.Workers, info)
	}
	s.mu.Lock()
	snap.Busyness = s.busyness
	snap.Reloading = s.reloading
	s.mu.Unlock()
	return snap
}
