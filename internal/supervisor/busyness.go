package supervisor

import "masterd/internal/config"

// busynessWindow is how many watcher cycles feed the busyness average.
const busynessWindow = 10

// ScaleInputs is one watcher cycle's observation of the pool.
type ScaleInputs struct {
	InRotation int
	Busy       int
	QueueDepth int
	TotalRSS   int64
}

// ScaleDecision is the pool size change one cycle asks for.
type ScaleDecision struct {
	Spawn    int
	Retire   int
	Busyness float64
	Reason   string
}

// BusynessPolicy sizes the pool from worker utilization. Busyness is the
// share of in-rotation workers handling a request, averaged over the sample
// window. Growth reacts immediately when the average crosses the max
// threshold; shrinking waits for the configured number of consecutive calm
// cycles, and never before a full window of samples exists. A backed-up
// request queue forces growth regardless of the average, and the soft RSS
// budget blocks all growth while exceeded.
//
// The policy is not safe for concurrent use; only the watcher ticks it.
type BusynessPolicy struct {
	cfg    *config.Settings
	window []float64
	calm   int
}

func NewBusynessPolicy(cfg *config.Settings) *BusynessPolicy {
	return &BusynessPolicy{cfg: cfg}
}

// Tick folds in one cycle's observation and returns the scaling decision.
func (p *BusynessPolicy) Tick(in ScaleInputs) ScaleDecision {
	if !p.cfg.CheaperEnabled() {
		return ScaleDecision{}
	}

	busyness := 0.0
	if in.InRotation > 0 {
		busyness = 100 * float64(in.Busy) / float64(in.InRotation)
	}
	p.window = append(p.window, busyness)
	if len(p.window) > busynessWindow {
		p.window = p.window[1:]
	}
	avg := 0.0
	for _, v := range p.window {
		avg += v
	}
	avg /= float64(len(p.window))

	headroom := p.cfg.Processes - in.InRotation
	rssOK := p.cfg.RSSLimitSoft == 0 || in.TotalRSS < p.cfg.RSSLimitSoft

	if in.QueueDepth >= p.cfg.BacklogAlert && headroom > 0 && rssOK {
		p.calm = 0
		return ScaleDecision{
			Spawn:    min(p.cfg.CheaperStep, headroom),
			Busyness: avg,
			Reason:   "backlog alert",
		}
	}

	if avg > float64(p.cfg.BusynessMax) {
		p.calm = 0
		if headroom > 0 && rssOK {
			return ScaleDecision{
				Spawn:    min(p.cfg.CheaperStep, headroom),
				Busyness: avg,
				Reason:   "busyness above max",
			}
		}
		return ScaleDecision{Busyness: avg}
	}

	if avg < float64(p.cfg.BusynessMin) && in.InRotation > p.cfg.Cheaper {
		if len(p.window) < busynessWindow {
			return ScaleDecision{Busyness: avg}
		}
		p.calm++
		if p.calm >= p.cfg.BusynessMultiplier {
			p.calm = 0
			return ScaleDecision{Retire: 1, Busyness: avg, Reason: "sustained idle"}
		}
		return ScaleDecision{Busyness: avg}
	}

	p.calm = 0
	return ScaleDecision{Busyness: avg}
}
