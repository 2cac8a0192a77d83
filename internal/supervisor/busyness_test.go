package supervisor

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"masterd/internal/config"
)

func policySettings() *config.Settings {
	return &config.Settings{
		Processes:          4,
		Cheaper:            1,
		CheaperInitial:     1,
		CheaperStep:        1,
		BusynessMax:        50,
		BusynessMin:        25,
		BusynessMultiplier: 3,
		BacklogAlert:       16,
	}
}

func TestBusynessPolicy_StaticPoolNeverScales(t *testing.T) {
	cfg := policySettings()
	cfg.Cheaper = 0
	p := NewBusynessPolicy(cfg)

	d := p.Tick(ScaleInputs{InRotation: 4, Busy: 4, QueueDepth: 100})
	assert.Zero(t, d.Spawn)
	assert.Zero(t, d.Retire)
}

func TestBusynessPolicy_ScaleUpAboveMax(t *testing.T) {
	p := NewBusynessPolicy(policySettings())

	d := p.Tick(ScaleInputs{InRotation: 1, Busy: 1})
	assert.Equal(t, 1, d.Spawn)
	assert.Equal(t, "busyness above max", d.Reason)
	assert.InDelta(t, 100.0, d.Busyness, 0.01)
}

func TestBusynessPolicy_StepBoundedByHeadroom(t *testing.T) {
	cfg := policySettings()
	cfg.CheaperStep = 3
	p := NewBusynessPolicy(cfg)

	d := p.Tick(ScaleInputs{InRotation: 2, Busy: 2})
	assert.Equal(t, 2, d.Spawn)
}

func TestBusynessPolicy_NoGrowthAtCapacity(t *testing.T) {
	p := NewBusynessPolicy(policySettings())

	d := p.Tick(ScaleInputs{InRotation: 4, Busy: 4})
	assert.Zero(t, d.Spawn)
	assert.InDelta(t, 100.0, d.Busyness, 0.01)
}

func TestBusynessPolicy_RSSBudgetBlocksGrowth(t *testing.T) {
	cfg := policySettings()
	cfg.RSSLimitSoft = 1 << 20
	p := NewBusynessPolicy(cfg)

	d := p.Tick(ScaleInputs{InRotation: 2, Busy: 2, TotalRSS: 2 << 20})
	assert.Zero(t, d.Spawn)

	// the backlog emergency respects the budget too
	d = p.Tick(ScaleInputs{InRotation: 2, Busy: 2, QueueDepth: 20, TotalRSS: 2 << 20})
	assert.Zero(t, d.Spawn)

	// growth resumes once the pool is back under budget
	d = p.Tick(ScaleInputs{InRotation: 2, Busy: 2, TotalRSS: 1 << 19})
	assert.Equal(t, 1, d.Spawn)
}

func TestBusynessPolicy_BacklogEmergencySpawnsImmediately(t *testing.T) {
	p := NewBusynessPolicy(policySettings())

	// first tick, idle pool, but the listen queue is backing up
	d := p.Tick(ScaleInputs{InRotation: 2, Busy: 0, QueueDepth: 16})
	assert.Equal(t, 1, d.Spawn)
	assert.Equal(t, "backlog alert", d.Reason)
}

func TestBusynessPolicy_ShrinkWaitsForFullWindowAndCalm(t *testing.T) {
	p := NewBusynessPolicy(policySettings())
	idle := ScaleInputs{InRotation: 2, Busy: 0}

	// nine warmup ticks, then the multiplier counts calm cycles
	for i := 1; i <= 11; i++ {
		d := p.Tick(idle)
		require.Zero(t, d.Retire, "tick %d", i)
	}
	d := p.Tick(idle)
	assert.Equal(t, 1, d.Retire)
	assert.Equal(t, "sustained idle", d.Reason)

	// the calm counter starts over after a retire
	d = p.Tick(idle)
	assert.Zero(t, d.Retire)
}

func TestBusynessPolicy_MidBandHoldsPoolSize(t *testing.T) {
	cfg := policySettings()
	cfg.BusynessMultiplier = 2
	p := NewBusynessPolicy(cfg)

	// sustained 40% busyness sits between min and max: no scaling at all
	mid := ScaleInputs{InRotation: 5, Busy: 2}
	for i := 1; i <= 10; i++ {
		d := p.Tick(mid)
		require.Zero(t, d.Spawn, "tick %d", i)
		require.Zero(t, d.Retire, "tick %d", i)
	}

	// going idle only shrinks once the rolling average drops below min
	idle := ScaleInputs{InRotation: 5, Busy: 0}
	for i := 11; i <= 14; i++ {
		d := p.Tick(idle)
		require.Zero(t, d.Retire, "tick %d", i)
	}
	d := p.Tick(idle)
	assert.Equal(t, 1, d.Retire)
}

func TestBusynessPolicy_CheaperFloorHolds(t *testing.T) {
	cfg := policySettings()
	cfg.Cheaper = 2
	p := NewBusynessPolicy(cfg)

	idle := ScaleInputs{InRotation: 2, Busy: 0}
	for i := 0; i < 30; i++ {
		d := p.Tick(idle)
		require.Zero(t, d.Retire)
	}
}
