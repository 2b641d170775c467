package executor

import (
	"math"
	"sync"
	"time"
)

// CompletionThreshold forces a write on every tier once reached.
const CompletionThreshold = 99.9

// Tier is the write policy of one throttled progress tier.
type Tier struct {
	MinDelta    float64
	MinInterval time.Duration
}

var (
	PushTier    = Tier{MinDelta: 1.0, MinInterval: 500 * time.Millisecond}
	DurableTier = Tier{MinDelta: 5.0, MinInterval: 2 * time.Second}
)

// Decision tells the caller which throttled tiers to write. The cache tier
// is written unconditionally and is not part of it.
type Decision struct {
	Push    bool
	Durable bool
}

type tierState struct {
	Tier
	lastPct float64
	lastAt  time.Time
}

func (s *tierState) allow(pct float64, known bool, now time.Time) bool {
	write := now.Sub(s.lastAt) >= s.MinInterval
	if known && (pct >= CompletionThreshold || math.Abs(pct-s.lastPct) >= s.MinDelta) {
		write = true
	}

	if !write {
		return false
	}

	if known {
		s.lastPct = pct
	}
	s.lastAt = now

	return true
}

// Throttle tracks last write percentage and time per tier for one job.
type Throttle struct {
	mu      sync.Mutex
	push    tierState
	durable tierState
}

// NewThrottle starts both tiers at 0% at the given job start time.
func NewThrottle(start time.Time) *Throttle {
	return &Throttle{
		push:    tierState{Tier: PushTier, lastAt: start},
		durable: tierState{Tier: DurableTier, lastAt: start},
	}
}

// Observe records one callback and reports which tiers should be written.
// known is false when the percentage could not be computed, in which case
// only the elapsed time triggers apply.
func (t *Throttle) Observe(pct float64, known bool, now time.Time) Decision {
	t.mu.Lock()
	defer t.mu.Unlock()

	return Decision{
		Push:    t.push.allow(pct, known, now),
		Durable: t.durable.allow(pct, known, now),
	}
}
