package gossip

import (
	"math"
	"sync"
	"time"
)

// FailureDetector tracks per-peer heartbeat arrival and scores liveness.
// It is the external collaborator spec.md §6 describes: "Emits SUSPECT(addr)
// when it believes addr has failed ... SUSPECT may be spurious." NAKACK and
// FLUSH never implement failure detection themselves; they only react to
// the SUSPECT/VIEW_CHANGE events a FailureDetector (via MemberList) drives.
type FailureDetector interface {
	Observe(id NodeID, t time.Time) // Called when ack/ping received
	Phi(id NodeID, now time.Time) float64
	Remove(id NodeID)
}

// PhiAccrualDetector implements the phi accrual failure detector: rather
// than a fixed heartbeat timeout, it keeps a sliding window of recent
// inter-arrival intervals per peer and derives a suspicion level (phi) from
// how anomalous the current silence is relative to that peer's own
// history. A peer crosses into "suspect" territory once phi exceeds
// Threshold.
type PhiAccrualDetector struct {
	mu        sync.Mutex
	window    int
	threshold float64
	minStdDev time.Duration

	samples map[NodeID]*phiSamples
}

type phiSamples struct {
	intervals []time.Duration // ring buffer, most recent windowSize arrivals
	last      time.Time
}

// NewPhiAccrualDetector creates a detector with the given sliding-window
// size, suspicion Threshold (8.0 is phi-accrual's conventional default —
// "sure enough to act on, in about one in 10^8 false positives at a stable
// rate"), and a floor on the assumed standard deviation so a peer with
// only one or two samples doesn't produce a meaningless infinite phi.
func NewPhiAccrualDetector(window int, threshold float64, minStdDev time.Duration) *PhiAccrualDetector {
	if window <= 0 {
		window = 100
	}
	if threshold <= 0 {
		threshold = 8.0
	}
	if minStdDev <= 0 {
		minStdDev = 50 * time.Millisecond
	}
	return &PhiAccrualDetector{
		window:    window,
		threshold: threshold,
		minStdDev: minStdDev,
		samples:   make(map[NodeID]*phiSamples),
	}
}

// Observe records a heartbeat arrival for id at t.
func (d *PhiAccrualDetector) Observe(id NodeID, t time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()
	s, ok := d.samples[id]
	if !ok {
		s = &phiSamples{}
		d.samples[id] = s
	}
	if !s.last.IsZero() {
		interval := t.Sub(s.last)
		s.intervals = append(s.intervals, interval)
		if len(s.intervals) > d.window {
			s.intervals = s.intervals[len(s.intervals)-d.window:]
		}
	}
	s.last = t
}

// Phi returns the current suspicion level for id at now: 0 if id has never
// been observed, or the phi-accrual statistic (the larger, the less likely
// the silence since the last heartbeat is consistent with id's observed
// arrival pattern).
func (d *PhiAccrualDetector) Phi(id NodeID, now time.Time) float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	s, ok := d.samples[id]
	if !ok || s.last.IsZero() {
		return 0
	}
	mean, stddev := intervalStats(s.intervals, d.minStdDev)
	if mean <= 0 {
		return 0
	}
	elapsed := now.Sub(s.last)
	y := (float64(elapsed) - float64(mean)) / float64(stddev)
	pLater := 1 - cdf(y)
	if pLater <= 0 {
		return 1000 // effectively certain
	}
	return -math.Log10(pLater)
}

// Remove discards all history for id, e.g. once it has left the view for
// good.
func (d *PhiAccrualDetector) Remove(id NodeID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.samples, id)
}

// Suspected reports whether id's current phi exceeds the configured
// threshold.
func (d *PhiAccrualDetector) Suspected(id NodeID, now time.Time) bool {
	return d.Phi(id, now) >= d.threshold
}

func intervalStats(intervals []time.Duration, floor time.Duration) (mean, stddev time.Duration) {
	if len(intervals) == 0 {
		return floor * 10, floor
	}
	var sum time.Duration
	for _, iv := range intervals {
		sum += iv
	}
	mean = sum / time.Duration(len(intervals))

	var variance float64
	for _, iv := range intervals {
		d := float64(iv - mean)
		variance += d * d
	}
	variance /= float64(len(intervals))
	stddev = time.Duration(math.Sqrt(variance))
	if stddev < floor {
		stddev = floor
	}
	return mean, stddev
}

// cdf is the standard normal cumulative distribution function, via the
// error function identity.
func cdf(y float64) float64 {
	return 0.5 * (1 + math.Erf(y/math.Sqrt2))
}
