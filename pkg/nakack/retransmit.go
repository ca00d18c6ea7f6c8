package nakack

import (
	"sync"
	"time"

	"github.com/ryandielhenn/vsgroup/pkg/group"
)

// retransmitTask schedules repeated XMIT_REQ asks for a single missing
// seqno on the configured backoff schedule (spec.md §4.1). It self-arms
// at the last interval indefinitely until cancelled by arrival (Window.Add
// calling cancelTask) or by stability (Window.Stable).
//
// Modeled as an arena entry per spec.md §9's design note on the window/task
// cyclic reference: the task holds the sender and seqno it is for, not a
// pointer back to the Window, and is looked up by seqno in Window.tasks.
type retransmitTask struct {
	sender group.Address
	seqno  uint64

	intervals []time.Duration
	fire      RetransmitFunc

	mu        sync.Mutex
	cancelled bool
	timer     *time.Timer
}

func newRetransmitTask(sender group.Address, seqno uint64, intervals []time.Duration, fire RetransmitFunc) *retransmitTask {
	return &retransmitTask{
		sender:    sender,
		seqno:     seqno,
		intervals: intervals,
		fire:      fire,
	}
}

func (t *retransmitTask) start() {
	t.scheduleNext(0)
}

// scheduleNext arms the timer for intervals[idx], clamping idx to the last
// configured interval so the task re-arms forever once exhausted.
func (t *retransmitTask) scheduleNext(idx int) {
	t.mu.Lock()
	if t.cancelled {
		t.mu.Unlock()
		return
	}
	interval := t.intervals[idx]
	t.timer = time.AfterFunc(interval, func() { t.onFire(idx) })
	t.mu.Unlock()
}

func (t *retransmitTask) onFire(idx int) {
	t.mu.Lock()
	if t.cancelled {
		t.mu.Unlock()
		return
	}
	t.mu.Unlock()

	t.fire(t.sender, t.seqno, t.seqno)

	nextIdx := idx + 1
	if nextIdx >= len(t.intervals) {
		nextIdx = len(t.intervals) - 1
	}
	t.scheduleNext(nextIdx)
}

// cancel stops the task. Safe to call more than once and concurrently with
// onFire.
func (t *retransmitTask) cancel() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.cancelled = true
	if t.timer != nil {
		t.timer.Stop()
	}
}
