// Package nakack implements the per-sender, sequence-numbered, negative-
// acknowledgement reliable multicast layer: sliding windows with gap
// detection and retransmission (spec.md §4.1), and the NAKACK protocol that
// drives them (spec.md §4.2).
package nakack

import (
	"sync"
	"time"

	"github.com/ryandielhenn/vsgroup/internal/telemetry"
	"github.com/ryandielhenn/vsgroup/pkg/group"
)

// DefaultRetransmitIntervals is the default backoff schedule for gap
// retransmission (spec.md §4.1): 600, 1200, 2400, 4800 ms, then the last
// interval repeated indefinitely until cancelled.
var DefaultRetransmitIntervals = []time.Duration{
	600 * time.Millisecond,
	1200 * time.Millisecond,
	2400 * time.Millisecond,
	4800 * time.Millisecond,
}

// RetransmitFunc asks for an XMIT_REQ covering [low, high] to be sent for
// the given original sender. Supplied by the owning NAKACK protocol.
type RetransmitFunc func(sender group.Address, low, high uint64)

// entry is one buffered (received, not yet delivered or already delivered-
// but-retained) message in a Window.
type entry struct {
	seqno     uint64
	msg       *group.Message
	delivered bool
	oob       bool
}

// Window is the per-sender sliding window described in spec.md §4.1:
// received-but-not-delivered messages keyed by seqno, a highestDelivered
// cursor, a highestReceived cursor, and the retransmission tasks for any
// open gaps. Mirrors the mutex + map + ordered structure pattern of the
// teacher's pkg/kv.Store, generalized from an LRU cache to a reorder buffer.
type Window struct {
	mu sync.Mutex

	sender  group.Address
	entries map[uint64]*entry

	lowestRetained   uint64
	highestDelivered uint64
	highestReceived  uint64

	maxBufSize int // 0 = unbounded

	intervals []time.Duration
	retransmit RetransmitFunc
	tasks      map[uint64]*retransmitTask

	discardDelivered bool

	closed bool
}

// NewWindow creates a Window for sender, initialized so that the next
// expected seqno is start+1 (i.e. messages up to and including start are
// considered already delivered — used when installing a view or digest at a
// known high-water mark).
func NewWindow(sender group.Address, start uint64, retransmit RetransmitFunc) *Window {
	return &Window{
		sender:           sender,
		entries:          make(map[uint64]*entry),
		highestDelivered: start,
		highestReceived:  start,
		intervals:        DefaultRetransmitIntervals,
		retransmit:       retransmit,
		tasks:            make(map[uint64]*retransmitTask),
	}
}

// SetMaxBufSize configures the bounded-buffer eviction option: beyond this
// bound, the oldest delivered entries are evicted first, whether or not a
// STABLE has covered them yet. Entries not yet delivered are never evicted.
func (w *Window) SetMaxBufSize(n int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.maxBufSize = n
}

// SetDiscardDelivered controls whether Remove() drops each entry from the
// map as soon as it is delivered (true) or retains it until Stable (false,
// the default). NAKACK never calls it, so its windows always keep
// delivered messages for retransmission, including when
// xmitFromRandomMember is set.
func (w *Window) SetDiscardDelivered(v bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.discardDelivered = v
}

// Add inserts msg at seqno if seqno > highestDelivered and not already
// present, returning whether it was newly added. Opens retransmit tasks for
// any gap between the previous highestReceived and seqno. oob marks the
// message as exempt from the FIFO delivery loop (spec.md §4.1): it is still
// recorded here so Remove() advances past it exactly once, but the caller
// is expected to have already dispatched it upward directly.
func (w *Window) Add(seqno uint64, msg *group.Message, oob bool) (added bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return false
	}
	if seqno <= w.highestDelivered {
		return false
	}
	if _, present := w.entries[seqno]; present {
		return false
	}

	if seqno > w.highestReceived+1 {
		// A gap opened: (highestReceived, seqno) is missing.
		gapSize := seqno - w.highestReceived - 1
		telemetry.WindowGaps.WithLabelValues(w.sender.ID()).Observe(float64(gapSize))
		for missing := w.highestReceived + 1; missing < seqno; missing++ {
			w.armTask(missing)
		}
	}
	if seqno > w.highestReceived {
		w.highestReceived = seqno
	}

	w.entries[seqno] = &entry{seqno: seqno, msg: msg, oob: oob}
	w.cancelTask(seqno)
	return true
}

// Remove returns the message at highestDelivered+1 if present, advancing
// the cursor; otherwise it returns (nil, false, false). Callers must
// serialize deliveries per window (spec.md §4.1, §5): hold a single
// per-window delivery lock while draining Remove() in a loop. The oob
// return tells the caller this entry must NOT be redelivered upward — it
// was already dispatched immediately on Add — but the cursor must still
// advance past it exactly once.
func (w *Window) Remove() (msg *group.Message, oob bool, ok bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	next := w.highestDelivered + 1
	e, present := w.entries[next]
	if !present || e.delivered {
		return nil, false, false
	}
	e.delivered = true
	w.highestDelivered = next
	if w.discardDelivered {
		delete(w.entries, next)
	}
	w.evictIfNeeded()
	return e.msg, e.oob, true
}

func (w *Window) maxBufSizeSet() bool { return w.maxBufSize > 0 }

// Stable drops delivered messages with seqno <= upTo and cancels any
// still-pending retransmit tasks in that range.
func (w *Window) Stable(upTo uint64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for seqno, e := range w.entries {
		if seqno <= upTo && e.delivered {
			delete(w.entries, seqno)
		}
	}
	if upTo > w.lowestRetained {
		w.lowestRetained = upTo
	}
	for seqno, task := range w.tasks {
		if seqno <= upTo {
			task.cancel()
			delete(w.tasks, seqno)
		}
	}
}

// Reset clears all buffered state and cancels outstanding tasks, keeping the
// window object alive for reuse (e.g. on DISCONNECT).
func (w *Window) Reset() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.resetLocked()
}

func (w *Window) resetLocked() {
	for _, task := range w.tasks {
		task.cancel()
	}
	w.tasks = make(map[uint64]*retransmitTask)
	w.entries = make(map[uint64]*entry)
	w.lowestRetained = 0
	w.highestDelivered = 0
	w.highestReceived = 0
}

// Destroy cancels all pending retransmit tasks and marks the window unusable.
func (w *Window) Destroy() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, task := range w.tasks {
		task.cancel()
	}
	w.tasks = nil
	w.entries = nil
	w.closed = true
}

// Digest returns this window's current (lowRetained, highestDelivered,
// highestSeen) entry.
func (w *Window) Digest() group.DigestEntry {
	w.mu.Lock()
	defer w.mu.Unlock()
	return group.DigestEntry{
		LowRetained:      w.lowestRetained,
		HighestDelivered: w.highestDelivered,
		HighestSeen:      w.highestReceived,
	}
}

// HighestDelivered returns the highestDelivered cursor.
func (w *Window) HighestDelivered() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.highestDelivered
}

// HighestReceived returns the highestReceived cursor.
func (w *Window) HighestReceived() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.highestReceived
}

// Get returns the message stored at seqno, if any (used to serve XMIT_REQ
// from a remote window, or from a random member acting as proxy).
func (w *Window) Get(seqno uint64) (*group.Message, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	e, ok := w.entries[seqno]
	if !ok {
		return nil, false
	}
	return e.msg, true
}

// armTask creates a retransmit task for a single missing seqno, unless one
// is already pending.
func (w *Window) armTask(seqno uint64) {
	if _, exists := w.tasks[seqno]; exists {
		return
	}
	if w.retransmit == nil {
		return
	}
	t := newRetransmitTask(w.sender, seqno, w.intervals, w.retransmit)
	w.tasks[seqno] = t
	t.start()
}

// cancelTask cancels and removes the retransmit task for seqno, if any —
// called when the missing message finally arrives.
func (w *Window) cancelTask(seqno uint64) {
	if t, ok := w.tasks[seqno]; ok {
		t.cancel()
		delete(w.tasks, seqno)
	}
}

func (w *Window) evictIfNeeded() {
	if w.maxBufSize <= 0 {
		return
	}
	// Only delivered entries are eligible, oldest first; entries not yet
	// delivered are never evicted (spec.md §4.1 bounded buffer option).
	for len(w.entries) > w.maxBufSize {
		var oldest *entry
		for _, e := range w.entries {
			if !e.delivered {
				continue
			}
			if oldest == nil || e.seqno < oldest.seqno {
				oldest = e
			}
		}
		if oldest == nil {
			return
		}
		delete(w.entries, oldest.seqno)
	}
}
