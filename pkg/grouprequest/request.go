// Package grouprequest implements the per-call response collector spec.md
// §4.4 describes: it tracks per-recipient responses under concurrent view
// changes and suspicions, applies a configurable completion policy, and
// surfaces the aggregated response vector as a future. Modeled on the
// single-mutex, single-condition shape nakack.SentTable and flush.Protocol
// already use, generalized to a response table whose completion is exposed
// as a channel close rather than a polled condition.
package grouprequest

import (
	"sync"
	"time"

	"github.com/ryandielhenn/vsgroup/internal/telemetry"
	"github.com/ryandielhenn/vsgroup/pkg/group"
)

// Request is the response table for a single RPC dispatch: its key set is
// fixed at construction (spec.md §4.4's "never extended by late joiners")
// and every mutation happens under a single mutex.
type Request struct {
	mu     sync.Mutex
	cfg    Config
	logger Logger

	responses map[group.Address]*group.Response

	suspectHistory []group.Address

	sent   bool
	done   bool
	doneCh chan struct{}
}

// New creates a Request for recipients with the given completion Config.
// The response table's key set is exactly recipients; it never grows.
func New(recipients []group.Address, cfg Config, logger Logger) *Request {
	if logger == nil {
		logger = NopLogger
	}
	if cfg.MaxSuspectHistory <= 0 {
		cfg.MaxSuspectHistory = DefaultMaxSuspectHistory
	}
	r := &Request{
		cfg:       cfg,
		logger:    logger,
		responses: make(map[group.Address]*group.Response, len(recipients)),
		doneCh:    make(chan struct{}),
	}
	for _, addr := range recipients {
		r.responses[addr] = &group.Response{Sender: addr}
	}
	r.checkDoneLocked()
	return r
}

// MarkSent records that the request has actually been handed to the
// transport. PolicyNone completes only once this has happened ("Done
// immediately after send", spec.md §4.4).
func (r *Request) MarkSent() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = true
	r.checkDoneLocked()
}

// ReceiveResponse records a response from sender. Returns false if sender
// is not in the original recipient set (ignored per spec.md §4.4's
// invariant) — a response from a late joiner cannot belong to this call.
func (r *Request) ReceiveResponse(sender group.Address, value []byte) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	resp, ok := r.responses[sender]
	if !ok {
		return false
	}
	resp.Received = true
	resp.Suspected = false
	resp.Value = value
	r.checkDoneLocked()
	return true
}

// Suspect marks sender suspected, clearing any previously received value
// (spec.md §3: received and suspected are never simultaneously true).
// Recipients outside the key set are ignored.
func (r *Request) Suspect(sender group.Address) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.suspectLocked(sender)
	r.checkDoneLocked()
}

func (r *Request) suspectLocked(sender group.Address) {
	resp, ok := r.responses[sender]
	if !ok {
		return
	}
	if resp.Suspected {
		return
	}
	resp.Received = false
	resp.Value = nil
	resp.Suspected = true
	telemetry.GroupRequestSuspectsObserved.WithLabelValues().Inc()
	r.pushSuspectHistoryLocked(sender)
}

func (r *Request) pushSuspectHistoryLocked(sender group.Address) {
	max := r.cfg.MaxSuspectHistory
	r.suspectHistory = append(r.suspectHistory, sender)
	if len(r.suspectHistory) > max {
		r.suspectHistory = r.suspectHistory[len(r.suspectHistory)-max:]
	}
}

// ViewChange reacts to a new view: any recipient in the key set but absent
// from the new view is marked suspected and its value cleared. A member
// present in the view but outside the key set is not added (spec.md §4.4:
// "a joiner cannot have received the request").
func (r *Request) ViewChange(view group.View) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for addr := range r.responses {
		if !view.Contains(addr) {
			r.suspectLocked(addr)
		}
	}
	r.checkDoneLocked()
}

// checkDoneLocked closes doneCh the first time the completion policy is
// satisfied. Callers must hold r.mu.
func (r *Request) checkDoneLocked() {
	if r.done {
		return
	}
	if !r.isDoneLocked() {
		return
	}
	r.done = true
	close(r.doneCh)
}

func (r *Request) isDoneLocked() bool {
	if r.cfg.Predicate != nil {
		return !r.cfg.Predicate.NeedMoreResponses(r.snapshotLocked())
	}

	total := len(r.responses)
	received, suspected := r.countsLocked()

	switch r.cfg.Policy {
	case PolicyNone:
		return r.sent
	case PolicyFirst:
		return received >= 1 || suspected >= total
	case PolicyAll:
		return received+suspected >= total
	case PolicyMajority:
		return received+suspected >= total/2+1
	case PolicyAbsMajority:
		return received >= total/2+1
	case PolicyN:
		expected := r.cfg.Expected
		if expected >= total {
			// spec.md §9: treat expected_mbrs >= num_total as ALL, rather
			// than the source's self-recursive (buggy) check.
			return received+suspected >= total
		}
		if received >= expected {
			return true
		}
		if received+suspected >= expected {
			return true
		}
		remainingReachable := total - suspected
		return remainingReachable < expected
	default:
		return false
	}
}

func (r *Request) countsLocked() (received, suspected int) {
	for _, resp := range r.responses {
		if resp.Received {
			received++
		}
		if resp.Suspected {
			suspected++
		}
	}
	return
}

// Get blocks until the request completes and returns the final response
// vector, keyed by sender.
func (r *Request) Get() map[group.Address]group.Response {
	<-r.doneCh
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshotLocked()
}

// GetTimeout is like Get but returns ok=false if timeout elapses first,
// without disturbing the response table (spec.md §5).
func (r *Request) GetTimeout(timeout time.Duration) (resp map[group.Address]group.Response, ok bool) {
	select {
	case <-r.doneCh:
		r.mu.Lock()
		defer r.mu.Unlock()
		return r.snapshotLocked(), true
	case <-time.After(timeout):
		r.mu.Lock()
		defer r.mu.Unlock()
		return r.snapshotLocked(), false
	}
}

// Done reports whether the completion policy is currently satisfied.
func (r *Request) Done() bool {
	select {
	case <-r.doneCh:
		return true
	default:
		return false
	}
}

func (r *Request) snapshotLocked() map[group.Address]group.Response {
	out := make(map[group.Address]group.Response, len(r.responses))
	for addr, resp := range r.responses {
		out[addr] = *resp
	}
	return out
}

// SuspectHistory returns a copy of the bounded FIFO suspicion log.
func (r *Request) SuspectHistory() []group.Address {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]group.Address(nil), r.suspectHistory...)
}
