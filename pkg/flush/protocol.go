// Package flush implements the cluster-wide stop-the-world barrier spec.md
// §4.3 describes: it quiesces message traffic so that NAKACK's sent queues
// and receive windows can be safely drained before a view change or state
// transfer, and unblocks traffic afterwards. Modeled on nakack.Protocol's
// shape (pipeline.Base embedding, a single state mutex) generalized from
// per-sender windows to a single cluster-wide gate.
package flush

import (
	"sync"
	"time"

	"github.com/ryandielhenn/vsgroup/internal/telemetry"
	"github.com/ryandielhenn/vsgroup/pkg/group"
	"github.com/ryandielhenn/vsgroup/pkg/pipeline"
)

// State is FLUSH's per-process state machine (spec.md §4.3).
type State int

const (
	StateOpen State = iota
	StateBlocking
	StateBlocked
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "OPEN"
	case StateBlocking:
		return "BLOCKING"
	case StateBlocked:
		return "BLOCKED"
	default:
		return "UNKNOWN"
	}
}

// Protocol is the FLUSH layer. It satisfies pipeline.Protocol and sits
// between GroupRequest and NAKACK in the stack (spec.md §2 dataflow).
type Protocol struct {
	pipeline.Base

	local  group.Address
	cfg    Config
	logger Logger

	mu    sync.Mutex
	state State
	view  group.View

	// Fields describing the flush round currently in progress (zero value
	// when state == StateOpen).
	viewId       group.ViewId
	flushCaller  group.Address
	participants map[group.Address]bool
	suspected    map[group.Address]bool
	flushOkSet   map[group.Address]bool

	// gateCond gates downward MSG events while state != StateOpen.
	gateCond *sync.Cond

	// completing/completionDone track the flush-caller side of a round:
	// the process that called Suspend waits on completionDone for
	// FLUSH_COMPLETED (or its own timeout).
	completing     bool
	completionDone chan struct{}

	sawFirstView bool
}

// NewProtocol creates a FLUSH protocol instance for local.
func NewProtocol(local group.Address, cfg Config, logger Logger) *Protocol {
	if logger == nil {
		logger = NopLogger
	}
	p := &Protocol{
		local:  local,
		cfg:    cfg,
		logger: logger,
	}
	p.gateCond = sync.NewCond(&p.mu)
	return p
}

func (p *Protocol) Name() string { return "FLUSH" }

// State returns the current per-process state (test/diagnostic use).
func (p *Protocol) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// HandleDown implements pipeline.Protocol.
func (p *Protocol) HandleDown(evt pipeline.Event) {
	switch evt.Kind {
	case pipeline.EvMsg:
		p.gateThenPassDown(evt)

	case pipeline.EvSuspend:
		p.suspend(evt.View)

	case pipeline.EvResume:
		p.resume()

	default:
		p.PassDown(evt)
	}
}

// gateThenPassDown blocks a downward MSG while BLOCKING/BLOCKED, bounded by
// FlushTimeout (spec.md §4.3's livelock-avoidance clause), then forwards it.
func (p *Protocol) gateThenPassDown(evt pipeline.Event) {
	p.mu.Lock()
	if p.state == StateOpen {
		p.mu.Unlock()
		p.PassDown(evt)
		return
	}

	deadline := time.Now().Add(p.cfg.FlushTimeout)
	for p.state != StateOpen {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			p.logger.Warnw("flush block timeout, forcing unblock", "view", p.viewId)
			p.forceOpenLocked()
			break
		}
		waited := waitWithTimeout(p.gateCond, remaining)
		if !waited {
			p.logger.Warnw("flush block timeout, forcing unblock", "view", p.viewId)
			p.forceOpenLocked()
			break
		}
	}
	p.mu.Unlock()
	p.PassDown(evt)
}

// waitWithTimeout waits on cond, bounded by d; returns false if d elapsed
// without a Broadcast/Signal. cond's lock must be held on entry and is held
// again on return, matching sync.Cond.Wait's contract. sync.Cond has no
// built-in timed wait, so this arms a timer that calls Broadcast to wake
// every waiter for a fresh deadline check.
func waitWithTimeout(cond *sync.Cond, d time.Duration) bool {
	timer := time.AfterFunc(d, cond.Broadcast)
	defer timer.Stop()
	before := time.Now()
	cond.Wait()
	return time.Since(before) < d
}

// forceOpenLocked unwedges the downward gate unilaterally. Callers must
// hold p.mu.
func (p *Protocol) forceOpenLocked() {
	p.state = StateOpen
	p.participants = nil
	p.suspected = nil
	p.flushOkSet = nil
	p.gateCond.Broadcast()
}

// suspend implements SUSPEND(view?) (spec.md §4.3 coordinator side):
// broadcasts START_FLUSH to the intersection of requestedView (or the
// current view, if nil) with the current view; if that's empty, SUSPEND_OK
// is delivered downward immediately.
func (p *Protocol) suspend(requestedView *group.View) {
	p.mu.Lock()
	view := p.view
	var participants []group.Address
	if requestedView != nil {
		participants = view.Intersect(*requestedView)
	} else {
		participants = append([]group.Address(nil), view.Members...)
	}
	if len(participants) == 0 {
		p.mu.Unlock()
		p.PassDown(pipeline.Event{Kind: pipeline.EvSuspendOk})
		return
	}

	viewId := view.Id
	p.completing = true
	p.completionDone = make(chan struct{})
	p.mu.Unlock()

	hdr := group.FlushHeader{Type: group.FlushStart, ViewId: viewId, Participants: participants}
	msg := &group.Message{
		Source:  p.local,
		Headers: map[string]group.Header{group.HeaderFlush: hdr},
	}
	p.PassDown(pipeline.Event{Kind: pipeline.EvMsg, Msg: msg})
	// This process is itself a participant; drive its own BLOCKING/BLOCKED
	// transition directly rather than relying on the transport to loop the
	// multicast back to its sender.
	p.handleStartFlush(msg, hdr)

	p.awaitCompletion(viewId)
}

func (p *Protocol) awaitCompletion(viewId group.ViewId) {
	start := time.Now()
	p.mu.Lock()
	done := p.completionDone
	p.mu.Unlock()
	if done == nil {
		return
	}
	select {
	case <-done:
		telemetry.FlushRoundDuration.WithLabelValues("completed").Observe(time.Since(start).Seconds())
	case <-time.After(p.cfg.FlushTimeout):
		telemetry.FlushRoundDuration.WithLabelValues("timed_out").Observe(time.Since(start).Seconds())
		p.logger.Warnw("flush completion timeout, giving up on SUSPEND_OK", "view", viewId)
	}
}

// resume implements RESUME: broadcasts STOP_FLUSH for the current flush
// round.
func (p *Protocol) resume() {
	p.mu.Lock()
	viewId := p.viewId
	if viewId == (group.ViewId{}) {
		viewId = p.view.Id
	}
	p.mu.Unlock()

	hdr := group.FlushHeader{Type: group.FlushStop, ViewId: viewId}
	msg := &group.Message{
		Source:  p.local,
		Headers: map[string]group.Header{group.HeaderFlush: hdr},
	}
	p.PassDown(pipeline.Event{Kind: pipeline.EvMsg, Msg: msg})
	p.handleStopFlush(hdr)
}

// HandleUp implements pipeline.Protocol.
func (p *Protocol) HandleUp(evt pipeline.Event) {
	switch evt.Kind {
	case pipeline.EvMsg:
		msg := evt.Msg
		hdrI, ok := msg.Headers[group.HeaderFlush]
		if !ok {
			p.PassUp(evt)
			return
		}
		hdr := hdrI.(group.FlushHeader)
		if msg.Source == p.local {
			// suspend, resume and handleStartFlush already drove this
			// process's own transition directly; a copy looped back by the
			// layer below is dropped.
			return
		}
		switch hdr.Type {
		case group.FlushStart:
			p.handleStartFlush(msg, hdr)
		case group.FlushOk:
			p.handleFlushOk(msg, hdr)
		case group.FlushCompleted:
			p.handleFlushCompleted(hdr)
		case group.FlushStop:
			p.handleStopFlush(hdr)
		}

	case pipeline.EvViewChange:
		first := p.handleViewChange(*evt.View)
		p.PassUp(evt)
		if first {
			// First-view synthesis (spec.md §4.3): a newly joining process
			// sees VIEW_CHANGE -> UNBLOCK even though it never saw a
			// START_FLUSH, so its gate is opened and UNBLOCK emitted locally.
			p.mu.Lock()
			p.forceOpenLocked()
			p.mu.Unlock()
			p.PassUp(pipeline.Event{Kind: pipeline.EvUnblock})
		}

	case pipeline.EvSuspect:
		p.handleSuspect(evt.Addr)
		p.PassUp(evt)

	default:
		p.PassUp(evt)
	}
}

func (p *Protocol) handleStartFlush(msg *group.Message, hdr group.FlushHeader) {
	p.mu.Lock()
	if p.state != StateOpen {
		// A second START_FLUSH for a round already in progress; spec.md
		// doesn't define overlapping flushes, so the later one is ignored
		// rather than corrupting the active round's state.
		p.mu.Unlock()
		return
	}
	p.state = StateBlocking
	p.viewId = hdr.ViewId
	p.flushCaller = msg.Source
	p.participants = make(map[group.Address]bool, len(hdr.Participants))
	for _, a := range hdr.Participants {
		p.participants[a] = true
	}
	p.suspected = make(map[group.Address]bool)
	p.flushOkSet = make(map[group.Address]bool)
	p.mu.Unlock()

	blockDone := make(chan struct{})
	p.PassUp(pipeline.Event{Kind: pipeline.EvBlock, Done: blockDone})
	select {
	case <-blockDone:
	case <-time.After(p.cfg.BlockTimeout):
		telemetry.FlushBlockTimeouts.WithLabelValues().Inc()
		p.logger.Warnw("BLOCK_OK timeout, sending FLUSH_OK anyway", "view", hdr.ViewId)
	}

	p.mu.Lock()
	p.state = StateBlocked
	p.mu.Unlock()

	out := &group.Message{
		Source:  p.local,
		Headers: map[string]group.Header{group.HeaderFlush: group.FlushHeader{Type: group.FlushOk, ViewId: hdr.ViewId}},
	}
	p.PassDown(pipeline.Event{Kind: pipeline.EvMsg, Msg: out})
	p.handleFlushOk(out, group.FlushHeader{Type: group.FlushOk, ViewId: hdr.ViewId})
}

func (p *Protocol) handleFlushOk(msg *group.Message, hdr group.FlushHeader) {
	p.mu.Lock()
	if p.viewId != hdr.ViewId || p.flushOkSet == nil {
		p.mu.Unlock()
		return
	}
	p.flushOkSet[msg.Source] = true
	complete := p.roundCompleteLocked()
	isCoord := p.view.Coordinator() == p.local
	viewId := p.viewId
	flushCaller := p.flushCaller
	p.mu.Unlock()

	if complete && isCoord {
		p.completeRound(viewId, flushCaller)
	}
}

// roundCompleteLocked reports whether every non-suspected participant has
// sent FLUSH_OK. Callers must hold p.mu.
func (p *Protocol) roundCompleteLocked() bool {
	for addr := range p.participants {
		if p.suspected[addr] {
			continue
		}
		if !p.flushOkSet[addr] {
			return false
		}
	}
	return true
}

// completeRound delivers FLUSH_COMPLETED to flushCaller: directly, if this
// process is the caller, or by unicast otherwise.
func (p *Protocol) completeRound(viewId group.ViewId, flushCaller group.Address) {
	if flushCaller == p.local {
		p.handleFlushCompleted(group.FlushHeader{Type: group.FlushCompleted, ViewId: viewId})
		return
	}
	out := &group.Message{
		Source:  p.local,
		Dest:    flushCaller,
		Headers: map[string]group.Header{group.HeaderFlush: group.FlushHeader{Type: group.FlushCompleted, ViewId: viewId}},
	}
	p.PassDown(pipeline.Event{Kind: pipeline.EvMsg, Msg: out})
}

func (p *Protocol) handleFlushCompleted(hdr group.FlushHeader) {
	p.mu.Lock()
	if !p.completing || p.viewId != hdr.ViewId {
		p.mu.Unlock()
		return
	}
	p.completing = false
	done := p.completionDone
	p.completionDone = nil
	p.mu.Unlock()

	p.PassUp(pipeline.Event{Kind: pipeline.EvSuspendOk})
	p.PassDown(pipeline.Event{Kind: pipeline.EvSuspendOk})
	if done != nil {
		close(done)
	}
}

func (p *Protocol) handleStopFlush(hdr group.FlushHeader) {
	p.mu.Lock()
	if p.state == StateOpen {
		p.mu.Unlock()
		return
	}
	p.forceOpenLocked()
	p.mu.Unlock()
	p.PassUp(pipeline.Event{Kind: pipeline.EvUnblock})
}

// handleViewChange installs view and reports whether it is the first view
// this process has seen (HandleUp then synthesises UNBLOCK).
func (p *Protocol) handleViewChange(view group.View) (first bool) {
	p.mu.Lock()
	p.view = view

	first = !p.sawFirstView
	p.sawFirstView = true

	// Coordinator handover: the flush caller vanished from the new view and
	// this process is the new coordinator, so it replays onResume to
	// unwedge any orphaned BLOCKED processes.
	handover := p.state != StateOpen &&
		!view.Contains(p.flushCaller) &&
		view.Coordinator() == p.local
	p.mu.Unlock()

	if handover {
		p.resume()
	}
	return first
}

func (p *Protocol) handleSuspect(addr group.Address) {
	p.mu.Lock()
	if p.suspected == nil {
		p.suspected = make(map[group.Address]bool)
	}
	p.suspected[addr] = true
	complete := p.state == StateBlocked && p.roundCompleteLocked()
	isCoord := p.view.Coordinator() == p.local
	viewId := p.viewId
	flushCaller := p.flushCaller
	p.mu.Unlock()

	if complete && isCoord {
		p.completeRound(viewId, flushCaller)
	}
}
