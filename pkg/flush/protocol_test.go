package flush

import (
	"sync"
	"testing"
	"time"

	"github.com/ryandielhenn/vsgroup/pkg/group"
	"github.com/ryandielhenn/vsgroup/pkg/pipeline"
)

// cluster wires up N FLUSH protocols connected by an in-process fan-out
// transport: anything passed down from one protocol is delivered to every
// protocol's HandleUp (multicast) or just the addressed one (unicast). Each
// receiver handles its inbound messages in arrival order on one goroutine,
// so delivery is FIFO per sender, as NAKACK provides below FLUSH.
type cluster struct {
	mu        sync.Mutex
	protocols map[group.Address]*Protocol
	inboxes   map[group.Address]chan pipeline.Event
	blocked   map[group.Address]int
	unblocked map[group.Address]int
}

func newCluster(addrs []group.Address, cfg Config) *cluster {
	c := &cluster{
		protocols: make(map[group.Address]*Protocol),
		inboxes:   make(map[group.Address]chan pipeline.Event),
		blocked:   make(map[group.Address]int),
		unblocked: make(map[group.Address]int),
	}
	for _, a := range addrs {
		p := NewProtocol(a, cfg, NopLogger)
		p.SetDownHandler(func(evt pipeline.Event) { c.deliver(a, evt) })
		p.SetUpHandler(func(evt pipeline.Event) { c.onUp(a, evt) })
		c.protocols[a] = p
		inbox := make(chan pipeline.Event, 64)
		c.inboxes[a] = inbox
		go func() {
			for evt := range inbox {
				p.HandleUp(evt)
			}
		}()
	}
	return c
}

func (c *cluster) deliver(from group.Address, evt pipeline.Event) {
	if evt.Kind != pipeline.EvMsg {
		return
	}
	if evt.Msg.IsMulticast() {
		for addr := range c.protocols {
			if addr == from {
				// No network between a sender and itself; protocols drive
				// their own participant-side transition directly instead.
				continue
			}
			c.inboxes[addr] <- evt
		}
		return
	}
	if _, ok := c.protocols[evt.Msg.Dest]; ok {
		c.inboxes[evt.Msg.Dest] <- evt
	}
}

func (c *cluster) onUp(addr group.Address, evt pipeline.Event) {
	switch evt.Kind {
	case pipeline.EvBlock:
		c.mu.Lock()
		c.blocked[addr]++
		c.mu.Unlock()
		if evt.Done != nil {
			close(evt.Done)
		}
	case pipeline.EvUnblock:
		c.mu.Lock()
		c.unblocked[addr]++
		c.mu.Unlock()
	}
}

func (c *cluster) counts(addr group.Address) (blocked, unblocked int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.blocked[addr], c.unblocked[addr]
}

func TestFlushSuspendResumeThreeMembers(t *testing.T) {
	a := group.NewAddress("a", "10.0.0.1:1")
	b := group.NewAddress("b", "10.0.0.1:2")
	c := group.NewAddress("c", "10.0.0.1:3")
	view := group.NewView(1, a, []group.Address{a, b, c})

	cl := newCluster([]group.Address{a, b, c}, Config{BlockTimeout: time.Second, FlushTimeout: 2 * time.Second})
	for _, p := range cl.protocols {
		p.HandleUp(pipeline.Event{Kind: pipeline.EvViewChange, View: &view})
	}

	cl.protocols[a].HandleDown(pipeline.Event{Kind: pipeline.EvSuspend})

	for _, addr := range []group.Address{a, b, c} {
		blocked, _ := cl.counts(addr)
		if blocked != 1 {
			t.Fatalf("member %v: expected exactly one BLOCK, got %d", addr, blocked)
		}
		if st := cl.protocols[addr].State(); st != StateBlocked {
			t.Fatalf("member %v: expected BLOCKED, got %v", addr, st)
		}
	}

	// Each member already saw one UNBLOCK after its first view; count only
	// the ones RESUME produces.
	unblockedBefore := make(map[group.Address]int)
	for _, addr := range []group.Address{a, b, c} {
		_, unblockedBefore[addr] = cl.counts(addr)
	}

	cl.protocols[a].HandleDown(pipeline.Event{Kind: pipeline.EvResume})
	time.Sleep(50 * time.Millisecond)

	for _, addr := range []group.Address{a, b, c} {
		_, unblocked := cl.counts(addr)
		unblocked -= unblockedBefore[addr]
		if unblocked != 1 {
			t.Fatalf("member %v: expected exactly one UNBLOCK, got %d", addr, unblocked)
		}
		if st := cl.protocols[addr].State(); st != StateOpen {
			t.Fatalf("member %v: expected OPEN after resume, got %v", addr, st)
		}
	}
}

func TestFlushEmptyParticipantsImmediateSuspendOk(t *testing.T) {
	a := group.NewAddress("a", "10.0.0.1:1")
	view := group.NewView(1, a, []group.Address{a})
	other := group.NewView(2, a, []group.Address{group.NewAddress("z", "z")})

	p := NewProtocol(a, DefaultConfig(), NopLogger)
	var gotSuspendOk bool
	p.SetDownHandler(func(evt pipeline.Event) {
		if evt.Kind == pipeline.EvSuspendOk {
			gotSuspendOk = true
		}
	})
	p.HandleUp(pipeline.Event{Kind: pipeline.EvViewChange, View: &view})
	p.HandleDown(pipeline.Event{Kind: pipeline.EvSuspend, View: &other})

	if !gotSuspendOk {
		t.Fatal("expected immediate SUSPEND_OK when participant intersection is empty")
	}
}

func TestFlushDownwardGateBlocksMsg(t *testing.T) {
	a := group.NewAddress("a", "10.0.0.1:1")
	view := group.NewView(1, a, []group.Address{a})

	p := NewProtocol(a, Config{BlockTimeout: time.Hour, FlushTimeout: time.Hour}, NopLogger)
	p.SetUpHandler(func(evt pipeline.Event) {
		if evt.Kind == pipeline.EvBlock && evt.Done != nil {
			// never ack; simulate a slow application so the gate stays shut
			// until explicitly resumed below.
		}
	})
	var passedMsgs int
	var mu sync.Mutex
	p.SetDownHandler(func(evt pipeline.Event) {
		if evt.Kind == pipeline.EvMsg {
			mu.Lock()
			passedMsgs++
			mu.Unlock()
		}
	})
	p.HandleUp(pipeline.Event{Kind: pipeline.EvViewChange, View: &view})
	// SUSPEND waits for FLUSH_COMPLETED, which cannot come while BLOCK goes
	// unacknowledged, so it runs on its own goroutine.
	go p.HandleDown(pipeline.Event{Kind: pipeline.EvSuspend})
	deadline := time.Now().Add(time.Second)
	for p.State() == StateOpen && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}

	// The flush round's own START_FLUSH passes through the down handler
	// before the gate is engaged; reset the counter before probing.
	mu.Lock()
	passedMsgs = 0
	mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.HandleDown(pipeline.Event{Kind: pipeline.EvMsg, Msg: &group.Message{}})
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("downward MSG was not gated while BLOCKED")
	case <-time.After(100 * time.Millisecond):
	}

	p.HandleDown(pipeline.Event{Kind: pipeline.EvResume})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("downward MSG was never released after RESUME")
	}
}

func TestFlushBlockTimeoutForcesFlushOk(t *testing.T) {
	a := group.NewAddress("a", "10.0.0.1:1")
	view := group.NewView(1, a, []group.Address{a})

	p := NewProtocol(a, Config{BlockTimeout: 20 * time.Millisecond, FlushTimeout: time.Second}, NopLogger)
	p.SetUpHandler(func(pipeline.Event) {
		// never ack BLOCK_OK
	})
	okCh := make(chan struct{}, 1)
	p.SetDownHandler(func(evt pipeline.Event) {
		if evt.Kind == pipeline.EvSuspendOk {
			select {
			case okCh <- struct{}{}:
			default:
			}
		}
	})
	p.HandleUp(pipeline.Event{Kind: pipeline.EvViewChange, View: &view})
	p.HandleDown(pipeline.Event{Kind: pipeline.EvSuspend})

	select {
	case <-okCh:
	case <-time.After(time.Second):
		t.Fatal("SUSPEND_OK never delivered despite single member and block timeout")
	}
}

func TestFlushFirstViewSynthesizesUnblock(t *testing.T) {
	a := group.NewAddress("a", "10.0.0.1:1")
	view := group.NewView(1, a, []group.Address{a})

	p := NewProtocol(a, DefaultConfig(), NopLogger)
	var unblocked bool
	p.SetUpHandler(func(evt pipeline.Event) {
		if evt.Kind == pipeline.EvUnblock {
			unblocked = true
		}
	})
	p.HandleUp(pipeline.Event{Kind: pipeline.EvViewChange, View: &view})

	if !unblocked {
		t.Fatal("first VIEW_CHANGE did not synthesize UNBLOCK")
	}
}

func TestFlushCoordinatorHandoverResumesWithoutWaitingOnTimeout(t *testing.T) {
	a := group.NewAddress("a", "10.0.0.1:1") // already coordinator, stays coordinator
	b := group.NewAddress("b", "10.0.0.1:2") // flush caller, about to vanish
	view1 := group.NewView(1, a, []group.Address{a, b})

	// FlushTimeout is deliberately huge: if handover's guard were still
	// gated on "a wasn't already the coordinator", a would only ever
	// unblock via gateThenPassDown's independent timeout path, and this
	// test would have to wait an hour (or time out) to notice.
	cl := newCluster([]group.Address{a, b}, Config{BlockTimeout: time.Second, FlushTimeout: time.Hour})
	for _, p := range cl.protocols {
		p.HandleUp(pipeline.Event{Kind: pipeline.EvViewChange, View: &view1})
	}
	// a's first view already produced one UNBLOCK; the handover must add one.
	_, unblockedBefore := cl.counts(a)

	// b calls SUSPEND, becoming the flush caller; the round completes
	// normally (a, the coordinator, collects both FLUSH_OKs) but b never
	// sends RESUME, simulating a crash mid-round.
	suspendDone := make(chan struct{})
	go func() {
		cl.protocols[b].HandleDown(pipeline.Event{Kind: pipeline.EvSuspend})
		close(suspendDone)
	}()
	select {
	case <-suspendDone:
	case <-time.After(time.Second):
		t.Fatal("SUSPEND on b never completed")
	}

	if st := cl.protocols[a].State(); st != StateBlocked {
		t.Fatalf("expected a BLOCKED after the round completed, got %v", st)
	}

	// b vanishes from the next view; a was already the coordinator and
	// remains the coordinator, so the handover must still fire.
	view2 := group.NewView(2, a, []group.Address{a})
	cl.protocols[a].HandleUp(pipeline.Event{Kind: pipeline.EvViewChange, View: &view2})

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if cl.protocols[a].State() == StateOpen {
			_, unblocked := cl.counts(a)
			if unblocked < unblockedBefore+1 {
				t.Fatal("a reached OPEN without an UNBLOCK ever being delivered")
			}
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("a never resumed after its flush caller vanished from the view, despite remaining coordinator")
}

func TestFlushSuspectCompletesRound(t *testing.T) {
	a := group.NewAddress("a", "10.0.0.1:1")
	b := group.NewAddress("b", "10.0.0.1:2")
	view := group.NewView(1, a, []group.Address{a, b})

	cl := newCluster([]group.Address{a, b}, Config{BlockTimeout: time.Second, FlushTimeout: time.Second})
	for _, p := range cl.protocols {
		p.HandleUp(pipeline.Event{Kind: pipeline.EvViewChange, View: &view})
	}

	// Simulate b being unreachable: it never BLOCKs or sends FLUSH_OK, but
	// the coordinator a suspects it and the round must still complete.
	delete(cl.protocols, b)
	suspendDone := make(chan struct{})
	go func() {
		cl.protocols[a].HandleDown(pipeline.Event{Kind: pipeline.EvSuspend})
		close(suspendDone)
	}()
	time.Sleep(50 * time.Millisecond)
	if cl.protocols[a].State() != StateBlocked {
		t.Fatalf("expected a BLOCKED while waiting on b, got %v", cl.protocols[a].State())
	}

	cl.protocols[a].HandleUp(pipeline.Event{Kind: pipeline.EvSuspect, Addr: b})

	select {
	case <-suspendDone:
	case <-time.After(time.Second):
		t.Fatal("SUSPEND did not complete after suspecting the only other participant")
	}
}
