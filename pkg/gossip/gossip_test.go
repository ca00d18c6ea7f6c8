package gossip

import (
	"testing"
	"time"

	"github.com/ryandielhenn/vsgroup/pkg/group"
)

func newGossiper(t *testing.T, hub *channelHub, id, addr string) *Gossiper {
	t.Helper()
	xport := NewChannelTransport(hub, addr)
	cfg := DefaultConfig(NodeID(id), addr)
	cfg.ProbeInterval = 10 * time.Millisecond
	cfg.ReapInterval = 10 * time.Millisecond
	return New(cfg, xport)
}

func TestGossiperConvergesOnMembership(t *testing.T) {
	hub := NewChannelHub()
	a := newGossiper(t, hub, "a", "addr-a")
	b := newGossiper(t, hub, "b", "addr-b")
	c := newGossiper(t, hub, "c", "addr-c")

	a.Join(NodeID("b"), "addr-b")
	a.Join(NodeID("c"), "addr-c")
	b.Join(NodeID("a"), "addr-a")
	c.Join(NodeID("a"), "addr-a")

	a.Start()
	b.Start()
	c.Start()
	defer a.Stop()
	defer b.Stop()
	defer c.Stop()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(a.Members()) == 3 && len(b.Members()) == 3 && len(c.Members()) == 3 {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("membership never converged: a=%d b=%d c=%d", len(a.Members()), len(b.Members()), len(c.Members()))
}

func TestGossiperViewChangeFiresOnJoin(t *testing.T) {
	hub := NewChannelHub()
	a := newGossiper(t, hub, "a", "addr-a")

	var lastSize int
	done := make(chan struct{}, 1)
	a.SetViewChangeHandler(func(v group.View) {
		lastSize = len(v.Members)
		select {
		case done <- struct{}{}:
		default:
		}
	})

	a.Join(NodeID("b"), "addr-b")
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("view change handler never fired on Join")
	}
	if lastSize != 2 {
		t.Fatalf("view size after join = %d, want 2", lastSize)
	}
}

func TestMemberListApplyDeltaIncarnationRule(t *testing.T) {
	fd := NewPhiAccrualDetector(0, 0, 0)
	ml := NewMemberList(NodeID("a"), "addr-a", fd)

	if changed := ml.ApplyDelta(Delta{Member: Member{ID: "b", Addr: "addr-b", State: StateAlive}}); !changed {
		t.Fatalf("expected first sighting of b to change membership")
	}
	if changed := ml.ApplyDelta(Delta{Member: Member{ID: "b", Addr: "addr-b", State: StateAlive}}); changed {
		t.Fatalf("expected duplicate same-incarnation, same-state delta to be ignored")
	}
	if changed := ml.ApplyDelta(Delta{Member: Member{ID: "b", Addr: "addr-b", State: StateSuspect, Incarnation: 0}}); !changed {
		t.Fatalf("expected same-incarnation more-severe state to take effect")
	}
	m, ok := ml.Get(NodeID("b"))
	if !ok || m.State != StateSuspect {
		t.Fatalf("Get(b) = %+v, ok=%v, want Suspect", m, ok)
	}
}

func TestPhiAccrualDetectorSuspectsSilentPeer(t *testing.T) {
	fd := NewPhiAccrualDetector(10, 8.0, 10*time.Millisecond)
	now := time.Now()
	for i := 0; i < 10; i++ {
		fd.Observe(NodeID("p"), now)
		now = now.Add(50 * time.Millisecond)
	}
	if fd.Suspected(NodeID("p"), now) {
		t.Fatalf("freshly-observed peer should not be suspected")
	}
	if !fd.Suspected(NodeID("p"), now.Add(5*time.Second)) {
		t.Fatalf("long-silent peer should be suspected")
	}
}
