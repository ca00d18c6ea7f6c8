package gossip

// Entry point for the gossip subsystem: defines the Gossiper struct,
// config, and lifecycle methods (Start/Stop), wiring together membership,
// message handling and transport.

import (
	"encoding/json"
	"math/rand"
	"time"

	"github.com/ryandielhenn/vsgroup/pkg/group"
)

// Config configures a Gossiper.
type Config struct {
	NodeID NodeID
	Addr   string

	// ProbeInterval is how often the gossip loop picks a random peer to
	// ping and piggybacks membership deltas on the exchange.
	ProbeInterval time.Duration

	// ReapInterval is how often FailureDetector suspicion is turned into
	// Suspect/Dead state transitions.
	ReapInterval time.Duration

	// DeadAfter is how long a Suspect member is given to refute before
	// being declared Dead and dropped from the view.
	DeadAfter time.Duration
}

// DefaultConfig fills in the probe/reap cadence a production deployment
// would use.
func DefaultConfig(id NodeID, addr string) Config {
	return Config{
		NodeID:        id,
		Addr:          addr,
		ProbeInterval: 500 * time.Millisecond,
		ReapInterval:  500 * time.Millisecond,
		DeadAfter:     5 * time.Second,
	}
}

// Gossiper is the entry point for the gossip subsystem: it wires together
// MemberList, FailureDetector and Transport, and drives the probe/reap
// background loops.
type Gossiper struct {
	cfg Config

	transport Transport
	members   *memberList
	detector  *PhiAccrualDetector

	stop chan struct{}

	rng *rand.Rand
}

// New creates a Gossiper bound to transport, ready to Start.
func New(cfg Config, transport Transport) *Gossiper {
	detector := NewPhiAccrualDetector(0, 0, 0)
	members := NewMemberList(cfg.NodeID, cfg.Addr, detector)
	g := &Gossiper{
		cfg:       cfg,
		transport: transport,
		members:   members,
		detector:  detector,
		stop:      make(chan struct{}),
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	transport.SetReceiver(g.onReceive)
	return g
}

// SetViewChangeHandler installs the callback invoked with the updated View
// whenever cluster membership changes — the bridge into
// pipeline.Event{Kind: EvViewChange} at the call site (cmd/server wires this).
func (g *Gossiper) SetViewChangeHandler(f func(group.View)) {
	g.members.SetViewChangeHandler(f)
}

// Self returns this process's own current Member record.
func (g *Gossiper) Self() Member { return g.members.Self() }

// Members returns every known Member (Alive, Suspect or Dead).
func (g *Gossiper) Members() []Member { return g.members.All() }

// Join seeds the member list with a peer's address so the probe loop can
// discover the rest of the cluster via that peer's piggybacked deltas.
func (g *Gossiper) Join(id NodeID, addr string) {
	g.members.ApplyDelta(Delta{Member: Member{ID: id, Addr: addr, State: StateAlive}})
}

// Start launches the probe and reap background loops.
func (g *Gossiper) Start() {
	go g.probeLoop()
	go g.reapLoop()
}

// Stop halts the background loops and closes the transport.
func (g *Gossiper) Stop() {
	close(g.stop)
	g.transport.Close()
}

func (g *Gossiper) probeLoop() {
	ticker := time.NewTicker(g.cfg.ProbeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-g.stop:
			return
		case <-ticker.C:
			g.probeOnce()
		}
	}
}

func (g *Gossiper) probeOnce() {
	peers := g.members.All()
	var candidates []Member
	for _, m := range peers {
		if m.ID != g.cfg.NodeID && m.State != StateDead {
			candidates = append(candidates, m)
		}
	}
	if len(candidates) == 0 {
		return
	}
	target := candidates[g.rng.Intn(len(candidates))]

	msg := GossipMsg{
		Type:   MsgPing,
		From:   g.cfg.NodeID,
		Deltas: g.snapshotDeltas(),
		Nonce:  g.rng.Uint64(),
	}
	raw, err := json.Marshal(msg)
	if err != nil {
		return
	}
	g.transport.Send(target.Addr, raw)
}

func (g *Gossiper) snapshotDeltas() []Delta {
	members := g.members.All()
	out := make([]Delta, 0, len(members))
	for _, m := range members {
		out = append(out, Delta{Member: m})
	}
	return out
}

func (g *Gossiper) reapLoop() {
	ticker := time.NewTicker(g.cfg.ReapInterval)
	defer ticker.Stop()
	for {
		select {
		case <-g.stop:
			return
		case <-ticker.C:
			g.members.ReapSuspects(time.Now(), g.detector, g.cfg.DeadAfter)
		}
	}
}

func (g *Gossiper) onReceive(from string, raw []byte) {
	var msg GossipMsg
	if err := json.Unmarshal(raw, &msg); err != nil {
		return
	}
	g.detector.Observe(msg.From, time.Now())
	for _, d := range msg.Deltas {
		g.members.ApplyDelta(d)
	}

	switch msg.Type {
	case MsgPing:
		ack := GossipMsg{Type: MsgAck, From: g.cfg.NodeID, Nonce: msg.Nonce, Deltas: g.snapshotDeltas()}
		if raw, err := json.Marshal(ack); err == nil {
			g.transport.Send(from, raw)
		}
	case MsgAck:
		// Liveness already recorded above via Observe; nothing further to
		// do for a plain ack.
	}
}
