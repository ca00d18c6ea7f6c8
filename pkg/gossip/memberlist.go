package gossip

import (
	"sort"
	"sync"
	"time"

	"github.com/ryandielhenn/vsgroup/pkg/group"
)

type Member struct {
	ID          NodeID    // unique, usually UUID or host:port string
	Addr        string    // current reachable address
	Incarnation uint64    // version number for this member's state
	State       State     // Alive, Suspect, Dead
	LastUpdate  time.Time // for metrics/GC
}

type MemberList interface {
	Self() Member
	All() []Member
	Get(id NodeID) (Member, bool)
	ApplyDelta(d Delta) bool
	BumpIncarnation() uint64
}

// memberList is the alive/suspect/dead state machine spec.md §1 names as
// an external collaborator: it turns FailureDetector suspicion and
// discovery rumors into Delta updates, and its current non-Dead (Alive or
// Suspect) members are what gets wrapped into the group.View that NAKACK and FLUSH consume on every
// VIEW_CHANGE. A view's ViewId.Counter is this memberList's own bumped
// counter, and Coordinator selection defers entirely to group.NewView's
// smallest-address rule.
type memberList struct {
	mu      sync.Mutex
	self    NodeID
	members map[NodeID]*Member

	fd FailureDetector

	viewCounter uint64

	// onViewChange, when set, is invoked with the freshly computed View
	// every time membership changes (a member joins, is marked Suspect, or
	// is reaped as Dead).
	onViewChange func(group.View)

	addrToID map[string]NodeID
}

// NewMemberList creates a MemberList for self (identified by id and addr),
// backed by fd for liveness scoring.
func NewMemberList(id NodeID, addr string, fd FailureDetector) *memberList {
	ml := &memberList{
		self:     id,
		members:  make(map[NodeID]*Member),
		fd:       fd,
		addrToID: make(map[string]NodeID),
	}
	ml.members[id] = &Member{ID: id, Addr: addr, State: StateAlive, LastUpdate: time.Now()}
	ml.addrToID[addr] = id
	return ml
}

// SetViewChangeHandler installs the callback fired whenever the Alive set
// changes.
func (ml *memberList) SetViewChangeHandler(f func(group.View)) {
	ml.mu.Lock()
	ml.onViewChange = f
	ml.mu.Unlock()
}

func (ml *memberList) Self() Member {
	ml.mu.Lock()
	defer ml.mu.Unlock()
	return *ml.members[ml.self]
}

func (ml *memberList) All() []Member {
	ml.mu.Lock()
	defer ml.mu.Unlock()
	out := make([]Member, 0, len(ml.members))
	for _, m := range ml.members {
		out = append(out, *m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (ml *memberList) Get(id NodeID) (Member, bool) {
	ml.mu.Lock()
	defer ml.mu.Unlock()
	m, ok := ml.members[id]
	if !ok {
		return Member{}, false
	}
	return *m, true
}

// ApplyDelta merges a membership rumor, following the standard SWIM/gossip
// incarnation rule: a delta only takes effect if it carries a higher
// incarnation than what's known, or moves the same incarnation to a more
// severe state (Alive -> Suspect -> Dead). Returns whether anything
// changed.
func (ml *memberList) ApplyDelta(d Delta) bool {
	ml.mu.Lock()
	changed := ml.applyDeltaLocked(d)
	view := ml.viewLocked()
	handler := ml.onViewChange
	ml.mu.Unlock()

	if changed && handler != nil {
		handler(view)
	}
	return changed
}

func (ml *memberList) applyDeltaLocked(d Delta) bool {
	m := d.Member
	existing, ok := ml.members[m.ID]
	if !ok {
		ml.members[m.ID] = &Member{ID: m.ID, Addr: m.Addr, Incarnation: m.Incarnation, State: m.State, LastUpdate: time.Now()}
		ml.addrToID[m.Addr] = m.ID
		return true
	}
	if m.Incarnation < existing.Incarnation {
		return false
	}
	if m.Incarnation == existing.Incarnation && severity(m.State) <= severity(existing.State) {
		return false
	}
	existing.Incarnation = m.Incarnation
	existing.State = m.State
	existing.LastUpdate = time.Now()
	if m.Addr != "" {
		delete(ml.addrToID, existing.Addr)
		existing.Addr = m.Addr
		ml.addrToID[m.Addr] = m.ID
	}
	return true
}

func severity(s State) int {
	switch s {
	case StateAlive:
		return 0
	case StateSuspect:
		return 1
	case StateDead:
		return 2
	default:
		return -1
	}
}

// BumpIncarnation increments and returns this process's own incarnation
// number, used to refute a spurious Suspect rumor about itself.
func (ml *memberList) BumpIncarnation() uint64 {
	ml.mu.Lock()
	defer ml.mu.Unlock()
	self := ml.members[ml.self]
	self.Incarnation++
	self.LastUpdate = time.Now()
	return self.Incarnation
}

// ReapSuspects marks any member whose FailureDetector phi has crossed the
// suspicion threshold as Suspect, and promotes long-suspected members past
// deadAfter to Dead (dropping them from the next View entirely). Intended
// to be called periodically by the node's background loop.
func (ml *memberList) ReapSuspects(now time.Time, pd *PhiAccrualDetector, deadAfter time.Duration) {
	ml.mu.Lock()
	var toSuspect, toKill []NodeID
	for id, m := range ml.members {
		if id == ml.self || m.State == StateDead {
			continue
		}
		if m.State == StateAlive && pd.Suspected(id, now) {
			toSuspect = append(toSuspect, id)
		}
		if m.State == StateSuspect && now.Sub(m.LastUpdate) > deadAfter {
			toKill = append(toKill, id)
		}
	}
	changed := false
	for _, id := range toSuspect {
		m := ml.members[id]
		m.State = StateSuspect
		m.Incarnation++
		m.LastUpdate = now
		changed = true
	}
	for _, id := range toKill {
		m := ml.members[id]
		m.State = StateDead
		m.LastUpdate = now
		changed = true
	}
	view := ml.viewLocked()
	handler := ml.onViewChange
	ml.mu.Unlock()

	if changed && handler != nil {
		handler(view)
	}
}

// Addrs implements gossip.PeerSet for UDPTransport's multicast fan-out.
func (ml *memberList) Addrs() []string {
	ml.mu.Lock()
	defer ml.mu.Unlock()
	out := make([]string, 0, len(ml.members))
	for _, m := range ml.members {
		if m.State != StateDead {
			out = append(out, m.Addr)
		}
	}
	return out
}

// View computes the current group.View over every Alive or Suspect member
// (Dead members are excluded entirely, matching spec.md §4.2's "remove
// departed members' windows" VIEW_CHANGE semantics).
func (ml *memberList) View() group.View {
	ml.mu.Lock()
	defer ml.mu.Unlock()
	return ml.viewLocked()
}

func (ml *memberList) viewLocked() group.View {
	ml.viewCounter++
	var addrs []group.Address
	for _, m := range ml.members {
		if m.State == StateDead {
			continue
		}
		addrs = append(addrs, group.NewAddress(string(m.ID), m.Addr))
	}
	coord := addrs[0]
	for _, a := range addrs[1:] {
		if a.Less(coord) {
			coord = a
		}
	}
	return group.NewView(ml.viewCounter, coord, addrs)
}
