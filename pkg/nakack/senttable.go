package nakack

import (
	"sort"
	"sync"

	"github.com/ryandielhenn/vsgroup/pkg/group"
)

// SentTable is NAKACK's ordered seqno -> message mapping for locally
// multicast messages, truncated by the stability protocol (spec.md §3).
// Guarded by its own mutex, separate from any Window's lock, per spec.md §5.
type SentTable struct {
	mu      sync.Mutex
	entries map[uint64]*group.Message
	highest uint64
}

func NewSentTable() *SentTable {
	return &SentTable{entries: make(map[uint64]*group.Message)}
}

// Append stores msg under seqno. Callers are responsible for assigning
// strictly increasing seqnos (NAKACK.Protocol does this atomically).
func (t *SentTable) Append(seqno uint64, msg *group.Message) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries[seqno] = msg
	if seqno > t.highest {
		t.highest = seqno
	}
}

// Get returns the message stored at seqno, used to serve XMIT_REQ for
// messages this process originated.
func (t *SentTable) Get(seqno uint64) (*group.Message, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	m, ok := t.entries[seqno]
	return m, ok
}

// GetRange returns the messages in [low, high] that are still present, in
// seqno order. Missing seqnos are simply omitted (spec.md §7: "Missing
// message on XMIT_REQ ... logged, skipped, not fatal").
func (t *SentTable) GetRange(low, high uint64) []*group.Message {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []*group.Message
	var seqnos []uint64
	for seqno := range t.entries {
		if seqno >= low && seqno <= high {
			seqnos = append(seqnos, seqno)
		}
	}
	sort.Slice(seqnos, func(i, j int) bool { return seqnos[i] < seqnos[j] })
	for _, s := range seqnos {
		out = append(out, t.entries[s])
	}
	return out
}

// TruncateTo drops every entry with seqno <= upTo.
func (t *SentTable) TruncateTo(upTo uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for seqno := range t.entries {
		if seqno <= upTo {
			delete(t.entries, seqno)
		}
	}
}

// Reset clears the table (DISCONNECT).
func (t *SentTable) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries = make(map[uint64]*group.Message)
	t.highest = 0
}

// Highest returns the highest seqno ever appended.
func (t *SentTable) Highest() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.highest
}
