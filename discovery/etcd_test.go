package discovery

import (
	"testing"

	"github.com/ryandielhenn/vsgroup/pkg/group"
)

// viewLocked only touches vp.peers/vp.local/vp.counter, none of which
// require a live etcd client, so it's exercised directly here.
func TestViewProviderViewLockedOrdersAndCoordinates(t *testing.T) {
	vp := &ViewProvider{
		local: group.NewAddress("a", "addr-a"),
		peers: map[string]string{
			"c": "addr-c",
			"a": "addr-a",
			"b": "addr-b",
		},
	}

	v := vp.viewLocked()
	if len(v.Members) != 3 {
		t.Fatalf("len(Members) = %d, want 3", len(v.Members))
	}
	if v.Members[0].ID() != "a" || v.Members[1].ID() != "b" || v.Members[2].ID() != "c" {
		t.Fatalf("Members not sorted by id: %+v", v.Members)
	}
	if v.Coordinator().ID() != "a" {
		t.Fatalf("Coordinator = %s, want a", v.Coordinator().ID())
	}
}

func TestViewProviderViewLockedFallsBackToLocalWhenPeersEmpty(t *testing.T) {
	vp := &ViewProvider{
		local: group.NewAddress("solo", "addr-solo"),
		peers: map[string]string{},
	}

	v := vp.viewLocked()
	if len(v.Members) != 1 || v.Members[0].ID() != "solo" {
		t.Fatalf("expected a single-member view of local, got %+v", v.Members)
	}
}
