package group

import "sort"

// ViewId is a monotonically increasing pair: the address of the process that
// installed the view, and a per-coordinator counter.
type ViewId struct {
	Coord   Address
	Counter uint64
}

// Less orders ViewIds by counter, then by coordinator as a tiebreak. Callers
// normally only compare ViewIds with the same coordinator.
func (v ViewId) Less(o ViewId) bool {
	if v.Counter != o.Counter {
		return v.Counter < o.Counter
	}
	return v.Coord.Less(o.Coord)
}

// View is an immutable, agreed cluster membership snapshot. Members[0] is
// always the coordinator — the smallest Address in the view.
type View struct {
	Id      ViewId
	Members []Address
}

// NewView sorts members by address, so the smallest is Members[0] and thus
// the coordinator. ViewId.Coord is set to coord as given; it is not checked
// against Members[0].
func NewView(counter uint64, coord Address, members []Address) View {
	sorted := append([]Address(nil), members...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Less(sorted[j]) })
	return View{Id: ViewId{Coord: coord, Counter: counter}, Members: sorted}
}

// Coordinator returns the first (smallest) member of the view.
func (v View) Coordinator() Address {
	if len(v.Members) == 0 {
		return Address{}
	}
	return v.Members[0]
}

// Contains reports whether addr is a member of v.
func (v View) Contains(addr Address) bool {
	for _, m := range v.Members {
		if m == addr {
			return true
		}
	}
	return false
}

// Intersect returns the members present in both v and other, preserving v's
// order. Used by FLUSH to compute SUSPEND's participant set.
func (v View) Intersect(other View) []Address {
	out := make([]Address, 0, len(v.Members))
	for _, m := range v.Members {
		if other.Contains(m) {
			out = append(out, m)
		}
	}
	return out
}

// Without returns a copy of v.Members with addr removed.
func (v View) Without(addr Address) []Address {
	out := make([]Address, 0, len(v.Members))
	for _, m := range v.Members {
		if m != addr {
			out = append(out, m)
		}
	}
	return out
}

// MergeView is a View tagged as the fusion of two or more previously
// disjoint subgroups. Subgroups holds the pre-merge views being fused.
type MergeView struct {
	View
	Subgroups []View
}
