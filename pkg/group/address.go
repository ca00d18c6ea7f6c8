// Package group defines the shared data model that NAKACK, FLUSH and
// GroupRequest all speak: addresses, views, digests, messages and headers.
package group

import "fmt"

// Address is an opaque, comparable process identifier with a stable total
// ordering. The ordering is used to pick the coordinator of a view (the
// smallest address), so it must be consistent across all correct members.
type Address struct {
	id   string
	addr string
}

// NewAddress builds an Address from a cluster-unique id and a transport
// address (host:port, or whatever the transport collaborator understands).
func NewAddress(id, addr string) Address {
	return Address{id: id, addr: addr}
}

func (a Address) ID() string   { return a.id }
func (a Address) Addr() string { return a.addr }

func (a Address) String() string {
	return fmt.Sprintf("%s(%s)", a.id, a.addr)
}

// Less reports whether a sorts before b under the total order used to pick
// a view's coordinator. Ties on id never happen for distinct members of a
// view, but we break on addr too so Less is a strict weak order regardless.
func (a Address) Less(b Address) bool {
	if a.id != b.id {
		return a.id < b.id
	}
	return a.addr < b.addr
}

// IsZero reports whether a is the zero Address (no identity assigned yet).
func (a Address) IsZero() bool {
	return a.id == "" && a.addr == ""
}
