package node

import (
	"github.com/ryandielhenn/vsgroup/pkg/gossip"
	"github.com/ryandielhenn/vsgroup/pkg/kv"
	"github.com/ryandielhenn/vsgroup/pkg/ring"
)

// Node is the HTTP-facing wrapper around the sample application: it owns
// the consistent-hash ring used to route a key to its owning process and
// the gossiper that keeps that ring (and the group's View) up to date.
// The actual replicated state lives behind app, which talks to the
// group communication stack.
type Node struct {
	app      *kv.Application
	ring     *ring.HashRing
	gossiper *gossip.Gossiper
	addr     string
	rf       int
}

func NewNode(app *kv.Application, r *ring.HashRing, gsp *gossip.Gossiper, addr string) *Node {
	return NewNodeRF(app, r, gsp, addr, 3)
}

func NewNodeRF(app *kv.Application, r *ring.HashRing, gsp *gossip.Gossiper, addr string, replicationFactor int) *Node {
	return &Node{
		app:      app,
		ring:     r,
		gossiper: gsp,
		addr:     addr,
		rf:       replicationFactor,
	}
}

func (n *Node) AddPeer(id string, hostport string) {
	n.ring.Add(id, hostport)
}

func (n *Node) ClearPeers() {
	n.ring.Clear()
}

func (n *Node) Addr() string {
	return n.addr
}
