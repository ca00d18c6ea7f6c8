// Package gossip implements a gossip-based membership and failure detection
// subsystem. It defines an abstract Transport interface and provides simple
// message types (heartbeat, membership rumors, etc.) and a pluggable
// failure detector. The goal is to allow nodes in a cluster to discover
// each other, share liveness information, and react to changes.
//
// Typical usage:
//
//   g := gossip.New(gossip.DefaultConfig("node1", addr), transport)
//   g.Start()
//   defer g.Stop()
//
// The caller supplies the Transport: NewChannelTransport runs in process
// (for testing), NewUDPTransport over the network.
package gossip
