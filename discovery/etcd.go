// Package discovery is the etcd-backed ViewProvider: spec.md §1 names
// discovery as an external collaborator the core components (NAKACK,
// FLUSH, GroupRequest) never talk to directly. It registers this
// process's address under a leased key, watches the cluster prefix, and
// turns etcd put/delete events into pipeline.Event{Kind: EvViewChange}
// events fed into the stack from outside.
package discovery

import (
	"context"
	"sort"
	"strings"
	"time"

	"go.etcd.io/etcd/client/v3"

	"github.com/ryandielhenn/vsgroup/pkg/group"
	"github.com/ryandielhenn/vsgroup/pkg/pipeline"
)

const nodesPrefix = "/vsgroup/nodes/"

func NewClient(endpoints []string) (*clientv3.Client, error) {
	return clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: 5 * time.Second,
	})
}

// RegisterNode puts this process's address under a leased key so it
// disappears from the prefix automatically if the process dies without
// deregistering. The caller is responsible for keeping the lease alive
// for as long as the process should be considered a member.
func RegisterNode(cli *clientv3.Client, id, addr string, ttl int64) (clientv3.LeaseID, error) {
	lease, err := cli.Grant(context.TODO(), ttl)
	if err != nil {
		return 0, err
	}
	key := nodesPrefix + id
	_, err = cli.Put(context.TODO(), key, addr, clientv3.WithLease(lease.ID))
	if err != nil {
		return 0, err
	}

	ch, err := cli.KeepAlive(context.TODO(), lease.ID)
	if err != nil {
		return 0, err
	}
	go func() {
		for range ch {
			// Drain acks; KeepAlive stops on lease revocation or ctx
			// cancellation, at which point the channel closes and this
			// goroutine exits.
		}
	}()

	return lease.ID, nil
}

// GetPeers lists every currently-registered node under nodesPrefix as an
// id -> addr map, along with the etcd revision the snapshot was read at
// (NewViewProvider starts its watch just after that revision, so no event
// between the initial list and the watch starting is missed).
func GetPeers(cli *clientv3.Client) (map[string]string, int64, error) {
	resp, err := cli.Get(context.TODO(), nodesPrefix, clientv3.WithPrefix())
	if err != nil {
		return nil, 0, err
	}
	peers := make(map[string]string, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		id := strings.TrimPrefix(string(kv.Key), nodesPrefix)
		peers[id] = string(kv.Value)
	}
	return peers, resp.Header.Revision, nil
}

// ViewProvider watches the etcd node prefix and maintains this process's
// best-known View, bridging discovery into the pipeline as the
// "discovery emits VIEW_CHANGE" collaborator spec.md §6 describes. It
// never reaches into NAKACK/FLUSH/GroupRequest directly — it only emits
// events for whatever holds its Events() channel to feed up the stack via
// pipeline.Stack.Up.
type ViewProvider struct {
	cli      *clientv3.Client
	local    group.Address
	counter  uint64
	peers    map[string]string // id -> addr, seeded with self by NewViewProvider
	events   chan pipeline.Event
	stop     chan struct{}
}

// NewViewProvider seeds a ViewProvider from an initial GetPeers snapshot
// (which must include local's own id/addr, already registered via
// RegisterNode) and starts watching for further changes from that
// snapshot's revision onward.
func NewViewProvider(cli *clientv3.Client, localID, localAddr string) (*ViewProvider, error) {
	peers, rev, err := GetPeers(cli)
	if err != nil {
		return nil, err
	}
	if _, ok := peers[localID]; !ok {
		peers[localID] = localAddr
	}
	vp := &ViewProvider{
		cli:     cli,
		local:   group.NewAddress(localID, localAddr),
		peers:   peers,
		events:  make(chan pipeline.Event, 16),
		stop:    make(chan struct{}),
	}
	view := vp.viewLocked()
	vp.events <- pipeline.Event{Kind: pipeline.EvViewChange, View: &view}
	go vp.watch(rev + 1)
	return vp, nil
}

// Events returns the channel of VIEW_CHANGE (and, on close, no further)
// events this provider emits. The node wiring layer is expected to range
// over this and pass each event to Stack.Up.
func (vp *ViewProvider) Events() <-chan pipeline.Event {
	return vp.events
}

// Close stops the underlying watch.
func (vp *ViewProvider) Close() {
	close(vp.stop)
}

func (vp *ViewProvider) watch(fromRevision int64) {
	wch := vp.cli.Watch(context.TODO(), nodesPrefix, clientv3.WithPrefix(), clientv3.WithRev(fromRevision))
	for {
		select {
		case <-vp.stop:
			return
		case wresp, ok := <-wch:
			if !ok {
				return
			}
			changed := false
			for _, ev := range wresp.Events {
				id := strings.TrimPrefix(string(ev.Kv.Key), nodesPrefix)
				switch ev.Type {
				case clientv3.EventTypePut:
					vp.peers[id] = string(ev.Kv.Value)
					changed = true
				case clientv3.EventTypeDelete:
					delete(vp.peers, id)
					changed = true
				}
			}
			if !changed {
				continue
			}
			view := vp.viewLocked()
			select {
			case vp.events <- pipeline.Event{Kind: pipeline.EvViewChange, View: &view}:
			case <-vp.stop:
				return
			}
		}
	}
}

// viewLocked builds a group.View from the current peer snapshot. Not
// actually mutex-guarded: NewViewProvider calls it once before starting
// watch(), and from then on watch() is the sole writer and reader of
// vp.peers, so there is never a concurrent access to race against.
func (vp *ViewProvider) viewLocked() group.View {
	vp.counter++
	ids := make([]string, 0, len(vp.peers))
	for id := range vp.peers {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	addrs := make([]group.Address, 0, len(vp.peers))
	for _, id := range ids {
		addrs = append(addrs, group.NewAddress(id, vp.peers[id]))
	}
	if len(addrs) == 0 {
		addrs = []group.Address{vp.local}
	}
	coord := addrs[0]
	for _, a := range addrs[1:] {
		if a.Less(coord) {
			coord = a
		}
	}
	return group.NewView(vp.counter, coord, addrs)
}
