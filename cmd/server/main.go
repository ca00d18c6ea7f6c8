package main

import (
	"fmt"
	"log"
	"net/http"
	"os"
	"strconv"

	"github.com/ryandielhenn/vsgroup/discovery"
	"github.com/ryandielhenn/vsgroup/internal/telemetry"
	"github.com/ryandielhenn/vsgroup/pkg/flush"
	"github.com/ryandielhenn/vsgroup/pkg/gossip"
	"github.com/ryandielhenn/vsgroup/pkg/group"
	"github.com/ryandielhenn/vsgroup/pkg/grouprequest"
	"github.com/ryandielhenn/vsgroup/pkg/kv"
	"github.com/ryandielhenn/vsgroup/pkg/nakack"
	"github.com/ryandielhenn/vsgroup/pkg/node"
	"github.com/ryandielhenn/vsgroup/pkg/pipeline"
	"github.com/ryandielhenn/vsgroup/pkg/ring"
	"github.com/ryandielhenn/vsgroup/pkg/vlog"
)

func main() {
	id := os.Getenv("SELF_ID")
	addr := os.Getenv("SELF_ADDR")         // the group-stack wire address, e.g. 10.0.0.5:7800
	gossipAddr := os.Getenv("GOSSIP_ADDR") // the membership/SWIM address, e.g. 10.0.0.5:7946

	rf := 2
	if v := os.Getenv("REPLICATION_FACTOR"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			rf = n
		}
	}

	local := group.NewAddress(id, addr)

	logger, err := vlog.NewProduction()
	if err != nil {
		log.Fatal(err)
	}

	// 1. Gossip membership: a UDP socket carrying SWIM probe/ack traffic,
	// independent of the group stack's own wire socket below. It is stood
	// up first because the stack's transport handler needs its Members()
	// to fan a multicast Message out to every live peer.
	gcfg := gossip.DefaultConfig(gossip.NodeID(id), gossipAddr)
	gxport, err := gossip.NewUDPTransport(gossipAddr)
	if err != nil {
		log.Fatal(err)
	}
	gossiper := gossip.New(gcfg, gxport)

	// 2. Stand up the group communication stack: application ⇄
	// GroupRequest ⇄ FLUSH ⇄ NAKACK ⇄ transport.
	nakProto := nakack.NewProtocol(local, nakack.DefaultConfig(), logger)
	flushProto := flush.NewProtocol(local, flush.DefaultConfig(), logger)
	reqProto := grouprequest.NewProtocol(local, logger)
	stack := pipeline.NewStack(reqProto, flushProto, nakProto)

	// 3. Wire the stack's transport side to a UDP socket carrying framed
	// group.Message traffic, separate from the gossip SWIM socket above.
	xport, err := gossip.NewUDPTransport(addr)
	if err != nil {
		log.Fatal(err)
	}
	stack.SetTransportHandler(func(evt pipeline.Event) {
		if evt.Kind != pipeline.EvMsg || evt.Msg == nil {
			return
		}
		raw := group.EncodeMessage(*evt.Msg)
		if evt.Msg.IsMulticast() {
			for _, member := range gossiper.Members() {
				if string(member.ID) == local.ID() || member.State == gossip.StateDead {
					continue
				}
				_ = xport.Send(member.Addr, raw)
			}
			return
		}
		_ = xport.Send(evt.Msg.Dest.Addr(), raw)
	})
	xport.SetReceiver(func(from string, raw []byte) {
		msg, err := group.DecodeMessage(raw)
		if err != nil {
			log.Printf("[wire] dropping malformed message from %s: %v", from, err)
			return
		}
		stack.Up(pipeline.Event{Kind: pipeline.EvMsg, Msg: &msg})
	})

	// 4. Sample application atop the stack.
	store := kv.NewStore(64 << 20) // 64MB default cap for MVP
	app := kv.NewApplication(local, store, stack, reqProto, logger)

	// 5. Routing ring and the node HTTP wrapper.
	r := ring.New(128, nil)
	r.Add(id, addr)
	n := node.NewNodeRF(app, r, gossiper, addr, rf)

	gossiper.SetViewChangeHandler(func(v group.View) {
		n.ClearPeers()
		for _, m := range gossiper.Members() {
			n.AddPeer(string(m.ID), node.NormalizeHostPort(m.Addr, "8080"))
		}
		stack.Up(pipeline.Event{Kind: pipeline.EvViewChange, View: &v})
	})

	// 6. etcd-backed discovery seeds the gossiper with its initial peer
	// set and keeps this process's own registration alive.
	cli, err := discovery.NewClient([]string{envOr("ETCD_ENDPOINTS", "http://etcd:2379")})
	if err != nil {
		log.Fatal(err)
	}
	defer cli.Close()

	if _, err := discovery.RegisterNode(cli, id, gossipAddr, 10); err != nil {
		log.Fatal(err)
	}
	peers, _, err := discovery.GetPeers(cli)
	if err != nil {
		log.Fatal(err)
	}
	for peerID, peerAddr := range peers {
		if peerID == id {
			continue
		}
		gossiper.Join(gossip.NodeID(peerID), peerAddr)
	}

	gossiper.Start()
	defer gossiper.Stop()

	// 7. Wire up HTTP node endpoints.
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", n.Healthz)
	mux.HandleFunc("/info", n.Info)
	mux.Handle("/metrics", telemetry.MetricsHandler())
	mux.HandleFunc("/kv/", func(w http.ResponseWriter, req *http.Request) {
		op := methodToOp(req.Method) // "get" | "put" | "post" | "delete" | "other"
		telemetry.Instrument(op, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			switch r.Method {
			case http.MethodPut, http.MethodPost:
				n.Put(w, r)
			case http.MethodGet:
				n.Get(w, r)
			case http.MethodDelete:
				n.Del(w, r)
			default:
				http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			}
		})).ServeHTTP(w, req)
	})

	listenAddr := envOr("HTTP_ADDR", ":8080")
	fmt.Println("vsgroup node listening on", listenAddr)
	if err := http.ListenAndServe(listenAddr, mux); err != nil {
		log.Fatal(err)
	}
}

func methodToOp(m string) string {
	switch m {
	case http.MethodGet:
		return "get"
	case http.MethodPut:
		return "put"
	case http.MethodPost:
		return "post"
	case http.MethodDelete:
		return "delete"
	default:
		return "other"
	}
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
