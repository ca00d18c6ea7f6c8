package grouprequest

import (
	"testing"
	"time"

	"github.com/ryandielhenn/vsgroup/pkg/group"
	"github.com/ryandielhenn/vsgroup/pkg/pipeline"
)

// wireReplyingPeer builds a Protocol that auto-replies to any inbound call
// by echoing its payload back, simulating an application above it.
func wireReplyingPeer(local group.Address, route func(group.Address, pipeline.Event)) *Protocol {
	p := NewProtocol(local, NopLogger)
	p.SetDownHandler(func(evt pipeline.Event) { route(local, evt) })
	p.SetUpHandler(func(evt pipeline.Event) {
		if evt.Kind != pipeline.EvMsg {
			return
		}
		hdrI, ok := evt.Msg.Headers[group.HeaderGroupReq]
		if !ok {
			return
		}
		hdr := hdrI.(group.GroupReqHeader)
		if hdr.IsResponse {
			return
		}
		p.Reply(evt.Msg.Source, hdr.RequestId, append([]byte(nil), evt.Msg.Payload...))
	})
	return p
}

func TestDispatchAnycastCollectsResponses(t *testing.T) {
	a := group.NewAddress("a", "a")
	b := group.NewAddress("b", "b")
	c := group.NewAddress("c", "c")
	view := group.NewView(1, a, []group.Address{a, b, c})

	peers := map[group.Address]*Protocol{}
	route := func(from group.Address, evt pipeline.Event) {
		if evt.Kind != pipeline.EvMsg {
			return
		}
		if dest, ok := peers[evt.Msg.Dest]; ok && !evt.Msg.Dest.IsZero() {
			go dest.HandleUp(evt)
		}
	}
	peers[a] = wireReplyingPeer(a, route)
	peers[b] = wireReplyingPeer(b, route)
	peers[c] = wireReplyingPeer(c, route)
	for _, p := range peers {
		p.HandleUp(pipeline.Event{Kind: pipeline.EvViewChange, View: &view})
	}

	req := peers[a].Dispatch([]byte("ping"), []group.Address{b, c}, false, Config{Policy: PolicyAll})
	resp, ok := req.GetTimeout(time.Second)
	if !ok {
		t.Fatal("expected completion within timeout")
	}
	if len(resp) != 2 {
		t.Fatalf("expected 2 responses, got %d", len(resp))
	}
	for addr, r := range resp {
		if !r.Received || string(r.Value) != "ping" {
			t.Fatalf("recipient %v: expected a received echo, got %+v", addr, r)
		}
	}
}

func TestDispatchSuspectViaViewChangeUnblocksMajority(t *testing.T) {
	a := group.NewAddress("a", "a")
	b := group.NewAddress("b", "b")
	c := group.NewAddress("c", "c")

	p := NewProtocol(a, NopLogger)
	p.SetDownHandler(func(pipeline.Event) {})
	view := group.NewView(1, a, []group.Address{a, b, c})
	p.HandleUp(pipeline.Event{Kind: pipeline.EvViewChange, View: &view})

	req := p.Dispatch([]byte("x"), []group.Address{a, b, c}, true, Config{Policy: PolicyMajority})
	p.HandleUp(pipeline.Event{Kind: pipeline.EvMsg, Msg: &group.Message{
		Source:  a,
		Headers: map[string]group.Header{group.HeaderGroupReq: group.GroupReqHeader{RequestId: 0, IsResponse: true}},
		Payload: []byte("ack"),
	}})

	newView := group.NewView(2, a, []group.Address{a, c})
	p.HandleUp(pipeline.Event{Kind: pipeline.EvViewChange, View: &newView})

	if !req.Done() {
		t.Fatal("expected MAJORITY satisfied once b departed the view and a responded")
	}
}
