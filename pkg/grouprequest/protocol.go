package grouprequest

import (
	"sync"
	"time"

	"github.com/ryandielhenn/vsgroup/internal/telemetry"
	"github.com/ryandielhenn/vsgroup/pkg/group"
	"github.com/ryandielhenn/vsgroup/pkg/pipeline"
)

// Protocol is the GroupRequest dispatcher (spec.md §4.4), the topmost of
// the three core layers in the stack (spec.md §2 dataflow: application ⇄
// GroupRequest ⇄ FLUSH ⇄ NAKACK ⇄ transport). It assigns each Dispatch call
// a request id, correlates replies by that id, and feeds VIEW_CHANGE and
// SUSPECT events to every outstanding Request.
type Protocol struct {
	pipeline.Base

	local  group.Address
	logger Logger

	mu      sync.Mutex
	view    group.View
	nextID  uint64
	pending map[uint64]*Request
}

// NewProtocol creates a GroupRequest protocol instance for local.
func NewProtocol(local group.Address, logger Logger) *Protocol {
	if logger == nil {
		logger = NopLogger
	}
	return &Protocol{
		local:   local,
		logger:  logger,
		pending: make(map[uint64]*Request),
	}
}

func (p *Protocol) Name() string { return "GROUP_REQUEST" }

// Dispatch issues payload to recipients (nil means every current view
// member) and returns the Request tracking responses. broadcast sends one
// multicast Message; otherwise the same payload is anycast — one unicast
// per recipient (spec.md glossary's Anycast definition).
func (p *Protocol) Dispatch(payload []byte, recipients []group.Address, broadcast bool, cfg Config) *Request {
	p.mu.Lock()
	id := p.nextID
	p.nextID++
	if recipients == nil {
		recipients = append([]group.Address(nil), p.view.Members...)
	}
	p.mu.Unlock()

	req := New(recipients, cfg, p.logger)

	p.mu.Lock()
	p.pending[id] = req
	p.mu.Unlock()
	start := time.Now()
	go func() {
		<-req.doneCh
		telemetry.GroupRequestDuration.WithLabelValues(cfg.Policy.String()).Observe(time.Since(start).Seconds())
		p.mu.Lock()
		delete(p.pending, id)
		p.mu.Unlock()
	}()

	hdr := group.GroupReqHeader{RequestId: id, IsResponse: false}
	if broadcast {
		msg := &group.Message{
			Source:  p.local,
			Headers: map[string]group.Header{group.HeaderGroupReq: hdr},
			Payload: payload,
		}
		p.PassDown(pipeline.Event{Kind: pipeline.EvMsg, Msg: msg})
	} else {
		for _, dest := range recipients {
			msg := &group.Message{
				Source:  p.local,
				Dest:    dest,
				Headers: map[string]group.Header{group.HeaderGroupReq: hdr},
				Payload: payload,
			}
			p.PassDown(pipeline.Event{Kind: pipeline.EvMsg, Msg: msg})
		}
	}
	req.MarkSent()
	return req
}

// Reply sends a response to an incoming request (identified by requestID,
// read from the incoming Message's GroupReqHeader) back to dest.
func (p *Protocol) Reply(dest group.Address, requestID uint64, payload []byte) {
	hdr := group.GroupReqHeader{RequestId: requestID, IsResponse: true}
	msg := &group.Message{
		Source:  p.local,
		Dest:    dest,
		Headers: map[string]group.Header{group.HeaderGroupReq: hdr},
		Payload: payload,
	}
	p.PassDown(pipeline.Event{Kind: pipeline.EvMsg, Msg: msg})
}

// HandleDown implements pipeline.Protocol. GroupRequest only originates
// events via Dispatch/Reply; anything arriving through the normal chain is
// simply forwarded.
func (p *Protocol) HandleDown(evt pipeline.Event) {
	p.PassDown(evt)
}

// HandleUp implements pipeline.Protocol.
func (p *Protocol) HandleUp(evt pipeline.Event) {
	switch evt.Kind {
	case pipeline.EvMsg:
		msg := evt.Msg
		hdrI, ok := msg.Headers[group.HeaderGroupReq]
		if !ok {
			p.PassUp(evt)
			return
		}
		hdr := hdrI.(group.GroupReqHeader)
		if !hdr.IsResponse {
			// An incoming call for the application to answer; pass it up
			// so the application can call Reply with the header's id.
			p.PassUp(evt)
			return
		}
		p.mu.Lock()
		req := p.pending[hdr.RequestId]
		p.mu.Unlock()
		if req == nil {
			p.logger.Debugw("response for unknown or already-completed request", "id", hdr.RequestId, "from", msg.Source)
			return
		}
		req.ReceiveResponse(msg.Source, msg.Payload)

	case pipeline.EvViewChange:
		p.mu.Lock()
		p.view = *evt.View
		reqs := p.snapshotPendingLocked()
		p.mu.Unlock()
		for _, r := range reqs {
			r.ViewChange(*evt.View)
		}
		p.PassUp(evt)

	case pipeline.EvSuspect:
		p.mu.Lock()
		reqs := p.snapshotPendingLocked()
		p.mu.Unlock()
		for _, r := range reqs {
			r.Suspect(evt.Addr)
		}
		p.PassUp(evt)

	default:
		p.PassUp(evt)
	}
}

func (p *Protocol) snapshotPendingLocked() []*Request {
	out := make([]*Request, 0, len(p.pending))
	for _, r := range p.pending {
		out = append(out, r)
	}
	return out
}
