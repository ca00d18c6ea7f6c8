package nakack

import (
	"math/rand"
	"sync"
	"time"

	"github.com/ryandielhenn/vsgroup/internal/telemetry"
	"github.com/ryandielhenn/vsgroup/pkg/group"
	"github.com/ryandielhenn/vsgroup/pkg/pipeline"
)

// Protocol is the NAKACK layer (spec.md §4.2): it assigns seqnos, reorders,
// drives retransmission, exchanges digests, and rebroadcasts on join/merge.
// It satisfies pipeline.Protocol.
type Protocol struct {
	pipeline.Base

	local  group.Address
	cfg    Config
	logger Logger

	mu            sync.Mutex
	isServer      bool
	view          group.View
	windows       map[group.Address]*Window
	deliveryLocks map[group.Address]*sync.Mutex

	sent *SentTable

	// selfMu serializes local multicast send + immediate self-delivery, so
	// the local process observes its own messages in strict seqno order
	// (spec.md §5: "exactly one upward caller at a time" per sender,
	// including the sender's own delivery to itself).
	selfMu     sync.Mutex
	localSeqno uint64

	rebroadcastMu       sync.Mutex
	rebroadcastCancelCh chan struct{}

	rngMu sync.Mutex
	rng   *rand.Rand
}

// NewProtocol creates a NAKACK protocol instance for local, with the given
// tunables and logger (nil logger defaults to NopLogger).
func NewProtocol(local group.Address, cfg Config, logger Logger) *Protocol {
	if logger == nil {
		logger = NopLogger
	}
	if len(cfg.RetransmitIntervals) == 0 {
		cfg.RetransmitIntervals = DefaultRetransmitIntervals
	}
	return &Protocol{
		local:         local,
		cfg:           cfg,
		logger:        logger,
		windows:       make(map[group.Address]*Window),
		deliveryLocks: make(map[group.Address]*sync.Mutex),
		sent:          NewSentTable(),
		rng:           rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (p *Protocol) Name() string { return "NAKACK" }

// HandleDown implements pipeline.Protocol.
func (p *Protocol) HandleDown(evt pipeline.Event) {
	switch evt.Kind {
	case pipeline.EvMsg:
		msg := evt.Msg
		if msg.IsMulticast() {
			p.selfMu.Lock()
			p.localSeqno++
			seqno := p.localSeqno
			if msg.Headers == nil {
				msg.Headers = map[string]group.Header{}
			}
			msg.Source = p.local
			msg.Headers[group.HeaderNakAck] = group.NakAckHeader{Type: group.NakAckMsg, Seqno: seqno}
			p.sent.Append(seqno, msg)
			p.PassDown(evt)
			// The local process delivers its own multicasts to its own
			// application immediately and in seqno order: there is no
			// network between a sender and itself for these to reorder
			// across, so no receive window is needed for the local sender.
			p.PassUp(pipeline.Event{Kind: pipeline.EvMsg, Msg: msg})
			p.selfMu.Unlock()
			return
		}
		p.PassDown(evt)

	case pipeline.EvStable:
		p.handleStable(evt.Digest)

	case pipeline.EvGetDigest:
		d := p.GetDigest()
		p.completeDigestQuery(evt, d)

	case pipeline.EvGetDigestStable:
		d := p.GetDigestStable()
		p.completeDigestQuery(evt, d)

	case pipeline.EvSetDigest:
		p.setDigest(evt.Digest)

	case pipeline.EvMergeDigest:
		p.mergeDigest(evt.Digest)

	case pipeline.EvRebroadcast:
		p.startRebroadcast(evt.RebroadcastTarget, evt.Done, evt.Result)

	case pipeline.EvDisconnect:
		p.handleDisconnect()

	case pipeline.EvConfig:
		if evt.High > 0 {
			p.mu.Lock()
			p.cfg.MaxXmitSize = int(evt.High)
			p.mu.Unlock()
		}
		p.PassDown(evt)

	default:
		p.PassDown(evt)
	}
}

func (p *Protocol) completeDigestQuery(evt pipeline.Event, d group.Digest) {
	if evt.DigestOut != nil {
		*evt.DigestOut = d
	}
	if evt.Done != nil {
		close(evt.Done)
	}
}

// HandleUp implements pipeline.Protocol.
func (p *Protocol) HandleUp(evt pipeline.Event) {
	switch evt.Kind {
	case pipeline.EvMsg:
		msg := evt.Msg
		hdrI, ok := msg.Headers[group.HeaderNakAck]
		if !ok {
			// Header absent on MSG: not for this layer, pass through unchanged.
			p.PassUp(evt)
			return
		}
		hdr := hdrI.(group.NakAckHeader)
		switch hdr.Type {
		case group.NakAckMsg:
			p.handleDataMsg(msg, hdr, evt.OOB)
		case group.NakAckXmitReq:
			p.handleXmitReq(msg, hdr)
		case group.NakAckXmitRsp:
			p.handleXmitRsp(msg)
		}

	case pipeline.EvViewChange:
		p.handleViewChange(*evt.View, true)
		p.PassUp(evt)

	case pipeline.EvTmpView:
		p.handleViewChange(*evt.View, false)
		p.PassUp(evt)

	case pipeline.EvSuspect:
		p.handleSuspect(evt.Addr)
		p.PassUp(evt)

	default:
		p.PassUp(evt)
	}
}

func (p *Protocol) handleDataMsg(msg *group.Message, hdr group.NakAckHeader, oob bool) {
	if !p.isServerNow() {
		return
	}
	src := msg.Source
	w := p.getWindow(src)
	if w == nil {
		p.logger.Warnw("dropping MSG from non-member", "sender", src)
		return
	}
	added := w.Add(hdr.Seqno, msg, oob)
	if added && oob {
		p.PassUp(pipeline.Event{Kind: pipeline.EvMsg, Msg: msg, OOB: true})
	}

	lock := p.deliveryLockFor(src)
	lock.Lock()
	defer lock.Unlock()
	for {
		m, isOOB, ok := w.Remove()
		if !ok {
			break
		}
		if isOOB {
			continue
		}
		p.PassUp(pipeline.Event{Kind: pipeline.EvMsg, Msg: m})
	}
}

func (p *Protocol) handleXmitReq(req *group.Message, hdr group.NakAckHeader) {
	origSender := hdr.OriginalSender
	var msgs []*group.Message
	if origSender == p.local {
		msgs = p.sent.GetRange(hdr.Low, hdr.High)
	} else if w := p.getWindow(origSender); w != nil {
		for seqno := hdr.Low; seqno <= hdr.High; seqno++ {
			if m, ok := w.Get(seqno); ok {
				msgs = append(msgs, m)
			} else {
				p.logger.Warnw("missing message for xmit request", "sender", origSender, "seqno", seqno)
			}
		}
	}
	if len(msgs) == 0 {
		telemetry.RetransmitRequestsServed.WithLabelValues("miss").Inc()
		return
	}
	telemetry.RetransmitRequestsServed.WithLabelValues("hit").Inc()

	dest := req.Source
	if p.cfg.UseMcastXmit {
		dest = group.Address{}
	}
	for _, batch := range bundle(msgs, p.cfg.MaxXmitSize) {
		out := &group.Message{
			Source: p.local,
			Dest:   dest,
			Headers: map[string]group.Header{
				group.HeaderNakAck: group.NakAckHeader{Type: group.NakAckXmitRsp, Low: hdr.Low, High: hdr.High},
			},
			Payload: encodeBundle(batch),
		}
		p.PassDown(pipeline.Event{Kind: pipeline.EvMsg, Msg: out})
	}
}

func (p *Protocol) handleXmitRsp(msg *group.Message) {
	msgs, err := decodeBundle(msg.Payload)
	if err != nil {
		// Serialization failure is fatal to this XMIT_RSP only; the
		// requester's retransmit task is still pending and will reissue.
		p.logger.Errorw("failed to decode xmit response", "err", err)
		return
	}
	for _, m := range msgs {
		p.HandleUp(pipeline.Event{Kind: pipeline.EvMsg, Msg: m})
	}
}

func (p *Protocol) handleStable(d group.Digest) {
	for sender, e := range d {
		if sender == p.local {
			p.sent.TruncateTo(safeSub(e.HighestDelivered, p.cfg.GCLag))
			continue
		}
		w := p.getWindow(sender)
		if w == nil {
			continue
		}
		if e.HighestSeen > w.HighestReceived() {
			p.requestXmit(sender, e.HighestSeen, e.HighestSeen)
		}
		w.Stable(safeSub(e.HighestDelivered, p.cfg.GCLag))
	}
}

func (p *Protocol) handleViewChange(view group.View, removeDeparted bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, addr := range view.Members {
		if addr == p.local {
			continue
		}
		if _, exists := p.windows[addr]; !exists {
			p.windows[addr] = NewWindow(addr, 0, p.requestXmit)
		}
	}
	if removeDeparted {
		for addr, w := range p.windows {
			if !view.Contains(addr) {
				w.Destroy()
				delete(p.windows, addr)
				delete(p.deliveryLocks, addr)
			}
		}
	}
	p.view = view
	p.isServer = true
}

func (p *Protocol) handleSuspect(group.Address) {
	// A rebroadcast is not tied to a single peer here; any suspicion could
	// be the peer we are waiting on, so cancel defensively rather than
	// leave the caller blocked until maxRebroadcastTimeout.
	p.cancelRebroadcast()
}

func (p *Protocol) handleDisconnect() {
	p.mu.Lock()
	p.isServer = false
	for _, w := range p.windows {
		w.Reset()
	}
	p.mu.Unlock()
	p.sent.Reset()
	p.cancelRebroadcast()
}

func (p *Protocol) setDigest(d group.Digest) {
	p.mu.Lock()
	defer p.mu.Unlock()
	old := p.windows
	p.windows = make(map[group.Address]*Window, len(d))
	for addr, e := range d {
		if addr == p.local {
			continue
		}
		p.windows[addr] = NewWindow(addr, e.HighestDelivered, p.requestXmit)
	}
	p.deliveryLocks = make(map[group.Address]*sync.Mutex)
	for _, w := range old {
		w.Destroy()
	}
}

func (p *Protocol) mergeDigest(d group.Digest) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for addr, e := range d {
		if addr == p.local {
			continue
		}
		high := e.HighestSeen
		w, exists := p.windows[addr]
		if !exists {
			p.windows[addr] = NewWindow(addr, high, p.requestXmit)
			continue
		}
		if w.HighestReceived() < high {
			w.Destroy()
			p.windows[addr] = NewWindow(addr, high, p.requestXmit)
		}
	}
}

// GetDigest returns the current digest, keyed by every known sender
// including the local process, using highestReceived as each remote
// sender's HighestSeen.
func (p *Protocol) GetDigest() group.Digest {
	p.mu.Lock()
	defer p.mu.Unlock()
	d := make(group.Digest, len(p.windows)+1)
	hi := p.sent.Highest()
	d[p.local] = group.DigestEntry{HighestDelivered: hi, HighestSeen: hi}
	for addr, w := range p.windows {
		d[addr] = w.Digest()
	}
	return d
}

// GetDigestStable is like GetDigest but reports each sender's HighestSeen
// as its HighestDelivered — a snapshot of what has been safely delivered,
// used to drive STABLE without implying more recovery work than necessary.
func (p *Protocol) GetDigestStable() group.Digest {
	d := p.GetDigest()
	out := make(group.Digest, len(d))
	for addr, e := range d {
		e.HighestSeen = e.HighestDelivered
		out[addr] = e
	}
	return out
}

// requestXmit issues an XMIT_REQ for [low, high] addressed to origSender,
// or to a random live member if configured to do so. Its signature matches
// RetransmitFunc so windows can use it directly.
func (p *Protocol) requestXmit(origSender group.Address, low, high uint64) {
	telemetry.RetransmitRequestsSent.WithLabelValues("gap").Inc()
	target := origSender
	if p.cfg.XmitFromRandomMember {
		if alt, ok := p.randomMember(origSender); ok {
			target = alt
		}
	}
	msg := &group.Message{
		Source: p.local,
		Dest:   target,
		Headers: map[string]group.Header{
			group.HeaderNakAck: group.NakAckHeader{Type: group.NakAckXmitReq, Low: low, High: high, OriginalSender: origSender},
		},
	}
	p.PassDown(pipeline.Event{Kind: pipeline.EvMsg, Msg: msg})
}

func (p *Protocol) randomMember(exclude group.Address) (group.Address, bool) {
	p.mu.Lock()
	var candidates []group.Address
	for _, m := range p.view.Members {
		if m != exclude && m != p.local {
			candidates = append(candidates, m)
		}
	}
	p.mu.Unlock()
	if len(candidates) == 0 {
		return group.Address{}, false
	}
	p.rngMu.Lock()
	idx := p.rng.Intn(len(candidates))
	p.rngMu.Unlock()
	return candidates[idx], true
}

// startRebroadcast implements REBROADCAST (spec.md §4.2): repeatedly
// compares the local digest to target and issues XMIT_REQs for every gap,
// waiting between passes up to RebroadcastPollInterval, until the local
// digest dominates target or MaxRebroadcastTimeout elapses. Cancelled by
// SUSPECT or DISCONNECT. doneCh/result, if non-nil, report completion and
// success back to the caller.
func (p *Protocol) startRebroadcast(target group.Digest, doneCh chan struct{}, result *bool) {
	p.cancelRebroadcast()
	cancel := make(chan struct{})
	p.rebroadcastMu.Lock()
	p.rebroadcastCancelCh = cancel
	p.rebroadcastMu.Unlock()

	go func() {
		deadline := time.Now().Add(p.cfg.MaxRebroadcastTimeout)
		success := false
	loop:
		for {
			local := p.GetDigest()
			if local.GreaterOrEqual(target) {
				success = true
				break
			}
			if !time.Now().Before(deadline) {
				break
			}
			for sender, te := range target {
				if sender == p.local {
					continue
				}
				le := local[sender]
				if te.HighestSeen > le.HighestSeen {
					p.requestXmit(sender, le.HighestSeen+1, te.HighestSeen)
				}
			}
			select {
			case <-cancel:
				break loop
			case <-time.After(p.cfg.RebroadcastPollInterval):
			}
		}

		p.rebroadcastMu.Lock()
		if p.rebroadcastCancelCh == cancel {
			p.rebroadcastCancelCh = nil
		}
		p.rebroadcastMu.Unlock()

		if result != nil {
			*result = success
		}
		if doneCh != nil {
			close(doneCh)
		}
	}()
}

func (p *Protocol) cancelRebroadcast() {
	p.rebroadcastMu.Lock()
	defer p.rebroadcastMu.Unlock()
	if p.rebroadcastCancelCh != nil {
		p.logger.Debugw("CANCEL rebroadcasting")
		close(p.rebroadcastCancelCh)
		p.rebroadcastCancelCh = nil
	}
}

func (p *Protocol) getWindow(addr group.Address) *Window {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.windows[addr]
}

func (p *Protocol) deliveryLockFor(addr group.Address) *sync.Mutex {
	p.mu.Lock()
	defer p.mu.Unlock()
	l, ok := p.deliveryLocks[addr]
	if !ok {
		l = &sync.Mutex{}
		p.deliveryLocks[addr] = l
	}
	return l
}

func (p *Protocol) isServerNow() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.isServer
}

func safeSub(a, lag uint64) uint64 {
	if lag >= a {
		return 0
	}
	return a - lag
}
