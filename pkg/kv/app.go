package kv

import (
	"sync/atomic"
	"time"

	"github.com/ryandielhenn/vsgroup/pkg/group"
	"github.com/ryandielhenn/vsgroup/pkg/grouprequest"
	"github.com/ryandielhenn/vsgroup/pkg/pipeline"
)

// Application is the piece of the sample app that actually talks to the
// stack (spec.md §6's Application contract): it calls SUSPEND/RESUME
// around anything that needs a quiescent cluster, answers GET_STATE
// requests from newly joined members, freezes local writes across
// BLOCK/UNBLOCK, and replicates PUT/DELETE to the rest of the view.
type Application struct {
	Store *Store

	local    group.Address
	stack    *pipeline.Stack
	groupReq *grouprequest.Protocol
	logger   Logger

	blocked atomic.Bool

	stateReqCfg grouprequest.Config
}

// Logger is the minimal logging surface Application needs; satisfied by
// vlog.Logger and by each core package's own Logger interface via
// structural typing.
type Logger interface {
	Debugw(msg string, kv ...any)
	Warnw(msg string, kv ...any)
	Errorw(msg string, kv ...any)
}

type nopLogger struct{}

func (nopLogger) Debugw(string, ...any) {}
func (nopLogger) Warnw(string, ...any)  {}
func (nopLogger) Errorw(string, ...any) {}

// NopLogger discards everything.
var NopLogger Logger = nopLogger{}

// NewApplication wires store to stack (application ⇄ GroupRequest ⇄ FLUSH
// ⇄ NAKACK) via groupReq — the same *grouprequest.Protocol instance that
// is stack.Protocol(0) — so Application can Dispatch GET_STATE calls
// directly instead of re-deriving a Message by hand.
func NewApplication(local group.Address, store *Store, stack *pipeline.Stack, groupReq *grouprequest.Protocol, logger Logger) *Application {
	if logger == nil {
		logger = NopLogger
	}
	a := &Application{
		Store:    store,
		local:    local,
		stack:    stack,
		groupReq: groupReq,
		logger:   logger,
		stateReqCfg: grouprequest.Config{
			Policy: grouprequest.PolicyFirst,
		},
	}
	stack.SetApplicationHandler(a.HandleUp)
	return a
}

// HandleUp is installed as the stack's application handler: every event
// that climbs past GroupRequest without being consumed arrives here.
func (a *Application) HandleUp(evt pipeline.Event) {
	switch evt.Kind {
	case pipeline.EvBlock:
		// Quiesce: stop letting new local writes through until UNBLOCK.
		// BLOCK_OK's own bound is flush.Config.BlockTimeout, not ours — we
		// always ack promptly since freezing is just flipping a flag.
		a.blocked.Store(true)
		if evt.Done != nil {
			close(evt.Done)
		}

	case pipeline.EvUnblock:
		a.blocked.Store(false)

	case pipeline.EvMsg:
		a.handleMsg(evt.Msg)

	case pipeline.EvViewChange:
		// A newly joined member with an empty store asks an existing one
		// for its current contents; an existing member just keeps serving.
		if evt.View != nil && a.Store.Len() == 0 {
			go a.requestState(*evt.View)
		}
	}
}

func (a *Application) handleMsg(msg *group.Message) {
	if reqHdrI, ok := msg.Headers[group.HeaderGroupReq]; ok {
		a.handleGroupRequestUp(msg, reqHdrI.(group.GroupReqHeader))
		return
	}

	kvI, ok := msg.Headers[group.HeaderKV]
	if !ok {
		return
	}
	hdr := kvI.(group.KVHeader)

	switch hdr.Op {
	case group.KVPut:
		a.Store.Put(hdr.Key, msg.Payload, time.Duration(hdr.TTLNanos))

	case group.KVDelete:
		a.Store.Delete(hdr.Key)
	}
}

// stateReqMarker is the payload Dispatch sends for a GET_STATE call;
// GroupRequest itself doesn't carry an application header, so the request
// side and reply side agree on this single byte out of band instead.
var stateReqMarker = []byte{byte(group.KVStateReq)}

// handleGroupRequestUp answers an incoming GET_STATE call: any non-response
// GroupRequest message whose payload matches stateReqMarker is this
// process being asked for its snapshot.
func (a *Application) handleGroupRequestUp(msg *group.Message, hdr group.GroupReqHeader) {
	if hdr.IsResponse || len(msg.Payload) != 1 || group.KVOp(msg.Payload[0]) != group.KVStateReq {
		return
	}
	snap, err := a.Store.Snapshot()
	if err != nil {
		a.logger.Errorw("failed to snapshot store for GET_STATE", "err", err)
		return
	}
	a.groupReq.Reply(msg.Source, hdr.RequestId, snap)
}

// requestState asks the rest of view for a snapshot via GET_STATE
// (spec.md §8 S6), bracketed by SUSPEND/RESUME so no writes interleave
// with the transfer, and restores the first reply it gets.
func (a *Application) requestState(view group.View) {
	recipients := view.Without(a.local)
	if len(recipients) == 0 {
		return
	}

	a.Suspend(nil)
	defer a.Resume()

	req := a.groupReq.Dispatch(stateReqMarker, recipients, false, a.stateReqCfg)
	responses, ok := req.GetTimeout(10 * time.Second)
	if !ok {
		a.logger.Warnw("GET_STATE timed out, starting with empty store")
		return
	}
	for _, resp := range responses {
		if resp.Received && len(resp.Value) > 0 {
			if err := a.Store.Restore(resp.Value); err != nil {
				a.logger.Errorw("failed to restore GET_STATE snapshot", "err", err)
			}
			return
		}
	}
}

// Suspend quiesces the cluster (or the subset in view, if non-nil) before
// a disruptive operation like state transfer.
func (a *Application) Suspend(view *group.View) {
	a.stack.Down(pipeline.Event{Kind: pipeline.EvSuspend, View: view})
}

// Resume lifts a prior Suspend.
func (a *Application) Resume() {
	a.stack.Down(pipeline.Event{Kind: pipeline.EvResume})
}

// Put stores key locally (if this node owns it — callers are expected to
// have already checked via the ring) and replicates the write to the rest
// of the view.
func (a *Application) Put(key string, val []byte, ttl time.Duration) {
	a.Store.Put(key, val, ttl)
	hdr := group.KVHeader{Op: group.KVPut, Key: key, TTLNanos: int64(ttl)}
	msg := &group.Message{
		Source:  a.local,
		Headers: map[string]group.Header{group.HeaderKV: hdr},
		Payload: val,
	}
	a.stack.Down(pipeline.Event{Kind: pipeline.EvMsg, Msg: msg})
}

// Get reads key from the local store.
func (a *Application) Get(key string) ([]byte, bool) {
	return a.Store.Get(key)
}

// Delete removes key locally and replicates the deletion.
func (a *Application) Delete(key string) bool {
	existed := a.Store.Delete(key)
	hdr := group.KVHeader{Op: group.KVDelete, Key: key}
	msg := &group.Message{
		Source:  a.local,
		Headers: map[string]group.Header{group.HeaderKV: hdr},
	}
	a.stack.Down(pipeline.Event{Kind: pipeline.EvMsg, Msg: msg})
	return existed
}

// Blocked reports whether FLUSH currently has this process's writes
// gated (between BLOCK and UNBLOCK).
func (a *Application) Blocked() bool {
	return a.blocked.Load()
}
