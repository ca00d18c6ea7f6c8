package group

// Message is the unit the whole stack passes around: a multicast (Dest is
// the zero Address) or unicast payload, plus a per-protocol header map.
type Message struct {
	Source  Address
	Dest    Address // zero value means multicast
	Headers map[string]Header
	Payload []byte
}

// IsMulticast reports whether m has no destination.
func (m Message) IsMulticast() bool {
	return m.Dest.IsZero()
}

// Header is implemented by each protocol's wire header type so that
// Message.Headers can hold a mix of header kinds keyed by protocol name.
type Header interface {
	Protocol() string
}

const (
	HeaderNakAck   = "NAKACK"
	HeaderFlush    = "FLUSH"
	HeaderGroupReq = "GROUP_REQ"
	HeaderKV       = "KV"
)

// NakAckType distinguishes the three NakAck header variants.
type NakAckType byte

const (
	NakAckMsg NakAckType = iota
	NakAckXmitReq
	NakAckXmitRsp
)

// NakAckHeader is the tagged variant carried by every NAKACK-layer message:
//   - MSG(seqno)
//   - XMIT_REQ(low, high, originalSender)
//   - XMIT_RSP(low, high)
type NakAckHeader struct {
	Type           NakAckType
	Seqno          uint64
	Low            uint64
	High           uint64
	OriginalSender Address
}

func (NakAckHeader) Protocol() string { return HeaderNakAck }

// FlushType distinguishes the four FLUSH header variants.
type FlushType byte

const (
	FlushStart FlushType = iota
	FlushOk
	FlushCompleted
	FlushStop
)

// FlushHeader is the tagged variant carried by FLUSH control messages:
//   - START_FLUSH(viewId, participants)
//   - FLUSH_OK(viewId)
//   - FLUSH_COMPLETED(viewId)
//   - STOP_FLUSH(viewId)
type FlushHeader struct {
	Type         FlushType
	ViewId       ViewId
	Participants []Address
}

func (FlushHeader) Protocol() string { return HeaderFlush }

// GroupReqHeader correlates a Group Request dispatcher's RPC with its
// responses: RequestId is assigned by the caller at dispatch time, and
// IsResponse distinguishes the outgoing call from a recipient's reply.
type GroupReqHeader struct {
	RequestId  uint64
	IsResponse bool
}

func (GroupReqHeader) Protocol() string { return HeaderGroupReq }

// KVOp distinguishes the sample application's replicated operations.
type KVOp byte

const (
	KVPut KVOp = iota
	KVDelete
	KVStateReq
	KVStateResp
)

// KVHeader is the application-layer header the kv sample app stamps on
// messages it pushes down the stack for replication (PUT/DELETE) and for
// the GET_STATE request/response pair driven by grouprequest.Dispatch
// during state transfer (spec.md §8 S6). TTLNanos is 0 for no expiry.
type KVHeader struct {
	Op       KVOp
	Key      string
	TTLNanos int64
}

func (KVHeader) Protocol() string { return HeaderKV }
