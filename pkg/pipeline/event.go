// Package pipeline implements the bidirectional filter chain spec.md §2 and
// §9 describe: a vector of Protocols, each consuming Events from above
// (Down) and below (Up), built once at configuration time. It generalizes
// the two lines of intent in the teacher's gossip.go ("Entry point for the
// gossip subsystem... Wires together membership, message handling and
// transport") into an explicit next/prev chain.
package pipeline

import "github.com/ryandielhenn/vsgroup/pkg/group"

// Kind identifies what an Event carries. The set matches spec.md §6's list
// of event kinds consumed from below/above.
type Kind int

const (
	EvMsg Kind = iota
	EvViewChange
	EvTmpView
	EvSuspect
	EvSetLocalAddress
	EvConfig
	EvGetDigest
	EvGetDigestStable
	EvSetDigest
	EvMergeDigest
	EvStable
	EvRebroadcast
	EvDisconnect
	EvSuspend
	EvResume
	EvSuspendOk
	EvBlock
	EvBlockOk
	EvUnblock
	EvBecomeServer
	EvEnableUnicastsTo
	EvDisableUnicastsTo
)

func (k Kind) String() string {
	switch k {
	case EvMsg:
		return "MSG"
	case EvViewChange:
		return "VIEW_CHANGE"
	case EvTmpView:
		return "TMP_VIEW"
	case EvSuspect:
		return "SUSPECT"
	case EvSetLocalAddress:
		return "SET_LOCAL_ADDRESS"
	case EvConfig:
		return "CONFIG"
	case EvGetDigest:
		return "GET_DIGEST"
	case EvGetDigestStable:
		return "GET_DIGEST_STABLE"
	case EvSetDigest:
		return "SET_DIGEST"
	case EvMergeDigest:
		return "MERGE_DIGEST"
	case EvStable:
		return "STABLE"
	case EvRebroadcast:
		return "REBROADCAST"
	case EvDisconnect:
		return "DISCONNECT"
	case EvSuspend:
		return "SUSPEND"
	case EvResume:
		return "RESUME"
	case EvSuspendOk:
		return "SUSPEND_OK"
	case EvBlock:
		return "BLOCK"
	case EvBlockOk:
		return "BLOCK_OK"
	case EvUnblock:
		return "UNBLOCK"
	case EvBecomeServer:
		return "BECOME_SERVER"
	case EvEnableUnicastsTo:
		return "ENABLE_UNICASTS_TO"
	case EvDisableUnicastsTo:
		return "DISABLE_UNICASTS_TO"
	default:
		return "UNKNOWN"
	}
}

// Event is a tagged struct carrying either a message or a control signal
// between protocols. Only the fields relevant to Kind are populated; this
// mirrors the teacher's GossipMsg ("Type MsgType" plus a flat field set
// with "// Optional: ..." comments on fields only some types use).
type Event struct {
	Kind Kind

	Msg *group.Message

	View      *group.View
	MergeView *group.MergeView

	Addr  group.Address
	Addrs []group.Address

	Digest group.Digest

	// DigestOut receives the result of a GET_DIGEST/GET_DIGEST_STABLE query;
	// the handler writes into *DigestOut before closing Done.
	DigestOut *group.Digest

	Low, High uint64

	OOB bool

	// RebroadcastTarget is the digest REBROADCAST compares against.
	RebroadcastTarget group.Digest

	// Done, when non-nil, is closed by the consumer once it has finished
	// reacting synchronously (used for BLOCK/BLOCK_OK handshakes and for
	// SUSPEND/RESUME completion signalling).
	Done chan struct{}

	// Result carries a boolean outcome back to the initiator of a
	// synchronous operation (e.g. rebroadcast success, get-state success).
	Result *bool
}
