package nakack

import "time"

// Config holds NAKACK's tunables. All of them map directly to hooks named
// in spec.md §6 ("no dynamic reconfiguration ... beyond the hooks in §6").
type Config struct {
	// RetransmitIntervals is the backoff schedule for gap retransmission.
	RetransmitIntervals []time.Duration

	// MaxXmitSize bounds the total payload bytes bundled into one XMIT_RSP.
	// Populated from the transport's published max_bundle_size via CONFIG.
	MaxXmitSize int

	// UseMcastXmit sends XMIT_RSP as a multicast instead of unicasting to
	// the requester.
	UseMcastXmit bool

	// XmitFromRandomMember addresses XMIT_REQ to a random live member
	// instead of the original sender. Every member can serve it, because
	// Protocol's windows keep delivered messages until STABLE.
	XmitFromRandomMember bool

	// GCLag is subtracted from a digest's highDelivered before truncating
	// the sent table / dropping delivered window entries on STABLE.
	GCLag uint64

	// MaxBufSize is a window buffer bound (0 = unbounded). Protocol does not
	// apply it: the windows it creates are unbounded. A bound takes effect
	// only on a Window through Window.SetMaxBufSize.
	MaxBufSize int

	// MaxRebroadcastTimeout bounds how long REBROADCAST will keep comparing
	// digests and requesting retransmission before giving up.
	MaxRebroadcastTimeout time.Duration

	// RebroadcastPollInterval is how long the rebroadcast loop waits
	// between passes.
	RebroadcastPollInterval time.Duration
}

// DefaultConfig returns NAKACK's default tunables.
func DefaultConfig() Config {
	return Config{
		RetransmitIntervals:     DefaultRetransmitIntervals,
		MaxXmitSize:             64 * 1024,
		GCLag:                   50,
		MaxRebroadcastTimeout:   10 * time.Second,
		RebroadcastPollInterval: 200 * time.Millisecond,
	}
}
