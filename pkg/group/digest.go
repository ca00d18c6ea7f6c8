package group

// DigestEntry summarizes one sender's window: the lowest seqno still
// retained, the highest delivered to the application, and the highest seen
// at all (received but possibly still buffered awaiting reordering).
type DigestEntry struct {
	LowRetained      uint64
	HighestDelivered uint64
	HighestSeen      uint64
}

// Digest maps sender to DigestEntry. Digests are exchanged at join/merge/
// state-transfer time to synchronize windows and to drive rebroadcast.
type Digest map[Address]DigestEntry

// Clone returns an independent copy of d.
func (d Digest) Clone() Digest {
	out := make(Digest, len(d))
	for k, v := range d {
		out[k] = v
	}
	return out
}

// GreaterOrEqual reports whether d dominates o: for every sender in o, d has
// an entry whose HighestDelivered and HighestSeen both meet or exceed o's.
// A sender present in o but absent from d fails domination. Digests are
// otherwise incomparable.
func (d Digest) GreaterOrEqual(o Digest) bool {
	for sender, oe := range o {
		de, ok := d[sender]
		if !ok {
			return false
		}
		if de.HighestDelivered < oe.HighestDelivered || de.HighestSeen < oe.HighestSeen {
			return false
		}
	}
	return true
}

// Merge returns the element-wise maximum of d and o across every field, for
// every sender appearing in either. Merge(d, d) == d, and the result
// dominates both inputs.
func Merge(d, o Digest) Digest {
	out := make(Digest, len(d)+len(o))
	for sender, e := range d {
		out[sender] = e
	}
	for sender, oe := range o {
		if e, ok := out[sender]; ok {
			out[sender] = DigestEntry{
				LowRetained:      maxU64(e.LowRetained, oe.LowRetained),
				HighestDelivered: maxU64(e.HighestDelivered, oe.HighestDelivered),
				HighestSeen:      maxU64(e.HighestSeen, oe.HighestSeen),
			}
		} else {
			out[sender] = oe
		}
	}
	return out
}

func maxU64(a, b uint64) uint64 {
	if a > b {
		return a
	}
	return b
}
