package nakack

import (
	"encoding/binary"

	"github.com/ryandielhenn/vsgroup/pkg/group"
)

// encodeBundle serializes a list of MSG-tagged messages into one XMIT_RSP
// payload: count, then per message (source, seqno, payload). This is
// NAKACK's own internal wire format (spec.md §6: "bit layout is opaque to
// this spec") — distinct from group.EncodeNakAckHeader, which only covers a
// single header.
func encodeBundle(msgs []*group.Message) []byte {
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, uint32(len(msgs)))
	for _, m := range msgs {
		hdr := m.Headers[group.HeaderNakAck].(group.NakAckHeader)
		buf = group.EncodeAddress(buf, m.Source)
		var seqBuf [8]byte
		binary.BigEndian.PutUint64(seqBuf[:], hdr.Seqno)
		buf = append(buf, seqBuf[:]...)
		var lenBuf [4]byte
		binary.BigEndian.PutUint32(lenBuf[:], uint32(len(m.Payload)))
		buf = append(buf, lenBuf[:]...)
		buf = append(buf, m.Payload...)
	}
	return buf
}

// decodeBundle is the inverse of encodeBundle.
func decodeBundle(buf []byte) ([]*group.Message, error) {
	if len(buf) < 4 {
		return nil, group.ErrShortBuffer
	}
	n := binary.BigEndian.Uint32(buf[:4])
	buf = buf[4:]
	out := make([]*group.Message, 0, n)
	for i := uint32(0); i < n; i++ {
		src, rest, err := group.DecodeAddress(buf)
		if err != nil {
			return nil, err
		}
		buf = rest
		if len(buf) < 8 {
			return nil, group.ErrShortBuffer
		}
		seqno := binary.BigEndian.Uint64(buf[:8])
		buf = buf[8:]
		if len(buf) < 4 {
			return nil, group.ErrShortBuffer
		}
		plen := binary.BigEndian.Uint32(buf[:4])
		buf = buf[4:]
		if uint32(len(buf)) < plen {
			return nil, group.ErrShortBuffer
		}
		payload := append([]byte(nil), buf[:plen]...)
		buf = buf[plen:]
		out = append(out, &group.Message{
			Source: src,
			Headers: map[string]group.Header{
				group.HeaderNakAck: group.NakAckHeader{Type: group.NakAckMsg, Seqno: seqno},
			},
			Payload: payload,
		})
	}
	return out, nil
}

// bundle splits msgs into batches whose total payload size does not exceed
// maxSize (spec.md §4.2: "bundle into one or more XMIT_RSP messages each
// bounded by maxXmitSize"). maxSize <= 0 means unbounded.
func bundle(msgs []*group.Message, maxSize int) [][]*group.Message {
	if maxSize <= 0 || len(msgs) == 0 {
		return [][]*group.Message{msgs}
	}
	var batches [][]*group.Message
	var cur []*group.Message
	size := 0
	for _, m := range msgs {
		if size+len(m.Payload) > maxSize && len(cur) > 0 {
			batches = append(batches, cur)
			cur = nil
			size = 0
		}
		cur = append(cur, m)
		size += len(m.Payload)
	}
	if len(cur) > 0 {
		batches = append(batches, cur)
	}
	return batches
}
