package group

import (
	"encoding/binary"
	"errors"
)

// ErrShortBuffer is returned by the Decode functions when buf is truncated.
var ErrShortBuffer = errors.New("group: short buffer")

// EncodeAddress appends a length-prefixed (id, addr) pair to buf. The wire
// format is opaque to callers above this package (spec: "the format is the
// transport's"); this is simply a self-describing, round-trippable one.
func EncodeAddress(buf []byte, a Address) []byte {
	buf = appendString(buf, a.id)
	buf = appendString(buf, a.addr)
	return buf
}

// DecodeAddress reads an Address written by EncodeAddress, returning the
// remaining buffer.
func DecodeAddress(buf []byte) (Address, []byte, error) {
	id, rest, err := readString(buf)
	if err != nil {
		return Address{}, nil, err
	}
	addr, rest, err := readString(rest)
	if err != nil {
		return Address{}, nil, err
	}
	return Address{id: id, addr: addr}, rest, nil
}

func appendString(buf []byte, s string) []byte {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(s)))
	buf = append(buf, lenBuf[:]...)
	buf = append(buf, s...)
	return buf
}

func readString(buf []byte) (string, []byte, error) {
	if len(buf) < 4 {
		return "", nil, ErrShortBuffer
	}
	n := binary.BigEndian.Uint32(buf[:4])
	buf = buf[4:]
	if uint32(len(buf)) < n {
		return "", nil, ErrShortBuffer
	}
	return string(buf[:n]), buf[n:], nil
}

// EncodeNakAckHeader serializes a NakAckHeader: type:byte, seqno:uint64,
// low:uint64, high:uint64, originalSender:Address — matching spec.md §6's
// wire layout.
func EncodeNakAckHeader(h NakAckHeader) []byte {
	buf := make([]byte, 0, 1+8+8+8)
	buf = append(buf, byte(h.Type))
	buf = appendUint64(buf, h.Seqno)
	buf = appendUint64(buf, h.Low)
	buf = appendUint64(buf, h.High)
	buf = EncodeAddress(buf, h.OriginalSender)
	return buf
}

// DecodeNakAckHeader is the inverse of EncodeNakAckHeader.
func DecodeNakAckHeader(buf []byte) (NakAckHeader, error) {
	if len(buf) < 1+8+8+8 {
		return NakAckHeader{}, ErrShortBuffer
	}
	h := NakAckHeader{Type: NakAckType(buf[0])}
	buf = buf[1:]
	h.Seqno, buf = readUint64(buf)
	h.Low, buf = readUint64(buf)
	h.High, buf = readUint64(buf)
	addr, _, err := DecodeAddress(buf)
	if err != nil {
		return NakAckHeader{}, err
	}
	h.OriginalSender = addr
	return h, nil
}

// EncodeFlushHeader serializes a FlushHeader: type:byte, viewId:(counter,
// coord), participants:list<Address>.
func EncodeFlushHeader(h FlushHeader) []byte {
	buf := make([]byte, 0, 1+8+16+4)
	buf = append(buf, byte(h.Type))
	buf = appendUint64(buf, h.ViewId.Counter)
	buf = EncodeAddress(buf, h.ViewId.Coord)
	buf = appendUint32(buf, uint32(len(h.Participants)))
	for _, p := range h.Participants {
		buf = EncodeAddress(buf, p)
	}
	return buf
}

// DecodeFlushHeader is the inverse of EncodeFlushHeader.
func DecodeFlushHeader(buf []byte) (FlushHeader, error) {
	if len(buf) < 1+8 {
		return FlushHeader{}, ErrShortBuffer
	}
	h := FlushHeader{Type: FlushType(buf[0])}
	buf = buf[1:]
	h.ViewId.Counter, buf = readUint64(buf)
	coord, buf, err := DecodeAddress(buf)
	if err != nil {
		return FlushHeader{}, err
	}
	h.ViewId.Coord = coord
	if len(buf) < 4 {
		return FlushHeader{}, ErrShortBuffer
	}
	n := binary.BigEndian.Uint32(buf[:4])
	buf = buf[4:]
	h.Participants = make([]Address, 0, n)
	for i := uint32(0); i < n; i++ {
		addr, rest, err := DecodeAddress(buf)
		if err != nil {
			return FlushHeader{}, err
		}
		h.Participants = append(h.Participants, addr)
		buf = rest
	}
	return h, nil
}

// EncodeGroupReqHeader serializes a GroupReqHeader: requestId:uint64,
// isResponse:byte.
func EncodeGroupReqHeader(h GroupReqHeader) []byte {
	buf := make([]byte, 0, 9)
	buf = appendUint64(buf, h.RequestId)
	if h.IsResponse {
		buf = append(buf, 1)
	} else {
		buf = append(buf, 0)
	}
	return buf
}

// DecodeGroupReqHeader is the inverse of EncodeGroupReqHeader.
func DecodeGroupReqHeader(buf []byte) (GroupReqHeader, error) {
	if len(buf) < 9 {
		return GroupReqHeader{}, ErrShortBuffer
	}
	var h GroupReqHeader
	h.RequestId, buf = readUint64(buf)
	h.IsResponse = buf[0] != 0
	return h, nil
}

// EncodeKVHeader serializes a KVHeader: op:byte, key (length-prefixed),
// ttlNanos:uint64 (cast from int64 — TTLs never need the sign bit).
func EncodeKVHeader(h KVHeader) []byte {
	buf := make([]byte, 0, 1+4+len(h.Key)+8)
	buf = append(buf, byte(h.Op))
	buf = appendString(buf, h.Key)
	buf = appendUint64(buf, uint64(h.TTLNanos))
	return buf
}

// DecodeKVHeader is the inverse of EncodeKVHeader.
func DecodeKVHeader(buf []byte) (KVHeader, error) {
	if len(buf) < 1 {
		return KVHeader{}, ErrShortBuffer
	}
	var h KVHeader
	h.Op = KVOp(buf[0])
	buf = buf[1:]
	key, buf, err := readString(buf)
	if err != nil {
		return KVHeader{}, err
	}
	h.Key = key
	if len(buf) < 8 {
		return KVHeader{}, ErrShortBuffer
	}
	ttl, _ := readUint64(buf)
	h.TTLNanos = int64(ttl)
	return h, nil
}

// headerTag identifies which Header variant a wire-encoded Message header
// slot holds, since the Header interface alone doesn't carry enough to
// dispatch a decoder.
type headerTag byte

const (
	tagNakAck headerTag = iota
	tagFlush
	tagGroupReq
	tagKV
)

// EncodeMessage serializes an entire Message — source, destination, every
// populated Header and the payload — into a single self-describing frame,
// for handing to a raw-byte Transport (gossip.Transport). Headers are
// written in an arbitrary but stable-per-call order; DecodeMessage doesn't
// care what order they arrive in.
func EncodeMessage(m Message) []byte {
	buf := EncodeAddress(nil, m.Source)
	buf = EncodeAddress(buf, m.Dest)
	buf = appendUint32(buf, uint32(len(m.Headers)))
	for _, hdr := range m.Headers {
		switch h := hdr.(type) {
		case NakAckHeader:
			buf = append(buf, byte(tagNakAck))
			enc := EncodeNakAckHeader(h)
			buf = appendUint32(buf, uint32(len(enc)))
			buf = append(buf, enc...)
		case FlushHeader:
			buf = append(buf, byte(tagFlush))
			enc := EncodeFlushHeader(h)
			buf = appendUint32(buf, uint32(len(enc)))
			buf = append(buf, enc...)
		case GroupReqHeader:
			buf = append(buf, byte(tagGroupReq))
			enc := EncodeGroupReqHeader(h)
			buf = appendUint32(buf, uint32(len(enc)))
			buf = append(buf, enc...)
		case KVHeader:
			buf = append(buf, byte(tagKV))
			enc := EncodeKVHeader(h)
			buf = appendUint32(buf, uint32(len(enc)))
			buf = append(buf, enc...)
		}
	}
	buf = appendUint32(buf, uint32(len(m.Payload)))
	buf = append(buf, m.Payload...)
	return buf
}

// DecodeMessage is the inverse of EncodeMessage.
func DecodeMessage(buf []byte) (Message, error) {
	src, buf, err := DecodeAddress(buf)
	if err != nil {
		return Message{}, err
	}
	dest, buf, err := DecodeAddress(buf)
	if err != nil {
		return Message{}, err
	}
	if len(buf) < 4 {
		return Message{}, ErrShortBuffer
	}
	n := binary.BigEndian.Uint32(buf[:4])
	buf = buf[4:]

	headers := make(map[string]Header, n)
	for i := uint32(0); i < n; i++ {
		if len(buf) < 5 {
			return Message{}, ErrShortBuffer
		}
		tag := headerTag(buf[0])
		size := binary.BigEndian.Uint32(buf[1:5])
		buf = buf[5:]
		if uint32(len(buf)) < size {
			return Message{}, ErrShortBuffer
		}
		chunk := buf[:size]
		buf = buf[size:]
		switch tag {
		case tagNakAck:
			h, err := DecodeNakAckHeader(chunk)
			if err != nil {
				return Message{}, err
			}
			headers[HeaderNakAck] = h
		case tagFlush:
			h, err := DecodeFlushHeader(chunk)
			if err != nil {
				return Message{}, err
			}
			headers[HeaderFlush] = h
		case tagGroupReq:
			h, err := DecodeGroupReqHeader(chunk)
			if err != nil {
				return Message{}, err
			}
			headers[HeaderGroupReq] = h
		case tagKV:
			h, err := DecodeKVHeader(chunk)
			if err != nil {
				return Message{}, err
			}
			headers[HeaderKV] = h
		default:
			return Message{}, ErrShortBuffer
		}
	}

	if len(buf) < 4 {
		return Message{}, ErrShortBuffer
	}
	plen := binary.BigEndian.Uint32(buf[:4])
	buf = buf[4:]
	if uint32(len(buf)) < plen {
		return Message{}, ErrShortBuffer
	}
	payload := append([]byte(nil), buf[:plen]...)

	return Message{Source: src, Dest: dest, Headers: headers, Payload: payload}, nil
}

func appendUint64(buf []byte, v uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	return append(buf, b[:]...)
}

func appendUint32(buf []byte, v uint32) []byte {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	return append(buf, b[:]...)
}

func readUint64(buf []byte) (uint64, []byte) {
	return binary.BigEndian.Uint64(buf[:8]), buf[8:]
}
