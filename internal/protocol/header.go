package protocol

import "encoding/binary"

// FrameHeaderSize is the fixed-size binary header prefixed to every audio
// frame sent as a websocket binary message (spec §3 Frame, §6 "no separate
// framing" — the header below *is* that framing, carried inline on the same
// connection as control messages rather than on a side channel).
//
// Layout (big-endian):
//
//	seq        uint32  offset 0
//	sampleRate uint32  offset 4
//	timestamp  int64   offset 8  (producer wall-clock, ms)
//	channels   uint8   offset 16
//	flags      uint8   offset 17  (bit0 = isRetransmission)
//
// followed by Frames*Channels little-endian-free IEEE754 float32 samples
// (encoding/binary.BigEndian throughout, matching sample interleave order).
const FrameHeaderSize = 18

// FlagRetransmission marks a frame delivered in response to
// requestRetransmission so the listener can bypass duplicate suppression
// (spec §4.3).
const FlagRetransmission = 1 << 0

// FrameHeader is the decoded form of the fixed binary prefix.
type FrameHeader struct {
	Seq        uint32
	SampleRate uint32
	Timestamp  int64
	Channels   uint8
	Flags      uint8
}

// IsRetransmission reports whether FlagRetransmission is set.
func (h FrameHeader) IsRetransmission() bool {
	return h.Flags&FlagRetransmission != 0
}

// EncodeHeader writes h into the first FrameHeaderSize bytes of buf.
// buf must be at least FrameHeaderSize bytes long.
func EncodeHeader(buf []byte, h FrameHeader) {
	binary.BigEndian.PutUint32(buf[0:4], h.Seq)
	binary.BigEndian.PutUint32(buf[4:8], h.SampleRate)
	binary.BigEndian.PutUint64(buf[8:16], uint64(h.Timestamp))
	buf[16] = h.Channels
	buf[17] = h.Flags
}

// DecodeHeader parses the first FrameHeaderSize bytes of buf.
// Callers must check len(buf) >= FrameHeaderSize first.
func DecodeHeader(buf []byte) FrameHeader {
	return FrameHeader{
		Seq:        binary.BigEndian.Uint32(buf[0:4]),
		SampleRate: binary.BigEndian.Uint32(buf[4:8]),
		Timestamp:  int64(binary.BigEndian.Uint64(buf[8:16])),
		Channels:   buf[16],
		Flags:      buf[17],
	}
}
