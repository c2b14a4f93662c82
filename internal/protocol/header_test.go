package protocol

import "testing"

func TestEncodeDecodeHeaderRoundTrip(t *testing.T) {
	h := FrameHeader{Seq: 42, SampleRate: 48000, Timestamp: 1234567890, Channels: 2, Flags: FlagRetransmission}
	buf := make([]byte, FrameHeaderSize)
	EncodeHeader(buf, h)
	got := DecodeHeader(buf)
	if got != h {
		t.Fatalf("round trip mismatch: got %+v want %+v", got, h)
	}
	if !got.IsRetransmission() {
		t.Fatal("expected IsRetransmission to be true")
	}
}

func TestIsRetransmissionFalseWhenUnset(t *testing.T) {
	h := FrameHeader{Flags: 0}
	if h.IsRetransmission() {
		t.Fatal("expected IsRetransmission false when flag bit unset")
	}
}
