package ws

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"math"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/kira666-sentient/audiorelay/internal/frameio"
	"github.com/kira666-sentient/audiorelay/internal/protocol"
)

// errFull is returned when a peer's outbound queue is saturated — the
// circuit breaker in internal/hub treats this the same as a transport
// write failure.
var errFull = errors.New("ws: send queue full")

// outbound is either a control message or a pre-encoded binary frame,
// queued onto one writer goroutine so concurrent SendFrame/SendControl
// calls from the hub's fan-out path never race on the same websocket
// connection (grounded on the teacher's per-session Send channel).
type outbound struct {
	control *protocol.Message
	binary  []byte
}

// peerConn implements hub.Sender over one gorilla/websocket connection.
type peerConn struct {
	conn *websocket.Conn
	send chan outbound

	closeOnce sync.Once
}

func newPeerConn(conn *websocket.Conn) *peerConn {
	return &peerConn{conn: conn, send: make(chan outbound, 256)}
}

// SendControl queues a JSON control message for delivery.
func (p *peerConn) SendControl(m protocol.Message) error {
	select {
	case p.send <- outbound{control: &m}:
		return nil
	default:
		return errFull
	}
}

// SendFrame encodes f with the protocol binary header and queues it.
func (p *peerConn) SendFrame(f frameio.Frame) error {
	buf := make([]byte, protocol.FrameHeaderSize+len(f.Samples)*4)
	var flags uint8
	if f.IsRetransmission {
		flags |= protocol.FlagRetransmission
	}
	protocol.EncodeHeader(buf, protocol.FrameHeader{
		Seq:        f.Seq,
		SampleRate: uint32(f.SampleRate),
		Timestamp:  f.Timestamp,
		Channels:   uint8(f.Channels),
		Flags:      flags,
	})
	off := protocol.FrameHeaderSize
	for _, s := range f.Samples {
		binary.BigEndian.PutUint32(buf[off:off+4], math.Float32bits(s))
		off += 4
	}

	select {
	case p.send <- outbound{binary: buf}:
		return nil
	default:
		return errFull
	}
}

// writeLoop drains p.send onto the underlying connection until it's
// closed, serializing every outbound write (gorilla/websocket connections
// are not safe for concurrent writers).
func (p *peerConn) writeLoop() {
	for out := range p.send {
		_ = p.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		var err error
		if out.control != nil {
			data, merr := json.Marshal(out.control)
			if merr != nil {
				continue
			}
			err = p.conn.WriteMessage(websocket.TextMessage, data)
		} else {
			err = p.conn.WriteMessage(websocket.BinaryMessage, out.binary)
		}
		if err != nil {
			return
		}
	}
}

func (p *peerConn) close() {
	p.closeOnce.Do(func() { close(p.send) })
}
