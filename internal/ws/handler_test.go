package ws

import (
	"encoding/binary"
	"encoding/json"
	"math"
	"net"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"github.com/kira666-sentient/audiorelay/internal/hub"
	"github.com/kira666-sentient/audiorelay/internal/protocol"
)

func startTestServer(t *testing.T) string {
	t.Helper()
	h := hub.New(hub.Config{MaxPacketsPerSec: 100, HistoryMax: 50, HistoryAge: time.Hour}, nil)
	e := echo.New()
	NewHandler(h, nil).Register(e)
	srv := httptest.NewServer(e)
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dial(t *testing.T, wsURL string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(wsURL+"/ws", nil)
	if err != nil {
		t.Fatalf("dial ws: %v", err)
	}
	return conn
}

func writeControl(t *testing.T, conn *websocket.Conn, m protocol.Message) {
	t.Helper()
	_ = conn.SetWriteDeadline(time.Now().Add(2 * time.Second))
	if err := conn.WriteJSON(m); err != nil {
		t.Fatalf("write control: %v", err)
	}
}

func readUntil(t *testing.T, conn *websocket.Conn, match func(protocol.Message) bool) protocol.Message {
	t.Helper()
	deadline := time.Now().Add(4 * time.Second)
	for time.Now().Before(deadline) {
		_ = conn.SetReadDeadline(time.Now().Add(500 * time.Millisecond))
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			t.Fatalf("read: %v", err)
		}
		var msg protocol.Message
		if json.Unmarshal(data, &msg) != nil {
			continue // binary frame, not JSON control
		}
		if match(msg) {
			return msg
		}
	}
	t.Fatal("timed out waiting for matching control message")
	return protocol.Message{}
}

func TestJoinSendsAck(t *testing.T) {
	wsURL := startTestServer(t)
	conn := dial(t, wsURL)
	defer conn.Close()

	msg := readUntil(t, conn, func(m protocol.Message) bool { return m.Type == protocol.TypeJoin })
	if !msg.OK || msg.ClientID == "" {
		t.Fatalf("expected successful join ack with a client id, got %+v", msg)
	}
}

func TestStartStreamingThenJoinAsListenerDeliversFrame(t *testing.T) {
	wsURL := startTestServer(t)
	source := dial(t, wsURL)
	defer source.Close()
	listener := dial(t, wsURL)
	defer listener.Close()

	readUntil(t, source, func(m protocol.Message) bool { return m.Type == protocol.TypeJoin })
	readUntil(t, listener, func(m protocol.Message) bool { return m.Type == protocol.TypeJoin })

	writeControl(t, source, protocol.Message{Type: protocol.TypeStartStreaming, Source: "microphone", Quality: "medium"})
	readUntil(t, source, func(m protocol.Message) bool { return m.Type == protocol.TypeStreamingStarted })

	sourceID := readUntil(t, listener, func(m protocol.Message) bool {
		return m.Type == protocol.TypeDeviceList && len(m.Devices) == 1
	}).Devices[0].PeerID

	writeControl(t, listener, protocol.Message{Type: protocol.TypeJoinAsListener, SourceID: sourceID})
	readUntil(t, listener, func(m protocol.Message) bool { return m.Type == protocol.TypeJoinedAsListener })

	buf := make([]byte, protocol.FrameHeaderSize+4)
	protocol.EncodeHeader(buf, protocol.FrameHeader{Seq: 7, SampleRate: 48000, Channels: 1})
	binary.BigEndian.PutUint32(buf[protocol.FrameHeaderSize:], math.Float32bits(0.25))
	if err := source.WriteMessage(websocket.BinaryMessage, buf); err != nil {
		t.Fatalf("write binary frame: %v", err)
	}

	deadline := time.Now().Add(4 * time.Second)
	for time.Now().Before(deadline) {
		_ = listener.SetReadDeadline(time.Now().Add(500 * time.Millisecond))
		msgType, data, err := listener.ReadMessage()
		if err != nil {
			continue
		}
		if msgType != websocket.BinaryMessage {
			continue
		}
		hdr := protocol.DecodeHeader(data)
		if hdr.Seq != 7 {
			t.Fatalf("expected relayed seq 7, got %d", hdr.Seq)
		}
		return
	}
	t.Fatal("listener never received the relayed audio frame")
}
