// Command relaylistener is a headless listener client: it dials a relay
// hub over websocket, joins as a listener to a chosen source, and drives
// the reorder/resample/playback pipeline (internal/listener) against a
// logging Sink instead of a real audio device, exercising spec §2's full
// "socket -> C1 -> C6 -> C7 -> C8 -> sink" chain as runnable, non-test
// code (the example corpus ships no audio-device library this module can
// bind to — see DESIGN.md).
package main

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"flag"
	"log/slog"
	"math"
	"os"
	"time"

	"github.com/gorilla/websocket"

	"github.com/kira666-sentient/audiorelay/internal/frameio"
	"github.com/kira666-sentient/audiorelay/internal/listener"
	"github.com/kira666-sentient/audiorelay/internal/metrics"
	"github.com/kira666-sentient/audiorelay/internal/playback"
	"github.com/kira666-sentient/audiorelay/internal/protocol"
	"github.com/kira666-sentient/audiorelay/internal/timers"
)

// logSink logs every chunk it receives instead of touching a real output
// device, standing in for the Sink a native client would supply.
type logSink struct{}

func (logSink) Play(sourceID string, channel int, samples []float32) {
	var peak float32
	for _, v := range samples {
		if v < 0 {
			v = -v
		}
		if v > peak {
			peak = v
		}
	}
	slog.Debug("playback chunk", "source_id", sourceID, "channel", channel, "samples", len(samples), "peak", peak)
}

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	hubURL := flag.String("hub", "ws://127.0.0.1:3001/ws", "relay hub websocket URL")
	wantSource := flag.String("source", "", "sourceId to listen to (empty: listen to the first device seen)")
	outputRate := flag.Int("output-rate", 48000, "output sample rate the playback pipeline resamples to")
	latencyMode := flag.String("latency", string(playback.LatencyLow), "latency mode: ultra|low|stable")
	flag.Parse()

	conn, _, err := websocket.DefaultDialer.Dial(*hubURL, nil)
	if err != nil {
		slog.Error("dial hub", "url", *hubURL, "err", err)
		os.Exit(1)
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	counters := &metrics.Counters{}
	var joined string
	orch := listener.New(timers.Real, func(listenerID, srcID string, startSeq, endSeq uint32) {
		send(conn, protocol.Message{
			Type:     protocol.TypeRequestRetransmission,
			SourceID: srcID,
			StartSeq: startSeq,
			EndSeq:   endSeq,
		})
	}, logSink{}, *outputRate, playback.LatencyMode(*latencyMode), counters)

	go metrics.Run(ctx, counters, 5*time.Second)

	var myID string
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			slog.Error("read from hub", "err", err)
			return
		}
		if msgType == websocket.BinaryMessage {
			if joined != "" {
				handleFrame(orch, myID, joined, data)
			}
			continue
		}

		var msg protocol.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		switch msg.Type {
		case protocol.TypeJoin:
			myID = msg.ClientID
			slog.Info("joined hub", "client_id", myID)
		case protocol.TypeDeviceList:
			if joined != "" {
				continue
			}
			target := *wantSource
			if target == "" {
				for _, d := range msg.Devices {
					if d.Role == "source" {
						target = d.PeerID
						break
					}
				}
			}
			if target == "" {
				continue
			}
			joined = target
			send(conn, protocol.Message{Type: protocol.TypeJoinAsListener, SourceID: target})
			slog.Info("requested to join as listener", "source_id", target)
		case protocol.TypeJoinedAsListener:
			slog.Info("now listening", "source_id", msg.SourceID)
		case protocol.TypeStreamStopped:
			if msg.SourceID == joined {
				slog.Info("source stopped streaming", "source_id", msg.SourceID)
				orch.Drop(myID, joined)
				joined = ""
			}
		case protocol.TypeError:
			slog.Warn("hub error", "message", msg.Error)
		}
	}
}

func handleFrame(orch *listener.Orchestrator, listenerID, sourceID string, data []byte) {
	if len(data) < protocol.FrameHeaderSize {
		return
	}
	hdr := protocol.DecodeHeader(data)
	payload := data[protocol.FrameHeaderSize:]
	if len(payload)%4 != 0 {
		return
	}
	samples := make([]float32, len(payload)/4)
	for i := range samples {
		samples[i] = math.Float32frombits(binary.BigEndian.Uint32(payload[i*4 : i*4+4]))
	}
	f, err := frameio.Decode(samples, frameio.Meta{
		SourceID:   sourceID,
		Seq:        hdr.Seq,
		SampleRate: int(hdr.SampleRate),
		Channels:   int(hdr.Channels),
		Timestamp:  hdr.Timestamp,
	}, time.Now())
	if err != nil {
		return
	}
	f.IsRetransmission = hdr.IsRetransmission()
	orch.Submit(listenerID, f)
}

func send(conn *websocket.Conn, m protocol.Message) {
	_ = conn.SetWriteDeadline(time.Now().Add(2 * time.Second))
	if err := conn.WriteJSON(m); err != nil {
		slog.Debug("write control failed", "type", m.Type, "err", err)
	}
}
