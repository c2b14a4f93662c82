package ws

import (
	"encoding/binary"
	"encoding/json"
	"log/slog"
	"math"
	"time"

	"github.com/kira666-sentient/audiorelay/internal/frameio"
	"github.com/kira666-sentient/audiorelay/internal/presence"
	"github.com/kira666-sentient/audiorelay/internal/protocol"
)

func decodeFloat32(b []byte) float32 {
	return math.Float32frombits(binary.BigEndian.Uint32(b))
}

// handleControlBytes decodes one JSON control frame and dispatches it to
// the hub (spec §4.8, §6).
func (h *Handler) handleControlBytes(peerID string, data []byte) {
	var msg protocol.Message
	if err := json.Unmarshal(data, &msg); err != nil {
		slog.Debug("ws bad control json", "peer_id", peerID, "err", err)
		return
	}

	switch msg.Type {
	case protocol.TypeStartStreaming:
		h.hub.StartStreaming(peerID, presence.StreamConfig{
			Source:     msg.Source,
			Quality:    msg.Quality,
			DeviceName: msg.DeviceName,
		})

	case protocol.TypeStopStreaming:
		h.hub.StopStreaming(peerID)

	case protocol.TypeJoinAsListener:
		h.hub.JoinAsListener(peerID, msg.SourceID)

	case protocol.TypeLeaveAsListener:
		h.hub.LeaveAsListener(peerID)

	case protocol.TypeRequestRetransmission:
		h.hub.RequestRetransmission(peerID, msg.SourceID, msg.StartSeq, msg.EndSeq)

	default:
		slog.Debug("ws unknown control type", "peer_id", peerID, "type", msg.Type)
	}
}

// handleFrameBytes decodes one binary audio frame and ingests it into the
// hub. sourceID is the sending peer itself. There is no role check here: a
// well-formed frame from a peer that hasn't called startStreaming is still
// rate-limited, counted and recorded in that peer's history, but has no
// listeners to fan out to.
func (h *Handler) handleFrameBytes(peerID string, data []byte) {
	if len(data) < protocol.FrameHeaderSize {
		slog.Debug("ws short frame", "peer_id", peerID, "len", len(data))
		return
	}
	hdr := protocol.DecodeHeader(data)
	payload := data[protocol.FrameHeaderSize:]
	if len(payload)%4 != 0 {
		slog.Debug("ws misaligned frame payload", "peer_id", peerID, "len", len(payload))
		return
	}

	samples := make([]float32, len(payload)/4)
	for i := range samples {
		samples[i] = decodeFloat32(payload[i*4 : i*4+4])
	}

	f, err := frameio.Decode(samples, frameio.Meta{
		SourceID:   peerID,
		Seq:        hdr.Seq,
		SampleRate: int(hdr.SampleRate),
		Channels:   int(hdr.Channels),
		Timestamp:  hdr.Timestamp,
	}, time.Now())
	if err != nil {
		slog.Debug("ws frame rejected", "peer_id", peerID, "err", err)
		return
	}

	h.hub.IngestFrame(peerID, f, time.Now())
}
