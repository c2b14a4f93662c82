// Package hub wires together presence, admission (rate limiting), replay
// history, and fan-out into the server side of the relay (C5 and C9 in
// spec.md), transport-agnostic: it depends only on a small Sender
// interface, which internal/ws implements over gorilla/websocket.
package hub

import (
	"log/slog"
	"sync"
	"time"

	"github.com/kira666-sentient/audiorelay/internal/frameio"
	"github.com/kira666-sentient/audiorelay/internal/history"
	"github.com/kira666-sentient/audiorelay/internal/metrics"
	"github.com/kira666-sentient/audiorelay/internal/presence"
	"github.com/kira666-sentient/audiorelay/internal/protocol"
	"github.com/kira666-sentient/audiorelay/internal/ratelimit"
)

// Sender is the transport-facing half of one connected peer. Implementations
// must be safe for concurrent SendFrame/SendControl calls from the hub's
// fan-out path and the connection's own read loop.
type Sender interface {
	SendFrame(f frameio.Frame) error
	SendControl(m protocol.Message) error
}

// Config bounds the hub's admission and retention behavior (spec §6).
type Config struct {
	MaxPacketsPerSec int
	HistoryMax       int
	HistoryAge       time.Duration
}

// peerConn pairs a registered Sender with its fan-out circuit breaker.
type peerConn struct {
	sender Sender
	health sendHealth
}

// Hub is the server-side relay core: one per deployment.
type Hub struct {
	mu    sync.RWMutex
	conns map[string]*peerConn

	presence *presence.Registry
	limiters *ratelimit.Registry
	history  *history.Store
	metrics  *metrics.Counters
}

// New returns an empty Hub configured per cfg. A nil m is replaced with a
// throwaway counter set so callers that don't care about metrics reporting
// don't need to construct one.
func New(cfg Config, m *metrics.Counters) *Hub {
	if m == nil {
		m = &metrics.Counters{}
	}
	return &Hub{
		conns:    make(map[string]*peerConn),
		presence: presence.New(),
		limiters: ratelimit.NewRegistry(cfg.MaxPacketsPerSec),
		history:  history.New(cfg.HistoryMax, cfg.HistoryAge),
		metrics:  m,
	}
}

// Connect registers peerID's transport Sender and joins it as idle
// (spec §4.5).
func (h *Hub) Connect(peerID string, s Sender) {
	h.mu.Lock()
	h.conns[peerID] = &peerConn{sender: s}
	h.mu.Unlock()
	h.presence.Join(peerID)
	slog.Info("peer connected", "peer_id", peerID)
}

// Disconnect tears down every piece of state peerID held: its source role
// (notifying former listeners), its listener subscription (notifying the
// source it leaves), its rate limiter bucket, and its replay history if it
// was a source.
func (h *Hub) Disconnect(peerID string) {
	formerListeners := h.presence.StopStreaming(peerID)
	formerSource := h.presence.LeaveAsListener(peerID)
	h.presence.Leave(peerID)
	h.limiters.Clear(peerID)
	h.history.Drop(peerID)

	h.mu.Lock()
	delete(h.conns, peerID)
	h.mu.Unlock()

	slog.Info("peer disconnected", "peer_id", peerID, "former_listener_count", len(formerListeners))
	for _, lid := range formerListeners {
		h.sendTo(lid, protocol.Message{Type: protocol.TypeStreamStopped, SourceID: peerID})
	}
	if formerSource != "" {
		h.sendTo(formerSource, protocol.Message{Type: protocol.TypeListenerLeft, SourceID: formerSource, ClientID: peerID})
	}
	h.broadcastListenerCounts()
	h.broadcastDeviceList()
}

// validSourceKind reports whether source is one of startStreaming's
// accepted source kinds (spec §4.8/§7).
func validSourceKind(source string) bool {
	switch source {
	case protocol.SourceMicrophone, protocol.SourceSystem, protocol.SourceFile:
		return true
	}
	return false
}

// validQuality reports whether quality is one of startStreaming's accepted
// quality tags (spec §4.8/§7).
func validQuality(quality string) bool {
	switch quality {
	case protocol.QualityLow, protocol.QualityMedium, protocol.QualityHigh, protocol.QualityUltra:
		return true
	}
	return false
}

// StartStreaming handles a startStreaming control message (spec §4.8).
// Rejects an unrecognized source kind or quality tag with an {ok:false}
// error reply before marking the peer as a source. Idempotent: a repeat
// call from a peer already streaming is ignored outright (no re-ack, no
// config overwrite, no re-broadcast) rather than replacing its config.
// Returns whether the peer is (now, or already was) an active source.
func (h *Hub) StartStreaming(peerID string, cfg presence.StreamConfig) bool {
	if !validSourceKind(cfg.Source) || !validQuality(cfg.Quality) {
		h.sendTo(peerID, protocol.Message{Type: protocol.TypeError, Error: "invalid source or quality"})
		return false
	}
	if h.presence.IsActiveSource(peerID) {
		return true
	}

	h.presence.StartStreaming(peerID, cfg)
	h.sendTo(peerID, protocol.Message{Type: protocol.TypeStreamingStarted, OK: true, SourceID: peerID})
	h.broadcastStreamStarted(peerID, cfg)
	h.broadcastDeviceList()
	slog.Info("stream started", "source_id", peerID, "source", cfg.Source, "quality", cfg.Quality)
	return true
}

// StopStreaming handles a stopStreaming control message. Idempotent: a
// peer not currently streaming is left unchanged.
func (h *Hub) StopStreaming(peerID string) {
	formerListeners := h.presence.StopStreaming(peerID)
	h.history.Drop(peerID)
	h.limiters.Clear(peerID)
	h.sendTo(peerID, protocol.Message{Type: protocol.TypeStreamStopped, OK: true, SourceID: peerID})
	for _, lid := range formerListeners {
		h.sendTo(lid, protocol.Message{Type: protocol.TypeStreamStopped, SourceID: peerID})
	}
	h.broadcastListenerCounts()
	h.broadcastDeviceList()
	slog.Info("stream stopped", "source_id", peerID, "displaced_listeners", len(formerListeners))
}

// JoinAsListener handles a joinAsListener control message. Returns false if
// sourceID isn't currently an active source. On success, notifies sourceID
// with listenerJoined (spec §4.8) in addition to acking the listener.
func (h *Hub) JoinAsListener(peerID, sourceID string) bool {
	ok := h.presence.JoinAsListener(peerID, sourceID)
	if !ok {
		h.sendTo(peerID, protocol.Message{Type: protocol.TypeError, Error: "source is not streaming"})
		return false
	}
	h.sendTo(peerID, protocol.Message{Type: protocol.TypeJoinedAsListener, OK: true, SourceID: sourceID})
	h.sendTo(sourceID, protocol.Message{Type: protocol.TypeListenerJoined, SourceID: sourceID, ClientID: peerID})
	h.broadcastListenerCounts()
	h.broadcastDeviceList()
	slog.Info("listener joined", "listener_id", peerID, "source_id", sourceID)
	return true
}

// LeaveAsListener handles a leaveAsListener control message. Idempotent.
// Notifies the former source with listenerLeft alongside the listener's own
// ack (spec §4.8's symmetric notification).
func (h *Hub) LeaveAsListener(peerID string) {
	formerSource := h.presence.LeaveAsListener(peerID)
	h.sendTo(peerID, protocol.Message{Type: protocol.TypeListenerLeft, OK: true})
	if formerSource != "" {
		h.sendTo(formerSource, protocol.Message{Type: protocol.TypeListenerLeft, SourceID: formerSource, ClientID: peerID})
	}
	h.broadcastListenerCounts()
	h.broadcastDeviceList()
}

// broadcastStreamStarted notifies every other connected peer that sourceID
// began streaming (spec §4.8), distinct from the streamingStarted ack sent
// back to sourceID itself.
func (h *Hub) broadcastStreamStarted(sourceID string, cfg presence.StreamConfig) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for peerID, conn := range h.conns {
		if peerID == sourceID {
			continue
		}
		_ = conn.sender.SendControl(protocol.Message{
			Type:       protocol.TypeStreamStarted,
			SourceID:   sourceID,
			Source:     cfg.Source,
			Quality:    cfg.Quality,
			DeviceName: cfg.DeviceName,
		})
	}
}

// RequestRetransmission handles a requestRetransmission control message
// (spec §4.3, §4.8): fetches the requested range from sourceID's history
// and sends it back to the requesting listener only, as binary frames
// carrying the retransmission flag.
func (h *Hub) RequestRetransmission(peerID, sourceID string, startSeq, endSeq uint32) {
	frames := h.history.FetchRange(sourceID, startSeq, endSeq)
	if h.metrics != nil {
		h.metrics.RetxRequests.Add(1)
	}
	h.mu.RLock()
	conn, ok := h.conns[peerID]
	h.mu.RUnlock()
	if !ok {
		return
	}
	for _, f := range frames {
		if err := conn.sender.SendFrame(f); err != nil {
			slog.Debug("retransmit send failed", "listener_id", peerID, "source_id", sourceID, "err", err)
			return
		}
	}
}

// IngestFrame is the inbound path for a raw audio frame arriving from a
// source connection: admission, recording, then fan-out (spec §2's data
// flow: producer -> C1 -> C2 -> C3 -> C5 -> listener sockets).
func (h *Hub) IngestFrame(sourceID string, f frameio.Frame, now time.Time) {
	if h.metrics != nil {
		h.metrics.PacketsReceived.Add(1)
		h.metrics.BytesReceived.Add(int64(len(f.Samples) * 4))
	}

	allowed, warn := h.limiters.Admit(sourceID, now)
	if warn {
		h.sendTo(sourceID, protocol.Message{Type: protocol.TypeRateLimitWarning, SourceID: sourceID})
	}
	if !allowed {
		if h.metrics != nil {
			h.metrics.Drops.Add(1)
		}
		return
	}

	h.history.Record(sourceID, f)
	h.broadcast(sourceID, f)
}

// broadcast fans f out to every current listener of sourceID, using a
// snapshot-then-release pattern so one slow listener can never block the
// others or hold the presence/conn locks during network I/O (spec §5).
func (h *Hub) broadcast(sourceID string, f frameio.Frame) {
	listenerIDs := h.presence.ListenersOf(sourceID)
	if len(listenerIDs) == 0 {
		return
	}

	type target struct {
		id   string
		conn *peerConn
	}
	h.mu.RLock()
	targets := make([]target, 0, len(listenerIDs))
	for _, id := range listenerIDs {
		if c, ok := h.conns[id]; ok {
			targets = append(targets, target{id: id, conn: c})
		}
	}
	h.mu.RUnlock()

	for _, t := range targets {
		if t.conn.health.shouldSkip() {
			continue
		}
		if err := t.conn.sender.SendFrame(f); err != nil {
			n := t.conn.health.recordFailure()
			if n == circuitBreakerThreshold {
				slog.Warn("circuit breaker open for listener", "listener_id", t.id, "failures", n)
			}
		} else if t.conn.health.recordSuccess() {
			slog.Info("circuit breaker closed for listener", "listener_id", t.id)
		}
	}
}

func (h *Hub) sendTo(peerID string, m protocol.Message) {
	h.mu.RLock()
	conn, ok := h.conns[peerID]
	h.mu.RUnlock()
	if !ok {
		return
	}
	if err := conn.sender.SendControl(m); err != nil {
		slog.Debug("control send failed", "peer_id", peerID, "type", m.Type, "err", err)
	}
}

func (h *Hub) broadcastListenerCounts() {
	counts := h.presence.ListenerCounts()
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, conn := range h.conns {
		_ = conn.sender.SendControl(protocol.Message{Type: protocol.TypeListenerCounts, Counts: counts})
	}
}

func (h *Hub) broadcastDeviceList() {
	devices := h.presence.Devices()
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, conn := range h.conns {
		_ = conn.sender.SendControl(protocol.Message{Type: protocol.TypeDeviceList, Devices: devices})
	}
}

// Devices returns a deviceList snapshot (used by the /devices HTTP endpoint).
func (h *Hub) Devices() []protocol.DeviceInfo {
	return h.presence.Devices()
}

// ListenerCounts returns the current per-source listener counts (used by
// the /status HTTP endpoint).
func (h *Hub) ListenerCounts() map[string]int {
	return h.presence.ListenerCounts()
}

// PeerCount returns the number of currently connected peers.
func (h *Hub) PeerCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}
