// Package ws owns the single websocket connection per peer that carries
// both JSON control messages and binary audio frames (spec §6: one
// channel, no separate framing), grounded on the teacher's gorilla/
// websocket handler but generalized from a pure control stream to a
// multiplexed control+binary one.
package ws

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"github.com/kira666-sentient/audiorelay/internal/hub"
	"github.com/kira666-sentient/audiorelay/internal/protocol"
)

const (
	writeTimeout = 5 * time.Second
	readLimit    = 1 << 20
)

// Handler upgrades HTTP requests to websocket connections and drives the
// relay's session control + frame ingestion loop over them.
type Handler struct {
	hub      *hub.Hub
	upgrader websocket.Upgrader
	origins  map[string]bool
}

// NewHandler returns a Handler bound to h, accepting connections only from
// allowedOrigins (spec §6's LAN-scoped deployment model).
func NewHandler(h *hub.Hub, allowedOrigins []string) *Handler {
	origins := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		origins[o] = true
	}
	return &Handler{
		hub: h,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
		origins: origins,
	}
}

// Register binds the websocket route on an Echo router.
func (h *Handler) Register(e *echo.Echo) {
	h.upgrader.CheckOrigin = h.checkOrigin
	e.GET("/ws", h.HandleWebSocket)
}

func (h *Handler) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true // non-browser clients send no Origin header
	}
	return h.origins[origin]
}

// HandleWebSocket upgrades one request and serves it until disconnect.
func (h *Handler) HandleWebSocket(c echo.Context) error {
	remoteAddr := c.RealIP()
	conn, err := h.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		slog.Error("ws upgrade failed", "remote", remoteAddr, "err", err)
		return fmt.Errorf("upgrade websocket: %w", err)
	}
	peerID := uuid.NewString()
	h.serveConn(conn, peerID, remoteAddr)
	return nil
}

// serveConn runs one peer's connection for its whole lifetime.
func (h *Handler) serveConn(conn *websocket.Conn, peerID, remoteAddr string) {
	defer conn.Close()
	conn.SetReadLimit(readLimit)

	peer := newPeerConn(conn)
	h.hub.Connect(peerID, peer)
	slog.Info("ws connected", "peer_id", peerID, "remote", remoteAddr)

	go peer.writeLoop()
	defer func() {
		peer.close()
		h.hub.Disconnect(peerID)
		slog.Info("ws disconnected", "peer_id", peerID, "remote", remoteAddr)
	}()

	_ = peer.SendControl(protocol.Message{Type: protocol.TypeJoin, OK: true, ClientID: peerID})

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				slog.Debug("ws unexpected close", "peer_id", peerID, "err", err)
			}
			return
		}

		switch msgType {
		case websocket.TextMessage:
			h.handleControlBytes(peerID, data)
		case websocket.BinaryMessage:
			h.handleFrameBytes(peerID, data)
		}
	}
}
