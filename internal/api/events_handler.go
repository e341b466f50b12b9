package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"streamvault/internal/events"
)

const (
	// DefaultHeartbeatInterval is how often observers are pinged.
	DefaultHeartbeatInterval = 30 * time.Second

	observerWriteWait   = 10 * time.Second
	observerReadLimit   = 512
	observerBufferBytes = 4 << 10
)

// Events upgrades the request to a WebSocket and forwards every event of the
// caller's tenant until either side goes away. The tenant always comes from
// the authenticated principal; inbound messages are read only to process
// control frames and are otherwise ignored.
func (h *Handler) Events(w http.ResponseWriter, r *http.Request) {
	principal, ok := h.requirePrincipal(w, r)
	if !ok {
		return
	}
	if h.Broadcaster == nil {
		writeError(w, http.StatusServiceUnavailable, errors.New("event stream unavailable"))
		return
	}
	sub, err := h.Broadcaster.Subscribe(r.Context(), principal.TenantID)
	if err != nil {
		h.logger(r).Warn("event subscription failed", "error", err)
		writeError(w, http.StatusServiceUnavailable, errors.New("event stream unavailable"))
		return
	}
	defer sub.Close()

	upgrader := websocket.Upgrader{
		ReadBufferSize:  observerBufferBytes,
		WriteBufferSize: observerBufferBytes,
		CheckOrigin:     h.CheckOrigin,
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already replied to the client.
		h.logger(r).Debug("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	logger := h.logger(r).With("user_id", principal.UserID)
	logger.Debug("observer connected")

	interval := h.HeartbeatInterval
	if interval <= 0 {
		interval = DefaultHeartbeatInterval
	}
	pongWait := 2 * interval

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		conn.SetReadLimit(observerReadLimit)
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(pongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-closed:
			logger.Debug("observer disconnected")
			return
		case event, ok := <-sub.Events():
			if !ok {
				closeObserver(conn, websocket.CloseGoingAway, "server shutting down")
				return
			}
			if err := writeEvent(conn, event); err != nil {
				logger.Debug("observer write failed", "error", err)
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(observerWriteWait)); err != nil {
				logger.Debug("observer ping failed", "error", err)
				return
			}
		}
	}
}

func writeEvent(conn *websocket.Conn, event events.Event) error {
	if err := conn.SetWriteDeadline(time.Now().Add(observerWriteWait)); err != nil {
		return err
	}
	return conn.WriteJSON(event)
}

func closeObserver(conn *websocket.Conn, code int, reason string) {
	message := websocket.FormatCloseMessage(code, reason)
	_ = conn.WriteControl(websocket.CloseMessage, message, time.Now().Add(observerWriteWait))
}
