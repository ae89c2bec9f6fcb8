package api

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"otsentry/internal/broadcast"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 512
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// SocketHandler upgrades /ws requests and attaches each connection to the hub.
type SocketHandler struct {
	hub    *broadcast.Hub
	logger zerolog.Logger
}

// NewSocketHandler creates a websocket handler.
func NewSocketHandler(hub *broadcast.Hub, logger zerolog.Logger) *SocketHandler {
	return &SocketHandler{
		hub:    hub,
		logger: logger.With().Str("component", "websocket").Logger(),
	}
}

// HandleSocket serves one real-time client until either side disconnects.
func (h *SocketHandler) HandleSocket(c echo.Context) error {
	if h.hub == nil {
		return NewServiceUnavailableError("broadcast hub is not configured")
	}
	sub, err := h.hub.Register()
	if err != nil {
		return NewServiceUnavailableError("broadcast hub is closed")
	}

	conn, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		h.hub.Unregister(sub)
		h.logger.Warn().Err(err).Msg("upgrade failed")
		return nil
	}

	client := &socketClient{
		conn:   conn,
		sub:    sub,
		logger: h.logger.With().Str("subscriber", sub.ID()).Str("remote", conn.RemoteAddr().String()).Logger(),
	}
	client.logger.Info().Int("subscribers", h.hub.Len()).Msg("client connected")

	go client.writePump()
	client.readPump()

	h.hub.Unregister(sub)
	client.logger.Info().Msg("client disconnected")
	return nil
}

// socketClient pairs a websocket connection with its hub subscriber.
type socketClient struct {
	conn   *websocket.Conn
	sub    *broadcast.Subscriber
	logger zerolog.Logger
}

// readPump discards inbound messages and keeps the pong deadline fresh.
// It returns when the peer goes away or the subscriber is dropped.
func (c *socketClient) readPump() {
	defer c.conn.Close()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	go func() {
		<-c.sub.Done()
		_ = c.conn.SetReadDeadline(time.Now())
	}()

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				c.logger.Debug().Err(err).Msg("read error")
			}
			return
		}
	}
}

// writePump sends queued frames one websocket message each, plus periodic pings.
func (c *socketClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case frame, ok := <-c.sub.Frames():
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "subscriber closed"))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, frame.Payload); err != nil {
				c.logger.Debug().Err(err).Msg("write error")
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.logger.Debug().Err(err).Msg("ping error")
				return
			}
		}
	}
}
