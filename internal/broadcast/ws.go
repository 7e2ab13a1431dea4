package broadcast

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10

	// Subscribers only send control frames; anything bigger is abuse.
	maxMessageSize = 512
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The dashboard is served from arbitrary origins in dev setups.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// wsClient bridges one WebSocket connection to a hub sink.
type wsClient struct {
	hub    *Hub
	conn   *websocket.Conn
	sink   *Sink
	logger *slog.Logger
}

// ServeWS upgrades an HTTP request and streams fraud-log entries to the
// connection until the peer disconnects.
func ServeWS(hub *Hub, logger *slog.Logger, w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Error("websocket upgrade failed", "error", err)
		return
	}

	c := &wsClient{
		hub:    hub,
		conn:   conn,
		sink:   hub.Attach(),
		logger: logger,
	}

	go c.writePump()
	go c.readPump()
}

// readPump consumes control frames and detects disconnects.
func (c *wsClient) readPump() {
	defer func() {
		c.hub.Detach(c.sink)
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Debug("websocket closed unexpectedly", "error", err)
			}
			return
		}
	}
}

// writePump relays sink messages to the connection and keeps it alive
// with pings.
func (c *wsClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case payload, ok := <-c.sink.C():
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
