package handlers

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/parking-lock-sync/backend/internal/clock"
	ws "github.com/parking-lock-sync/backend/internal/websocket"
	"pkt.systems/pslog"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Dashboards may be served from another origin.
		return true
	},
}

// WebSocketUpgrade returns a handler that upgrades HTTP connections to WebSocket.
func WebSocketUpgrade(hub *ws.Hub, clk clock.Clock, logger pslog.Logger) http.HandlerFunc {
	clk = clock.Ensure(clk)
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logger.Warn("api.websocket.upgrade_failed", "error", err)
			return
		}

		client := ws.NewClient(hub)
		hub.Register(client)

		go writePump(conn, client)
		go readPump(conn, client, hub, clk, logger)
	}
}

// writePump pumps messages from the hub to the WebSocket connection.
func writePump(conn *websocket.Conn, client *ws.Client) {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	for {
		select {
		case message, ok := <-client.Send():
			conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				// Hub closed the channel
				conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump pumps messages from the WebSocket connection to the hub.
func readPump(conn *websocket.Conn, client *ws.Client, hub *ws.Hub, clk clock.Clock, logger pslog.Logger) {
	defer func() {
		hub.Unregister(client)
		conn.Close()
	}()

	conn.SetReadLimit(65536)
	conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logger.Warn("api.websocket.read_failed", "error", err)
			}
			break
		}
		handleClientMessage(message, client, clk)
	}
}

// handleClientMessage answers client commands. Only ping is understood.
func handleClientMessage(message []byte, client *ws.Client, clk clock.Clock) {
	var reply ws.Message
	msg, err := ws.ParseClientMessage(message)
	switch {
	case err != nil:
		reply = ws.NewMessage(ws.TypeError, ws.ErrorPayload{Code: "bad_message", Message: "message is not valid JSON"}, clk.Now())
	case msg.Type == ws.TypePing:
		reply = ws.NewMessage(ws.TypePong, nil, clk.Now())
	default:
		reply = ws.NewMessage(ws.TypeError, ws.ErrorPayload{Code: "unknown_type", Message: "unsupported message type", OriginalType: string(msg.Type)}, clk.Now())
	}
	if data, err := reply.JSON(); err == nil {
		client.Reply(data)
	}
}
