package snapshot

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/e3-lab/beammon/internal/monitoring"
)

const wsWriteTimeout = 5 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 64 * 1024,
	CheckOrigin: func(r *http.Request) bool {
		// dashboard is served from the same host or a lab laptop
		return true
	},
}

// WebSocketHandler streams encoded frames as binary messages to browser
// clients. Each connection counts against MaxClients.
func (p *Publisher) WebSocketHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, frames, done, err := p.Subscribe("ws")
		if err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		defer p.Unsubscribe(id)

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			monitoring.Debugf("[Snapshot] websocket upgrade failed: %v", err)
			return
		}
		defer conn.Close()

		// Keep reading until the client disconnects.
		closed := make(chan struct{})
		go func() {
			defer close(closed)
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()

		for {
			select {
			case <-closed:
				return
			case <-done:
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
					time.Now().Add(wsWriteTimeout))
				return
			case pkt := <-frames:
				_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
				if err := conn.WriteMessage(websocket.BinaryMessage, pkt.Payload); err != nil {
					monitoring.Debugf("[Snapshot] websocket write to %s failed: %v", id, err)
					return
				}
			}
		}
	})
}
