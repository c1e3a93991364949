package relay

import (
	"context"
	"time"

	"github.com/fasthttp/websocket"
)

// Shutdown sends a websocket close control message to all connected clients
// and drops their subscriptions.
func (rl *Relay) Shutdown(c context.Context) {
	deadline := time.Now().Add(time.Second)
	if d, ok := c.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	rl.clients.Range(func(id string, ws *WebSocket) bool {
		ws.mutex.Lock()
		chk.D(ws.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
			deadline))
		ws.mutex.Unlock()
		chk.D(ws.conn.Close())
		rl.clients.Delete(id)
		if rl.Registry != nil {
			rl.Registry.UnregisterConnection(id)
		}
		return true
	})
}
