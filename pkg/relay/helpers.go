package relay

import (
	"context"
	"net/http"
	"sync"

	"github.com/fasthttp/websocket"
	"github.com/sebest/xff"
	"golang.org/x/time/rate"
)

type contextKey int

const (
	websocketContextKey contextKey = iota
	subscriptionIDContextKey
)

// WebSocket is one client connection. Writes are serialized.
type WebSocket struct {
	ID      string
	Request *http.Request
	conn    *websocket.Conn
	mutex   sync.Mutex
	limiter *rate.Limiter
}

func (ws *WebSocket) WriteJSON(v any) (err error) {
	ws.mutex.Lock()
	defer ws.mutex.Unlock()
	return ws.conn.WriteJSON(v)
}

func (ws *WebSocket) WriteMessage(t int, b []byte) (err error) {
	ws.mutex.Lock()
	defer ws.mutex.Unlock()
	return ws.conn.WriteMessage(t, b)
}

// RealRemote is the client address, honouring X-Forwarded-For from trusted
// proxies.
func (ws *WebSocket) RealRemote() string { return xff.GetRemoteAddr(ws.Request) }

// GetConnection returns the connection a hook is running for, or nil.
func GetConnection(c context.Context) *WebSocket {
	ws, _ := c.Value(websocketContextKey).(*WebSocket)
	return ws
}

// GetIP is the remote address of the connection in c.
func GetIP(c context.Context) string {
	if ws := GetConnection(c); ws != nil {
		return ws.RealRemote()
	}
	return ""
}

// GetSubscriptionID is the REQ id a query hook is serving.
func GetSubscriptionID(c context.Context) string {
	id, _ := c.Value(subscriptionIDContextKey).(string)
	return id
}
