// Package wsconn adapts a gorilla/websocket connection to the registry's
// minimal Conn interface for the relay's client-facing listener.
package wsconn

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Conn wraps a *websocket.Conn with a write mutex, since gorilla's
// connection does not allow concurrent writers.
type Conn struct {
	ws     *websocket.Conn
	wmu    sync.Mutex
	closed bool
}

// Upgrade promotes an HTTP request to a websocket connection.
func Upgrade(w http.ResponseWriter, r *http.Request) (*Conn, error) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, err
	}
	return &Conn{ws: ws}, nil
}

// Send writes one text-framed envelope. Satisfies registry.Conn.
func (c *Conn) Send(envelope []byte) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	return c.ws.WriteMessage(websocket.TextMessage, envelope)
}

// ReadLoop blocks reading text frames and invokes onMessage for each,
// returning when the connection closes or the read fails.
func (c *Conn) ReadLoop(onMessage func([]byte)) error {
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			return err
		}
		onMessage(data)
	}
}

// SetPongDeadline arranges for a read deadline refreshed on every pong,
// matching the usual gorilla/websocket keepalive pattern.
func (c *Conn) SetPongDeadline(d time.Duration) {
	_ = c.ws.SetReadDeadline(time.Now().Add(d))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(d))
	})
}

// Close closes the underlying websocket connection. Idempotent.
func (c *Conn) Close() error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	return c.ws.Close()
}
