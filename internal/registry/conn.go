package registry

// Conn is the minimal signaling-pipe surface the Handler needs to push an
// envelope to one connection. internal/wsconn adapts a *websocket.Conn to
// this interface.
type Conn interface {
	Send(envelope []byte) error
}
