// Package rendezvous is the websocket signaling client shared by cmd/sender
// and cmd/receiver: it registers or joins a pin-keyed session with the relay
// and exchanges the opaque offer/answer envelope used to bootstrap the QUIC
// data pipe.
package rendezvous

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/gorilla/websocket"
)

// Client is a thin wrapper over a websocket connection to the relay.
type Client struct {
	conn *websocket.Conn
}

// Dial connects to the relay's signaling endpoint.
func Dial(relayAddr string) (*Client, error) {
	conn, _, err := websocket.DefaultDialer.Dial(relayAddr, nil)
	if err != nil {
		return nil, fmt.Errorf("rendezvous: dial %s: %w", relayAddr, err)
	}
	return &Client{conn: conn}, nil
}

// Close closes the signaling connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// Register creates a new session and returns its pin.
func (c *Client) Register() (string, error) {
	if err := c.send(map[string]any{"action": "register"}); err != nil {
		return "", err
	}
	msg, err := c.recv()
	if err != nil {
		return "", err
	}
	if err := errIfEnvelope(msg, "error"); err != nil {
		return "", err
	}
	pin, _ := msg["pin"].(string)
	if pin == "" {
		return "", fmt.Errorf("rendezvous: register reply missing pin")
	}
	return pin, nil
}

// Join joins an existing session by pin and waits for the "joined" ack.
func (c *Client) Join(pin string) error {
	if err := c.send(map[string]any{"action": "join", "pin": pin}); err != nil {
		return err
	}
	msg, err := c.recv()
	if err != nil {
		return err
	}
	return errIfEnvelope(msg, "error")
}

// AwaitPeer blocks until the other party has joined (peer-joined, for the
// party that registered) or has already joined (joined, handled by Join
// itself for the party that called it).
func (c *Client) AwaitPeer(timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		if err := c.conn.SetReadDeadline(deadline); err != nil {
			return err
		}
		msg, err := c.recv()
		if err != nil {
			return fmt.Errorf("rendezvous: waiting for peer: %w", err)
		}
		if t, _ := msg["type"].(string); t == "peer-joined" {
			return nil
		}
	}
}

// SendOffer relays an opaque offer payload (the QUIC dial address) to the
// paired peer.
func (c *Client) SendOffer(payload map[string]any) error {
	return c.send(map[string]any{"action": "offer", "payload": payload})
}

// AwaitOffer blocks until an offer arrives and returns its opaque payload.
func (c *Client) AwaitOffer(timeout time.Duration) (map[string]any, error) {
	deadline := time.Now().Add(timeout)
	for {
		if err := c.conn.SetReadDeadline(deadline); err != nil {
			return nil, err
		}
		msg, err := c.recv()
		if err != nil {
			return nil, fmt.Errorf("rendezvous: waiting for offer: %w", err)
		}
		if t, _ := msg["type"].(string); t == "offer" {
			payload, _ := msg["payload"].(map[string]any)
			return payload, nil
		}
	}
}

func (c *Client) send(envelope map[string]any) error {
	data, err := json.Marshal(envelope)
	if err != nil {
		return err
	}
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *Client) recv() (map[string]any, error) {
	_, data, err := c.conn.ReadMessage()
	if err != nil {
		return nil, err
	}
	var msg map[string]any
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("rendezvous: malformed envelope: %w", err)
	}
	return msg, nil
}

func errIfEnvelope(msg map[string]any, errType string) error {
	if t, _ := msg["type"].(string); t == errType {
		code, _ := msg["code"].(string)
		message, _ := msg["message"].(string)
		return fmt.Errorf("rendezvous: %s: %s", code, message)
	}
	return nil
}
