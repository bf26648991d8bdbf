package registry

import (
	"context"
	"encoding/json"
	"sync"

	"go.opentelemetry.io/otel"

	"github.com/parceldrop/parceldrop/internal/observability"
)

var tracer = otel.Tracer("parceldrop/registry")

// Error codes from the closed set in spec.md §6.
const (
	CodePinInUse         = "PIN_IN_USE"
	CodeInvalidPin       = "INVALID_PIN"
	CodeSessionFull      = "SESSION_FULL"
	CodeRateLimited      = "RATE_LIMITED"
	CodeCapacityExceeded = "CAPACITY_EXCEEDED"
	CodeMalformedMessage = "MALFORMED_MESSAGE"
)

// relayableActions is the closed set of message types whose payload the
// Handler forwards opaquely, never interpreting it.
var relayableActions = map[string]bool{
	"offer":     true,
	"answer":    true,
	"candidate": true,
	"control":   true,
}

// Handler is the signaling-pipe message router: it owns no transport
// itself, just the mapping from connection id to the Conn used to push a
// reply, and the Store used for pairing.
type Handler struct {
	store   *Store
	metrics *observability.Metrics
	logger  *observability.Logger

	mu    sync.Mutex
	conns map[string]Conn
}

// NewHandler creates a Handler backed by store. metrics and logger may be
// nil, in which case the Handler records/logs nothing beyond relaying.
func NewHandler(store *Store, metrics *observability.Metrics, logger *observability.Logger) *Handler {
	return &Handler{
		store:   store,
		metrics: metrics,
		logger:  logger,
		conns:   make(map[string]Conn),
	}
}

// Register associates connID with conn so the Handler can push replies and
// relayed messages to it. Call once per accepted signaling connection.
func (h *Handler) Register(connID string, conn Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.conns[connID] = conn
}

// Unregister notifies the paired peer (if any) of the disconnect, removes
// the session, and forgets the connection. Call on signaling connection
// close.
func (h *Handler) Unregister(connID string) {
	h.mu.Lock()
	delete(h.conns, connID)
	h.mu.Unlock()

	pin, ok := h.store.GetPinByConnectionID(connID)
	if !ok {
		return
	}
	sess, err := h.store.GetSession(pin)
	if err == nil {
		if other := otherParty(sess, connID); other != "" {
			h.sendTo(other, map[string]any{"type": "peer-left"})
		}
	}
	_ = h.store.RemoveSession(pin)
	if h.metrics != nil {
		h.metrics.RecordSessionRemoved(false)
	}
}

// HandleMessage parses and routes one inbound envelope from connID. The
// routing key is tolerant of both "action" (client-to-server) and "type"
// (accepted for symmetry), per spec.md §9's resolved envelope question.
func (h *Handler) HandleMessage(connID string, raw []byte) {
	_, span := tracer.Start(context.Background(), "registry.handleMessage")
	defer span.End()

	var msg map[string]json.RawMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		h.sendError(connID, CodeMalformedMessage, "malformed JSON")
		return
	}

	action, ok := discriminator(msg)
	if !ok {
		h.sendError(connID, CodeMalformedMessage, "missing action/type")
		return
	}

	switch action {
	case "register":
		h.handleRegister(connID)
	case "join":
		h.handleJoin(connID, msg)
	default:
		if relayableActions[action] {
			h.relay(connID, action, msg)
			return
		}
		h.sendError(connID, CodeMalformedMessage, "unknown action")
	}
}

func (h *Handler) handleRegister(connID string) {
	pin, err := h.store.CreateSession(connID)
	if err != nil {
		if h.metrics != nil {
			h.metrics.RecordSessionCreated(false)
		}
		h.sendError(connID, CodeCapacityExceeded, err.Error())
		return
	}
	if h.metrics != nil {
		h.metrics.RecordSessionCreated(true)
	}
	if h.logger != nil {
		h.logger.SessionCreated(pin)
	}
	h.sendTo(connID, map[string]any{"type": "register", "pin": pin})
}

func (h *Handler) handleJoin(connID string, msg map[string]json.RawMessage) {
	var pin string
	if raw, ok := msg["pin"]; ok {
		_ = json.Unmarshal(raw, &pin)
	}

	err := h.store.JoinSession(pin, connID)
	switch err {
	case nil:
		if h.metrics != nil {
			h.metrics.RecordSessionJoined()
		}
		if h.logger != nil {
			h.logger.SessionPaired(pin)
		}
		h.sendTo(connID, map[string]any{"type": "joined"})
		if sess, gerr := h.store.GetSession(pin); gerr == nil {
			if other := otherParty(sess, connID); other != "" {
				h.sendTo(other, map[string]any{"type": "peer-joined"})
			}
		}
	case ErrInvalidPin, ErrSessionNotFound:
		h.sendError(connID, CodeInvalidPin, "no such session")
	case ErrSessionFull:
		h.sendError(connID, CodeSessionFull, "session already paired")
	default:
		h.sendError(connID, CodeMalformedMessage, err.Error())
	}
}

// relay forwards an offer/answer/candidate/control message verbatim to the
// other party in the sender's session, rewriting only the discriminator key
// to "type" on the wire out; every other field, including the opaque
// payload, passes through unmodified.
func (h *Handler) relay(connID, action string, msg map[string]json.RawMessage) {
	pin, ok := h.store.GetPinByConnectionID(connID)
	if !ok {
		return // no session: drop silently
	}
	sess, err := h.store.GetSession(pin)
	if err != nil {
		return
	}
	other := otherParty(sess, connID)
	if other == "" {
		return
	}

	if h.metrics != nil {
		h.metrics.RecordRelayMessage(action)
	}

	delete(msg, "action")
	typeVal, _ := json.Marshal(action)
	msg["type"] = typeVal

	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	h.sendRaw(other, data)
}

func (h *Handler) sendError(connID, code, message string) {
	h.sendTo(connID, map[string]any{"type": "error", "code": code, "message": message})
}

func (h *Handler) sendTo(connID string, envelope map[string]any) {
	data, err := json.Marshal(envelope)
	if err != nil {
		return
	}
	h.sendRaw(connID, data)
}

func (h *Handler) sendRaw(connID string, data []byte) {
	h.mu.Lock()
	conn, ok := h.conns[connID]
	h.mu.Unlock()
	if !ok {
		return
	}
	_ = conn.Send(data)
}

func discriminator(msg map[string]json.RawMessage) (string, bool) {
	for _, key := range []string{"action", "type"} {
		if raw, ok := msg[key]; ok {
			var val string
			if json.Unmarshal(raw, &val) == nil && val != "" {
				return val, true
			}
		}
	}
	return "", false
}

func otherParty(sess Session, connID string) string {
	switch connID {
	case sess.SenderConnID:
		return sess.ReceiverConnID
	case sess.ReceiverConnID:
		return sess.SenderConnID
	default:
		return ""
	}
}
