package registry

import (
	"errors"
	"time"
)

// DefaultSessionTTL matches spec.md's 10-minute session lifetime.
const DefaultSessionTTL = 600 * time.Second

var (
	ErrSessionNotFound   = errors.New("registry: session not found")
	ErrSessionFull       = errors.New("registry: session already paired")
	ErrCapacityExceeded  = errors.New("registry: pin allocation retry budget exceeded")
	maxCreateRetries     = 8
)

// Session is the pin-keyed pairing record. SenderConnID is set at creation;
// ReceiverConnID is empty until a peer joins.
type Session struct {
	Pin            string    `json:"pin"`
	SenderConnID   string    `json:"senderConnId"`
	ReceiverConnID string    `json:"receiverConnId,omitempty"`
	ExpiresAt      time.Time `json:"expiresAt"`
}

// Paired reports whether both sides of the session have joined.
func (s Session) Paired() bool {
	return s.ReceiverConnID != ""
}

// expired reports whether the session's TTL has passed as of now.
func (s Session) expired(now time.Time) bool {
	return now.After(s.ExpiresAt)
}
