// Package registry implements the rendezvous/session registry: a
// short-code allocator and pairing store backed by boltdb, plus the relay
// routing logic for a signaling handler built on top of it.
package registry

import (
	"encoding/json"
	"path/filepath"
	"sync"
	"time"

	"github.com/boltdb/bolt"

	"github.com/parceldrop/parceldrop/internal/observability"
)

var (
	bucketSessions    = []byte("sessions")    // key: pin,     value: JSON Session
	bucketConnections = []byte("connections") // key: connId,  value: pin
)

// Store is a boltdb-backed session registry with a background TTL sweep.
// Boltdb has no native per-key expiry, so every read path additionally
// treats a found-but-expired row as absent regardless of the sweep's
// cadence, matching spec.md invariant 5.
type Store struct {
	db            *bolt.DB
	ttl           time.Duration
	sweepInterval time.Duration
	metrics       *observability.Metrics
	logger        *observability.Logger

	mu        sync.Mutex // serializes the create-retry loop's read-then-write
	stopSweep chan struct{}
	sweepDone chan struct{}
}

// StoreOptions configures Store. Metrics and Logger may be nil.
type StoreOptions struct {
	TTL           time.Duration
	SweepInterval time.Duration
	Metrics       *observability.Metrics
	Logger        *observability.Logger
}

// OpenStore opens (creating if absent) the boltdb file at path.
func OpenStore(path string, opts StoreOptions) (*Store, error) {
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = DefaultSessionTTL
	}
	sweep := opts.SweepInterval
	if sweep <= 0 {
		sweep = 30 * time.Second
	}

	db, err := bolt.Open(filepath.Clean(path), 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, err
	}
	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketSessions); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(bucketConnections)
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	s := &Store{
		db:            db,
		ttl:           ttl,
		sweepInterval: sweep,
		metrics:       opts.Metrics,
		logger:        opts.Logger,
		stopSweep:     make(chan struct{}),
		sweepDone:     make(chan struct{}),
	}
	go s.sweepLoop()
	return s, nil
}

// Close stops the sweep goroutine and closes the underlying database.
func (s *Store) Close() error {
	close(s.stopSweep)
	<-s.sweepDone
	return s.db.Close()
}

// CreateSession allocates a fresh, collision-free pin for senderConnID.
func (s *Store) CreateSession(senderConnID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for attempt := 0; attempt < maxCreateRetries; attempt++ {
		pin, err := GeneratePin()
		if err != nil {
			return "", err
		}

		created := false
		collided := false
		err = s.db.Update(func(tx *bolt.Tx) error {
			sb := tx.Bucket(bucketSessions)
			if existing := sb.Get([]byte(pin)); existing != nil {
				var sess Session
				if json.Unmarshal(existing, &sess) == nil && !sess.expired(time.Now()) {
					collided = true
					return nil // collision with a live session: retry
				}
			}
			sess := Session{
				Pin:          pin,
				SenderConnID: senderConnID,
				ExpiresAt:    time.Now().Add(s.ttl),
			}
			data, err := json.Marshal(sess)
			if err != nil {
				return err
			}
			if err := sb.Put([]byte(pin), data); err != nil {
				return err
			}
			cb := tx.Bucket(bucketConnections)
			if err := cb.Put([]byte(senderConnID), []byte(pin)); err != nil {
				return err
			}
			created = true
			return nil
		})
		if err != nil {
			return "", err
		}
		if created {
			return pin, nil
		}
		if collided && s.metrics != nil {
			s.metrics.RecordPinCollision()
		}
	}
	return "", ErrCapacityExceeded
}

// JoinSession pairs receiverConnID with the session at pin. Returns
// ErrInvalidPin for a malformed pin, ErrSessionNotFound if absent/expired,
// ErrSessionFull if already paired.
func (s *Store) JoinSession(pin, receiverConnID string) error {
	normalised, err := ValidatePin(pin)
	if err != nil {
		return ErrInvalidPin
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		sb := tx.Bucket(bucketSessions)
		raw := sb.Get([]byte(normalised))
		if raw == nil {
			return ErrSessionNotFound
		}
		var sess Session
		if err := json.Unmarshal(raw, &sess); err != nil {
			return ErrSessionNotFound
		}
		if sess.expired(time.Now()) {
			return ErrSessionNotFound
		}
		if sess.Paired() {
			return ErrSessionFull
		}

		sess.ReceiverConnID = receiverConnID
		sess.ExpiresAt = time.Now().Add(s.ttl)
		data, err := json.Marshal(sess)
		if err != nil {
			return err
		}
		if err := sb.Put([]byte(normalised), data); err != nil {
			return err
		}
		cb := tx.Bucket(bucketConnections)
		return cb.Put([]byte(receiverConnID), []byte(normalised))
	})
}

// GetSession returns the session record for pin, or ErrSessionNotFound if
// absent or expired.
func (s *Store) GetSession(pin string) (Session, error) {
	var out Session
	err := s.db.View(func(tx *bolt.Tx) error {
		sb := tx.Bucket(bucketSessions)
		raw := sb.Get([]byte(pin))
		if raw == nil {
			return ErrSessionNotFound
		}
		var sess Session
		if err := json.Unmarshal(raw, &sess); err != nil {
			return ErrSessionNotFound
		}
		if sess.expired(time.Now()) {
			return ErrSessionNotFound
		}
		out = sess
		return nil
	})
	return out, err
}

// GetPinByConnectionID resolves the reverse mapping, honoring the same
// expiry check as GetSession.
func (s *Store) GetPinByConnectionID(connID string) (string, bool) {
	var pin string
	err := s.db.View(func(tx *bolt.Tx) error {
		cb := tx.Bucket(bucketConnections)
		raw := cb.Get([]byte(connID))
		if raw == nil {
			return ErrSessionNotFound
		}
		pin = string(raw)
		sb := tx.Bucket(bucketSessions)
		sraw := sb.Get([]byte(pin))
		if sraw == nil {
			return ErrSessionNotFound
		}
		var sess Session
		if err := json.Unmarshal(sraw, &sess); err != nil || sess.expired(time.Now()) {
			return ErrSessionNotFound
		}
		return nil
	})
	if err != nil {
		return "", false
	}
	return pin, true
}

// RemoveSession deletes both reverse mappings (if present) and the session
// hash. Idempotent.
func (s *Store) RemoveSession(pin string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		sb := tx.Bucket(bucketSessions)
		raw := sb.Get([]byte(pin))
		if raw != nil {
			var sess Session
			if json.Unmarshal(raw, &sess) == nil {
				cb := tx.Bucket(bucketConnections)
				if sess.SenderConnID != "" {
					_ = cb.Delete([]byte(sess.SenderConnID))
				}
				if sess.ReceiverConnID != "" {
					_ = cb.Delete([]byte(sess.ReceiverConnID))
				}
			}
		}
		return sb.Delete([]byte(pin))
	})
}

func (s *Store) sweepLoop() {
	defer close(s.sweepDone)
	ticker := time.NewTicker(s.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopSweep:
			return
		case <-ticker.C:
			_, _ = s.sweepExpired()
		}
	}
}

// sweepExpired deletes every expired session and its reverse mappings.
// Tests call it directly; the background loop calls it on sweepInterval.
func (s *Store) sweepExpired() (int, error) {
	now := time.Now()
	var expired []string
	err := s.db.Update(func(tx *bolt.Tx) error {
		sb := tx.Bucket(bucketSessions)
		cb := tx.Bucket(bucketConnections)
		c := sb.Cursor()
		var expiredPins [][]byte
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var sess Session
			if json.Unmarshal(v, &sess) != nil || sess.expired(now) {
				expiredPins = append(expiredPins, append([]byte(nil), k...))
			}
		}
		for _, pin := range expiredPins {
			raw := sb.Get(pin)
			if raw != nil {
				var sess Session
				if json.Unmarshal(raw, &sess) == nil {
					if sess.SenderConnID != "" {
						_ = cb.Delete([]byte(sess.SenderConnID))
					}
					if sess.ReceiverConnID != "" {
						_ = cb.Delete([]byte(sess.ReceiverConnID))
					}
				}
			}
			if err := sb.Delete(pin); err != nil {
				return err
			}
			expired = append(expired, string(pin))
		}
		return nil
	})
	if s.metrics != nil {
		for range expired {
			s.metrics.RecordSessionRemoved(true)
		}
	}
	if s.logger != nil {
		for _, pin := range expired {
			s.logger.SessionExpired(pin)
		}
	}
	return len(expired), err
}
