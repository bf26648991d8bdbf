package registry

import (
	"path/filepath"
	"testing"
	"time"
)

func openTestStore(t *testing.T, ttl time.Duration) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "registry.db")
	s, err := OpenStore(path, StoreOptions{TTL: ttl, SweepInterval: time.Hour})
	if err != nil {
		t.Fatalf("OpenStore failed: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestCreateSession_ReturnsValidPin(t *testing.T) {
	s := openTestStore(t, DefaultSessionTTL)
	pin, err := s.CreateSession("sender-1")
	if err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}
	if _, err := ValidatePin(pin); err != nil {
		t.Fatalf("generated pin %q failed validation: %v", pin, err)
	}
}

func TestCreateSession_ConcurrentCallsAreDistinct(t *testing.T) {
	s := openTestStore(t, DefaultSessionTTL)
	const n = 50
	pins := make(chan string, n)
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		go func(i int) {
			pin, err := s.CreateSession("sender")
			pins <- pin
			errs <- err
		}(i)
	}
	seen := make(map[string]bool)
	for i := 0; i < n; i++ {
		if err := <-errs; err != nil {
			t.Fatalf("CreateSession failed: %v", err)
		}
		pin := <-pins
		if seen[pin] {
			t.Fatalf("duplicate pin %q returned to concurrent callers", pin)
		}
		seen[pin] = true
	}
}

func TestJoinSession_PairsAndRefreshesTTL(t *testing.T) {
	s := openTestStore(t, DefaultSessionTTL)
	pin, _ := s.CreateSession("sender-1")

	if err := s.JoinSession(pin, "receiver-1"); err != nil {
		t.Fatalf("JoinSession failed: %v", err)
	}

	sess, err := s.GetSession(pin)
	if err != nil {
		t.Fatalf("GetSession failed: %v", err)
	}
	if sess.SenderConnID != "sender-1" || sess.ReceiverConnID != "receiver-1" {
		t.Fatalf("unexpected session: %+v", sess)
	}
}

func TestJoinSession_RejectsSecondJoin(t *testing.T) {
	s := openTestStore(t, DefaultSessionTTL)
	pin, _ := s.CreateSession("sender-1")
	if err := s.JoinSession(pin, "receiver-1"); err != nil {
		t.Fatalf("first join failed: %v", err)
	}
	if err := s.JoinSession(pin, "receiver-2"); err != ErrSessionFull {
		t.Fatalf("expected ErrSessionFull, got %v", err)
	}
}

func TestJoinSession_UnknownPin(t *testing.T) {
	s := openTestStore(t, DefaultSessionTTL)
	if err := s.JoinSession("ZZZZZZ", "receiver-1"); err != ErrSessionNotFound {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
}

func TestJoinSession_MalformedPin(t *testing.T) {
	s := openTestStore(t, DefaultSessionTTL)
	if err := s.JoinSession("bad", "receiver-1"); err != ErrInvalidPin {
		t.Fatalf("expected ErrInvalidPin, got %v", err)
	}
}

func TestGetPinByConnectionID_ReverseMapping(t *testing.T) {
	s := openTestStore(t, DefaultSessionTTL)
	pin, _ := s.CreateSession("sender-1")
	_ = s.JoinSession(pin, "receiver-1")

	got, ok := s.GetPinByConnectionID("sender-1")
	if !ok || got != pin {
		t.Fatalf("expected pin %q for sender, got %q (ok=%v)", pin, got, ok)
	}
	got, ok = s.GetPinByConnectionID("receiver-1")
	if !ok || got != pin {
		t.Fatalf("expected pin %q for receiver, got %q (ok=%v)", pin, got, ok)
	}
}

func TestSessionExpiry_TreatsExpiredAsAbsent(t *testing.T) {
	s := openTestStore(t, 10*time.Millisecond)
	pin, _ := s.CreateSession("sender-1")

	time.Sleep(30 * time.Millisecond)

	if _, err := s.GetSession(pin); err != ErrSessionNotFound {
		t.Fatalf("expected expired session to read as not found, got %v", err)
	}
	if _, ok := s.GetPinByConnectionID("sender-1"); ok {
		t.Fatal("expected expired reverse mapping to read as absent")
	}
	if err := s.JoinSession(pin, "receiver-1"); err != ErrSessionNotFound {
		t.Fatalf("expected join on expired session to fail not-found, got %v", err)
	}
}

func TestRemoveSession_IsIdempotent(t *testing.T) {
	s := openTestStore(t, DefaultSessionTTL)
	pin, _ := s.CreateSession("sender-1")
	if err := s.RemoveSession(pin); err != nil {
		t.Fatalf("first remove failed: %v", err)
	}
	if err := s.RemoveSession(pin); err != nil {
		t.Fatalf("second remove (idempotent) failed: %v", err)
	}
	if _, err := s.GetSession(pin); err != ErrSessionNotFound {
		t.Fatalf("expected removed session to read as not found, got %v", err)
	}
}

func TestSweepExpired_RemovesOnlyExpired(t *testing.T) {
	s := openTestStore(t, 10*time.Millisecond)
	expiredPin, _ := s.CreateSession("sender-old")

	s2 := openTestStore(t, DefaultSessionTTL)
	livePin, _ := s2.CreateSession("sender-live")

	time.Sleep(30 * time.Millisecond)
	removed, err := s.sweepExpired()
	if err != nil {
		t.Fatalf("sweepExpired failed: %v", err)
	}
	if removed != 1 {
		t.Fatalf("expected 1 removed, got %d", removed)
	}
	if _, err := s.GetSession(expiredPin); err != ErrSessionNotFound {
		t.Fatalf("expected expired session gone, got %v", err)
	}
	if _, err := s2.GetSession(livePin); err != nil {
		t.Fatalf("expected live session (separate store) untouched, got %v", err)
	}
}
