package window

import (
	"testing"
	"time"
)

func TestCanSend_BoundsByChunkCount(t *testing.T) {
	w := New(128*1024, 64*1024) // 2 chunks in flight
	if w.MaxChunksInFlight() != 2 {
		t.Fatalf("expected 2 max chunks in flight, got %d", w.MaxChunksInFlight())
	}
	if !w.CanSend() {
		t.Fatal("expected room in an empty window")
	}
	if err := w.MarkSent(0); err != nil {
		t.Fatalf("MarkSent(0) failed: %v", err)
	}
	if err := w.MarkSent(1); err != nil {
		t.Fatalf("MarkSent(1) failed: %v", err)
	}
	if w.CanSend() {
		t.Fatal("expected window to report full at the chunk bound")
	}
	if err := w.MarkSent(2); err != ErrWindowFull {
		t.Fatalf("expected ErrWindowFull, got %v", err)
	}
}

func TestOnAck_FreesSpace(t *testing.T) {
	w := New(64*1024, 64*1024) // 1 chunk in flight
	_ = w.MarkSent(5)
	if w.CanSend() {
		t.Fatal("expected full window")
	}
	w.OnAck(5)
	if !w.CanSend() {
		t.Fatal("expected room after ack")
	}
	stats := w.Stats()
	if stats.OutstandingChunks != 0 {
		t.Errorf("expected 0 outstanding, got %d", stats.OutstandingChunks)
	}
}

func TestOnAck_UnknownIndexIsNoop(t *testing.T) {
	w := New(64*1024, 64*1024)
	_ = w.MarkSent(1)
	w.OnAck(999) // unrelated index — must not panic or corrupt state
	if w.CanSend() {
		t.Fatal("expected window still full; stale ack must be ignored")
	}
}

func TestWaitForSpace_CompletesImmediatelyWhenRoom(t *testing.T) {
	w := New(64*1024, 64*1024)
	done := make(chan struct{})
	go func() {
		w.WaitForSpace()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("WaitForSpace did not return immediately when room existed")
	}
}

func TestWaitForSpace_WakesOnAck(t *testing.T) {
	w := New(64*1024, 64*1024) // 1 chunk in flight
	_ = w.MarkSent(0)

	done := make(chan struct{})
	go func() {
		w.WaitForSpace()
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("WaitForSpace returned before any space freed up")
	case <-time.After(50 * time.Millisecond):
	}

	w.OnAck(0)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("WaitForSpace did not wake after ack freed a slot")
	}
}

func TestWaitForSpace_WakesAtMostFreeSlots(t *testing.T) {
	w := New(64*1024, 64*1024) // 1 chunk in flight
	_ = w.MarkSent(0)
	_ = w.MarkSent(1) // refused with ErrWindowFull: chunk 0 already fills the window, so both waiters below queue

	var done1, done2 = make(chan struct{}), make(chan struct{})
	go func() { w.WaitForSpace(); close(done1) }()
	go func() { w.WaitForSpace(); close(done2) }()
	time.Sleep(20 * time.Millisecond)

	w.OnAck(0) // frees exactly one slot

	woken := 0
	timeout := time.After(200 * time.Millisecond)
	for woken < 1 {
		select {
		case <-done1:
			woken++
			done1 = nil // a closed channel stays readable; count it once
		case <-done2:
			woken++
			done2 = nil
		case <-timeout:
			goto checkDone
		}
	}
checkDone:
	select {
	case <-done1:
		woken++
	case <-done2:
		woken++
	default:
	}
	if woken != 1 {
		t.Fatalf("expected exactly 1 waiter woken for 1 freed slot, got %d", woken)
	}
}

func TestPauseResume(t *testing.T) {
	w := New(64*1024, 64*1024)
	w.Pause()
	if w.CanSend() {
		t.Fatal("expected paused window to report no room")
	}
	if w.Stats().Paused != true {
		t.Fatal("expected Stats().Paused true")
	}
	w.Resume()
	if !w.CanSend() {
		t.Fatal("expected room after resume")
	}
}

func TestChunksForRetransmit_FiltersAckedAndUnknown(t *testing.T) {
	w := New(256*1024, 64*1024)
	_ = w.MarkSent(0)
	_ = w.MarkSent(1)
	_ = w.MarkSent(2)
	w.OnAck(1) // 1 is now acked, should be filtered out of a nack

	got := w.ChunksForRetransmit([]uint32{0, 1, 2, 99})
	want := map[uint32]bool{0: true, 2: true}
	if len(got) != 2 {
		t.Fatalf("expected 2 retransmit candidates, got %d: %v", len(got), got)
	}
	for _, idx := range got {
		if !want[idx] {
			t.Errorf("unexpected retransmit candidate %d", idx)
		}
	}
}

func TestClear_ReleasesWaitersAndResetsState(t *testing.T) {
	w := New(64*1024, 64*1024)
	_ = w.MarkSent(0)

	done := make(chan struct{})
	go func() {
		w.WaitForSpace()
		close(done)
	}()
	time.Sleep(20 * time.Millisecond)

	w.Clear()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Clear did not release pending waiters")
	}
	if stats := w.Stats(); stats.OutstandingChunks != 0 {
		t.Errorf("expected outstanding reset to 0, got %d", stats.OutstandingChunks)
	}
}
