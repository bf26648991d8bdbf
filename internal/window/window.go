// Package window implements the sender-side sliding window: a bound on
// bytes in flight, advanced by acknowledgements, with async backpressure
// for callers that want to wait for room instead of polling.
package window

import (
	"errors"
	"sync"
	"time"
)

// DefaultMaxOutstandingBytes is the default application-window bound.
const DefaultMaxOutstandingBytes = 8 * 1024 * 1024 // 8 MiB

// DefaultChunkSize mirrors protocol.ChunkSize without importing it, keeping
// this package dependency-free for use by any chunked protocol.
const DefaultChunkSize = 65_536

// ErrWindowFull is a programmer error: MarkSent was called while the window
// reports it cannot accept more chunks.
var ErrWindowFull = errors.New("window: markSent called while full")

// Stats is a point-in-time snapshot of window occupancy.
type Stats struct {
	OutstandingChunks int
	OutstandingBytes  int64
	Paused            bool
}

// Window tracks chunks sent but not yet acknowledged, bounding how many may
// be in flight at once and exposing async waiters for backpressure.
type Window struct {
	mu                sync.Mutex
	chunkSize         int64
	maxChunksInFlight int
	outstanding       map[uint32]time.Time
	paused            bool
	waiters           []chan struct{}
}

// New creates a Window with the given byte bound and chunk size. The chunk
// bound is derived once so canSend/markSent stay O(1).
func New(maxOutstandingBytes int64, chunkSize int64) *Window {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	if maxOutstandingBytes <= 0 {
		maxOutstandingBytes = DefaultMaxOutstandingBytes
	}
	maxChunks := int(maxOutstandingBytes / chunkSize)
	if maxChunks < 1 {
		maxChunks = 1
	}
	return &Window{
		chunkSize:         chunkSize,
		maxChunksInFlight: maxChunks,
		outstanding:       make(map[uint32]time.Time),
	}
}

// CanSend reports whether the window currently has room for another chunk.
func (w *Window) CanSend() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.canSendLocked()
}

func (w *Window) canSendLocked() bool {
	return !w.paused && len(w.outstanding) < w.maxChunksInFlight
}

// MarkSent records that chunkIndex has been transmitted and is now
// outstanding. It returns ErrWindowFull, recording nothing, if the window had
// no room — callers must always gate sends behind CanSend/WaitForSpace.
func (w *Window) MarkSent(chunkIndex uint32) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.canSendLocked() {
		return ErrWindowFull
	}
	w.outstanding[chunkIndex] = time.Now()
	return nil
}

// OnAck removes a single acknowledged chunk from the outstanding set and
// wakes waiters as space frees up. Acking an unknown/already-acked index is
// a silent no-op.
func (w *Window) OnAck(chunkIndex uint32) {
	w.OnAckBatch([]uint32{chunkIndex})
}

// OnAckBatch removes a batch of acknowledged chunks in one pass.
func (w *Window) OnAckBatch(chunkIndices []uint32) {
	w.mu.Lock()
	for _, idx := range chunkIndices {
		delete(w.outstanding, idx)
	}
	w.wakeLocked()
	w.mu.Unlock()
}

// WaitForSpace blocks until CanSend() becomes true, or returns immediately
// if it already is. Waiters are served in FIFO order.
func (w *Window) WaitForSpace() {
	w.mu.Lock()
	if w.canSendLocked() {
		w.mu.Unlock()
		return
	}
	ch := make(chan struct{})
	w.waiters = append(w.waiters, ch)
	w.mu.Unlock()
	<-ch
}

// wakeLocked wakes at most as many FIFO waiters as there are free slots,
// given the caller already holds w.mu. A waiter hasn't sent yet when it
// wakes, so slots are accounted for up front rather than recomputed after
// each wake — otherwise every waiter would see "room" before any of them
// calls MarkSent. Pause leaves waiters queued; only space (or an explicit
// Resume/Clear) wakes them.
func (w *Window) wakeLocked() {
	if w.paused {
		return
	}
	free := w.maxChunksInFlight - len(w.outstanding)
	for free > 0 && len(w.waiters) > 0 {
		ch := w.waiters[0]
		w.waiters = w.waiters[1:]
		close(ch)
		free--
	}
}

// Pause stops the window from reporting room, without discarding the
// outstanding set. Already-woken waiters that haven't sent yet are not
// retroactively blocked; future CanSend/WaitForSpace calls will block.
func (w *Window) Pause() {
	w.mu.Lock()
	w.paused = true
	w.mu.Unlock()
}

// Resume clears the pause flag and wakes any waiters that now fit.
func (w *Window) Resume() {
	w.mu.Lock()
	w.paused = false
	w.wakeLocked()
	w.mu.Unlock()
}

// ChunksForRetransmit intersects missing with the currently outstanding
// set. Already-acknowledged indices are not outstanding and are silently
// dropped — the request referencing them is stale.
func (w *Window) ChunksForRetransmit(missing []uint32) []uint32 {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]uint32, 0, len(missing))
	for _, idx := range missing {
		if _, ok := w.outstanding[idx]; ok {
			out = append(out, idx)
		}
	}
	return out
}

// Clear resets all window state and releases pending waiters; a woken
// waiter must observe the window is empty/unpaused-but-cleared via its own
// cancellation check and not proceed to send.
func (w *Window) Clear() {
	w.mu.Lock()
	w.outstanding = make(map[uint32]time.Time)
	w.paused = false
	waiters := w.waiters
	w.waiters = nil
	w.mu.Unlock()
	for _, ch := range waiters {
		close(ch)
	}
}

// Stats returns a point-in-time snapshot of window occupancy.
func (w *Window) Stats() Stats {
	w.mu.Lock()
	defer w.mu.Unlock()
	return Stats{
		OutstandingChunks: len(w.outstanding),
		OutstandingBytes:  int64(len(w.outstanding)) * w.chunkSize,
		Paused:            w.paused,
	}
}

// MaxChunksInFlight exposes the derived chunk-count bound, mainly for tests
// and diagnostics.
func (w *Window) MaxChunksInFlight() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.maxChunksInFlight
}
