// Package ranges tracks which chunks of a transfer have been received, as a
// bit-packed membership set, and compresses that set into the contiguous
// [start,end] ranges carried by a received-ranges control message so a
// resumed transfer only needs to exchange gaps, not one index per chunk.
package ranges

import (
	"fmt"
	"sync"

	"github.com/parceldrop/parceldrop/internal/protocol"
)

// Tracker records, per chunk index in [0, totalChunks), whether it has been
// received. It is safe for concurrent use.
type Tracker struct {
	mu          sync.RWMutex
	totalChunks uint32
	bitmap      []byte
	received    uint32
}

// New creates a Tracker for a transfer of the given chunk count.
func New(totalChunks uint32) *Tracker {
	return &Tracker{
		totalChunks: totalChunks,
		bitmap:      make([]byte, (totalChunks+7)/8),
	}
}

// MarkReceived records chunkIndex as received. Marking an already-received
// or out-of-range index is a no-op (the latter silently, since a stale chunk
// arriving after a resize is not the caller's concern).
func (t *Tracker) MarkReceived(chunkIndex uint32) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if chunkIndex >= t.totalChunks {
		return
	}
	byteIdx, bitIdx := chunkIndex/8, chunkIndex%8
	if t.bitmap[byteIdx]&(1<<bitIdx) != 0 {
		return
	}
	t.bitmap[byteIdx] |= 1 << bitIdx
	t.received++
}

// HasChunk reports whether chunkIndex has been marked received.
func (t *Tracker) HasChunk(chunkIndex uint32) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if chunkIndex >= t.totalChunks {
		return false
	}
	byteIdx, bitIdx := chunkIndex/8, chunkIndex%8
	return t.bitmap[byteIdx]&(1<<bitIdx) != 0
}

// MissingChunks returns every chunk index not yet received, in ascending
// order.
func (t *Tracker) MissingChunks() []uint32 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	missing := make([]uint32, 0, t.totalChunks-t.received)
	for i := uint32(0); i < t.totalChunks; i++ {
		byteIdx, bitIdx := i/8, i%8
		if t.bitmap[byteIdx]&(1<<bitIdx) == 0 {
			missing = append(missing, i)
		}
	}
	return missing
}

// Progress returns the count of received chunks and the total.
func (t *Tracker) Progress() (received, total uint32) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.received, t.totalChunks
}

// IsComplete reports whether every chunk has been received.
func (t *Tracker) IsComplete() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.received == t.totalChunks
}

// Ranges compresses the received set into ascending, non-overlapping
// inclusive [Start,End] runs, suitable for a received-ranges control
// message.
func (t *Tracker) Ranges() []protocol.ChunkRange {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var out []protocol.ChunkRange
	inRun := false
	var start uint32
	var prev uint32

	flush := func() {
		if inRun {
			out = append(out, protocol.ChunkRange{Start: start, End: prev})
		}
	}

	for i := uint32(0); i < t.totalChunks; i++ {
		byteIdx, bitIdx := i/8, i%8
		set := t.bitmap[byteIdx]&(1<<bitIdx) != 0
		switch {
		case set && !inRun:
			inRun = true
			start = i
			prev = i
		case set && inRun && i == prev+1:
			prev = i
		case set && inRun:
			flush()
			start = i
			prev = i
		case !set && inRun:
			flush()
			inRun = false
		}
	}
	flush()
	return out
}

// LoadFromRanges replaces the tracker's received set with the union of the
// given ranges. Used when a receiver resumes a transfer and the peer
// reports what it already holds.
func (t *Tracker) LoadFromRanges(rs []protocol.ChunkRange) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	bitmap := make([]byte, len(t.bitmap))
	var received uint32
	for _, r := range rs {
		if r.Start > r.End {
			return fmt.Errorf("ranges: invalid range [%d,%d]", r.Start, r.End)
		}
		if r.End >= t.totalChunks {
			return fmt.Errorf("ranges: range [%d,%d] exceeds total chunks %d", r.Start, r.End, t.totalChunks)
		}
		for i := r.Start; i <= r.End; i++ {
			byteIdx, bitIdx := i/8, i%8
			if bitmap[byteIdx]&(1<<bitIdx) == 0 {
				bitmap[byteIdx] |= 1 << bitIdx
				received++
			}
		}
	}
	t.bitmap = bitmap
	t.received = received
	return nil
}

// Clear resets the tracker to the empty state.
func (t *Tracker) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := range t.bitmap {
		t.bitmap[i] = 0
	}
	t.received = 0
}
