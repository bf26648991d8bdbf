package transfer

import (
	"context"
	"encoding/base64"
	"io"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/zeebo/blake3"

	"github.com/parceldrop/parceldrop/internal/observability"
	"github.com/parceldrop/parceldrop/internal/protocol"
	"github.com/parceldrop/parceldrop/internal/ranges"
)

// ReceiverState is the receiver engine's lifecycle state.
type ReceiverState int

const (
	ReceiverIdle ReceiverState = iota
	ReceiverAwaitingMeta
	ReceiverReceiving
	ReceiverPaused
	ReceiverFinalising
	ReceiverComplete
	ReceiverFailed
)

func (s ReceiverState) String() string {
	switch s {
	case ReceiverIdle:
		return "idle"
	case ReceiverAwaitingMeta:
		return "awaiting-meta"
	case ReceiverReceiving:
		return "receiving"
	case ReceiverPaused:
		return "paused"
	case ReceiverFinalising:
		return "finalising"
	case ReceiverComplete:
		return "complete"
	case ReceiverFailed:
		return "failed"
	default:
		return "unknown"
	}
}

const (
	defaultNackInterval  = 2 * time.Second
	defaultAckBatchSize  = 4
	nackMissingCap       = 100
	nackIndicesPerBurst  = 20
)

// ReceiverOptions configures a Receiver.
type ReceiverOptions struct {
	// Sink is the seekable write target. Nil selects the in-memory
	// fallback path (chunks held in a map until Finalise assembles them).
	Sink         WriteSink
	NackInterval time.Duration
	AckBatchSize int
	OnProgress   func(Progress)
	Metrics      *observability.Metrics
	// ResumeRanges pre-seeds the tracker with chunks already held from an
	// earlier, interrupted run against the same sink, so the sender can be
	// told to skip them instead of retransmitting the whole file.
	ResumeRanges []protocol.ChunkRange
}

// Receiver drives a single inbound transfer over a Pipe.
type Receiver struct {
	pipe Pipe
	sink WriteSink

	nackInterval time.Duration
	ackBatchSize int
	onProgress   func(Progress)
	metrics      *observability.Metrics
	speed        *speedTracker
	resumeRanges []protocol.ChunkRange

	sendMu sync.Mutex

	mu            sync.Mutex
	state         ReceiverState
	meta          protocol.FileMeta
	tracker       *ranges.Tracker
	memChunks     map[uint32][]byte
	receivedBytes int64
	pendingAcks   []uint32
	paused        bool
	assembled     []byte
	finishErr     error
	finished      bool
	doneCh        chan struct{}
	stopNack      chan struct{}
}

// NewReceiver creates a Receiver reading control and chunk frames from pipe.
func NewReceiver(pipe Pipe, opts ReceiverOptions) *Receiver {
	nackInterval := opts.NackInterval
	if nackInterval <= 0 {
		nackInterval = defaultNackInterval
	}
	ackBatchSize := opts.AckBatchSize
	if ackBatchSize <= 0 {
		ackBatchSize = defaultAckBatchSize
	}
	return &Receiver{
		pipe:         pipe,
		sink:         opts.Sink,
		nackInterval: nackInterval,
		ackBatchSize: ackBatchSize,
		onProgress:   opts.OnProgress,
		metrics:      opts.Metrics,
		speed:        newSpeedTracker(),
		resumeRanges: opts.ResumeRanges,
		state:        ReceiverIdle,
		doneCh:       make(chan struct{}),
	}
}

// State returns the current lifecycle state.
func (r *Receiver) State() ReceiverState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Done returns a channel closed once the transfer reaches a terminal state.
func (r *Receiver) Done() <-chan struct{} {
	return r.doneCh
}

// Err returns the terminal error, if any, once Done is closed.
func (r *Receiver) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.finishErr
}

// Assembled returns the assembled output for an in-memory (no Sink)
// transfer, valid only after Done() closes without error.
func (r *Receiver) Assembled() []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.assembled
}

// ReceivedRanges returns the compressed set of chunks already received, for
// persisting across a reconnect.
func (r *Receiver) ReceivedRanges() []protocol.ChunkRange {
	r.mu.Lock()
	t := r.tracker
	r.mu.Unlock()
	if t == nil {
		return nil
	}
	return t.Ranges()
}

// LoadReceivedRanges seeds the tracker from a prior resume snapshot. Must be
// called after file-meta has initialised the tracker (i.e. after Run has
// started) and before the sender resumes sending chunks.
func (r *Receiver) LoadReceivedRanges(snapshot []protocol.ChunkRange) error {
	r.mu.Lock()
	t := r.tracker
	r.mu.Unlock()
	if t == nil {
		return ErrProtocolViolation
	}
	return t.LoadFromRanges(snapshot)
}

// Pause asks the sender to stop transmitting. It does not buffer or drop
// inbound frames; late in-flight chunks are still accepted.
func (r *Receiver) Pause() error {
	r.mu.Lock()
	r.paused = true
	r.state = ReceiverPaused
	r.mu.Unlock()
	frame, err := protocol.EncodeControl(protocol.Control{Action: protocol.ActionPause})
	if err != nil {
		return err
	}
	return r.sendText(frame)
}

// Resume asks the sender to continue transmitting.
func (r *Receiver) Resume() error {
	r.mu.Lock()
	r.paused = false
	r.state = ReceiverReceiving
	r.mu.Unlock()
	frame, err := protocol.EncodeControl(protocol.Control{Action: protocol.ActionResume})
	if err != nil {
		return err
	}
	return r.sendText(frame)
}

// Run blocks until the transfer finalises or fails. The first message it
// expects off the pipe is file-meta.
func (r *Receiver) Run() error {
	_, span := tracer.Start(context.Background(), "receiver.run")
	defer span.End()

	r.mu.Lock()
	r.state = ReceiverAwaitingMeta
	r.mu.Unlock()

	meta, err := r.awaitFileMeta()
	if err != nil {
		r.finish(err)
		return err
	}

	r.mu.Lock()
	r.meta = meta
	r.tracker = ranges.New(meta.TotalChunks)
	if r.sink == nil {
		r.memChunks = make(map[uint32][]byte, meta.TotalChunks)
	}
	if len(r.resumeRanges) > 0 {
		_ = r.tracker.LoadFromRanges(r.resumeRanges)
	}
	r.state = ReceiverReceiving
	r.stopNack = make(chan struct{})
	r.mu.Unlock()

	// Tell the sender what's already held before signaling ready, so a
	// resumed transfer skips chunks this side already has on disk instead of
	// retransmitting the whole file.
	rangesFrame, err := protocol.EncodeReceivedRanges(protocol.ReceivedRanges{Ranges: r.tracker.Ranges()})
	if err == nil {
		_ = r.sendText(rangesFrame)
	}

	readyFrame, err := protocol.EncodeControl(protocol.Control{Action: protocol.ActionReady})
	if err == nil {
		_ = r.sendText(readyFrame)
	}

	go r.nackLoop()

	if meta.TotalChunks == 0 {
		return r.finalise()
	}

	for {
		if r.isComplete() {
			return r.finalise()
		}

		data, isBinary, err := r.pipe.Recv()
		if err != nil {
			r.stopNackLoop()
			r.finish(ErrTransportClosed)
			return ErrTransportClosed
		}

		if isBinary {
			r.handleChunk(data)
			if r.isComplete() {
				return r.finalise()
			}
			continue
		}

		typ, err := protocol.PeekType(data)
		if err != nil {
			continue // malformed control frame: drop and continue
		}
		if typ == protocol.TypeFileMeta {
			r.stopNackLoop()
			r.finish(ErrProtocolViolation)
			return ErrProtocolViolation
		}
		// Any other inbound control type during Receiving is informational
		// or not applicable to this side; ignore per forward-compat policy.
	}
}

func (r *Receiver) awaitFileMeta() (protocol.FileMeta, error) {
	for {
		data, isBinary, err := r.pipe.Recv()
		if err != nil {
			return protocol.FileMeta{}, ErrTransportClosed
		}
		if isBinary {
			continue // no transfer state yet; nothing to do with a chunk
		}
		typ, err := protocol.PeekType(data)
		if err != nil || typ != protocol.TypeFileMeta {
			continue
		}
		return protocol.DecodeFileMeta(data)
	}
}

func (r *Receiver) handleChunk(frame []byte) {
	index, payload, err := protocol.DecodeChunk(frame)
	if err != nil {
		if r.metrics != nil {
			r.metrics.RecordChunkDropped("malformed")
		}
		return // MalformedFrame: drop, no state change
	}

	r.mu.Lock()
	tracker := r.tracker
	r.mu.Unlock()

	if tracker.HasChunk(index) {
		if r.metrics != nil {
			r.metrics.RecordChunkDropped("duplicate")
		}
		return // duplicate: silent drop
	}

	if err := r.persist(index, payload); err != nil {
		r.stopNackLoop()
		r.finish(ErrSinkWriteFailed)
		return
	}

	tracker.MarkReceived(index)
	if r.metrics != nil {
		r.metrics.RecordChunkReceived(len(payload))
	}

	r.mu.Lock()
	r.receivedBytes += int64(len(payload))
	received := r.receivedBytes
	r.pendingAcks = append(r.pendingAcks, index)
	flush := len(r.pendingAcks) >= r.ackBatchSize
	r.mu.Unlock()

	if flush {
		r.flushAcks()
	}
	r.emitProgress(ReceiverReceiving, received)
}

func (r *Receiver) chunkOffset(index uint32) int64 {
	return int64(index) * int64(protocol.ChunkSize)
}

func (r *Receiver) persist(index uint32, payload []byte) error {
	if r.sink != nil {
		_, err := r.sink.WriteAt(payload, r.chunkOffset(index))
		return err
	}
	buf := make([]byte, len(payload))
	copy(buf, payload)
	r.mu.Lock()
	r.memChunks[index] = buf
	r.mu.Unlock()
	return nil
}

func (r *Receiver) flushAcks() {
	r.mu.Lock()
	pending := r.pendingAcks
	r.pendingAcks = nil
	r.mu.Unlock()
	for _, idx := range pending {
		frame, err := protocol.EncodeAck(protocol.Ack{ChunkIndex: idx})
		if err != nil {
			continue
		}
		_ = r.sendText(frame)
	}
}

func (r *Receiver) isComplete() bool {
	r.mu.Lock()
	t := r.tracker
	r.mu.Unlock()
	if t == nil {
		return false
	}
	return t.IsComplete()
}

func (r *Receiver) nackLoop() {
	ticker := time.NewTicker(r.nackInterval)
	defer ticker.Stop()
	for {
		select {
		case <-r.stopNack:
			return
		case <-ticker.C:
			r.mu.Lock()
			t := r.tracker
			r.mu.Unlock()
			if t == nil || t.IsComplete() {
				continue
			}
			missing := t.MissingChunks()
			if len(missing) == 0 || len(missing) >= nackMissingCap {
				continue
			}
			if len(missing) > nackIndicesPerBurst {
				missing = missing[:nackIndicesPerBurst]
			}
			frame, err := protocol.EncodeNack(protocol.Nack{MissingChunks: missing})
			if err != nil {
				continue
			}
			_ = r.sendText(frame)
		}
	}
}

func (r *Receiver) stopNackLoop() {
	r.mu.Lock()
	ch := r.stopNack
	r.mu.Unlock()
	if ch == nil {
		return
	}
	select {
	case <-ch:
	default:
		close(ch)
	}
}

func (r *Receiver) finalise() error {
	r.mu.Lock()
	r.state = ReceiverFinalising
	r.mu.Unlock()
	r.stopNackLoop()
	r.flushAcks()

	success := true
	var assembled []byte
	if r.sink != nil {
		// Hash back through the sink before closing it; Close invalidates
		// further reads on *os.File.
		if r.meta.Checksum != "" && !r.verifySinkChecksum() {
			success = false
		}
		if err := r.sink.Close(); err != nil {
			r.finish(ErrSinkWriteFailed)
			return ErrSinkWriteFailed
		}
	} else {
		assembled = r.assembleInMemory()
		r.mu.Lock()
		r.assembled = assembled
		r.mu.Unlock()
		if r.meta.Checksum != "" && !r.verifyChecksum(assembled) {
			success = false
		}
	}

	r.mu.Lock()
	received := r.receivedBytes
	r.mu.Unlock()

	completeFrame, err := protocol.EncodeTransferComplete(protocol.TransferComplete{
		Success:       success,
		BytesReceived: uint64(received),
	})
	if err == nil {
		_ = r.sendText(completeFrame)
	}

	if !success {
		r.finish(ErrChecksumMismatch)
		return ErrChecksumMismatch
	}

	r.mu.Lock()
	r.state = ReceiverComplete
	r.mu.Unlock()
	r.emitProgress(ReceiverComplete, received)
	r.finish(nil)
	return nil
}

// verifyChecksum hashes the in-memory assembled buffer and compares it
// against the whole-file digest declared in file-meta.
func (r *Receiver) verifyChecksum(assembled []byte) bool {
	h := blake3.New()
	h.Write(assembled)
	got := base64.StdEncoding.EncodeToString(h.Sum(nil))
	return got == r.meta.Checksum
}

// verifySinkChecksum hashes the sink's contents back through ReadAt, in
// file-index order, regardless of the order chunks arrived in.
func (r *Receiver) verifySinkChecksum() bool {
	sr := io.NewSectionReader(r.sink, 0, int64(r.meta.Size))
	h := blake3.New()
	if _, err := io.Copy(h, sr); err != nil {
		return false
	}
	got := base64.StdEncoding.EncodeToString(h.Sum(nil))
	return got == r.meta.Checksum
}

func (r *Receiver) assembleInMemory() []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	indices := make([]uint32, 0, len(r.memChunks))
	for idx := range r.memChunks {
		indices = append(indices, idx)
	}
	sort.Slice(indices, func(i, j int) bool { return indices[i] < indices[j] })
	out := make([]byte, 0, r.meta.Size)
	for _, idx := range indices {
		out = append(out, r.memChunks[idx]...)
	}
	return out
}

func (r *Receiver) sendText(frame []byte) error {
	r.sendMu.Lock()
	defer r.sendMu.Unlock()
	return r.pipe.SendText(frame)
}

func (r *Receiver) finish(err error) {
	r.mu.Lock()
	if r.finished {
		r.mu.Unlock()
		return
	}
	r.finished = true
	r.finishErr = err
	if err != nil && r.state != ReceiverComplete {
		r.state = ReceiverFailed
	}
	state := r.state
	received := r.receivedBytes
	r.mu.Unlock()
	if err != nil {
		r.emitProgress(state, received)
	}
	close(r.doneCh)
}

func (r *Receiver) emitProgress(state ReceiverState, received int64) {
	if r.onProgress == nil {
		return
	}
	total := int64(r.meta.Size)
	pct := 0.0
	if total > 0 {
		pct = math.Min(100, float64(received)/float64(total)*100)
	} else {
		pct = 100
	}
	errStr := ""
	if e := r.Err(); e != nil {
		errStr = e.Error()
	}
	r.onProgress(Progress{
		State:            state.String(),
		BytesTransferred: received,
		TotalBytes:       total,
		PercentComplete:  pct,
		SpeedBytesPerSec: r.speed.update(received),
		Error:            errStr,
	})
}
