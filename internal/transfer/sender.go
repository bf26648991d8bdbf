package transfer

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/parceldrop/parceldrop/internal/observability"
	"github.com/parceldrop/parceldrop/internal/protocol"
	"github.com/parceldrop/parceldrop/internal/window"
	"go.opentelemetry.io/otel"
)

var tracer = otel.Tracer("parceldrop/transfer")

// handshakeTimeout bounds how long Run waits for the receiver's initial
// ready/received-ranges exchange before sending chunk 0 regardless.
const handshakeTimeout = 3 * time.Second

// SenderState is the sender engine's lifecycle state.
type SenderState int

const (
	SenderIdle SenderState = iota
	SenderMetadata
	SenderTransferring
	SenderPaused
	SenderComplete
	SenderFailed
)

func (s SenderState) String() string {
	switch s {
	case SenderIdle:
		return "idle"
	case SenderMetadata:
		return "metadata"
	case SenderTransferring:
		return "transferring"
	case SenderPaused:
		return "paused"
	case SenderComplete:
		return "complete"
	case SenderFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// SenderOptions configures a Sender beyond the mandatory pipe/file/size.
type SenderOptions struct {
	FileName     string
	MimeType     string
	Checksum     string // base64 whole-file digest, optional
	ChunkSize    int64  // defaults to protocol.ChunkSize
	LowWatermark int64  // transport buffer low threshold, defaults to 4 chunks
	Window       *window.Window
	OnProgress   func(Progress)
	Metrics      *observability.Metrics
	Logger       *observability.Logger
	// SkipChunks pre-seeds indices the receiver already holds, from a
	// received-ranges resume handshake. The sender's cursor still advances
	// over them but never transmits their payload.
	SkipChunks map[uint32]bool
}

// Sender drives a single outbound transfer over a Pipe.
type Sender struct {
	pipe      Pipe
	file      FileReader
	fileSize  int64
	chunkSize int64
	fileName  string
	mimeType  string
	checksum  string

	totalChunks  uint32
	lowWatermark int64
	win          *window.Window
	skipChunks   map[uint32]bool
	onProgress   func(Progress)
	metrics      *observability.Metrics
	logger       *observability.Logger
	speed        *speedTracker

	sendMu sync.Mutex // serializes writes onto the pipe

	mu            sync.Mutex
	state         SenderState
	nextChunk     uint32
	sentBytes     int64
	cancelled     bool
	finishErr     error
	finished      bool
	cancelCh      chan struct{}
	doneCh        chan struct{}
	handshakeCh   chan struct{}
	handshakeOnce sync.Once
}

// NewSender creates a Sender for fileSize bytes read from file.
func NewSender(pipe Pipe, file FileReader, fileSize int64, opts SenderOptions) *Sender {
	chunkSize := opts.ChunkSize
	if chunkSize <= 0 {
		chunkSize = protocol.ChunkSize
	}
	lowWatermark := opts.LowWatermark
	if lowWatermark <= 0 {
		lowWatermark = 4 * chunkSize
	}
	win := opts.Window
	if win == nil {
		win = window.New(window.DefaultMaxOutstandingBytes, chunkSize)
	}
	totalChunks := uint32(0)
	if fileSize > 0 {
		totalChunks = uint32((fileSize + chunkSize - 1) / chunkSize)
	}
	skip := opts.SkipChunks
	if skip == nil {
		skip = map[uint32]bool{}
	}
	return &Sender{
		pipe:         pipe,
		file:         file,
		fileSize:     fileSize,
		chunkSize:    chunkSize,
		fileName:     opts.FileName,
		mimeType:     opts.MimeType,
		checksum:     opts.Checksum,
		totalChunks:  totalChunks,
		lowWatermark: lowWatermark,
		win:          win,
		skipChunks:   skip,
		onProgress:   opts.OnProgress,
		metrics:      opts.Metrics,
		logger:       opts.Logger,
		speed:        newSpeedTracker(),
		state:        SenderIdle,
		cancelCh:     make(chan struct{}),
		doneCh:       make(chan struct{}),
		handshakeCh:  make(chan struct{}),
	}
}

// State returns the current lifecycle state.
func (s *Sender) State() SenderState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Cancel requests the transfer stop. It is safe to call from any goroutine,
// any number of times; only the first call before completion has effect.
func (s *Sender) Cancel() {
	s.mu.Lock()
	if s.cancelled || s.finished {
		s.mu.Unlock()
		return
	}
	s.cancelled = true
	s.mu.Unlock()
	close(s.cancelCh)
	s.win.Clear()
}

// Done returns a channel closed once the transfer reaches a terminal state.
func (s *Sender) Done() <-chan struct{} {
	return s.doneCh
}

// Err returns the terminal error, if any, once Done is closed.
func (s *Sender) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.finishErr
}

// Run sends file-meta, then streams every chunk, then blocks until the
// receiver has acknowledged the whole file (or the transfer fails/cancels).
// It also owns the read side of the pipe for as long as the transfer is
// active, so nothing else should call pipe.Recv concurrently.
func (s *Sender) Run() error {
	_, span := tracer.Start(context.Background(), "sender.run")
	defer span.End()

	if s.pipe == nil {
		s.finish(ErrNotReady)
		return ErrNotReady
	}

	meta := protocol.FileMeta{
		Name:        s.fileName,
		Size:        uint64(s.fileSize),
		MimeType:    s.mimeType,
		TotalChunks: s.totalChunks,
		Checksum:    s.checksum,
	}
	frame, err := protocol.EncodeFileMeta(meta)
	if err != nil {
		s.finish(err)
		return err
	}
	if err := s.send(frame, false); err != nil {
		s.finish(ErrTransportClosed)
		return ErrTransportClosed
	}

	s.mu.Lock()
	s.state = SenderMetadata
	s.mu.Unlock()

	if s.totalChunks == 0 {
		s.mu.Lock()
		s.state = SenderComplete
		s.mu.Unlock()
		s.finish(nil)
		return nil
	}

	readErrCh := make(chan error, 1)
	go s.readLoop(readErrCh)

	// Give the receiver a bounded window to report what it already holds
	// (resume case) before chunk 0 goes out; either its ready or
	// received-ranges frame unblocks this early.
	select {
	case <-s.handshakeCh:
	case <-s.cancelCh:
	case <-time.After(handshakeTimeout):
	}

	s.mu.Lock()
	s.state = SenderTransferring
	s.mu.Unlock()

	for {
		s.mu.Lock()
		next := s.nextChunk
		done := next >= s.totalChunks
		s.mu.Unlock()
		if done {
			break
		}

		if s.shouldSkip(next) {
			s.advanceCursor(0)
			continue
		}

		s.win.WaitForSpace()
		if s.isCancelled() {
			break
		}

		if err := s.waitForTransportRoom(); err != nil {
			s.finish(err)
			return err
		}
		if s.isCancelled() {
			break
		}

		n, err := s.sendChunk(next)
		if err != nil {
			s.finish(ErrTransportClosed)
			return ErrTransportClosed
		}
		if s.metrics != nil {
			s.metrics.RecordChunkSent(n)
		}
		if err := s.win.MarkSent(next); err != nil {
			// Programmer error per spec: markSent called while full.
			s.finish(err)
			return err
		}
		s.advanceCursor(int64(n))
	}

	if s.isCancelled() {
		s.finish(ErrCancelled)
		return ErrCancelled
	}

	// All chunks transmitted; completion is ack-driven, not send-driven.
	select {
	case <-s.doneCh:
		return s.Err()
	case <-s.cancelCh:
		s.win.Clear()
		s.finish(ErrCancelled)
		return ErrCancelled
	case err := <-readErrCh:
		s.finish(err)
		return err
	}
}

func (s *Sender) waitForTransportRoom() error {
	if s.pipe.BufferedBytes() <= s.lowWatermark {
		return nil
	}
	select {
	case <-s.pipe.BufferLow():
		return nil
	case <-s.cancelCh:
		return nil
	}
}

func (s *Sender) sendChunk(index uint32) (int, error) {
	offset := int64(index) * s.chunkSize
	length := s.chunkSize
	if remaining := s.fileSize - offset; remaining < length {
		length = remaining
	}
	payload := make([]byte, length)
	n, err := s.file.ReadAt(payload, offset)
	if err != nil && n == 0 {
		return 0, err
	}
	payload = payload[:n]
	frame := protocol.EncodeChunk(index, payload)
	if err := s.send(frame, true); err != nil {
		return 0, err
	}
	return n, nil
}

func (s *Sender) advanceCursor(sentN int64) {
	s.mu.Lock()
	s.nextChunk++
	s.sentBytes += sentN
	sent := s.sentBytes
	s.mu.Unlock()
	s.emitProgress(SenderTransferring, sent)
}

func (s *Sender) send(frame []byte, binary bool) error {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	if binary {
		return s.pipe.SendBinary(frame)
	}
	return s.pipe.SendText(frame)
}

func (s *Sender) isCancelled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancelled
}

func (s *Sender) shouldSkip(index uint32) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.skipChunks[index]
}

// mergeSkip adds a received-ranges report from the receiver into the skip
// set: indices it already holds, which this side must not retransmit.
func (s *Sender) mergeSkip(rs []protocol.ChunkRange) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range rs {
		for i := r.Start; i <= r.End; i++ {
			s.skipChunks[i] = true
		}
	}
}

func (s *Sender) signalHandshake() {
	s.handshakeOnce.Do(func() { close(s.handshakeCh) })
}

// readLoop consumes control frames from the pipe: acks advance the window,
// nacks trigger selective retransmission, control messages drive
// pause/resume, and it drives completion once every chunk is both sent and
// acknowledged.
func (s *Sender) readLoop(errCh chan<- error) {
	for {
		data, isBinary, err := s.pipe.Recv()
		if err != nil {
			errCh <- ErrTransportClosed
			return
		}
		if isBinary {
			continue // sender never expects binary frames back
		}
		typ, err := protocol.PeekType(data)
		if err != nil {
			continue // malformed control frame: drop and continue
		}
		switch typ {
		case protocol.TypeAck:
			ack, err := protocol.DecodeAck(data)
			if err != nil {
				continue
			}
			s.win.OnAck(ack.ChunkIndex)
			if s.checkComplete() {
				return
			}
		case protocol.TypeNack:
			nack, err := protocol.DecodeNack(data)
			if err != nil {
				continue
			}
			s.retransmit(nack.MissingChunks)
		case protocol.TypeReceivedRanges:
			rr, err := protocol.DecodeReceivedRanges(data)
			if err != nil {
				continue
			}
			s.mergeSkip(rr.Ranges)
			s.signalHandshake()
		case protocol.TypeControl:
			ctrl, err := protocol.DecodeControl(data)
			if err != nil {
				continue
			}
			switch ctrl.Action {
			case protocol.ActionReady:
				s.win.Resume()
				s.signalHandshake()
			case protocol.ActionPause:
				s.mu.Lock()
				s.state = SenderPaused
				s.mu.Unlock()
				s.win.Pause()
			case protocol.ActionResume:
				s.mu.Lock()
				s.state = SenderTransferring
				s.mu.Unlock()
				s.win.Resume()
			}
		case protocol.TypeTransferComplete:
			// Informational; idempotent with ack-driven completion.
			s.checkComplete()
		default:
			// Unknown type: forward-compatible no-op.
		}
	}
}

func (s *Sender) retransmit(missing []uint32) {
	candidates := s.win.ChunksForRetransmit(missing)
	for _, idx := range candidates {
		if s.isCancelled() {
			return
		}
		if err := s.waitForTransportRoom(); err != nil {
			return
		}
		n, err := s.sendChunk(idx)
		if err != nil {
			return
		}
		if s.metrics != nil {
			s.metrics.RecordChunkSent(n)
			s.metrics.RecordChunkRetransmit()
		}
		if s.logger != nil {
			s.logger.ChunkRetransmitted(s.fileName, idx)
		}
	}
}

func (s *Sender) checkComplete() bool {
	s.mu.Lock()
	allSent := s.nextChunk >= s.totalChunks
	alreadyDone := s.finished
	s.mu.Unlock()
	if alreadyDone || !allSent {
		return false
	}
	if s.win.Stats().OutstandingChunks != 0 {
		return false
	}
	s.mu.Lock()
	s.state = SenderComplete
	s.mu.Unlock()
	s.finish(nil)
	return true
}

func (s *Sender) finish(err error) {
	s.mu.Lock()
	if s.finished {
		s.mu.Unlock()
		return
	}
	s.finished = true
	s.finishErr = err
	if err != nil && s.state != SenderComplete {
		s.state = SenderFailed
	}
	s.mu.Unlock()
	s.emitProgress(s.State(), s.sentBytesSnapshot())
	close(s.doneCh)
}

func (s *Sender) sentBytesSnapshot() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sentBytes
}

func (s *Sender) emitProgress(state SenderState, sent int64) {
	if s.onProgress == nil {
		return
	}
	pct := 0.0
	if s.fileSize > 0 {
		pct = math.Min(100, float64(sent)/float64(s.fileSize)*100)
	} else {
		pct = 100
	}
	errStr := ""
	if e := s.Err(); e != nil {
		errStr = e.Error()
	}
	s.onProgress(Progress{
		State:            state.String(),
		BytesTransferred: sent,
		TotalBytes:       s.fileSize,
		PercentComplete:  pct,
		SpeedBytesPerSec: s.speed.update(sent),
		Error:            errStr,
	})
}
