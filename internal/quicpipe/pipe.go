package quicpipe

import (
	"context"
	"crypto/tls"
	"encoding/binary"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/quic-go/quic-go"
)

const (
	frameTypeBinary byte = 0
	frameTypeText   byte = 1

	// lowWatermarkBytes is the default buffered-byte threshold below which
	// BufferLow fires, matching the teacher's relay byte-counter shape.
	lowWatermarkBytes = 1 << 20
)

// Pipe adapts a single QUIC stream to transfer.Pipe. Every message is
// framed as [1-byte type][4-byte big-endian length][payload] so a raw
// byte-oriented stream carries the binary/text distinction the engines
// need from Recv.
type Pipe struct {
	stream *quic.Stream

	sendMu sync.Mutex

	bufferedBytes int64
	lowWatermark  int64
	bufferLowCh   chan struct{}

	readMu sync.Mutex
}

// NewPipe wraps stream with the default low watermark.
func NewPipe(stream *quic.Stream) *Pipe {
	return NewPipeWithWatermark(stream, lowWatermarkBytes)
}

// NewPipeWithWatermark wraps stream with an explicit low watermark.
func NewPipeWithWatermark(stream *quic.Stream, lowWatermark int64) *Pipe {
	return &Pipe{
		stream:       stream,
		lowWatermark: lowWatermark,
		bufferLowCh:  make(chan struct{}, 1),
	}
}

func (p *Pipe) write(frameType byte, payload []byte) error {
	p.sendMu.Lock()
	defer p.sendMu.Unlock()

	atomic.AddInt64(&p.bufferedBytes, int64(len(payload)))

	header := make([]byte, 5)
	header[0] = frameType
	binary.BigEndian.PutUint32(header[1:], uint32(len(payload)))

	if _, err := p.stream.Write(header); err != nil {
		return fmt.Errorf("quicpipe: write header: %w", err)
	}
	if len(payload) > 0 {
		if _, err := p.stream.Write(payload); err != nil {
			return fmt.Errorf("quicpipe: write payload: %w", err)
		}
	}

	remaining := atomic.AddInt64(&p.bufferedBytes, -int64(len(payload)))
	if remaining <= p.lowWatermark {
		select {
		case p.bufferLowCh <- struct{}{}:
		default:
		}
	}
	return nil
}

// SendBinary writes a binary (chunk) frame.
func (p *Pipe) SendBinary(payload []byte) error {
	return p.write(frameTypeBinary, payload)
}

// SendText writes a text (control) frame.
func (p *Pipe) SendText(payload []byte) error {
	return p.write(frameTypeText, payload)
}

// Recv blocks for the next frame, returning (payload, isBinary, error).
func (p *Pipe) Recv() ([]byte, bool, error) {
	p.readMu.Lock()
	defer p.readMu.Unlock()

	header := make([]byte, 5)
	if _, err := io.ReadFull(p.stream, header); err != nil {
		return nil, false, err
	}
	frameType := header[0]
	length := binary.BigEndian.Uint32(header[1:])

	payload := make([]byte, length)
	if length > 0 {
		if _, err := io.ReadFull(p.stream, payload); err != nil {
			return nil, false, err
		}
	}
	return payload, frameType == frameTypeBinary, nil
}

// BufferedBytes reports bytes currently queued for write.
func (p *Pipe) BufferedBytes() int64 {
	return atomic.LoadInt64(&p.bufferedBytes)
}

// BufferLow signals whenever buffered bytes drop to or below the low
// watermark after a write completes.
func (p *Pipe) BufferLow() <-chan struct{} {
	return p.bufferLowCh
}

// Close closes the underlying stream.
func (p *Pipe) Close() error {
	return p.stream.Close()
}

// Dial establishes a QUIC connection to addr and opens its single data
// stream, mirroring the teacher's DialQUIC/OpenControlStream pairing but
// collapsed to the one stream this protocol needs.
func Dial(ctx context.Context, addr string, tlsConf *tls.Config) (*Pipe, *quic.Conn, error) {
	conn, err := quic.DialAddr(ctx, addr, tlsConf, &quic.Config{
		KeepAlivePeriod:                10_000_000_000,
		MaxIdleTimeout:                 60_000_000_000,
		InitialStreamReceiveWindow:     8 << 20,
		InitialConnectionReceiveWindow: 128 << 20,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("quicpipe: dial: %w", err)
	}
	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		conn.CloseWithError(0, "stream open failed")
		return nil, nil, fmt.Errorf("quicpipe: open stream: %w", err)
	}
	return NewPipe(stream), conn, nil
}

// Listener wraps a quic.Listener.
type Listener struct {
	listener *quic.Listener
}

// Listen starts a QUIC listener on addr.
func Listen(addr string, tlsConf *tls.Config) (*Listener, error) {
	listener, err := quic.ListenAddr(addr, tlsConf, &quic.Config{
		KeepAlivePeriod:                10_000_000_000,
		MaxIdleTimeout:                 60_000_000_000,
		InitialStreamReceiveWindow:     8 << 20,
		InitialConnectionReceiveWindow: 128 << 20,
	})
	if err != nil {
		return nil, fmt.Errorf("quicpipe: listen: %w", err)
	}
	return &Listener{listener: listener}, nil
}

// Accept accepts one connection and its first stream, returning a Pipe.
func (l *Listener) Accept(ctx context.Context) (*Pipe, *quic.Conn, error) {
	conn, err := l.listener.Accept(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("quicpipe: accept: %w", err)
	}
	stream, err := conn.AcceptStream(ctx)
	if err != nil {
		conn.CloseWithError(0, "stream accept failed")
		return nil, nil, fmt.Errorf("quicpipe: accept stream: %w", err)
	}
	return NewPipe(stream), conn, nil
}

// Addr returns the listener's network address.
func (l *Listener) Addr() string {
	return l.listener.Addr().String()
}

// Close closes the listener.
func (l *Listener) Close() error {
	return l.listener.Close()
}
