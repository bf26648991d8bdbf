package transfer

import (
	"errors"
	"sync"
)

// fakePipe is an in-memory Pipe used by tests to wire a Sender directly to
// a Receiver without any real network transport.
type fakePipe struct {
	mu       sync.Mutex
	inbox    chan frameMsg
	peer     *fakePipe
	closed   bool
	bufLow   chan struct{}
	buffered int64
}

type frameMsg struct {
	data     []byte
	isBinary bool
}

func newFakePipePair() (*fakePipe, *fakePipe) {
	a := &fakePipe{inbox: make(chan frameMsg, 256), bufLow: closedChan()}
	b := &fakePipe{inbox: make(chan frameMsg, 256), bufLow: closedChan()}
	a.peer = b
	b.peer = a
	return a, b
}

func closedChan() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

func (p *fakePipe) SendBinary(frame []byte) error {
	return p.sendTo(frame, true)
}

func (p *fakePipe) SendText(frame []byte) error {
	return p.sendTo(frame, false)
}

func (p *fakePipe) sendTo(frame []byte, isBinary bool) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return errors.New("fakePipe: closed")
	}
	peer := p.peer
	p.mu.Unlock()

	cp := make([]byte, len(frame))
	copy(cp, frame)

	peer.mu.Lock()
	closed := peer.closed
	peer.mu.Unlock()
	if closed {
		return errors.New("fakePipe: peer closed")
	}
	peer.inbox <- frameMsg{data: cp, isBinary: isBinary}
	return nil
}

func (p *fakePipe) Recv() ([]byte, bool, error) {
	msg, ok := <-p.inbox
	if !ok {
		return nil, false, errors.New("fakePipe: recv on closed pipe")
	}
	return msg.data, msg.isBinary, nil
}

func (p *fakePipe) BufferedBytes() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.buffered
}

func (p *fakePipe) BufferLow() <-chan struct{} {
	return p.bufLow
}

func (p *fakePipe) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.inbox)
	p.mu.Unlock()
	return nil
}

// memFile is a FileReader/WriteSink backed by a plain byte slice, for tests.
type memFile struct {
	mu   sync.Mutex
	data []byte
}

func newMemFile(data []byte) *memFile {
	return &memFile{data: data}
}

func (f *memFile) ReadAt(p []byte, off int64) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if off >= int64(len(f.data)) {
		return 0, errors.New("memFile: EOF")
	}
	n := copy(p, f.data[off:])
	return n, nil
}

func (f *memFile) WriteAt(p []byte, off int64) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	end := off + int64(len(p))
	if end > int64(len(f.data)) {
		grown := make([]byte, end)
		copy(grown, f.data)
		f.data = grown
	}
	copy(f.data[off:end], p)
	return len(p), nil
}

func (f *memFile) Close() error { return nil }

func (f *memFile) Bytes() []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]byte, len(f.data))
	copy(out, f.data)
	return out
}
