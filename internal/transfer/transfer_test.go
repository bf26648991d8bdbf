package transfer

import (
	"bytes"
	"encoding/base64"
	"math/rand"
	"testing"
	"time"

	"github.com/zeebo/blake3"

	"github.com/parceldrop/parceldrop/internal/protocol"
)

func blake3Base64(data []byte) string {
	h := blake3.New()
	h.Write(data)
	return base64.StdEncoding.EncodeToString(h.Sum(nil))
}

func TestZeroByteFile_SenderCompletesImmediately(t *testing.T) {
	senderPipe, receiverPipe := newFakePipePair()
	defer senderPipe.Close()
	defer receiverPipe.Close()

	sender := NewSender(senderPipe, newMemFile(nil), 0, SenderOptions{FileName: "empty.bin"})
	recv := NewReceiver(receiverPipe, ReceiverOptions{Sink: newMemFile(nil)})

	recvErrCh := make(chan error, 1)
	go func() { recvErrCh <- recv.Run() }()

	if err := sender.Run(); err != nil {
		t.Fatalf("sender.Run() = %v, want nil", err)
	}
	if sender.State() != SenderComplete {
		t.Fatalf("expected SenderComplete, got %v", sender.State())
	}

	select {
	case err := <-recvErrCh:
		if err != nil {
			t.Fatalf("receiver.Run() = %v, want nil", err)
		}
	case <-time.After(time.Second):
		t.Fatal("receiver did not finish on zero-byte transfer")
	}
	if recv.State() != ReceiverComplete {
		t.Fatalf("expected ReceiverComplete, got %v", recv.State())
	}
}

func TestFullTransfer_SmallFile_EndToEnd(t *testing.T) {
	data := make([]byte, 200_000)
	rand.New(rand.NewSource(1)).Read(data)

	senderPipe, receiverPipe := newFakePipePair()
	defer senderPipe.Close()
	defer receiverPipe.Close()

	srcFile := newMemFile(data)
	dstFile := newMemFile(nil)

	sender := NewSender(senderPipe, srcFile, int64(len(data)), SenderOptions{
		FileName:  "payload.bin",
		ChunkSize: 65_536,
	})
	recv := NewReceiver(receiverPipe, ReceiverOptions{
		Sink:         dstFile,
		NackInterval: 50 * time.Millisecond,
	})

	recvErrCh := make(chan error, 1)
	go func() { recvErrCh <- recv.Run() }()

	senderErrCh := make(chan error, 1)
	go func() { senderErrCh <- sender.Run() }()

	select {
	case err := <-senderErrCh:
		if err != nil {
			t.Fatalf("sender.Run() = %v, want nil", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("sender did not complete")
	}
	select {
	case err := <-recvErrCh:
		if err != nil {
			t.Fatalf("receiver.Run() = %v, want nil", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("receiver did not complete")
	}

	if !bytes.Equal(dstFile.Bytes(), data) {
		t.Fatal("assembled output does not match input")
	}
}

func TestInMemoryFallback_OutOfOrderAssembly(t *testing.T) {
	// 3 chunks delivered 2, 0, 1 must assemble back to original order.
	data := make([]byte, 3*65_536)
	rand.New(rand.NewSource(2)).Read(data)

	senderPipe, receiverPipe := newFakePipePair()
	defer senderPipe.Close()
	defer receiverPipe.Close()

	recv := NewReceiver(receiverPipe, ReceiverOptions{}) // nil sink => in-memory fallback

	recvErrCh := make(chan error, 1)
	go func() { recvErrCh <- recv.Run() }()

	metaFrame, err := protocol.EncodeFileMeta(protocol.FileMeta{Size: uint64(len(data)), TotalChunks: 3})
	if err != nil {
		t.Fatalf("encode file-meta: %v", err)
	}
	if err := senderPipe.SendText(metaFrame); err != nil {
		t.Fatalf("send file-meta: %v", err)
	}

	order := []uint32{2, 0, 1}
	for _, idx := range order {
		start := int(idx) * 65_536
		end := start + 65_536
		frame := protocol.EncodeChunk(idx, data[start:end])
		if err := senderPipe.SendBinary(frame); err != nil {
			t.Fatalf("send chunk %d: %v", idx, err)
		}
	}

	select {
	case err := <-recvErrCh:
		if err != nil {
			t.Fatalf("receiver.Run() = %v, want nil", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("receiver did not complete")
	}

	if !bytes.Equal(recv.Assembled(), data) {
		t.Fatal("assembled output is not in ascending chunk order")
	}
}

func TestFullTransfer_ChecksumVerified_SinkPath(t *testing.T) {
	data := make([]byte, 150_000)
	rand.New(rand.NewSource(3)).Read(data)
	sum := blake3Base64(data)

	senderPipe, receiverPipe := newFakePipePair()
	defer senderPipe.Close()
	defer receiverPipe.Close()

	dstFile := newMemFile(nil)
	sender := NewSender(senderPipe, newMemFile(data), int64(len(data)), SenderOptions{
		FileName:  "payload.bin",
		ChunkSize: 65_536,
		Checksum:  sum,
	})
	recv := NewReceiver(receiverPipe, ReceiverOptions{
		Sink:         dstFile,
		NackInterval: 50 * time.Millisecond,
	})

	recvErrCh := make(chan error, 1)
	go func() { recvErrCh <- recv.Run() }()
	senderErrCh := make(chan error, 1)
	go func() { senderErrCh <- sender.Run() }()

	if err := <-senderErrCh; err != nil {
		t.Fatalf("sender.Run() = %v, want nil", err)
	}
	select {
	case err := <-recvErrCh:
		if err != nil {
			t.Fatalf("receiver.Run() = %v, want nil", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("receiver did not complete")
	}
	if recv.State() != ReceiverComplete {
		t.Fatalf("expected ReceiverComplete, got %v", recv.State())
	}
	if !bytes.Equal(dstFile.Bytes(), data) {
		t.Fatal("assembled output does not match input")
	}
}

func TestFullTransfer_ChecksumMismatch_SinkPath(t *testing.T) {
	data := make([]byte, 150_000)
	rand.New(rand.NewSource(4)).Read(data)

	senderPipe, receiverPipe := newFakePipePair()
	defer senderPipe.Close()
	defer receiverPipe.Close()

	dstFile := newMemFile(nil)
	sender := NewSender(senderPipe, newMemFile(data), int64(len(data)), SenderOptions{
		FileName:  "payload.bin",
		ChunkSize: 65_536,
		Checksum:  "not-the-right-digest",
	})
	recv := NewReceiver(receiverPipe, ReceiverOptions{
		Sink:         dstFile,
		NackInterval: 50 * time.Millisecond,
	})

	recvErrCh := make(chan error, 1)
	go func() { recvErrCh <- recv.Run() }()
	senderErrCh := make(chan error, 1)
	go func() { senderErrCh <- sender.Run() }()

	<-senderErrCh

	select {
	case err := <-recvErrCh:
		if err != ErrChecksumMismatch {
			t.Fatalf("receiver.Run() = %v, want ErrChecksumMismatch", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("receiver did not finish")
	}
	if recv.State() != ReceiverFailed {
		t.Fatalf("expected ReceiverFailed, got %v", recv.State())
	}
	if recv.Err() != ErrChecksumMismatch {
		t.Fatalf("expected Err() == ErrChecksumMismatch, got %v", recv.Err())
	}
	// The bytes still land on the sink even though verification failed: only
	// the reported outcome changes, not the write path.
	if !bytes.Equal(dstFile.Bytes(), data) {
		t.Fatal("sink contents should still match input despite checksum mismatch")
	}
}

func TestSenderCancel_RejectsWithCancelled(t *testing.T) {
	data := make([]byte, 10*65_536)
	senderPipe, receiverPipe := newFakePipePair()
	defer senderPipe.Close()
	defer receiverPipe.Close()

	sender := NewSender(senderPipe, newMemFile(data), int64(len(data)), SenderOptions{
		ChunkSize: 65_536,
	})

	// Drain the receiver side so the sender's sends don't block on a full
	// fake-pipe inbox, but never ack anything.
	go func() {
		for {
			if _, _, err := receiverPipe.Recv(); err != nil {
				return
			}
		}
	}()

	errCh := make(chan error, 1)
	go func() { errCh <- sender.Run() }()

	time.Sleep(20 * time.Millisecond)
	sender.Cancel()

	select {
	case err := <-errCh:
		if err != ErrCancelled {
			t.Fatalf("expected ErrCancelled, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("sender did not observe cancellation")
	}
	if sender.Err() != ErrCancelled {
		t.Fatalf("expected Err() == ErrCancelled, got %v", sender.Err())
	}
}
