package ranges

import (
	"reflect"
	"testing"

	"github.com/parceldrop/parceldrop/internal/protocol"
)

func TestMarkReceivedAndHasChunk(t *testing.T) {
	tr := New(10)
	if tr.HasChunk(3) {
		t.Fatal("expected chunk 3 unset initially")
	}
	tr.MarkReceived(3)
	if !tr.HasChunk(3) {
		t.Fatal("expected chunk 3 set after MarkReceived")
	}
	received, total := tr.Progress()
	if received != 1 || total != 10 {
		t.Fatalf("expected progress 1/10, got %d/%d", received, total)
	}
}

func TestMarkReceived_DuplicateIsNoop(t *testing.T) {
	tr := New(5)
	tr.MarkReceived(1)
	tr.MarkReceived(1)
	received, _ := tr.Progress()
	if received != 1 {
		t.Fatalf("expected received count 1 after duplicate mark, got %d", received)
	}
}

func TestMissingChunks(t *testing.T) {
	tr := New(5)
	tr.MarkReceived(0)
	tr.MarkReceived(2)
	tr.MarkReceived(4)
	got := tr.MissingChunks()
	want := []uint32{1, 3}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
}

func TestIsComplete(t *testing.T) {
	tr := New(3)
	for i := uint32(0); i < 3; i++ {
		if tr.IsComplete() {
			t.Fatalf("unexpectedly complete at %d received", i)
		}
		tr.MarkReceived(i)
	}
	if !tr.IsComplete() {
		t.Fatal("expected complete after marking all chunks")
	}
}

func TestRanges_CompressesContiguousRuns(t *testing.T) {
	tr := New(10)
	for _, i := range []uint32{0, 1, 2, 5, 6, 9} {
		tr.MarkReceived(i)
	}
	got := tr.Ranges()
	want := []protocol.ChunkRange{{Start: 0, End: 2}, {Start: 5, End: 6}, {Start: 9, End: 9}}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
}

func TestRanges_Empty(t *testing.T) {
	tr := New(10)
	if got := tr.Ranges(); len(got) != 0 {
		t.Fatalf("expected no ranges for empty tracker, got %v", got)
	}
}

func TestRanges_AllReceivedSingleRun(t *testing.T) {
	tr := New(4)
	for i := uint32(0); i < 4; i++ {
		tr.MarkReceived(i)
	}
	got := tr.Ranges()
	want := []protocol.ChunkRange{{Start: 0, End: 3}}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
}

func TestLoadFromRanges_RoundTrip(t *testing.T) {
	src := New(20)
	for _, i := range []uint32{0, 1, 2, 7, 10, 11, 12, 19} {
		src.MarkReceived(i)
	}
	snapshot := src.Ranges()

	dst := New(20)
	if err := dst.LoadFromRanges(snapshot); err != nil {
		t.Fatalf("LoadFromRanges failed: %v", err)
	}
	if !reflect.DeepEqual(dst.Ranges(), snapshot) {
		t.Fatalf("round trip mismatch: expected %v, got %v", snapshot, dst.Ranges())
	}
	for _, i := range []uint32{0, 1, 2, 7, 10, 11, 12, 19} {
		if !dst.HasChunk(i) {
			t.Errorf("expected chunk %d set after load", i)
		}
	}
	if dst.HasChunk(3) {
		t.Error("expected chunk 3 unset after load")
	}
}

func TestLoadFromRanges_RejectsOutOfBounds(t *testing.T) {
	tr := New(5)
	err := tr.LoadFromRanges([]protocol.ChunkRange{{Start: 0, End: 10}})
	if err == nil {
		t.Fatal("expected error for out-of-range chunk range")
	}
}

func TestLoadFromRanges_RejectsInverted(t *testing.T) {
	tr := New(5)
	err := tr.LoadFromRanges([]protocol.ChunkRange{{Start: 4, End: 1}})
	if err == nil {
		t.Fatal("expected error for inverted range")
	}
}

func TestClear(t *testing.T) {
	tr := New(5)
	tr.MarkReceived(1)
	tr.MarkReceived(2)
	tr.Clear()
	if received, _ := tr.Progress(); received != 0 {
		t.Fatalf("expected 0 received after Clear, got %d", received)
	}
	if tr.HasChunk(1) {
		t.Fatal("expected chunk 1 unset after Clear")
	}
}
