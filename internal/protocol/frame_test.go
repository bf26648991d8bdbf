package protocol

import "testing"

func TestEncodeDecodeChunk_RoundTrip(t *testing.T) {
	payload := []byte("hello world")
	frame := EncodeChunk(42, payload)

	if len(frame) != HeaderSize+len(payload) {
		t.Fatalf("expected frame size %d, got %d", HeaderSize+len(payload), len(frame))
	}

	index, decoded, err := DecodeChunk(frame)
	if err != nil {
		t.Fatalf("DecodeChunk failed: %v", err)
	}
	if index != 42 {
		t.Errorf("expected index 42, got %d", index)
	}
	if string(decoded) != string(payload) {
		t.Errorf("expected payload %q, got %q", payload, decoded)
	}
}

func TestEncodeDecodeChunk_EmptyPayload(t *testing.T) {
	frame := EncodeChunk(0, nil)
	if len(frame) != HeaderSize {
		t.Fatalf("expected frame size %d, got %d", HeaderSize, len(frame))
	}

	index, payload, err := DecodeChunk(frame)
	if err != nil {
		t.Fatalf("DecodeChunk failed: %v", err)
	}
	if index != 0 || len(payload) != 0 {
		t.Errorf("expected empty chunk at index 0, got index=%d len=%d", index, len(payload))
	}
}

func TestDecodeChunk_MalformedLength(t *testing.T) {
	frame := EncodeChunk(1, []byte("abc"))
	frame[4] = 0xFF // corrupt the declared payload length

	if _, _, err := DecodeChunk(frame); err != ErrMalformedFrame {
		t.Fatalf("expected ErrMalformedFrame, got %v", err)
	}
}

func TestDecodeChunk_TooShort(t *testing.T) {
	if _, _, err := DecodeChunk([]byte{1, 2, 3}); err != ErrMalformedFrame {
		t.Fatalf("expected ErrMalformedFrame, got %v", err)
	}
}

func TestDecodeChunk_DoesNotAliasInput(t *testing.T) {
	frame := EncodeChunk(7, []byte("payload-data"))
	_, payload, err := DecodeChunk(frame)
	if err != nil {
		t.Fatalf("DecodeChunk failed: %v", err)
	}
	frame[HeaderSize] = 'X'
	if payload[0] == 'X' {
		t.Fatalf("decoded payload aliases the input frame")
	}
}
