package protocol

import (
	"encoding/json"
	"errors"
)

// ErrMalformedControl is returned when a control text frame is missing its
// discriminating "type" field or is not valid JSON.
var ErrMalformedControl = errors.New("protocol: malformed control message")

// ControlType discriminates the closed set of control text frames.
type ControlType string

const (
	TypeFileMeta         ControlType = "file-meta"
	TypeAck              ControlType = "ack"
	TypeNack             ControlType = "nack"
	TypeTransferComplete ControlType = "transfer-complete"
	TypeReceivedRanges   ControlType = "received-ranges"
	TypeControl          ControlType = "control"
)

// ControlAction is the action field carried by a "control" message.
type ControlAction string

const (
	ActionReady   ControlAction = "ready"
	ActionPause   ControlAction = "pause"
	ActionResume  ControlAction = "resume"
)

// FileMeta announces the file about to be streamed.
type FileMeta struct {
	Type        ControlType `json:"type"`
	Name        string      `json:"name"`
	Size        uint64      `json:"size"`
	MimeType    string      `json:"mimeType"`
	TotalChunks uint32      `json:"totalChunks"`
	Checksum    string      `json:"checksum,omitempty"`
}

// Ack acknowledges receipt of a single chunk.
type Ack struct {
	Type       ControlType `json:"type"`
	ChunkIndex uint32      `json:"chunkIndex"`
}

// Nack requests retransmission of specific chunk indices.
type Nack struct {
	Type          ControlType `json:"type"`
	MissingChunks []uint32    `json:"missingChunks"`
}

// TransferComplete signals that the receiver has finished.
type TransferComplete struct {
	Type          ControlType `json:"type"`
	Success       bool        `json:"success"`
	BytesReceived uint64      `json:"bytesReceived"`
}

// ChunkRange is an inclusive [Start, End] range of chunk indices.
type ChunkRange struct {
	Start uint32 `json:"start"`
	End   uint32 `json:"end"`
}

// ReceivedRanges carries a compressed snapshot of received chunk indices,
// used to resume a transfer after a reconnect.
type ReceivedRanges struct {
	Type   ControlType  `json:"type"`
	Ranges []ChunkRange `json:"ranges"`
}

// Control carries a ready/pause/resume action.
type Control struct {
	Type   ControlType   `json:"type"`
	Action ControlAction `json:"action"`
}

// typeProbe is used only to read the discriminator field out of an
// otherwise-unparsed control frame.
type typeProbe struct {
	Type ControlType `json:"type"`
}

// PeekType returns the "type" discriminator of a raw control text frame
// without fully decoding it. Returns ErrMalformedControl if the frame isn't
// valid JSON or lacks a "type" field.
func PeekType(data []byte) (ControlType, error) {
	var p typeProbe
	if err := json.Unmarshal(data, &p); err != nil {
		return "", ErrMalformedControl
	}
	if p.Type == "" {
		return "", ErrMalformedControl
	}
	return p.Type, nil
}

// EncodeFileMeta, EncodeAck, etc. marshal a control message to its wire
// representation. Each setter fills in Type so callers never forget it.

func EncodeFileMeta(m FileMeta) ([]byte, error) {
	m.Type = TypeFileMeta
	return json.Marshal(m)
}

func EncodeAck(a Ack) ([]byte, error) {
	a.Type = TypeAck
	return json.Marshal(a)
}

func EncodeNack(n Nack) ([]byte, error) {
	n.Type = TypeNack
	return json.Marshal(n)
}

func EncodeTransferComplete(c TransferComplete) ([]byte, error) {
	c.Type = TypeTransferComplete
	return json.Marshal(c)
}

func EncodeReceivedRanges(r ReceivedRanges) ([]byte, error) {
	r.Type = TypeReceivedRanges
	return json.Marshal(r)
}

func EncodeControl(c Control) ([]byte, error) {
	c.Type = TypeControl
	return json.Marshal(c)
}

func DecodeFileMeta(data []byte) (FileMeta, error) {
	var m FileMeta
	if err := json.Unmarshal(data, &m); err != nil {
		return FileMeta{}, ErrMalformedControl
	}
	return m, nil
}

func DecodeAck(data []byte) (Ack, error) {
	var a Ack
	if err := json.Unmarshal(data, &a); err != nil {
		return Ack{}, ErrMalformedControl
	}
	return a, nil
}

func DecodeNack(data []byte) (Nack, error) {
	var n Nack
	if err := json.Unmarshal(data, &n); err != nil {
		return Nack{}, ErrMalformedControl
	}
	return n, nil
}

func DecodeTransferComplete(data []byte) (TransferComplete, error) {
	var c TransferComplete
	if err := json.Unmarshal(data, &c); err != nil {
		return TransferComplete{}, ErrMalformedControl
	}
	return c, nil
}

func DecodeReceivedRanges(data []byte) (ReceivedRanges, error) {
	var r ReceivedRanges
	if err := json.Unmarshal(data, &r); err != nil {
		return ReceivedRanges{}, ErrMalformedControl
	}
	return r, nil
}

func DecodeControl(data []byte) (Control, error) {
	var c Control
	if err := json.Unmarshal(data, &c); err != nil {
		return Control{}, ErrMalformedControl
	}
	return c, nil
}
