package transfer

import "errors"

var (
	// ErrNotReady is returned by Sender.Run when the pipe was not open.
	ErrNotReady = errors.New("transfer: pipe not ready")
	// ErrTransportClosed means the pipe closed mid-transfer.
	ErrTransportClosed = errors.New("transfer: transport closed")
	// ErrCancelled is the completion error after Cancel().
	ErrCancelled = errors.New("transfer: cancelled")
	// ErrProtocolViolation covers a file-meta arriving mid-transfer.
	ErrProtocolViolation = errors.New("transfer: protocol violation")
	// ErrSinkWriteFailed reports a write or close failure against the receiver sink.
	ErrSinkWriteFailed = errors.New("transfer: sink write failed")
	// ErrChecksumMismatch means the finalised artifact didn't match file-meta.checksum.
	ErrChecksumMismatch = errors.New("transfer: checksum mismatch")
)
