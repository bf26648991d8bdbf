// Package observability provides the structured logging and metrics used
// across cmd/sender, cmd/receiver and cmd/relay.
package observability

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Logger wraps zerolog for structured logging.
type Logger struct {
	logger zerolog.Logger
}

// NewLogger creates a new structured logger tagged with service/version/host.
func NewLogger(service, version string, output io.Writer) *Logger {
	if output == nil {
		output = os.Stdout
	}

	zerolog.TimeFieldFormat = time.RFC3339

	logger := zerolog.New(output).With().
		Timestamp().
		Str("service", service).
		Str("version", version).
		Str("host", getHostname()).
		Logger()

	return &Logger{logger: logger}
}

// WithTransfer adds transfer_id context to the logger.
func (l *Logger) WithTransfer(transferID string) *Logger {
	return &Logger{logger: l.logger.With().Str("transfer_id", transferID).Logger()}
}

// WithConn adds conn_id context to the logger.
func (l *Logger) WithConn(connID string) *Logger {
	return &Logger{logger: l.logger.With().Str("conn_id", connID).Logger()}
}

// WithPin adds pin context to the logger.
func (l *Logger) WithPin(pin string) *Logger {
	return &Logger{logger: l.logger.With().Str("pin", pin).Logger()}
}

// Debug logs a debug message.
func (l *Logger) Debug(msg string) {
	l.logger.Debug().Msg(msg)
}

// Info logs an info message.
func (l *Logger) Info(msg string) {
	l.logger.Info().Msg(msg)
}

// Warn logs a warning message.
func (l *Logger) Warn(msg string) {
	l.logger.Warn().Msg(msg)
}

// Error logs an error message.
func (l *Logger) Error(err error, msg string) {
	l.logger.Error().Err(err).Msg(msg)
}

// Fatal logs a fatal message and exits.
func (l *Logger) Fatal(err error, msg string) {
	l.logger.Fatal().Err(err).Msg(msg)
}

// TransferStarted logs the start of a file transfer.
func (l *Logger) TransferStarted(transferID, fileName string, fileSize int64, totalChunks int) {
	l.logger.Info().
		Str("transfer_id", transferID).
		Str("file_name", fileName).
		Int64("file_size", fileSize).
		Int("total_chunks", totalChunks).
		Msg("transfer started")
}

// TransferProgress logs periodic transfer progress.
func (l *Logger) TransferProgress(transferID string, bytesTransferred, totalBytes int64, speedBytesPerSec float64) {
	percent := float64(0)
	if totalBytes > 0 {
		percent = float64(bytesTransferred) / float64(totalBytes) * 100.0
	}
	l.logger.Debug().
		Str("transfer_id", transferID).
		Int64("bytes_transferred", bytesTransferred).
		Int64("total_bytes", totalBytes).
		Float64("progress_percent", percent).
		Float64("speed_bytes_per_sec", speedBytesPerSec).
		Msg("transfer progress")
}

// TransferCompleted logs a successful transfer completion.
func (l *Logger) TransferCompleted(transferID string, fileSize int64, duration time.Duration, checksumVerified bool) {
	l.logger.Info().
		Str("transfer_id", transferID).
		Int64("file_size", fileSize).
		Float64("duration_seconds", duration.Seconds()).
		Bool("checksum_verified", checksumVerified).
		Msg("transfer completed")
}

// TransferFailed logs a failed or cancelled transfer.
func (l *Logger) TransferFailed(transferID string, err error) {
	l.logger.Error().
		Str("transfer_id", transferID).
		Err(err).
		Msg("transfer failed")
}

// ChunkRetransmitted logs a chunk resend triggered by a NACK.
func (l *Logger) ChunkRetransmitted(transferID string, chunkIndex uint32) {
	l.logger.Debug().
		Str("transfer_id", transferID).
		Uint32("chunk_index", chunkIndex).
		Msg("chunk retransmitted")
}

// SessionCreated logs a new rendezvous session.
func (l *Logger) SessionCreated(pin string) {
	l.logger.Info().Str("pin", pin).Msg("session created")
}

// SessionPaired logs a session reaching sender+receiver pairing.
func (l *Logger) SessionPaired(pin string) {
	l.logger.Info().Str("pin", pin).Msg("session paired")
}

// SessionExpired logs a TTL sweep removing a session.
func (l *Logger) SessionExpired(pin string) {
	l.logger.Debug().Str("pin", pin).Msg("session expired")
}

// ConnectionEstablished logs a transport connection coming up.
func (l *Logger) ConnectionEstablished(remoteAddr, connID string) {
	l.logger.Info().
		Str("remote_addr", remoteAddr).
		Str("conn_id", connID).
		Msg("connection established")
}

// ConnectionFailed logs a transport connection failure.
func (l *Logger) ConnectionFailed(remoteAddr string, err error) {
	l.logger.Error().
		Str("remote_addr", remoteAddr).
		Err(err).
		Msg("connection failed")
}

func getHostname() string {
	hostname, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	return hostname
}
