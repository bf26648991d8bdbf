package transfer

import "time"

// Progress is a point-in-time snapshot an engine hands to its upper layer.
// Mirrors the shape of the teacher's own TransferEvent, trimmed to what a
// Sender/Receiver actually knows about itself.
type Progress struct {
	State            string
	BytesTransferred int64
	TotalBytes       int64
	PercentComplete  float64
	SpeedBytesPerSec float64
	Error            string
}

// speedTracker accumulates a simple instantaneous-rate estimate the way the
// teacher's Session.recordProgressSample does, without keeping a full
// history.
type speedTracker struct {
	start       time.Time
	lastSample  time.Time
	lastBytes   int64
	currentRate float64
}

func newSpeedTracker() *speedTracker {
	now := time.Now()
	return &speedTracker{start: now, lastSample: now}
}

func (s *speedTracker) update(totalBytes int64) float64 {
	now := time.Now()
	elapsed := now.Sub(s.lastSample).Seconds()
	if elapsed >= 0.2 {
		delta := totalBytes - s.lastBytes
		s.currentRate = float64(delta) / elapsed
		s.lastSample = now
		s.lastBytes = totalBytes
	}
	return s.currentRate
}
