package observability

import (
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the Prometheus metrics exposed by each binary. cmd/sender and
// cmd/receiver populate the transfer/connection groups; cmd/relay populates
// the registry group. Both share one registerer so a single /metrics mux can
// serve whichever subset a process actually records.
type Metrics struct {
	TransfersTotal        *prometheus.CounterVec
	TransfersActive       prometheus.Gauge
	TransferDuration      prometheus.Histogram
	BytesTransferredTotal *prometheus.CounterVec
	ChunksSentTotal       prometheus.Counter
	ChunksReceivedTotal   prometheus.Counter
	ChunksRetransmitted   prometheus.Counter

	ConnectionsTotal   *prometheus.CounterVec
	ConnectionsActive  prometheus.Gauge
	ConnectionDuration prometheus.Histogram

	SessionsCreatedTotal *prometheus.CounterVec
	SessionsJoinedTotal  prometheus.Counter
	SessionsActive       prometheus.Gauge
	SessionsExpiredTotal prometheus.Counter
	PinCollisionsTotal   prometheus.Counter
	RelayMessagesTotal   *prometheus.CounterVec
	ChunksDroppedTotal   *prometheus.CounterVec

	activeTransfers int64
}

// NewMetrics creates and registers all Prometheus metrics.
func NewMetrics() *Metrics {
	return &Metrics{
		TransfersTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "parceldrop_transfers_total",
				Help: "Total transfers initiated",
			},
			[]string{"status"},
		),
		TransfersActive: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "parceldrop_transfers_active",
				Help: "Currently active transfers",
			},
		),
		TransferDuration: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "parceldrop_transfer_duration_seconds",
				Help:    "Transfer completion time distribution",
				Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600, 1200, 1800},
			},
		),
		BytesTransferredTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "parceldrop_bytes_transferred_total",
				Help: "Total bytes transferred",
			},
			[]string{"direction"},
		),
		ChunksSentTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "parceldrop_chunks_sent_total",
				Help: "Total chunks sent",
			},
		),
		ChunksReceivedTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "parceldrop_chunks_received_total",
				Help: "Total chunks received",
			},
		),
		ChunksRetransmitted: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "parceldrop_chunks_retransmitted_total",
				Help: "Chunks resent after a NACK",
			},
		),

		ConnectionsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "parceldrop_connections_total",
				Help: "Transport connection attempts",
			},
			[]string{"result"},
		),
		ConnectionsActive: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "parceldrop_connections_active",
				Help: "Active transport connections",
			},
		),
		ConnectionDuration: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "parceldrop_connection_duration_seconds",
				Help:    "Transport connection lifetime",
				Buckets: []float64{1, 5, 10, 30, 60, 120, 300},
			},
		),

		SessionsCreatedTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "parceldrop_sessions_created_total",
				Help: "Rendezvous sessions created",
			},
			[]string{"result"},
		),
		SessionsJoinedTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "parceldrop_sessions_joined_total",
				Help: "Sessions successfully paired by a join",
			},
		),
		SessionsActive: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "parceldrop_sessions_active",
				Help: "Currently live (unexpired) rendezvous sessions",
			},
		),
		SessionsExpiredTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "parceldrop_sessions_expired_total",
				Help: "Sessions removed by the TTL sweep",
			},
		),
		PinCollisionsTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "parceldrop_pin_collisions_total",
				Help: "Pin candidates rejected for colliding with a live session",
			},
		),
		RelayMessagesTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "parceldrop_relay_messages_total",
				Help: "Signaling messages relayed, by action",
			},
			[]string{"action"},
		),
		ChunksDroppedTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "parceldrop_chunks_dropped_total",
				Help: "Inbound chunk frames dropped without being persisted, by reason",
			},
			[]string{"reason"},
		),
	}
}

// RecordTransferStart increments active-transfer counters.
func (m *Metrics) RecordTransferStart() {
	atomic.AddInt64(&m.activeTransfers, 1)
	m.TransfersActive.Set(float64(atomic.LoadInt64(&m.activeTransfers)))
}

// RecordTransferComplete records a transfer's terminal outcome.
func (m *Metrics) RecordTransferComplete(success bool, durationSeconds float64) {
	atomic.AddInt64(&m.activeTransfers, -1)
	m.TransfersActive.Set(float64(atomic.LoadInt64(&m.activeTransfers)))

	status := "success"
	if !success {
		status = "failure"
	}
	m.TransfersTotal.WithLabelValues(status).Inc()
	m.TransferDuration.Observe(durationSeconds)
}

// RecordChunkSent updates metrics for a sent chunk.
func (m *Metrics) RecordChunkSent(bytes int) {
	m.ChunksSentTotal.Inc()
	m.BytesTransferredTotal.WithLabelValues("sent").Add(float64(bytes))
}

// RecordChunkReceived updates metrics for a received chunk.
func (m *Metrics) RecordChunkReceived(bytes int) {
	m.ChunksReceivedTotal.Inc()
	m.BytesTransferredTotal.WithLabelValues("received").Add(float64(bytes))
}

// RecordChunkRetransmit increments the retransmit counter.
func (m *Metrics) RecordChunkRetransmit() {
	m.ChunksRetransmitted.Inc()
}

// RecordConnection logs a transport connection attempt.
func (m *Metrics) RecordConnection(success bool) {
	result := "success"
	if !success {
		result = "failure"
	}
	m.ConnectionsTotal.WithLabelValues(result).Inc()
	if success {
		m.ConnectionsActive.Inc()
	}
}

// RecordConnectionClose updates metrics for a closed transport connection.
func (m *Metrics) RecordConnectionClose(durationSeconds float64) {
	m.ConnectionsActive.Dec()
	m.ConnectionDuration.Observe(durationSeconds)
}

// RecordSessionCreated logs a session-creation attempt's outcome.
func (m *Metrics) RecordSessionCreated(success bool) {
	result := "success"
	if !success {
		result = "capacity_exceeded"
	}
	m.SessionsCreatedTotal.WithLabelValues(result).Inc()
	if success {
		m.SessionsActive.Inc()
	}
}

// RecordSessionRemoved decrements the live-session gauge, optionally
// attributing the removal to the TTL sweep.
func (m *Metrics) RecordSessionRemoved(expired bool) {
	m.SessionsActive.Dec()
	if expired {
		m.SessionsExpiredTotal.Inc()
	}
}

// RecordRelayMessage increments the per-action relay counter.
func (m *Metrics) RecordRelayMessage(action string) {
	m.RelayMessagesTotal.WithLabelValues(action).Inc()
}

// RecordSessionJoined increments the successful-pairing counter.
func (m *Metrics) RecordSessionJoined() {
	m.SessionsJoinedTotal.Inc()
}

// RecordPinCollision increments the pin-collision counter, once per rejected
// candidate in the create-retry loop.
func (m *Metrics) RecordPinCollision() {
	m.PinCollisionsTotal.Inc()
}

// RecordChunkDropped increments the dropped-chunk counter for reason
// ("duplicate" or "malformed").
func (m *Metrics) RecordChunkDropped(reason string) {
	m.ChunksDroppedTotal.WithLabelValues(reason).Inc()
}

// Handler exposes the Prometheus metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.Handler()
}
