package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Streaming connection metrics
	streamState = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "speech_client_stream_state",
		Help: "Streaming connection state (0=disconnected, 1=connecting, 2=connected, 3=reconnecting, 4=closing)",
	})

	streamReconnects = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "speech_client_stream_reconnects_total",
		Help: "Reconnect attempts by outcome",
	}, []string{"outcome"}) // outcome: scheduled, exhausted

	streamInbound = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "speech_client_stream_inbound_messages_total",
		Help: "Inbound streaming messages by type",
	}, []string{"type"})

	streamMalformed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "speech_client_stream_malformed_messages_total",
		Help: "Inbound streaming messages that failed to parse",
	})

	streamOutbound = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "speech_client_stream_outbound_messages_total",
		Help: "Outbound streaming messages by type and status",
	}, []string{"type", "status"})

	// Capture metrics
	captureSessions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "speech_client_capture_sessions_total",
		Help: "Capture sessions by outcome",
	}, []string{"outcome"}) // outcome: started, stopped, forced, failed

	captureDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "speech_client_capture_duration_seconds",
		Help:    "Duration of capture sessions in seconds",
		Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600},
	})

	captureChunks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "speech_client_capture_chunks_total",
		Help: "Captured audio chunks by delivery (streamed or retained)",
	}, []string{"delivery"})

	captureBytes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "speech_client_capture_bytes_total",
		Help: "Total captured audio bytes",
	})

	// Gateway metrics
	gatewayRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "speech_client_gateway_requests_total",
		Help: "Backend requests by operation and status",
	}, []string{"operation", "status"})

	gatewayLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "speech_client_gateway_latency_seconds",
		Help:    "Backend request latency in seconds",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1.0, 2.0, 5.0, 10.0},
	}, []string{"operation"})

	// Event publishing metrics
	eventsPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "speech_client_events_published_total",
		Help: "Transcript events published by sink, event type and status",
	}, []string{"sink", "type", "status"})

	eventPublishLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "speech_client_event_publish_latency_seconds",
		Help:    "Event publish latency in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0},
	}, []string{"sink"})

	eventClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "speech_client_event_clients",
		Help: "Connected event websocket clients",
	})

	// Error metrics
	errorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "speech_client_errors_total",
		Help: "Total number of errors",
	}, []string{"type", "component"})
)

// SetStreamState records the current streaming connection state.
func SetStreamState(state int) {
	streamState.Set(float64(state))
}

// RecordReconnect records a scheduled or abandoned reconnect.
func RecordReconnect(outcome string) {
	streamReconnects.WithLabelValues(outcome).Inc()
}

// RecordInbound records a parsed inbound streaming message.
func RecordInbound(msgType string) {
	streamInbound.WithLabelValues(msgType).Inc()
}

// RecordMalformed records an inbound message that failed validation.
func RecordMalformed() {
	streamMalformed.Inc()
}

// RecordOutbound records an outbound streaming message.
func RecordOutbound(msgType string, success bool) {
	status := "success"
	if !success {
		status = "error"
	}
	streamOutbound.WithLabelValues(msgType, status).Inc()
}

// RecordCaptureSession records a capture session lifecycle event.
func RecordCaptureSession(outcome string) {
	captureSessions.WithLabelValues(outcome).Inc()
}

// RecordCaptureDuration records how long a capture session ran.
func RecordCaptureDuration(d time.Duration) {
	captureDuration.Observe(d.Seconds())
}

// RecordChunk records a captured chunk and whether it was streamed.
func RecordChunk(size int, streamed bool) {
	delivery := "retained"
	if streamed {
		delivery = "streamed"
	}
	captureChunks.WithLabelValues(delivery).Inc()
	captureBytes.Add(float64(size))
}

// RecordGatewayRequest records a backend request outcome and latency.
func RecordGatewayRequest(operation string, start time.Time, success bool) {
	status := "success"
	if !success {
		status = "error"
	}
	gatewayRequests.WithLabelValues(operation, status).Inc()
	gatewayLatency.WithLabelValues(operation).Observe(time.Since(start).Seconds())
}

// RecordEventPublish records one event delivery to a sink.
func RecordEventPublish(sink, eventType string, start time.Time, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	eventsPublished.WithLabelValues(sink, eventType, status).Inc()
	eventPublishLatency.WithLabelValues(sink).Observe(time.Since(start).Seconds())
}

// SetEventClients records the number of connected event clients.
func SetEventClients(n int) {
	eventClients.Set(float64(n))
}

// RecordError records an error
func RecordError(errorType, component string) {
	errorsTotal.WithLabelValues(errorType, component).Inc()
}
