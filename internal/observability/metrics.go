package observability

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Session metrics
	activeSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "voice_capture_active_sessions",
		Help: "Number of recording sessions that have not reached a terminal state",
	})

	sessionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_capture_sessions_total",
		Help: "Recording sessions by terminal outcome",
	}, []string{"outcome"})

	sessionDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "voice_capture_session_duration_seconds",
		Help:    "Wall time from start to terminal state",
		Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600},
	})

	// Capture metrics
	chunksCaptured = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voice_capture_chunks_total",
		Help: "Encoded audio chunks received from the capture device",
	})

	audioBytes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_capture_audio_bytes_total",
		Help: "Audio bytes captured and uploaded",
	}, []string{"direction"}) // direction: "captured" or "uploaded"

	acquireFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_capture_acquire_failures_total",
		Help: "Microphone acquisition failures",
	}, []string{"reason"})

	// Upload metrics
	uploadRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_capture_upload_requests_total",
		Help: "Transcription uploads by result",
	}, []string{"status"})

	uploadLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "voice_capture_upload_latency_seconds",
		Help:    "Transcription round trip latency in seconds",
		Buckets: []float64{0.25, 0.5, 1.0, 2.0, 5.0, 10.0, 30.0, 60.0},
	})

	staleResponses = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_capture_stale_responses_total",
		Help: "Async completions discarded because their session was no longer current",
	}, []string{"kind"})

	// Error metrics
	errorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_capture_errors_total",
		Help: "Total number of errors",
	}, []string{"type", "component"})

	// Circuit breaker metrics
	circuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "voice_capture_circuit_breaker_state",
		Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
	}, []string{"service"})

	circuitBreakerFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_capture_circuit_breaker_failures_total",
		Help: "Total circuit breaker failures",
	}, []string{"service"})
)

// Metrics tracks metrics for a single recording session
type Metrics struct {
	sessionID   string
	startTime   time.Time
	uploadStart time.Time
	ended       bool
	mu          sync.Mutex
}

// NewSessionMetrics creates a new metrics tracker for a session
func NewSessionMetrics(sessionID string) *Metrics {
	return &Metrics{
		sessionID: sessionID,
		startTime: time.Now(),
	}
}

// RecordSessionStart records the start of a session
func (m *Metrics) RecordSessionStart() {
	activeSessions.Inc()
}

// RecordSessionEnd records the terminal outcome of a session. Later calls are ignored.
func (m *Metrics) RecordSessionEnd(outcome string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ended {
		return
	}
	m.ended = true

	activeSessions.Dec()
	sessionsTotal.WithLabelValues(outcome).Inc()
	sessionDuration.Observe(time.Since(m.startTime).Seconds())
}

// RecordChunk records one captured chunk
func (m *Metrics) RecordChunk(size int) {
	chunksCaptured.Inc()
	audioBytes.WithLabelValues("captured").Add(float64(size))
}

// RecordUploadStart records the start of the transcription upload
func (m *Metrics) RecordUploadStart(size int) {
	m.mu.Lock()
	m.uploadStart = time.Now()
	m.mu.Unlock()
	audioBytes.WithLabelValues("uploaded").Add(float64(size))
}

// RecordUploadEnd records the end of the transcription upload
func (m *Metrics) RecordUploadEnd(status string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.uploadStart.IsZero() {
		uploadLatency.Observe(time.Since(m.uploadStart).Seconds())
	}
	uploadRequests.WithLabelValues(status).Inc()
}

// RecordError records an error
func (m *Metrics) RecordError(errorType, component string) {
	errorsTotal.WithLabelValues(errorType, component).Inc()
}

// RecordAcquireFailure counts a failed microphone acquisition
func RecordAcquireFailure(reason string) {
	acquireFailures.WithLabelValues(reason).Inc()
}

// RecordStaleResponse counts a discarded late completion
func RecordStaleResponse(kind string) {
	staleResponses.WithLabelValues(kind).Inc()
}

// UpdateCircuitBreakerState updates circuit breaker state metric
func UpdateCircuitBreakerState(service string, state int) {
	circuitBreakerState.WithLabelValues(service).Set(float64(state))
}

// IncrementCircuitBreakerFailures increments circuit breaker failure counter
func IncrementCircuitBreakerFailures(service string) {
	circuitBreakerFailures.WithLabelValues(service).Inc()
}
