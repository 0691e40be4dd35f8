package observability

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Turn metrics
	activeTurns = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "voice_session_active_turns",
		Help: "Number of turns currently in flight",
	})

	turnsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_session_turns_total",
		Help: "Total number of conversation turns by terminal status",
	}, []string{"status"})

	turnDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "voice_session_turn_duration_seconds",
		Help:    "End-to-end duration of a conversation turn in seconds",
		Buckets: []float64{0.25, 0.5, 1, 2.5, 5, 10, 20, 30, 60},
	})

	stageTimeouts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_session_stage_timeouts_total",
		Help: "Total number of per-stage timeouts",
	}, []string{"stage"}) // stage: transcript, reply, audio

	// TTS metrics
	ttsRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_session_tts_requests_total",
		Help: "Total number of TTS synthesis requests",
	}, []string{"status"})

	ttsLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "voice_session_tts_latency_seconds",
		Help:    "TTS synthesis latency in seconds",
		Buckets: []float64{0.1, 0.25, 0.5, 1.0, 2.0, 5.0, 10.0},
	})

	ttsInterrupts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voice_session_tts_interrupts_total",
		Help: "Total number of interrupted TTS streams",
	})

	ttsCacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voice_session_tts_cache_hits_total",
		Help: "Total number of TTS cache hits",
	})

	ttsCacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voice_session_tts_cache_misses_total",
		Help: "Total number of TTS cache misses",
	})

	// Transport metrics
	framesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_session_frames_total",
		Help: "Total number of frames processed",
	}, []string{"direction", "type"}) // direction: "in" or "out"

	reconnectsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voice_session_reconnects_total",
		Help: "Total number of websocket reconnects",
	})

	sendRetriesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voice_session_send_retries_total",
		Help: "Total number of send retries after a failed write",
	})

	// Error metrics
	errorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_session_errors_total",
		Help: "Total number of errors",
	}, []string{"type", "component"})

	// Circuit breaker metrics
	circuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "voice_session_circuit_breaker_state",
		Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
	}, []string{"service"})
)

// RecordTurnStart records the start of a conversation turn
func RecordTurnStart() {
	activeTurns.Inc()
}

// RecordTurnEnd records the terminal status and duration of a turn
func RecordTurnEnd(status string, duration time.Duration) {
	activeTurns.Dec()
	turnsTotal.WithLabelValues(status).Inc()
	turnDuration.Observe(duration.Seconds())
}

// RecordStageTimeout records a non-fatal per-stage timeout
func RecordStageTimeout(stage string) {
	stageTimeouts.WithLabelValues(stage).Inc()
}

// RecordFrame records a processed frame
func RecordFrame(direction, frameType string) {
	framesTotal.WithLabelValues(direction, frameType).Inc()
}

// RecordReconnect records a websocket reconnect
func RecordReconnect() {
	reconnectsTotal.Inc()
}

// RecordSendRetry records a send retry after a failed write
func RecordSendRetry() {
	sendRetriesTotal.Inc()
}

// RecordError records an error
func RecordError(errorType, component string) {
	errorsTotal.WithLabelValues(errorType, component).Inc()
}

// RecordTTSInterrupt records an interrupted TTS stream
func RecordTTSInterrupt() {
	ttsInterrupts.Inc()
}

// RecordTTSCacheHit records a TTS cache hit
func RecordTTSCacheHit() {
	ttsCacheHits.Inc()
}

// RecordTTSCacheMiss records a TTS cache miss
func RecordTTSCacheMiss() {
	ttsCacheMisses.Inc()
}

// UpdateCircuitBreakerState updates the circuit breaker state metric
func UpdateCircuitBreakerState(service string, state int) {
	circuitBreakerState.WithLabelValues(service).Set(float64(state))
}

// TTSTimer tracks the latency of a single TTS request
type TTSTimer struct {
	start time.Time
	mu    sync.Mutex
	done  bool
}

// StartTTSTimer starts a latency timer for a TTS request
func StartTTSTimer() *TTSTimer {
	return &TTSTimer{start: time.Now()}
}

// Observe records the request outcome exactly once
func (t *TTSTimer) Observe(success bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		return
	}
	t.done = true

	ttsLatency.Observe(time.Since(t.start).Seconds())

	status := "success"
	if !success {
		status = "error"
	}
	ttsRequests.WithLabelValues(status).Inc()
}
