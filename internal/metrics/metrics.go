// Package metrics wires Prometheus instrumentation for the scheduler,
// executor, and checkpoint store, grounded on the same
// promauto.With(registry)-per-collector pattern used elsewhere in the
// retrieval pack's graph-execution tooling.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics bundles every collector a run exercises. All fields are safe
// for concurrent use; Prometheus collectors are themselves thread-safe,
// and the enabled flag (cleared by Disable) is guarded by mu. New registers
// every collector unconditionally, so building a second Metrics against
// the same registry panics on duplicate registration.
type Metrics struct {
	mu      sync.Mutex
	enabled bool

	stagesStarted   *prometheus.CounterVec
	stagesCompleted *prometheus.CounterVec
	stagesFailed    *prometheus.CounterVec
	retries         *prometheus.CounterVec
	loops           *prometheus.CounterVec
	stageDuration   *prometheus.HistogramVec
	queueDepth      prometheus.Gauge
	inflight        prometheus.Gauge
	checkpointSaves prometheus.Counter
	checkpointFails prometheus.Counter
}

// New builds and registers every collector against reg. Pass
// prometheus.NewRegistry() in tests to avoid polluting the default
// registry; pass prometheus.DefaultRegisterer in a real process.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{enabled: true}

	m.stagesStarted = promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
		Name: "forge_stages_started_total",
		Help: "Total stages that entered EXECUTING, labeled by stage id.",
	}, []string{"stage"})

	m.stagesCompleted = promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
		Name: "forge_stages_completed_total",
		Help: "Total stages that reached COMPLETED, labeled by stage id.",
	}, []string{"stage"})

	m.stagesFailed = promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
		Name: "forge_stages_failed_total",
		Help: "Total stages that reached FAILED, labeled by stage id.",
	}, []string{"stage"})

	// Monotonic per run: retries and loop-backs for a stage only ever
	// increase while that stage's FSM is alive, mirroring retryCount and
	// loopCount on the StageMachine itself.
	m.retries = promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
		Name: "forge_stage_retries_total",
		Help: "Total EXEC_FAILED-triggered retries, labeled by stage id.",
	}, []string{"stage"})

	m.loops = promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
		Name: "forge_stage_loops_total",
		Help: "Total loop_to rewinds, labeled by the stage that triggered the loop.",
	}, []string{"stage"})

	m.stageDuration = promauto.With(reg).NewHistogramVec(prometheus.HistogramOpts{
		Name:    "forge_stage_duration_seconds",
		Help:    "Stage execution duration from dispatch to terminal state, labeled by stage id.",
		Buckets: []float64{.1, .5, 1, 5, 15, 30, 60, 180, 600, 1800},
	}, []string{"stage"})

	m.queueDepth = promauto.With(reg).NewGauge(prometheus.GaugeOpts{
		Name: "forge_ready_queue_depth",
		Help: "Number of stages currently in READY, awaiting dispatch.",
	})

	m.inflight = promauto.With(reg).NewGauge(prometheus.GaugeOpts{
		Name: "forge_stages_inflight",
		Help: "Number of stages currently EXECUTING or VERIFYING.",
	})

	m.checkpointSaves = promauto.With(reg).NewCounter(prometheus.CounterOpts{
		Name: "forge_checkpoint_saves_total",
		Help: "Total successful checkpoint saves.",
	})

	m.checkpointFails = promauto.With(reg).NewCounter(prometheus.CounterOpts{
		Name: "forge_checkpoint_save_failures_total",
		Help: "Total checkpoint save attempts that returned an error.",
	})

	return m
}

// Disable turns every recording method into a no-op, used when metrics
// are not wanted (e.g. a short-lived CLI invocation of `status`).
func (m *Metrics) Disable() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.enabled = false
}

func (m *Metrics) isEnabled() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.enabled
}

// RecordStageStarted increments the started counter for a stage.
func (m *Metrics) RecordStageStarted(stageID string) {
	if !m.isEnabled() {
		return
	}
	m.stagesStarted.WithLabelValues(stageID).Inc()
	m.inflight.Inc()
}

// RecordStageCompleted increments the completed counter and observes
// duration for a stage.
func (m *Metrics) RecordStageCompleted(stageID string, seconds float64) {
	if !m.isEnabled() {
		return
	}
	m.stagesCompleted.WithLabelValues(stageID).Inc()
	m.stageDuration.WithLabelValues(stageID).Observe(seconds)
	m.inflight.Dec()
}

// RecordStageFailure increments the failed counter for a stage.
func (m *Metrics) RecordStageFailure(stageID string) {
	if !m.isEnabled() {
		return
	}
	m.stagesFailed.WithLabelValues(stageID).Inc()
	m.inflight.Dec()
}

// RecordRetry increments the retry counter for a stage.
func (m *Metrics) RecordRetry(stageID string) {
	if !m.isEnabled() {
		return
	}
	m.retries.WithLabelValues(stageID).Inc()
}

// RecordLoop increments the loop counter for the stage that triggered a
// loop_to rewind.
func (m *Metrics) RecordLoop(stageID string) {
	if !m.isEnabled() {
		return
	}
	m.loops.WithLabelValues(stageID).Inc()
}

// SetQueueDepth sets the current READY-stage count.
func (m *Metrics) SetQueueDepth(n int) {
	if !m.isEnabled() {
		return
	}
	m.queueDepth.Set(float64(n))
}

// RecordCheckpointSave records a checkpoint save outcome.
func (m *Metrics) RecordCheckpointSave(err error) {
	if !m.isEnabled() {
		return
	}
	if err != nil {
		m.checkpointFails.Inc()
		return
	}
	m.checkpointSaves.Inc()
}
