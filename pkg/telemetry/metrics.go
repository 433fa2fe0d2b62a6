package telemetry

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// Metrics exposes engine measurements to Prometheus. It implements
// engine.MetricsRecorder. A disabled instance accepts every call and records nothing.
type Metrics struct {
	config MetricsConfig

	workflowsStarted  prometheus.Counter
	workflowsFinished *prometheus.CounterVec
	workflowDuration  *prometheus.HistogramVec
	transitions       *prometheus.CounterVec
	stageAttempts     *prometheus.CounterVec
	stageDuration     *prometheus.HistogramVec
	stageErrors       *prometheus.CounterVec
	activeWorkflows   prometheus.Gauge

	registry *prometheus.Registry
}

// NewMetrics creates a metrics collector on a private registry.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		return &Metrics{config: cfg}, nil
	}

	namespace := cfg.Namespace
	buckets := cfg.DefaultHistogramBuckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		workflowsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "workflows_started_total",
			Help:      "Total number of workflows started",
		}),
		workflowsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "workflows_finished_total",
			Help:      "Total number of workflows that reached a terminal state",
		}, []string{"state"}),
		workflowDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "workflow_duration_seconds",
			Help:      "Time from workflow creation to its terminal state",
			Buckets:   buckets,
		}, []string{"state"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "state_transitions_total",
			Help:      "Total number of persisted state transitions",
		}, []string{"from", "to"}),
		stageAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stage_attempts_total",
			Help:      "Total number of stage attempts by result",
		}, []string{"stage", "result"}),
		stageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stage_duration_seconds",
			Help:      "Duration of stage attempts in seconds",
			Buckets:   buckets,
		}, []string{"stage"}),
		stageErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stage_errors_total",
			Help:      "Total number of failed stage attempts by error class and kind",
		}, []string{"class", "kind"}),
		activeWorkflows: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_workflows",
			Help:      "Current number of workflows with a stage executing",
		}),
	}

	registry.MustRegister(
		m.workflowsStarted,
		m.workflowsFinished,
		m.workflowDuration,
		m.transitions,
		m.stageAttempts,
		m.stageDuration,
		m.stageErrors,
		m.activeWorkflows,
	)

	return m, nil
}

func (m *Metrics) enabled() bool {
	return m != nil && m.registry != nil
}

// WorkflowStarted counts a newly created workflow.
func (m *Metrics) WorkflowStarted() {
	if !m.enabled() {
		return
	}
	m.workflowsStarted.Inc()
}

// WorkflowFinished records a workflow reaching a terminal state.
func (m *Metrics) WorkflowFinished(state string, duration time.Duration) {
	if !m.enabled() {
		return
	}
	m.workflowsFinished.WithLabelValues(state).Inc()
	m.workflowDuration.WithLabelValues(state).Observe(duration.Seconds())
}

// Transition counts a persisted transition.
func (m *Metrics) Transition(from, to string) {
	if !m.enabled() {
		return
	}
	m.transitions.WithLabelValues(from, to).Inc()
}

// StageAttempt records one stage execution.
func (m *Metrics) StageAttempt(stage, result string, duration time.Duration) {
	if !m.enabled() {
		return
	}
	m.stageAttempts.WithLabelValues(stage, result).Inc()
	m.stageDuration.WithLabelValues(stage).Observe(duration.Seconds())
}

// StageError counts a failed attempt by classification.
func (m *Metrics) StageError(class, kind string) {
	if !m.enabled() {
		return
	}
	m.stageErrors.WithLabelValues(class, kind).Inc()
}

// ActiveWorkflows sets the number of workflows holding an execution slot.
func (m *Metrics) ActiveWorkflows(n int) {
	if !m.enabled() {
		return
	}
	m.activeWorkflows.Set(float64(n))
}

// Registry returns the private registry, or nil when disabled.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if !m.enabled() {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// StartMetricsServer serves the metrics endpoint until ctx is done.
func (m *Metrics) StartMetricsServer(ctx context.Context, logger zerolog.Logger) error {
	if !m.enabled() {
		return nil
	}

	path := m.config.Path
	if path == "" {
		path = "/metrics"
	}
	mux := http.NewServeMux()
	mux.Handle(path, m.Handler())

	server := &http.Server{
		Addr:              m.config.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Str("addr", server.Addr).Msg("Metrics server stopped")
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	return nil
}
