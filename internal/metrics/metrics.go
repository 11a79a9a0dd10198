// Package metrics exposes trustd's Prometheus metrics.
//
// A nil *Metrics is valid and records nothing, so components can be built
// without an exporter.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "trustd"

// Metrics holds every trustd metric on its own registry.
type Metrics struct {
	registry *prometheus.Registry

	// Counters
	EventsIngested *prometheus.CounterVec
	EventsDropped  *prometheus.CounterVec
	AlertsRaised   *prometheus.CounterVec
	SessionLocks   prometheus.Counter
	PersistErrors  *prometheus.CounterVec

	// Gauges
	TrustScore      prometheus.Gauge
	BotScore        prometheus.Gauge
	TrainingPercent prometheus.Gauge
	Monitoring      prometheus.Gauge
	QueueDepth      prometheus.Gauge

	// Histograms
	TickDuration prometheus.Histogram
}

// New creates and registers all metrics, plus the Go and process
// collectors, on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,

		EventsIngested: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_ingested_total",
			Help:      "Raw input events accepted into the buffers, by channel.",
		}, []string{"channel"}),
		EventsDropped: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_gated_total",
			Help:      "Raw input events discarded because monitoring or the enabled setting was off.",
		}, []string{"reason"}),
		AlertsRaised: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alerts_total",
			Help:      "Alerts raised, by type and severity.",
		}, []string{"type", "severity"}),
		SessionLocks: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_locks_total",
			Help:      "Session lock escalations requested.",
		}),
		PersistErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "persist_errors_total",
			Help:      "Failed or dropped store writes, by document.",
		}, []string{"document"}),

		TrustScore: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "trust_score",
			Help:      "Current trust score (0-100).",
		}),
		BotScore: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "bot_score",
			Help:      "Bot confidence of the last evaluation (0-100).",
		}),
		TrainingPercent: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "training_percent",
			Help:      "Progress of the current training phase.",
		}),
		Monitoring: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "monitoring",
			Help:      "1 while input capture is running.",
		}),
		QueueDepth: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_depth",
			Help:      "Raw events drained in the last batch.",
		}),

		TickDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "tick_duration_seconds",
			Help:      "Duration of periodic evaluations.",
			Buckets:   []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25},
		}),
	}
}

// Registry returns the registry backing the metrics.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// RecordEvent counts an accepted raw event.
func (m *Metrics) RecordEvent(channel string) {
	if m == nil {
		return
	}
	m.EventsIngested.WithLabelValues(channel).Inc()
}

// RecordGated counts an event discarded by gating.
func (m *Metrics) RecordGated(reason string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.EventsDropped.WithLabelValues(reason).Add(float64(n))
}

// RecordBatch records the size of a drained batch.
func (m *Metrics) RecordBatch(n int) {
	if m == nil {
		return
	}
	m.QueueDepth.Set(float64(n))
}

// RecordTick records a periodic evaluation.
func (m *Metrics) RecordTick(d time.Duration, trust, trainingPercent float64) {
	if m == nil {
		return
	}
	m.TickDuration.Observe(d.Seconds())
	m.TrustScore.Set(trust)
	m.TrainingPercent.Set(trainingPercent)
}

// RecordBotScore records the bot confidence of the last evaluation.
func (m *Metrics) RecordBotScore(score int) {
	if m == nil {
		return
	}
	m.BotScore.Set(float64(score))
}

// RecordAlert counts a raised alert.
func (m *Metrics) RecordAlert(alertType, severity string) {
	if m == nil {
		return
	}
	m.AlertsRaised.WithLabelValues(alertType, severity).Inc()
}

// RecordLock counts a lock escalation.
func (m *Metrics) RecordLock() {
	if m == nil {
		return
	}
	m.SessionLocks.Inc()
}

// RecordPersistError counts a failed or dropped write of document.
func (m *Metrics) RecordPersistError(document string) {
	if m == nil {
		return
	}
	m.PersistErrors.WithLabelValues(document).Inc()
}

// SetMonitoring records whether capture is running.
func (m *Metrics) SetMonitoring(on bool) {
	if m == nil {
		return
	}
	if on {
		m.Monitoring.Set(1)
	} else {
		m.Monitoring.Set(0)
	}
}

// Handler returns the /metrics HTTP handler.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Serve exposes /metrics, and /health when health is non-nil, on addr
// until ctx is cancelled.
func (m *Metrics) Serve(ctx context.Context, addr string, health http.Handler) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	if health != nil {
		mux.Handle("/health", health)
	}

	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- server.ListenAndServe() }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
