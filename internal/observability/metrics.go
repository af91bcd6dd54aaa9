// Package observability — metrics.go
//
// Prometheus metrics for the PEL manager.
//
// Endpoint: GET /metrics on 127.0.0.1:9091 (configurable).
// Format: Prometheus text exposition format (OpenMetrics compatible).
// Bind: loopback only — no external exposure.
//
// Metric naming convention: pel_manager_<subsystem>_<name>_<unit>
//
// All metrics are registered on a dedicated prometheus.Registry (not the
// default global registry) to avoid collisions with other instrumented
// libraries in the same process.
//
// Cardinality control:
//   - Size-class labels take one of the four fixed repository.SizeClass
//     string values.
//   - Notifier state labels take one of the seven fixed notifier.State
//     string values.
//   - PEL id is NEVER used as a label (unbounded cardinality).

package observability

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every Prometheus metric descriptor for the PEL manager. It
// implements the narrow Metrics interfaces declared by internal/notifier,
// internal/lightpath, and internal/repository so those packages need not
// import this one.
type Metrics struct {
	registry *prometheus.Registry

	// ─── Manager / codec ──────────────────────────────────────────────────────

	// PELsLoggedTotal counts committed PELs, by size class.
	PELsLoggedTotal *prometheus.CounterVec

	// ─── Repository ───────────────────────────────────────────────────────────

	// StorageWriteLatency records Repository.Add transaction latency.
	StorageWriteLatency prometheus.Histogram

	// RepositoryEntryBytes is the current per-class byte total.
	RepositoryEntryBytes *prometheus.GaugeVec

	// RepositoryPrunedTotal counts entries removed by Prune.
	RepositoryPrunedTotal prometheus.Counter

	// ─── Notifier ─────────────────────────────────────────────────────────────

	// NotifierStateTransitionsTotal counts state transitions, by from/to.
	NotifierStateTransitionsTotal *prometheus.CounterVec

	// NotifierHostFull is 1 while the host-full backoff is active, else 0.
	NotifierHostFull prometheus.Gauge

	// ─── LightPath ────────────────────────────────────────────────────────────

	// LightpathLEDAssertionsTotal counts LED-group assertions, by group
	// ("fru" or "platform-sai") and whether it was a fallback assertion.
	LightpathLEDAssertionsTotal *prometheus.CounterVec

	// ─── Process ──────────────────────────────────────────────────────────────

	// UptimeSeconds is the number of seconds since the manager started.
	UptimeSeconds prometheus.Gauge

	startTime time.Time
}

// NewMetrics creates and registers every PEL manager Prometheus metric.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry:  reg,
		startTime: time.Now(),

		PELsLoggedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pel_manager",
			Subsystem: "manager",
			Name:      "pels_logged_total",
			Help:      "Total PELs committed to the repository, by size class.",
		}, []string{"class"}),

		StorageWriteLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "pel_manager",
			Subsystem: "repository",
			Name:      "write_latency_seconds",
			Help:      "Repository.Add transaction latency in seconds.",
			Buckets:   prometheus.DefBuckets,
		}),

		RepositoryEntryBytes: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "pel_manager",
			Subsystem: "repository",
			Name:      "entries_bytes",
			Help:      "Current stored byte total, by size class.",
		}, []string{"class"}),

		RepositoryPrunedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "pel_manager",
			Subsystem: "repository",
			Name:      "pruned_total",
			Help:      "Total entries removed by the pruning policy.",
		}),

		NotifierStateTransitionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pel_manager",
			Subsystem: "notifier",
			Name:      "state_transitions_total",
			Help:      "Total host-notifier state transitions, by from_state and to_state.",
		}, []string{"from_state", "to_state"}),

		NotifierHostFull: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "pel_manager",
			Subsystem: "notifier",
			Name:      "host_full",
			Help:      "1 while the host-full backoff is active, 0 otherwise.",
		}),

		LightpathLEDAssertionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pel_manager",
			Subsystem: "lightpath",
			Name:      "led_assertions_total",
			Help:      "Total LED group assertions, by group and whether it was a platform fallback.",
		}, []string{"group", "fallback"}),

		UptimeSeconds: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "pel_manager",
			Subsystem: "process",
			Name:      "uptime_seconds",
			Help:      "Number of seconds since the manager started.",
		}),
	}

	reg.MustRegister(
		m.PELsLoggedTotal,
		m.StorageWriteLatency,
		m.RepositoryEntryBytes,
		m.RepositoryPrunedTotal,
		m.NotifierStateTransitionsTotal,
		m.NotifierHostFull,
		m.LightpathLEDAssertionsTotal,
		m.UptimeSeconds,
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
	)

	return m
}

// RecordPELLogged implements the manager's reporting hook.
func (m *Metrics) RecordPELLogged(class string) { m.PELsLoggedTotal.WithLabelValues(class).Inc() }

// RecordStorageWrite implements repository.Metrics.
func (m *Metrics) RecordStorageWrite(d time.Duration) { m.StorageWriteLatency.Observe(d.Seconds()) }

// SetRepositoryEntries implements repository.Metrics.
func (m *Metrics) SetRepositoryEntries(class string, bytes int64) {
	m.RepositoryEntryBytes.WithLabelValues(class).Set(float64(bytes))
}

// RecordPruned implements repository.Metrics.
func (m *Metrics) RecordPruned(n int) { m.RepositoryPrunedTotal.Add(float64(n)) }

// RecordNotifierTransition implements notifier.Metrics.
func (m *Metrics) RecordNotifierTransition(from, to string) {
	m.NotifierStateTransitionsTotal.WithLabelValues(from, to).Inc()
}

// SetHostFull implements notifier.Metrics.
func (m *Metrics) SetHostFull(full bool) {
	if full {
		m.NotifierHostFull.Set(1)
		return
	}
	m.NotifierHostFull.Set(0)
}

// RecordLEDAssertion implements lightpath.Metrics.
func (m *Metrics) RecordLEDAssertion(group string, fallback bool) {
	m.LightpathLEDAssertionsTotal.WithLabelValues(group, fmt.Sprintf("%t", fallback)).Inc()
}

// ServeMetrics starts the Prometheus HTTP metrics server on addr, blocking
// until ctx is cancelled or the server fails.
func (m *Metrics) ServeMetrics(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
		ErrorHandling:     promhttp.ContinueOnError,
	}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	srv := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go m.updateUptime(ctx)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("metrics server on %s: %w", addr, err)
	}
	return nil
}

func (m *Metrics) updateUptime(ctx context.Context) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.UptimeSeconds.Set(time.Since(m.startTime).Seconds())
		case <-ctx.Done():
			return
		}
	}
}
