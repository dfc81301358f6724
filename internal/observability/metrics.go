// Package observability — metrics.go
//
// Prometheus metrics for an octokernel driver process.
//
// Endpoint: GET /metrics on 127.0.0.1:9091 (configurable).
// Format: Prometheus text exposition format (OpenMetrics compatible).
// Bind: loopback only — no external exposure.
//
// Metric naming convention: octokernel_<subsystem>_<name>_<unit>
//
// All metrics are registered on a dedicated prometheus.Registry (not the
// default global registry) to avoid collisions with other instrumented
// libraries in the same process.
package observability

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metric descriptors for an octokernel driver.
type Metrics struct {
	registry *prometheus.Registry

	// ─── Identity & tasks ────────────────────────────────────────────────────

	// TasksSpawnedTotal counts spawn_task/spawn_task_with_identity calls.
	// Labels: kind (System, Service, Component, PipelineStage)
	TasksSpawnedTotal *prometheus.CounterVec

	// TasksTerminatedTotal counts terminate_task calls.
	// Labels: reason (Normal, Failure, Cancelled, Timeout)
	TasksTerminatedTotal *prometheus.CounterVec

	// LiveIdentities is the current number of identities with alive=true.
	LiveIdentities prometheus.Gauge

	// ─── Capability authority ────────────────────────────────────────────────

	// CapabilityEventsTotal counts Authority Table audit events.
	// Labels: kind (Granted, Delegated, CrossDomainDelegation, Dropped,
	// Invalidated, InvalidUseAttempt)
	CapabilityEventsTotal *prometheus.CounterVec

	// ─── Message transport ───────────────────────────────────────────────────

	// MessagesSentTotal counts successful channel sends.
	MessagesSentTotal prometheus.Counter

	// MessagesFaultedTotal counts fault-plan effects applied at send time.
	// Labels: effect (dropped, delayed, reordered, crashed)
	MessagesFaultedTotal *prometheus.CounterVec

	// ReceiveTimeoutsTotal counts receive_message calls that exhausted their
	// timeout with no message available.
	ReceiveTimeoutsTotal prometheus.Counter

	// ─── Resource ledger ─────────────────────────────────────────────────────

	// ResourceConsumedTotal counts successful try_consume calls, by resource.
	ResourceConsumedTotal *prometheus.CounterVec

	// ResourceExhaustedTotal counts try_consume calls that exhausted a
	// budget, by resource.
	ResourceExhaustedTotal *prometheus.CounterVec

	// ─── Pipeline executor ───────────────────────────────────────────────────

	// StageOutcomesTotal counts stage completions, by result
	// (succeeded, failed, cancelled).
	StageOutcomesTotal *prometheus.CounterVec

	// StageRetriesTotal counts retryable-outcome retries.
	StageRetriesTotal prometheus.Counter

	// ─── Policy engine ───────────────────────────────────────────────────────

	// PolicyDecisionsTotal counts policy evaluations, by enforcement point
	// and decision kind (allow, deny, require).
	PolicyDecisionsTotal *prometheus.CounterVec

	// ─── Storage ──────────────────────────────────────────────────────────────

	// StorageWriteLatency records durable capability-object write latency.
	StorageWriteLatency prometheus.Histogram

	// ─── Driver ───────────────────────────────────────────────────────────────

	// DriverUptimeSeconds is the number of seconds since the driver started.
	DriverUptimeSeconds prometheus.Gauge

	startTime time.Time
}

// NewMetrics creates and registers all octokernel Prometheus metrics.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry:  reg,
		startTime: time.Now(),

		TasksSpawnedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "octokernel",
			Subsystem: "tasks",
			Name:      "spawned_total",
			Help:      "Total tasks spawned, by identity kind.",
		}, []string{"kind"}),

		TasksTerminatedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "octokernel",
			Subsystem: "tasks",
			Name:      "terminated_total",
			Help:      "Total tasks terminated, by exit reason.",
		}, []string{"reason"}),

		LiveIdentities: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "octokernel",
			Subsystem: "tasks",
			Name:      "live_identities",
			Help:      "Current number of execution identities with alive=true.",
		}),

		CapabilityEventsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "octokernel",
			Subsystem: "capability",
			Name:      "events_total",
			Help:      "Total Authority Table audit events, by event kind.",
		}, []string{"kind"}),

		MessagesSentTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "octokernel",
			Subsystem: "transport",
			Name:      "messages_sent_total",
			Help:      "Total envelopes that reached a channel queue.",
		}),

		MessagesFaultedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "octokernel",
			Subsystem: "transport",
			Name:      "messages_faulted_total",
			Help:      "Total send-side fault-plan effects applied, by effect.",
		}, []string{"effect"}),

		ReceiveTimeoutsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "octokernel",
			Subsystem: "transport",
			Name:      "receive_timeouts_total",
			Help:      "Total receive_message calls that timed out.",
		}),

		ResourceConsumedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "octokernel",
			Subsystem: "ledger",
			Name:      "resource_consumed_total",
			Help:      "Total successful try_consume calls, by resource.",
		}, []string{"resource"}),

		ResourceExhaustedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "octokernel",
			Subsystem: "ledger",
			Name:      "resource_exhausted_total",
			Help:      "Total try_consume calls that exhausted a budget, by resource.",
		}, []string{"resource"}),

		StageOutcomesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "octokernel",
			Subsystem: "pipeline",
			Name:      "stage_outcomes_total",
			Help:      "Total pipeline stage completions, by result.",
		}, []string{"result"}),

		StageRetriesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "octokernel",
			Subsystem: "pipeline",
			Name:      "stage_retries_total",
			Help:      "Total stage retry attempts taken.",
		}),

		PolicyDecisionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "octokernel",
			Subsystem: "policy",
			Name:      "decisions_total",
			Help:      "Total policy evaluations, by enforcement point and decision kind.",
		}, []string{"event", "decision"}),

		StorageWriteLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "octokernel",
			Subsystem: "storage",
			Name:      "write_latency_seconds",
			Help:      "Durable capability-object write transaction latency in seconds.",
			Buckets:   prometheus.DefBuckets,
		}),

		DriverUptimeSeconds: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "octokernel",
			Subsystem: "driver",
			Name:      "uptime_seconds",
			Help:      "Number of seconds since the driver process started.",
		}),
	}

	reg.MustRegister(
		m.TasksSpawnedTotal,
		m.TasksTerminatedTotal,
		m.LiveIdentities,
		m.CapabilityEventsTotal,
		m.MessagesSentTotal,
		m.MessagesFaultedTotal,
		m.ReceiveTimeoutsTotal,
		m.ResourceConsumedTotal,
		m.ResourceExhaustedTotal,
		m.StageOutcomesTotal,
		m.StageRetriesTotal,
		m.PolicyDecisionsTotal,
		m.StorageWriteLatency,
		m.DriverUptimeSeconds,
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
	)

	return m
}

// ServeMetrics starts the Prometheus HTTP metrics server on the given
// address. Blocks until ctx is cancelled or the server fails. Serves
// GET /metrics and GET /healthz.
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
			m.DriverUptimeSeconds.Set(time.Since(m.startTime).Seconds())
		case <-ctx.Done():
			return
		}
	}
}
