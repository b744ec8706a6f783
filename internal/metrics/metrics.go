// Package metrics exposes Prometheus instrumentation for the engine.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// runsSubmitted tracks runs accepted by the dispatcher
	runsSubmitted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "strand_runs_submitted_total",
			Help: "Total runs submitted by kind and trigger source",
		},
		[]string{"kind", "source"},
	)

	// runsFinished tracks runs reaching a terminal status
	runsFinished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "strand_runs_finished_total",
			Help: "Total runs finished by kind and terminal status",
		},
		[]string{"kind", "status"},
	)

	// runsDeduplicated tracks submissions collapsed by idempotency key
	runsDeduplicated = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "strand_runs_deduplicated_total",
			Help: "Total submissions returned an existing run via idempotency key",
		},
	)

	// runsActive tracks runs currently executing
	runsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "strand_runs_active",
			Help: "Number of runs currently executing",
		},
	)

	// stepDuration tracks step execution latency
	stepDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "strand_step_duration_seconds",
			Help:    "Step execution duration by step type and status",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"type", "status"},
	)

	// dlqEntries tracks entries added to the dead letter queue
	dlqEntries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "strand_dlq_entries_total",
			Help: "Total dead letter entries by error category",
		},
		[]string{"category"},
	)

	// dlqReplays tracks dead letter replays
	dlqReplays = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "strand_dlq_replays_total",
			Help: "Total dead letter entries replayed",
		},
	)

	// schedulerTicks tracks scheduler tick executions
	schedulerTicks = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "strand_scheduler_ticks_total",
			Help: "Total scheduler tick executions",
		},
	)

	// scheduleFires tracks schedule fire outcomes
	scheduleFires = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "strand_schedule_fires_total",
			Help: "Total schedule fires by outcome (fired, misfired, skipped)",
		},
		[]string{"outcome"},
	)

	// locksDenied tracks concurrency lease acquisitions denied
	locksDenied = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "strand_locks_denied_total",
			Help: "Total concurrency lease acquisitions denied by an active holder",
		},
	)

	// anomalies tracks recorded anomalies
	anomalies = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "strand_anomalies_total",
			Help: "Total anomalies recorded by severity",
		},
		[]string{"severity"},
	)
)

// RecordSubmit increments the submitted counter.
func RecordSubmit(kind, source string) {
	runsSubmitted.WithLabelValues(kind, source).Inc()
}

// RecordFinish increments the finished counter for a terminal status.
func RecordFinish(kind, status string) {
	runsFinished.WithLabelValues(kind, status).Inc()
}

// RecordDeduplicated increments the idempotency dedup counter.
func RecordDeduplicated() {
	runsDeduplicated.Inc()
}

// RunStarted increments the active-run gauge.
func RunStarted() {
	runsActive.Inc()
}

// RunEnded decrements the active-run gauge.
func RunEnded() {
	runsActive.Dec()
}

// RecordStep observes a step's execution duration.
func RecordStep(stepType, status string, d time.Duration) {
	stepDuration.WithLabelValues(stepType, status).Observe(d.Seconds())
}

// RecordDeadLetter increments the dead letter counter.
func RecordDeadLetter(category string) {
	dlqEntries.WithLabelValues(category).Inc()
}

// RecordReplay increments the dead letter replay counter.
func RecordReplay() {
	dlqReplays.Inc()
}

// RecordTick increments the scheduler tick counter.
func RecordTick() {
	schedulerTicks.Inc()
}

// RecordFire increments the schedule fire counter for an outcome.
func RecordFire(outcome string) {
	scheduleFires.WithLabelValues(outcome).Inc()
}

// RecordLockDenied increments the lease-denied counter.
func RecordLockDenied() {
	locksDenied.Inc()
}

// RecordAnomaly increments the anomaly counter.
func RecordAnomaly(severity string) {
	anomalies.WithLabelValues(severity).Inc()
}
