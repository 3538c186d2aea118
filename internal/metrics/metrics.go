// Package metrics exposes Prometheus metrics for generation orchestration.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Collector records orchestrator metrics. A nil *Collector is valid and
// records nothing.
type Collector struct {
	activeGenerations  prometheus.Gauge
	poolAvailable      prometheus.Gauge
	admissions         *prometheus.CounterVec
	outcomes           *prometheus.CounterVec
	generationDuration *prometheus.HistogramVec
	iterations         prometheus.Histogram
	costUSD            prometheus.Counter
	retries            *prometheus.CounterVec
	containerMessages  *prometheus.CounterVec
	subscriberDrops    prometheus.Counter
	ledgerCorrections  prometheus.Counter
	readyWaitDuration  prometheus.Histogram
}

// NewCollector registers all metrics with reg. Pass prometheus.DefaultRegisterer
// in production and a fresh registry in tests.
func NewCollector(reg prometheus.Registerer) *Collector {
	f := promauto.With(reg)
	return &Collector{
		activeGenerations: f.NewGauge(prometheus.GaugeOpts{
			Name: "genrunner_active_generations",
			Help: "Number of admitted generations that have not ended",
		}),
		poolAvailable: f.NewGauge(prometheus.GaugeOpts{
			Name: "genrunner_credential_pool_available",
			Help: "Free credential sets in the pool",
		}),
		admissions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "genrunner_admissions_total",
			Help: "Start requests by admission result",
		}, []string{"result"}), // "admitted", "rejected", "rate_limited"
		outcomes: f.NewCounterVec(prometheus.CounterOpts{
			Name: "genrunner_generation_outcomes_total",
			Help: "Generations that reached a terminal state",
		}, []string{"state", "stop_outcome"}),
		generationDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "genrunner_generation_duration_seconds",
			Help:    "Wall time from creation to terminal state",
			Buckets: prometheus.ExponentialBuckets(5, 2, 12), // 5s to ~3h
		}, []string{"state"}),
		iterations: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "genrunner_generation_iterations",
			Help:    "Agent iterations per finished generation",
			Buckets: prometheus.LinearBuckets(1, 1, 20),
		}),
		costUSD: f.NewCounter(prometheus.CounterOpts{
			Name: "genrunner_generation_cost_usd_total",
			Help: "Accumulated agent cost reported by containers",
		}),
		retries: f.NewCounterVec(prometheus.CounterOpts{
			Name: "genrunner_container_retries_total",
			Help: "Retried container engine operations",
		}, []string{"operation"}),
		containerMessages: f.NewCounterVec(prometheus.CounterOpts{
			Name: "genrunner_container_messages_total",
			Help: "Messages received from generation containers by type",
		}, []string{"type"}),
		subscriberDrops: f.NewCounter(prometheus.CounterOpts{
			Name: "genrunner_subscriber_messages_dropped_total",
			Help: "Messages dropped from slow browser subscriptions",
		}),
		ledgerCorrections: f.NewCounter(prometheus.CounterOpts{
			Name: "genrunner_admission_ledger_corrections_total",
			Help: "Per-user admission counts corrected by the ledger audit",
		}),
		readyWaitDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "genrunner_container_ready_wait_seconds",
			Help:    "Time from container start to its ready callback",
			Buckets: prometheus.ExponentialBuckets(0.25, 2, 10), // 250ms to ~2m
		}),
	}
}

// SetActive sets the number of active generations.
func (c *Collector) SetActive(n int) {
	if c == nil {
		return
	}
	c.activeGenerations.Set(float64(n))
}

// SetPoolAvailable sets the number of free credential sets.
func (c *Collector) SetPoolAvailable(n int) {
	if c == nil {
		return
	}
	c.poolAvailable.Set(float64(n))
}

// RecordAdmission counts a start request by result.
func (c *Collector) RecordAdmission(result string) {
	if c == nil {
		return
	}
	c.admissions.WithLabelValues(result).Inc()
}

// RecordOutcome records a generation reaching a terminal state.
func (c *Collector) RecordOutcome(state, stopOutcome string, duration time.Duration, iterations int) {
	if c == nil {
		return
	}
	c.outcomes.WithLabelValues(state, stopOutcome).Inc()
	c.generationDuration.WithLabelValues(state).Observe(duration.Seconds())
	c.iterations.Observe(float64(iterations))
}

// AddCost adds reported agent cost.
func (c *Collector) AddCost(usd float64) {
	if c == nil || usd <= 0 {
		return
	}
	c.costUSD.Add(usd)
}

// RecordRetry counts one retried container operation.
func (c *Collector) RecordRetry(operation string) {
	if c == nil {
		return
	}
	c.retries.WithLabelValues(operation).Inc()
}

// RecordContainerMessage counts an inbound container message.
func (c *Collector) RecordContainerMessage(msgType string) {
	if c == nil {
		return
	}
	c.containerMessages.WithLabelValues(msgType).Inc()
}

// AddSubscriberDrops counts messages dropped from slow subscriptions.
func (c *Collector) AddSubscriberDrops(n int) {
	if c == nil || n <= 0 {
		return
	}
	c.subscriberDrops.Add(float64(n))
}

// AddLedgerCorrections counts users whose admission count was corrected.
func (c *Collector) AddLedgerCorrections(n int) {
	if c == nil || n <= 0 {
		return
	}
	c.ledgerCorrections.Add(float64(n))
}

// ObserveReadyWait records how long a container took to call back.
func (c *Collector) ObserveReadyWait(d time.Duration) {
	if c == nil {
		return
	}
	c.readyWaitDuration.Observe(d.Seconds())
}
