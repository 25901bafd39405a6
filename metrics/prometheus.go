// Package metrics implements engine.Metrics on a private Prometheus registry.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/warp/claim-bucketing/engine"
)

const namespace = "claimbucket"

type Collector struct {
	registry *prometheus.Registry

	claimsAdmitted       *prometheus.CounterVec
	bucketTransitions    *prometheus.CounterVec
	instrumentsReserved  *prometheus.CounterVec
	instrumentsReleased  *prometheus.CounterVec
	compensationFailures prometheus.Counter
	generations          *prometheus.CounterVec
	generationLatency    *prometheus.HistogramVec
	queueDepth           prometheus.Gauge
}

var _ engine.Metrics = (*Collector)(nil)

func NewCollector() *Collector {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(registry)

	return &Collector{
		registry: registry,
		claimsAdmitted: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "claims_admitted_total",
			Help:      "Claims admitted into buckets by grouping rule",
		}, []string{"rule", "duplicate"}),
		bucketTransitions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bucket_transitions_total",
			Help:      "Bucket state transitions",
		}, []string{"from", "to"}),
		instrumentsReserved: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "instruments_reserved_total",
			Help:      "Check numbers taken from reservation ranges",
		}, []string{"strategy"}),
		instrumentsReleased: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "instruments_released_total",
			Help:      "Check numbers returned to reservation ranges",
		}, []string{"strategy"}),
		compensationFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "compensation_failures_total",
			Help:      "Reserved check numbers that could not be released after a failed assignment",
		}),
		generations: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "generations_total",
			Help:      "Artifact generations by outcome",
		}, []string{"outcome"}),
		generationLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "generation_duration_seconds",
			Help:      "Time spent generating an artifact",
			Buckets:   prometheus.DefBuckets,
		}, []string{"outcome"}),
		queueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "generation_queue_depth",
			Help:      "Generation requests waiting for a worker",
		}),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

func (c *Collector) ClaimAdmitted(rule engine.RuleID, duplicate bool) {
	c.claimsAdmitted.WithLabelValues(string(rule), strconv.FormatBool(duplicate)).Inc()
}

func (c *Collector) BucketTransition(from, to engine.BucketStatus) {
	c.bucketTransitions.WithLabelValues(string(from), string(to)).Inc()
}

func (c *Collector) InstrumentReserved(mode engine.ReservationMode) {
	c.instrumentsReserved.WithLabelValues(string(mode)).Inc()
}

func (c *Collector) InstrumentReleased(mode engine.ReservationMode) {
	c.instrumentsReleased.WithLabelValues(string(mode)).Inc()
}

func (c *Collector) CompensationFailed() {
	c.compensationFailures.Inc()
}

func (c *Collector) GenerationFinished(outcome string, elapsed time.Duration) {
	c.generations.WithLabelValues(outcome).Inc()
	c.generationLatency.WithLabelValues(outcome).Observe(elapsed.Seconds())
}

func (c *Collector) QueueDepth(n int) {
	c.queueDepth.Set(float64(n))
}
