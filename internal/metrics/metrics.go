// Package metrics defines the Prometheus collectors for the enrichment cache.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "repcache"

// Lookup outcomes recorded by RecordLookup.
const (
	OutcomeHit      = "hit"
	OutcomeRefresh  = "refreshed"
	OutcomeDegraded = "degraded"
	OutcomeFailed   = "failed"
	OutcomeInvalid  = "invalid"
)

// Metrics contains Prometheus metrics for the cache, quota tracker and
// upstream client. All methods are safe on a nil receiver.
type Metrics struct {
	registry *prometheus.Registry

	// Resolve calls by outcome
	lookups   *prometheus.CounterVec
	coalesced *prometheus.CounterVec
	inFlight  prometheus.Gauge

	// Upstream calls
	upstreamCalls    *prometheus.CounterVec
	upstreamDuration *prometheus.HistogramVec

	// Quota window
	quotaRemaining prometheus.Gauge
	quotaAllowed   prometheus.Gauge
	quotaDenied    *prometheus.CounterVec
	quotaDrift     prometheus.Gauge

	// Maintenance
	swept prometheus.Counter
}

// New creates a Metrics instance registered on its own registry, together
// with the Go runtime and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,

		lookups: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "lookups_total",
				Help:      "Total number of resolve calls by query type and outcome",
			},
			[]string{"query_type", "outcome"},
		),

		coalesced: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "coalesced_lookups_total",
				Help:      "Resolve calls that shared another caller's upstream lookup",
			},
			[]string{"query_type"},
		),

		inFlight: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "inflight_lookups",
				Help:      "Upstream lookups currently in flight",
			},
		),

		upstreamCalls: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "upstream_calls_total",
				Help:      "Upstream call attempts by endpoint and result",
			},
			[]string{"endpoint", "result"},
		),

		upstreamDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "upstream_call_duration_seconds",
				Help:      "Latency of upstream call attempts",
				Buckets:   []float64{.05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"endpoint"},
		),

		quotaRemaining: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "quota_remaining",
				Help:      "Calls remaining in the current quota window",
			},
		),

		quotaAllowed: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "quota_allowed",
				Help:      "Calls allowed per quota window",
			},
		),

		quotaDenied: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "quota_denied_total",
				Help:      "Quota acquire attempts that were denied",
			},
			[]string{"reason"},
		),

		quotaDrift: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "quota_drift",
				Help:      "Local remaining minus upstream-reported remaining at last reconciliation",
			},
		),

		swept: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cache_swept_entries_total",
				Help:      "Expired cache entries removed by sweeps",
			},
		),
	}
}

// Registry returns the registry the collectors are registered on.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// RecordLookup records the outcome of one resolve call.
func (m *Metrics) RecordLookup(queryType, outcome string) {
	if m == nil {
		return
	}
	m.lookups.WithLabelValues(queryType, outcome).Inc()
}

// RecordCoalesced records a resolve call that shared an in-flight lookup.
func (m *Metrics) RecordCoalesced(queryType string) {
	if m == nil {
		return
	}
	m.coalesced.WithLabelValues(queryType).Inc()
}

// TrackInFlight adjusts the in-flight gauge by delta.
func (m *Metrics) TrackInFlight(delta float64) {
	if m == nil {
		return
	}
	m.inFlight.Add(delta)
}

// RecordUpstreamCall records one upstream call attempt. result is "ok" or
// the error kind.
func (m *Metrics) RecordUpstreamCall(endpoint, result string, duration time.Duration) {
	if m == nil {
		return
	}
	m.upstreamCalls.WithLabelValues(endpoint, result).Inc()
	m.upstreamDuration.WithLabelValues(endpoint).Observe(duration.Seconds())
}

// SetQuota publishes the current window counters.
func (m *Metrics) SetQuota(remaining, allowed int) {
	if m == nil {
		return
	}
	m.quotaRemaining.Set(float64(remaining))
	m.quotaAllowed.Set(float64(allowed))
}

// RecordQuotaDenied records a denied acquire. reason is "exhausted" or "paced".
func (m *Metrics) RecordQuotaDenied(reason string) {
	if m == nil {
		return
	}
	m.quotaDenied.WithLabelValues(reason).Inc()
}

// SetQuotaDrift publishes the last observed local/upstream disagreement.
func (m *Metrics) SetQuotaDrift(drift int) {
	if m == nil {
		return
	}
	m.quotaDrift.Set(float64(drift))
}

// RecordSwept adds to the swept-entries counter.
func (m *Metrics) RecordSwept(n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.swept.Add(float64(n))
}
