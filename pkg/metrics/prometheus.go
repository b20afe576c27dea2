package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

type Prometheus struct {
	commitTotal    *prometheus.CounterVec
	commitDuration *prometheus.HistogramVec
	rollbackTotal  prometheus.Counter
	flushAffected  prometheus.Counter
	flushDuration  prometheus.Histogram
	cacheHits      *prometheus.CounterVec
	cacheMisses    *prometheus.CounterVec
	outboxEvents   *prometheus.CounterVec
}

func NewPrometheusMetrics(reg prometheus.Registerer, serviceName string) *Prometheus {
	m := &Prometheus{
		commitTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "gostore_commit_total",
			Help:        "Total unit of work commits.",
			ConstLabels: prometheus.Labels{"service": serviceName},
		}, []string{"participants", "status"}),
		commitDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:        "gostore_commit_duration_seconds",
			Help:        "Commit latency across all participants.",
			Buckets:     []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			ConstLabels: prometheus.Labels{"service": serviceName},
		}, []string{"participants", "status"}),
		rollbackTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "gostore_rollback_total",
			Help:        "Total transaction boundary rollbacks.",
			ConstLabels: prometheus.Labels{"service": serviceName},
		}),
		flushAffected: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "gostore_flush_rows_total",
			Help:        "Total rows affected by change set flushes.",
			ConstLabels: prometheus.Labels{"service": serviceName},
		}),
		flushDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:        "gostore_flush_duration_seconds",
			Help:        "Change set flush latency.",
			Buckets:     prometheus.DefBuckets,
			ConstLabels: prometheus.Labels{"service": serviceName},
		}),
		cacheHits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "gostore_cache_hits_total",
			Help:        "Total entity cache hits.",
			ConstLabels: prometheus.Labels{"service": serviceName},
		}, []string{"cache_type"}),
		cacheMisses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "gostore_cache_misses_total",
			Help:        "Total entity cache misses.",
			ConstLabels: prometheus.Labels{"service": serviceName},
		}, []string{"cache_type"}),
		outboxEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "gostore_outbox_events_processed_total",
			Help:        "Total outbox events processed.",
			ConstLabels: prometheus.Labels{"service": serviceName},
		}, []string{"status"}),
	}

	reg.MustRegister(
		m.commitTotal,
		m.commitDuration,
		m.rollbackTotal,
		m.flushAffected,
		m.flushDuration,
		m.cacheHits,
		m.cacheMisses,
		m.outboxEvents,
	)
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	return m
}

func (p *Prometheus) RecordCommit(participants int, success bool, duration time.Duration) {
	status := "success"
	if !success {
		status = "failure"
	}
	n := strconv.Itoa(participants)
	p.commitTotal.WithLabelValues(n, status).Inc()
	p.commitDuration.WithLabelValues(n, status).Observe(duration.Seconds())
}

func (p *Prometheus) RecordRollback() {
	p.rollbackTotal.Inc()
}

func (p *Prometheus) ObserveFlush(affected int, duration time.Duration) {
	p.flushAffected.Add(float64(affected))
	p.flushDuration.Observe(duration.Seconds())
}

func (p *Prometheus) IncCacheHit(cacheType string) {
	p.cacheHits.WithLabelValues(cacheType).Inc()
}

func (p *Prometheus) IncCacheMiss(cacheType string) {
	p.cacheMisses.WithLabelValues(cacheType).Inc()
}

func (p *Prometheus) IncOutboxEventsProcessed(status string) {
	p.outboxEvents.WithLabelValues(status).Inc()
}
