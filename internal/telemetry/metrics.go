package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// HTTPRequestDuration tracks HTTP request latency for the api mode's HTTP
// server, the only mode that serves HTTP.
var HTTPRequestDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "syncengine",
		Subsystem: "api",
		Name:      "request_duration_seconds",
		Help:      "HTTP request duration in seconds.",
		Buckets:   prometheus.DefBuckets,
	},
	[]string{"method", "path", "status"},
)

var SchedulerJobsDispatchedTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "syncengine",
		Subsystem: "scheduler",
		Name:      "jobs_dispatched_total",
		Help:      "Total number of sync jobs dispatched by the scheduler.",
	},
	[]string{"provider"},
)

var SchedulerLeasesReclaimedTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "syncengine",
		Subsystem: "scheduler",
		Name:      "leases_reclaimed_total",
		Help:      "Total number of expired sync job leases reclaimed.",
	},
)

var IngestionRecordsProcessedTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "syncengine",
		Subsystem: "ingestion",
		Name:      "records_processed_total",
		Help:      "Total number of external records normalized into shards.",
	},
	[]string{"provider", "result"},
)

var EnrichmentEntitiesExtractedTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "syncengine",
		Subsystem: "enrichment",
		Name:      "entities_extracted_total",
		Help:      "Total number of candidate entities extracted per kind.",
	},
	[]string{"kind"},
)

var WriteBackConflictsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "syncengine",
		Subsystem: "writeback",
		Name:      "conflicts_total",
		Help:      "Total number of write-back conflicts by resolution policy.",
	},
	[]string{"policy"},
)

var CredentialRefreshTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "syncengine",
		Subsystem: "credential",
		Name:      "refresh_total",
		Help:      "Total number of credential refresh attempts by outcome.",
	},
	[]string{"outcome"},
)

var RetrievalSearchesTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "syncengine",
		Subsystem: "retrieval",
		Name:      "searches_total",
		Help:      "Total number of retrieval searches by kind.",
	},
	[]string{"kind"},
)

var RetrievalHitRatio = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Namespace: "syncengine",
		Subsystem: "retrieval",
		Name:      "hit_ratio",
		Help:      "Fraction of recent searches (sampled every 100) that returned at least one result.",
	},
)

var RetrievalAverageScore = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Namespace: "syncengine",
		Subsystem: "retrieval",
		Name:      "average_score",
		Help:      "Average top-hit similarity score over the last sampled window of searches.",
	},
)

var RetrievalProjectScopeRatio = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Namespace: "syncengine",
		Subsystem: "retrieval",
		Name:      "project_scope_ratio",
		Help:      "Fraction of recent searches that were project-scoped.",
	},
)

var RetrievalMetricWriteErrors = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "syncengine",
		Subsystem: "retrieval",
		Name:      "metric_write_errors_total",
		Help:      "Total number of failed writes to the retrieval_metrics table.",
	},
)

var AdapterCircuitOpenTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "syncengine",
		Subsystem: "adapter",
		Name:      "circuit_open_total",
		Help:      "Total number of times an adapter circuit breaker opened.",
	},
	[]string{"provider"},
)

// All returns every syncengine-specific metric for registration.
func All() []prometheus.Collector {
	return []prometheus.Collector{
		HTTPRequestDuration,
		SchedulerJobsDispatchedTotal,
		SchedulerLeasesReclaimedTotal,
		IngestionRecordsProcessedTotal,
		EnrichmentEntitiesExtractedTotal,
		WriteBackConflictsTotal,
		CredentialRefreshTotal,
		RetrievalSearchesTotal,
		RetrievalHitRatio,
		RetrievalAverageScore,
		RetrievalProjectScopeRatio,
		RetrievalMetricWriteErrors,
		AdapterCircuitOpenTotal,
	}
}

// NewMetricsRegistry creates a Prometheus registry with Go/process collectors
// and the given service-specific collectors (typically the result of All()).
func NewMetricsRegistry(extra ...prometheus.Collector) *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	for _, c := range extra {
		reg.MustRegister(c)
	}
	return reg
}
