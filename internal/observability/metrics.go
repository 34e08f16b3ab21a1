package observability

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Global metrics instance for singleton pattern
	globalCollector *Collector
	collectorMutex  sync.Mutex
)

// Collector holds all Prometheus metrics for the application
type Collector struct {
	// Registry for this collector instance
	registry *prometheus.Registry

	// HTTP metrics
	HTTPRequests *prometheus.CounterVec
	HTTPDuration *prometheus.HistogramVec

	// Ingestion metrics
	MemoriesAccepted prometheus.Counter
	MemoriesSkipped  *prometheus.CounterVec
	IngestDuration   prometheus.Histogram

	// Content cache metrics, labelled by tier (l1, l2, l3)
	CacheHits        *prometheus.CounterVec
	CacheMisses      *prometheus.CounterVec
	CacheEvictions   *prometheus.CounterVec
	CacheGetDuration prometheus.Histogram

	// Batcher metrics
	BatchDepth     *prometheus.GaugeVec
	BatchesFlushed *prometheus.CounterVec
	BatchFailures  *prometheus.CounterVec

	// Vector index metrics
	IndexSize        *prometheus.GaugeVec
	SnapshotAge      *prometheus.GaugeVec
	SnapshotWrites   *prometheus.CounterVec
	IndexLoads       *prometheus.CounterVec
	SearchDuration   *prometheus.HistogramVec
	PermissionChecks *prometheus.CounterVec

	// Knowledge graph metrics
	GraphNodes       *prometheus.GaugeVec
	GraphEdges       *prometheus.GaugeVec
	CheckpointWrites *prometheus.CounterVec
	GraphLoads       *prometheus.CounterVec

	// Envelope metrics
	Decryptions      *prometheus.CounterVec
	SessionsCreated  prometheus.Counter
	KeyServerFetches *prometheus.CounterVec

	// External store metrics
	DBOperations   *prometheus.CounterVec
	DBDuration     *prometheus.HistogramVec
	BlobOperations *prometheus.CounterVec
	BlobDuration   *prometheus.HistogramVec

	// Embedding metrics
	EmbeddingCalls     *prometheus.CounterVec
	EmbeddingCacheHits prometheus.Counter
}

// NewCollector creates a new metrics collector with the given namespace
func NewCollector(namespace string) *Collector {
	// Use singleton pattern to avoid duplicate registration in tests
	collectorMutex.Lock()
	defer collectorMutex.Unlock()

	if globalCollector != nil {
		return globalCollector
	}

	registry := prometheus.NewRegistry()

	c := &Collector{
		registry: registry,
		HTTPRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests",
			},
			[]string{"method", "route", "status"},
		),
		HTTPDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),
		MemoriesAccepted: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "memories_accepted_total",
				Help:      "Total number of memories accepted by the ingestion pipeline",
			},
		),
		MemoriesSkipped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "memories_skipped_total",
				Help:      "Total number of utterances skipped, by reason",
			},
			[]string{"reason"},
		),
		IngestDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "ingest_duration_seconds",
				Help:      "End-to-end ingestion duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
		),
		CacheHits: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "content_cache_hits_total",
				Help:      "Content cache hits by tier",
			},
			[]string{"tier"},
		),
		CacheMisses: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "content_cache_misses_total",
				Help:      "Content cache misses by tier",
			},
			[]string{"tier"},
		),
		CacheEvictions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "content_cache_evictions_total",
				Help:      "Content cache evictions by tier",
			},
			[]string{"tier"},
		),
		CacheGetDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "content_cache_get_duration_seconds",
				Help:      "Content retrieval duration across all tiers",
				Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 10),
			},
		),
		BatchDepth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "batcher_pending_items",
				Help:      "Pending items per batch kind",
			},
			[]string{"kind"},
		),
		BatchesFlushed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "batches_flushed_total",
				Help:      "Flushed batches per kind and trigger",
			},
			[]string{"kind", "trigger"},
		),
		BatchFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "batch_failures_total",
				Help:      "Failed batches per kind",
			},
			[]string{"kind"},
		),
		IndexSize: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "vector_index_size",
				Help:      "Elements in each warm vector index",
			},
			[]string{"user"},
		),
		SnapshotAge: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "vector_snapshot_age_seconds",
				Help:      "Age of the latest durable snapshot per user",
			},
			[]string{"user"},
		),
		SnapshotWrites: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "vector_snapshot_writes_total",
				Help:      "Snapshot writes per status",
			},
			[]string{"status"},
		),
		IndexLoads: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "vector_index_loads_total",
				Help:      "Snapshot loads per status",
			},
			[]string{"status"},
		),
		SearchDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "search_mode_duration_seconds",
				Help:      "Per-mode retrieval duration",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"mode"},
		),
		PermissionChecks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "permission_checks_total",
				Help:      "Permission predicate outcomes",
			},
			[]string{"outcome"},
		),
		GraphNodes: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "graph_nodes",
				Help:      "Nodes in each warm knowledge graph",
			},
			[]string{"user"},
		),
		GraphEdges: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "graph_edges",
				Help:      "Edges in each warm knowledge graph",
			},
			[]string{"user"},
		),
		CheckpointWrites: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "graph_checkpoint_writes_total",
				Help:      "Graph checkpoint writes per status",
			},
			[]string{"status"},
		),
		GraphLoads: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "graph_loads_total",
				Help:      "Graph checkpoint loads per status",
			},
			[]string{"status"},
		),
		Decryptions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "decryptions_total",
				Help:      "Envelope decryptions per status",
			},
			[]string{"status"},
		),
		SessionsCreated: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "seal_sessions_created_total",
				Help:      "Session keys created",
			},
		),
		KeyServerFetches: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "key_server_fetches_total",
				Help:      "Key-share fetches per server and status",
			},
			[]string{"server", "status"},
		),
		DBOperations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "db_operations_total",
				Help:      "Total number of database operations",
			},
			[]string{"operation", "status"},
		),
		DBDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "db_operation_duration_seconds",
				Help:      "Database operation duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"operation"},
		),
		BlobOperations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "blob_operations_total",
				Help:      "Blob store operations per status",
			},
			[]string{"operation", "status"},
		),
		BlobDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "blob_operation_duration_seconds",
				Help:      "Blob store operation duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"operation"},
		),
		EmbeddingCalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "embedding_calls_total",
				Help:      "Provider embedding calls per status",
			},
			[]string{"status"},
		),
		EmbeddingCacheHits: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "embedding_cache_hits_total",
				Help:      "Embedding memoisation hits",
			},
		),
	}

	registry.MustRegister(
		c.HTTPRequests,
		c.HTTPDuration,
		c.MemoriesAccepted,
		c.MemoriesSkipped,
		c.IngestDuration,
		c.CacheHits,
		c.CacheMisses,
		c.CacheEvictions,
		c.CacheGetDuration,
		c.BatchDepth,
		c.BatchesFlushed,
		c.BatchFailures,
		c.IndexSize,
		c.SnapshotAge,
		c.SnapshotWrites,
		c.IndexLoads,
		c.SearchDuration,
		c.PermissionChecks,
		c.GraphNodes,
		c.GraphEdges,
		c.CheckpointWrites,
		c.GraphLoads,
		c.Decryptions,
		c.SessionsCreated,
		c.KeyServerFetches,
		c.DBOperations,
		c.DBDuration,
		c.BlobOperations,
		c.BlobDuration,
		c.EmbeddingCalls,
		c.EmbeddingCacheHits,
	)

	globalCollector = c
	return globalCollector
}

// ResetForTesting resets the global collector for testing purposes
func ResetForTesting() {
	collectorMutex.Lock()
	defer collectorMutex.Unlock()
	globalCollector = nil
}

// Handler exposes the registry for the /metrics endpoint.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}
