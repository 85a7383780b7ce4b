package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// BlocksProcessed tracks total blocks applied per deployment
	BlocksProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "graphnode_blocks_processed_total",
			Help: "Total number of blocks applied",
		},
		[]string{"deployment"},
	)

	// TriggersProcessed tracks handler invocations per deployment and trigger kind
	TriggersProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "graphnode_triggers_processed_total",
			Help: "Total number of triggers handed to mappings",
		},
		[]string{"deployment", "kind"},
	)

	// HandlerDuration tracks mapping handler execution time
	HandlerDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "graphnode_handler_duration_seconds",
			Help:    "Mapping handler execution time in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"deployment", "handler"},
	)

	// HandlerFailures tracks failed invocations by failure kind
	HandlerFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "graphnode_handler_failures_total",
			Help: "Total number of failed handler invocations",
		},
		[]string{"deployment", "kind"},
	)

	// BlockProcessingDuration tracks end-to-end time per block
	BlockProcessingDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "graphnode_block_processing_seconds",
			Help:    "Time from block receipt to commit in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"deployment"},
	)

	// Reverts tracks chain reorganizations applied to the store
	Reverts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "graphnode_reverts_total",
			Help: "Total number of reverts applied",
		},
		[]string{"deployment"},
	)

	// RevertDepth tracks how many blocks each revert unwound
	RevertDepth = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "graphnode_revert_depth_blocks",
			Help:    "Number of blocks unwound per revert",
			Buckets: []float64{1, 2, 3, 5, 8, 13, 21, 34, 55, 100},
		},
		[]string{"deployment"},
	)

	// DeploymentFailures tracks deployments halted after exhausting retries
	DeploymentFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "graphnode_deployment_failures_total",
			Help: "Total number of times a deployment was marked failed",
		},
		[]string{"deployment", "failure_type"},
	)

	// EndpointErrors tracks transient chain endpoint errors
	EndpointErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "graphnode_endpoint_errors_total",
			Help: "Total number of chain endpoint errors",
		},
		[]string{"network", "method"},
	)

	// EndpointLatency tracks chain endpoint call latency
	EndpointLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "graphnode_endpoint_latency_seconds",
			Help:    "Chain endpoint call latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"network", "method"},
	)

	// EndpointFailovers tracks calls moved to another provider of a network
	EndpointFailovers = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "graphnode_endpoint_failovers_total",
			Help: "Total number of chain endpoint provider failovers",
		},
		[]string{"network", "provider"},
	)

	// PollInterval tracks the wait between head polls chosen by the adaptive controller
	PollInterval = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "graphnode_poll_interval_seconds",
			Help: "Current wait between chain polls in seconds",
		},
		[]string{"deployment"},
	)

	// ChainHeadBlock tracks the latest block height reported by the endpoint
	ChainHeadBlock = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "graphnode_chain_head_block",
			Help: "Latest block height of the chain",
		},
		[]string{"network"},
	)

	// DeploymentHeadBlock tracks the cursor of each deployment
	DeploymentHeadBlock = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "graphnode_deployment_head_block",
			Help: "Latest block applied by the deployment",
		},
		[]string{"deployment"},
	)

	// StoreCommitDuration tracks store transaction latency
	StoreCommitDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "graphnode_store_commit_seconds",
			Help:    "Entity store transaction latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"deployment", "op"},
	)

	// DBBatchSize tracks rows written per multi-row insert
	DBBatchSize = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "graphnode_db_batch_size",
			Help:    "Rows per multi-row insert",
			Buckets: prometheus.ExponentialBuckets(1, 2, 10),
		},
		[]string{"op"},
	)

	// DBConnectionPoolUsage tracks open connections as a percentage of the pool
	DBConnectionPoolUsage = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "graphnode_db_connection_pool_usage_percent",
			Help: "Open database connections as a percentage of the pool size",
		},
	)

	// ContentCacheRequests tracks content fetches by cache outcome
	ContentCacheRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "graphnode_content_cache_requests_total",
			Help: "Content fetches by cache result",
		},
		[]string{"result"},
	)
)
