// Package metrics implements Prometheus metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// BusDroppedMessages counts messages dropped on full subscriber queues
	BusDroppedMessages = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "strix_bus_dropped_messages_total",
			Help: "Total number of bus messages dropped on full subscriber queues",
		},
		[]string{"topic"},
	)

	// SIPParseFailures counts SIP payloads that could not be parsed or validated
	SIPParseFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "strix_sip_parse_failures_total",
			Help: "Total number of SIP payloads dropped by parse or validation failure",
		},
	)

	// RTPRDecodeFailures counts RTP report payloads dropped during decoding
	RTPRDecodeFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "strix_rtpr_decode_failures_total",
			Help: "Total number of RTP report payloads dropped by decode failure",
		},
		[]string{"source"},
	)

	// UDFFailures counts user function calls resolved as no-op success
	UDFFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "strix_udf_failures_total",
			Help: "Total number of user function calls that failed and were treated as no-op",
		},
		[]string{"endpoint", "reason"},
	)

	// MongoFlushDuration measures bulk write flush latency per collection
	MongoFlushDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "strix_mongo_flush_duration_seconds",
			Help:    "Latency of bulk write flushes in seconds",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 14), // 1ms to ~16s
		},
		[]string{"collection"},
	)

	// MongoWriteErrors counts failed bulk writes per collection
	MongoWriteErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "strix_mongo_write_errors_total",
			Help: "Total number of failed bulk writes",
		},
		[]string{"collection"},
	)

	// ManagementMessages counts received management datagrams by type
	ManagementMessages = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "strix_management_messages_total",
			Help: "Total number of management datagrams received",
		},
		[]string{"type"},
	)

	// AgentsRegistered tracks the current number of live capture agents
	AgentsRegistered = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "strix_agents_registered",
			Help: "Current number of registered capture agents",
		},
	)
)
