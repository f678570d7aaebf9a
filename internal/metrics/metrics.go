// ABOUTME: Prometheus collectors for the gateway
// ABOUTME: HTTP traffic, message flow per source, inbound failures, realtime sessions

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatline_http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "chatline_http_request_duration_seconds",
			Help:    "HTTP request duration",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		},
		[]string{"method", "path"},
	)

	// Message flow
	MessagesRecorded = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatline_messages_recorded_total",
			Help: "Messages appended to the log",
		},
		[]string{"source", "kind"},
	)

	DispatchFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatline_dispatch_failures_total",
			Help: "Outbound sends that did not complete",
		},
		[]string{"reason"}, // "validation", "media", "provider", "storage"
	)

	InboundFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatline_inbound_failures_total",
			Help: "Webhook deliveries acknowledged without producing a message",
		},
		[]string{"stage"}, // "signature", "parse", "unsupported", "media_info", "media_download", "media_store", "storage"
	)

	InboundDuplicates = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chatline_inbound_duplicates_total",
			Help: "Webhook deliveries skipped as provider redeliveries",
		},
	)

	// Realtime
	RealtimeSessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "chatline_realtime_sessions",
			Help: "Connected realtime sessions",
		},
	)

	BroadcastDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chatline_broadcast_dropped_total",
			Help: "Events dropped for subscribers whose buffer was full",
		},
	)

	ProviderLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "chatline_provider_latency_seconds",
			Help:    "Provider API call latency",
			Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 15},
		},
		[]string{"operation"}, // "send", "media_info", "media_download"
	)
)
