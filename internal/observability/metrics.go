package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "tlvrelay"

var (
	registerOnce sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total monitor HTTP requests.",
		},
		[]string{"relay_id", "method", "route", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Monitor HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"relay_id", "method", "route", "status"},
	)

	relayReceived = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "messages_received_total",
			Help:      "Messages read from producer connections.",
		},
		[]string{"domain"},
	)
	relayPublished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "messages_published_total",
			Help:      "Messages sequenced and published to subscribers.",
		},
		[]string{"domain"},
	)
	relayRejected = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "messages_rejected_total",
			Help:      "Messages discarded by validation, by error class.",
		},
		[]string{"domain", "class"},
	)
	relayIntegrity = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "integrity_failures_total",
			Help:      "Rejections counted against the domain integrity rate.",
		},
		[]string{"domain"},
	)
	relayDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "subscriber_dropped_total",
			Help:      "Messages overwritten before a lagging subscriber read them.",
		},
		[]string{"domain"},
	)
	relayRecovery = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "recovery_requests_total",
			Help:      "Recovery requests emitted, by kind.",
		},
		[]string{"domain", "kind"},
	)
	relaySubscribers = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "subscribers",
			Help:      "Live subscriber connections.",
		},
		[]string{"domain"},
	)
	relaySequence = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "next_sequence",
			Help:      "Next global sequence the domain will stamp.",
		},
		[]string{"domain"},
	)
	relayValidation = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "validation_duration_seconds",
			Help:      "Time spent validating one inbound message.",
			Buckets:   prometheus.ExponentialBuckets(250e-9, 2, 16),
		},
		[]string{"domain"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			httpRequests, httpDuration,
			relayReceived, relayPublished, relayRejected, relayIntegrity,
			relayDropped, relayRecovery, relaySubscribers, relaySequence, relayValidation,
		)
	})
}

// RecordHTTPRequest counts one monitor request against its route pattern.
func RecordHTTPRequest(relayID, method, route string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(relayID, method, route, statusLabel).Inc()
	httpDuration.WithLabelValues(relayID, method, route, statusLabel).Observe(duration.Seconds())
}

// RecordIngest counts one inbound message and how long validation took.
func RecordIngest(domain string, duration time.Duration) {
	RegisterMetrics()
	relayReceived.WithLabelValues(domain).Inc()
	relayValidation.WithLabelValues(domain).Observe(duration.Seconds())
}

func RecordPublish(domain string, nextSequence uint64) {
	RegisterMetrics()
	relayPublished.WithLabelValues(domain).Inc()
	relaySequence.WithLabelValues(domain).Set(float64(nextSequence))
}

func RecordReject(domain, class string, integrity bool) {
	RegisterMetrics()
	relayRejected.WithLabelValues(domain, class).Inc()
	if integrity {
		relayIntegrity.WithLabelValues(domain).Inc()
	}
}

func RecordLag(domain string, dropped uint64) {
	RegisterMetrics()
	relayDropped.WithLabelValues(domain).Add(float64(dropped))
}

func RecordRecovery(domain, kind string) {
	RegisterMetrics()
	relayRecovery.WithLabelValues(domain, kind).Inc()
}

func SetSubscribers(domain string, n int) {
	RegisterMetrics()
	relaySubscribers.WithLabelValues(domain).Set(float64(n))
}
