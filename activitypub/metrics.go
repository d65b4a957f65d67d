package activitypub

import "github.com/prometheus/client_golang/prometheus"

var (
	deliveriesCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "stegofed",
		Subsystem: "deliver",
		Name:      "jobs_total",
		Help:      "Outbound delivery attempts, labeled by result (delivered, retried, dropped, skipped).",
	}, []string{"result"})

	deliverDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "stegofed",
		Subsystem: "deliver",
		Name:      "request_duration_seconds",
		Help:      "Time spent posting one activity to a remote inbox.",
		Buckets:   prometheus.ExponentialBuckets(0.05, 2, 10),
	})

	inboxCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "stegofed",
		Subsystem: "inbox",
		Name:      "jobs_total",
		Help:      "Inbound activity jobs, labeled by result (processed, skipped, rejected, retried, dropped).",
	}, []string{"result"})

	resolveCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "stegofed",
		Subsystem: "resolver",
		Name:      "resolutions_total",
		Help:      "Remote object resolutions, labeled by kind (actor, note) and source (local, cache, stored, fetched).",
	}, []string{"kind", "source"})

	queueDepth = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "stegofed",
		Subsystem: "queue",
		Name:      "depth",
		Help:      "Jobs waiting in the durable queues, labeled by queue.",
	}, []string{"queue"})
)

func init() {
	prometheus.MustRegister(deliveriesCounter, deliverDuration, inboxCounter, resolveCounter, queueDepth)
}
