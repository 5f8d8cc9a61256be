package smtpc

import (
	"github.com/go-kit/kit/metrics"
	"github.com/go-kit/kit/metrics/discard"
	"github.com/go-kit/kit/metrics/prometheus"
	prom "github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the instruments an Engine reports to.
type Metrics struct {
	// Commands counts written commands, labelled by "command".
	Commands metrics.Counter

	// Replies counts fully read replies, labelled by "command" and
	// "class" (2xx, 4xx, ...).
	Replies metrics.Counter

	// Pending tracks the number of replies the server still owes.
	Pending metrics.Gauge

	// BytesSent counts message content bytes written by Send and Bdat.
	BytesSent metrics.Counter
}

// NewDiscardMetrics returns metrics that record nothing.
func NewDiscardMetrics() *Metrics {
	return &Metrics{
		Commands:  discard.NewCounter(),
		Replies:   discard.NewCounter(),
		Pending:   discard.NewGauge(),
		BytesSent: discard.NewCounter(),
	}
}

// NewPrometheusMetrics registers client metrics with the default
// Prometheus registry under the given namespace. It panics if called twice
// with the same namespace.
func NewPrometheusMetrics(namespace string) *Metrics {
	return &Metrics{
		Commands: prometheus.NewCounterFrom(prom.CounterOpts{
			Namespace: namespace,
			Subsystem: "client",
			Name:      "commands_total",
			Help:      "Number of SMTP commands written.",
		}, []string{"command"}),
		Replies: prometheus.NewCounterFrom(prom.CounterOpts{
			Namespace: namespace,
			Subsystem: "client",
			Name:      "replies_total",
			Help:      "Number of SMTP replies read.",
		}, []string{"command", "class"}),
		Pending: prometheus.NewGaugeFrom(prom.GaugeOpts{
			Namespace: namespace,
			Subsystem: "client",
			Name:      "pending_replies",
			Help:      "Replies the server still owes.",
		}, nil),
		BytesSent: prometheus.NewCounterFrom(prom.CounterOpts{
			Namespace: namespace,
			Subsystem: "client",
			Name:      "content_bytes_total",
			Help:      "Message content bytes written.",
		}, nil),
	}
}
