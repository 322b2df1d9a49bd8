// Package metrics defines the Prometheus metrics of the email pipeline.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "email"

// Outcome labels for DeliveriesTotal.
const (
	OutcomeDelivered     = "delivered"
	OutcomeUndeliverable = "undeliverable"
	OutcomeAbandoned     = "abandoned"
	OutcomeFailed        = "failed"
	OutcomeError         = "error"
)

// Metrics holds all pipeline metrics.
type Metrics struct {
	SubmissionsTotal   *prometheus.CounterVec
	AttemptsTotal      *prometheus.CounterVec
	DeliveriesTotal    *prometheus.CounterVec
	DeliveriesInFlight prometheus.Gauge
	AttemptDuration    prometheus.Histogram
	OrphansResubmitted prometheus.Counter
	EventsPublished    prometheus.Counter
	EventsPublishFails prometheus.Counter
}

// New creates all metrics and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		SubmissionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "submissions_total",
			Help:      "Submissions taken off the queue, by kind",
		}, []string{"kind"}),
		AttemptsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "send_attempts_total",
			Help:      "Transport round trips, by result",
		}, []string{"result"}),
		DeliveriesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deliveries_total",
			Help:      "Finished deliveries, by outcome",
		}, []string{"outcome"}),
		DeliveriesInFlight: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "deliveries_in_flight",
			Help:      "Deliveries holding a concurrency slot",
		}),
		AttemptDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "send_attempt_duration_seconds",
			Help:      "Duration of a single transport round trip",
			Buckets:   []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		}),
		OrphansResubmitted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "orphans_resubmitted_total",
			Help:      "Stalled emails put back on the submission queue",
		}),
		EventsPublished: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_published_total",
			Help:      "Stored events relayed to the event stream",
		}),
		EventsPublishFails: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_publish_failures_total",
			Help:      "Stored events that failed to relay",
		}),
	}
}

// NewUnregistered creates metrics on a private registry.
func NewUnregistered() *Metrics {
	return New(prometheus.NewRegistry())
}
