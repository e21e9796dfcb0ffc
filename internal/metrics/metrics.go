// Package metrics exposes the Prometheus collectors for the matching and
// settlement loops. A nil *Recorder is valid and records nothing.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Outcome labels
const (
	OutcomeSettled      = "settled"
	OutcomeVoided       = "voided"
	OutcomeRejected     = "rejected"
	OutcomeAborted      = "aborted"
	OutcomeAccepted     = "accepted"
	OutcomeDropped      = "dropped"
	OutcomeRetried      = "retried"
	OutcomeInvalid      = "invalid"
	OutcomeBackpressure = "backpressure"
)

type Recorder struct {
	orders          *prometheus.CounterVec
	expired         *prometheus.CounterVec
	bookDepth       *prometheus.GaugeVec
	leftoverDropped prometheus.Counter
	submissions     *prometheus.CounterVec
	settlements     *prometheus.CounterVec
	queueDepth      prometheus.Gauge
}

// NewRecorder registers all collectors on reg.
func NewRecorder(reg prometheus.Registerer) *Recorder {
	f := promauto.With(reg)
	return &Recorder{
		orders: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "clearinghouse",
			Name:      "orders_total",
			Help:      "Orders submitted to the book by side and admission outcome.",
		}, []string{"side", "outcome"}),
		expired: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "clearinghouse",
			Name:      "orders_expired_total",
			Help:      "Orders evicted by the TTL sweep.",
		}, []string{"side"}),
		bookDepth: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "clearinghouse",
			Name:      "book_orders",
			Help:      "Orders resting in the book.",
		}, []string{"side"}),
		leftoverDropped: f.NewCounter(prometheus.CounterOpts{
			Namespace: "clearinghouse",
			Name:      "leftover_asks_dropped_total",
			Help:      "Partial-fill leftovers dropped because the ask side was at its ceiling.",
		}),
		submissions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "clearinghouse",
			Name:      "trade_submissions_total",
			Help:      "Trade requests handed to settlement by outcome.",
		}, []string{"outcome"}),
		settlements: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "clearinghouse",
			Name:      "settlements_total",
			Help:      "Settlement transactions by outcome.",
		}, []string{"outcome"}),
		queueDepth: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "clearinghouse",
			Name:      "settlement_queue_depth",
			Help:      "Pending trade requests observed by the settlement loop.",
		}),
	}
}

func (r *Recorder) OrderAdmitted(side string, depth int) {
	if r == nil {
		return
	}
	r.orders.WithLabelValues(side, OutcomeAccepted).Inc()
	r.bookDepth.WithLabelValues(side).Set(float64(depth))
}

func (r *Recorder) OrderRejected(side, outcome string) {
	if r == nil {
		return
	}
	r.orders.WithLabelValues(side, outcome).Inc()
}

func (r *Recorder) OrderExpired(side string) {
	if r == nil {
		return
	}
	r.expired.WithLabelValues(side).Inc()
}

func (r *Recorder) BookDepth(asks, bids int) {
	if r == nil {
		return
	}
	r.bookDepth.WithLabelValues("ask").Set(float64(asks))
	r.bookDepth.WithLabelValues("bid").Set(float64(bids))
}

func (r *Recorder) LeftoverDropped() {
	if r == nil {
		return
	}
	r.leftoverDropped.Inc()
}

func (r *Recorder) Submission(outcome string) {
	if r == nil {
		return
	}
	r.submissions.WithLabelValues(outcome).Inc()
}

func (r *Recorder) Settlement(outcome string) {
	if r == nil {
		return
	}
	r.settlements.WithLabelValues(outcome).Inc()
}

func (r *Recorder) QueueDepth(n int) {
	if r == nil {
		return
	}
	r.queueDepth.Set(float64(n))
}
