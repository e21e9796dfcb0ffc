package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestRecorder(t *testing.T) {
	r := NewRecorder(prometheus.NewRegistry())

	r.OrderAdmitted("ask", 3)
	r.OrderAdmitted("ask", 4)
	r.OrderRejected("bid", OutcomeBackpressure)
	r.OrderExpired("bid")
	r.LeftoverDropped()
	r.Submission(OutcomeAccepted)
	r.Settlement(OutcomeVoided)
	r.Settlement(OutcomeVoided)
	r.QueueDepth(7)

	assert.Equal(t, float64(2), testutil.ToFloat64(r.orders.WithLabelValues("ask", OutcomeAccepted)))
	assert.Equal(t, float64(1), testutil.ToFloat64(r.orders.WithLabelValues("bid", OutcomeBackpressure)))
	assert.Equal(t, float64(4), testutil.ToFloat64(r.bookDepth.WithLabelValues("ask")))
	assert.Equal(t, float64(1), testutil.ToFloat64(r.expired.WithLabelValues("bid")))
	assert.Equal(t, float64(1), testutil.ToFloat64(r.leftoverDropped))
	assert.Equal(t, float64(1), testutil.ToFloat64(r.submissions.WithLabelValues(OutcomeAccepted)))
	assert.Equal(t, float64(2), testutil.ToFloat64(r.settlements.WithLabelValues(OutcomeVoided)))
	assert.Equal(t, float64(7), testutil.ToFloat64(r.queueDepth))

	r.BookDepth(0, 0)
	assert.Zero(t, testutil.ToFloat64(r.bookDepth.WithLabelValues("ask")))
}

func TestRecorder_Nil(t *testing.T) {
	var r *Recorder
	assert.NotPanics(t, func() {
		r.OrderAdmitted("ask", 1)
		r.OrderRejected("ask", OutcomeInvalid)
		r.OrderExpired("ask")
		r.BookDepth(1, 1)
		r.LeftoverDropped()
		r.Submission(OutcomeRejected)
		r.Settlement(OutcomeSettled)
		r.QueueDepth(1)
	})
}
