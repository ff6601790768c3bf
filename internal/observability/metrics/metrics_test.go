package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestCallMetricsObserve(t *testing.T) {
	m := NewCallMetrics(prometheus.NewRegistry())
	m.ObserveInbound("completed")
	m.ObserveInbound("completed")
	m.ObserveDial("connected")
	m.ObserveTalkSeconds("inbound", 95)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.inboundTotal.WithLabelValues("completed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.dialTotal.WithLabelValues("connected")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.inboundTotal.WithLabelValues("failed")))
}

func TestBillingMetricsObserve(t *testing.T) {
	m := NewBillingMetrics(prometheus.NewRegistry())
	m.ObserveCharge("call_logs", "charged")
	m.ObserveRefund("action_sends", "refunded")
	m.ObserveDeposit("stripe")
	m.ObserveDeposit("stripe")
	m.ObserveDeposit("crypto")

	assert.Equal(t, 1.0, testutil.ToFloat64(m.chargeTotal.WithLabelValues("call_logs", "charged")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.depositTotal.WithLabelValues("stripe")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.depositTotal.WithLabelValues("crypto")))
}

func TestWebhookMetricsObserve(t *testing.T) {
	m := NewWebhookMetrics(prometheus.NewRegistry())
	m.ObserveDelivery("square", "ok")
	m.ObserveLatency("square", 0.2)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.deliveryTotal.WithLabelValues("square", "ok")))
}

// Handlers run with nil metrics in tests; every Observe method must tolerate
// a nil receiver.
func TestMetricsNilSafe(t *testing.T) {
	var c *CallMetrics
	c.ObserveInbound("completed")
	c.ObserveTalkSeconds("outbound", 10)
	var b *BillingMetrics
	b.ObserveCharge("call_logs", "charged")
	var w *WebhookMetrics
	w.ObserveDelivery("ach", "rejected")
	w.ObserveLatency("ach", 0.1)
}
