package metrics

import "github.com/prometheus/client_golang/prometheus"

// CallMetrics exposes counters/histograms for the inbound and outbound call
// paths.
type CallMetrics struct {
	inboundTotal *prometheus.CounterVec
	dialTotal    *prometheus.CounterVec
	talkSeconds  *prometheus.HistogramVec
}

func NewCallMetrics(reg prometheus.Registerer) *CallMetrics {
	m := &CallMetrics{
		inboundTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "voxwire",
			Subsystem: "calls",
			Name:      "inbound_total",
			Help:      "Total inbound AI calls by final status",
		}, []string{"status"}),
		dialTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "voxwire",
			Subsystem: "dialer",
			Name:      "dial_attempts_total",
			Help:      "Total outbound dial attempts",
		}, []string{"status"}),
		talkSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "voxwire",
			Subsystem: "calls",
			Name:      "talk_seconds",
			Help:      "Billable seconds per finished call",
			Buckets:   []float64{15, 30, 60, 120, 300, 600, 1800},
		}, []string{"direction"}),
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(m.inboundTotal, m.dialTotal, m.talkSeconds)
	return m
}

func (m *CallMetrics) ObserveInbound(status string) {
	if m == nil {
		return
	}
	m.inboundTotal.WithLabelValues(status).Inc()
}

func (m *CallMetrics) ObserveDial(status string) {
	if m == nil {
		return
	}
	m.dialTotal.WithLabelValues(status).Inc()
}

func (m *CallMetrics) ObserveTalkSeconds(direction string, billsec int64) {
	if m == nil {
		return
	}
	m.talkSeconds.WithLabelValues(direction).Observe(float64(billsec))
}

// BillingMetrics counts charges, refunds and wallet credits.
type BillingMetrics struct {
	chargeTotal  *prometheus.CounterVec
	refundTotal  *prometheus.CounterVec
	depositTotal *prometheus.CounterVec
}

func NewBillingMetrics(reg prometheus.Registerer) *BillingMetrics {
	m := &BillingMetrics{
		chargeTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "voxwire",
			Subsystem: "billing",
			Name:      "charges_total",
			Help:      "Total charge attempts by resource table and result",
		}, []string{"table", "result"}),
		refundTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "voxwire",
			Subsystem: "billing",
			Name:      "refunds_total",
			Help:      "Total refund attempts by resource table and result",
		}, []string{"table", "result"}),
		depositTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "voxwire",
			Subsystem: "billing",
			Name:      "deposits_credited_total",
			Help:      "Total wallet deposits credited by processor",
		}, []string{"processor"}),
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(m.chargeTotal, m.refundTotal, m.depositTotal)
	return m
}

func (m *BillingMetrics) ObserveCharge(table, result string) {
	if m == nil {
		return
	}
	m.chargeTotal.WithLabelValues(table, result).Inc()
}

func (m *BillingMetrics) ObserveRefund(table, result string) {
	if m == nil {
		return
	}
	m.refundTotal.WithLabelValues(table, result).Inc()
}

func (m *BillingMetrics) ObserveDeposit(processor string) {
	if m == nil {
		return
	}
	m.depositTotal.WithLabelValues(processor).Inc()
}

// WebhookMetrics counts payment and telephony webhook deliveries.
type WebhookMetrics struct {
	deliveryTotal  *prometheus.CounterVec
	handlerLatency *prometheus.HistogramVec
}

func NewWebhookMetrics(reg prometheus.Registerer) *WebhookMetrics {
	m := &WebhookMetrics{
		deliveryTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "voxwire",
			Subsystem: "webhooks",
			Name:      "delivery_total",
			Help:      "Total webhook deliveries by provider and result",
		}, []string{"provider", "result"}),
		handlerLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "voxwire",
			Subsystem: "webhooks",
			Name:      "handler_latency_seconds",
			Help:      "Latency of webhook processing",
			Buckets:   prometheus.DefBuckets,
		}, []string{"provider"}),
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(m.deliveryTotal, m.handlerLatency)
	return m
}

func (m *WebhookMetrics) ObserveDelivery(provider, result string) {
	if m == nil {
		return
	}
	m.deliveryTotal.WithLabelValues(provider, result).Inc()
}

func (m *WebhookMetrics) ObserveLatency(provider string, seconds float64) {
	if m == nil {
		return
	}
	m.handlerLatency.WithLabelValues(provider).Observe(seconds)
}
