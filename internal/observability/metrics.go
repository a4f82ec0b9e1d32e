package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	dto "github.com/prometheus/client_model/go"
)

// Metrics holds the Prometheus collectors for the payment and ledger core.
type Metrics struct {
	// Registry owns these collectors and backs the /metrics endpoint.
	Registry *prometheus.Registry

	ledgerPostings     *prometheus.CounterVec
	paymentTransitions *prometheus.CounterVec
	webhookEvents      *prometheus.CounterVec
	consistencyFaults  prometheus.Counter
	providerDuration   *prometheus.HistogramVec
	batchItems         *prometheus.CounterVec
}

// NewMetrics creates a private registry so repeated construction in tests
// does not panic on duplicate registration.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		Registry: reg,

		ledgerPostings: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ledger_postings_total",
				Help: "Ledger posting attempts by entry type and result.",
			},
			[]string{"type", "result"},
		),
		paymentTransitions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "payment_transitions_total",
				Help: "Payment request state transitions.",
			},
			[]string{"from", "to"},
		),
		webhookEvents: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "webhook_events_total",
				Help: "Inbound provider callbacks by outcome.",
			},
			[]string{"provider", "outcome"},
		),
		consistencyFaults: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "consistency_faults_total",
				Help: "Provider-confirmed payments whose ledger post failed.",
			},
		),
		providerDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "provider_request_duration_seconds",
				Help:    "Duration of outbound provider calls.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"provider", "operation"},
		),
		batchItems: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "batch_items_total",
				Help: "Items processed by scheduled batch jobs.",
			},
			[]string{"job", "result"},
		),
	}
}

func (m *Metrics) IncrLedgerPosting(entryType, result string) {
	m.ledgerPostings.WithLabelValues(entryType, result).Inc()
}

func (m *Metrics) IncrPaymentTransition(from, to string) {
	m.paymentTransitions.WithLabelValues(from, to).Inc()
}

func (m *Metrics) IncrWebhookEvent(provider, outcome string) {
	m.webhookEvents.WithLabelValues(provider, outcome).Inc()
}

func (m *Metrics) IncrConsistencyFault() {
	m.consistencyFaults.Inc()
}

func (m *Metrics) RecordProviderDuration(provider, operation string, d time.Duration) {
	m.providerDuration.WithLabelValues(provider, operation).Observe(d.Seconds())
}

func (m *Metrics) IncrBatchItem(job, result string) {
	m.batchItems.WithLabelValues(job, result).Inc()
}

// WebhookEventCount returns the cumulative count for a provider/outcome pair.
func (m *Metrics) WebhookEventCount(provider, outcome string) float64 {
	return counterValue(m.webhookEvents.WithLabelValues(provider, outcome))
}

// ConsistencyFaultCount returns the cumulative consistency fault count.
func (m *Metrics) ConsistencyFaultCount() float64 {
	return counterValue(m.consistencyFaults)
}

// LedgerPostingCount returns the cumulative postings for a type/result pair.
func (m *Metrics) LedgerPostingCount(entryType, result string) float64 {
	return counterValue(m.ledgerPostings.WithLabelValues(entryType, result))
}

// counterValue extracts the current float64 value from a counter.
func counterValue(c prometheus.Counter) float64 {
	m := &dto.Metric{}
	if err := c.Write(m); err != nil {
		return 0
	}
	if m.Counter != nil && m.Counter.Value != nil {
		return *m.Counter.Value
	}
	return 0
}
