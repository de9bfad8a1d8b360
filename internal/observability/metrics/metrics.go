package metrics

import (
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Config carries the constant labels attached to every series.
type Config struct {
	ServiceName string
	Environment string
}

func constLabels(cfg Config) prometheus.Labels {
	serviceName := strings.TrimSpace(cfg.ServiceName)
	if serviceName == "" {
		serviceName = "billforge"
	}
	environment := strings.TrimSpace(cfg.Environment)
	if environment == "" {
		environment = "unknown"
	}
	return prometheus.Labels{
		"service": serviceName,
		"env":     environment,
	}
}

// BillingMetrics captures meter, ledger, webhook and processor signals.
// All methods are safe on a nil receiver so tests can pass nil.
type BillingMetrics struct {
	usageTracked        *prometheus.CounterVec
	usageFlushes        *prometheus.CounterVec
	usageFlushedEntries prometheus.Counter
	usageBuffer         prometheus.Gauge
	transitions         *prometheus.CounterVec
	conflicts           *prometheus.CounterVec
	webhookEvents       *prometheus.CounterVec
	processorCalls      *prometheus.CounterVec
	processorLatency    *prometheus.HistogramVec
	invoices            *prometheus.CounterVec
}

var (
	billingMetricsOnce sync.Once
	billingMetrics     *BillingMetrics
)

// Billing returns the process-wide billing metrics registered on the
// default registerer.
func Billing(cfg Config) *BillingMetrics {
	billingMetricsOnce.Do(func() {
		billingMetrics = NewBillingMetrics(prometheus.DefaultRegisterer, cfg)
	})
	return billingMetrics
}

func NewBillingMetrics(registerer prometheus.Registerer, cfg Config) *BillingMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	labels := constLabels(cfg)

	m := &BillingMetrics{
		usageTracked: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "billforge_usage_tracked_total",
			Help:        "Usage increments accepted into the in-memory buffer.",
			ConstLabels: labels,
		}, []string{"usage_type"}),
		usageFlushes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "billforge_usage_flushes_total",
			Help:        "Usage buffer flushes by result.",
			ConstLabels: labels,
		}, []string{"result"}),
		usageFlushedEntries: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "billforge_usage_flushed_entries_total",
			Help:        "Aggregated usage entries written to durable storage.",
			ConstLabels: labels,
		}),
		usageBuffer: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "billforge_usage_buffer_entries",
			Help:        "Pending (organization, usage type) entries in the usage buffer.",
			ConstLabels: labels,
		}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "billforge_subscription_transitions_total",
			Help:        "Subscription status transitions applied.",
			ConstLabels: labels,
		}, []string{"from", "to", "cause"}),
		conflicts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "billforge_concurrency_conflicts_total",
			Help:        "Optimistic concurrency conflicts by resource.",
			ConstLabels: labels,
		}, []string{"resource"}),
		webhookEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "billforge_webhook_events_total",
			Help:        "Payment webhook events by type and outcome.",
			ConstLabels: labels,
		}, []string{"event_type", "outcome"}),
		processorCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "billforge_processor_requests_total",
			Help:        "Payment processor calls by operation and result.",
			ConstLabels: labels,
		}, []string{"operation", "result"}),
		processorLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:        "billforge_processor_request_duration_seconds",
			Help:        "Payment processor call latency including retries.",
			Buckets:     []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20, 30},
			ConstLabels: labels,
		}, []string{"operation"}),
		invoices: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "billforge_invoices_generated_total",
			Help:        "Invoices generated by initial status.",
			ConstLabels: labels,
		}, []string{"status"}),
	}

	registerer.MustRegister(
		m.usageTracked,
		m.usageFlushes,
		m.usageFlushedEntries,
		m.usageBuffer,
		m.transitions,
		m.conflicts,
		m.webhookEvents,
		m.processorCalls,
		m.processorLatency,
		m.invoices,
	)
	return m
}

func (m *BillingMetrics) IncUsageTracked(usageType string) {
	if m == nil {
		return
	}
	m.usageTracked.WithLabelValues(usageType).Inc()
}

// ObserveUsageFlush records a flush outcome and the resulting buffer size.
func (m *BillingMetrics) ObserveUsageFlush(flushed int, failed bool, bufferSize int) {
	if m == nil {
		return
	}
	result := "ok"
	if failed {
		result = "failed"
	}
	m.usageFlushes.WithLabelValues(result).Inc()
	if flushed > 0 {
		m.usageFlushedEntries.Add(float64(flushed))
	}
	m.usageBuffer.Set(float64(bufferSize))
}

func (m *BillingMetrics) IncTransition(from, to, cause string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(from, to, cause).Inc()
}

func (m *BillingMetrics) IncConflict(resource string) {
	if m == nil {
		return
	}
	m.conflicts.WithLabelValues(resource).Inc()
}

func (m *BillingMetrics) IncWebhookEvent(eventType, outcome string) {
	if m == nil {
		return
	}
	m.webhookEvents.WithLabelValues(eventType, outcome).Inc()
}

func (m *BillingMetrics) ObserveProcessorCall(operation string, err error, duration time.Duration) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.processorCalls.WithLabelValues(operation, result).Inc()
	m.processorLatency.WithLabelValues(operation).Observe(duration.Seconds())
}

func (m *BillingMetrics) IncInvoiceGenerated(status string) {
	if m == nil {
		return
	}
	m.invoices.WithLabelValues(status).Inc()
}
