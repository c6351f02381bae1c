package observability

import (
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// ClearingMetrics tracks the transfer hot path.
type ClearingMetrics struct {
	requests *prometheus.CounterVec
	latency  *prometheus.HistogramVec
}

// SettlementMetrics tracks coordinator submissions against the vault.
type SettlementMetrics struct {
	submissions *prometheus.CounterVec
	retries     prometheus.Counter
	pending     prometheus.Gauge
	vaultTotal  *prometheus.GaugeVec
}

// BusMetrics tracks notification fan-out.
type BusMetrics struct {
	delivered *prometheus.CounterVec
	dropped   *prometheus.CounterVec
}

var (
	clearingOnce     sync.Once
	clearingRegistry *ClearingMetrics

	settlementOnce     sync.Once
	settlementRegistry *SettlementMetrics

	busOnce     sync.Once
	busRegistry *BusMetrics
)

// Clearing returns the lazily-initialised metrics registry for the clearing
// service.
func Clearing() *ClearingMetrics {
	clearingOnce.Do(func() {
		clearingRegistry = &ClearingMetrics{
			requests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "clearhub",
				Subsystem: "clearing",
				Name:      "requests_total",
				Help:      "Total transfer clearing requests segmented by outcome.",
			}, []string{"outcome"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "clearhub",
				Subsystem: "clearing",
				Name:      "request_duration_seconds",
				Help:      "Latency distribution for transfer clearing.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"outcome"}),
		}
		prometheus.MustRegister(clearingRegistry.requests, clearingRegistry.latency)
	})
	return clearingRegistry
}

// Observe records the outcome and duration of one clearing request.
func (m *ClearingMetrics) Observe(outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	outcome = normalizeLabel(outcome)
	m.requests.WithLabelValues(outcome).Inc()
	m.latency.WithLabelValues(outcome).Observe(duration.Seconds())
}

// Settlement returns the lazily-initialised settlement metrics registry.
func Settlement() *SettlementMetrics {
	settlementOnce.Do(func() {
		settlementRegistry = &SettlementMetrics{
			submissions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "clearhub",
				Subsystem: "settlement",
				Name:      "submissions_total",
				Help:      "Vault submissions segmented by result.",
			}, []string{"result"}),
			retries: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "clearhub",
				Subsystem: "settlement",
				Name:      "retries_total",
				Help:      "Count of settlement submission retries.",
			}),
			pending: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "clearhub",
				Subsystem: "settlement",
				Name:      "pending",
				Help:      "Number of settlements awaiting confirmation.",
			}),
			vaultTotal: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: "clearhub",
				Subsystem: "settlement",
				Name:      "vault_balance",
				Help:      "Last observed vault balance per merchant in minor units.",
			}, []string{"merchant"}),
		}
		prometheus.MustRegister(
			settlementRegistry.submissions,
			settlementRegistry.retries,
			settlementRegistry.pending,
			settlementRegistry.vaultTotal,
		)
	})
	return settlementRegistry
}

// RecordSubmission increments the submission counter for the supplied result.
func (m *SettlementMetrics) RecordSubmission(result string) {
	if m == nil {
		return
	}
	m.submissions.WithLabelValues(normalizeLabel(result)).Inc()
}

// RecordRetry increments the retry counter.
func (m *SettlementMetrics) RecordRetry() {
	if m == nil {
		return
	}
	m.retries.Inc()
}

// SetPending publishes the current number of unconfirmed settlements.
func (m *SettlementMetrics) SetPending(count int) {
	if m == nil {
		return
	}
	m.pending.Set(float64(count))
}

// SetVaultBalance publishes the merchant's last observed vault balance.
func (m *SettlementMetrics) SetVaultBalance(merchant string, amount float64) {
	if m == nil {
		return
	}
	m.vaultTotal.WithLabelValues(normalizeLabel(merchant)).Set(amount)
}

// Bus returns the lazily-initialised notification metrics registry.
func Bus() *BusMetrics {
	busOnce.Do(func() {
		busRegistry = &BusMetrics{
			delivered: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "clearhub",
				Subsystem: "notify",
				Name:      "delivered_total",
				Help:      "Events delivered to connected subscribers segmented by type.",
			}, []string{"type"}),
			dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "clearhub",
				Subsystem: "notify",
				Name:      "dropped_total",
				Help:      "Events dropped because a subscriber buffer was full.",
			}, []string{"type"}),
		}
		prometheus.MustRegister(busRegistry.delivered, busRegistry.dropped)
	})
	return busRegistry
}

// RecordDelivered increments the delivery counter for the event type.
func (m *BusMetrics) RecordDelivered(eventType string) {
	if m == nil {
		return
	}
	m.delivered.WithLabelValues(normalizeLabel(eventType)).Inc()
}

// RecordDropped increments the drop counter for the event type.
func (m *BusMetrics) RecordDropped(eventType string) {
	if m == nil {
		return
	}
	m.dropped.WithLabelValues(normalizeLabel(eventType)).Inc()
}

func normalizeLabel(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return "unknown"
	}
	return trimmed
}
