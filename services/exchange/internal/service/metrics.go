package service

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	TransactionsTotal   *prometheus.CounterVec
	AllocationDuration  *prometheus.HistogramVec
	AllocationsCreated  prometheus.Counter
	InsufficientFunds   prometheus.Counter
	InvariantViolations *prometheus.CounterVec
	LotsRecorded        prometheus.Counter
	SummaryCache        *prometheus.CounterVec
}

func NewMetrics(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		TransactionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "exchange_transactions_total",
				Help: "Transaction writes by operation and outcome.",
			},
			[]string{"op", "status"},
		),
		AllocationDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "exchange_allocation_duration_seconds",
				Help:    "Duration of a transaction write including fund allocation.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"op"},
		),
		AllocationsCreated: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "exchange_allocations_created_total",
				Help: "Lot allocations created.",
			},
		),
		InsufficientFunds: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "exchange_insufficient_funds_total",
				Help: "Transaction writes rejected for insufficient funding.",
			},
		),
		InvariantViolations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "exchange_invariant_violations_total",
				Help: "Ledger invariant violations detected during allocation.",
			},
			[]string{"kind"},
		),
		LotsRecorded: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "exchange_lots_recorded_total",
				Help: "Bank balance lots recorded.",
			},
		),
		SummaryCache: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "exchange_summary_cache_total",
				Help: "Funding summary cache lookups by result.",
			},
			[]string{"result"},
		),
	}

	registry.MustRegister(
		m.TransactionsTotal,
		m.AllocationDuration,
		m.AllocationsCreated,
		m.InsufficientFunds,
		m.InvariantViolations,
		m.LotsRecorded,
		m.SummaryCache,
	)
	return m
}

func (m *Metrics) observeWrite(op, status string, started time.Time) {
	if m == nil {
		return
	}
	m.TransactionsTotal.WithLabelValues(op, status).Inc()
	m.AllocationDuration.WithLabelValues(op).Observe(time.Since(started).Seconds())
}

func (m *Metrics) incAllocations(n int) {
	if m == nil || n == 0 {
		return
	}
	m.AllocationsCreated.Add(float64(n))
}

func (m *Metrics) incInsufficientFunds() {
	if m == nil {
		return
	}
	m.InsufficientFunds.Inc()
}

func (m *Metrics) incInvariant(kind string) {
	if m == nil {
		return
	}
	m.InvariantViolations.WithLabelValues(kind).Inc()
}

func (m *Metrics) incLotsRecorded() {
	if m == nil {
		return
	}
	m.LotsRecorded.Inc()
}

func (m *Metrics) incSummaryCache(result string) {
	if m == nil {
		return
	}
	m.SummaryCache.WithLabelValues(result).Inc()
}
