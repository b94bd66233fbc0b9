// Package metrics holds the Prometheus collectors of the billing engine.
// Collectors are registered once by Init; every Observe helper is a no-op
// before that, so library code and tests can call them unconditionally.
package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	metricPrefix = "society_billing_"

	ResultSuccess = "success"
	ResultError   = "error"
)

var (
	registerOnce sync.Once
	registry     *prometheus.Registry

	cycleTotal    *prometheus.CounterVec
	cycleLatency  *prometheus.HistogramVec
	cycleMembers  *prometheus.CounterVec
	billedAmount  *prometheus.CounterVec
	ledgerAppends *prometheus.CounterVec
	ledgerRetries prometheus.Counter
	lockWait      prometheus.Histogram
	billsLocked   *prometheus.CounterVec
	payments      *prometheus.CounterVec
)

// Init registers collectors on a dedicated registry (plus Go/process
// collectors) and returns it.
func Init() *prometheus.Registry {
	registerOnce.Do(func() {
		registry = prometheus.NewRegistry()

		cycleTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "cycle_runs_total",
				Help: "Billing cycle runs by final state",
			},
			[]string{"state"},
		)
		cycleLatency = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    metricPrefix + "cycle_duration_seconds",
				Help:    "Billing cycle duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"state"},
		)
		cycleMembers = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "cycle_members_total",
				Help: "Members processed by billing cycles, by outcome",
			},
			[]string{"outcome"},
		)
		billedAmount = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "billed_amount_total",
				Help: "Total amount billed, by tenant",
			},
			[]string{"tenant"},
		)
		ledgerAppends = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "ledger_appends_total",
				Help: "Ledger appends by category and result",
			},
			[]string{"category", "result"},
		)
		ledgerRetries = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: metricPrefix + "ledger_stale_retries_total",
				Help: "Ledger appends retried after a stale tail balance",
			},
		)
		lockWait = prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    metricPrefix + "ledger_lock_wait_seconds",
				Help:    "Time spent waiting for a member ledger lock",
				Buckets: []float64{.0005, .001, .005, .01, .05, .1, .5, 1, 5},
			},
		)
		billsLocked = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "bills_locked_total",
				Help: "Bills locked by period finalization, by tenant",
			},
			[]string{"tenant"},
		)
		payments = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "payments_total",
				Help: "Payments recorded by result",
			},
			[]string{"result"},
		)

		registry.MustRegister(
			prometheus.NewGoCollector(),
			prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
			cycleTotal, cycleLatency, cycleMembers, billedAmount,
			ledgerAppends, ledgerRetries, lockWait, billsLocked, payments,
		)
	})
	return registry
}

// Handler serves the registry in the Prometheus exposition format.
func Handler() http.Handler {
	return promhttp.HandlerFor(Init(), promhttp.HandlerOpts{})
}

// ObserveCycle records a finished cycle.
func ObserveCycle(state string, started time.Time) {
	if cycleTotal == nil {
		return
	}
	cycleTotal.WithLabelValues(state).Inc()
	cycleLatency.WithLabelValues(state).Observe(time.Since(started).Seconds())
}

// ObserveMember records one member outcome: billed, failed or skipped.
func ObserveMember(outcome string) {
	if cycleMembers == nil {
		return
	}
	cycleMembers.WithLabelValues(outcome).Inc()
}

func AddBilled(tenant string, amount float64) {
	if billedAmount == nil {
		return
	}
	billedAmount.WithLabelValues(tenant).Add(amount)
}

func ObserveAppend(category, result string) {
	if ledgerAppends == nil {
		return
	}
	ledgerAppends.WithLabelValues(category, result).Inc()
}

func ObserveRetry() {
	if ledgerRetries == nil {
		return
	}
	ledgerRetries.Inc()
}

func ObserveLockWait(started time.Time) {
	if lockWait == nil {
		return
	}
	lockWait.Observe(time.Since(started).Seconds())
}

func AddLocked(tenant string, n int) {
	if billsLocked == nil {
		return
	}
	billsLocked.WithLabelValues(tenant).Add(float64(n))
}

func ObservePayment(result string) {
	if payments == nil {
		return
	}
	payments.WithLabelValues(result).Inc()
}
