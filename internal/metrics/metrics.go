package metrics

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"

	"github.com/Dan9191/plot-installments/internal/models"
)

// Error kinds used as label values.
const (
	KindValidation  = "validation"
	KindConflict    = "conflict"
	KindConcurrency = "concurrency"
	KindIntegrity   = "integrity"
	KindNotFound    = "not_found"
	KindInternal    = "internal"
)

// Metrics captures engine activity for operations dashboards.
type Metrics struct {
	operations     *prometheus.CounterVec
	operationTime  *prometheus.HistogramVec
	paymentsAmount *prometheus.CounterVec
	installments   prometheus.Counter
	lateFeeRuns    prometheus.Counter
}

// New registers the engine metrics with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "installments",
			Name:      "operations_total",
			Help:      "Engine operations by name and outcome.",
		}, []string{"operation", "outcome"}),
		operationTime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "installments",
			Name:      "operation_duration_seconds",
			Help:      "Duration of engine operations including persistence.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation"}),
		paymentsAmount: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "installments",
			Name:      "payments_amount_total",
			Help:      "Sum of applied payment amounts by method.",
		}, []string{"method"}),
		installments: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "installments",
			Name:      "generated_total",
			Help:      "Installments generated by schedule creation and reschedules.",
		}),
		lateFeeRuns: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "installments",
			Name:      "late_fee_refreshes_total",
			Help:      "Sales whose persisted late fees were refreshed.",
		}),
	}
	reg.MustRegister(m.operations, m.operationTime, m.paymentsAmount, m.installments, m.lateFeeRuns)
	return m
}

// ObserveOperation records one operation's outcome and duration.
func (m *Metrics) ObserveOperation(operation string, seconds float64, err error) {
	m.operations.WithLabelValues(operation, Outcome(err)).Inc()
	m.operationTime.WithLabelValues(operation).Observe(seconds)
}

// PaymentApplied adds a payment amount to the per-method total.
func (m *Metrics) PaymentApplied(method string, amount decimal.Decimal) {
	m.paymentsAmount.WithLabelValues(method).Add(amount.InexactFloat64())
}

// InstallmentsGenerated counts newly generated installments.
func (m *Metrics) InstallmentsGenerated(n int) {
	m.installments.Add(float64(n))
}

// LateFeesRefreshed counts one late-fee refresh of a sale.
func (m *Metrics) LateFeesRefreshed() {
	m.lateFeeRuns.Inc()
}

// Outcome maps an error to its label value; nil is "ok".
func Outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, models.ErrValidation):
		return KindValidation
	case errors.Is(err, models.ErrConflict):
		return KindConflict
	case errors.Is(err, models.ErrConcurrency):
		return KindConcurrency
	case errors.Is(err, models.ErrIntegrity):
		return KindIntegrity
	case errors.Is(err, models.ErrNotFound):
		return KindNotFound
	default:
		return KindInternal
	}
}
