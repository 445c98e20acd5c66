package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry holds the engine's counters. All methods are safe on a nil receiver
// so components can run without metrics in tests.
type Registry struct {
	registry          *prometheus.Registry
	verificationTotal *prometheus.CounterVec
	depositsTotal     *prometheus.CounterVec
	approvalsTotal    *prometheus.CounterVec
	reconcileTotal    *prometheus.CounterVec
	casRetriesTotal   *prometheus.CounterVec
	pendingPayments   prometheus.Gauge
}

func New() *Registry {
	verification := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "escrow_verifications_total",
		Help: "Chain verification outcomes by kind and status",
	}, []string{"kind", "status"})

	deposits := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "escrow_deposits_total",
		Help: "Deposit recording results",
	}, []string{"result"})

	approvals := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "escrow_milestone_approvals_total",
		Help: "Milestone approval results",
	}, []string{"result"})

	reconcile := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "escrow_reconcile_total",
		Help: "Pending payment reconciliation results",
	}, []string{"result"})

	casRetries := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "escrow_version_conflicts_total",
		Help: "Optimistic concurrency conflicts on contract updates",
	}, []string{"operation"})

	pending := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "escrow_pending_payments",
		Help: "Payments still awaiting confirmation in the last reconcile pass",
	})

	r := prometheus.NewRegistry()
	r.MustRegister(verification, deposits, approvals, reconcile, casRetries, pending)

	return &Registry{
		registry:          r,
		verificationTotal: verification,
		depositsTotal:     deposits,
		approvalsTotal:    approvals,
		reconcileTotal:    reconcile,
		casRetriesTotal:   casRetries,
		pendingPayments:   pending,
	}
}

func (m *Registry) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Registry) IncVerification(kind, status string) {
	if m == nil {
		return
	}
	m.verificationTotal.WithLabelValues(kind, status).Inc()
}

func (m *Registry) IncDeposit(result string) {
	if m == nil {
		return
	}
	m.depositsTotal.WithLabelValues(result).Inc()
}

func (m *Registry) IncApproval(result string) {
	if m == nil {
		return
	}
	m.approvalsTotal.WithLabelValues(result).Inc()
}

func (m *Registry) IncReconcile(result string) {
	if m == nil {
		return
	}
	m.reconcileTotal.WithLabelValues(result).Inc()
}

func (m *Registry) IncVersionConflict(operation string) {
	if m == nil {
		return
	}
	m.casRetriesTotal.WithLabelValues(operation).Inc()
}

func (m *Registry) SetPendingPayments(n int) {
	if m == nil {
		return
	}
	m.pendingPayments.Set(float64(n))
}
