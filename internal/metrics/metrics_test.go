package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCounters(t *testing.T) {
	m := New()
	m.IncVerification("deposit", "CONFIRMED")
	m.IncVerification("deposit", "CONFIRMED")
	m.IncDeposit("pending")
	m.SetPendingPayments(3)

	if got := testutil.ToFloat64(m.verificationTotal.WithLabelValues("deposit", "CONFIRMED")); got != 2 {
		t.Errorf("verification counter = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.pendingPayments); got != 3 {
		t.Errorf("pending gauge = %v, want 3", got)
	}

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	if !strings.Contains(rec.Body.String(), "escrow_deposits_total") {
		t.Error("metrics output missing escrow_deposits_total")
	}
}

func TestNilRegistryIsNoop(t *testing.T) {
	var m *Registry
	m.IncVerification("release", "INVALID")
	m.IncDeposit("x")
	m.IncApproval("x")
	m.IncReconcile("x")
	m.IncVersionConflict("x")
	m.SetPendingPayments(1)
}
