package ledger

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestObserveOp_IncrementsCounter(t *testing.T) {
	before := testutil.ToFloat64(LedgerOpsTotal.WithLabelValues("test_op"))
	observeOp("test_op")()
	after := testutil.ToFloat64(LedgerOpsTotal.WithLabelValues("test_op"))
	if after-before != 1 {
		t.Errorf("expected counter to increase by 1, got %v", after-before)
	}
}

func TestObserveOp_ObservesHistogram(t *testing.T) {
	observeOp("hist_test")()
	if n := testutil.CollectAndCount(LedgerOpDuration, "tradeguard_ledger_operation_duration_seconds"); n == 0 {
		t.Error("expected histogram series after observation")
	}
}
