package observability

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"lendcore/core/events"
)

func TestLendingMetrics(t *testing.T) {
	m := Lending()
	m.RecordOperation("Deposit", " usdc ", nil)
	m.RecordOperation("deposit", "USDC", errors.New("boom"))
	m.SetBankTotals("usdc", 1_500, 700, 3)

	if got := testutil.ToFloat64(m.operations.WithLabelValues("deposit", "USDC", "success")); got != 1 {
		t.Fatalf("success count %v", got)
	}
	if got := testutil.ToFloat64(m.operations.WithLabelValues("deposit", "USDC", "error")); got != 1 {
		t.Fatalf("error count %v", got)
	}
	if got := testutil.ToFloat64(m.borrows.WithLabelValues("USDC")); got != 700 {
		t.Fatalf("borrow gauge %v", got)
	}
}

func TestEventMetricsEmitter(t *testing.T) {
	var emitter events.Emitter = Events()
	emitter.Emit(events.TokenTransfer{Asset: "weth", Amount: 1})
	emitter.Emit(events.LendingLiquidation{DebtAsset: "USDC", CollateralAsset: "WETH"})

	if got := testutil.ToFloat64(Events().transfers.WithLabelValues("WETH")); got != 1 {
		t.Fatalf("transfer count %v", got)
	}
	if got := testutil.ToFloat64(Events().emitted.WithLabelValues(events.TypeLendingLiquidation)); got != 1 {
		t.Fatalf("liquidation event count %v", got)
	}
	if got := testutil.ToFloat64(Lending().liquidations.WithLabelValues("USDC", "WETH")); got != 1 {
		t.Fatalf("liquidation count %v", got)
	}
}

func TestModuleMetricsObserve(t *testing.T) {
	m := ModuleMetrics()
	m.Observe("lending", "POST /v1/lending/borrow", 409, 5*time.Millisecond)
	m.RecordThrottle("lending", "")
	if got := testutil.ToFloat64(m.errors.WithLabelValues("lending", "POST /v1/lending/borrow", "409")); got != 1 {
		t.Fatalf("error count %v", got)
	}
	if got := testutil.ToFloat64(m.throttles.WithLabelValues("lending", "unspecified")); got != 1 {
		t.Fatalf("throttle count %v", got)
	}
}
