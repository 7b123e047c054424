package lending

import (
	"errors"
	"testing"

	"github.com/holiman/uint256"
)

func testBanks(banks ...*Bank) BankLookup {
	index := make(map[string]*Bank, len(banks))
	for _, bank := range banks {
		index[bank.Asset] = bank
	}
	return func(asset string) (*Bank, error) {
		return index[NormalizeAsset(asset)], nil
	}
}

func value(units uint64) *uint256.Int {
	return new(uint256.Int).Mul(uint256.NewInt(units), unitValue)
}

func TestComputeHealthWeightsEachBank(t *testing.T) {
	usdc := &Bank{Asset: "USDC", Decimals: 0, MaxLTV: 8_000, LiquidationThreshold: 8_500}
	gold := &Bank{Asset: "GOLD", Decimals: 0, MaxLTV: 5_000, LiquidationThreshold: 6_000}
	pos := &UserPosition{}
	pos.SetAsset(AssetPosition{Asset: "USDC", DepositedAmount: 1_000, DepositedShares: 1_000})
	pos.SetAsset(AssetPosition{Asset: "GOLD", DepositedAmount: 200, DepositedShares: 200, BorrowedAmount: 100, BorrowedShares: 100})

	health, err := ComputeHealth(pos, testBanks(usdc, gold), ParValuer())
	if err != nil {
		t.Fatalf("health: %v", err)
	}
	if !health.CollateralValue.Eq(value(1_200)) {
		t.Fatalf("collateral value %s", health.CollateralValue.ToBig())
	}
	if !health.BorrowedValue.Eq(value(100)) {
		t.Fatalf("borrowed value %s", health.BorrowedValue.ToBig())
	}
	// 1000*0.8 + 200*0.5 = 900
	if !health.BorrowLimit().Eq(value(900)) {
		t.Fatalf("borrow limit %s", health.BorrowLimit().ToBig())
	}
	if !health.Headroom().Eq(value(800)) {
		t.Fatalf("headroom %s", health.Headroom().ToBig())
	}
	limit, err := MaxBorrowable(usdc, health, ParValuer())
	if err != nil || limit != 800 {
		t.Fatalf("max borrowable %d err=%v", limit, err)
	}
	liquidatable, err := health.Liquidatable()
	if err != nil || liquidatable {
		t.Fatalf("healthy position flagged liquidatable: %v %v", liquidatable, err)
	}
}

func TestLiquidatableBoundary(t *testing.T) {
	bank := &Bank{Asset: "USDC", MaxLTV: 7_000, LiquidationThreshold: 8_000}
	pos := &UserPosition{}
	pos.SetAsset(AssetPosition{Asset: "USDC", DepositedAmount: 1_000, DepositedShares: 1_000, BorrowedAmount: 799, BorrowedShares: 799})
	health, err := ComputeHealth(pos, testBanks(bank), ParValuer())
	if err != nil {
		t.Fatalf("health: %v", err)
	}
	if ok, _ := health.Liquidatable(); ok {
		t.Fatalf("799/1000 below 80%% threshold should be healthy")
	}
	pos.SetAsset(AssetPosition{Asset: "USDC", DepositedAmount: 1_000, DepositedShares: 1_000, BorrowedAmount: 800, BorrowedShares: 800})
	health, _ = ComputeHealth(pos, testBanks(bank), ParValuer())
	if ok, _ := health.Liquidatable(); !ok {
		t.Fatalf("800/1000 at 80%% threshold should be liquidatable")
	}
	if ok, _ := health.WithinLTV(); ok {
		t.Fatalf("800/1000 exceeds 70%% max ltv")
	}
}

func TestZeroDebtNeverLiquidatable(t *testing.T) {
	health, err := ComputeHealth(&UserPosition{}, testBanks(), ParValuer())
	if err != nil {
		t.Fatalf("health: %v", err)
	}
	if ok, _ := health.Liquidatable(); ok {
		t.Fatalf("empty position flagged")
	}
}

func TestComputeHealthRequiresBank(t *testing.T) {
	pos := &UserPosition{}
	pos.SetAsset(AssetPosition{Asset: "GHOST", DepositedAmount: 1, DepositedShares: 1})
	if _, err := ComputeHealth(pos, testBanks(), ParValuer()); !errors.Is(err, ErrNotInitialized) {
		t.Fatalf("expected ErrNotInitialized, got %v", err)
	}
}

func TestPlanLiquidation(t *testing.T) {
	valuer, err := NewStaticValuer(map[string]string{"WETH": "1800", "USDC": "1"})
	if err != nil {
		t.Fatalf("valuer: %v", err)
	}
	usdc := &Bank{Asset: "USDC", Decimals: 6, TotalDeposits: 5_000_000_000, TotalDepositShares: 5_000_000_000, TotalBorrows: 1_500_000_000}
	weth := &Bank{Asset: "WETH", Decimals: 6, TotalDeposits: 1_000_000, TotalDepositShares: 1_000_000}
	params := LiquidationParams{CloseFactorBps: 5_000, LiquidationBonusBps: 500}

	debt := AssetPosition{Asset: "USDC", BorrowedAmount: 1_500_000_000, BorrowedShares: 1_500_000_000}
	collateral := AssetPosition{Asset: "WETH", DepositedAmount: 1_000_000, DepositedShares: 1_000_000}

	plan, err := PlanLiquidation(params, usdc, weth, debt, collateral, 0, valuer)
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	// 750 USDC repaid buys 787.5 USDC of WETH at 1800 = 0.4375 WETH.
	if plan.Repay != 750_000_000 || plan.Seize != 437_500 {
		t.Fatalf("unexpected plan %+v", plan)
	}

	plan, err = PlanLiquidation(params, usdc, weth, debt, collateral, 100_000_000, valuer)
	if err != nil {
		t.Fatalf("plan with request: %v", err)
	}
	if plan.Repay != 100_000_000 {
		t.Fatalf("requested repay not honoured: %+v", plan)
	}

	small := AssetPosition{Asset: "WETH", DepositedAmount: 200_000, DepositedShares: 200_000}
	plan, err = PlanLiquidation(params, usdc, weth, debt, small, 0, valuer)
	if err != nil {
		t.Fatalf("capped plan: %v", err)
	}
	// 0.2 WETH = 360 USDC of value covers 360/1.05 = 342.857142 USDC of debt.
	if plan.Seize != 200_000 || plan.Repay != 342_857_142 {
		t.Fatalf("unexpected capped plan %+v", plan)
	}

	if _, err := PlanLiquidation(params, usdc, weth, AssetPosition{Asset: "USDC"}, collateral, 0, valuer); !errors.Is(err, ErrNotLiquidatable) {
		t.Fatalf("expected ErrNotLiquidatable without debt, got %v", err)
	}
}

func TestStaticValuer(t *testing.T) {
	valuer, err := NewStaticValuer(map[string]string{"wbtc": "65000.5"})
	if err != nil {
		t.Fatalf("valuer: %v", err)
	}
	wbtc := &Bank{Asset: "WBTC", Decimals: 8}
	got, err := valuer.Value(wbtc, 200_000_000)
	if err != nil {
		t.Fatalf("value: %v", err)
	}
	if !got.Eq(value(130_001)) {
		t.Fatalf("2 WBTC valued at %s", got.ToBig())
	}
	amount, err := valuer.Amount(wbtc, value(65_000))
	if err != nil {
		t.Fatalf("amount: %v", err)
	}
	// 65000 / 65000.5 WBTC, truncated to 8 decimals.
	if amount != 99_999_230 {
		t.Fatalf("amount %d", amount)
	}

	usdc := &Bank{Asset: "USDC", Decimals: 6}
	want := new(uint256.Int).Add(value(2), new(uint256.Int).Div(unitValue, uint256.NewInt(2)))
	if got, _ := valuer.Value(usdc, 2_500_000); !got.Eq(want) {
		t.Fatalf("par value of 2.5 USDC: %s", got.ToBig())
	}

	for _, bad := range []string{"abc", "-1", "0", "0.0000000000000000001"} {
		if _, err := NewStaticValuer(map[string]string{"X": bad}); err == nil {
			t.Fatalf("expected %q rejected", bad)
		}
	}
}
