package lending

import (
	"errors"
	"math"
	"math/big"
	"math/rand"
	"testing"
)

func TestSharesForDeposit(t *testing.T) {
	cases := []struct {
		name   string
		bank   Bank
		amount uint64
		want   uint64
	}{
		{name: "bootstrap", bank: Bank{}, amount: 1_000, want: 1_000},
		{name: "par", bank: Bank{TotalDeposits: 1_000, TotalDepositShares: 1_000}, amount: 500, want: 500},
		{name: "truncates", bank: Bank{TotalDeposits: 3, TotalDepositShares: 2}, amount: 2, want: 1},
		{name: "appreciated", bank: Bank{TotalDeposits: 2_000, TotalDepositShares: 1_000}, amount: 999, want: 499},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := SharesForDeposit(&tc.bank, tc.amount)
			if err != nil {
				t.Fatalf("shares: %v", err)
			}
			if got != tc.want {
				t.Fatalf("got %d shares, want %d", got, tc.want)
			}
		})
	}
}

func TestAmountForWithdrawShares(t *testing.T) {
	bank := &Bank{TotalDeposits: 1_001, TotalDepositShares: 1_000}
	got, err := AmountForWithdrawShares(bank, 999)
	if err != nil {
		t.Fatalf("amount: %v", err)
	}
	if got != 999 {
		t.Fatalf("expected truncated 999, got %d", got)
	}
	if got, _ := AmountForWithdrawShares(&Bank{}, 10); got != 0 {
		t.Fatalf("empty bank should redeem nothing, got %d", got)
	}
}

func TestApplyDepositRejectsZero(t *testing.T) {
	bank := &Bank{TotalDeposits: 10, TotalDepositShares: 5}
	pos := &AssetPosition{}
	if _, err := ApplyDeposit(bank, pos, 0); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount, got %v", err)
	}
	// 1 unit into a pool priced at 2 per share mints nothing.
	if _, err := ApplyDeposit(bank, pos, 1); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected zero-share deposit rejected, got %v", err)
	}
	if bank.TotalDeposits != 10 || bank.TotalDepositShares != 5 || !pos.IsZero() {
		t.Fatalf("rejected deposit mutated state: %+v %+v", bank, pos)
	}
}

func TestApplyDepositOverflow(t *testing.T) {
	bank := &Bank{TotalDeposits: math.MaxUint64, TotalDepositShares: math.MaxUint64}
	pos := &AssetPosition{}
	if _, err := ApplyDeposit(bank, pos, 1); !errors.Is(err, ErrArithmeticOverflow) {
		t.Fatalf("expected ErrArithmeticOverflow, got %v", err)
	}
	if bank.TotalDeposits != math.MaxUint64 || pos.DepositedAmount != 0 {
		t.Fatalf("overflowing deposit mutated state")
	}
}

func TestDepositWithdrawScenario(t *testing.T) {
	bank := &Bank{}
	first, second := &AssetPosition{}, &AssetPosition{}

	if shares, err := ApplyDeposit(bank, first, 1_000); err != nil || shares != 1_000 {
		t.Fatalf("first deposit: shares=%d err=%v", shares, err)
	}
	if bank.TotalDeposits != 1_000 || bank.TotalDepositShares != 1_000 || first.DepositedAmount != 1_000 {
		t.Fatalf("unexpected state after first deposit: %+v %+v", bank, first)
	}
	if shares, err := ApplyDeposit(bank, second, 500); err != nil || shares != 500 {
		t.Fatalf("second deposit: shares=%d err=%v", shares, err)
	}
	if bank.TotalDeposits != 1_500 || bank.TotalDepositShares != 1_500 {
		t.Fatalf("unexpected totals %d/%d", bank.TotalDeposits, bank.TotalDepositShares)
	}

	if _, err := ApplyWithdraw(bank, first, 1_001); !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}
	if bank.TotalDeposits != 1_500 || first.DepositedAmount != 1_000 || first.DepositedShares != 1_000 {
		t.Fatalf("failed withdraw mutated state")
	}

	if shares, err := ApplyWithdraw(bank, first, 1_000); err != nil || shares != 1_000 {
		t.Fatalf("withdraw: shares=%d err=%v", shares, err)
	}
	if bank.TotalDeposits != 500 || bank.TotalDepositShares != 500 {
		t.Fatalf("unexpected totals after withdraw %d/%d", bank.TotalDeposits, bank.TotalDepositShares)
	}
	if !first.IsZero() {
		t.Fatalf("expected first position emptied, got %+v", first)
	}
}

func TestApplyWithdrawRespectsLiquidity(t *testing.T) {
	bank := &Bank{TotalDeposits: 1_000, TotalDepositShares: 1_000, TotalBorrows: 700}
	pos := &AssetPosition{DepositedAmount: 1_000, DepositedShares: 1_000}
	if _, err := ApplyWithdraw(bank, pos, 301); !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("expected liquidity shortfall, got %v", err)
	}
	if _, err := ApplyWithdraw(bank, pos, 300); err != nil {
		t.Fatalf("withdraw within liquidity: %v", err)
	}
}

func TestApplyWithdrawBurnsDustOnFullExit(t *testing.T) {
	// Price 3/2: the last unit of principal needs one share but the
	// position's remaining share goes with it.
	bank := &Bank{TotalDeposits: 6, TotalDepositShares: 4}
	leaver := &AssetPosition{DepositedAmount: 1, DepositedShares: 2}
	shares, err := ApplyWithdraw(bank, leaver, 1)
	if err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	if shares != 2 || !leaver.IsZero() {
		t.Fatalf("expected all shares burned, got shares=%d pos=%+v", shares, leaver)
	}
	if bank.TotalDeposits != 5 || bank.TotalDepositShares != 2 {
		t.Fatalf("unexpected totals %d/%d", bank.TotalDeposits, bank.TotalDepositShares)
	}
}

func TestApplyWithdrawRoundsSharesUp(t *testing.T) {
	bank := &Bank{TotalDeposits: 1_500_007, TotalDepositShares: 1_000_000}
	pos := &AssetPosition{DepositedAmount: 1_500_007, DepositedShares: 1_000_000}
	shares, err := ApplyWithdraw(bank, pos, 1_734)
	if err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	// 1734 * 1e6 / 1500007 = 1155.99...
	if shares != 1_156 {
		t.Fatalf("expected 1156 shares burned, got %d", shares)
	}
	if !priceNotBelow(bank, 1_500_007, 1_000_000) {
		t.Fatalf("share price fell to %d/%d", bank.TotalDeposits, bank.TotalDepositShares)
	}
}

// priceNotBelow reports whether deposits/shares of bank is at least
// deposits/shares of the reference pair.
func priceNotBelow(bank *Bank, deposits, shares uint64) bool {
	lhs := new(big.Int).Mul(new(big.Int).SetUint64(bank.TotalDeposits), new(big.Int).SetUint64(shares))
	rhs := new(big.Int).Mul(new(big.Int).SetUint64(deposits), new(big.Int).SetUint64(bank.TotalDepositShares))
	return lhs.Cmp(rhs) >= 0
}

func TestSharePriceMonotonicAboveParity(t *testing.T) {
	bank := &Bank{}
	positions := make([]*AssetPosition, 5)
	for i := range positions {
		positions[i] = &AssetPosition{}
	}
	if _, err := ApplyDeposit(bank, positions[0], 1_000_000); err != nil {
		t.Fatalf("seed deposit: %v", err)
	}
	// Appreciate the pool so every later conversion is off parity.
	bank.TotalDeposits += 500_007

	rng := rand.New(rand.NewSource(42))
	for step := 0; step < 5_000; step++ {
		pos := positions[rng.Intn(len(positions))]
		beforeDeposits, beforeShares := bank.TotalDeposits, bank.TotalDepositShares
		if rng.Intn(2) == 0 {
			amount := uint64(rng.Intn(20_000) + 1)
			if _, err := ApplyDeposit(bank, pos, amount); err != nil {
				if errors.Is(err, ErrInvalidAmount) {
					continue
				}
				t.Fatalf("step %d deposit %d: %v", step, amount, err)
			}
		} else {
			if pos.DepositedAmount == 0 {
				continue
			}
			amount := uint64(rng.Int63n(int64(pos.DepositedAmount))) + 1
			want, err := mulDivCeil(amount, bank.TotalDepositShares, bank.TotalDeposits)
			if err != nil {
				t.Fatalf("step %d: %v", step, err)
			}
			burned, err := ApplyWithdraw(bank, pos, amount)
			if err != nil {
				t.Fatalf("step %d withdraw %d: %v", step, amount, err)
			}
			if burned < want {
				// The position held fewer shares than its principal is
				// worth; the clamp is the only allowed price loss.
				if burned != beforeShares-bank.TotalDepositShares {
					t.Fatalf("step %d: burned %d but supply moved %d", step, burned, beforeShares-bank.TotalDepositShares)
				}
				continue
			}
		}
		if bank.TotalDepositShares == 0 {
			continue
		}
		if !priceNotBelow(bank, beforeDeposits, beforeShares) {
			t.Fatalf("step %d: share price fell from %d/%d to %d/%d", step,
				beforeDeposits, beforeShares, bank.TotalDeposits, bank.TotalDepositShares)
		}

		var shares uint64
		for _, p := range positions {
			shares += p.DepositedShares
		}
		if shares != bank.TotalDepositShares {
			t.Fatalf("step %d: positions hold %d shares, bank %d", step, shares, bank.TotalDepositShares)
		}
	}
}

func TestApplyWithdrawMovesOrphanedDepositsToReserves(t *testing.T) {
	bank := &Bank{TotalDeposits: 11, TotalDepositShares: 10}
	last := &AssetPosition{DepositedAmount: 10, DepositedShares: 10}
	if _, err := ApplyWithdraw(bank, last, 10); err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	if bank.TotalDeposits != 0 || bank.TotalDepositShares != 0 || bank.Reserves != 1 {
		t.Fatalf("expected residue in reserves, got %+v", bank)
	}
	next := &AssetPosition{}
	if shares, err := ApplyDeposit(bank, next, 7); err != nil || shares != 7 {
		t.Fatalf("bootstrap after drain: shares=%d err=%v", shares, err)
	}
}

func TestBorrowRepayShares(t *testing.T) {
	bank := &Bank{TotalDeposits: 10_000, TotalDepositShares: 10_000}
	pos := &AssetPosition{}
	if shares, err := ApplyBorrow(bank, pos, 400); err != nil || shares != 400 {
		t.Fatalf("borrow: shares=%d err=%v", shares, err)
	}
	if repaid, err := ApplyRepay(bank, pos, 150); err != nil || repaid != 150 {
		t.Fatalf("repay: repaid=%d err=%v", repaid, err)
	}
	if pos.BorrowedAmount != 250 || pos.BorrowedShares != 250 || bank.TotalBorrows != 250 {
		t.Fatalf("unexpected state %+v %+v", pos, bank)
	}
	if repaid, err := ApplyRepay(bank, pos, 10_000); err != nil || repaid != 250 {
		t.Fatalf("overpay capped: repaid=%d err=%v", repaid, err)
	}
	if pos.BorrowedAmount != 0 || pos.BorrowedShares != 0 || bank.TotalBorrows != 0 || bank.TotalBorrowShares != 0 {
		t.Fatalf("debt not cleared: %+v %+v", pos, bank)
	}
	if _, err := ApplyRepay(bank, pos, 1); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount with no debt, got %v", err)
	}
}

func TestMulDivRounding(t *testing.T) {
	if got, _ := mulDivFloor(7, 3, 2); got != 10 {
		t.Fatalf("floor: %d", got)
	}
	if got, _ := mulDivCeil(7, 3, 2); got != 11 {
		t.Fatalf("ceil: %d", got)
	}
	if _, err := mulDivFloor(math.MaxUint64, math.MaxUint64, 1); !errors.Is(err, ErrArithmeticOverflow) {
		t.Fatalf("expected overflow, got %v", err)
	}
	if _, err := mulDivFloor(1, 1, 0); !errors.Is(err, ErrArithmeticOverflow) {
		t.Fatalf("expected division guard, got %v", err)
	}
	if _, err := subU64(1, 2); !errors.Is(err, ErrArithmeticOverflow) {
		t.Fatalf("expected underflow, got %v", err)
	}
}
