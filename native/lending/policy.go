package lending

import (
	"fmt"

	"github.com/holiman/uint256"
)

// BankLookup resolves the bank for an asset held in a position.
type BankLookup func(asset string) (*Bank, error)

// Health summarises a position in the common value unit. The weighted
// fields are scaled by BasisPoints and compared without division.
type Health struct {
	CollateralValue        *uint256.Int
	BorrowedValue          *uint256.Int
	WeightedBorrowLimit    *uint256.Int
	WeightedLiquidationCap *uint256.Int
}

// BorrowLimit is the total debt value the position may carry.
func (h Health) BorrowLimit() *uint256.Int {
	return new(uint256.Int).Div(h.WeightedBorrowLimit, bps)
}

// Headroom is the value that may still be borrowed, zero when at or over
// the limit.
func (h Health) Headroom() *uint256.Int {
	limit := h.BorrowLimit()
	if h.BorrowedValue.Cmp(limit) >= 0 {
		return new(uint256.Int)
	}
	return new(uint256.Int).Sub(limit, h.BorrowedValue)
}

// WithinLTV reports whether the debt fits under the max-LTV limit.
func (h Health) WithinLTV() (bool, error) {
	scaled, err := weighted(h.BorrowedValue, BasisPoints)
	if err != nil {
		return false, err
	}
	return scaled.Cmp(h.WeightedBorrowLimit) <= 0, nil
}

// Liquidatable reports borrowed/collateral >= liquidation threshold with
// positive debt.
func (h Health) Liquidatable() (bool, error) {
	if h.BorrowedValue.IsZero() {
		return false, nil
	}
	scaled, err := weighted(h.BorrowedValue, BasisPoints)
	if err != nil {
		return false, err
	}
	return scaled.Cmp(h.WeightedLiquidationCap) >= 0, nil
}

// ComputeHealth values every deposit and debt in the position. Each deposit
// contributes to the borrow limit at its own bank's max LTV and to the
// liquidation cap at its bank's liquidation threshold.
func ComputeHealth(position *UserPosition, banks BankLookup, valuer Valuer) (Health, error) {
	health := Health{
		CollateralValue:        new(uint256.Int),
		BorrowedValue:          new(uint256.Int),
		WeightedBorrowLimit:    new(uint256.Int),
		WeightedLiquidationCap: new(uint256.Int),
	}
	if position == nil {
		return health, nil
	}
	for _, entry := range position.Assets {
		if entry.DepositedAmount == 0 && entry.BorrowedAmount == 0 {
			continue
		}
		bank, err := banks(entry.Asset)
		if err != nil {
			return Health{}, err
		}
		if bank == nil {
			return Health{}, fmt.Errorf("bank %s: %w", entry.Asset, ErrNotInitialized)
		}
		if entry.DepositedAmount > 0 {
			value, err := valuer.Value(bank, entry.DepositedAmount)
			if err != nil {
				return Health{}, err
			}
			if health.CollateralValue, err = addValue(health.CollateralValue, value); err != nil {
				return Health{}, err
			}
			limit, err := weighted(value, bank.MaxLTV)
			if err != nil {
				return Health{}, err
			}
			if health.WeightedBorrowLimit, err = addValue(health.WeightedBorrowLimit, limit); err != nil {
				return Health{}, err
			}
			liqCap, err := weighted(value, bank.LiquidationThreshold)
			if err != nil {
				return Health{}, err
			}
			if health.WeightedLiquidationCap, err = addValue(health.WeightedLiquidationCap, liqCap); err != nil {
				return Health{}, err
			}
		}
		if entry.BorrowedAmount > 0 {
			value, err := valuer.Value(bank, entry.BorrowedAmount)
			if err != nil {
				return Health{}, err
			}
			if health.BorrowedValue, err = addValue(health.BorrowedValue, value); err != nil {
				return Health{}, err
			}
		}
	}
	return health, nil
}

// MaxBorrowable converts the position's remaining borrow headroom into
// units of bank's asset, rounding down. Bank liquidity is not considered.
func MaxBorrowable(bank *Bank, health Health, valuer Valuer) (uint64, error) {
	headroom := health.Headroom()
	if headroom.IsZero() {
		return 0, nil
	}
	amount, err := valuer.Amount(bank, headroom)
	if err != nil {
		return 0, err
	}
	return amount, nil
}

// LiquidationParams controls how much debt one liquidation may repay and the
// incentive paid to the liquidator.
type LiquidationParams struct {
	CloseFactorBps      uint64
	LiquidationBonusBps uint64
}

// LiquidationPlan is the outcome of a liquidation: debt repaid by the
// liquidator and collateral released to them.
type LiquidationPlan struct {
	Repay uint64
	Seize uint64
}

// PlanLiquidation sizes a liquidation. Repay is capped by the close factor
// (the whole debt when the factor rounds to zero); seized value is the
// repaid value plus the bonus, capped at the borrower's principal and the
// collateral bank's liquidity. A binding cap shrinks the repay to match.
func PlanLiquidation(params LiquidationParams, debtBank, collateralBank *Bank, debt, collateral AssetPosition, requested uint64, valuer Valuer) (LiquidationPlan, error) {
	if debt.BorrowedAmount == 0 {
		return LiquidationPlan{}, ErrNotLiquidatable
	}
	maxRepay, err := mulDivFloor(debt.BorrowedAmount, params.CloseFactorBps, BasisPoints)
	if err != nil {
		return LiquidationPlan{}, err
	}
	if maxRepay == 0 {
		maxRepay = debt.BorrowedAmount
	}
	repay := maxRepay
	if requested > 0 {
		repay = minU64(requested, maxRepay)
	}

	bonusFactor, err := addU64(BasisPoints, params.LiquidationBonusBps)
	if err != nil {
		return LiquidationPlan{}, err
	}
	repayValue, err := valuer.Value(debtBank, repay)
	if err != nil {
		return LiquidationPlan{}, err
	}
	seizeValue, err := weighted(repayValue, bonusFactor)
	if err != nil {
		return LiquidationPlan{}, err
	}
	seizeValue.Div(seizeValue, bps)
	seize, err := valuer.Amount(collateralBank, seizeValue)
	if err != nil {
		return LiquidationPlan{}, err
	}

	liquidity, err := collateralBank.Liquidity()
	if err != nil {
		return LiquidationPlan{}, err
	}
	available := minU64(collateral.DepositedAmount, minU64(liquidity, collateralBank.TotalDeposits))
	if seize > available {
		seize = available
		capValue, err := valuer.Value(collateralBank, seize)
		if err != nil {
			return LiquidationPlan{}, err
		}
		covered, err := weighted(capValue, BasisPoints)
		if err != nil {
			return LiquidationPlan{}, err
		}
		covered.Div(covered, uint256.NewInt(bonusFactor))
		coveredRepay, err := valuer.Amount(debtBank, covered)
		if err != nil {
			return LiquidationPlan{}, err
		}
		repay = minU64(repay, coveredRepay)
	}
	if repay == 0 || seize == 0 {
		return LiquidationPlan{}, fmt.Errorf("no seizable collateral: %w", ErrNotLiquidatable)
	}
	return LiquidationPlan{Repay: repay, Seize: seize}, nil
}
