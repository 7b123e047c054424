package lending

// SharesForDeposit converts a deposit amount into bank shares. An empty
// bank mints 1:1; otherwise shares are pro-rata and truncated so the pool,
// not the depositor, keeps the remainder.
func SharesForDeposit(bank *Bank, amount uint64) (uint64, error) {
	if bank.TotalDepositShares == 0 {
		return amount, nil
	}
	return mulDivFloor(amount, bank.TotalDepositShares, bank.TotalDeposits)
}

// AmountForWithdrawShares converts shares back into an amount, truncating.
func AmountForWithdrawShares(bank *Bank, shares uint64) (uint64, error) {
	if bank.TotalDepositShares == 0 {
		return 0, nil
	}
	return mulDivFloor(shares, bank.TotalDeposits, bank.TotalDepositShares)
}

// ApplyDeposit credits amount to the bank and the position and returns the
// shares minted. Nothing is mutated on error.
func ApplyDeposit(bank *Bank, pos *AssetPosition, amount uint64) (uint64, error) {
	if amount == 0 {
		return 0, ErrInvalidAmount
	}
	shares, err := SharesForDeposit(bank, amount)
	if err != nil {
		return 0, err
	}
	if shares == 0 {
		return 0, ErrInvalidAmount
	}
	totalDeposits, err := addU64(bank.TotalDeposits, amount)
	if err != nil {
		return 0, err
	}
	totalShares, err := addU64(bank.TotalDepositShares, shares)
	if err != nil {
		return 0, err
	}
	deposited, err := addU64(pos.DepositedAmount, amount)
	if err != nil {
		return 0, err
	}
	posShares, err := addU64(pos.DepositedShares, shares)
	if err != nil {
		return 0, err
	}
	bank.TotalDeposits, bank.TotalDepositShares = totalDeposits, totalShares
	pos.DepositedAmount, pos.DepositedShares = deposited, posShares
	return shares, nil
}

// ApplyWithdraw debits amount of principal from the position and the bank
// and returns the shares burned.
//
// Principal is authoritative: amount must not exceed DepositedAmount. The
// shares burned follow the bank's aggregate ratio, rounded up so the share
// price cannot fall, and never exceed what the position holds. A position whose principal reaches zero
// burns all of its shares, and one whose shares reach zero forfeits any
// remaining principal to the pool. Residual deposits left without shares
// move to reserves.
func ApplyWithdraw(bank *Bank, pos *AssetPosition, amount uint64) (uint64, error) {
	if amount == 0 {
		return 0, ErrInvalidAmount
	}
	if amount > pos.DepositedAmount || amount > bank.TotalDeposits {
		return 0, ErrInsufficientFunds
	}
	liquidity, err := bank.Liquidity()
	if err != nil {
		return 0, err
	}
	if amount > liquidity {
		return 0, ErrInsufficientFunds
	}
	return removeDeposit(bank, pos, amount)
}

func removeDeposit(bank *Bank, pos *AssetPosition, amount uint64) (uint64, error) {
	shares, err := mulDivCeil(amount, bank.TotalDepositShares, bank.TotalDeposits)
	if err != nil {
		return 0, err
	}
	deposited, err := subU64(pos.DepositedAmount, amount)
	if err != nil {
		return 0, err
	}
	if shares > pos.DepositedShares || deposited == 0 {
		shares = pos.DepositedShares
	}
	posShares, err := subU64(pos.DepositedShares, shares)
	if err != nil {
		return 0, err
	}
	if posShares == 0 {
		deposited = 0
	}
	totalDeposits, err := subU64(bank.TotalDeposits, amount)
	if err != nil {
		return 0, err
	}
	totalShares, err := subU64(bank.TotalDepositShares, shares)
	if err != nil {
		return 0, err
	}
	reserves := bank.Reserves
	if totalShares == 0 && totalDeposits > 0 {
		if reserves, err = addU64(reserves, totalDeposits); err != nil {
			return 0, err
		}
		totalDeposits = 0
	}
	bank.TotalDeposits, bank.TotalDepositShares, bank.Reserves = totalDeposits, totalShares, reserves
	pos.DepositedAmount, pos.DepositedShares = deposited, posShares
	return shares, nil
}

// ApplyBorrow records new debt. Borrow shares round up so the pool never
// under-counts what it is owed.
func ApplyBorrow(bank *Bank, pos *AssetPosition, amount uint64) (uint64, error) {
	if amount == 0 {
		return 0, ErrInvalidAmount
	}
	var shares uint64
	switch {
	case bank.TotalBorrowShares == 0:
		shares = amount
	case bank.TotalBorrows == 0:
		return 0, ErrArithmeticOverflow
	default:
		var err error
		if shares, err = mulDivCeil(amount, bank.TotalBorrowShares, bank.TotalBorrows); err != nil {
			return 0, err
		}
	}
	totalBorrows, err := addU64(bank.TotalBorrows, amount)
	if err != nil {
		return 0, err
	}
	totalShares, err := addU64(bank.TotalBorrowShares, shares)
	if err != nil {
		return 0, err
	}
	borrowed, err := addU64(pos.BorrowedAmount, amount)
	if err != nil {
		return 0, err
	}
	posShares, err := addU64(pos.BorrowedShares, shares)
	if err != nil {
		return 0, err
	}
	bank.TotalBorrows, bank.TotalBorrowShares = totalBorrows, totalShares
	pos.BorrowedAmount, pos.BorrowedShares = borrowed, posShares
	return shares, nil
}

// ApplyRepay clears up to amount of debt and returns the amount actually
// repaid. Clearing the debt burns every remaining borrow share.
func ApplyRepay(bank *Bank, pos *AssetPosition, amount uint64) (uint64, error) {
	if amount == 0 || pos.BorrowedAmount == 0 {
		return 0, ErrInvalidAmount
	}
	repay := minU64(amount, pos.BorrowedAmount)
	shares, err := mulDivFloor(repay, bank.TotalBorrowShares, bank.TotalBorrows)
	if err != nil {
		return 0, err
	}
	borrowed, err := subU64(pos.BorrowedAmount, repay)
	if err != nil {
		return 0, err
	}
	if shares > pos.BorrowedShares || borrowed == 0 {
		shares = pos.BorrowedShares
	}
	posShares, err := subU64(pos.BorrowedShares, shares)
	if err != nil {
		return 0, err
	}
	totalBorrows, err := subU64(bank.TotalBorrows, repay)
	if err != nil {
		return 0, err
	}
	totalShares, err := subU64(bank.TotalBorrowShares, shares)
	if err != nil {
		return 0, err
	}
	bank.TotalBorrows, bank.TotalBorrowShares = totalBorrows, totalShares
	pos.BorrowedAmount, pos.BorrowedShares = borrowed, posShares
	return repay, nil
}
