package events

import "lendcore/core/types"

const (
	// TypeLendingBankInitialized is emitted when a bank is created.
	TypeLendingBankInitialized = "lending.bank.initialized"
	// TypeLendingUserInitialized is emitted when a user position is created.
	TypeLendingUserInitialized = "lending.user.initialized"
	// TypeLendingDeposit is emitted after a deposit mints shares.
	TypeLendingDeposit = "lending.deposit"
	// TypeLendingWithdraw is emitted after a withdrawal burns shares.
	TypeLendingWithdraw = "lending.withdraw"
	// TypeLendingBorrow is emitted after new debt is recorded.
	TypeLendingBorrow = "lending.borrow"
	// TypeLendingRepay is emitted after debt is repaid.
	TypeLendingRepay = "lending.repay"
	// TypeLendingLiquidation is emitted after a liquidation settles.
	TypeLendingLiquidation = "lending.liquidation"
)

// LendingBankInitialized records the creation of a bank.
type LendingBankInitialized struct {
	Asset                string
	MaxLTV               uint64
	LiquidationThreshold uint64
	Treasury             [20]byte
}

func (LendingBankInitialized) EventType() string { return TypeLendingBankInitialized }

func (e LendingBankInitialized) Event() *types.Event {
	return &types.Event{Type: TypeLendingBankInitialized, Attributes: map[string]string{
		"asset":                normalizeAsset(e.Asset),
		"maxLtv":               formatUint(e.MaxLTV),
		"liquidationThreshold": formatUint(e.LiquidationThreshold),
		"treasury":             formatProgram(e.Treasury),
	}}
}

// LendingUserInitialized records the creation of a user position.
type LendingUserInitialized struct {
	Owner           [20]byte
	CollateralAsset string
}

func (LendingUserInitialized) EventType() string { return TypeLendingUserInitialized }

func (e LendingUserInitialized) Event() *types.Event {
	return &types.Event{Type: TypeLendingUserInitialized, Attributes: map[string]string{
		"owner":           formatAccount(e.Owner),
		"collateralAsset": normalizeAsset(e.CollateralAsset),
	}}
}

// LendingPositionChanged records a deposit, withdrawal, borrow or repay
// together with the bank totals after the change.
type LendingPositionChanged struct {
	Kind               string
	Owner              [20]byte
	Asset              string
	Amount             uint64
	Shares             uint64
	TotalDeposits      uint64
	TotalDepositShares uint64
	TotalBorrows       uint64
}

func (e LendingPositionChanged) EventType() string { return e.Kind }

func (e LendingPositionChanged) Event() *types.Event {
	return &types.Event{Type: e.Kind, Attributes: map[string]string{
		"owner":              formatAccount(e.Owner),
		"asset":              normalizeAsset(e.Asset),
		"amount":             formatUint(e.Amount),
		"shares":             formatUint(e.Shares),
		"totalDeposits":      formatUint(e.TotalDeposits),
		"totalDepositShares": formatUint(e.TotalDepositShares),
		"totalBorrows":       formatUint(e.TotalBorrows),
	}}
}

// LendingLiquidation records a settled liquidation.
type LendingLiquidation struct {
	Liquidator      [20]byte
	Borrower        [20]byte
	DebtAsset       string
	CollateralAsset string
	Repaid          uint64
	Seized          uint64
}

func (LendingLiquidation) EventType() string { return TypeLendingLiquidation }

func (e LendingLiquidation) Event() *types.Event {
	return &types.Event{Type: TypeLendingLiquidation, Attributes: map[string]string{
		"liquidator":      formatAccount(e.Liquidator),
		"borrower":        formatAccount(e.Borrower),
		"debtAsset":       normalizeAsset(e.DebtAsset),
		"collateralAsset": normalizeAsset(e.CollateralAsset),
		"repaid":          formatUint(e.Repaid),
		"seized":          formatUint(e.Seized),
	}}
}

// Typed is implemented by events that render a structured payload.
type Typed interface {
	Event
	Event() *types.Event
}
