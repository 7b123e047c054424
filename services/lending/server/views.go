package server

import (
	"strconv"

	"github.com/holiman/uint256"

	"lendcore/crypto"
	"lendcore/native/lending"
)

// Amounts are rendered as decimal strings so JSON clients keep full u64 and
// u256 precision.

type bankView struct {
	Asset                string `json:"asset"`
	Decimals             uint8  `json:"decimals"`
	TotalDeposits        string `json:"totalDeposits"`
	TotalDepositShares   string `json:"totalDepositShares"`
	TotalBorrows         string `json:"totalBorrows"`
	TotalBorrowShares    string `json:"totalBorrowShares"`
	Reserves             string `json:"reserves"`
	Liquidity            string `json:"liquidity"`
	MaxLTV               uint64 `json:"maxLtvBps"`
	LiquidationThreshold uint64 `json:"liquidationThresholdBps"`
	Treasury             string `json:"treasury"`
}

type assetPositionView struct {
	Asset           string `json:"asset"`
	DepositedAmount string `json:"depositedAmount"`
	DepositedShares string `json:"depositedShares"`
	BorrowedAmount  string `json:"borrowedAmount"`
	BorrowedShares  string `json:"borrowedShares"`
}

type positionView struct {
	Owner           string              `json:"owner"`
	CollateralAsset string              `json:"collateralAsset"`
	Assets          []assetPositionView `json:"assets"`
}

type healthView struct {
	Owner           string            `json:"owner"`
	CollateralValue string            `json:"collateralValue"`
	BorrowedValue   string            `json:"borrowedValue"`
	BorrowLimit     string            `json:"borrowLimit"`
	Liquidatable    bool              `json:"liquidatable"`
	MaxBorrowable   map[string]string `json:"maxBorrowable"`
}

type operationView struct {
	Action string `json:"action"`
	User   string `json:"user"`
	Asset  string `json:"asset,omitempty"`
	Amount string `json:"amount,omitempty"`
	Shares string `json:"shares,omitempty"`
	Repaid string `json:"repaid,omitempty"`
	Nonce  string `json:"nonce"`
}

type liquidationView struct {
	Liquidator      string `json:"liquidator"`
	Borrower        string `json:"borrower"`
	DebtAsset       string `json:"debtAsset"`
	CollateralAsset string `json:"collateralAsset"`
	Repaid          string `json:"repaid"`
	Seized          string `json:"seized"`
	Nonce           string `json:"nonce"`
}

type balanceView struct {
	Account string `json:"account"`
	Asset   string `json:"asset"`
	Balance string `json:"balance"`
}

type nonceView struct {
	Account string `json:"account"`
	Nonce   string `json:"nonce"`
}

func toBankView(bank *lending.Bank) bankView {
	liquidity, _ := bank.Liquidity()
	return bankView{
		Asset:                bank.Asset,
		Decimals:             bank.Decimals,
		TotalDeposits:        formatUint(bank.TotalDeposits),
		TotalDepositShares:   formatUint(bank.TotalDepositShares),
		TotalBorrows:         formatUint(bank.TotalBorrows),
		TotalBorrowShares:    formatUint(bank.TotalBorrowShares),
		Reserves:             formatUint(bank.Reserves),
		Liquidity:            formatUint(liquidity),
		MaxLTV:               bank.MaxLTV,
		LiquidationThreshold: bank.LiquidationThreshold,
		Treasury:             crypto.MustNewAddress(crypto.ProgramPrefix, bank.Treasury[:]).String(),
	}
}

func toPositionView(position *lending.UserPosition) positionView {
	view := positionView{
		Owner:           crypto.MustNewAddress(crypto.AccountPrefix, position.Owner[:]).String(),
		CollateralAsset: position.CollateralAsset,
		Assets:          make([]assetPositionView, 0, len(position.Assets)),
	}
	for _, entry := range position.Assets {
		view.Assets = append(view.Assets, assetPositionView{
			Asset:           entry.Asset,
			DepositedAmount: formatUint(entry.DepositedAmount),
			DepositedShares: formatUint(entry.DepositedShares),
			BorrowedAmount:  formatUint(entry.BorrowedAmount),
			BorrowedShares:  formatUint(entry.BorrowedShares),
		})
	}
	return view
}

func toHealthView(owner crypto.Address, health *lending.PositionHealth) healthView {
	view := healthView{
		Owner:           owner.String(),
		CollateralValue: formatU256(health.CollateralValue),
		BorrowedValue:   formatU256(health.BorrowedValue),
		BorrowLimit:     formatU256(health.BorrowLimit()),
		Liquidatable:    health.CanLiquidate,
		MaxBorrowable:   make(map[string]string, len(health.MaxBorrowable)),
	}
	for asset, amount := range health.MaxBorrowable {
		view.MaxBorrowable[asset] = formatUint(amount)
	}
	return view
}

func formatUint(v uint64) string { return strconv.FormatUint(v, 10) }

func formatU256(v *uint256.Int) string {
	if v == nil {
		return "0"
	}
	return v.ToBig().String()
}
