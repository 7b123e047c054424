package lending

import (
	"sort"
	"strings"
)

// BasisPoints is the fixed-point denominator for every ratio in the module.
const BasisPoints uint64 = 10_000

// MaxAssetDecimals bounds the decimals an asset may declare.
const MaxAssetDecimals = 18

// NormalizeAsset canonicalises an asset identifier.
func NormalizeAsset(asset string) string {
	return strings.ToUpper(strings.TrimSpace(asset))
}

// Bank is the pool ledger for a single asset. Deposits are claimed through
// shares; borrows are tracked the same way against the borrow side.
type Bank struct {
	Asset                string
	Decimals             uint8
	TotalDeposits        uint64
	TotalDepositShares   uint64
	TotalBorrows         uint64
	TotalBorrowShares    uint64
	Reserves             uint64
	MaxLTV               uint64
	LiquidationThreshold uint64
	Treasury             [20]byte
	TreasuryBump         uint8
}

// Clone returns a copy of the bank.
func (b *Bank) Clone() *Bank {
	if b == nil {
		return nil
	}
	clone := *b
	return &clone
}

// Liquidity is the amount the treasury can release: deposits and reserves
// not currently lent out.
func (b *Bank) Liquidity() (uint64, error) {
	held, err := addU64(b.TotalDeposits, b.Reserves)
	if err != nil {
		return 0, err
	}
	if b.TotalBorrows > held {
		return 0, nil
	}
	return held - b.TotalBorrows, nil
}

// AssetPosition is a user's claim on, and debt to, a single bank.
type AssetPosition struct {
	Asset           string
	DepositedAmount uint64
	DepositedShares uint64
	BorrowedAmount  uint64
	BorrowedShares  uint64
}

// IsZero reports whether the position holds neither deposits nor debt.
func (p *AssetPosition) IsZero() bool {
	return p.DepositedAmount == 0 && p.DepositedShares == 0 && p.BorrowedAmount == 0 && p.BorrowedShares == 0
}

// UserPosition aggregates a wallet's per-asset positions. Assets are kept
// sorted so encoded records are deterministic.
type UserPosition struct {
	Owner           [20]byte
	CollateralAsset string
	Assets          []AssetPosition
}

// Clone returns a deep copy of the position.
func (p *UserPosition) Clone() *UserPosition {
	if p == nil {
		return nil
	}
	clone := *p
	clone.Assets = append([]AssetPosition(nil), p.Assets...)
	return &clone
}

// Asset returns the entry for asset, or a zero entry when the user has not
// interacted with that bank.
func (p *UserPosition) Asset(asset string) AssetPosition {
	normalized := NormalizeAsset(asset)
	for _, entry := range p.Assets {
		if entry.Asset == normalized {
			return entry
		}
	}
	return AssetPosition{Asset: normalized}
}

// SetAsset replaces the entry for entry.Asset, inserting it in order.
func (p *UserPosition) SetAsset(entry AssetPosition) {
	entry.Asset = NormalizeAsset(entry.Asset)
	idx := sort.Search(len(p.Assets), func(i int) bool { return p.Assets[i].Asset >= entry.Asset })
	if idx < len(p.Assets) && p.Assets[idx].Asset == entry.Asset {
		p.Assets[idx] = entry
		return
	}
	p.Assets = append(p.Assets, AssetPosition{})
	copy(p.Assets[idx+1:], p.Assets[idx:])
	p.Assets[idx] = entry
}

// HasDebt reports whether any borrow is outstanding.
func (p *UserPosition) HasDebt() bool {
	for _, entry := range p.Assets {
		if entry.BorrowedAmount > 0 {
			return true
		}
	}
	return false
}
