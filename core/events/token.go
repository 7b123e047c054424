package events

import "lendcore/core/types"

const (
	// TypeTokenTransfer is emitted for every ledger balance movement.
	TypeTokenTransfer = "token.transfer"
	// TypeTokenMint is emitted when new units are credited to an account.
	TypeTokenMint = "token.mint"
)

// TokenTransfer records a checked transfer between two accounts.
type TokenTransfer struct {
	Asset  string
	From   string
	To     string
	Amount uint64
	Role   string
}

func (TokenTransfer) EventType() string { return TypeTokenTransfer }

func (e TokenTransfer) Event() *types.Event {
	attrs := map[string]string{
		"asset":  normalizeAsset(e.Asset),
		"from":   e.From,
		"to":     e.To,
		"amount": formatUint(e.Amount),
	}
	if e.Role != "" {
		attrs["authority"] = e.Role
	}
	return &types.Event{Type: TypeTokenTransfer, Attributes: attrs}
}

// TokenMint records newly minted units.
type TokenMint struct {
	Asset  string
	To     string
	Amount uint64
	Supply uint64
}

func (TokenMint) EventType() string { return TypeTokenMint }

func (e TokenMint) Event() *types.Event {
	return &types.Event{Type: TypeTokenMint, Attributes: map[string]string{
		"asset":  normalizeAsset(e.Asset),
		"to":     e.To,
		"amount": formatUint(e.Amount),
		"supply": formatUint(e.Supply),
	}}
}
