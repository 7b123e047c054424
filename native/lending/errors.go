package lending

import "errors"

var (
	// ErrInsufficientFunds is returned when a withdraw or borrow exceeds the
	// caller's entitlement or the bank's liquidity.
	ErrInsufficientFunds = errors.New("lending: insufficient funds")
	// ErrExceedsMaxLTV is returned when a borrow or collateral withdrawal
	// would push the position past its loan-to-value limit.
	ErrExceedsMaxLTV = errors.New("lending: exceeds max ltv")
	// ErrNotLiquidatable is returned when liquidation targets a healthy position.
	ErrNotLiquidatable = errors.New("lending: position not liquidatable")
	// ErrAlreadyInitialized is returned when a bank or user is created twice.
	ErrAlreadyInitialized = errors.New("lending: already initialized")
	// ErrNotInitialized is returned when a bank or user does not exist yet.
	ErrNotInitialized = errors.New("lending: not initialized")
	// ErrArithmeticOverflow is returned instead of wrapping an unsigned value.
	ErrArithmeticOverflow = errors.New("lending: arithmetic overflow")
	// ErrTransferFailed wraps any failure reported by the transfer collaborator.
	ErrTransferFailed = errors.New("lending: transfer failed")
	// ErrInvalidAmount is returned for zero amounts and deposits that would
	// mint no shares.
	ErrInvalidAmount = errors.New("lending: invalid amount")
	// ErrInvalidParameters is returned for out-of-range risk parameters.
	ErrInvalidParameters = errors.New("lending: invalid risk parameters")
	// ErrUnknownAsset is returned when an asset is missing from the registry.
	ErrUnknownAsset = errors.New("lending: unknown asset")
	// ErrUnauthorized is returned when a capability does not match the account
	// it is presented for.
	ErrUnauthorized = errors.New("lending: unauthorized")
)
