package token

import (
	"errors"
	"fmt"
	"math/bits"

	"lendcore/core/events"
	lendstate "lendcore/core/state"
	"lendcore/crypto"
	"lendcore/native/lending"
)

var (
	// ErrDecimalsMismatch is returned when a transfer names the wrong scale.
	ErrDecimalsMismatch = errors.New("token: decimals mismatch")
	// ErrInsufficientBalance is returned when the source cannot cover a debit.
	ErrInsufficientBalance = errors.New("token: insufficient balance")
	// ErrZeroAmount is returned for zero-value transfers and mints.
	ErrZeroAmount = errors.New("token: amount must be positive")
)

type ledgerState interface {
	RegisterToken(symbol string, decimals uint8) error
	Token(symbol string) (*lendstate.TokenMetadata, error)
	AdjustSupply(symbol string, minted uint64) (uint64, error)
	Balance(addr []byte, symbol string) (uint64, error)
	SetBalance(addr []byte, symbol string, amount uint64) error
}

// AuthorityVerifier checks that a capability may debit a source account.
type AuthorityVerifier interface {
	Verify(auth lending.Authority, asset string, source crypto.Address) error
}

// Ledger is the custodial token ledger behind every lending transfer.
type Ledger struct {
	state    ledgerState
	verifier AuthorityVerifier
	emitter  events.Emitter
}

// NewLedger binds a ledger to state and the authority verifier.
func NewLedger(state ledgerState, verifier AuthorityVerifier) *Ledger {
	return &Ledger{state: state, verifier: verifier, emitter: events.NoopEmitter{}}
}

// SetEmitter configures where transfer events are published.
func (l *Ledger) SetEmitter(emitter events.Emitter) {
	if l == nil {
		return
	}
	if emitter == nil {
		emitter = events.NoopEmitter{}
	}
	l.emitter = emitter
}

// Register adds an asset to the registry.
func (l *Ledger) Register(symbol string, decimals uint8) error {
	if decimals > lending.MaxAssetDecimals {
		return fmt.Errorf("token: decimals must not exceed %d", lending.MaxAssetDecimals)
	}
	return l.state.RegisterToken(symbol, decimals)
}

// Mint credits newly issued units to an account.
func (l *Ledger) Mint(to crypto.Address, symbol string, amount uint64) error {
	if amount == 0 {
		return ErrZeroAmount
	}
	meta, err := l.token(symbol)
	if err != nil {
		return err
	}
	if err := l.credit(to, meta.Symbol, amount); err != nil {
		return err
	}
	supply, err := l.state.AdjustSupply(meta.Symbol, amount)
	if err != nil {
		return err
	}
	l.emitter.Emit(events.TokenMint{Asset: meta.Symbol, To: to.String(), Amount: amount, Supply: supply})
	return nil
}

// BalanceOf returns the balance of an account.
func (l *Ledger) BalanceOf(addr crypto.Address, symbol string) (uint64, error) {
	return l.state.Balance(addr.Bytes(), symbol)
}

// TransferChecked moves exactly req.Amount from source to destination after
// verifying the capability and the declared decimals. Every failure is
// reported as lending.ErrTransferFailed.
func (l *Ledger) TransferChecked(req lending.TransferRequest) error {
	if err := l.transfer(req); err != nil {
		return fmt.Errorf("%w: %w", lending.ErrTransferFailed, err)
	}
	l.emitter.Emit(events.TokenTransfer{
		Asset:  req.Asset,
		From:   req.Source.String(),
		To:     req.Destination.String(),
		Amount: req.Amount,
		Role:   string(req.Authority.Role),
	})
	return nil
}

func (l *Ledger) transfer(req lending.TransferRequest) error {
	if req.Amount == 0 {
		return ErrZeroAmount
	}
	meta, err := l.token(req.Asset)
	if err != nil {
		return err
	}
	if meta.Decimals != req.Decimals {
		return fmt.Errorf("%s uses %d decimals, request declared %d: %w", meta.Symbol, meta.Decimals, req.Decimals, ErrDecimalsMismatch)
	}
	if l.verifier == nil {
		return errors.New("token: authority verifier not configured")
	}
	if err := l.verifier.Verify(req.Authority, meta.Symbol, req.Source); err != nil {
		return err
	}
	if req.Source.Equal(req.Destination) {
		return nil
	}
	balance, err := l.state.Balance(req.Source.Bytes(), meta.Symbol)
	if err != nil {
		return err
	}
	if balance < req.Amount {
		return fmt.Errorf("%s holds %d, needs %d: %w", req.Source, balance, req.Amount, ErrInsufficientBalance)
	}
	if err := l.credit(req.Destination, meta.Symbol, req.Amount); err != nil {
		return err
	}
	return l.state.SetBalance(req.Source.Bytes(), meta.Symbol, balance-req.Amount)
}

func (l *Ledger) credit(to crypto.Address, symbol string, amount uint64) error {
	current, err := l.state.Balance(to.Bytes(), symbol)
	if err != nil {
		return err
	}
	next, carry := bits.Add64(current, amount, 0)
	if carry != 0 {
		return lendstate.ErrBalanceOverflow
	}
	return l.state.SetBalance(to.Bytes(), symbol, next)
}

func (l *Ledger) token(symbol string) (*lendstate.TokenMetadata, error) {
	meta, err := l.state.Token(symbol)
	if err != nil {
		return nil, err
	}
	if meta == nil {
		return nil, fmt.Errorf("token %s: %w", lending.NormalizeAsset(symbol), lending.ErrUnknownAsset)
	}
	return meta, nil
}
