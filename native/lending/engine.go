package lending

import (
	"errors"
	"fmt"

	"github.com/holiman/uint256"

	"lendcore/core/events"
	"lendcore/crypto"
	nativecommon "lendcore/native/common"
)

var (
	errNilState      = errors.New("lending engine: state not configured")
	errNilTransfers  = errors.New("lending engine: transfer collaborator not configured")
	errSelfLiquidate = errors.New("lending engine: liquidator and borrower must differ")
)

const moduleName = "lending"

// ModuleName is the pause key consulted by every mutating operation.
const ModuleName = moduleName

type engineState interface {
	LendingBank(asset string) (*Bank, error)
	PutLendingBank(bank *Bank) error
	LendingBanks() ([]string, error)
	LendingPosition(owner [20]byte) (*UserPosition, error)
	PutLendingPosition(position *UserPosition) error
	AssetDecimals(asset string) (uint8, bool, error)
}

// TransferRequest describes one token movement decided by the engine.
type TransferRequest struct {
	Asset       string
	Source      crypto.Address
	Destination crypto.Address
	Authority   Authority
	Amount      uint64
	Decimals    uint8
}

// Transferer moves tokens between accounts and fails the whole operation if
// it cannot move exactly the requested amount.
type Transferer interface {
	TransferChecked(req TransferRequest) error
}

// LiquidationRequest selects what a liquidator repays and seizes. Empty
// assets are chosen from the borrower's position; a zero amount repays the
// maximum the close factor allows.
type LiquidationRequest struct {
	DebtAsset       string
	CollateralAsset string
	Amount          uint64
}

// LiquidationResult reports a settled liquidation.
type LiquidationResult struct {
	DebtAsset       string
	CollateralAsset string
	Repaid          uint64
	Seized          uint64
}

// PositionHealth is the read-only risk view of a position.
type PositionHealth struct {
	Health
	CanLiquidate  bool
	MaxBorrowable map[string]uint64
}

// Engine orchestrates the state transitions for the lending module. Every
// operation validates fully before it writes; callers run each call against
// a staged state and commit it only when the call returns nil.
type Engine struct {
	state     engineState
	transfers Transferer
	deriver   *AuthorityDeriver
	params    LiquidationParams
	valuer    Valuer
	pauses    nativecommon.PauseView
	emitter   events.Emitter
}

// NewEngine constructs a lending engine that derives treasuries with deriver.
func NewEngine(deriver *AuthorityDeriver, params LiquidationParams) *Engine {
	return &Engine{
		deriver: deriver,
		params:  params,
		valuer:  ParValuer(),
		emitter: events.NoopEmitter{},
	}
}

// SetState wires the engine to the external persistence layer.
func (e *Engine) SetState(state engineState) { e.state = state }

// SetTransfers wires the asset transfer collaborator.
func (e *Engine) SetTransfers(t Transferer) {
	if e == nil {
		return
	}
	e.transfers = t
}

// SetPauses wires the module pause view consulted by mutating operations.
func (e *Engine) SetPauses(p nativecommon.PauseView) {
	if e == nil {
		return
	}
	e.pauses = p
}

// SetValuer replaces the par valuer.
func (e *Engine) SetValuer(v Valuer) {
	if e == nil || v == nil {
		return
	}
	e.valuer = v
}

// SetEmitter configures where lending events are published.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	if e == nil {
		return
	}
	if emitter == nil {
		emitter = events.NoopEmitter{}
	}
	e.emitter = emitter
}

// Params returns the liquidation parameters.
func (e *Engine) Params() LiquidationParams { return e.params }

func (e *Engine) ready() error {
	if e.state == nil {
		return errNilState
	}
	return nil
}

func (e *Engine) mutable() error {
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return err
	}
	if err := e.ready(); err != nil {
		return err
	}
	if e.transfers == nil {
		return errNilTransfers
	}
	return nil
}

// InitializeBank creates the pool for asset with zeroed totals.
func (e *Engine) InitializeBank(asset string, maxLTV, liquidationThreshold uint64) (*Bank, error) {
	if err := e.mutable(); err != nil {
		return nil, err
	}
	normalized := NormalizeAsset(asset)
	if normalized == "" {
		return nil, ErrUnknownAsset
	}
	if err := ValidateRisk(maxLTV, liquidationThreshold); err != nil {
		return nil, err
	}
	decimals, ok, err := e.state.AssetDecimals(normalized)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("asset %s: %w", normalized, ErrUnknownAsset)
	}
	existing, err := e.state.LendingBank(normalized)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, fmt.Errorf("bank %s: %w", normalized, ErrAlreadyInitialized)
	}
	treasury, err := e.deriver.Treasury(normalized)
	if err != nil {
		return nil, err
	}
	bank := &Bank{
		Asset:                normalized,
		Decimals:             decimals,
		MaxLTV:               maxLTV,
		LiquidationThreshold: liquidationThreshold,
		Treasury:             treasury.Account.Array(),
		TreasuryBump:         treasury.Bump,
	}
	if err := e.state.PutLendingBank(bank); err != nil {
		return nil, err
	}
	e.emitter.Emit(events.LendingBankInitialized{
		Asset:                normalized,
		MaxLTV:               maxLTV,
		LiquidationThreshold: liquidationThreshold,
		Treasury:             bank.Treasury,
	})
	return bank.Clone(), nil
}

// InitializeUser creates an empty position whose primary collateral is
// held in the bank for collateralAsset.
func (e *Engine) InitializeUser(owner crypto.Address, collateralAsset string) (*UserPosition, error) {
	if err := e.mutable(); err != nil {
		return nil, err
	}
	bank, err := e.requireBank(collateralAsset)
	if err != nil {
		return nil, err
	}
	existing, err := e.state.LendingPosition(owner.Array())
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, fmt.Errorf("user %s: %w", owner, ErrAlreadyInitialized)
	}
	position := &UserPosition{Owner: owner.Array(), CollateralAsset: bank.Asset}
	if err := e.state.PutLendingPosition(position); err != nil {
		return nil, err
	}
	e.emitter.Emit(events.LendingUserInitialized{Owner: position.Owner, CollateralAsset: bank.Asset})
	return position.Clone(), nil
}

// Deposit moves amount from the owner into the bank treasury and credits
// the resulting shares. It returns the shares minted.
func (e *Engine) Deposit(owner crypto.Address, asset string, amount uint64) (uint64, error) {
	if err := e.mutable(); err != nil {
		return 0, err
	}
	if amount == 0 {
		return 0, ErrInvalidAmount
	}
	bank, position, err := e.load(owner, asset)
	if err != nil {
		return 0, err
	}
	entry := position.Asset(bank.Asset)
	shares, err := ApplyDeposit(bank, &entry, amount)
	if err != nil {
		return 0, err
	}
	position.SetAsset(entry)
	if err := e.transfer(bank, owner, e.treasuryAccount(bank), e.deriver.Owner(bank.Asset, owner), amount); err != nil {
		return 0, err
	}
	if err := e.persist(position, bank); err != nil {
		return 0, err
	}
	e.emitChange(events.TypeLendingDeposit, owner, bank, amount, shares)
	return shares, nil
}

// Withdraw releases amount of the owner's principal from the treasury and
// returns the shares burned. A position with debt must stay within max LTV.
func (e *Engine) Withdraw(owner crypto.Address, asset string, amount uint64) (uint64, error) {
	if err := e.mutable(); err != nil {
		return 0, err
	}
	if amount == 0 {
		return 0, ErrInvalidAmount
	}
	bank, position, err := e.load(owner, asset)
	if err != nil {
		return 0, err
	}
	entry := position.Asset(bank.Asset)
	shares, err := ApplyWithdraw(bank, &entry, amount)
	if err != nil {
		return 0, err
	}
	position.SetAsset(entry)
	if position.HasDebt() {
		health, err := ComputeHealth(position, e.lookupWith(bank), e.valuer)
		if err != nil {
			return 0, err
		}
		ok, err := health.WithinLTV()
		if err != nil {
			return 0, err
		}
		if !ok {
			return 0, ErrExceedsMaxLTV
		}
	}
	authority, err := e.treasuryAuthority(bank)
	if err != nil {
		return 0, err
	}
	if err := e.transfer(bank, authority.Account, owner, authority, amount); err != nil {
		return 0, err
	}
	if err := e.persist(position, bank); err != nil {
		return 0, err
	}
	e.emitChange(events.TypeLendingWithdraw, owner, bank, amount, shares)
	return shares, nil
}

// MaxBorrowable reports how much of asset the owner may still borrow under
// max LTV.
func (e *Engine) MaxBorrowable(owner crypto.Address, asset string) (uint64, error) {
	if err := e.ready(); err != nil {
		return 0, err
	}
	bank, position, err := e.load(owner, asset)
	if err != nil {
		return 0, err
	}
	health, err := ComputeHealth(position, e.lookupWith(bank), e.valuer)
	if err != nil {
		return 0, err
	}
	return MaxBorrowable(bank, health, e.valuer)
}

// Borrow records new debt against the owner's collateral and releases the
// funds from the treasury. It returns the borrow shares minted.
func (e *Engine) Borrow(owner crypto.Address, asset string, amount uint64) (uint64, error) {
	if err := e.mutable(); err != nil {
		return 0, err
	}
	if amount == 0 {
		return 0, ErrInvalidAmount
	}
	bank, position, err := e.load(owner, asset)
	if err != nil {
		return 0, err
	}
	health, err := ComputeHealth(position, e.lookupWith(bank), e.valuer)
	if err != nil {
		return 0, err
	}
	limit, err := MaxBorrowable(bank, health, e.valuer)
	if err != nil {
		return 0, err
	}
	if amount > limit {
		return 0, ErrExceedsMaxLTV
	}
	liquidity, err := bank.Liquidity()
	if err != nil {
		return 0, err
	}
	if amount > liquidity {
		return 0, ErrInsufficientFunds
	}
	entry := position.Asset(bank.Asset)
	shares, err := ApplyBorrow(bank, &entry, amount)
	if err != nil {
		return 0, err
	}
	position.SetAsset(entry)
	authority, err := e.treasuryAuthority(bank)
	if err != nil {
		return 0, err
	}
	if err := e.transfer(bank, authority.Account, owner, authority, amount); err != nil {
		return 0, err
	}
	if err := e.persist(position, bank); err != nil {
		return 0, err
	}
	e.emitChange(events.TypeLendingBorrow, owner, bank, amount, shares)
	return shares, nil
}

// Repay pays down up to amount of the owner's debt in asset and returns the
// amount actually repaid.
func (e *Engine) Repay(owner crypto.Address, asset string, amount uint64) (uint64, error) {
	if err := e.mutable(); err != nil {
		return 0, err
	}
	if amount == 0 {
		return 0, ErrInvalidAmount
	}
	bank, position, err := e.load(owner, asset)
	if err != nil {
		return 0, err
	}
	entry := position.Asset(bank.Asset)
	sharesBefore := entry.BorrowedShares
	repaid, err := ApplyRepay(bank, &entry, amount)
	if err != nil {
		return 0, err
	}
	position.SetAsset(entry)
	if err := e.transfer(bank, owner, e.treasuryAccount(bank), e.deriver.Owner(bank.Asset, owner), repaid); err != nil {
		return 0, err
	}
	if err := e.persist(position, bank); err != nil {
		return 0, err
	}
	e.emitChange(events.TypeLendingRepay, owner, bank, repaid, sharesBefore-entry.BorrowedShares)
	return repaid, nil
}

// Liquidate lets any caller repay part of an unhealthy borrower's debt in
// exchange for collateral plus the liquidation bonus.
func (e *Engine) Liquidate(liquidator, borrower crypto.Address, req LiquidationRequest) (*LiquidationResult, error) {
	if err := e.mutable(); err != nil {
		return nil, err
	}
	if liquidator.Equal(borrower) {
		return nil, errSelfLiquidate
	}
	position, err := e.Position(borrower)
	if err != nil {
		return nil, err
	}
	position = position.Clone()
	health, err := ComputeHealth(position, e.state.LendingBank, e.valuer)
	if err != nil {
		return nil, err
	}
	liquidatable, err := health.Liquidatable()
	if err != nil {
		return nil, err
	}
	if !liquidatable {
		return nil, ErrNotLiquidatable
	}

	debtAsset, collateralAsset, err := e.selectLiquidationAssets(position, req)
	if err != nil {
		return nil, err
	}
	debtBank, err := e.requireBank(debtAsset)
	if err != nil {
		return nil, err
	}
	collateralBank := debtBank
	if collateralAsset != debtAsset {
		if collateralBank, err = e.requireBank(collateralAsset); err != nil {
			return nil, err
		}
	}

	plan, err := PlanLiquidation(e.params, debtBank, collateralBank, position.Asset(debtAsset), position.Asset(collateralAsset), req.Amount, e.valuer)
	if err != nil {
		return nil, err
	}

	debtEntry := position.Asset(debtAsset)
	if _, err := ApplyRepay(debtBank, &debtEntry, plan.Repay); err != nil {
		return nil, err
	}
	position.SetAsset(debtEntry)
	collateralEntry := position.Asset(collateralAsset)
	if _, err := removeDeposit(collateralBank, &collateralEntry, plan.Seize); err != nil {
		return nil, err
	}
	position.SetAsset(collateralEntry)

	if err := e.transfer(debtBank, liquidator, e.treasuryAccount(debtBank), e.deriver.Owner(debtAsset, liquidator), plan.Repay); err != nil {
		return nil, err
	}
	authority, err := e.treasuryAuthority(collateralBank)
	if err != nil {
		return nil, err
	}
	if err := e.transfer(collateralBank, authority.Account, liquidator, authority, plan.Seize); err != nil {
		return nil, err
	}

	if err := e.state.PutLendingBank(debtBank); err != nil {
		return nil, err
	}
	if collateralBank != debtBank {
		if err := e.state.PutLendingBank(collateralBank); err != nil {
			return nil, err
		}
	}
	if err := e.state.PutLendingPosition(position); err != nil {
		return nil, err
	}
	e.emitter.Emit(events.LendingLiquidation{
		Liquidator:      liquidator.Array(),
		Borrower:        borrower.Array(),
		DebtAsset:       debtAsset,
		CollateralAsset: collateralAsset,
		Repaid:          plan.Repay,
		Seized:          plan.Seize,
	})
	return &LiquidationResult{DebtAsset: debtAsset, CollateralAsset: collateralAsset, Repaid: plan.Repay, Seized: plan.Seize}, nil
}

// Bank returns the bank for asset.
func (e *Engine) Bank(asset string) (*Bank, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	return e.requireBank(asset)
}

// Banks returns every bank ordered by asset.
func (e *Engine) Banks() ([]*Bank, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	assets, err := e.state.LendingBanks()
	if err != nil {
		return nil, err
	}
	banks := make([]*Bank, 0, len(assets))
	for _, asset := range assets {
		bank, err := e.requireBank(asset)
		if err != nil {
			return nil, err
		}
		banks = append(banks, bank)
	}
	return banks, nil
}

// Position returns the owner's position.
func (e *Engine) Position(owner crypto.Address) (*UserPosition, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	position, err := e.state.LendingPosition(owner.Array())
	if err != nil {
		return nil, err
	}
	if position == nil {
		return nil, fmt.Errorf("user %s: %w", owner, ErrNotInitialized)
	}
	return position, nil
}

// Health values the owner's position and reports the borrowable amount in
// every bank.
func (e *Engine) Health(owner crypto.Address) (*PositionHealth, error) {
	position, err := e.Position(owner)
	if err != nil {
		return nil, err
	}
	health, err := ComputeHealth(position, e.state.LendingBank, e.valuer)
	if err != nil {
		return nil, err
	}
	liquidatable, err := health.Liquidatable()
	if err != nil {
		return nil, err
	}
	banks, err := e.Banks()
	if err != nil {
		return nil, err
	}
	out := &PositionHealth{Health: health, CanLiquidate: liquidatable, MaxBorrowable: make(map[string]uint64, len(banks))}
	for _, bank := range banks {
		amount, err := MaxBorrowable(bank, health, e.valuer)
		if err != nil {
			return nil, err
		}
		out.MaxBorrowable[bank.Asset] = amount
	}
	return out, nil
}

// TreasuryAuthority derives the release capability for asset's treasury.
func (e *Engine) TreasuryAuthority(asset string) (Authority, error) {
	bank, err := e.Bank(asset)
	if err != nil {
		return Authority{}, err
	}
	return e.treasuryAuthority(bank)
}

func (e *Engine) requireBank(asset string) (*Bank, error) {
	normalized := NormalizeAsset(asset)
	bank, err := e.state.LendingBank(normalized)
	if err != nil {
		return nil, err
	}
	if bank == nil {
		return nil, fmt.Errorf("bank %s: %w", normalized, ErrNotInitialized)
	}
	return bank.Clone(), nil
}

func (e *Engine) load(owner crypto.Address, asset string) (*Bank, *UserPosition, error) {
	bank, err := e.requireBank(asset)
	if err != nil {
		return nil, nil, err
	}
	position, err := e.state.LendingPosition(owner.Array())
	if err != nil {
		return nil, nil, err
	}
	if position == nil {
		return nil, nil, fmt.Errorf("user %s: %w", owner, ErrNotInitialized)
	}
	return bank, position.Clone(), nil
}

// lookupWith resolves banks from state except for the in-flight copy.
func (e *Engine) lookupWith(pending *Bank) BankLookup {
	return func(asset string) (*Bank, error) {
		if pending != nil && NormalizeAsset(asset) == pending.Asset {
			return pending, nil
		}
		return e.state.LendingBank(asset)
	}
}

func (e *Engine) treasuryAccount(bank *Bank) crypto.Address {
	return crypto.MustNewAddress(crypto.ProgramPrefix, bank.Treasury[:])
}

func (e *Engine) treasuryAuthority(bank *Bank) (Authority, error) {
	authority, err := e.deriver.Treasury(bank.Asset)
	if err != nil {
		return Authority{}, err
	}
	if authority.Account.Array() != bank.Treasury || authority.Bump != bank.TreasuryBump {
		return Authority{}, fmt.Errorf("bank %s treasury does not match derivation: %w", bank.Asset, ErrUnauthorized)
	}
	return authority, nil
}

func (e *Engine) transfer(bank *Bank, source, destination crypto.Address, authority Authority, amount uint64) error {
	err := e.transfers.TransferChecked(TransferRequest{
		Asset:       bank.Asset,
		Source:      source,
		Destination: destination,
		Authority:   authority,
		Amount:      amount,
		Decimals:    bank.Decimals,
	})
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrTransferFailed) {
		return err
	}
	return fmt.Errorf("%w: %v", ErrTransferFailed, err)
}

func (e *Engine) persist(position *UserPosition, bank *Bank) error {
	if err := e.state.PutLendingBank(bank); err != nil {
		return err
	}
	return e.state.PutLendingPosition(position)
}

func (e *Engine) emitChange(kind string, owner crypto.Address, bank *Bank, amount, shares uint64) {
	e.emitter.Emit(events.LendingPositionChanged{
		Kind:               kind,
		Owner:              owner.Array(),
		Asset:              bank.Asset,
		Amount:             amount,
		Shares:             shares,
		TotalDeposits:      bank.TotalDeposits,
		TotalDepositShares: bank.TotalDepositShares,
		TotalBorrows:       bank.TotalBorrows,
	})
}

func (e *Engine) selectLiquidationAssets(position *UserPosition, req LiquidationRequest) (string, string, error) {
	debtAsset := NormalizeAsset(req.DebtAsset)
	collateralAsset := NormalizeAsset(req.CollateralAsset)
	if debtAsset == "" {
		asset, err := e.largest(position, func(p AssetPosition) uint64 { return p.BorrowedAmount })
		if err != nil {
			return "", "", err
		}
		debtAsset = asset
	}
	if collateralAsset == "" {
		if position.Asset(position.CollateralAsset).DepositedAmount > 0 {
			collateralAsset = position.CollateralAsset
		} else {
			asset, err := e.largest(position, func(p AssetPosition) uint64 { return p.DepositedAmount })
			if err != nil {
				return "", "", err
			}
			collateralAsset = asset
		}
	}
	if debtAsset == "" || position.Asset(debtAsset).BorrowedAmount == 0 {
		return "", "", fmt.Errorf("no debt in %q: %w", debtAsset, ErrNotLiquidatable)
	}
	if collateralAsset == "" || position.Asset(collateralAsset).DepositedAmount == 0 {
		return "", "", fmt.Errorf("no collateral in %q: %w", collateralAsset, ErrNotLiquidatable)
	}
	return debtAsset, collateralAsset, nil
}

// largest picks the asset whose selected amount has the greatest value.
func (e *Engine) largest(position *UserPosition, amount func(AssetPosition) uint64) (string, error) {
	var (
		best      string
		bestValue = new(uint256.Int)
	)
	for _, entry := range position.Assets {
		qty := amount(entry)
		if qty == 0 {
			continue
		}
		bank, err := e.requireBank(entry.Asset)
		if err != nil {
			return "", err
		}
		value, err := e.valuer.Value(bank, qty)
		if err != nil {
			return "", err
		}
		if best == "" || value.Cmp(bestValue) > 0 {
			best, bestValue = entry.Asset, value
		}
	}
	return best, nil
}
