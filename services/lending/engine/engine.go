// Package engine executes lending operations against persistent storage.
// Each call runs on its own staged view of the database, commits in one
// batch when it succeeds and publishes its events only after the commit.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"

	"lendcore/core/events"
	"lendcore/core/state"
	"lendcore/crypto"
	nativecommon "lendcore/native/common"
	"lendcore/native/lending"
	"lendcore/native/token"
	"lendcore/observability"
	"lendcore/storage"
)

// Caller identifies the signer of a user operation and the nonce it signed.
type Caller struct {
	Account crypto.Address
	Nonce   uint64
}

// Options tune an Executor.
type Options struct {
	Logger *slog.Logger
	// Sinks receive every committed event in order.
	Sinks []events.Emitter
}

// Executor serializes lending operations over a storage.Database.
type Executor struct {
	mu      sync.Mutex
	db      storage.Database
	engine  *lending.Engine
	deriver *lending.AuthorityDeriver
	pauses  *nativecommon.Pauses
	sinks   events.Fanout
	logger  *slog.Logger
	metrics *observability.LendingMetrics
}

// New builds an executor from the risk configuration. Genesis assets and
// banks are not applied until Bootstrap is called.
func New(db storage.Database, cfg lending.Config, opts Options) (*Executor, error) {
	if db == nil {
		return nil, errors.New("engine: database required")
	}
	cfg.EnsureDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	programID, err := cfg.ProgramIDBytes()
	if err != nil {
		return nil, err
	}
	deriver, err := lending.NewAuthorityDeriver(programID)
	if err != nil {
		return nil, err
	}
	valuer, err := lending.NewStaticValuer(cfg.Prices)
	if err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	core := lending.NewEngine(deriver, cfg.LiquidationParams())
	pauses := nativecommon.NewPauses()
	core.SetPauses(pauses)
	core.SetValuer(valuer)
	return &Executor{
		db:      db,
		engine:  core,
		deriver: deriver,
		pauses:  pauses,
		sinks:   append(events.Fanout{observability.Events()}, opts.Sinks...),
		logger:  logger,
		metrics: observability.Lending(),
	}, nil
}

// ProgramID returns the program id signatures and treasuries are bound to.
func (x *Executor) ProgramID() []byte { return x.deriver.ProgramID() }

// AddSink registers another committed-event subscriber.
func (x *Executor) AddSink(sink events.Emitter) {
	if sink == nil {
		return
	}
	x.mu.Lock()
	x.sinks = append(x.sinks, sink)
	x.mu.Unlock()
}

// SetPaused pauses or resumes every mutating lending operation.
func (x *Executor) SetPaused(paused bool) {
	x.pauses.Set(lending.ModuleName, paused)
	x.logger.Info("lending module pause updated", "paused", paused)
}

// Paused reports whether the lending module is paused.
func (x *Executor) Paused() bool { return x.pauses.IsPaused(lending.ModuleName) }

// Bootstrap registers the configured assets and initializes the configured
// banks. Existing records are left untouched so restarts are idempotent.
func (x *Executor) Bootstrap(ctx context.Context, cfg lending.Config) error {
	return x.mutate(ctx, "genesis", "", nil, func(tx *txn) error {
		for _, asset := range cfg.Assets {
			meta, err := tx.state.Token(asset.Symbol)
			if err != nil {
				return err
			}
			if meta != nil {
				if meta.Decimals != asset.Decimals {
					return fmt.Errorf("asset %s registered with %d decimals, config declares %d", meta.Symbol, meta.Decimals, asset.Decimals)
				}
				continue
			}
			if err := tx.ledger.Register(asset.Symbol, asset.Decimals); err != nil {
				return err
			}
		}
		for _, bank := range cfg.Banks {
			existing, err := tx.state.LendingBank(bank.Asset)
			if err != nil {
				return err
			}
			if existing != nil {
				continue
			}
			if _, err := x.engine.InitializeBank(bank.Asset, bank.MaxLTVBps, bank.LiquidationThresholdBps); err != nil {
				return fmt.Errorf("bank %s: %w", bank.Asset, err)
			}
		}
		return nil
	})
}

// RegisterAsset adds an asset to the token registry.
func (x *Executor) RegisterAsset(ctx context.Context, symbol string, decimals uint8) error {
	return x.mutate(ctx, "register_asset", symbol, nil, func(tx *txn) error {
		return tx.ledger.Register(symbol, decimals)
	})
}

// Mint credits amount of asset to account.
func (x *Executor) Mint(ctx context.Context, to crypto.Address, asset string, amount uint64) error {
	return x.mutate(ctx, "mint", asset, nil, func(tx *txn) error {
		return tx.ledger.Mint(to, asset, amount)
	})
}

// InitializeBank creates the bank for asset.
func (x *Executor) InitializeBank(ctx context.Context, asset string, maxLTV, liquidationThreshold uint64) (*lending.Bank, error) {
	var bank *lending.Bank
	err := x.mutate(ctx, "initialize_bank", asset, nil, func(*txn) error {
		var err error
		bank, err = x.engine.InitializeBank(asset, maxLTV, liquidationThreshold)
		return err
	})
	return bank, err
}

// InitializeUser creates the caller's position.
func (x *Executor) InitializeUser(ctx context.Context, caller Caller, collateralAsset string) (*lending.UserPosition, error) {
	var position *lending.UserPosition
	err := x.mutate(ctx, "initialize_user", collateralAsset, &caller, func(*txn) error {
		var err error
		position, err = x.engine.InitializeUser(caller.Account, collateralAsset)
		return err
	})
	return position, err
}

// Deposit supplies amount and returns the shares minted.
func (x *Executor) Deposit(ctx context.Context, caller Caller, asset string, amount uint64) (uint64, error) {
	var shares uint64
	err := x.mutate(ctx, "deposit", asset, &caller, func(*txn) error {
		var err error
		shares, err = x.engine.Deposit(caller.Account, asset, amount)
		return err
	})
	return shares, err
}

// Withdraw redeems amount of principal and returns the shares burned.
func (x *Executor) Withdraw(ctx context.Context, caller Caller, asset string, amount uint64) (uint64, error) {
	var shares uint64
	err := x.mutate(ctx, "withdraw", asset, &caller, func(*txn) error {
		var err error
		shares, err = x.engine.Withdraw(caller.Account, asset, amount)
		return err
	})
	return shares, err
}

// Borrow draws amount and returns the borrow shares minted.
func (x *Executor) Borrow(ctx context.Context, caller Caller, asset string, amount uint64) (uint64, error) {
	var shares uint64
	err := x.mutate(ctx, "borrow", asset, &caller, func(*txn) error {
		var err error
		shares, err = x.engine.Borrow(caller.Account, asset, amount)
		return err
	})
	return shares, err
}

// Repay returns up to amount of debt and reports the amount repaid.
func (x *Executor) Repay(ctx context.Context, caller Caller, asset string, amount uint64) (uint64, error) {
	var repaid uint64
	err := x.mutate(ctx, "repay", asset, &caller, func(*txn) error {
		var err error
		repaid, err = x.engine.Repay(caller.Account, asset, amount)
		return err
	})
	return repaid, err
}

// Liquidate settles part of borrower's debt on behalf of the caller.
func (x *Executor) Liquidate(ctx context.Context, caller Caller, borrower crypto.Address, req lending.LiquidationRequest) (*lending.LiquidationResult, error) {
	var result *lending.LiquidationResult
	err := x.mutate(ctx, "liquidate", req.DebtAsset, &caller, func(*txn) error {
		var err error
		result, err = x.engine.Liquidate(caller.Account, borrower, req)
		return err
	})
	return result, err
}

// Bank returns the bank for asset.
func (x *Executor) Bank(ctx context.Context, asset string) (*lending.Bank, error) {
	var bank *lending.Bank
	err := x.view(ctx, func(*txn) error {
		var err error
		bank, err = x.engine.Bank(asset)
		return err
	})
	return bank, err
}

// Banks lists every bank ordered by asset.
func (x *Executor) Banks(ctx context.Context) ([]*lending.Bank, error) {
	var banks []*lending.Bank
	err := x.view(ctx, func(*txn) error {
		var err error
		banks, err = x.engine.Banks()
		return err
	})
	return banks, err
}

// Position returns owner's position.
func (x *Executor) Position(ctx context.Context, owner crypto.Address) (*lending.UserPosition, error) {
	var position *lending.UserPosition
	err := x.view(ctx, func(*txn) error {
		var err error
		position, err = x.engine.Position(owner)
		return err
	})
	return position, err
}

// Health values owner's position.
func (x *Executor) Health(ctx context.Context, owner crypto.Address) (*lending.PositionHealth, error) {
	var health *lending.PositionHealth
	err := x.view(ctx, func(*txn) error {
		var err error
		health, err = x.engine.Health(owner)
		return err
	})
	return health, err
}

// Balance reports account's token balance.
func (x *Executor) Balance(ctx context.Context, account crypto.Address, asset string) (uint64, error) {
	var balance uint64
	err := x.view(ctx, func(tx *txn) error {
		meta, err := tx.state.Token(asset)
		if err != nil {
			return err
		}
		if meta == nil {
			return fmt.Errorf("asset %s: %w", lending.NormalizeAsset(asset), lending.ErrUnknownAsset)
		}
		balance, err = tx.ledger.BalanceOf(account, asset)
		return err
	})
	return balance, err
}

// Nonce returns the next nonce account must sign.
func (x *Executor) Nonce(ctx context.Context, account crypto.Address) (uint64, error) {
	var nonce uint64
	err := x.view(ctx, func(tx *txn) error {
		var err error
		nonce, err = tx.state.Nonce(account.Bytes())
		return err
	})
	return nonce, err
}

type txn struct {
	staged *state.Staged
	state  *state.Manager
	ledger *token.Ledger
	buffer *events.Buffer
}

// begin binds the engine to a fresh staged view. Callers hold x.mu.
func (x *Executor) begin() *txn {
	staged := state.NewStaged(x.db)
	manager := state.NewManager(staged)
	buffer := &events.Buffer{}
	ledger := token.NewLedger(manager, x.deriver)
	ledger.SetEmitter(buffer)
	x.engine.SetState(manager)
	x.engine.SetTransfers(ledger)
	x.engine.SetEmitter(buffer)
	return &txn{staged: staged, state: manager, ledger: ledger, buffer: buffer}
}

func (x *Executor) view(ctx context.Context, fn func(*txn) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	x.mu.Lock()
	defer x.mu.Unlock()
	tx := x.begin()
	defer tx.staged.Discard()
	return fn(tx)
}

func (x *Executor) mutate(ctx context.Context, action, asset string, caller *Caller, fn func(*txn) error) (err error) {
	if err := ctx.Err(); err != nil {
		return err
	}
	x.mu.Lock()
	defer x.mu.Unlock()
	defer func() {
		x.metrics.RecordOperation(action, asset, err)
		x.logOutcome(action, asset, caller, err)
	}()
	if err := ctx.Err(); err != nil {
		return err
	}

	tx := x.begin()
	var next uint64
	if caller != nil {
		if next, err = x.checkNonce(tx, *caller); err != nil {
			return err
		}
	}
	if err = fn(tx); err != nil {
		tx.staged.Discard()
		tx.buffer.Discard()
		return err
	}
	if caller != nil {
		if err = tx.state.SetNonce(caller.Account.Bytes(), next); err != nil {
			tx.staged.Discard()
			tx.buffer.Discard()
			return err
		}
	}
	if err = tx.staged.Commit(); err != nil {
		tx.buffer.Discard()
		return fmt.Errorf("commit %s: %w", action, err)
	}
	tx.buffer.Flush(x.sinks)
	x.publishTotals(tx)
	return nil
}

func (x *Executor) checkNonce(tx *txn, caller Caller) (uint64, error) {
	if caller.Account.IsZero() {
		return 0, fmt.Errorf("caller account required: %w", ErrInvalidRequest)
	}
	expected, err := tx.state.Nonce(caller.Account.Bytes())
	if err != nil {
		return 0, err
	}
	if caller.Nonce != expected {
		return 0, fmt.Errorf("expected nonce %d, got %d: %w", expected, caller.Nonce, ErrNonceMismatch)
	}
	if expected == math.MaxUint64 {
		return 0, lending.ErrArithmeticOverflow
	}
	return expected + 1, nil
}

func (x *Executor) publishTotals(tx *txn) {
	assets, err := tx.state.LendingBanks()
	if err != nil {
		x.logger.Warn("bank totals unavailable", "error", err)
		return
	}
	for _, asset := range assets {
		bank, err := tx.state.LendingBank(asset)
		if err != nil || bank == nil {
			continue
		}
		x.metrics.SetBankTotals(bank.Asset, bank.TotalDeposits, bank.TotalBorrows, bank.Reserves)
	}
}

func (x *Executor) logOutcome(action, asset string, caller *Caller, err error) {
	attrs := []any{"action", action}
	if asset != "" {
		attrs = append(attrs, "asset", lending.NormalizeAsset(asset))
	}
	if caller != nil {
		attrs = append(attrs, "account", caller.Account.String(), "nonce", caller.Nonce)
	}
	if err != nil {
		x.logger.Warn("lending operation rejected", append(attrs, "error", err)...)
		return
	}
	x.logger.Info("lending operation committed", attrs...)
}
