package lending

import (
	"bytes"
	"errors"
	"testing"

	"lendcore/core/events"
	"lendcore/crypto"
	nativecommon "lendcore/native/common"
)

type mockEngineState struct {
	banks     map[string]*Bank
	positions map[[20]byte]*UserPosition
	decimals  map[string]uint8
}

func newMockEngineState() *mockEngineState {
	return &mockEngineState{
		banks:     make(map[string]*Bank),
		positions: make(map[[20]byte]*UserPosition),
		decimals:  map[string]uint8{"USDC": 6, "WETH": 6},
	}
}

func (m *mockEngineState) LendingBank(asset string) (*Bank, error) {
	return m.banks[NormalizeAsset(asset)].Clone(), nil
}

func (m *mockEngineState) PutLendingBank(bank *Bank) error {
	m.banks[bank.Asset] = bank.Clone()
	return nil
}

func (m *mockEngineState) LendingBanks() ([]string, error) {
	var out []string
	for _, asset := range []string{"USDC", "WETH"} {
		if _, ok := m.banks[asset]; ok {
			out = append(out, asset)
		}
	}
	return out, nil
}

func (m *mockEngineState) LendingPosition(owner [20]byte) (*UserPosition, error) {
	return m.positions[owner].Clone(), nil
}

func (m *mockEngineState) PutLendingPosition(position *UserPosition) error {
	m.positions[position.Owner] = position.Clone()
	return nil
}

func (m *mockEngineState) AssetDecimals(asset string) (uint8, bool, error) {
	d, ok := m.decimals[NormalizeAsset(asset)]
	return d, ok, nil
}

type mockTransfers struct {
	deriver  *AuthorityDeriver
	balances map[string]uint64
	fail     error
	requests []TransferRequest
}

func (m *mockTransfers) key(asset string, addr crypto.Address) string {
	return asset + "/" + string(addr.Bytes())
}

func (m *mockTransfers) TransferChecked(req TransferRequest) error {
	if m.fail != nil {
		return m.fail
	}
	if err := m.deriver.Verify(req.Authority, req.Asset, req.Source); err != nil {
		return err
	}
	src := m.key(req.Asset, req.Source)
	if m.balances[src] < req.Amount {
		return errors.New("mock: insufficient balance")
	}
	m.balances[src] -= req.Amount
	m.balances[m.key(req.Asset, req.Destination)] += req.Amount
	m.requests = append(m.requests, req)
	return nil
}

func makeAddress(b byte) crypto.Address {
	return crypto.MustNewAddress(crypto.AccountPrefix, bytes.Repeat([]byte{b}, 20))
}

type engineFixture struct {
	engine    *Engine
	state     *mockEngineState
	transfers *mockTransfers
	events    *events.Buffer
}

func newEngineFixture(t *testing.T) *engineFixture {
	t.Helper()
	deriver, err := NewAuthorityDeriver(bytes.Repeat([]byte{0x77}, 20))
	if err != nil {
		t.Fatalf("deriver: %v", err)
	}
	state := newMockEngineState()
	transfers := &mockTransfers{deriver: deriver, balances: make(map[string]uint64)}
	buffer := &events.Buffer{}
	engine := NewEngine(deriver, LiquidationParams{CloseFactorBps: DefaultCloseFactorBps, LiquidationBonusBps: DefaultLiquidationBonusBps})
	engine.SetState(state)
	engine.SetTransfers(transfers)
	engine.SetEmitter(buffer)
	return &engineFixture{engine: engine, state: state, transfers: transfers, events: buffer}
}

func (f *engineFixture) fund(t *testing.T, asset string, addr crypto.Address, amount uint64) {
	t.Helper()
	f.transfers.balances[f.transfers.key(asset, addr)] += amount
}

func TestInitializeBankLifecycle(t *testing.T) {
	f := newEngineFixture(t)
	bank, err := f.engine.InitializeBank("usdc", 8_000, 8_500)
	if err != nil {
		t.Fatalf("initialize bank: %v", err)
	}
	if bank.Asset != "USDC" || bank.Decimals != 6 || bank.TotalDeposits != 0 || bank.TotalDepositShares != 0 {
		t.Fatalf("unexpected bank %+v", bank)
	}
	if _, err := f.engine.InitializeBank("USDC", 8_000, 8_500); !errors.Is(err, ErrAlreadyInitialized) {
		t.Fatalf("expected ErrAlreadyInitialized, got %v", err)
	}
	if _, err := f.engine.InitializeBank("DOGE", 8_000, 8_500); !errors.Is(err, ErrUnknownAsset) {
		t.Fatalf("expected ErrUnknownAsset, got %v", err)
	}
	if _, err := f.engine.InitializeBank("WETH", 9_000, 8_500); !errors.Is(err, ErrInvalidParameters) {
		t.Fatalf("expected ErrInvalidParameters, got %v", err)
	}
	if got := f.events.Events(); len(got) != 1 || got[0].EventType() != events.TypeLendingBankInitialized {
		t.Fatalf("unexpected events %v", got)
	}
}

func TestOperationsRequireInitializedUser(t *testing.T) {
	f := newEngineFixture(t)
	user := makeAddress(0x01)
	if _, err := f.engine.InitializeUser(user, "USDC"); !errors.Is(err, ErrNotInitialized) {
		t.Fatalf("expected missing bank error, got %v", err)
	}
	if _, err := f.engine.InitializeBank("USDC", 8_000, 8_500); err != nil {
		t.Fatalf("initialize bank: %v", err)
	}
	if _, err := f.engine.Deposit(user, "USDC", 10); !errors.Is(err, ErrNotInitialized) {
		t.Fatalf("expected ErrNotInitialized, got %v", err)
	}
	if _, err := f.engine.InitializeUser(user, "usdc"); err != nil {
		t.Fatalf("initialize user: %v", err)
	}
	if _, err := f.engine.InitializeUser(user, "USDC"); !errors.Is(err, ErrAlreadyInitialized) {
		t.Fatalf("expected ErrAlreadyInitialized, got %v", err)
	}
	position, err := f.engine.Position(user)
	if err != nil {
		t.Fatalf("position: %v", err)
	}
	if position.CollateralAsset != "USDC" || len(position.Assets) != 0 {
		t.Fatalf("unexpected position %+v", position)
	}
}

func TestSupplyGuardBlocksMutation(t *testing.T) {
	f := newEngineFixture(t)
	if _, err := f.engine.InitializeBank("USDC", 8_000, 8_500); err != nil {
		t.Fatalf("initialize bank: %v", err)
	}
	user := makeAddress(0x01)
	if _, err := f.engine.InitializeUser(user, "USDC"); err != nil {
		t.Fatalf("initialize user: %v", err)
	}
	f.fund(t, "USDC", user, 500)

	f.engine.SetPauses(nativecommon.NewPauses(ModuleName))
	if _, err := f.engine.Deposit(user, "USDC", 100); !errors.Is(err, nativecommon.ErrModulePaused) {
		t.Fatalf("expected ErrModulePaused, got %v", err)
	}
	if bank := f.state.banks["USDC"]; bank.TotalDeposits != 0 {
		t.Fatalf("paused deposit mutated bank: %+v", bank)
	}
	if _, err := f.engine.Bank("USDC"); err != nil {
		t.Fatalf("queries must keep working while paused: %v", err)
	}
}

func TestTransferFailureLeavesStateUnchanged(t *testing.T) {
	f := newEngineFixture(t)
	if _, err := f.engine.InitializeBank("USDC", 8_000, 8_500); err != nil {
		t.Fatalf("initialize bank: %v", err)
	}
	user := makeAddress(0x01)
	if _, err := f.engine.InitializeUser(user, "USDC"); err != nil {
		t.Fatalf("initialize user: %v", err)
	}

	// Unfunded wallet: the transfer collaborator refuses the debit.
	if _, err := f.engine.Deposit(user, "USDC", 100); !errors.Is(err, ErrTransferFailed) {
		t.Fatalf("expected ErrTransferFailed, got %v", err)
	}
	if bank := f.state.banks["USDC"]; bank.TotalDeposits != 0 || bank.TotalDepositShares != 0 {
		t.Fatalf("failed deposit mutated bank: %+v", bank)
	}
	if pos := f.state.positions[user.Array()]; len(pos.Assets) != 0 {
		t.Fatalf("failed deposit mutated position: %+v", pos)
	}
}

func TestDepositWithdrawTransfers(t *testing.T) {
	f := newEngineFixture(t)
	bank, err := f.engine.InitializeBank("USDC", 8_000, 8_500)
	if err != nil {
		t.Fatalf("initialize bank: %v", err)
	}
	user := makeAddress(0x01)
	if _, err := f.engine.InitializeUser(user, "USDC"); err != nil {
		t.Fatalf("initialize user: %v", err)
	}
	f.fund(t, "USDC", user, 1_000)

	if shares, err := f.engine.Deposit(user, "USDC", 1_000); err != nil || shares != 1_000 {
		t.Fatalf("deposit: shares=%d err=%v", shares, err)
	}
	treasury := crypto.MustNewAddress(crypto.ProgramPrefix, bank.Treasury[:])
	if got := f.transfers.balances[f.transfers.key("USDC", treasury)]; got != 1_000 {
		t.Fatalf("treasury holds %d", got)
	}
	if _, err := f.engine.Withdraw(user, "USDC", 1_001); !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}
	if _, err := f.engine.Withdraw(user, "USDC", 400); err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	last := f.transfers.requests[len(f.transfers.requests)-1]
	if last.Authority.Role != RoleTreasury || last.Decimals != 6 || !last.Destination.Equal(user) {
		t.Fatalf("unexpected release request %+v", last)
	}
	if got := f.transfers.balances[f.transfers.key("USDC", user)]; got != 400 {
		t.Fatalf("user wallet holds %d", got)
	}
}

func TestBorrowCeilingAndWithdrawLTV(t *testing.T) {
	f := newEngineFixture(t)
	if _, err := f.engine.InitializeBank("USDC", 7_500, 8_000); err != nil {
		t.Fatalf("initialize bank: %v", err)
	}
	lender, borrower := makeAddress(0x01), makeAddress(0x02)
	for _, user := range []crypto.Address{lender, borrower} {
		if _, err := f.engine.InitializeUser(user, "USDC"); err != nil {
			t.Fatalf("initialize user: %v", err)
		}
	}
	f.fund(t, "USDC", lender, 10_000)
	f.fund(t, "USDC", borrower, 1_000)
	if _, err := f.engine.Deposit(lender, "USDC", 10_000); err != nil {
		t.Fatalf("lender deposit: %v", err)
	}
	if _, err := f.engine.Deposit(borrower, "USDC", 1_000); err != nil {
		t.Fatalf("borrower deposit: %v", err)
	}

	limit, err := f.engine.MaxBorrowable(borrower, "USDC")
	if err != nil || limit != 750 {
		t.Fatalf("max borrowable %d err=%v", limit, err)
	}
	if _, err := f.engine.Borrow(borrower, "USDC", limit+1); !errors.Is(err, ErrExceedsMaxLTV) {
		t.Fatalf("expected ErrExceedsMaxLTV, got %v", err)
	}
	if _, err := f.engine.Borrow(borrower, "USDC", limit); err != nil {
		t.Fatalf("borrow at boundary: %v", err)
	}
	if _, err := f.engine.Withdraw(borrower, "USDC", 1); !errors.Is(err, ErrExceedsMaxLTV) {
		t.Fatalf("expected collateral withdrawal blocked, got %v", err)
	}
	if repaid, err := f.engine.Repay(borrower, "USDC", 5_000); err != nil || repaid != 750 {
		t.Fatalf("repay: repaid=%d err=%v", repaid, err)
	}
	if _, err := f.engine.Withdraw(borrower, "USDC", 1_000); err != nil {
		t.Fatalf("withdraw after repay: %v", err)
	}
}

func TestLiquidateRejectsHealthyPosition(t *testing.T) {
	f := newEngineFixture(t)
	if _, err := f.engine.InitializeBank("USDC", 7_500, 8_000); err != nil {
		t.Fatalf("initialize bank: %v", err)
	}
	borrower, liquidator := makeAddress(0x02), makeAddress(0x03)
	if _, err := f.engine.InitializeUser(borrower, "USDC"); err != nil {
		t.Fatalf("initialize user: %v", err)
	}
	f.fund(t, "USDC", borrower, 1_000)
	if _, err := f.engine.Deposit(borrower, "USDC", 1_000); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if _, err := f.engine.Borrow(borrower, "USDC", 500); err != nil {
		t.Fatalf("borrow: %v", err)
	}
	if _, err := f.engine.Liquidate(liquidator, borrower, LiquidationRequest{}); !errors.Is(err, ErrNotLiquidatable) {
		t.Fatalf("expected ErrNotLiquidatable, got %v", err)
	}
	if _, err := f.engine.Liquidate(borrower, borrower, LiquidationRequest{}); err == nil {
		t.Fatalf("expected self liquidation rejected")
	}
}

func TestLiquidateAfterPriceDrop(t *testing.T) {
	f := newEngineFixture(t)
	prices := func(weth string) Valuer {
		v, err := NewStaticValuer(map[string]string{"WETH": weth, "USDC": "1"})
		if err != nil {
			t.Fatalf("valuer: %v", err)
		}
		return v
	}
	f.engine.SetValuer(prices("2000"))
	if _, err := f.engine.InitializeBank("USDC", 8_000, 8_500); err != nil {
		t.Fatalf("usdc bank: %v", err)
	}
	wethBank, err := f.engine.InitializeBank("WETH", 7_500, 8_000)
	if err != nil {
		t.Fatalf("weth bank: %v", err)
	}
	lender, borrower, liquidator := makeAddress(0x01), makeAddress(0x02), makeAddress(0x03)
	if _, err := f.engine.InitializeUser(lender, "USDC"); err != nil {
		t.Fatalf("lender: %v", err)
	}
	if _, err := f.engine.InitializeUser(borrower, "WETH"); err != nil {
		t.Fatalf("borrower: %v", err)
	}
	f.fund(t, "USDC", lender, 5_000_000_000)
	f.fund(t, "WETH", borrower, 1_000_000)
	f.fund(t, "USDC", liquidator, 1_000_000_000)
	if _, err := f.engine.Deposit(lender, "USDC", 5_000_000_000); err != nil {
		t.Fatalf("lender deposit: %v", err)
	}
	if _, err := f.engine.Deposit(borrower, "WETH", 1_000_000); err != nil {
		t.Fatalf("borrower deposit: %v", err)
	}
	if _, err := f.engine.Borrow(borrower, "USDC", 1_500_000_000); err != nil {
		t.Fatalf("borrow: %v", err)
	}

	f.engine.SetValuer(prices("1800"))
	health, err := f.engine.Health(borrower)
	if err != nil {
		t.Fatalf("health: %v", err)
	}
	if !health.CanLiquidate || health.MaxBorrowable["USDC"] != 0 {
		t.Fatalf("expected liquidatable position, got %+v", health)
	}

	result, err := f.engine.Liquidate(liquidator, borrower, LiquidationRequest{})
	if err != nil {
		t.Fatalf("liquidate: %v", err)
	}
	if result.DebtAsset != "USDC" || result.CollateralAsset != "WETH" || result.Repaid != 750_000_000 || result.Seized != 437_500 {
		t.Fatalf("unexpected result %+v", result)
	}
	position := f.state.positions[borrower.Array()]
	if got := position.Asset("WETH"); got.DepositedAmount != 562_500 || got.DepositedShares != 562_500 {
		t.Fatalf("unexpected collateral %+v", got)
	}
	if got := position.Asset("USDC"); got.BorrowedAmount != 750_000_000 {
		t.Fatalf("unexpected debt %+v", got)
	}
	if got := f.transfers.balances[f.transfers.key("WETH", liquidator)]; got != 437_500 {
		t.Fatalf("liquidator received %d WETH units", got)
	}
	if bank := f.state.banks["WETH"]; bank.TotalDeposits != 562_500 || bank.Treasury != wethBank.Treasury {
		t.Fatalf("unexpected weth bank %+v", bank)
	}
	if _, err := f.engine.Liquidate(liquidator, borrower, LiquidationRequest{}); !errors.Is(err, ErrNotLiquidatable) {
		t.Fatalf("restored position should be healthy, got %v", err)
	}
}
