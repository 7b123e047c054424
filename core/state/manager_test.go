package state

import (
	"errors"
	"testing"

	"lendcore/native/lending"
	"lendcore/storage"
)

func TestTokenRegistryAndBalances(t *testing.T) {
	db := storage.NewMemDB()
	defer db.Close()
	mgr := NewManager(NewStaged(db))

	if err := mgr.RegisterToken(" usdc ", 6); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := mgr.RegisterToken("USDC", 6); !errors.Is(err, ErrTokenExists) {
		t.Fatalf("expected ErrTokenExists, got %v", err)
	}
	if err := mgr.RegisterToken("ETH", 18); err != nil {
		t.Fatalf("register eth: %v", err)
	}
	list, err := mgr.TokenList()
	if err != nil {
		t.Fatalf("token list: %v", err)
	}
	if len(list) != 2 || list[0] != "ETH" || list[1] != "USDC" {
		t.Fatalf("unexpected token list %v", list)
	}
	decimals, ok, err := mgr.AssetDecimals("usdc")
	if err != nil || !ok || decimals != 6 {
		t.Fatalf("unexpected decimals %d ok=%v err=%v", decimals, ok, err)
	}
	if _, ok, _ := mgr.AssetDecimals("DOGE"); ok {
		t.Fatalf("unknown asset reported as registered")
	}

	addr := []byte{0x01, 0x02}
	if err := mgr.SetBalance(addr, "usdc", 750); err != nil {
		t.Fatalf("set balance: %v", err)
	}
	if err := mgr.SetBalance(addr, "DOGE", 1); !errors.Is(err, ErrTokenNotRegistered) {
		t.Fatalf("expected ErrTokenNotRegistered, got %v", err)
	}
	balance, err := mgr.Balance(addr, "USDC")
	if err != nil || balance != 750 {
		t.Fatalf("unexpected balance %d err=%v", balance, err)
	}
}

func TestLendingRecordsRoundTrip(t *testing.T) {
	db := storage.NewMemDB()
	mgr := NewManager(NewStaged(db))

	bank := &lending.Bank{Asset: "USDC", Decimals: 6, TotalDeposits: 1500, TotalDepositShares: 1500, MaxLTV: 7500, LiquidationThreshold: 8000}
	bank.Treasury[0] = 0xAA
	if err := mgr.PutLendingBank(bank); err != nil {
		t.Fatalf("put bank: %v", err)
	}
	if err := mgr.PutLendingBank(&lending.Bank{Asset: "ETH", MaxLTV: 1, LiquidationThreshold: 1}); err != nil {
		t.Fatalf("put second bank: %v", err)
	}
	if err := mgr.PutLendingBank(bank); err != nil {
		t.Fatalf("re-put bank: %v", err)
	}
	assets, err := mgr.LendingBanks()
	if err != nil {
		t.Fatalf("list banks: %v", err)
	}
	if len(assets) != 2 || assets[0] != "ETH" || assets[1] != "USDC" {
		t.Fatalf("unexpected bank index %v", assets)
	}
	loaded, err := mgr.LendingBank("usdc")
	if err != nil {
		t.Fatalf("load bank: %v", err)
	}
	if *loaded != *bank {
		t.Fatalf("bank mismatch: %+v vs %+v", loaded, bank)
	}
	if missing, err := mgr.LendingBank("DOGE"); err != nil || missing != nil {
		t.Fatalf("expected missing bank, got %+v err=%v", missing, err)
	}

	var owner [20]byte
	owner[19] = 0x07
	position := &lending.UserPosition{Owner: owner, CollateralAsset: "USDC"}
	position.SetAsset(lending.AssetPosition{Asset: "USDC", DepositedAmount: 1000, DepositedShares: 1000})
	position.SetAsset(lending.AssetPosition{Asset: "ETH", BorrowedAmount: 5, BorrowedShares: 5})
	if err := mgr.PutLendingPosition(position); err != nil {
		t.Fatalf("put position: %v", err)
	}
	got, err := mgr.LendingPosition(owner)
	if err != nil {
		t.Fatalf("load position: %v", err)
	}
	if len(got.Assets) != 2 || got.Assets[0].Asset != "ETH" || got.Asset("USDC").DepositedShares != 1000 {
		t.Fatalf("unexpected position %+v", got)
	}
}

func TestStagedCommitAndDiscard(t *testing.T) {
	db := storage.NewMemDB()

	staged := NewStaged(db)
	mgr := NewManager(staged)
	if err := mgr.SetNonce([]byte{0x09}, 3); err != nil {
		t.Fatalf("set nonce: %v", err)
	}
	staged.Discard()
	if nonce, err := NewManager(NewStaged(db)).Nonce([]byte{0x09}); err != nil || nonce != 0 {
		t.Fatalf("discarded write leaked: nonce=%d err=%v", nonce, err)
	}

	if err := mgr.SetNonce([]byte{0x09}, 4); err != nil {
		t.Fatalf("set nonce: %v", err)
	}
	if staged.Dirty() != 1 {
		t.Fatalf("expected one staged key, got %d", staged.Dirty())
	}
	if err := staged.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if nonce, err := NewManager(NewStaged(db)).Nonce([]byte{0x09}); err != nil || nonce != 4 {
		t.Fatalf("committed nonce not visible: nonce=%d err=%v", nonce, err)
	}
}

func TestKVHelpers(t *testing.T) {
	mgr := NewManager(NewStaged(storage.NewMemDB()))
	if err := mgr.KVPut([]byte("journal/head"), []byte{0x01, 0x02}); err != nil {
		t.Fatalf("kv put: %v", err)
	}
	var out []byte
	ok, err := mgr.KVGet([]byte("journal/head"), &out)
	if err != nil || !ok || len(out) != 2 {
		t.Fatalf("kv get: ok=%v err=%v out=%x", ok, err, out)
	}
	if _, err := mgr.KVGet(nil, &out); err == nil {
		t.Fatalf("expected empty key error")
	}
}
