package state

import (
	"errors"
	"fmt"
	"math/bits"
	"sort"
	"strings"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"
)

// KV is the byte-level store the manager reads and writes. Get returns a nil
// slice without error for missing keys.
type KV interface {
	Get(key []byte) ([]byte, error)
	Update(key, value []byte) error
}

// Manager provides typed access to assets, balances, signer nonces and
// lending records held in a KV.
type Manager struct {
	kv KV
}

// NewManager creates a state manager operating on the provided store.
func NewManager(kv KV) *Manager {
	return &Manager{kv: kv}
}

var (
	// ErrTokenNotRegistered is returned for operations on unknown assets.
	ErrTokenNotRegistered = errors.New("state: token not registered")
	// ErrTokenExists is returned when registering an asset twice.
	ErrTokenExists = errors.New("state: token already registered")
	// ErrBalanceOverflow is returned when a credit would wrap a balance.
	ErrBalanceOverflow = errors.New("state: balance overflow")
)

type TokenMetadata struct {
	Symbol   string
	Decimals uint8
	Supply   uint64
}

var (
	tokenPrefix   = []byte("token:")
	tokenListKey  = ethcrypto.Keccak256([]byte("token-list"))
	balancePrefix = []byte("balance:")
	noncePrefix   = []byte("nonce:")
)

func prefixedKey(prefix []byte, parts ...[]byte) []byte {
	size := len(prefix)
	for _, part := range parts {
		size += len(part) + 1
	}
	buf := make([]byte, 0, size)
	buf = append(buf, prefix...)
	for i, part := range parts {
		if i > 0 {
			buf = append(buf, ':')
		}
		buf = append(buf, part...)
	}
	return ethcrypto.Keccak256(buf)
}

func tokenMetadataKey(symbol string) []byte {
	return prefixedKey(tokenPrefix, []byte(symbol))
}

func balanceKey(addr []byte, symbol string) []byte {
	return prefixedKey(balancePrefix, []byte(symbol), addr)
}

func nonceKey(addr []byte) []byte {
	return prefixedKey(noncePrefix, addr)
}

func kvKey(key []byte) []byte {
	return ethcrypto.Keccak256(key)
}

func normalizeSymbol(symbol string) string {
	return strings.ToUpper(strings.TrimSpace(symbol))
}

func (m *Manager) get(key []byte, out interface{}) (bool, error) {
	data, err := m.kv.Get(key)
	if err != nil {
		return false, err
	}
	if len(data) == 0 {
		return false, nil
	}
	if err := rlp.DecodeBytes(data, out); err != nil {
		return false, err
	}
	return true, nil
}

func (m *Manager) put(key []byte, value interface{}) error {
	encoded, err := rlp.EncodeToBytes(value)
	if err != nil {
		return err
	}
	return m.kv.Update(key, encoded)
}

func (m *Manager) loadStringList(key []byte) ([]string, error) {
	var list []string
	if _, err := m.get(key, &list); err != nil {
		return nil, err
	}
	if list == nil {
		list = []string{}
	}
	return list, nil
}

// insertSorted adds value to list keeping it sorted and duplicate free.
func insertSorted(list []string, value string) []string {
	idx := sort.SearchStrings(list, value)
	if idx < len(list) && list[idx] == value {
		return list
	}
	list = append(list, "")
	copy(list[idx+1:], list[idx:])
	list[idx] = value
	return list
}

// RegisterToken stores the metadata for an asset and records it in the
// token index.
func (m *Manager) RegisterToken(symbol string, decimals uint8) error {
	normalized := normalizeSymbol(symbol)
	if normalized == "" {
		return fmt.Errorf("token symbol must not be empty")
	}
	if existing, err := m.Token(normalized); err != nil {
		return err
	} else if existing != nil {
		return fmt.Errorf("token %s: %w", normalized, ErrTokenExists)
	}
	list, err := m.loadStringList(tokenListKey)
	if err != nil {
		return err
	}
	if err := m.put(tokenListKey, insertSorted(list, normalized)); err != nil {
		return err
	}
	return m.put(tokenMetadataKey(normalized), &TokenMetadata{Symbol: normalized, Decimals: decimals})
}

// Token retrieves metadata for a registered token, or nil when unknown.
func (m *Manager) Token(symbol string) (*TokenMetadata, error) {
	meta := new(TokenMetadata)
	ok, err := m.get(tokenMetadataKey(normalizeSymbol(symbol)), meta)
	if err != nil || !ok {
		return nil, err
	}
	return meta, nil
}

// TokenList returns all registered token symbols in sorted order.
func (m *Manager) TokenList() ([]string, error) {
	return m.loadStringList(tokenListKey)
}

// AssetDecimals reports the decimals of a registered asset.
func (m *Manager) AssetDecimals(symbol string) (uint8, bool, error) {
	meta, err := m.Token(symbol)
	if err != nil || meta == nil {
		return 0, false, err
	}
	return meta.Decimals, true, nil
}

// AdjustSupply records a mint against the token's total supply.
func (m *Manager) AdjustSupply(symbol string, minted uint64) (uint64, error) {
	meta, err := m.Token(symbol)
	if err != nil {
		return 0, err
	}
	if meta == nil {
		return 0, fmt.Errorf("token %s: %w", normalizeSymbol(symbol), ErrTokenNotRegistered)
	}
	total, carry := bits.Add64(meta.Supply, minted, 0)
	if carry != 0 {
		return 0, ErrBalanceOverflow
	}
	meta.Supply = total
	if err := m.put(tokenMetadataKey(meta.Symbol), meta); err != nil {
		return 0, err
	}
	return total, nil
}

// SetBalance stores an account balance for the provided token.
func (m *Manager) SetBalance(addr []byte, symbol string, amount uint64) error {
	if len(addr) == 0 {
		return fmt.Errorf("address must not be empty")
	}
	normalized := normalizeSymbol(symbol)
	if meta, err := m.Token(normalized); err != nil {
		return err
	} else if meta == nil {
		return fmt.Errorf("token %s: %w", normalized, ErrTokenNotRegistered)
	}
	return m.put(balanceKey(addr, normalized), amount)
}

// Balance retrieves a token balance for the provided account and token.
func (m *Manager) Balance(addr []byte, symbol string) (uint64, error) {
	var amount uint64
	if _, err := m.get(balanceKey(addr, normalizeSymbol(symbol)), &amount); err != nil {
		return 0, err
	}
	return amount, nil
}

// Nonce returns the next expected request nonce for a signer.
func (m *Manager) Nonce(addr []byte) (uint64, error) {
	var nonce uint64
	if _, err := m.get(nonceKey(addr), &nonce); err != nil {
		return 0, err
	}
	return nonce, nil
}

// SetNonce stores the next expected request nonce for a signer.
func (m *Manager) SetNonce(addr []byte, nonce uint64) error {
	if len(addr) == 0 {
		return fmt.Errorf("address must not be empty")
	}
	return m.put(nonceKey(addr), nonce)
}

// KVPut stores the provided value under the supplied key using RLP encoding.
func (m *Manager) KVPut(key []byte, value interface{}) error {
	if len(key) == 0 {
		return fmt.Errorf("kv: key must not be empty")
	}
	return m.put(kvKey(key), value)
}

// KVGet decodes the value stored under key into out and reports whether the
// key existed.
func (m *Manager) KVGet(key []byte, out interface{}) (bool, error) {
	if len(key) == 0 {
		return false, fmt.Errorf("kv: key must not be empty")
	}
	return m.get(kvKey(key), out)
}
